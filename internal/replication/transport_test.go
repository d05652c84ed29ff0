package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransportSendAndReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []Message

	server := NewTransport("server", "shared-secret", nil, func(peerID string, msg Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	})
	require.NoError(t, server.Listen(ctx, "127.0.0.1:0"))
	defer server.Close()

	client := NewTransport("client", "shared-secret", nil, nil)
	defer client.Close()

	addr := server.LocalAddr().String()
	require.NoError(t, client.Send(ctx, addr, NewPing("client-addr")))
	require.NoError(t, client.Send(ctx, addr, NewBroadcast(sampleChangeSet("client", 1))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransportRejectsWrongClusterSecret(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewTransport("server", "correct-secret", nil, func(string, Message) {})
	require.NoError(t, server.Listen(ctx, "127.0.0.1:0"))
	defer server.Close()

	client := NewTransport("client", "wrong-secret", nil, nil)
	defer client.Close()

	err := client.Send(ctx, server.LocalAddr().String(), NewPing("client-addr"))
	require.Error(t, err)
}

func TestTransportReusesPooledConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	count := 0
	server := NewTransport("server", "shared-secret", nil, func(string, Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, server.Listen(ctx, "127.0.0.1:0"))
	defer server.Close()

	client := NewTransport("client", "shared-secret", nil, nil)
	defer client.Close()

	addr := server.LocalAddr().String()
	for i := 0; i < 3; i++ {
		require.NoError(t, client.Send(ctx, addr, NewPing("client-addr")))
	}

	client.mu.Lock()
	poolSize := len(client.conns)
	client.mu.Unlock()
	require.Equal(t, 1, poolSize, "repeated sends to the same addr must reuse one pooled connection")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, 2*time.Second, 10*time.Millisecond)
}
