package replication

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// Handler processes an inbound Message from peerID. Implemented by the
// replication agent (spec.md §4.7 step 4); kept as a plain function type
// rather than an agent reference so the transport's receive loop never
// holds a cyclic reference back into the agent (spec.md §9 "Cyclic
// references").
type Handler func(peerID string, msg Message)

// dialTimeout bounds a single QUIC dial attempt.
const dialTimeout = 5 * time.Second

// sendTimeout bounds opening a stream and writing one message.
const sendTimeout = 5 * time.Second

// Transport owns the QUIC listener, the outbound connection pool, and
// dispatches inbound messages to Handler (spec.md §4.6).
type Transport struct {
	nodeID        string
	clusterSecret string
	logger        *zap.Logger
	handler       Handler

	listener *quic.Listener

	mu    sync.Mutex
	conns map[string]*pooledConn // peer addr -> connection
}

type pooledConn struct {
	conn    quic.Connection
	backoff *backoff.ExponentialBackOff
}

// NewTransport constructs a Transport. Call Listen to begin accepting
// inbound connections.
func NewTransport(nodeID, clusterSecret string, logger *zap.Logger, handler Handler) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		nodeID:        nodeID,
		clusterSecret: clusterSecret,
		logger:        logger.Named("replication"),
		handler:       handler,
		conns:         make(map[string]*pooledConn),
	}
}

func secretDigest(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// Listen binds addr and starts accepting connections. Each connection's
// first stream must carry a matching cluster-secret digest (spec.md §4.6
// "a pre-shared key validates the connection"); every subsequent stream on
// that connection is treated as one framed Message.
func (t *Transport) Listen(ctx context.Context, addr string) error {
	tlsConf, err := selfSignedTLSConfig(t.nodeID, true)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{KeepAlivePeriod: 15 * time.Second})
	if err != nil {
		return errors.Wrap(err, "replication: listen")
	}
	t.listener = ln

	go t.acceptLoop(ctx)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Debug("accept error", zap.Error(err))
				continue
			}
		}
		go t.serveConn(ctx, conn)
	}
}

func (t *Transport) serveConn(ctx context.Context, conn quic.Connection) {
	first, err := conn.AcceptUniStream(ctx)
	if err != nil {
		t.logger.Debug("handshake stream failed", zap.Error(err))
		_ = conn.CloseWithError(0, "handshake failed")
		return
	}
	payload, err := io.ReadAll(first)
	if err != nil {
		_ = conn.CloseWithError(0, "handshake read failed")
		return
	}
	want := secretDigest(t.clusterSecret)
	if len(payload) != len(want) || subtle.ConstantTimeCompare(payload, want[:]) != 1 {
		t.logger.Warn("rejecting connection: cluster secret mismatch", zap.String("peer", conn.RemoteAddr().String()))
		_ = conn.CloseWithError(1, "cluster secret mismatch")
		return
	}

	peerID := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go t.readMessage(stream, peerID)
	}
}

func (t *Transport) readMessage(stream quic.ReceiveStream, peerID string) {
	b, err := io.ReadAll(stream)
	if err != nil {
		t.logger.Debug("stream read error", zap.Error(err))
		return
	}
	msg, err := Decode(b)
	if err != nil {
		t.logger.Debug("decode error", zap.Error(err), zap.String("peer", peerID))
		return
	}
	if t.handler != nil {
		t.handler(peerID, msg)
	}
}

// getOrDial returns a pooled connection to addr, dialing lazily on first
// use and re-dialing on error with exponential backoff (100ms .. 30s,
// spec.md §4.6).
func (t *Transport) getOrDial(ctx context.Context, addr string) (quic.Connection, error) {
	t.mu.Lock()
	pc, ok := t.conns[addr]
	t.mu.Unlock()
	if ok && pc.conn.Context().Err() == nil {
		return pc.conn, nil
	}

	bo := newReconnectBackoff()
	var conn quic.Connection
	err := backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		tlsConf, err := selfSignedTLSConfig(t.nodeID, false)
		if err != nil {
			return backoff.Permanent(err)
		}
		c, err := quic.DialAddr(dialCtx, addr, tlsConf, &quic.Config{KeepAlivePeriod: 15 * time.Second})
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "replication: dialing %s", addr)
	}

	if err := t.handshake(ctx, conn); err != nil {
		_ = conn.CloseWithError(0, "handshake send failed")
		return nil, err
	}

	t.mu.Lock()
	t.conns[addr] = &pooledConn{conn: conn, backoff: bo}
	t.mu.Unlock()
	return conn, nil
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry indefinitely; caller's ctx bounds it
	return bo
}

func (t *Transport) handshake(ctx context.Context, conn quic.Connection) error {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return errors.Wrap(err, "replication: opening handshake stream")
	}
	digest := secretDigest(t.clusterSecret)
	if _, err := stream.Write(digest[:]); err != nil {
		return errors.Wrap(err, "replication: writing handshake")
	}
	return stream.Close()
}

// Send delivers msg to addr on a fresh unidirectional stream. It returns an
// error only for a local, immediate failure (dial/open/write); delivery to
// the peer is never guaranteed beyond that (spec.md §4.6 "a send is
// successful when handed to the local transport").
func (t *Transport) Send(ctx context.Context, addr string, msg Message) error {
	conn, err := t.getOrDial(ctx, addr)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	stream, err := conn.OpenUniStreamSync(sendCtx)
	if err != nil {
		t.dropConn(addr)
		return errors.Wrap(err, "replication: opening stream")
	}
	if _, err := stream.Write(Encode(msg)); err != nil {
		t.dropConn(addr)
		return errors.Wrap(err, "replication: writing message")
	}
	return stream.Close()
}

func (t *Transport) dropConn(addr string) {
	t.mu.Lock()
	delete(t.conns, addr)
	t.mu.Unlock()
}

// Close shuts down the listener and every pooled outbound connection.
func (t *Transport) Close() error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, pc := range t.conns {
		_ = pc.conn.CloseWithError(0, "shutting down")
		delete(t.conns, addr)
	}
	return nil
}

// LocalAddr reports the bound listener address, or nil before Listen.
func (t *Transport) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}
