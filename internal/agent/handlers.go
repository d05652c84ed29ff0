package agent

import (
	"context"

	"github.com/andrebassi/edgeproxy/internal/changelog"
	"github.com/andrebassi/edgeproxy/internal/replication"
	"go.uber.org/zap"
)

// dispatch is the Transport Handler: it interprets one inbound Message and
// reacts per spec.md §4.7 step 4. It runs on the transport's own goroutine,
// never on the agent's supervised tasks, so it must not block on anything
// but a bounded Send.
func (a *Agent) dispatch(peerID string, msg replication.Message) {
	ctx := context.Background()
	switch msg.Type {
	case replication.TypeBroadcast:
		a.handleBroadcast(ctx, msg)
	case replication.TypeSyncRequest:
		a.handleSyncRequest(ctx, msg)
	case replication.TypeSyncResponse:
		a.handleSyncResponse(msg)
	case replication.TypeAck:
		a.handleAck(msg)
	case replication.TypePing:
		a.replyPong(ctx, msg.ReplyTo)
	case replication.TypePong:
		// No action: Ping/Pong only confirms liveness at the transport
		// layer, which the gossip layer already tracks independently.
	}
}

func (a *Agent) handleBroadcast(ctx context.Context, msg replication.Message) {
	cs := msg.ChangeSet
	gap, applied, won := a.log.Merge(cs)
	if !applied {
		if !cs.Verify() && a.reg != nil {
			a.reg.ChecksumFailures.Inc()
		}
		return
	}
	a.projectChangeSet(cs.Source, won)
	if gap != nil {
		if a.reg != nil {
			a.reg.ReplicationGapsDetected.Inc()
		}
		a.handleGap(ctx, *gap)
	}
}

// handleGap schedules a SyncRequest to close a detected seq gap (spec.md
// §4.2 step 3): to the gap's source if it is currently alive, otherwise to
// any alive peer.
func (a *Agent) handleGap(ctx context.Context, gap changelog.GapEvent) {
	peers := a.gossip.AliveExcludingSelf()
	for _, m := range peers {
		if m.NodeID == gap.Source {
			a.sendSyncRequest(ctx, m.TransportAddr, gap.ExpectedNext, "")
			return
		}
	}
	if len(peers) == 0 {
		return
	}
	a.sendSyncRequest(ctx, peers[0].TransportAddr, gap.ExpectedNext, "")
}

func (a *Agent) handleSyncRequest(ctx context.Context, msg replication.Message) {
	sets := a.log.RetainedFrom(msg.FromSeq, msg.Table, syncWindow)
	if err := a.transport.Send(ctx, msg.ReplyTo, replication.NewSyncResponse(sets)); err != nil {
		a.logger.Debug("sync response send failed", zap.String("peer", msg.ReplyTo), zap.Error(err))
	}
}

func (a *Agent) handleSyncResponse(msg replication.Message) {
	for _, cs := range msg.ChangeSets {
		_, applied, won := a.log.Merge(cs)
		if applied {
			a.projectChangeSet(cs.Source, won)
		}
	}
}

func (a *Agent) handleAck(msg replication.Message) {
	if msg.AckSource == a.cfg.NodeID {
		a.log.EvictAcked(msg.AckSeq)
	}
}

func (a *Agent) replyPong(ctx context.Context, peerID string) {
	_ = a.transport.Send(ctx, peerID, replication.NewPong())
}
