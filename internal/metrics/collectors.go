// Package metrics exposes the agent's own operational telemetry as
// Prometheus collectors (spec.md §7 "failures are visible via structured
// logs and counters"). This is distinct from internal/store's
// MetricsStore, which holds per-backend connection/RTT state the load
// balancer consults — this package is about the replication core itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every counter/gauge the agent updates. Register it with
// a prometheus.Registerer of the caller's choosing (the admin HTTP surface,
// out of scope for this core, would typically expose it on /metrics).
type Collectors struct {
	GossipProbesSent      prometheus.Counter
	GossipProbesTimedOut  prometheus.Counter
	GossipSuspicions      prometheus.Counter
	GossipFailures        prometheus.Counter
	GossipMessagesDropped *prometheus.CounterVec

	ReplicationBroadcasts    prometheus.Counter
	ReplicationSendFailures  prometheus.Counter
	ReplicationGapsDetected  prometheus.Counter
	ReplicationSyncRequests  prometheus.Counter
	ChecksumFailures         prometheus.Counter

	MembersAlive   prometheus.Gauge
	RetentionRing  prometheus.Gauge
	BindingCount   prometheus.Gauge
}

// NewCollectors constructs and registers every collector against reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		GossipProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "gossip", Name: "probes_sent_total",
			Help: "Direct liveness probes sent.",
		}),
		GossipProbesTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "gossip", Name: "probes_timed_out_total",
			Help: "Direct probes that received no Ack before probe_timeout_ms.",
		}),
		GossipSuspicions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "gossip", Name: "suspicions_total",
			Help: "Members locally marked Suspect.",
		}),
		GossipFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "gossip", Name: "failures_total",
			Help: "Members marked Failed after suspicion timeout.",
		}),
		GossipMessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "gossip", Name: "messages_dropped_total",
			Help: "Inbound gossip messages dropped, by reason.",
		}, []string{"reason"}),
		ReplicationBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "replication", Name: "broadcasts_total",
			Help: "ChangeSets broadcast to alive peers.",
		}),
		ReplicationSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "replication", Name: "send_failures_total",
			Help: "Broadcast or sync sends that failed (transient network errors).",
		}),
		ReplicationGapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "replication", Name: "gaps_detected_total",
			Help: "Receive-side seq gaps detected, triggering a SyncRequest.",
		}),
		ReplicationSyncRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "replication", Name: "sync_requests_total",
			Help: "SyncRequests issued (gap-triggered or reconcile-ticker).",
		}),
		ChecksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeproxy", Subsystem: "replication", Name: "checksum_failures_total",
			Help: "ChangeSets dropped for failing Verify().",
		}),
		MembersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeproxy", Subsystem: "membership", Name: "alive_members",
			Help: "Members currently in the Alive state.",
		}),
		RetentionRing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeproxy", Subsystem: "replication", Name: "retention_ring_size",
			Help: "ChangeSets currently retained for anti-entropy.",
		}),
		BindingCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "edgeproxy", Subsystem: "store", Name: "binding_count",
			Help: "Approximate number of live client bindings.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.GossipProbesSent, c.GossipProbesTimedOut, c.GossipSuspicions, c.GossipFailures,
		c.GossipMessagesDropped, c.ReplicationBroadcasts, c.ReplicationSendFailures,
		c.ReplicationGapsDetected, c.ReplicationSyncRequests, c.ChecksumFailures,
		c.MembersAlive, c.RetentionRing, c.BindingCount,
	} {
		reg.MustRegister(collector)
	}

	return c
}
