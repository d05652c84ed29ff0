// Package config defines the agent's Config struct, its defaults
// (spec.md §6), and the pflag bindings used by cmd/edgeproxy-agent, the
// same way the teacher's pkg/cli binds cobra/pflag flags onto a config
// struct before constructing the server it builds.
package config

import (
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

// Config holds every recognized option from spec.md §6, with defaults
// matching that section.
type Config struct {
	NodeID          string
	GossipAddr      string
	TransportAddr   string
	BootstrapPeers  []string
	ClusterSecret   string

	FlushInterval      time.Duration
	FlushThreshold     int
	RetentionRingCap   int
	ReconcileInterval  time.Duration

	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	SuspectTimeout  time.Duration
	KIndirect       int
	BootstrapGrace  time.Duration

	BindingTTL        time.Duration
	BindingGCInterval time.Duration
	TombstoneTTL      time.Duration
}

// Default returns a Config populated with every default from spec.md §6. A
// caller must still set NodeID (and, for non-loopback deployments,
// ClusterSecret) before Validate will pass.
func Default() *Config {
	return &Config{
		GossipAddr:        "0.0.0.0:7946",
		TransportAddr:     "0.0.0.0:7947",
		BootstrapPeers:    nil,
		FlushInterval:     100 * time.Millisecond,
		FlushThreshold:    64,
		RetentionRingCap:  1024,
		ReconcileInterval: 10 * time.Second,
		ProbeInterval:     time.Second,
		ProbeTimeout:      500 * time.Millisecond,
		SuspectTimeout:     5 * time.Second,
		KIndirect:          3,
		BootstrapGrace:     30 * time.Second,
		BindingTTL:         30 * time.Minute,
		BindingGCInterval:  60 * time.Second,
		TombstoneTTL:       time.Hour,
	}
}

// BindFlags registers every Config field onto fs, for use by
// cmd/edgeproxy-agent's cobra command.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.NodeID, "node-id", c.NodeID, "unique node id (default: a generated uuid)")
	fs.StringVar(&c.GossipAddr, "gossip-addr", c.GossipAddr, "UDP address for SWIM gossip")
	fs.StringVar(&c.TransportAddr, "transport-addr", c.TransportAddr, "QUIC address for replication")
	fs.StringSliceVar(&c.BootstrapPeers, "bootstrap-peers", c.BootstrapPeers, "seed gossip addresses")
	fs.StringVar(&c.ClusterSecret, "cluster-secret", c.ClusterSecret, "pre-shared key gating QUIC connection acceptance")

	fs.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "change buffer flush tick")
	fs.IntVar(&c.FlushThreshold, "flush-threshold", c.FlushThreshold, "pending changes that force an early flush")
	fs.IntVar(&c.RetentionRingCap, "retention-ring-capacity", c.RetentionRingCap, "bounded ChangeSet retention ring size")
	fs.DurationVar(&c.ReconcileInterval, "reconcile-interval", c.ReconcileInterval, "anti-entropy reconcile tick")

	fs.DurationVar(&c.ProbeInterval, "probe-interval", c.ProbeInterval, "SWIM direct probe interval")
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", c.ProbeTimeout, "SWIM direct probe timeout")
	fs.DurationVar(&c.SuspectTimeout, "suspect-timeout", c.SuspectTimeout, "time a Suspect member has to refute before Failed")
	fs.IntVar(&c.KIndirect, "k-indirect", c.KIndirect, "number of witness peers for indirect probes")
	fs.DurationVar(&c.BootstrapGrace, "bootstrap-grace", c.BootstrapGrace, "grace period before an unreachable bootstrap peer is dropped")

	fs.DurationVar(&c.BindingTTL, "binding-ttl", c.BindingTTL, "client binding TTL")
	fs.DurationVar(&c.BindingGCInterval, "binding-gc-interval", c.BindingGCInterval, "binding store GC sweep interval")
	fs.DurationVar(&c.TombstoneTTL, "tombstone-ttl", c.TombstoneTTL, "delete tombstone retention before GC")
}

// EnsureNodeID fills in a random NodeID if one was not configured, for
// local/dev runs where uniqueness only needs to hold within the process
// group.
func (c *Config) EnsureNodeID() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
}

// Validate fails fast with a Configuration-kind error (spec.md §7) when a
// required field is missing or malformed; this is the only error class the
// agent surfaces synchronously from start().
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("config: node_id is required")
	}
	if _, _, err := net.SplitHostPort(c.GossipAddr); err != nil {
		return errors.Wrap(err, "config: invalid gossip_addr")
	}
	if _, _, err := net.SplitHostPort(c.TransportAddr); err != nil {
		return errors.Wrap(err, "config: invalid transport_addr")
	}
	if !isLoopbackAddr(c.GossipAddr) && c.ClusterSecret == "" {
		return errors.New("config: cluster_secret is required for non-loopback deployments")
	}
	if c.FlushThreshold <= 0 {
		return errors.New("config: flush_threshold must be positive")
	}
	if c.RetentionRingCap <= 0 {
		return errors.New("config: retention_ring_capacity must be positive")
	}
	if c.KIndirect < 0 {
		return errors.New("config: k_indirect must be non-negative")
	}
	return nil
}

func isLoopbackAddr(hostport string) bool {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		// Binds to all interfaces: treat conservatively as non-loopback so
		// cluster_secret is still required.
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "localhost"
	}
	return ip.IsLoopback()
}
