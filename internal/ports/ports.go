// Package ports defines the narrow capability interfaces the replication
// core consumes from external adapters (spec.md §9 "Polymorphism over
// storage"): BackendRepository, BindingRepository, MetricsRepository, and
// GeoResolver. This repo defines the interfaces only: it contains no
// implementation or test fake of any of them, and the agent does not call
// them. The DNS/TCP/TLS/admin-HTTP/SQLite adapters that would implement
// them are out of scope (spec.md §1).
package ports

import (
	"context"
	"net"

	"github.com/andrebassi/edgeproxy/internal/domain"
)

// BackendRepository seeds and persists Backend rows. The core only calls
// this on startup (to seed the apply-side snapshot) and never blocks the
// hot path on it.
type BackendRepository interface {
	LoadAll(ctx context.Context) ([]domain.Backend, error)
	Upsert(ctx context.Context, b domain.Backend) error
}

// BindingRepository is the durable counterpart to the in-memory binding
// store, out of scope for this core but named here as the seam an adapter
// would implement (e.g. the SQLite adapter in spec.md §1).
type BindingRepository interface {
	Load(ctx context.Context, clientIP net.IP) (backendID string, ok bool, err error)
	Save(ctx context.Context, clientIP net.IP, backendID string) error
}

// MetricsRepository is the seam for exporting point-in-time metrics
// snapshots to an external store or admin API.
type MetricsRepository interface {
	Snapshot(ctx context.Context) (map[string]BackendMetricsSnapshot, error)
}

// BackendMetricsSnapshot is a read-only view of one backend's metrics.
type BackendMetricsSnapshot struct {
	BackendID        string
	CurrentConns     int
	LastRTTMs        uint64
	LastRTTRecorded  bool
}

// GeoResolver maps a client IP to geographic info. Out of scope for the
// core (spec.md §1 "GeoIP lookup"); named here as the seam.
type GeoResolver interface {
	Resolve(ctx context.Context, clientIP net.IP) (domain.GeoInfo, error)
}
