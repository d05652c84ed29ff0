package agent

import (
	"encoding/json"
	"net"
	"time"

	"github.com/andrebassi/edgeproxy/internal/changelog"
	"github.com/andrebassi/edgeproxy/internal/store"
	"go.uber.org/zap"
)

// bindingPayload is the wire shape of a Binding change. internal/changelog
// treats Change.Payload as opaque (spec.md §3 "the log never interprets
// it"); only this package, which produced the payload in the first place,
// decodes it back. JSON keeps this projection boundary simple since it
// never crosses the replication wire format itself (that's
// ChangeSet-level, already checksummed and length-prefixed by
// internal/changelog/internal/wire) — it is purely an internal
// serialization the agent controls on both ends.
type bindingPayload struct {
	BackendID string    `json:"backend_id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

func encodeBinding(b store.Binding) ([]byte, error) {
	return json.Marshal(bindingPayload{BackendID: b.BackendID, CreatedAt: b.CreatedAt, LastSeen: b.LastSeen})
}

func decodeBinding(payload []byte) (store.Binding, error) {
	var p bindingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return store.Binding{}, err
	}
	return store.Binding{BackendID: p.BackendID, CreatedAt: p.CreatedAt, LastSeen: p.LastSeen}, nil
}

// projectChangeSet walks the changes that actually won last-writer-wins
// against the apply-side RowStore (Log.Merge's won return) and updates
// the corresponding read-side store (BindingStore today; backend rows are
// served directly from the apply-side RowStore per spec.md §4.7, so no
// projection is needed there beyond what Log.Merge already did). Changes that lost LWW must never reach here: a stale
// change delivered late (e.g. via anti-entropy) would otherwise
// overwrite BindingStore with out-of-date data even though RowStore
// correctly rejected it, regressing the monotonicity the hot read path
// depends on (spec.md §8 invariants 2/4).
func (a *Agent) projectChangeSet(source string, won []changelog.Change) {
	for _, c := range won {
		switch c.Table {
		case tableBindings:
			ck := store.NewClientKey(net.ParseIP(c.Key))
			if c.Kind == changelog.Delete {
				a.bindings.Remove(ck)
				continue
			}
			b, err := decodeBinding(c.Payload)
			if err != nil {
				a.logger.Warn("dropping unparseable binding payload",
					zap.String("source", source), zap.Error(err))
				continue
			}
			a.bindings.Set(ck, b)
		case tableBackends:
			// Backend rows are read by id straight from RowStore (spec.md
			// §4.7 "read-side lookups for Backend rows are served from the
			// apply-side store"); nothing further to project.
		}
	}
}
