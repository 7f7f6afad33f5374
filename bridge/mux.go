// Multiplexer: socket_id -> Bridge, with a short synchronous critical
// section for lookup and no bridge I/O held under the table lock.
//
// Grounded on transport/bundle/stream_bundle.go's "bundle" map-of-destinations
// pattern, simplified from its cluster-membership-aware round-robin
// version down to the plain socket_id keying this package needs.
package bridge

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// Mux maps socket_id (u16) to its Bridge.
type Mux struct {
	mu      sync.RWMutex
	bridges map[uint16]*Bridge

	// probe lets WriteMessage reject an unregistered id without ever
	// taking mu: a negative lookup is conclusive (no false negatives), so
	// only a registered-or-maybe-registered id pays for the RLock+map hit.
	probe *cuckoo.Filter
}

func NewMux() *Mux {
	return &Mux{
		bridges: make(map[uint16]*Bridge),
		probe:   cuckoo.NewFilter(1024),
	}
}

func key(id uint16) []byte { return []byte{byte(id), byte(id >> 8)} }

// Register attaches a bridge under socket_id. The bridge disposes itself
// and calls back into Unregister on EOF/error, so Register does not need
// to wire that up.
func (m *Mux) Register(id uint16, b *Bridge) {
	m.mu.Lock()
	m.bridges[id] = b
	m.probe.InsertUnique(key(id))
	m.mu.Unlock()
}

// WriteMessage routes an inbound servermsg payload to its bridge. Returns
// false if no bridge is registered under id. The probe rejects an id that
// was never registered before touching mu at all; the map lookup itself is
// a short read-lock, and the actual Write happens after the lock is
// released so concurrent writes to other socket_ids are never blocked
// behind this one.
func (m *Mux) WriteMessage(id uint16, body []byte) bool {
	if !m.MightContain(id) {
		return false
	}
	m.mu.RLock()
	b, ok := m.bridges[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	_ = b.Write(body) // bridge-level errors dispose the bridge internally
	return true
}

// Unregister removes a bridge (on EOF/error, or disposal) — idempotent.
func (m *Mux) Unregister(id uint16) {
	m.mu.Lock()
	delete(m.bridges, id)
	m.mu.Unlock()
	m.probe.Delete(key(id))
}

// DisposeAll tears down every bridge: dispose the multiplexer, which
// disposes all bridges, which closes their editor-server socket
// connections.
func (m *Mux) DisposeAll() {
	m.mu.Lock()
	all := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		all = append(all, b)
	}
	m.bridges = make(map[uint16]*Bridge)
	m.mu.Unlock()
	for _, b := range all {
		b.Dispose()
	}
}

// MightContain reports whether id is currently registered, per the
// cuckoo filter's probabilistic (no false negatives, rare false positives)
// membership test; Unregister removes id from the filter.
func (m *Mux) MightContain(id uint16) bool { return m.probe.Lookup(key(id)) }
