package broker

import (
	"sync"

	"github.com/esplink/esplink"
	"github.com/esplink/esplink/internal/protocol"
)

// deviceRecord binds one device identity to its owning connection and shared
// secret. At most one record exists per identity at any instant.
type deviceRecord struct {
	conn   esplink.Conn
	secret string
}

// Registry is the source of truth for which devices are online and which
// shared secret each one registered with. All records live in memory and are
// removed when the owning connection closes.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]deviceRecord
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]deviceRecord),
	}
}

// Register inserts or overwrites the record for id. Last writer wins: when
// the identity was already bound to a different connection, that connection
// is returned so the caller can notify and close it. Returns nil when there
// was no previous binding or the identity re-registered on the same
// connection.
func (r *Registry) Register(id, secret string, conn esplink.Conn) esplink.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.devices[id]
	r.devices[id] = deviceRecord{conn: conn, secret: secret}

	if existed && prev.conn != conn {
		return prev.conn
	}
	return nil
}

// Lookup returns the owning connection and stored secret for id.
func (r *Registry) Lookup(id string) (esplink.Conn, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[id]
	if !ok {
		return nil, "", false
	}
	return rec.conn, rec.secret, true
}

// CheckMany reports online and authentication status for each credential.
// Online is true iff a record exists; Auth is true iff the stored secret
// matches the supplied one. The two are independent.
func (r *Registry) CheckMany(creds []protocol.DeviceCredential) []protocol.CheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]protocol.CheckResult, 0, len(creds))
	for _, cred := range creds {
		rec, ok := r.devices[cred.ID]
		results = append(results, protocol.CheckResult{
			ID:     cred.ID,
			Online: ok,
			Auth:   ok && rec.secret == cred.Password,
		})
	}
	return results
}

// DropConn removes every record owned by conn and returns the identities
// that were removed. Records that were since overwritten by a registration
// on another connection are left untouched.
func (r *Registry) DropConn(conn esplink.Conn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, rec := range r.devices {
		if rec.conn == conn {
			delete(r.devices, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
