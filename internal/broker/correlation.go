package broker

import (
	"sync"

	"github.com/google/uuid"

	"github.com/esplink/esplink"
)

// pendingCommand tracks the requesters awaiting the reply to one command ID.
type pendingCommand struct {
	target     string
	requesters map[esplink.Conn]struct{}
}

// CorrelationTable matches asynchronous device replies back to the
// connections that issued the triggering command.
//
// A requester holds at most one outstanding command ID at a time: issuing a
// new command supersedes the previous one even if no reply ever arrived.
// Late replies to a superseded ID find no entry and are dropped, never
// misdelivered to a later command's waiter. A consumed ID is never matched
// again (at-most-once delivery).
type CorrelationTable struct {
	mu          sync.Mutex
	pending     map[string]*pendingCommand
	byRequester map[esplink.Conn]string
}

// NewCorrelationTable creates an empty correlation table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		pending:     make(map[string]*pendingCommand),
		byRequester: make(map[esplink.Conn]string),
	}
}

// Issue mints a fresh command ID for a command from requester to target,
// superseding any command ID previously issued to the same requester.
func (t *CorrelationTable) Issue(requester esplink.Conn, target string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byRequester[requester]; ok {
		t.dropRequesterLocked(old, requester)
	}

	id := uuid.NewString()
	for {
		if _, taken := t.pending[id]; !taken {
			break
		}
		id = uuid.NewString()
	}

	t.pending[id] = &pendingCommand{
		target:     target,
		requesters: map[esplink.Conn]struct{}{requester: {}},
	}
	t.byRequester[requester] = id
	return id
}

// Resolve non-destructively reads the pending entry for id, returning a
// snapshot of the awaiting connections and the targeted device identity.
func (t *CorrelationTable) Resolve(id string) ([]esplink.Conn, string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.pending[id]
	if !ok {
		return nil, "", false
	}

	conns := make([]esplink.Conn, 0, len(entry.requesters))
	for conn := range entry.requesters {
		conns = append(conns, conn)
	}
	return conns, entry.target, true
}

// Consume deletes the entry for id and reports whether it existed.
// Consuming an absent ID is a no-op. The return value lets concurrent
// duplicate replies race on the same ID with exactly one winner.
func (t *CorrelationTable) Consume(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	for conn := range entry.requesters {
		if t.byRequester[conn] == id {
			delete(t.byRequester, conn)
		}
	}
	return true
}

// PurgeRequester removes conn from every pending entry and deletes entries
// left with no requesters. Called on connection close; this is the only way
// a requester's stale command ID disappears without a matching reply.
func (t *CorrelationTable) PurgeRequester(conn esplink.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byRequester[conn]
	if !ok {
		return
	}
	t.dropRequesterLocked(id, conn)
}

// dropRequesterLocked detaches conn from the entry for id and removes the
// entry once empty. Caller holds t.mu.
func (t *CorrelationTable) dropRequesterLocked(id string, conn esplink.Conn) {
	delete(t.byRequester, conn)
	entry, ok := t.pending[id]
	if !ok {
		return
	}
	delete(entry.requesters, conn)
	if len(entry.requesters) == 0 {
		delete(t.pending, id)
	}
}

// Pending returns the number of outstanding command IDs.
func (t *CorrelationTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
