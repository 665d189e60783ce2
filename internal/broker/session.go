package broker

import (
	"sync"

	"github.com/esplink/esplink"
	"github.com/esplink/esplink/internal/protocol"
)

// NotifyFunc delivers a best-effort disconnect notification to a device
// identity. Failures are swallowed by the implementation.
type NotifyFunc func(deviceID, reason string)

// SessionTracker remembers the last device each requester addressed, so the
// device can be told when its controlling client switches away or drops.
// Purely advisory: a missed notification never affects command delivery.
type SessionTracker struct {
	mu     sync.Mutex
	last   map[esplink.Conn]string
	notify NotifyFunc
}

// NewSessionTracker creates a session tracker that emits notifications
// through notify.
func NewSessionTracker(notify NotifyFunc) *SessionTracker {
	return &SessionTracker{
		last:   make(map[esplink.Conn]string),
		notify: notify,
	}
}

// RecordAddress notes that requester addressed target. If the requester
// previously addressed a different device, that device is sent a "switched"
// notification.
func (s *SessionTracker) RecordAddress(requester esplink.Conn, target string) {
	s.mu.Lock()
	prev := s.last[requester]
	s.last[requester] = target
	s.mu.Unlock()

	// Notify outside the lock; notify may call back into other components.
	if prev != "" && prev != target {
		s.notify(prev, protocol.ReasonSwitched)
	}
}

// OnDisconnect tells the last-addressed device that its client went away,
// then forgets the requester.
func (s *SessionTracker) OnDisconnect(requester esplink.Conn) {
	s.mu.Lock()
	prev, ok := s.last[requester]
	delete(s.last, requester)
	s.mu.Unlock()

	if ok {
		s.notify(prev, protocol.ReasonClientClosed)
	}
}
