package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/esplink/esplink"
)

// fakeConn is an in-memory esplink.Conn that records every frame sent to it.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func newFakeConn(id string) *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{id: id, ctx: ctx, cancel: cancel}
}

func (c *fakeConn) ID() string               { return c.id }
func (c *fakeConn) RemoteAddr() string       { return "fake:" + c.id }
func (c *fakeConn) Context() context.Context { return c.ctx }

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf(esplink.ErrConnectionClosed)
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return nil
}

func (c *fakeConn) CloseWithCode(ctx context.Context, _ int, _ string) error {
	return c.Close(ctx)
}

func (c *fakeConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// sent returns a snapshot of the frames delivered to the connection.
func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// lastJSON unmarshals the most recent frame into a generic map.
func (c *fakeConn) lastJSON(t *testing.T) map[string]any {
	t.Helper()
	frames := c.sent()
	if len(frames) == 0 {
		t.Fatal("no frames sent to connection")
	}
	var m map[string]any
	if err := json.Unmarshal(frames[len(frames)-1], &m); err != nil {
		t.Fatalf("last frame is not JSON: %v (frame %q)", err, frames[len(frames)-1])
	}
	return m
}

// framesOfType returns the decoded JSON frames whose type field matches.
func (c *fakeConn) framesOfType(t *testing.T, msgType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range c.sent() {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			continue
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func newTestBroker() *Broker {
	return New(zerolog.Nop())
}
