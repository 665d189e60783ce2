package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/esplink/esplink"
	"github.com/esplink/esplink/internal/config"
)

// Client implements esplink.Conn over a gorilla WebSocket connection
type Client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // Rate limiter for incoming messages

	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewClient creates a new WebSocket client with rate limiting
func NewClient(conn *websocket.Conn, remoteAddr string, rateLimitCfg config.RateLimitConfig, wsCfg config.WebSocketConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitCfg.Enabled {
		limiter = rate.NewLimiter(rate.Limit(rateLimitCfg.MessagesPerSecond), rateLimitCfg.Burst)
	}

	client := &Client{
		id:           uuid.New().String(),
		conn:         conn,
		remoteAddr:   remoteAddr,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, wsCfg.SendBufferSize),
		closed:       false,
		rateLimiter:  limiter,
		pingInterval: time.Duration(wsCfg.PingInterval) * time.Second,
		writeTimeout: time.Duration(wsCfg.WriteTimeout) * time.Second,
	}

	// Start the write pump
	go client.writePump()

	return client
}

// ID returns a unique identifier for the connection
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the peer's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the connection's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send queues a text frame for delivery. It never blocks on network I/O:
// a closed connection or a full outbound buffer returns an error immediately
// and the frame is dropped.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf(esplink.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf(esplink.ErrContextCancelled)
	default:
		return fmt.Errorf(esplink.ErrSendBufferFull)
	}
}

// Close closes the connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	// Send close message
	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit checks if the connection has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps frames from the send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
