package esplink

import "context"

// BrokerServer defines the interface for the relay broker's WebSocket front end.
//
// The server accepts persistent connections from both ESP devices and control
// clients, feeds every inbound text frame to the broker core, and reports
// connection closes so the core can release all state owned by that connection.
//
// Example usage:
//
//	import "github.com/esplink/esplink/ws"
//
//	server := ws.New(cfg, logger, ws.AllOrigins())
//	server.Start(ctx)
type BrokerServer interface {
	// Start starts the WebSocket server and begins listening for connections.
	// The server will continue running until Stop is called or the context is cancelled.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop gracefully stops the WebSocket server and closes all client connections.
	// Active connections are given time to close properly.
	//
	// Returns an error if there's a problem during shutdown.
	Stop(ctx context.Context) error
}

// Conn represents one bidirectional peer link, either an ESP device or a
// control client. The broker core does not distinguish the two at the
// transport level; only registration state tells them apart.
//
// Connections are owned by the transport layer. The broker core holds weak
// references: a connection may close at any moment, and the core learns of it
// only through the close event delivered to the dispatcher.
type Conn interface {
	// ID returns a unique identifier for the connection.
	//
	// The ID is automatically generated when the peer connects and remains
	// constant for the lifetime of the connection.
	ID() string

	// RemoteAddr returns the peer's remote network address.
	//
	// This is typically in the format "IP:port", for example "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the connection's lifecycle context.
	//
	// This context is automatically cancelled when the connection closes,
	// allowing goroutines and operations associated with the connection to be
	// properly cleaned up.
	Context() context.Context

	// Send queues a text frame for delivery to the peer.
	//
	// Send never blocks on network I/O: the frame is placed on the
	// connection's outbound buffer and written by a dedicated pump. If the
	// connection is closed or the buffer is full the frame is not delivered
	// and an error is returned. Callers on the relay path treat every send
	// as best effort and only log failures.
	Send(ctx context.Context, data []byte) error

	// Close closes the connection gracefully.
	//
	// This is equivalent to calling CloseWithCode with websocket.CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket close code
	// and optional reason.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still active.
	//
	// This can be used to check if a peer is still connected before
	// attempting to send messages.
	IsAlive() bool
}
