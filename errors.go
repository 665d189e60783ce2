package esplink

// Standard error messages
const (
	// Connection errors
	ErrConnectionClosed     = "connection is closed"
	ErrSendBufferFull       = "connection send buffer is full"
	ErrContextCancelled     = "connection context cancelled"
	ErrServerAlreadyRunning = "server already running"
)

// Wire-level error replies sent to control clients. The exact strings are part
// of the protocol contract with existing ESP firmware and dashboards.
const (
	ErrMsgNotOnline     = "ESP not online"
	ErrMsgWrongPassword = "Wrong password"
)
