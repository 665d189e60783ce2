package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/esplink/esplink"
	"github.com/esplink/esplink/internal/config"
)

// CheckOriginFn validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed.
// Use this to implement CORS policies for your deployment.
type CheckOriginFn = func(r *http.Request) bool

// Handler receives every inbound text frame and every connection close.
// The broker core implements this contract; the transport knows nothing
// about message semantics.
type Handler interface {
	// HandleFrame is called once per inbound text frame. Frames from the
	// same connection arrive in order; frames from different connections
	// are delivered concurrently.
	HandleFrame(conn esplink.Conn, data []byte)

	// HandleClose is called exactly once when a connection ends, however
	// it ended. It must purge all state owned by the connection.
	HandleClose(conn esplink.Conn)
}

// ServerConfig bundles everything the transport needs to run.
type ServerConfig struct {
	Addr        string
	WebSocket   config.WebSocketConfig
	RateLimit   config.RateLimitConfig
	CheckOrigin CheckOriginFn
	Handler     Handler
	Logger      zerolog.Logger
}

// Server accepts WebSocket connections and feeds their frames to the
// configured Handler. Connections are accepted on every HTTP path; ESP
// firmware in the field dials both "/" and "/ws".
type Server struct {
	addr      string
	server    *http.Server
	conns     sync.Map // map[string]*Client
	handler   Handler
	wsCfg     config.WebSocketConfig
	rateLimit config.RateLimitConfig
	log       zerolog.Logger

	mu       sync.Mutex
	running  bool
	upgrader websocket.Upgrader
}

// New creates a new WebSocket server instance with the specified configuration.
//
// The server uses the Gorilla WebSocket library with read/write buffer sizes
// of 1024 bytes. Rate limiting is applied per connection using a token bucket.
func New(cfg *ServerConfig) *Server {
	return &Server{
		addr:      cfg.Addr,
		handler:   cfg.Handler,
		wsCfg:     cfg.WebSocket,
		rateLimit: cfg.RateLimit,
		log:       cfg.Logger.With().Str("component", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Start starts the WebSocket server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf(esplink.ErrServerAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleUpgrade)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info().Str("addr", s.addr).Msg("listening")
		return nil
	}
}

// Stop stops the WebSocket server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	// Close all live connections
	s.conns.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close(ctx)
		}
		return true
	})

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	count := 0
	s.conns.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection and
// starts its read loop. Exported so tests can mount it on an httptest server.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.rateLimit, s.wsCfg)
	s.conns.Store(client.ID(), client)
	s.log.Debug().Str("conn", client.ID()).Str("remote", client.RemoteAddr()).Msg("connection established")

	// Start reading frames from the connection
	go s.handleConn(client)
}

// handleConn reads frames from one connection until it closes
func (s *Server) handleConn(client *Client) {
	defer func() {
		s.conns.Delete(client.ID())
		client.Close(context.Background())
		// Cleanup runs after the connection is marked closed so the broker
		// never forwards a reply to a connection mid-teardown.
		s.handler.HandleClose(client)
		s.log.Debug().Str("conn", client.ID()).Msg("connection closed")
	}()

	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second

	client.conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-client.Context().Done():
			return
		default:
			_, data, err := client.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					s.log.Warn().Str("conn", client.ID()).Err(err).Msg("unexpected close")
				}
				return
			}

			// Reset read deadline after successful read
			client.conn.SetReadDeadline(time.Now().Add(pongWait))

			// Check rate limit before processing the frame
			if !client.CheckRateLimit() {
				s.log.Warn().Str("conn", client.ID()).Str("remote", client.RemoteAddr()).Msg("rate limit exceeded")
				client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "Rate limit exceeded")
				return
			}

			// Frames are dispatched synchronously so a connection's frames
			// keep their arrival order; the broker never blocks on I/O.
			s.handler.HandleFrame(client, data)
		}
	}
}
