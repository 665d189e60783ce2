package ws

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/esplink/esplink"
	"github.com/esplink/esplink/internal/broker"
	"github.com/esplink/esplink/internal/config"
	"github.com/esplink/esplink/internal/websocket"
)

type CheckOriginFn = websocket.CheckOriginFn
type Config = config.Config
type RateLimitConfig = config.RateLimitConfig

// New creates a complete relay broker server: the stateful core (device
// registry, correlation table, session tracker) wired to a WebSocket
// transport on cfg.Server.Addr().
//
// Example:
//
//	cfg := config.Default()
//	server := ws.New(cfg, logger, ws.AllOrigins())
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal().Err(err).Msg("start failed")
//	}
func New(cfg *Config, logger zerolog.Logger, checkOrigin CheckOriginFn) esplink.BrokerServer {
	core := broker.New(logger)
	return websocket.New(&websocket.ServerConfig{
		Addr:        cfg.Server.Addr(),
		WebSocket:   cfg.WebSocket,
		RateLimit:   cfg.RateLimit,
		CheckOrigin: checkOrigin,
		Handler:     core,
		Logger:      logger,
	})
}

// AllOrigins returns a checkOrigin function that allows all origins.
// Development only; configure a real origin policy in production.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default per-connection rate limit:
// 100 messages per second with burst of 200.
func DefaultRateLimitConfig() RateLimitConfig {
	return config.Default().RateLimit
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() RateLimitConfig {
	return RateLimitConfig{Enabled: false}
}
