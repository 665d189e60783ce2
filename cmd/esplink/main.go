// esplink - WebSocket relay broker for ESP devices.
//
// The broker binds device identities to connections, authenticates commands
// by shared secret, and correlates each asynchronous device reply back to the
// control client that issued the triggering command.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/esplink/esplink/internal/config"
	"github.com/esplink/esplink/internal/logging"
	"github.com/esplink/esplink/ws"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	configPath := flag.String("config", "", "path to config file (YAML); defaults apply when omitted")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	log := logging.New(cfg.Logging)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("addr", cfg.Server.Addr()).
		Msg("starting esplink broker")

	server := ws.New(cfg, log, ws.AllOrigins())
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	log.Info().Msg("shutdown complete")
	return nil
}
