// Package esplink provides a WebSocket relay broker for addressable ESP devices.
//
// The broker lets control clients issue commands to embedded devices over
// persistent bidirectional connections and routes each device's eventual reply
// back to the exact client that issued the triggering command. The broker holds
// no device logic: it is pure routing, shared-secret authentication, and
// request/response correlation across a many-to-many set of long-lived
// connections.
//
// # Architecture
//
// Three ownership-isolated components hold all broker state:
//
//   - Device registry: device ID -> owning connection and shared secret.
//     Exactly one live connection per device ID; last registration wins.
//   - Correlation table: command ID -> connections awaiting the reply, plus
//     the inverse map so a requester's pending command can be superseded or
//     purged. A requester has at most one outstanding command at a time.
//   - Session tracker: requester -> last addressed device, used only for
//     courtesy disconnect notifications to devices.
//
// A protocol dispatcher classifies each inbound text frame and drives the
// three components. Connection close purges every piece of state owned by the
// closing connection.
//
// # Quick Start
//
//	import (
//	    "github.com/esplink/esplink/ws"
//	)
//
//	cfg := config.Default()
//	logger := logging.New(cfg.Logging)
//	server := ws.New(cfg, logger, ws.AllOrigins())
//	server.Start(ctx)
//
// # Protocol Format
//
// Frames are text. A frame containing the two-character separator "::" is a
// raw device reply: everything before the first separator is the command ID,
// everything after is the payload forwarded verbatim to the waiting client.
// All other frames are JSON records with a "type" discriminator:
//
//	{"type":"register_esp","id":"D1","password":"s1"}
//	{"type":"check_esps","devices":[{"id":"D1","password":"s1"}]}
//	{"type":"command","targetId":"D1","password":"s1","message":"open"}
//	{"type":"response","commandId":"...","payload":"OK"}
//	{"type":"ping"}
//
// Errors are reported once to the originating connection as
// {"type":"error","message":"..."}; malformed frames and replies whose command
// ID is no longer pending are dropped and logged, never fatal.
//
// # Rate Limiting
//
// Each connection has independent rate limiting using a token bucket:
//
//	// Default: 100 messages/second, burst 200
//	rateLimitConfig := ws.DefaultRateLimitConfig()
//
//	// Disabled
//	rateLimitConfig := ws.NoRateLimit()
//
// When the rate limit is exceeded, the connection is closed with code 1008
// (Policy Violation).
//
// # Important
//
//   - Sends on the relay path are fire-and-forget: a closed peer or a full
//     outbound buffer drops the frame and logs, it never blocks the dispatcher.
//   - A requester issuing a new command invalidates its previous pending
//     command; late replies to the superseded command are dropped.
//   - Configure a CheckOrigin function in production (never use ws.AllOrigins()
//     in production).
package esplink
