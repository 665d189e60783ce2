// Package broker implements the relay core: device registry, command
// correlation, session tracking and the protocol dispatcher that ties them
// together. It holds no transport code; connections arrive through the
// esplink.Conn contract and may close at any moment.
package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/esplink/esplink"
	"github.com/esplink/esplink/internal/protocol"
)

// Broker dispatches inbound frames against the three stateful components.
// Each component serializes its own mutations; the dispatcher itself keeps
// no state and is safe for concurrent use from any number of connection
// read loops.
type Broker struct {
	registry *Registry
	pending  *CorrelationTable
	sessions *SessionTracker
	log      zerolog.Logger
}

// New creates a broker with empty state.
func New(log zerolog.Logger) *Broker {
	b := &Broker{
		registry: NewRegistry(),
		pending:  NewCorrelationTable(),
		log:      log.With().Str("component", "broker").Logger(),
	}
	b.sessions = NewSessionTracker(b.notifyDevice)
	return b
}

// HandleFrame classifies one inbound text frame and applies its effect.
// Malformed and unrecognized frames are dropped without reply; the
// connection stays open.
func (b *Broker) HandleFrame(conn esplink.Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			b.log.Warn().Str("conn", conn.ID()).Err(err).Msg("dropping frame with unknown type")
		} else {
			b.log.Debug().Str("conn", conn.ID()).Err(err).Msg("dropping malformed frame")
		}
		return
	}

	switch m := msg.(type) {
	case protocol.RawReply:
		b.deliverReply(m.CommandID, []byte(m.Payload))
	case protocol.RegisterESP:
		b.handleRegister(conn, m)
	case protocol.CheckESPs:
		b.handleCheck(conn, m)
	case protocol.Command:
		b.handleCommand(conn, m)
	case protocol.Response:
		b.deliverReply(m.CommandID, []byte(m.Payload))
	case protocol.Ping:
		b.send(conn, protocol.Pong{Type: protocol.TypePong})
	}
}

// HandleClose purges every piece of broker state owned by conn: its device
// registrations, its pending command ID and its session record. Safe to call
// for connections the broker never saw.
func (b *Broker) HandleClose(conn esplink.Conn) {
	for _, id := range b.registry.DropConn(conn) {
		b.log.Info().Str("device", id).Msg("device disconnected")
	}
	b.sessions.OnDisconnect(conn)
	b.pending.PurgeRequester(conn)
}

func (b *Broker) handleRegister(conn esplink.Conn, msg protocol.RegisterESP) {
	displaced := b.registry.Register(msg.ID, msg.Password, conn)
	b.log.Info().Str("device", msg.ID).Str("conn", conn.ID()).Msg("device registered")

	// Last writer wins: the stale session is told and closed so two
	// connections can never answer for the same identity.
	if displaced != nil && displaced.IsAlive() {
		b.send(displaced, protocol.Disconnect{
			Type:   protocol.TypeDisconnect,
			Reason: protocol.ReasonReplaced,
		})
		if err := displaced.Close(context.Background()); err != nil {
			b.log.Debug().Str("device", msg.ID).Err(err).Msg("closing displaced device connection")
		}
	}
}

func (b *Broker) handleCheck(conn esplink.Conn, msg protocol.CheckESPs) {
	b.send(conn, protocol.CheckResults{
		Type:    protocol.TypeCheckResults,
		Results: b.registry.CheckMany(msg.Devices),
	})
}

func (b *Broker) handleCommand(conn esplink.Conn, msg protocol.Command) {
	target, secret, ok := b.registry.Lookup(msg.TargetID)
	if !ok {
		b.send(conn, protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Message: esplink.ErrMsgNotOnline,
		})
		return
	}
	if secret != msg.Password {
		b.send(conn, protocol.ErrorMessage{
			Type:    protocol.TypeError,
			Message: esplink.ErrMsgWrongPassword,
		})
		return
	}

	b.sessions.RecordAddress(conn, msg.TargetID)
	commandID := b.pending.Issue(conn, msg.TargetID)

	b.send(target, protocol.DeviceCommand{
		Type:      protocol.TypeCommand,
		CommandID: commandID,
		Message:   msg.Message,
	})
	b.send(conn, protocol.CommandSent{
		Type:      protocol.TypeCommandSent,
		CommandID: commandID,
		TargetID:  msg.TargetID,
	})

	b.log.Debug().
		Str("device", msg.TargetID).
		Str("command_id", commandID).
		Str("conn", conn.ID()).
		Msg("command forwarded")
}

// deliverReply forwards payload verbatim to every connection awaiting
// commandID and retires the ID. An unmatched ID is not an error: the
// requester may have disconnected or issued a newer command since.
func (b *Broker) deliverReply(commandID string, payload []byte) {
	conns, target, ok := b.pending.Resolve(commandID)
	if !ok {
		b.log.Debug().Str("command_id", commandID).Msg("reply with no awaiting client dropped")
		return
	}
	// Only the reply that wins the consume forwards; a concurrent duplicate
	// loses the race here and is dropped.
	if !b.pending.Consume(commandID) {
		b.log.Debug().Str("command_id", commandID).Msg("duplicate reply dropped")
		return
	}

	for _, conn := range conns {
		if !conn.IsAlive() {
			continue
		}
		if err := conn.Send(context.Background(), payload); err != nil {
			b.log.Debug().Str("command_id", commandID).Str("conn", conn.ID()).Err(err).Msg("reply delivery failed")
		}
	}

	b.log.Debug().
		Str("command_id", commandID).
		Str("device", target).
		Int("recipients", len(conns)).
		Msg("reply delivered")
}

// notifyDevice sends a courtesy disconnect notification to a device
// identity. Best effort: an offline or unresponsive device is skipped.
func (b *Broker) notifyDevice(deviceID, reason string) {
	conn, _, ok := b.registry.Lookup(deviceID)
	if !ok || !conn.IsAlive() {
		return
	}
	b.send(conn, protocol.Disconnect{
		Type:   protocol.TypeDisconnect,
		Reason: reason,
	})
}

// send marshals v and queues it on conn, logging and swallowing every
// failure. Nothing on the dispatch path ever blocks on a peer.
func (b *Broker) send(conn esplink.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to marshal outbound message")
		return
	}
	if err := conn.Send(context.Background(), data); err != nil {
		b.log.Debug().Str("conn", conn.ID()).Err(err).Msg("send failed")
	}
}
