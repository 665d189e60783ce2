package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RawSeparator splits a raw device reply into command ID and payload. The
// payload may itself contain the separator and is never split again.
const RawSeparator = "::"

const maxFrameSize = 1 * 1024 * 1024 // 1MB max text frame

// Message type discriminators used on the wire.
const (
	TypeRegisterESP  = "register_esp"
	TypeCheckESPs    = "check_esps"
	TypeCommand      = "command"
	TypeResponse     = "response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeCheckResults = "check_results"
	TypeCommandSent  = "command_sent"
	TypeError        = "error"
	TypeDisconnect   = "disconnect"
)

// Disconnect reasons sent to devices. Advisory only; devices may ignore them.
const (
	ReasonSwitched     = "client switched ESP"
	ReasonClientClosed = "client disconnected"
	ReasonReplaced     = "replaced by new registration"
)

// ErrMalformed is returned for frames that cannot be parsed or that are
// missing required fields. Such frames are dropped by the dispatcher.
var ErrMalformed = errors.New("malformed frame")

// ErrUnknownType is returned for structured frames whose type discriminator
// is not one of the recognized message kinds.
var ErrUnknownType = errors.New("unknown message type")

// Message is the decoded form of one inbound frame. Exactly one concrete
// type is produced per frame by Decode.
type Message interface {
	isMessage()
}

// RawReply is a delimited device reply: <commandID>::<payload>.
type RawReply struct {
	CommandID string
	Payload   string
}

// RegisterESP announces a device identity and its shared secret.
type RegisterESP struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// DeviceCredential is one (id, password) pair in a check_esps request.
type DeviceCredential struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// CheckESPs asks for the online/authentication status of a list of devices.
type CheckESPs struct {
	Devices []DeviceCredential `json:"devices"`
}

// Command asks the broker to forward a message to a registered device.
type Command struct {
	TargetID string `json:"targetId"`
	Password string `json:"password"`
	Message  string `json:"message"`
}

// Response is the structured variant of a device reply, carrying the
// command ID in a field instead of the raw separator.
type Response struct {
	CommandID string `json:"commandId"`
	Payload   string `json:"payload"`
}

// Ping is a liveness probe answered with a pong; no state change.
type Ping struct{}

func (RawReply) isMessage()    {}
func (RegisterESP) isMessage() {}
func (CheckESPs) isMessage()   {}
func (Command) isMessage()     {}
func (Response) isMessage()    {}
func (Ping) isMessage()        {}

// Outbound records. All are marshalled with encoding/json by the sender.

// CheckResult reports one device's status in a check_results reply. Online
// is true iff a registry record exists, Auth iff the supplied password
// matches the stored secret; the two are evaluated independently.
type CheckResult struct {
	ID     string `json:"id"`
	Online bool   `json:"online"`
	Auth   bool   `json:"auth"`
}

// CheckResults is the reply to a check_esps request.
type CheckResults struct {
	Type    string        `json:"type"`
	Results []CheckResult `json:"results"`
}

// DeviceCommand is the framed command forwarded to a device.
type DeviceCommand struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Message   string `json:"message"`
}

// CommandSent acknowledges command dispatch to the requester, echoing the
// command ID so the client can correlate the eventual reply.
type CommandSent struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	TargetID  string `json:"targetId"`
}

// ErrorMessage is a structured error reply.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Disconnect is a courtesy notification to a device.
type Disconnect struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// envelope extracts only the discriminator on the first parse pass.
type envelope struct {
	Type string `json:"type"`
}

// Decode classifies one inbound text frame.
//
// Classification order is fixed: a frame containing the raw separator is a
// RawReply regardless of content, matching the passthrough behavior ESP
// firmware relies on. Everything else must be a JSON record with a "type"
// discriminator. Missing required fields produce ErrMalformed, unrecognized
// discriminators ErrUnknownType; callers drop the frame in both cases.
func Decode(data []byte) (Message, error) {
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds maximum %d bytes", ErrMalformed, len(data), maxFrameSize)
	}

	text := string(data)
	if idx := strings.Index(text, RawSeparator); idx >= 0 {
		commandID := text[:idx]
		payload := text[idx+len(RawSeparator):]
		if commandID == "" {
			return nil, fmt.Errorf("%w: raw reply with empty command id", ErrMalformed)
		}
		return RawReply{CommandID: commandID, Payload: payload}, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeRegisterESP:
		var msg RegisterESP
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: register_esp without id", ErrMalformed)
		}
		return msg, nil

	case TypeCheckESPs:
		var msg CheckESPs
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return msg, nil

	case TypeCommand:
		var msg Command
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.TargetID == "" {
			return nil, fmt.Errorf("%w: command without targetId", ErrMalformed)
		}
		return msg, nil

	case TypeResponse:
		var msg Response
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.CommandID == "" {
			return nil, fmt.Errorf("%w: response without commandId", ErrMalformed)
		}
		return msg, nil

	case TypePing:
		return Ping{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
