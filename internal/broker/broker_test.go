package broker

import (
	"context"
	"fmt"
	"testing"

	"github.com/esplink/esplink"
	"github.com/esplink/esplink/internal/protocol"
)

func registerDevice(b *Broker, conn *fakeConn, id, password string) {
	b.HandleFrame(conn, []byte(fmt.Sprintf(`{"type":"register_esp","id":%q,"password":%q}`, id, password)))
}

func sendCommand(b *Broker, conn *fakeConn, target, password, message string) {
	b.HandleFrame(conn, []byte(fmt.Sprintf(`{"type":"command","targetId":%q,"password":%q,"message":%q}`, target, password, message)))
}

// commandID extracts the commandId from the last command frame the device received.
func commandID(t *testing.T, device *fakeConn) string {
	t.Helper()
	cmds := device.framesOfType(t, protocol.TypeCommand)
	if len(cmds) == 0 {
		t.Fatal("device received no command frame")
	}
	id, _ := cmds[len(cmds)-1]["commandId"].(string)
	if id == "" {
		t.Fatal("command frame has no commandId")
	}
	return id
}

// TestCommandReplyRoundTrip tests the full register/command/raw-reply flow
func TestCommandReplyRoundTrip(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")
	sendCommand(b, client, "D1", "s1", "open")

	// Device received the framed command
	cmds := device.framesOfType(t, protocol.TypeCommand)
	if len(cmds) != 1 {
		t.Fatalf("device received %d command frames, want 1", len(cmds))
	}
	if cmds[0]["message"] != "open" {
		t.Errorf("command message = %v, want %q", cmds[0]["message"], "open")
	}
	id := commandID(t, device)

	// Requester got the dispatch acknowledgment echoing the same ID
	acks := client.framesOfType(t, protocol.TypeCommandSent)
	if len(acks) != 1 {
		t.Fatalf("client received %d command_sent frames, want 1", len(acks))
	}
	if acks[0]["commandId"] != id || acks[0]["targetId"] != "D1" {
		t.Errorf("command_sent = %v, want commandId %q targetId D1", acks[0], id)
	}

	// Raw reply is forwarded verbatim, exactly once
	b.HandleFrame(device, []byte(id+"::OK"))

	var payloads []string
	for _, frame := range client.sent() {
		if string(frame) == "OK" {
			payloads = append(payloads, string(frame))
		}
	}
	if len(payloads) != 1 {
		t.Fatalf("client received payload %d times, want exactly once", len(payloads))
	}

	// The ID is retired: a duplicate reply is dropped
	b.HandleFrame(device, []byte(id+"::OK"))
	count := 0
	for _, frame := range client.sent() {
		if string(frame) == "OK" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicate reply delivered, payload seen %d times", count)
	}
}

// TestRawReplyPayloadNotResplit tests that payloads containing the separator survive intact
func TestRawReplyPayloadNotResplit(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")
	sendCommand(b, client, "D1", "s1", "status")
	id := commandID(t, device)

	b.HandleFrame(device, []byte(id+"::temp::21.5"))

	found := false
	for _, frame := range client.sent() {
		if string(frame) == "temp::21.5" {
			found = true
		}
	}
	if !found {
		t.Error("payload containing separator was not forwarded verbatim")
	}
}

// TestStructuredResponse tests the JSON reply variant
func TestStructuredResponse(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")
	sendCommand(b, client, "D1", "s1", "read")
	id := commandID(t, device)

	b.HandleFrame(device, []byte(fmt.Sprintf(`{"type":"response","commandId":%q,"payload":"42"}`, id)))

	found := false
	for _, frame := range client.sent() {
		if string(frame) == "42" {
			found = true
		}
	}
	if !found {
		t.Error("structured response payload was not forwarded")
	}
	if b.pending.Pending() != 0 {
		t.Errorf("Pending() = %d after reply, want 0", b.pending.Pending())
	}
}

// TestCommandTargetOffline tests the "ESP not online" error path
func TestCommandTargetOffline(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	client := newFakeConn("b1")

	sendCommand(b, client, "D2", "s1", "open")

	msg := client.lastJSON(t)
	if msg["type"] != protocol.TypeError || msg["message"] != esplink.ErrMsgNotOnline {
		t.Errorf("reply = %v, want error %q", msg, esplink.ErrMsgNotOnline)
	}
	if b.pending.Pending() != 0 {
		t.Errorf("Pending() = %d, want no command ID issued", b.pending.Pending())
	}
}

// TestCommandWrongPassword tests the authentication failure path
func TestCommandWrongPassword(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")
	sendCommand(b, client, "D1", "nope", "open")

	msg := client.lastJSON(t)
	if msg["type"] != protocol.TypeError || msg["message"] != esplink.ErrMsgWrongPassword {
		t.Errorf("reply = %v, want error %q", msg, esplink.ErrMsgWrongPassword)
	}
	if cmds := device.framesOfType(t, protocol.TypeCommand); len(cmds) != 0 {
		t.Errorf("device received %d command frames, want 0", len(cmds))
	}
	if b.pending.Pending() != 0 {
		t.Errorf("Pending() = %d, want no command ID issued", b.pending.Pending())
	}
}

// TestSecondCommandSupersedesFirst tests the single-outstanding-command policy
func TestSecondCommandSupersedesFirst(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")

	sendCommand(b, client, "D1", "s1", "first")
	firstID := commandID(t, device)

	sendCommand(b, client, "D1", "s1", "second")

	// Late reply to the superseded command is dropped
	b.HandleFrame(device, []byte(firstID+"::stale"))
	for _, frame := range client.sent() {
		if string(frame) == "stale" {
			t.Fatal("reply to superseded command was delivered")
		}
	}

	// Reply to the live command still flows
	secondID := commandID(t, device)
	b.HandleFrame(device, []byte(secondID+"::fresh"))
	found := false
	for _, frame := range client.sent() {
		if string(frame) == "fresh" {
			found = true
		}
	}
	if !found {
		t.Error("reply to the live command was not delivered")
	}
}

// TestUnknownCommandIDDropped tests that a reply with an unknown ID changes nothing
func TestUnknownCommandIDDropped(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")
	sendCommand(b, client, "D1", "s1", "open")

	before := b.pending.Pending()
	b.HandleFrame(device, []byte("no-such-id::junk"))
	if b.pending.Pending() != before {
		t.Error("unknown reply modified the correlation table")
	}
	for _, frame := range client.sent() {
		if string(frame) == "junk" {
			t.Fatal("unknown reply was delivered")
		}
	}
}

// TestRequesterCloseUnmatchesReply tests requester-side close cleanup
func TestRequesterCloseUnmatchesReply(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")
	sendCommand(b, client, "D1", "s1", "open")
	id := commandID(t, device)

	client.Close(context.Background())
	b.HandleClose(client)

	if b.pending.Pending() != 0 {
		t.Errorf("Pending() = %d after requester close, want 0", b.pending.Pending())
	}

	// Reply finds no requester and is dropped
	b.HandleFrame(device, []byte(id+"::OK"))

	// Device was told its client went away
	notices := device.framesOfType(t, protocol.TypeDisconnect)
	if len(notices) != 1 || notices[0]["reason"] != protocol.ReasonClientClosed {
		t.Errorf("device notices = %v, want one %q", notices, protocol.ReasonClientClosed)
	}
}

// TestDeviceCloseRemovesRegistration tests device-side close cleanup
func TestDeviceCloseRemovesRegistration(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")
	device.Close(context.Background())
	b.HandleClose(device)

	sendCommand(b, client, "D1", "s1", "open")

	msg := client.lastJSON(t)
	if msg["type"] != protocol.TypeError || msg["message"] != esplink.ErrMsgNotOnline {
		t.Errorf("reply = %v, want error %q after device close", msg, esplink.ErrMsgNotOnline)
	}
}

// TestRegisterReplacement tests that re-registration closes the old connection
func TestRegisterReplacement(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	oldConn := newFakeConn("d1")
	newConn := newFakeConn("d2")

	registerDevice(b, oldConn, "D1", "s1")
	registerDevice(b, newConn, "D1", "s1")

	notices := oldConn.framesOfType(t, protocol.TypeDisconnect)
	if len(notices) != 1 || notices[0]["reason"] != protocol.ReasonReplaced {
		t.Errorf("old connection notices = %v, want one %q", notices, protocol.ReasonReplaced)
	}
	if oldConn.IsAlive() {
		t.Error("old connection still alive after replacement")
	}
	if !newConn.IsAlive() {
		t.Error("new connection was closed")
	}

	conn, _, ok := b.registry.Lookup("D1")
	if !ok || conn != esplink.Conn(newConn) {
		t.Error("registry does not point at the new connection")
	}
}

// TestSwitchDeviceNotification tests the courtesy "switched" notice
func TestSwitchDeviceNotification(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	d1 := newFakeConn("d1")
	d2 := newFakeConn("d2")
	client := newFakeConn("b1")

	registerDevice(b, d1, "D1", "s1")
	registerDevice(b, d2, "D2", "s2")

	sendCommand(b, client, "D1", "s1", "open")
	sendCommand(b, client, "D2", "s2", "open")

	notices := d1.framesOfType(t, protocol.TypeDisconnect)
	if len(notices) != 1 || notices[0]["reason"] != protocol.ReasonSwitched {
		t.Errorf("D1 notices = %v, want one %q", notices, protocol.ReasonSwitched)
	}
	if notices := d2.framesOfType(t, protocol.TypeDisconnect); len(notices) != 0 {
		t.Errorf("D2 notices = %v, want none", notices)
	}
}

// TestCheckESPs tests the check_esps round trip through the dispatcher
func TestCheckESPs(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	device := newFakeConn("d1")
	client := newFakeConn("b1")

	registerDevice(b, device, "D1", "s1")
	b.HandleFrame(client, []byte(`{"type":"check_esps","devices":[{"id":"D1","password":"s1"},{"id":"D9","password":"x"}]}`))

	msg := client.lastJSON(t)
	if msg["type"] != protocol.TypeCheckResults {
		t.Fatalf("reply type = %v, want check_results", msg["type"])
	}
	results, ok := msg["results"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("results = %v, want 2 entries", msg["results"])
	}
	first := results[0].(map[string]any)
	if first["id"] != "D1" || first["online"] != true || first["auth"] != true {
		t.Errorf("results[0] = %v, want D1 online+auth", first)
	}
	second := results[1].(map[string]any)
	if second["id"] != "D9" || second["online"] != false || second["auth"] != false {
		t.Errorf("results[1] = %v, want D9 offline", second)
	}
}

// TestPingPong tests the liveness probe
func TestPingPong(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	client := newFakeConn("b1")

	b.HandleFrame(client, []byte(`{"type":"ping"}`))

	msg := client.lastJSON(t)
	if msg["type"] != protocol.TypePong {
		t.Errorf("reply = %v, want pong", msg)
	}
}

// TestMalformedFramesDropped tests that junk input produces no reply and no state
func TestMalformedFramesDropped(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	client := newFakeConn("b1")

	frames := []string{
		`not json`,
		`{"type":"reboot_all"}`,
		`{"type":"register_esp"}`,
		`{"type":"command","password":"x"}`,
		``,
	}
	for _, frame := range frames {
		b.HandleFrame(client, []byte(frame))
	}

	if frames := client.sent(); len(frames) != 0 {
		t.Errorf("client received %d frames for junk input, want 0", len(frames))
	}
	if b.registry.Len() != 0 {
		t.Errorf("registry has %d records after junk input, want 0", b.registry.Len())
	}
	if b.pending.Pending() != 0 {
		t.Errorf("Pending() = %d after junk input, want 0", b.pending.Pending())
	}
}

// TestCloseUnknownConnection tests that closing a never-seen connection is harmless
func TestCloseUnknownConnection(t *testing.T) {
	t.Parallel()

	b := newTestBroker()
	b.HandleClose(newFakeConn("stranger"))
}
