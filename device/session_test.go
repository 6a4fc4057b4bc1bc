package device

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/companion-blue/frame"
	"github.com/user/companion-blue/wire"
)

// fakeLink records notified frames in place of a real wire.
type fakeLink struct {
	mu     sync.Mutex
	frames []frame.Frame
	err    error
	mtu    int
}

func newFakeLink() *fakeLink {
	return &fakeLink{mtu: 256}
}

func (l *fakeLink) Notify(peerUUID, serviceUUID, charUUID string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	f, err := frame.Decode(data)
	if err != nil {
		return err
	}
	l.frames = append(l.frames, f)
	return nil
}

func (l *fakeLink) MTU(peerUUID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

func (l *fakeLink) sent() []frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]frame.Frame, len(l.frames))
	copy(out, l.frames)
	return out
}

func (l *fakeLink) sentOfType(frameType string) int {
	count := 0
	for _, f := range l.sent() {
		if f.Type == frameType {
			count++
		}
	}
	return count
}

func testConfig() Config {
	return Config{
		HardwareUUID:      "device-under-test-uuid",
		HeartbeatInterval: time.Hour, // keep heartbeat noise out of short tests
	}
}

func startSession(t *testing.T, link Link) *Session {
	t.Helper()
	s := NewSession(testConfig(), link, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

// settle gives the session loop time to drain its intent queue.
func settle() {
	time.Sleep(100 * time.Millisecond)
}

func TestSessionConnectDisconnectLifecycle(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)

	if s.State() != StateAdvertising {
		t.Fatalf("new session should be Advertising, got %s", s.State())
	}

	s.HandlePeerConnected("phone-uuid")
	settle()

	if s.State() != StateConnected {
		t.Errorf("expected Connected, got %s", s.State())
	}
	if s.Peer() != "phone-uuid" {
		t.Errorf("expected peer phone-uuid, got %q", s.Peer())
	}
	if text, _ := s.History().Current(); text != "Phone connected!" {
		t.Errorf("expected connect entry on display, got %q", text)
	}
	if link.sentOfType(frame.TypeConnected) != 0 {
		t.Errorf("ready frame must wait for the subscription, got %d", link.sentOfType(frame.TypeConnected))
	}

	s.HandleSubscribed("phone-uuid", frame.TxCharUUID)
	settle()

	if link.sentOfType(frame.TypeConnected) != 1 {
		t.Errorf("expected one ready frame after subscribing, got %d", link.sentOfType(frame.TypeConnected))
	}

	s.HandlePeerDisconnected("phone-uuid")
	settle()

	if s.State() != StateAdvertising {
		t.Errorf("expected Advertising after disconnect, got %s", s.State())
	}
	if s.Peer() != "" {
		t.Errorf("peer should be cleared, got %q", s.Peer())
	}
	if text, _ := s.History().Current(); text != "Phone disconnected" {
		t.Errorf("expected disconnect entry on display, got %q", text)
	}
}

func TestSessionAdmitsOnlyWhileAdvertising(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)

	if !s.CanAdmit("first-phone") {
		t.Fatal("advertising session should admit a central")
	}

	s.HandlePeerConnected("first-phone")
	settle()

	if s.CanAdmit("second-phone") {
		t.Error("connected session must refuse further centrals")
	}

	s.HandlePeerDisconnected("first-phone")
	settle()

	if !s.CanAdmit("second-phone") {
		t.Error("session should admit again after returning to Advertising")
	}
}

func mustEncode(t *testing.T, f frame.Frame) []byte {
	t.Helper()
	data, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestSessionInboundDispatch(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)
	s.HandlePeerConnected("phone-uuid")
	settle()

	cases := []struct {
		inbound   frame.Frame
		wantEntry string
		wantReply string
	}{
		{frame.Frame{Type: frame.TypeHello, Message: "Hello from the phone app!"},
			"Hello from the phone app!", frame.TypeWelcome},
		{frame.Frame{Type: frame.TypeTest, Message: "ping"},
			"ping", frame.TypeTestResponse},
		{frame.Frame{Type: frame.TypeAIRequest, Message: "tell me a joke"},
			"Processing: tell me a joke", frame.TypeAIResponse},
	}

	for _, tc := range cases {
		s.HandleInbound("phone-uuid", mustEncode(t, tc.inbound))
		settle()

		if text, _ := s.History().Current(); text != tc.wantEntry {
			t.Errorf("%s: history entry %q, want %q", tc.inbound.Type, text, tc.wantEntry)
		}
		if link.sentOfType(tc.wantReply) != 1 {
			t.Errorf("%s: expected one %s reply, got %d",
				tc.inbound.Type, tc.wantReply, link.sentOfType(tc.wantReply))
		}
	}
}

func TestSessionAIResponseEchoesPrompt(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)
	s.HandlePeerConnected("phone-uuid")
	settle()

	s.HandleInbound("phone-uuid", mustEncode(t, frame.Frame{Type: frame.TypeAIRequest, Message: "weather?"}))
	settle()

	for _, f := range link.sent() {
		if f.Type == frame.TypeAIResponse {
			if !strings.Contains(f.Message, "weather?") {
				t.Errorf("AI response should echo the prompt, got %q", f.Message)
			}
			if f.Timestamp == 0 {
				t.Error("outbound frame should carry a timestamp")
			}
			return
		}
	}
	t.Fatal("no ai_response frame was sent")
}

func TestSessionUnknownTypeAppendedWithoutReply(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)
	s.HandlePeerConnected("phone-uuid")
	settle()

	sentBefore := len(link.sent())
	s.HandleInbound("phone-uuid", mustEncode(t, frame.Frame{Type: "future_thing", Message: "mystery"}))
	settle()

	if text, _ := s.History().Current(); text != "mystery" {
		t.Errorf("unknown type should still append its message, got %q", text)
	}
	if len(link.sent()) != sentBefore {
		t.Errorf("unknown type must not trigger a reply, got %d new frames", len(link.sent())-sentBefore)
	}
}

func TestSessionDropsMalformedInbound(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)
	s.HandlePeerConnected("phone-uuid")
	settle()

	histBefore := s.History().Len()
	sentBefore := len(link.sent())

	s.HandleInbound("phone-uuid", []byte(`{not json at all`))
	s.HandleInbound("phone-uuid", []byte(`{"message":"no type"}`))
	settle()

	if s.History().Len() != histBefore {
		t.Errorf("malformed payloads must not reach the history queue")
	}
	if len(link.sent()) != sentBefore {
		t.Errorf("malformed payloads must not trigger replies")
	}
	if s.MalformedInbound() != 2 {
		t.Errorf("expected 2 recorded malformed payloads, got %d", s.MalformedInbound())
	}
}

func TestSessionSendWhileDisconnectedIsRecordedDrop(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)

	// A write arriving while advertising still dispatches, but the reply
	// has nowhere to go.
	s.HandleInbound("stale-phone", mustEncode(t, frame.Frame{Type: frame.TypeHello, Message: "hi"}))
	settle()

	if len(link.sent()) != 0 {
		t.Errorf("no frames should leave a disconnected session, got %d", len(link.sent()))
	}
	if s.DroppedSends() != 1 {
		t.Errorf("expected 1 recorded dropped send, got %d", s.DroppedSends())
	}
}

func TestSessionRefusesOversizeReply(t *testing.T) {
	link := newFakeLink()
	cfg := testConfig()
	cfg.FrameLimit = 200
	s := NewSession(cfg, link, nil)
	s.Start()
	t.Cleanup(s.Stop)

	s.HandlePeerConnected("phone-uuid")
	settle()

	rejectedBefore := s.OversizeRejected()

	// The reply echoes the prompt, so a long prompt pushes the encoded
	// reply past the 200 byte ceiling.
	prompt := strings.Repeat("x", 300)
	s.HandleInbound("phone-uuid", mustEncode(t, frame.Frame{Type: frame.TypeAIRequest, Message: prompt}))
	settle()

	if link.sentOfType(frame.TypeAIResponse) != 0 {
		t.Error("oversize reply must not be sent")
	}
	if s.OversizeRejected() != rejectedBefore+1 {
		t.Errorf("expected oversize rejection to be recorded, got %d", s.OversizeRejected())
	}

	// The inbound side is unaffected: the prompt still reached history
	if text, _ := s.History().Current(); text != "Processing: "+prompt {
		t.Error("oversize rejection must not disturb inbound processing")
	}
}

func TestSessionButtonPress(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)

	// Disconnected press: local effect only
	s.PressButton()
	settle()
	if text, _ := s.History().Current(); text != "AI Assistant: How can I help you?" {
		t.Errorf("button should append the assistant prompt, got %q", text)
	}
	if link.sentOfType(frame.TypeButton) != 0 {
		t.Error("disconnected button press must not send a frame")
	}

	s.HandlePeerConnected("phone-uuid")
	settle()

	s.PressButton()
	settle()
	if link.sentOfType(frame.TypeButton) != 1 {
		t.Errorf("connected button press should send one btn frame, got %d", link.sentOfType(frame.TypeButton))
	}
}

func TestSessionReadyFrameWaitsForSubscription(t *testing.T) {
	link := newFakeLink()
	// Before MTU negotiation the link only offers the default 23 byte MTU,
	// far too small for the ready frame. Connecting alone must not try to
	// push it through.
	link.mu.Lock()
	link.mtu = wire.DefaultMTU
	link.mu.Unlock()
	s := startSession(t, link)

	s.HandlePeerConnected("phone-uuid")
	settle()

	if got := len(link.sent()); got != 0 {
		t.Fatalf("nothing should be sent before the subscription, got %d frames", got)
	}
	if s.OversizeRejected() != 0 {
		t.Errorf("connecting must not record an oversize rejection, got %d", s.OversizeRejected())
	}

	// Subscribing to the wrong characteristic changes nothing.
	s.HandleSubscribed("phone-uuid", frame.RxCharUUID)
	settle()
	if got := len(link.sent()); got != 0 {
		t.Fatalf("RX subscription must not trigger the ready frame, got %d frames", got)
	}

	// By the time the central subscribes to TX, MTU negotiation is done.
	link.mu.Lock()
	link.mtu = 256
	link.mu.Unlock()

	s.HandleSubscribed("phone-uuid", frame.TxCharUUID)
	settle()
	if link.sentOfType(frame.TypeConnected) != 1 {
		t.Fatalf("expected one ready frame after TX subscription, got %d", link.sentOfType(frame.TypeConnected))
	}
	if s.OversizeRejected() != 0 {
		t.Errorf("ready frame after negotiation must fit, got %d rejections", s.OversizeRejected())
	}

	// A repeated subscription does not resend it.
	s.HandleSubscribed("phone-uuid", frame.TxCharUUID)
	settle()
	if link.sentOfType(frame.TypeConnected) != 1 {
		t.Errorf("duplicate subscription must not resend the ready frame, got %d", link.sentOfType(frame.TypeConnected))
	}

	// A new connection gets its own ready frame.
	s.HandlePeerDisconnected("phone-uuid")
	settle()
	s.HandlePeerConnected("phone-uuid")
	s.HandleSubscribed("phone-uuid", frame.TxCharUUID)
	settle()
	if link.sentOfType(frame.TypeConnected) != 2 {
		t.Errorf("reconnect should produce a second ready frame, got %d", link.sentOfType(frame.TypeConnected))
	}
}

func TestSessionIgnoresSubscriptionFromUnknownPeer(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)

	s.HandleSubscribed("stale-phone", frame.TxCharUUID)
	settle()
	if got := len(link.sent()); got != 0 {
		t.Errorf("subscription while advertising must not send, got %d frames", got)
	}

	s.HandlePeerConnected("phone-uuid")
	s.HandleSubscribed("stale-phone", frame.TxCharUUID)
	settle()
	if got := len(link.sent()); got != 0 {
		t.Errorf("subscription from a different peer must not send, got %d frames", got)
	}
}

func TestSessionNotifyBeforeSubscribeIsSilentDrop(t *testing.T) {
	link := newFakeLink()
	link.err = wire.ErrNotSubscribed
	s := startSession(t, link)

	s.HandlePeerConnected("phone-uuid")
	s.HandleSubscribed("phone-uuid", frame.TxCharUUID)
	settle()

	// The central unsubscribed under us; losing the frame is normal and
	// must not take the session down.
	if s.State() != StateConnected {
		t.Errorf("session should stay Connected, got %s", s.State())
	}
	if s.DroppedSends() != 0 {
		t.Errorf("unsubscribed drop is not a disconnected drop, got %d", s.DroppedSends())
	}
}

// recordingDisplay captures what the session puts on screen.
type recordingDisplay struct {
	mu     sync.Mutex
	shown  []string
	states []ConnectionState
}

func (d *recordingDisplay) ShowMessage(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, text)
}

func (d *recordingDisplay) SetConnectionState(state ConnectionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states = append(d.states, state)
}

func (d *recordingDisplay) SetBattery(percent int) {}

func (d *recordingDisplay) lastShown() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.shown) == 0 {
		return "", false
	}
	return d.shown[len(d.shown)-1], true
}

func TestSessionCursorNavigationUpdatesDisplay(t *testing.T) {
	link := newFakeLink()
	display := &recordingDisplay{}
	s := NewSession(testConfig(), link, display)
	s.Start()
	t.Cleanup(s.Stop)

	s.HandlePeerConnected("phone-uuid")
	settle()
	s.HandleInbound("phone-uuid", mustEncode(t, frame.Frame{Type: frame.TypeTest, Message: "newest"}))
	settle()

	s.Previous()
	settle()
	if text, ok := display.lastShown(); !ok || text != "Phone connected!" {
		t.Errorf("Previous should show the older entry, got %q", text)
	}

	s.Next()
	settle()
	if text, ok := display.lastShown(); !ok || text != "newest" {
		t.Errorf("Next should return to the newest entry, got %q", text)
	}
}

func TestSessionIgnoresSecondConnectEvent(t *testing.T) {
	link := newFakeLink()
	s := startSession(t, link)

	s.HandlePeerConnected("first-phone")
	settle()
	s.HandlePeerConnected("second-phone")
	settle()

	if s.Peer() != "first-phone" {
		t.Errorf("second connect event must not steal the session, peer is %q", s.Peer())
	}

	// Disconnect of an unknown peer is ignored too
	s.HandlePeerDisconnected("second-phone")
	settle()
	if s.State() != StateConnected {
		t.Errorf("unknown peer disconnect must not change state, got %s", s.State())
	}
}

func TestSessionLinkErrorDoesNotCrash(t *testing.T) {
	link := newFakeLink()
	link.err = errors.New("socket gone")
	s := startSession(t, link)

	s.HandlePeerConnected("phone-uuid")
	s.HandleSubscribed("phone-uuid", frame.TxCharUUID)
	settle()

	if s.State() != StateConnected {
		t.Errorf("notify failure must not change connection state, got %s", s.State())
	}
}
