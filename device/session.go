package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/companion-blue/frame"
	"github.com/user/companion-blue/logger"
	"github.com/user/companion-blue/wire"
)

// ConnectionState is the peripheral's lifecycle state.
type ConnectionState int

const (
	StateAdvertising ConnectionState = iota
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateAdvertising:
		return "Advertising"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Link is the outbound half of the transport the session needs: push a
// notification to the admitted central and report the negotiated MTU.
// *wire.Wire implements it; tests substitute a fake.
type Link interface {
	Notify(peerUUID, serviceUUID, charUUID string, data []byte) error
	MTU(peerUUID string) int
}

// Config carries the peripheral's identity and protocol parameters.
// Zero values fall back to the firmware defaults.
type Config struct {
	HardwareUUID      string
	Name              string
	ServiceUUID       string
	RxCharUUID        string
	TxCharUUID        string
	HistoryCapacity   int
	FrameLimit        int // application-level ceiling for one encoded frame
	HeartbeatInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = frame.DeviceName
	}
	if c.ServiceUUID == "" {
		c.ServiceUUID = frame.ServiceUUID
	}
	if c.RxCharUUID == "" {
		c.RxCharUUID = frame.RxCharUUID
	}
	if c.TxCharUUID == "" {
		c.TxCharUUID = frame.TxCharUUID
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = DefaultHistoryCapacity
	}
	if c.FrameLimit <= 0 {
		c.FrameLimit = frame.AppFrameLimit
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
}

type intentKind int

const (
	intentPeerConnected intentKind = iota
	intentPeerDisconnected
	intentPeerSubscribed
	intentInboundWrite
	intentButton
	intentNext
	intentPrevious
)

// intent is one unit of work for the session loop. Wireless stack
// callbacks and UI entry points enqueue intents instead of mutating state,
// so all session state has exactly one writer.
type intent struct {
	kind intentKind
	peer string
	char string
	data []byte
}

// Session owns the peripheral's connection state machine, its history
// queue and all outbound replies. Event callbacks enqueue intents on a
// channel consumed by a single goroutine; the only state read from other
// goroutines (the admission check, display accessors) sits behind a short
// read lock.
type Session struct {
	cfg     Config
	link    Link
	display Display
	history *HistoryQueue

	mu    sync.RWMutex
	state ConnectionState
	peer  string

	// readySent tracks whether the ready frame went out for the current
	// connection. Touched only on the session loop goroutine.
	readySent bool

	intents chan intent
	stop    chan struct{}
	done    chan struct{}

	// recorded-only failure counters
	droppedSends     atomic.Uint64
	malformedInbound atomic.Uint64
	oversizeRejected atomic.Uint64

	// readvertise re-issues the advertisement after a disconnect.
	// Installed by Bind; idempotent by construction.
	readvertise func() error
}

// NewSession creates a peripheral session in the Advertising state.
// A nil display runs headless.
func NewSession(cfg Config, link Link, display Display) *Session {
	cfg.applyDefaults()
	if display == nil {
		display = NopDisplay{}
	}
	return &Session{
		cfg:     cfg,
		link:    link,
		display: display,
		history: NewHistoryQueue(cfg.HistoryCapacity),
		state:   StateAdvertising,
		intents: make(chan intent, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Bind wires the session to a Wire: admission policy, connection
// callbacks, the inbound write handler, and the advertising payload.
func (s *Session) Bind(w *wire.Wire) error {
	w.SetAcceptPolicy(s.CanAdmit)
	w.SetConnectCallback(s.HandlePeerConnected)
	w.SetDisconnectCallback(s.HandlePeerDisconnected)
	w.SetSubscribeCallback(s.HandleSubscribed)
	w.SetMessageHandler(func(peer string, msg *wire.Message) {
		if msg.Op != wire.OpWrite && msg.Op != wire.OpWriteNoResponse {
			return
		}
		if msg.CharacteristicUUID != s.cfg.RxCharUUID {
			return
		}
		s.HandleInbound(peer, msg.Data)
	})

	table := &wire.GATTTable{
		Services: []wire.GATTService{
			{
				UUID: s.cfg.ServiceUUID,
				Type: "primary",
				Characteristics: []wire.GATTCharacteristic{
					{UUID: s.cfg.RxCharUUID, Properties: []string{"write", "write_without_response", "read"}},
					{UUID: s.cfg.TxCharUUID, Properties: []string{"notify", "read"}},
				},
			},
		},
	}
	if err := w.WriteGATTTable(table); err != nil {
		return err
	}

	adv := &wire.AdvertisingData{
		DeviceName:    s.cfg.Name,
		ServiceUUIDs:  []string{s.cfg.ServiceUUID},
		IsConnectable: true,
	}
	s.readvertise = func() error { return w.WriteAdvertisingData(adv) }
	return s.readvertise()
}

// Start launches the session loop.
func (s *Session) Start() {
	go s.run()
}

// Stop terminates the session loop and waits for it to drain.
func (s *Session) Stop() {
	close(s.stop)
	<-s.done
}

// CanAdmit is the transport admission policy: a central is admitted only
// while the device is advertising. While Connected every further
// connection attempt is refused, so the session never observes two
// admitted peers.
func (s *Session) CanAdmit(peerUUID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateAdvertising
}

// HandlePeerConnected enqueues a connect event. Safe to call from stack
// callbacks; never blocks.
func (s *Session) HandlePeerConnected(peerUUID string) {
	s.enqueue(intent{kind: intentPeerConnected, peer: peerUUID})
}

// HandlePeerDisconnected enqueues a disconnect event.
func (s *Session) HandlePeerDisconnected(peerUUID string) {
	s.enqueue(intent{kind: intentPeerDisconnected, peer: peerUUID})
}

// HandleSubscribed enqueues a subscription event from the central.
func (s *Session) HandleSubscribed(peerUUID, charUUID string) {
	s.enqueue(intent{kind: intentPeerSubscribed, peer: peerUUID, char: charUUID})
}

// HandleInbound enqueues raw bytes written to the RX characteristic.
func (s *Session) HandleInbound(peerUUID string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.enqueue(intent{kind: intentInboundWrite, peer: peerUUID, data: buf})
}

// PressButton enqueues an "Ask AI" button press from the touch layer.
func (s *Session) PressButton() {
	s.enqueue(intent{kind: intentButton})
}

// Next moves the display cursor to a newer history entry.
func (s *Session) Next() {
	s.enqueue(intent{kind: intentNext})
}

// Previous moves the display cursor to an older history entry.
func (s *Session) Previous() {
	s.enqueue(intent{kind: intentPrevious})
}

func (s *Session) enqueue(it intent) {
	select {
	case s.intents <- it:
	default:
		// The loop is wedged or flooded. Dropping beats blocking a stack
		// callback.
		logger.Warn(s.logPrefix(), "intent queue full, dropping %d", it.kind)
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Peer returns the admitted central's UUID, empty while advertising.
func (s *Session) Peer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// History exposes the bounded message queue.
func (s *Session) History() *HistoryQueue {
	return s.history
}

// DroppedSends counts sends attempted while not connected.
func (s *Session) DroppedSends() uint64 { return s.droppedSends.Load() }

// MalformedInbound counts inbound payloads that failed to decode.
func (s *Session) MalformedInbound() uint64 { return s.malformedInbound.Load() }

// OversizeRejected counts outbound frames refused for exceeding the limit.
func (s *Session) OversizeRejected() uint64 { return s.oversizeRejected.Load() }

func (s *Session) logPrefix() string {
	if len(s.cfg.HardwareUUID) >= 8 {
		return s.cfg.HardwareUUID[:8] + " device"
	}
	return s.cfg.Name + " device"
}

func (s *Session) run() {
	defer close(s.done)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-heartbeat.C:
			s.mu.RLock()
			state := s.state
			s.mu.RUnlock()
			logger.Info(s.logPrefix(), "Status: %s | Messages: %d", state, s.history.Len())
			s.display.SetConnectionState(state)
		case it := <-s.intents:
			s.handle(it)
		}
	}
}

func (s *Session) handle(it intent) {
	switch it.kind {
	case intentPeerConnected:
		s.onConnect(it.peer)
	case intentPeerDisconnected:
		s.onDisconnect(it.peer)
	case intentPeerSubscribed:
		s.onSubscribed(it.peer, it.char)
	case intentInboundWrite:
		s.onInbound(it.peer, it.data)
	case intentButton:
		s.onButton()
	case intentNext:
		s.history.Next()
		s.refreshDisplay()
	case intentPrevious:
		s.history.Previous()
		s.refreshDisplay()
	}
}

func (s *Session) onConnect(peerUUID string) {
	s.mu.Lock()
	if s.state == StateConnected {
		// Admission policy should have refused this peer already.
		s.mu.Unlock()
		logger.Warn(s.logPrefix(), "connect event from %s while already connected, ignoring", peerUUID)
		return
	}
	s.state = StateConnected
	s.peer = peerUUID
	s.mu.Unlock()
	s.readySent = false

	logger.Info(s.logPrefix(), "central connected: %s", peerUUID)
	s.appendHistory("Phone connected!")
	s.display.SetConnectionState(StateConnected)
}

// onSubscribed sends the ready frame once the central subscribes to the
// TX characteristic. Waiting for the subscription means MTU negotiation
// has already happened, so the frame fits the negotiated payload size,
// and the central is actually listening for it.
func (s *Session) onSubscribed(peerUUID, charUUID string) {
	s.mu.RLock()
	connected := s.state == StateConnected && s.peer == peerUUID
	s.mu.RUnlock()
	if !connected || charUUID != s.cfg.TxCharUUID || s.readySent {
		return
	}
	s.readySent = true

	logger.Info(s.logPrefix(), "central subscribed: %s (MTU %d)", peerUUID, s.link.MTU(peerUUID))
	s.sendFrame(frame.Frame{
		Type:    frame.TypeConnected,
		Message: s.cfg.Name + " ready for communication",
		Action:  "ready",
	})
}

func (s *Session) onDisconnect(peerUUID string) {
	s.mu.Lock()
	if s.state != StateConnected || s.peer != peerUUID {
		s.mu.Unlock()
		return
	}
	s.state = StateAdvertising
	s.peer = ""
	s.mu.Unlock()
	s.readySent = false

	logger.Info(s.logPrefix(), "central disconnected: %s, restarting advertising", peerUUID)
	s.appendHistory("Phone disconnected")
	s.display.SetConnectionState(StateAdvertising)

	if s.readvertise != nil {
		if err := s.readvertise(); err != nil {
			logger.Warn(s.logPrefix(), "failed to restart advertising: %v", err)
		}
	}
}

// onInbound decodes one write from the central and dispatches by type.
// Malformed payloads are dropped without a reply; the event is recorded.
func (s *Session) onInbound(peerUUID string, data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		s.malformedInbound.Add(1)
		logger.Warn(s.logPrefix(), "dropping malformed payload from %s: %v", peerUUID, err)
		return
	}

	logger.DebugJSON(s.logPrefix(), "received frame", f)

	switch f.Type {
	case frame.TypeAIRequest:
		s.appendHistory("Processing: " + f.Message)
		s.sendFrame(frame.Frame{
			Type:    frame.TypeAIResponse,
			Message: "AI response to: " + f.Message,
			Action:  "processed",
		})
	case frame.TypeTest:
		s.appendHistory(f.Message)
		s.sendFrame(frame.Frame{
			Type:    frame.TypeTestResponse,
			Message: "Hello from the companion device!",
			Action:  "ack",
		})
	case frame.TypeHello:
		s.appendHistory(f.Message)
		s.sendFrame(frame.Frame{
			Type:    frame.TypeWelcome,
			Message: "Hello from the companion device! Ready to chat.",
			Action:  "ready",
		})
	default:
		s.appendHistory(f.Message)
	}
}

func (s *Session) onButton() {
	logger.Debug(s.logPrefix(), "Ask AI button pressed")
	s.appendHistory("AI Assistant: How can I help you?")

	s.mu.RLock()
	connected := s.state == StateConnected
	s.mu.RUnlock()
	if connected {
		s.sendFrame(frame.Frame{Type: frame.TypeButton, Message: "Ask AI", Action: "ask"})
	}
}

func (s *Session) appendHistory(text string) {
	s.history.Append(text)
	s.refreshDisplay()
}

func (s *Session) refreshDisplay() {
	if text, ok := s.history.Current(); ok {
		s.display.ShowMessage(text)
	}
}

// sendFrame encodes and transmits a frame on the TX characteristic.
// Sends while not connected are logged drops, never errors to the caller.
// Frames over the size ceiling are refused and recorded, not truncated:
// a truncated frame would be undecodable on the central.
func (s *Session) sendFrame(f frame.Frame) {
	s.mu.RLock()
	connected := s.state == StateConnected
	peer := s.peer
	s.mu.RUnlock()

	if !connected {
		s.droppedSends.Add(1)
		logger.Warn(s.logPrefix(), "cannot send %s frame: not connected", f.Type)
		return
	}

	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}

	data, err := frame.Encode(f)
	if err != nil {
		logger.Error(s.logPrefix(), "failed to encode %s frame: %v", f.Type, err)
		return
	}

	limit := s.cfg.FrameLimit
	if usable := s.link.MTU(peer) - wire.AttHeaderSize; usable < limit {
		limit = usable
	}
	if len(data) > limit {
		s.oversizeRejected.Add(1)
		oversize := &frame.OversizeError{Size: len(data), Limit: limit}
		logger.Error(s.logPrefix(), "refusing to send %s frame: %v", f.Type, oversize)
		return
	}

	if err := s.link.Notify(peer, s.cfg.ServiceUUID, s.cfg.TxCharUUID, data); err != nil {
		if errors.Is(err, wire.ErrNotSubscribed) {
			logger.Debug(s.logPrefix(), "central not subscribed yet, dropping %s frame", f.Type)
			return
		}
		logger.Warn(s.logPrefix(), "failed to notify %s frame: %v", f.Type, err)
	}
}
