package app

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/companion-blue/frame"
	"github.com/user/companion-blue/logger"
	"github.com/user/companion-blue/wire"
)

// SessionState is the central's lifecycle state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateScanning
	StateConnecting
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

type scanPhase int

const (
	phaseBroad    scanPhase = iota // match on advertised name
	phaseTargeted                  // match on advertised service UUID
)

// SessionDelegate receives session lifecycle events. All methods are
// called from background goroutines; implementations must be safe for
// that. Any method may be a no-op.
type SessionDelegate interface {
	DidConnect(s *Session, peerUUID string)
	DidFailToConnect(s *Session, peerUUID string, err error)
	DidDisconnect(s *Session, peerUUID string)
	DidTimeout(s *Session)
}

// Config carries the central's identity and protocol parameters. Zero
// values fall back to the firmware defaults.
type Config struct {
	HardwareUUID string
	TargetName   string
	ServiceUUID  string
	RxCharUUID   string
	TxCharUUID   string

	BroadScanDuration    time.Duration // T1
	TargetedScanDuration time.Duration // T2
	ScanMargin           time.Duration

	RequestedMTU int
	FrameLimit   int
}

func (c *Config) applyDefaults() {
	if c.TargetName == "" {
		c.TargetName = frame.DeviceName
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
	if c.BroadScanDuration <= 0 {
		c.BroadScanDuration = 8 * time.Second
	}
	if c.TargetedScanDuration <= 0 {
		c.TargetedScanDuration = 5 * time.Second
	}
	if c.ScanMargin <= 0 {
		c.ScanMargin = 2 * time.Second
	}
	if c.RequestedMTU <= 0 {
		c.RequestedMTU = frame.TargetMTU
	}
	if c.FrameLimit <= 0 {
		c.FrameLimit = frame.AppFrameLimit
	}
}

// Session drives the central's scan/connect/teardown lifecycle.
//
// Scanning runs in two phases behind one discovery loop: a broad phase
// matching the advertised device name, then a targeted phase matching the
// advertised service UUID. The phase is a single guarded field, not a
// second scan, so the two modes can never be active at once. Timers and
// discovery callbacks carry the scan generation they were started under;
// anything that fires after a stop observes a stale generation and is
// ignored.
type Session struct {
	cfg      Config
	link     Link
	log      *ConversationLog
	delegate SessionDelegate

	transport *Transport

	mu       sync.Mutex
	state    SessionState
	phase    scanPhase
	scanGen  int
	scanStop chan struct{}
	peer     string

	scanTimeouts atomic.Uint64
}

// NewSession creates an idle central session. delegate may be nil.
func NewSession(cfg Config, link Link, log *ConversationLog, delegate SessionDelegate) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = NewConversationLog()
	}
	return &Session{
		cfg:       cfg,
		link:      link,
		log:       log,
		delegate:  delegate,
		transport: NewTransport(cfg, link, log),
		state:     StateIdle,
	}
}

// Bind wires the session to a Wire: inbound notifications on the TX
// characteristic and link-level disconnects.
func (s *Session) Bind(w *wire.Wire) {
	w.SetMessageHandler(func(peer string, msg *wire.Message) {
		if msg.Op != wire.OpNotify || msg.CharacteristicUUID != s.cfg.TxCharUUID {
			return
		}
		s.HandleNotification(peer, msg.Data)
	})
	w.SetDisconnectCallback(s.handleLinkDisconnect)
}

// Log exposes the conversation log.
func (s *Session) Log() *ConversationLog { return s.log }

// Transport exposes the central transport.
func (s *Session) Transport() *Transport { return s.transport }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the connected device's UUID, empty otherwise.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// ScanTimeouts counts scans that ended with no match.
func (s *Session) ScanTimeouts() uint64 { return s.scanTimeouts.Load() }

func (s *Session) logPrefix() string {
	if len(s.cfg.HardwareUUID) >= 8 {
		return s.cfg.HardwareUUID[:8] + " app"
	}
	return "app"
}

// StartScan begins the two-phase scan. Valid only from Idle.
func (s *Session) StartScan() error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start scan from %s", state)
	}
	s.state = StateScanning
	s.phase = phaseBroad
	s.scanGen++
	gen := s.scanGen
	s.mu.Unlock()

	logger.Info(s.logPrefix(), "scan started: broad phase, matching name %q", s.cfg.TargetName)

	stop := s.link.StartDiscovery(func(deviceUUID string) {
		s.handleDiscovered(gen, deviceUUID)
	})

	s.mu.Lock()
	if gen == s.scanGen && s.state == StateScanning {
		s.scanStop = stop
	} else {
		// Stopped before the discovery loop was registered
		close(stop)
	}
	s.mu.Unlock()

	time.AfterFunc(s.cfg.BroadScanDuration, func() { s.advancePhase(gen) })
	absolute := s.cfg.BroadScanDuration + s.cfg.TargetedScanDuration + s.cfg.ScanMargin
	time.AfterFunc(absolute, func() { s.scanTimedOut(gen) })

	return nil
}

// StopScan halts scanning. Idempotent: stopping an already stopped scan
// has no effect and no error.
func (s *Session) StopScan() {
	s.mu.Lock()
	s.stopScanLocked()
	if s.state == StateScanning {
		s.state = StateIdle
		s.scanGen++ // invalidate pending timers and callbacks
	}
	s.mu.Unlock()
}

// stopScanLocked closes the discovery loop if one is running. Callers
// hold s.mu.
func (s *Session) stopScanLocked() {
	if s.scanStop != nil {
		close(s.scanStop)
		s.scanStop = nil
	}
}

// handleDiscovered inspects one discovered device against the current
// phase's matching rule. A match stops the scan immediately and starts
// the single connection attempt.
func (s *Session) handleDiscovered(gen int, deviceUUID string) {
	s.mu.Lock()
	if gen != s.scanGen || s.state != StateScanning {
		// Stale callback after a stop request
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	adv, err := s.link.ReadAdvertisingData(deviceUUID)
	if err != nil {
		return
	}

	s.mu.Lock()
	if gen != s.scanGen || s.state != StateScanning {
		s.mu.Unlock()
		return
	}

	var match bool
	switch s.phase {
	case phaseBroad:
		match = adv.DeviceName == s.cfg.TargetName
	case phaseTargeted:
		for _, uuid := range adv.ServiceUUIDs {
			if uuid == s.cfg.ServiceUUID {
				match = true
				break
			}
		}
	}
	if !match {
		s.mu.Unlock()
		return
	}

	s.stopScanLocked()
	s.state = StateConnecting
	s.peer = deviceUUID
	s.scanGen++ // scan is over; silence its timers
	s.mu.Unlock()

	logger.Info(s.logPrefix(), "matched device %s (%s), connecting", adv.DeviceName, deviceUUID)
	go s.connect(deviceUUID)
}

// advancePhase moves a still-running broad scan into the targeted phase.
// A single state change; the discovery loop keeps running and only the
// matching rule changes.
func (s *Session) advancePhase(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.scanGen || s.state != StateScanning || s.phase != phaseBroad {
		return
	}
	s.phase = phaseTargeted
	logger.Info(s.logPrefix(), "broad phase ended with no match, scanning for service %s", s.cfg.ServiceUUID)
}

// scanTimedOut fires at the absolute timeout. Exactly one timeout is
// recorded per scan: a later stop or match bumps the generation first.
func (s *Session) scanTimedOut(gen int) {
	s.mu.Lock()
	if gen != s.scanGen || s.state != StateScanning {
		s.mu.Unlock()
		return
	}
	s.stopScanLocked()
	s.state = StateIdle
	s.scanGen++
	s.mu.Unlock()

	s.scanTimeouts.Add(1)
	logger.Warn(s.logPrefix(), "scan timed out: no matching device found")
	if s.delegate != nil {
		s.delegate.DidTimeout(s)
	}
}

// connect runs the single in-flight connection attempt and, on success,
// the transport setup. Failure surfaces to the delegate and returns the
// session to Idle; there is no silent retry.
func (s *Session) connect(peerUUID string) {
	err := s.link.Connect(peerUUID)

	s.mu.Lock()
	if s.state != StateConnecting || s.peer != peerUUID {
		s.mu.Unlock()
		if err == nil {
			s.link.Disconnect(peerUUID)
		}
		return
	}
	if err != nil {
		s.state = StateIdle
		s.peer = ""
		s.mu.Unlock()
		logger.Error(s.logPrefix(), "connection to %s failed: %v", peerUUID, err)
		if s.delegate != nil {
			s.delegate.DidFailToConnect(s, peerUUID, err)
		}
		return
	}
	s.state = StateConnected
	s.mu.Unlock()

	if err := s.transport.Setup(peerUUID); err != nil {
		logger.Error(s.logPrefix(), "transport setup with %s failed: %v", peerUUID, err)
		s.link.Disconnect(peerUUID)
		s.mu.Lock()
		s.state = StateIdle
		s.peer = ""
		s.mu.Unlock()
		if s.delegate != nil {
			s.delegate.DidFailToConnect(s, peerUUID, err)
		}
		return
	}

	logger.Info(s.logPrefix(), "connected to %s", peerUUID)
	if s.delegate != nil {
		s.delegate.DidConnect(s, peerUUID)
	}
}

// Disconnect tears the session down. Valid from Connected; the connection
// is released unconditionally, even mid-flight write.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot disconnect from %s", state)
	}
	peer := s.peer
	s.mu.Unlock()

	s.transport.Teardown()
	if err := s.link.Disconnect(peer); err != nil {
		logger.Debug(s.logPrefix(), "disconnect: %v", err)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.peer = ""
	s.mu.Unlock()
	return nil
}

// handleLinkDisconnect reacts to the wire dropping underneath us.
func (s *Session) handleLinkDisconnect(peerUUID string) {
	s.mu.Lock()
	if s.peer != peerUUID || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.peer = ""
	s.mu.Unlock()

	s.transport.Teardown()
	logger.Info(s.logPrefix(), "link to %s dropped", peerUUID)
	if s.delegate != nil {
		s.delegate.DidDisconnect(s, peerUUID)
	}
}

// HandleNotification feeds one inbound TX value to the transport.
func (s *Session) HandleNotification(peerUUID string, data []byte) {
	s.mu.Lock()
	known := s.peer == peerUUID
	s.mu.Unlock()
	if !known {
		return
	}
	s.transport.HandleNotification(data)
}

// Send transmits a frame to the connected device.
func (s *Session) Send(f frame.Frame) error {
	return s.transport.Send(f)
}

// SendHello sends the greeting frame and records it in the log.
func (s *Session) SendHello() error {
	s.log.Append("Hello!", OriginUser)
	return s.Send(frame.Frame{Type: frame.TypeHello, Message: "Hello from the phone app!", Action: "greeting"})
}

// SendTest sends a test frame and records it in the log.
func (s *Session) SendTest(text string) error {
	s.log.Append(text, OriginUser)
	return s.Send(frame.Frame{Type: frame.TypeTest, Message: text, Action: "test_message"})
}

// SendAIRequest sends a user prompt to the device and records it.
func (s *Session) SendAIRequest(prompt string) error {
	s.log.Append(prompt, OriginUser)
	return s.Send(frame.Frame{Type: frame.TypeAIRequest, Message: prompt, Action: "request"})
}
