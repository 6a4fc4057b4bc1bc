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

// Link is the slice of the wire the central side needs. *wire.Wire
// implements it; tests substitute fakes.
type Link interface {
	Connect(peerUUID string) error
	Disconnect(peerUUID string) error
	RequestMTU(peerUUID string, want int) (int, error)
	ReadGATTTable(peerUUID string) (*wire.GATTTable, error)
	Subscribe(peerUUID, serviceUUID, charUUID string) error
	Unsubscribe(peerUUID, serviceUUID, charUUID string) error
	WriteCharacteristic(peerUUID, serviceUUID, charUUID string, data []byte, withResponse bool) error
	StartDiscovery(callback func(deviceUUID string)) chan struct{}
	ReadAdvertisingData(deviceUUID string) (*wire.AdvertisingData, error)
}

// Transport owns the central side of an established session: the
// negotiated size limit, the located characteristics, the subscription,
// and the outbound write path.
type Transport struct {
	cfg  Config
	link Link
	log  *ConversationLog

	mu    sync.Mutex
	peer  string
	mtu   int
	limit int

	malformed atomic.Uint64
}

// NewTransport creates a transport over the given link, feeding inbound
// frames into the conversation log.
func NewTransport(cfg Config, link Link, log *ConversationLog) *Transport {
	return &Transport{cfg: cfg, link: link, log: log}
}

// Setup runs the post-connect sequence: MTU exchange, service and
// characteristic discovery, then subscription to the notify
// characteristic. The effective send limit is the application ceiling
// bounded by whatever the stack granted.
func (t *Transport) Setup(peerUUID string) error {
	granted, err := t.link.RequestMTU(peerUUID, t.cfg.RequestedMTU)
	if err != nil {
		return fmt.Errorf("MTU negotiation failed: %w", err)
	}

	limit := t.cfg.FrameLimit
	if usable := granted - wire.AttHeaderSize; usable < limit {
		limit = usable
	}

	table, err := t.link.ReadGATTTable(peerUUID)
	if err != nil {
		return fmt.Errorf("service discovery failed: %w", err)
	}

	var service *wire.GATTService
	for i := range table.Services {
		if table.Services[i].UUID == t.cfg.ServiceUUID {
			service = &table.Services[i]
			break
		}
	}
	if service == nil {
		return fmt.Errorf("service %s not found on device", t.cfg.ServiceUUID)
	}

	var haveRx, haveTx bool
	for _, char := range service.Characteristics {
		switch char.UUID {
		case t.cfg.RxCharUUID:
			haveRx = true
		case t.cfg.TxCharUUID:
			haveTx = true
		}
	}
	if !haveRx || !haveTx {
		return fmt.Errorf("expected characteristics not found (rx=%v tx=%v)", haveRx, haveTx)
	}

	if err := t.link.Subscribe(peerUUID, t.cfg.ServiceUUID, t.cfg.TxCharUUID); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	t.mu.Lock()
	t.peer = peerUUID
	t.mtu = granted
	t.limit = limit
	t.mu.Unlock()

	logger.Info(t.logPrefix(), "transport ready: MTU %d, frame limit %d", granted, limit)
	return nil
}

// Teardown drops the subscription and forgets the peer. Best effort; a
// dead connection is torn down anyway.
func (t *Transport) Teardown() {
	t.mu.Lock()
	peer := t.peer
	t.peer = ""
	t.mu.Unlock()

	if peer != "" {
		if err := t.link.Unsubscribe(peer, t.cfg.ServiceUUID, t.cfg.TxCharUUID); err != nil {
			logger.Debug(t.logPrefix(), "unsubscribe during teardown: %v", err)
		}
	}
}

// Limit returns the effective per-frame byte ceiling for this session.
func (t *Transport) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// Malformed counts inbound notifications that failed to decode.
func (t *Transport) Malformed() uint64 { return t.malformed.Load() }

// Send encodes and writes a frame to the device's RX characteristic.
// Frames over the limit are refused with an OversizeError, never
// truncated. The write is attempted without response first and retried
// exactly once with an acknowledged write on failure.
func (t *Transport) Send(f frame.Frame) error {
	t.mu.Lock()
	peer := t.peer
	limit := t.limit
	t.mu.Unlock()

	if peer == "" {
		return fmt.Errorf("not connected")
	}

	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMilli()
	}

	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if len(data) > limit {
		return &frame.OversizeError{Size: len(data), Limit: limit}
	}

	err = t.link.WriteCharacteristic(peer, t.cfg.ServiceUUID, t.cfg.RxCharUUID, data, false)
	if err == nil {
		return nil
	}
	logger.Warn(t.logPrefix(), "unacknowledged write failed (%v), retrying with response", err)

	if err := t.link.WriteCharacteristic(peer, t.cfg.ServiceUUID, t.cfg.RxCharUUID, data, true); err != nil {
		return fmt.Errorf("write failed after retry: %w", err)
	}
	return nil
}

// HandleNotification processes one value pushed from the device's TX
// characteristic. Undecodable payloads are not dropped: the raw text goes
// into the conversation log tagged device-origin, since a human-facing
// log benefits from best-effort visibility.
func (t *Transport) HandleNotification(data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		t.malformed.Add(1)
		logger.Warn(t.logPrefix(), "undecodable notification, surfacing raw text: %v", err)
		t.log.Append(string(data), OriginDevice)
		return
	}

	logger.DebugJSON(t.logPrefix(), "received frame", f)

	switch f.Type {
	case frame.TypeConnected, frame.TypeAIResponse, frame.TypeWelcome, frame.TypeTestResponse:
		t.log.Append(f.Message, OriginDevice)
	case frame.TypeButton:
		t.log.Append("[device button] "+f.Message, OriginDevice)
	default:
		if f.Message != "" {
			t.log.Append(f.Message, OriginDevice)
		}
		// No message, nothing worth showing
	}
}

func (t *Transport) logPrefix() string {
	if len(t.cfg.HardwareUUID) >= 8 {
		return t.cfg.HardwareUUID[:8] + " app"
	}
	return "app"
}
