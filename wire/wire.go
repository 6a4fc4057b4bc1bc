package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/companion-blue/logger"
	"github.com/user/companion-blue/util"
)

// ErrConnectionRefused is returned by Connect when the remote device's
// accept policy turned the connection down (e.g. a peripheral that already
// has an admitted central).
var ErrConnectionRefused = errors.New("connection refused by remote device")

// ErrNotSubscribed is returned by Notify when the peer has not enabled
// notifications on the characteristic.
var ErrNotSubscribed = errors.New("peer not subscribed to characteristic")

// ErrPayloadTooLarge is returned when a payload exceeds the usable MTU of
// the connection. The wire never truncates.
var ErrPayloadTooLarge = errors.New("payload exceeds negotiated MTU")

const (
	handshakeAccepted = 0x01
	handshakeRefused  = 0x00

	// responseTimeout bounds waits for MTU responses and write acks so a
	// dead peer cannot hang the caller.
	responseTimeout = 2 * time.Second
)

// peerConn is one established connection to a remote device.
type peerConn struct {
	c      net.Conn
	sendMu sync.Mutex // serializes length-prefixed writes

	mu   sync.Mutex
	mtu  int             // negotiated MTU, starts at DefaultMTU
	subs map[string]bool // characteristic UUID -> notifications enabled

	mtuWait chan int    // pending local MTU request, nil when none in flight
	ackWait chan string // pending write ack, nil when none in flight
}

// Wire simulates one device's BLE radio over a Unix domain socket at
// {dataDir}/sockets/companion-{hardwareUUID}.sock. Advertising data and
// GATT tables live in per-device files and are discovered by scanning the
// filesystem, simulating over-the-air discovery.
type Wire struct {
	hardwareUUID string
	socketPath   string
	listener     net.Listener

	mu            sync.RWMutex
	conns         map[string]*peerConn // peer UUID -> connection
	stopListening chan struct{}

	handlerMu sync.RWMutex
	handler   func(peerUUID string, msg *Message)

	callbackMu   sync.RWMutex
	connectCb    func(peerUUID string)
	disconnectCb func(peerUUID string)
	subscribeCb  func(peerUUID, charUUID string)
	acceptPolicy func(peerUUID string) bool

	wg sync.WaitGroup
}

// NewWire creates a Wire for the given hardware UUID.
func NewWire(hardwareUUID string) *Wire {
	socketDir := util.GetSocketDir()
	return &Wire{
		hardwareUUID: hardwareUUID,
		socketPath:   filepath.Join(socketDir, fmt.Sprintf("companion-%s.sock", hardwareUUID)),
		conns:        make(map[string]*peerConn),
	}
}

// SetMessageHandler installs the handler for inbound operations. Called
// from the read goroutine of each connection; handlers must not block.
func (w *Wire) SetMessageHandler(handler func(peerUUID string, msg *Message)) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handler = handler
}

// SetConnectCallback installs the callback fired when a connection is
// established, on both the accepting and the dialing side.
func (w *Wire) SetConnectCallback(cb func(peerUUID string)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.connectCb = cb
}

// SetDisconnectCallback installs the callback fired when a connection
// closes for any reason.
func (w *Wire) SetDisconnectCallback(cb func(peerUUID string)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.disconnectCb = cb
}

// SetSubscribeCallback installs the callback fired when a peer subscribes
// to one of our characteristics.
func (w *Wire) SetSubscribeCallback(cb func(peerUUID, charUUID string)) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.subscribeCb = cb
}

// SetAcceptPolicy installs the admission check consulted for every inbound
// connection attempt. A nil policy accepts everyone. The policy runs on the
// accept goroutine and must return quickly.
func (w *Wire) SetAcceptPolicy(policy func(peerUUID string) bool) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.acceptPolicy = policy
}

// Start begins listening on the Unix domain socket.
func (w *Wire) Start() error {
	os.Remove(w.socketPath)

	listener, err := net.Listen("unix", w.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.socketPath, err)
	}

	w.mu.Lock()
	w.listener = listener
	w.stopListening = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.acceptLoop()

	logger.Trace(w.logPrefix(), "socket listener created at %s", w.socketPath)
	return nil
}

// Stop shuts the wire down and closes all connections. Safe to call more
// than once.
func (w *Wire) Stop() {
	w.mu.Lock()
	if w.stopListening == nil {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopListening:
		// Already stopped
		w.mu.Unlock()
		return
	default:
		close(w.stopListening)
	}
	listener := w.listener
	conns := w.conns
	w.conns = make(map[string]*peerConn)
	w.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, pc := range conns {
		pc.c.Close()
	}

	w.wg.Wait()
	os.Remove(w.socketPath)
}

func (w *Wire) logPrefix() string {
	if len(w.hardwareUUID) >= 8 {
		return w.hardwareUUID[:8] + " wire"
	}
	return w.hardwareUUID + " wire"
}

func (w *Wire) acceptLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopListening:
			return
		default:
		}

		if ul, ok := w.listener.(*net.UnixListener); ok {
			ul.SetDeadline(time.Now().Add(1 * time.Second))
		}

		c, err := w.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-w.stopListening:
				return
			default:
				logger.Warn(w.logPrefix(), "accept error: %v", err)
				continue
			}
		}

		w.wg.Add(1)
		go w.handleInbound(c)
	}
}

// handleInbound performs the server side of the handshake: read the
// dialer's UUID, consult the accept policy, answer with a status byte.
func (w *Wire) handleInbound(c net.Conn) {
	defer w.wg.Done()

	var uuidLen uint32
	if err := binary.Read(c, binary.BigEndian, &uuidLen); err != nil {
		logger.Warn(w.logPrefix(), "failed to read UUID length from inbound connection: %v", err)
		c.Close()
		return
	}
	if uuidLen == 0 || uuidLen > 256 {
		c.Close()
		return
	}

	uuidBytes := make([]byte, uuidLen)
	if _, err := io.ReadFull(c, uuidBytes); err != nil {
		logger.Warn(w.logPrefix(), "failed to read UUID from inbound connection: %v", err)
		c.Close()
		return
	}
	peerUUID := string(uuidBytes)

	w.callbackMu.RLock()
	policy := w.acceptPolicy
	w.callbackMu.RUnlock()

	if policy != nil && !policy(peerUUID) {
		logger.Info(w.logPrefix(), "refused connection attempt from %s", shortUUID(peerUUID))
		c.Write([]byte{handshakeRefused})
		c.Close()
		return
	}

	if _, err := c.Write([]byte{handshakeAccepted}); err != nil {
		c.Close()
		return
	}

	pc := w.addConn(peerUUID, c)
	if pc == nil {
		// Duplicate connection from the same peer
		c.Close()
		return
	}

	logger.Debug(w.logPrefix(), "accepted connection from %s", shortUUID(peerUUID))
	w.fireConnect(peerUUID)

	w.readLoop(peerUUID, pc)
}

// Connect establishes a connection to a remote device's socket.
func (w *Wire) Connect(targetUUID string) error {
	w.mu.RLock()
	_, exists := w.conns[targetUUID]
	w.mu.RUnlock()
	if exists {
		return fmt.Errorf("already connected to %s", shortUUID(targetUUID))
	}

	socketDir := util.GetSocketDir()
	targetPath := filepath.Join(socketDir, fmt.Sprintf("companion-%s.sock", targetUUID))
	c, err := net.DialTimeout("unix", targetPath, responseTimeout)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", shortUUID(targetUUID), err)
	}

	// Handshake: our UUID, then the remote's accept/refuse status byte
	uuidBytes := []byte(w.hardwareUUID)
	if err := binary.Write(c, binary.BigEndian, uint32(len(uuidBytes))); err != nil {
		c.Close()
		return fmt.Errorf("failed to send UUID length: %w", err)
	}
	if _, err := c.Write(uuidBytes); err != nil {
		c.Close()
		return fmt.Errorf("failed to send UUID: %w", err)
	}

	status := make([]byte, 1)
	c.SetReadDeadline(time.Now().Add(responseTimeout))
	if _, err := io.ReadFull(c, status); err != nil {
		c.Close()
		return fmt.Errorf("handshake with %s failed: %w", shortUUID(targetUUID), err)
	}
	c.SetReadDeadline(time.Time{})

	if status[0] != handshakeAccepted {
		c.Close()
		return ErrConnectionRefused
	}

	pc := w.addConn(targetUUID, c)
	if pc == nil {
		c.Close()
		return fmt.Errorf("already connected to %s", shortUUID(targetUUID))
	}

	logger.Info(w.logPrefix(), "connected to %s at wire level", shortUUID(targetUUID))
	w.fireConnect(targetUUID)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.readLoop(targetUUID, pc)
	}()

	return nil
}

// Disconnect closes the connection to a peer. The read loop observes the
// close and fires the disconnect callback.
func (w *Wire) Disconnect(targetUUID string) error {
	w.mu.RLock()
	pc, exists := w.conns[targetUUID]
	w.mu.RUnlock()
	if !exists {
		return fmt.Errorf("not connected to %s", shortUUID(targetUUID))
	}
	pc.c.Close()
	return nil
}

// IsConnected reports whether a connection to the peer exists.
func (w *Wire) IsConnected(peerUUID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.conns[peerUUID]
	return ok
}

// ConnectedPeers returns the UUIDs of all connected peers.
func (w *Wire) ConnectedPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]string, 0, len(w.conns))
	for uuid := range w.conns {
		peers = append(peers, uuid)
	}
	return peers
}

// MTU returns the negotiated MTU for a peer, or DefaultMTU when unknown.
func (w *Wire) MTU(peerUUID string) int {
	w.mu.RLock()
	pc, ok := w.conns[peerUUID]
	w.mu.RUnlock()
	if !ok {
		return DefaultMTU
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.mtu
}

// addConn registers a connection, returning nil when one already exists.
func (w *Wire) addConn(peerUUID string, c net.Conn) *peerConn {
	pc := &peerConn{
		c:    c,
		mtu:  DefaultMTU,
		subs: make(map[string]bool),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.conns[peerUUID]; exists {
		return nil
	}
	w.conns[peerUUID] = pc
	return pc
}

func (w *Wire) removeConn(peerUUID string, pc *peerConn) {
	w.mu.Lock()
	if current, ok := w.conns[peerUUID]; ok && current == pc {
		delete(w.conns, peerUUID)
	}
	w.mu.Unlock()
	pc.c.Close()
}

func (w *Wire) fireConnect(peerUUID string) {
	w.callbackMu.RLock()
	cb := w.connectCb
	w.callbackMu.RUnlock()
	if cb != nil {
		cb(peerUUID)
	}
}

func (w *Wire) fireDisconnect(peerUUID string) {
	w.callbackMu.RLock()
	cb := w.disconnectCb
	w.callbackMu.RUnlock()
	if cb != nil {
		cb(peerUUID)
	}
}

// readLoop reads length-prefixed JSON messages from a connection until it
// closes, then cleans up and fires the disconnect callback.
func (w *Wire) readLoop(peerUUID string, pc *peerConn) {
	for {
		var msgLen uint32
		if err := binary.Read(pc.c, binary.BigEndian, &msgLen); err != nil {
			if err != io.EOF {
				logger.Trace(w.logPrefix(), "read error from %s: %v", shortUUID(peerUUID), err)
			}
			break
		}
		if msgLen > 1<<20 {
			logger.Warn(w.logPrefix(), "oversized wire message from %s (%d bytes), closing", shortUUID(peerUUID), msgLen)
			break
		}

		msgData := make([]byte, msgLen)
		if _, err := io.ReadFull(pc.c, msgData); err != nil {
			logger.Warn(w.logPrefix(), "failed to read message from %s: %v", shortUUID(peerUUID), err)
			break
		}

		var msg Message
		if err := json.Unmarshal(msgData, &msg); err != nil {
			logger.Warn(w.logPrefix(), "failed to parse message from %s: %v", shortUUID(peerUUID), err)
			continue
		}
		msg.SenderUUID = peerUUID

		logger.TraceJSON(w.logPrefix(), fmt.Sprintf("RX %s from %s (%d bytes)", msg.Op, shortUUID(peerUUID), len(msg.Data)), &msg)

		w.handleMessage(peerUUID, pc, &msg)
	}

	w.removeConn(peerUUID, pc)
	logger.Debug(w.logPrefix(), "connection closed from %s", shortUUID(peerUUID))
	w.fireDisconnect(peerUUID)
}

// handleMessage routes one inbound operation. Subscription bookkeeping and
// MTU negotiation are resolved here; data operations go to the handler.
func (w *Wire) handleMessage(peerUUID string, pc *peerConn, msg *Message) {
	switch msg.Op {
	case OpMTURequest:
		granted := msg.MTU
		if granted > MaxMTU {
			granted = MaxMTU
		}
		if granted < DefaultMTU {
			granted = DefaultMTU
		}
		pc.mu.Lock()
		pc.mtu = granted
		pc.mu.Unlock()
		logger.Debug(w.logPrefix(), "MTU negotiated with %s: %d bytes", shortUUID(peerUUID), granted)
		w.sendMessage(pc, &Message{Op: OpMTUResponse, MTU: granted})

	case OpMTUResponse:
		pc.mu.Lock()
		pc.mtu = msg.MTU
		waiter := pc.mtuWait
		pc.mtuWait = nil
		pc.mu.Unlock()
		if waiter != nil {
			waiter <- msg.MTU
		}

	case OpSubscribe:
		pc.mu.Lock()
		pc.subs[msg.CharacteristicUUID] = true
		pc.mu.Unlock()
		logger.Debug(w.logPrefix(), "%s subscribed to %s", shortUUID(peerUUID), shortUUID(msg.CharacteristicUUID))
		w.callbackMu.RLock()
		cb := w.subscribeCb
		w.callbackMu.RUnlock()
		if cb != nil {
			cb(peerUUID, msg.CharacteristicUUID)
		}

	case OpUnsubscribe:
		pc.mu.Lock()
		delete(pc.subs, msg.CharacteristicUUID)
		pc.mu.Unlock()
		logger.Debug(w.logPrefix(), "%s unsubscribed from %s", shortUUID(peerUUID), shortUUID(msg.CharacteristicUUID))

	case OpWriteAck:
		pc.mu.Lock()
		waiter := pc.ackWait
		pc.ackWait = nil
		pc.mu.Unlock()
		if waiter != nil {
			waiter <- msg.Status
		}

	case OpWrite:
		w.dispatch(peerUUID, msg)
		w.sendMessage(pc, &Message{
			Op:                 OpWriteAck,
			ServiceUUID:        msg.ServiceUUID,
			CharacteristicUUID: msg.CharacteristicUUID,
			Status:             "ok",
		})

	default:
		w.dispatch(peerUUID, msg)
	}
}

func (w *Wire) dispatch(peerUUID string, msg *Message) {
	w.handlerMu.RLock()
	handler := w.handler
	w.handlerMu.RUnlock()
	if handler != nil {
		handler(peerUUID, msg)
	}
}

// sendMessage writes one length-prefixed JSON message to a connection.
func (w *Wire) sendMessage(pc *peerConn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal wire message: %w", err)
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := binary.Write(pc.c, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write message length: %w", err)
	}
	if _, err := pc.c.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (w *Wire) conn(peerUUID string) (*peerConn, error) {
	w.mu.RLock()
	pc, ok := w.conns[peerUUID]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("not connected to %s", shortUUID(peerUUID))
	}
	return pc, nil
}

// RequestMTU performs an MTU exchange with the peer and returns the
// granted value. Only one exchange may be in flight per connection.
func (w *Wire) RequestMTU(peerUUID string, want int) (int, error) {
	pc, err := w.conn(peerUUID)
	if err != nil {
		return 0, err
	}

	waiter := make(chan int, 1)
	pc.mu.Lock()
	if pc.mtuWait != nil {
		pc.mu.Unlock()
		return 0, fmt.Errorf("MTU exchange already in flight with %s", shortUUID(peerUUID))
	}
	pc.mtuWait = waiter
	pc.mu.Unlock()

	if err := w.sendMessage(pc, &Message{Op: OpMTURequest, MTU: want}); err != nil {
		pc.mu.Lock()
		pc.mtuWait = nil
		pc.mu.Unlock()
		return 0, err
	}

	select {
	case granted := <-waiter:
		return granted, nil
	case <-time.After(responseTimeout):
		pc.mu.Lock()
		pc.mtuWait = nil
		pc.mu.Unlock()
		return 0, fmt.Errorf("MTU exchange with %s timed out", shortUUID(peerUUID))
	}
}

// Subscribe enables notifications from the peer on a characteristic.
func (w *Wire) Subscribe(peerUUID, serviceUUID, charUUID string) error {
	pc, err := w.conn(peerUUID)
	if err != nil {
		return err
	}
	return w.sendMessage(pc, &Message{
		Op:                 OpSubscribe,
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: charUUID,
	})
}

// Unsubscribe disables notifications from the peer on a characteristic.
func (w *Wire) Unsubscribe(peerUUID, serviceUUID, charUUID string) error {
	pc, err := w.conn(peerUUID)
	if err != nil {
		return err
	}
	return w.sendMessage(pc, &Message{
		Op:                 OpUnsubscribe,
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: charUUID,
	})
}

// WriteCharacteristic writes a value to a peer's characteristic. With
// withResponse set the call blocks until the peer acknowledges (write
// request); otherwise it is fire-and-forget (write command).
func (w *Wire) WriteCharacteristic(peerUUID, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	pc, err := w.conn(peerUUID)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	usable := pc.mtu - AttHeaderSize
	pc.mu.Unlock()
	if len(data) > usable {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), usable)
	}

	if !withResponse {
		return w.sendMessage(pc, &Message{
			Op:                 OpWriteNoResponse,
			ServiceUUID:        serviceUUID,
			CharacteristicUUID: charUUID,
			Data:               data,
		})
	}

	waiter := make(chan string, 1)
	pc.mu.Lock()
	if pc.ackWait != nil {
		pc.mu.Unlock()
		return fmt.Errorf("acknowledged write already in flight with %s", shortUUID(peerUUID))
	}
	pc.ackWait = waiter
	pc.mu.Unlock()

	err = w.sendMessage(pc, &Message{
		Op:                 OpWrite,
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: charUUID,
		Data:               data,
	})
	if err != nil {
		pc.mu.Lock()
		pc.ackWait = nil
		pc.mu.Unlock()
		return err
	}

	select {
	case status := <-waiter:
		if status != "ok" {
			return fmt.Errorf("write to %s rejected: %s", shortUUID(peerUUID), status)
		}
		return nil
	case <-time.After(responseTimeout):
		pc.mu.Lock()
		pc.ackWait = nil
		pc.mu.Unlock()
		return fmt.Errorf("write ack from %s timed out", shortUUID(peerUUID))
	}
}

// Notify pushes a characteristic value to a subscribed peer. Fails when
// the peer has not subscribed or the payload exceeds the usable MTU.
func (w *Wire) Notify(peerUUID, serviceUUID, charUUID string, data []byte) error {
	pc, err := w.conn(peerUUID)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	subscribed := pc.subs[charUUID]
	usable := pc.mtu - AttHeaderSize
	pc.mu.Unlock()

	if !subscribed {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, shortUUID(charUUID))
	}
	if len(data) > usable {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), usable)
	}

	return w.sendMessage(pc, &Message{
		Op:                 OpNotify,
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: charUUID,
		Data:               data,
	})
}

func shortUUID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
