// Package connection implements a single-peer virtual connection over a
// datagram endpoint: a client/server handshake bound to one remote address,
// protocol-id filtering, idle timeouts and optional reliability tracking.
package connection

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/netmesh/internal/protocol"
	"github.com/1ureka/netmesh/internal/reliability"
	"github.com/1ureka/netmesh/internal/transport"
	"github.com/1ureka/netmesh/internal/util"
)

// Mode is the role chosen by Listen or Connect.
type Mode int

const (
	ModeNone Mode = iota
	ModeClient
	ModeServer
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "none"
	}
}

// State is the handshake state.
type State int

const (
	Disconnected State = iota
	Listening
	Connecting
	ConnectFail
	Connected
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Connecting:
		return "connecting"
	case ConnectFail:
		return "connect failed"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNoPeer         = errors.New("connection: no peer address bound")
	ErrAlreadyStarted = errors.New("connection: already started")
)

// Connection is not safe for concurrent use. The host calls Update once per
// tick and drains ReceivePacket from the same goroutine.
type Connection struct {
	protocolID uint32
	timeout    time.Duration
	factory    transport.Factory
	policy     Policy

	sock    transport.Datagram
	running bool

	mode       Mode
	state      State
	address    netip.AddrPort
	timeoutAcc time.Duration

	tracker   *reliability.Tracker
	sendCount uint32

	onConnect    func(netip.AddrPort)
	onDisconnect func()
}

// Option configures a Connection.
type Option func(*Connection)

// WithReliability embeds a reliability tracker over [0, maxSequence] and adds
// the reliable header to every datagram.
func WithReliability(maxSequence uint32) Option {
	return func(c *Connection) { c.tracker = reliability.NewTracker(maxSequence) }
}

// WithTransport selects the datagram binding. The default is UDP.
func WithTransport(f transport.Factory) Option {
	return func(c *Connection) { c.factory = f }
}

// WithPolicy installs a send/receive filter consulted before real I/O.
func WithPolicy(p Policy) Option {
	return func(c *Connection) { c.policy = p }
}

// New creates a stopped connection.
func New(protocolID uint32, timeout time.Duration, opts ...Option) *Connection {
	c := &Connection{
		protocolID: protocolID,
		timeout:    timeout,
		factory:    transport.UDPFactory,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnConnect registers a callback fired when the handshake completes.
func (c *Connection) OnConnect(fn func(netip.AddrPort)) { c.onConnect = fn }

// OnDisconnect registers a callback fired when a connected peer is lost or a
// connect attempt times out.
func (c *Connection) OnDisconnect(fn func()) { c.onDisconnect = fn }

// Start opens the endpoint on port.
func (c *Connection) Start(port uint16) error {
	if c.running {
		return ErrAlreadyStarted
	}
	sock := c.factory()
	if err := sock.Open(port); err != nil {
		return fmt.Errorf("start connection on port %d: %w", port, err)
	}
	util.LogDebug("connection: started on port %d", port)
	c.sock = sock
	c.running = true
	return nil
}

// Stop closes the endpoint. It is safe to call at any point and more than
// once.
func (c *Connection) Stop() {
	if !c.running {
		return
	}
	util.LogDebug("connection: stopping")
	wasConnected := c.IsConnected()
	c.clearData()
	if err := c.sock.Close(); err != nil {
		util.LogWarning("connection: close endpoint: %v", err)
	}
	c.sock = nil
	c.running = false
	if wasConnected {
		c.disconnected()
	}
	c.resetTracker()
}

// Reset returns to Disconnected with no role, keeping the endpoint open.
func (c *Connection) Reset() {
	wasConnected := c.IsConnected()
	c.clearData()
	c.mode = ModeNone
	if wasConnected {
		c.disconnected()
	}
	c.resetTracker()
}

// Listen waits for the first client with a matching protocol id.
func (c *Connection) Listen() {
	c.mustRun()
	util.LogInfo("connection: server listening for connection")
	c.rearm()
	c.mode = ModeServer
	c.state = Listening
}

// Connect starts a handshake with the server at addr.
func (c *Connection) Connect(addr netip.AddrPort) {
	c.mustRun()
	util.LogInfo("connection: client connecting to %s", addr)
	c.rearm()
	c.mode = ModeClient
	c.state = Connecting
	c.address = addr
}

func (c *Connection) rearm() {
	wasConnected := c.IsConnected()
	c.clearData()
	if wasConnected {
		c.disconnected()
	}
}

// Update advances the idle timer by dt and, for reliable connections, the
// tracker.
func (c *Connection) Update(dt time.Duration) {
	c.mustRun()
	c.timeoutAcc += dt
	if c.timeoutAcc > c.timeout {
		switch c.state {
		case Connecting:
			util.LogInfo("connection: connect to %s timed out", c.address)
			c.clearData()
			c.state = ConnectFail
			c.disconnected()
		case Connected:
			util.LogInfo("connection: connection to %s timed out", c.address)
			c.clearData()
			c.disconnected()
		}
	}
	if c.tracker != nil {
		c.tracker.Update(dt)
	}
}

// SendPacket sends payload to the bound peer.
func (c *Connection) SendPacket(payload []byte) error {
	c.mustRun()
	if !c.address.IsValid() {
		return ErrNoPeer
	}

	var body []byte
	seq := c.sendCount
	if c.tracker != nil {
		seq = c.tracker.LocalSequence()
		ack, bits := c.tracker.GenerateAckBits()
		body = protocol.EncodeReliable(protocol.ReliableHeader{Sequence: seq, Ack: ack, AckBits: bits}, payload)
	} else {
		body = payload
	}
	datagram := protocol.Seal(c.protocolID, body)

	if c.policy != nil && !c.policy.AllowSend(seq, datagram) {
		c.packetSent(len(payload))
		return nil
	}
	if err := c.sock.Send(c.address, datagram); err != nil {
		return fmt.Errorf("send to %s: %w", c.address, err)
	}
	c.packetSent(len(payload))
	return nil
}

func (c *Connection) packetSent(size int) {
	c.sendCount++
	if c.tracker != nil {
		c.tracker.PacketSent(size)
	}
}

// ReceivePacket returns the next payload from the bound peer. Datagrams with
// a foreign protocol id, from other senders, or too short to carry a payload
// are dropped; ok is false once the endpoint has nothing left.
func (c *Connection) ReceivePacket() ([]byte, bool) {
	c.mustRun()
	for {
		from, data, ok := c.sock.Receive()
		if !ok {
			return nil, false
		}
		if payload, ok := c.accept(from, data); ok {
			return payload, true
		}
		util.Stats.AddDropped()
	}
}

func (c *Connection) accept(from netip.AddrPort, data []byte) ([]byte, bool) {
	if c.policy != nil && !c.policy.AllowReceive(from, data) {
		return nil, false
	}
	if len(data) <= protocol.EnvelopeSize {
		return nil, false
	}
	body, err := protocol.Open(c.protocolID, data)
	if err != nil {
		util.LogDebug("connection: drop datagram from %s: %v", from, err)
		return nil, false
	}

	if c.mode == ModeServer && !c.IsConnected() {
		util.LogInfo("connection: server accepts connection from client %s", from)
		c.state = Connected
		c.address = from
		c.connected()
	}
	if from != c.address {
		return nil, false
	}
	if c.mode == ModeClient && c.state == Connecting {
		util.LogInfo("connection: client completes connection with server %s", from)
		c.state = Connected
		c.connected()
	}
	c.timeoutAcc = 0

	if c.tracker == nil {
		return body, true
	}
	if len(body) <= protocol.ReliableHeaderSize {
		return nil, false
	}
	h, payload, err := protocol.DecodeReliable(body)
	if err != nil {
		return nil, false
	}
	c.tracker.PacketReceived(h.Sequence, len(payload))
	c.tracker.ProcessAck(h.Ack, h.AckBits)
	return payload, true
}

func (c *Connection) connected() {
	if c.onConnect != nil {
		c.onConnect(c.address)
	}
}

func (c *Connection) disconnected() {
	c.resetTracker()
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *Connection) resetTracker() {
	if c.tracker != nil {
		c.tracker.Reset()
	}
}

func (c *Connection) clearData() {
	c.state = Disconnected
	c.timeoutAcc = 0
	c.address = netip.AddrPort{}
}

func (c *Connection) mustRun() {
	if !c.running {
		panic("connection: operation on a stopped connection")
	}
}

func (c *Connection) IsRunning() bool         { return c.running }
func (c *Connection) IsListening() bool       { return c.state == Listening }
func (c *Connection) IsConnecting() bool      { return c.state == Connecting }
func (c *Connection) ConnectFailed() bool     { return c.state == ConnectFail }
func (c *Connection) IsConnected() bool       { return c.state == Connected }
func (c *Connection) Mode() Mode              { return c.mode }
func (c *Connection) State() State            { return c.state }
func (c *Connection) Address() netip.AddrPort { return c.address }
func (c *Connection) ProtocolID() uint32      { return c.protocolID }
func (c *Connection) Timeout() time.Duration  { return c.timeout }

// Reliability returns the embedded tracker, or nil for an unreliable
// connection.
func (c *Connection) Reliability() *reliability.Tracker { return c.tracker }

// HeaderSize is the per-datagram overhead added to every payload.
func (c *Connection) HeaderSize() int {
	if c.tracker != nil {
		return protocol.EnvelopeSize + protocol.ReliableHeaderSize
	}
	return protocol.EnvelopeSize
}

// LocalAddr is the bound endpoint address, or the zero value when stopped.
func (c *Connection) LocalAddr() netip.AddrPort {
	if c.sock == nil {
		return netip.AddrPort{}
	}
	return c.sock.LocalAddr()
}
