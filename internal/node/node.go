// Package node implements a mesh member: it joins a registry, keeps its view
// of the membership table current, and exchanges raw payloads directly with
// the other members.
package node

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/netmesh/internal/protocol"
	"github.com/1ureka/netmesh/internal/transport"
	"github.com/1ureka/netmesh/internal/util"
)

const (
	DefaultSendRate      = 250 * time.Millisecond
	DefaultTimeout       = 10 * time.Second
	DefaultMaxPacketSize = 1024
)

var (
	ErrNotJoined        = errors.New("node: not joined")
	ErrInvalidPeer      = errors.New("node: peer id out of range")
	ErrPeerNotConnected = errors.New("node: peer not connected")
	ErrPacketTooLarge   = errors.New("node: packet exceeds max packet size")
	ErrAlreadyStarted   = errors.New("node: already started")
)

type State int

const (
	Disconnected State = iota
	Joining
	Joined
	JoinFail
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case JoinFail:
		return "join failed"
	default:
		return "disconnected"
	}
}

var loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

type peer struct {
	connected bool
	address   netip.AddrPort
	id        uint32
}

type buffered struct {
	peer int
	data []byte
}

// Node is not safe for concurrent use.
type Node struct {
	protocolID    uint32
	sendRate      time.Duration
	timeout       time.Duration
	maxPacketSize int
	factory       transport.Factory

	sock    transport.Datagram
	running bool

	state    State
	meshAddr netip.AddrPort
	localID  int

	peers  []peer
	byAddr map[netip.AddrPort]int
	inbox  []buffered

	sendAcc time.Duration
	idle    time.Duration

	onPeerConnected    func(id int, addr netip.AddrPort)
	onPeerDisconnected func(id int)
}

type Option func(*Node)

func WithSendRate(d time.Duration) Option {
	return func(n *Node) { n.sendRate = d }
}

func WithTimeout(d time.Duration) Option {
	return func(n *Node) { n.timeout = d }
}

// WithMaxPacketSize bounds both outgoing and buffered inbound payloads.
func WithMaxPacketSize(size int) Option {
	return func(n *Node) { n.maxPacketSize = size }
}

func WithTransport(f transport.Factory) Option {
	return func(n *Node) { n.factory = f }
}

// New creates a stopped node.
func New(protocolID uint32, opts ...Option) *Node {
	n := &Node{
		protocolID:    protocolID,
		sendRate:      DefaultSendRate,
		timeout:       DefaultTimeout,
		maxPacketSize: DefaultMaxPacketSize,
		factory:       transport.UDPFactory,
		byAddr:        make(map[netip.AddrPort]int),
		localID:       -1,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// OnPeerConnected registers a callback fired when a membership update
// reports a new address in a slot.
func (n *Node) OnPeerConnected(fn func(id int, addr netip.AddrPort)) { n.onPeerConnected = fn }

// OnPeerDisconnected registers a callback fired when a membership update
// reports a previously connected slot as empty.
func (n *Node) OnPeerDisconnected(fn func(id int)) { n.onPeerDisconnected = fn }

func (n *Node) Start(port uint16) error {
	if n.running {
		return ErrAlreadyStarted
	}
	util.LogInfo("node: starting on port %d", port)
	sock := n.factory()
	if err := sock.Open(port); err != nil {
		return fmt.Errorf("start node on port %d: %w", port, err)
	}
	n.sock = sock
	n.running = true
	return nil
}

// Stop leaves the mesh and closes the endpoint. Calling it on a stopped node
// does nothing.
func (n *Node) Stop() {
	if !n.running {
		return
	}
	util.LogInfo("node: stopping")
	n.Reset()
	if err := n.sock.Close(); err != nil {
		util.LogWarning("node: close endpoint: %v", err)
	}
	n.sock = nil
	n.running = false
}

// Reset drops all membership state and returns to Disconnected, keeping the
// endpoint open.
func (n *Node) Reset() {
	n.clearData()
	n.state = Disconnected
}

// Join starts joining the registry at mesh, discarding any previous session.
func (n *Node) Join(mesh netip.AddrPort) {
	n.mustRun()
	util.LogInfo("node: joining mesh at %s", mesh)
	n.clearData()
	n.state = Joining
	n.meshAddr = mesh
}

// Update drains inbound datagrams, sends the join request or keep-alive when
// due and checks the idle timeout.
func (n *Node) Update(dt time.Duration) {
	n.mustRun()
	n.receive()
	n.heartbeat(dt)
	n.checkTimeout(dt)
}

// SendPacket sends payload as-is to peer id.
func (n *Node) SendPacket(id int, payload []byte) error {
	n.mustRun()
	if len(n.peers) == 0 {
		return ErrNotJoined
	}
	if id < 0 || id >= len(n.peers) {
		return fmt.Errorf("send to peer %d: %w", id, ErrInvalidPeer)
	}
	if !n.peers[id].connected {
		return fmt.Errorf("send to peer %d: %w", id, ErrPeerNotConnected)
	}
	if len(payload) > n.maxPacketSize {
		return fmt.Errorf("send %d bytes to peer %d: %w", len(payload), id, ErrPacketTooLarge)
	}
	if err := n.sock.Send(n.peers[id].address, payload); err != nil {
		return fmt.Errorf("send to peer %d: %w", id, err)
	}
	return nil
}

// ReceivePacket pops the oldest buffered payload and the slot it came from.
func (n *Node) ReceivePacket() (int, []byte, bool) {
	n.mustRun()
	if len(n.inbox) == 0 {
		return -1, nil, false
	}
	p := n.inbox[0]
	n.inbox[0] = buffered{}
	n.inbox = n.inbox[1:]
	return p.peer, p.data, true
}

func (n *Node) receive() {
	for {
		from, data, ok := n.sock.Receive()
		if !ok {
			return
		}
		if from == n.meshAddr {
			n.processMesh(data)
			continue
		}
		n.processPeer(from, data)
	}
}

func (n *Node) processMesh(data []byte) {
	typ, body, err := protocol.ParseControl(n.protocolID, data)
	if err != nil {
		util.LogDebug("node: drop mesh datagram: %v", err)
		util.Stats.AddDropped()
		return
	}

	switch typ {
	case protocol.TypeConnectionAccepted:
		slot, size, err := protocol.DecodeAccepted(body)
		if err != nil {
			util.LogDebug("node: drop mesh datagram: %v", err)
			return
		}
		if n.state == Joining {
			n.localID = int(slot)
			n.peers = make([]peer, size)
			n.state = Joined
			util.LogSuccess("node %d: joined mesh at %s", n.localID, n.meshAddr)
		}
		n.idle = 0
	case protocol.TypeMembershipUpdate:
		if len(body) != len(n.peers)*protocol.MemberRowSize {
			return
		}
		if n.state == Joined {
			members, err := protocol.DecodeMembership(body)
			if err != nil {
				util.LogDebug("node: drop mesh datagram: %v", err)
				return
			}
			n.merge(members)
		}
		n.idle = 0
	}
}

func (n *Node) merge(members []protocol.Member) {
	for i, m := range members {
		addr := n.resolve(m)
		p := &n.peers[i]
		if addr.IsValid() {
			if addr == p.address {
				continue
			}
			if p.connected {
				delete(n.byAddr, p.address)
			}
			*p = peer{connected: true, address: addr, id: m.ID}
			n.byAddr[addr] = i
			util.LogInfo("node %d: peer %d at %s connected", n.localID, m.ID, addr)
			if n.onPeerConnected != nil {
				n.onPeerConnected(i, addr)
			}
			continue
		}
		if p.connected {
			util.LogInfo("node %d: peer %d at %s disconnected", n.localID, p.id, p.address)
			delete(n.byAddr, p.address)
			*p = peer{}
			if n.onPeerDisconnected != nil {
				n.onPeerDisconnected(i)
			}
		}
	}
}

// resolve maps a membership row to a reachable address. The registry's own
// node is reported as 127.0.0.1 in slot 0; remote members reach it at the
// registry's IP instead.
func (n *Node) resolve(m protocol.Member) netip.AddrPort {
	if m.ID == 0 && n.localID != 0 && m.Addr.IsValid() && m.Addr.Addr() == loopback {
		return netip.AddrPortFrom(n.meshAddr.Addr(), m.Addr.Port())
	}
	return m.Addr
}

func (n *Node) processPeer(from netip.AddrPort, data []byte) {
	id, ok := n.byAddr[from]
	if !ok {
		util.LogDebug("node: drop datagram from unknown sender %s", from)
		util.Stats.AddDropped()
		return
	}
	if len(data) > n.maxPacketSize {
		util.LogDebug("node: drop %d byte datagram from peer %d", len(data), id)
		util.Stats.AddDropped()
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	n.inbox = append(n.inbox, buffered{peer: id, data: buf})
}

func (n *Node) heartbeat(dt time.Duration) {
	n.sendAcc += dt
	for n.sendAcc > n.sendRate {
		switch n.state {
		case Joining:
			n.send(protocol.EncodeControl(n.protocolID, protocol.TypeJoinRequest))
		case Joined:
			n.send(protocol.EncodeControl(n.protocolID, protocol.TypeKeepAlive))
		}
		n.sendAcc -= n.sendRate
	}
}

func (n *Node) send(b []byte) {
	if err := n.sock.Send(n.meshAddr, b); err != nil {
		util.LogDebug("node: send to mesh %s: %v", n.meshAddr, err)
	}
}

func (n *Node) checkTimeout(dt time.Duration) {
	if n.state != Joining && n.state != Joined {
		return
	}
	n.idle += dt
	if n.idle <= n.timeout {
		return
	}
	if n.state == Joining {
		util.LogWarning("node: join to %s failed", n.meshAddr)
		n.clearData()
		n.state = JoinFail
		return
	}
	util.LogWarning("node %d: mesh %s timed out", n.localID, n.meshAddr)
	n.clearData()
	n.state = Disconnected
}

func (n *Node) clearData() {
	n.peers = nil
	clear(n.byAddr)
	clear(n.inbox)
	n.inbox = n.inbox[:0]
	n.sendAcc = 0
	n.idle = 0
	n.localID = -1
	n.meshAddr = netip.AddrPort{}
}

func (n *Node) mustRun() {
	if !n.running {
		panic("node: operation on a stopped node")
	}
}

func (n *Node) IsRunning() bool             { return n.running }
func (n *Node) IsJoining() bool             { return n.state == Joining }
func (n *Node) JoinFailed() bool            { return n.state == JoinFail }
func (n *Node) IsJoined() bool              { return n.state == Joined }
func (n *Node) State() State                { return n.state }
func (n *Node) LocalPeerID() int            { return n.localID }
func (n *Node) MaxPeers() int               { return len(n.peers) }
func (n *Node) MeshAddress() netip.AddrPort { return n.meshAddr }
func (n *Node) MaxPacketSize() int          { return n.maxPacketSize }

// IsPeerConnected reports whether slot id holds a live member. Out-of-range
// ids, including any id before the join completes, report false.
func (n *Node) IsPeerConnected(id int) bool {
	return id >= 0 && id < len(n.peers) && n.peers[id].connected
}

// PeerAddress returns the address of slot id, or the zero value.
func (n *Node) PeerAddress(id int) netip.AddrPort {
	if id < 0 || id >= len(n.peers) {
		return netip.AddrPort{}
	}
	return n.peers[id].address
}

func (n *Node) LocalAddr() netip.AddrPort {
	if n.sock == nil {
		return netip.AddrPort{}
	}
	return n.sock.LocalAddr()
}
