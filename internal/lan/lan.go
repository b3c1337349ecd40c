// Package lan combines a mesh registry, a mesh node and one reliability
// tracker per peer into a single peer-addressed transport. A hosting process
// runs the registry plus a local node that holds slot 0; every other process
// runs only a node.
package lan

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/netmesh/internal/mesh"
	"github.com/1ureka/netmesh/internal/node"
	"github.com/1ureka/netmesh/internal/protocol"
	"github.com/1ureka/netmesh/internal/reliability"
	"github.com/1ureka/netmesh/internal/transport"
	"github.com/1ureka/netmesh/internal/util"
)

// Transport is the peer-addressed API that callers program against.
type Transport interface {
	IsPeerConnected(id int) bool
	LocalPeerID() int
	MaxPeers() int
	SendPacket(id int, payload []byte) error
	ReceivePacket() (id int, payload []byte, ok bool)
	Reliability(id int) *reliability.Tracker
	Update(dt time.Duration)
	Stop()
}

var _ Transport = (*Session)(nil)

var (
	ErrAlreadyStarted = errors.New("lan: session already started")
	ErrInvalidAddress = errors.New("lan: invalid server address")
)

// Config holds the ports and timings of a session.
type Config struct {
	MeshPort      uint16
	ServerPort    uint16
	ClientPort    uint16
	ProtocolID    uint32
	MeshSendRate  time.Duration
	Timeout       time.Duration
	MaxPeers      int
	MaxPacketSize int
	MaxSequence   uint32
}

func DefaultConfig() Config {
	return Config{
		MeshPort:      30000,
		ClientPort:    30001,
		ServerPort:    30002,
		ProtocolID:    0x12345678,
		MeshSendRate:  250 * time.Millisecond,
		Timeout:       10 * time.Second,
		MaxPeers:      4,
		MaxPacketSize: node.DefaultMaxPacketSize,
		MaxSequence:   0xFFFFFFFF,
	}
}

var loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Session is not safe for concurrent use.
type Session struct {
	cfg     Config
	factory transport.Factory

	mesh     *mesh.Registry
	node     *node.Node
	trackers []*reliability.Tracker
}

// New creates an idle session whose endpoints are produced by factory.
func New(cfg Config, factory transport.Factory) *Session {
	return &Session{cfg: cfg, factory: factory}
}

// StartServer hosts a mesh on MeshPort and joins it with a local node on
// ServerPort, which is pre-assigned slot 0.
func (s *Session) StartServer() error {
	if s.node != nil {
		return ErrAlreadyStarted
	}
	util.LogInfo("lan: starting server")

	s.mesh = mesh.New(s.cfg.ProtocolID,
		mesh.WithMaxPeers(s.cfg.MaxPeers),
		mesh.WithSendRate(s.cfg.MeshSendRate),
		mesh.WithTimeout(s.cfg.Timeout),
		mesh.WithTransport(s.factory),
	)
	if err := s.mesh.Start(s.cfg.MeshPort); err != nil {
		s.Stop()
		return fmt.Errorf("lan server: %w", err)
	}
	if err := s.startNode(s.cfg.ServerPort); err != nil {
		s.Stop()
		return fmt.Errorf("lan server: %w", err)
	}
	if err := s.mesh.Reserve(0, netip.AddrPortFrom(loopback, s.cfg.ServerPort)); err != nil {
		s.Stop()
		return fmt.Errorf("lan server: %w", err)
	}
	s.node.Join(netip.AddrPortFrom(loopback, s.cfg.MeshPort))
	return nil
}

// ConnectClient joins the mesh at server, given as "a.b.c.d:port" or as a
// bare IPv4 address that implies MeshPort.
func (s *Session) ConnectClient(server string) error {
	if s.node != nil {
		return ErrAlreadyStarted
	}
	addr, err := s.parseServer(server)
	if err != nil {
		return err
	}
	util.LogInfo("lan: client connecting to %s", addr)
	if err := s.startNode(s.cfg.ClientPort); err != nil {
		s.Stop()
		return fmt.Errorf("lan client: %w", err)
	}
	s.node.Join(addr)
	return nil
}

func (s *Session) parseServer(server string) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddrPort(server); err == nil && addr.Addr().Is4() {
		return addr, nil
	}
	if ip, err := netip.ParseAddr(server); err == nil && ip.Is4() {
		return netip.AddrPortFrom(ip, s.cfg.MeshPort), nil
	}
	return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidAddress, server)
}

func (s *Session) startNode(port uint16) error {
	s.node = node.New(s.cfg.ProtocolID,
		node.WithSendRate(s.cfg.MeshSendRate),
		node.WithTimeout(s.cfg.Timeout),
		node.WithMaxPacketSize(s.cfg.MaxPacketSize),
		node.WithTransport(s.factory),
	)
	s.node.OnPeerConnected(func(id int, _ netip.AddrPort) { s.resetTracker(id) })
	s.node.OnPeerDisconnected(s.resetTracker)
	return s.node.Start(port)
}

// Stop shuts down whatever was started. It is safe to call more than once.
func (s *Session) Stop() {
	if s.mesh == nil && s.node == nil {
		return
	}
	util.LogInfo("lan: stop")
	if s.mesh != nil {
		s.mesh.Stop()
		s.mesh = nil
	}
	if s.node != nil {
		s.node.Stop()
		s.node = nil
	}
	s.trackers = nil
}

// Update advances the mesh, the node and every peer tracker by dt.
func (s *Session) Update(dt time.Duration) {
	if s.mesh != nil {
		s.mesh.Update(dt)
	}
	if s.node == nil {
		return
	}
	s.node.Update(dt)

	switch {
	case !s.node.IsJoined():
		s.trackers = nil
	case s.trackers == nil:
		s.trackers = make([]*reliability.Tracker, s.node.MaxPeers())
		for i := range s.trackers {
			s.trackers[i] = reliability.NewTracker(s.cfg.MaxSequence)
		}
	}
	for _, tr := range s.trackers {
		tr.Update(dt)
	}
}

// SendPacket prefixes payload with peer id's reliable header and sends it.
// The tracker counts the packet only when the send succeeds.
func (s *Session) SendPacket(id int, payload []byte) error {
	tr := s.Reliability(id)
	if tr == nil {
		if s.trackers == nil {
			return node.ErrNotJoined
		}
		return fmt.Errorf("send to peer %d: %w", id, node.ErrInvalidPeer)
	}
	ack, bits := tr.GenerateAckBits()
	packet := protocol.EncodeReliable(protocol.ReliableHeader{
		Sequence: tr.LocalSequence(),
		Ack:      ack,
		AckBits:  bits,
	}, payload)
	if err := s.node.SendPacket(id, packet); err != nil {
		return err
	}
	tr.PacketSent(len(payload))
	return nil
}

// ReceivePacket returns the next payload and the peer it came from, feeding
// its header to that peer's tracker. Datagrams too short to carry a payload
// are skipped.
func (s *Session) ReceivePacket() (int, []byte, bool) {
	if s.node == nil {
		return -1, nil, false
	}
	for {
		id, data, ok := s.node.ReceivePacket()
		if !ok {
			return -1, nil, false
		}
		tr := s.Reliability(id)
		if tr == nil || len(data) <= protocol.ReliableHeaderSize {
			util.Stats.AddDropped()
			continue
		}
		h, payload, err := protocol.DecodeReliable(data)
		if err != nil {
			util.Stats.AddDropped()
			continue
		}
		tr.PacketReceived(h.Sequence, len(payload))
		tr.ProcessAck(h.Ack, h.AckBits)
		return id, payload, true
	}
}

// Reliability returns the tracker for peer id, or nil before the join
// completes or for an out-of-range id.
func (s *Session) Reliability(id int) *reliability.Tracker {
	if id < 0 || id >= len(s.trackers) {
		return nil
	}
	return s.trackers[id]
}

func (s *Session) resetTracker(id int) {
	if tr := s.Reliability(id); tr != nil {
		tr.Reset()
	}
}

func (s *Session) IsConnected() bool   { return s.node != nil && s.node.IsJoined() }
func (s *Session) ConnectFailed() bool { return s.node != nil && s.node.JoinFailed() }
func (s *Session) IsServer() bool      { return s.mesh != nil }
func (s *Session) Config() Config      { return s.cfg }

func (s *Session) IsPeerConnected(id int) bool {
	return s.node != nil && s.node.IsPeerConnected(id)
}

func (s *Session) LocalPeerID() int {
	if s.node == nil {
		return -1
	}
	return s.node.LocalPeerID()
}

func (s *Session) MaxPeers() int {
	if s.node == nil {
		return 0
	}
	return s.node.MaxPeers()
}

// PeerAddress returns the address the node reaches peer id at.
func (s *Session) PeerAddress(id int) netip.AddrPort {
	if s.node == nil {
		return netip.AddrPort{}
	}
	return s.node.PeerAddress(id)
}

// Mesh returns the hosted registry, or nil on a client.
func (s *Session) Mesh() *mesh.Registry { return s.mesh }
