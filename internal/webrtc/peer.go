// Package webrtc binds transport.Datagram to a WebRTC data channel so that a
// connection.Connection can run between two peers that only
// share a signaling path.
package webrtc

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/netmesh/internal/util"
)

// Role decides which side creates the SDP offer.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

// A data channel has exactly one remote end, so each side reports a fixed
// synthetic address for itself and its peer.
var (
	HostAddr   = netip.MustParseAddrPort("192.0.2.1:1")
	ClientAddr = netip.MustParseAddrPort("192.0.2.2:1")
)

// Peer wraps a single PeerConnection + DataChannel pair. It exposes the
// signaling hooks used by the signaling package and implements
// transport.Datagram once the channel is open.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type Peer struct {
	role Role
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel

	openSignal chan struct{}
	inbox      chan []byte
	opened     bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewPeer creates a Peer backed by a new PeerConnection and a pre-negotiated
// unreliable DataChannel. iceServers may be empty for same-LAN peers.
func NewPeer(ctx context.Context, role Role, iceServers []string) (*Peer, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	pCtx, pCancel := context.WithCancel(ctx)

	p := &Peer{
		role:       role,
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		inbox:      make(chan []byte, inboxSize),
		ctx:        pCtx,
		cancel:     pCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(p.openSignal) })
	})

	dc.OnClose(func() {
		util.LogInfo("webrtc: data channel closed")
		pCancel()
	})

	dc.OnMessage(p.deliver)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("webrtc: peer connection state %s", state)
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
	})

	return p, nil
}

// Ready is closed once the DataChannel is open.
func (p *Peer) Ready() <-chan struct{} {
	return p.openSignal
}

// Done is closed when the DataChannel closes or the parent context ends.
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

func (p *Peer) Role() Role { return p.role }

// RemoteAddr is the synthetic address inbound datagrams are reported from.
func (p *Peer) RemoteAddr() netip.AddrPort {
	if p.role == RoleHost {
		return ClientAddr
	}
	return HostAddr
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// shutdown closes the DataChannel and PeerConnection.
func (p *Peer) shutdown() error {
	p.cancel()
	return errors.Join(p.dc.Close(), p.pc.Close())
}

func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel (ID 0) so both sides can
// create it without OnDataChannel. It is unordered with no retransmissions:
// loss and reordering are left to the reliability layer above.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	retransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("netmesh", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}
