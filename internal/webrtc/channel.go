package webrtc

import (
	"net/netip"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/netmesh/internal/transport"
	"github.com/1ureka/netmesh/internal/util"
)

const (
	highWaterMark = 256 * 1024 // drop outgoing datagrams while bufferedAmount exceeds this
	inboxSize     = 1024
)

// Factory hands p to a single protocol instance, which then owns it.
func (p *Peer) Factory() transport.Factory {
	return func() transport.Datagram { return p }
}

// Open marks the endpoint as owned. The port is meaningless on a data
// channel and is ignored.
func (p *Peer) Open(uint16) error {
	if p.opened {
		return transport.ErrAlreadyOpen
	}
	p.opened = true
	return nil
}

// Send writes b to the data channel regardless of dst, since the channel has
// one remote end. Datagrams sent before the channel opens or while its send
// buffer is above the high-water mark are dropped.
func (p *Peer) Send(_ netip.AddrPort, b []byte) error {
	if !p.opened {
		return transport.ErrNotOpen
	}
	select {
	case <-p.ctx.Done():
		return transport.ErrNotOpen
	default:
	}
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	if p.dc.BufferedAmount() > highWaterMark {
		util.LogDebug("webrtc: send buffer above high-water mark, dropping %d bytes", len(b))
		return nil
	}
	if err := p.dc.Send(b); err != nil {
		return err
	}
	util.Stats.AddSent(len(b))
	return nil
}

func (p *Peer) Receive() (netip.AddrPort, []byte, bool) {
	if !p.opened {
		return netip.AddrPort{}, nil, false
	}
	select {
	case b := <-p.inbox:
		return p.RemoteAddr(), b, true
	default:
		return netip.AddrPort{}, nil, false
	}
}

func (p *Peer) deliver(msg webrtc.DataChannelMessage) {
	util.Stats.AddRecv(len(msg.Data))
	select {
	case p.inbox <- msg.Data:
	default:
		util.LogDebug("webrtc: inbox full, dropping %d bytes", len(msg.Data))
	}
}

func (p *Peer) LocalAddr() netip.AddrPort {
	if p.role == RoleHost {
		return HostAddr
	}
	return ClientAddr
}

// Close shuts down the DataChannel and PeerConnection. Closing twice is
// harmless.
func (p *Peer) Close() error {
	p.opened = false
	return p.shutdown()
}
