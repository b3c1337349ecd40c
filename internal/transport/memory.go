package transport

import (
	"net/netip"
	"sync"
)

const firstEphemeralPort = 49152

// Network is an in-process datagram fabric. Every endpoint lives on the same
// host address and delivery is immediate and lossless unless a Filter drops
// the datagram. It makes handshake behavior deterministic in tests.
type Network struct {
	mu        sync.Mutex
	host      netip.Addr
	endpoints map[uint16]*Endpoint
	nextPort  uint16
	filter    Filter
}

// Filter decides whether a datagram from src to dst is delivered.
type Filter func(src, dst netip.AddrPort, b []byte) bool

// NewNetwork creates a fabric whose endpoints answer on 127.0.0.1.
func NewNetwork() *Network {
	return &Network{
		host:      netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		endpoints: make(map[uint16]*Endpoint),
		nextPort:  firstEphemeralPort,
	}
}

// Factory returns a Factory producing endpoints on this network.
func (n *Network) Factory() Factory {
	return func() Datagram { return &Endpoint{net: n} }
}

// SetFilter installs f for all subsequent sends. A nil filter delivers
// everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Host is the address every endpoint reports as its own.
func (n *Network) Host() netip.Addr { return n.host }

func (n *Network) bind(e *Endpoint, port uint16) (uint16, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if port == 0 {
		for {
			port = n.nextPort
			n.nextPort++
			if n.nextPort == 0 {
				n.nextPort = firstEphemeralPort
			}
			if _, taken := n.endpoints[port]; !taken {
				break
			}
		}
	} else if _, taken := n.endpoints[port]; taken {
		return 0, ErrPortInUse
	}
	n.endpoints[port] = e
	return port, nil
}

func (n *Network) unbind(port uint16) {
	n.mu.Lock()
	delete(n.endpoints, port)
	n.mu.Unlock()
}

func (n *Network) deliver(src, dst netip.AddrPort, b []byte) {
	n.mu.Lock()
	filter := n.filter
	target, ok := n.endpoints[dst.Port()]
	n.mu.Unlock()

	if !ok || (dst.Addr() != n.host && !dst.Addr().IsLoopback()) {
		return
	}
	if filter != nil && !filter(src, dst, b) {
		return
	}

	data := make([]byte, len(b))
	copy(data, b)
	target.push(packet{from: src, data: data})
}

// Endpoint is one Datagram on a Network.
type Endpoint struct {
	net  *Network
	port uint16

	mu    sync.Mutex
	queue []packet
}

func (e *Endpoint) Open(port uint16) error {
	if e.port != 0 {
		return ErrAlreadyOpen
	}
	bound, err := e.net.bind(e, port)
	if err != nil {
		return err
	}
	e.port = bound
	return nil
}

func (e *Endpoint) Send(dst netip.AddrPort, b []byte) error {
	if e.port == 0 {
		return ErrNotOpen
	}
	e.net.deliver(e.LocalAddr(), dst, b)
	return nil
}

func (e *Endpoint) Receive() (netip.AddrPort, []byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return netip.AddrPort{}, nil, false
	}
	p := e.queue[0]
	e.queue[0] = packet{}
	e.queue = e.queue[1:]
	return p.from, p.data, true
}

func (e *Endpoint) push(p packet) {
	e.mu.Lock()
	e.queue = append(e.queue, p)
	e.mu.Unlock()
}

func (e *Endpoint) LocalAddr() netip.AddrPort {
	if e.port == 0 {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(e.net.host, e.port)
}

func (e *Endpoint) Close() error {
	if e.port == 0 {
		return nil
	}
	e.net.unbind(e.port)
	e.port = 0
	e.mu.Lock()
	e.queue = nil
	e.mu.Unlock()
	return nil
}
