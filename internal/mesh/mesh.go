// Package mesh implements the rendezvous registry: a fixed table of peer
// slots filled by join requests, kept alive by keep-alives, and broadcast to
// every joined node as a membership snapshot.
package mesh

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
	DefaultMaxPeers = 255
	DefaultSendRate = 250 * time.Millisecond
	DefaultTimeout  = 10 * time.Second
)

var (
	ErrInvalidSlot    = errors.New("mesh: slot out of range")
	ErrAddressInUse   = errors.New("mesh: address already holds a slot")
	ErrAlreadyStarted = errors.New("mesh: already started")
)

type slotMode int

const (
	slotFree slotMode = iota
	slotAccepting
	slotConnected
)

type slot struct {
	mode    slotMode
	address netip.AddrPort
	idle    time.Duration
}

// Registry is not safe for concurrent use.
type Registry struct {
	protocolID uint32
	sendRate   time.Duration
	timeout    time.Duration
	factory    transport.Factory

	sock    transport.Datagram
	running bool

	slots   []slot
	byAddr  map[netip.AddrPort]int
	sendAcc time.Duration
}

type Option func(*Registry)

// WithMaxPeers sets the slot table size, 1..255.
func WithMaxPeers(n int) Option {
	return func(r *Registry) {
		if n < 1 || n > 255 {
			panic(fmt.Sprintf("mesh: max peers %d out of range 1..255", n))
		}
		r.slots = make([]slot, n)
	}
}

// WithSendRate sets the interval between accept/membership broadcasts.
func WithSendRate(d time.Duration) Option {
	return func(r *Registry) { r.sendRate = d }
}

// WithTimeout sets how long a slot may stay silent before it is freed.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

func WithTransport(f transport.Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// New creates a stopped registry.
func New(protocolID uint32, opts ...Option) *Registry {
	r := &Registry{
		protocolID: protocolID,
		sendRate:   DefaultSendRate,
		timeout:    DefaultTimeout,
		factory:    transport.UDPFactory,
		slots:      make([]slot, DefaultMaxPeers),
		byAddr:     make(map[netip.AddrPort]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Start(port uint16) error {
	if r.running {
		return ErrAlreadyStarted
	}
	util.LogInfo("mesh: starting on port %d", port)
	sock := r.factory()
	if err := sock.Open(port); err != nil {
		return fmt.Errorf("start mesh on port %d: %w", port, err)
	}
	r.sock = sock
	r.running = true
	return nil
}

// Stop frees every slot and closes the endpoint. Calling it on a stopped
// registry does nothing.
func (r *Registry) Stop() {
	if !r.running {
		return
	}
	util.LogInfo("mesh: stopping")
	r.Reset()
	if err := r.sock.Close(); err != nil {
		util.LogWarning("mesh: close endpoint: %v", err)
	}
	r.sock = nil
	r.running = false
}

// Reset frees every slot, keeping the endpoint open.
func (r *Registry) Reset() {
	clear(r.slots)
	clear(r.byAddr)
	r.sendAcc = 0
}

// Reserve binds slot id to addr ahead of any join request, as if addr had
// just been accepted. The server's own node uses slot 0 this way.
func (r *Registry) Reserve(id int, addr netip.AddrPort) error {
	if id < 0 || id >= len(r.slots) {
		return fmt.Errorf("reserve slot %d: %w", id, ErrInvalidSlot)
	}
	if owner, ok := r.byAddr[addr]; ok && owner != id {
		return fmt.Errorf("reserve slot %d for %s: %w", id, addr, ErrAddressInUse)
	}
	util.LogInfo("mesh: reserving slot %d for %s", id, addr)
	r.free(id)
	r.slots[id] = slot{mode: slotAccepting, address: addr}
	r.byAddr[addr] = id
	return nil
}

// Update drains inbound control datagrams, sends whatever broadcasts are due
// and frees slots that went silent.
func (r *Registry) Update(dt time.Duration) {
	r.mustRun()
	r.receive()
	r.broadcast(dt)
	r.sweep(dt)
}

func (r *Registry) receive() {
	for {
		from, data, ok := r.sock.Receive()
		if !ok {
			return
		}
		r.process(from, data)
	}
}

func (r *Registry) process(from netip.AddrPort, data []byte) {
	typ, _, err := protocol.ParseControl(r.protocolID, data)
	if err != nil {
		util.LogDebug("mesh: drop datagram from %s: %v", from, err)
		util.Stats.AddDropped()
		return
	}

	id, known := r.byAddr[from]
	switch typ {
	case protocol.TypeJoinRequest:
		if !known {
			r.accept(from)
			return
		}
		if r.slots[id].mode == slotAccepting {
			r.slots[id].idle = 0
		}
	case protocol.TypeKeepAlive:
		if !known {
			return
		}
		s := &r.slots[id]
		if s.mode == slotAccepting {
			util.LogInfo("mesh: peer %d at %s joined", id, s.address)
			s.mode = slotConnected
		}
		s.idle = 0
	default:
		util.LogDebug("mesh: unknown control type %d from %s", typ, from)
	}
}

// accept places from in the first free slot. A full table answers nothing;
// the joiner gives up on its own timeout.
func (r *Registry) accept(from netip.AddrPort) {
	for id := range r.slots {
		if r.slots[id].mode != slotFree {
			continue
		}
		util.LogInfo("mesh: accepting %s as peer %d", from, id)
		r.slots[id] = slot{mode: slotAccepting, address: from}
		r.byAddr[from] = id
		return
	}
	util.LogDebug("mesh: no free slot for %s", from)
}

func (r *Registry) broadcast(dt time.Duration) {
	r.sendAcc += dt
	for r.sendAcc > r.sendRate {
		var snapshot []byte
		for id, s := range r.slots {
			switch s.mode {
			case slotAccepting:
				r.send(s.address, protocol.EncodeAccepted(r.protocolID, uint8(id), uint8(len(r.slots))))
			case slotConnected:
				if snapshot == nil {
					snapshot = protocol.EncodeMembership(r.protocolID, r.Snapshot())
				}
				r.send(s.address, snapshot)
			}
		}
		r.sendAcc -= r.sendRate
	}
}

func (r *Registry) send(to netip.AddrPort, b []byte) {
	if err := r.sock.Send(to, b); err != nil {
		util.LogDebug("mesh: send to %s: %v", to, err)
	}
}

func (r *Registry) sweep(dt time.Duration) {
	for id := range r.slots {
		s := &r.slots[id]
		if s.mode == slotFree {
			continue
		}
		s.idle += dt
		if s.idle > r.timeout {
			util.LogInfo("mesh: peer %d at %s timed out", id, s.address)
			r.free(id)
		}
	}
}

func (r *Registry) free(id int) {
	s := r.slots[id]
	if s.mode != slotFree {
		delete(r.byAddr, s.address)
	}
	r.slots[id] = slot{}
}

// Snapshot returns one membership row per slot. Free slots are zero rows;
// accepting slots are listed with their address.
func (r *Registry) Snapshot() []protocol.Member {
	members := make([]protocol.Member, len(r.slots))
	for id, s := range r.slots {
		if s.mode != slotFree {
			members[id] = protocol.Member{Addr: s.address, ID: uint32(id)}
		}
	}
	return members
}

func (r *Registry) mustRun() {
	if !r.running {
		panic("mesh: operation on a stopped registry")
	}
}

// IsPeerConnected reports whether slot id has completed its join.
func (r *Registry) IsPeerConnected(id int) bool {
	return id >= 0 && id < len(r.slots) && r.slots[id].mode == slotConnected
}

// PeerAddress returns the address bound to slot id, or the zero value for a
// free or out-of-range slot.
func (r *Registry) PeerAddress(id int) netip.AddrPort {
	if id < 0 || id >= len(r.slots) {
		return netip.AddrPort{}
	}
	return r.slots[id].address
}

func (r *Registry) MaxPeers() int   { return len(r.slots) }
func (r *Registry) IsRunning() bool { return r.running }

func (r *Registry) LocalAddr() netip.AddrPort {
	if r.sock == nil {
		return netip.AddrPort{}
	}
	return r.sock.LocalAddr()
}
