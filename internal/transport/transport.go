// Package transport defines the datagram endpoint the protocol layers run on
// and ships the UDP and in-memory bindings.
package transport

import (
	"errors"
	"net/netip"
)

var (
	ErrNotOpen     = errors.New("transport: endpoint not open")
	ErrAlreadyOpen = errors.New("transport: endpoint already open")
	ErrPortInUse   = errors.New("transport: port in use")
)

// Datagram is an unreliable, unordered, connectionless endpoint. Receive
// never blocks. Implementations only need to be safe for use by a single
// owner goroutine, except that Close may race with a blocked reader.
type Datagram interface {
	// Open binds the endpoint to port. Port 0 picks an ephemeral port.
	Open(port uint16) error
	// Send is fire-and-forget; a nil error does not imply delivery.
	Send(dst netip.AddrPort, b []byte) error
	// Receive returns the next queued datagram, or ok=false if none is waiting.
	Receive() (from netip.AddrPort, b []byte, ok bool)
	LocalAddr() netip.AddrPort
	Close() error
}

// Factory creates a fresh, unopened endpoint. Every protocol instance calls
// it once and owns the result exclusively.
type Factory func() Datagram

// packet is one queued inbound datagram.
type packet struct {
	from netip.AddrPort
	data []byte
}
