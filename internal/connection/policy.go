package connection

import "net/netip"

// Policy filters datagrams before they reach the endpoint. A send refused by
// AllowSend is counted as sent, so reliability sees it as lost in flight.
type Policy interface {
	AllowSend(seq uint32, datagram []byte) bool
	AllowReceive(from netip.AddrPort, datagram []byte) bool
}

// LossMask drops every outgoing datagram whose sequence has any mask bit
// set. A mask of 1 drops every odd sequence.
type LossMask uint32

func (m LossMask) AllowSend(seq uint32, _ []byte) bool { return seq&uint32(m) == 0 }

func (LossMask) AllowReceive(netip.AddrPort, []byte) bool { return true }

// PolicyFuncs adapts plain functions to a Policy. A nil field allows
// everything in that direction.
type PolicyFuncs struct {
	Send    func(seq uint32, datagram []byte) bool
	Receive func(from netip.AddrPort, datagram []byte) bool
}

func (p PolicyFuncs) AllowSend(seq uint32, datagram []byte) bool {
	return p.Send == nil || p.Send(seq, datagram)
}

func (p PolicyFuncs) AllowReceive(from netip.AddrPort, datagram []byte) bool {
	return p.Receive == nil || p.Receive(from, datagram)
}
