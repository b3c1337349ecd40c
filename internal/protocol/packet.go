// Package protocol defines the wire format shared by connections, the mesh
// registry and mesh nodes. All multi-byte integers are big-endian.
package protocol

import "net/netip"

// EnvelopeSize is the 4-byte protocol id that prefixes every control datagram.
const EnvelopeSize = 4

// ReliableHeaderSize is Sequence(4) + Ack(4) + AckBits(4).
const ReliableHeaderSize = 12

// Inbound mesh message types (node → mesh).
const (
	TypeJoinRequest uint8 = 0x00
	TypeKeepAlive   uint8 = 0x01
)

// Outbound mesh message types (mesh → node).
const (
	TypeConnectionAccepted uint8 = 0x00
	TypeMembershipUpdate   uint8 = 0x01
)

// ControlHeaderSize is Envelope(4) + Type(1).
const ControlHeaderSize = EnvelopeSize + 1

// AcceptedSize is the full ConnectionAccepted datagram: header + Slot(1) + TableSize(1).
const AcceptedSize = ControlHeaderSize + 2

// MemberRowSize is Address(4) + Port(2) + PeerID(4).
const MemberRowSize = 10

// ReliableHeader carries the sender's sequence and its view of the peer's
// packets.
type ReliableHeader struct {
	Sequence uint32
	Ack      uint32
	AckBits  uint32
}

// Member is one row of a MembershipUpdate. A zero Addr marks an empty slot.
type Member struct {
	Addr netip.AddrPort
	ID   uint32
}
