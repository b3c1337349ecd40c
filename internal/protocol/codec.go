package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Seal prefixes payload with the protocol id.
func Seal(protocolID uint32, payload []byte) []byte {
	buf := make([]byte, EnvelopeSize+len(payload))
	binary.BigEndian.PutUint32(buf[:EnvelopeSize], protocolID)
	copy(buf[EnvelopeSize:], payload)
	return buf
}

// Open checks the protocol id and returns the payload that follows it. The
// returned slice aliases data.
func Open(protocolID uint32, data []byte) ([]byte, error) {
	if len(data) < EnvelopeSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), EnvelopeSize)
	}
	if got := binary.BigEndian.Uint32(data[:EnvelopeSize]); got != protocolID {
		return nil, fmt.Errorf("protocol id mismatch: got %08x, want %08x", got, protocolID)
	}
	return data[EnvelopeSize:], nil
}

// PutReliableHeader writes h into the first ReliableHeaderSize bytes of buf.
func PutReliableHeader(buf []byte, h ReliableHeader) {
	binary.BigEndian.PutUint32(buf[0:4], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], h.Ack)
	binary.BigEndian.PutUint32(buf[8:12], h.AckBits)
}

// EncodeReliable returns header followed by payload.
func EncodeReliable(h ReliableHeader, payload []byte) []byte {
	buf := make([]byte, ReliableHeaderSize+len(payload))
	PutReliableHeader(buf, h)
	copy(buf[ReliableHeaderSize:], payload)
	return buf
}

// DecodeReliable splits data into its reliable header and payload. The
// returned payload aliases data.
func DecodeReliable(data []byte) (ReliableHeader, []byte, error) {
	if len(data) < ReliableHeaderSize {
		return ReliableHeader{}, nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), ReliableHeaderSize)
	}
	h := ReliableHeader{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
		Ack:      binary.BigEndian.Uint32(data[4:8]),
		AckBits:  binary.BigEndian.Uint32(data[8:12]),
	}
	return h, data[ReliableHeaderSize:], nil
}

// EncodeControl builds a body-less mesh control datagram (JoinRequest or
// KeepAlive).
func EncodeControl(protocolID uint32, typ uint8) []byte {
	buf := make([]byte, ControlHeaderSize)
	binary.BigEndian.PutUint32(buf[:EnvelopeSize], protocolID)
	buf[EnvelopeSize] = typ
	return buf
}

// EncodeAccepted builds a ConnectionAccepted datagram.
func EncodeAccepted(protocolID uint32, slot, tableSize uint8) []byte {
	buf := make([]byte, AcceptedSize)
	binary.BigEndian.PutUint32(buf[:EnvelopeSize], protocolID)
	buf[EnvelopeSize] = TypeConnectionAccepted
	buf[EnvelopeSize+1] = slot
	buf[EnvelopeSize+2] = tableSize
	return buf
}

// DecodeAccepted parses the body of a ConnectionAccepted datagram, i.e. what
// follows the control header.
func DecodeAccepted(body []byte) (slot, tableSize uint8, err error) {
	if len(body) != AcceptedSize-ControlHeaderSize {
		return 0, 0, fmt.Errorf("invalid accepted body: %d bytes", len(body))
	}
	return body[0], body[1], nil
}

// EncodeMembership builds a MembershipUpdate datagram with one row per
// member. Non-IPv4 addresses are written as empty rows.
func EncodeMembership(protocolID uint32, members []Member) []byte {
	buf := make([]byte, ControlHeaderSize+len(members)*MemberRowSize)
	binary.BigEndian.PutUint32(buf[:EnvelopeSize], protocolID)
	buf[EnvelopeSize] = TypeMembershipUpdate

	row := buf[ControlHeaderSize:]
	for _, m := range members {
		if m.Addr.IsValid() && m.Addr.Addr().Is4() {
			ip := m.Addr.Addr().As4()
			copy(row[0:4], ip[:])
			binary.BigEndian.PutUint16(row[4:6], m.Addr.Port())
			binary.BigEndian.PutUint32(row[6:10], m.ID)
		}
		row = row[MemberRowSize:]
	}
	return buf
}

// DecodeMembership parses the body of a MembershipUpdate datagram. An
// all-zero address decodes to the zero AddrPort.
func DecodeMembership(body []byte) ([]Member, error) {
	if len(body)%MemberRowSize != 0 {
		return nil, fmt.Errorf("invalid membership body: %d bytes is not a multiple of %d", len(body), MemberRowSize)
	}
	members := make([]Member, len(body)/MemberRowSize)
	for i := range members {
		row := body[i*MemberRowSize : (i+1)*MemberRowSize]
		ip := netip.AddrFrom4([4]byte(row[0:4]))
		port := binary.BigEndian.Uint16(row[4:6])
		if !ip.IsUnspecified() || port != 0 {
			members[i].Addr = netip.AddrPortFrom(ip, port)
		}
		members[i].ID = binary.BigEndian.Uint32(row[6:10])
	}
	return members, nil
}

// ParseControl checks the envelope of a mesh control datagram and returns its
// type byte and body.
func ParseControl(protocolID uint32, data []byte) (uint8, []byte, error) {
	payload, err := Open(protocolID, data)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), ControlHeaderSize)
	}
	return payload[0], payload[1:], nil
}
