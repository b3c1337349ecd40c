package reliability

import (
	"time"

	"github.com/1ureka/netmesh/internal/sequence"
)

// BitIndexForSequence returns the ack bit that represents seq relative to
// ack. seq must be older than ack.
func BitIndexForSequence(seq, ack, max uint32) uint32 {
	if seq > ack {
		// ack has wrapped past the end of the space.
		return uint32(uint64(ack) + (uint64(max) - uint64(seq)))
	}
	return ack - 1 - seq
}

// GenerateAckBits builds the 32-bit field for the received queue relative to
// ack: bit n is set when ack-(n+1) was received.
func GenerateAckBits(ack uint32, received *sequence.Queue, max uint32) uint32 {
	var bits uint32
	for _, r := range received.Records() {
		if r.Sequence == ack || sequence.MoreRecent(r.Sequence, ack, max) {
			continue
		}
		if idx := BitIndexForSequence(r.Sequence, ack, max); idx < ackWindow {
			bits |= 1 << idx
		}
	}
	return bits
}

// ProcessAck moves every pending record covered by (ack, bits) into acked,
// appends its sequence to acks and folds its age into rtt. It returns the
// updated acks list, acked counter and rtt.
func ProcessAck(ack, bits uint32, pending, acked *sequence.Queue, acks []uint32,
	ackedPackets uint32, rtt time.Duration, max uint32) ([]uint32, uint32, time.Duration) {

	if pending.Len() == 0 {
		return acks, ackedPackets, rtt
	}

	pending.EvictFunc(func(r sequence.Record) bool {
		matched := r.Sequence == ack
		if !matched && !sequence.MoreRecent(r.Sequence, ack, max) {
			if idx := BitIndexForSequence(r.Sequence, ack, max); idx < ackWindow {
				matched = bits&(1<<idx) != 0
			}
		}
		if !matched {
			return false
		}

		sample := min(r.Age, RTTMaximum)
		rtt += time.Duration(float64(sample-rtt) * rttSmoothing)

		acked.InsertSorted(r)
		acks = append(acks, r.Sequence)
		ackedPackets++
		return true
	})

	return acks, ackedPackets, rtt
}
