// Package reliability tracks delivery feedback for an unreliable datagram
// link: outgoing ack fields, incoming ack processing, RTT, loss and bandwidth.
// Nothing here retransmits; loss is reported, never corrected.
package reliability

import (
	"fmt"
	"time"

	"github.com/1ureka/netmesh/internal/sequence"
)

const (
	// RTTMaximum bounds RTT samples and sets the retention window of the
	// sent and acked queues.
	RTTMaximum = time.Second

	// HeaderSize is the reliable header: sequence(4) + ack(4) + ackBits(4).
	HeaderSize = 12

	rttSmoothing = 0.1
	ackWindow    = 32
)

// Tracker is the per-link reliability state. It is not safe for concurrent
// use; the owning connection drives it from a single goroutine.
type Tracker struct {
	maxSequence uint32

	localSequence  uint32
	remoteSequence uint32
	anyReceived    bool

	sent       *sequence.Queue
	pendingAck *sequence.Queue
	received   *sequence.Queue
	acked      *sequence.Queue

	acks []uint32

	sentPackets     uint32
	receivedPackets uint32
	lostPackets     uint32
	ackedPackets    uint32

	sentBytesTotal     uint64
	receivedBytesTotal uint64

	rtt            time.Duration
	sentBandwidth  float64
	ackedBandwidth float64
}

// NewTracker creates a tracker for the sequence space [0, maxSequence].
func NewTracker(maxSequence uint32) *Tracker {
	return &Tracker{
		maxSequence: maxSequence,
		sent:        sequence.NewQueue(maxSequence),
		pendingAck:  sequence.NewQueue(maxSequence),
		received:    sequence.NewQueue(maxSequence),
		acked:       sequence.NewQueue(maxSequence),
	}
}

// Reset clears all queues and counters.
func (t *Tracker) Reset() {
	t.localSequence = 0
	t.remoteSequence = 0
	t.anyReceived = false
	t.sent.Reset()
	t.pendingAck.Reset()
	t.received.Reset()
	t.acked.Reset()
	t.acks = t.acks[:0]
	t.sentPackets = 0
	t.receivedPackets = 0
	t.lostPackets = 0
	t.ackedPackets = 0
	t.sentBytesTotal = 0
	t.receivedBytesTotal = 0
	t.rtt = 0
	t.sentBandwidth = 0
	t.ackedBandwidth = 0
}

// PacketSent records the packet that was just sent with LocalSequence and
// advances the local sequence.
func (t *Tracker) PacketSent(size int) {
	seq := t.localSequence
	if t.sent.Exists(seq) {
		// The sequence space is small enough to lap the retention window.
		t.sent.Remove(seq)
		t.pendingAck.Remove(seq)
	}
	t.sent.InsertSorted(sequence.Record{Sequence: seq, Size: size})
	t.pendingAck.InsertSorted(sequence.Record{Sequence: seq, Size: size})

	t.sentPackets++
	t.sentBytesTotal += uint64(size)
	t.localSequence = sequence.Next(t.localSequence, t.maxSequence)
}

// PacketReceived records an inbound packet. Duplicates are counted but not
// queued.
func (t *Tracker) PacketReceived(seq uint32, size int) {
	t.receivedPackets++
	t.receivedBytesTotal += uint64(size)
	if t.received.Exists(seq) {
		return
	}
	t.received.InsertSorted(sequence.Record{Sequence: seq, Size: size})
	if !t.anyReceived || sequence.MoreRecent(seq, t.remoteSequence, t.maxSequence) {
		t.remoteSequence = seq
		t.anyReceived = true
	}
}

// GenerateAckBits returns the ack anchor and the bitfield describing the 32
// sequences received before it.
func (t *Tracker) GenerateAckBits() (ack, bits uint32) {
	return t.remoteSequence, GenerateAckBits(t.remoteSequence, t.received, t.maxSequence)
}

// ProcessAck consumes an inbound ack field, moving matched pending packets to
// the acked queue and folding their ages into the RTT estimate.
func (t *Tracker) ProcessAck(ack, bits uint32) {
	t.acks, t.ackedPackets, t.rtt = ProcessAck(ack, bits,
		t.pendingAck, t.acked, t.acks, t.ackedPackets, t.rtt, t.maxSequence)
}

// Update ages all records by dt, evicts what fell out of the retention
// windows and recomputes bandwidth. The newly acked list is cleared first.
func (t *Tracker) Update(dt time.Duration) {
	t.acks = t.acks[:0]

	t.sent.Advance(dt)
	t.received.Advance(dt)
	t.pendingAck.Advance(dt)
	t.acked.Advance(dt)

	t.sent.EvictOlderThan(RTTMaximum)
	t.acked.EvictOlderThan(RTTMaximum)
	t.lostPackets += uint32(t.pendingAck.EvictOlderThan(2 * RTTMaximum))

	if t.anyReceived {
		remote := t.remoteSequence
		t.received.EvictFunc(func(r sequence.Record) bool {
			return sequence.Distance(remote, r.Sequence, t.maxSequence) > ackWindow
		})
	}

	t.sentBandwidth = bandwidth(t.sent.Bytes())
	t.ackedBandwidth = bandwidth(t.acked.Bytes())
}

// Validate checks the ordering invariant of every queue.
func (t *Tracker) Validate() error {
	queues := []struct {
		name string
		q    *sequence.Queue
	}{
		{"sent", t.sent},
		{"pending ack", t.pendingAck},
		{"received", t.received},
		{"acked", t.acked},
	}
	for _, e := range queues {
		if err := e.q.Verify(); err != nil {
			return fmt.Errorf("%s queue: %w", e.name, err)
		}
	}
	return nil
}

func (t *Tracker) MaxSequence() uint32     { return t.maxSequence }
func (t *Tracker) LocalSequence() uint32   { return t.localSequence }
func (t *Tracker) RemoteSequence() uint32  { return t.remoteSequence }
func (t *Tracker) SentPackets() uint32     { return t.sentPackets }
func (t *Tracker) ReceivedPackets() uint32 { return t.receivedPackets }
func (t *Tracker) LostPackets() uint32     { return t.lostPackets }
func (t *Tracker) AckedPackets() uint32    { return t.ackedPackets }
func (t *Tracker) SentBytes() uint64       { return t.sentBytesTotal }
func (t *Tracker) ReceivedBytes() uint64   { return t.receivedBytesTotal }
func (t *Tracker) RTT() time.Duration      { return t.rtt }
func (t *Tracker) HeaderSize() int         { return HeaderSize }

// SentBandwidth is the send rate over the last RTTMaximum, in kbit/s.
func (t *Tracker) SentBandwidth() float64 { return t.sentBandwidth }

// AckedBandwidth is the acknowledged rate over the last RTTMaximum, in kbit/s.
func (t *Tracker) AckedBandwidth() float64 { return t.ackedBandwidth }

// Acks returns the sequences acked since the last Update. The slice is
// reused on the next Update.
func (t *Tracker) Acks() []uint32 { return t.acks }

// PendingAcks returns the number of sent packets still awaiting an ack.
func (t *Tracker) PendingAcks() int { return t.pendingAck.Len() }

func bandwidth(bytes int) float64 {
	return float64(bytes) * 8 / 1000 / RTTMaximum.Seconds()
}
