package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/netmesh/internal/sequence"
)

const testMax = 255

func TestBitIndexForSequence(t *testing.T) {
	testCases := []struct {
		seq, ack uint32
		want     uint32
	}{
		{99, 100, 0},
		{90, 100, 9},
		{0, 1, 0},
		{255, 0, 0},
		{255, 1, 1},
		{254, 1, 2},
		{254, 2, 3},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, BitIndexForSequence(tc.seq, tc.ack, testMax), "seq=%d ack=%d", tc.seq, tc.ack)
	}
}

func queueOf(seqs ...uint32) *sequence.Queue {
	q := sequence.NewQueue(testMax)
	for _, s := range seqs {
		q.InsertSorted(sequence.Record{Sequence: s})
	}
	return q
}

func seqRange(from, to uint32) []uint32 {
	var out []uint32
	for i := from; i <= to; i++ {
		out = append(out, i&testMax)
	}
	return out
}

func TestGenerateAckBits(t *testing.T) {
	received := queueOf(seqRange(0, 31)...)
	require.NoError(t, received.Verify())

	testCases := []struct {
		ack  uint32
		want uint32
	}{
		{32, 0xFFFFFFFF},
		{31, 0x7FFFFFFF},
		{33, 0xFFFFFFFE},
		{16, 0x0000FFFF},
		{48, 0xFFFF0000},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, GenerateAckBits(tc.ack, received, testMax), "ack=%d", tc.ack)
	}
}

func TestGenerateAckBitsWrapAround(t *testing.T) {
	received := queueOf(seqRange(224, 255)...)
	require.NoError(t, received.Verify())

	testCases := []struct {
		ack  uint32
		want uint32
	}{
		{0, 0xFFFFFFFF},
		{255, 0x7FFFFFFF},
		{1, 0xFFFFFFFE},
		{240, 0x0000FFFF},
		{16, 0xFFFF0000},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, GenerateAckBits(tc.ack, received, testMax), "ack=%d", tc.ack)
	}
}

func TestProcessAck(t *testing.T) {
	testCases := []struct {
		name       string
		pending    []uint32
		ack, bits  uint32
		wantAcks   []uint32
		wantRemain int
	}{
		{"all 33", seqRange(0, 32), 32, 0xFFFFFFFF, seqRange(0, 32), 0},
		{"lower half", seqRange(0, 32), 32, 0x0000FFFF, seqRange(16, 32), 16},
		{"ack ahead of pending", seqRange(0, 31), 48, 0xFFFF0000, seqRange(16, 31), 16},
		{"wrap all 33", seqRange(224, 256), 0, 0xFFFFFFFF, seqRange(224, 256), 0},
		{"wrap lower half", seqRange(224, 256), 0, 0x0000FFFF, seqRange(240, 256), 16},
		{"wrap ack ahead", seqRange(224, 255), 16, 0xFFFF0000, seqRange(240, 255), 16},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pending := queueOf(tc.pending...)
			acked := sequence.NewQueue(testMax)

			acks, ackedPackets, _ := ProcessAck(tc.ack, tc.bits, pending, acked, nil, 0, 0, testMax)

			assert.Equal(t, tc.wantAcks, acks)
			assert.Equal(t, uint32(len(tc.wantAcks)), ackedPackets)
			assert.Equal(t, tc.wantRemain, pending.Len())
			assert.Equal(t, len(tc.wantAcks), acked.Len())
			require.NoError(t, acked.Verify())
			require.NoError(t, pending.Verify())
		})
	}
}

func TestProcessAckUpdatesRTT(t *testing.T) {
	pending := sequence.NewQueue(testMax)
	pending.InsertSorted(sequence.Record{Sequence: 0, Age: 100 * time.Millisecond})
	pending.InsertSorted(sequence.Record{Sequence: 1, Age: 5 * time.Second})

	_, _, rtt := ProcessAck(0, 0, pending, sequence.NewQueue(testMax), nil, 0, 0, testMax)
	assert.Equal(t, 10*time.Millisecond, rtt)

	// Stale samples are clamped to RTTMaximum.
	_, _, rtt = ProcessAck(1, 0, pending, sequence.NewQueue(testMax), nil, 0, rtt, testMax)
	assert.Equal(t, 10*time.Millisecond+99*time.Millisecond, rtt)
}

func TestTrackerExchange(t *testing.T) {
	a := NewTracker(sequence.Max)
	b := NewTracker(sequence.Max)
	dt := 10 * time.Millisecond

	for i := 0; i < 50; i++ {
		seq := a.LocalSequence()
		a.PacketSent(100)
		b.PacketReceived(seq, 100)

		ack, bits := b.GenerateAckBits()
		bseq := b.LocalSequence()
		b.PacketSent(100)
		a.PacketReceived(bseq, 100)
		a.ProcessAck(ack, bits)

		require.NoError(t, a.Validate())
		require.NoError(t, b.Validate())

		a.Update(dt)
		b.Update(dt)
	}

	assert.Equal(t, uint32(50), a.SentPackets())
	assert.Equal(t, uint32(50), a.AckedPackets())
	assert.Equal(t, uint32(50), b.ReceivedPackets())
	assert.Equal(t, uint32(0), a.LostPackets())
	assert.Equal(t, 0, a.PendingAcks())
	assert.Equal(t, uint32(49), b.RemoteSequence())
	assert.Equal(t, uint64(5000), a.SentBytes())
	assert.Greater(t, a.SentBandwidth(), 0.0)
	assert.Greater(t, a.AckedBandwidth(), 0.0)
}

func TestTrackerCountsLoss(t *testing.T) {
	tr := NewTracker(sequence.Max)
	for i := 0; i < 5; i++ {
		tr.PacketSent(10)
	}

	tr.Update(RTTMaximum)
	assert.Equal(t, uint32(0), tr.LostPackets())
	assert.Equal(t, 5, tr.PendingAcks())

	tr.Update(RTTMaximum + time.Millisecond)
	assert.Equal(t, uint32(5), tr.LostPackets())
	assert.Equal(t, 0, tr.PendingAcks())
	assert.Zero(t, tr.SentBandwidth())
}

func TestTrackerAcksClearedOnUpdate(t *testing.T) {
	tr := NewTracker(sequence.Max)
	tr.PacketSent(10)
	tr.PacketSent(10)
	tr.ProcessAck(1, 0x1)

	assert.Equal(t, []uint32{0, 1}, tr.Acks())
	tr.Update(time.Millisecond)
	assert.Empty(t, tr.Acks())
}

func TestTrackerReceivedDuplicatesAndOutOfOrder(t *testing.T) {
	tr := NewTracker(testMax)
	tr.PacketReceived(5, 1)
	tr.PacketReceived(3, 1)
	tr.PacketReceived(5, 1)

	assert.Equal(t, uint32(5), tr.RemoteSequence())
	assert.Equal(t, uint32(3), tr.ReceivedPackets())

	ack, bits := tr.GenerateAckBits()
	assert.Equal(t, uint32(5), ack)
	assert.Equal(t, uint32(0x2), bits)
}

func TestTrackerReceivedWindow(t *testing.T) {
	tr := NewTracker(testMax)
	for i := uint32(0); i < 40; i++ {
		tr.PacketReceived(i, 1)
	}
	tr.Update(time.Millisecond)

	ack, bits := tr.GenerateAckBits()
	assert.Equal(t, uint32(39), ack)
	assert.Equal(t, uint32(0xFFFFFFFF), bits)
	require.NoError(t, tr.Validate())
}

func TestTrackerSmallSequenceSpaceWraps(t *testing.T) {
	tr := NewTracker(31)
	for i := 0; i < 100; i++ {
		tr.PacketSent(1)
		require.NoError(t, tr.Validate())
		tr.Update(200 * time.Millisecond)
	}
	assert.Equal(t, uint32(100%32), tr.LocalSequence())
	assert.Greater(t, tr.LostPackets(), uint32(80))
}

func TestTrackerResetIsIdempotent(t *testing.T) {
	tr := NewTracker(sequence.Max)
	tr.PacketSent(10)
	tr.PacketReceived(7, 10)
	tr.ProcessAck(0, 0)

	tr.Reset()
	first := *tr
	tr.Reset()

	assert.Equal(t, first.localSequence, tr.localSequence)
	assert.Equal(t, first.remoteSequence, tr.remoteSequence)
	assert.Zero(t, tr.SentPackets())
	assert.Zero(t, tr.AckedPackets())
	assert.Zero(t, tr.RTT())
	assert.Zero(t, tr.PendingAcks())
	assert.Empty(t, tr.Acks())
}
