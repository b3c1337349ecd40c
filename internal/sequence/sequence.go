// Package sequence implements wraparound-aware sequence numbers and the
// recency-ordered record queue used by the reliability tracker.
package sequence

import (
	"fmt"
	"time"
)

// Max is the widest sequence space: the full uint32 range.
const Max uint32 = 0xFFFFFFFF

// MoreRecent reports whether s1 is more recent than s2 in a sequence space
// that wraps after max. It is valid as long as no gap exceeds max/2.
func MoreRecent(s1, s2, max uint32) bool {
	return (s1 > s2 && s1-s2 <= max/2) || (s2 > s1 && s2-s1 > max/2)
}

// Next returns the sequence following s, wrapping to 0 after max.
func Next(s, max uint32) uint32 {
	if s >= max {
		return 0
	}
	return s + 1
}

// Sub returns s-n modulo max+1.
func Sub(s, n, max uint32) uint32 {
	m := uint64(max) + 1
	return uint32((uint64(s) + m - uint64(n)%m) % m)
}

// Distance returns how many steps a lies ahead of b, modulo max+1.
func Distance(a, b, max uint32) uint32 {
	return Sub(a, b, max)
}

// Record is the metadata tracked for one sent or received packet.
type Record struct {
	Sequence uint32
	Age      time.Duration // elapsed since the packet was sent or received
	Size     int           // bytes
}

// Queue holds records in ascending recency order. It is not safe for
// concurrent use.
type Queue struct {
	records []Record
	max     uint32
}

// NewQueue creates an empty queue for the sequence space [0, max].
func NewQueue(max uint32) *Queue {
	return &Queue{max: max}
}

func (q *Queue) Len() int { return len(q.records) }

// Records returns the backing slice. Callers must not modify it.
func (q *Queue) Records() []Record { return q.records }

// Front returns the least recent record.
func (q *Queue) Front() (Record, bool) {
	if len(q.records) == 0 {
		return Record{}, false
	}
	return q.records[0], true
}

// Back returns the most recent record.
func (q *Queue) Back() (Record, bool) {
	if len(q.records) == 0 {
		return Record{}, false
	}
	return q.records[len(q.records)-1], true
}

// Exists reports whether a record with the given sequence is queued.
func (q *Queue) Exists(seq uint32) bool {
	for _, r := range q.records {
		if r.Sequence == seq {
			return true
		}
	}
	return false
}

// InsertSorted places r at its recency position. The caller guarantees that
// r.Sequence is not already queued.
func (q *Queue) InsertSorted(r Record) {
	n := len(q.records)
	switch {
	case n == 0:
		q.records = append(q.records, r)
	case !MoreRecent(r.Sequence, q.records[0].Sequence, q.max):
		q.records = append(q.records, Record{})
		copy(q.records[1:], q.records)
		q.records[0] = r
	case MoreRecent(r.Sequence, q.records[n-1].Sequence, q.max):
		q.records = append(q.records, r)
	default:
		for i := 1; i < n; i++ {
			if MoreRecent(q.records[i].Sequence, r.Sequence, q.max) {
				q.records = append(q.records, Record{})
				copy(q.records[i+1:], q.records[i:])
				q.records[i] = r
				return
			}
		}
		q.records = append(q.records, r)
	}
}

// Remove deletes the record with the given sequence and reports whether one
// was found.
func (q *Queue) Remove(seq uint32) bool {
	for i, r := range q.records {
		if r.Sequence == seq {
			q.records = append(q.records[:i], q.records[i+1:]...)
			return true
		}
	}
	return false
}

// Advance adds dt to the age of every record.
func (q *Queue) Advance(dt time.Duration) {
	for i := range q.records {
		q.records[i].Age += dt
	}
}

// EvictOlderThan drops every record whose age exceeds limit and returns the
// number removed.
func (q *Queue) EvictOlderThan(limit time.Duration) int {
	return q.EvictFunc(func(r Record) bool { return r.Age > limit })
}

// EvictFunc drops every record for which drop returns true, keeping the
// relative order of the rest.
func (q *Queue) EvictFunc(drop func(Record) bool) int {
	kept := q.records[:0]
	removed := 0
	for _, r := range q.records {
		if drop(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	clear(q.records[len(kept):])
	q.records = kept
	return removed
}

// Bytes returns the total size of all queued records.
func (q *Queue) Bytes() int {
	total := 0
	for _, r := range q.records {
		total += r.Size
	}
	return total
}

// Reset empties the queue.
func (q *Queue) Reset() {
	q.records = q.records[:0]
}

// Verify checks that every sequence lies within [0, max] and that the queue
// is in strictly ascending recency order.
func (q *Queue) Verify() error {
	for i, r := range q.records {
		if r.Sequence > q.max {
			return fmt.Errorf("sequence %d at index %d exceeds max %d", r.Sequence, i, q.max)
		}
		if i > 0 && !MoreRecent(r.Sequence, q.records[i-1].Sequence, q.max) {
			return fmt.Errorf("sequence %d at index %d is not more recent than %d", r.Sequence, i, q.records[i-1].Sequence)
		}
	}
	return nil
}
