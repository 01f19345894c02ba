package mcu

import "encoding/binary"

// ringCapacity is the MCU offline ring's fixed size: 128 entries of 4 bytes
// each, held in RAM while the link is down (spec §3, §4.8 "MCU offline
// buffer").
const ringCapacity = 128

// EntryType tags a ring Entry's payload kind (spec §4.8).
type EntryType byte

const (
	EntryReport       EntryType = 0x01
	EntryActionResult EntryType = 0x02
)

// Entry is one 4-byte ring slot: type byte, flags byte, 16-bit big-endian
// value (spec §3 "MCU IR (binary)").
type Entry struct {
	Type  EntryType
	Flags byte
	Value uint16
}

func (e Entry) encode() [4]byte {
	var b [4]byte
	b[0] = byte(e.Type)
	b[1] = e.Flags
	binary.BigEndian.PutUint16(b[2:4], e.Value)
	return b
}

// Ring is the MCU's fixed-capacity, statically-allocated offline queue: no
// allocation after construction, drop-oldest on overflow (spec §4.8 "MCU
// offline buffer", testable property 10).
type Ring struct {
	entries [ringCapacity]Entry
	head    int // index of the oldest entry
	len     int
	dropped int
	online  bool
}

// NewRing creates an empty, statically-sized Ring.
func NewRing() *Ring {
	return &Ring{}
}

// Enqueue appends entry, dropping the oldest on overflow and incrementing
// Dropped (spec §4.8, testable property 10: "after > 128 enqueues, length =
// 128 and dropped equals the excess").
func (r *Ring) Enqueue(entry Entry) {
	if r.len == ringCapacity {
		r.head = (r.head + 1) % ringCapacity
		r.dropped++
		r.len--
	}
	idx := (r.head + r.len) % ringCapacity
	r.entries[idx] = entry
	r.len++
}

// Len returns the current number of buffered entries.
func (r *Ring) Len() int { return r.len }

// Dropped returns the cumulative count of entries discarded due to
// capacity.
func (r *Ring) Dropped() int { return r.dropped }

// SetOnline flips the link-up flag the ring consults before flushing.
func (r *Ring) SetOnline(online bool) { r.online = online }

// Flush drains every buffered entry as raw 4-byte records, in FIFO order. A
// no-op returning nil when the link is down (spec §4.8 "Flush is a no-op
// when the link is down").
func (r *Ring) Flush() [][4]byte {
	if !r.online || r.len == 0 {
		return nil
	}
	out := make([][4]byte, 0, r.len)
	for i := 0; i < r.len; i++ {
		idx := (r.head + i) % ringCapacity
		out = append(out, r.entries[idx].encode())
	}
	r.head = 0
	r.len = 0
	return out
}
