// Package pool implements the index rotation used by staged transfer pools.
//
// A Ring tracks two cursors over n interchangeable slots: the fill cursor
// names the slot the current transfer writes into, and the read cursor names
// the slot whose previous transfer has completed and may be consumed. The
// cursors are always distinct, so the producer never touches the slot a
// consumer is draining. This pipelines transfers: each frame pays the cost
// of the copy issued one (or more) frames earlier.
package pool

// Ring rotates fill and read cursors over n slots.
//
// Ring is not safe for concurrent use; the owning transport serializes
// access under its own synchronization.
type Ring struct {
	n    int
	fill int
	read int
}

// MinSlots and MaxSlots bound the usable ring sizes. Two slots give
// single-frame pipelining; more trade latency for throughput.
const (
	MinSlots = 2
	MaxSlots = 4
)

// Clamp bounds a requested slot count to [MinSlots, MaxSlots].
func Clamp(n int) int {
	if n < MinSlots {
		return MinSlots
	}
	if n > MaxSlots {
		return MaxSlots
	}
	return n
}

// NewRing returns a ring over n slots. n is clamped to [MinSlots, MaxSlots].
func NewRing(n int) *Ring {
	r := &Ring{n: Clamp(n)}
	r.Reset()
	return r
}

// Len returns the number of slots.
func (r *Ring) Len() int { return r.n }

// FillIndex returns the slot the next transfer should write into.
func (r *Ring) FillIndex() int { return r.fill }

// ReadIndex returns the slot whose transfer completed on an earlier
// rotation and is ready to consume. Always distinct from FillIndex.
func (r *Ring) ReadIndex() int { return r.read }

// Advance rotates both cursors by one slot, modulo Len.
func (r *Ring) Advance() {
	r.fill = (r.fill + 1) % r.n
	r.read = (r.fill + 1) % r.n
}

// Reset returns the cursors to their initial positions. Call after the
// backing slots have been recreated (for example on a resize).
func (r *Ring) Reset() {
	r.fill = 0
	r.read = 1 % r.n
}
