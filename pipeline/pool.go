// Package pipeline - The frame buffer pool and the scheduler that turns
// captured frames into tracking and detection results.
//
// Two frame slots and two workers keep both buffers draining concurrently.
// Frames arriving while both slots are reserved are dropped by the caller:
// the pipeline favours fresh frames over complete ones.
package pipeline

import "sync/atomic"

const (
	// NumSlots is the number of frame buffers and workers.
	NumSlots = 2
	// NoSlot is returned by Reserve when every slot is in use.
	NoSlot = -1
)

// Pool hands out exclusive ownership of frame slots. It never blocks.
type Pool struct {
	reserved [NumSlots]atomic.Bool
}

// Reserve claims the lowest free slot and returns its index, or NoSlot when
// every slot is reserved.
func (p *Pool) Reserve() int {
	for i := range p.reserved {
		if p.reserved[i].CompareAndSwap(false, true) {
			return i
		}
	}
	return NoSlot
}

// Release marks slot i free. Releasing a free slot is a no-op and indexes
// outside the pool are ignored.
func (p *Pool) Release(i int) {
	if i < 0 || i >= NumSlots {
		return
	}
	p.reserved[i].Store(false)
}

// InUse returns the number of reserved slots.
func (p *Pool) InUse() int {
	n := 0
	for i := range p.reserved {
		if p.reserved[i].Load() {
			n++
		}
	}
	return n
}
