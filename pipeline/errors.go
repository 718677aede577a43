package pipeline

import "github.com/pkg/errors"

var (
	// ErrBufferOverflow is returned when a frame plane no longer fits the
	// buffers allocated for the session, typically after a resolution change.
	ErrBufferOverflow = errors.New("pipeline: frame larger than slot buffer")
	// ErrStopped is returned when a frame is submitted after Stop.
	ErrStopped = errors.New("pipeline: scheduler stopped")
	// ErrInvalidSlot is returned for a slot index outside the pool.
	ErrInvalidSlot = errors.New("pipeline: invalid slot")
)
