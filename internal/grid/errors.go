package grid

import (
	"errors"
	"fmt"
)

// Grid build errors.
var (
	// ErrAllocation indicates a device buffer could not grow to the particle count.
	ErrAllocation = errors.New("grid: device allocation failed")

	// ErrInvariant indicates a grid state that does not partition the particles.
	ErrInvariant = errors.New("grid: partition invariant violated")

	// ErrGridInvalid indicates the grid has no consumable state.
	ErrGridInvalid = errors.New("grid: state invalid (rebuild failed or not yet run)")

	// ErrRebuildInProgress indicates a second rebuild of a fluid while one is running.
	ErrRebuildInProgress = errors.New("grid: rebuild already in progress for this fluid")

	// ErrUnsortedKeys indicates the compactor received keys out of ascending order.
	ErrUnsortedKeys = errors.New("grid: compactor input is not sorted by key")
)

// RebuildError wraps a failed rebuild with the step and phase it failed in.
type RebuildError struct {
	Step    int
	Phase   string
	Wrapped error
}

func (e *RebuildError) Error() string {
	return fmt.Sprintf("grid: rebuild step %d failed in %s: %v", e.Step, e.Phase, e.Wrapped)
}

func (e *RebuildError) Unwrap() error {
	return e.Wrapped
}
