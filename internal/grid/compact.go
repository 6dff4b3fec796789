package grid

import (
	"fmt"

	"github.com/san-kum/fluidgrid/internal/compute"
)

// Compactor turns the first n sorted key/index pairs into the unique active
// cells and the particle range of each, published into a Store. Compact
// blocks until the store holds the result.
type Compactor interface {
	Name() string
	// Reserve grows private scratch for n particles. It is called before a
	// rebuild touches any device state.
	Reserve(n int) error
	Compact(q *compute.Queue, pairs *compute.Buffer[compute.KeyIndexPair], n int, out *Store, deps ...*compute.Event) error
	Release()
}

// Compaction strategy names.
const (
	CompactionSerial   = "serial"
	CompactionParallel = "parallel"
	CompactionAuto     = "auto"
)

// DefaultParallelThreshold is the particle count below which the auto
// strategy compacts serially.
const DefaultParallelThreshold = 4096

// NewCompactor returns the strategy registered under name.
func NewCompactor(name string, dev compute.Device, threshold int) (Compactor, error) {
	switch name {
	case CompactionSerial:
		return NewSerialCompactor(), nil
	case "", CompactionParallel:
		return NewParallelCompactor(dev), nil
	case CompactionAuto:
		return NewAutoCompactor(dev, threshold), nil
	default:
		return nil, fmt.Errorf("grid: unknown compaction strategy %q", name)
	}
}

// AutoCompactor compacts serially below a particle count threshold and in
// parallel above it.
type AutoCompactor struct {
	Serial    *SerialCompactor
	Parallel  *ParallelCompactor
	Threshold int
}

func NewAutoCompactor(dev compute.Device, threshold int) *AutoCompactor {
	if threshold <= 0 {
		threshold = DefaultParallelThreshold
	}
	return &AutoCompactor{
		Serial:    NewSerialCompactor(),
		Parallel:  NewParallelCompactor(dev),
		Threshold: threshold,
	}
}

func (a *AutoCompactor) Name() string { return CompactionAuto }

func (a *AutoCompactor) pick(n int) Compactor {
	if n < a.Threshold {
		return a.Serial
	}
	return a.Parallel
}

func (a *AutoCompactor) Reserve(n int) error {
	return a.pick(n).Reserve(n)
}

func (a *AutoCompactor) Compact(q *compute.Queue, pairs *compute.Buffer[compute.KeyIndexPair], n int, out *Store, deps ...*compute.Event) error {
	return a.pick(n).Compact(q, pairs, n, out, deps...)
}

func (a *AutoCompactor) Release() {
	a.Serial.Release()
	a.Parallel.Release()
}

// CrossCheck compacts keys with both strategies and returns the shared result.
// keys must be sorted ascending. A disagreement is reported as ErrInvariant.
func CrossCheck(q *compute.Queue, keys []SpatialKey) (*State, error) {
	dev := q.Device()
	n := len(keys)
	pairs := compute.NewBuffer[compute.KeyIndexPair](dev, "cross-check pairs")
	defer pairs.Release()
	if err := pairs.Resize(n, false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	host := make([]compute.KeyIndexPair, n)
	for i, k := range keys {
		host[i] = compute.KeyIndexPair{Key: uint32(k), Index: uint32(i)}
	}
	if err := compute.WriteBuffer(q, pairs, host); err != nil {
		return nil, err
	}

	run := func(c Compactor) (*State, error) {
		defer c.Release()
		store := NewStore(dev)
		defer store.Release()
		if err := c.Reserve(n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		if err := store.EnsureCapacity(n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		if err := c.Compact(q, pairs, n, store); err != nil {
			q.Finish()
			return nil, fmt.Errorf("%s compaction: %w", c.Name(), err)
		}
		store.publish()
		return store.ReadFromDevice(q)
	}

	serial, err := run(NewSerialCompactor())
	if err != nil {
		return nil, err
	}
	parallel, err := run(NewParallelCompactor(dev))
	if err != nil {
		return nil, err
	}
	if !serial.Equal(parallel) {
		return nil, fmt.Errorf("%w: serial and parallel compaction disagree (%d vs %d cells)",
			ErrInvariant, serial.NumActiveCells(), parallel.NumActiveCells())
	}
	if err := serial.Validate(n); err != nil {
		return nil, err
	}
	return serial, nil
}
