package grid

import (
	"fmt"

	"github.com/san-kum/fluidgrid/internal/compute"
)

// Store owns the device buffers that hold a grid's public state: the active
// cell count, the active cells and their content ranges. Buffer capacity is a
// high-water mark; the logical length is the active cell count.
//
// Methods that touch buffers directly require an idle queue.
type Store struct {
	numActive    *compute.Buffer[uint32]
	activeCells  *compute.Buffer[SpatialKey]
	cellContents *compute.Buffer[CellContentRange]
	valid        bool
}

func NewStore(dev compute.Device) *Store {
	return &Store{
		numActive:    compute.NewBuffer[uint32](dev, "grid active cell count"),
		activeCells:  compute.NewBuffer[SpatialKey](dev, "grid active cells"),
		cellContents: compute.NewBuffer[CellContentRange](dev, "grid cell contents"),
	}
}

// EnsureCapacity grows the cell buffers to hold n active cells. On failure the
// buffers, and any state they hold, are unchanged.
func (s *Store) EnsureCapacity(n int) error {
	if s.numActive.Cap() == 0 {
		if err := s.numActive.Resize(1, false); err != nil {
			return err
		}
		s.numActive.Data()[0] = 0
	}
	if err := s.activeCells.Reserve(n); err != nil {
		return err
	}
	return s.cellContents.Reserve(n)
}

// Capacity is the number of active cells the store can hold without growing.
func (s *Store) Capacity() int {
	return min(s.activeCells.Cap(), s.cellContents.Cap())
}

// Allocations counts device allocations made for the cell buffers.
func (s *Store) Allocations() int {
	return s.activeCells.Allocations() + s.cellContents.Allocations()
}

func (s *Store) Valid() bool { return s.valid }

func (s *Store) invalidate() { s.valid = false }

func (s *Store) publish() { s.valid = true }

// resize sets the logical length of the cell buffers. It never allocates past
// EnsureCapacity.
func (s *Store) resize(n int) error {
	if n > s.Capacity() {
		return fmt.Errorf("%w: %d active cells exceed capacity %d", compute.ErrInvalidArgument, n, s.Capacity())
	}
	if err := s.activeCells.Resize(n, true); err != nil {
		return err
	}
	return s.cellContents.Resize(n, true)
}

// enqueueEmpty publishes an empty partition without launching kernels.
func (s *Store) enqueueEmpty(q *compute.Queue, deps ...*compute.Event) *compute.Event {
	return q.Enqueue("grid: publish empty", func() error {
		if s.numActive.Len() > 0 {
			s.numActive.Data()[0] = 0
		}
		return s.resize(0)
	}, deps...)
}

// readCount copies the device count to the host once deps complete.
func (s *Store) readCount(q *compute.Queue, deps ...*compute.Event) (int, error) {
	var host [1]uint32
	if err := compute.EnqueueRead(q, s.numActive, host[:], deps...).Wait(); err != nil {
		return 0, err
	}
	return int(host[0]), nil
}

// NumActiveCells reads the active cell count from the device. A store that
// was never allocated has no cells.
func (s *Store) NumActiveCells(q *compute.Queue) (int, error) {
	if s.numActive.Len() == 0 {
		return 0, nil
	}
	return s.readCount(q)
}

// ActiveCells is the device view of the active cells.
func (s *Store) ActiveCells() ([]SpatialKey, error) {
	if !s.valid {
		return nil, ErrGridInvalid
	}
	return s.activeCells.Data(), nil
}

// CellContentRanges is the device view of the cell content ranges.
func (s *Store) CellContentRanges() ([]CellContentRange, error) {
	if !s.valid {
		return nil, ErrGridInvalid
	}
	return s.cellContents.Data(), nil
}

// WriteToDevice uploads st, growing the buffers as needed, and blocks until
// the copy completes. The store is valid afterwards.
func (s *Store) WriteToDevice(q *compute.Queue, st *State) error {
	if len(st.ActiveCells) != len(st.CellContentRanges) {
		return fmt.Errorf("%w: %d active cells but %d ranges", ErrInvariant, len(st.ActiveCells), len(st.CellContentRanges))
	}
	n := len(st.ActiveCells)
	if err := s.EnsureCapacity(n); err != nil {
		return fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	s.invalidate()
	if err := s.resize(n); err != nil {
		return err
	}
	count := compute.EnqueueWrite(q, s.numActive, []uint32{uint32(n)})
	cells := compute.EnqueueWrite(q, s.activeCells, st.ActiveCells, count)
	if err := compute.EnqueueWrite(q, s.cellContents, st.CellContentRanges, cells).Wait(); err != nil {
		return err
	}
	s.publish()
	return nil
}

// ReadFromDevice copies the grid state to a new host mirror sized to the
// device count, blocking until complete.
func (s *Store) ReadFromDevice(q *compute.Queue) (*State, error) {
	if !s.valid {
		return nil, ErrGridInvalid
	}
	return s.readState(q)
}

func (s *Store) readState(q *compute.Queue) (*State, error) {
	n, err := s.NumActiveCells(q)
	if err != nil {
		return nil, err
	}
	st := &State{
		ActiveCells:       make([]SpatialKey, n),
		CellContentRanges: make([]CellContentRange, n),
	}
	cells := compute.EnqueueRead(q, s.activeCells, st.ActiveCells)
	if err := compute.EnqueueRead(q, s.cellContents, st.CellContentRanges, cells).Wait(); err != nil {
		return nil, err
	}
	return st, nil
}

// Release frees the device buffers and invalidates the store.
func (s *Store) Release() {
	s.invalidate()
	s.numActive.Release()
	s.activeCells.Release()
	s.cellContents.Release()
}
