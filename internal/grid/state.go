package grid

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// CellContentRange is the half-open slice [Start, End) of the sorted particle
// order that belongs to one active cell.
type CellContentRange struct {
	Start uint32
	End   uint32
}

func (r CellContentRange) Len() int { return int(r.End - r.Start) }

func (r CellContentRange) Contains(i int) bool {
	return i >= int(r.Start) && i < int(r.End)
}

// State is the host mirror of a sorting grid: the ascending unique active
// cells and, at the same positions, the particle ranges they own.
type State struct {
	ActiveCells       []SpatialKey
	CellContentRanges []CellContentRange
}

func (s *State) NumActiveCells() int { return len(s.ActiveCells) }

// FindCell binary-searches the active cells for k.
func (s *State) FindCell(k SpatialKey) (int, bool) {
	i := sort.Search(len(s.ActiveCells), func(i int) bool { return s.ActiveCells[i] >= k })
	if i < len(s.ActiveCells) && s.ActiveCells[i] == k {
		return i, true
	}
	return -1, false
}

// Range returns the particle range of the cell with key k.
func (s *State) Range(k SpatialKey) (CellContentRange, bool) {
	i, ok := s.FindCell(k)
	if !ok {
		return CellContentRange{}, false
	}
	return s.CellContentRanges[i], true
}

// MaxOccupancy returns the particle count of the fullest cell.
func (s *State) MaxOccupancy() int {
	peak := 0
	for _, r := range s.CellContentRanges {
		peak = max(peak, r.Len())
	}
	return peak
}

// Validate checks that the state partitions [0, n): equal list lengths,
// strictly ascending cells and contiguous non-empty ranges covering n.
func (s *State) Validate(n int) error {
	if len(s.ActiveCells) != len(s.CellContentRanges) {
		return fmt.Errorf("%w: %d active cells but %d ranges", ErrInvariant, len(s.ActiveCells), len(s.CellContentRanges))
	}
	if n == 0 {
		if len(s.ActiveCells) != 0 {
			return fmt.Errorf("%w: %d active cells for no particles", ErrInvariant, len(s.ActiveCells))
		}
		return nil
	}
	if len(s.ActiveCells) == 0 {
		return fmt.Errorf("%w: no active cells for %d particles", ErrInvariant, n)
	}
	var next uint32
	for i, r := range s.CellContentRanges {
		if i > 0 && s.ActiveCells[i] <= s.ActiveCells[i-1] {
			return fmt.Errorf("%w: active cell %d (%d) not above %d", ErrInvariant, i, s.ActiveCells[i], s.ActiveCells[i-1])
		}
		if r.Start != next || r.End <= r.Start {
			return fmt.Errorf("%w: range %d is [%d, %d), expected start %d", ErrInvariant, i, r.Start, r.End, next)
		}
		next = r.End
	}
	if int(next) != n {
		return fmt.Errorf("%w: ranges cover %d of %d particles", ErrInvariant, next, n)
	}
	return nil
}

// Checksum hashes the cells and ranges.
func (s *State) Checksum() uint64 {
	d := xxhash.New()
	var buf [8]byte
	for i, k := range s.ActiveCells {
		binary.LittleEndian.PutUint32(buf[:4], uint32(k))
		d.Write(buf[:4])
		if i < len(s.CellContentRanges) {
			r := s.CellContentRanges[i]
			binary.LittleEndian.PutUint32(buf[0:], r.Start)
			binary.LittleEndian.PutUint32(buf[4:], r.End)
			d.Write(buf[:])
		}
	}
	return d.Sum64()
}

func (s *State) Equal(o *State) bool {
	if len(s.ActiveCells) != len(o.ActiveCells) || len(s.CellContentRanges) != len(o.CellContentRanges) {
		return false
	}
	for i := range s.ActiveCells {
		if s.ActiveCells[i] != o.ActiveCells[i] {
			return false
		}
	}
	for i := range s.CellContentRanges {
		if s.CellContentRanges[i] != o.CellContentRanges[i] {
			return false
		}
	}
	return true
}

// LogValue implements slog.LogValuer for structured logging.
func (s *State) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("active_cells", s.NumActiveCells()),
		slog.Int("max_occupancy", s.MaxOccupancy()),
		slog.String("checksum", fmt.Sprintf("%016x", s.Checksum())),
	)
}
