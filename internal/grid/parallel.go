package grid

import (
	"sort"
	"sync/atomic"

	"github.com/san-kum/fluidgrid/internal/compute"
)

// ParallelCompactor builds the active cells and their ranges from prefix
// scans. Phase one marks run boundaries, scans the marks for each unique key's
// slot and stores the keys. Phase two counts the members of every cell with
// atomic increments and scans the counts into range starts.
type ParallelCompactor struct {
	scanner *compute.PrefixScanner
	// marks holds boundary flags in phase one and per-cell counters in phase two.
	marks   *compute.Buffer[uint32]
	scanned *compute.Buffer[uint32]
}

func NewParallelCompactor(dev compute.Device) *ParallelCompactor {
	return &ParallelCompactor{
		scanner: compute.NewPrefixScanner(dev),
		marks:   compute.NewBuffer[uint32](dev, "compact marks"),
		scanned: compute.NewBuffer[uint32](dev, "compact scan"),
	}
}

func (*ParallelCompactor) Name() string { return CompactionParallel }

func (c *ParallelCompactor) Reserve(n int) error {
	if err := c.marks.Reserve(n); err != nil {
		return err
	}
	if err := c.scanned.Reserve(n); err != nil {
		return err
	}
	return c.scanner.Reserve(n)
}

func (c *ParallelCompactor) Release() {
	c.marks.Release()
	c.scanned.Release()
	c.scanner.Release()
}

func (c *ParallelCompactor) Compact(q *compute.Queue, pairs *compute.Buffer[compute.KeyIndexPair], n int, out *Store, deps ...*compute.Event) error {
	if n == 0 {
		return out.enqueueEmpty(q, deps...).Wait()
	}

	sized := q.Enqueue("parallel compact: size scratch", func() error {
		if err := c.marks.Resize(n, false); err != nil {
			return err
		}
		if err := c.scanned.Resize(n, false); err != nil {
			return err
		}
		// The last position closes the final run and is never marked.
		c.marks.Data()[n-1] = 0
		return nil
	}, deps...)

	// marks[i] is 1 when key i ends its run.
	marked := compute.Launch(q, "parallel compact: mark uniques", n-1, func(i int) {
		keys := pairs.Data()
		a, b := keys[i].Key, keys[i+1].Key
		if a > b {
			panic(ErrUnsortedKeys)
		}
		if a != b {
			c.marks.Data()[i] = 1
		} else {
			c.marks.Data()[i] = 0
		}
	}, sized)

	// The scan counts boundaries before each position, which is the index of
	// the position's cell. The total misses the final run, hence the +1.
	boundaries, err := c.scanner.ExclusiveScan(q, c.marks, c.scanned, n, marked)
	if err != nil {
		return err
	}
	numActive := int(boundaries) + 1

	published := q.Enqueue("parallel compact: publish count", func() error {
		out.numActive.Data()[0] = uint32(numActive)
		return out.resize(numActive)
	})

	stored := compute.Launch(q, "parallel compact: store uniques", n, func(i int) {
		if i == n-1 || c.marks.Data()[i] == 1 {
			out.activeCells.Data()[c.scanned.Data()[i]] = SpatialKey(pairs.Data()[i].Key)
		}
	}, published)

	zeroed := compute.Launch(q, "parallel compact: zero counts", numActive, func(cell int) {
		c.marks.Data()[cell] = 0
	}, stored)

	counted := compute.Launch(q, "parallel compact: count members", n, func(i int) {
		cells := out.activeCells.Data()
		k := SpatialKey(pairs.Data()[i].Key)
		cell := sort.Search(len(cells), func(j int) bool { return cells[j] >= k })
		if cell == len(cells) || cells[cell] != k {
			panic(ErrUnsortedKeys)
		}
		atomic.AddUint32(&c.marks.Data()[cell], 1)
	}, zeroed)

	starts := c.scanner.Enqueue(q, c.marks, c.scanned, numActive, counted)

	ranged := compute.Launch(q, "parallel compact: generate ranges", numActive, func(cell int) {
		start := c.scanned.Data()
		end := uint32(n)
		if cell+1 < numActive {
			end = start[cell+1]
		}
		out.cellContents.Data()[cell] = CellContentRange{Start: start[cell], End: end}
	}, starts)

	return ranged.Wait()
}
