package grid

import "github.com/san-kum/fluidgrid/internal/compute"

// SerialCompactor walks the sorted keys once in a single work item. It is the
// fallback for small particle counts and the reference for ParallelCompactor.
type SerialCompactor struct{}

func NewSerialCompactor() *SerialCompactor { return &SerialCompactor{} }

func (*SerialCompactor) Name() string      { return CompactionSerial }
func (*SerialCompactor) Reserve(int) error { return nil }
func (*SerialCompactor) Release()          {}

func (*SerialCompactor) Compact(q *compute.Queue, pairs *compute.Buffer[compute.KeyIndexPair], n int, out *Store, deps ...*compute.Event) error {
	if n == 0 {
		return out.enqueueEmpty(q, deps...).Wait()
	}

	// Room for one cell per particle until the count is known.
	sized := q.Enqueue("serial compact: size outputs", func() error {
		return out.resize(n)
	}, deps...)

	walked := compute.LaunchSingle(q, "serial compact: uniques", func() {
		keys := pairs.Data()[:n]
		cells := out.activeCells.Data()
		ranges := out.cellContents.Data()
		count := 0
		start := 0
		for i := 0; i < n; i++ {
			if i+1 < n && keys[i].Key == keys[i+1].Key {
				continue
			}
			if i+1 < n && keys[i].Key > keys[i+1].Key {
				panic(ErrUnsortedKeys)
			}
			cells[count] = SpatialKey(keys[i].Key)
			ranges[count] = CellContentRange{Start: uint32(start), End: uint32(i + 1)}
			count++
			start = i + 1
		}
		out.numActive.Data()[0] = uint32(count)
	}, sized)

	count, err := out.readCount(q, walked)
	if err != nil {
		return err
	}
	return q.Enqueue("serial compact: trim outputs", func() error {
		return out.resize(count)
	}).Wait()
}
