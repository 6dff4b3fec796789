package grid

import (
	"fmt"

	"github.com/san-kum/fluidgrid/internal/compute"
	"gonum.org/v1/gonum/spatial/r3"
)

// enqueueKeys generates one key/index pair per particle: the key of the
// particle's cell and its current array position.
func enqueueKeys(q *compute.Queue, enc KeyEncoder, cellSize float64, pos *compute.Buffer[r3.Vec], pairs *compute.Buffer[compute.KeyIndexPair], n int, deps ...*compute.Event) *compute.Event {
	if accel, ok := q.Device().(compute.KeyAccelerator); ok {
		if _, packed := enc.(PackedEncoder); packed {
			return enqueueAcceleratedKeys(q, accel, cellSize, pos, pairs, n, deps...)
		}
	}
	return compute.Launch(q, "generate keys", n, func(i int) {
		key := enc.Encode(CellOf(pos.Data()[i], cellSize))
		pairs.Data()[i] = compute.KeyIndexPair{Key: uint32(key), Index: uint32(i)}
	}, deps...)
}

// enqueueAcceleratedKeys hands packed key generation to a device that
// implements it natively. Positions are narrowed to float32 on the way.
func enqueueAcceleratedKeys(q *compute.Queue, accel compute.KeyAccelerator, cellSize float64, pos *compute.Buffer[r3.Vec], pairs *compute.Buffer[compute.KeyIndexPair], n int, deps ...*compute.Event) *compute.Event {
	if n == 0 {
		return q.Enqueue("generate keys: empty", nil, deps...)
	}
	return q.Enqueue("generate keys (native)", func() error {
		xyz := make([]float32, 3*n)
		for i, p := range pos.Data()[:n] {
			xyz[3*i], xyz[3*i+1], xyz[3*i+2] = float32(p.X), float32(p.Y), float32(p.Z)
		}
		keys := make([]uint32, n)
		if err := accel.PackedKeys(xyz, float32(cellSize), keys); err != nil {
			return fmt.Errorf("native key kernel: %w", err)
		}
		out := pairs.Data()
		for i, k := range keys {
			out[i] = compute.KeyIndexPair{Key: k, Index: uint32(i)}
		}
		return nil
	}, deps...)
}
