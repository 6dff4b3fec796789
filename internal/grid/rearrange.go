package grid

import (
	"github.com/san-kum/fluidgrid/internal/compute"
	"github.com/san-kum/fluidgrid/internal/fluid"
)

// enqueueRearrange permutes the first n elements of data into sorted order
// through scratch: scratch[i] = data[pairs[i].Index], then scratch is copied
// back into data.
func enqueueRearrange[T any](q *compute.Queue, label string, pairs *compute.Buffer[compute.KeyIndexPair], data, scratch *compute.Buffer[T], n int, deps ...*compute.Event) *compute.Event {
	permuted := compute.Launch(q, "rearrange "+label, n, func(i int) {
		scratch.Data()[i] = data.Data()[pairs.Data()[i].Index]
	}, deps...)
	return compute.EnqueueCopy(q, data, scratch, n, permuted)
}

// rearrangeHost returns src permuted by order, in a slice taken from pool.
// src is returned to the pool.
func rearrangeHost[T any](pool *fluid.SlicePool[T], order []compute.KeyIndexPair, src []T) []T {
	dst := pool.Get(len(order))
	for i, p := range order {
		dst[i] = src[p.Index]
	}
	pool.Put(src)
	return dst
}
