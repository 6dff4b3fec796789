package fluid

import "sync"

// SlicePool recycles attribute arrays swapped out by host-side rearrangement.
type SlicePool[T any] struct {
	pool sync.Pool
}

func NewSlicePool[T any]() *SlicePool[T] {
	return &SlicePool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return []T(nil)
			},
		},
	}
}

// Get returns a slice of length n. Its contents are unspecified.
func (p *SlicePool[T]) Get(n int) []T {
	s := p.pool.Get().([]T)
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

// Put zeroes s and returns it to the pool.
func (p *SlicePool[T]) Put(s []T) {
	if cap(s) == 0 {
		return
	}
	clear(s[:cap(s)])
	p.pool.Put(s[:0])
}
