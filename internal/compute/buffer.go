package compute

import (
	"fmt"
	"unsafe"
)

// Buffer is a device-resident array. Its capacity only grows: growing
// allocates exactly the requested length on the device, copies the live
// elements when asked to, then releases the previous allocation.
//
// Data, Resize and Reserve touch the buffer directly and must only be called
// from kernels or while no queued command references the buffer.
type Buffer[T any] struct {
	dev         Device
	label       string
	data        []T
	size        int
	allocations int
}

func NewBuffer[T any](dev Device, label string) *Buffer[T] {
	return &Buffer[T]{dev: dev, label: label}
}

func (b *Buffer[T]) elemSize() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

func (b *Buffer[T]) Label() string { return b.label }

// Len is the logical element count.
func (b *Buffer[T]) Len() int { return b.size }

// Cap is the allocated element count.
func (b *Buffer[T]) Cap() int { return len(b.data) }

// Allocations counts device allocations made for this buffer.
func (b *Buffer[T]) Allocations() int { return b.allocations }

// Bytes is the allocated size on the device.
func (b *Buffer[T]) Bytes() int64 { return int64(len(b.data)) * b.elemSize() }

// Data is the device view of the live elements.
func (b *Buffer[T]) Data() []T { return b.data[:b.size] }

// Reserve grows the allocation to exactly n elements if it is smaller,
// keeping the live elements.
func (b *Buffer[T]) Reserve(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %s: negative length %d", ErrInvalidArgument, b.label, n)
	}
	if n <= len(b.data) {
		return nil
	}
	if err := b.dev.Allocate(int64(n) * b.elemSize()); err != nil {
		return fmt.Errorf("allocating %s (%d elements): %w", b.label, n, err)
	}
	grown := make([]T, n)
	copy(grown, b.data[:b.size])
	old := b.Bytes()
	b.data = grown
	b.allocations++
	b.dev.Release(old)
	return nil
}

// Resize sets the logical length, growing the allocation when needed. With
// preserve false the contents after the call are unspecified.
func (b *Buffer[T]) Resize(n int, preserve bool) error {
	live := b.size
	if !preserve {
		b.size = 0
	}
	if err := b.Reserve(n); err != nil {
		b.size = live
		return err
	}
	b.size = n
	return nil
}

// Release returns the allocation to the device.
func (b *Buffer[T]) Release() {
	if b.data == nil {
		return
	}
	b.dev.Release(b.Bytes())
	b.data = nil
	b.size = 0
}
