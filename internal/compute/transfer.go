package compute

import "fmt"

// EnqueueWrite copies src into the first len(src) elements of dst. src must
// not be modified until the returned event completes.
func EnqueueWrite[T any](q *Queue, dst *Buffer[T], src []T, deps ...*Event) *Event {
	return q.Enqueue("write "+dst.label, func() error {
		if len(src) > dst.Len() {
			return fmt.Errorf("%w: %d elements into %s of length %d", ErrInvalidArgument, len(src), dst.label, dst.Len())
		}
		copy(dst.Data(), src)
		return nil
	}, deps...)
}

// EnqueueRead copies the first len(dst) elements of src to host memory.
func EnqueueRead[T any](q *Queue, src *Buffer[T], dst []T, deps ...*Event) *Event {
	return q.Enqueue("read "+src.label, func() error {
		if len(dst) > src.Len() {
			return fmt.Errorf("%w: %d elements from %s of length %d", ErrInvalidArgument, len(dst), src.label, src.Len())
		}
		copy(dst, src.Data())
		return nil
	}, deps...)
}

// EnqueueCopy copies n elements between device buffers.
func EnqueueCopy[T any](q *Queue, dst, src *Buffer[T], n int, deps ...*Event) *Event {
	return q.Enqueue("copy "+src.label+" -> "+dst.label, func() error {
		if n > src.Len() || n > dst.Len() {
			return fmt.Errorf("%w: copy of %d elements (%s %d, %s %d)", ErrInvalidArgument, n, src.label, src.Len(), dst.label, dst.Len())
		}
		copy(dst.Data()[:n], src.Data()[:n])
		return nil
	}, deps...)
}

// WriteBuffer is the blocking form of EnqueueWrite.
func WriteBuffer[T any](q *Queue, dst *Buffer[T], src []T) error {
	return EnqueueWrite(q, dst, src).Wait()
}

// ReadBuffer is the blocking form of EnqueueRead.
func ReadBuffer[T any](q *Queue, src *Buffer[T], dst []T) error {
	return EnqueueRead(q, src, dst).Wait()
}
