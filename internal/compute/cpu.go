package compute

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

const defaultWorkGroupSize = 256

// CPUDevice runs kernels on worker goroutines. Memory is ordinary heap memory;
// the optional limit makes allocation failure reproducible.
type CPUDevice struct {
	workers   int
	groupSize int
	limit     int64
	inUse     atomic.Int64
}

func NewCPUDevice(opts Options) *CPUDevice {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	groupSize := opts.WorkGroupSize
	if groupSize <= 0 {
		groupSize = defaultWorkGroupSize
	}
	return &CPUDevice{
		workers:   workers,
		groupSize: groupSize,
		limit:     opts.MemoryLimit,
	}
}

func (c *CPUDevice) Name() string       { return fmt.Sprintf("cpu (%d workers)", c.workers) }
func (c *CPUDevice) Available() bool    { return true }
func (c *CPUDevice) Workers() int       { return c.workers }
func (c *CPUDevice) WorkGroupSize() int { return c.groupSize }
func (c *CPUDevice) InUse() int64       { return c.inUse.Load() }
func (c *CPUDevice) Cleanup()           {}

func (c *CPUDevice) Allocate(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("%w: negative allocation %d", ErrInvalidArgument, bytes)
	}
	for {
		cur := c.inUse.Load()
		if c.limit > 0 && cur+bytes > c.limit {
			return fmt.Errorf("%w: requested %d bytes, %d of %d in use", ErrOutOfDeviceMemory, bytes, cur, c.limit)
		}
		if c.inUse.CompareAndSwap(cur, cur+bytes) {
			return nil
		}
	}
}

func (c *CPUDevice) Release(bytes int64) {
	c.inUse.Add(-bytes)
}
