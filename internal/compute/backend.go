package compute

import (
	"fmt"
	"strings"
)

// Device executes kernels and accounts for the memory held by its buffers.
type Device interface {
	Name() string
	Available() bool
	// Workers is the number of work groups that may run concurrently.
	Workers() int
	WorkGroupSize() int
	Allocate(bytes int64) error
	Release(bytes int64)
	// InUse reports the bytes currently allocated on the device.
	InUse() int64
	Cleanup()
}

// KeyAccelerator is implemented by devices that generate packed spatial keys
// natively. xyz holds three float32 components per particle.
type KeyAccelerator interface {
	PackedKeys(xyz []float32, cellSize float32, keys []uint32) error
}

// Options configures device selection.
type Options struct {
	Workers       int
	WorkGroupSize int
	MemoryLimit   int64
}

// SelectDevice returns the device named by backend ("auto", "cpu" or "opencl").
// "auto" prefers OpenCL when it is compiled in and a device is present.
func SelectDevice(backend string, opts Options) (Device, error) {
	switch strings.ToLower(backend) {
	case "", "auto":
		return AutoSelectDevice(opts), nil
	case "cpu":
		return NewCPUDevice(opts), nil
	case "opencl":
		cl, err := NewOpenCLDevice(opts)
		if err != nil {
			return nil, err
		}
		return cl, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBackendUnavailable, backend)
	}
}

// AutoSelectDevice picks the best available device, falling back to the CPU.
func AutoSelectDevice(opts Options) Device {
	cl, err := NewOpenCLDevice(opts)
	if err == nil && cl.Available() {
		return cl
	}
	return NewCPUDevice(opts)
}
