package compute

import "errors"

// Device and queue errors.
var (
	// ErrOutOfDeviceMemory indicates a buffer allocation exceeded the device memory limit.
	ErrOutOfDeviceMemory = errors.New("compute: out of device memory")

	// ErrQueueClosed indicates work was submitted to a queue after Close.
	ErrQueueClosed = errors.New("compute: command queue closed")

	// ErrKernelFault indicates a kernel invocation aborted.
	ErrKernelFault = errors.New("compute: kernel fault")

	// ErrBackendUnavailable indicates the requested backend is not compiled in or has no device.
	ErrBackendUnavailable = errors.New("compute: backend unavailable")

	// ErrInvalidArgument indicates a buffer or size argument that does not fit the operation.
	ErrInvalidArgument = errors.New("compute: invalid argument")
)
