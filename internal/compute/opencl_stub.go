//go:build !opencl

package compute

import "fmt"

type OpenCLDevice struct {
	*CPUDevice
}

func NewOpenCLDevice(opts Options) (*OpenCLDevice, error) {
	return nil, fmt.Errorf("%w: OpenCL support is not enabled; rebuild with -tags opencl", ErrBackendUnavailable)
}

func (d *OpenCLDevice) Name() string    { return "opencl (not available)" }
func (d *OpenCLDevice) Available() bool { return false }
