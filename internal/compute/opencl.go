//go:build opencl

package compute

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
)

const packedKeySource = `__kernel void packed_keys(
    const int count,
    const float cell_size,
    __global const float* xyz,
    __global uint* keys)
{
    int i = get_global_id(0);
    if (i >= count) {
        return;
    }
    int x = (int)floor(xyz[i * 3 + 0] / cell_size);
    int y = (int)floor(xyz[i * 3 + 1] / cell_size);
    int z = (int)floor(xyz[i * 3 + 2] / cell_size);
    uint ux = (uint)(x + 512) & 1023u;
    uint uy = (uint)(y + 512) & 1023u;
    uint uz = (uint)(z + 512) & 1023u;
    keys[i] = (uz << 20) | (uy << 10) | ux;
}`

// OpenCLDevice runs the sorting grid's generic kernels on the host worker pool
// and offloads packed key generation to an OpenCL device.
type OpenCLDevice struct {
	*CPUDevice

	mu         sync.Mutex
	context    *cl.Context
	queue      *cl.CommandQueue
	program    *cl.Program
	keyKernel  *cl.Kernel
	deviceName string
}

func NewOpenCLDevice(opts Options) (*OpenCLDevice, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms"
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, msg, err)
	}
	device := pickCLDevice(platforms, cl.DeviceTypeGPU)
	if device == nil {
		device = pickCLDevice(platforms, cl.DeviceTypeCPU)
	}
	if device == nil {
		return nil, fmt.Errorf("%w: no OpenCL devices found", ErrBackendUnavailable)
	}

	context, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, fmt.Errorf("creating OpenCL context: %w", err)
	}
	queue, err := context.CreateCommandQueue(device, 0)
	if err != nil {
		context.Release()
		return nil, fmt.Errorf("creating OpenCL command queue: %w", err)
	}
	program, err := context.CreateProgramWithSource([]string{packedKeySource})
	if err != nil {
		queue.Release()
		context.Release()
		return nil, fmt.Errorf("creating OpenCL program: %w", err)
	}
	if err := program.BuildProgram([]*cl.Device{device}, ""); err != nil {
		program.Release()
		queue.Release()
		context.Release()
		var buildErr cl.BuildError
		if errors.As(err, &buildErr) {
			return nil, fmt.Errorf("building OpenCL program: %s", string(buildErr))
		}
		return nil, fmt.Errorf("building OpenCL program: %w", err)
	}
	kernel, err := program.CreateKernel("packed_keys")
	if err != nil {
		program.Release()
		queue.Release()
		context.Release()
		return nil, fmt.Errorf("creating key kernel: %w", err)
	}

	return &OpenCLDevice{
		CPUDevice:  NewCPUDevice(opts),
		context:    context,
		queue:      queue,
		program:    program,
		keyKernel:  kernel,
		deviceName: device.Name(),
	}, nil
}

func pickCLDevice(platforms []*cl.Platform, kind cl.DeviceType) *cl.Device {
	for _, p := range platforms {
		devices, err := p.GetDevices(kind)
		if err != nil && err != cl.ErrDeviceNotFound {
			continue
		}
		if len(devices) > 0 {
			return devices[0]
		}
	}
	return nil
}

func (d *OpenCLDevice) Name() string    { return "opencl (" + d.deviceName + ")" }
func (d *OpenCLDevice) Available() bool { return d.keyKernel != nil }

// PackedKeys computes one packed cell key per xyz triple on the OpenCL device.
func (d *OpenCLDevice) PackedKeys(xyz []float32, cellSize float32, keys []uint32) error {
	n := len(keys)
	if n == 0 {
		return nil
	}
	if len(xyz) < n*3 {
		return fmt.Errorf("%w: %d positions for %d keys", ErrInvalidArgument, len(xyz)/3, n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	posBuf, err := d.context.CreateEmptyBuffer(cl.MemReadOnly, n*3*int(unsafe.Sizeof(float32(0))))
	if err != nil {
		return fmt.Errorf("%w: position buffer: %v", ErrOutOfDeviceMemory, err)
	}
	defer posBuf.Release()
	keyBuf, err := d.context.CreateEmptyBuffer(cl.MemWriteOnly, n*int(unsafe.Sizeof(uint32(0))))
	if err != nil {
		return fmt.Errorf("%w: key buffer: %v", ErrOutOfDeviceMemory, err)
	}
	defer keyBuf.Release()

	if _, err := d.queue.EnqueueWriteBufferFloat32(posBuf, false, 0, xyz[:n*3], nil); err != nil {
		return fmt.Errorf("writing positions: %w", err)
	}
	if err := d.keyKernel.SetArgs(int32(n), cellSize, posBuf, keyBuf); err != nil {
		return fmt.Errorf("setting key kernel arguments: %w", err)
	}
	if _, err := d.queue.EnqueueNDRangeKernel(d.keyKernel, nil, []int{n}, nil, nil); err != nil {
		return fmt.Errorf("%w: enqueueing key kernel: %v", ErrKernelFault, err)
	}
	byteLen := n * int(unsafe.Sizeof(uint32(0)))
	if _, err := d.queue.EnqueueReadBuffer(keyBuf, true, 0, byteLen, unsafe.Pointer(&keys[0]), nil); err != nil {
		return fmt.Errorf("reading keys: %w", err)
	}
	return nil
}

func (d *OpenCLDevice) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keyKernel != nil {
		d.keyKernel.Release()
		d.keyKernel = nil
	}
	if d.program != nil {
		d.program.Release()
		d.program = nil
	}
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.context != nil {
		d.context.Release()
		d.context = nil
	}
}
