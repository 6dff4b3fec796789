package fluid

import (
	"github.com/san-kum/fluidgrid/internal/compute"
	"gonum.org/v1/gonum/spatial/r3"
)

// DeviceParticles mirrors the particle attributes the grid kernels read.
type DeviceParticles struct {
	Pos     *compute.Buffer[r3.Vec]
	VelEval *compute.Buffer[r3.Vec]
}

func NewDeviceParticles(dev compute.Device) *DeviceParticles {
	return &DeviceParticles{
		Pos:     compute.NewBuffer[r3.Vec](dev, "particle positions"),
		VelEval: compute.NewBuffer[r3.Vec](dev, "particle eval velocities"),
	}
}

// Reserve grows both buffers to hold n particles.
func (d *DeviceParticles) Reserve(n int) error {
	if err := d.Pos.Reserve(n); err != nil {
		return err
	}
	return d.VelEval.Reserve(n)
}

// Upload copies positions and evaluation velocities to the device and waits
// for the copy to complete. The queue must be idle.
func (d *DeviceParticles) Upload(q *compute.Queue, p *Particles) error {
	n := p.Len()
	if err := d.Pos.Resize(n, false); err != nil {
		return err
	}
	if err := d.VelEval.Resize(n, false); err != nil {
		return err
	}
	pos := compute.EnqueueWrite(q, d.Pos, p.Pos)
	return compute.EnqueueWrite(q, d.VelEval, p.VelEval, pos).Wait()
}

// Download copies the device arrays back into p.
func (d *DeviceParticles) Download(q *compute.Queue, p *Particles) error {
	pos := compute.EnqueueRead(q, d.Pos, p.Pos)
	return compute.EnqueueRead(q, d.VelEval, p.VelEval, pos).Wait()
}

func (d *DeviceParticles) Release() {
	d.Pos.Release()
	d.VelEval.Release()
}
