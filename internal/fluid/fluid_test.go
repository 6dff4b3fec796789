package fluid

import (
	"errors"
	"testing"

	"github.com/san-kum/fluidgrid/internal/compute"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestParticlesAddAndValidate(t *testing.T) {
	f := New("water", 0.1)
	for i := 0; i < 5; i++ {
		idx := f.Particles.Add(r3.Vec{X: float64(i)}, r3.Vec{Y: 1}, i)
		if idx != i {
			t.Fatalf("expected index %d, got %d", i, idx)
		}
	}
	if f.NumParticles() != 5 {
		t.Errorf("expected 5 particles, got %d", f.NumParticles())
	}
	if err := f.Particles.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if f.Particles.VelEval[3] != f.Particles.Vel[3] {
		t.Error("eval velocity should start equal to velocity")
	}

	f.Particles.Truncate(2)
	if f.NumParticles() != 2 || len(f.Particles.Tags) != 2 {
		t.Errorf("truncate left %d particles", f.NumParticles())
	}

	f.Particles.Force = f.Particles.Force[:1]
	if err := f.Particles.Validate(); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestDeviceParticlesRoundTrip(t *testing.T) {
	dev := compute.NewCPUDevice(compute.Options{})
	q := compute.NewQueue(dev)
	defer q.Close()

	var p Particles
	for i := 0; i < 10; i++ {
		p.Add(r3.Vec{X: float64(i), Y: 2, Z: 3}, r3.Vec{Z: float64(-i)}, nil)
	}
	d := NewDeviceParticles(dev)
	if err := d.Upload(q, &p); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if d.Pos.Len() != 10 {
		t.Errorf("expected 10 device positions, got %d", d.Pos.Len())
	}

	var back Particles
	back.Pos = make([]r3.Vec, 10)
	back.VelEval = make([]r3.Vec, 10)
	if err := d.Download(q, &back); err != nil {
		t.Fatalf("download: %v", err)
	}
	for i := range p.Pos {
		if back.Pos[i] != p.Pos[i] || back.VelEval[i] != p.VelEval[i] {
			t.Fatalf("particle %d differs after round trip", i)
		}
	}

	d.Release()
	if dev.InUse() != 0 {
		t.Errorf("expected all device memory released, %d bytes in use", dev.InUse())
	}
}

func TestSlicePool(t *testing.T) {
	pool := NewSlicePool[int]()
	s := pool.Get(4)
	if len(s) != 4 {
		t.Fatalf("expected length 4, got %d", len(s))
	}
	s[0] = 9
	pool.Put(s)

	again := pool.Get(2)
	if len(again) != 2 {
		t.Fatalf("expected length 2, got %d", len(again))
	}
	for _, v := range again {
		if v != 0 {
			t.Error("pooled slice was not cleared")
		}
	}
}
