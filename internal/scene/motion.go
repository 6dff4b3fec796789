package scene

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/fluidgrid/internal/fluid"
)

// Motion is a particle integrator with boundary reflection. Without an SPH
// force pass it moves particles ballistically.
type Motion struct {
	Gravity r3.Vec
	Mass    float64
	// Restitution scales the normal velocity on a wall bounce.
	Restitution float64
}

func DefaultMotion() Motion {
	return Motion{
		Gravity:     r3.Vec{Y: -9.81},
		Mass:        1,
		Restitution: 0.5,
	}
}

// Advance applies gravity and integrates one step. It is ApplyGravity followed
// by Integrate.
func (m Motion) Advance(f *fluid.Fluid, dt float64, b Bounds) {
	m.ApplyGravity(&f.Particles)
	m.Integrate(f, dt, b)
}

// ApplyGravity resets every particle force to the gravitational force.
func (m Motion) ApplyGravity(p *fluid.Particles) {
	force := r3.Scale(m.Mass, m.Gravity)
	for i := range p.Force {
		p.Force[i] = force
	}
}

// Integrate moves every particle of f by one semi-implicit Euler step of dt
// under its accumulated force, keeping them inside b. The evaluation velocity
// is the midpoint of the old and new velocity.
func (m Motion) Integrate(f *fluid.Fluid, dt float64, b Bounds) {
	p := &f.Particles
	for i := range p.Pos {
		old := p.Vel[i]
		vel := r3.Add(old, r3.Scale(dt/m.Mass, p.Force[i]))
		pos := r3.Add(p.Pos[i], r3.Scale(dt, vel))
		pos, vel = m.reflect(pos, vel, b)
		p.Pos[i] = pos
		p.Vel[i] = vel
		p.VelEval[i] = r3.Scale(0.5, r3.Add(old, vel))
	}
}

func (m Motion) reflect(pos, vel r3.Vec, b Bounds) (r3.Vec, r3.Vec) {
	axis := func(x, v, lo, hi float64) (float64, float64) {
		if x < lo {
			return lo + (lo-x)*m.Restitution, -v * m.Restitution
		}
		if x > hi {
			return hi - (x-hi)*m.Restitution, -v * m.Restitution
		}
		return x, v
	}
	pos.X, vel.X = axis(pos.X, vel.X, b.Min.X, b.Max.X)
	pos.Y, vel.Y = axis(pos.Y, vel.Y, b.Min.Y, b.Max.Y)
	pos.Z, vel.Z = axis(pos.Z, vel.Z, b.Min.Z, b.Max.Z)
	return clamp(pos, b), vel
}
