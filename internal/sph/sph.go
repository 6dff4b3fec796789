// Package sph computes smoothed particle hydrodynamics forces over the
// neighborhoods a sorting grid provides.
package sph

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/fluidgrid/internal/fluid"
	"github.com/san-kum/fluidgrid/internal/grid"
)

// Neighborhood enumerates the candidate neighbors of a position. grid.Query
// implements it.
type Neighborhood interface {
	ForEachNeighbor(p r3.Vec, fn func(i int) bool)
}

// Solver holds the SPH constants and the per-particle density and pressure of
// the last Apply.
type Solver struct {
	H         float64 // smoothing radius
	Rho0      float64 // rest density
	Stiffness float64
	Viscosity float64
	Mass      float64

	Density  []float64
	Pressure []float64
}

// New returns a water-like solver for smoothing radius h. The particle mass
// fills a lattice of spacing h/2 at rest density.
func New(h float64) *Solver {
	const rho0 = 1000.0
	spacing := h / 2
	return &Solver{
		H:         h,
		Rho0:      rho0,
		Stiffness: 10,
		Viscosity: 0.2,
		Mass:      rho0 * spacing * spacing * spacing,
	}
}

func poly6(r2, h float64) float64 {
	h2 := h * h
	if r2 >= h2 {
		return 0
	}
	d := h2 - r2
	return 315.0 / (64.0 * math.Pi * math.Pow(h, 9)) * d * d * d
}

func spikyGrad(r, h float64) float64 {
	if r >= h || r < 1e-12 {
		return 0
	}
	d := h - r
	return -45.0 / (math.Pi * math.Pow(h, 6)) * d * d
}

func viscLap(r, h float64) float64 {
	if r >= h {
		return 0
	}
	return 45.0 / (math.Pi * math.Pow(h, 6)) * (h - r)
}

// Apply computes density and pressure for every particle and adds the
// pressure and viscosity forces to p.Force. Neighbor indices must refer to p
// in its current order, which holds right after a grid rebuild.
func (s *Solver) Apply(ctx context.Context, n Neighborhood, p *fluid.Particles) error {
	if q, ok := n.(grid.Query); ok && s.H > q.CellSize {
		return fmt.Errorf("sph: smoothing radius %g exceeds cell size %g", s.H, q.CellSize)
	}
	count := p.Len()
	s.Density = resize(s.Density, count)
	s.Pressure = resize(s.Pressure, count)

	err := parallel(ctx, count, func(i int) {
		xi := p.Pos[i]
		var rho float64
		n.ForEachNeighbor(xi, func(j int) bool {
			rho += s.Mass * poly6(r3.Norm2(r3.Sub(xi, p.Pos[j])), s.H)
			return true
		})
		s.Density[i] = rho
		// Negative pressure is clamped to keep particles from clumping.
		s.Pressure[i] = max(0, s.Stiffness*(rho-s.Rho0))
	})
	if err != nil {
		return err
	}

	return parallel(ctx, count, func(i int) {
		xi, vi := p.Pos[i], p.VelEval[i]
		rhoi, pi := s.Density[i], s.Pressure[i]
		var f r3.Vec
		n.ForEachNeighbor(xi, func(j int) bool {
			if j == i {
				return true
			}
			d := r3.Sub(xi, p.Pos[j])
			r := r3.Norm(d)
			if r >= s.H {
				return true
			}
			rhoj := s.Density[j]
			if r > 1e-12 {
				fp := -s.Mass * (pi + s.Pressure[j]) / (2 * rhoj) * spikyGrad(r, s.H)
				f = r3.Add(f, r3.Scale(fp/r, d))
			}
			fv := s.Viscosity * s.Mass * viscLap(r, s.H) / rhoj
			f = r3.Add(f, r3.Scale(fv, r3.Sub(p.VelEval[j], vi)))
			return true
		})
		// f is a force density; scale it to a per-particle force.
		p.Force[i] = r3.Add(p.Force[i], r3.Scale(s.Mass/rhoi, f))
	})
}

// MeanDensity is the average density of the last Apply.
func (s *Solver) MeanDensity() float64 {
	if len(s.Density) == 0 {
		return 0
	}
	var sum float64
	for _, rho := range s.Density {
		sum += rho
	}
	return sum / float64(len(s.Density))
}

func resize(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}

// parallel runs fn over [0, n) in contiguous chunks, one per CPU.
func parallel(ctx context.Context, n int, fn func(i int)) error {
	if n == 0 {
		return nil
	}
	workers := runtime.GOMAXPROCS(0)
	chunk := (n + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				fn(i)
			}
			return nil
		})
	}
	return g.Wait()
}
