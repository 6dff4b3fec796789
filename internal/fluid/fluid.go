// Package fluid holds the particle arrays of a fluid and their device mirror.
package fluid

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrLengthMismatch indicates parallel particle arrays of unequal length.
var ErrLengthMismatch = errors.New("fluid: particle arrays have unequal lengths")

// Particles stores per-particle attributes as parallel arrays indexed by
// particle index. All arrays always have the same length and are permuted
// together.
type Particles struct {
	Pos     []r3.Vec
	Vel     []r3.Vec
	VelEval []r3.Vec
	Force   []r3.Vec
	Tags    []any
}

func (p *Particles) Len() int { return len(p.Pos) }

// Add appends one particle and returns its index.
func (p *Particles) Add(pos, vel r3.Vec, tag any) int {
	p.Pos = append(p.Pos, pos)
	p.Vel = append(p.Vel, vel)
	p.VelEval = append(p.VelEval, vel)
	p.Force = append(p.Force, r3.Vec{})
	p.Tags = append(p.Tags, tag)
	return len(p.Pos) - 1
}

// Truncate drops every particle at index n and above.
func (p *Particles) Truncate(n int) {
	if n < 0 || n >= p.Len() {
		return
	}
	p.Pos = p.Pos[:n]
	p.Vel = p.Vel[:n]
	p.VelEval = p.VelEval[:n]
	p.Force = p.Force[:n]
	p.Tags = p.Tags[:n]
}

func (p *Particles) Validate() error {
	n := len(p.Pos)
	if len(p.Vel) != n || len(p.VelEval) != n || len(p.Force) != n || len(p.Tags) != n {
		return fmt.Errorf("%w: pos %d vel %d vel_eval %d force %d tags %d",
			ErrLengthMismatch, n, len(p.Vel), len(p.VelEval), len(p.Force), len(p.Tags))
	}
	return nil
}

// Fluid is one particle set indexed by a sorting grid.
type Fluid struct {
	Name      string
	CellSize  float64
	Particles Particles
}

func New(name string, cellSize float64) *Fluid {
	return &Fluid{Name: name, CellSize: cellSize}
}

func (f *Fluid) NumParticles() int { return f.Particles.Len() }
