package sph

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/san-kum/fluidgrid/internal/compute"
	"github.com/san-kum/fluidgrid/internal/fluid"
	"github.com/san-kum/fluidgrid/internal/grid"
)

const cellSize = 0.1

type bruteForce []r3.Vec

func (b bruteForce) ForEachNeighbor(_ r3.Vec, fn func(i int) bool) {
	for i := range b {
		if !fn(i) {
			return
		}
	}
}

func builtFluid(t *testing.T, n int) (*fluid.Fluid, grid.Query) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	f := fluid.New("sph", cellSize)
	for i := 0; i < n; i++ {
		pos := r3.Vec{X: rng.Float64() * 0.4, Y: rng.Float64() * 0.4, Z: rng.Float64() * 0.4}
		vel := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		f.Particles.Add(pos, vel, i)
	}

	p, err := grid.NewPipeline(compute.NewCPUDevice(compute.Options{Workers: 4}), grid.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	g := p.Attach(f)
	require.NoError(t, p.Rebuild(g))
	q, err := p.Query(g)
	require.NoError(t, err)
	return f, q
}

func clone(p *fluid.Particles) *fluid.Particles {
	out := &fluid.Particles{
		Pos:     append([]r3.Vec(nil), p.Pos...),
		Vel:     append([]r3.Vec(nil), p.Vel...),
		VelEval: append([]r3.Vec(nil), p.VelEval...),
		Force:   make([]r3.Vec, p.Len()),
		Tags:    append([]any(nil), p.Tags...),
	}
	return out
}

func TestApplyMatchesBruteForce(t *testing.T) {
	f, q := builtFluid(t, 400)

	viaGrid := clone(&f.Particles)
	viaAll := clone(&f.Particles)

	a := New(cellSize)
	require.NoError(t, a.Apply(context.Background(), q, viaGrid))
	b := New(cellSize)
	require.NoError(t, b.Apply(context.Background(), bruteForce(viaAll.Pos), viaAll))

	for i := range viaGrid.Pos {
		assert.InEpsilonf(t, b.Density[i], a.Density[i], 1e-9, "density of particle %d", i)
		diff := r3.Norm(r3.Sub(viaGrid.Force[i], viaAll.Force[i]))
		assert.LessOrEqualf(t, diff, 1e-9*(1+r3.Norm(viaAll.Force[i])), "force of particle %d", i)
	}
	assert.Greater(t, a.MeanDensity(), 0.0)
}

func TestApplyConservesMomentum(t *testing.T) {
	f, q := builtFluid(t, 300)
	p := clone(&f.Particles)

	s := New(cellSize)
	require.NoError(t, s.Apply(context.Background(), q, p))

	var sum r3.Vec
	var scale float64
	for _, force := range p.Force {
		sum = r3.Add(sum, force)
		scale += r3.Norm(force)
	}
	require.Greater(t, scale, 0.0)
	assert.Less(t, r3.Norm(sum), 1e-8*scale)
}

func TestApplyRejectsRadiusLargerThanCell(t *testing.T) {
	f, q := builtFluid(t, 10)
	s := New(2 * cellSize)
	assert.Error(t, s.Apply(context.Background(), q, clone(&f.Particles)))
}

func TestApplyEmpty(t *testing.T) {
	s := New(cellSize)
	require.NoError(t, s.Apply(context.Background(), bruteForce(nil), &fluid.Particles{}))
	assert.Zero(t, s.MeanDensity())
}

func TestApplyCanceled(t *testing.T) {
	f, q := builtFluid(t, 50)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New(cellSize).Apply(ctx, q, clone(&f.Particles)), context.Canceled)
}
