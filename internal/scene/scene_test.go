package scene

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestBuildLayouts(t *testing.T) {
	bounds := Cube(4)
	for _, layout := range Layouts() {
		for _, n := range []int{0, 1, 500} {
			f, err := Build("test", Config{Layout: layout, Particles: n, CellSize: 0.2, Bounds: bounds, Seed: 1})
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", layout, err)
			}
			if f.NumParticles() != n {
				t.Errorf("%s: expected %d particles, got %d", layout, n, f.NumParticles())
			}
			if err := f.Particles.Validate(); err != nil {
				t.Errorf("%s: %v", layout, err)
			}
			for i, p := range f.Particles.Pos {
				if !bounds.Contains(p) {
					t.Fatalf("%s: particle %d at %v outside bounds", layout, i, p)
				}
			}
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	cfg := Config{Layout: "random", Particles: 100, CellSize: 0.5, Bounds: Cube(3), Seed: 42}
	a, _ := Build("a", cfg)
	b, _ := Build("b", cfg)
	for i := range a.Particles.Pos {
		if a.Particles.Pos[i] != b.Particles.Pos[i] {
			t.Fatalf("particle %d differs between builds with the same seed", i)
		}
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown layout", Config{Layout: "swirl", Particles: 1, CellSize: 1, Bounds: Cube(1)}},
		{"zero cell size", Config{Layout: "cube", Particles: 1, Bounds: Cube(1)}},
		{"negative count", Config{Layout: "cube", Particles: -1, CellSize: 1, Bounds: Cube(1)}},
		{"empty bounds", Config{Layout: "cube", Particles: 1, CellSize: 1}},
	}
	for _, tt := range tests {
		if _, err := Build("bad", tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestAdvanceStaysInBounds(t *testing.T) {
	bounds := Cube(2)
	f, err := Build("drop", Config{Layout: "dam_break", Particles: 200, CellSize: 0.1, Bounds: bounds, Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	m := DefaultMotion()
	for step := 0; step < 500; step++ {
		m.Advance(f, 0.01, bounds)
	}
	for i, p := range f.Particles.Pos {
		if !bounds.Contains(p) {
			t.Fatalf("particle %d escaped to %v", i, p)
		}
	}
	if f.Particles.Force[0] != r3.Scale(m.Mass, m.Gravity) {
		t.Errorf("expected gravity force, got %v", f.Particles.Force[0])
	}
}

func TestAdvanceFalls(t *testing.T) {
	bounds := Cube(10)
	f, _ := Build("drop", Config{Layout: "cube", Particles: 1, CellSize: 1, Bounds: bounds})
	start := f.Particles.Pos[0]
	DefaultMotion().Advance(f, 0.1, bounds)
	if f.Particles.Pos[0].Y >= start.Y {
		t.Errorf("expected particle to fall, y went from %f to %f", start.Y, f.Particles.Pos[0].Y)
	}
	if f.Particles.VelEval[0].Y >= 0 {
		t.Error("expected downward evaluation velocity")
	}
}

func TestIntegrateUsesAccumulatedForce(t *testing.T) {
	bounds := Cube(10)
	f, _ := Build("push", Config{Layout: "cube", Particles: 1, CellSize: 1, Bounds: bounds})
	start := f.Particles.Pos[0]

	m := DefaultMotion()
	m.ApplyGravity(&f.Particles)
	f.Particles.Force[0] = r3.Add(f.Particles.Force[0], r3.Vec{X: 5})
	m.Integrate(f, 0.1, bounds)

	if f.Particles.Pos[0].X <= start.X {
		t.Errorf("expected push along x, x went from %f to %f", start.X, f.Particles.Pos[0].X)
	}
	if f.Particles.Pos[0].Y >= start.Y {
		t.Errorf("expected gravity to still apply, y went from %f to %f", start.Y, f.Particles.Pos[0].Y)
	}
}
