// Package experiment benchmarks grid rebuilds across particle counts and
// compaction strategies.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/san-kum/fluidgrid/internal/compute"
	"github.com/san-kum/fluidgrid/internal/grid"
	"github.com/san-kum/fluidgrid/internal/metrics"
	"github.com/san-kum/fluidgrid/internal/scene"
)

type Config struct {
	Layout      string
	KeyEncoding string
	CellSize    float64
	Bounds      float64
	Dt          float64
	Seed        int64
	// Rebuilds is the number of timed rebuilds per case.
	Rebuilds int
}

// Case is one point of a sweep.
type Case struct {
	Compaction string
	Particles  int
}

type Result struct {
	Case
	Median      time.Duration
	Mean        time.Duration
	ActiveCells int
}

type Experiment struct {
	cfg Config
	dev compute.Device
	log *slog.Logger
}

func New(dev compute.Device, cfg Config, log *slog.Logger) *Experiment {
	if cfg.Rebuilds <= 0 {
		cfg.Rebuilds = 5
	}
	if cfg.Dt <= 0 {
		cfg.Dt = 0.005
	}
	if log == nil {
		log = slog.Default()
	}
	return &Experiment{cfg: cfg, dev: dev, log: log.With("component", "experiment")}
}

// Run times cfg.Rebuilds rebuilds of one case. Particles move between
// rebuilds so every rebuild sorts fresh keys.
func (e *Experiment) Run(ctx context.Context, c Case) (Result, error) {
	f, err := scene.Build(fmt.Sprintf("%s/%d", c.Compaction, c.Particles), scene.Config{
		Layout:    e.cfg.Layout,
		Particles: c.Particles,
		CellSize:  e.cfg.CellSize,
		Bounds:    scene.Cube(e.cfg.Bounds),
		Seed:      e.cfg.Seed,
	})
	if err != nil {
		return Result{}, err
	}

	perf := metrics.NewPerfCollector(e.cfg.Rebuilds)
	p, err := grid.NewPipeline(e.dev, grid.Options{
		Compaction:  c.Compaction,
		KeyEncoding: e.cfg.KeyEncoding,
		Logger:      e.log,
		Perf:        perf,
	})
	if err != nil {
		return Result{}, err
	}
	defer p.Close()

	g := p.Attach(f)
	// Warm up so buffer growth is not timed.
	if err := p.Rebuild(g); err != nil {
		return Result{}, err
	}
	perf.Reset()

	motion := scene.DefaultMotion()
	bounds := scene.Cube(e.cfg.Bounds)
	for i := 0; i < e.cfg.Rebuilds; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		motion.Advance(f, e.cfg.Dt, bounds)
		if err := p.Rebuild(g); err != nil {
			return Result{}, err
		}
	}

	sample, err := p.Sample(g)
	if err != nil {
		return Result{}, err
	}
	stats := perf.Stats()
	return Result{
		Case:        c,
		Median:      perf.Median(),
		Mean:        stats.AvgRebuild,
		ActiveCells: sample.ActiveCells,
	}, nil
}

// Sweep runs every combination of particle count and strategy, smallest
// count first. Cases run one at a time so they do not compete for workers.
func (e *Experiment) Sweep(ctx context.Context, particles []int, strategies []string) ([]Result, error) {
	counts := append([]int(nil), particles...)
	sort.Ints(counts)

	results := make([]Result, 0, len(counts)*len(strategies))
	for _, n := range counts {
		for _, strategy := range strategies {
			res, err := e.Run(ctx, Case{Compaction: strategy, Particles: n})
			if err != nil {
				return results, fmt.Errorf("experiment: %s with %d particles: %w", strategy, n, err)
			}
			e.log.Info("case finished",
				"compaction", strategy,
				"particles", n,
				"median", res.Median,
				"active_cells", res.ActiveCells)
			results = append(results, res)
		}
	}
	return results, nil
}

// Crossover returns the smallest particle count from which parallel
// compaction beats serial compaction at every larger measured count. It
// reports false when parallel never wins at the largest count.
func Crossover(results []Result) (int, bool) {
	serial := map[int]time.Duration{}
	parallel := map[int]time.Duration{}
	for _, r := range results {
		switch r.Compaction {
		case grid.CompactionSerial:
			serial[r.Particles] = r.Median
		case grid.CompactionParallel:
			parallel[r.Particles] = r.Median
		}
	}

	var counts []int
	for n := range serial {
		if _, ok := parallel[n]; ok {
			counts = append(counts, n)
		}
	}
	sort.Ints(counts)

	threshold, found := 0, false
	for i := len(counts) - 1; i >= 0; i-- {
		n := counts[i]
		if parallel[n] >= serial[n] {
			break
		}
		threshold, found = n, true
	}
	return threshold, found
}
