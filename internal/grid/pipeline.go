package grid

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/fluidgrid/internal/compute"
	"github.com/san-kum/fluidgrid/internal/fluid"
	"github.com/san-kum/fluidgrid/internal/metrics"
	"gonum.org/v1/gonum/spatial/r3"
)

// Options configures a Pipeline.
type Options struct {
	// Compaction is "parallel" (default), "serial" or "auto".
	Compaction        string
	ParallelThreshold int
	// KeyEncoding is "packed" (default) or "hashed".
	KeyEncoding string
	// KeyBits bounds the significant key bits the sort looks at. Zero uses
	// the encoder's width.
	KeyBits int
	// Validate checks the partition invariants after every rebuild.
	Validate bool
	Logger   *slog.Logger
	Perf     *metrics.PerfCollector
}

// Grid is the sorting grid of one fluid.
type Grid struct {
	fluid  *fluid.Fluid
	device *fluid.DeviceParticles
	store  *Store
	busy   atomic.Bool
	steps  int
}

func (g *Grid) Fluid() *fluid.Fluid                     { return g.fluid }
func (g *Grid) Store() *Store                           { return g.store }
func (g *Grid) DeviceParticles() *fluid.DeviceParticles { return g.device }

// Steps is the number of rebuilds attempted.
func (g *Grid) Steps() int { return g.steps }

// Pipeline rebuilds sorting grids on one device queue. Scratch buffers are
// owned by the pipeline and grow to the largest fluid it has rebuilt.
type Pipeline struct {
	mu sync.Mutex

	dev       compute.Device
	q         *compute.Queue
	enc       KeyEncoder
	keyBits   int
	sorter    *compute.RadixSorter
	compactor Compactor
	validate  bool
	log       *slog.Logger
	perf      *metrics.PerfCollector

	pairs     *compute.Buffer[compute.KeyIndexPair]
	scratch   *compute.Buffer[r3.Vec]
	hostPairs []compute.KeyIndexPair
	vecPool   *fluid.SlicePool[r3.Vec]
	tagPool   *fluid.SlicePool[any]

	grids []*Grid
}

func NewPipeline(dev compute.Device, opts Options) (*Pipeline, error) {
	enc, err := NewEncoder(opts.KeyEncoding)
	if err != nil {
		return nil, err
	}
	keyBits := opts.KeyBits
	if keyBits == 0 {
		keyBits = enc.KeyBits()
	}
	// A narrower sort would leave keys out of order for the compactors.
	if keyBits < enc.KeyBits() || keyBits > 32 {
		return nil, fmt.Errorf("grid: key bits %d outside [%d, 32] for %s keys", keyBits, enc.KeyBits(), enc.Name())
	}
	compactor, err := NewCompactor(opts.Compaction, dev, opts.ParallelThreshold)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		dev:       dev,
		q:         compute.NewQueue(dev),
		enc:       enc,
		keyBits:   keyBits,
		sorter:    compute.NewRadixSorter(dev),
		compactor: compactor,
		validate:  opts.Validate,
		log:       log.With("component", "grid", "device", dev.Name()),
		perf:      opts.Perf,
		pairs:     compute.NewBuffer[compute.KeyIndexPair](dev, "grid key/index pairs"),
		scratch:   compute.NewBuffer[r3.Vec](dev, "grid rearrange scratch"),
		vecPool:   fluid.NewSlicePool[r3.Vec](),
		tagPool:   fluid.NewSlicePool[any](),
	}, nil
}

func (p *Pipeline) Queue() *compute.Queue { return p.q }
func (p *Pipeline) Encoder() KeyEncoder   { return p.enc }
func (p *Pipeline) Compactor() Compactor  { return p.compactor }

// Attach binds f to a new grid whose device state lives on this pipeline's
// device.
func (p *Pipeline) Attach(f *fluid.Fluid) *Grid {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := &Grid{
		fluid:  f,
		device: fluid.NewDeviceParticles(p.dev),
		store:  NewStore(p.dev),
	}
	p.grids = append(p.grids, g)
	return g
}

// Query reads the grid state from the device for neighbor lookups. It waits
// for any rebuild in flight on the pipeline.
func (p *Pipeline) Query(g *Grid) (Query, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := g.store.ReadFromDevice(p.q)
	if err != nil {
		return Query{}, err
	}
	return Query{State: st, Encoder: p.enc, CellSize: g.fluid.CellSize}, nil
}

// ensureCapacity grows every buffer the rebuild of n particles touches.
// Growth preserves contents, so a failure leaves the published state intact.
func (p *Pipeline) ensureCapacity(g *Grid, n int) error {
	grown := p.pairs.Cap() < n || g.store.Capacity() < n
	if err := p.pairs.Reserve(n); err != nil {
		return err
	}
	if err := p.scratch.Reserve(n); err != nil {
		return err
	}
	if err := p.sorter.Reserve(n); err != nil {
		return err
	}
	if err := p.compactor.Reserve(n); err != nil {
		return err
	}
	if err := g.device.Reserve(n); err != nil {
		return err
	}
	if err := g.store.EnsureCapacity(n); err != nil {
		return err
	}
	if cap(p.hostPairs) < n {
		p.hostPairs = make([]compute.KeyIndexPair, n)
	}
	if grown {
		p.log.Debug("grid buffers grown",
			"fluid", g.fluid.Name,
			"particles", n,
			"device_bytes", p.dev.InUse(),
			"store_allocations", g.store.Allocations())
	}
	return nil
}

// Rebuild regenerates g's sorting grid from the fluid's current positions.
// On success the particle arrays are in cell order and the store holds the
// matching partition. A failed allocation leaves the previous state intact;
// any later failure leaves the store invalid.
func (p *Pipeline) Rebuild(g *Grid) (err error) {
	if !g.busy.CompareAndSwap(false, true) {
		return ErrRebuildInProgress
	}
	defer g.busy.Store(false)

	p.mu.Lock()
	defer p.mu.Unlock()

	g.steps++
	step := g.steps
	parts := &g.fluid.Particles
	n := parts.Len()
	fail := func(phase string, cause error) error {
		return &RebuildError{Step: step, Phase: phase, Wrapped: cause}
	}

	if err := parts.Validate(); err != nil {
		return fail(metrics.PhaseCapacity, err)
	}
	if err := p.q.Finish(); err != nil {
		if errors.Is(err, compute.ErrQueueClosed) {
			return fail(metrics.PhaseCapacity, err)
		}
		p.log.Warn("discarding stale queue error", "error", err)
	}

	p.perf.StartRebuild()
	defer p.perf.EndRebuild()

	p.perf.StartPhase(metrics.PhaseCapacity)
	if err := p.ensureCapacity(g, n); err != nil {
		p.log.Error("grid allocation failed", "fluid", g.fluid.Name, "step", step, "particles", n, "error", err)
		return fail(metrics.PhaseCapacity, fmt.Errorf("%w: %w", ErrAllocation, err))
	}

	g.store.invalidate()
	defer func() {
		if err != nil {
			g.store.invalidate()
			p.q.Finish()
			p.log.Error("grid rebuild failed", "fluid", g.fluid.Name, "step", step, "error", err)
		}
	}()

	if n == 0 {
		p.perf.StartPhase(metrics.PhaseCompact)
		if err := g.store.enqueueEmpty(p.q).Wait(); err != nil {
			return fail(metrics.PhaseCompact, err)
		}
		g.store.publish()
		return nil
	}

	p.perf.StartPhase(metrics.PhaseUpload)
	if err := p.pairs.Resize(n, false); err != nil {
		return fail(metrics.PhaseUpload, err)
	}
	if err := p.scratch.Resize(n, false); err != nil {
		return fail(metrics.PhaseUpload, err)
	}
	if err := g.device.Upload(p.q, parts); err != nil {
		return fail(metrics.PhaseUpload, err)
	}

	// Keys, sort and device rearrangement run without host waits.
	p.perf.EndPhase()
	begin := time.Now()
	keyed := enqueueKeys(p.q, p.enc, g.fluid.CellSize, g.device.Pos, p.pairs, n)
	sorted := p.sorter.Sort(p.q, p.pairs, n, p.keyBits, keyed)
	pos := enqueueRearrange(p.q, "positions", p.pairs, g.device.Pos, p.scratch, n, sorted)
	velEval := enqueueRearrange(p.q, "eval velocities", p.pairs, g.device.VelEval, p.scratch, n, pos)
	read := compute.EnqueueRead(p.q, p.pairs, p.hostPairs[:n], velEval)
	if err := read.Wait(); err != nil {
		return fail(failedPhase(keyed, sorted), err)
	}
	p.perf.Record(metrics.PhaseGenerateKeys, keyed.Finished().Sub(begin))
	p.perf.Record(metrics.PhaseSort, sorted.Finished().Sub(keyed.Finished()))
	p.perf.Record(metrics.PhaseRearrangeDevice, read.Finished().Sub(sorted.Finished()))

	p.perf.StartPhase(metrics.PhaseRearrangeHost)
	order := p.hostPairs[:n]
	parts.Pos = rearrangeHost(p.vecPool, order, parts.Pos)
	parts.Vel = rearrangeHost(p.vecPool, order, parts.Vel)
	parts.VelEval = rearrangeHost(p.vecPool, order, parts.VelEval)
	parts.Force = rearrangeHost(p.vecPool, order, parts.Force)
	parts.Tags = rearrangeHost(p.tagPool, order, parts.Tags)

	p.perf.StartPhase(metrics.PhaseCompact)
	if err := p.compactor.Compact(p.q, p.pairs, n, g.store); err != nil {
		return fail(metrics.PhaseCompact, err)
	}
	if err := p.q.Finish(); err != nil {
		return fail(metrics.PhaseCompact, err)
	}

	if p.validate {
		p.perf.StartPhase(metrics.PhaseValidate)
		if err := p.check(g, n); err != nil {
			return fail(metrics.PhaseValidate, err)
		}
	}

	g.store.publish()
	return nil
}

// failedPhase names the first of the device phases that did not complete
// successfully.
func failedPhase(keyed, sorted *compute.Event) string {
	switch {
	case keyed.Wait() != nil:
		return metrics.PhaseGenerateKeys
	case sorted.Wait() != nil:
		return metrics.PhaseSort
	default:
		return metrics.PhaseRearrangeDevice
	}
}

// check validates the compacted partition against the sorted keys.
func (p *Pipeline) check(g *Grid, n int) error {
	st, err := g.store.readState(p.q)
	if err != nil {
		return err
	}
	if err := st.Validate(n); err != nil {
		return err
	}
	order := p.hostPairs[:n]
	for c, r := range st.CellContentRanges {
		for i := r.Start; i < r.End; i++ {
			if SpatialKey(order[i].Key) != st.ActiveCells[c] {
				return fmt.Errorf("%w: particle %d with key %d placed in cell %d", ErrInvariant, i, order[i].Key, st.ActiveCells[c])
			}
		}
	}
	return nil
}

// Sample summarizes g's current grid for step metrics.
func (p *Pipeline) Sample(g *Grid) (metrics.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := g.store.ReadFromDevice(p.q)
	if err != nil {
		return metrics.Sample{}, err
	}
	return metrics.Sample{
		Step:          g.steps,
		Particles:     g.fluid.NumParticles(),
		ActiveCells:   st.NumActiveCells(),
		MaxOccupancy:  st.MaxOccupancy(),
		Reallocations: g.store.Allocations() + p.pairs.Allocations(),
	}, nil
}

// Close releases every device buffer the pipeline and its grids own and
// stops the queue.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.q.Finish()
	if errors.Is(err, compute.ErrQueueClosed) {
		return nil
	}
	p.q.Close()
	for _, g := range p.grids {
		g.store.Release()
		g.device.Release()
	}
	p.grids = nil
	p.pairs.Release()
	p.scratch.Release()
	p.sorter.Release()
	p.compactor.Release()
	return err
}
