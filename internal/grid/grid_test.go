package grid

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/spaolacci/murmur3"

	"github.com/san-kum/fluidgrid/internal/compute"
	"github.com/san-kum/fluidgrid/internal/fluid"
	"github.com/san-kum/fluidgrid/internal/metrics"
	"gonum.org/v1/gonum/spatial/r3"
)

const testCellSize = 0.5

func newTestPipeline(t *testing.T, devOpts compute.Options, opts Options) *Pipeline {
	t.Helper()
	if devOpts.Workers == 0 {
		devOpts.Workers = 4
	}
	if devOpts.WorkGroupSize == 0 {
		devOpts.WorkGroupSize = 64
	}
	p, err := NewPipeline(compute.NewCPUDevice(devOpts), opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// randomFluid scatters n particles over a cube of the given side. Each
// particle is tagged with its creation index.
func randomFluid(n int, side float64, seed int64) *fluid.Fluid {
	rng := rand.New(rand.NewSource(seed))
	f := fluid.New("test", testCellSize)
	for i := 0; i < n; i++ {
		pos := r3.Vec{X: rng.Float64() * side, Y: rng.Float64() * side, Z: rng.Float64()*side - side/2}
		vel := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		idx := f.Particles.Add(pos, vel, i)
		f.Particles.Force[idx] = r3.Vec{X: float64(i)}
		f.Particles.VelEval[idx] = r3.Scale(2, vel)
	}
	return f
}

func readState(t *testing.T, p *Pipeline, g *Grid) *State {
	t.Helper()
	st, err := g.Store().ReadFromDevice(p.Queue())
	if err != nil {
		t.Fatalf("read grid state: %v", err)
	}
	return st
}

func expectPartition(g *WithT, st *State, f *fluid.Fluid, enc KeyEncoder) {
	n := f.NumParticles()
	g.Expect(st.Validate(n)).To(Succeed())
	g.Expect(st.ActiveCells).To(HaveLen(len(st.CellContentRanges)))

	total := 0
	for _, r := range st.CellContentRanges {
		total += r.Len()
	}
	g.Expect(total).To(Equal(n))

	for i := 1; i < len(st.ActiveCells); i++ {
		g.Expect(st.ActiveCells[i]).To(BeNumerically(">", st.ActiveCells[i-1]))
	}

	for i, pos := range f.Particles.Pos {
		k := enc.Encode(CellOf(pos, f.CellSize))
		r, ok := st.Range(k)
		g.Expect(ok).To(BeTrue(), "particle %d key %d not found", i, k)
		g.Expect(r.Contains(i)).To(BeTrue(), "particle %d outside range %v", i, r)
	}
}

func TestRebuildPartitionsParticles(t *testing.T) {
	for _, compaction := range []string{CompactionSerial, CompactionParallel, CompactionAuto} {
		for _, n := range []int{0, 1, 2, 17, 1000, 5000} {
			g := NewWithT(t)
			p := newTestPipeline(t, compute.Options{}, Options{Compaction: compaction, ParallelThreshold: 500})
			f := randomFluid(n, 8, int64(n))
			grid := p.Attach(f)

			g.Expect(p.Rebuild(grid)).To(Succeed(), "%s n=%d", compaction, n)
			g.Expect(grid.Store().Valid()).To(BeTrue())
			expectPartition(g, readState(t, p, grid), f, p.Encoder())
		}
	}
}

func TestRebuildHashedKeys(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{KeyEncoding: "hashed", Validate: true})
	f := randomFluid(3000, 20, 11)
	grid := p.Attach(f)

	g.Expect(p.Rebuild(grid)).To(Succeed())
	expectPartition(g, readState(t, p, grid), f, p.Encoder())
}

func TestHashedEncoder(t *testing.T) {
	g := NewWithT(t)
	c := CellCoord{X: -3, Y: 1 << 20, Z: 7}
	enc := HashedEncoder{Seed: 9}

	buf := make([]byte, 12, 16)
	binary.LittleEndian.PutUint32(buf[0:], uint32(c.X))
	binary.LittleEndian.PutUint32(buf[4:], uint32(c.Y))
	binary.LittleEndian.PutUint32(buf[8:], uint32(c.Z))
	g.Expect(enc.Encode(c)).To(Equal(SpatialKey(murmur3.Sum32WithSeed(buf, 9))))

	g.Expect(enc.Encode(c)).To(Equal(enc.Encode(CellCoord{X: -3, Y: 1 << 20, Z: 7})))
	g.Expect(enc.Encode(c)).NotTo(Equal(HashedEncoder{Seed: 10}.Encode(c)))
}

func TestNewPipelineKeyBits(t *testing.T) {
	g := NewWithT(t)
	dev := compute.NewCPUDevice(compute.Options{})
	for _, tc := range []struct {
		encoding string
		bits     int
		ok       bool
	}{
		{"packed", 0, true},
		{"packed", 30, true},
		{"packed", 32, true},
		{"packed", 16, false},
		{"packed", 33, false},
		{"hashed", 0, true},
		{"hashed", 32, true},
		{"hashed", 30, false},
	} {
		p, err := NewPipeline(dev, Options{KeyEncoding: tc.encoding, KeyBits: tc.bits})
		if !tc.ok {
			g.Expect(err).To(HaveOccurred(), "%s bits=%d", tc.encoding, tc.bits)
			continue
		}
		g.Expect(err).NotTo(HaveOccurred(), "%s bits=%d", tc.encoding, tc.bits)
		g.Expect(p.Close()).To(Succeed())
	}
}

func TestRebuildPermutesAllAttributes(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	f := randomFluid(2000, 6, 3)
	orig := randomFluid(2000, 6, 3).Particles

	grid := p.Attach(f)
	g.Expect(p.Rebuild(grid)).To(Succeed())
	g.Expect(f.Particles.Validate()).To(Succeed())

	seen := make([]bool, len(orig.Pos))
	for i := range f.Particles.Pos {
		src := f.Particles.Tags[i].(int)
		g.Expect(seen[src]).To(BeFalse(), "particle %d appears twice", src)
		seen[src] = true

		g.Expect(f.Particles.Pos[i]).To(Equal(orig.Pos[src]))
		g.Expect(f.Particles.Vel[i]).To(Equal(orig.Vel[src]))
		g.Expect(f.Particles.VelEval[i]).To(Equal(orig.VelEval[src]))
		g.Expect(f.Particles.Force[i]).To(Equal(orig.Force[src]))
	}

	var device fluid.Particles
	device.Pos = make([]r3.Vec, len(orig.Pos))
	device.VelEval = make([]r3.Vec, len(orig.Pos))
	g.Expect(grid.DeviceParticles().Download(p.Queue(), &device)).To(Succeed())
	g.Expect(device.Pos).To(Equal(f.Particles.Pos))
	g.Expect(device.VelEval).To(Equal(f.Particles.VelEval))
}

func TestRebuildIdempotent(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	f := randomFluid(4000, 10, 5)
	grid := p.Attach(f)

	g.Expect(p.Rebuild(grid)).To(Succeed())
	first := readState(t, p, grid)
	order := append([]any(nil), f.Particles.Tags...)

	g.Expect(p.Rebuild(grid)).To(Succeed())
	second := readState(t, p, grid)

	g.Expect(second.Equal(first)).To(BeTrue())
	g.Expect(second.Checksum()).To(Equal(first.Checksum()))
	g.Expect(f.Particles.Tags).To(Equal(order), "stable sort keeps an already sorted order")
}

func compactKeys(t *testing.T, c Compactor, keys []SpatialKey) (*State, error) {
	t.Helper()
	dev := compute.NewCPUDevice(compute.Options{Workers: 4, WorkGroupSize: 16})
	q := compute.NewQueue(dev)
	t.Cleanup(q.Close)
	t.Cleanup(c.Release)

	n := len(keys)
	pairs := compute.NewBuffer[compute.KeyIndexPair](dev, "pairs")
	if err := pairs.Resize(n, false); err != nil {
		t.Fatal(err)
	}
	host := make([]compute.KeyIndexPair, n)
	for i, k := range keys {
		host[i] = compute.KeyIndexPair{Key: uint32(k), Index: uint32(i)}
	}
	if err := compute.WriteBuffer(q, pairs, host); err != nil {
		t.Fatal(err)
	}

	store := NewStore(dev)
	if err := c.Reserve(n); err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureCapacity(n); err != nil {
		t.Fatal(err)
	}
	if err := c.Compact(q, pairs, n, store); err != nil {
		return nil, err
	}
	store.publish()
	return store.ReadFromDevice(q)
}

func TestCompactors(t *testing.T) {
	tests := []struct {
		name   string
		keys   []SpatialKey
		cells  []SpatialKey
		ranges []CellContentRange
	}{
		{
			name:   "two runs",
			keys:   []SpatialKey{2, 2, 5, 5},
			cells:  []SpatialKey{2, 5},
			ranges: []CellContentRange{{0, 2}, {2, 4}},
		},
		{
			name:   "single particle",
			keys:   []SpatialKey{7},
			cells:  []SpatialKey{7},
			ranges: []CellContentRange{{0, 1}},
		},
		{
			name:   "one shared key",
			keys:   []SpatialKey{3, 3, 3, 3, 3, 3},
			cells:  []SpatialKey{3},
			ranges: []CellContentRange{{0, 6}},
		},
		{
			name:   "all unique",
			keys:   []SpatialKey{0, 1, 2, 9},
			cells:  []SpatialKey{0, 1, 2, 9},
			ranges: []CellContentRange{{0, 1}, {1, 2}, {2, 3}, {3, 4}},
		},
		{
			name:   "singleton last",
			keys:   []SpatialKey{1, 1, 1, 4},
			cells:  []SpatialKey{1, 4},
			ranges: []CellContentRange{{0, 3}, {3, 4}},
		},
		{
			name:   "empty",
			keys:   []SpatialKey{},
			cells:  []SpatialKey{},
			ranges: []CellContentRange{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, c := range []Compactor{NewSerialCompactor(), NewParallelCompactor(compute.NewCPUDevice(compute.Options{}))} {
				g := NewWithT(t)
				st, err := compactKeys(t, c, tt.keys)
				g.Expect(err).NotTo(HaveOccurred(), c.Name())
				g.Expect(st.ActiveCells).To(Equal(tt.cells), c.Name())
				g.Expect(st.CellContentRanges).To(Equal(tt.ranges), c.Name())
			}
		})
	}
}

func TestCompactorsRejectUnsortedKeys(t *testing.T) {
	for _, c := range []Compactor{NewSerialCompactor(), NewParallelCompactor(compute.NewCPUDevice(compute.Options{}))} {
		g := NewWithT(t)
		_, err := compactKeys(t, c, []SpatialKey{1, 5, 2, 2})
		g.Expect(err).To(MatchError(ErrUnsortedKeys), c.Name())
		g.Expect(compute.IsKernelFault(err)).To(BeTrue(), c.Name())
	}
}

func TestCrossCheck(t *testing.T) {
	for _, n := range []int{0, 1, 2, 100, 1023, 1024, 1025, 20000} {
		g := NewWithT(t)
		rng := rand.New(rand.NewSource(int64(n)))
		keys := make([]SpatialKey, n)
		for i := range keys {
			keys[i] = SpatialKey(rng.Intn(n/4 + 1))
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		dev := compute.NewCPUDevice(compute.Options{Workers: 8, WorkGroupSize: 32})
		q := compute.NewQueue(dev)
		st, err := CrossCheck(q, keys)
		q.Close()

		g.Expect(err).NotTo(HaveOccurred(), "n=%d", n)
		g.Expect(st.Validate(n)).To(Succeed())
		g.Expect(dev.InUse()).To(BeZero(), "cross-check releases its buffers")
	}
}

func TestEmptyFluidIssuesNoKernels(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	grid := p.Attach(fluid.New("empty", testCellSize))

	before := p.Queue().Stats().Kernels
	g.Expect(p.Rebuild(grid)).To(Succeed())
	g.Expect(p.Queue().Stats().Kernels).To(Equal(before))

	n, err := grid.Store().NumActiveCells(p.Queue())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(BeZero())

	st := readState(t, p, grid)
	g.Expect(st.ActiveCells).To(BeEmpty())
	g.Expect(st.CellContentRanges).To(BeEmpty())
}

func TestAllParticlesInOneCell(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	f := fluid.New("clump", 1.0)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 300; i++ {
		f.Particles.Add(r3.Vec{X: rng.Float64() * 0.9, Y: rng.Float64() * 0.9, Z: rng.Float64() * 0.9}, r3.Vec{}, i)
	}
	grid := p.Attach(f)

	g.Expect(p.Rebuild(grid)).To(Succeed())
	st := readState(t, p, grid)
	g.Expect(st.ActiveCells).To(HaveLen(1))
	g.Expect(st.CellContentRanges).To(Equal([]CellContentRange{{0, 300}}))
}

func TestCapacityGrowsOnlyOnce(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	f := randomFluid(1000, 8, 9)
	full := f.Particles
	grid := p.Attach(f)

	steps := []struct {
		n           int
		allocations int
	}{
		{10, 1},
		{1000, 2},
		{10, 2},
	}
	for _, step := range steps {
		f.Particles = fluid.Particles{
			Pos:     append([]r3.Vec(nil), full.Pos[:step.n]...),
			Vel:     append([]r3.Vec(nil), full.Vel[:step.n]...),
			VelEval: append([]r3.Vec(nil), full.VelEval[:step.n]...),
			Force:   append([]r3.Vec(nil), full.Force[:step.n]...),
			Tags:    append([]any(nil), full.Tags[:step.n]...),
		}
		g.Expect(p.Rebuild(grid)).To(Succeed())

		g.Expect(grid.Store().activeCells.Allocations()).To(Equal(step.allocations), "n=%d", step.n)
		g.Expect(grid.Store().cellContents.Allocations()).To(Equal(step.allocations), "n=%d", step.n)
		g.Expect(p.pairs.Allocations()).To(Equal(step.allocations), "n=%d", step.n)
		g.Expect(grid.Store().Capacity()).To(BeNumerically(">=", step.n))
		expectPartition(g, readState(t, p, grid), f, p.Encoder())
	}
}

func TestAllocationFailureRetainsState(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{MemoryLimit: 64 << 10}, Options{})
	f := randomFluid(100, 4, 21)
	grid := p.Attach(f)

	g.Expect(p.Rebuild(grid)).To(Succeed())
	before := readState(t, p, grid)

	big := randomFluid(20000, 4, 22)
	f.Particles = big.Particles
	err := p.Rebuild(grid)

	g.Expect(err).To(MatchError(ErrAllocation))
	g.Expect(err).To(MatchError(compute.ErrOutOfDeviceMemory))
	var rerr *RebuildError
	g.Expect(errors.As(err, &rerr)).To(BeTrue())
	g.Expect(rerr.Step).To(Equal(2))

	g.Expect(grid.Store().Valid()).To(BeTrue())
	after := readState(t, p, grid)
	g.Expect(after.Equal(before)).To(BeTrue())

	f.Particles.Truncate(50)
	g.Expect(p.Rebuild(grid)).To(Succeed(), "the next step recovers")
	expectPartition(g, readState(t, p, grid), f, p.Encoder())
}

// faultyEncoder aborts the key kernel.
type faultyEncoder struct{}

func (faultyEncoder) Name() string                { return "faulty" }
func (faultyEncoder) KeyBits() int                { return 30 }
func (faultyEncoder) Encode(CellCoord) SpatialKey { panic("bad cell") }

func TestDeviceFaultInvalidatesStore(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	f := randomFluid(500, 4, 31)
	grid := p.Attach(f)
	g.Expect(p.Rebuild(grid)).To(Succeed())
	g.Expect(grid.Store().Valid()).To(BeTrue())
	tags := append([]any(nil), f.Particles.Tags...)

	p.enc = faultyEncoder{}
	err := p.Rebuild(grid)
	g.Expect(err).To(HaveOccurred())
	g.Expect(compute.IsKernelFault(err)).To(BeTrue())
	var rerr *RebuildError
	g.Expect(errors.As(err, &rerr)).To(BeTrue())
	g.Expect(rerr.Step).To(Equal(2))
	g.Expect(rerr.Phase).To(Equal(metrics.PhaseGenerateKeys))

	g.Expect(grid.Store().Valid()).To(BeFalse())
	_, err = grid.Store().ReadFromDevice(p.Queue())
	g.Expect(err).To(MatchError(ErrGridInvalid))
	_, err = p.Query(grid)
	g.Expect(err).To(MatchError(ErrGridInvalid))
	g.Expect(f.Particles.Tags).To(Equal(tags), "host arrays untouched")

	p.enc = PackedEncoder{}
	g.Expect(p.Rebuild(grid)).To(Succeed(), "the next step recovers")
	g.Expect(grid.Store().Valid()).To(BeTrue())
	expectPartition(g, readState(t, p, grid), f, p.Encoder())
}

func TestQueryDuringRebuild(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	a := p.Attach(randomFluid(4000, 6, 41))
	fb := randomFluid(1000, 6, 42)
	b := p.Attach(fb)
	g.Expect(p.Rebuild(b)).To(Succeed())
	want := readState(t, p, b)

	var wg sync.WaitGroup
	errs := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if err := p.Rebuild(a); err != nil {
				errs <- err
				return
			}
		}
	}()
	for i := 0; i < 50; i++ {
		q, err := p.Query(b)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(q.State.Equal(want)).To(BeTrue())
		s, err := p.Sample(b)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(s.ActiveCells).To(Equal(len(want.ActiveCells)))
	}
	wg.Wait()
	close(errs)
	g.Expect(<-errs).NotTo(HaveOccurred())
	expectPartition(g, readState(t, p, a), a.fluid, p.Encoder())
}

func TestRebuildInProgress(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	grid := p.Attach(randomFluid(10, 2, 1))

	grid.busy.Store(true)
	g.Expect(p.Rebuild(grid)).To(MatchError(ErrRebuildInProgress))
	grid.busy.Store(false)
	g.Expect(p.Rebuild(grid)).To(Succeed())
}

func TestRebuildRejectsMismatchedArrays(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	f := randomFluid(10, 2, 1)
	f.Particles.Tags = f.Particles.Tags[:5]
	grid := p.Attach(f)

	err := p.Rebuild(grid)
	g.Expect(err).To(MatchError(fluid.ErrLengthMismatch))
	g.Expect(grid.Store().Valid()).To(BeFalse())
}

func TestRebuildAfterClose(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	grid := p.Attach(randomFluid(10, 2, 1))
	g.Expect(p.Close()).To(Succeed())
	g.Expect(p.Rebuild(grid)).To(MatchError(compute.ErrQueueClosed))
}

func TestStoreRoundTrip(t *testing.T) {
	g := NewWithT(t)
	dev := compute.NewCPUDevice(compute.Options{})
	q := compute.NewQueue(dev)
	defer q.Close()
	store := NewStore(dev)

	n, err := store.NumActiveCells(q)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(BeZero())
	_, err = store.ReadFromDevice(q)
	g.Expect(err).To(MatchError(ErrGridInvalid))
	_, err = store.ActiveCells()
	g.Expect(err).To(MatchError(ErrGridInvalid))

	want := &State{
		ActiveCells:       []SpatialKey{4, 8, 15},
		CellContentRanges: []CellContentRange{{0, 1}, {1, 5}, {5, 6}},
	}
	g.Expect(store.WriteToDevice(q, want)).To(Succeed())
	g.Expect(store.Valid()).To(BeTrue())

	got, err := store.ReadFromDevice(q)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got).To(Equal(want))

	cells, err := store.ActiveCells()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cells).To(Equal(want.ActiveCells))

	store.Release()
	g.Expect(dev.InUse()).To(BeZero())
}

func TestNeighborQuery(t *testing.T) {
	g := NewWithT(t)
	p := newTestPipeline(t, compute.Options{}, Options{})
	f := randomFluid(3000, 5, 8)
	grid := p.Attach(f)
	g.Expect(p.Rebuild(grid)).To(Succeed())

	q, err := p.Query(grid)
	g.Expect(err).NotTo(HaveOccurred())

	rng := rand.New(rand.NewSource(2))
	for trial := 0; trial < 20; trial++ {
		at := r3.Vec{X: rng.Float64() * 5, Y: rng.Float64() * 5, Z: rng.Float64()*5 - 2.5}
		center := CellOf(at, f.CellSize)

		var want []int
		for i, pos := range f.Particles.Pos {
			c := CellOf(pos, f.CellSize)
			if abs(c.X-center.X) <= 1 && abs(c.Y-center.Y) <= 1 && abs(c.Z-center.Z) <= 1 {
				want = append(want, i)
			}
		}
		var got []int
		q.ForEachNeighbor(at, func(i int) bool {
			got = append(got, i)
			return true
		})
		g.Expect(got).To(ConsistOf(want))
	}

	calls := 0
	q.ForEachNeighbor(f.Particles.Pos[0], func(int) bool {
		calls++
		return false
	})
	g.Expect(calls).To(Equal(1))
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
