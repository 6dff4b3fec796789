package metrics

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Rebuild phase names.
const (
	PhaseCapacity        = "capacity"
	PhaseUpload          = "upload"
	PhaseGenerateKeys    = "generate_keys"
	PhaseSort            = "sort"
	PhaseRearrangeDevice = "rearrange_device"
	PhaseRearrangeHost   = "rearrange_host"
	PhaseCompact         = "compact"
	PhaseValidate        = "validate"
)

// Phases lists the rebuild phases in pipeline order.
var Phases = []string{
	PhaseCapacity, PhaseUpload, PhaseGenerateKeys, PhaseSort,
	PhaseRearrangeDevice, PhaseRearrangeHost, PhaseCompact, PhaseValidate,
}

// PerfSample holds timing data for a single rebuild.
type PerfSample struct {
	Rebuild time.Duration
	Phases  map[string]time.Duration
}

// PerfCollector tracks rebuild timings over a rolling window. A nil collector
// is valid and records nothing.
type PerfCollector struct {
	mu          sync.Mutex
	windowSize  int
	samples     []PerfSample
	writeIndex  int
	sampleCount int

	current    map[string]time.Duration
	start      time.Time
	phaseStart time.Time
	lastPhase  string
}

// NewPerfCollector creates a collector averaging over windowSize rebuilds.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 60
	}
	return &PerfCollector{
		windowSize: windowSize,
		samples:    make([]PerfSample, windowSize),
		current:    make(map[string]time.Duration),
	}
}

// StartRebuild begins timing a new rebuild.
func (p *PerfCollector) StartRebuild() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = time.Now()
	p.current = make(map[string]time.Duration)
	p.lastPhase = ""
}

// StartPhase closes the running phase and starts timing phase.
func (p *PerfCollector) StartPhase(phase string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.lastPhase != "" {
		p.current[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// EndPhase closes the running phase without starting another.
func (p *PerfCollector) EndPhase() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPhase != "" {
		p.current[p.lastPhase] += time.Since(p.phaseStart)
		p.lastPhase = ""
	}
}

// Record adds a duration measured elsewhere, such as the span between two
// device events, to phase.
func (p *PerfCollector) Record(phase string, d time.Duration) {
	if p == nil || d < 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current[phase] += d
}

// EndRebuild closes the running phase and stores the sample.
func (p *PerfCollector) EndRebuild() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.lastPhase != "" {
		p.current[p.lastPhase] += now.Sub(p.phaseStart)
		p.lastPhase = ""
	}
	p.samples[p.writeIndex] = PerfSample{
		Rebuild: now.Sub(p.start),
		Phases:  p.current,
	}
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
	p.current = make(map[string]time.Duration)
}

// Reset drops every stored sample.
func (p *PerfCollector) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeIndex = 0
	p.sampleCount = 0
}

// PerfStats holds aggregated rebuild timings.
type PerfStats struct {
	Samples    int
	AvgRebuild time.Duration
	StdRebuild time.Duration
	MinRebuild time.Duration
	MaxRebuild time.Duration

	PhaseAvg map[string]time.Duration
	PhasePct map[string]float64

	RebuildsPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	out := PerfStats{
		PhaseAvg: make(map[string]time.Duration),
		PhasePct: make(map[string]float64),
	}
	if p == nil {
		return out
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sampleCount == 0 {
		return out
	}

	durations := make([]float64, p.sampleCount)
	phaseSum := make(map[string]time.Duration)
	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		durations[i] = float64(s.Rebuild)
		for phase, d := range s.Phases {
			phaseSum[phase] += d
		}
	}
	mean, std := stat.MeanStdDev(durations, nil)
	if p.sampleCount < 2 {
		std = 0
	}
	sort.Float64s(durations)

	out.Samples = p.sampleCount
	out.AvgRebuild = time.Duration(mean)
	out.StdRebuild = time.Duration(std)
	out.MinRebuild = time.Duration(durations[0])
	out.MaxRebuild = time.Duration(durations[len(durations)-1])
	for phase, sum := range phaseSum {
		avg := sum / time.Duration(p.sampleCount)
		out.PhaseAvg[phase] = avg
		if out.AvgRebuild > 0 {
			out.PhasePct[phase] = float64(avg) / float64(out.AvgRebuild) * 100
		}
	}
	if out.AvgRebuild > 0 {
		out.RebuildsPerSecond = float64(time.Second) / float64(out.AvgRebuild)
	}
	return out
}

// Median returns the median rebuild duration in the window.
func (p *PerfCollector) Median() time.Duration {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sampleCount == 0 {
		return 0
	}
	durations := make([]float64, p.sampleCount)
	for i := range durations {
		durations[i] = float64(p.samples[i].Rebuild)
	}
	sort.Float64s(durations)
	return time.Duration(stat.Quantile(0.5, stat.Empirical, durations, nil))
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("samples", s.Samples),
		slog.Int64("avg_rebuild_us", s.AvgRebuild.Microseconds()),
		slog.Int64("std_rebuild_us", s.StdRebuild.Microseconds()),
		slog.Int64("min_rebuild_us", s.MinRebuild.Microseconds()),
		slog.Int64("max_rebuild_us", s.MaxRebuild.Microseconds()),
		slog.Float64("rebuilds_per_sec", s.RebuildsPerSecond),
	}
	for _, phase := range Phases {
		if pct, ok := s.PhasePct[phase]; ok {
			attrs = append(attrs, slog.Float64(phase+"_pct", pct))
		}
	}
	return slog.GroupValue(attrs...)
}

// LogValue implements slog.LogValuer for structured logging.
func (s Sample) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("step", s.Step),
		slog.Int("particles", s.Particles),
		slog.Int("active_cells", s.ActiveCells),
		slog.Int("max_occupancy", s.MaxOccupancy),
		slog.Int("reallocations", s.Reallocations),
	)
}
