package metrics

// Sample summarizes one grid rebuild.
type Sample struct {
	Step          int
	Particles     int
	ActiveCells   int
	MaxOccupancy  int
	Reallocations int
}

// Metric accumulates a scalar over the rebuilds of a run.
type Metric interface {
	Name() string
	Observe(s Sample)
	Value() float64
	Reset()
}

// Standard returns the metrics recorded for every run.
func Standard() []Metric {
	return []Metric{
		NewOccupancy(),
		NewPeakOccupancy(),
		NewActiveCells(),
		NewReallocations(),
	}
}

// Collect returns the current value of every metric keyed by name.
func Collect(ms []Metric) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.Name()] = m.Value()
	}
	return out
}
