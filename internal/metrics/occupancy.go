package metrics

// Occupancy is the mean number of particles per active cell, averaged over
// all observed rebuilds.
type Occupancy struct {
	name    string
	sum     float64
	samples int
}

func NewOccupancy() *Occupancy {
	return &Occupancy{name: "mean_occupancy"}
}

func (o *Occupancy) Name() string { return o.name }

func (o *Occupancy) Observe(s Sample) {
	if s.ActiveCells == 0 {
		return
	}
	o.sum += float64(s.Particles) / float64(s.ActiveCells)
	o.samples++
}

func (o *Occupancy) Value() float64 {
	if o.samples == 0 {
		return 0
	}
	return o.sum / float64(o.samples)
}

func (o *Occupancy) Reset() {
	o.sum = 0
	o.samples = 0
}

// PeakOccupancy is the largest particle count seen in a single cell.
type PeakOccupancy struct {
	name string
	peak int
}

func NewPeakOccupancy() *PeakOccupancy {
	return &PeakOccupancy{name: "peak_occupancy"}
}

func (p *PeakOccupancy) Name() string { return p.name }

func (p *PeakOccupancy) Observe(s Sample) {
	if s.MaxOccupancy > p.peak {
		p.peak = s.MaxOccupancy
	}
}

func (p *PeakOccupancy) Value() float64 { return float64(p.peak) }
func (p *PeakOccupancy) Reset()         { p.peak = 0 }

// ActiveCells is the mean active cell count.
type ActiveCells struct {
	name    string
	sum     float64
	samples int
}

func NewActiveCells() *ActiveCells {
	return &ActiveCells{name: "mean_active_cells"}
}

func (a *ActiveCells) Name() string { return a.name }

func (a *ActiveCells) Observe(s Sample) {
	a.sum += float64(s.ActiveCells)
	a.samples++
}

func (a *ActiveCells) Value() float64 {
	if a.samples == 0 {
		return 0
	}
	return a.sum / float64(a.samples)
}

func (a *ActiveCells) Reset() {
	a.sum = 0
	a.samples = 0
}

// Reallocations reports the latest cumulative device reallocation count.
type Reallocations struct {
	name  string
	count int
}

func NewReallocations() *Reallocations {
	return &Reallocations{name: "reallocations"}
}

func (r *Reallocations) Name() string { return r.name }

func (r *Reallocations) Observe(s Sample) {
	r.count = s.Reallocations
}

func (r *Reallocations) Value() float64 { return float64(r.count) }
func (r *Reallocations) Reset()         { r.count = 0 }
