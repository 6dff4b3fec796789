package grid

import "gonum.org/v1/gonum/spatial/r3"

// Query answers neighbor lookups against a built grid. Particle indices refer
// to the sorted order the grid was built with.
type Query struct {
	State    *State
	Encoder  KeyEncoder
	CellSize float64
}

// Key returns the spatial key of position p.
func (q Query) Key(p r3.Vec) SpatialKey {
	return q.Encoder.Encode(CellOf(p, q.CellSize))
}

// Cell returns the particle range of the cell containing p.
func (q Query) Cell(p r3.Vec) (CellContentRange, bool) {
	return q.State.Range(q.Key(p))
}

// ForEachNeighbor calls fn for every particle in the 27 cells around p,
// stopping early when fn returns false. Each cell is visited once even when
// neighboring coordinates share a key.
func (q Query) ForEachNeighbor(p r3.Vec, fn func(i int) bool) {
	center := CellOf(p, q.CellSize)
	var seen [27]SpatialKey
	visited := 0
	for dz := int32(-1); dz <= 1; dz++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dx := int32(-1); dx <= 1; dx++ {
				k := q.Encoder.Encode(center.Offset(dx, dy, dz))
				if contains(seen[:visited], k) {
					continue
				}
				seen[visited] = k
				visited++

				r, ok := q.State.Range(k)
				if !ok {
					continue
				}
				for i := r.Start; i < r.End; i++ {
					if !fn(int(i)) {
						return
					}
				}
			}
		}
	}
}

func contains(keys []SpatialKey, k SpatialKey) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}
