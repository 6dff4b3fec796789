package grid

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
	"gonum.org/v1/gonum/spatial/r3"
)

// SpatialKey identifies the grid cell a particle falls in.
type SpatialKey uint32

// CellCoord is an integer cell coordinate, floor(position / cellSize) per axis.
type CellCoord struct {
	X, Y, Z int32
}

// CellOf returns the cell containing p.
func CellOf(p r3.Vec, cellSize float64) CellCoord {
	return CellCoord{
		X: floorCoord(p.X / cellSize),
		Y: floorCoord(p.Y / cellSize),
		Z: floorCoord(p.Z / cellSize),
	}
}

func floorCoord(v float64) int32 {
	f := math.Floor(v)
	switch {
	case math.IsNaN(f):
		return 0
	case f < math.MinInt32:
		return math.MinInt32
	case f > math.MaxInt32:
		return math.MaxInt32
	}
	return int32(f)
}

// Offset returns the coordinate displaced by (dx, dy, dz) cells.
func (c CellCoord) Offset(dx, dy, dz int32) CellCoord {
	return CellCoord{X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz}
}

// KeyEncoder maps cell coordinates to spatial keys. Equal coordinates always
// produce equal keys; distinct coordinates may alias.
type KeyEncoder interface {
	Name() string
	Encode(c CellCoord) SpatialKey
	// KeyBits is the number of significant low bits in an encoded key.
	KeyBits() int
}

const (
	packedAxisBits   = 10
	packedAxisMask   = 1<<packedAxisBits - 1
	packedAxisOffset = 1 << (packedAxisBits - 1)
)

// PackedEncoder packs 10 bits per axis, z-major. Coordinates are offset by 512
// and wrap, so cells 1024 apart on an axis share a key.
type PackedEncoder struct{}

func (PackedEncoder) Name() string { return "packed" }
func (PackedEncoder) KeyBits() int { return 3 * packedAxisBits }

func (PackedEncoder) Encode(c CellCoord) SpatialKey {
	x := uint32(c.X+packedAxisOffset) & packedAxisMask
	y := uint32(c.Y+packedAxisOffset) & packedAxisMask
	z := uint32(c.Z+packedAxisOffset) & packedAxisMask
	return SpatialKey(z<<(2*packedAxisBits) | y<<packedAxisBits | x)
}

// Decode returns the coordinate in [-512, 511] per axis that encodes to k.
func (PackedEncoder) Decode(k SpatialKey) CellCoord {
	axis := func(shift int) int32 {
		return int32(uint32(k)>>shift&packedAxisMask) - packedAxisOffset
	}
	return CellCoord{X: axis(0), Y: axis(packedAxisBits), Z: axis(2 * packedAxisBits)}
}

// HashedEncoder hashes the full 32-bit coordinates with murmur3, trading key
// locality for an unbounded domain.
type HashedEncoder struct {
	Seed uint32
}

func (HashedEncoder) Name() string { return "hashed" }
func (HashedEncoder) KeyBits() int { return 32 }

func (h HashedEncoder) Encode(c CellCoord) SpatialKey {
	// murmur3 forms a pointer to the end of its input, so the hashed
	// slice stops short of the array's end to stay valid under checkptr.
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(c.X))
	binary.LittleEndian.PutUint32(buf[4:], uint32(c.Y))
	binary.LittleEndian.PutUint32(buf[8:], uint32(c.Z))
	return SpatialKey(murmur3.Sum32WithSeed(buf[:12], h.Seed))
}

// NewEncoder returns the encoder registered under name.
func NewEncoder(name string) (KeyEncoder, error) {
	switch name {
	case "", "packed":
		return PackedEncoder{}, nil
	case "hashed":
		return HashedEncoder{}, nil
	default:
		return nil, fmt.Errorf("grid: unknown key encoding %q", name)
	}
}
