package tile

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Key is the integer lattice coordinate of a tile: floor((x-anchor)/size).
type Key struct {
	I, J int64
}

// Lattice maps positions onto square tiles of a fixed size anchored at a
// reference point.
type Lattice struct {
	Anchor orb.Point
	Size   float64
}

// KeyFor returns the key of the tile containing (x, y). Tiles are half-open:
// a point on a tile's east or north edge belongs to the next tile.
func (l Lattice) KeyFor(x, y float64) Key {
	return Key{
		I: int64(math.Floor((x - l.Anchor[0]) / l.Size)),
		J: int64(math.Floor((y - l.Anchor[1]) / l.Size)),
	}
}

// Origin returns the south-west corner of the tile.
func (l Lattice) Origin(k Key) orb.Point {
	return orb.Point{l.Anchor[0] + float64(k.I)*l.Size, l.Anchor[1] + float64(k.J)*l.Size}
}

// Bound returns the footprint of the tile.
func (l Lattice) Bound(k Key) orb.Bound {
	o := l.Origin(k)
	return orb.Bound{Min: o, Max: orb.Point{o[0] + l.Size, o[1] + l.Size}}
}

// KeysIn returns every key whose footprint intersects b, in row-major order
// from the south-west.
func (l Lattice) KeysIn(b orb.Bound) []Key {
	lo := l.KeyFor(b.Min[0], b.Min[1])
	hi := l.KeyFor(b.Max[0], b.Max[1])
	keys := make([]Key, 0, (hi.I-lo.I+1)*(hi.J-lo.J+1))
	for j := lo.J; j <= hi.J; j++ {
		for i := lo.I; i <= hi.I; i++ {
			keys = append(keys, Key{I: i, J: j})
		}
	}
	return keys
}

// Neighbours returns the eight keys surrounding k.
func (k Key) Neighbours() [8]Key {
	return [8]Key{
		{k.I - 1, k.J - 1}, {k.I, k.J - 1}, {k.I + 1, k.J - 1},
		{k.I - 1, k.J}, {k.I + 1, k.J},
		{k.I - 1, k.J + 1}, {k.I, k.J + 1}, {k.I + 1, k.J + 1},
	}
}

// Less orders keys south to north, then west to east.
func (k Key) Less(o Key) bool {
	if k.J != o.J {
		return k.J < o.J
	}
	return k.I < o.I
}

func (k Key) String() string {
	return fmt.Sprintf("(%d,%d)", k.I, k.J)
}

// Name returns the directory name of a tile, its origin as
// "<easting>_<northing>".
func Name(origin orb.Point) string {
	return formatCoord(origin[0]) + "_" + formatCoord(origin[1])
}

// ParseName parses a tile directory name back into an origin.
func ParseName(name string) (orb.Point, error) {
	e, n, ok := strings.Cut(name, "_")
	if !ok {
		return orb.Point{}, fmt.Errorf("tile name %q: missing separator", name)
	}
	x, err := strconv.ParseFloat(e, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("tile name %q: %w", name, err)
	}
	y, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("tile name %q: %w", name, err)
	}
	return orb.Point{x, y}, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
