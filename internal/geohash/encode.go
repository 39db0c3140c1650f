// Package geohash is the grid's coarse spatial index. Every point gets a
// fixed-precision geohash; the distinct codes touched by each survey line are
// recorded once per line so that region queries can discard whole lines and
// accept points in fully covered cells without a coordinate comparison.
package geohash

import (
	"math"

	gh "github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"
)

// DefaultPrecision is the number of base-32 characters in a code. At seven
// characters a cell spans roughly 150 m by 150 m at the equator.
const DefaultPrecision = 7

// MaxPrecision is the longest code the encoder supports.
const MaxPrecision = 12

// Domain is the valid coordinate extent of the grid's coordinate system. It
// is mapped linearly onto the geohash longitude/latitude square, so for a
// geographic domain of (-180,-90)-(180,90) the mapping is the identity.
type Domain struct {
	MinX, MinY, MaxX, MaxY float64
}

// Geographic is the EPSG:4326 domain.
var Geographic = Domain{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

// Contains reports whether (x, y) lies inside the domain, edges included.
func (d Domain) Contains(x, y float64) bool {
	return x >= d.MinX && x <= d.MaxX && y >= d.MinY && y <= d.MaxY
}

// Bound returns the domain as an orb.Bound.
func (d Domain) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{d.MinX, d.MinY}, Max: orb.Point{d.MaxX, d.MaxY}}
}

// epsilon is the slack used when comparing code cells against query
// regions, absorbing rounding in the domain mapping.
func (d Domain) epsilon() float64 {
	return 1e-10 * math.Max(d.MaxX-d.MinX, d.MaxY-d.MinY)
}

func (d Domain) toLngLat(x, y float64) (lng, lat float64) {
	lng = -180 + (x-d.MinX)/(d.MaxX-d.MinX)*360
	lat = -90 + (y-d.MinY)/(d.MaxY-d.MinY)*180
	return lng, lat
}

// cellSize returns the longitude and latitude span of a code cell at the
// given precision. Longitude takes the odd bits, so it gets the extra bit
// when 5*precision is odd.
func cellSize(precision uint) (lng, lat float64) {
	bits := 5 * precision
	lngBits := (bits + 1) / 2
	latBits := bits / 2
	return 360 / math.Exp2(float64(lngBits)), 180 / math.Exp2(float64(latBits))
}

// clampToLast pulls positions on the far edges into the last cell. The
// encoder quantises onto half-open ranges and wraps 180 (or anything within
// a rounding step of it) onto the -180 side.
func clampToLast(lng, lat float64, precision uint) (float64, float64) {
	w, h := cellSize(precision)
	if maxLng := 180 - w/2; lng > maxLng {
		lng = maxLng
	}
	if maxLat := 90 - h/2; lat > maxLat {
		lat = maxLat
	}
	return lng, lat
}

func (d Domain) fromBox(b gh.Box) orb.Bound {
	sx := (d.MaxX - d.MinX) / 360
	sy := (d.MaxY - d.MinY) / 180
	return orb.Bound{
		Min: orb.Point{d.MinX + (b.MinLng+180)*sx, d.MinY + (b.MinLat+90)*sy},
		Max: orb.Point{d.MinX + (b.MaxLng+180)*sx, d.MinY + (b.MaxLat+90)*sy},
	}
}

// Encode returns the code of (x, y) at the given precision. The caller must
// ensure the position lies inside the domain.
func Encode(d Domain, x, y float64, precision uint) string {
	lng, lat := d.toLngLat(x, y)
	lng, lat = clampToLast(lng, lat, precision)
	return gh.EncodeWithPrecision(lat, lng, precision)
}

// CellBound returns the footprint of a code in domain coordinates.
func CellBound(d Domain, code string) orb.Bound {
	return d.fromBox(gh.BoundingBox(code))
}
