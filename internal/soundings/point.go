// Package soundings defines the georeferenced depth samples the grid consumes.
package soundings

import (
	"math"

	"github.com/paulmach/orb"
)

// Flag is the detection flag reported by the processing pipeline.
type Flag uint8

const (
	FlagAmplitude Flag = iota // amplitude detection
	FlagPhase                 // phase detection
	FlagRejected              // rejected by the pipeline or a cleaning pass
	FlagAccepted              // manually accepted
)

// Point is a single sounding.
type Point struct {
	X, Y, Z   float64 // Grid coordinates and depth (metres, positive down)
	TVU       float32 // Total vertical uncertainty (metres)
	THU       float32 // Total horizontal uncertainty (metres)
	Flag      Flag
	Line      string // Source id within the container, usually the survey line
	Container string // Set by the grid on insertion
	Code      string // Geohash, set by the grid on insertion
}

// Valid reports whether a point survives ingestion filtering: its position
// and depth are finite and the pipeline did not reject it. Missing (NaN)
// uncertainties are kept; the aggregator ignores them.
func (p Point) Valid() bool {
	if p.Flag == FlagRejected {
		return false
	}
	return finite(p.X) && finite(p.Y) && finite(p.Z)
}

// Position returns the planar position of the point.
func (p Point) Position() orb.Point {
	return orb.Point{p.X, p.Y}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Filter splits pts into the valid points and a count of rejected ones.
// The input slice is not modified.
func Filter(pts []Point) ([]Point, int) {
	out := make([]Point, 0, len(pts))
	for _, p := range pts {
		if p.Valid() {
			out = append(out, p)
		}
	}
	return out, len(pts) - len(out)
}

// Bounds returns the bounding box of pts. The zero Bound is returned for
// an empty slice.
func Bounds(pts []Point) orb.Bound {
	if len(pts) == 0 {
		return orb.Bound{}
	}
	b := orb.Bound{Min: pts[0].Position(), Max: pts[0].Position()}
	for _, p := range pts[1:] {
		b = b.Extend(p.Position())
	}
	return b
}

// Depths returns the z values of pts.
func Depths(pts []Point) []float64 {
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Z
	}
	return out
}
