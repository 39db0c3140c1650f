// Package aggregate bins soundings into resolution cells and reduces each
// cell's points to a depth, two uncertainties and a density.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/bathygrid/internal/soundings"
)

// Kind identifies an aggregation method.
type Kind int

const (
	KindMean Kind = iota
	KindShoalest
	KindCube
)

func (k Kind) String() string {
	switch k {
	case KindMean:
		return "mean"
	case KindShoalest:
		return "shoalest"
	case KindCube:
		return "cube"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// CellStats is the reduced value of one cell.
type CellStats struct {
	Depth                 float64
	VerticalUncertainty   float64
	HorizontalUncertainty float64
	Density               int
}

// Node is the input of one cell computation.
type Node struct {
	Row, Col   int
	Center     orb.Point
	Resolution float64
	Points     []soundings.Point // points binned in this cell, never empty

	hood *neighbourhood
}

// Within returns every point, including halo points, within radius of the
// cell centre. Without a neighbourhood it filters the cell's own points.
func (n Node) Within(radius float64) []soundings.Point {
	if n.hood != nil {
		return n.hood.within(n.Center, radius)
	}
	r2 := radius * radius
	out := make([]soundings.Point, 0, len(n.Points))
	for _, p := range n.Points {
		dx, dy := p.X-n.Center[0], p.Y-n.Center[1]
		if dx*dx+dy*dy <= r2 {
			out = append(out, p)
		}
	}
	return out
}

// Method reduces a cell's points to CellStats. The set of methods is
// closed: Mean, Shoalest and Cube.
type Method interface {
	Kind() Kind
	// Halo is how far beyond a footprint the method reads points.
	Halo(resolution float64) float64
	Compute(n Node) CellStats

	sealed()
}

// MethodByName returns the method for a configuration name. The cube
// capture scale defaults to 1 when scale is zero.
func MethodByName(name string, scale float64) (Method, error) {
	switch name {
	case "mean", "":
		return Mean{}, nil
	case "shoalest":
		return Shoalest{}, nil
	case "cube":
		if scale == 0 {
			scale = 1
		}
		if scale < 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
			return nil, fmt.Errorf("cube capture scale must be positive, got %v", scale)
		}
		return Cube{CaptureScale: scale}, nil
	}
	return nil, fmt.Errorf("unknown aggregation method %q", name)
}

// Mean is the arithmetic mean depth with uncertainties combined as RMS.
type Mean struct{}

func (Mean) Kind() Kind           { return KindMean }
func (Mean) Halo(float64) float64 { return 0 }
func (Mean) sealed()              {}

func (Mean) Compute(n Node) CellStats {
	z := make([]float64, len(n.Points))
	tvu2 := make([]float64, 0, len(n.Points))
	thu2 := make([]float64, 0, len(n.Points))
	for i, p := range n.Points {
		z[i] = p.Z
		if known(p.TVU) {
			tvu2 = append(tvu2, sq(float64(p.TVU)))
		}
		if known(p.THU) {
			thu2 = append(thu2, sq(float64(p.THU)))
		}
	}
	return CellStats{
		Depth:                 stat.Mean(z, nil),
		VerticalUncertainty:   rms(tvu2),
		HorizontalUncertainty: rms(thu2),
		Density:               len(n.Points),
	}
}

// known reports whether an uncertainty was supplied. Points with NaN or
// infinite uncertainties are gridded, but their uncertainties are ignored.
func known(u float32) bool {
	v := float64(u)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// rms is the root mean square of already squared values, NaN when empty.
func rms(squares []float64) float64 {
	if len(squares) == 0 {
		return math.NaN()
	}
	return math.Sqrt(stat.Mean(squares, nil))
}

// Shoalest takes every value from the shallowest point. Ties keep the
// first point in insertion order.
type Shoalest struct{}

func (Shoalest) Kind() Kind           { return KindShoalest }
func (Shoalest) Halo(float64) float64 { return 0 }
func (Shoalest) sealed()              {}

func (Shoalest) Compute(n Node) CellStats {
	best := n.Points[0]
	for _, p := range n.Points[1:] {
		if p.Z < best.Z {
			best = p
		}
	}
	s := CellStats{
		Depth:                 best.Z,
		VerticalUncertainty:   math.NaN(),
		HorizontalUncertainty: math.NaN(),
		Density:               len(n.Points),
	}
	if known(best.TVU) {
		s.VerticalUncertainty = float64(best.TVU)
	}
	if known(best.THU) {
		s.HorizontalUncertainty = float64(best.THU)
	}
	return s
}

// Cube is a robust uncertainty-weighted estimator. Every point within the
// capture radius of the cell centre, neighbouring tiles included, is given
// the variance tvu²·(1+((d+thu)/res)²) where d is its distance from the
// centre. Points further than three standard deviations from the median
// depth are rejected and the survivors are combined by inverse-variance
// weighting.
type Cube struct {
	// CaptureScale is the capture radius as a multiple of the resolution.
	CaptureScale float64
}

// minVariance floors per-point variances so zero uncertainties stay usable.
const minVariance = 1e-6

func (Cube) Kind() Kind { return KindCube }
func (Cube) sealed()    {}

// Halo equals the capture radius.
func (c Cube) Halo(resolution float64) float64 { return c.CaptureScale * resolution }

func (c Cube) Compute(n Node) CellStats {
	pts := n.Within(c.Halo(n.Resolution))
	if len(pts) == 0 {
		pts = n.Points
	}
	// Only points with a vertical uncertainty can be weighted.
	weighted := make([]soundings.Point, 0, len(pts))
	for _, p := range pts {
		if known(p.TVU) {
			weighted = append(weighted, p)
		}
	}
	if len(weighted) == 0 {
		s := Mean{}.Compute(Node{Points: pts})
		s.Density = len(n.Points)
		return s
	}
	pts = weighted

	z := make([]float64, len(pts))
	variance := make([]float64, len(pts))
	for i, p := range pts {
		z[i] = p.Z
		d := math.Hypot(p.X-n.Center[0], p.Y-n.Center[1])
		thu := 0.0
		if known(p.THU) {
			thu = float64(p.THU)
		}
		v := sq(float64(p.TVU)) * (1 + sq((d+thu)/n.Resolution))
		variance[i] = math.Max(v, minVariance)
	}

	sorted := append([]float64(nil), z...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	weights := make([]float64, 0, len(pts))
	kept := make([]float64, 0, len(pts))
	thu2 := make([]float64, 0, len(pts))
	for i, p := range pts {
		if math.Abs(z[i]-median) > 3*math.Sqrt(variance[i]) {
			continue
		}
		weights = append(weights, 1/variance[i])
		kept = append(kept, z[i])
		if known(p.THU) {
			thu2 = append(thu2, sq(float64(p.THU)))
		}
	}
	if len(kept) == 0 {
		s := Mean{}.Compute(Node{Points: pts})
		s.Density = len(n.Points)
		return s
	}

	sumW := floats.Sum(weights)
	return CellStats{
		Depth:                 floats.Dot(weights, kept) / sumW,
		VerticalUncertainty:   math.Sqrt(1 / sumW),
		HorizontalUncertainty: rms(thu2),
		Density:               len(n.Points),
	}
}
