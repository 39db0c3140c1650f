// Package resolution picks the cell size a tile or subtile is gridded at.
//
// Every resolution comes from a power-of-two ladder starting at half a
// metre, so a resolution never leaves a remainder against a tile or subtile
// whose size is itself a ladder multiple.
package resolution

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Ladder is the set of allowed resolutions in metres, finest first.
var Ladder = []float64{0.5, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024}

// depthTable maps exclusive upper depth bounds to resolutions. A depth d
// selects the first row with d < upper.
var depthTable = []struct {
	upper      float64
	resolution float64
}{
	{20, 0.5},
	{40, 1},
	{60, 2},
	{80, 4},
	{160, 8},
	{320, 16},
	{640, 32},
	{1280, 64},
	{2560, 128},
	{5120, 256},
	{10240, 512},
}

// densityFactor is the point-spacing allowance in the density formula.
const densityFactor = 1.75

var (
	// ErrNonFinite is returned when a formula produces NaN or infinity.
	ErrNonFinite = errors.New("resolution: non-finite result")
	// ErrNoPoints is returned when a policy is asked to size an empty region.
	ErrNoPoints = errors.New("resolution: no points")
	// ErrNotOnLadder is returned for a fixed resolution outside the ladder.
	ErrNotOnLadder = errors.New("resolution: not a ladder value")
)

// Mode selects how a policy derives the resolution.
type Mode int

const (
	ModeDepth Mode = iota
	ModeDensity
)

func (m Mode) String() string {
	switch m {
	case ModeDepth:
		return "depth"
	case ModeDensity:
		return "density"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "depth", "":
		return ModeDepth, nil
	case "density":
		return ModeDensity, nil
	}
	return 0, fmt.Errorf("unknown resolution mode %q", s)
}

// OnLadder reports whether r is one of the ladder values.
func OnLadder(r float64) bool {
	for _, v := range Ladder {
		if v == r {
			return true
		}
	}
	return false
}

// SnapUp returns the finest ladder value >= r. Values above the coarsest
// rung return the coarsest rung.
func SnapUp(r float64) float64 {
	for _, v := range Ladder {
		if r <= v {
			return v
		}
	}
	return Ladder[len(Ladder)-1]
}

// Clamp returns the coarsest ladder value that is <= r and divides size.
// It returns 0 when size is smaller than the finest rung.
func Clamp(r, size float64) float64 {
	best := 0.0
	for _, v := range Ladder {
		if v > r || v > size {
			break
		}
		if math.Mod(size, v) == 0 {
			best = v
		}
	}
	return best
}

// DepthLookup returns the resolution for a mean depth. Negative depths
// (above the vertical reference) are sized by magnitude.
func DepthLookup(meanDepth float64) (float64, error) {
	if math.IsNaN(meanDepth) || math.IsInf(meanDepth, 0) {
		return 0, ErrNonFinite
	}
	d := math.Abs(meanDepth)
	for _, row := range depthTable {
		if d < row.upper {
			return row.resolution, nil
		}
	}
	return Ladder[len(Ladder)-1], nil
}

// Density returns the resolution that puts at least minPointsPerCell points
// in a typical cell given count points over area square metres, snapped up
// to the ladder.
func Density(count int, area float64, minPointsPerCell int) (float64, error) {
	if count <= 0 {
		return 0, ErrNoPoints
	}
	density := float64(count) / area
	if math.IsNaN(density) || math.IsInf(density, 0) || density <= 0 {
		return 0, fmt.Errorf("%w: density %v over %v m²", ErrNonFinite, density, area)
	}
	r := math.Sqrt(2 * float64(minPointsPerCell) * densityFactor / density)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, fmt.Errorf("%w: density %v over %v m²", ErrNonFinite, density, area)
	}
	return SnapUp(r), nil
}

// Policy chooses a resolution for a square footprint.
type Policy struct {
	Mode             Mode
	Fixed            float64 // 0 selects automatically
	MinPointsPerCell int
}

// Validate checks the fixed resolution, if any, is a ladder value.
func (p Policy) Validate() error {
	if p.Fixed != 0 && !OnLadder(p.Fixed) {
		return fmt.Errorf("%w: %v", ErrNotOnLadder, p.Fixed)
	}
	if p.Mode == ModeDensity && p.MinPointsPerCell <= 0 {
		return fmt.Errorf("resolution: min points per cell must be positive, got %d", p.MinPointsPerCell)
	}
	return nil
}

// Choose returns the resolution for the points with depths z gridded over a
// square of side footprint. The result always divides footprint.
func (p Policy) Choose(z []float64, footprint float64) (float64, error) {
	var r float64
	switch {
	case p.Fixed != 0:
		if !OnLadder(p.Fixed) {
			return 0, fmt.Errorf("%w: %v", ErrNotOnLadder, p.Fixed)
		}
		r = p.Fixed
	case len(z) == 0:
		return 0, ErrNoPoints
	case p.Mode == ModeDensity:
		var err error
		if r, err = Density(len(z), footprint*footprint, p.MinPointsPerCell); err != nil {
			return 0, err
		}
	default:
		var err error
		if r, err = DepthLookup(stat.Mean(z, nil)); err != nil {
			return 0, err
		}
	}
	clamped := Clamp(r, footprint)
	if clamped == 0 {
		return 0, fmt.Errorf("resolution: footprint %v smaller than finest resolution", footprint)
	}
	return clamped, nil
}
