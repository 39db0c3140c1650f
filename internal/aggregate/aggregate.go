package aggregate

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/banshee-data/bathygrid/internal/soundings"
)

// ErrIndivisible is returned when a footprint is not a whole number of cells.
var ErrIndivisible = errors.New("aggregate: size is not a multiple of resolution")

// binTolerance absorbs rounding for points sitting on a footprint edge.
const binTolerance = 1e-9

// Aggregate grids points over the square footprint starting at origin with
// side size. Points outside the footprint are ignored; halo points are only
// visible to methods that read a neighbourhood.
func Aggregate(points []soundings.Point, resolution float64, origin orb.Point, size float64, m Method, halo []soundings.Point) (*Cells, error) {
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return nil, fmt.Errorf("aggregate: invalid resolution %v", resolution)
	}
	nf := size / resolution
	n := int(nf)
	if n <= 0 || float64(n) != nf {
		return nil, fmt.Errorf("%w: %v / %v", ErrIndivisible, size, resolution)
	}

	cells := NewCells(origin, resolution, n, n)

	// Counting sort of point indices by cell.
	bins := make([]int, len(points))
	counts := make([]int, n*n+1)
	for i, p := range points {
		col, okc := bin(p.X-origin[0], resolution, n)
		row, okr := bin(p.Y-origin[1], resolution, n)
		if !okc || !okr {
			bins[i] = -1
			continue
		}
		b := row*n + col
		bins[i] = b
		counts[b+1]++
	}
	for i := 1; i < len(counts); i++ {
		counts[i] += counts[i-1]
	}
	sorted := make([]soundings.Point, counts[n*n])
	next := append([]int(nil), counts[:n*n]...)
	for i, b := range bins {
		if b < 0 {
			continue
		}
		sorted[next[b]] = points[i]
		next[b]++
	}

	var hood *neighbourhood
	if m.Halo(resolution) > 0 {
		all := make([]soundings.Point, 0, len(sorted)+len(halo))
		all = append(all, sorted...)
		all = append(all, halo...)
		hood = newNeighbourhood(all)
	}

	for b := 0; b < n*n; b++ {
		start, end := counts[b], counts[b+1]
		if start == end {
			continue
		}
		row, col := b/n, b%n
		node := Node{
			Row:        row,
			Col:        col,
			Center:     cells.Center(row, col),
			Resolution: resolution,
			Points:     sorted[start:end],
			hood:       hood,
		}
		s := m.Compute(node)
		if math.IsNaN(s.Depth) || math.IsInf(s.Depth, 0) {
			return nil, fmt.Errorf("aggregate: %s produced non-finite depth at cell (%d,%d)", m.Kind(), row, col)
		}
		cells.set(b, s)
	}
	return cells, nil
}

// bin returns the cell index of an offset, folding offsets within rounding
// of either footprint edge inside.
func bin(offset, resolution float64, n int) (int, bool) {
	i := int(math.Floor(offset / resolution))
	if i >= 0 && i < n {
		return i, true
	}
	span := float64(n) * resolution
	switch {
	case i < 0 && offset >= -binTolerance*span:
		return 0, true
	case i >= n && offset < span*(1+binTolerance) && offset <= span:
		return n - 1, true
	}
	return 0, false
}
