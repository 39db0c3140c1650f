package grid

import (
	"fmt"
	"iter"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/geohash"
	"github.com/banshee-data/bathygrid/internal/soundings"
	"github.com/banshee-data/bathygrid/internal/tile"
)

// QueryPoints returns the points inside b, edges included. Only lines whose
// recorded geohash codes touch b are examined, and points whose code cell
// lies fully inside b are accepted without a coordinate test.
func (g *Grid) QueryPoints(b orb.Bound) []soundings.Point {
	return g.query(b, g.index.CodesInRegion(b), b.Contains)
}

// QueryPolygon returns the points inside p.
func (g *Grid) QueryPolygon(p orb.Polygon) []soundings.Point {
	if len(p) == 0 {
		return nil
	}
	return g.query(p.Bound(), g.index.CodesInPolygon(p), func(pt orb.Point) bool {
		return planar.PolygonContains(p, pt)
	})
}

func (g *Grid) query(b orb.Bound, set geohash.CodeSet, contains func(orb.Point) bool) []soundings.Point {
	refs := g.index.LinesIn(set)
	if len(refs) == 0 {
		return nil
	}
	lines := make(map[string]map[string]struct{})
	for ref := range refs {
		m := lines[ref.Container]
		if m == nil {
			m = make(map[string]struct{})
			lines[ref.Container] = m
		}
		m[ref.Line] = struct{}{}
	}
	f := tile.Filter{
		Lines: lines,
		Code: func(code string) tile.CodeMatch {
			switch {
			case set.IsInner(code):
				return tile.CodeInner
			case set.Intersects(code):
				return tile.CodePartial
			}
			return tile.CodeOutside
		},
		Contains: contains,
	}
	var out []soundings.Point
	for _, t := range g.tilesIn(b) {
		out = t.Select(out, f)
	}
	return out
}

// QueryCells returns the raster over b stitched from every intersecting
// tile at resolution, or at the finest resolution present when resolution
// is 0. The raster is aligned to the lattice and covers b; it is nil when
// no gridded tile touches b.
func (g *Grid) QueryCells(b orb.Bound, resolution float64) (*aggregate.Cells, error) {
	tiles := g.tilesIn(b)
	if resolution == 0 {
		for _, t := range tiles {
			for _, r := range t.Resolutions() {
				if resolution == 0 || r < resolution {
					resolution = r
				}
			}
		}
		if resolution == 0 {
			return nil, nil
		}
	}
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return nil, fmt.Errorf("query resolution must be positive, got %v", resolution)
	}

	anchor := g.tileCfg.Lattice.Anchor
	x0 := anchor[0] + math.Floor((b.Min[0]-anchor[0])/resolution)*resolution
	y0 := anchor[1] + math.Floor((b.Min[1]-anchor[1])/resolution)*resolution
	cols := int(math.Floor((b.Max[0]-x0)/resolution)) + 1
	rows := int(math.Floor((b.Max[1]-y0)/resolution)) + 1
	if float64(rows)*float64(cols) > float64(g.maxCells) {
		return nil, fmt.Errorf("%w: %d x %d cells at %v m", ErrQueryTooLarge, rows, cols, resolution)
	}

	out := aggregate.NewCells(orb.Point{x0, y0}, resolution, rows, cols)
	pasted := false
	for _, t := range tiles {
		c, err := t.Cells(resolution)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.Name(), err)
		}
		if c == nil {
			continue
		}
		if err := out.Paste(c); err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.Name(), err)
		}
		pasted = true
	}
	if !pasted {
		return nil, nil
	}
	return out, nil
}

// Layer names one array of a raster.
type Layer string

const (
	LayerDepth                 Layer = "depth"
	LayerVerticalUncertainty   Layer = "vertical_uncertainty"
	LayerHorizontalUncertainty Layer = "horizontal_uncertainty"
	LayerDensity               Layer = "density"
)

// Layers lists every layer name.
var Layers = []Layer{LayerDepth, LayerVerticalUncertainty, LayerHorizontalUncertainty, LayerDensity}

// Values returns the layer of c as float64, NaN for empty cells.
func (l Layer) Values(c *aggregate.Cells) ([]float64, error) {
	out := make([]float64, len(c.Density))
	switch l {
	case LayerDepth:
		for i, v := range c.Depth {
			out[i] = float64(v)
		}
	case LayerVerticalUncertainty:
		for i, v := range c.VerticalUncertainty {
			out[i] = float64(v)
		}
	case LayerHorizontalUncertainty:
		for i, v := range c.HorizontalUncertainty {
			out[i] = float64(v)
		}
	case LayerDensity:
		for i, v := range c.Density {
			if v == 0 {
				out[i] = math.NaN()
			} else {
				out[i] = float64(v)
			}
		}
	default:
		return nil, fmt.Errorf("unknown layer %q", l)
	}
	return out, nil
}

// Layer returns one layer of the whole grid's raster at resolution, with
// the raster it was taken from.
func (g *Grid) Layer(name Layer, resolution float64) ([]float64, *aggregate.Cells, error) {
	info := g.Info()
	if info.TileCount == 0 {
		return nil, nil, nil
	}
	// The stitched raster is half-open at its north-east corner.
	b := info.Bounds
	b.Max = orb.Point{math.Nextafter(b.Max[0], math.Inf(-1)), math.Nextafter(b.Max[1], math.Inf(-1))}
	cells, err := g.QueryCells(b, resolution)
	if err != nil || cells == nil {
		return nil, cells, err
	}
	values, err := name.Values(cells)
	if err != nil {
		return nil, nil, err
	}
	return values, cells, nil
}

// XYZ is one non-empty cell centre.
type XYZ struct {
	X, Y, Z     float64
	Uncertainty float64
	Density     int
}

// XYZ yields the centre of every non-empty cell of every tile at
// resolution (0 for each tile's native resolution), tile by tile from the
// south-west. Iteration stops at the first tile error, which is yielded
// with a zero XYZ.
func (g *Grid) XYZ(resolution float64) iter.Seq2[XYZ, error] {
	return func(yield func(XYZ, error) bool) {
		for _, t := range g.Tiles() {
			c, err := t.Cells(resolution)
			if err != nil {
				yield(XYZ{}, fmt.Errorf("tile %s: %w", t.Name(), err))
				return
			}
			if c == nil {
				continue
			}
			for r := 0; r < c.Rows; r++ {
				for col := 0; col < c.Cols; col++ {
					cell := c.At(r, col)
					if cell.Empty() {
						continue
					}
					ctr := c.Center(r, col)
					v := XYZ{X: ctr[0], Y: ctr[1], Z: float64(cell.Depth), Uncertainty: float64(cell.VerticalUncertainty), Density: int(cell.Density)}
					if !yield(v, nil) {
						return
					}
				}
			}
		}
	}
}
