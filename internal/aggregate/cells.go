package aggregate

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/paulmach/orb"
)

// Cell is one raster pixel. Empty cells have NaN values and zero density.
type Cell struct {
	Depth                 float32
	VerticalUncertainty   float32
	HorizontalUncertainty float32
	Density               int32
}

// Empty reports whether no point fell in the cell.
func (c Cell) Empty() bool { return c.Density == 0 }

// Cells is a rectangular raster stored as flat row-major arrays. Row 0 is
// the southern edge and column 0 the western edge.
type Cells struct {
	Resolution float64
	Origin     orb.Point // south-west corner
	Rows, Cols int

	Depth                 []float32
	VerticalUncertainty   []float32
	HorizontalUncertainty []float32
	Density               []int32
}

// NewCells returns an all-empty raster.
func NewCells(origin orb.Point, resolution float64, rows, cols int) *Cells {
	n := rows * cols
	c := &Cells{
		Resolution:            resolution,
		Origin:                origin,
		Rows:                  rows,
		Cols:                  cols,
		Depth:                 make([]float32, n),
		VerticalUncertainty:   make([]float32, n),
		HorizontalUncertainty: make([]float32, n),
		Density:               make([]int32, n),
	}
	nan := float32(math.NaN())
	for i := 0; i < n; i++ {
		c.Depth[i] = nan
		c.VerticalUncertainty[i] = nan
		c.HorizontalUncertainty[i] = nan
	}
	return c
}

// Index returns the flat index of (row, col).
func (c *Cells) Index(row, col int) int { return row*c.Cols + col }

// At returns the cell at (row, col).
func (c *Cells) At(row, col int) Cell {
	i := c.Index(row, col)
	return Cell{
		Depth:                 c.Depth[i],
		VerticalUncertainty:   c.VerticalUncertainty[i],
		HorizontalUncertainty: c.HorizontalUncertainty[i],
		Density:               c.Density[i],
	}
}

func (c *Cells) set(i int, s CellStats) {
	c.Depth[i] = float32(s.Depth)
	c.VerticalUncertainty[i] = float32(s.VerticalUncertainty)
	c.HorizontalUncertainty[i] = float32(s.HorizontalUncertainty)
	c.Density[i] = int32(s.Density)
}

// Bound returns the raster footprint.
func (c *Cells) Bound() orb.Bound {
	return orb.Bound{
		Min: c.Origin,
		Max: orb.Point{c.Origin[0] + float64(c.Cols)*c.Resolution, c.Origin[1] + float64(c.Rows)*c.Resolution},
	}
}

// Center returns the centre of cell (row, col).
func (c *Cells) Center(row, col int) orb.Point {
	return orb.Point{
		c.Origin[0] + (float64(col)+0.5)*c.Resolution,
		c.Origin[1] + (float64(row)+0.5)*c.Resolution,
	}
}

// Count returns the number of non-empty cells.
func (c *Cells) Count() int {
	n := 0
	for _, d := range c.Density {
		if d > 0 {
			n++
		}
	}
	return n
}

// MeanDepth returns the mean depth over non-empty cells, or NaN.
func (c *Cells) MeanDepth() float64 {
	var sum float64
	n := 0
	for i, d := range c.Density {
		if d > 0 {
			sum += float64(c.Depth[i])
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Clone returns a deep copy.
func (c *Cells) Clone() *Cells {
	out := *c
	out.Depth = append([]float32(nil), c.Depth...)
	out.VerticalUncertainty = append([]float32(nil), c.VerticalUncertainty...)
	out.HorizontalUncertainty = append([]float32(nil), c.HorizontalUncertainty...)
	out.Density = append([]int32(nil), c.Density...)
	return &out
}

// Hash returns an FNV-64a digest over the geometry and all four arrays.
// Two rasters hash equal only if they are bit-identical.
func (c *Cells) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[:4], v)
		h.Write(buf[:4])
	}
	put64(math.Float64bits(c.Resolution))
	put64(math.Float64bits(c.Origin[0]))
	put64(math.Float64bits(c.Origin[1]))
	put64(uint64(c.Rows))
	put64(uint64(c.Cols))
	for _, arr := range [][]float32{c.Depth, c.VerticalUncertainty, c.HorizontalUncertainty} {
		for _, v := range arr {
			put32(math.Float32bits(v))
		}
	}
	for _, v := range c.Density {
		put32(uint32(v))
	}
	return h.Sum64()
}

// Paste copies the non-empty cells of src into c. Both rasters must share a
// resolution and src must be aligned to c's lattice; cells of src outside c
// are dropped.
func (c *Cells) Paste(src *Cells) error {
	if src.Resolution != c.Resolution {
		return fmt.Errorf("paste: resolution %v into %v", src.Resolution, c.Resolution)
	}
	dc := (src.Origin[0] - c.Origin[0]) / c.Resolution
	dr := (src.Origin[1] - c.Origin[1]) / c.Resolution
	colOff, rowOff := int(math.Round(dc)), int(math.Round(dr))
	if math.Abs(dc-float64(colOff)) > 1e-6 || math.Abs(dr-float64(rowOff)) > 1e-6 {
		return fmt.Errorf("paste: source origin %v not aligned to %v at %v", src.Origin, c.Origin, c.Resolution)
	}
	for r := 0; r < src.Rows; r++ {
		tr := r + rowOff
		if tr < 0 || tr >= c.Rows {
			continue
		}
		for col := 0; col < src.Cols; col++ {
			tc := col + colOff
			if tc < 0 || tc >= c.Cols {
				continue
			}
			si := src.Index(r, col)
			if src.Density[si] == 0 {
				continue
			}
			ti := c.Index(tr, tc)
			c.Depth[ti] = src.Depth[si]
			c.VerticalUncertainty[ti] = src.VerticalUncertainty[si]
			c.HorizontalUncertainty[ti] = src.HorizontalUncertainty[si]
			c.Density[ti] = src.Density[si]
		}
	}
	return nil
}

// Resample returns the raster at another ladder resolution. Coarsening
// combines blocks of cells with a density-weighted mean depth and RMS
// uncertainties and sums the densities. Refining replicates every array,
// so a refined cell's density is the point count of the coarser cell it was
// drawn from and density is not additive over a refined raster.
func (c *Cells) Resample(resolution float64) (*Cells, error) {
	switch {
	case resolution == c.Resolution:
		return c.Clone(), nil
	case resolution > c.Resolution:
		return c.coarsen(resolution)
	default:
		return c.refine(resolution)
	}
}

func (c *Cells) coarsen(resolution float64) (*Cells, error) {
	f := resolution / c.Resolution
	k := int(f)
	if float64(k) != f || c.Rows%k != 0 || c.Cols%k != 0 {
		return nil, fmt.Errorf("resample: %v does not divide into %v over %dx%d", c.Resolution, resolution, c.Rows, c.Cols)
	}
	out := NewCells(c.Origin, resolution, c.Rows/k, c.Cols/k)
	for r := 0; r < out.Rows; r++ {
		for col := 0; col < out.Cols; col++ {
			var w, depth float64
			var tvu, thu weightedSquares
			for i := 0; i < k; i++ {
				for j := 0; j < k; j++ {
					si := c.Index(r*k+i, col*k+j)
					d := float64(c.Density[si])
					if d == 0 {
						continue
					}
					w += d
					depth += d * float64(c.Depth[si])
					tvu.add(d, c.VerticalUncertainty[si])
					thu.add(d, c.HorizontalUncertainty[si])
				}
			}
			if w == 0 {
				continue
			}
			out.set(out.Index(r, col), CellStats{
				Depth:                 depth / w,
				VerticalUncertainty:   tvu.rms(),
				HorizontalUncertainty: thu.rms(),
				Density:               int(w),
			})
		}
	}
	return out, nil
}

// weightedSquares accumulates a weighted RMS over the known values.
type weightedSquares struct{ w, sum float64 }

func (a *weightedSquares) add(w float64, v float32) {
	if known(v) {
		a.w += w
		a.sum += w * sq(float64(v))
	}
}

func (a weightedSquares) rms() float64 {
	if a.w == 0 {
		return math.NaN()
	}
	return math.Sqrt(a.sum / a.w)
}

// refine keeps Density per source cell: splitting the count would leave
// sub-cells with a depth but zero density, which Count treats as empty.
func (c *Cells) refine(resolution float64) (*Cells, error) {
	f := c.Resolution / resolution
	k := int(f)
	if float64(k) != f {
		return nil, fmt.Errorf("resample: %v does not divide %v", resolution, c.Resolution)
	}
	out := NewCells(c.Origin, resolution, c.Rows*k, c.Cols*k)
	for r := 0; r < out.Rows; r++ {
		for col := 0; col < out.Cols; col++ {
			si := c.Index(r/k, col/k)
			ti := out.Index(r, col)
			out.Depth[ti] = c.Depth[si]
			out.VerticalUncertainty[ti] = c.VerticalUncertainty[si]
			out.HorizontalUncertainty[ti] = c.HorizontalUncertainty[si]
			out.Density[ti] = c.Density[si]
		}
	}
	return out, nil
}

func sq(v float64) float64 { return v * v }
