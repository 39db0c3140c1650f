package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"net/http"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/httputil"
)

// ErrNothingToPlot is returned when the grid holds no gridded cells.
var ErrNothingToPlot = errors.New("no gridded cells to plot")

// layerGrid adapts one raster layer to plotter.GridXYZ. Columns run west to
// east and rows south to north, as in aggregate.Cells.
type layerGrid struct {
	cells    *aggregate.Cells
	values   []float64
	min, max float64
}

func newLayerGrid(cells *aggregate.Cells, values []float64) (*layerGrid, bool) {
	lg := &layerGrid{cells: cells, values: values, min: math.Inf(1), max: math.Inf(-1)}
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		lg.min = math.Min(lg.min, v)
		lg.max = math.Max(lg.max, v)
	}
	if math.IsInf(lg.min, 0) {
		return nil, false
	}
	if lg.min == lg.max {
		lg.max = lg.min + 1
	}
	return lg, true
}

func (g *layerGrid) Dims() (c, r int)   { return g.cells.Cols, g.cells.Rows }
func (g *layerGrid) Z(c, r int) float64 { return g.values[g.cells.Index(r, c)] }
func (g *layerGrid) X(c int) float64    { return g.cells.Center(0, c)[0] }
func (g *layerGrid) Y(r int) float64    { return g.cells.Center(r, 0)[1] }
func (g *layerGrid) Min() float64       { return g.min }
func (g *layerGrid) Max() float64       { return g.max }

// PlotLayer renders one layer of the grid as a PNG heat map of the given
// size in points.
func PlotLayer(w io.Writer, g *grid.Grid, layer grid.Layer, resolution float64, width, height vg.Length) error {
	values, cells, err := g.Layer(layer, resolution)
	if err != nil {
		return err
	}
	if cells == nil {
		return ErrNothingToPlot
	}
	lg, ok := newLayerGrid(cells, values)
	if !ok {
		return ErrNothingToPlot
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%g m, %s)", layer, cells.Resolution, g.Config().GetCRS())
	p.X.Label.Text = "Easting (m)"
	p.Y.Label.Text = "Northing (m)"

	// Reversed so that deeper water is darker.
	pal := palette.Reverse(moreland.ExtendedBlackBody()).Palette(64)
	hm := plotter.NewHeatMap(lg, pal)
	hm.NaN = color.Transparent
	p.Add(hm)

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// handleDepthPlot serves PlotLayer. Query params: res, layer, size (inches,
// default 8).
func (ws *WebServer) handleDepthPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	res, err := parseResolution(q.Get("res"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	layer := grid.LayerDepth
	if l := q.Get("layer"); l != "" {
		layer = grid.Layer(l)
	}
	size := 8.0
	if s := q.Get("size"); s != "" {
		size, err = strconv.ParseFloat(s, 64)
		if err != nil || size < 1 || size > 40 {
			httputil.BadRequest(w, fmt.Sprintf("invalid 'size' parameter %q", s))
			return
		}
	}

	var buf bytes.Buffer
	if err := PlotLayer(&buf, ws.grid, layer, res, vg.Length(size)*vg.Inch, vg.Length(size)*vg.Inch); err != nil {
		if errors.Is(err, ErrNothingToPlot) {
			httputil.NotFound(w, err.Error())
			return
		}
		ws.writeGridError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
