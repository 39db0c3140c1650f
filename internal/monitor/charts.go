package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/httputil"
	"github.com/banshee-data/bathygrid/internal/tile"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// viridis, shallow to deep.
var depthColors = []string{"#fde725", "#b5de2b", "#6ece58", "#35b779", "#1f9e89", "#26828e", "#31688e", "#3e4989", "#482777", "#440154"}

// handleDepthChart renders the gridded depth as a coloured scatter of cell
// centres. Query params:
//
//	res (optional, default each tile's native resolution stitched at the finest)
//	layer (optional, default depth)
func (ws *WebServer) handleDepthChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	res, err := parseResolution(r.URL.Query().Get("res"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	layer := grid.LayerDepth
	if l := r.URL.Query().Get("layer"); l != "" {
		layer = grid.Layer(l)
	}
	values, cells, err := ws.grid.Layer(layer, res)
	if err != nil {
		ws.writeGridError(w, err)
		return
	}
	if cells == nil {
		httputil.NotFound(w, "grid has no tiles")
		return
	}

	filled := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			filled++
		}
	}
	stride := 1
	if filled > ws.maxChartPoints {
		stride = int(math.Ceil(math.Sqrt(float64(filled) / float64(ws.maxChartPoints))))
	}

	data := make([]opts.ScatterData, 0, filled/(stride*stride)+1)
	lo, hi := math.Inf(1), math.Inf(-1)
	for row := 0; row < cells.Rows; row += stride {
		for col := 0; col < cells.Cols; col += stride {
			v := values[cells.Index(row, col)]
			if math.IsNaN(v) {
				continue
			}
			c := cells.Center(row, col)
			data = append(data, opts.ScatterData{Value: []interface{}{c[0], c[1], v}})
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	if len(data) == 0 {
		lo, hi = 0, 1
	}

	b := cells.Bound()
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Bathymetry", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Gridded " + string(layer), Subtitle: fmt.Sprintf("res=%g cells=%d stride=%d", cells.Resolution, len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: b.Min[0], Max: b.Max[0], Name: "Easting (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: b.Min[1], Max: b.Max[1], Name: "Northing (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: depthColors},
		}),
	)
	scatter.AddSeries(string(layer), data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleStatesChart renders tile lifecycle counts and the number of tiles
// gridded at each resolution.
func (ws *WebServer) handleStatesChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	tiles := ws.grid.TileInfo()

	stateCounts := make(map[tile.State]int)
	resCounts := make(map[float64]int)
	for _, t := range tiles {
		stateCounts[t.State]++
		for _, res := range t.Resolutions {
			resCounts[res]++
		}
	}

	var stateNames []string
	var stateData []opts.BarData
	for s := tile.StateEmpty; s <= tile.StateStale; s++ {
		stateNames = append(stateNames, s.String())
		stateData = append(stateData, opts.BarData{Value: stateCounts[s]})
	}
	states := charts.NewBar()
	states.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Tile states", Subtitle: fmt.Sprintf("tiles=%d", len(tiles))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	states.SetXAxis(stateNames).
		AddSeries("tiles", stateData,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	resolutions := make([]float64, 0, len(resCounts))
	for res := range resCounts {
		resolutions = append(resolutions, res)
	}
	sort.Float64s(resolutions)
	resNames := make([]string, len(resolutions))
	resData := make([]opts.BarData, len(resolutions))
	for i, res := range resolutions {
		resNames[i] = strconv.FormatFloat(res, 'g', -1, 64) + " m"
		resData[i] = opts.BarData{Value: resCounts[res]}
	}
	byRes := charts.NewBar()
	byRes.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Tiles per resolution"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	byRes.SetXAxis(resNames).
		AddSeries("tiles", resData,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(states, byRes)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
