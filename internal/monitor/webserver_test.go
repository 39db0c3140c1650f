package monitor

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/httputil"
	"github.com/banshee-data/bathygrid/internal/soundings"
	"github.com/banshee-data/bathygrid/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptrString(v string) *string    { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

func pt(line string, x, y, z float64) soundings.Point {
	return soundings.Point{X: x, Y: y, Z: z, TVU: 0.3, THU: 0.6, Line: line}
}

// newGrid holds two gridded 64 m tiles at 1 m, one point in each.
func newGrid(t *testing.T, maxCells int) *grid.Grid {
	t.Helper()
	cfg := config.EmptyGridConfig()
	cfg.CRS = ptrString("EPSG:32631")
	cfg.TileSize = ptrFloat64(64)
	cfg.Resolution = ptrFloat64(1)
	cfg.Workers = ptrInt(2)
	if maxCells > 0 {
		cfg.MaxQueryCells = ptrInt(maxCells)
	}
	g, err := grid.New(cfg, grid.WithClock(timeutil.NewMockClock(t0)), grid.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, g.AddContainerPoints("west", []soundings.Point{pt("a", 10.5, 10.5, 5)}, t0))
	require.NoError(t, g.AddContainerPoints("east", []soundings.Point{pt("b", 70.5, 10.5, 6)}, t0))
	require.NoError(t, g.Regrid(true).Err())
	return g
}

func newServer(t *testing.T, g *grid.Grid) http.Handler {
	t.Helper()
	return NewWebServer(WebServerConfig{Grid: g, MaxPoints: 10, Logger: zap.NewNop()}).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"), rec.Body.String())
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	rec := do(t, newServer(t, newGrid(t, 0)), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestInfo(t *testing.T) {
	t.Parallel()
	h := newServer(t, newGrid(t, 0))

	rec := do(t, h, http.MethodGet, "/api/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[InfoResponse](t, rec)
	assert.Equal(t, "EPSG:32631", info.CRS)
	assert.Equal(t, 2, info.TileCount)
	assert.Equal(t, 2, info.PointCount)
	assert.Equal(t, map[string]int{"gridded": 2}, info.States)
	assert.Equal(t, []float64{1}, info.Resolutions)
	require.NotNil(t, info.Bounds)
	assert.Equal(t, Bounds{0, 0, 128, 64}, *info.Bounds)
	assert.Equal(t, 1, info.Containers["west"].PointCount)

	rec = do(t, h, http.MethodPost, "/api/info", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
}

func TestTiles(t *testing.T) {
	t.Parallel()
	g := newGrid(t, 0)
	h := newServer(t, g)
	require.NoError(t, g.AddContainerPoints("extra", []soundings.Point{pt("c", 12, 12, 7)}, t0))

	tiles := decode[[]TileResponse](t, do(t, h, http.MethodGet, "/api/tiles", ""))
	require.Len(t, tiles, 2)
	assert.Equal(t, "0_0", tiles[0].Name)
	assert.Equal(t, "stale", tiles[0].State)
	assert.Equal(t, []string{"extra", "west"}, tiles[0].Containers)
	assert.Equal(t, Float(6), tiles[1].MeanDepth)

	stale := decode[[]TileResponse](t, do(t, h, http.MethodGet, "/api/tiles?state=stale", ""))
	require.Len(t, stale, 1)
	assert.Equal(t, int64(0), stale[0].I)

	rec := do(t, h, http.MethodGet, "/api/tiles?state=wet", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContainers(t *testing.T) {
	t.Parallel()
	g := newGrid(t, 0)
	h := newServer(t, g)

	list := decode[[]ContainerResponse](t, do(t, h, http.MethodGet, "/api/containers", ""))
	require.Len(t, list, 2)
	assert.Equal(t, "east", list[0].ID)
	assert.Equal(t, []string{"b"}, list[0].Lines)
	assert.Equal(t, []string{"(1,0)"}, list[0].Tiles)

	one := decode[ContainerResponse](t, do(t, h, http.MethodGet, "/api/containers/west", ""))
	assert.Equal(t, Bounds{10.5, 10.5, 10.5, 10.5}, *one.Bounds)

	rec := do(t, h, http.MethodGet, "/api/containers/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode[httputil.ErrorBody](t, rec).Error, "nope")

	rec = do(t, h, http.MethodDelete, "/api/containers/east", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, g.TileCount())

	rec = do(t, h, http.MethodPut, "/api/containers/west", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStale(t *testing.T) {
	t.Parallel()
	g := newGrid(t, 0)
	h := newServer(t, g)

	stale := decode[StaleResponse](t, do(t, h, http.MethodGet, "/api/stale", ""))
	assert.Empty(t, stale.Containers)
	assert.Empty(t, stale.Tiles)

	require.NoError(t, g.SetSourceModified("east", t0.Add(time.Hour)))
	stale = decode[StaleResponse](t, do(t, h, http.MethodGet, "/api/stale", ""))
	assert.Equal(t, []string{"east"}, stale.Containers)
	assert.Equal(t, []string{"(1,0)"}, stale.Tiles)
}

func TestPoints(t *testing.T) {
	t.Parallel()
	g := newGrid(t, 0)
	h := newServer(t, g)

	resp := decode[PointsResponse](t, do(t, h, http.MethodGet, "/api/points?bbox=0,0,64,64", ""))
	require.Equal(t, 1, resp.Count)
	assert.False(t, resp.Truncated)
	got := resp.Points[0]
	assert.Equal(t, "west", got.Container)
	assert.Equal(t, "a", got.Line)
	assert.Equal(t, 5.0, got.Z)
	assert.NotEmpty(t, got.Code)

	many := make([]soundings.Point, 20)
	for i := range many {
		many[i] = pt("d", 100+float64(i), 40, 8)
	}
	require.NoError(t, g.AddContainerPoints("dense", many, t0))
	resp = decode[PointsResponse](t, do(t, h, http.MethodGet, "/api/points?bbox=64,0,128,64&limit=50", ""))
	assert.Equal(t, 21, resp.Count)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Points, 10, "limit is capped by MaxPoints")

	for _, q := range []string{"", "?bbox=1,2,3", "?bbox=a,0,1,1", "?bbox=5,0,1,1", "?bbox=0,0,1,1&limit=-2"} {
		rec := do(t, h, http.MethodGet, "/api/points"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestPolygon(t *testing.T) {
	t.Parallel()
	h := newServer(t, newGrid(t, 0))

	body := `{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[60,0],[80,0],[80,20],[60,20],[60,0]]]}}`
	resp := decode[PointsResponse](t, do(t, h, http.MethodPost, "/api/points/polygon", body))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "east", resp.Points[0].Container)

	bare := `{"type":"Polygon","coordinates":[[[0,0],[30,0],[0,30],[0,0]]]}`
	resp = decode[PointsResponse](t, do(t, h, http.MethodPost, "/api/points/polygon", bare))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "west", resp.Points[0].Container)

	rec := do(t, h, http.MethodPost, "/api/points/polygon", `{"type":"Point","coordinates":[1,2]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/points/polygon", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCells(t *testing.T) {
	t.Parallel()
	h := newServer(t, newGrid(t, 1000))

	resp := decode[CellsResponse](t, do(t, h, http.MethodGet, "/api/cells?bbox=8,8,71,11&res=2", ""))
	assert.Equal(t, "depth", resp.Layer)
	assert.Equal(t, 2.0, resp.Resolution)
	assert.Equal(t, [2]float64{8, 8}, resp.Origin)
	assert.Equal(t, 2, resp.Rows)
	assert.Equal(t, 32, resp.Cols)
	require.Len(t, resp.Values, 64)
	assert.Equal(t, Float(5), resp.Values[1*32+1])
	assert.Equal(t, Float(6), resp.Values[1*32+31])
	assert.True(t, math.IsNaN(float64(resp.Values[0])), "empty cells encode as null")

	density := decode[CellsResponse](t, do(t, h, http.MethodGet, "/api/cells?bbox=8,8,71,11&res=2&layer=density", ""))
	assert.Equal(t, Float(1), density.Values[1*32+1])

	rec := do(t, h, http.MethodGet, "/api/cells?bbox=0,0,127,63&res=1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/cells?bbox=0,0,10,10&res=3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/cells?bbox=500,500,510,510&res=2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/cells?bbox=0,0,10,10&layer=slope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCells_WholeGrid(t *testing.T) {
	t.Parallel()
	h := newServer(t, newGrid(t, 0))
	resp := decode[CellsResponse](t, do(t, h, http.MethodGet, "/api/cells?res=8", ""))
	assert.Equal(t, 8, resp.Rows)
	assert.Equal(t, 16, resp.Cols)
	assert.Equal(t, Float(5), resp.Values[1*16+1])
}

func TestRegrid(t *testing.T) {
	t.Parallel()
	g := newGrid(t, 0)
	h := newServer(t, g)
	require.NoError(t, g.AddContainerPoints("extra", []soundings.Point{pt("c", 12, 12, 7)}, t0))

	resp := decode[RegridResponse](t, do(t, h, http.MethodPost, "/api/regrid", ""))
	assert.Equal(t, []string{"(0,0)"}, resp.Updated)
	assert.Equal(t, 1, resp.Skipped)
	assert.NotEmpty(t, resp.RunID)

	resp = decode[RegridResponse](t, do(t, h, http.MethodPost, "/api/regrid", `{"full": true}`))
	assert.Len(t, resp.Updated, 2)

	rec := do(t, h, http.MethodPost, "/api/regrid", `{"everything": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/regrid", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRegrid_ThroughRegridder(t *testing.T) {
	t.Parallel()
	g := newGrid(t, 0)
	r := grid.NewRegridder(grid.RegridderConfig{Grid: g, Logger: zap.NewNop()})
	h := NewWebServer(WebServerConfig{Grid: g, Regridder: r, Logger: zap.NewNop()}).Handler()
	require.NoError(t, g.AddContainerPoints("extra", []soundings.Point{pt("c", 12, 12, 7)}, t0))

	resp := decode[RegridResponse](t, do(t, h, http.MethodPost, "/api/regrid", ""))
	assert.Len(t, resp.Updated, 1)
	assert.Equal(t, 1, r.Passes())
}

func TestDepthChart(t *testing.T) {
	t.Parallel()
	h := newServer(t, newGrid(t, 0))

	rec := do(t, h, http.MethodGet, "/chart/depth?res=4", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "echarts")
	assert.Contains(t, rec.Body.String(), "Gridded depth")

	rec = do(t, h, http.MethodGet, "/chart/depth?res=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDepthChart_EmptyGrid(t *testing.T) {
	t.Parallel()
	cfg := config.EmptyGridConfig()
	cfg.CRS = ptrString("EPSG:32631")
	cfg.TileSize = ptrFloat64(64)
	g, err := grid.New(cfg, grid.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	h := newServer(t, g)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/chart/depth", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/plot/depth.png", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/chart/states", "").Code)
}

func TestStatesChart(t *testing.T) {
	t.Parallel()
	h := newServer(t, newGrid(t, 0))
	rec := do(t, h, http.MethodGet, "/chart/states", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Tile states")
	assert.Contains(t, body, "1 m")
}

func TestDepthPlot(t *testing.T) {
	t.Parallel()
	h := newServer(t, newGrid(t, 0))

	rec := do(t, h, http.MethodGet, "/plot/depth.png?res=4&size=3", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))

	rec = do(t, h, http.MethodGet, "/plot/depth.png?size=100", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClient(t *testing.T) {
	t.Parallel()
	g := newGrid(t, 0)
	srv := httptest.NewServer(newServer(t, g))
	defer srv.Close()
	c := NewClient(srv.URL, srv.Client())
	ctx := context.Background()

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.TileCount)

	tiles, err := c.Tiles(ctx, "gridded")
	require.NoError(t, err)
	assert.Len(t, tiles, 2)

	pts, err := c.Points(ctx, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{128, 64}}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, pts.Count)
	assert.Len(t, pts.Points, 1)

	require.NoError(t, c.RemoveContainer(ctx, "west"))
	stale, err := c.Stale(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale.Tiles, "the emptied tile is gone")

	res, err := c.Regrid(ctx, true)
	require.NoError(t, err)
	assert.Len(t, res.Updated, 1)

	var se *httputil.StatusError
	require.ErrorAs(t, c.RemoveContainer(ctx, "west"), &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}
