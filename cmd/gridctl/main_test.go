package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/gridrpc"
	"github.com/banshee-data/bathygrid/internal/indexdb"
	"github.com/banshee-data/bathygrid/internal/monitor"
	"github.com/banshee-data/bathygrid/internal/soundings"
	"github.com/banshee-data/bathygrid/internal/store"
)

const gridYAML = `crs: EPSG:32631
tile_size: 64
resolution: 1
method: mean
geohash_precision: 9
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// newGridDir creates a grid in a temp dir holding "west" (two soundings in
// tile 0_0) and "east" (one in 64_0), regridded.
func newGridDir(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "grid")
	cfgPath := writeFile(t, tmp, "grid.yaml", gridYAML)
	west := writeFile(t, tmp, "west.csv", "x,y,z,tvu,thu\n10.5,10.5,5,0.3,0.6\n11.5,10.5,5,0.3,0.6\n")
	east := writeFile(t, tmp, "east.csv", "70.5,10.5,6,0.3,0.6,0,line_e\n")

	out := mustRun(t, "create", "-d", dir, "-c", cfgPath)
	assert.Contains(t, out, "created EPSG:32631 grid")

	out = mustRun(t, "add", "-d", dir, "--modified", "2026-03-01T12:00:00Z", "west", west)
	assert.Equal(t, "added west: 2 points in 1 tiles\n", out)

	res := decode[monitor.RegridResponse](t, mustRun(t, "add", "-d", dir, "--regrid", "east", east))
	assert.Equal(t, []string{"(0,0)", "(1,0)"}, res.Updated)
	return dir
}

func TestCreate_Twice(t *testing.T) {
	dir := newGridDir(t)
	_, err := run(t, "create", "-d", dir)
	assert.ErrorContains(t, err, "already holds a grid")
}

func TestOpen_NoGrid(t *testing.T) {
	_, err := run(t, "info", "-d", t.TempDir())
	assert.ErrorContains(t, err, "run gridctl create first")
}

func TestInfoAndStale(t *testing.T) {
	dir := newGridDir(t)

	info := decode[monitor.InfoResponse](t, mustRun(t, "info", "-d", dir))
	assert.Equal(t, "EPSG:32631", info.CRS)
	assert.Equal(t, 2, info.TileCount)
	assert.Equal(t, 3, info.PointCount)
	assert.Equal(t, map[string]int{"gridded": 2}, info.States)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), info.Containers["west"].SourceModifiedAt.UTC())

	stale := decode[monitor.StaleResponse](t, mustRun(t, "stale", "-d", dir))
	assert.Empty(t, stale.Containers)
	assert.Empty(t, stale.Tiles)
}

func TestQueries(t *testing.T) {
	dir := newGridDir(t)

	pts := decode[monitor.PointsResponse](t, mustRun(t, "query-points", "-d", dir, "--bbox", "0,0,20,20"))
	assert.Equal(t, 2, pts.Count)
	assert.Equal(t, "west", pts.Points[0].Container)
	assert.Equal(t, "west", pts.Points[0].Line)

	pts = decode[monitor.PointsResponse](t, mustRun(t, "query-points", "-d", dir, "--bbox", "0,0,128,64", "--limit", "1"))
	assert.Equal(t, 3, pts.Count)
	assert.True(t, pts.Truncated)

	_, err := run(t, "query-points", "-d", dir)
	assert.Error(t, err, "bbox is required")

	cells := decode[monitor.CellsResponse](t, mustRun(t, "query-cells", "-d", dir, "--bbox", "10,10,11.9,11", "--resolution", "1"))
	assert.Equal(t, "depth", cells.Layer)
	assert.Equal(t, [2]float64{10, 10}, cells.Origin)
	require.Equal(t, 2, cells.Rows)
	require.Equal(t, 2, cells.Cols)
	assert.Equal(t, monitor.Float(5), cells.Values[0])
	assert.Equal(t, monitor.Float(5), cells.Values[1])

	whole := decode[monitor.CellsResponse](t, mustRun(t, "query-cells", "-d", dir, "--resolution", "8", "--layer", "density"))
	assert.Equal(t, 16, whole.Cols)
	assert.Equal(t, 8, whole.Rows)
	assert.Equal(t, monitor.Float(2), whole.Values[1*16+1])

	_, err = run(t, "query-cells", "-d", dir, "--bbox", "500,500,510,510", "--resolution", "1")
	assert.ErrorContains(t, err, "no gridded cells")
}

func TestExportXYZ(t *testing.T) {
	dir := newGridDir(t)
	out := mustRun(t, "export-xyz", "-d", dir)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "x,y,z,uncertainty,density", lines[0])
	var east []string
	for _, l := range lines[1:] {
		if strings.HasPrefix(l, "70.5,10.5,6,") {
			east = append(east, l)
		}
	}
	require.Len(t, east, 1)
	assert.True(t, strings.HasSuffix(east[0], ",1"))

	path := filepath.Join(t.TempDir(), "out.csv")
	out = mustRun(t, "export-xyz", "-d", dir, "-o", path)
	assert.Contains(t, out, "wrote 3 cells")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 4)
}

func TestPlot(t *testing.T) {
	dir := newGridDir(t)
	path := filepath.Join(t.TempDir(), "depth.png")
	mustRun(t, "plot", "-d", dir, "-o", path, "--width", "3", "--height", "2")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

type lineRef struct {
	Container string `json:"container"`
	Line      string `json:"line"`
}

func TestLookup(t *testing.T) {
	dir := newGridDir(t)

	refs := decode[[]lineRef](t, mustRun(t, "lookup", "-d", dir, "--bbox", "60,0,80,20"))
	assert.Equal(t, []lineRef{{"east", "line_e"}}, refs)

	db, err := indexdb.Open(filepath.Join(dir, store.IndexFile))
	require.NoError(t, err)
	lines, err := db.Lines()
	require.NoError(t, err)
	require.NoError(t, db.Close())
	var westCode string
	for ref, codes := range lines {
		if ref.Container == "west" {
			westCode = codes[0]
		}
	}
	require.NotEmpty(t, westCode)

	refs = decode[[]lineRef](t, mustRun(t, "lookup", "-d", dir, "--prefix", westCode))
	assert.Contains(t, refs, lineRef{"west", "west"})

	_, err = run(t, "lookup", "-d", dir)
	assert.Error(t, err)
}

func TestRemoveAndRegrid(t *testing.T) {
	dir := newGridDir(t)

	assert.Equal(t, "removed west\n", mustRun(t, "remove", "-d", dir, "west"))
	_, err := run(t, "remove", "-d", dir, "west")
	assert.ErrorIs(t, err, grid.ErrContainerNotFound)

	info := decode[monitor.InfoResponse](t, mustRun(t, "info", "-d", dir))
	assert.Equal(t, 1, info.TileCount)

	res := decode[monitor.RegridResponse](t, mustRun(t, "regrid", "-d", dir))
	assert.Empty(t, res.Updated)
	assert.Equal(t, 1, res.Skipped)

	res = decode[monitor.RegridResponse](t, mustRun(t, "regrid", "-d", dir, "--full"))
	assert.Equal(t, []string{"(1,0)"}, res.Updated)
}

func TestVersion(t *testing.T) {
	assert.Contains(t, mustRun(t, "version"), "gridctl dev")
}

func newServedGrid(t *testing.T) (*grid.Grid, string, string) {
	t.Helper()
	cfg := config.EmptyGridConfig()
	crs, size, res := "EPSG:32631", 64.0, 1.0
	cfg.CRS, cfg.TileSize, cfg.Resolution = &crs, &size, &res
	g, err := grid.New(cfg, grid.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, g.AddContainerPoints("west", []soundings.Point{{X: 10.5, Y: 10.5, Z: 5, TVU: 0.3, THU: 0.6, Line: "a"}}, time.Now()))
	require.NoError(t, g.AddContainerPoints("east", []soundings.Point{{X: 70.5, Y: 10.5, Z: 6, TVU: 0.3, THU: 0.6, Line: "b"}}, time.Now()))

	web := httptest.NewServer(monitor.NewWebServer(monitor.WebServerConfig{Grid: g, Logger: zap.NewNop()}).Handler())
	t.Cleanup(web.Close)

	srv := gridrpc.NewServer(gridrpc.Config{Grid: g, Logger: zap.NewNop()})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.Serve(lis))
	t.Cleanup(srv.Stop)
	return g, web.URL, lis.Addr().String()
}

func TestRemote(t *testing.T) {
	g, webURL, grpcAddr := newServedGrid(t)

	stale := decode[monitor.StaleResponse](t, mustRun(t, "remote", "--http", webURL, "stale"))
	assert.Equal(t, []string{"(0,0)", "(1,0)"}, stale.Tiles)

	res := decode[monitor.RegridResponse](t, mustRun(t, "remote", "--grpc", grpcAddr, "regrid"))
	assert.Len(t, res.Updated, 2)

	info := decode[monitor.InfoResponse](t, mustRun(t, "remote", "--http", webURL, "info"))
	assert.Equal(t, map[string]int{"gridded": 2}, info.States)

	assert.Equal(t, "removed east\n", mustRun(t, "remote", "--grpc", grpcAddr, "remove", "east"))
	assert.Equal(t, 1, g.TileCount())
	_, err := run(t, "remote", "--http", webURL, "remove", "east")
	assert.Error(t, err)

	_, err = run(t, "remote", "watch")
	assert.ErrorContains(t, err, "needs --grpc")
}
