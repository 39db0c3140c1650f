package gridrpc

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/monitor"
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

type fixture struct {
	g      *grid.Grid
	srv    *Server
	client *Client
	conn   *grpc.ClientConn
}

// newFixture serves two gridded 64 m tiles at 1 m over an in-memory
// listener.
func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := config.EmptyGridConfig()
	cfg.CRS = ptrString("EPSG:32631")
	cfg.TileSize = ptrFloat64(64)
	cfg.Resolution = ptrFloat64(1)
	cfg.MaxQueryCells = ptrInt(1000)
	g, err := grid.New(cfg, grid.WithClock(timeutil.NewMockClock(t0)), grid.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, g.AddContainerPoints("west", []soundings.Point{pt("a", 10.5, 10.5, 5)}, t0))
	require.NoError(t, g.AddContainerPoints("east", []soundings.Point{pt("b", 70.5, 10.5, 6)}, t0))
	require.NoError(t, g.Regrid(true).Err())

	srv := NewServer(Config{Grid: g, MaxPoints: 10, Logger: zap.NewNop()})
	lis := bufconn.Listen(1 << 20)
	require.NoError(t, srv.Serve(lis))
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return fixture{g: g, srv: srv, client: client, conn: client.conn}
}

func code(err error) codes.Code { return status.Code(err) }

func TestInfo(t *testing.T) {
	f := newFixture(t)
	info, err := f.client.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "EPSG:32631", info.CRS)
	assert.Equal(t, 2, info.TileCount)
	assert.Equal(t, map[string]int{"gridded": 2}, info.States)
	assert.Equal(t, monitor.Bounds{0, 0, 128, 64}, *info.Bounds)
	assert.Equal(t, t0, info.Containers["east"].AddedAt.UTC())
}

func TestTiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tiles, err := f.client.Tiles(ctx, "")
	require.NoError(t, err)
	require.Len(t, tiles, 2)
	assert.Equal(t, "64_0", tiles[1].Name)
	assert.Equal(t, monitor.Float(6), tiles[1].MeanDepth)

	require.NoError(t, f.g.AddContainerPoints("extra", []soundings.Point{pt("c", 12, 12, 7)}, t0))
	tiles, err = f.client.Tiles(ctx, "stale")
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, "0_0", tiles[0].Name)

	_, err = f.client.Tiles(ctx, "wet")
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestQueryPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.QueryPoints(ctx, monitor.Bounds{60, 0, 80, 20}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "east", resp.Points[0].Container)
	assert.Equal(t, "b", resp.Points[0].Line)

	resp, err = f.client.QueryPoints(ctx, monitor.Bounds{0, 0, 128, 64}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Count)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Points, 1)

	var out monitor.PointsResponse
	err = f.client.call(ctx, "QueryPoints", map[string]int{"limit": 3}, &out)
	assert.Equal(t, codes.InvalidArgument, code(err), "bbox is required")
}

func TestQueryCells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := monitor.Bounds{8, 8, 71, 11}
	cells, err := f.client.QueryCells(ctx, CellsRequest{BBox: &b, Resolution: 2})
	require.NoError(t, err)
	assert.Equal(t, [2]float64{8, 8}, cells.Origin)
	assert.Equal(t, 2, cells.Rows)
	assert.Equal(t, 32, cells.Cols)
	assert.Equal(t, monitor.Float(5), cells.Values[1*32+1])
	assert.True(t, math.IsNaN(float64(cells.Values[0])))

	whole, err := f.client.QueryCells(ctx, CellsRequest{Resolution: 8, Layer: "density"})
	require.NoError(t, err)
	assert.Equal(t, "density", whole.Layer)
	assert.Equal(t, 16, whole.Cols)
	assert.Equal(t, monitor.Float(1), whole.Values[1*16+1])

	big := monitor.Bounds{0, 0, 127, 63}
	_, err = f.client.QueryCells(ctx, CellsRequest{BBox: &big, Resolution: 1})
	assert.Equal(t, codes.ResourceExhausted, code(err))

	far := monitor.Bounds{500, 500, 510, 510}
	_, err = f.client.QueryCells(ctx, CellsRequest{BBox: &far, Resolution: 2})
	assert.Equal(t, codes.NotFound, code(err))

	_, err = f.client.QueryCells(ctx, CellsRequest{Layer: "slope"})
	assert.Equal(t, codes.InvalidArgument, code(err))
}

func TestRegridAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.RemoveContainer(ctx, "west"))
	assert.Equal(t, 1, f.g.TileCount())
	err := f.client.RemoveContainer(ctx, "west")
	assert.Equal(t, codes.NotFound, code(err))

	require.NoError(t, f.g.AddContainerPoints("extra", []soundings.Point{pt("c", 80, 12, 7)}, t0))
	stale, err := f.client.Stale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"(1,0)"}, stale.Tiles)

	res, err := f.client.Regrid(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"(1,0)"}, res.Updated)
	assert.NotEmpty(t, res.RunID)

	res, err = f.client.Regrid(ctx, true)
	require.NoError(t, err)
	assert.Len(t, res.Updated, 1)
}

func TestWatchRegrids(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan monitor.RegridResponse, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.client.WatchRegrids(ctx, func(r monitor.RegridResponse) error {
			events <- r
			return nil
		})
	}()
	require.Eventually(t, func() bool { return f.srv.Watchers() == 1 }, 5*time.Second, 5*time.Millisecond)

	res := f.g.Regrid(false)
	select {
	case ev := <-events:
		assert.Equal(t, res.RunID, ev.RunID)
		assert.Len(t, ev.Updated, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no regrid event")
	}

	cancel()
	err := <-done
	assert.Equal(t, codes.Canceled, code(err))
	require.Eventually(t, func() bool { return f.srv.Watchers() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestStopEndsWatchers(t *testing.T) {
	f := newFixture(t)
	done := make(chan error, 1)
	go func() {
		done <- f.client.WatchRegrids(context.Background(), func(monitor.RegridResponse) error { return nil })
	}()
	require.Eventually(t, func() bool { return f.srv.Watchers() == 1 }, 5*time.Second, 5*time.Millisecond)

	f.srv.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch stream did not end")
	}
	f.srv.Stop()
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	hc := healthpb.NewHealthClient(f.conn)
	resp, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestServe_Twice(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.srv.Serve(bufconn.Listen(1024)))
}
