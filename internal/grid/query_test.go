package grid

import (
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/soundings"
)

type xyz [3]float64

func keyed(pts []soundings.Point) []xyz {
	out := make([]xyz, len(pts))
	for i, p := range pts {
		out[i] = xyz{p.X, p.Y, p.Z}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})
	return out
}

// survey spreads n points over [1000, 3000)² in four containers of five
// lines each.
func survey(rng *rand.Rand, n int) map[string][]soundings.Point {
	out := make(map[string][]soundings.Point)
	containers := []string{"c0", "c1", "c2", "c3"}
	lines := []string{"l0", "l1", "l2", "l3", "l4"}
	for i := 0; i < n; i++ {
		c := containers[i%len(containers)]
		pt := soundings.Point{
			X:    1000 + rng.Float64()*2000,
			Y:    1000 + rng.Float64()*2000,
			Z:    10 + rng.Float64()*30,
			TVU:  0.2,
			THU:  0.4,
			Line: lines[rng.IntN(len(lines))],
		}
		out[c] = append(out[c], pt)
	}
	return out
}

func TestQueryPoints_MatchesBruteForce(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("brute force comparison over 100k points")
	}
	rng := rand.New(rand.NewPCG(7, 11))
	f := newFixture(t, testConfig(256))
	data := survey(rng, 100_000)
	var all []soundings.Point
	for id, pts := range data {
		require.NoError(t, f.g.AddContainerPoints(id, pts, t0))
		all = append(all, pts...)
	}

	for i := 0; i < 100; i++ {
		x, y := 900+rng.Float64()*2200, 900+rng.Float64()*2200
		b := orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{x + rng.Float64()*600, y + rng.Float64()*600}}

		var want []soundings.Point
		for _, pt := range all {
			if b.Contains(pt.Position()) {
				want = append(want, pt)
			}
		}
		got := f.g.QueryPoints(b)
		require.Equal(t, len(want), len(got), "box %d %v", i, b)
		assert.Equal(t, keyed(want), keyed(got), "box %d %v", i, b)
	}
}

func TestQueryPoints_CarriesProvenance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(128))
	require.NoError(t, f.g.AddContainerPoints("line_09", line09(), t0))

	got := f.g.QueryPoints(orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}})
	require.Len(t, got, 1)
	assert.Equal(t, "line_09", got[0].Container)
	assert.Equal(t, "l1", got[0].Line)
	assert.Equal(t, f.g.Index().Encode(0, 0), got[0].Code)

	assert.Len(t, f.g.QueryPoints(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{50, 50}}), 4, "edges are inclusive")
	assert.Empty(t, f.g.QueryPoints(orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{40, 40}}))
}

func TestQueryPoints_DomainEdge(t *testing.T) {
	t.Parallel()
	cfg := config.EmptyGridConfig()
	cfg.CRS = ptrString("EPSG:4326")
	cfg.TileSize = ptrFloat64(8)
	f := newFixture(t, cfg)
	require.NoError(t, f.g.AddContainerPoints("edge", []soundings.Point{
		p("a", 180, 10, 20),
		p("a", 179.5, 10, 21),
		p("b", 0, 90, 22),
	}, t0))

	got := f.g.QueryPoints(orb.Bound{Min: orb.Point{179.9, 9.9}, Max: orb.Point{180, 10.1}})
	require.Len(t, got, 1)
	assert.Equal(t, 20.0, got[0].Z)
	assert.Len(t, f.g.QueryPoints(orb.Bound{Min: orb.Point{179, 9}, Max: orb.Point{180, 11}}), 2)
	assert.Len(t, f.g.QueryPoints(orb.Bound{Min: orb.Point{-1, 89.9}, Max: orb.Point{1, 90}}), 1)
}

func TestQueryPolygon_MatchesBruteForce(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(3, 5))
	f := newFixture(t, testConfig(256))
	data := survey(rng, 20_000)
	var all []soundings.Point
	for id, pts := range data {
		require.NoError(t, f.g.AddContainerPoints(id, pts, t0))
		all = append(all, pts...)
	}

	poly := orb.Polygon{orb.Ring{{1200, 1100}, {2800, 1500}, {1900, 2900}, {1200, 1100}}}
	var want []soundings.Point
	for _, pt := range all {
		if planar.PolygonContains(poly, pt.Position()) {
			want = append(want, pt)
		}
	}
	require.NotEmpty(t, want)
	assert.Equal(t, keyed(want), keyed(f.g.QueryPolygon(poly)))
	assert.Nil(t, f.g.QueryPolygon(nil))
}

// stitched puts one point in each of two neighbouring 64 m tiles gridded at
// 1 m.
func stitched(t *testing.T) fixture {
	t.Helper()
	cfg := testConfig(64)
	cfg.Resolution = ptrFloat64(1)
	f := newFixture(t, cfg)
	require.NoError(t, f.g.AddContainerPoints("w", []soundings.Point{p("a", 10.5, 10.5, 5)}, t0))
	require.NoError(t, f.g.AddContainerPoints("e", []soundings.Point{p("a", 70.5, 10.5, 6)}, t0))
	require.NoError(t, f.g.Regrid(true).Err())
	return f
}

func TestQueryCells_StitchesTiles(t *testing.T) {
	t.Parallel()
	f := stitched(t)

	c, err := f.g.QueryCells(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{127.5, 63.5}}, 0)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1.0, c.Resolution)
	assert.Equal(t, orb.Point{0, 0}, c.Origin)
	assert.Equal(t, 64, c.Rows)
	assert.Equal(t, 128, c.Cols)
	assert.Equal(t, 2, c.Count())
	assert.Equal(t, float32(5), c.At(10, 10).Depth)
	assert.Equal(t, float32(6), c.At(10, 70).Depth)

	// Unaligned bounds snap outwards to the lattice.
	c, err = f.g.QueryCells(orb.Bound{Min: orb.Point{9.7, 9.2}, Max: orb.Point{70.6, 10.9}}, 2)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{8, 8}, c.Origin)
	assert.Equal(t, 2, c.Rows)
	assert.Equal(t, 32, c.Cols)
	assert.Equal(t, float32(5), c.At(1, 1).Depth)
	assert.Equal(t, float32(6), c.At(1, 31).Depth)

	c, err = f.g.QueryCells(orb.Bound{Min: orb.Point{500, 500}, Max: orb.Point{600, 600}}, 0)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestQueryCells_NothingGriddedAtExplicitResolution(t *testing.T) {
	t.Parallel()
	f := stitched(t)

	c, err := f.g.QueryCells(orb.Bound{Min: orb.Point{500, 500}, Max: orb.Point{510, 510}}, 2)
	require.NoError(t, err)
	assert.Nil(t, c, "no tile in range")

	// A populated tile that was never regridded contributes nothing either.
	require.NoError(t, f.g.AddContainerPoints("n", []soundings.Point{p("a", 10.5, 100.5, 7)}, t0))
	c, err = f.g.QueryCells(orb.Bound{Min: orb.Point{0, 66}, Max: orb.Point{63, 127}}, 2)
	require.NoError(t, err)
	assert.Nil(t, c, "tile not gridded yet")

	c, err = f.g.QueryCells(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{63, 127}}, 2)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Count())
}

func TestQueryCells_Errors(t *testing.T) {
	t.Parallel()
	cfg := testConfig(64)
	cfg.Resolution = ptrFloat64(1)
	cfg.MaxQueryCells = ptrInt(1000)
	f := newFixture(t, cfg)
	require.NoError(t, f.g.AddContainerPoints("w", []soundings.Point{p("a", 10.5, 10.5, 5)}, t0))
	require.NoError(t, f.g.Regrid(true).Err())

	_, err := f.g.QueryCells(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{63, 63}}, 1)
	assert.ErrorIs(t, err, ErrQueryTooLarge)
	_, err = f.g.QueryCells(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, -1)
	assert.Error(t, err)
	_, err = f.g.QueryCells(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, 3)
	assert.Error(t, err, "3 m does not divide the tile")
}

func TestLayer(t *testing.T) {
	t.Parallel()
	f := stitched(t)

	depth, cells, err := f.g.Layer(LayerDepth, 0)
	require.NoError(t, err)
	require.NotNil(t, cells)
	assert.Equal(t, 64, cells.Rows)
	assert.Equal(t, 128, cells.Cols)
	assert.Equal(t, 5.0, depth[cells.Index(10, 10)])
	assert.True(t, math.IsNaN(depth[0]))

	density, _, err := f.g.Layer(LayerDensity, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, density[cells.Index(10, 70)])
	assert.True(t, math.IsNaN(density[0]))

	_, _, err = f.g.Layer("slope", 0)
	assert.Error(t, err)
}

func TestXYZ(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(128))
	require.NoError(t, f.g.AddContainerPoints("line_09", line09(), t0))
	require.NoError(t, f.g.Regrid(true).Err())

	var got []XYZ
	for v, err := range f.g.XYZ(0) {
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Len(t, got, 4)
	assert.Equal(t, XYZ{X: 0.25, Y: 0.25, Z: 10, Uncertainty: float64(float32(0.3)), Density: 1}, got[0])
	assert.Equal(t, 50.25, got[3].X)
	assert.Equal(t, 50.25, got[3].Y)

	n := 0
	for range f.g.XYZ(0) {
		n++
		break
	}
	assert.Equal(t, 1, n)

	for _, err := range f.g.XYZ(3) {
		assert.Error(t, err)
	}
}
