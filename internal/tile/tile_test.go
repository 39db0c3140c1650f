package tile

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/resolution"
	"github.com/banshee-data/bathygrid/internal/soundings"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func singleConfig(size float64) *Config {
	return &Config{
		Lattice:    Lattice{Size: size},
		Policy:     PerTile,
		Resolution: resolution.Policy{Mode: resolution.ModeDepth},
		Method:     aggregate.Mean{},
	}
}

func variableConfig(size, sub float64) *Config {
	cfg := singleConfig(size)
	cfg.Policy = PerSubTile
	cfg.SubtileSize = sub
	return cfg
}

func pts(container string, xyz ...[3]float64) []soundings.Point {
	out := make([]soundings.Point, len(xyz))
	for i, v := range xyz {
		out[i] = soundings.Point{X: v[0], Y: v[1], Z: v[2], TVU: 0.2, THU: 0.5, Line: "line_a", Container: container, Code: "s000000"}
	}
	return out
}

// ----------------------------------------------------------------------------
// Lattice
// ----------------------------------------------------------------------------

func TestLattice_KeyFor(t *testing.T) {
	t.Parallel()
	l := Lattice{Anchor: orb.Point{0, 0}, Size: 1024}
	assert.Equal(t, Key{0, 0}, l.KeyFor(0, 0))
	assert.Equal(t, Key{0, 0}, l.KeyFor(1023.999, 1023.999))
	assert.Equal(t, Key{1, 0}, l.KeyFor(1024, 0), "east edge belongs to the next tile")
	assert.Equal(t, Key{-1, -1}, l.KeyFor(-0.001, -1024))
	assert.Equal(t, orb.Point{-1024, -1024}, l.Origin(Key{-1, -1}))

	anchored := Lattice{Anchor: orb.Point{500000, 4000000}, Size: 128}
	k := anchored.KeyFor(500130, 3999990)
	assert.Equal(t, Key{1, -1}, k)
	assert.Equal(t, orb.Bound{Min: orb.Point{500128, 3999872}, Max: orb.Point{500256, 4000000}}, anchored.Bound(k))
}

func TestLattice_KeysIn(t *testing.T) {
	t.Parallel()
	l := Lattice{Size: 100}
	keys := l.KeysIn(orb.Bound{Min: orb.Point{-50, 50}, Max: orb.Point{150, 100}})
	assert.Equal(t, []Key{{-1, 0}, {0, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}, keys)
}

func TestName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "0_0", Name(orb.Point{0, 0}))
	assert.Equal(t, "538368_4994560", Name(orb.Point{538368, 4994560}))
	assert.Equal(t, "-1024_0.5", Name(orb.Point{-1024, 0.5}))

	o, err := ParseName("-1024_0.5")
	require.NoError(t, err)
	assert.Equal(t, orb.Point{-1024, 0.5}, o)

	_, err = ParseName("metadata.json")
	assert.Error(t, err)
	_, err = ParseName("abc_1")
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Block
// ----------------------------------------------------------------------------

func TestBlock_Tables(t *testing.T) {
	t.Parallel()
	in := []soundings.Point{
		{X: 1, Y: 1, Z: 5, Line: "b", Code: "u4pruyd"},
		{X: 2, Y: 2, Z: 6, Line: "a", Code: "u4pruyd"},
		{X: 3, Y: 3, Z: 7, Line: "b", Code: "u4pruye"},
	}
	b := NewBlock("c1", in)
	assert.Equal(t, []string{"a", "b"}, b.Lines)
	assert.Equal(t, []string{"u4pruyd", "u4pruye"}, b.Codes)
	assert.Equal(t, []uint32{1, 0, 1}, b.LineIdx)
	assert.Equal(t, []uint32{0, 0, 1}, b.CodeIdx)

	p := b.Point(2)
	assert.Equal(t, "b", p.Line)
	assert.Equal(t, "u4pruye", p.Code)
	assert.Equal(t, "c1", p.Container)
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{3, 3}}, b.Bound())

	merged := b.Merge([]soundings.Point{{X: 4, Y: 4, Z: 8, Line: "c", Code: "u4pruyd"}})
	assert.Equal(t, 4, merged.Len())
	assert.Equal(t, 3, b.Len(), "merge must not modify the original block")
}

func TestBlock_Select(t *testing.T) {
	t.Parallel()
	in := []soundings.Point{
		{X: 1, Y: 1, Line: "a", Code: "inner"},
		{X: 50, Y: 50, Line: "a", Code: "inner"}, // accepted without a coordinate test
		{X: 2, Y: 2, Line: "a", Code: "edge"},
		{X: 9, Y: 9, Line: "a", Code: "edge"},
		{X: 1, Y: 1, Line: "b", Code: "inner"},
		{X: 1, Y: 1, Line: "a", Code: "far"},
	}
	b := NewBlock("c", in)
	box := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{5, 5}}
	classify := func(code string) CodeMatch {
		switch code {
		case "inner":
			return CodeInner
		case "edge":
			return CodePartial
		}
		return CodeOutside
	}
	f := Filter{
		Lines:    map[string]map[string]struct{}{"c": {"a": {}}},
		Code:     classify,
		Contains: box.Contains,
	}
	got := b.Select(nil, f)
	require.Len(t, got, 3)
	assert.Equal(t, 1.0, got[0].X)
	assert.Equal(t, 50.0, got[1].X)
	assert.Equal(t, 2.0, got[2].X)

	assert.Empty(t, b.Select(nil, Filter{Lines: map[string]map[string]struct{}{"c": {"zzz": {}}}}))
	assert.Empty(t, b.Select(nil, Filter{Lines: map[string]map[string]struct{}{"other": {"a": {}}}}))
	assert.Len(t, b.Select(nil, Filter{}), len(in))
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

func TestTile_StateMachine(t *testing.T) {
	t.Parallel()
	tl := New(Key{0, 0}, singleConfig(128))
	noSource := func(string) time.Time { return time.Time{} }

	assert.Equal(t, StateEmpty, tl.State(noSource))

	tl.AddPoints("line_09", pts("line_09", [3]float64{0, 0, 10}, [3]float64{50, 0, 12}))
	assert.Equal(t, StatePopulated, tl.State(noSource))
	assert.True(t, tl.IsDirty(noSource))
	assert.Nil(t, mustCells(t, tl, 0), "no cells before the first regrid")

	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))
	assert.Equal(t, StateGridded, tl.State(noSource))
	assert.False(t, tl.IsDirty(noSource))
	assert.Equal(t, t0, tl.GriddedAt())
	assert.Equal(t, []float64{0.5}, tl.Resolutions())

	tl.AddPoints("line_10", pts("line_10", [3]float64{10, 10, 11}))
	assert.Equal(t, StateStale, tl.State(noSource))
	require.NoError(t, tl.Regrid(RegridContext{Now: t0.Add(time.Minute)}))
	assert.Equal(t, 3, mustCells(t, tl, 0).Count())

	assert.Equal(t, 1, tl.RemoveContainer("line_10"))
	assert.Zero(t, tl.RemoveContainer("line_10"))
	assert.Equal(t, StateStale, tl.State(noSource))
	assert.Equal(t, []string{"line_09"}, tl.Containers())
	assert.Equal(t, map[string]int{"line_09": 2}, tl.ContainerCounts())

	tl.RemoveContainer("line_09")
	assert.Equal(t, StateEmpty, tl.State(noSource))
}

func TestTile_SourceModifiedMakesStale(t *testing.T) {
	t.Parallel()
	tl := New(Key{0, 0}, singleConfig(128))
	tl.AddPoints("c", pts("c", [3]float64{1, 1, 5}))
	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))

	modified := map[string]time.Time{"c": t0.Add(-time.Hour)}
	lookup := func(id string) time.Time { return modified[id] }
	assert.False(t, tl.IsDirty(lookup))

	modified["c"] = t0.Add(time.Second)
	assert.True(t, tl.IsDirty(lookup))
	assert.Equal(t, StateStale, tl.State(lookup))

	require.NoError(t, tl.Regrid(RegridContext{Now: t0.Add(time.Minute)}))
	assert.False(t, tl.IsDirty(lookup))
}

func TestTile_FailedRegridStaysStale(t *testing.T) {
	t.Parallel()
	cfg := singleConfig(128)
	cfg.Resolution = resolution.Policy{Fixed: 3}
	tl := New(Key{0, 0}, cfg)
	tl.AddPoints("c", pts("c", [3]float64{1, 1, 5}))

	err := tl.Regrid(RegridContext{Now: t0})
	require.Error(t, err)
	assert.ErrorIs(t, err, resolution.ErrNotOnLadder)
	assert.ErrorIs(t, tl.LastError(), resolution.ErrNotOnLadder)
	assert.True(t, tl.IsDirty(nil))
	assert.True(t, tl.GriddedAt().IsZero())

	cfg.Resolution = resolution.Policy{Fixed: 4}
	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))
	assert.NoError(t, tl.LastError())
	assert.False(t, tl.IsDirty(nil))
}

func TestTile_ReaddSamePointsChangesNothingButDirty(t *testing.T) {
	t.Parallel()
	tl := New(Key{0, 0}, singleConfig(128))
	in := pts("c", [3]float64{1, 1, 5}, [3]float64{100, 100, 6})
	tl.AddPoints("c", in)
	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))
	before := mustCells(t, tl, 0).Hash()

	tl.RemoveContainer("c")
	tl.AddPoints("c", in)
	assert.True(t, tl.IsDirty(nil))
	require.NoError(t, tl.Regrid(RegridContext{Now: t0.Add(time.Second)}))
	assert.Equal(t, before, mustCells(t, tl, 0).Hash())
}

func TestTile_Cube(t *testing.T) {
	t.Parallel()
	cfg := singleConfig(16)
	cfg.Resolution = resolution.Policy{Fixed: 1}
	cfg.Method = aggregate.Cube{CaptureScale: 1}
	tl := New(Key{0, 0}, cfg)
	tl.AddPoints("c", pts("c", [3]float64{15.9, 5.5, 10}))

	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))
	alone := mustCells(t, tl, 0).At(5, 15).Depth

	halo := pts("n", [3]float64{16.1, 5.5, 10.2}, [3]float64{30, 5.5, 99})
	tl.MarkDirty()
	require.NoError(t, tl.Regrid(RegridContext{Now: t0, Halo: halo}))
	cells := mustCells(t, tl, 0)
	assert.InDelta(t, 10, alone, 1e-5)
	assert.Greater(t, cells.At(5, 15).Depth, float32(10.001))
	assert.Less(t, cells.At(5, 15).Depth, float32(10.2), "the far point is outside the capture radius")
	assert.Equal(t, int32(1), cells.At(5, 15).Density, "halo points do not count towards density")
}

// ----------------------------------------------------------------------------
// Variable resolution
// ----------------------------------------------------------------------------

func TestTile_VariableResolution(t *testing.T) {
	t.Parallel()
	tl := New(Key{0, 0}, variableConfig(128, 32))

	var in []soundings.Point
	// Shallow points in subtile (0,0), deep points in subtile (3,3).
	in = append(in, pts("c", [3]float64{1, 1, 10}, [3]float64{5, 5, 12})...)
	in = append(in, pts("c", [3]float64{100, 100, 90}, [3]float64{110, 120, 95})...)
	tl.AddPoints("c", in)
	assert.Equal(t, 2, tl.Subtiles())
	assert.Equal(t, 4, tl.PointCount())
	before, err := tl.Cells(8)
	require.NoError(t, err)
	assert.Nil(t, before, "no subtile gridded yet")

	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))
	assert.Equal(t, []float64{0.5, 8}, tl.Resolutions())

	native := mustCells(t, tl, 0)
	assert.Equal(t, 0.5, native.Resolution)
	assert.Equal(t, 256, native.Rows)
	assert.Equal(t, int32(1), native.At(2, 2).Density)
	// The deep subtile is replicated down to 0.5 m: one 8 m cell covers 16x16.
	deep := native.At(int(100/0.5), int(100/0.5))
	assert.InDelta(t, 90, deep.Depth, 1e-6)

	coarse, err := tl.Cells(8)
	require.NoError(t, err)
	assert.Equal(t, 16, coarse.Rows)

	_, err = tl.Cells(3)
	assert.ErrorIs(t, err, aggregate.ErrIndivisible)
}

func TestTile_VariableOnlyDirtySubtilesRecompute(t *testing.T) {
	t.Parallel()
	tl := New(Key{0, 0}, variableConfig(128, 32))
	tl.AddPoints("a", pts("a", [3]float64{1, 1, 10}))
	tl.AddPoints("b", pts("b", [3]float64{100, 100, 90}))
	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))

	snap := tl.Snapshot()
	require.Len(t, snap.Children, 2)
	deepBefore := snap.Children[1].Cells

	tl.AddPoints("a", pts("a", [3]float64{2, 2, 11}))
	require.NoError(t, tl.Regrid(RegridContext{Now: t0.Add(time.Second)}))
	snap = tl.Snapshot()
	assert.Same(t, deepBefore, snap.Children[1].Cells, "clean subtile keeps its raster")
	assert.Equal(t, t0, snap.Children[1].GriddedAt)

	require.NoError(t, tl.Regrid(RegridContext{Now: t0.Add(2 * time.Second), Force: true}))
	assert.NotSame(t, deepBefore, tl.Snapshot().Children[1].Cells)

	assert.Equal(t, 1, tl.RemoveContainer("b"))
	assert.Equal(t, 1, tl.Subtiles(), "emptied subtile is dropped")
}

// ----------------------------------------------------------------------------
// Snapshots and concurrency
// ----------------------------------------------------------------------------

func TestTile_SnapshotRestore(t *testing.T) {
	t.Parallel()
	cfg := variableConfig(128, 64)
	tl := New(Key{2, -1}, cfg)
	tl.AddPoints("c", pts("c", [3]float64{260, -100, 10}, [3]float64{380, -10, 50}))
	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))
	assert.True(t, tl.NeedsSave())

	snap := tl.Snapshot()
	assert.Equal(t, 2, snap.PointCount())
	tl.MarkSaved(snap.Version)
	assert.False(t, tl.NeedsSave())

	restored := Restore(snap, cfg)
	assert.False(t, restored.NeedsSave())
	assert.Equal(t, tl.Origin(), restored.Origin())
	assert.Equal(t, tl.Resolutions(), restored.Resolutions())
	a := mustCells(t, tl, 0)
	b := mustCells(t, restored, 0)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, StateGridded, restored.State(nil))
}

func TestTile_ConcurrentReadsDuringRegrid(t *testing.T) {
	t.Parallel()
	tl := New(Key{0, 0}, singleConfig(256))
	var in []soundings.Point
	for i := 0; i < 5000; i++ {
		in = append(in, pts("c", [3]float64{math.Mod(float64(i)*7.3, 256), math.Mod(float64(i)*3.1, 256), 15})...)
	}
	tl.AddPoints("c", in)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = tl.Regrid(RegridContext{Now: t0, Force: true})
		}()
		go func() {
			defer wg.Done()
			_ = tl.PointsWithin(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}})
			_, _ = tl.Cells(0)
		}()
	}
	wg.Wait()
	require.NoError(t, tl.Regrid(RegridContext{Now: t0}))
	assert.Equal(t, StateGridded, tl.State(nil))
}

func mustCells(t *testing.T, tl *Tile, res float64) *aggregate.Cells {
	t.Helper()
	c, err := tl.Cells(res)
	require.NoError(t, err)
	return c
}
