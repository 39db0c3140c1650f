package grid

import (
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"github.com/banshee-data/bathygrid/internal/tile"
)

// Info summarises a grid.
type Info struct {
	CRS               string
	VerticalReference string
	Mode              string
	Method            string
	TileSize          float64
	SubtileSize       float64 // 0 in single mode

	TileCount  int
	PointCount int
	// Bounds is the union of tile footprints, DataBounds that of the points.
	Bounds      orb.Bound
	DataBounds  orb.Bound
	Resolutions []float64
	States      map[tile.State]int
	Containers  map[string]ContainerInfo
}

// ContainerInfo is the per-container part of Info.
type ContainerInfo struct {
	PointCount       int
	AddedAt          time.Time
	SourceModifiedAt time.Time
	Stale            bool
}

// TileInfo describes one tile.
type TileInfo struct {
	Key         tile.Key
	Name        string
	Bounds      orb.Bound
	State       tile.State
	PointCount  int
	Resolutions []float64
	MeanDepth   float64 // NaN before the first regrid
	GriddedAt   time.Time
	Containers  []string
	LastError   error
}

// Info returns the grid summary.
func (g *Grid) Info() Info {
	info := Info{
		CRS:               g.cfg.GetCRS(),
		VerticalReference: g.cfg.GetVerticalReference(),
		Mode:              g.cfg.GetMode(),
		Method:            g.tileCfg.Method.Kind().String(),
		TileSize:          g.tileCfg.Lattice.Size,
		SubtileSize:       g.tileCfg.SubtileSize,
		States:            make(map[tile.State]int),
		Containers:        make(map[string]ContainerInfo),
	}
	first := true
	for _, c := range g.Containers() {
		info.Containers[c.ID] = ContainerInfo{
			PointCount:       c.PointCount,
			AddedAt:          c.AddedAt,
			SourceModifiedAt: c.SourceModifiedAt,
			Stale:            c.Stale(),
		}
		if first {
			info.DataBounds = c.Bounds
			first = false
		} else {
			info.DataBounds = info.DataBounds.Union(c.Bounds)
		}
	}

	stamps := g.sourceStamps()
	resolutions := make(map[float64]struct{})
	for i, t := range g.Tiles() {
		info.TileCount++
		info.PointCount += t.PointCount()
		info.States[t.State(stamps.lookup)]++
		for _, r := range t.Resolutions() {
			resolutions[r] = struct{}{}
		}
		if i == 0 {
			info.Bounds = t.Bound()
		} else {
			info.Bounds = info.Bounds.Union(t.Bound())
		}
	}
	for r := range resolutions {
		info.Resolutions = append(info.Resolutions, r)
	}
	sort.Float64s(info.Resolutions)
	return info
}

// TileInfo returns the description of every tile, south-west first.
func (g *Grid) TileInfo() []TileInfo {
	stamps := g.sourceStamps()
	tiles := g.Tiles()
	out := make([]TileInfo, 0, len(tiles))
	for _, t := range tiles {
		ti := TileInfo{
			Key:         t.Key(),
			Name:        t.Name(),
			Bounds:      t.Bound(),
			State:       t.State(stamps.lookup),
			PointCount:  t.PointCount(),
			Resolutions: t.Resolutions(),
			GriddedAt:   t.GriddedAt(),
			Containers:  t.Containers(),
			LastError:   t.LastError(),
		}
		ti.MeanDepth = meanDepth(t)
		out = append(out, ti)
	}
	return out
}

func meanDepth(t *tile.Tile) float64 {
	c, err := t.Cells(0)
	if err != nil || c == nil {
		return math.NaN()
	}
	return c.MeanDepth()
}
