// Package grid is the root of a tiled bathymetric surface. A Grid owns the
// sparse tile lattice, the container bookkeeping and the geohash index, and
// regrids stale tiles on a bounded worker pool.
package grid

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/fsutil"
	"github.com/banshee-data/bathygrid/internal/geohash"
	"github.com/banshee-data/bathygrid/internal/monitoring"
	"github.com/banshee-data/bathygrid/internal/resolution"
	"github.com/banshee-data/bathygrid/internal/soundings"
	"github.com/banshee-data/bathygrid/internal/tile"
	"github.com/banshee-data/bathygrid/internal/timeutil"
)

// Option configures a Grid.
type Option func(*Grid)

// WithClock sets the clock used for container and regrid timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(g *Grid) { g.clock = c }
}

// WithIndexStore persists the geohash index through s.
func WithIndexStore(s geohash.Store) Option {
	return func(g *Grid) { g.indexStore = s }
}

// WithFileSystem sets the file system used by Save and Open.
func WithFileSystem(fs fsutil.FileSystem) Option {
	return func(g *Grid) { g.fs = fs }
}

// WithLogger sets the grid's logger. It defaults to the process logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Grid) { g.log = l }
}

// Grid is a tiled surface. All methods are safe for concurrent use.
// Mutations are serialised with each other; queries run alongside both
// mutations and regrids.
type Grid struct {
	cfg        *config.GridConfig
	tileCfg    *tile.Config
	index      *geohash.Index
	indexStore geohash.Store
	clock      timeutil.Clock
	fs         fsutil.FileSystem
	log        *zap.Logger
	workers    int
	maxCells   int

	writeMu  sync.Mutex // serialises AddContainer, RemoveContainer and SetSourceModified
	regridMu sync.Mutex // one regrid pass at a time

	mu         sync.RWMutex // guards the maps below, never held across tile calls
	tiles      map[tile.Key]*tile.Tile
	containers map[string]*Container

	hookMu sync.RWMutex
	hooks  []func(*RegridResult)
}

// New creates an empty grid from cfg.
func New(cfg *config.GridConfig, opts ...Option) (*Grid, error) {
	if cfg == nil {
		cfg = config.EmptyGridConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("grid config: %w", err)
	}
	tc, err := tileConfig(cfg)
	if err != nil {
		return nil, err
	}
	g := &Grid{
		cfg:        cfg,
		tileCfg:    tc,
		clock:      timeutil.RealClock{},
		fs:         fsutil.OSFileSystem{},
		workers:    cfg.GetWorkers(),
		maxCells:   cfg.GetMaxQueryCells(),
		tiles:      make(map[tile.Key]*tile.Tile),
		containers: make(map[string]*Container),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = monitoring.Named("grid")
	}
	d := cfg.GetDomain()
	g.index = geohash.NewIndex(
		geohash.Domain{MinX: d.MinX, MinY: d.MinY, MaxX: d.MaxX, MaxY: d.MaxY},
		uint(cfg.GetGeohashPrecision()),
		g.indexStore,
	)
	return g, nil
}

// tileConfig derives the immutable tile configuration.
func tileConfig(cfg *config.GridConfig) (*tile.Config, error) {
	method, err := aggregate.MethodByName(cfg.GetMethod(), cfg.GetCubeCaptureScale())
	if err != nil {
		return nil, err
	}
	mode, err := resolution.ParseMode(cfg.GetAutoResolutionMode())
	if err != nil {
		return nil, err
	}
	policy := resolution.Policy{
		Mode:             mode,
		Fixed:            cfg.GetResolution(),
		MinPointsPerCell: cfg.GetMinPointsPerCell(),
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	ax, ay := cfg.GetAnchor()
	tc := &tile.Config{
		Lattice:    tile.Lattice{Anchor: orb.Point{ax, ay}, Size: cfg.GetTileSize()},
		Policy:     tile.PerTile,
		Resolution: policy,
		Method:     method,
	}
	if cfg.GetMode() == config.ModeVariable {
		tc.Policy = tile.PerSubTile
		tc.SubtileSize = cfg.GetSubtileSize()
	}
	return tc, nil
}

// Config returns the grid configuration. It must not be modified.
func (g *Grid) Config() *config.GridConfig { return g.cfg }

// Lattice returns the tile lattice.
func (g *Grid) Lattice() tile.Lattice { return g.tileCfg.Lattice }

// Method returns the aggregation method.
func (g *Grid) Method() aggregate.Method { return g.tileCfg.Method }

// Index returns the geohash index.
func (g *Grid) Index() *geohash.Index { return g.index }

// OnRegrid registers fn to be called after every regrid pass.
func (g *Grid) OnRegrid(fn func(*RegridResult)) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	g.hooks = append(g.hooks, fn)
}

// AddContainer adds the points of a container, replacing any points already
// stored under id. No-data and rejected points are dropped silently.
// It fails with *EmptyInputError when nothing survives filtering and with
// *OutOfBoundsError when any point lies outside the grid domain; in both
// cases the grid is left unchanged.
func (g *Grid) AddContainer(id string, points iter.Seq[soundings.Point], sourceModifiedAt time.Time) error {
	var pts []soundings.Point
	for p := range points {
		pts = append(pts, p)
	}
	return g.AddContainerPoints(id, pts, sourceModifiedAt)
}

// AddContainerPoints is AddContainer over a slice. pts is not modified.
func (g *Grid) AddContainerPoints(id string, pts []soundings.Point, sourceModifiedAt time.Time) error {
	if id == "" {
		return errors.New("container id must not be empty")
	}
	valid, rejected := soundings.Filter(pts)
	if len(valid) == 0 {
		return &EmptyInputError{Container: id, Rejected: rejected}
	}
	if err := g.checkDomain(id, valid); err != nil {
		return err
	}

	lattice := g.tileCfg.Lattice
	byTile := make(map[tile.Key][]soundings.Point)
	codes := make(map[string]map[string]struct{})
	for i := range valid {
		p := &valid[i]
		p.Container = id
		p.Code = g.index.Encode(p.X, p.Y)
		k := lattice.KeyFor(p.X, p.Y)
		byTile[k] = append(byTile[k], *p)
		set := codes[p.Line]
		if set == nil {
			set = make(map[string]struct{})
			codes[p.Line] = set
		}
		set[p.Code] = struct{}{}
	}
	keys := make([]tile.Key, 0, len(byTile))
	for k := range byTile {
		keys = append(keys, k)
	}
	sortKeys(keys)

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	var errs error
	replaced := g.container(id) != nil
	if replaced {
		keep := make(map[tile.Key]struct{}, len(keys))
		for _, k := range keys {
			keep[k] = struct{}{}
		}
		errs = multierr.Append(errs, g.removeLocked(id, keep))
	}
	for _, k := range keys {
		g.tileAt(k, true).AddPoints(id, byTile[k])
	}
	g.touchNeighbours(keys)

	lines := make([]string, 0, len(codes))
	for line := range codes {
		lines = append(lines, line)
	}
	sort.Strings(lines)
	for _, line := range lines {
		errs = multierr.Append(errs, g.index.RecordCodes(id, line, sortedSet(codes[line])))
	}

	now := g.clock.Now()
	if sourceModifiedAt.IsZero() {
		sourceModifiedAt = now
	}
	c := &Container{
		ID:               id,
		Bounds:           soundings.Bounds(valid),
		PointCount:       len(valid),
		AddedAt:          now,
		SourceModifiedAt: sourceModifiedAt,
		Lines:            lines,
		Tiles:            keys,
	}
	g.mu.Lock()
	g.containers[id] = c
	g.mu.Unlock()

	g.log.Info("container added",
		zap.String("container", id),
		zap.Int("points", len(valid)),
		zap.Int("rejected", rejected),
		zap.Int("tiles", len(keys)),
		zap.Bool("replaced", replaced))
	if errs != nil {
		return fmt.Errorf("container %s added, index not persisted: %w", id, errs)
	}
	return nil
}

func (g *Grid) checkDomain(id string, pts []soundings.Point) error {
	d := g.index.Domain()
	var oob *OutOfBoundsError
	for _, p := range pts {
		if d.Contains(p.X, p.Y) {
			continue
		}
		if oob == nil {
			oob = &OutOfBoundsError{Container: id, X: p.X, Y: p.Y}
		}
		oob.Count++
	}
	if oob != nil {
		return oob
	}
	return nil
}

// RemoveContainer removes every point of the container. Tiles left without
// points are evicted.
func (g *Grid) RemoveContainer(id string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.container(id) == nil {
		return &ContainerNotFoundError{ID: id}
	}
	if err := g.removeLocked(id, nil); err != nil {
		return err
	}
	g.log.Info("container removed", zap.String("container", id))
	return nil
}

// removeLocked requires writeMu. Tiles left empty are evicted unless they
// are in keep, which holds the tiles a replacing add is about to refill.
// Tile calls run without g.mu held; writeMu keeps the emptied tiles empty
// until they are evicted.
func (g *Grid) removeLocked(id string, keep map[tile.Key]struct{}) error {
	c := g.container(id)
	var emptied []tile.Key
	for _, k := range c.Tiles {
		t := g.tileAt(k, false)
		if t == nil {
			continue
		}
		t.RemoveContainer(id)
		if _, kept := keep[k]; !kept && t.PointCount() == 0 {
			emptied = append(emptied, k)
		}
	}
	g.mu.Lock()
	for _, k := range emptied {
		delete(g.tiles, k)
	}
	delete(g.containers, id)
	g.mu.Unlock()

	g.touchNeighbours(c.Tiles)
	return g.index.RemoveContainer(id)
}

// Update removes and re-adds containers, then regrids stale tiles.
// Unknown ids in remove are reported but do not stop the update.
func (g *Grid) Update(add map[string][]soundings.Point, remove []string, sourceModifiedAt time.Time) (*RegridResult, error) {
	var errs error
	for _, id := range remove {
		errs = multierr.Append(errs, g.RemoveContainer(id))
	}
	ids := make([]string, 0, len(add))
	for id := range add {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		errs = multierr.Append(errs, g.AddContainerPoints(id, add[id], sourceModifiedAt))
	}
	return g.Regrid(true), errs
}

// touchNeighbours marks the existing neighbours of the keys dirty when the
// method reads across tile edges.
func (g *Grid) touchNeighbours(keys []tile.Key) {
	if g.tileCfg.Method.Halo(1) == 0 {
		return
	}
	changed := make(map[tile.Key]struct{}, len(keys))
	for _, k := range keys {
		changed[k] = struct{}{}
	}
	touched := make(map[tile.Key]struct{})
	for _, k := range keys {
		for _, n := range k.Neighbours() {
			if _, ok := changed[n]; ok {
				continue
			}
			touched[n] = struct{}{}
		}
	}
	for n := range touched {
		if t := g.tileAt(n, false); t != nil {
			t.MarkDirty()
		}
	}
}

// tileAt returns the tile at k, creating it when create is set.
func (g *Grid) tileAt(k tile.Key, create bool) *tile.Tile {
	g.mu.RLock()
	t := g.tiles[k]
	g.mu.RUnlock()
	if t != nil || !create {
		return t
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if t = g.tiles[k]; t == nil {
		t = tile.New(k, g.tileCfg)
		g.tiles[k] = t
	}
	return t
}

// Tile returns the tile at k, or nil.
func (g *Grid) Tile(k tile.Key) *tile.Tile {
	return g.tileAt(k, false)
}

// Tiles returns every tile, south-west first.
func (g *Grid) Tiles() []*tile.Tile {
	g.mu.RLock()
	out := make([]*tile.Tile, 0, len(g.tiles))
	for _, t := range g.tiles {
		out = append(out, t)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// TileCount returns the number of tiles.
func (g *Grid) TileCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tiles)
}

// tilesIn returns the tiles whose footprint touches b, south-west first.
// It walks the lattice or the tile map, whichever is smaller.
func (g *Grid) tilesIn(b orb.Bound) []*tile.Tile {
	lattice := g.tileCfg.Lattice
	lo := lattice.KeyFor(b.Min[0], b.Min[1])
	hi := lattice.KeyFor(b.Max[0], b.Max[1])
	span := float64(hi.I-lo.I+1) * float64(hi.J-lo.J+1)

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*tile.Tile
	if span <= float64(len(g.tiles)) {
		for _, k := range lattice.KeysIn(b) {
			if t := g.tiles[k]; t != nil {
				out = append(out, t)
			}
		}
		return out
	}
	for k, t := range g.tiles {
		if k.I >= lo.I && k.I <= hi.I && k.J >= lo.J && k.J <= hi.J {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

func sortKeys(keys []tile.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
