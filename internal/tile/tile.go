// Package tile implements one square partition of the grid lattice: its
// per-container point blocks, its cells and its dirty state.
//
// A tile is a leaf (one resolution for the whole footprint) or, in variable
// resolution grids, a parent whose footprint is split into child tiles on a
// finer lattice. Children are ordinary leaf tiles that pick their own
// resolution. Children are only reached through their parent and are
// guarded by the parent's lock.
package tile

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/multierr"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/resolution"
	"github.com/banshee-data/bathygrid/internal/soundings"
)

// ErrModified is returned by Regrid when the tile's points changed while
// its cells were being computed. The tile stays dirty.
var ErrModified = errors.New("tile: points changed during regrid")

// Policy says where the resolution policy runs.
type Policy int

const (
	// PerTile chooses one resolution for the whole tile.
	PerTile Policy = iota
	// PerSubTile splits the tile into subtiles that each choose a resolution.
	PerSubTile
)

// State is the lifecycle state of a tile.
type State int

const (
	StateEmpty State = iota
	StatePopulated
	StateGridded
	StateStale
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePopulated:
		return "populated"
	case StateGridded:
		return "gridded"
	case StateStale:
		return "stale"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st := StateEmpty; st <= StateStale; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown tile state %q", s)
}

// Config is shared by every tile of a grid.
type Config struct {
	Lattice     Lattice
	SubtileSize float64
	Policy      Policy
	Resolution  resolution.Policy
	Method      aggregate.Method
}

func (c *Config) subLattice() Lattice {
	return Lattice{Anchor: c.Lattice.Anchor, Size: c.SubtileSize}
}

// RegridContext carries the inputs a regrid needs from outside the tile.
type RegridContext struct {
	// Halo holds neighbouring tiles' points near this tile's edges.
	Halo []soundings.Point
	// Now stamps the tile's gridded time.
	Now time.Time
	// Force recomputes every subtile, not only dirty ones.
	Force bool
}

// Tile is one square of the lattice.
type Tile struct {
	key    Key
	origin orb.Point
	size   float64
	cfg    *Config

	mu           sync.RWMutex
	blocks       map[string]*Block
	children     map[Key]*Tile // nil for leaves
	cells        *aggregate.Cells
	dirty        bool
	griddedAt    time.Time
	version      uint64
	savedVersion uint64
	lastErr      error
}

// New creates an empty top-level tile.
func New(key Key, cfg *Config) *Tile {
	t := &Tile{
		key:    key,
		origin: cfg.Lattice.Origin(key),
		size:   cfg.Lattice.Size,
		cfg:    cfg,
		blocks: make(map[string]*Block),
	}
	if cfg.Policy == PerSubTile {
		t.children = make(map[Key]*Tile)
	}
	return t
}

func newChild(key Key, cfg *Config) *Tile {
	sub := cfg.subLattice()
	return &Tile{
		key:    key,
		origin: sub.Origin(key),
		size:   sub.Size,
		cfg:    cfg,
		blocks: make(map[string]*Block),
	}
}

// Key returns the lattice key.
func (t *Tile) Key() Key { return t.key }

// Origin returns the south-west corner.
func (t *Tile) Origin() orb.Point { return t.origin }

// Size returns the side length.
func (t *Tile) Size() float64 { return t.size }

// Bound returns the footprint.
func (t *Tile) Bound() orb.Bound {
	return orb.Bound{Min: t.origin, Max: orb.Point{t.origin[0] + t.size, t.origin[1] + t.size}}
}

// Name returns the tile's directory name.
func (t *Tile) Name() string { return Name(t.origin) }

// AddPoints stores pts for a container. Points already stored for the
// container are kept, so callers replacing a container remove it first.
func (t *Tile) AddPoints(container string, pts []soundings.Point) {
	if len(pts) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.children != nil {
		sub := t.cfg.subLattice()
		routed := make(map[Key][]soundings.Point)
		for _, p := range pts {
			k := sub.KeyFor(p.X, p.Y)
			routed[k] = append(routed[k], p)
		}
		for k, group := range routed {
			child := t.children[k]
			if child == nil {
				child = newChild(k, t.cfg)
				t.children[k] = child
			}
			child.addBlock(container, group)
		}
		// Halo-reading methods see across subtile edges.
		if t.cfg.Method.Halo(t.cfg.SubtileSize) > 0 {
			for _, c := range t.children {
				c.dirty = true
			}
		}
	} else {
		t.addBlock(container, pts)
	}
	t.dirty = true
	t.version++
}

func (t *Tile) addBlock(container string, pts []soundings.Point) {
	if existing := t.blocks[container]; existing != nil {
		t.blocks[container] = existing.Merge(pts)
	} else {
		t.blocks[container] = NewBlock(container, pts)
	}
	t.dirty = true
}

// RemoveContainer drops every point of the container and returns how many
// were removed.
func (t *Tile) RemoveContainer(container string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	if t.children != nil {
		for k, c := range t.children {
			n := c.removeBlock(container)
			if n == 0 {
				continue
			}
			removed += n
			if len(c.blocks) == 0 {
				delete(t.children, k)
			}
		}
		if removed > 0 && t.cfg.Method.Halo(t.cfg.SubtileSize) > 0 {
			for _, c := range t.children {
				c.dirty = true
			}
		}
	} else {
		removed = t.removeBlock(container)
	}
	if removed > 0 {
		t.dirty = true
		t.version++
	}
	return removed
}

func (t *Tile) removeBlock(container string) int {
	b := t.blocks[container]
	if b == nil {
		return 0
	}
	delete(t.blocks, container)
	t.dirty = true
	return b.Len()
}

// MarkDirty forces the tile, and all its subtiles, to be regridded.
func (t *Tile) MarkDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = true
	for _, c := range t.children {
		c.dirty = true
	}
	t.version++
}

// IsDirty reports whether the tile needs a regrid: its membership changed,
// or a contributing container's source data is newer than its cells.
func (t *Tile) IsDirty(sourceModified func(container string) time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isDirtyLocked(sourceModified)
}

func (t *Tile) isDirtyLocked(sourceModified func(string) time.Time) bool {
	if t.dirty {
		return true
	}
	if sourceModified == nil {
		return false
	}
	for _, c := range t.containersLocked() {
		if sourceModified(c).After(t.griddedAt) {
			return true
		}
	}
	return false
}

// State returns the lifecycle state.
func (t *Tile) State(sourceModified func(container string) time.Time) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.pointCountLocked() == 0:
		return StateEmpty
	case t.griddedAt.IsZero():
		return StatePopulated
	case t.isDirtyLocked(sourceModified):
		return StateStale
	}
	return StateGridded
}

// GriddedAt returns the time of the last successful regrid.
func (t *Tile) GriddedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.griddedAt
}

// LastError returns the error of the last failed regrid, nil after success.
func (t *Tile) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// PointCount returns the number of stored points.
func (t *Tile) PointCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pointCountLocked()
}

func (t *Tile) pointCountLocked() int {
	n := 0
	for _, b := range t.blocks {
		n += b.Len()
	}
	for _, c := range t.children {
		n += c.pointCountLocked()
	}
	return n
}

// Containers returns the sorted ids of contributing containers.
func (t *Tile) Containers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.containersLocked()
}

func (t *Tile) containersLocked() []string {
	seen := make(map[string]struct{}, len(t.blocks))
	for id := range t.blocks {
		seen[id] = struct{}{}
	}
	for _, c := range t.children {
		for id := range c.blocks {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ContainerCounts returns the number of points each container holds here.
func (t *Tile) ContainerCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int)
	for id, b := range t.blocks {
		out[id] += b.Len()
	}
	for _, c := range t.children {
		for id, b := range c.blocks {
			out[id] += b.Len()
		}
	}
	return out
}

// Points returns every point, grouped by container in id order.
func (t *Tile) Points() []soundings.Point {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pointsLocked(nil)
}

func (t *Tile) pointsLocked(dst []soundings.Point) []soundings.Point {
	for _, id := range sortedBlockIDs(t.blocks) {
		dst = append(dst, t.blocks[id].Points()...)
	}
	for _, k := range sortedChildKeys(t.children) {
		dst = t.children[k].pointsLocked(dst)
	}
	return dst
}

// PointsWithin returns the points inside b. The grid uses it to snapshot
// halo points from neighbours.
func (t *Tile) PointsWithin(b orb.Bound) []soundings.Point {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selectLocked(nil, Filter{Contains: b.Contains})
}

// Select appends the points passing f.
func (t *Tile) Select(dst []soundings.Point, f Filter) []soundings.Point {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selectLocked(dst, f)
}

func (t *Tile) selectLocked(dst []soundings.Point, f Filter) []soundings.Point {
	for _, id := range sortedBlockIDs(t.blocks) {
		dst = t.blocks[id].Select(dst, f)
	}
	for _, k := range sortedChildKeys(t.children) {
		dst = t.children[k].selectLocked(dst, f)
	}
	return dst
}

// Regrid recomputes the tile's cells. The read lock is held while
// computing and the write lock only to install the result, so queries of
// the tile keep being served during the computation.
func (t *Tile) Regrid(rc RegridContext) error {
	t.mu.RLock()
	version := t.version
	var (
		leafCells *aggregate.Cells
		childRes  map[Key]*aggregate.Cells
		err       error
	)
	if t.children == nil {
		leafCells, err = t.computeLocked(t.pointsLocked(nil), rc.Halo)
	} else {
		childRes, err = t.computeChildrenLocked(rc)
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.lastErr = err
		return err
	}
	if t.version != version {
		return ErrModified
	}
	if t.children == nil {
		t.cells = leafCells
	} else {
		for k, cells := range childRes {
			c := t.children[k]
			c.cells = cells
			c.dirty = false
			c.griddedAt = rc.Now
		}
	}
	t.dirty = false
	t.griddedAt = rc.Now
	t.lastErr = nil
	t.version++
	return nil
}

func (t *Tile) computeChildrenLocked(rc RegridContext) (map[Key]*aggregate.Cells, error) {
	var siblings []soundings.Point
	if t.cfg.Method.Halo(t.cfg.SubtileSize) > 0 {
		siblings = append(t.pointsLocked(nil), rc.Halo...)
	}
	out := make(map[Key]*aggregate.Cells)
	var errs error
	for _, k := range sortedChildKeys(t.children) {
		c := t.children[k]
		if !rc.Force && !c.dirty && c.cells != nil {
			continue
		}
		cells, err := c.computeLocked(c.pointsLocked(nil), siblings)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("subtile %s: %w", c.Name(), err))
			continue
		}
		out[k] = cells
	}
	return out, errs
}

// computeLocked runs the resolution policy and the aggregator over pts.
// Halo candidates outside the method's reach are dropped; points of the
// tile itself are never part of the halo.
func (t *Tile) computeLocked(pts []soundings.Point, candidates []soundings.Point) (*aggregate.Cells, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	res, err := t.cfg.Resolution.Choose(soundings.Depths(pts), t.size)
	if err != nil {
		return nil, fmt.Errorf("choose resolution: %w", err)
	}
	var halo []soundings.Point
	if w := t.cfg.Method.Halo(res); w > 0 && len(candidates) > 0 {
		own := t.Bound()
		reach := own.Pad(w)
		for _, p := range candidates {
			pos := p.Position()
			if reach.Contains(pos) && !ownsPoint(own, pos) {
				halo = append(halo, p)
			}
		}
	}
	cells, err := aggregate.Aggregate(pts, res, t.origin, t.size, t.cfg.Method, halo)
	if err != nil {
		return nil, fmt.Errorf("aggregate at %v m: %w", res, err)
	}
	return cells, nil
}

// HaloWidth returns how far beyond its footprint the next regrid will read
// neighbouring points, given the points held now. It is 0 for methods that
// read no halo and for leaves whose resolution cannot be chosen.
func (t *Tile) HaloWidth() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cfg.Method.Halo(1) == 0 {
		return 0
	}
	return t.haloWidthLocked()
}

func (t *Tile) haloWidthLocked() float64 {
	if t.children != nil {
		w := 0.0
		for _, c := range t.children {
			w = math.Max(w, c.haloWidthLocked())
		}
		return w
	}
	pts := t.pointsLocked(nil)
	if len(pts) == 0 {
		return 0
	}
	res, err := t.cfg.Resolution.Choose(soundings.Depths(pts), t.size)
	if err != nil {
		return 0
	}
	return t.cfg.Method.Halo(res)
}

// ownsPoint applies the lattice's half-open rule.
func ownsPoint(b orb.Bound, p orb.Point) bool {
	return p[0] >= b.Min[0] && p[0] < b.Max[0] && p[1] >= b.Min[1] && p[1] < b.Max[1]
}

// Cells returns the tile raster at resolution, or at the native resolution
// when resolution is 0. Leaves return nil before their first regrid.
// The returned raster must not be modified.
func (t *Tile) Cells(res float64) (*aggregate.Cells, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.children == nil {
		if t.cells == nil {
			return nil, nil
		}
		if res == 0 || res == t.cells.Resolution {
			return t.cells, nil
		}
		return t.cells.Resample(res)
	}

	if res == 0 {
		res = t.finestLocked()
		if res == 0 {
			return nil, nil
		}
	}
	nf := t.size / res
	n := int(nf)
	if n <= 0 || float64(n) != nf {
		return nil, fmt.Errorf("%w: %v / %v", aggregate.ErrIndivisible, t.size, res)
	}
	out := aggregate.NewCells(t.origin, res, n, n)
	pasted := false
	for _, k := range sortedChildKeys(t.children) {
		c := t.children[k]
		if c.cells == nil {
			continue
		}
		pasted = true
		part := c.cells
		if part.Resolution != res {
			var err error
			if part, err = part.Resample(res); err != nil {
				return nil, fmt.Errorf("subtile %s: %w", c.Name(), err)
			}
		}
		if err := out.Paste(part); err != nil {
			return nil, err
		}
	}
	if !pasted {
		return nil, nil
	}
	return out, nil
}

func (t *Tile) finestLocked() float64 {
	finest := 0.0
	for _, c := range t.children {
		if c.cells != nil && (finest == 0 || c.cells.Resolution < finest) {
			finest = c.cells.Resolution
		}
	}
	return finest
}

// Resolutions returns the sorted resolutions present in the tile.
func (t *Tile) Resolutions() []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[float64]struct{})
	if t.cells != nil {
		seen[t.cells.Resolution] = struct{}{}
	}
	for _, c := range t.children {
		if c.cells != nil {
			seen[c.cells.Resolution] = struct{}{}
		}
	}
	out := make([]float64, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Float64s(out)
	return out
}

// Subtiles returns the number of child tiles.
func (t *Tile) Subtiles() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.children)
}

func sortedBlockIDs(m map[string]*Block) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedChildKeys(m map[Key]*Tile) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
