package tile

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/banshee-data/bathygrid/internal/aggregate"
)

// Snapshot is a consistent, read-only copy of a tile for persistence.
// Blocks and cells are shared with the live tile; both are immutable once
// installed, so no deep copy is needed.
type Snapshot struct {
	Key       Key
	Origin    orb.Point
	Size      float64
	Blocks    []*Block // sorted by container
	Cells     *aggregate.Cells
	Children  []Snapshot // sorted south-west first
	Dirty     bool
	GriddedAt time.Time
	Version   uint64
}

// PointCount returns the number of points in the snapshot.
func (s Snapshot) PointCount() int {
	n := 0
	for _, b := range s.Blocks {
		n += b.Len()
	}
	for _, c := range s.Children {
		n += c.PointCount()
	}
	return n
}

// Snapshot copies the tile under its read lock.
func (t *Tile) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tile) snapshotLocked() Snapshot {
	s := Snapshot{
		Key:       t.key,
		Origin:    t.origin,
		Size:      t.size,
		Cells:     t.cells,
		Dirty:     t.dirty,
		GriddedAt: t.griddedAt,
		Version:   t.version,
	}
	for _, id := range sortedBlockIDs(t.blocks) {
		s.Blocks = append(s.Blocks, t.blocks[id])
	}
	for _, k := range sortedChildKeys(t.children) {
		s.Children = append(s.Children, t.children[k].snapshotLocked())
	}
	return s
}

// NeedsSave reports whether the tile changed since MarkSaved.
func (t *Tile) NeedsSave() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version != t.savedVersion
}

// MarkSaved records that the snapshot with the given version is on disk.
func (t *Tile) MarkSaved(version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.savedVersion {
		t.savedVersion = version
	}
}

// Restore rebuilds a top-level tile from a loaded snapshot. The restored
// tile counts as saved.
func Restore(s Snapshot, cfg *Config) *Tile {
	t := New(s.Key, cfg)
	t.fill(s, cfg)
	t.version = 1
	t.savedVersion = 1
	return t
}

func (t *Tile) fill(s Snapshot, cfg *Config) {
	for _, b := range s.Blocks {
		t.blocks[b.Container] = b
	}
	t.cells = s.Cells
	t.dirty = s.Dirty
	t.griddedAt = s.GriddedAt
	if t.children == nil {
		return
	}
	for _, cs := range s.Children {
		c := newChild(cs.Key, cfg)
		c.fill(cs, cfg)
		t.children[cs.Key] = c
	}
}
