package grid

import (
	"sort"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/tile"
)

// Container is the grid's record of one contributed batch of points.
type Container struct {
	ID         string
	Bounds     orb.Bound
	PointCount int
	// AddedAt is the grid time of the last successful add.
	AddedAt time.Time
	// SourceModifiedAt is the pipeline's timestamp of the data behind the
	// container.
	SourceModifiedAt time.Time
	Lines            []string
	Tiles            []tile.Key
}

// Stale reports whether the pipeline has newer data than the grid holds.
func (c Container) Stale() bool {
	return c.SourceModifiedAt.After(c.AddedAt)
}

func (g *Grid) container(id string) *Container {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.containers[id]
}

// Container returns a copy of the record of id.
func (g *Grid) Container(id string) (Container, error) {
	c := g.container(id)
	if c == nil {
		return Container{}, &ContainerNotFoundError{ID: id}
	}
	return *c, nil
}

// Containers returns copies of every container record sorted by id.
func (g *Grid) Containers() []Container {
	g.mu.RLock()
	out := make([]Container, 0, len(g.containers))
	for _, c := range g.containers {
		out = append(out, *c)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkForUpdate reports whether the container needs to be re-added because
// its source data is newer than what the grid holds. It changes nothing.
func (g *Grid) MarkForUpdate(id string) (bool, error) {
	c, err := g.Container(id)
	if err != nil {
		return false, err
	}
	return c.Stale(), nil
}

// SetSourceModified records a new pipeline timestamp for a container
// without touching its points. Tiles the container contributes to become
// stale when t is after their last regrid.
func (g *Grid) SetSourceModified(id string, t time.Time) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	g.mu.Lock()
	c := g.containers[id]
	if c == nil {
		g.mu.Unlock()
		return &ContainerNotFoundError{ID: id}
	}
	updated := *c
	updated.SourceModifiedAt = t
	g.containers[id] = &updated
	g.mu.Unlock()

	g.log.Debug("source modified", zap.String("container", id), zap.Time("at", t))
	return nil
}

// StaleContainers returns the ids of stale containers, sorted.
func (g *Grid) StaleContainers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for id, c := range g.containers {
		if c.Stale() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// StaleTiles returns the keys of the tiles the next regrid would update.
func (g *Grid) StaleTiles() []tile.Key {
	stamps := g.sourceStamps()
	var out []tile.Key
	for _, t := range g.Tiles() {
		if t.IsDirty(stamps.lookup) {
			out = append(out, t.Key())
		}
	}
	return out
}

// sourceStamps is a lock-free copy of the containers' source timestamps,
// used by tile staleness checks while tile locks are held.
type sourceStamps map[string]time.Time

func (s sourceStamps) lookup(id string) time.Time { return s[id] }

func (g *Grid) sourceStamps() sourceStamps {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := make(sourceStamps, len(g.containers))
	for id, c := range g.containers {
		s[id] = c.SourceModifiedAt
	}
	return s
}
