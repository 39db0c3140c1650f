package grid

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/bathygrid/internal/soundings"
	"github.com/banshee-data/bathygrid/internal/tile"
)

// RegridResult summarises one regrid pass.
type RegridResult struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	// Updated lists the tiles whose cells were recomputed.
	Updated []tile.Key
	// Skipped counts clean tiles left alone.
	Skipped int
	// Deferred counts tiles modified while they were being computed. They
	// stay stale for the next pass.
	Deferred int
	// Errors holds one entry per failed tile. Failed tiles stay stale.
	Errors []*TileAggregationError
}

// Err combines the tile errors, or returns nil.
func (r *RegridResult) Err() error {
	var errs error
	for _, e := range r.Errors {
		errs = multierr.Append(errs, e)
	}
	return errs
}

// Regrid recomputes the cells of stale tiles, or of every tile when
// onlyStale is false, on up to the configured number of workers. It blocks
// until every dispatched tile is done. A failing tile does not stop the
// others.
func (g *Grid) Regrid(onlyStale bool) *RegridResult {
	g.regridMu.Lock()
	defer g.regridMu.Unlock()

	res := &RegridResult{RunID: uuid.NewString(), Started: g.clock.Now()}
	stamps := g.sourceStamps()

	var todo []*tile.Tile
	for _, t := range g.Tiles() {
		if onlyStale && !t.IsDirty(stamps.lookup) {
			res.Skipped++
			continue
		}
		todo = append(todo, t)
	}

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(g.workers)
	for _, t := range todo {
		eg.Go(func() error {
			err := g.regridTile(t, onlyStale, stamps)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Updated = append(res.Updated, t.Key())
			case errors.Is(err, tile.ErrModified):
				res.Deferred++
			default:
				res.Errors = append(res.Errors, &TileAggregationError{Tile: t.Key(), Name: t.Name(), Err: err})
			}
			return nil
		})
	}
	_ = eg.Wait()

	sortKeys(res.Updated)
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Tile.Less(res.Errors[j].Tile) })
	res.Duration = g.clock.Since(res.Started)

	fields := []zap.Field{
		zap.String("run", res.RunID),
		zap.Int("updated", len(res.Updated)),
		zap.Int("skipped", res.Skipped),
		zap.Int("deferred", res.Deferred),
		zap.Int("failed", len(res.Errors)),
		zap.Duration("took", res.Duration),
	}
	if len(res.Errors) > 0 {
		g.log.Warn("regrid finished with errors", append(fields, zap.Error(res.Err()))...)
	} else if len(todo) > 0 {
		g.log.Info("regrid finished", fields...)
	}

	g.hookMu.RLock()
	hooks := append([]func(*RegridResult){}, g.hooks...)
	g.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(res)
	}
	return res
}

// regridTile snapshots the halo from the neighbours, then regrids t. No
// two tile locks are held at once.
func (g *Grid) regridTile(t *tile.Tile, onlyStale bool, stamps sourceStamps) error {
	var halo []soundings.Point
	if w := t.HaloWidth(); w > 0 {
		reach := t.Bound().Pad(w)
		for _, n := range g.tilesIn(reach) {
			if n.Key() == t.Key() {
				continue
			}
			halo = append(halo, n.PointsWithin(reach)...)
		}
	}

	// A regrid clears staleness only if it is stamped no earlier than the
	// source timestamps of its containers.
	now := g.clock.Now()
	for _, id := range t.Containers() {
		if s := stamps.lookup(id); s.After(now) {
			now = s
		}
	}

	// Tiles stale only through source timestamps have no dirty subtile,
	// so every subtile is recomputed.
	force := !onlyStale || !t.IsDirty(nil)
	return t.Regrid(tile.RegridContext{Halo: halo, Now: now, Force: force})
}
