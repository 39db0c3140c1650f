package grid

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/fsutil"
	"github.com/banshee-data/bathygrid/internal/store"
	"github.com/banshee-data/bathygrid/internal/tile"
)

// Save writes the grid to dir. Tiles unchanged since they were last saved
// there are kept as they are; directories of evicted tiles are removed.
func (g *Grid) Save(dir string) (store.SaveStats, error) {
	s, err := store.New(g.fs, dir, g.cfg.GetChunkSize())
	if err != nil {
		return store.SaveStats{}, err
	}
	defer s.Close()

	// Container records and tile membership must agree on disk.
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	root := g.rootMetadata()
	stamps := g.sourceStamps()
	tiles := g.Tiles()
	entries := make([]store.TileEntry, len(tiles))
	for i, t := range tiles {
		entries[i] = store.TileEntry{
			Snapshot: t.Snapshot(),
			State:    t.State(stamps.lookup),
			Changed:  t.NeedsSave(),
		}
	}
	stats, err := s.Save(root, entries)
	if err != nil {
		return stats, fmt.Errorf("save grid to %s: %w", dir, err)
	}
	for i, t := range tiles {
		t.MarkSaved(entries[i].Snapshot.Version)
	}
	g.log.Info("grid saved",
		zap.String("dir", dir),
		zap.Int("written", stats.Written),
		zap.Int("kept", stats.Kept),
		zap.Int("removed", stats.Removed))
	return stats, nil
}

func (g *Grid) rootMetadata() store.RootMetadata {
	info := g.Info()
	d := g.cfg.GetDomain()
	ax, ay := g.cfg.GetAnchor()
	root := store.RootMetadata{
		CRS:                g.cfg.GetCRS(),
		VerticalReference:  g.cfg.GetVerticalReference(),
		Domain:             store.Bounds{d.MinX, d.MinY, d.MaxX, d.MaxY},
		TileSize:           g.tileCfg.Lattice.Size,
		SubtileSize:        g.tileCfg.SubtileSize,
		Mode:               g.cfg.GetMode(),
		Method:             g.cfg.GetMethod(),
		Resolution:         g.cfg.GetResolution(),
		AutoResolutionMode: g.cfg.GetAutoResolutionMode(),
		MinPointsPerCell:   g.cfg.GetMinPointsPerCell(),
		AnchorX:            ax,
		AnchorY:            ay,
		GeohashPrecision:   g.cfg.GetGeohashPrecision(),
		Resolutions:        info.Resolutions,
		Bounds:             store.BoundsOf(info.Bounds),
		Containers:         make(map[string]store.ContainerRecord),
		SavedAt:            g.clock.Now(),
	}
	if g.cfg.GetMethod() == "cube" {
		root.CubeCaptureScale = g.cfg.GetCubeCaptureScale()
	}
	for _, c := range g.Containers() {
		names := make([]string, len(c.Tiles))
		for i, k := range c.Tiles {
			names[i] = tile.Name(g.tileCfg.Lattice.Origin(k))
		}
		root.Containers[c.ID] = store.ContainerRecord{
			PointCount:       c.PointCount,
			AddedAt:          c.AddedAt,
			SourceModifiedAt: c.SourceModifiedAt,
			Bounds:           store.BoundsOf(c.Bounds),
			Lines:            c.Lines,
			Tiles:            names,
		}
	}
	return root
}

// Open loads the grid saved in dir. The lattice and coordinate settings
// come from the saved grid; cfg may leave them unset but must not
// contradict them. Aggregation settings in cfg that differ from the saved
// ones take effect and mark every tile stale.
func Open(dir string, cfg *config.GridConfig, opts ...Option) (*Grid, error) {
	probe := &Grid{fs: fsutil.OSFileSystem{}}
	for _, opt := range opts {
		opt(probe)
	}
	if cfg == nil {
		cfg = config.EmptyGridConfig()
	}
	s, err := store.New(probe.fs, dir, cfg.GetChunkSize())
	if err != nil {
		return nil, err
	}
	defer s.Close()

	root, snaps, err := s.Load()
	if err != nil {
		return nil, err
	}
	merged, reaggregate, err := mergeConfig(root, cfg)
	if err != nil {
		return nil, err
	}
	g, err := New(merged, opts...)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, snap := range snaps {
		t := tile.Restore(snap, g.tileCfg)
		if reaggregate {
			t.MarkDirty()
		}
		g.tiles[snap.Key] = t
		errs = multierr.Append(errs, g.indexSnapshot(snap))
	}
	for id, rec := range root.Containers {
		keys := make([]tile.Key, 0, len(rec.Tiles))
		for _, name := range rec.Tiles {
			origin, err := tile.ParseName(name)
			if err != nil {
				return nil, fmt.Errorf("container %s: %w", id, err)
			}
			keys = append(keys, g.tileCfg.Lattice.KeyFor(origin[0], origin[1]))
		}
		sortKeys(keys)
		g.containers[id] = &Container{
			ID:               id,
			Bounds:           rec.Bounds.Bound(),
			PointCount:       rec.PointCount,
			AddedAt:          rec.AddedAt,
			SourceModifiedAt: rec.SourceModifiedAt,
			Lines:            rec.Lines,
			Tiles:            keys,
		}
	}
	if errs != nil {
		return nil, fmt.Errorf("rebuild index: %w", errs)
	}
	g.log.Info("grid opened",
		zap.String("dir", dir),
		zap.Int("tiles", len(snaps)),
		zap.Int("containers", len(root.Containers)),
		zap.Bool("reaggregate", reaggregate))
	return g, nil
}

// indexSnapshot records the codes of every block of a loaded tile.
func (g *Grid) indexSnapshot(snap tile.Snapshot) error {
	var errs error
	for _, b := range snap.Blocks {
		byLine := make([]map[string]struct{}, len(b.Lines))
		for i := range b.LineIdx {
			li := b.LineIdx[i]
			if byLine[li] == nil {
				byLine[li] = make(map[string]struct{})
			}
			byLine[li][b.Codes[b.CodeIdx[i]]] = struct{}{}
		}
		for li, codes := range byLine {
			if codes != nil {
				errs = multierr.Append(errs, g.index.RecordCodes(b.Container, b.Lines[li], sortedSet(codes)))
			}
		}
	}
	for _, c := range snap.Children {
		errs = multierr.Append(errs, g.indexSnapshot(c))
	}
	return errs
}

// mergeConfig fills cfg from the saved grid. The bool reports whether the
// aggregation settings changed.
func mergeConfig(root store.RootMetadata, cfg *config.GridConfig) (*config.GridConfig, bool, error) {
	out := *cfg
	var errs error
	fixString := func(name string, field **string, saved string) {
		if *field != nil && **field != "" && **field != saved {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s is %q, saved grid has %q", ErrConfigMismatch, name, **field, saved))
		}
		*field = &saved
	}
	fixFloat := func(name string, field **float64, saved float64) {
		if *field != nil && **field != saved {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s is %v, saved grid has %v", ErrConfigMismatch, name, **field, saved))
		}
		*field = &saved
	}
	fixString("crs", &out.CRS, root.CRS)
	fixString("vertical_reference", &out.VerticalReference, root.VerticalReference)
	fixString("mode", &out.Mode, root.Mode)
	fixFloat("tile_size", &out.TileSize, root.TileSize)
	if root.Mode == config.ModeVariable {
		fixFloat("subtile_size", &out.SubtileSize, root.SubtileSize)
	}
	fixFloat("anchor_x", &out.AnchorX, root.AnchorX)
	fixFloat("anchor_y", &out.AnchorY, root.AnchorY)

	domain := config.Domain{MinX: root.Domain[0], MinY: root.Domain[1], MaxX: root.Domain[2], MaxY: root.Domain[3]}
	if out.Domain != nil && *out.Domain != domain {
		errs = multierr.Append(errs, fmt.Errorf("%w: domain is %+v, saved grid has %+v", ErrConfigMismatch, *out.Domain, domain))
	}
	out.Domain = &domain

	precision := root.GeohashPrecision
	if out.GeohashPrecision != nil && *out.GeohashPrecision != precision {
		errs = multierr.Append(errs, fmt.Errorf("%w: geohash_precision is %d, saved grid has %d", ErrConfigMismatch, *out.GeohashPrecision, precision))
	}
	out.GeohashPrecision = &precision
	if errs != nil {
		return nil, false, errs
	}

	changed := false
	keepString := func(field **string, saved string) {
		if *field == nil || **field == "" {
			*field = &saved
		} else if **field != saved {
			changed = true
		}
	}
	keepFloat := func(field **float64, saved float64) {
		if *field == nil {
			*field = &saved
		} else if **field != saved {
			changed = true
		}
	}
	keepString(&out.Method, root.Method)
	keepString(&out.AutoResolutionMode, root.AutoResolutionMode)
	keepFloat(&out.Resolution, root.Resolution)
	if root.Method == "cube" {
		keepFloat(&out.CubeCaptureScale, root.CubeCaptureScale)
	}
	points := root.MinPointsPerCell
	if out.MinPointsPerCell == nil {
		out.MinPointsPerCell = &points
	} else if *out.MinPointsPerCell != points {
		changed = true
	}
	return &out, changed, nil
}
