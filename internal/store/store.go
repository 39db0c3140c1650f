// Package store persists a grid as a directory tree mirroring its lattice:
// one directory per tile named by its origin, holding chunked compressed
// point columns, one array set per stored resolution and a metadata record.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/fsutil"
	"github.com/banshee-data/bathygrid/internal/monitoring"
	"github.com/banshee-data/bathygrid/internal/tile"
)

// ErrNotFound is returned by Load when dir holds no grid.
var ErrNotFound = errors.New("store: no grid metadata")

// TileEntry is one top-level tile handed to Save.
type TileEntry struct {
	Snapshot tile.Snapshot
	State    tile.State
	// Changed tiles are rewritten; the others are only kept.
	Changed bool
}

// SaveStats reports what Save did.
type SaveStats struct {
	Written int
	Kept    int
	Removed int
}

// Store reads and writes one grid directory.
type Store struct {
	fs        fsutil.FileSystem
	dir       string
	chunkSize int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	log       *zap.Logger
}

// New opens a store over dir. chunkSize bounds the points per chunk file
// written by Save; Load reads whatever chunking the files were written with.
func New(fsys fsutil.FileSystem, dir string, chunkSize int) (*Store, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("store: chunk size must be positive, got %d", chunkSize)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{
		fs:        fsys,
		dir:       dir,
		chunkSize: chunkSize,
		encoder:   encoder,
		decoder:   decoder,
		log:       monitoring.Named("store"),
	}, nil
}

// Close releases the codecs.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// Dir returns the grid directory.
func (s *Store) Dir() string { return s.dir }

// Exists reports whether dir holds a saved grid.
func (s *Store) Exists() bool {
	return s.fs.Exists(filepath.Join(s.dir, MetadataFile))
}

// Save writes the changed tiles, removes the directories of tiles that no
// longer exist and finally rewrites the root metadata.
func (s *Store) Save(root RootMetadata, tiles []TileEntry) (SaveStats, error) {
	var stats SaveStats
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return stats, fmt.Errorf("create grid dir: %w", err)
	}
	live := make(map[string]struct{}, len(tiles))
	for _, e := range tiles {
		name := tile.Name(e.Snapshot.Origin)
		live[name] = struct{}{}
		if !e.Changed && s.fs.Exists(filepath.Join(s.dir, name, MetadataFile)) {
			stats.Kept++
			continue
		}
		if err := s.writeTile(filepath.Join(s.dir, name), e.Snapshot, e.State, root); err != nil {
			return stats, fmt.Errorf("write tile %s: %w", name, err)
		}
		stats.Written++
	}

	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return stats, fmt.Errorf("list grid dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := tile.ParseName(e.Name()); err != nil {
			continue
		}
		if _, ok := live[e.Name()]; ok {
			continue
		}
		if err := s.fs.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return stats, fmt.Errorf("remove evicted tile %s: %w", e.Name(), err)
		}
		stats.Removed++
	}

	root.FormatVersion = FormatVersion
	root.ChunkSize = s.chunkSize
	root.TileCount = len(tiles)
	if err := s.writeJSON(filepath.Join(s.dir, MetadataFile), root); err != nil {
		return stats, err
	}
	s.log.Debug("grid saved",
		zap.String("dir", s.dir),
		zap.Int("written", stats.Written),
		zap.Int("kept", stats.Kept),
		zap.Int("removed", stats.Removed))
	return stats, nil
}

func (s *Store) writeTile(dir string, snap tile.Snapshot, state tile.State, root RootMetadata) error {
	if err := s.fs.RemoveAll(dir); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	meta := TileMetadata{
		Key:        [2]int64{snap.Key.I, snap.Key.J},
		Origin:     [2]float64{snap.Origin[0], snap.Origin[1]},
		Size:       snap.Size,
		ChunkSize:  s.chunkSize,
		Containers: make(map[string]BlockRecord, len(snap.Blocks)),
		Method:     root.Method,
		State:      state.String(),
		Dirty:      snap.Dirty,
	}
	if !snap.GriddedAt.IsZero() {
		t := snap.GriddedAt
		meta.GriddedAt = &t
	}

	var cols columns
	for _, b := range snap.Blocks {
		c := root.Containers[b.Container]
		meta.Containers[b.Container] = BlockRecord{
			Start:            cols.len(),
			End:              cols.len() + b.Len(),
			Count:            b.Len(),
			AddedAt:          c.AddedAt,
			SourceModifiedAt: c.SourceModifiedAt,
			Lines:            b.Lines,
			Codes:            b.Codes,
		}
		cols.append(b)
	}
	meta.PointCount = cols.len()
	if cols.len() > 0 {
		if err := s.writePoints(dir, &cols); err != nil {
			return err
		}
	}

	if snap.Cells != nil {
		if err := s.writeCells(dir, snap.Cells); err != nil {
			return err
		}
		meta.Resolutions = []float64{snap.Cells.Resolution}
		meta.Cells = &CellsInfo{
			Resolution: snap.Cells.Resolution,
			Origin:     [2]float64{snap.Cells.Origin[0], snap.Cells.Origin[1]},
			Rows:       snap.Cells.Rows,
			Cols:       snap.Cells.Cols,
		}
	}

	resolutions := make(map[float64]struct{})
	for _, child := range snap.Children {
		name := tile.Name(child.Origin)
		if err := s.writeTile(filepath.Join(dir, name), child, childState(child), root); err != nil {
			return fmt.Errorf("subtile %s: %w", name, err)
		}
		meta.Subtiles = append(meta.Subtiles, name)
		meta.PointCount += child.PointCount()
		if child.Cells != nil {
			resolutions[child.Cells.Resolution] = struct{}{}
		}
	}
	for r := range resolutions {
		meta.Resolutions = append(meta.Resolutions, r)
	}
	sort.Float64s(meta.Resolutions)

	return s.writeJSON(filepath.Join(dir, MetadataFile), meta)
}

func childState(s tile.Snapshot) tile.State {
	switch {
	case s.PointCount() == 0:
		return tile.StateEmpty
	case s.GriddedAt.IsZero():
		return tile.StatePopulated
	case s.Dirty:
		return tile.StateStale
	}
	return tile.StateGridded
}

// columns concatenates the blocks of a tile.
type columns struct {
	x, y, z  []float64
	tvu, thu []float32
	code     []uint32
	line     []uint32
}

func (c *columns) len() int { return len(c.x) }

func (c *columns) append(b *tile.Block) {
	c.x = append(c.x, b.X...)
	c.y = append(c.y, b.Y...)
	c.z = append(c.z, b.Z...)
	c.tvu = append(c.tvu, b.TVU...)
	c.thu = append(c.thu, b.THU...)
	c.code = append(c.code, b.CodeIdx...)
	c.line = append(c.line, b.LineIdx...)
}

func (s *Store) writePoints(dir string, c *columns) error {
	encoders := map[string]func(lo, hi int) []byte{
		ColumnX:    func(lo, hi int) []byte { return encodeFloat64s(c.x[lo:hi]) },
		ColumnY:    func(lo, hi int) []byte { return encodeFloat64s(c.y[lo:hi]) },
		ColumnZ:    func(lo, hi int) []byte { return encodeFloat64s(c.z[lo:hi]) },
		ColumnTVU:  func(lo, hi int) []byte { return encodeFloat32s(c.tvu[lo:hi]) },
		ColumnTHU:  func(lo, hi int) []byte { return encodeFloat32s(c.thu[lo:hi]) },
		ColumnCode: func(lo, hi int) []byte { return encodeUint32s(c.code[lo:hi]) },
		ColumnLine: func(lo, hi int) []byte { return encodeUint32s(c.line[lo:hi]) },
	}
	n := c.len()
	for _, name := range Columns {
		colDir := filepath.Join(dir, PointsDir, name)
		if err := s.fs.MkdirAll(colDir, 0o755); err != nil {
			return err
		}
		for chunk, lo := 0, 0; lo < n; chunk, lo = chunk+1, lo+s.chunkSize {
			hi := min(lo+s.chunkSize, n)
			if err := s.writeBlob(filepath.Join(colDir, strconv.Itoa(chunk)), encoders[name](lo, hi)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) writeCells(dir string, c *aggregate.Cells) error {
	resDir := filepath.Join(dir, CellsDir, formatResolution(c.Resolution))
	if err := s.fs.MkdirAll(resDir, 0o755); err != nil {
		return err
	}
	blobs := map[string][]byte{
		ArrayDepth:                 encodeFloat32s(c.Depth),
		ArrayVerticalUncertainty:   encodeFloat32s(c.VerticalUncertainty),
		ArrayHorizontalUncertainty: encodeFloat32s(c.HorizontalUncertainty),
		ArrayDensity:               encodeInt32s(c.Density),
	}
	for _, name := range Arrays {
		if err := s.writeBlob(filepath.Join(resDir, name), blobs[name]); err != nil {
			return err
		}
	}
	return nil
}

func formatResolution(r float64) string {
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func (s *Store) writeBlob(path string, raw []byte) error {
	if err := s.fs.WriteFile(path, s.encoder.EncodeAll(raw, nil), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Store) readBlob(path string) ([]byte, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", path, err)
	}
	return raw, nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := s.fs.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Load reads the root metadata and every tile snapshot.
func (s *Store) Load() (RootMetadata, []tile.Snapshot, error) {
	var root RootMetadata
	if err := s.readJSON(filepath.Join(s.dir, MetadataFile), &root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return root, nil, fmt.Errorf("%w in %s", ErrNotFound, s.dir)
		}
		return root, nil, err
	}
	if root.FormatVersion != FormatVersion {
		return root, nil, fmt.Errorf("store: unsupported format version %d", root.FormatVersion)
	}

	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return root, nil, fmt.Errorf("list grid dir: %w", err)
	}
	var (
		snaps []tile.Snapshot
		errs  error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := tile.ParseName(e.Name()); err != nil {
			continue
		}
		snap, err := s.readTile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tile %s: %w", e.Name(), err))
			continue
		}
		snaps = append(snaps, snap)
	}
	if errs != nil {
		return root, nil, errs
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key.Less(snaps[j].Key) })
	return root, snaps, nil
}

func (s *Store) readTile(dir string) (tile.Snapshot, error) {
	var meta TileMetadata
	if err := s.readJSON(filepath.Join(dir, MetadataFile), &meta); err != nil {
		return tile.Snapshot{}, err
	}
	snap := tile.Snapshot{
		Key:    tile.Key{I: meta.Key[0], J: meta.Key[1]},
		Origin: orb.Point{meta.Origin[0], meta.Origin[1]},
		Size:   meta.Size,
		Dirty:  meta.Dirty,
	}
	if meta.GriddedAt != nil {
		snap.GriddedAt = *meta.GriddedAt
	}

	own := 0
	for _, rec := range meta.Containers {
		own += rec.Count
	}
	if own > 0 {
		cols, err := s.readPoints(dir, own)
		if err != nil {
			return snap, err
		}
		ids := make([]string, 0, len(meta.Containers))
		for id := range meta.Containers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rec := meta.Containers[id]
			if rec.Start < 0 || rec.End > own || rec.End-rec.Start != rec.Count {
				return snap, fmt.Errorf("container %s: bad range [%d, %d)", id, rec.Start, rec.End)
			}
			b := &tile.Block{
				Container: id,
				X:         cols.x[rec.Start:rec.End],
				Y:         cols.y[rec.Start:rec.End],
				Z:         cols.z[rec.Start:rec.End],
				TVU:       cols.tvu[rec.Start:rec.End],
				THU:       cols.thu[rec.Start:rec.End],
				CodeIdx:   cols.code[rec.Start:rec.End],
				LineIdx:   cols.line[rec.Start:rec.End],
				Lines:     rec.Lines,
				Codes:     rec.Codes,
			}
			if err := checkTables(b); err != nil {
				return snap, fmt.Errorf("container %s: %w", id, err)
			}
			snap.Blocks = append(snap.Blocks, b)
		}
	}

	if meta.Cells != nil {
		cells, err := s.readCells(dir, meta.Cells)
		if err != nil {
			return snap, err
		}
		snap.Cells = cells
	}

	for _, name := range meta.Subtiles {
		child, err := s.readTile(filepath.Join(dir, name))
		if err != nil {
			return snap, fmt.Errorf("subtile %s: %w", name, err)
		}
		snap.Children = append(snap.Children, child)
	}
	sort.Slice(snap.Children, func(i, j int) bool { return snap.Children[i].Key.Less(snap.Children[j].Key) })
	return snap, nil
}

func checkTables(b *tile.Block) error {
	for _, i := range b.LineIdx {
		if int(i) >= len(b.Lines) {
			return fmt.Errorf("line index %d outside table of %d", i, len(b.Lines))
		}
	}
	for _, i := range b.CodeIdx {
		if int(i) >= len(b.Codes) {
			return fmt.Errorf("code index %d outside table of %d", i, len(b.Codes))
		}
	}
	return nil
}

func (s *Store) readPoints(dir string, n int) (*columns, error) {
	c := &columns{}
	readF64 := func(name string, dst *[]float64) error {
		return s.readChunks(dir, name, func(raw []byte) error {
			v, err := decodeFloat64s(raw)
			*dst = append(*dst, v...)
			return err
		})
	}
	readF32 := func(name string, dst *[]float32) error {
		return s.readChunks(dir, name, func(raw []byte) error {
			v, err := decodeFloat32s(raw)
			*dst = append(*dst, v...)
			return err
		})
	}
	readU32 := func(name string, dst *[]uint32) error {
		return s.readChunks(dir, name, func(raw []byte) error {
			v, err := decodeUint32s(raw)
			*dst = append(*dst, v...)
			return err
		})
	}
	err := multierr.Combine(
		readF64(ColumnX, &c.x),
		readF64(ColumnY, &c.y),
		readF64(ColumnZ, &c.z),
		readF32(ColumnTVU, &c.tvu),
		readF32(ColumnTHU, &c.thu),
		readU32(ColumnCode, &c.code),
		readU32(ColumnLine, &c.line),
	)
	if err != nil {
		return nil, err
	}
	for name, got := range map[string]int{
		ColumnX: len(c.x), ColumnY: len(c.y), ColumnZ: len(c.z),
		ColumnTVU: len(c.tvu), ColumnTHU: len(c.thu),
		ColumnCode: len(c.code), ColumnLine: len(c.line),
	} {
		if got != n {
			return nil, fmt.Errorf("column %s: %d values, want %d", name, got, n)
		}
	}
	return c, nil
}

// readChunks decodes points/<column>/0, 1, ... in order.
func (s *Store) readChunks(dir, column string, fn func([]byte) error) error {
	colDir := filepath.Join(dir, PointsDir, column)
	entries, err := s.fs.ReadDir(colDir)
	if err != nil {
		return fmt.Errorf("column %s: %w", column, err)
	}
	chunks := make([]int, 0, len(entries))
	for _, e := range entries {
		i, err := strconv.Atoi(e.Name())
		if err != nil || e.IsDir() {
			continue
		}
		chunks = append(chunks, i)
	}
	sort.Ints(chunks)
	for want, i := range chunks {
		if i != want {
			return fmt.Errorf("column %s: missing chunk %d", column, want)
		}
		raw, err := s.readBlob(filepath.Join(colDir, strconv.Itoa(i)))
		if err != nil {
			return err
		}
		if err := fn(raw); err != nil {
			return fmt.Errorf("column %s chunk %d: %w", column, i, err)
		}
	}
	return nil
}

func (s *Store) readCells(dir string, info *CellsInfo) (*aggregate.Cells, error) {
	resDir := filepath.Join(dir, CellsDir, formatResolution(info.Resolution))
	c := &aggregate.Cells{
		Resolution: info.Resolution,
		Origin:     orb.Point{info.Origin[0], info.Origin[1]},
		Rows:       info.Rows,
		Cols:       info.Cols,
	}
	var err error
	read := func(name string) []byte {
		if err != nil {
			return nil
		}
		var raw []byte
		raw, err = s.readBlob(filepath.Join(resDir, name))
		return raw
	}
	if raw := read(ArrayDepth); err == nil {
		c.Depth, err = decodeFloat32s(raw)
	}
	if raw := read(ArrayVerticalUncertainty); err == nil {
		c.VerticalUncertainty, err = decodeFloat32s(raw)
	}
	if raw := read(ArrayHorizontalUncertainty); err == nil {
		c.HorizontalUncertainty, err = decodeFloat32s(raw)
	}
	if raw := read(ArrayDensity); err == nil {
		c.Density, err = decodeInt32s(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("cells at %v m: %w", info.Resolution, err)
	}
	n := info.Rows * info.Cols
	if len(c.Depth) != n || len(c.VerticalUncertainty) != n || len(c.HorizontalUncertainty) != n || len(c.Density) != n {
		return nil, fmt.Errorf("cells at %v m: array lengths do not match %dx%d", info.Resolution, info.Rows, info.Cols)
	}
	return c, nil
}
