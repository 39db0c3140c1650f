package store

import (
	"time"

	"github.com/paulmach/orb"
)

// Layout names. Exporters read the directory tree directly, so renaming
// any of these, or changing how points are split into chunks, breaks them.
const (
	FormatVersion = 1

	MetadataFile = "metadata.json"
	IndexFile    = "index.db"
	PointsDir    = "points"
	CellsDir     = "cells"

	ColumnX    = "x"
	ColumnY    = "y"
	ColumnZ    = "z"
	ColumnTVU  = "tvu"
	ColumnTHU  = "thu"
	ColumnCode = "code"
	ColumnLine = "line"

	ArrayDepth                 = "depth"
	ArrayVerticalUncertainty   = "vertical_uncertainty"
	ArrayHorizontalUncertainty = "horizontal_uncertainty"
	ArrayDensity               = "density"
)

// Columns lists the point columns in storage order.
var Columns = []string{ColumnX, ColumnY, ColumnZ, ColumnTVU, ColumnTHU, ColumnCode, ColumnLine}

// Arrays lists the cell arrays in storage order.
var Arrays = []string{ArrayDepth, ArrayVerticalUncertainty, ArrayHorizontalUncertainty, ArrayDensity}

// Bounds is a bounding box as [min_x, min_y, max_x, max_y].
type Bounds [4]float64

// BoundsOf converts an orb bound.
func BoundsOf(b orb.Bound) Bounds {
	return Bounds{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// Bound converts back to an orb bound.
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
}

// RootMetadata is the grid-level metadata.json.
type RootMetadata struct {
	FormatVersion      int     `json:"format_version"`
	CRS                string  `json:"crs"`
	VerticalReference  string  `json:"vertical_reference"`
	Domain             Bounds  `json:"domain"`
	TileSize           float64 `json:"tile_size"`
	SubtileSize        float64 `json:"subtile_size,omitempty"`
	Mode               string  `json:"mode"`
	Method             string  `json:"method"`
	CubeCaptureScale   float64 `json:"cube_capture_scale,omitempty"`
	Resolution         float64 `json:"resolution"`
	AutoResolutionMode string  `json:"auto_resolution_mode"`
	MinPointsPerCell   int     `json:"min_points_per_cell"`
	AnchorX            float64 `json:"anchor_x"`
	AnchorY            float64 `json:"anchor_y"`
	GeohashPrecision   int     `json:"geohash_precision"`
	ChunkSize          int     `json:"chunk_size"`

	Resolutions []float64                  `json:"resolutions"`
	Bounds      Bounds                     `json:"bounds"`
	TileCount   int                        `json:"tile_count"`
	Containers  map[string]ContainerRecord `json:"containers"`
	SavedAt     time.Time                  `json:"saved_at"`
}

// ContainerRecord is the root record of one container.
type ContainerRecord struct {
	PointCount       int       `json:"point_count"`
	AddedAt          time.Time `json:"added_at"`
	SourceModifiedAt time.Time `json:"source_modified_at"`
	Bounds           Bounds    `json:"bounds"`
	Lines            []string  `json:"lines"`
	Tiles            []string  `json:"tiles"`
}

// TileMetadata is the metadata.json of a tile or subtile directory.
type TileMetadata struct {
	Key        [2]int64               `json:"key"`
	Origin     [2]float64             `json:"origin"`
	Size       float64                `json:"size"`
	PointCount int                    `json:"point_count"`
	ChunkSize  int                    `json:"chunk_size"`
	Containers map[string]BlockRecord `json:"containers"`

	Method      string     `json:"method"`
	State       string     `json:"state"`
	Dirty       bool       `json:"dirty"`
	GriddedAt   *time.Time `json:"gridded_at,omitempty"`
	Resolutions []float64  `json:"resolutions"`
	Cells       *CellsInfo `json:"cells,omitempty"`
	Subtiles    []string   `json:"subtiles,omitempty"`
}

// BlockRecord locates a container's points in the tile's point columns:
// rows [Start, End). Code and line columns index the record's tables.
type BlockRecord struct {
	Start            int       `json:"start"`
	End              int       `json:"end"`
	Count            int       `json:"count"`
	AddedAt          time.Time `json:"added_at"`
	SourceModifiedAt time.Time `json:"source_modified_at"`
	Lines            []string  `json:"lines"`
	Codes            []string  `json:"codes"`
}

// CellsInfo describes the stored raster of a leaf.
type CellsInfo struct {
	Resolution float64    `json:"resolution"`
	Origin     [2]float64 `json:"origin"`
	Rows       int        `json:"rows"`
	Cols       int        `json:"cols"`
}
