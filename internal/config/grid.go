package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical grid defaults file.
const DefaultConfigPath = "config/grid.defaults.json"

// Grid modes.
const (
	ModeSingle   = "single"
	ModeVariable = "variable"
)

// Automatic resolution modes.
const (
	AutoResolutionDepth   = "depth"
	AutoResolutionDensity = "density"
)

// DefaultCRS is the projected system used when none is configured. Tile
// sizes and the resolution ladder are in metres, so the default is metric.
const DefaultCRS = "EPSG:3857"

// WebMercatorExtent is the half-width of the default projected domain.
const WebMercatorExtent = 20037508.3428

// Domain is the valid coordinate extent of the grid's coordinate system.
type Domain struct {
	MinX float64 `json:"min_x" yaml:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y"`
}

// GridConfig is the configuration of a grid and of the daemon serving it.
// Fields are pointers so that partial files fall back to the Get* defaults.
type GridConfig struct {
	// Grid identity
	CRS               *string `json:"crs,omitempty" yaml:"crs,omitempty"`
	VerticalReference *string `json:"vertical_reference,omitempty" yaml:"vertical_reference,omitempty"`
	Domain            *Domain `json:"domain,omitempty" yaml:"domain,omitempty"`

	// Lattice, immutable once the grid exists
	TileSize    *float64 `json:"tile_size,omitempty" yaml:"tile_size,omitempty"`
	SubtileSize *float64 `json:"subtile_size,omitempty" yaml:"subtile_size,omitempty"`
	Mode        *string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	AnchorX     *float64 `json:"anchor_x,omitempty" yaml:"anchor_x,omitempty"`
	AnchorY     *float64 `json:"anchor_y,omitempty" yaml:"anchor_y,omitempty"`

	// Aggregation
	Method             *string  `json:"method,omitempty" yaml:"method,omitempty"`
	Resolution         *float64 `json:"resolution,omitempty" yaml:"resolution,omitempty"` // 0 selects automatically
	AutoResolutionMode *string  `json:"auto_resolution_mode,omitempty" yaml:"auto_resolution_mode,omitempty"`
	MinPointsPerCell   *int     `json:"min_points_per_cell,omitempty" yaml:"min_points_per_cell,omitempty"`
	CubeCaptureScale   *float64 `json:"cube_capture_scale,omitempty" yaml:"cube_capture_scale,omitempty"`

	// Engine
	GeohashPrecision *int `json:"geohash_precision,omitempty" yaml:"geohash_precision,omitempty"`
	Workers          *int `json:"workers,omitempty" yaml:"workers,omitempty"` // 0 uses every CPU
	ChunkSize        *int `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	MaxQueryCells    *int `json:"max_query_cells,omitempty" yaml:"max_query_cells,omitempty"`

	// Daemon
	RegridInterval  *string `json:"regrid_interval,omitempty" yaml:"regrid_interval,omitempty"` // duration string like "60s"
	HTTPListen      *string `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`
	GRPCListen      *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	MQTTBroker      *string `json:"mqtt_broker,omitempty" yaml:"mqtt_broker,omitempty"`
	MQTTTopicPrefix *string `json:"mqtt_topic_prefix,omitempty" yaml:"mqtt_topic_prefix,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyGridConfig returns a GridConfig with every field unset.
func EmptyGridConfig() *GridConfig {
	return &GridConfig{}
}

// DefaultGridConfig returns a GridConfig with every field set to its default.
func DefaultGridConfig() *GridConfig {
	c := EmptyGridConfig()
	d := c.GetDomain()
	return &GridConfig{
		CRS:                ptrString(c.GetCRS()),
		VerticalReference:  ptrString(c.GetVerticalReference()),
		Domain:             &d,
		TileSize:           ptrFloat64(c.GetTileSize()),
		SubtileSize:        ptrFloat64(c.GetSubtileSize()),
		Mode:               ptrString(c.GetMode()),
		AnchorX:            ptrFloat64(0),
		AnchorY:            ptrFloat64(0),
		Method:             ptrString(c.GetMethod()),
		Resolution:         ptrFloat64(0),
		AutoResolutionMode: ptrString(c.GetAutoResolutionMode()),
		MinPointsPerCell:   ptrInt(c.GetMinPointsPerCell()),
		CubeCaptureScale:   ptrFloat64(c.GetCubeCaptureScale()),
		GeohashPrecision:   ptrInt(c.GetGeohashPrecision()),
		Workers:            ptrInt(0),
		ChunkSize:          ptrInt(c.GetChunkSize()),
		MaxQueryCells:      ptrInt(c.GetMaxQueryCells()),
		RegridInterval:     ptrString("60s"),
		HTTPListen:         ptrString(c.GetHTTPListen()),
		GRPCListen:         ptrString(c.GetGRPCListen()),
		MQTTBroker:         ptrString(""),
		MQTTTopicPrefix:    ptrString(c.GetMQTTTopicPrefix()),
	}
}

// LoadGridConfig loads a GridConfig from a .json, .yaml or .yml file.
// Fields omitted from the file keep their defaults.
func LoadGridConfig(path string) (*GridConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyGridConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *GridConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/gridctl/
	}
	for _, path := range candidates {
		if cfg, err := LoadGridConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *GridConfig) Validate() error {
	if c.TileSize != nil && !isLadderMultiple(*c.TileSize) {
		return fmt.Errorf("tile_size must be a positive multiple of 0.5, got %v", *c.TileSize)
	}
	if c.SubtileSize != nil && !isLadderMultiple(*c.SubtileSize) {
		return fmt.Errorf("subtile_size must be a positive multiple of 0.5, got %v", *c.SubtileSize)
	}
	if c.GetMode() == ModeVariable {
		ratio := c.GetTileSize() / c.GetSubtileSize()
		if c.GetSubtileSize() > c.GetTileSize() || ratio != math.Trunc(ratio) {
			return fmt.Errorf("tile_size %v must be a whole multiple of subtile_size %v", c.GetTileSize(), c.GetSubtileSize())
		}
	}
	if c.Mode != nil && *c.Mode != ModeSingle && *c.Mode != ModeVariable {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeSingle, ModeVariable, *c.Mode)
	}
	if c.Method != nil {
		switch *c.Method {
		case "mean", "shoalest", "cube":
		default:
			return fmt.Errorf("unknown method %q", *c.Method)
		}
	}
	if c.AutoResolutionMode != nil && *c.AutoResolutionMode != AutoResolutionDepth && *c.AutoResolutionMode != AutoResolutionDensity {
		return fmt.Errorf("auto_resolution_mode must be %q or %q, got %q", AutoResolutionDepth, AutoResolutionDensity, *c.AutoResolutionMode)
	}
	if c.Resolution != nil && *c.Resolution < 0 {
		return fmt.Errorf("resolution must be non-negative, got %v", *c.Resolution)
	}
	if c.MinPointsPerCell != nil && *c.MinPointsPerCell <= 0 {
		return fmt.Errorf("min_points_per_cell must be positive, got %d", *c.MinPointsPerCell)
	}
	if c.CubeCaptureScale != nil && (*c.CubeCaptureScale <= 0 || math.IsNaN(*c.CubeCaptureScale)) {
		return fmt.Errorf("cube_capture_scale must be positive, got %v", *c.CubeCaptureScale)
	}
	if c.GeohashPrecision != nil && (*c.GeohashPrecision < 1 || *c.GeohashPrecision > 12) {
		return fmt.Errorf("geohash_precision must be between 1 and 12, got %d", *c.GeohashPrecision)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.ChunkSize != nil && *c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", *c.ChunkSize)
	}
	if c.MaxQueryCells != nil && *c.MaxQueryCells <= 0 {
		return fmt.Errorf("max_query_cells must be positive, got %d", *c.MaxQueryCells)
	}
	if c.Domain != nil {
		d := c.Domain
		if !(d.MinX < d.MaxX) || !(d.MinY < d.MaxY) {
			return fmt.Errorf("domain must have min < max, got %+v", *d)
		}
	}
	if c.RegridInterval != nil && *c.RegridInterval != "" {
		if _, err := time.ParseDuration(*c.RegridInterval); err != nil {
			return fmt.Errorf("invalid regrid_interval '%s': %w", *c.RegridInterval, err)
		}
	}
	return nil
}

func isLadderMultiple(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && v*2 == math.Trunc(v*2)
}

// GetCRS returns the coordinate system identifier or the default.
func (c *GridConfig) GetCRS() string {
	if c.CRS == nil || *c.CRS == "" {
		return DefaultCRS
	}
	return *c.CRS
}

// GetVerticalReference returns the vertical reference or the default.
func (c *GridConfig) GetVerticalReference() string {
	if c.VerticalReference == nil || *c.VerticalReference == "" {
		return "waterline"
	}
	return *c.VerticalReference
}

// GetDomain returns the configured domain, or a default derived from the
// coordinate system: the geographic extent for EPSG:4326 and a web mercator
// sized square for anything else.
func (c *GridConfig) GetDomain() Domain {
	if c.Domain != nil {
		return *c.Domain
	}
	if c.GetCRS() == "EPSG:4326" {
		return Domain{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	}
	return Domain{MinX: -WebMercatorExtent, MinY: -WebMercatorExtent, MaxX: WebMercatorExtent, MaxY: WebMercatorExtent}
}

// GetTileSize returns the tile side length in metres or the default.
func (c *GridConfig) GetTileSize() float64 {
	if c.TileSize == nil {
		return 1024
	}
	return *c.TileSize
}

// GetSubtileSize returns the subtile side length in metres or the default.
func (c *GridConfig) GetSubtileSize() float64 {
	if c.SubtileSize == nil {
		return 128
	}
	return *c.SubtileSize
}

// GetMode returns the grid mode or the default.
func (c *GridConfig) GetMode() string {
	if c.Mode == nil || *c.Mode == "" {
		return ModeSingle
	}
	return *c.Mode
}

// GetAnchor returns the lattice anchor.
func (c *GridConfig) GetAnchor() (float64, float64) {
	var x, y float64
	if c.AnchorX != nil {
		x = *c.AnchorX
	}
	if c.AnchorY != nil {
		y = *c.AnchorY
	}
	return x, y
}

// GetMethod returns the aggregation method name or the default.
func (c *GridConfig) GetMethod() string {
	if c.Method == nil || *c.Method == "" {
		return "mean"
	}
	return *c.Method
}

// GetResolution returns the fixed resolution, or 0 when it is automatic.
func (c *GridConfig) GetResolution() float64 {
	if c.Resolution == nil {
		return 0
	}
	return *c.Resolution
}

// GetAutoResolutionMode returns the automatic resolution mode or the default.
func (c *GridConfig) GetAutoResolutionMode() string {
	if c.AutoResolutionMode == nil || *c.AutoResolutionMode == "" {
		return AutoResolutionDepth
	}
	return *c.AutoResolutionMode
}

// GetMinPointsPerCell returns the density target or the default.
func (c *GridConfig) GetMinPointsPerCell() int {
	if c.MinPointsPerCell == nil {
		return 5
	}
	return *c.MinPointsPerCell
}

// GetCubeCaptureScale returns the cube capture radius as a multiple of the
// resolution, or the default.
func (c *GridConfig) GetCubeCaptureScale() float64 {
	if c.CubeCaptureScale == nil {
		return 1.0
	}
	return *c.CubeCaptureScale
}

// GetGeohashPrecision returns the geohash length or the default.
func (c *GridConfig) GetGeohashPrecision() int {
	if c.GeohashPrecision == nil {
		return 7
	}
	return *c.GeohashPrecision
}

// GetWorkers returns the regrid worker count, resolving 0 to runtime.NumCPU.
func (c *GridConfig) GetWorkers() int {
	if c.Workers == nil || *c.Workers == 0 {
		return runtime.NumCPU()
	}
	return *c.Workers
}

// GetChunkSize returns the number of points per stored chunk or the default.
func (c *GridConfig) GetChunkSize() int {
	if c.ChunkSize == nil {
		return 65536
	}
	return *c.ChunkSize
}

// GetMaxQueryCells returns the cap on cells in a stitched query or the default.
func (c *GridConfig) GetMaxQueryCells() int {
	if c.MaxQueryCells == nil {
		return 1 << 26
	}
	return *c.MaxQueryCells
}

// GetRegridInterval parses and returns the RegridInterval as a time.Duration.
func (c *GridConfig) GetRegridInterval() time.Duration {
	if c.RegridInterval == nil || *c.RegridInterval == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(*c.RegridInterval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetHTTPListen returns the monitor listen address or the default.
func (c *GridConfig) GetHTTPListen() string {
	if c.HTTPListen == nil || *c.HTTPListen == "" {
		return ":8090"
	}
	return *c.HTTPListen
}

// GetGRPCListen returns the gRPC listen address or the default.
func (c *GridConfig) GetGRPCListen() string {
	if c.GRPCListen == nil || *c.GRPCListen == "" {
		return ":8091"
	}
	return *c.GRPCListen
}

// GetMQTTBroker returns the MQTT broker URL. Empty disables notifications.
func (c *GridConfig) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTTopicPrefix returns the MQTT topic prefix or the default.
func (c *GridConfig) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == nil || *c.MQTTTopicPrefix == "" {
		return "bathygrid"
	}
	return *c.MQTTTopicPrefix
}
