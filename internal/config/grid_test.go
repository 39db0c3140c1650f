package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGridConfig(t *testing.T) {
	cfg := DefaultGridConfig()

	if cfg.TileSize == nil || *cfg.TileSize != 1024 {
		t.Errorf("Expected TileSize 1024, got %v", cfg.TileSize)
	}
	if cfg.CRS == nil || *cfg.CRS != DefaultCRS {
		t.Errorf("Expected CRS %s, got %v", DefaultCRS, cfg.CRS)
	}
	if cfg.Mode == nil || *cfg.Mode != ModeSingle {
		t.Errorf("Expected Mode single, got %v", cfg.Mode)
	}
	if cfg.GetGeohashPrecision() != 7 {
		t.Errorf("GetGeohashPrecision() = %d, want 7", cfg.GetGeohashPrecision())
	}
	if cfg.GetWorkers() != runtime.NumCPU() {
		t.Errorf("GetWorkers() = %d, want NumCPU", cfg.GetWorkers())
	}
	if cfg.GetRegridInterval() != time.Minute {
		t.Errorf("GetRegridInterval() = %v, want 1m", cfg.GetRegridInterval())
	}
	require.NoError(t, cfg.Validate())
}

func TestGetDomain(t *testing.T) {
	geo := &GridConfig{CRS: ptrString("EPSG:4326")}
	assert.Equal(t, Domain{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}, geo.GetDomain())

	unset := EmptyGridConfig()
	assert.Equal(t, DefaultCRS, unset.GetCRS())
	assert.Equal(t, Domain{MinX: -WebMercatorExtent, MinY: -WebMercatorExtent, MaxX: WebMercatorExtent, MaxY: WebMercatorExtent}, unset.GetDomain())

	projected := &GridConfig{CRS: ptrString("EPSG:32617")}
	d := projected.GetDomain()
	assert.Equal(t, -WebMercatorExtent, d.MinX)
	assert.Equal(t, WebMercatorExtent, d.MaxY)

	explicit := &GridConfig{Domain: &Domain{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}}
	assert.Equal(t, 10.0, explicit.GetDomain().MaxX)
}

func TestLoadGridConfig_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "grid.json")

	testJSON := `{
  "tile_size": 128,
  "mode": "variable",
  "subtile_size": 32,
  "method": "cube",
  "cube_capture_scale": 2.0,
  "regrid_interval": "5s"
}`
	require.NoError(t, os.WriteFile(configPath, []byte(testJSON), 0644))

	cfg, err := LoadGridConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 128.0, cfg.GetTileSize())
	assert.Equal(t, 32.0, cfg.GetSubtileSize())
	assert.Equal(t, ModeVariable, cfg.GetMode())
	assert.Equal(t, "cube", cfg.GetMethod())
	assert.Equal(t, 2.0, cfg.GetCubeCaptureScale())
	assert.Equal(t, 5*time.Second, cfg.GetRegridInterval())

	// Unset fields fall back to defaults.
	assert.Equal(t, 5, cfg.GetMinPointsPerCell())
	assert.Equal(t, AutoResolutionDepth, cfg.GetAutoResolutionMode())
	assert.Equal(t, "bathygrid", cfg.GetMQTTTopicPrefix())
}

func TestLoadGridConfig_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "grid.yaml")

	testYAML := `
crs: EPSG:32617
tile_size: 512
auto_resolution_mode: density
min_points_per_cell: 10
domain:
  min_x: 0
  min_y: 0
  max_x: 1000000
  max_y: 10000000
mqtt_broker: tcp://localhost:1883
`
	require.NoError(t, os.WriteFile(configPath, []byte(testYAML), 0644))

	cfg, err := LoadGridConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "EPSG:32617", cfg.GetCRS())
	assert.Equal(t, 512.0, cfg.GetTileSize())
	assert.Equal(t, AutoResolutionDensity, cfg.GetAutoResolutionMode())
	assert.Equal(t, 10, cfg.GetMinPointsPerCell())
	assert.Equal(t, 1000000.0, cfg.GetDomain().MaxX)
	assert.Equal(t, "tcp://localhost:1883", cfg.GetMQTTBroker())
}

func TestLoadGridConfig_Rejects(t *testing.T) {
	tmpDir := t.TempDir()

	txt := filepath.Join(tmpDir, "grid.txt")
	require.NoError(t, os.WriteFile(txt, []byte("{}"), 0644))
	_, err := LoadGridConfig(txt)
	assert.ErrorContains(t, err, "extension")

	_, err = LoadGridConfig(filepath.Join(tmpDir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(tmpDir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = LoadGridConfig(bad)
	assert.ErrorContains(t, err, "parse")

	big := filepath.Join(tmpDir, "big.json")
	require.NoError(t, os.WriteFile(big, make([]byte, 2*1024*1024), 0644))
	_, err = LoadGridConfig(big)
	assert.ErrorContains(t, err, "too large")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     GridConfig
		wantErr string
	}{
		{name: "empty is valid", cfg: GridConfig{}},
		{name: "tile size not half-metre multiple", cfg: GridConfig{TileSize: ptrFloat64(100.3)}, wantErr: "tile_size"},
		{name: "negative tile size", cfg: GridConfig{TileSize: ptrFloat64(-8)}, wantErr: "tile_size"},
		{name: "subtile does not divide tile", cfg: GridConfig{Mode: ptrString(ModeVariable), TileSize: ptrFloat64(1024), SubtileSize: ptrFloat64(100)}, wantErr: "whole multiple"},
		{name: "subtile larger than tile", cfg: GridConfig{Mode: ptrString(ModeVariable), TileSize: ptrFloat64(64), SubtileSize: ptrFloat64(128)}, wantErr: "whole multiple"},
		{name: "unknown mode", cfg: GridConfig{Mode: ptrString("adaptive")}, wantErr: "mode"},
		{name: "unknown method", cfg: GridConfig{Method: ptrString("median")}, wantErr: "method"},
		{name: "unknown auto mode", cfg: GridConfig{AutoResolutionMode: ptrString("slope")}, wantErr: "auto_resolution_mode"},
		{name: "zero min points", cfg: GridConfig{MinPointsPerCell: ptrInt(0)}, wantErr: "min_points_per_cell"},
		{name: "precision too long", cfg: GridConfig{GeohashPrecision: ptrInt(13)}, wantErr: "geohash_precision"},
		{name: "negative workers", cfg: GridConfig{Workers: ptrInt(-1)}, wantErr: "workers"},
		{name: "inverted domain", cfg: GridConfig{Domain: &Domain{MinX: 10, MaxX: 0, MinY: 0, MaxY: 1}}, wantErr: "domain"},
		{name: "bad interval", cfg: GridConfig{RegridInterval: ptrString("soon")}, wantErr: "regrid_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	assert.Equal(t, DefaultCRS, cfg.GetCRS())
	assert.Equal(t, 1024.0, cfg.GetTileSize())
	assert.Equal(t, "mean", cfg.GetMethod())
	assert.Equal(t, 1<<26, cfg.GetMaxQueryCells())
}
