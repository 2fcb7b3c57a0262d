// Package config holds the pipeline defaults and their environment
// overrides.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/PhantomInTheWire/cellmosaic/pkg/segment"
	"github.com/PhantomInTheWire/cellmosaic/pkg/storage"
)

// Stage directories under SharedDir.
const (
	TIFDir      = "1_tif_images"
	PNGDir      = "2_png_images"
	SplitDir    = "3_split_images"
	MaskDir     = "4_segmentation_masks"
	StitchedDir = "5_stitched_masks"
	OutputDir   = "6_output_masks"
	GeoJSONDir  = "9_geojson_outs"
)

type Config struct {
	SharedDir  string
	TileHeight int
	TileWidth  int
	// Scale is the factor slides are downscaled by before tiling; GeoJSON
	// coordinates are divided by it to get back to scan resolution.
	Scale     float64
	Workers   int
	WasmModel string
	LogLevel  string
	LogFormat string
	Segment   segment.Params
	Minio     storage.MinioConfig
	Namespace string
}

func Defaults() Config {
	return Config{
		SharedDir:  "./shared",
		TileHeight: 640,
		TileWidth:  640,
		Scale:      0.2125,
		Workers:    8,
		WasmModel:  "segment.wasm",
		LogLevel:   "info",
		LogFormat:  "console",
		Segment:    segment.DefaultParams(),
		Minio: storage.MinioConfig{
			Endpoint:  "http://localhost:9000",
			Region:    "us-east-1",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "tiles-bucket",
			Prefix:    "job1",
		},
		Namespace: "default",
	}
}

// FromEnv overlays the process environment on Defaults.
func FromEnv() Config {
	return fromLookup(os.Getenv)
}

func fromLookup(getenv func(string) string) Config {
	getEnv := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}
	getEnvInt := func(key string, fallback int) int {
		if v := getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return fallback
	}
	getEnvFloat := func(key string, fallback float64) float64 {
		if v := getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
		return fallback
	}

	c := Defaults()
	size := getEnvInt("TILE_SIZE", 0)
	if size != 0 {
		c.TileHeight, c.TileWidth = size, size
	}
	c.TileHeight = getEnvInt("TILE_HEIGHT", c.TileHeight)
	c.TileWidth = getEnvInt("TILE_WIDTH", c.TileWidth)
	c.Scale = getEnvFloat("SCALING_FACTOR", c.Scale)
	c.Workers = getEnvInt("MAX_WORKERS", c.Workers)
	c.SharedDir = getEnv("SHARED_DIR", c.SharedDir)
	c.WasmModel = getEnv("WASM_MODEL", c.WasmModel)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.Minio.Endpoint = getEnv("MINIO_ENDPOINT", c.Minio.Endpoint)
	c.Minio.Region = getEnv("MINIO_REGION", c.Minio.Region)
	c.Minio.AccessKey = getEnv("MINIO_ACCESS_KEY", c.Minio.AccessKey)
	c.Minio.SecretKey = getEnv("MINIO_SECRET_KEY", c.Minio.SecretKey)
	c.Minio.Bucket = getEnv("MINIO_BUCKET", c.Minio.Bucket)
	c.Minio.Prefix = getEnv("MINIO_PREFIX", c.Minio.Prefix)
	c.Namespace = getEnv("KUBE_NAMESPACE", c.Namespace)
	return c
}

// Stage returns the path of a stage directory under SharedDir.
func (c Config) Stage(name string) string {
	return filepath.Join(c.SharedDir, name)
}

// ModelPath resolves WasmModel relative to SharedDir unless absolute.
func (c Config) ModelPath() string {
	if filepath.IsAbs(c.WasmModel) {
		return c.WasmModel
	}
	return filepath.Join(c.SharedDir, c.WasmModel)
}

func (c Config) Validate() error {
	var errs []error
	if c.TileHeight <= 0 || c.TileWidth <= 0 {
		errs = append(errs, errors.New("tile height and width must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Scale <= 0 || c.Scale > 1 {
		errs = append(errs, errors.New("scaling factor must be in (0, 1]"))
	}
	if c.Segment.Overlap < 0 || c.Segment.Overlap >= 1 {
		errs = append(errs, errors.New("overlap must be in [0, 1)"))
	}
	for _, ch := range c.Segment.Channels {
		if ch < 0 || ch > 3 {
			errs = append(errs, errors.New("channels must be 0 (gray) or 1-3 (R, G, B)"))
			break
		}
	}
	return errors.Join(errs...)
}
