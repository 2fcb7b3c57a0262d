package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	c := Defaults()
	require.NoError(t, c.Validate())
	require.Equal(t, 640, c.TileHeight)
	require.Equal(t, 0.2125, c.Scale)
	require.Equal(t, [2]int{1, 0}, c.Segment.Channels)
	require.Equal(t, 2048, c.Segment.BlockSize)
	require.Equal(t, 6, c.Segment.BatchSize)
}

func TestFromLookup(t *testing.T) {
	c := fromLookup(env(map[string]string{
		"TILE_SIZE":      "256",
		"TILE_WIDTH":     "512",
		"SCALING_FACTOR": "0.5",
		"MAX_WORKERS":    "not-a-number",
		"SHARED_DIR":     "/data",
		"MINIO_BUCKET":   "masks",
		"KUBE_NAMESPACE": "pipeline",
	}))
	require.Equal(t, 256, c.TileHeight)
	require.Equal(t, 512, c.TileWidth)
	require.Equal(t, 0.5, c.Scale)
	require.Equal(t, 8, c.Workers, "unparsable values fall back")
	require.Equal(t, "masks", c.Minio.Bucket)
	require.Equal(t, "pipeline", c.Namespace)
	require.Equal(t, filepath.Join("/data", SplitDir), c.Stage(SplitDir))
	require.Equal(t, filepath.Join("/data", "segment.wasm"), c.ModelPath())
}

func TestValidate(t *testing.T) {
	c := Defaults()
	c.TileWidth = 0
	c.Scale = 1.5
	c.Segment.Overlap = 1
	c.Segment.Channels = [2]int{4, 0}
	err := c.Validate()
	require.ErrorContains(t, err, "tile height and width")
	require.ErrorContains(t, err, "scaling factor")
	require.ErrorContains(t, err, "overlap")
	require.ErrorContains(t, err, "channels")
}
