package geojson

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

func fill(l *raster.Labels, v int32, x0, y0, x1, y1 int) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			l.Set(x, y, v)
		}
	}
}

func TestFromLabels(t *testing.T) {
	l := raster.New(20, 12)
	fill(l, 1, 2, 2, 6, 6)    // square
	fill(l, 2, 10, 1, 11, 2)  // single pixel, dropped
	fill(l, 3, 12, 5, 15, 8)  // two separate blobs
	fill(l, 3, 17, 5, 20, 12) // touching the canvas edge

	fc, err := FromLabels(l, 0.5)
	require.NoError(t, err)
	require.Len(t, fc.Features, 3)

	sq := fc.Features[0]
	require.EqualValues(t, 1, sq.Properties[LabelProperty])
	poly, ok := sq.Geometry.(orb.Polygon)
	require.True(t, ok)
	ring := poly[0]
	require.Len(t, ring, 5)
	require.Equal(t, ring[0], ring[4])
	require.ElementsMatch(t, []orb.Point{{4, 4}, {4, 10}, {10, 10}, {10, 4}}, []orb.Point(ring[:4]))

	for _, f := range fc.Features[1:] {
		require.EqualValues(t, 3, f.Properties[LabelProperty])
		r := f.Geometry.(orb.Polygon)[0]
		require.GreaterOrEqual(t, len(r), 4)
		require.Equal(t, r[0], r[len(r)-1])
	}
}

func TestFromLabelsScaleTruncates(t *testing.T) {
	l := raster.New(8, 8)
	fill(l, 7, 1, 1, 4, 4)
	fc, err := FromLabels(l, 0.3)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	ring := fc.Features[0].Geometry.(orb.Polygon)[0]
	// 3 / 0.3 = 10 but 1 / 0.3 = 3.33 -> 3
	require.Contains(t, []orb.Point(ring), orb.Point{3, 3})
	require.Contains(t, []orb.Point(ring), orb.Point{10, 10})
}

func TestFromLabelsRejectsScale(t *testing.T) {
	_, err := FromLabels(raster.New(1, 1), 0)
	require.Error(t, err)
}

func TestDirAndRead(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	l := raster.New(6, 6)
	fill(l, 4, 1, 1, 5, 5)
	require.NoError(t, raster.WriteNPY(filepath.Join(in, "slideA_stitched.npy"), l))
	require.NoError(t, os.WriteFile(filepath.Join(in, "bad.npy"), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(in, "slideA_stitched.png"), nil, 0o644))

	rep, err := Dir(context.Background(), in, out, 1, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, []string{"slideA_stitched.npy"}, rep.Done)
	require.Len(t, rep.Failed, 1)

	fc, err := Read(filepath.Join(out, "slideA_stitched.geojson"))
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	require.EqualValues(t, 4, fc.Features[0].Properties[LabelProperty])
}
