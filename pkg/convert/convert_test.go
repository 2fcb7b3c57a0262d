package convert

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

func writeTIFF(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, tiff.Encode(f, img, nil))
}

func TestSize(t *testing.T) {
	w, h := Size(4001, 3001, 0.5)
	require.Equal(t, 2000, w)
	require.Equal(t, 1500, h)
	w, h = Size(3, 3, 0.1)
	require.Equal(t, 1, w)
	require.Equal(t, 1, h)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	img := image.NewGray16(image.Rect(0, 0, 100, 40))
	for x := 0; x < 100; x++ {
		for y := 0; y < 40; y++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000 + x*10)})
		}
	}
	src := filepath.Join(dir, "slideA.tif")
	writeTIFF(t, src, img)

	out, err := File(src, filepath.Join(dir, "png"), Options{Scale: 0.5, Normalize: true})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "png", "slideA.png"), out)

	got, err := imaging.Open(out)
	require.NoError(t, err)
	require.Equal(t, image.Pt(50, 20), got.Bounds().Size())

	// the normalised range spans dark to bright
	r0, _, _, _ := got.At(0, 10).RGBA()
	r1, _, _, _ := got.At(49, 10).RGBA()
	require.Less(t, r0, r1)
	require.Greater(t, r1>>8, uint32(200))
}

func TestFileRejectsScale(t *testing.T) {
	_, err := File("x.tif", t.TempDir(), Options{Scale: 0})
	require.Error(t, err)
	_, err = File("x.tif", t.TempDir(), Options{Scale: 1.5})
	require.Error(t, err)
}

func TestDir(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	writeTIFF(t, filepath.Join(src, "a.tif"), image.NewGray(image.Rect(0, 0, 10, 10)))
	require.NoError(t, os.WriteFile(filepath.Join(src, "broken.tif"), []byte("not a tiff"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "readme.txt"), nil, 0o644))

	rep, err := Dir(context.Background(), src, out, Options{Scale: 1, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Equal(t, []string{"a.tif"}, rep.Done)
	require.Len(t, rep.Failed, 1)
	require.Equal(t, "broken.tif", rep.Failed[0].Name)

	_, err = os.Stat(filepath.Join(out, "a.png"))
	require.NoError(t, err)
}
