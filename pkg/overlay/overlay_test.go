package overlay

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/PhantomInTheWire/cellmosaic/pkg/mosaic"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

func gray(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestTint(t *testing.T) {
	mask := raster.New(2, 1)
	mask.Set(1, 0, 5)
	out := Tint(gray(2, 1, 100), mask, color.NRGBA{R: 255, A: 255}, 0.5)
	require.Equal(t, color.NRGBA{R: 100, G: 100, B: 100, A: 255}, out.NRGBAAt(0, 0))
	require.Equal(t, color.NRGBA{R: 178, G: 50, B: 50, A: 255}, out.NRGBAAt(1, 0))
}

func TestTintResizesMask(t *testing.T) {
	mask := raster.New(1, 1)
	mask.Set(0, 0, 1)
	out := Tint(gray(4, 4, 0), mask, color.NRGBA{G: 255, A: 255}, 1)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			require.Equal(t, uint8(255), out.NRGBAAt(x, y).G)
		}
	}
}

func TestCompare(t *testing.T) {
	mask := raster.New(3, 2)
	mask.Set(2, 1, 9)
	out := Compare(gray(3, 2, 40), mask)
	require.Equal(t, image.Rect(0, 0, 6, 2), out.Bounds())
	require.Equal(t, uint8(40), out.NRGBAAt(0, 0).R)
	require.Equal(t, uint8(0), out.NRGBAAt(3, 0).R)
	require.Equal(t, uint8(255), out.NRGBAAt(5, 1).R)
}

func TestColorize(t *testing.T) {
	l := raster.New(3, 1)
	l.Pix = []int32{0, 1, 2}
	out := Colorize(l)
	require.Equal(t, color.NRGBA{A: 255}, out.NRGBAAt(0, 0))
	require.Equal(t, LabelColor(1), out.NRGBAAt(1, 0))
	require.NotEqual(t, out.NRGBAAt(1, 0), out.NRGBAAt(2, 0))
	require.Equal(t, LabelColor(7), LabelColor(7))
}

func TestDir(t *testing.T) {
	imgDir := t.TempDir()
	maskDir := t.TempDir()
	out := t.TempDir()
	require.NoError(t, imaging.Save(gray(4, 4, 10), filepath.Join(imgDir, "a.png")))
	require.NoError(t, imaging.Save(gray(4, 4, 10), filepath.Join(imgDir, "b.png")))

	canvas := raster.New(4, 4)
	canvas.Set(1, 1, 3)
	res := &mosaic.Result{Canvas: canvas, MaxLabel: 3}
	_, err := res.Save(maskDir, "a", mosaic.PersistOptions{LabelPNG: true})
	require.NoError(t, err)

	rep, err := Dir(context.Background(), imgDir, maskDir, out, Options{Labels: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Equal(t, []string{"a.png"}, rep.Done)
	require.Len(t, rep.Skipped, 1)
	require.Equal(t, "b.png", rep.Skipped[0].Name)

	for _, suffix := range []string{OverlaySuffix, CompareSuffix, LabelsSuffix} {
		img, err := imaging.Open(filepath.Join(out, "a"+suffix))
		require.NoError(t, err, suffix)
		require.NotNil(t, img)
	}
}
