package split

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

func TestGridCoversRaster(t *testing.T) {
	for h := 1; h <= 23; h += 3 {
		for w := 1; w <= 19; w += 2 {
			for _, ts := range [][2]int{{4, 4}, {5, 3}, {7, 11}, {30, 30}} {
				cells, err := Grid(h, w, ts[0], ts[1])
				require.NoError(t, err)

				rows := (h + ts[0] - 1) / ts[0]
				cols := (w + ts[1] - 1) / ts[1]
				require.Len(t, cells, rows*cols)

				covered := make([]int, h*w)
				for _, c := range cells {
					require.Equal(t, image.Pt(c.Col*ts[1], c.Row*ts[0]), c.Rect.Min)
					for y := c.Rect.Min.Y; y < c.Rect.Max.Y; y++ {
						for x := c.Rect.Min.X; x < c.Rect.Max.X; x++ {
							covered[y*w+x]++
						}
					}
				}
				for i, n := range covered {
					require.Equal(t, 1, n, "pixel %d covered %d times (h=%d w=%d tile=%v)", i, n, h, w, ts)
				}
			}
		}
	}
}

func TestGridEdgeTiles(t *testing.T) {
	cells, err := Grid(250, 130, 100, 100)
	require.NoError(t, err)
	require.Len(t, cells, 6)
	last := cells[len(cells)-1]
	require.Equal(t, 2, last.Row)
	require.Equal(t, 1, last.Col)
	require.Equal(t, image.Rect(100, 200, 130, 250), last.Rect)

	_, err = Grid(10, 10, 0, 5)
	require.Error(t, err)
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	return img
}

func TestImageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := gradient(53, 41)
	in := filepath.Join(dir, "slide.png")
	require.NoError(t, imaging.Save(src, in))

	out := filepath.Join(dir, "tiles")
	rep, err := Image(in, out, Options{TileHeight: 20, TileWidth: 25})
	require.NoError(t, err)
	require.Len(t, rep.Done, 9)
	require.Empty(t, rep.Failed)

	rebuilt := image.NewNRGBA(src.Bounds())
	for _, name := range rep.Done {
		n, err := tilename.Parse(name)
		require.NoError(t, err)
		require.Equal(t, "slide", n.Stem)
		tile, err := imaging.Open(filepath.Join(out, name))
		require.NoError(t, err)
		rebuilt = imaging.Paste(rebuilt, tile, image.Pt(n.Col*25, n.Row*20))
	}
	require.Equal(t, src.Pix, rebuilt.Pix)
}

func TestRasterContinuesAfterSaveFailure(t *testing.T) {
	dir := t.TempDir()
	fails := tilename.Encode("s", 0, 1, ".png")
	opts := Options{TileHeight: 10, TileWidth: 10}
	opts.save = func(img image.Image, path string) error {
		if filepath.Base(path) == fails {
			return errors.New("disk full")
		}
		return imaging.Save(img, path)
	}

	rep, err := Raster(gradient(30, 10), "s", dir, opts)
	require.NoError(t, err)
	require.Len(t, rep.Done, 2)
	require.Len(t, rep.Failed, 1)
	require.Equal(t, fails, rep.Failed[0].Name)

	_, err = os.Stat(filepath.Join(dir, tilename.Encode("s", 0, 2, ".png")))
	require.NoError(t, err)
}

func TestDirSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, imaging.Save(gradient(12, 12), filepath.Join(src, "good.png")))
	require.NoError(t, os.WriteFile(filepath.Join(src, "broken.png"), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("x"), 0o644))

	rep, err := Dir(context.Background(), src, filepath.Join(dir, "out"), Options{TileHeight: 8, TileWidth: 8})
	require.NoError(t, err)
	require.Len(t, rep.Done, 4)
	require.Len(t, rep.Failed, 1)
	require.Equal(t, "broken.png", rep.Failed[0].Name)
}

func writeTIFFFile(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, tiff.Encode(f, img, nil))
	require.NoError(t, f.Close())
}

func TestPairPadsAndNames(t *testing.T) {
	dir := t.TempDir()
	img := image.NewGray16(image.Rect(0, 0, 15, 10))
	mask := image.NewGray16(image.Rect(0, 0, 15, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 15; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000 + x*100)})
		}
	}
	mask.SetGray16(14, 9, color.Gray16{Y: 513})
	writeTIFFFile(t, filepath.Join(dir, "s.tif"), img)
	writeTIFFFile(t, filepath.Join(dir, "s_masks.tif"), mask)

	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))
	n, err := Pair(filepath.Join(dir, "s.tif"), filepath.Join(dir, "s_masks.tif"), out, PairOptions{TileHeight: 8, TileWidth: 8})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	l, err := raster.Read(filepath.Join(out, "s_1_1_masks.tif"))
	require.NoError(t, err)
	require.Equal(t, 8, l.Width)
	require.Equal(t, 8, l.Height)
	require.Equal(t, int32(513), l.At(6, 1))
	require.Equal(t, int32(0), l.At(7, 7), "padding must be zero")

	h, w, err := raster.Shape(filepath.Join(out, "s_1_1.tif"))
	require.NoError(t, err)
	require.Equal(t, [2]int{8, 8}, [2]int{h, w})
}

func TestPairDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	writeTIFFFile(t, filepath.Join(dir, "a.tif"), image.NewGray(image.Rect(0, 0, 10, 10)))
	writeTIFFFile(t, filepath.Join(dir, "a_masks.tif"), image.NewGray16(image.Rect(0, 0, 10, 9)))
	writeTIFFFile(t, filepath.Join(dir, "b.tif"), image.NewGray(image.Rect(0, 0, 10, 10)))
	writeTIFFFile(t, filepath.Join(dir, "b_masks.tif"), image.NewGray16(image.Rect(0, 0, 10, 10)))
	writeTIFFFile(t, filepath.Join(dir, "c.tif"), image.NewGray(image.Rect(0, 0, 10, 10)))

	_, err := Pair(filepath.Join(dir, "a.tif"), filepath.Join(dir, "a_masks.tif"), dir, PairOptions{TileHeight: 5, TileWidth: 5})
	var dm *DimensionMismatchError
	require.True(t, errors.As(err, &dm))
	require.Equal(t, image.Pt(10, 9), dm.MaskSize)

	rep, err := PairDir(context.Background(), dir, dir, filepath.Join(dir, "out"), PairOptions{TileHeight: 5, TileWidth: 5})
	require.NoError(t, err)
	require.Equal(t, []string{"b.tif"}, rep.Done)
	require.Len(t, rep.Failed, 1)
	require.Equal(t, "a.tif", rep.Failed[0].Name)
	require.Len(t, rep.Skipped, 1)
	require.Equal(t, "c.tif", rep.Skipped[0].Name)
}
