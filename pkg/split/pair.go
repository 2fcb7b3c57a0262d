package split

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/image/tiff"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

// DimensionMismatchError reports an image/mask pair whose sizes disagree.
type DimensionMismatchError struct {
	Image, Mask         string
	ImageSize, MaskSize image.Point
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch %s %v vs %s %v",
		filepath.Base(e.Image), e.ImageSize, filepath.Base(e.Mask), e.MaskSize)
}

// PairOptions controls training tile generation.
type PairOptions struct {
	TileHeight int
	TileWidth  int
	Logger     zerolog.Logger
}

// Pair cuts an image and its label mask into aligned training tiles. Unlike
// Image, edge tiles are zero-padded to the nominal size because the trainer
// expects uniform inputs. Images are written as 8-bit TIFF (min-max
// normalised per tile unless already 8-bit); masks as 16-bit TIFF named
// with the _masks suffix.
func Pair(imgPath, maskPath, outDir string, opts PairOptions) (int, error) {
	img, err := decodeTIFF(imgPath)
	if err != nil {
		return 0, err
	}
	mask, err := raster.Read(maskPath)
	if err != nil {
		return 0, err
	}
	ib := img.Bounds()
	if ib.Dx() != mask.Width || ib.Dy() != mask.Height {
		return 0, &DimensionMismatchError{
			Image: imgPath, Mask: maskPath,
			ImageSize: ib.Size(), MaskSize: image.Pt(mask.Width, mask.Height),
		}
	}

	cells, err := Grid(ib.Dy(), ib.Dx(), opts.TileHeight, opts.TileWidth)
	if err != nil {
		return 0, err
	}
	stem := tilename.Stem(imgPath)
	for _, c := range cells {
		imgTile := padImage(img, c.Rect.Add(ib.Min), opts.TileWidth, opts.TileHeight)
		mskTile := padLabels(mask, c.Rect, opts.TileWidth, opts.TileHeight)
		g16, err := mskTile.Gray16()
		if err != nil {
			return 0, err
		}

		imgName := tilename.Encode(stem, c.Row, c.Col, ".tif")
		mskName := tilename.EncodeTraining(stem, c.Row, c.Col, ".tif")
		if err := writeTIFF(filepath.Join(outDir, imgName), imgTile); err != nil {
			return 0, err
		}
		if err := writeTIFF(filepath.Join(outDir, mskName), g16); err != nil {
			return 0, err
		}
		opts.Logger.Info().Str("component", "split").Str("image", imgName).Str("mask", mskName).Msg("saved training pair")
	}
	return len(cells), nil
}

// PairDir pairs every <stem>.tif in imgDir with <stem>_masks.tif in maskDir.
// Missing masks and per-pair failures are logged and skipped.
func PairDir(ctx context.Context, imgDir, maskDir, outDir string, opts PairOptions) (*batch.Report, error) {
	log := opts.Logger.With().Str("component", "split").Logger()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	inputs, err := listImages(imgDir)
	if err != nil {
		return nil, err
	}
	rep := &batch.Report{}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		name := filepath.Base(in)
		if strings.HasSuffix(tilename.Stem(name), tilename.TrainingSuffix) {
			continue
		}
		maskPath := filepath.Join(maskDir, tilename.Stem(name)+tilename.TrainingSuffix+".tif")
		if _, err := os.Stat(maskPath); err != nil {
			log.Warn().Str("image", name).Msg("no mask found, skipping")
			rep.Skip(name, err)
			continue
		}
		if _, err := Pair(in, maskPath, outDir, opts); err != nil {
			log.Error().Err(err).Str("image", name).Msg("failed to tile pair")
			rep.Fail(name, err)
			continue
		}
		rep.Ok(name)
	}
	return rep, nil
}

func decodeTIFF(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func writeTIFF(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func is8bit(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.NRGBA, *image.RGBA, *image.Paletted:
		return true
	}
	return false
}

type subImager interface {
	SubImage(image.Rectangle) image.Image
}

func padImage(img image.Image, r image.Rectangle, tw, th int) image.Image {
	if g, ok := img.(*image.Gray); ok {
		out := image.NewGray(image.Rect(0, 0, tw, th))
		draw.Draw(out, image.Rect(0, 0, r.Dx(), r.Dy()), g, r.Min, draw.Src)
		return out
	}
	if is8bit(img) {
		return imaging.Paste(imaging.New(tw, th, image.Transparent), imaging.Crop(img, r), image.Point{})
	}

	var tile image.Image
	if s, ok := img.(subImager); ok {
		tile = s.SubImage(r)
	} else {
		tile = imaging.Crop(img, r)
	}
	norm := raster.Normalize8(tile)
	out := image.NewGray(image.Rect(0, 0, tw, th))
	draw.Draw(out, norm.Bounds(), norm, image.Point{}, draw.Src)
	return out
}

func padLabels(l *raster.Labels, r image.Rectangle, tw, th int) *raster.Labels {
	out := raster.New(tw, th)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		copy(out.Row(y-r.Min.Y)[:r.Dx()], l.Row(y)[r.Min.X:r.Max.X])
	}
	return out
}
