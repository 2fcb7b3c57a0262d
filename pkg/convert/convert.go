// Package convert turns full-resolution slide scans into downscaled 8-bit
// PNGs ready to be tiled.
package convert

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/image/tiff"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

// Options controls conversion.
type Options struct {
	// Scale multiplies both dimensions; 1 keeps the size.
	Scale float64
	// Normalize stretches deep (16-bit) input to 8 bits by its own range.
	Normalize bool
	Logger    zerolog.Logger
}

// Size returns the output dimensions for a w x h input, truncated like
// int(w*scale) and never below one pixel.
func Size(w, h int, scale float64) (int, int) {
	return max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
}

// File converts src into outDir/<stem>.png and returns the output path.
func File(src, outDir string, opts Options) (string, error) {
	if opts.Scale <= 0 || opts.Scale > 1 {
		return "", fmt.Errorf("convert: scale must be in (0, 1], got %g", opts.Scale)
	}
	img, err := decode(src)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", src, err)
	}
	if opts.Normalize && !is8bit(img) {
		img = raster.Normalize8(img)
	}

	b := img.Bounds()
	w, h := Size(b.Dx(), b.Dy(), opts.Scale)
	if w != b.Dx() || h != b.Dy() {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(src)
	out := filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".png")
	if err := imaging.Save(img, out); err != nil {
		return "", err
	}
	return out, nil
}

// Dir converts every .tif/.tiff in srcDir. A file that fails is logged and
// the rest continue.
func Dir(ctx context.Context, srcDir, outDir string, opts Options) (*batch.Report, error) {
	log := opts.Logger.With().Str("component", "convert").Logger()
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, err
	}
	var inputs []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff":
			if !e.IsDir() {
				inputs = append(inputs, e.Name())
			}
		}
	}
	sort.Strings(inputs)

	rep := &batch.Report{}
	if len(inputs) == 0 {
		log.Warn().Str("dir", srcDir).Msg("no .tif files found")
		return rep, nil
	}
	for _, name := range inputs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, err := File(filepath.Join(srcDir, name), outDir, opts)
		if err != nil {
			log.Error().Err(err).Str("file", name).Msg("error converting file")
			rep.Fail(name, err)
			continue
		}
		log.Info().Str("file", name).Str("output", out).Msg("converted")
		rep.Ok(name)
	}
	return rep, nil
}

func decode(path string) (image.Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return tiff.Decode(f)
	default:
		return imaging.Open(path)
	}
}

func is8bit(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.RGBA, *image.NRGBA, *image.YCbCr, *image.Paletted:
		return true
	}
	return false
}
