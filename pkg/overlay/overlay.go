// Package overlay renders stitched masks for visual review: tinted overlays
// on the source image, side-by-side comparisons and per-label colour maps.
package overlay

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/mosaic"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

// Output file suffixes.
const (
	OverlaySuffix = "_overlay.png"
	CompareSuffix = "_compare.png"
	LabelsSuffix  = "_labels.png"
)

// Options controls rendering.
type Options struct {
	Color  color.NRGBA // tint for masked pixels, default red
	Alpha  float64     // tint opacity in [0, 1], default 0.8
	Labels bool        // also write the per-label colour map
	Logger zerolog.Logger
}

func (o *Options) defaults() {
	if o.Color == (color.NRGBA{}) {
		o.Color = color.NRGBA{R: 255, A: 255}
	}
	if o.Alpha == 0 {
		o.Alpha = 0.8
	}
}

// Tint composites c at alpha over every pixel of img where mask is nonzero.
// mask is resized with nearest neighbour when its size differs from img.
func Tint(img image.Image, mask *raster.Labels, c color.NRGBA, alpha float64) *image.NRGBA {
	out := imaging.Clone(img)
	mask = fit(mask, out.Bounds().Dx(), out.Bounds().Dy())
	a := math.Max(0, math.Min(1, alpha))
	for y := 0; y < mask.Height; y++ {
		for x, v := range mask.Row(y) {
			if v == 0 {
				continue
			}
			i := out.PixOffset(x, y)
			p := out.Pix[i : i+4]
			p[0] = blend(p[0], c.R, a)
			p[1] = blend(p[1], c.G, a)
			p[2] = blend(p[2], c.B, a)
			p[3] = blend(p[3], 255, a)
		}
	}
	return out
}

func blend(dst, src uint8, a float64) uint8 {
	return uint8(float64(dst)*(1-a) + float64(src)*a + 0.5)
}

// Compare places img and the mask's presence rendering side by side.
func Compare(img image.Image, mask *raster.Labels) *image.NRGBA {
	b := img.Bounds()
	mask = fit(mask, b.Dx(), b.Dy())
	out := imaging.New(b.Dx()*2, b.Dy(), color.Black)
	out = imaging.Paste(out, img, image.Pt(0, 0))
	return imaging.Paste(out, mask.Presence(), image.Pt(b.Dx(), 0))
}

// Colorize paints each label with a distinct, stable colour; background
// stays black.
func Colorize(l *raster.Labels) *image.NRGBA {
	out := image.NewNRGBA(l.Bounds())
	cache := make(map[int32]color.NRGBA)
	for y := 0; y < l.Height; y++ {
		for x, v := range l.Row(y) {
			c := color.NRGBA{A: 255}
			if v != 0 {
				var ok bool
				if c, ok = cache[v]; !ok {
					c = LabelColor(v)
					cache[v] = c
				}
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// LabelColor spreads labels around the HCL hue circle by the golden angle so
// neighbouring ids get visibly different colours.
func LabelColor(v int32) color.NRGBA {
	h := math.Mod(float64(v)*137.50776405, 360)
	r, g, b := colorful.Hcl(h, 0.6, 0.7).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// fit resizes l to w x h with nearest neighbour sampling.
func fit(l *raster.Labels, w, h int) *raster.Labels {
	if l.Width == w && l.Height == h {
		return l
	}
	out := raster.New(w, h)
	if l.Width == 0 || l.Height == 0 {
		return out
	}
	for y := 0; y < h; y++ {
		sy := y * l.Height / h
		for x := 0; x < w; x++ {
			out.Set(x, y, l.At(x*l.Width/w, sy))
		}
	}
	return out
}

// FindMask locates the stitched mask for stem in dir, preferring the 16-bit
// label PNG and falling back to the label array.
func FindMask(dir, stem string) (string, bool) {
	for _, name := range []string{
		stem + mosaic.MaskStitchedSuffix + ".png",
		stem + mosaic.StitchedSuffix + ".npy",
		stem + mosaic.StitchedSuffix + ".npy.zst",
	} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// Render writes the overlay, comparison and optional label map for one
// image and returns the paths written.
func Render(imgPath, maskPath, outDir string, opts Options) ([]string, error) {
	opts.defaults()
	img, err := imaging.Open(imgPath)
	if err != nil {
		return nil, err
	}
	mask, err := raster.Read(maskPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Base(imgPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	type output struct {
		suffix string
		render func() image.Image
	}
	outputs := []output{
		{OverlaySuffix, func() image.Image { return Tint(img, mask, opts.Color, opts.Alpha) }},
		{CompareSuffix, func() image.Image { return Compare(img, mask) }},
	}
	if opts.Labels {
		outputs = append(outputs, output{LabelsSuffix, func() image.Image { return Colorize(mask) }})
	}

	var written []string
	for _, o := range outputs {
		p := filepath.Join(outDir, stem+o.suffix)
		if err := imaging.Save(o.render(), p); err != nil {
			return written, fmt.Errorf("save %s: %w", p, err)
		}
		written = append(written, p)
	}
	return written, nil
}

// Dir renders every .png in imgDir that has a stitched mask in maskDir.
// Images without a mask are warned about and skipped.
func Dir(ctx context.Context, imgDir, maskDir, outDir string, opts Options) (*batch.Report, error) {
	log := opts.Logger.With().Str("component", "overlay").Logger()
	entries, err := os.ReadDir(imgDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	rep := &batch.Report{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		maskPath, ok := FindMask(maskDir, stem)
		if !ok {
			log.Warn().Str("stem", stem).Msg("mask not found")
			rep.Skip(name, os.ErrNotExist)
			continue
		}
		paths, err := Render(filepath.Join(imgDir, name), maskPath, outDir, opts)
		if err != nil {
			log.Error().Err(err).Str("file", name).Msg("failed to render overlay")
			rep.Fail(name, err)
			continue
		}
		log.Info().Str("stem", stem).Strs("outputs", paths).Msg("rendered")
		rep.Ok(name)
	}
	return rep, nil
}
