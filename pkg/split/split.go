package split

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

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

// Cell is one tile of a grid: its row/column and the pixel rectangle it covers.
type Cell struct {
	Row, Col int
	Rect     image.Rectangle
}

// Grid partitions a height x width raster into ceil(H/th) x ceil(W/tw) cells
// in row-major order. Edge cells are clipped to the raster, never padded.
func Grid(height, width, tileH, tileW int) ([]Cell, error) {
	if tileH <= 0 || tileW <= 0 {
		return nil, fmt.Errorf("split: tile size must be positive, got %dx%d", tileH, tileW)
	}
	if height < 0 || width < 0 {
		return nil, fmt.Errorf("split: negative raster size %dx%d", height, width)
	}
	rows := (height + tileH - 1) / tileH
	cols := (width + tileW - 1) / tileW

	cells := make([]Cell, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x0, y0 := c*tileW, r*tileH
			cells = append(cells, Cell{
				Row:  r,
				Col:  c,
				Rect: image.Rect(x0, y0, min(x0+tileW, width), min(y0+tileH, height)),
			})
		}
	}
	return cells, nil
}

// Options controls how tiles are written.
type Options struct {
	TileHeight int
	TileWidth  int
	Ext        string // output extension, default ".png"
	Logger     zerolog.Logger

	// save is swapped in tests to simulate write failures.
	save func(img image.Image, path string) error
}

func (o *Options) defaults() {
	if o.Ext == "" {
		o.Ext = ".png"
	}
	if o.save == nil {
		o.save = func(img image.Image, path string) error { return imaging.Save(img, path) }
	}
}

// Image splits the image at inPath into tiles named <stem>_<row>_<col><ext>
// in outDir. A tile that fails to save is logged and recorded; the remaining
// tiles are still written.
func Image(inPath, outDir string, opts Options) (*batch.Report, error) {
	opts.defaults()
	src, err := imaging.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inPath, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	return Raster(src, tilename.Stem(inPath), outDir, opts)
}

// Raster splits an in-memory image. See Image.
func Raster(src image.Image, stem, outDir string, opts Options) (*batch.Report, error) {
	opts.defaults()
	b := src.Bounds()
	cells, err := Grid(b.Dy(), b.Dx(), opts.TileHeight, opts.TileWidth)
	if err != nil {
		return nil, err
	}
	log := opts.Logger.With().Str("component", "split").Str("stem", stem).Logger()
	log.Debug().Int("height", b.Dy()).Int("width", b.Dx()).Int("tiles", len(cells)).Msg("splitting")

	rep := &batch.Report{}
	for _, c := range cells {
		name := tilename.Encode(stem, c.Row, c.Col, opts.Ext)
		tile := imaging.Crop(src, c.Rect.Add(b.Min))
		if err := opts.save(tile, filepath.Join(outDir, name)); err != nil {
			log.Error().Err(err).Str("tile", name).Msg("failed to save tile")
			rep.Fail(name, err)
			continue
		}
		log.Debug().Str("tile", name).Msg("saved tile")
		rep.Ok(name)
	}
	return rep, nil
}

// Dir splits every .png/.tif image in srcDir. A file that cannot be opened is
// logged and skipped.
func Dir(ctx context.Context, srcDir, outDir string, opts Options) (*batch.Report, error) {
	opts.defaults()
	log := opts.Logger.With().Str("component", "split").Logger()
	inputs, err := listImages(srcDir)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		log.Warn().Str("dir", srcDir).Msg("no images found")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	total := &batch.Report{}
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rep, err := Image(in, outDir, opts)
		if err != nil {
			log.Error().Err(err).Str("file", in).Msg("error splitting file")
			total.Fail(filepath.Base(in), err)
			continue
		}
		total.Merge(rep)
	}
	return total, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".tif", ".tiff":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
