package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/internal/config"
	"github.com/PhantomInTheWire/cellmosaic/internal/logging"
	"github.com/PhantomInTheWire/cellmosaic/pkg/mosaic"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
	"github.com/PhantomInTheWire/cellmosaic/pkg/segment"
	"github.com/PhantomInTheWire/cellmosaic/pkg/split"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

var (
	cfg       = config.FromEnv()
	inputDir  = filepath.Join(cfg.SharedDir, "input")
	outputDir = filepath.Join(cfg.SharedDir, "output")
)

func checkErr(log zerolog.Logger, err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("local-bench")
	}
}

type timings struct {
	load, segment, stitch, save time.Duration
}

func main() {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	checkErr(zerolog.New(os.Stderr), err)
	checkErr(log, cfg.Validate())
	checkErr(log, os.MkdirAll(outputDir, 0o755))

	var inputs []string
	checkErr(log, filepath.Walk(inputDir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() && strings.EqualFold(filepath.Ext(p), ".png") {
			inputs = append(inputs, p)
		}
		return nil
	}))
	if len(inputs) == 0 {
		log.Warn().Str("dir", inputDir).Msg("no PNGs found")
		return
	}

	// Create the VM pool once
	segs := make([]segment.Segmenter, cfg.Workers)
	for i := range segs {
		s, err := segment.NewWasm(cfg.ModelPath())
		checkErr(log, err)
		segs[i] = s
	}
	defer func() {
		for _, s := range segs {
			s.Close()
		}
	}()

	log.Info().Int("images", len(inputs)).Int("workers", cfg.Workers).Msg("benchmarking")
	total := time.Now()
	for _, file := range inputs {
		t, err := processImage(context.Background(), file, segs, log)
		if err != nil {
			log.Error().Err(err).Str("file", file).Msg("failed")
			continue
		}
		log.Info().Str("file", filepath.Base(file)).
			Dur("load", t.load).Dur("segment", t.segment).Dur("stitch", t.stitch).Dur("save", t.save).
			Msg("done")
	}
	log.Info().Dur("took", time.Since(total)).Msg("benchmark complete")
}

// processImage tiles one image in memory, segments the tiles across the VM
// pool and stitches the masks without touching disk until the final save.
func processImage(ctx context.Context, file string, segs []segment.Segmenter, log zerolog.Logger) (timings, error) {
	var t timings
	start := time.Now()
	src, err := imaging.Open(file)
	if err != nil {
		return t, err
	}
	stem := tilename.Stem(file)
	b := src.Bounds()
	cells, err := split.Grid(b.Dy(), b.Dx(), cfg.TileHeight, cfg.TileWidth)
	if err != nil {
		return t, err
	}

	type task struct {
		cell split.Cell
		tile image.Image
	}
	type result struct {
		cell   split.Cell
		labels *raster.Labels
		err    error
	}

	tasks := make(chan task)
	results := make(chan result)

	// launch workers
	for _, s := range segs {
		go func(s segment.Segmenter) {
			for tk := range tasks {
				l, err := s.Segment(ctx, tk.tile, cfg.Segment)
				results <- result{tk.cell, l, err}
			}
		}(s)
	}

	// dispatch
	go func() {
		for _, c := range cells {
			tasks <- task{c, imaging.Crop(src, c.Rect.Add(b.Min))}
		}
		close(tasks)
	}()
	t.load = time.Since(start)

	// collect
	segStart := time.Now()
	masks := make(map[string]*raster.Labels, len(cells))
	tiles := make([]mosaic.Tile, 0, len(cells))
	var firstErr error
	for range cells {
		res := <-results
		if res.err != nil {
			log.Warn().Err(res.err).Int("row", res.cell.Row).Int("col", res.cell.Col).Msg("tile failed")
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		key := tilename.Encode(stem, res.cell.Row, res.cell.Col, ".npy")
		masks[key] = res.labels
		tiles = append(tiles, mosaic.Tile{
			ID:     tilename.Identity{Stem: stem, Row: res.cell.Row, Col: res.cell.Col},
			Path:   key,
			Height: res.labels.Height,
			Width:  res.labels.Width,
		})
	}
	t.segment = time.Since(segStart)
	if firstErr != nil {
		return t, fmt.Errorf("segment %s: %w", stem, firstErr)
	}

	// stitch
	stitchStart := time.Now()
	layout, err := mosaic.NewLayout(stem, tiles)
	if err != nil {
		return t, err
	}
	res, err := mosaic.Stitch(layout, tiles, mosaic.StitchOptions{
		Read: func(p string) (*raster.Labels, error) { return masks[p], nil },
	})
	if err != nil {
		return t, err
	}
	t.stitch = time.Since(stitchStart)

	saveStart := time.Now()
	if _, err := res.Save(outputDir, stem, mosaic.DefaultPersist()); err != nil {
		return t, err
	}
	t.save = time.Since(saveStart)
	log.Debug().Str("stem", stem).Int("tiles", len(tiles)).Int("instances", res.Instances).Msg("stitched")
	return t, nil
}
