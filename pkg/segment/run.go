package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

// ErrEmptyChannel marks a tile skipped because its segmentation channel holds
// no signal.
var ErrEmptyChannel = errors.New("segmentation channel is empty")

// RunOptions configures Run.
type RunOptions struct {
	InputDir  string
	OutputDir string
	Params    Params
	Workers   int
	New       Factory
	// OutExt selects the mask format: ".npy" (default), ".npy.zst" or ".npz".
	OutExt string
	Logger zerolog.Logger
}

type task struct {
	id   tilename.Identity
	path string
}

// Run segments every image tile in InputDir with Workers backends in
// parallel and writes <stem>_<row>_<col><OutExt> to OutputDir. Tiles whose
// channel is empty are skipped; a failing tile is logged and the rest
// continue. Backends are created up front so a bad model fails the run
// before any tile is touched.
func Run(ctx context.Context, opts RunOptions) (*batch.Report, error) {
	if opts.New == nil {
		return nil, errors.New("segment: no backend factory")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.OutExt == "" {
		opts.OutExt = ".npy"
	}
	log := opts.Logger.With().Str("component", "segment").Logger()

	rep := &batch.Report{}
	tasks, err := listTiles(opts.InputDir, rep, log)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		log.Warn().Str("dir", opts.InputDir).Msg("no tiles to segment")
		return rep, nil
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}

	workers := min(opts.Workers, len(tasks))
	segs := make([]Segmenter, 0, workers)
	defer func() {
		for _, s := range segs {
			s.Close()
		}
	}()
	for i := 0; i < workers; i++ {
		s, err := opts.New()
		if err != nil {
			return nil, fmt.Errorf("create backend %d: %w", i, err)
		}
		segs = append(segs, s)
	}
	log.Info().Int("tiles", len(tasks)).Int("workers", workers).Msg("segmenting")

	queue := make(chan task)
	var wg sync.WaitGroup
	for _, s := range segs {
		wg.Add(1)
		go func(s Segmenter) {
			defer wg.Done()
			for t := range queue {
				runTile(ctx, s, t, opts, rep, log)
			}
		}(s)
	}

dispatch:
	for _, t := range tasks {
		select {
		case queue <- t:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()
	return rep, ctx.Err()
}

func runTile(ctx context.Context, s Segmenter, t task, opts RunOptions, rep *batch.Report, log zerolog.Logger) {
	name := filepath.Base(t.path)
	start := time.Now()

	img, err := imaging.Open(t.path)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("cannot open tile, skipping")
		rep.Skip(name, err)
		return
	}
	if raster.ChannelEmpty(img, opts.Params.Channels[0]) {
		log.Warn().Str("file", name).Int("channel", opts.Params.Channels[0]).Msg("channel empty, skipping")
		rep.Skip(name, ErrEmptyChannel)
		return
	}

	labels, err := s.Segment(ctx, img, opts.Params)
	if err != nil {
		log.Error().Err(err).Str("file", name).Msg("segmentation failed")
		rep.Fail(name, err)
		return
	}

	out := filepath.Join(opts.OutputDir, tilename.Encode(t.id.Stem, t.id.Row, t.id.Col, opts.OutExt))
	if opts.OutExt == ".npz" {
		err = raster.WriteArchive(out, labels)
	} else {
		err = raster.WriteNPY(out, labels)
	}
	if err != nil {
		log.Error().Err(err).Str("file", out).Msg("error writing mask")
		rep.Fail(name, err)
		return
	}
	log.Debug().Str("file", name).Int("instances", len(labels.Distinct())).Dur("took", time.Since(start)).Msg("segmented")
	rep.Ok(name)
}

// listTiles returns the image tiles of dir in name order. Training masks and
// names without a tile position are recorded as skipped.
func listTiles(dir string, rep *batch.Report, log zerolog.Logger) ([]task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var tasks []task
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".tif", ".tiff":
		default:
			continue
		}
		n, err := tilename.Parse(e.Name())
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("skipping unrecognized file name")
			rep.Skip(e.Name(), err)
			continue
		}
		if n.Mask {
			continue
		}
		tasks = append(tasks, task{id: n.Identity, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id.Less(tasks[j].id) })
	return tasks, nil
}
