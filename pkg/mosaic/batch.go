package mosaic

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

// DefaultExts are the mask tile extensions StitchDir looks for.
var DefaultExts = []string{".npy", ".npy.zst", ".npz"}

// DirOptions configures StitchDir.
type DirOptions struct {
	InputDir  string
	OutputDir string
	Exts      []string
	Mode      Mode
	Strict    bool
	Persist   PersistOptions
	// Workers is the number of stems stitched in parallel. Each stem gets its
	// own canvas and Counter.
	Workers int
	// Timeout bounds one stem's stitch; checked between tiles. 0 disables it.
	Timeout time.Duration
	Logger  zerolog.Logger
	// Read overrides raster.Read, mainly for tests.
	Read ReadFunc
}

// StitchDir discovers tile groups in InputDir and stitches each stem into
// OutputDir. Bad file names are skipped with a warning; a stem whose tiles
// cannot all be read is reported as failed and nothing is written for it.
// Other stems are unaffected. Only setup errors are returned.
func StitchDir(ctx context.Context, opts DirOptions) (*batch.Report, error) {
	if len(opts.Exts) == 0 {
		opts.Exts = DefaultExts
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	log := opts.Logger.With().Str("component", "stitch").Logger()

	groups, rep, err := Discover(opts.InputDir, opts.Exts, log)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		log.Warn().Str("dir", opts.InputDir).Strs("exts", opts.Exts).Msg("no tiles found")
		return rep, nil
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}

	sem := make(chan struct{}, opts.Workers)
	var wg sync.WaitGroup
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(g *Group) {
			defer wg.Done()
			defer func() { <-sem }()

			slog := log.With().Str("stem", g.Stem).Logger()
			paths, err := StitchGroup(ctx, g, opts, slog)
			var empty *EmptyGroupError
			switch {
			case errors.As(err, &empty):
				slog.Warn().Msg("no tiles for stem, skipping")
				rep.Skip(g.Stem, err)
			case err != nil:
				ev := slog.Error().Err(err)
				var terr *raster.TileReadError
				if errors.As(err, &terr) {
					ev = ev.Str("path", terr.Path)
				}
				ev.Msg("failed to stitch stem")
				rep.Fail(g.Stem, err)
			default:
				slog.Info().Strs("outputs", paths).Msg("stitched")
				rep.Ok(g.Stem)
			}
		}(g)
	}
	wg.Wait()
	return rep, ctx.Err()
}

// StitchGroup lays out, stitches and saves one stem.
func StitchGroup(ctx context.Context, g *Group, opts DirOptions, log zerolog.Logger) ([]string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	start := time.Now()

	tiles, err := g.Tiles()
	if err != nil {
		return nil, err
	}
	layout, err := NewLayout(g.Stem, tiles)
	if err != nil {
		return nil, err
	}
	for _, m := range layout.Mismatches {
		log.Warn().Str("tile", m.ID.String()).Str("axis", m.Axis).Int("size", m.Got).Int("expected", m.Want).
			Msg("tile size disagrees with its row/column")
	}

	read := opts.Read
	if read == nil {
		read = raster.Read
	}
	res, err := Stitch(layout, tiles, StitchOptions{
		Mode:    opts.Mode,
		Strict:  opts.Strict,
		Counter: NewCounter(),
		Read: func(path string) (*raster.Labels, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return read(path)
		},
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Int("tiles", len(tiles)).Int("height", layout.Height).Int("width", layout.Width).
		Int("instances", res.Instances).Dur("took", time.Since(start)).Msg("stitch complete")
	return res.Save(opts.OutputDir, g.Stem, opts.Persist)
}
