package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/internal/config"
	"github.com/PhantomInTheWire/cellmosaic/internal/logging"
	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/convert"
	"github.com/PhantomInTheWire/cellmosaic/pkg/geojson"
	"github.com/PhantomInTheWire/cellmosaic/pkg/kube"
	"github.com/PhantomInTheWire/cellmosaic/pkg/metrics"
	"github.com/PhantomInTheWire/cellmosaic/pkg/mosaic"
	"github.com/PhantomInTheWire/cellmosaic/pkg/overlay"
	"github.com/PhantomInTheWire/cellmosaic/pkg/segment"
	"github.com/PhantomInTheWire/cellmosaic/pkg/split"
	"github.com/PhantomInTheWire/cellmosaic/pkg/storage"
)

const desc = `Tiles whole-slide images, segments the tiles and stitches the per-tile instance masks back into one labeled mosaic.`

type Globals struct {
	LogLevel  string `env:"LOG_LEVEL" default:"${log_level}" enum:"debug,info,warn,warning,error" help:"Log level."`
	LogFormat string `env:"LOG_FORMAT" default:"${log_format}" enum:"console,json" help:"Log output format."`
	SharedDir string `env:"SHARED_DIR" default:"${shared_dir}" help:"Root of the stage directories."`
	Workers   int    `env:"MAX_WORKERS" default:"${workers}" help:"Parallel workers."`

	cfg config.Config
	log zerolog.Logger
	ctx context.Context
}

type TileFlags struct {
	TileHeight int `env:"TILE_HEIGHT" default:"${tile_height}" help:"Tile height in pixels."`
	TileWidth  int `env:"TILE_WIDTH" default:"${tile_width}" help:"Tile width in pixels."`
}

type SegmentFlags struct {
	Model     string   `env:"WASM_MODEL" default:"${wasm_model}" help:"WASM segmentation module."`
	Exec      []string `help:"Run this external command per tile instead of the WASM module ({dir} {in} {out} {in_path} {out_path} are substituted)." sep:"none"`
	Diameter  float64  `default:"0" help:"Expected object diameter; 0 estimates it."`
	Channels  []int    `default:"${channels}" help:"Segment and nucleus channels: 0 gray, 1 R, 2 G, 3 B."`
	BatchSize int      `default:"${batch_size}" help:"Model batch size."`
	BlockSize int      `default:"${block_size}" help:"Model block size."`
	Overlap   float64  `default:"${overlap}" help:"Model block overlap fraction."`
}

func (f SegmentFlags) params() (segment.Params, error) {
	if len(f.Channels) != 2 {
		return segment.Params{}, fmt.Errorf("--channels needs two values, got %d", len(f.Channels))
	}
	return segment.Params{
		Diameter:  f.Diameter,
		Channels:  [2]int{f.Channels[0], f.Channels[1]},
		BatchSize: f.BatchSize,
		BlockSize: f.BlockSize,
		Overlap:   f.Overlap,
	}, nil
}

func (f SegmentFlags) factory(shared string) segment.Factory {
	if len(f.Exec) > 0 {
		return segment.ExecFactory(f.Exec, ".npy")
	}
	model := f.Model
	if !filepath.IsAbs(model) {
		model = filepath.Join(shared, model)
	}
	return segment.WasmFactory(model)
}

type StitchFlags struct {
	Mode     string        `default:"renumber" enum:"renumber,paste" help:"Renumber labels per tile or paste them verbatim."`
	Strict   bool          `help:"Fail a stem when tiles overlap."`
	Compress bool          `help:"Write the label array as .npy.zst."`
	Presence string        `default:"png" enum:"png,tif,none" help:"Presence mask format."`
	LabelPNG bool          `help:"Also write a 16-bit <stem>_mask_stitched.png."`
	Timeout  time.Duration `default:"0s" help:"Per-stem stitch timeout; 0 disables it."`
	Exts     []string      `help:"Tile extensions to stitch." default:".npy,.npy.zst,.npz"`
}

func (f StitchFlags) options(in, out string, g *Globals) mosaic.DirOptions {
	persist := mosaic.PersistOptions{NPY: true, Compress: f.Compress, Presence: f.Presence, LabelPNG: f.LabelPNG}
	if f.Presence == "none" {
		persist.Presence = ""
	}
	mode := mosaic.Renumber
	if f.Mode == "paste" {
		mode = mosaic.Paste
	}
	return mosaic.DirOptions{
		InputDir:  in,
		OutputDir: out,
		Exts:      f.Exts,
		Mode:      mode,
		Strict:    f.Strict,
		Persist:   persist,
		Workers:   g.Workers,
		Timeout:   f.Timeout,
		Logger:    g.log,
	}
}

type ConvertCmd struct {
	In    string  `help:"Directory of .tif scans." default:"" placeholder:"DIR"`
	Out   string  `help:"Directory for downscaled PNGs." default:"" placeholder:"DIR"`
	Scale float64 `env:"SCALING_FACTOR" default:"${scale}" help:"Downscale factor."`
}

func (c *ConvertCmd) Run(g *Globals) error {
	in, out := or(c.In, g.cfg.Stage(config.TIFDir)), or(c.Out, g.cfg.Stage(config.PNGDir))
	rep, err := convert.Dir(g.ctx, in, out, convert.Options{Scale: c.Scale, Normalize: true, Logger: g.log})
	return finish(g.log, "convert", rep, err)
}

type SplitCmd struct {
	TileFlags
	In  string `help:"Image file or directory of images." default:"" placeholder:"PATH"`
	Out string `help:"Directory for tiles." default:"" placeholder:"DIR"`
	Ext string `default:".png" help:"Tile file extension."`
}

func (c *SplitCmd) Run(g *Globals) error {
	in, out := or(c.In, g.cfg.Stage(config.PNGDir)), or(c.Out, g.cfg.Stage(config.SplitDir))
	opts := split.Options{TileHeight: c.TileHeight, TileWidth: c.TileWidth, Ext: c.Ext, Logger: g.log}
	fi, err := os.Stat(in)
	if err != nil {
		return err
	}
	var rep *batch.Report
	if fi.IsDir() {
		rep, err = split.Dir(g.ctx, in, out, opts)
	} else {
		rep, err = split.Image(in, out, opts)
	}
	return finish(g.log, "split", rep, err)
}

type PairsCmd struct {
	TileFlags
	Images string `required:"" help:"Directory of <stem>.tif images." placeholder:"DIR"`
	Masks  string `required:"" help:"Directory of <stem>_masks.tif label masks." placeholder:"DIR"`
	Out    string `required:"" help:"Directory for training tiles." placeholder:"DIR"`
}

func (c *PairsCmd) Run(g *Globals) error {
	rep, err := split.PairDir(g.ctx, c.Images, c.Masks, c.Out, split.PairOptions{
		TileHeight: c.TileHeight,
		TileWidth:  c.TileWidth,
		Logger:     g.log,
	})
	return finish(g.log, "pairs", rep, err)
}

type SegmentCmd struct {
	SegmentFlags
	In     string `help:"Directory of image tiles." default:"" placeholder:"DIR"`
	Out    string `help:"Directory for mask tiles." default:"" placeholder:"DIR"`
	OutExt string `default:".npy" enum:".npy,.npy.zst,.npz" help:"Mask tile format."`
}

func (c *SegmentCmd) Run(g *Globals) error {
	p, err := c.params()
	if err != nil {
		return err
	}
	rep, err := segment.Run(g.ctx, segment.RunOptions{
		InputDir:  or(c.In, g.cfg.Stage(config.SplitDir)),
		OutputDir: or(c.Out, g.cfg.Stage(config.MaskDir)),
		Params:    p,
		Workers:   g.Workers,
		New:       c.factory(g.SharedDir),
		OutExt:    c.OutExt,
		Logger:    g.log,
	})
	return finish(g.log, "segment", rep, err)
}

type StitchCmd struct {
	StitchFlags
	In  string `help:"Directory of mask tiles." default:"" placeholder:"DIR"`
	Out string `help:"Directory for mosaics." default:"" placeholder:"DIR"`
}

func (c *StitchCmd) Run(g *Globals) error {
	in, out := or(c.In, g.cfg.Stage(config.MaskDir)), or(c.Out, g.cfg.Stage(config.StitchedDir))
	rep, err := mosaic.StitchDir(g.ctx, c.options(in, out, g))
	return finish(g.log, "stitch", rep, err)
}

type GeoJSONCmd struct {
	In    string  `help:"Directory of stitched .npy masks." default:"" placeholder:"DIR"`
	Out   string  `help:"Directory for .geojson files." default:"" placeholder:"DIR"`
	Scale float64 `env:"SCALING_FACTOR" default:"${scale}" help:"Factor the masks were downscaled by."`
}

func (c *GeoJSONCmd) Run(g *Globals) error {
	in, out := or(c.In, g.cfg.Stage(config.StitchedDir)), or(c.Out, g.cfg.Stage(config.GeoJSONDir))
	rep, err := geojson.Dir(g.ctx, in, out, c.Scale, g.log)
	return finish(g.log, "geojson", rep, err)
}

type OverlayCmd struct {
	Images string  `help:"Directory of source PNGs." default:"" placeholder:"DIR"`
	Masks  string  `help:"Directory of stitched masks." default:"" placeholder:"DIR"`
	Out    string  `help:"Directory for renders." default:"" placeholder:"DIR"`
	Alpha  float64 `default:"0.8" help:"Tint opacity."`
	Labels bool    `help:"Also write a colour-per-label map."`
}

func (c *OverlayCmd) Run(g *Globals) error {
	rep, err := overlay.Dir(g.ctx,
		or(c.Images, g.cfg.Stage(config.PNGDir)),
		or(c.Masks, g.cfg.Stage(config.StitchedDir)),
		or(c.Out, g.cfg.Stage(config.OutputDir)),
		overlay.Options{Alpha: c.Alpha, Labels: c.Labels, Logger: g.log},
	)
	return finish(g.log, "overlay", rep, err)
}

type MetricsCmd struct {
	GT               string  `required:"" help:"Directory of ground-truth .geojson." placeholder:"DIR"`
	Pred             string  `required:"" help:"Directory of predicted .geojson." placeholder:"DIR"`
	Out              string  `default:"metrics.csv" help:"CSV report path."`
	Threshold        float64 `default:"0.5" help:"IoU threshold for a true positive."`
	EnforceThreshold bool    `help:"Apply --threshold when matching."`
}

func (c *MetricsCmd) Run(g *Globals) error {
	_, rep, err := metrics.Dir(g.ctx, c.GT, c.Pred, c.Out, metrics.Options{
		Threshold:        c.Threshold,
		EnforceThreshold: c.EnforceThreshold,
		Logger:           g.log,
	})
	return finish(g.log, "metrics", rep, err)
}

type UploadCmd struct {
	Dir    string   `arg:"" help:"Local directory."`
	Subdir string   `default:"" help:"Key prefix below the store prefix."`
	Ext    []string `help:"Only upload these extensions."`
}

func (c *UploadCmd) Run(g *Globals) error {
	s, err := storage.NewStore(g.ctx, g.cfg.Minio, g.log)
	if err != nil {
		return err
	}
	if err := s.EnsureBucket(g.ctx); err != nil {
		return err
	}
	rep, err := s.UploadDir(g.ctx, c.Dir, c.Subdir, c.Ext...)
	return finish(g.log, "upload", rep, err)
}

type DownloadCmd struct {
	Subdir string `arg:"" help:"Key prefix below the store prefix."`
	Dir    string `arg:"" help:"Local directory."`
}

func (c *DownloadCmd) Run(g *Globals) error {
	s, err := storage.NewStore(g.ctx, g.cfg.Minio, g.log)
	if err != nil {
		return err
	}
	rep, err := s.DownloadPrefix(g.ctx, c.Subdir, c.Dir)
	return finish(g.log, "download", rep, err)
}

type DispatchCmd struct {
	SegmentFlags
	Tiles      string `help:"Directory of tiles already uploaded." default:"" placeholder:"DIR"`
	TileURL    string `required:"" help:"Base URL the jobs fetch tiles from."`
	MaskURL    string `help:"Base URL the jobs upload masks to (default <tile-url>/masks)."`
	ModelURL   string `required:"" help:"Base URL serving segment.wasm."`
	Image      string `default:"${job_image}" help:"Processor container image."`
	Namespace  string `env:"KUBE_NAMESPACE" default:"${namespace}" help:"Kubernetes namespace."`
	Kubeconfig string `help:"Path to kubeconfig (default ~/.kube/config, then in-cluster)."`
}

func (c *DispatchCmd) Run(g *Globals) error {
	p, err := c.params()
	if err != nil {
		return err
	}
	client, err := kube.NewClient(c.Kubeconfig)
	if err != nil {
		return err
	}
	dir := or(c.Tiles, g.cfg.Stage(config.SplitDir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	rep := &batch.Report{}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		job, err := kube.CreateSegmentJob(g.ctx, client, kube.SegmentJob{
			Namespace: c.Namespace,
			Tile:      e.Name(),
			TileURL:   c.TileURL,
			MaskURL:   c.MaskURL,
			ModelURL:  c.ModelURL,
			Image:     c.Image,
			Params:    p,
		})
		if err != nil {
			g.log.Error().Err(err).Str("tile", e.Name()).Msg("failed to create job")
			rep.Fail(e.Name(), err)
			continue
		}
		g.log.Info().Str("tile", e.Name()).Str("job", job.Name).Msg("job created")
		rep.Ok(e.Name())
	}
	return finish(g.log, "dispatch", rep, nil)
}

type PipelineCmd struct {
	TileFlags
	SegmentFlags
	StitchFlags
	Scale float64 `env:"SCALING_FACTOR" default:"${scale}" help:"Downscale factor."`
}

// Run chains convert, split, segment, stitch, geojson and overlay over the
// stage directories of SharedDir.
func (c *PipelineCmd) Run(g *Globals) error {
	p, err := c.params()
	if err != nil {
		return err
	}
	cfg := g.cfg
	start := time.Now()
	stages := []struct {
		name string
		run  func() (*batch.Report, error)
	}{
		{"convert", func() (*batch.Report, error) {
			return convert.Dir(g.ctx, cfg.Stage(config.TIFDir), cfg.Stage(config.PNGDir),
				convert.Options{Scale: c.Scale, Normalize: true, Logger: g.log})
		}},
		{"split", func() (*batch.Report, error) {
			return split.Dir(g.ctx, cfg.Stage(config.PNGDir), cfg.Stage(config.SplitDir),
				split.Options{TileHeight: c.TileHeight, TileWidth: c.TileWidth, Logger: g.log})
		}},
		{"segment", func() (*batch.Report, error) {
			return segment.Run(g.ctx, segment.RunOptions{
				InputDir:  cfg.Stage(config.SplitDir),
				OutputDir: cfg.Stage(config.MaskDir),
				Params:    p,
				Workers:   g.Workers,
				New:       c.factory(g.SharedDir),
				Logger:    g.log,
			})
		}},
		{"stitch", func() (*batch.Report, error) {
			opts := c.options(cfg.Stage(config.MaskDir), cfg.Stage(config.StitchedDir), g)
			return mosaic.StitchDir(g.ctx, opts)
		}},
		{"geojson", func() (*batch.Report, error) {
			return geojson.Dir(g.ctx, cfg.Stage(config.StitchedDir), cfg.Stage(config.GeoJSONDir), c.Scale, g.log)
		}},
		{"overlay", func() (*batch.Report, error) {
			return overlay.Dir(g.ctx, cfg.Stage(config.PNGDir), cfg.Stage(config.StitchedDir), cfg.Stage(config.OutputDir),
				overlay.Options{Logger: g.log})
		}},
	}
	for _, st := range stages {
		t := time.Now()
		rep, err := st.run()
		if err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
		g.log.Info().Str("stage", st.name).Stringer("report", rep).Dur("took", time.Since(t)).Msg("stage complete")
	}
	g.log.Info().Dur("took", time.Since(start)).Msg("pipeline complete")
	return nil
}

var cli struct {
	Globals

	Convert  ConvertCmd  `cmd:"" help:"Convert .tif scans to downscaled PNGs."`
	Split    SplitCmd    `cmd:"" help:"Split images into <stem>_<row>_<col> tiles."`
	Pairs    PairsCmd    `cmd:"" help:"Cut padded image/mask training tiles."`
	Segment  SegmentCmd  `cmd:"" help:"Segment image tiles into label masks."`
	Stitch   StitchCmd   `cmd:"" help:"Stitch mask tiles into one mosaic per stem."`
	GeoJSON  GeoJSONCmd  `cmd:"" name:"geojson" help:"Trace stitched masks into GeoJSON polygons."`
	Overlay  OverlayCmd  `cmd:"" help:"Render overlays and comparisons."`
	Metrics  MetricsCmd  `cmd:"" help:"Score predicted against ground-truth GeoJSON."`
	Upload   UploadCmd   `cmd:"" help:"Upload a directory to object storage."`
	Download DownloadCmd `cmd:"" help:"Download a prefix from object storage."`
	Dispatch DispatchCmd `cmd:"" help:"Create one Kubernetes segmentation job per tile."`
	Pipeline PipelineCmd `cmd:"" help:"Run convert through overlay over the shared stage directories."`
}

func main() {
	cfg := config.FromEnv()
	kctx := kong.Parse(&cli,
		kong.Name("cellmosaic"),
		kong.Description(desc),
		kong.UsageOnError(),
		kong.Vars{
			"log_level":   cfg.LogLevel,
			"log_format":  cfg.LogFormat,
			"shared_dir":  cfg.SharedDir,
			"workers":     strconv.Itoa(cfg.Workers),
			"tile_height": strconv.Itoa(cfg.TileHeight),
			"tile_width":  strconv.Itoa(cfg.TileWidth),
			"scale":       strconv.FormatFloat(cfg.Scale, 'g', -1, 64),
			"wasm_model":  cfg.WasmModel,
			"channels":    fmt.Sprintf("%d,%d", cfg.Segment.Channels[0], cfg.Segment.Channels[1]),
			"batch_size":  strconv.Itoa(cfg.Segment.BatchSize),
			"block_size":  strconv.Itoa(cfg.Segment.BlockSize),
			"overlap":     strconv.FormatFloat(cfg.Segment.Overlap, 'g', -1, 64),
			"namespace":   cfg.Namespace,
			"job_image":   kube.DefaultImage,
		},
	)

	log, err := logging.New(cli.LogLevel, cli.LogFormat, os.Stderr)
	kctx.FatalIfErrorf(err)

	cfg.SharedDir = cli.SharedDir
	cfg.Workers = cli.Workers
	cfg.LogLevel = cli.LogLevel
	kctx.FatalIfErrorf(cfg.Validate())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli.Globals.cfg = cfg
	cli.Globals.log = log
	cli.Globals.ctx = ctx
	if err := kctx.Run(&cli.Globals); err != nil {
		log.Error().Err(err).Str("command", kctx.Command()).Msg("command failed")
		stop()
		os.Exit(1)
	}
}

// finish logs a batch summary and turns failed items into a non-zero exit.
func finish(log zerolog.Logger, stage string, rep *batch.Report, err error) error {
	if err != nil {
		return err
	}
	if rep == nil {
		return nil
	}
	for _, it := range rep.Failed {
		log.Error().Str("stage", stage).Str("item", it.Name).Err(it.Err).Msg("failed")
	}
	log.Info().Str("stage", stage).Stringer("report", rep).Msg("done")
	if len(rep.Failed) > 0 {
		return fmt.Errorf("%s: %d item(s) failed", stage, len(rep.Failed))
	}
	return nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
