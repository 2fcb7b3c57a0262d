package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/internal/config"
	"github.com/PhantomInTheWire/cellmosaic/internal/logging"
	"github.com/PhantomInTheWire/cellmosaic/pkg/mosaic"
	"github.com/PhantomInTheWire/cellmosaic/pkg/storage"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

// The stitcher runs as a batch container: it reads mask tiles from
// MASK_DIR (optionally pulled from object storage first), writes mosaics
// to STITCHED_DIR and optionally pushes them back.
func main() {
	cfg := config.FromEnv()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("sticher")
	}

	in := getEnv("MASK_DIR", cfg.Stage(config.MaskDir))
	out := getEnv("STITCHED_DIR", cfg.Stage(config.StitchedDir))
	timeout, _ := time.ParseDuration(getEnv("STITCH_TIMEOUT", "0s"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *storage.Store
	if getEnvBool("SYNC_STORAGE") {
		store, err = storage.NewStore(ctx, cfg.Minio, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connecting to object storage")
		}
		rep, err := store.DownloadPrefix(ctx, "masks", in)
		if err != nil {
			log.Fatal().Err(err).Msg("downloading mask tiles")
		}
		log.Info().Stringer("report", rep).Msg("mask tiles downloaded")
	}

	persist := mosaic.DefaultPersist()
	persist.Compress = getEnvBool("COMPRESS")
	persist.LabelPNG = getEnvBool("LABEL_PNG")
	if p := getEnv("PRESENCE", "png"); p != "none" {
		persist.Presence = p
	} else {
		persist.Presence = ""
	}
	mode := mosaic.Renumber
	if strings.EqualFold(getEnv("STITCH_MODE", "renumber"), "paste") {
		mode = mosaic.Paste
	}
	exts := mosaic.DefaultExts
	if store != nil {
		// cluster jobs upload 16-bit PNG masks
		exts = []string{".png"}
	}
	if v := os.Getenv("TILE_EXTS"); v != "" {
		exts = strings.Split(v, ",")
	}

	start := time.Now()
	rep, err := mosaic.StitchDir(ctx, mosaic.DirOptions{
		InputDir:  in,
		OutputDir: out,
		Exts:      exts,
		Mode:      mode,
		Strict:    getEnvBool("STRICT"),
		Persist:   persist,
		Workers:   cfg.Workers,
		Timeout:   timeout,
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("stitching")
	}
	log.Info().Stringer("report", rep).Dur("took", time.Since(start)).Msg("stitching complete")

	if store != nil {
		up, err := store.UploadDir(ctx, out, "stitched")
		if err != nil {
			log.Fatal().Err(err).Msg("uploading mosaics")
		}
		log.Info().Stringer("report", up).Msg("mosaics uploaded")
	}
	if len(rep.Failed) > 0 {
		os.Exit(1)
	}
}
