package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/internal/config"
	"github.com/PhantomInTheWire/cellmosaic/internal/logging"
	"github.com/PhantomInTheWire/cellmosaic/pkg/kube"
	"github.com/PhantomInTheWire/cellmosaic/pkg/split"
	"github.com/PhantomInTheWire/cellmosaic/pkg/storage"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// The controller splits one image, uploads the tiles and creates one
// segmentation Job per tile. Jobs PUT their masks under <prefix>/masks,
// where the stitcher picks them up.
func main() {
	cfg := config.FromEnv()
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("controller")
	}
	if len(os.Args) < 2 {
		fmt.Println("Usage: controller <image-path>")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	imagePath := os.Args[1]
	outDir := cfg.Stage(config.SplitDir)
	ctx := context.Background()

	rep, err := split.Image(imagePath, outDir, split.Options{
		TileHeight: cfg.TileHeight,
		TileWidth:  cfg.TileWidth,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("error splitting image")
	}
	log.Info().Stringer("report", rep).Msg("tiles created")

	store, err := storage.NewStore(ctx, cfg.Minio, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to object storage")
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatal().Err(err).Msg("bucket")
	}
	up, err := store.UploadDir(ctx, outDir, "tiles", ".png")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to upload tiles")
	}

	client, err := kube.NewClient(os.Getenv("KUBECONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("kubernetes client")
	}

	base := strings.TrimRight(getEnv("MINIO_CLUSTER_URL", "http://minio.default.svc:9000"), "/") + "/" +
		cfg.Minio.Bucket
	tileURL := base + "/" + store.Key("tiles")
	maskURL := base + "/" + store.Key("masks")
	modelURL := getEnv("MODEL_URL", base+"/"+store.Key("models"))

	for _, tile := range up.Done {
		job, err := kube.CreateSegmentJob(ctx, client, kube.SegmentJob{
			Namespace: cfg.Namespace,
			Tile:      filepath.Base(tile),
			TileURL:   tileURL,
			MaskURL:   maskURL,
			ModelURL:  modelURL,
			Params:    cfg.Segment,
		})
		if err != nil {
			log.Error().Err(err).Str("tile", tile).Msg("failed to create job")
			continue
		}
		log.Info().Str("tile", tile).Str("job", job.Name).Msg("job created")
	}
}
