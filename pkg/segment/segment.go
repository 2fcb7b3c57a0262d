// Package segment runs an instance segmentation model over image tiles and
// writes one label array per tile, named so the mosaic stitcher can pick
// them up.
package segment

import (
	"context"
	"image"

	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

// Params are the model knobs forwarded to every backend.
type Params struct {
	// Diameter is the expected object diameter in pixels; 0 lets the model
	// estimate it.
	Diameter float64
	// Channels is (segment, nucleus): 0 gray, 1 red, 2 green, 3 blue.
	Channels [2]int
	// BatchSize is how many sub-blocks the model evaluates at once.
	BatchSize int
	// BlockSize is the model's internal tiling block edge.
	BlockSize int
	// Overlap is the fraction of BlockSize shared by neighbouring blocks.
	Overlap float64
}

// DefaultParams matches the pipeline defaults.
func DefaultParams() Params {
	return Params{
		Channels:  [2]int{1, 0},
		BatchSize: 6,
		BlockSize: 2048,
		Overlap:   0.15,
	}
}

// Segmenter turns an image into an instance label raster (0 background,
// 1..N objects). Implementations need not be safe for concurrent use; Run
// gives each worker its own.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, p Params) (*raster.Labels, error)
	Close() error
}

// Factory builds one Segmenter per worker.
type Factory func() (Segmenter, error)
