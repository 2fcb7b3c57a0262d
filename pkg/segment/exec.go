package segment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

// ExecSegmenter shells out to an external model, e.g.
//
//	docker run --rm -v {dir}:/data cellpose:latest /data/{in} /data/{out}
//
// {dir} is a scratch directory holding the tile, {in} and {out} are file
// names inside it and {in_path}/{out_path} their absolute paths. Params are
// passed as CELLMOSAIC_* environment variables. The command must write a
// label mask (.png 16-bit, .tif or .npy) to {out}.
type ExecSegmenter struct {
	Command []string
	OutExt  string // default ".npy"
	dir     string
}

// NewExec prepares a scratch directory for one worker.
func NewExec(command []string, outExt string) (*ExecSegmenter, error) {
	if len(command) == 0 {
		return nil, errors.New("segment: empty command")
	}
	if outExt == "" {
		outExt = ".npy"
	}
	dir, err := os.MkdirTemp("", "cellmosaic-seg-")
	if err != nil {
		return nil, err
	}
	return &ExecSegmenter{Command: command, OutExt: outExt, dir: dir}, nil
}

// ExecFactory returns a Factory creating one ExecSegmenter per call.
func ExecFactory(command []string, outExt string) Factory {
	return func() (Segmenter, error) { return NewExec(command, outExt) }
}

func (s *ExecSegmenter) Close() error {
	return os.RemoveAll(s.dir)
}

func (s *ExecSegmenter) Segment(ctx context.Context, img image.Image, p Params) (*raster.Labels, error) {
	in := "tile.png"
	out := "mask" + s.OutExt
	inPath := filepath.Join(s.dir, in)
	outPath := filepath.Join(s.dir, out)
	os.Remove(outPath)

	if err := imaging.Save(img, inPath); err != nil {
		return nil, fmt.Errorf("save tile: %w", err)
	}
	defer os.Remove(inPath)

	r := strings.NewReplacer("{dir}", s.dir, "{in}", in, "{out}", out, "{in_path}", inPath, "{out_path}", outPath)
	args := make([]string, len(s.Command))
	for i, a := range s.Command {
		args[i] = r.Replace(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), Env(p)...)
	if b, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s: %w, output: %s", args[0], err, strings.TrimSpace(string(b)))
	}
	defer os.Remove(outPath)

	l, err := raster.Read(outPath)
	if err != nil {
		return nil, err
	}
	if l.Width != img.Bounds().Dx() || l.Height != img.Bounds().Dy() {
		return nil, fmt.Errorf("mask is %dx%d, tile is %v", l.Width, l.Height, img.Bounds().Size())
	}
	return l, nil
}

// Env renders p as CELLMOSAIC_* KEY=VALUE pairs for out-of-process models.
func Env(p Params) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return []string{
		"CELLMOSAIC_DIAMETER=" + f(p.Diameter),
		fmt.Sprintf("CELLMOSAIC_CHANNELS=%d,%d", p.Channels[0], p.Channels[1]),
		"CELLMOSAIC_BATCH_SIZE=" + strconv.Itoa(p.BatchSize),
		"CELLMOSAIC_BLOCK_SIZE=" + strconv.Itoa(p.BlockSize),
		"CELLMOSAIC_OVERLAP=" + f(p.Overlap),
	}
}
