package mosaic

import (
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

// Output file suffixes.
const (
	StitchedSuffix     = "_stitched"
	MaskStitchedSuffix = "_mask_stitched"
)

// BitDepthError reports a mosaic whose labels do not fit the requested
// output depth.
type BitDepthError struct {
	MaxLabel int32
	Bits     int
}

func (e *BitDepthError) Error() string {
	return fmt.Sprintf("mosaic: label %d does not fit a %d-bit image", e.MaxLabel, e.Bits)
}

// PersistOptions selects which files Save writes.
type PersistOptions struct {
	NPY      bool   // <stem>_stitched.npy, int32 labels
	Compress bool   // zstd-compress the array (.npy.zst)
	Presence string // "png" or "tif": <stem>_stitched.<ext>, 0/255; "" to skip
	LabelPNG bool   // <stem>_mask_stitched.png, 16-bit labels
}

// DefaultPersist writes the label array and a PNG presence mask.
func DefaultPersist() PersistOptions {
	return PersistOptions{NPY: true, Presence: "png"}
}

// Save writes the selected outputs for stem into dir and returns their paths.
// Files are written to a temporary name and renamed, so a failed save never
// leaves a partial mosaic behind. The bit depth is checked before anything
// is written.
func (r *Result) Save(dir, stem string, opts PersistOptions) ([]string, error) {
	if opts.LabelPNG && r.MaxLabel > 0xffff {
		return nil, &BitDepthError{MaxLabel: r.MaxLabel, Bits: 16}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var written []string
	if opts.NPY {
		name := stem + StitchedSuffix + ".npy"
		if opts.Compress {
			name += ".zst"
		}
		p := filepath.Join(dir, name)
		if err := atomicWrite(p, func(tmp string) error { return raster.WriteNPY(tmp, r.Canvas) }); err != nil {
			return written, err
		}
		written = append(written, p)
	}

	switch opts.Presence {
	case "":
	case "png", "tif":
		p := filepath.Join(dir, stem+StitchedSuffix+"."+opts.Presence)
		err := atomicWrite(p, func(tmp string) error {
			return writeFile(tmp, func(w io.Writer) error {
				if opts.Presence == "tif" {
					return tiff.Encode(w, r.Canvas.Presence(), &tiff.Options{Compression: tiff.Deflate})
				}
				return png.Encode(w, r.Canvas.Presence())
			})
		})
		if err != nil {
			return written, err
		}
		written = append(written, p)
	default:
		return written, fmt.Errorf("mosaic: unknown presence format %q", opts.Presence)
	}

	if opts.LabelPNG {
		p := filepath.Join(dir, stem+MaskStitchedSuffix+".png")
		img, err := r.Canvas.Gray16()
		if err != nil {
			return written, err
		}
		if err := atomicWrite(p, func(tmp string) error {
			return writeFile(tmp, func(w io.Writer) error { return png.Encode(w, img) })
		}); err != nil {
			return written, err
		}
		written = append(written, p)
	}
	return written, nil
}

// atomicWrite lets write fill a sibling temp file, then renames it over dest.
// The temp name keeps dest's suffix so extension-driven encoders behave.
func atomicWrite(dest string, write func(tmp string) error) error {
	f, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*-"+filepath.Base(dest))
	if err != nil {
		return err
	}
	tmp := f.Name()
	f.Close()
	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeFile(path string, enc func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := enc(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
