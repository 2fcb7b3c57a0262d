package raster

import (
	"archive/zip"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"strings"

	_ "golang.org/x/image/tiff"

	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

var (
	// ErrUnsupportedFormat is returned for extensions and dtypes no decoder handles.
	ErrUnsupportedFormat = errors.New("unsupported tile format")
	// ErrMissingMasks is returned for an archive tile without a "masks" entry.
	ErrMissingMasks = errors.New("archive has no masks entry")
)

// MasksKey is the archive entry holding the label array of a wrapped tile.
const MasksKey = "masks"

// TileReadError reports a tile file that exists but cannot be decoded.
type TileReadError struct {
	Path string
	Err  error
}

func (e *TileReadError) Error() string {
	return fmt.Sprintf("read tile %s: %v", e.Path, e.Err)
}

func (e *TileReadError) Unwrap() error { return e.Err }

// TileFile is what a tile file holds once decoded: either the label array
// itself or an archive that carries it under MasksKey. Resolve collapses
// both to a plain array.
type TileFile interface {
	Resolve() *Labels
}

// RawArray is a file whose payload is the label array (.npy, .png, .tif).
type RawArray struct{ Data *Labels }

// WrappedArray is an archive (.npz) whose "masks" member is the label array.
type WrappedArray struct {
	Masks *Labels
	Keys  []string // every member name, for diagnostics
}

func (a RawArray) Resolve() *Labels     { return a.Data }
func (a WrappedArray) Resolve() *Labels { return a.Masks }

// Load decodes path into its TileFile variant.
func Load(path string) (TileFile, error) {
	ext := strings.ToLower(tilename.Ext(path))
	switch ext {
	case ".npz":
		w, err := loadArchive(path)
		if err != nil {
			return nil, &TileReadError{Path: path, Err: err}
		}
		return w, nil
	case ".npy", ".npy.zst":
		l, err := readNPYFile(path)
		if err != nil {
			return nil, &TileReadError{Path: path, Err: err}
		}
		return RawArray{Data: l}, nil
	case ".png", ".tif", ".tiff":
		l, err := readImageFile(path)
		if err != nil {
			return nil, &TileReadError{Path: path, Err: err}
		}
		return RawArray{Data: l}, nil
	default:
		return nil, &TileReadError{Path: path, Err: fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)}
	}
}

// Read loads path and resolves it to a plain label array.
func Read(path string) (*Labels, error) {
	tf, err := Load(path)
	if err != nil {
		return nil, err
	}
	return tf.Resolve(), nil
}

// Shape returns a tile's height and width without decoding pixel data where
// the format allows it.
func Shape(path string) (height, width int, err error) {
	ext := strings.ToLower(tilename.Ext(path))
	wrap := func(err error) (int, int, error) { return 0, 0, &TileReadError{Path: path, Err: err} }

	switch ext {
	case ".npy", ".npy.zst":
		f, err := os.Open(path)
		if err != nil {
			return wrap(err)
		}
		defer f.Close()
		r, done, err := zstdReader(path, f)
		if err != nil {
			return wrap(err)
		}
		defer done()
		h, w, err := NPYShape(r)
		if err != nil {
			return wrap(err)
		}
		return h, w, nil
	case ".npz":
		zr, err := zip.OpenReader(path)
		if err != nil {
			return wrap(err)
		}
		defer zr.Close()
		f := findMember(zr.File, MasksKey)
		if f == nil {
			return wrap(ErrMissingMasks)
		}
		rc, err := f.Open()
		if err != nil {
			return wrap(err)
		}
		defer rc.Close()
		h, w, err := NPYShape(rc)
		if err != nil {
			return wrap(err)
		}
		return h, w, nil
	case ".png", ".tif", ".tiff":
		f, err := os.Open(path)
		if err != nil {
			return wrap(err)
		}
		defer f.Close()
		cfg, _, err := image.DecodeConfig(f)
		if err != nil {
			return wrap(err)
		}
		return cfg.Height, cfg.Width, nil
	default:
		return wrap(fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext))
	}
}

// WriteNPY writes l to path, zstd-compressed when path ends in .zst.
func WriteNPY(path string, l *Labels) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, done, err := zstdWriter(path, f)
	if err != nil {
		f.Close()
		return err
	}
	if err := EncodeNPY(w, l); err != nil {
		f.Close()
		return err
	}
	if err := done(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readNPYFile(path string) (*Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, done, err := zstdReader(path, f)
	if err != nil {
		return nil, err
	}
	defer done()
	return DecodeNPY(r)
}

func readImageFile(path string) (*Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

func loadArchive(path string) (WrappedArray, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return WrappedArray{}, err
	}
	defer zr.Close()

	keys := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		keys = append(keys, strings.TrimSuffix(f.Name, ".npy"))
	}
	f := findMember(zr.File, MasksKey)
	if f == nil {
		return WrappedArray{Keys: keys}, fmt.Errorf("%w (members: %v)", ErrMissingMasks, keys)
	}
	rc, err := f.Open()
	if err != nil {
		return WrappedArray{}, err
	}
	defer rc.Close()
	l, err := DecodeNPY(rc)
	if err != nil {
		return WrappedArray{}, fmt.Errorf("%s: %w", f.Name, err)
	}
	return WrappedArray{Masks: l, Keys: keys}, nil
}

func findMember(files []*zip.File, key string) *zip.File {
	for _, f := range files {
		if f.Name == key || f.Name == key+".npy" {
			return f
		}
	}
	return nil
}

// WriteArchive writes an .npz holding l under MasksKey. Used by tests and by
// callers that want the wrapped form.
func WriteArchive(path string, l *Labels) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create(MasksKey + ".npy")
	if err != nil {
		f.Close()
		return err
	}
	if err := EncodeNPY(w, l); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
