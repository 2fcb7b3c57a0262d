package mosaic

import (
	"errors"
	"fmt"
	"math"

	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
)

// ErrOverlap is returned by strict stitching when a tile would overwrite
// another tile's label.
var ErrOverlap = errors.New("mosaic: tiles overlap")

// ErrLabelOverflow is returned when more instances are found than int32 holds.
var ErrLabelOverflow = errors.New("mosaic: label counter overflow")

// Counter mints global labels. One Counter belongs to one stitch; stems
// stitched concurrently each need their own.
type Counter struct {
	next int64
}

// NewCounter returns a counter whose first label is 1.
func NewCounter() *Counter { return &Counter{next: 1} }

// Next returns the next unused label.
func (c *Counter) Next() (int32, error) {
	if c.next > math.MaxInt32 {
		return 0, ErrLabelOverflow
	}
	v := int32(c.next)
	c.next++
	return v, nil
}

// Issued is the number of labels handed out so far.
func (c *Counter) Issued() int { return int(c.next - 1) }

// Mode selects how tile labels reach the canvas.
type Mode int

const (
	// Renumber gives each distinct nonzero value of each tile a fresh label.
	Renumber Mode = iota
	// Paste copies labels verbatim, for tiles that already carry global ids.
	Paste
)

func (m Mode) String() string {
	if m == Paste {
		return "paste"
	}
	return "renumber"
}

// ReadFunc loads one tile's label data.
type ReadFunc func(path string) (*raster.Labels, error)

// StitchOptions configures Stitch. The zero value renumbers, reads tiles with
// raster.Read and uses a fresh Counter.
type StitchOptions struct {
	Mode    Mode
	Strict  bool // fail with ErrOverlap instead of overwriting nonzero pixels
	Read    ReadFunc
	Counter *Counter
}

// Result is a finished mosaic.
type Result struct {
	Canvas *raster.Labels
	// MaxLabel is the largest label on the canvas. In Renumber mode it equals
	// the number of instances.
	MaxLabel int32
	// Instances counts labels minted (Renumber) or distinct labels seen (Paste).
	Instances int
}

// Stitch paints tiles into a canvas sized by layout. Tiles are visited in
// (row, col) order and local labels in ascending order, so the output is
// byte-for-byte reproducible. A tile that fails to read aborts the stitch.
func Stitch(layout *Layout, tiles []Tile, opts StitchOptions) (*Result, error) {
	if len(tiles) == 0 {
		return nil, &EmptyGroupError{Stem: layout.Stem}
	}
	read := opts.Read
	if read == nil {
		read = raster.Read
	}
	counter := opts.Counter
	if counter == nil {
		counter = NewCounter()
	}

	ordered := append([]Tile(nil), tiles...)
	sortTiles(ordered)

	canvas := raster.New(layout.Width, layout.Height)
	res := &Result{Canvas: canvas}
	seen := make(map[int32]struct{})

	for _, t := range ordered {
		x0, y0, ok := layout.Offset(t.ID)
		if !ok {
			return nil, fmt.Errorf("mosaic: tile %v is not part of the layout", t.ID)
		}
		tile, err := read(t.Path)
		if err != nil {
			return nil, fmt.Errorf("stitch %s: %w", layout.Stem, err)
		}
		if x0+tile.Width > canvas.Width || y0+tile.Height > canvas.Height {
			return nil, fmt.Errorf("mosaic: tile %v (%dx%d) exceeds its layout cell", t.ID, tile.Width, tile.Height)
		}

		var mapping map[int32]int32
		if opts.Mode == Renumber {
			local := tile.Distinct()
			mapping = make(map[int32]int32, len(local))
			for _, v := range local {
				g, err := counter.Next()
				if err != nil {
					return nil, err
				}
				mapping[v] = g
			}
		}

		for y := 0; y < tile.Height; y++ {
			src := tile.Row(y)
			dst := canvas.Row(y0 + y)[x0 : x0+tile.Width]
			for x, v := range src {
				if v == 0 {
					continue
				}
				if opts.Strict && dst[x] != 0 {
					return nil, fmt.Errorf("%w: %v at (%d,%d)", ErrOverlap, t.ID, x0+x, y0+y)
				}
				if mapping != nil {
					v = mapping[v]
				} else {
					seen[v] = struct{}{}
				}
				dst[x] = v
				if v > res.MaxLabel {
					res.MaxLabel = v
				}
			}
		}
	}

	if opts.Mode == Renumber {
		res.Instances = counter.Issued()
	} else {
		res.Instances = len(seen)
	}
	return res, nil
}
