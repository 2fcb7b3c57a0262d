// Package mosaic reassembles per-tile instance masks into one labeled canvas.
//
// A Layout places every tile of one source stem: each row is as tall as its
// tallest tile and each column as wide as its widest, and offsets are prefix
// sums over the rows and columns that actually hold tiles. Stitch then paints
// the tiles into a zeroed canvas, giving every (tile, local label) pair its
// own global label.
package mosaic

import (
	"fmt"
	"sort"

	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

// Tile is one tile of a mosaic with its pixel size.
type Tile struct {
	ID     tilename.Identity
	Path   string
	Height int
	Width  int
}

// EmptyGroupError is returned when a layout or stitch is requested for a
// stem with no tiles.
type EmptyGroupError struct {
	Stem string
}

func (e *EmptyGroupError) Error() string {
	return fmt.Sprintf("mosaic: no tiles for stem %q", e.Stem)
}

// Mismatch describes a tile whose size disagrees with its row or column
// beyond what a ragged bottom/right edge explains.
type Mismatch struct {
	ID   tilename.Identity
	Axis string // "row" or "col"
	Got  int    // the tile's (or the row's/column's) size
	Want int    // the size it was expected to share
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%v: %s size %d, expected %d", m.ID, m.Axis, m.Got, m.Want)
}

// Layout is the read-only placement of a tile set.
type Layout struct {
	Stem string

	RowHeight map[int]int
	ColWidth  map[int]int
	RowOffset map[int]int
	ColOffset map[int]int

	Rows []int // occupied row indices, ascending
	Cols []int // occupied column indices, ascending

	Height int
	Width  int

	// Mismatches lists size disagreements that max-per-row/column silently
	// absorbed. The layout is still valid; callers decide whether to warn.
	Mismatches []Mismatch
}

// NewLayout computes the layout of tiles, which must all share stem.
// Missing cells leave gaps but never shift other tiles.
func NewLayout(stem string, tiles []Tile) (*Layout, error) {
	if len(tiles) == 0 {
		return nil, &EmptyGroupError{Stem: stem}
	}
	l := &Layout{
		Stem:      stem,
		RowHeight: make(map[int]int),
		ColWidth:  make(map[int]int),
		RowOffset: make(map[int]int),
		ColOffset: make(map[int]int),
	}
	for _, t := range tiles {
		if t.ID.Stem != stem {
			return nil, fmt.Errorf("mosaic: tile %v does not belong to stem %q", t.ID, stem)
		}
		if t.Height < 0 || t.Width < 0 {
			return nil, fmt.Errorf("mosaic: tile %v has negative size %dx%d", t.ID, t.Height, t.Width)
		}
		l.RowHeight[t.ID.Row] = max(l.RowHeight[t.ID.Row], t.Height)
		l.ColWidth[t.ID.Col] = max(l.ColWidth[t.ID.Col], t.Width)
	}

	l.Rows = sortedKeys(l.RowHeight)
	l.Cols = sortedKeys(l.ColWidth)
	for _, r := range l.Rows {
		l.RowOffset[r] = l.Height
		l.Height += l.RowHeight[r]
	}
	for _, c := range l.Cols {
		l.ColOffset[c] = l.Width
		l.Width += l.ColWidth[c]
	}

	l.Mismatches = l.findMismatches(tiles)
	return l, nil
}

// Offset returns the canvas position of a tile's top-left pixel.
func (l *Layout) Offset(id tilename.Identity) (x, y int, ok bool) {
	y, rok := l.RowOffset[id.Row]
	x, cok := l.ColOffset[id.Col]
	return x, y, rok && cok
}

// findMismatches flags (a) tiles shorter or narrower than the rest of their
// row/column and (b) interior rows/columns smaller than the largest one.
// Only the last row and column may legitimately be smaller.
func (l *Layout) findMismatches(tiles []Tile) []Mismatch {
	var out []Mismatch
	sorted := append([]Tile(nil), tiles...)
	sortTiles(sorted)
	for _, t := range sorted {
		if t.Height != l.RowHeight[t.ID.Row] {
			out = append(out, Mismatch{ID: t.ID, Axis: "row", Got: t.Height, Want: l.RowHeight[t.ID.Row]})
		}
		if t.Width != l.ColWidth[t.ID.Col] {
			out = append(out, Mismatch{ID: t.ID, Axis: "col", Got: t.Width, Want: l.ColWidth[t.ID.Col]})
		}
	}

	nominalH, nominalW := 0, 0
	for _, h := range l.RowHeight {
		nominalH = max(nominalH, h)
	}
	for _, w := range l.ColWidth {
		nominalW = max(nominalW, w)
	}
	for _, r := range l.Rows[:len(l.Rows)-1] {
		if h := l.RowHeight[r]; h != nominalH {
			out = append(out, Mismatch{ID: tilename.Identity{Stem: l.Stem, Row: r, Col: -1}, Axis: "row", Got: h, Want: nominalH})
		}
	}
	for _, c := range l.Cols[:len(l.Cols)-1] {
		if w := l.ColWidth[c]; w != nominalW {
			out = append(out, Mismatch{ID: tilename.Identity{Stem: l.Stem, Row: -1, Col: c}, Axis: "col", Got: w, Want: nominalW})
		}
	}
	return out
}

func sortedKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func sortTiles(tiles []Tile) {
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].ID.Less(tiles[j].ID) })
}
