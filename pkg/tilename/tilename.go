// Package tilename maps tile rasters to their place in a mosaic through the
// file naming convention <stem>_<row>_<col>[_mask].<ext>.
//
// Every component that needs a tile's row or column goes through Parse.
package tilename

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Mask suffixes recognised after the column component. "_masks" is what the
// training tile generator writes, "_mask" is the segmentation output convention.
const (
	MaskSuffix     = "_mask"
	TrainingSuffix = "_masks"
)

// compressed extensions that wrap an inner extension (slide_0_1.npy.zst).
var outerExts = []string{".zst"}

// Identity is a tile's position within one source mosaic.
type Identity struct {
	Stem string
	Row  int
	Col  int
}

func (id Identity) String() string {
	return fmt.Sprintf("%s[%d,%d]", id.Stem, id.Row, id.Col)
}

// Less orders identities by stem, then row, then column.
func (id Identity) Less(o Identity) bool {
	if id.Stem != o.Stem {
		return id.Stem < o.Stem
	}
	if id.Row != o.Row {
		return id.Row < o.Row
	}
	return id.Col < o.Col
}

// Name is a parsed tile file name.
type Name struct {
	Identity
	Mask bool   // carried a _mask or _masks suffix
	Ext  string // full extension including the dot, e.g. ".npy" or ".npy.zst"
}

// ParseError reports a file name that does not follow the tiling convention.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tilename: cannot parse %q: %s", e.Name, e.Reason)
}

// Encode returns <stem>_<row>_<col><ext>. ext includes the leading dot.
func Encode(stem string, row, col int, ext string) string {
	return fmt.Sprintf("%s_%d_%d%s", stem, row, col, ext)
}

// EncodeMask returns <stem>_<row>_<col>_mask<ext>.
func EncodeMask(stem string, row, col int, ext string) string {
	return fmt.Sprintf("%s_%d_%d%s%s", stem, row, col, MaskSuffix, ext)
}

// EncodeTraining returns <stem>_<row>_<col>_masks<ext>, the label half of a
// training pair.
func EncodeTraining(stem string, row, col int, ext string) string {
	return fmt.Sprintf("%s_%d_%d%s%s", stem, row, col, TrainingSuffix, ext)
}

// Parse decodes a file name (directories are ignored).
func Parse(name string) (Name, error) {
	base := filepath.Base(name)
	ext := Ext(base)
	body := strings.TrimSuffix(base, ext)

	var n Name
	n.Ext = ext
	for _, suf := range []string{TrainingSuffix, MaskSuffix} {
		if strings.HasSuffix(body, suf) {
			body = strings.TrimSuffix(body, suf)
			n.Mask = true
			break
		}
	}

	i := strings.LastIndexByte(body, '_')
	if i < 0 {
		return Name{}, &ParseError{Name: base, Reason: "missing _<row>_<col> suffix"}
	}
	col, ok := number(body[i+1:])
	if !ok {
		return Name{}, &ParseError{Name: base, Reason: "column is not a non-negative integer"}
	}
	body = body[:i]

	j := strings.LastIndexByte(body, '_')
	if j < 0 {
		return Name{}, &ParseError{Name: base, Reason: "missing row component"}
	}
	row, ok := number(body[j+1:])
	if !ok {
		return Name{}, &ParseError{Name: base, Reason: "row is not a non-negative integer"}
	}
	stem := body[:j]
	if stem == "" {
		return Name{}, &ParseError{Name: base, Reason: "empty stem"}
	}

	n.Identity = Identity{Stem: stem, Row: row, Col: col}
	return n, nil
}

// ParseIdentity is Parse without the extension and mask details.
func ParseIdentity(name string) (Identity, error) {
	n, err := Parse(name)
	if err != nil {
		return Identity{}, err
	}
	return n.Identity, nil
}

// Ext returns the extension of name, keeping an inner extension when the
// outer one is a compression suffix (".npy.zst").
func Ext(name string) string {
	ext := filepath.Ext(name)
	for _, outer := range outerExts {
		if strings.EqualFold(ext, outer) {
			inner := filepath.Ext(strings.TrimSuffix(name, ext))
			return inner + ext
		}
	}
	return ext
}

// Stem strips the extension (as Ext sees it) and any directory from name.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, Ext(base))
}

// number accepts base-10 digits only; strconv.Atoi would also take signs.
func number(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
