package mosaic

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

// ErrDuplicateTile marks a second file claiming an already taken (row, col).
var ErrDuplicateTile = errors.New("duplicate tile position")

// Group is the tile set of one source stem, without sizes yet.
type Group struct {
	Stem  string
	Paths map[tilename.Identity]string
}

// Identities returns the group's tiles in (row, col) order.
func (g *Group) Identities() []tilename.Identity {
	ids := make([]tilename.Identity, 0, len(g.Paths))
	for id := range g.Paths {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Discover lists dir and groups files with one of exts (".npy", ".png", ...)
// by stem. Names that do not parse, and duplicates of an occupied cell, are
// logged, recorded as skipped and left out of every group.
func Discover(dir string, exts []string, log zerolog.Logger) ([]*Group, *batch.Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	rep := &batch.Report{}
	groups := make(map[string]*Group)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && hasExt(e.Name(), exts) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		id, err := tilename.ParseIdentity(name)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unrecognized file name")
			rep.Skip(name, err)
			continue
		}
		g, ok := groups[id.Stem]
		if !ok {
			g = &Group{Stem: id.Stem, Paths: make(map[tilename.Identity]string)}
			groups[id.Stem] = g
		}
		if prev, dup := g.Paths[id]; dup {
			log.Warn().Str("file", name).Str("kept", filepath.Base(prev)).Msg("skipping duplicate tile position")
			rep.Skip(name, ErrDuplicateTile)
			continue
		}
		g.Paths[id] = filepath.Join(dir, name)
	}

	out := make([]*Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stem < out[j].Stem })
	return out, rep, nil
}

// Tiles reads every tile's size. The first unreadable tile aborts with its
// *raster.TileReadError.
func (g *Group) Tiles() ([]Tile, error) {
	if len(g.Paths) == 0 {
		return nil, &EmptyGroupError{Stem: g.Stem}
	}
	tiles := make([]Tile, 0, len(g.Paths))
	for _, id := range g.Identities() {
		p := g.Paths[id]
		h, w, err := raster.Shape(p)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, Tile{ID: id, Path: p, Height: h, Width: w})
	}
	return tiles, nil
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(tilename.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
