// Package geojson traces labeled masks into GeoJSON polygons, one feature per
// external contour per label, in the coordinate space of the original scan.
package geojson

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	"github.com/PhantomInTheWire/cellmosaic/pkg/raster"
	"github.com/PhantomInTheWire/cellmosaic/pkg/tilename"
)

// LabelProperty is the feature property holding the instance label.
const LabelProperty = "label"

// FromLabels traces every nonzero label of l. Contour points are divided by
// scale (the factor the mask was downscaled with) and truncated to integers.
// Contours with fewer than three points are dropped and rings are closed.
func FromLabels(l *raster.Labels, scale float64) (*geojson.FeatureCollection, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("geojson: scale must be positive, got %g", scale)
	}
	upscale := 1 / scale
	fc := geojson.NewFeatureCollection()

	boxes := bounds(l)
	labels := make([]int32, 0, len(boxes))
	for v := range boxes {
		labels = append(labels, v)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	for _, v := range labels {
		rings, err := trace(l, v, boxes[v])
		if err != nil {
			return nil, fmt.Errorf("label %d: %w", v, err)
		}
		for _, pts := range rings {
			if len(pts) < 3 {
				continue
			}
			ring := make(orb.Ring, 0, len(pts)+1)
			for _, p := range pts {
				ring = append(ring, orb.Point{
					float64(int(float64(p.X) * upscale)),
					float64(int(float64(p.Y) * upscale)),
				})
			}
			if !ring[0].Equal(ring[len(ring)-1]) {
				ring = append(ring, ring[0])
			}
			f := geojson.NewFeature(orb.Polygon{ring})
			f.Properties[LabelProperty] = int(v)
			fc.Append(f)
		}
	}
	return fc, nil
}

// bounds returns each label's bounding rectangle.
func bounds(l *raster.Labels) map[int32]image.Rectangle {
	out := make(map[int32]image.Rectangle)
	for y := 0; y < l.Height; y++ {
		for x, v := range l.Row(y) {
			if v == 0 {
				continue
			}
			px := image.Rect(x, y, x+1, y+1)
			if r, ok := out[v]; ok {
				out[v] = r.Union(px)
			} else {
				out[v] = px
			}
		}
	}
	return out
}

// trace finds the external contours of label v inside box, in canvas
// coordinates. The binary crop gets a one pixel zero border so contours
// touching the box edge are still closed.
func trace(l *raster.Labels, v int32, box image.Rectangle) ([][]image.Point, error) {
	w, h := box.Dx()+2, box.Dy()+2
	bin := make([]byte, w*h)
	for y := box.Min.Y; y < box.Max.Y; y++ {
		row := l.Row(y)
		for x := box.Min.X; x < box.Max.X; x++ {
			if row[x] == v {
				bin[(y-box.Min.Y+1)*w+(x-box.Min.X+1)] = 1
			}
		}
	}
	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, bin)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	contours := gocv.FindContours(mat, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	off := box.Min.Sub(image.Pt(1, 1))
	out := make([][]image.Point, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		pts := contours.At(i).ToPoints()
		for j := range pts {
			pts[j] = pts[j].Add(off)
		}
		out = append(out, pts)
	}
	return out, nil
}

// File reads the mask at path and writes outDir/<stem>.geojson.
func File(path, outDir string, scale float64) (string, int, error) {
	l, err := raster.Read(path)
	if err != nil {
		return "", 0, err
	}
	fc, err := FromLabels(l, scale)
	if err != nil {
		return "", 0, err
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", 0, err
	}
	out := filepath.Join(outDir, tilename.Stem(path)+".geojson")
	if err := os.WriteFile(out, b, 0o644); err != nil {
		return "", 0, err
	}
	return out, len(fc.Features), nil
}

// Dir converts every .npy / .npy.zst mask in maskDir. Failures are logged and
// the rest continue.
func Dir(ctx context.Context, maskDir, outDir string, scale float64, log zerolog.Logger) (*batch.Report, error) {
	log = log.With().Str("component", "geojson").Logger()
	entries, err := os.ReadDir(maskDir)
	if err != nil {
		return nil, err
	}
	rep := &batch.Report{}
	for _, e := range entries {
		ext := tilename.Ext(e.Name())
		if e.IsDir() || (ext != ".npy" && ext != ".npy.zst") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, n, err := File(filepath.Join(maskDir, e.Name()), outDir, scale)
		if err != nil {
			log.Error().Err(err).Str("file", e.Name()).Msg("failed to convert")
			rep.Fail(e.Name(), err)
			continue
		}
		log.Info().Str("file", e.Name()).Str("output", out).Int("features", n).Msg("converted to GeoJSON")
		rep.Ok(e.Name())
	}
	if len(rep.Done)+len(rep.Failed) == 0 {
		log.Warn().Str("dir", maskDir).Msg("no .npy mask files found")
	}
	return rep, nil
}

// Read loads a FeatureCollection from path.
func Read(path string) (*geojson.FeatureCollection, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return geojson.UnmarshalFeatureCollection(b)
}
