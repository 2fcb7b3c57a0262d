// Package metrics scores predicted instance polygons against ground truth:
// IoU between every overlapping pair, greedy one-to-one matching from the
// highest IoU down, then precision, recall, F1 and mean matched IoU.
package metrics

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/PhantomInTheWire/cellmosaic/pkg/batch"
	gj "github.com/PhantomInTheWire/cellmosaic/pkg/geojson"
)

// Options controls matching.
type Options struct {
	// Threshold is the minimum IoU for a true positive. It only takes effect
	// with EnforceThreshold; otherwise every pair is eligible, zero IoU
	// included, and TP is min(#gt, #pred).
	Threshold        float64
	EnforceThreshold bool
	Logger           zerolog.Logger
}

// Record is one image's scores.
type Record struct {
	Image     string
	NGT       int
	NPred     int
	TP        int
	FP        int
	FN        int
	Precision float64
	Recall    float64
	F1        float64
	MeanIoU   float64
}

// Pair is a matched (ground truth, prediction) index pair.
type Pair struct {
	GT, Pred int
	IoU      float64
}

// shape is a polygon rasterised at unit pixel centres.
type shape struct {
	bound orb.Bound
	px    map[[2]int]struct{}
}

func rasterize(p orb.Polygon) shape {
	b := p.Bound()
	s := shape{bound: b, px: make(map[[2]int]struct{})}
	for y := int(math.Floor(b.Min[1])); y <= int(math.Ceil(b.Max[1])); y++ {
		for x := int(math.Floor(b.Min[0])); x <= int(math.Ceil(b.Max[0])); x++ {
			if planar.PolygonContains(p, orb.Point{float64(x) + 0.5, float64(y) + 0.5}) {
				s.px[[2]int{x, y}] = struct{}{}
			}
		}
	}
	return s
}

// IoU is the pixel intersection over union of two polygons.
func IoU(a, b orb.Polygon) float64 {
	return iou(rasterize(a), rasterize(b))
}

func iou(a, b shape) float64 {
	small, large := a.px, b.px
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for p := range small {
		if _, ok := large[p]; ok {
			inter++
		}
	}
	union := len(a.px) + len(b.px) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Polygons extracts the polygons of fc; multipolygons contribute their
// members and other geometries are ignored.
func Polygons(fc *geojson.FeatureCollection) []orb.Polygon {
	var out []orb.Polygon
	for _, f := range fc.Features {
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			out = append(out, g)
		case orb.MultiPolygon:
			out = append(out, g...)
		}
	}
	return out
}

// Match pairs gt with pred greedily by descending IoU. Only pairs whose
// bounding boxes overlap are measured; the rest have IoU 0. Ties keep (gt,
// pred) index order.
func Match(gt, pred []orb.Polygon, opts Options) []Pair {
	gs := make([]shape, len(gt))
	for i, p := range gt {
		gs[i] = rasterize(p)
	}
	ps := make([]shape, len(pred))
	fb := flatbush.NewFlatbush64()
	fb.Reserve(len(pred))
	for j, p := range pred {
		ps[j] = rasterize(p)
		b := ps[j].bound
		fb.Add(b.Min[0], b.Min[1], b.Max[0], b.Max[1])
	}
	if len(pred) > 0 {
		fb.Finish()
	}

	var cands []Pair
	var near []int
	for i, g := range gs {
		if len(pred) == 0 {
			break
		}
		near = fb.SearchFast(g.bound.Min[0], g.bound.Min[1], g.bound.Max[0], g.bound.Max[1], near)
		for _, j := range near {
			if v := iou(g, ps[j]); v > 0 {
				cands = append(cands, Pair{GT: i, Pred: j, IoU: v})
			}
		}
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].IoU != cands[b].IoU {
			return cands[a].IoU > cands[b].IoU
		}
		if cands[a].GT != cands[b].GT {
			return cands[a].GT < cands[b].GT
		}
		return cands[a].Pred < cands[b].Pred
	})

	gtUsed := make([]bool, len(gt))
	predUsed := make([]bool, len(pred))
	var out []Pair
	for _, c := range cands {
		if opts.EnforceThreshold && c.IoU < opts.Threshold {
			break
		}
		if !gtUsed[c.GT] && !predUsed[c.Pred] {
			out = append(out, c)
			gtUsed[c.GT], predUsed[c.Pred] = true, true
		}
	}

	// Zero-IoU leftovers still pair off when the threshold is not enforced.
	if !opts.EnforceThreshold || opts.Threshold <= 0 {
		j := 0
		for i := range gt {
			if gtUsed[i] {
				continue
			}
			for j < len(pred) && predUsed[j] {
				j++
			}
			if j == len(pred) {
				break
			}
			out = append(out, Pair{GT: i, Pred: j})
			gtUsed[i], predUsed[j] = true, true
		}
	}
	return out
}

// Score turns matches into a Record.
func Score(image string, nGT, nPred int, matches []Pair) Record {
	r := Record{Image: image, NGT: nGT, NPred: nPred, TP: len(matches)}
	r.FN = nGT - r.TP
	r.FP = nPred - r.TP
	if r.TP+r.FP > 0 {
		r.Precision = float64(r.TP) / float64(r.TP+r.FP)
	}
	if r.TP+r.FN > 0 {
		r.Recall = float64(r.TP) / float64(r.TP+r.FN)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	if len(matches) > 0 {
		ious := make([]float64, len(matches))
		for i, m := range matches {
			ious[i] = m.IoU
		}
		r.MeanIoU = stat.Mean(ious, nil)
	}
	return r
}

// Compare scores the prediction file against the ground-truth file.
func Compare(gtPath, predPath string, opts Options) (Record, error) {
	gt, err := gj.Read(gtPath)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", gtPath, err)
	}
	pred, err := gj.Read(predPath)
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", predPath, err)
	}
	gp, pp := Polygons(gt), Polygons(pred)
	return Score(filepath.Base(gtPath), len(gp), len(pp), Match(gp, pp, opts)), nil
}

// Dir scores every .geojson in gtDir against the same name in predDir and
// writes the records as CSV to out. Images without a prediction are warned
// about and skipped.
func Dir(ctx context.Context, gtDir, predDir, out string, opts Options) ([]Record, *batch.Report, error) {
	log := opts.Logger.With().Str("component", "metrics").Logger()
	if !opts.EnforceThreshold {
		log.Warn().Float64("threshold", opts.Threshold).Msg("IoU threshold is not enforced; every gt/pred pair can match")
	}
	entries, err := os.ReadDir(gtDir)
	if err != nil {
		return nil, nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".geojson") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	rep := &batch.Report{}
	var records []Record
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return records, rep, err
		}
		predPath := filepath.Join(predDir, name)
		if _, err := os.Stat(predPath); err != nil {
			log.Warn().Str("image", name).Msg("prediction missing, skipping")
			rep.Skip(name, err)
			continue
		}
		rec, err := Compare(filepath.Join(gtDir, name), predPath, opts)
		if err != nil {
			log.Error().Err(err).Str("image", name).Msg("failed to score")
			rep.Fail(name, err)
			continue
		}
		log.Info().Str("image", name).Int("tp", rec.TP).Int("fp", rec.FP).Int("fn", rec.FN).
			Float64("f1", rec.F1).Msg("scored")
		records = append(records, rec)
		rep.Ok(name)
	}

	if err := WriteCSV(out, records); err != nil {
		return records, rep, err
	}
	log.Info().Str("output", out).Msg("metrics written")
	return records, rep, nil
}

// Header is the CSV column order.
var Header = []string{"image", "n_gt", "n_pred", "TP", "FP", "FN", "precision", "recall", "f1_score", "mean_iou"}

// WriteCSV writes records to path.
func WriteCSV(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write(Header)
	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, r := range records {
		w.Write([]string{
			r.Image, strconv.Itoa(r.NGT), strconv.Itoa(r.NPred),
			strconv.Itoa(r.TP), strconv.Itoa(r.FP), strconv.Itoa(r.FN),
			ff(r.Precision), ff(r.Recall), ff(r.F1), ff(r.MeanIoU),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
