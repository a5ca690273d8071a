package engine

import (
	"context"
	"math"
	"strconv"

	"github.com/h5lab/h5serve/internal/cache"
	"github.com/h5lab/h5serve/internal/hdf5"
	"github.com/h5lab/h5serve/internal/pool"
)

// Extraction defaults.
const (
	DefaultPreviewSize = 512
	DefaultHeatmapSize = 512
	DefaultMaxPoints   = 5000
)

// ctxCheckStride bounds how many elements a boxing loop converts
// between cancellation checks.
const ctxCheckStride = 4096

// PreviewRequest carries the raw preview parameters; numeric fields
// arrive as query strings and are validated here.
type PreviewRequest struct {
	Key          string
	Path         string
	Hint         string
	CancelKey    string
	DisplayDims  string
	FixedIndices string
	MaxSize      string
}

// DataRequest carries the raw parameters of a data extraction. Fields
// apply per mode; unused ones are ignored.
type DataRequest struct {
	Key          string
	Path         string
	Hint         string
	CancelKey    string
	Mode         string
	DisplayDims  string
	FixedIndices string

	RowOffset string
	RowLimit  string
	ColOffset string
	ColLimit  string

	LineDim    string
	LineIndex  string
	LineOffset string
	LineLimit  string
	Quality    string
	MaxPoints  string

	MaxSize      string
	IncludeStats bool
}

// PreviewTable1D is a strided 1-D sample.
type PreviewTable1D struct {
	Kind  string `json:"kind"`
	Start int64  `json:"start"`
	Step  int64  `json:"step"`
	Data  []any  `json:"data"`
}

// PreviewTable2D is a per-axis decimated 2-D sample.
type PreviewTable2D struct {
	Kind    string `json:"kind"`
	Rows    int64  `json:"rows"`
	Cols    int64  `json:"cols"`
	RowStep int64  `json:"row_step"`
	ColStep int64  `json:"col_step"`
	Data    []any  `json:"data"`
}

// PreviewPlot names the chart a client should draw; nil means the data
// is not plottable.
type PreviewPlot struct {
	Kind string `json:"kind"`
}

// PreviewResult is the preview payload.
type PreviewResult struct {
	Key          string           `json:"key"`
	Path         string           `json:"path"`
	Shape        []int64          `json:"shape"`
	Ndim         int              `json:"ndim"`
	Dtype        string           `json:"dtype"`
	DisplayDims  []int            `json:"display_dims"`
	FixedIndices map[string]int64 `json:"fixed_indices"`
	Table        any              `json:"table"`
	Plot         *PreviewPlot     `json:"plot"`
}

// MatrixResult is the matrix-mode data payload.
type MatrixResult struct {
	Key          string           `json:"key"`
	Path         string           `json:"path"`
	Mode         string           `json:"mode"`
	Shape        []int64          `json:"shape"`
	Ndim         int              `json:"ndim"`
	Dtype        string           `json:"dtype"`
	DisplayDims  []int            `json:"display_dims"`
	FixedIndices map[string]int64 `json:"fixed_indices"`
	RowOffset    int64            `json:"row_offset"`
	RowLimit     int64            `json:"row_limit"`
	ColOffset    int64            `json:"col_offset"`
	ColLimit     int64            `json:"col_limit"`
	Data         []any            `json:"data"`
}

// LineDownsample reports the stride applied to a line.
type LineDownsample struct {
	Step int64 `json:"step"`
}

// LineResult is the line-mode data payload.
type LineResult struct {
	Key              string           `json:"key"`
	Path             string           `json:"path"`
	Mode             string           `json:"mode"`
	Shape            []int64          `json:"shape"`
	Ndim             int              `json:"ndim"`
	Dtype            string           `json:"dtype"`
	DisplayDims      []int            `json:"display_dims"`
	FixedIndices     map[string]int64 `json:"fixed_indices"`
	LineDim          int              `json:"line_dim"`
	LineIndex        int64            `json:"line_index"`
	LineOffset       int64            `json:"line_offset"`
	LineStep         int64            `json:"line_step"`
	QualityRequested string           `json:"quality_requested"`
	QualityApplied   string           `json:"quality_applied"`
	RequestedPoints  int64            `json:"requested_points"`
	ReturnedPoints   int64            `json:"returned_points"`
	DownsampleInfo   LineDownsample   `json:"downsample_info"`
	Data             []any            `json:"data"`
}

// GridDownsample reports the per-axis strides applied to a heatmap.
type GridDownsample struct {
	RowStep int64 `json:"row_step"`
	ColStep int64 `json:"col_step"`
}

// GridStats summarizes the sampled cells of a heatmap.
type GridStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// HeatmapResult is the heatmap-mode data payload.
type HeatmapResult struct {
	Key              string           `json:"key"`
	Path             string           `json:"path"`
	Mode             string           `json:"mode"`
	Shape            []int64          `json:"shape"`
	Ndim             int              `json:"ndim"`
	Dtype            string           `json:"dtype"`
	DisplayDims      []int            `json:"display_dims"`
	FixedIndices     map[string]int64 `json:"fixed_indices"`
	RequestedMaxSize int64            `json:"requested_max_size"`
	EffectiveMaxSize int64            `json:"effective_max_size"`
	MaxSizeClamped   bool             `json:"max_size_clamped"`
	Sampled          bool             `json:"sampled"`
	DownsampleInfo   GridDownsample   `json:"downsample_info"`
	Stats            *GridStats       `json:"stats,omitempty"`
	Data             []any            `json:"data"`
}

// Preview samples a dataset for display: a strided series for 1-D data,
// a decimated grid for 2-D and higher.
func (e *Engine) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, bool, error) {
	ctx, unbind := e.cancels.bind(ctx, req.CancelKey)
	defer unbind()

	fp := cache.Fingerprint(req.Path, "preview", req.DisplayDims, req.FixedIndices, req.MaxSize)
	v, hit, err := e.containerOp(ctx, req.Key, req.Hint, "preview", fp, e.dataTTL, func(ctx context.Context, c *pool.Container) (any, error) {
		release, err := e.acquireGate(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		return e.buildPreview(ctx, c, req)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*PreviewResult), hit, nil
}

func (e *Engine) buildPreview(ctx context.Context, c *pool.Container, req PreviewRequest) (*PreviewResult, error) {
	obj, err := c.File().Visit(req.Path)
	if err != nil {
		return nil, err
	}
	if obj.Kind() != hdf5.KindDataset {
		return nil, failf(KindBadSelection, "%s is a group; preview applies to datasets", req.Path)
	}
	dt := obj.Datatype()
	shape := obj.Shape()

	maxSize, err := positiveParam("max_size", req.MaxSize, DefaultPreviewSize)
	if err != nil {
		return nil, err
	}
	if side := int64(e.cfg.Limits.HeatmapMaxSide); side > 0 && maxSize > side {
		maxSize = side
	}

	out := &PreviewResult{
		Key:          req.Key,
		Path:         req.Path,
		Shape:        shape,
		Ndim:         len(shape),
		Dtype:        dtypeString(dt),
		DisplayDims:  []int{},
		FixedIndices: map[string]int64{},
	}
	if out.Shape == nil {
		out.Shape = []int64{}
	}

	// Scalars read as a one-point series.
	if len(shape) == 0 {
		buf, err := obj.ReadSlab(ctx, nil)
		if err != nil {
			return nil, err
		}
		data, err := boxSeries(ctx, buf)
		if err != nil {
			return nil, err
		}
		out.Table = &PreviewTable1D{Kind: "1d", Start: 0, Step: 1, Data: data}
		if plottable(dt) {
			out.Plot = &PreviewPlot{Kind: "line"}
		}
		return out, nil
	}

	sel, err := resolveSelection(shape, req.DisplayDims, req.FixedIndices)
	if err != nil {
		return nil, err
	}
	out.DisplayDims = sel.displayDims()
	out.FixedIndices = sel.fixedEcho()

	if res := sel.residual(); len(res) == 1 {
		step, count := sampleAxis(res[0], maxSize)
		buf, err := obj.ReadSlab(ctx, sel.spans(hdf5.Span{Start: 0, Count: count, Step: step}))
		if err != nil {
			return nil, err
		}
		data, err := boxSeries(ctx, buf)
		if err != nil {
			return nil, err
		}
		out.Table = &PreviewTable1D{Kind: "1d", Start: 0, Step: step, Data: data}
		if plottable(dt) {
			out.Plot = &PreviewPlot{Kind: "line"}
		}
		return out, nil
	}

	res := sel.residual()
	rowStep, outRows := sampleAxis(res[0], maxSize)
	colStep, outCols := sampleAxis(res[1], maxSize)
	buf, err := obj.ReadSlab(ctx, sel.spans(
		hdf5.Span{Start: 0, Count: outRows, Step: rowStep},
		hdf5.Span{Start: 0, Count: outCols, Step: colStep},
	))
	if err != nil {
		return nil, err
	}
	data, err := boxGrid(ctx, buf, outRows, outCols, sel.transposed())
	if err != nil {
		return nil, err
	}
	out.Table = &PreviewTable2D{Kind: "2d", Rows: outRows, Cols: outCols, RowStep: rowStep, ColStep: colStep, Data: data}
	if plottable(dt) {
		out.Plot = &PreviewPlot{Kind: "heatmap"}
	}
	return out, nil
}

// Data extracts a slice in the requested mode.
func (e *Engine) Data(ctx context.Context, req DataRequest) (any, bool, error) {
	ctx, unbind := e.cancels.bind(ctx, req.CancelKey)
	defer unbind()

	mode := req.Mode
	if mode == "" {
		mode = "matrix"
	}
	var fp string
	switch mode {
	case "matrix":
		fp = cache.Fingerprint(req.Path, "matrix", req.DisplayDims, req.FixedIndices,
			req.RowOffset, req.RowLimit, req.ColOffset, req.ColLimit)
	case "line":
		fp = cache.Fingerprint(req.Path, "line", req.DisplayDims, req.FixedIndices,
			req.LineDim, req.LineIndex, req.LineOffset, req.LineLimit,
			canonicalQuality(req.Quality), req.MaxPoints)
	case "heatmap":
		fp = cache.Fingerprint(req.Path, "heatmap", req.DisplayDims, req.FixedIndices,
			req.MaxSize, strconv.FormatBool(req.IncludeStats))
	default:
		return nil, false, failf(KindBadSelection, "mode %q is not one of matrix, line, heatmap", req.Mode)
	}

	return e.containerOp(ctx, req.Key, req.Hint, "data", fp, e.dataTTL, func(ctx context.Context, c *pool.Container) (any, error) {
		release, err := e.acquireGate(ctx)
		if err != nil {
			return nil, err
		}
		defer release()

		obj, err := extractionTarget(c, req.Path)
		if err != nil {
			return nil, err
		}
		switch mode {
		case "matrix":
			return e.buildMatrix(ctx, obj, req)
		case "line":
			return e.buildLine(ctx, obj, req)
		default:
			return e.buildHeatmap(ctx, obj, req)
		}
	})
}

// extractionTarget resolves a path to a non-scalar dataset.
func extractionTarget(c *pool.Container, path string) (*hdf5.Object, error) {
	obj, err := c.File().Visit(path)
	if err != nil {
		return nil, err
	}
	if obj.Kind() != hdf5.KindDataset {
		return nil, failf(KindBadSelection, "%s is a group; data extraction applies to datasets", path)
	}
	if len(obj.Shape()) == 0 {
		return nil, failf(KindBadSelection, "%s is a scalar; use preview", path)
	}
	return obj, nil
}

func (e *Engine) buildMatrix(ctx context.Context, obj *hdf5.Object, req DataRequest) (*MatrixResult, error) {
	shape := obj.Shape()
	sel, err := resolveSelection(shape, req.DisplayDims, req.FixedIndices)
	if err != nil {
		return nil, err
	}
	p, err := planMatrix(sel, req)
	if err != nil {
		return nil, err
	}
	if err := e.checkElementBudget(p.cells()); err != nil {
		return nil, err
	}

	out := &MatrixResult{
		Key:          req.Key,
		Path:         req.Path,
		Mode:         "matrix",
		Shape:        shape,
		Ndim:         len(shape),
		Dtype:        dtypeString(obj.Datatype()),
		DisplayDims:  sel.displayDims(),
		FixedIndices: sel.fixedEcho(),
		RowOffset:    p.rowStart,
		RowLimit:     p.rowCount,
		ColOffset:    p.colStart,
		ColLimit:     p.colCount,
	}

	if p.flat {
		buf, err := obj.ReadSlab(ctx, sel.spans(hdf5.Span{Start: p.rowStart, Count: p.rowCount, Step: 1}))
		if err != nil {
			return nil, err
		}
		out.Data, err = boxSeries(ctx, buf)
		return out, err
	}

	buf, err := obj.ReadSlab(ctx, sel.spans(
		hdf5.Span{Start: p.rowStart, Count: p.rowCount, Step: 1},
		hdf5.Span{Start: p.colStart, Count: p.colCount, Step: 1},
	))
	if err != nil {
		return nil, err
	}
	out.Data, err = boxGrid(ctx, buf, p.rowCount, p.colCount, sel.transposed())
	return out, err
}

func (e *Engine) buildLine(ctx context.Context, obj *hdf5.Object, req DataRequest) (*LineResult, error) {
	shape := obj.Shape()
	sel, err := resolveSelection(shape, req.DisplayDims, req.FixedIndices)
	if err != nil {
		return nil, err
	}
	p, err := e.planLine(obj.Datatype(), shape, sel, req)
	if err != nil {
		return nil, err
	}
	buf, err := obj.ReadSlab(ctx, p.slabSpans(p.start, p.returned))
	if err != nil {
		return nil, err
	}
	data, err := boxSeries(ctx, buf)
	if err != nil {
		return nil, err
	}

	return &LineResult{
		Key:              req.Key,
		Path:             req.Path,
		Mode:             "line",
		Shape:            shape,
		Ndim:             len(shape),
		Dtype:            dtypeString(obj.Datatype()),
		DisplayDims:      sel.displayDims(),
		FixedIndices:     sel.fixedEcho(),
		LineDim:          p.dim,
		LineIndex:        p.index,
		LineOffset:       p.start,
		LineStep:         p.step,
		QualityRequested: p.requested,
		QualityApplied:   p.applied,
		RequestedPoints:  p.span,
		ReturnedPoints:   int64(len(data)),
		DownsampleInfo:   LineDownsample{Step: p.step},
		Data:             data,
	}, nil
}

func (e *Engine) buildHeatmap(ctx context.Context, obj *hdf5.Object, req DataRequest) (*HeatmapResult, error) {
	shape := obj.Shape()
	sel, err := resolveSelection(shape, req.DisplayDims, req.FixedIndices)
	if err != nil {
		return nil, err
	}
	p, err := e.planHeatmap(obj.Datatype(), sel, req)
	if err != nil {
		return nil, err
	}
	buf, err := obj.ReadSlab(ctx, sel.spans(
		hdf5.Span{Start: 0, Count: p.outRows, Step: p.rowStep},
		hdf5.Span{Start: 0, Count: p.outCols, Step: p.colStep},
	))
	if err != nil {
		return nil, err
	}
	data, err := boxGrid(ctx, buf, p.outRows, p.outCols, sel.transposed())
	if err != nil {
		return nil, err
	}

	out := &HeatmapResult{
		Key:              req.Key,
		Path:             req.Path,
		Mode:             "heatmap",
		Shape:            shape,
		Ndim:             len(shape),
		Dtype:            dtypeString(obj.Datatype()),
		DisplayDims:      sel.displayDims(),
		FixedIndices:     sel.fixedEcho(),
		RequestedMaxSize: p.requested,
		EffectiveMaxSize: p.effective,
		MaxSizeClamped:   p.effective < p.requested,
		Sampled:          p.rowStep > 1 || p.colStep > 1,
		DownsampleInfo:   GridDownsample{RowStep: p.rowStep, ColStep: p.colStep},
		Data:             data,
	}
	if req.IncludeStats {
		out.Stats = gridStats(buf)
	}
	return out, nil
}

// checkElementBudget rejects extractions whose output exceeds the
// configured element ceiling.
func (e *Engine) checkElementBudget(n int64) error {
	if limit := e.cfg.Limits.MaxExtractElements; limit > 0 && n > limit {
		return failf(KindRangeTooLarge, "selection of %d elements exceeds the %d-element ceiling", n, limit)
	}
	return nil
}

// sampleAxis picks the stride that decimates size to at most target
// points, returning the stride and the resulting count.
func sampleAxis(size, target int64) (int64, int64) {
	step := int64(1)
	if size > target {
		step = ceilDiv(size, target)
	}
	if size == 0 {
		return step, 0
	}
	return step, ceilDiv(size, step)
}

// canonicalQuality maps auto to overview; unknown values return "".
func canonicalQuality(q string) string {
	switch q {
	case "", "auto", "overview":
		return "overview"
	case "exact":
		return "exact"
	default:
		return ""
	}
}

func positiveParam(name, raw string, def int64) (int64, error) {
	v, ok, err := parseOptInt(name, raw)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	if v <= 0 {
		return 0, failf(KindBadSelection, "%s must be positive, got %d", name, v)
	}
	return v, nil
}

func plottable(dt *hdf5.Datatype) bool {
	switch dt.Class {
	case hdf5.ClassFixed, hdf5.ClassFloat, hdf5.ClassEnum:
		return true
	default:
		return false
	}
}

// jsonValue boxes one element for JSON output. Non-finite floats have
// no JSON representation and become null.
func jsonValue(buf *hdf5.Buffer, i int) any {
	v := buf.Value(i)
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	return v
}

// boxSeries converts a buffer to a flat JSON-ready slice, checking for
// cancellation as it goes.
func boxSeries(ctx context.Context, buf *hdf5.Buffer) ([]any, error) {
	n := buf.Len()
	out := make([]any, n)
	for i := 0; i < n; i++ {
		if i%ctxCheckStride == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out[i] = jsonValue(buf, i)
	}
	return out, nil
}

// boxGrid converts a row-major buffer to nested rows. When transposed,
// the buffer's inner axis becomes the row axis.
func boxGrid(ctx context.Context, buf *hdf5.Buffer, rows, cols int64, transposed bool) ([]any, error) {
	out := make([]any, rows)
	for r := int64(0); r < rows; r++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		row := make([]any, cols)
		for c := int64(0); c < cols; c++ {
			if transposed {
				row[c] = jsonValue(buf, int(c*rows+r))
			} else {
				row[c] = jsonValue(buf, int(r*cols+c))
			}
		}
		out[r] = row
	}
	return out, nil
}

// gridStats computes min/max/mean/std over the finite cells of a
// sampled grid. Mean and std use Welford's recurrence; std is the
// population deviation.
func gridStats(buf *hdf5.Buffer) *GridStats {
	var (
		n          int64
		mean, m2   float64
		minV, maxV float64
	)
	for i := 0; i < buf.Len(); i++ {
		f, ok := buf.Float(i)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		n++
		if n == 1 {
			minV, maxV = f, f
		} else {
			if f < minV {
				minV = f
			}
			if f > maxV {
				maxV = f
			}
		}
		delta := f - mean
		mean += delta / float64(n)
		m2 += delta * (f - mean)
	}
	if n == 0 {
		return &GridStats{}
	}
	return &GridStats{Min: minV, Max: maxV, Mean: mean, Std: math.Sqrt(m2 / float64(n))}
}
