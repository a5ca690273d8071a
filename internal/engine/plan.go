package engine

import (
	"strconv"
	"strings"

	"github.com/h5lab/h5serve/internal/hdf5"
)

// Selection is a resolved split of a dataset's dimensions into display
// dimensions and pinned indices. Every dimension belongs to exactly one
// side after resolution.
type Selection struct {
	shape   []int64
	display []int
	fixed   map[int]int64
}

// resolveSelection normalizes raw display_dims and fixed_indices
// parameters against a dataset shape: defaults, Python-style negative
// indices, and middle imputation for unmentioned dimensions.
func resolveSelection(shape []int64, displayRaw, fixedRaw string) (*Selection, error) {
	ndim := len(shape)
	if ndim == 0 {
		return nil, failf(KindBadSelection, "selection requires a dataset of rank 1 or higher")
	}

	display, err := parseDisplayDims(displayRaw, ndim)
	if err != nil {
		return nil, err
	}
	if display == nil {
		if ndim >= 2 {
			display = []int{0, 1}
		} else {
			display = []int{0}
		}
	}

	fixed, err := parseFixedIndices(fixedRaw, shape)
	if err != nil {
		return nil, err
	}
	for _, d := range display {
		if _, ok := fixed[d]; ok {
			return nil, failf(KindBadSelection, "dimension %d is both displayed and fixed", d)
		}
	}
	for d := 0; d < ndim; d++ {
		if containsDim(display, d) {
			continue
		}
		if _, ok := fixed[d]; !ok {
			fixed[d] = shape[d] / 2
		}
	}
	return &Selection{shape: shape, display: display, fixed: fixed}, nil
}

func parseDisplayDims(raw string, ndim int) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) > 2 {
		return nil, failf(KindBadSelection, "display_dims takes at most two dimensions, got %q", raw)
	}
	dims := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, failf(KindBadSelection, "display_dims entry %q is not an integer", p)
		}
		if d < 0 || d >= ndim {
			return nil, failf(KindBadSelection, "display dimension %d is out of range for rank %d", d, ndim)
		}
		if containsDim(dims, d) {
			return nil, failf(KindBadSelection, "display dimension %d repeated", d)
		}
		dims = append(dims, d)
	}
	return dims, nil
}

func parseFixedIndices(raw string, shape []int64) (map[int]int64, error) {
	fixed := make(map[int]int64)
	if raw == "" {
		return fixed, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dimStr, idxStr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, failf(KindBadSelection, "fixed_indices entry %q is not of the form dim=index", part)
		}
		dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
		if err != nil {
			return nil, failf(KindBadSelection, "fixed_indices dimension %q is not an integer", dimStr)
		}
		if dim < 0 || dim >= len(shape) {
			return nil, failf(KindBadSelection, "fixed dimension %d is out of range for rank %d", dim, len(shape))
		}
		if _, dup := fixed[dim]; dup {
			return nil, failf(KindBadSelection, "fixed dimension %d repeated", dim)
		}
		idx, err := strconv.ParseInt(strings.TrimSpace(idxStr), 10, 64)
		if err != nil {
			return nil, failf(KindBadSelection, "fixed index %q is not an integer", idxStr)
		}
		size := shape[dim]
		if idx < 0 {
			idx += size
		}
		if idx < 0 || idx >= size {
			return nil, failf(KindBadSelection, "fixed index %s is out of bounds for dimension %d of size %d", strings.TrimSpace(idxStr), dim, size)
		}
		fixed[dim] = idx
	}
	return fixed, nil
}

func containsDim(dims []int, d int) bool {
	for _, v := range dims {
		if v == d {
			return true
		}
	}
	return false
}

// residual returns the sizes of the display dimensions in display
// order.
func (s *Selection) residual() []int64 {
	out := make([]int64, len(s.display))
	for i, d := range s.display {
		out[i] = s.shape[d]
	}
	return out
}

// transposed reports whether display order reverses dataset order, in
// which case the row-major read buffer must be flipped for output.
func (s *Selection) transposed() bool {
	return len(s.display) == 2 && s.display[0] > s.display[1]
}

// spans lays the display spans onto the dataset's dimension order,
// pinning every fixed dimension to a single index.
func (s *Selection) spans(displaySpans ...hdf5.Span) []hdf5.Span {
	out := make([]hdf5.Span, len(s.shape))
	for dim, idx := range s.fixed {
		out[dim] = hdf5.Span{Start: idx, Count: 1, Step: 1}
	}
	for i, dim := range s.display {
		out[dim] = displaySpans[i]
	}
	return out
}

// displayDims returns the display dimensions for echoing.
func (s *Selection) displayDims() []int {
	out := make([]int, len(s.display))
	copy(out, s.display)
	return out
}

// fixedEcho renders the resolved pins as a JSON object keyed by
// dimension.
func (s *Selection) fixedEcho() map[string]int64 {
	out := make(map[string]int64, len(s.fixed))
	for dim, idx := range s.fixed {
		out[strconv.Itoa(dim)] = idx
	}
	return out
}

// matrixPlan is a clamped matrix rectangle over the display
// dimensions. flat marks a single-dimension residual.
type matrixPlan struct {
	rowStart, rowCount int64
	colStart, colCount int64
	flat               bool
}

func (p *matrixPlan) cells() int64 {
	if p.flat {
		return p.rowCount
	}
	return p.rowCount * p.colCount
}

func planMatrix(sel *Selection, req DataRequest) (*matrixPlan, error) {
	rowOffset, _, err := parseOptInt("row_offset", req.RowOffset)
	if err != nil {
		return nil, err
	}
	rowLimit, hasRowLimit, err := parseOptInt("row_limit", req.RowLimit)
	if err != nil {
		return nil, err
	}
	colOffset, _, err := parseOptInt("col_offset", req.ColOffset)
	if err != nil {
		return nil, err
	}
	colLimit, hasColLimit, err := parseOptInt("col_limit", req.ColLimit)
	if err != nil {
		return nil, err
	}

	res := sel.residual()
	p := &matrixPlan{flat: len(res) == 1}
	p.rowStart, p.rowCount, err = clampRange("row_offset", "row_limit", rowOffset, rowLimit, hasRowLimit, res[0])
	if err != nil {
		return nil, err
	}
	if !p.flat {
		p.colStart, p.colCount, err = clampRange("col_offset", "col_limit", colOffset, colLimit, hasColLimit, res[1])
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// linePlan is a resolved strided 1-D slice along one display
// dimension, with the other display dimension pinned when present.
type linePlan struct {
	sel   *Selection
	dim   int
	index int64
	cross *hdf5.Span

	start, span, step int64
	returned          int64
	requested         string
	applied           string
}

// slabSpans builds the dataset-rank spans reading count points of the
// line starting at the absolute offset start.
func (p *linePlan) slabSpans(start, count int64) []hdf5.Span {
	lineSpan := hdf5.Span{Start: start, Count: count, Step: p.step}
	if p.cross == nil {
		return p.sel.spans(lineSpan)
	}
	if p.sel.display[0] == p.dim {
		return p.sel.spans(lineSpan, *p.cross)
	}
	return p.sel.spans(*p.cross, lineSpan)
}

func (e *Engine) planLine(dt *hdf5.Datatype, shape []int64, sel *Selection, req DataRequest) (*linePlan, error) {
	if !plottable(dt) {
		return nil, failf(KindUnsupportedType, "element type %s cannot be plotted as a line", dtypeString(dt))
	}

	p := &linePlan{sel: sel}
	lineDim, hasLineDim, err := parseOptInt("line_dim", req.LineDim)
	if err != nil {
		return nil, err
	}
	p.dim = int(lineDim)
	if !hasLineDim {
		p.dim = sel.display[0]
	}
	if p.dim < 0 || p.dim >= len(shape) {
		return nil, failf(KindBadSelection, "line_dim %d is out of range for rank %d", p.dim, len(shape))
	}
	if !containsDim(sel.display, p.dim) {
		return nil, failf(KindBadSelection, "line_dim %d is not a display dimension", p.dim)
	}

	p.index, _, err = parseOptInt("line_index", req.LineIndex)
	if err != nil {
		return nil, err
	}
	if p.index < 0 {
		return nil, failf(KindBadSelection, "line_index must be non-negative, got %d", p.index)
	}
	if len(sel.display) == 2 {
		other := sel.display[0]
		if other == p.dim {
			other = sel.display[1]
		}
		if p.index >= shape[other] {
			return nil, failf(KindBadSelection, "line_index %d is out of bounds for dimension %d of size %d", p.index, other, shape[other])
		}
		p.cross = &hdf5.Span{Start: p.index, Count: 1, Step: 1}
	}

	lineOffset, _, err := parseOptInt("line_offset", req.LineOffset)
	if err != nil {
		return nil, err
	}
	lineLimit, hasLineLimit, err := parseOptInt("line_limit", req.LineLimit)
	if err != nil {
		return nil, err
	}
	p.start, p.span, err = clampRange("line_offset", "line_limit", lineOffset, lineLimit, hasLineLimit, shape[p.dim])
	if err != nil {
		return nil, err
	}

	maxPoints, err := positiveParam("max_points", req.MaxPoints, DefaultMaxPoints)
	if err != nil {
		return nil, err
	}
	p.requested = req.Quality
	if p.requested == "" {
		p.requested = "auto"
	}
	p.applied = canonicalQuality(p.requested)
	if p.applied == "" {
		return nil, failf(KindBadSelection, "quality %q is not one of exact, overview, auto", req.Quality)
	}

	p.step = 1
	if p.applied == "exact" {
		if limit := int64(e.cfg.Limits.ExactLinePoints); limit > 0 && p.span > limit {
			return nil, failf(KindRangeTooLarge, "exact line of %d points exceeds the %d-point ceiling; use overview quality", p.span, limit)
		}
	} else if p.span > maxPoints {
		p.step = ceilDiv(p.span, maxPoints)
	}
	if p.span > 0 {
		p.returned = ceilDiv(p.span, p.step)
	}
	if err := e.checkElementBudget(p.returned); err != nil {
		return nil, err
	}
	return p, nil
}

// heatPlan fixes the strides of a decimated grid.
type heatPlan struct {
	requested, effective int64
	rowStep, colStep     int64
	outRows, outCols     int64
}

func (e *Engine) planHeatmap(dt *hdf5.Datatype, sel *Selection, req DataRequest) (*heatPlan, error) {
	if !plottable(dt) {
		return nil, failf(KindUnsupportedType, "element type %s cannot be plotted as a heatmap", dtypeString(dt))
	}
	res := sel.residual()
	if len(res) != 2 {
		return nil, failf(KindBadSelection, "heatmap requires two display dimensions, got %d", len(res))
	}

	requested, err := positiveParam("max_size", req.MaxSize, DefaultHeatmapSize)
	if err != nil {
		return nil, err
	}
	p := &heatPlan{requested: requested, effective: requested}
	if side := int64(e.cfg.Limits.HeatmapMaxSide); side > 0 && p.effective > side {
		p.effective = side
	}
	if budget := isqrt(e.cfg.Limits.HeatmapCellBudget); budget > 0 && p.effective > budget {
		p.effective = budget
	}
	p.rowStep, p.outRows = sampleAxis(res[0], p.effective)
	p.colStep, p.outCols = sampleAxis(res[1], p.effective)
	return p, nil
}

// parseOptInt parses an optional integer query parameter. Absent
// parameters report ok=false with no error.
func parseOptInt(name, raw string) (int64, bool, error) {
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, failf(KindBadSelection, "%s %q is not an integer", name, raw)
	}
	return v, true, nil
}

// clampRange bounds an offset/limit pair against a dimension size.
// Absent limits take the full remaining extent; explicit zero limits
// produce an empty range.
func clampRange(offsetName, limitName string, offset int64, limit int64, hasLimit bool, size int64) (int64, int64, error) {
	if offset < 0 {
		return 0, 0, failf(KindBadSelection, "%s must be non-negative, got %d", offsetName, offset)
	}
	if hasLimit && limit < 0 {
		return 0, 0, failf(KindBadSelection, "%s must be non-negative, got %d", limitName, limit)
	}
	if size == 0 {
		return 0, 0, nil
	}
	if offset >= size {
		return 0, 0, failf(KindOutOfRange, "%s %d is out of range for size %d", offsetName, offset, size)
	}
	count := size - offset
	if hasLimit && limit < count {
		count = limit
	}
	return offset, count, nil
}

// ceilDiv is ceil(a/b) for positive b.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// isqrt is the integer square root, floor(sqrt(n)).
func isqrt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	x := int64(1)
	for x*x <= n {
		x++
	}
	return x - 1
}
