package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/h5lab/h5serve/internal/hdf5"
	"github.com/h5lab/h5serve/internal/pool"
	"github.com/h5lab/h5serve/internal/storage"
)

// csvChunk is the number of line points read per slab while streaming a
// 1-D export.
const csvChunk = 8192

// ExportCSV streams the selection as CSV. Nothing reaches w until the
// selection validates; output is never cached. A stale container is
// retried once, but only while the stream is still untouched.
func (e *Engine) ExportCSV(ctx context.Context, req DataRequest, w io.Writer) error {
	ctx, unbind := e.cancels.bind(ctx, req.CancelKey)
	defer unbind()
	if err := checkKey(req.Key); err != nil {
		return err
	}
	release, err := e.acquireGate(ctx)
	if err != nil {
		return err
	}
	defer release()

	cw := &countingWriter{w: w}
	for attempt := 0; ; attempt++ {
		obj, err := e.store.Stat(ctx, req.Key)
		if err != nil {
			return Classify(err)
		}
		if req.Hint != "" && req.Hint != obj.ETag {
			return staleError(obj.ETag)
		}
		cont, err := e.pool.AcquireAt(ctx, req.Key, obj.ETag)
		if err != nil {
			if errors.Is(err, storage.ErrStale) && attempt == 0 {
				continue
			}
			return Classify(err)
		}
		err = e.streamCSV(ctx, cont, req, cw)
		cont.Release()
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrStale) && attempt == 0 && cw.n == 0 {
			continue
		}
		return Classify(err)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (e *Engine) streamCSV(ctx context.Context, c *pool.Container, req DataRequest, w io.Writer) error {
	obj, err := extractionTarget(c, req.Path)
	if err != nil {
		return err
	}
	sel, err := resolveSelection(obj.Shape(), req.DisplayDims, req.FixedIndices)
	if err != nil {
		return err
	}

	mode := req.Mode
	if mode == "" {
		mode = "matrix"
	}
	switch mode {
	case "matrix":
		return e.csvMatrix(ctx, obj, sel, req, w)
	case "line":
		return e.csvLine(ctx, obj, sel, req, w)
	case "heatmap":
		return e.csvHeatmap(ctx, obj, sel, req, w)
	default:
		return failf(KindBadSelection, "mode %q is not one of matrix, line, heatmap", req.Mode)
	}
}

func (e *Engine) csvMatrix(ctx context.Context, obj *hdf5.Object, sel *Selection, req DataRequest, w io.Writer) error {
	p, err := planMatrix(sel, req)
	if err != nil {
		return err
	}
	if p.flat {
		return e.csvSeries(ctx, obj, func(off, count int64) []hdf5.Span {
			return sel.spans(hdf5.Span{Start: p.rowStart + off, Count: count, Step: 1})
		}, p.rowCount, p.rowStart, 1, w)
	}
	// One slab per output row keeps memory at a single row.
	if err := e.checkElementBudget(p.colCount); err != nil {
		return err
	}
	return e.csvRows(ctx, obj, w,
		func(j int64) int64 { return p.colStart + j }, p.colCount,
		func(r int64) int64 { return p.rowStart + r }, p.rowCount,
		func(r int64) []hdf5.Span {
			return sel.spans(
				hdf5.Span{Start: p.rowStart + r, Count: 1, Step: 1},
				hdf5.Span{Start: p.colStart, Count: p.colCount, Step: 1},
			)
		})
}

func (e *Engine) csvLine(ctx context.Context, obj *hdf5.Object, sel *Selection, req DataRequest, w io.Writer) error {
	p, err := e.planLine(obj.Datatype(), obj.Shape(), sel, req)
	if err != nil {
		return err
	}
	return e.csvSeries(ctx, obj, func(off, count int64) []hdf5.Span {
		return p.slabSpans(p.start+off*p.step, count)
	}, p.returned, p.start, p.step, w)
}

func (e *Engine) csvHeatmap(ctx context.Context, obj *hdf5.Object, sel *Selection, req DataRequest, w io.Writer) error {
	p, err := e.planHeatmap(obj.Datatype(), sel, req)
	if err != nil {
		return err
	}
	return e.csvRows(ctx, obj, w,
		func(j int64) int64 { return j * p.colStep }, p.outCols,
		func(r int64) int64 { return r * p.rowStep }, p.outRows,
		func(r int64) []hdf5.Span {
			return sel.spans(
				hdf5.Span{Start: r * p.rowStep, Count: 1, Step: 1},
				hdf5.Span{Start: 0, Count: p.outCols, Step: p.colStep},
			)
		})
}

// csvSeries streams an index,value table in slab-sized chunks.
func (e *Engine) csvSeries(ctx context.Context, obj *hdf5.Object, spansAt func(off, count int64) []hdf5.Span, total, start, step int64, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"index", "value"}); err != nil {
		return err
	}
	for off := int64(0); off < total; off += csvChunk {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		count := min(int64(csvChunk), total-off)
		buf, err := obj.ReadSlab(ctx, spansAt(off, count))
		if err != nil {
			return err
		}
		for i := 0; i < buf.Len(); i++ {
			x := start + (off+int64(i))*step
			if err := cw.Write([]string{strconv.FormatInt(x, 10), csvCell(buf, i)}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// csvRows streams a labelled 2-D table, reading one output row per
// slab.
func (e *Engine) csvRows(ctx context.Context, obj *hdf5.Object, w io.Writer, colLabel func(int64) int64, cols int64, rowLabel func(int64) int64, rows int64, spansFor func(r int64) []hdf5.Span) error {
	cw := csv.NewWriter(w)
	header := make([]string, cols+1)
	header[0] = `row\col`
	for j := int64(0); j < cols; j++ {
		header[j+1] = strconv.FormatInt(colLabel(j), 10)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, cols+1)
	for r := int64(0); r < rows; r++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf, err := obj.ReadSlab(ctx, spansFor(r))
		if err != nil {
			return err
		}
		record[0] = strconv.FormatInt(rowLabel(r), 10)
		for j := 0; j < buf.Len(); j++ {
			record[j+1] = csvCell(buf, j)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// csvCell formats one element for CSV output.
func csvCell(buf *hdf5.Buffer, i int) string {
	switch v := buf.Value(i).(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
