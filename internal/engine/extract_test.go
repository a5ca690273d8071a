package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h5lab/h5serve/internal/config"
	"github.com/h5lab/h5serve/internal/engine"
)

func TestMatrixFullBlock(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, cached, err := e.Data(context.Background(), engine.DataRequest{
		Key:  "basic.h5",
		Path: "/Unnamed/Connections",
	})
	require.NoError(t, err)
	assert.False(t, cached)
	res, ok := v.(*engine.MatrixResult)
	require.True(t, ok)

	assert.Equal(t, "matrix", res.Mode)
	assert.Equal(t, []int64{18, 4}, res.Shape)
	assert.Equal(t, "int32", res.Dtype)
	assert.Equal(t, []int{0, 1}, res.DisplayDims)
	assert.Empty(t, res.FixedIndices)
	assert.EqualValues(t, 0, res.RowOffset)
	assert.EqualValues(t, 18, res.RowLimit)
	assert.EqualValues(t, 0, res.ColOffset)
	assert.EqualValues(t, 4, res.ColLimit)

	require.Len(t, res.Data, 18)
	row0 := res.Data[0].([]any)
	require.Len(t, row0, 4)
	assert.Equal(t, []any{int64(0), int64(1), int64(2), int64(3)}, row0)
	row17 := res.Data[17].([]any)
	assert.Equal(t, []any{int64(68), int64(69), int64(70), int64(71)}, row17)
}

func TestMatrixWindowClamp(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:       "basic.h5",
		Path:      "/Unnamed/Connections",
		RowOffset: "16",
		RowLimit:  "10",
		ColOffset: "2",
	})
	require.NoError(t, err)
	res := v.(*engine.MatrixResult)

	assert.EqualValues(t, 16, res.RowOffset)
	assert.EqualValues(t, 2, res.RowLimit)
	assert.EqualValues(t, 2, res.ColOffset)
	assert.EqualValues(t, 2, res.ColLimit)
	require.Len(t, res.Data, 2)
	assert.Equal(t, []any{int64(66), int64(67)}, res.Data[0].([]any))
	assert.Equal(t, []any{int64(70), int64(71)}, res.Data[1].([]any))
}

func TestMatrixTransposedDisplay(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:         "basic.h5",
		Path:        "/Unnamed/Connections",
		DisplayDims: "1,0",
	})
	require.NoError(t, err)
	res := v.(*engine.MatrixResult)

	assert.Equal(t, []int{1, 0}, res.DisplayDims)
	assert.EqualValues(t, 4, res.RowLimit)
	assert.EqualValues(t, 18, res.ColLimit)
	require.Len(t, res.Data, 4)
	// Output rows run along dimension 1, so cell (r, c) is value 4c+r.
	assert.Equal(t, int64(1), res.Data[1].([]any)[0])
	assert.Equal(t, int64(8), res.Data[0].([]any)[2])
	assert.Equal(t, int64(71), res.Data[3].([]any)[17])
}

func TestMatrixVector(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:  "basic.h5",
		Path: "/ints8",
	})
	require.NoError(t, err)
	res := v.(*engine.MatrixResult)

	assert.Equal(t, []int{0}, res.DisplayDims)
	assert.EqualValues(t, 6, res.RowLimit)
	assert.EqualValues(t, 0, res.ColLimit)
	assert.Equal(t, []any{int64(-3), int64(-2), int64(-1), int64(0), int64(1), int64(2)}, res.Data)

	// An explicit zero limit is an empty window, not an error.
	v, _, err = e.Data(context.Background(), engine.DataRequest{
		Key:      "basic.h5",
		Path:     "/ints8",
		RowLimit: "0",
	})
	require.NoError(t, err)
	res = v.(*engine.MatrixResult)
	assert.EqualValues(t, 0, res.RowLimit)
	assert.Empty(t, res.Data)
}

func TestMatrixFixedIndices(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	// Negative pins count from the end, as in Python.
	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:          "basic.h5",
		Path:         "/Unnamed/Connections",
		DisplayDims:  "1",
		FixedIndices: "0=-1",
	})
	require.NoError(t, err)
	res := v.(*engine.MatrixResult)
	assert.Equal(t, map[string]int64{"0": 17}, res.FixedIndices)
	assert.Equal(t, []any{int64(68), int64(69), int64(70), int64(71)}, res.Data)

	// Unmentioned dimensions pin to their midpoint.
	v, _, err = e.Data(context.Background(), engine.DataRequest{
		Key:         "basic.h5",
		Path:        "/Unnamed/Connections",
		DisplayDims: "1",
	})
	require.NoError(t, err)
	res = v.(*engine.MatrixResult)
	assert.Equal(t, map[string]int64{"0": 9}, res.FixedIndices)
	assert.Equal(t, []any{int64(36), int64(37), int64(38), int64(39)}, res.Data)
}

func TestMatrixNonNumericTypes(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:  "types.h5",
		Path: "/fixedstr",
	})
	require.NoError(t, err)
	res := v.(*engine.MatrixResult)
	assert.Equal(t, "|S8", res.Dtype)
	assert.Equal(t, []any{"alpha", "beta", "gamma", "delta"}, res.Data)

	v, _, err = e.Data(context.Background(), engine.DataRequest{
		Key:  "types.h5",
		Path: "/u16be",
	})
	require.NoError(t, err)
	res = v.(*engine.MatrixResult)
	assert.Equal(t, ">u2", res.Dtype)
	assert.Equal(t, []any{uint64(1), uint64(256), uint64(65535), uint64(0)}, res.Data)
}

func TestMatrixPartialChunks(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:       "chunked.h5",
		Path:      "/partial",
		RowOffset: "7",
		RowLimit:  "3",
	})
	require.NoError(t, err)
	res := v.(*engine.MatrixResult)

	require.Len(t, res.Data, 3)
	assert.Equal(t, int64(70), res.Data[0].([]any)[0])
	assert.Equal(t, int64(79), res.Data[0].([]any)[9])
	// Rows 8 and 9 live in unwritten chunks and read as fill.
	assert.Equal(t, int64(0), res.Data[1].([]any)[0])
	assert.Equal(t, int64(0), res.Data[2].([]any)[9])
}

func TestMatrixValidation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	cases := []struct {
		name string
		req  engine.DataRequest
		kind engine.ErrorKind
	}{
		{"row offset past end", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", RowOffset: "18"}, engine.KindOutOfRange},
		{"col offset past end", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", ColOffset: "4"}, engine.KindOutOfRange},
		{"negative offset", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", RowOffset: "-1"}, engine.KindBadSelection},
		{"offset not an integer", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", RowOffset: "abc"}, engine.KindBadSelection},
		{"unknown mode", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", Mode: "cube"}, engine.KindBadSelection},
		{"group target", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed"}, engine.KindBadSelection},
		{"scalar target", engine.DataRequest{Key: "basic.h5", Path: "/scalar"}, engine.KindBadSelection},
		{"missing target", engine.DataRequest{Key: "basic.h5", Path: "/nope"}, engine.KindNotFound},
		{"repeated display dim", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", DisplayDims: "0,0"}, engine.KindBadSelection},
		{"display dim out of range", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", DisplayDims: "5"}, engine.KindBadSelection},
		{"three display dims", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", DisplayDims: "0,1,1"}, engine.KindBadSelection},
		{"display dim not integer", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", DisplayDims: "x"}, engine.KindBadSelection},
		{"fixed overlaps display", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", FixedIndices: "0=1"}, engine.KindBadSelection},
		{"fixed dim out of range", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", DisplayDims: "1", FixedIndices: "9=0"}, engine.KindBadSelection},
		{"fixed index out of bounds", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", DisplayDims: "1", FixedIndices: "0=18"}, engine.KindBadSelection},
		{"fixed entry malformed", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", DisplayDims: "1", FixedIndices: "0"}, engine.KindBadSelection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := e.Data(context.Background(), tc.req)
			assert.Equal(t, tc.kind, kindOf(t, err))
		})
	}
}

func TestMatrixElementBudget(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir, func(cfg *config.Config) {
		cfg.Limits.MaxExtractElements = 10
	})

	_, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:  "basic.h5",
		Path: "/Unnamed/Connections",
	})
	assert.Equal(t, engine.KindRangeTooLarge, kindOf(t, err))

	// A window inside the budget still works.
	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:      "basic.h5",
		Path:     "/Unnamed/Connections",
		RowLimit: "2",
	})
	require.NoError(t, err)
	assert.Len(t, v.(*engine.MatrixResult).Data, 2)
}

func TestDataCachedPerSelection(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)
	req := engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", RowLimit: "2"}

	_, cached, err := e.Data(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, cached)

	_, cached, err = e.Data(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, cached)

	req.RowLimit = "3"
	_, cached, err = e.Data(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestLineOverviewDownsample(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:       "line.h5",
		Path:      "/D1",
		Mode:      "line",
		MaxPoints: "100",
	})
	require.NoError(t, err)
	res := v.(*engine.LineResult)

	assert.Equal(t, "line", res.Mode)
	assert.Equal(t, "auto", res.QualityRequested)
	assert.Equal(t, "overview", res.QualityApplied)
	assert.EqualValues(t, 10000, res.RequestedPoints)
	assert.EqualValues(t, 100, res.ReturnedPoints)
	assert.EqualValues(t, 100, res.LineStep)
	assert.EqualValues(t, 100, res.DownsampleInfo.Step)
	require.Len(t, res.Data, 100)
	assert.Equal(t, 0.0, res.Data[0])
	assert.Equal(t, 50.0, res.Data[1])
	assert.Equal(t, 4950.0, res.Data[99])
}

func TestLineExactWindow(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:        "line.h5",
		Path:       "/D1",
		Mode:       "line",
		Quality:    "exact",
		LineOffset: "100",
		LineLimit:  "4",
	})
	require.NoError(t, err)
	res := v.(*engine.LineResult)

	assert.Equal(t, "exact", res.QualityRequested)
	assert.Equal(t, "exact", res.QualityApplied)
	assert.EqualValues(t, 100, res.LineOffset)
	assert.EqualValues(t, 1, res.LineStep)
	assert.EqualValues(t, 4, res.RequestedPoints)
	assert.EqualValues(t, 4, res.ReturnedPoints)
	assert.Equal(t, []any{50.0, 50.5, 51.0, 51.5}, res.Data)
}

func TestLineExactCeiling(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir, func(cfg *config.Config) {
		cfg.Limits.ExactLinePoints = 1000
	})

	_, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:     "line.h5",
		Path:    "/D1",
		Mode:    "line",
		Quality: "exact",
	})
	assert.Equal(t, engine.KindRangeTooLarge, kindOf(t, err))
}

func TestLineAcrossSecondDim(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:       "basic.h5",
		Path:      "/Unnamed/Connections",
		Mode:      "line",
		LineDim:   "1",
		LineIndex: "2",
	})
	require.NoError(t, err)
	res := v.(*engine.LineResult)

	assert.Equal(t, 1, res.LineDim)
	assert.EqualValues(t, 2, res.LineIndex)
	assert.EqualValues(t, 1, res.LineStep)
	assert.EqualValues(t, 4, res.RequestedPoints)
	assert.Equal(t, []any{int64(8), int64(9), int64(10), int64(11)}, res.Data)
}

func TestLineBooleanSeries(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:  "types.h5",
		Path: "/flags",
		Mode: "line",
	})
	require.NoError(t, err)
	res := v.(*engine.LineResult)
	assert.Equal(t, "bool", res.Dtype)
	assert.Equal(t, []any{true, false, true, true, false}, res.Data)
}

func TestLineValidation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	cases := []struct {
		name string
		req  engine.DataRequest
		kind engine.ErrorKind
	}{
		{"quality unknown", engine.DataRequest{Key: "line.h5", Path: "/D1", Mode: "line", Quality: "fast"}, engine.KindBadSelection},
		{"offset past end", engine.DataRequest{Key: "line.h5", Path: "/D1", Mode: "line", LineOffset: "10000"}, engine.KindOutOfRange},
		{"line dim out of range", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", Mode: "line", LineDim: "3"}, engine.KindBadSelection},
		{"line dim not displayed", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", Mode: "line", DisplayDims: "0", LineDim: "1"}, engine.KindBadSelection},
		{"negative line index", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", Mode: "line", LineIndex: "-1"}, engine.KindBadSelection},
		{"line index out of bounds", engine.DataRequest{Key: "basic.h5", Path: "/Unnamed/Connections", Mode: "line", LineDim: "0", LineIndex: "4"}, engine.KindBadSelection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := e.Data(context.Background(), tc.req)
			assert.Equal(t, tc.kind, kindOf(t, err))
		})
	}
}

func TestLineUnsupportedTypes(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Data(context.Background(), engine.DataRequest{
		Key: "types.h5", Path: "/varstr", Mode: "line",
	})
	assert.Equal(t, engine.KindUnsupportedType, kindOf(t, err))

	_, _, err = e.Data(context.Background(), engine.DataRequest{
		Key: "types.h5", Path: "/comp", Mode: "line",
	})
	assert.Equal(t, engine.KindUnsupportedType, kindOf(t, err))
}

func TestHeatmapSampledWithStats(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:          "chunked.h5",
		Path:         "/gz",
		Mode:         "heatmap",
		MaxSize:      "10",
		IncludeStats: true,
	})
	require.NoError(t, err)
	res := v.(*engine.HeatmapResult)

	assert.EqualValues(t, 10, res.RequestedMaxSize)
	assert.EqualValues(t, 10, res.EffectiveMaxSize)
	assert.False(t, res.MaxSizeClamped)
	assert.True(t, res.Sampled)
	assert.EqualValues(t, 2, res.DownsampleInfo.RowStep)
	assert.EqualValues(t, 3, res.DownsampleInfo.ColStep)

	require.Len(t, res.Data, 10)
	row1 := res.Data[1].([]any)
	require.Len(t, row1, 10)
	// Cell (r, c) samples value 2r + 1.5c.
	assert.Equal(t, 0.0, res.Data[0].([]any)[0])
	assert.Equal(t, 3.5, row1[1])
	assert.Equal(t, 31.5, res.Data[9].([]any)[9])

	require.NotNil(t, res.Stats)
	assert.Equal(t, 0.0, res.Stats.Min)
	assert.Equal(t, 31.5, res.Stats.Max)
	assert.InDelta(t, 15.75, res.Stats.Mean, 1e-9)
	assert.InDelta(t, 7.18070, res.Stats.Std, 1e-4)
}

func TestHeatmapClamp(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Data(context.Background(), engine.DataRequest{
		Key:     "chunked.h5",
		Path:    "/gz",
		Mode:    "heatmap",
		MaxSize: "2000",
	})
	require.NoError(t, err)
	res := v.(*engine.HeatmapResult)

	// 2000 exceeds both the side limit and the cell budget's square root.
	assert.EqualValues(t, 2000, res.RequestedMaxSize)
	assert.EqualValues(t, 707, res.EffectiveMaxSize)
	assert.True(t, res.MaxSizeClamped)
	assert.False(t, res.Sampled)
	assert.EqualValues(t, 1, res.DownsampleInfo.RowStep)
	assert.EqualValues(t, 1, res.DownsampleInfo.ColStep)
	require.Len(t, res.Data, 20)
	assert.Len(t, res.Data[0].([]any), 30)
	assert.Nil(t, res.Stats)
}

func TestHeatmapRequiresTwoDims(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Data(context.Background(), engine.DataRequest{
		Key: "line.h5", Path: "/D1", Mode: "heatmap",
	})
	assert.Equal(t, engine.KindBadSelection, kindOf(t, err))
}

func TestPreviewScalar(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	res, _, err := e.Preview(context.Background(), engine.PreviewRequest{
		Key:  "basic.h5",
		Path: "/scalar",
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{}, res.Shape)
	assert.Equal(t, 0, res.Ndim)
	assert.Equal(t, "float32", res.Dtype)
	assert.Empty(t, res.DisplayDims)
	assert.Empty(t, res.FixedIndices)
	table, ok := res.Table.(*engine.PreviewTable1D)
	require.True(t, ok)
	assert.Equal(t, "1d", table.Kind)
	assert.EqualValues(t, 1, table.Step)
	assert.Equal(t, []any{2.5}, table.Data)
	require.NotNil(t, res.Plot)
	assert.Equal(t, "line", res.Plot.Kind)
}

func TestPreviewSeries(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	res, _, err := e.Preview(context.Background(), engine.PreviewRequest{
		Key:  "basic.h5",
		Path: "/Unnamed/Temperature",
	})
	require.NoError(t, err)

	table := res.Table.(*engine.PreviewTable1D)
	assert.EqualValues(t, 1, table.Step)
	require.Len(t, table.Data, 12)
	for i, v := range table.Data {
		assert.Equal(t, 273.15+0.25*float64(i), v)
	}
	assert.Equal(t, "line", res.Plot.Kind)

	// A small max_size strides the series.
	res, _, err = e.Preview(context.Background(), engine.PreviewRequest{
		Key:     "basic.h5",
		Path:    "/Unnamed/Temperature",
		MaxSize: "5",
	})
	require.NoError(t, err)
	table = res.Table.(*engine.PreviewTable1D)
	assert.EqualValues(t, 3, table.Step)
	require.Len(t, table.Data, 4)
	assert.Equal(t, 273.15+0.25*float64(9), table.Data[3])
}

func TestPreviewGrid(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	res, _, err := e.Preview(context.Background(), engine.PreviewRequest{
		Key:  "basic.h5",
		Path: "/Unnamed/Connections",
	})
	require.NoError(t, err)

	table, ok := res.Table.(*engine.PreviewTable2D)
	require.True(t, ok)
	assert.Equal(t, "2d", table.Kind)
	assert.EqualValues(t, 18, table.Rows)
	assert.EqualValues(t, 4, table.Cols)
	assert.EqualValues(t, 1, table.RowStep)
	assert.EqualValues(t, 1, table.ColStep)
	assert.Equal(t, int64(22), table.Data[5].([]any)[2])
	assert.Equal(t, "heatmap", res.Plot.Kind)
}

func TestPreviewStringsNotPlottable(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	res, _, err := e.Preview(context.Background(), engine.PreviewRequest{
		Key:  "types.h5",
		Path: "/fixedstr",
	})
	require.NoError(t, err)
	table := res.Table.(*engine.PreviewTable1D)
	assert.Equal(t, []any{"alpha", "beta", "gamma", "delta"}, table.Data)
	assert.Nil(t, res.Plot)
}

func TestPreviewRejections(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Preview(context.Background(), engine.PreviewRequest{
		Key: "basic.h5", Path: "/Unnamed",
	})
	assert.Equal(t, engine.KindBadSelection, kindOf(t, err))

	_, _, err = e.Preview(context.Background(), engine.PreviewRequest{
		Key: "basic.h5", Path: "/missing",
	})
	assert.Equal(t, engine.KindNotFound, kindOf(t, err))

	_, _, err = e.Preview(context.Background(), engine.PreviewRequest{
		Key: "types.h5", Path: "/comp",
	})
	assert.Equal(t, engine.KindUnsupportedType, kindOf(t, err))
}
