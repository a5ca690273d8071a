package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h5lab/h5serve/internal/cache"
	"github.com/h5lab/h5serve/internal/config"
	"github.com/h5lab/h5serve/internal/engine"
	"github.com/h5lab/h5serve/internal/pool"
	"github.com/h5lab/h5serve/internal/storage"
)

const fixturesDir = "../hdf5/testdata"

func newTestEngine(t *testing.T, dir string, mutate ...func(*config.Config)) *engine.Engine {
	t.Helper()
	store, err := storage.NewLocal(dir)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Storage.Mode = config.ModeLocal
	cfg.Storage.BaseDir = dir
	for _, m := range mutate {
		m(&cfg)
	}

	p := pool.New(store, pool.WithMaxOpen(cfg.Readers.MaxOpen))
	t.Cleanup(func() { p.Close() })
	return engine.New(store, p, cache.New(), cfg)
}

func copyFixture(t *testing.T, name, dst string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fixturesDir, name))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, data, 0o644))
}

func kindOf(t *testing.T, err error) engine.ErrorKind {
	t.Helper()
	var e *engine.Error
	require.ErrorAs(t, err, &e)
	return e.Kind
}

func TestChildrenListsRootNodes(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	res, cached, err := e.Children(context.Background(), "basic.h5", "/", "")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "basic.h5", res.Key)
	assert.Equal(t, "/", res.Path)
	require.Len(t, res.Children, 4)

	grp, ok := res.Children[0].(engine.GroupChild)
	require.True(t, ok)
	assert.Equal(t, "Unnamed", grp.Name)
	assert.Equal(t, "/Unnamed", grp.Path)
	assert.Equal(t, "group", grp.Kind)
	assert.Equal(t, 3, grp.NumChildren)

	ints, ok := res.Children[2].(engine.DatasetChild)
	require.True(t, ok)
	assert.Equal(t, "ints8", ints.Name)
	assert.Equal(t, "dataset", ints.Kind)
	assert.Equal(t, []int64{6}, ints.Shape)
	assert.Equal(t, "int8", ints.Dtype)
	assert.EqualValues(t, 6, ints.Size)
	assert.Equal(t, 1, ints.Ndim)

	scalar, ok := res.Children[3].(engine.DatasetChild)
	require.True(t, ok)
	assert.Equal(t, "scalar", scalar.Name)
	assert.Len(t, scalar.Shape, 0)
	assert.Equal(t, "float32", scalar.Dtype)
	assert.EqualValues(t, 1, scalar.Size)
	assert.Equal(t, map[string]any{"desc": "scalar value"}, scalar.Attributes)
	assert.Equal(t, 1, scalar.NumAttributes)
	assert.False(t, scalar.AttributesTruncated)
}

func TestChildrenResolvesSoftLinks(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	res, _, err := e.Children(context.Background(), "basic.h5", "/", "")
	require.NoError(t, err)
	alias, ok := res.Children[1].(engine.DatasetChild)
	require.True(t, ok)
	assert.Equal(t, "alias", alias.Name)
	assert.Equal(t, []int64{12}, alias.Shape)
	assert.Equal(t, "float64", alias.Dtype)

	// v2 link messages: dangling and external links are dropped.
	res, _, err = e.Children(context.Background(), "v2groups.h5", "/", "")
	require.NoError(t, err)
	require.Len(t, res.Children, 2)
	leaf, ok := res.Children[0].(engine.DatasetChild)
	require.True(t, ok)
	assert.Equal(t, "alias", leaf.Name)
	assert.Equal(t, "int32", leaf.Dtype)
	grp, ok := res.Children[1].(engine.GroupChild)
	require.True(t, ok)
	assert.Equal(t, "grp", grp.Name)
	assert.Equal(t, 1, grp.NumChildren)
}

func TestChildrenDatasetAttributesInline(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	res, _, err := e.Children(context.Background(), "basic.h5", "/Unnamed", "")
	require.NoError(t, err)
	require.Len(t, res.Children, 3)

	conn, ok := res.Children[0].(engine.DatasetChild)
	require.True(t, ok)
	assert.Equal(t, "Connections", conn.Name)
	assert.Equal(t, []int64{18, 4}, conn.Shape)
	assert.Empty(t, conn.Chunks)
	assert.Equal(t, 2, conn.NumAttributes)
	assert.Equal(t, "cable links", conn.Attributes["Description"])
	assert.EqualValues(t, 72, conn.Attributes["count"])

	sub, ok := res.Children[1].(engine.GroupChild)
	require.True(t, ok)
	assert.Equal(t, "Sub", sub.Name)
	assert.Equal(t, 0, sub.NumChildren)
}

func TestChildrenOfDatasetRejected(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Children(context.Background(), "basic.h5", "/Unnamed/Connections", "")
	assert.Equal(t, engine.KindBadSelection, kindOf(t, err))
}

func TestChildrenMissingPath(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Children(context.Background(), "basic.h5", "/nope", "")
	assert.Equal(t, engine.KindNotFound, kindOf(t, err))

	_, _, err = e.Children(context.Background(), "missing.h5", "/", "")
	assert.Equal(t, engine.KindNotFound, kindOf(t, err))
}

func TestMetaDataset(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Meta(context.Background(), "basic.h5", "/Unnamed/Connections", "")
	require.NoError(t, err)
	meta, ok := v.(*engine.DatasetMeta)
	require.True(t, ok)

	assert.Equal(t, "dataset", meta.Kind)
	assert.Equal(t, "Connections", meta.Name)
	assert.Equal(t, "/Unnamed/Connections", meta.Path)
	assert.Equal(t, []int64{18, 4}, meta.Shape)
	assert.Equal(t, 2, meta.Ndim)
	assert.EqualValues(t, 72, meta.Size)
	assert.Equal(t, "int32", meta.Dtype)

	assert.Equal(t, "Integer", meta.Type.Class)
	require.NotNil(t, meta.Type.Signed)
	assert.True(t, *meta.Type.Signed)
	assert.Equal(t, 32, meta.Type.Size)
	assert.Equal(t, "little-endian", meta.Type.Endianness)

	assert.Equal(t, "fixed-point", meta.RawType.Type)
	assert.Equal(t, 4, meta.RawType.Size)
	assert.True(t, meta.RawType.LittleEndian)
	assert.False(t, meta.RawType.Vlen)
	assert.Equal(t, 4, meta.RawType.TotalSize)

	assert.Empty(t, meta.Chunks)
	assert.Empty(t, meta.Compression)
	assert.Empty(t, meta.Filters)

	require.Len(t, meta.Attributes, 2)
	assert.Equal(t, "Description", meta.Attributes[0].Name)
	assert.Equal(t, "cable links", meta.Attributes[0].Value)
	assert.Equal(t, "count", meta.Attributes[1].Name)
	assert.EqualValues(t, 72, meta.Attributes[1].Value)
}

func TestMetaGroup(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Meta(context.Background(), "basic.h5", "/", "")
	require.NoError(t, err)
	meta, ok := v.(*engine.GroupMeta)
	require.True(t, ok)

	assert.Equal(t, "group", meta.Kind)
	assert.Equal(t, "", meta.Name)
	assert.Equal(t, "/", meta.Path)
	assert.Equal(t, 4, meta.NumChildren)
	require.Len(t, meta.Attributes, 1)
	assert.Equal(t, "source", meta.Attributes[0].Name)
	assert.Equal(t, "sensor01", meta.Attributes[0].Value)
}

func TestMetaChunkedFilters(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	v, _, err := e.Meta(context.Background(), "chunked.h5", "/shufgz", "")
	require.NoError(t, err)
	meta := v.(*engine.DatasetMeta)

	assert.Equal(t, "float64", meta.Dtype)
	assert.Equal(t, []int64{8, 8}, meta.Chunks)
	assert.Equal(t, "gzip", meta.Compression)
	require.NotNil(t, meta.CompressionLevel)
	assert.Equal(t, 4, *meta.CompressionLevel)

	require.Len(t, meta.Filters, 2)
	assert.Equal(t, "shuffle", meta.Filters[0].Name)
	assert.Equal(t, 2, meta.Filters[0].ID)
	assert.Nil(t, meta.Filters[0].Level)
	assert.Equal(t, "deflate", meta.Filters[1].Name)
	assert.Equal(t, 1, meta.Filters[1].ID)
	require.NotNil(t, meta.Filters[1].Level)
	assert.Equal(t, 4, *meta.Filters[1].Level)
}

func TestMetaTypeVariants(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	cases := []struct {
		path       string
		dtype      string
		class      string
		endianness string
		rawType    string
	}{
		{"/u16be", ">u2", "Integer", "big-endian", "fixed-point"},
		{"/fixedstr", "|S8", "String", "not-applicable", "string"},
		{"/varstr", "object", "String", "not-applicable", "vlen"},
		{"/flags", "bool", "Boolean", "not-applicable", "enum"},
		{"/comp", "compound", "Unknown", "not-applicable", "compound"},
		{"/bigint", "int64", "Integer", "little-endian", "fixed-point"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			v, _, err := e.Meta(context.Background(), "types.h5", tc.path, "")
			require.NoError(t, err)
			meta := v.(*engine.DatasetMeta)
			assert.Equal(t, tc.dtype, meta.Dtype)
			assert.Equal(t, tc.class, meta.Type.Class)
			assert.Equal(t, tc.endianness, meta.Type.Endianness)
			assert.Equal(t, tc.rawType, meta.RawType.Type)
		})
	}

	v, _, err := e.Meta(context.Background(), "types.h5", "/u16be", "")
	require.NoError(t, err)
	meta := v.(*engine.DatasetMeta)
	require.NotNil(t, meta.Type.Signed)
	assert.False(t, *meta.Type.Signed)
	assert.False(t, meta.RawType.LittleEndian)

	v, _, err = e.Meta(context.Background(), "types.h5", "/bigint", "")
	require.NoError(t, err)
	meta = v.(*engine.DatasetMeta)
	assert.Equal(t, 0, meta.Ndim)
	assert.EqualValues(t, 1, meta.Size)
	assert.Len(t, meta.Shape, 0)
}

func TestMetaRequiresPath(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Meta(context.Background(), "basic.h5", "", "")
	assert.Equal(t, engine.KindBadSelection, kindOf(t, err))
}

func TestStaleHintConflict(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Children(context.Background(), "basic.h5", "/", "not-the-current-token")
	var ee *engine.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, engine.KindStale, ee.Kind)
	assert.NotEmpty(t, ee.CurrentToken)

	// The hint the engine reported back is accepted on retry.
	res, _, err := e.Children(context.Background(), "basic.h5", "/", ee.CurrentToken)
	require.NoError(t, err)
	assert.Len(t, res.Children, 4)
}

func TestTraversalForbidden(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Children(context.Background(), "../etc/passwd", "/", "")
	assert.Equal(t, engine.KindForbidden, kindOf(t, err))

	_, _, err = e.Data(context.Background(), engine.DataRequest{Key: "a/../../b.h5", Path: "/x"})
	assert.Equal(t, engine.KindForbidden, kindOf(t, err))

	_, _, err = e.Listing(context.Background(), "../secrets", "/", 100)
	assert.Equal(t, engine.KindForbidden, kindOf(t, err))
}

func TestChildrenCachePerToken(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	copyFixture(t, "basic.h5", filepath.Join(dir, "data.h5"))
	e := newTestEngine(t, dir)

	res, cached, err := e.Children(context.Background(), "data.h5", "/", "")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, res.Children, 4)

	_, cached, err = e.Children(context.Background(), "data.h5", "/", "")
	require.NoError(t, err)
	assert.True(t, cached)

	// Replacing the object invalidates every derived artifact.
	copyFixture(t, "types.h5", filepath.Join(dir, "data.h5"))
	res, cached, err = e.Children(context.Background(), "data.h5", "/", "")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, res.Children, 6)
}

func TestListingLevels(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	copyFixture(t, "basic.h5", filepath.Join(dir, "top.h5"))
	copyFixture(t, "basic.h5", filepath.Join(dir, "runs", "a.h5"))
	copyFixture(t, "chunked.h5", filepath.Join(dir, "runs", "deep", "b.hdf5"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	e := newTestEngine(t, dir)

	res, cached, err := e.Listing(context.Background(), "", "/", 100)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, dir, res.Bucket)
	require.Len(t, res.Folders, 1)
	assert.Equal(t, "runs/", res.Folders[0].Key)
	assert.Equal(t, "runs", res.Folders[0].Name)
	assert.Equal(t, "folder", res.Folders[0].Type)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "top.h5", res.Files[0].Key)
	assert.Equal(t, "file", res.Files[0].Type)
	assert.NotEmpty(t, res.Files[0].LastModified)
	assert.Equal(t, 1, res.FoldersCount)
	assert.Equal(t, 1, res.FilesCount)
	assert.Equal(t, 2, res.Count)
	require.Len(t, res.Breadcrumbs, 1)
	assert.Equal(t, "Root", res.Breadcrumbs[0].Name)

	res, _, err = e.Listing(context.Background(), "runs", "/", 100)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "runs/a.h5", res.Files[0].Key)
	assert.Equal(t, "a.h5", res.Files[0].Name)
	require.Len(t, res.Folders, 1)
	assert.Equal(t, "deep", res.Folders[0].Name)
	require.Len(t, res.Breadcrumbs, 2)
	assert.Equal(t, "runs", res.Breadcrumbs[1].Name)
	assert.Equal(t, "runs", res.Breadcrumbs[1].Prefix)
}

func TestListingRecursive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	copyFixture(t, "basic.h5", filepath.Join(dir, "top.h5"))
	copyFixture(t, "basic.h5", filepath.Join(dir, "runs", "a.h5"))
	copyFixture(t, "chunked.h5", filepath.Join(dir, "runs", "deep", "b.hdf5"))
	e := newTestEngine(t, dir)

	res, _, err := e.Listing(context.Background(), "", "", 100)
	require.NoError(t, err)
	assert.Empty(t, res.Folders)
	require.Len(t, res.Files, 3)
	assert.Equal(t, "runs/a.h5", res.Files[0].Key)
	assert.Equal(t, "runs/deep/b.hdf5", res.Files[1].Key)
	assert.Equal(t, "top.h5", res.Files[2].Key)
}

func TestListingMaxItemsValidation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, fixturesDir)

	_, _, err := e.Listing(context.Background(), "", "/", 0)
	assert.Equal(t, engine.KindBadSelection, kindOf(t, err))
	_, _, err = e.Listing(context.Background(), "", "/", -5)
	assert.Equal(t, engine.KindBadSelection, kindOf(t, err))
}

func TestListingRefresh(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	copyFixture(t, "basic.h5", filepath.Join(dir, "one.h5"))
	e := newTestEngine(t, dir)

	res, _, err := e.Listing(context.Background(), "", "/", 100)
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)

	copyFixture(t, "basic.h5", filepath.Join(dir, "two.h5"))
	res, cached, err := e.Listing(context.Background(), "", "/", 100)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Len(t, res.Files, 1)

	dropped := e.RefreshListings()
	assert.Positive(t, dropped)
	res, cached, err = e.Listing(context.Background(), "", "/", 100)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, res.Files, 2)
}
