package storage_test

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/h5lab/h5serve/internal/storage"
)

// countingHandle records how many ReadAt calls reach the underlying data.
type countingHandle struct {
	data  []byte
	id    string
	reads atomic.Int64
}

func (h *countingHandle) ReadAt(p []byte, off int64) (int, error) {
	h.reads.Add(1)
	return bytes.NewReader(h.data).ReadAt(p, off)
}

func (h *countingHandle) Size() int64      { return int64(len(h.data)) }
func (h *countingHandle) Token() string    { return "t1" }
func (h *countingHandle) SourceID() string { return h.id }
func (h *countingHandle) Close() error     { return nil }

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestBlockCacheServesRepeatReadsFromCache(t *testing.T) {
	t.Parallel()

	src := &countingHandle{data: pattern(1000), id: "a|t1"}
	cache := storage.NewBlockCache(0, storage.WithBlockSize(256))
	h := cache.Wrap(src)

	buf := make([]byte, 100)
	_, err := h.ReadAt(buf, 50)
	require.NoError(t, err)
	assert.Equal(t, pattern(1000)[50:150], buf)

	first := src.reads.Load()
	require.Greater(t, first, int64(0))

	// Same range again: served entirely from cache.
	_, err = h.ReadAt(buf, 50)
	require.NoError(t, err)
	assert.Equal(t, first, src.reads.Load())

	// Overlapping range within the same block also hits.
	_, err = h.ReadAt(buf[:20], 200)
	require.NoError(t, err)
	assert.Equal(t, first, src.reads.Load())
}

func TestBlockCacheClampsTailRead(t *testing.T) {
	t.Parallel()

	src := &countingHandle{data: pattern(300), id: "b|t1"}
	h := storage.NewBlockCache(0, storage.WithBlockSize(128)).Wrap(src)

	buf := make([]byte, 100)
	n, err := h.ReadAt(buf, 250)
	assert.Equal(t, 50, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, pattern(300)[250:], buf[:n])

	_, err = h.ReadAt(buf, 300)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBlockCacheEvictsToStayUnderLimit(t *testing.T) {
	t.Parallel()

	src := &countingHandle{data: pattern(4096), id: "c|t1"}
	cache := storage.NewBlockCache(512, storage.WithBlockSize(256), storage.WithMaxBlocksPerRead(0))
	h := cache.Wrap(src)

	buf := make([]byte, 256)
	for off := int64(0); off < 4096; off += 256 {
		_, err := h.ReadAt(buf, off)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, cache.SizeBytes(), int64(512))
}

func TestBlockCacheBypassesLargeReads(t *testing.T) {
	t.Parallel()

	src := &countingHandle{data: pattern(8192), id: "d|t1"}
	cache := storage.NewBlockCache(0, storage.WithBlockSize(256), storage.WithMaxBlocksPerRead(2))
	h := cache.Wrap(src)

	// Spans 8 blocks, over the 2-block limit: goes straight to the source.
	buf := make([]byte, 2048)
	_, err := h.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.reads.Load())
	assert.Zero(t, cache.SizeBytes())
}

func TestBlockCacheDeduplicatesConcurrentFetches(t *testing.T) {
	t.Parallel()

	src := &countingHandle{data: pattern(256), id: "e|t1"}
	h := storage.NewBlockCache(0, storage.WithBlockSize(256)).Wrap(src)

	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			buf := make([]byte, 64)
			_, err := h.ReadAt(buf, 0)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), src.reads.Load())
}

func TestBlockCacheKeysBySource(t *testing.T) {
	t.Parallel()

	cache := storage.NewBlockCache(0, storage.WithBlockSize(128))
	a := &countingHandle{data: bytes.Repeat([]byte{'a'}, 128), id: "k|t1"}
	b := &countingHandle{data: bytes.Repeat([]byte{'b'}, 128), id: "k|t2"}

	buf := make([]byte, 128)
	_, err := cache.Wrap(a).ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, byte('a'), buf[0])

	// Same key, new token: must not see the old bytes.
	_, err = cache.Wrap(b).ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, byte('b'), buf[0])
}
