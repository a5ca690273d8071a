package storage

import (
	"container/list"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultBlockSize is the block size used when none is configured.
const DefaultBlockSize int64 = 64 << 10

// DefaultMaxBlocksPerRead caps cached blocks per ReadAt so large
// sequential reads (whole-chunk fetches) bypass the cache.
const DefaultMaxBlocksPerRead = 4

// rangeReader is implemented by handles that can stream a byte range
// more efficiently than ReadAt.
type rangeReader interface {
	ReadRange(off, length int64) (io.ReadCloser, error)
}

// BlockCache is an in-memory LRU cache of fixed-size blocks shared across
// handles. Keys include the handle's SourceID, which embeds the freshness
// token, so blocks from a superseded object version never serve a fresh
// handle; stale blocks simply age out.
type BlockCache struct {
	blockSize        int64
	maxBytes         int64
	maxBlocksPerRead int

	mu      sync.Mutex
	bytes   int64
	entries map[string]*list.Element
	lru     *list.List // front = most recent

	fetchGroup singleflight.Group
}

type cachedBlock struct {
	key  string
	data []byte
}

// BlockCacheOption configures a BlockCache.
type BlockCacheOption func(*BlockCache)

// WithBlockSize sets the cached block size. Values <= 0 keep the default.
func WithBlockSize(n int64) BlockCacheOption {
	return func(c *BlockCache) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithMaxBlocksPerRead bypasses caching when a single ReadAt spans more
// than n blocks. Values <= 0 disable the bypass.
func WithMaxBlocksPerRead(n int) BlockCacheOption {
	return func(c *BlockCache) {
		c.maxBlocksPerRead = n
	}
}

// NewBlockCache creates a cache bounded at maxBytes (0 = unlimited).
func NewBlockCache(maxBytes int64, opts ...BlockCacheOption) *BlockCache {
	c := &BlockCache{
		blockSize:        DefaultBlockSize,
		maxBytes:         maxBytes,
		maxBlocksPerRead: DefaultMaxBlocksPerRead,
		entries:          make(map[string]*list.Element),
		lru:              list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SizeBytes returns the current cache size in bytes.
func (c *BlockCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// MaxBytes returns the configured size limit (0 = unlimited).
func (c *BlockCache) MaxBytes() int64 {
	return c.maxBytes
}

// Wrap returns a handle that serves ReadAt through the cache. Close still
// closes the underlying handle; cached blocks outlive it.
func (c *BlockCache) Wrap(h Handle) Handle {
	if c == nil || h == nil {
		return h
	}
	return &cachedHandle{src: h, cache: c, sourceID: h.SourceID()}
}

func (c *BlockCache) getBlock(sourceID string, blockIndex, blockLen int64, fetch func() ([]byte, error)) ([]byte, error) {
	key := sourceID + "#" + strconv.FormatInt(blockIndex, 10)

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		data := elem.Value.(*cachedBlock).data
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	result, err, _ := c.fetchGroup.Do(key, func() (any, error) {
		c.mu.Lock()
		if elem, ok := c.entries[key]; ok {
			c.lru.MoveToFront(elem)
			data := elem.Value.(*cachedBlock).data
			c.mu.Unlock()
			return data, nil
		}
		c.mu.Unlock()

		data, err := fetch()
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != blockLen {
			return nil, io.ErrUnexpectedEOF
		}
		c.store(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *BlockCache) store(key string, data []byte) {
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	c.entries[key] = c.lru.PushFront(&cachedBlock{key: key, data: data})
	c.bytes += int64(len(data))
	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		blk := oldest.Value.(*cachedBlock)
		c.lru.Remove(oldest)
		delete(c.entries, blk.key)
		c.bytes -= int64(len(blk.data))
	}
}

// cachedHandle serves reads block by block through the shared cache.
type cachedHandle struct {
	src      Handle
	cache    *BlockCache
	sourceID string
}

func (h *cachedHandle) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := h.src.Size()
	if off >= size {
		return 0, io.EOF
	}

	expected := int64(len(p))
	if off+expected > size {
		expected = size - off
	}

	blockSize := h.cache.blockSize
	startBlock := off / blockSize
	endBlock := (off + expected - 1) / blockSize
	blockCount := endBlock - startBlock + 1

	if h.cache.maxBlocksPerRead > 0 && blockCount > int64(h.cache.maxBlocksPerRead) {
		return h.src.ReadAt(p, off)
	}

	var n int64
	for blockIndex := startBlock; blockIndex <= endBlock; blockIndex++ {
		blockStart := blockIndex * blockSize
		blockEnd := min(blockStart+blockSize, size)
		blockLen := blockEnd - blockStart

		data, err := h.cache.getBlock(h.sourceID, blockIndex, blockLen, func() ([]byte, error) {
			return h.readBlock(blockStart, blockLen)
		})
		if err != nil {
			return int(n), err
		}

		copyStart := max(off, blockStart)
		copyEnd := min(off+expected, blockEnd)
		if copyEnd > copyStart {
			copy(p[copyStart-off:], data[copyStart-blockStart:copyEnd-blockStart])
			n += copyEnd - copyStart
		}
	}

	if expected < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (h *cachedHandle) readBlock(off, length int64) ([]byte, error) {
	if rr, ok := h.src.(rangeReader); ok {
		rc, err := rr.ReadRange(off, length)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != length {
			return nil, io.ErrUnexpectedEOF
		}
		return data, nil
	}

	buf := make([]byte, length)
	n, err := h.src.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if int64(n) != length {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

func (h *cachedHandle) Size() int64 { return h.src.Size() }

func (h *cachedHandle) Token() string { return h.src.Token() }

func (h *cachedHandle) SourceID() string { return h.sourceID }

func (h *cachedHandle) Close() error { return h.src.Close() }
