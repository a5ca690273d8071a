package hdf5

import (
	"bytes"
	"context"
	"fmt"
)

type layoutClass uint8

const (
	layoutCompact    layoutClass = 0
	layoutContiguous layoutClass = 1
	layoutChunked    layoutClass = 2
)

type layout struct {
	class layoutClass

	compactData []byte

	dataAddr uint64
	dataSize uint64

	btreeAddr uint64
	chunkDims []int64
	elemSize  int
}

// parseLayout decodes a version 3 data layout message.
func parseLayout(r *byteReader) (layout, error) {
	version := r.u8()
	if version != 3 {
		return layout{}, fmt.Errorf("%w: data layout version %d", ErrUnsupported, version)
	}
	class := layoutClass(r.u8())
	lay := layout{class: class}
	switch class {
	case layoutCompact:
		size := int(r.u16())
		data := r.bytes(size)
		if data != nil {
			lay.compactData = append([]byte(nil), data...)
		}
	case layoutContiguous:
		lay.dataAddr = r.offset()
		lay.dataSize = r.length()
	case layoutChunked:
		dim := int(r.u8())
		if dim < 1 {
			return layout{}, fmt.Errorf("%w: chunked layout dimensionality %d", ErrCorrupted, dim)
		}
		lay.btreeAddr = r.offset()
		dims := make([]int64, dim)
		for i := range dims {
			dims[i] = int64(r.u32())
		}
		// The trailing entry is the element size, not a dimension.
		lay.chunkDims = dims[:dim-1]
		lay.elemSize = int(dims[dim-1])
	default:
		return layout{}, fmt.Errorf("%w: data layout class %d", ErrUnsupported, class)
	}
	if r.err != nil {
		return layout{}, r.err
	}
	return lay, nil
}

// Span selects elements along one dimension: Count elements starting at
// Start, Step apart.
type Span struct {
	Start int64
	Count int64
	Step  int64
}

// NumElements returns the total element count of a selection.
func NumElements(spans []Span) int64 {
	n := int64(1)
	for _, s := range spans {
		n *= s.Count
	}
	return n
}

// ctxCheckStride is how many elements are gathered between context
// checks.
const ctxCheckStride = 8192

// ReadSlab extracts a strided hyperslab. spans must have one entry per
// dimension (none for scalars); results are in row-major selection
// order. The context is honored between rows and chunk fetches.
func (o *Object) ReadSlab(ctx context.Context, spans []Span) (*Buffer, error) {
	if o.hd.kind != KindDataset {
		return nil, fmt.Errorf("%w: %s is not a dataset", ErrNotFound, o.path)
	}
	dims := o.hd.space.dims
	if len(spans) != len(dims) {
		return nil, fmt.Errorf("hdf5: selection rank %d against dataset rank %d", len(spans), len(dims))
	}
	for i, s := range spans {
		if s.Start < 0 || s.Count < 0 || s.Step < 1 {
			return nil, fmt.Errorf("hdf5: invalid span %+v for dimension %d", s, i)
		}
		if s.Count > 0 && s.Start+(s.Count-1)*s.Step >= dims[i] {
			return nil, fmt.Errorf("hdf5: span %+v exceeds dimension %d of size %d", s, i, dims[i])
		}
	}

	total := o.hd.space.numElements()
	n := NumElements(spans)
	if o.hd.space.null || total == 0 {
		n = 0
	}
	dec, err := newDecoder(o.f, o.hd.dtype, int(n))
	if err != nil {
		return nil, fmt.Errorf("hdf5: read %s: %w", o.path, err)
	}
	if n == 0 {
		return dec.buf, nil
	}

	switch o.hd.layout.class {
	case layoutCompact, layoutContiguous:
		err = o.readLinear(ctx, spans, dec)
	case layoutChunked:
		err = o.readChunked(ctx, spans, dec)
	default:
		err = fmt.Errorf("%w: layout class %d", ErrUnsupported, o.hd.layout.class)
	}
	if err != nil {
		return nil, fmt.Errorf("hdf5: read %s: %w", o.path, err)
	}
	return dec.buf, nil
}

// linearSource serves contiguous element ranges by flat element index.
type linearSource func(elem, count int64) ([]byte, error)

func (o *Object) linearSource() (linearSource, error) {
	elemSize := int64(o.hd.dtype.Size)
	if o.hd.layout.class == layoutCompact {
		data := o.hd.layout.compactData
		return func(elem, count int64) ([]byte, error) {
			lo, hi := elem*elemSize, (elem+count)*elemSize
			if hi > int64(len(data)) {
				return nil, fmt.Errorf("%w: compact data short", ErrCorrupted)
			}
			return data[lo:hi], nil
		}, nil
	}
	addr := o.hd.layout.dataAddr
	if addr == undefinedAddr {
		// Never-written contiguous data reads as fill (zeros).
		return func(elem, count int64) ([]byte, error) {
			return make([]byte, count*elemSize), nil
		}, nil
	}
	return func(elem, count int64) ([]byte, error) {
		return o.f.readBlock(addr+uint64(elem*elemSize), int(count*elemSize))
	}, nil
}

// readLinear gathers from compact or contiguous storage row by row: all
// elements selected along the innermost dimension share one raw read.
func (o *Object) readLinear(ctx context.Context, spans []Span, dec *decoder) error {
	src, err := o.linearSource()
	if err != nil {
		return err
	}
	dims := o.hd.space.dims
	rank := len(dims)
	elemSize := int64(o.hd.dtype.Size)

	if rank == 0 {
		raw, err := src(0, 1)
		if err != nil {
			return err
		}
		return dec.decode(raw)
	}

	// Element strides of the source array.
	strides := make([]int64, rank)
	strides[rank-1] = 1
	for d := rank - 2; d >= 0; d-- {
		strides[d] = strides[d+1] * dims[d+1]
	}

	inner := spans[rank-1]
	outer := spans[:rank-1]
	idx := make([]int64, len(outer))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		base := int64(0)
		for d, s := range outer {
			base += (s.Start + idx[d]*s.Step) * strides[d]
		}
		first := base + inner.Start
		spanElems := (inner.Count-1)*inner.Step + 1
		raw, err := src(first, spanElems)
		if err != nil {
			return err
		}
		for i := int64(0); i < inner.Count; i++ {
			off := i * inner.Step * elemSize
			if err := dec.decode(raw[off:]); err != nil {
				return err
			}
		}

		// Advance the outer odometer.
		d := len(idx) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < outer[d].Count {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

// chunkRef locates one stored chunk.
type chunkRef struct {
	addr uint64
	size uint32
	mask uint32
}

// chunkIndex walks the version 1 chunk B-tree once per header and maps
// linear chunk numbers to stored chunks.
func (o *Object) chunkIndex() (map[int64]chunkRef, error) {
	hd := o.hd
	o.f.mu.Lock()
	if hd.chunkRefs != nil {
		refs := hd.chunkRefs
		o.f.mu.Unlock()
		return refs, nil
	}
	o.f.mu.Unlock()

	rank := len(hd.space.dims)
	gridStrides := chunkGridStrides(hd.space.dims, hd.layout.chunkDims)

	refs := make(map[int64]chunkRef)
	if hd.layout.btreeAddr != undefinedAddr {
		if err := o.f.walkChunkBtree(hd.layout.btreeAddr, rank, hd.layout.chunkDims, gridStrides, refs, 0); err != nil {
			return nil, err
		}
	}

	o.f.mu.Lock()
	if hd.chunkRefs == nil {
		hd.chunkRefs = refs
	} else {
		refs = hd.chunkRefs
	}
	o.f.mu.Unlock()
	return refs, nil
}

// chunkGridStrides returns strides over the chunk grid so a chunk's
// coordinates flatten to a single map key.
func chunkGridStrides(dims, chunkDims []int64) []int64 {
	rank := len(dims)
	grid := make([]int64, rank)
	for d := range grid {
		grid[d] = (dims[d] + chunkDims[d] - 1) / chunkDims[d]
	}
	strides := make([]int64, rank)
	if rank > 0 {
		strides[rank-1] = 1
		for d := rank - 2; d >= 0; d-- {
			strides[d] = strides[d+1] * grid[d+1]
		}
	}
	return strides
}

func (f *File) walkChunkBtree(addr uint64, rank int, chunkDims, gridStrides []int64, refs map[int64]chunkRef, depth int) error {
	if depth > maxBtreeDepth {
		return fmt.Errorf("%w: chunk B-tree too deep", ErrCorrupted)
	}
	headSize := 8 + 2*f.sb.offsetSize
	r, err := f.reader(addr, headSize)
	if err != nil {
		return err
	}
	if sig := r.bytes(4); !bytes.Equal(sig, []byte("TREE")) {
		return fmt.Errorf("%w: bad B-tree signature", ErrCorrupted)
	}
	if typ := r.u8(); typ != 1 {
		return fmt.Errorf("%w: B-tree node type %d in chunk index", ErrCorrupted, typ)
	}
	level := int(r.u8())
	entries := int(r.u16())
	r.offset() // left sibling
	r.offset() // right sibling
	if r.err != nil {
		return r.err
	}

	// Keys carry chunk size, filter mask, and offsets in dataset space,
	// with one trailing dimension always zero.
	keySize := 8 + 8*(rank+1)
	bodySize := (entries+1)*keySize + entries*f.sb.offsetSize
	br, err := f.reader(addr+uint64(headSize), bodySize)
	if err != nil {
		return err
	}

	for i := 0; i < entries; i++ {
		size := br.u32()
		mask := br.u32()
		coords := make([]int64, rank)
		for d := 0; d < rank; d++ {
			coords[d] = int64(br.u64())
		}
		br.u64() // element-size dimension
		child := br.offset()
		if br.err != nil {
			return br.err
		}

		if level > 0 {
			if err := f.walkChunkBtree(child, rank, chunkDims, gridStrides, refs, depth+1); err != nil {
				return err
			}
			continue
		}
		key := int64(0)
		for d := 0; d < rank; d++ {
			key += (coords[d] / chunkDims[d]) * gridStrides[d]
		}
		refs[key] = chunkRef{addr: child, size: size, mask: mask}
	}
	return nil
}

// chunkLoader fetches and defilters chunks with a small per-read cache.
type chunkLoader struct {
	obj   *Object
	refs  map[int64]chunkRef
	bytes int64 // expected decoded chunk size

	cache map[int64][]byte
	order []int64
	zero  []byte
}

const chunkCacheSlots = 4

func (o *Object) newChunkLoader() (*chunkLoader, error) {
	refs, err := o.chunkIndex()
	if err != nil {
		return nil, err
	}
	elems := int64(1)
	for _, d := range o.hd.layout.chunkDims {
		elems *= d
	}
	return &chunkLoader{
		obj:   o,
		refs:  refs,
		bytes: elems * int64(o.hd.dtype.Size),
		cache: make(map[int64][]byte, chunkCacheSlots),
	}, nil
}

func (l *chunkLoader) load(key int64) ([]byte, error) {
	if data, ok := l.cache[key]; ok {
		return data, nil
	}
	ref, ok := l.refs[key]
	var data []byte
	if !ok {
		// Unwritten chunk: fill value bytes (zeros).
		if l.zero == nil {
			l.zero = make([]byte, l.bytes)
		}
		data = l.zero
	} else {
		raw, err := l.obj.f.readBlock(ref.addr, int(ref.size))
		if err != nil {
			return nil, err
		}
		data, err = applyFilters(raw, l.obj.hd.filters, ref.mask, l.obj.hd.dtype.Size)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) < l.bytes {
			return nil, fmt.Errorf("%w: chunk decoded to %d of %d bytes", ErrCorrupted, len(data), l.bytes)
		}
	}

	if len(l.order) >= chunkCacheSlots {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.cache, oldest)
	}
	l.cache[key] = data
	l.order = append(l.order, key)
	return data, nil
}

// readChunked gathers element by element through the chunk loader.
func (o *Object) readChunked(ctx context.Context, spans []Span, dec *decoder) error {
	loader, err := o.newChunkLoader()
	if err != nil {
		return err
	}
	dims := o.hd.space.dims
	chunkDims := o.hd.layout.chunkDims
	rank := len(dims)
	if len(chunkDims) != rank {
		return fmt.Errorf("%w: chunk rank %d against dataset rank %d", ErrCorrupted, len(chunkDims), rank)
	}
	gridStrides := chunkGridStrides(dims, chunkDims)

	chunkStrides := make([]int64, rank)
	chunkStrides[rank-1] = 1
	for d := rank - 2; d >= 0; d-- {
		chunkStrides[d] = chunkStrides[d+1] * chunkDims[d+1]
	}

	idx := make([]int64, rank)
	coord := make([]int64, rank)
	elemSize := int64(o.hd.dtype.Size)

	for count := int64(0); ; count++ {
		if count%ctxCheckStride == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		key := int64(0)
		within := int64(0)
		for d := 0; d < rank; d++ {
			coord[d] = spans[d].Start + idx[d]*spans[d].Step
			key += (coord[d] / chunkDims[d]) * gridStrides[d]
			within += (coord[d] % chunkDims[d]) * chunkStrides[d]
		}
		data, err := loader.load(key)
		if err != nil {
			return err
		}
		if err := dec.decode(data[within*elemSize:]); err != nil {
			return err
		}

		d := rank - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < spans[d].Count {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}
