package hdf5

import (
	"bytes"
	"fmt"
)

// globalHeap is one parsed global heap collection. Variable-length data
// (vlen strings) lives in these collections, referenced by address and
// object index.
type globalHeap struct {
	objects map[uint32][]byte
}

// globalHeapObject fetches object index from the collection at addr,
// parsing and caching the collection on first touch.
func (f *File) globalHeapObject(addr uint64, index uint32) ([]byte, error) {
	f.mu.Lock()
	heap, ok := f.heaps[addr]
	f.mu.Unlock()
	if !ok {
		parsed, err := f.readGlobalHeap(addr)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		if prev, ok := f.heaps[addr]; ok {
			parsed = prev
		} else {
			f.heaps[addr] = parsed
		}
		f.mu.Unlock()
		heap = parsed
	}
	data, ok := heap.objects[index]
	if !ok {
		return nil, fmt.Errorf("%w: global heap object %d missing at %d", ErrCorrupted, index, addr)
	}
	return data, nil
}

func (f *File) readGlobalHeap(addr uint64) (*globalHeap, error) {
	headSize := 8 + f.sb.lengthSize
	r, err := f.reader(addr, headSize)
	if err != nil {
		return nil, err
	}
	if sig := r.bytes(4); !bytes.Equal(sig, []byte("GCOL")) {
		return nil, fmt.Errorf("%w: bad global heap signature", ErrCorrupted)
	}
	if v := r.u8(); v != 1 {
		return nil, fmt.Errorf("%w: global heap version %d", ErrUnsupported, v)
	}
	r.skip(3) // reserved
	collectionSize := int(r.length())
	if r.err != nil {
		return nil, r.err
	}
	if collectionSize < headSize {
		return nil, fmt.Errorf("%w: global heap size %d too small", ErrCorrupted, collectionSize)
	}

	block, err := f.reader(addr, collectionSize)
	if err != nil {
		return nil, err
	}
	block.skip(headSize)

	heap := &globalHeap{objects: make(map[uint32][]byte)}
	// Objects follow until the free-space object (index 0) or the end.
	for block.remaining() >= 8+block.lengthSize {
		index := uint32(block.u16())
		block.skip(2) // reference count
		block.skip(4) // reserved
		size := int(block.length())
		if block.err != nil {
			return nil, block.err
		}
		if index == 0 {
			break
		}
		data := block.bytes(size)
		if block.err != nil {
			return nil, block.err
		}
		heap.objects[index] = data
		block.align(8)
	}
	return heap, nil
}
