package hdf5

import "fmt"

// dataspace describes the extent of a dataset or attribute. A rank of
// zero is a scalar; null dataspaces hold no elements at all.
type dataspace struct {
	dims    []int64
	maxDims []int64 // -1 marks unlimited
	null    bool
}

// numElements returns the total element count (1 for scalars, 0 for
// null dataspaces).
func (s dataspace) numElements() int64 {
	if s.null {
		return 0
	}
	n := int64(1)
	for _, d := range s.dims {
		n *= d
	}
	return n
}

func parseDataspace(r *byteReader) (dataspace, error) {
	version := r.u8()
	rank := int(r.u8())
	flags := r.u8()

	var ds dataspace
	switch version {
	case 1:
		r.skip(5) // reserved
	case 2:
		if typ := r.u8(); typ == 2 {
			ds.null = true
		}
	default:
		return ds, fmt.Errorf("%w: dataspace version %d", ErrUnsupported, version)
	}

	ds.dims = make([]int64, rank)
	for i := range ds.dims {
		ds.dims[i] = int64(r.length())
	}
	if flags&0x1 != 0 {
		ds.maxDims = make([]int64, rank)
		for i := range ds.maxDims {
			v := r.length()
			if v == ^uint64(0) || (r.lengthSize < 8 && v == (uint64(1)<<(8*r.lengthSize))-1) {
				ds.maxDims[i] = -1
			} else {
				ds.maxDims[i] = int64(v)
			}
		}
	}
	if r.err != nil {
		return ds, r.err
	}
	return ds, nil
}
