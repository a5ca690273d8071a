package hdf5

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Registered filter IDs.
const (
	FilterDeflate     uint16 = 1
	FilterShuffle     uint16 = 2
	FilterFletcher32  uint16 = 3
	FilterSzip        uint16 = 4
	FilterNbit        uint16 = 5
	FilterScaleOffset uint16 = 6
	FilterLZF         uint16 = 32000
)

// Filter is one stage of a dataset's filter pipeline, in application
// (write) order.
type Filter struct {
	ID     uint16
	Flags  uint16
	Values []uint32

	storedName string
}

// Name returns the registry name for known filters, falling back to the
// name stored in the pipeline message.
func (f Filter) Name() string {
	switch f.ID {
	case FilterDeflate:
		return "deflate"
	case FilterShuffle:
		return "shuffle"
	case FilterFletcher32:
		return "fletcher32"
	case FilterSzip:
		return "szip"
	case FilterNbit:
		return "nbit"
	case FilterScaleOffset:
		return "scaleoffset"
	case FilterLZF:
		return "lzf"
	}
	if f.storedName != "" {
		return f.storedName
	}
	return fmt.Sprintf("filter-%d", f.ID)
}

// Level returns the deflate compression level when present.
func (f Filter) Level() (int, bool) {
	if f.ID == FilterDeflate && len(f.Values) > 0 {
		return int(f.Values[0]), true
	}
	return 0, false
}

func parseFilterPipeline(r *byteReader) ([]Filter, error) {
	version := r.u8()
	count := int(r.u8())
	switch version {
	case 1:
		r.skip(2) // reserved
		r.skip(4) // reserved
	case 2:
	default:
		return nil, fmt.Errorf("%w: filter pipeline version %d", ErrUnsupported, version)
	}

	filters := make([]Filter, 0, count)
	for i := 0; i < count; i++ {
		var f Filter
		f.ID = r.u16()

		nameLen := 0
		if version == 1 || f.ID >= 256 {
			nameLen = int(r.u16())
		}
		f.Flags = r.u16()
		numValues := int(r.u16())

		if nameLen > 0 {
			name := r.bytes(nameLen)
			if name != nil {
				f.storedName = nulTrim(name)
			}
		}
		f.Values = make([]uint32, numValues)
		for j := range f.Values {
			f.Values[j] = r.u32()
		}
		if version == 1 && numValues%2 == 1 {
			r.skip(4)
		}
		if r.err != nil {
			return nil, r.err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// applyFilters reverses the pipeline on one chunk. mask bits (from the
// chunk index key) flag stages skipped at write time.
func applyFilters(data []byte, filters []Filter, mask uint32, elemSize int) ([]byte, error) {
	for i := len(filters) - 1; i >= 0; i-- {
		if mask&(1<<uint(i)) != 0 {
			continue
		}
		f := filters[i]
		switch f.ID {
		case FilterFletcher32:
			if len(data) < 4 {
				return nil, fmt.Errorf("%w: fletcher32 chunk shorter than checksum", ErrCorrupted)
			}
			data = data[:len(data)-4]
		case FilterDeflate:
			zr, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("hdf5: inflate chunk: %w", err)
			}
			out, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("hdf5: inflate chunk: %w", err)
			}
			data = out
		case FilterShuffle:
			size := elemSize
			if len(f.Values) > 0 && f.Values[0] > 0 {
				size = int(f.Values[0])
			}
			data = unshuffle(data, size)
		default:
			return nil, fmt.Errorf("%w: filter %s", ErrUnsupported, f.Name())
		}
	}
	return data, nil
}

// unshuffle undoes the byte transposition of the shuffle filter: the
// stored form holds all first bytes, then all second bytes, and so on.
func unshuffle(data []byte, elemSize int) []byte {
	if elemSize <= 1 || len(data)%elemSize != 0 {
		return data
	}
	n := len(data) / elemSize
	out := make([]byte, len(data))
	for j := 0; j < elemSize; j++ {
		plane := data[j*n : (j+1)*n]
		for i, b := range plane {
			out[i*elemSize+j] = b
		}
	}
	return out
}
