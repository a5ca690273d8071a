package hdf5

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// BufferKind selects the populated slice of a Buffer.
type BufferKind uint8

const (
	BufFloat BufferKind = iota
	BufInt
	BufUint
	BufBool
	BufString
)

// Buffer holds extracted elements in row-major selection order, typed to
// avoid boxing every value.
type Buffer struct {
	Kind    BufferKind
	Floats  []float64
	Ints    []int64
	Uints   []uint64
	Bools   []bool
	Strings []string
}

// Len returns the number of elements held.
func (b *Buffer) Len() int {
	switch b.Kind {
	case BufFloat:
		return len(b.Floats)
	case BufInt:
		return len(b.Ints)
	case BufUint:
		return len(b.Uints)
	case BufBool:
		return len(b.Bools)
	default:
		return len(b.Strings)
	}
}

// Value boxes element i.
func (b *Buffer) Value(i int) any {
	switch b.Kind {
	case BufFloat:
		return b.Floats[i]
	case BufInt:
		return b.Ints[i]
	case BufUint:
		return b.Uints[i]
	case BufBool:
		return b.Bools[i]
	default:
		return b.Strings[i]
	}
}

// Float coerces element i to float64; ok is false for strings.
func (b *Buffer) Float(i int) (float64, bool) {
	switch b.Kind {
	case BufFloat:
		return b.Floats[i], true
	case BufInt:
		return float64(b.Ints[i]), true
	case BufUint:
		return float64(b.Uints[i]), true
	case BufBool:
		if b.Bools[i] {
			return 1, true
		}
		return 0, true
	default:
		return math.NaN(), false
	}
}

// decoder turns raw on-disk elements into Buffer entries.
type decoder struct {
	f   *File
	dt  *Datatype
	buf *Buffer
}

// newDecoder validates that the element type is readable and allocates
// a buffer for n elements.
func newDecoder(f *File, dt *Datatype, n int) (*decoder, error) {
	kind, err := bufferKind(dt)
	if err != nil {
		return nil, err
	}
	buf := &Buffer{Kind: kind}
	switch kind {
	case BufFloat:
		buf.Floats = make([]float64, 0, n)
	case BufInt:
		buf.Ints = make([]int64, 0, n)
	case BufUint:
		buf.Uints = make([]uint64, 0, n)
	case BufBool:
		buf.Bools = make([]bool, 0, n)
	case BufString:
		buf.Strings = make([]string, 0, n)
	}
	return &decoder{f: f, dt: dt, buf: buf}, nil
}

// bufferKind maps a datatype to its extraction representation, or
// reports it unreadable.
func bufferKind(dt *Datatype) (BufferKind, error) {
	switch dt.Class {
	case ClassFixed:
		switch dt.Size {
		case 1, 2, 4, 8:
		default:
			return 0, fmt.Errorf("%w: %d-byte integer elements", ErrUnsupported, dt.Size)
		}
		if dt.Signed {
			return BufInt, nil
		}
		return BufUint, nil
	case ClassFloat:
		if dt.Size != 4 && dt.Size != 8 {
			return 0, fmt.Errorf("%w: %d-byte float elements", ErrUnsupported, dt.Size)
		}
		return BufFloat, nil
	case ClassString:
		return BufString, nil
	case ClassVlen:
		if dt.VlenString {
			return BufString, nil
		}
		return 0, fmt.Errorf("%w: element read of vlen sequence data", ErrUnsupported)
	case ClassEnum:
		if dt.Base == nil || dt.Base.Class != ClassFixed {
			return 0, fmt.Errorf("%w: enum with non-integer base", ErrUnsupported)
		}
		if dt.IsBool() {
			return BufBool, nil
		}
		if dt.Base.Signed {
			return BufInt, nil
		}
		return BufUint, nil
	default:
		return 0, fmt.Errorf("%w: element read of %s data", ErrUnsupported, dt.Class)
	}
}

// decode appends one element from its raw on-disk bytes.
func (d *decoder) decode(raw []byte) error {
	dt := d.dt
	if len(raw) < dt.Size {
		return fmt.Errorf("%w: element shorter than datatype size", ErrCorrupted)
	}
	raw = raw[:dt.Size]

	switch d.buf.Kind {
	case BufFloat:
		d.buf.Floats = append(d.buf.Floats, decodeFloat(raw, dt.BigEndian))
	case BufInt:
		base := dt
		if dt.Class == ClassEnum {
			base = dt.Base
		}
		d.buf.Ints = append(d.buf.Ints, decodeInt(raw, true, base.BigEndian))
	case BufUint:
		base := dt
		if dt.Class == ClassEnum {
			base = dt.Base
		}
		d.buf.Uints = append(d.buf.Uints, uint64(decodeInt(raw, false, base.BigEndian)))
	case BufBool:
		d.buf.Bools = append(d.buf.Bools, raw[0] != 0)
	case BufString:
		s, err := d.decodeString(raw)
		if err != nil {
			return err
		}
		d.buf.Strings = append(d.buf.Strings, s)
	}
	return nil
}

func (d *decoder) decodeString(raw []byte) (string, error) {
	dt := d.dt
	if dt.Class == ClassString {
		switch dt.StrPad {
		case strPadSpacePad:
			return strings.TrimRight(string(raw), " "), nil
		default:
			return nulTrim(raw), nil
		}
	}

	// Vlen string: length, collection address, object index.
	r := newByteReader(raw, d.f.sb.offsetSize, d.f.sb.lengthSize)
	strLen := int(r.u32())
	addr := r.offset()
	index := r.u32()
	if r.err != nil {
		return "", r.err
	}
	if strLen == 0 {
		return "", nil
	}
	data, err := d.f.globalHeapObject(addr, index)
	if err != nil {
		return "", err
	}
	if strLen < len(data) {
		data = data[:strLen]
	}
	return string(data), nil
}

func decodeFloat(raw []byte, bigEndian bool) float64 {
	if len(raw) == 4 {
		var bits uint32
		if bigEndian {
			bits = binary.BigEndian.Uint32(raw)
		} else {
			bits = binary.LittleEndian.Uint32(raw)
		}
		return float64(math.Float32frombits(bits))
	}
	var bits uint64
	if bigEndian {
		bits = binary.BigEndian.Uint64(raw)
	} else {
		bits = binary.LittleEndian.Uint64(raw)
	}
	return math.Float64frombits(bits)
}
