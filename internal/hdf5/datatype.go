package hdf5

import (
	"fmt"
	"strings"
)

// DatatypeClass enumerates the HDF5 datatype classes.
type DatatypeClass uint8

const (
	ClassFixed DatatypeClass = iota
	ClassFloat
	ClassTime
	ClassString
	ClassBitfield
	ClassOpaque
	ClassCompound
	ClassReference
	ClassEnum
	ClassVlen
	ClassArray
)

func (c DatatypeClass) String() string {
	switch c {
	case ClassFixed:
		return "fixed-point"
	case ClassFloat:
		return "floating-point"
	case ClassTime:
		return "time"
	case ClassString:
		return "string"
	case ClassBitfield:
		return "bitfield"
	case ClassOpaque:
		return "opaque"
	case ClassCompound:
		return "compound"
	case ClassReference:
		return "reference"
	case ClassEnum:
		return "enum"
	case ClassVlen:
		return "vlen"
	case ClassArray:
		return "array"
	default:
		return fmt.Sprintf("class-%d", uint8(c))
	}
}

// String padding kinds.
const (
	strPadNullTerm = 0
	strPadNullPad  = 1
	strPadSpacePad = 2
)

// Datatype describes how one element is stored.
type Datatype struct {
	Class     DatatypeClass
	Size      int // bytes per element on disk
	BigEndian bool

	// Fixed-point.
	Signed bool

	// Strings.
	StrPad int
	UTF8   bool

	// Vlen: true when the base is a string (h5py str datasets).
	VlenString bool

	// Enum, vlen, array.
	Base *Datatype

	// Enum members.
	EnumNames  []string
	EnumValues []int64

	// Compound members.
	Members []Member

	// Opaque tag.
	Tag string

	// Array element dimensions.
	ArrayDims []int64
}

// Member is one field of a compound type.
type Member struct {
	Name   string
	Offset int
	Type   *Datatype
}

// IsBool reports the h5py boolean convention: a 1-byte enum with FALSE
// and TRUE members.
func (t *Datatype) IsBool() bool {
	if t.Class != ClassEnum || t.Size != 1 || len(t.EnumNames) != 2 {
		return false
	}
	a := strings.ToUpper(t.EnumNames[0])
	b := strings.ToUpper(t.EnumNames[1])
	return (a == "FALSE" && b == "TRUE") || (a == "TRUE" && b == "FALSE")
}

// parseDatatype decodes a datatype message or nested datatype encoding,
// leaving the cursor just past it.
func parseDatatype(r *byteReader) (*Datatype, error) {
	classAndVersion := r.u8()
	version := int(classAndVersion >> 4)
	class := DatatypeClass(classAndVersion & 0x0F)

	b0 := r.u8()
	b8 := r.u8()
	r.skip(1) // bits 16-23
	size := int(r.u32())
	if r.err != nil {
		return nil, r.err
	}
	if version < 1 || version > 3 {
		return nil, fmt.Errorf("%w: datatype version %d", ErrUnsupported, version)
	}

	dt := &Datatype{Class: class, Size: size}
	switch class {
	case ClassFixed:
		dt.BigEndian = b0&0x01 != 0
		dt.Signed = b0&0x08 != 0
		r.skip(4) // bit offset, precision
	case ClassFloat:
		dt.BigEndian = b0&0x01 != 0
		r.skip(12) // bit offset through exponent bias
	case ClassTime:
		dt.BigEndian = b0&0x01 != 0
		r.skip(2)
	case ClassString:
		dt.StrPad = int(b0 & 0x0F)
		dt.UTF8 = (b0>>4)&0x0F == 1
	case ClassBitfield:
		dt.BigEndian = b0&0x01 != 0
		r.skip(4)
	case ClassOpaque:
		tagLen := int(b0)
		tag := r.bytes(paddedLen(tagLen, 8))
		if tag != nil {
			dt.Tag = nulTrim(tag[:tagLen])
		}
	case ClassCompound:
		count := int(b0) | int(b8)<<8
		if err := parseCompound(r, dt, version, count); err != nil {
			return nil, err
		}
	case ClassReference:
		// Kind held in b0; no properties needed here.
	case ClassEnum:
		count := int(b0) | int(b8)<<8
		if err := parseEnum(r, dt, version, count); err != nil {
			return nil, err
		}
	case ClassVlen:
		base, err := parseDatatype(r)
		if err != nil {
			return nil, err
		}
		dt.Base = base
		dt.VlenString = b0&0x0F == 1
		dt.UTF8 = (b8>>0)&0x0F == 1
	case ClassArray:
		if err := parseArray(r, dt, version); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: datatype class %d", ErrUnsupported, uint8(class))
	}
	if r.err != nil {
		return nil, r.err
	}
	return dt, nil
}

func parseCompound(r *byteReader, dt *Datatype, version, count int) error {
	for i := 0; i < count; i++ {
		var m Member
		switch version {
		case 1:
			m.Name = paddedCString(r)
			m.Offset = int(r.u32())
			r.skip(1)  // dimensionality
			r.skip(3)  // reserved
			r.skip(4)  // permutation
			r.skip(4)  // reserved
			r.skip(16) // dimension sizes
		case 2:
			m.Name = paddedCString(r)
			m.Offset = int(r.u32())
		case 3:
			m.Name = r.cstring()
			m.Offset = int(r.uvar(minBytes(dt.Size)))
		}
		typ, err := parseDatatype(r)
		if err != nil {
			return err
		}
		m.Type = typ
		dt.Members = append(dt.Members, m)
	}
	return nil
}

func parseEnum(r *byteReader, dt *Datatype, version, count int) error {
	base, err := parseDatatype(r)
	if err != nil {
		return err
	}
	dt.Base = base

	names := make([]string, count)
	for i := range names {
		if version == 3 {
			names[i] = r.cstring()
		} else {
			names[i] = paddedCString(r)
		}
	}
	values := make([]int64, count)
	for i := range values {
		raw := r.bytes(base.Size)
		if raw == nil {
			break
		}
		values[i] = decodeInt(raw, base.Signed, base.BigEndian)
	}
	if r.err != nil {
		return r.err
	}
	dt.EnumNames = names
	dt.EnumValues = values
	return nil
}

func parseArray(r *byteReader, dt *Datatype, version int) error {
	rank := int(r.u8())
	if version == 2 {
		r.skip(3) // reserved
	}
	dims := make([]int64, rank)
	for i := range dims {
		dims[i] = int64(r.u32())
	}
	if version == 2 {
		r.skip(4 * rank) // permutation indexes
	}
	base, err := parseDatatype(r)
	if err != nil {
		return err
	}
	dt.ArrayDims = dims
	dt.Base = base
	return nil
}

// paddedCString reads a NUL-terminated name padded to an 8-byte multiple
// (including the terminator).
func paddedCString(r *byteReader) string {
	start := r.off
	s := r.cstring()
	if r.err != nil {
		return ""
	}
	consumed := r.off - start
	if rem := consumed % 8; rem != 0 {
		r.skip(8 - rem)
	}
	return s
}

// minBytes returns the fewest bytes able to index into a structure of
// the given size, as used by version 3 compound member offsets.
func minBytes(size int) int {
	switch {
	case size < 1<<8:
		return 1
	case size < 1<<16:
		return 2
	case size < 1<<24:
		return 3
	default:
		return 4
	}
}

func paddedLen(n, align int) int {
	if rem := n % align; rem != 0 {
		return n + align - rem
	}
	return n
}

// decodeInt reads a little- or big-endian integer of up to 8 bytes.
func decodeInt(raw []byte, signed, bigEndian bool) int64 {
	var u uint64
	if bigEndian {
		for _, b := range raw {
			u = u<<8 | uint64(b)
		}
	} else {
		for i := len(raw) - 1; i >= 0; i-- {
			u = u<<8 | uint64(raw[i])
		}
	}
	if signed {
		shift := 64 - 8*len(raw)
		return int64(u<<shift) >> shift
	}
	return int64(u)
}
