package hdf5

import "fmt"

// attrValueCap bounds how many elements of an attribute value are
// decoded. Larger values keep name, type, and shape only.
const attrValueCap = 1024

// Attribute is a decoded object attribute. Value is nil when the
// payload is absent, oversized, or of a type this reader cannot decode.
type Attribute struct {
	Name  string
	Dtype *Datatype
	Shape []int64
	Value *Buffer
}

// parseAttribute decodes an attribute message, versions 1 through 3.
func (f *File) parseAttribute(body []byte) (Attribute, error) {
	r := f.newMsgReader(body)
	version := r.u8()
	var flags uint8
	switch version {
	case 1:
		r.skip(1) // reserved
	case 2, 3:
		flags = r.u8()
	default:
		return Attribute{}, fmt.Errorf("%w: attribute message version %d", ErrUnsupported, version)
	}
	nameSize := int(r.u16())
	dtSize := int(r.u16())
	dsSize := int(r.u16())
	if version == 3 {
		r.skip(1) // name charset
	}

	readField := func(size int) []byte {
		field := r.bytes(size)
		if version == 1 {
			r.skip(paddedLen(size, 8) - size)
		}
		return field
	}
	name := nulTrim(readField(nameSize))
	dtBytes := readField(dtSize)
	dsBytes := readField(dsSize)
	if r.err != nil {
		return Attribute{}, fmt.Errorf("%w: attribute message truncated", ErrCorrupted)
	}

	attr := Attribute{Name: name}
	if flags&0x1 != 0 {
		// Shared datatype, value left undecoded.
		return attr, nil
	}

	dt, err := parseDatatype(newByteReader(dtBytes, f.sb.offsetSize, f.sb.lengthSize))
	if err != nil {
		return attr, nil
	}
	space, err := parseDataspace(newByteReader(dsBytes, f.sb.offsetSize, f.sb.lengthSize))
	if err != nil {
		return attr, nil
	}
	attr.Dtype = dt
	attr.Shape = space.dims

	if space.null {
		return attr, nil
	}
	n := space.numElements()
	if n == 0 || n > attrValueCap {
		return attr, nil
	}
	data := r.buf[r.off:]
	if int64(len(data)) < n*int64(dt.Size) {
		return attr, nil
	}

	dec, err := newDecoder(f, dt, int(n))
	if err != nil {
		return attr, nil
	}
	for i := int64(0); i < n; i++ {
		if err := dec.decode(data[i*int64(dt.Size):]); err != nil {
			return attr, nil
		}
	}
	attr.Value = dec.buf
	return attr, nil
}
