package hdf5

import (
	"bytes"
	"fmt"
	"io"
)

var signature = []byte("\x89HDF\r\n\x1a\n")

// superblock holds the file-level layout parameters every other
// structure depends on.
type superblock struct {
	version    int
	offsetSize int
	lengthSize int
	base       uint64
	eof        uint64
	rootAddr   uint64

	// v0/v1 B-tree fan-out parameters.
	groupLeafK     int
	groupInternalK int
}

// readSuperblock parses the superblock at offset 0.
func (f *File) readSuperblock() error {
	head := make([]byte, 16)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, 0, 16), head); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if !bytes.Equal(head[:8], signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidFile)
	}

	version := int(head[8])
	switch version {
	case 0, 1:
		return f.readSuperblockV0(version)
	case 2, 3:
		return f.readSuperblockV2(version)
	default:
		return fmt.Errorf("%w: superblock version %d", ErrUnsupported, version)
	}
}

func (f *File) readSuperblockV0(version int) error {
	// Generous fixed read: v0 is 96 bytes with 8-byte offsets, v1 adds 4.
	buf := make([]byte, 128)
	n, err := f.r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	r := newByteReader(buf[:n], 8, 8)
	r.skip(8) // signature
	r.skip(1) // superblock version
	r.skip(1) // free space version
	r.skip(1) // root symbol table version
	r.skip(1) // reserved
	r.skip(1) // shared header message version
	offsetSize := int(r.u8())
	lengthSize := int(r.u8())
	r.skip(1) // reserved
	leafK := int(r.u16())
	internalK := int(r.u16())
	r.skip(4) // consistency flags
	if version == 1 {
		r.skip(2) // indexed storage internal k
		r.skip(2) // reserved
	}

	if err := checkSizes(offsetSize, lengthSize); err != nil {
		return err
	}
	r.offsetSize = offsetSize
	r.lengthSize = lengthSize

	base := r.offset()
	r.offset() // free space address
	eof := r.offset()
	r.offset() // driver info address

	// Root group symbol table entry.
	r.offset() // link name offset
	rootAddr := r.offset()
	if r.err != nil {
		return fmt.Errorf("%w: truncated superblock", ErrInvalidFile)
	}
	if rootAddr == undefinedAddr {
		return fmt.Errorf("%w: undefined root address", ErrCorrupted)
	}
	if base == undefinedAddr {
		base = 0
	}

	f.sb = superblock{
		version:        version,
		offsetSize:     offsetSize,
		lengthSize:     lengthSize,
		base:           base,
		eof:            eof,
		rootAddr:       rootAddr,
		groupLeafK:     leafK,
		groupInternalK: internalK,
	}
	return nil
}

func (f *File) readSuperblockV2(version int) error {
	buf := make([]byte, 64)
	n, err := f.r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	r := newByteReader(buf[:n], 8, 8)
	r.skip(8) // signature
	r.skip(1) // version
	offsetSize := int(r.u8())
	lengthSize := int(r.u8())
	r.skip(1) // consistency flags

	if err := checkSizes(offsetSize, lengthSize); err != nil {
		return err
	}
	r.offsetSize = offsetSize
	r.lengthSize = lengthSize

	base := r.offset()
	r.offset() // superblock extension address
	eof := r.offset()
	rootAddr := r.offset()
	// Trailing checksum not verified.
	if r.err != nil {
		return fmt.Errorf("%w: truncated superblock", ErrInvalidFile)
	}
	if rootAddr == undefinedAddr {
		return fmt.Errorf("%w: undefined root address", ErrCorrupted)
	}
	if base == undefinedAddr {
		base = 0
	}

	f.sb = superblock{
		version:    version,
		offsetSize: offsetSize,
		lengthSize: lengthSize,
		base:       base,
		eof:        eof,
		rootAddr:   rootAddr,
		// Defaults used only if a v1 B-tree appears in a v2+ file.
		groupLeafK:     4,
		groupInternalK: 16,
	}
	return nil
}

func checkSizes(offsetSize, lengthSize int) error {
	switch offsetSize {
	case 2, 4, 8:
	default:
		return fmt.Errorf("%w: offset size %d", ErrUnsupported, offsetSize)
	}
	switch lengthSize {
	case 2, 4, 8:
	default:
		return fmt.Errorf("%w: length size %d", ErrUnsupported, lengthSize)
	}
	return nil
}
