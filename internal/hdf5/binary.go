package hdf5

import (
	"encoding/binary"
	"fmt"
	"io"
)

// undefinedAddr marks addresses stored as all-ones, meaning "not set".
const undefinedAddr = ^uint64(0)

// byteReader is a little-endian cursor over an in-memory block. Errors
// stick: after the first failure every read returns zero values and err
// holds the cause.
type byteReader struct {
	buf []byte
	off int
	err error

	offsetSize int
	lengthSize int
}

func newByteReader(buf []byte, offsetSize, lengthSize int) *byteReader {
	return &byteReader{buf: buf, offsetSize: offsetSize, lengthSize: lengthSize}
}

func (r *byteReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrCorrupted, fmt.Sprintf(format, args...))
	}
}

func (r *byteReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *byteReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.fail("short read: need %d bytes at %d of %d", n, r.off, len(r.buf))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) skip(n int) {
	r.bytes(n)
}

// align advances the cursor to the next multiple of n relative to the
// start of the buffer.
func (r *byteReader) align(n int) {
	if rem := r.off % n; rem != 0 {
		r.skip(n - rem)
	}
}

func (r *byteReader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *byteReader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *byteReader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// uvar reads an unsigned little-endian integer of 1 to 8 bytes.
func (r *byteReader) uvar(size int) uint64 {
	if size < 1 || size > 8 {
		r.fail("unsupported field size %d", size)
		return 0
	}
	b := r.bytes(size)
	if b == nil {
		return 0
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// offset reads a file address of the superblock's offset size and
// normalizes the undefined pattern to undefinedAddr.
func (r *byteReader) offset() uint64 {
	v := r.uvar(r.offsetSize)
	if r.offsetSize < 8 && v == (uint64(1)<<(8*r.offsetSize))-1 {
		return undefinedAddr
	}
	return v
}

// length reads a length field of the superblock's length size.
func (r *byteReader) length() uint64 {
	return r.uvar(r.lengthSize)
}

// cstring reads a NUL-terminated string starting at the cursor and leaves
// the cursor just past the terminator.
func (r *byteReader) cstring() string {
	if r.err != nil {
		return ""
	}
	start := r.off
	for i := r.off; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			r.off = i + 1
			return string(r.buf[start:i])
		}
	}
	r.fail("unterminated string at %d", start)
	return ""
}

// readBlock fetches n bytes at addr into memory.
func (f *File) readBlock(addr uint64, n int) ([]byte, error) {
	if addr == undefinedAddr {
		return nil, fmt.Errorf("%w: read at undefined address", ErrCorrupted)
	}
	off := int64(f.sb.base + addr)
	if off < 0 || n < 0 || off+int64(n) > f.size {
		return nil, fmt.Errorf("%w: block [%d,+%d) outside file of %d bytes", ErrCorrupted, off, n, f.size)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, off, int64(n)), buf); err != nil {
		return nil, fmt.Errorf("hdf5: read block at %d: %w", off, err)
	}
	return buf, nil
}

// reader returns a cursor over n bytes at addr.
func (f *File) reader(addr uint64, n int) (*byteReader, error) {
	buf, err := f.readBlock(addr, n)
	if err != nil {
		return nil, err
	}
	return newByteReader(buf, f.sb.offsetSize, f.sb.lengthSize), nil
}

func nulTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
