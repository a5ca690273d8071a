package hdf5

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Header message types.
const (
	msgNil          = 0x0000
	msgDataspace    = 0x0001
	msgLinkInfo     = 0x0002
	msgDatatype     = 0x0003
	msgFillValueOld = 0x0004
	msgFillValue    = 0x0005
	msgLink         = 0x0006
	msgExternalData = 0x0007
	msgLayout       = 0x0008
	msgBogus        = 0x0009
	msgGroupInfo    = 0x000A
	msgFilterPipe   = 0x000B
	msgAttribute    = 0x000C
	msgComment      = 0x000D
	msgModTimeOld   = 0x000E
	msgSharedTable  = 0x000F
	msgContinuation = 0x0010
	msgSymbolTable  = 0x0011
	msgModTime      = 0x0012
	msgBtreeK       = 0x0013
	msgDriverInfo   = 0x0014
	msgAttrInfo     = 0x0015
	msgRefCount     = 0x0016
)

// maxHeaderBlocks bounds continuation chains.
const maxHeaderBlocks = 64

type message struct {
	typ  uint16
	body []byte
}

// headerData is the parsed, shareable part of an object header. Objects
// reached through different links share one headerData.
type headerData struct {
	kind Kind

	// Group storage.
	symtab    *symtabInfo
	links     []link
	denseStor bool

	symOnce  bool // symbol table already walked
	symNames []string
	symByName map[string]symEntry

	// Dataset storage.
	space     dataspace
	dtype     *Datatype
	layout    layout
	filters   []Filter
	chunkRefs map[int64]chunkRef

	attrs      []Attribute
	denseAttrs bool
}

type symtabInfo struct {
	btreeAddr uint64
	heapAddr  uint64
}

// Link kinds as stored in link messages.
const (
	linkHard     = 0
	linkSoft     = 1
	linkExternal = 64
)

type link struct {
	name   string
	kind   uint8
	addr   uint64 // hard links
	target string // soft links
}

// object wraps a parsed header in a path-aware node.
func (f *File) object(addr uint64, path, name string) (*Object, error) {
	hd, err := f.header(addr)
	if err != nil {
		return nil, fmt.Errorf("hdf5: object %s: %w", path, err)
	}
	return &Object{f: f, name: name, path: path, addr: addr, hd: hd}, nil
}

// header parses and caches the object header at addr.
func (f *File) header(addr uint64) (*headerData, error) {
	f.mu.Lock()
	if hd, ok := f.headers[addr]; ok {
		f.mu.Unlock()
		return hd, nil
	}
	f.mu.Unlock()

	msgs, err := f.readHeaderMessages(addr)
	if err != nil {
		return nil, err
	}
	hd, err := f.interpret(msgs)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if prev, ok := f.headers[addr]; ok {
		hd = prev
	} else {
		f.headers[addr] = hd
	}
	f.mu.Unlock()
	return hd, nil
}

func (f *File) readHeaderMessages(addr uint64) ([]message, error) {
	probe, err := f.readBlock(addr, 4)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(probe, []byte("OHDR")) {
		return f.readHeaderV2(addr)
	}
	if probe[0] == 1 {
		return f.readHeaderV1(addr)
	}
	return nil, fmt.Errorf("%w: object header version %d", ErrUnsupported, probe[0])
}

func (f *File) readHeaderV1(addr uint64) ([]message, error) {
	prefix, err := f.readBlock(addr, 16)
	if err != nil {
		return nil, err
	}
	numMessages := int(binary.LittleEndian.Uint16(prefix[2:4]))
	headerSize := int(binary.LittleEndian.Uint32(prefix[8:12]))

	// Blocks to scan: the first chunk plus any continuations.
	type block struct {
		addr uint64
		size int
	}
	queue := []block{{addr: addr + 16, size: headerSize}}

	var msgs []message
	for bi := 0; bi < len(queue); bi++ {
		if bi >= maxHeaderBlocks {
			return nil, fmt.Errorf("%w: header continuation chain too long", ErrCorrupted)
		}
		r, err := f.reader(queue[bi].addr, queue[bi].size)
		if err != nil {
			return nil, err
		}
		for r.remaining() >= 8 && len(msgs) < numMessages {
			typ := r.u16()
			size := int(r.u16())
			r.skip(1) // flags
			r.skip(3) // reserved
			body := r.bytes(size)
			if r.err != nil {
				return nil, r.err
			}
			if typ == msgContinuation {
				br := newByteReader(body, f.sb.offsetSize, f.sb.lengthSize)
				contAddr := br.offset()
				contLen := int(br.length())
				if br.err != nil {
					return nil, br.err
				}
				queue = append(queue, block{addr: contAddr, size: contLen})
				msgs = append(msgs, message{typ: typ})
				continue
			}
			msgs = append(msgs, message{typ: typ, body: body})
		}
	}
	return msgs, nil
}

func (f *File) readHeaderV2(addr uint64) ([]message, error) {
	head, err := f.readBlock(addr, 16)
	if err != nil {
		return nil, err
	}
	r := newByteReader(head, f.sb.offsetSize, f.sb.lengthSize)
	r.skip(4) // OHDR
	if v := r.u8(); v != 2 {
		return nil, fmt.Errorf("%w: OHDR version %d", ErrUnsupported, v)
	}
	flags := r.u8()
	pos := 6
	if flags&0x20 != 0 {
		pos += 16 // timestamps
	}
	if flags&0x10 != 0 {
		pos += 4 // attribute phase change
	}
	sizeLen := 1 << (flags & 0x3)
	sizeBuf, err := f.readBlock(addr+uint64(pos), sizeLen)
	if err != nil {
		return nil, err
	}
	sr := newByteReader(sizeBuf, 8, 8)
	chunkSize := int(sr.uvar(sizeLen))
	if sr.err != nil {
		return nil, sr.err
	}
	msgStart := addr + uint64(pos+sizeLen)

	withOrder := flags&0x04 != 0

	type block struct {
		addr uint64
		size int
		ochk bool
	}
	queue := []block{{addr: msgStart, size: chunkSize}}

	var msgs []message
	for bi := 0; bi < len(queue); bi++ {
		if bi >= maxHeaderBlocks {
			return nil, fmt.Errorf("%w: header continuation chain too long", ErrCorrupted)
		}
		blk := queue[bi]
		r, err := f.reader(blk.addr, blk.size)
		if err != nil {
			return nil, err
		}
		if blk.ochk {
			if sig := r.bytes(4); !bytes.Equal(sig, []byte("OCHK")) {
				return nil, fmt.Errorf("%w: bad continuation signature", ErrCorrupted)
			}
			// Trailing checksum.
			r.buf = r.buf[:len(r.buf)-4]
		}
		headerLen := 4
		if withOrder {
			headerLen = 6
		}
		for r.remaining() >= headerLen {
			typ := uint16(r.u8())
			size := int(r.u16())
			r.skip(1) // flags
			if withOrder {
				r.skip(2)
			}
			if size > r.remaining() {
				return nil, fmt.Errorf("%w: message overruns header chunk", ErrCorrupted)
			}
			body := r.bytes(size)
			if typ == msgContinuation {
				br := newByteReader(body, f.sb.offsetSize, f.sb.lengthSize)
				contAddr := br.offset()
				contLen := int(br.length())
				if br.err != nil {
					return nil, br.err
				}
				queue = append(queue, block{addr: contAddr, size: contLen, ochk: true})
				continue
			}
			msgs = append(msgs, message{typ: typ, body: body})
		}
	}
	return msgs, nil
}

// interpret builds headerData from raw messages.
func (f *File) interpret(msgs []message) (*headerData, error) {
	hd := &headerData{}
	var haveSpace, haveType, haveLayout bool

	for _, m := range msgs {
		switch m.typ {
		case msgDataspace:
			space, err := parseDataspace(f.newMsgReader(m.body))
			if err != nil {
				return nil, err
			}
			hd.space = space
			haveSpace = true
		case msgDatatype:
			dt, err := parseDatatype(f.newMsgReader(m.body))
			if err != nil {
				return nil, err
			}
			hd.dtype = dt
			haveType = true
		case msgLayout:
			lay, err := parseLayout(f.newMsgReader(m.body))
			if err != nil {
				return nil, err
			}
			hd.layout = lay
			haveLayout = true
		case msgFilterPipe:
			filters, err := parseFilterPipeline(f.newMsgReader(m.body))
			if err != nil {
				return nil, err
			}
			hd.filters = filters
		case msgAttribute:
			attr, err := f.parseAttribute(m.body)
			if err != nil {
				return nil, err
			}
			hd.attrs = append(hd.attrs, attr)
		case msgLink:
			lnk, err := parseLink(f.newMsgReader(m.body))
			if err != nil {
				return nil, err
			}
			hd.links = append(hd.links, lnk)
		case msgLinkInfo:
			dense, err := parseLinkInfo(f.newMsgReader(m.body))
			if err != nil {
				return nil, err
			}
			hd.denseStor = hd.denseStor || dense
		case msgSymbolTable:
			r := f.newMsgReader(m.body)
			st := &symtabInfo{btreeAddr: r.offset(), heapAddr: r.offset()}
			if r.err != nil {
				return nil, r.err
			}
			hd.symtab = st
		case msgAttrInfo:
			dense, err := parseAttrInfo(f.newMsgReader(m.body))
			if err != nil {
				return nil, err
			}
			hd.denseAttrs = hd.denseAttrs || dense
		}
	}

	if haveSpace && haveType && haveLayout {
		hd.kind = KindDataset
	} else {
		hd.kind = KindGroup
	}
	return hd, nil
}

func (f *File) newMsgReader(body []byte) *byteReader {
	return newByteReader(body, f.sb.offsetSize, f.sb.lengthSize)
}

// parseLink decodes a link message (version 1).
func parseLink(r *byteReader) (link, error) {
	if v := r.u8(); v != 1 {
		return link{}, fmt.Errorf("%w: link message version %d", ErrUnsupported, v)
	}
	flags := r.u8()
	kind := uint8(linkHard)
	if flags&0x08 != 0 {
		kind = r.u8()
	}
	if flags&0x04 != 0 {
		r.skip(8) // creation order
	}
	if flags&0x10 != 0 {
		r.skip(1) // charset
	}
	nameLen := int(r.uvar(1 << (flags & 0x3)))
	name := string(r.bytes(nameLen))

	lnk := link{name: name, kind: kind}
	switch kind {
	case linkHard:
		lnk.addr = r.offset()
	case linkSoft:
		targetLen := int(r.u16())
		lnk.target = string(r.bytes(targetLen))
	case linkExternal:
		// Target file and path, not followed.
		r.skip(int(r.u16()))
	default:
		return link{}, fmt.Errorf("%w: link type %d", ErrUnsupported, kind)
	}
	if r.err != nil {
		return link{}, r.err
	}
	return lnk, nil
}

// parseLinkInfo reports whether the group uses dense link storage.
func parseLinkInfo(r *byteReader) (bool, error) {
	if v := r.u8(); v != 0 {
		return false, fmt.Errorf("%w: link info version %d", ErrUnsupported, v)
	}
	flags := r.u8()
	if flags&0x1 != 0 {
		r.skip(8) // max creation index
	}
	fractalHeap := r.offset()
	r.offset() // name index B-tree
	if r.err != nil {
		return false, r.err
	}
	return fractalHeap != undefinedAddr, nil
}

// parseAttrInfo reports whether attributes use dense storage.
func parseAttrInfo(r *byteReader) (bool, error) {
	if v := r.u8(); v != 0 {
		return false, fmt.Errorf("%w: attribute info version %d", ErrUnsupported, v)
	}
	flags := r.u8()
	if flags&0x1 != 0 {
		r.skip(2) // max creation index
	}
	fractalHeap := r.offset()
	r.offset() // name index B-tree
	if r.err != nil {
		return false, r.err
	}
	return fractalHeap != undefinedAddr, nil
}
