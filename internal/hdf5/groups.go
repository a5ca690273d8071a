package hdf5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// errSkipLink marks links that cannot be resolved to an object in this
// file (dangling soft links, external links).
var errSkipLink = errors.New("hdf5: skip link")

// maxBtreeDepth bounds B-tree recursion.
const maxBtreeDepth = 32

// symEntry is one resolved symbol table entry.
type symEntry struct {
	name       string
	addr       uint64
	softTarget string
}

// localHeap holds a group's name storage.
type localHeap struct {
	data []byte
}

func (f *File) readLocalHeap(addr uint64) (*localHeap, error) {
	r, err := f.reader(addr, 8+2*f.sb.lengthSize+f.sb.offsetSize)
	if err != nil {
		return nil, err
	}
	if sig := r.bytes(4); !bytes.Equal(sig, []byte("HEAP")) {
		return nil, fmt.Errorf("%w: bad local heap signature", ErrCorrupted)
	}
	r.skip(1) // version
	r.skip(3) // reserved
	dataSize := r.length()
	r.length() // free list head
	dataAddr := r.offset()
	if r.err != nil {
		return nil, r.err
	}
	data, err := f.readBlock(dataAddr, int(dataSize))
	if err != nil {
		return nil, err
	}
	return &localHeap{data: data}, nil
}

func (h *localHeap) stringAt(off uint64) (string, error) {
	if off >= uint64(len(h.data)) {
		return "", fmt.Errorf("%w: heap offset %d outside segment of %d", ErrCorrupted, off, len(h.data))
	}
	rest := h.data[off:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		return string(rest[:i]), nil
	}
	return "", fmt.Errorf("%w: unterminated heap string at %d", ErrCorrupted, off)
}

// symEntries walks the group's v1 B-tree once and caches the result on
// the shared header.
func (f *File) symEntries(hd *headerData) ([]string, map[string]symEntry, error) {
	f.mu.Lock()
	if hd.symOnce {
		names, byName := hd.symNames, hd.symByName
		f.mu.Unlock()
		return names, byName, nil
	}
	f.mu.Unlock()

	// Groups never written to keep an undefined B-tree address.
	if hd.symtab.btreeAddr == undefinedAddr || hd.symtab.heapAddr == undefinedAddr {
		f.mu.Lock()
		hd.symOnce = true
		f.mu.Unlock()
		return nil, nil, nil
	}

	heap, err := f.readLocalHeap(hd.symtab.heapAddr)
	if err != nil {
		return nil, nil, err
	}
	var entries []symEntry
	if err := f.walkGroupBtree(hd.symtab.btreeAddr, heap, &entries, 0); err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(entries))
	byName := make(map[string]symEntry, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
		byName[e.name] = e
	}

	f.mu.Lock()
	if !hd.symOnce {
		hd.symOnce = true
		hd.symNames = names
		hd.symByName = byName
	} else {
		names, byName = hd.symNames, hd.symByName
	}
	f.mu.Unlock()
	return names, byName, nil
}

func (f *File) walkGroupBtree(addr uint64, heap *localHeap, out *[]symEntry, depth int) error {
	if depth > maxBtreeDepth {
		return fmt.Errorf("%w: B-tree too deep", ErrCorrupted)
	}
	headSize := 8 + 2*f.sb.offsetSize
	r, err := f.reader(addr, headSize)
	if err != nil {
		return err
	}
	if sig := r.bytes(4); !bytes.Equal(sig, []byte("TREE")) {
		return fmt.Errorf("%w: bad B-tree signature", ErrCorrupted)
	}
	if typ := r.u8(); typ != 0 {
		return fmt.Errorf("%w: B-tree node type %d in group", ErrCorrupted, typ)
	}
	level := int(r.u8())
	entries := int(r.u16())
	r.offset() // left sibling
	r.offset() // right sibling
	if r.err != nil {
		return r.err
	}

	// Keys (heap offsets) and child addresses interleave, one extra key.
	bodySize := (entries+1)*f.sb.lengthSize + entries*f.sb.offsetSize
	br, err := f.reader(addr+uint64(headSize), bodySize)
	if err != nil {
		return err
	}
	children := make([]uint64, entries)
	br.length() // leading key
	for i := range children {
		children[i] = br.offset()
		br.length()
	}
	if br.err != nil {
		return br.err
	}

	for _, child := range children {
		if level > 0 {
			if err := f.walkGroupBtree(child, heap, out, depth+1); err != nil {
				return err
			}
			continue
		}
		if err := f.readSymbolNode(child, heap, out); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) readSymbolNode(addr uint64, heap *localHeap, out *[]symEntry) error {
	r, err := f.reader(addr, 8)
	if err != nil {
		return err
	}
	if sig := r.bytes(4); !bytes.Equal(sig, []byte("SNOD")) {
		return fmt.Errorf("%w: bad symbol node signature", ErrCorrupted)
	}
	r.skip(1) // version
	r.skip(1) // reserved
	count := int(r.u16())
	if r.err != nil {
		return r.err
	}

	entrySize := 2*f.sb.offsetSize + 24
	br, err := f.reader(addr+8, count*entrySize)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		nameOff := br.offset()
		objAddr := br.offset()
		cacheType := br.u32()
		br.skip(4) // reserved
		scratch := br.bytes(16)
		if br.err != nil {
			return br.err
		}
		name, err := heap.stringAt(nameOff)
		if err != nil {
			return err
		}
		entry := symEntry{name: name, addr: objAddr}
		if cacheType == 2 {
			// Symbolic link: scratch holds the heap offset of the target.
			target, err := heap.stringAt(uint64(binary.LittleEndian.Uint32(scratch[:4])))
			if err != nil {
				return err
			}
			entry.softTarget = target
		}
		*out = append(*out, entry)
	}
	return nil
}

// linkNames returns member names in file order.
func (o *Object) linkNames() ([]string, error) {
	hd := o.hd
	if hd.denseStor {
		return nil, fmt.Errorf("%w: dense group storage at %s", ErrUnsupported, o.path)
	}
	if hd.symtab != nil {
		names, _, err := o.f.symEntries(hd)
		return names, err
	}
	names := make([]string, 0, len(hd.links))
	for _, l := range hd.links {
		names = append(names, l.name)
	}
	return names, nil
}

// resolveLink resolves one member by name. Dangling and external links
// return errSkipLink.
func (o *Object) resolveLink(name string, depth int) (*Object, error) {
	hd := o.hd
	path := childPath(o.path, name)

	if hd.symtab != nil {
		_, byName, err := o.f.symEntries(hd)
		if err != nil {
			return nil, err
		}
		entry, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if entry.softTarget != "" {
			return o.resolveSoft(name, entry.softTarget, depth)
		}
		if entry.addr == undefinedAddr {
			return nil, errSkipLink
		}
		return o.f.object(entry.addr, path, name)
	}

	for _, l := range hd.links {
		if l.name != name {
			continue
		}
		switch l.kind {
		case linkHard:
			return o.f.object(l.addr, path, name)
		case linkSoft:
			return o.resolveSoft(name, l.target, depth)
		default:
			return nil, errSkipLink
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// resolveSoft follows a soft link target within the file and rebinds the
// result under the link's own name and path.
func (o *Object) resolveSoft(name, target string, depth int) (*Object, error) {
	abs := target
	if !strings.HasPrefix(target, "/") {
		abs = childPath(o.path, target)
	}
	resolved, err := o.f.visit(abs, depth+1)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errSkipLink
		}
		return nil, err
	}
	return &Object{
		f:    o.f,
		name: name,
		path: childPath(o.path, name),
		addr: resolved.addr,
		hd:   resolved.hd,
	}, nil
}
