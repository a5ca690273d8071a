// Package hdf5 implements a read-only parser for the HDF5 binary format,
// covering the subset served by this service: superblock versions 0 to 3,
// version 1 and 2 object headers, symbol-table and compact-link groups,
// contiguous, compact, and chunked dataset layouts with version 1 B-tree
// chunk indexes, and the deflate, shuffle, and fletcher32 filters.
//
// Files are accessed through an io.ReaderAt, so containers can live on
// local disk or behind ranged object store reads. A File and the Objects
// it returns are safe for concurrent use.
//
// Dense (fractal heap) group and attribute storage, version 4 chunk
// indexes, and the szip filter are rejected with ErrUnsupported.
package hdf5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	// ErrInvalidFile indicates the bytes are not an HDF5 container.
	ErrInvalidFile = errors.New("hdf5: not an HDF5 file")

	// ErrNotFound indicates the named object does not exist.
	ErrNotFound = errors.New("hdf5: object not found")

	// ErrUnsupported indicates a valid HDF5 feature outside the subset
	// this reader implements.
	ErrUnsupported = errors.New("hdf5: unsupported feature")

	// ErrCorrupted indicates structure that violates the format.
	ErrCorrupted = errors.New("hdf5: corrupted file")
)

// Kind distinguishes the two object kinds exposed by the hierarchy.
type Kind uint8

const (
	// KindGroup is an interior node of the hierarchy.
	KindGroup Kind = iota
	// KindDataset is a leaf holding an N-dimensional array.
	KindDataset
)

func (k Kind) String() string {
	if k == KindDataset {
		return "dataset"
	}
	return "group"
}

// File is an open HDF5 container.
type File struct {
	r    io.ReaderAt
	size int64
	sb   superblock

	mu      sync.Mutex
	headers map[uint64]*headerData
	heaps   map[uint64]*globalHeap
	root    *Object
}

// Open parses the superblock and root group of a container exposed
// through r. It reads lazily: object headers and data are fetched as the
// hierarchy is visited.
func Open(r io.ReaderAt, size int64) (*File, error) {
	f := &File{
		r:       r,
		size:    size,
		headers: make(map[uint64]*headerData),
		heaps:   make(map[uint64]*globalHeap),
	}
	if err := f.readSuperblock(); err != nil {
		return nil, err
	}
	root, err := f.object(f.sb.rootAddr, "/", "")
	if err != nil {
		return nil, fmt.Errorf("hdf5: root group: %w", err)
	}
	if root.Kind() != KindGroup {
		return nil, fmt.Errorf("%w: root object is not a group", ErrCorrupted)
	}
	f.root = root
	return f, nil
}

// Root returns the root group.
func (f *File) Root() *Object {
	return f.root
}

// Visit resolves a slash-separated absolute path ("/", "/grp/dset").
func (f *File) Visit(path string) (*Object, error) {
	return f.visit(path, 0)
}

func (f *File) visit(path string, depth int) (*Object, error) {
	if depth > maxLinkDepth {
		return nil, fmt.Errorf("%w: link loop at %s", ErrCorrupted, path)
	}
	cur := f.root
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		next, err := cur.child(part, depth)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// maxLinkDepth bounds soft link resolution.
const maxLinkDepth = 16

// Object is one node of the hierarchy: a group or a dataset. Objects
// reached through different links share the underlying parsed header.
type Object struct {
	f    *File
	name string
	path string
	addr uint64
	hd   *headerData

	childMu  sync.Mutex
	children []*Object
}

// Name returns the link name of the object ("/" for the root).
func (o *Object) Name() string { return o.name }

// Path returns the absolute path of the object.
func (o *Object) Path() string { return o.path }

// Kind reports whether the object is a group or a dataset.
func (o *Object) Kind() Kind { return o.hd.kind }

// Attributes returns the object's attributes in file order.
func (o *Object) Attributes() []Attribute { return o.hd.attrs }

// Shape returns the dataset dimensions. Scalars have an empty shape;
// groups return nil.
func (o *Object) Shape() []int64 {
	if o.hd.kind != KindDataset {
		return nil
	}
	return o.hd.space.dims
}

// Datatype returns the dataset element type, nil for groups.
func (o *Object) Datatype() *Datatype {
	if o.hd.kind != KindDataset {
		return nil
	}
	return o.hd.dtype
}

// Chunks returns the chunk shape for chunked datasets, nil otherwise.
func (o *Object) Chunks() []int64 {
	if o.hd.kind != KindDataset || o.hd.layout.class != layoutChunked {
		return nil
	}
	return o.hd.layout.chunkDims
}

// Filters returns the dataset filter pipeline in application order.
func (o *Object) Filters() []Filter { return o.hd.filters }

// Children returns the members of a group sorted by file order. Soft
// links are resolved within the file; dangling and external links are
// skipped.
func (o *Object) Children(ctx context.Context) ([]*Object, error) {
	return o.childrenDepth(ctx, 0)
}

func (o *Object) childrenDepth(ctx context.Context, depth int) ([]*Object, error) {
	if o.hd.kind != KindGroup {
		return nil, fmt.Errorf("%w: %s is not a group", ErrNotFound, o.path)
	}
	o.childMu.Lock()
	defer o.childMu.Unlock()
	if o.children != nil {
		return o.children, nil
	}

	names, err := o.linkNames()
	if err != nil {
		return nil, err
	}
	children := make([]*Object, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		child, err := o.resolveLink(name, depth)
		if err != nil {
			if errors.Is(err, errSkipLink) {
				continue
			}
			return nil, err
		}
		children = append(children, child)
	}
	o.children = children
	return children, nil
}

// NumChildren returns the number of resolvable members of a group.
func (o *Object) NumChildren(ctx context.Context) (int, error) {
	children, err := o.Children(ctx)
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

// child resolves one named member of a group.
func (o *Object) child(name string, depth int) (*Object, error) {
	if o.hd.kind != KindGroup {
		return nil, fmt.Errorf("%w: %s is not a group", ErrNotFound, o.path)
	}
	obj, err := o.resolveLink(name, depth)
	if err != nil {
		if errors.Is(err, errSkipLink) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, childPath(o.path, name))
		}
		return nil, err
	}
	return obj, nil
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
