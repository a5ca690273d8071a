package engine

import (
	"context"
	"sort"
	"strconv"

	"github.com/h5lab/h5serve/internal/cache"
	"github.com/h5lab/h5serve/internal/hdf5"
	"github.com/h5lab/h5serve/internal/pool"
)

// Attribute shaping caps, matching what browsers render inline.
const (
	childAttrCap     = 10
	metaAttrCap      = 20
	attrValueElemCap = 256
)

// GroupChild is one group member of a children listing.
type GroupChild struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Kind        string `json:"kind"`
	NumChildren int    `json:"num_children"`
}

// DatasetChild is one dataset member of a children listing.
type DatasetChild struct {
	Name                string         `json:"name"`
	Path                string         `json:"path"`
	Kind                string         `json:"kind"`
	Shape               []int64        `json:"shape"`
	Dtype               string         `json:"dtype"`
	Size                int64          `json:"size"`
	Ndim                int            `json:"ndim"`
	Chunks              []int64        `json:"chunks,omitempty"`
	Compression         string         `json:"compression,omitempty"`
	Attributes          map[string]any `json:"attributes,omitempty"`
	NumAttributes       int            `json:"num_attributes,omitempty"`
	AttributesTruncated bool           `json:"attributes_truncated,omitempty"`
}

// ChildrenResult is the payload of the children endpoint.
type ChildrenResult struct {
	Key      string `json:"key"`
	Path     string `json:"path"`
	Children []any  `json:"children"`
}

// AttributeMeta is one attribute in a metadata payload. Values too
// large to inline are reported as type and shape only.
type AttributeMeta struct {
	Name  string  `json:"name"`
	Value any     `json:"value,omitempty"`
	Dtype string  `json:"dtype,omitempty"`
	Shape []int64 `json:"shape,omitempty"`
}

// TypeInfo describes an element type for display.
type TypeInfo struct {
	Class      string `json:"class"`
	Signed     *bool  `json:"signed,omitempty"`
	Size       int    `json:"size"` // bits
	Endianness string `json:"endianness"`
}

// RawType describes the on-disk element encoding.
type RawType struct {
	Type         string `json:"type"`
	Size         int    `json:"size"` // bytes
	LittleEndian bool   `json:"littleEndian"`
	Vlen         bool   `json:"vlen"`
	Signed       *bool  `json:"signed,omitempty"`
	TotalSize    int    `json:"total_size"`
}

// FilterMeta is one pipeline stage of a dataset.
type FilterMeta struct {
	Name  string `json:"name"`
	ID    int    `json:"id"`
	Level *int   `json:"level,omitempty"`
}

// GroupMeta is the metadata payload for a group node.
type GroupMeta struct {
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	NumChildren int             `json:"num_children"`
	Attributes  []AttributeMeta `json:"attributes"`
}

// DatasetMeta is the metadata payload for a dataset node.
type DatasetMeta struct {
	Kind             string          `json:"kind"`
	Name             string          `json:"name"`
	Path             string          `json:"path"`
	Shape            []int64         `json:"shape"`
	Ndim             int             `json:"ndim"`
	Size             int64           `json:"size"`
	Dtype            string          `json:"dtype"`
	Type             TypeInfo        `json:"type"`
	RawType          RawType         `json:"raw_type"`
	Chunks           []int64         `json:"chunks,omitempty"`
	Compression      string          `json:"compression,omitempty"`
	CompressionLevel *int            `json:"compression_level,omitempty"`
	Filters          []FilterMeta    `json:"filters"`
	Attributes       []AttributeMeta `json:"attributes"`
}

// Children lists the members of the group at path inside the container.
func (e *Engine) Children(ctx context.Context, key, path, hint string) (*ChildrenResult, bool, error) {
	if path == "" {
		path = "/"
	}
	fp := cacheFingerprint(path)
	v, hit, err := e.containerOp(ctx, key, hint, "children", fp, e.metaTTL, func(ctx context.Context, c *pool.Container) (any, error) {
		obj, err := c.File().Visit(path)
		if err != nil {
			return nil, err
		}
		if obj.Kind() != hdf5.KindGroup {
			return nil, failf(KindBadSelection, "%s is a dataset; children apply to groups", path)
		}
		members, err := obj.Children(ctx)
		if err != nil {
			return nil, err
		}
		sorted := make([]*hdf5.Object, len(members))
		copy(sorted, members)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

		out := &ChildrenResult{Key: key, Path: path, Children: make([]any, 0, len(sorted))}
		for _, child := range sorted {
			node, err := childNode(ctx, child)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, node)
		}
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*ChildrenResult), hit, nil
}

func childNode(ctx context.Context, obj *hdf5.Object) (any, error) {
	if obj.Kind() == hdf5.KindGroup {
		n, err := obj.NumChildren(ctx)
		if err != nil {
			return nil, err
		}
		return GroupChild{Name: obj.Name(), Path: obj.Path(), Kind: "group", NumChildren: n}, nil
	}

	shape := obj.Shape()
	node := DatasetChild{
		Name:  obj.Name(),
		Path:  obj.Path(),
		Kind:  "dataset",
		Shape: shape,
		Dtype: dtypeString(obj.Datatype()),
		Size:  numElements(shape),
		Ndim:  len(shape),
	}
	if chunks := obj.Chunks(); chunks != nil {
		node.Chunks = chunks
	}
	if name, _, ok := compressionInfo(obj.Filters()); ok {
		node.Compression = name
	}
	attrs := obj.Attributes()
	if len(attrs) > 0 {
		node.Attributes = make(map[string]any, min(len(attrs), childAttrCap))
		for _, a := range attrs[:min(len(attrs), childAttrCap)] {
			node.Attributes[a.Name] = attrDisplayValue(a)
		}
		node.NumAttributes = len(attrs)
		node.AttributesTruncated = len(attrs) > childAttrCap
	}
	return node, nil
}

// Meta returns full metadata for the node at path.
func (e *Engine) Meta(ctx context.Context, key, path, hint string) (any, bool, error) {
	if path == "" {
		return nil, false, failf(KindBadSelection, "path parameter is required")
	}
	fp := cacheFingerprint(path)
	return e.containerOp(ctx, key, hint, "meta", fp, e.metaTTL, func(ctx context.Context, c *pool.Container) (any, error) {
		obj, err := c.File().Visit(path)
		if err != nil {
			return nil, err
		}
		if obj.Kind() == hdf5.KindGroup {
			n, err := obj.NumChildren(ctx)
			if err != nil {
				return nil, err
			}
			return &GroupMeta{
				Kind:        "group",
				Name:        obj.Name(),
				Path:        obj.Path(),
				NumChildren: n,
				Attributes:  attributeList(obj.Attributes()),
			}, nil
		}
		return datasetMeta(obj), nil
	})
}

func datasetMeta(obj *hdf5.Object) *DatasetMeta {
	dt := obj.Datatype()
	shape := obj.Shape()
	meta := &DatasetMeta{
		Kind:       "dataset",
		Name:       obj.Name(),
		Path:       obj.Path(),
		Shape:      shape,
		Ndim:       len(shape),
		Size:       numElements(shape),
		Dtype:      dtypeString(dt),
		Type:       typeInfo(dt),
		RawType:    rawTypeInfo(dt),
		Filters:    filterList(obj.Filters()),
		Attributes: attributeList(obj.Attributes()),
	}
	if chunks := obj.Chunks(); chunks != nil {
		meta.Chunks = chunks
	}
	if name, level, ok := compressionInfo(obj.Filters()); ok {
		meta.Compression = name
		meta.CompressionLevel = level
	}
	return meta
}

// attributeList shapes up to metaAttrCap attributes, inlining values
// only when they decoded and are small enough to render.
func attributeList(attrs []hdf5.Attribute) []AttributeMeta {
	out := make([]AttributeMeta, 0, min(len(attrs), metaAttrCap))
	for _, a := range attrs[:min(len(attrs), metaAttrCap)] {
		m := AttributeMeta{Name: a.Name}
		if a.Value != nil && int64(a.Value.Len()) <= attrValueElemCap {
			m.Value = nestValues(a.Value, a.Shape)
		} else {
			m.Dtype = dtypeString(a.Dtype)
			m.Shape = a.Shape
			if m.Shape == nil {
				m.Shape = []int64{}
			}
		}
		out = append(out, m)
	}
	return out
}

// attrDisplayValue boxes an attribute value for the compact children
// payload.
func attrDisplayValue(a hdf5.Attribute) any {
	if a.Value == nil {
		return "<unreadable>"
	}
	if int64(a.Value.Len()) > attrValueElemCap {
		return "<" + strconv.Itoa(a.Value.Len()) + " elements>"
	}
	return nestValues(a.Value, a.Shape)
}

func filterList(filters []hdf5.Filter) []FilterMeta {
	out := make([]FilterMeta, 0, len(filters))
	for _, f := range filters {
		m := FilterMeta{Name: f.Name(), ID: int(f.ID)}
		if level, ok := f.Level(); ok {
			m.Level = &level
		}
		out = append(out, m)
	}
	return out
}

// compressionInfo reports the compression stage of a pipeline under its
// h5py name, with the deflate level when known.
func compressionInfo(filters []hdf5.Filter) (string, *int, bool) {
	for _, f := range filters {
		switch f.ID {
		case hdf5.FilterDeflate:
			if level, ok := f.Level(); ok {
				return "gzip", &level, true
			}
			return "gzip", nil, true
		case hdf5.FilterSzip:
			return "szip", nil, true
		case hdf5.FilterLZF:
			return "lzf", nil, true
		}
	}
	return "", nil, false
}

// dtypeString renders an element type in numpy notation.
func dtypeString(dt *hdf5.Datatype) string {
	if dt == nil {
		return ""
	}
	switch dt.Class {
	case hdf5.ClassFixed:
		return fixedDtype(dt)
	case hdf5.ClassFloat:
		if dt.BigEndian {
			return ">f" + strconv.Itoa(dt.Size)
		}
		return "float" + strconv.Itoa(dt.Size*8)
	case hdf5.ClassString:
		return "|S" + strconv.Itoa(dt.Size)
	case hdf5.ClassVlen:
		return "object"
	case hdf5.ClassEnum:
		if dt.IsBool() {
			return "bool"
		}
		if dt.Base != nil {
			return dtypeString(dt.Base)
		}
		return "enum"
	case hdf5.ClassCompound:
		return "compound"
	case hdf5.ClassOpaque:
		return "opaque"
	case hdf5.ClassReference:
		return "reference"
	case hdf5.ClassArray:
		return "array"
	case hdf5.ClassBitfield:
		return "bitfield"
	case hdf5.ClassTime:
		return "time"
	default:
		return dt.Class.String()
	}
}

func fixedDtype(dt *hdf5.Datatype) string {
	if dt.BigEndian && dt.Size > 1 {
		if dt.Signed {
			return ">i" + strconv.Itoa(dt.Size)
		}
		return ">u" + strconv.Itoa(dt.Size)
	}
	if dt.Signed {
		return "int" + strconv.Itoa(dt.Size*8)
	}
	return "uint" + strconv.Itoa(dt.Size*8)
}

func typeInfo(dt *hdf5.Datatype) TypeInfo {
	info := TypeInfo{Size: dt.Size * 8, Endianness: "not-applicable"}
	endian := func() string {
		if dt.BigEndian {
			return "big-endian"
		}
		return "little-endian"
	}
	switch dt.Class {
	case hdf5.ClassFixed:
		info.Class = "Integer"
		signed := dt.Signed
		info.Signed = &signed
		info.Endianness = endian()
	case hdf5.ClassFloat:
		info.Class = "Float"
		info.Endianness = endian()
	case hdf5.ClassString:
		info.Class = "String"
	case hdf5.ClassVlen:
		if dt.VlenString {
			info.Class = "String"
		} else {
			info.Class = "Unknown"
		}
	case hdf5.ClassEnum:
		if dt.IsBool() {
			info.Class = "Boolean"
		} else {
			info.Class = "Integer"
			if dt.Base != nil {
				signed := dt.Base.Signed
				info.Signed = &signed
				if dt.Base.BigEndian {
					info.Endianness = "big-endian"
				} else {
					info.Endianness = "little-endian"
				}
			}
		}
	default:
		info.Class = "Unknown"
	}
	return info
}

func rawTypeInfo(dt *hdf5.Datatype) RawType {
	raw := RawType{
		Type:         dt.Class.String(),
		Size:         dt.Size,
		LittleEndian: !dt.BigEndian,
		Vlen:         dt.Class == hdf5.ClassVlen,
		TotalSize:    dt.Size,
	}
	switch dt.Class {
	case hdf5.ClassFixed:
		signed := dt.Signed
		raw.Signed = &signed
	case hdf5.ClassEnum:
		if dt.Base != nil {
			signed := dt.Base.Signed
			raw.Signed = &signed
		}
	}
	return raw
}

// numElements multiplies a shape; scalars count one element.
func numElements(shape []int64) int64 {
	total := int64(1)
	for _, d := range shape {
		total *= d
	}
	return total
}

// rowStrides returns the element stride of each dimension in row-major
// order.
func rowStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// nestValues shapes a flat row-major buffer into nested JSON arrays
// matching shape; scalars come back as a bare value.
func nestValues(buf *hdf5.Buffer, shape []int64) any {
	if len(shape) == 0 {
		if buf.Len() == 0 {
			return nil
		}
		return jsonValue(buf, 0)
	}
	strides := rowStrides(shape)
	var build func(dim int, off int64) []any
	build = func(dim int, off int64) []any {
		n := shape[dim]
		out := make([]any, n)
		if dim == len(shape)-1 {
			for i := int64(0); i < n; i++ {
				out[i] = jsonValue(buf, int(off+i))
			}
			return out
		}
		for i := int64(0); i < n; i++ {
			out[i] = build(dim+1, off+i*strides[dim])
		}
		return out
	}
	return build(0, 0)
}

// cacheFingerprint digests path-only operations.
func cacheFingerprint(path string) string {
	return cache.Fingerprint(path)
}
