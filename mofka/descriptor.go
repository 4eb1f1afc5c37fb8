package mofka

import (
	"errors"
	"fmt"

	"github.com/mochi-hpc/mofka-go/archive"
)

// Segment is a contiguous byte range, offset-relative to whatever region
// the surrounding context defines.
type Segment struct {
	Offset uint64
	Size   uint64
}

type viewKind byte

const (
	viewSub          viewKind = 0
	viewStrided      viewKind = 1
	viewUnstructured viewKind = 2
)

type stridedView struct {
	Offset    uint64
	NumBlocks uint64
	BlockSize uint64
	GapSize   uint64
}

// view is one selection stacked on top of the base region.
type view struct {
	kind     viewKind
	sub      Segment
	strided  stridedView
	segments []Segment
}

// DataDescriptor is an opaque, composable handle describing how to locate
// bytes in a data store: a location blob only the producing store
// interprets, an effective size, and a stack of view transforms applied on
// top of the base region. Descriptors are immutable; the view constructors
// return new descriptors.
type DataDescriptor struct {
	location []byte
	views    []view
	size     uint64
	baseSize uint64
}

// ErrStackedFragmentedViews is returned by Flatten when more than one
// non-contiguous selection layer was stacked.
var ErrStackedFragmentedViews = errors.New(
	`stacked "unstructured" or "strided" descriptors are not supported`)

// NullDescriptor returns a descriptor of size 0.
func NullDescriptor() DataDescriptor { return DataDescriptor{} }

// DescriptorFrom returns a primitive descriptor over a base region of the
// given size, located by the store-defined blob.
func DescriptorFrom(location []byte, size uint64) DataDescriptor {
	return DataDescriptor{location: location, size: size, baseSize: size}
}

// Size returns the descriptor's effective size after selections.
func (d DataDescriptor) Size() uint64 { return d.size }

// Location returns the store-defined location blob.
func (d DataDescriptor) Location() []byte { return d.location }

// IsNull reports whether the descriptor selects no bytes.
func (d DataDescriptor) IsNull() bool { return d.size == 0 }

func (d DataDescriptor) withView(v view, newSize uint64) DataDescriptor {
	views := make([]view, len(d.views), len(d.views)+1)
	copy(views, d.views)
	return DataDescriptor{
		location: d.location,
		views:    append(views, v),
		size:     newSize,
		baseSize: d.baseSize,
	}
}

// MakeSubView selects [offset, offset+size) of the current view, clamped
// to the remaining size. A start past the end yields the null descriptor.
func (d DataDescriptor) MakeSubView(offset, size uint64) DataDescriptor {
	if offset > d.size || size == 0 || d.size == 0 {
		return NullDescriptor()
	}
	if remaining := d.size - offset; size > remaining {
		size = remaining
	}
	return d.withView(view{kind: viewSub, sub: Segment{Offset: offset, Size: size}}, size)
}

// MakeStridedView selects numBlocks blocks of blockSize bytes separated by
// gapSize-byte gaps, starting at offset. Zero blocks or a zero block size
// yield the null descriptor; a stride beyond the current size is an error.
func (d DataDescriptor) MakeStridedView(offset, numBlocks, blockSize, gapSize uint64) (DataDescriptor, error) {
	if offset > d.size || numBlocks == 0 || blockSize == 0 {
		return NullDescriptor(), nil
	}
	if offset+numBlocks*(blockSize+gapSize) > d.size {
		return NullDescriptor(), fmt.Errorf("invalid strided view: would go out of bounds")
	}
	v := view{kind: viewStrided, strided: stridedView{
		Offset:    offset,
		NumBlocks: numBlocks,
		BlockSize: blockSize,
		GapSize:   gapSize,
	}}
	return d.withView(v, numBlocks*blockSize), nil
}

// MakeUnstructuredView selects the given segments, which must be sorted by
// ascending offset, non-overlapping and within bounds. Adjacent segments
// are coalesced; a single resulting segment collapses to a sub view.
func (d DataDescriptor) MakeUnstructuredView(segments []Segment) (DataDescriptor, error) {
	if len(segments) == 0 {
		return NullDescriptor(), nil
	}
	if segments[0].Offset > d.size {
		return NullDescriptor(), nil
	}
	var coalesced []Segment
	var viewSize, cursor uint64
	for _, seg := range segments {
		if seg.Offset < cursor {
			return NullDescriptor(), fmt.Errorf(
				"invalid unstructured view: segments overlapping or out of order")
		}
		if seg.Offset+seg.Size > d.size {
			return NullDescriptor(), fmt.Errorf("invalid unstructured view: would go out of bounds")
		}
		if n := len(coalesced); n > 0 && coalesced[n-1].Offset+coalesced[n-1].Size == seg.Offset {
			coalesced[n-1].Size += seg.Size
		} else {
			coalesced = append(coalesced, seg)
		}
		viewSize += seg.Size
		cursor = seg.Offset + seg.Size
	}
	if len(coalesced) == 1 {
		return d.MakeSubView(coalesced[0].Offset, coalesced[0].Size), nil
	}
	return d.withView(view{kind: viewUnstructured, segments: coalesced}, viewSize), nil
}

// Flatten applies the view stack and returns the selected segments over
// the base region: ordered, non-overlapping, sizes summing to Size.
func (d DataDescriptor) Flatten() ([]Segment, error) {
	flat := []Segment{{Offset: 0, Size: d.baseSize}}
	for _, v := range d.views {
		var err error
		switch v.kind {
		case viewSub:
			flat = applySub(flat, v.sub)
		case viewStrided:
			segments := make([]Segment, 0, v.strided.NumBlocks)
			offset := v.strided.Offset
			for i := uint64(0); i < v.strided.NumBlocks; i++ {
				segments = append(segments, Segment{Offset: offset, Size: v.strided.BlockSize})
				offset += v.strided.BlockSize + v.strided.GapSize
			}
			flat, err = applyUnstructured(flat, segments)
		case viewUnstructured:
			flat, err = applyUnstructured(flat, v.segments)
		}
		if err != nil {
			return nil, err
		}
	}
	return flat, nil
}

// applySub narrows an already-flattened selection to [sub.Offset,
// sub.Offset+sub.Size) of the bytes it covers.
func applySub(flat []Segment, sub Segment) []Segment {
	var result []Segment
	var cursor uint64
	remaining := sub.Size
	for _, segment := range flat {
		if cursor+segment.Size < sub.Offset {
			cursor += segment.Size
			continue
		}
		if cursor >= sub.Offset+sub.Size {
			break
		}
		offset := segment.Offset
		if cursor < sub.Offset {
			offset += sub.Offset - cursor
		}
		size := segment.Size - (offset - segment.Offset)
		if size > remaining {
			size = remaining
		}
		result = append(result, Segment{Offset: offset, Size: size})
		remaining -= size
		cursor += segment.Size
	}
	return result
}

func applyUnstructured(flat, segments []Segment) ([]Segment, error) {
	if len(flat) != 1 {
		return nil, ErrStackedFragmentedViews
	}
	result := make([]Segment, 0, len(segments))
	for _, seg := range segments {
		result = append(result, Segment{Offset: flat[0].Offset + seg.Offset, Size: seg.Size})
	}
	return result, nil
}

// Save writes the descriptor in its wire layout:
// base_size | size | loc_size | loc_bytes | n_views | tagged views.
func (d DataDescriptor) Save(a archive.Archive) error {
	if err := archive.WriteUint64(a, d.baseSize); err != nil {
		return err
	}
	if err := archive.WriteUint64(a, d.size); err != nil {
		return err
	}
	if err := archive.WriteBytes(a, d.location); err != nil {
		return err
	}
	if err := archive.WriteUint64(a, uint64(len(d.views))); err != nil {
		return err
	}
	for _, v := range d.views {
		if err := archive.WriteByte(a, byte(v.kind)); err != nil {
			return err
		}
		switch v.kind {
		case viewSub:
			if err := archive.WriteUint64(a, v.sub.Offset); err != nil {
				return err
			}
			if err := archive.WriteUint64(a, v.sub.Size); err != nil {
				return err
			}
		case viewStrided:
			for _, field := range []uint64{
				v.strided.Offset, v.strided.NumBlocks, v.strided.BlockSize, v.strided.GapSize,
			} {
				if err := archive.WriteUint64(a, field); err != nil {
					return err
				}
			}
		case viewUnstructured:
			if err := archive.WriteUint64(a, uint64(len(v.segments))); err != nil {
				return err
			}
			for _, seg := range v.segments {
				if err := archive.WriteUint64(a, seg.Offset); err != nil {
					return err
				}
				if err := archive.WriteUint64(a, seg.Size); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Load reads a descriptor written by Save.
func (d *DataDescriptor) Load(a archive.Archive) error {
	var err error
	if d.baseSize, err = archive.ReadUint64(a); err != nil {
		return err
	}
	if d.size, err = archive.ReadUint64(a); err != nil {
		return err
	}
	if d.location, err = archive.ReadBytes(a); err != nil {
		return err
	}
	numViews, err := archive.ReadUint64(a)
	if err != nil {
		return err
	}
	d.views = nil
	for i := uint64(0); i < numViews; i++ {
		tag, err := archive.ReadByte(a)
		if err != nil {
			return err
		}
		v := view{kind: viewKind(tag)}
		switch v.kind {
		case viewSub:
			if v.sub.Offset, err = archive.ReadUint64(a); err != nil {
				return err
			}
			if v.sub.Size, err = archive.ReadUint64(a); err != nil {
				return err
			}
		case viewStrided:
			for _, field := range []*uint64{
				&v.strided.Offset, &v.strided.NumBlocks, &v.strided.BlockSize, &v.strided.GapSize,
			} {
				if *field, err = archive.ReadUint64(a); err != nil {
					return err
				}
			}
		case viewUnstructured:
			numSegments, err := archive.ReadUint64(a)
			if err != nil {
				return err
			}
			v.segments = make([]Segment, numSegments)
			for j := range v.segments {
				if v.segments[j].Offset, err = archive.ReadUint64(a); err != nil {
					return err
				}
				if v.segments[j].Size, err = archive.ReadUint64(a); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown descriptor view tag %d", tag)
		}
		d.views = append(d.views, v)
	}
	return nil
}

// EncodeDescriptor serializes d into a fresh byte slice.
func EncodeDescriptor(d DataDescriptor) ([]byte, error) {
	out := &archive.Buffer{}
	if err := d.Save(out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecodeDescriptor deserializes a descriptor from its wire form.
func DecodeDescriptor(p []byte) (DataDescriptor, error) {
	var d DataDescriptor
	err := d.Load(archive.NewBuffer(p))
	return d, err
}
