package broker

import (
	"context"
	"encoding/binary"

	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/mofka"
	"github.com/mochi-hpc/mofka-go/transport"
)

// DataStore is the partition's payload front-end: it ingests a batch's
// data bulk and hands back one DataDescriptor per event, and later reads
// the bytes a descriptor selects back out.
type DataStore interface {
	// Store ingests a data bulk laid out as count u64 sizes followed by the
	// concatenated payloads, and returns count descriptors.
	Store(ctx context.Context, count uint64, data transport.BulkRef) ([]mofka.DataDescriptor, error)
	// Load reads each descriptor's selected bytes into target at the
	// running offset. The per-descriptor results do not fail the call.
	Load(ctx context.Context, descriptors []mofka.DataDescriptor, target transport.BulkRef) ([]error, error)
	Destroy() error
}

// regionLocation is the location blob of descriptors produced by
// regionDataStore: the region holding the batch payload and the event's
// offset inside it, 16 bytes little-endian.
type regionLocation struct {
	Region RegionID
	Offset uint64
}

const regionLocationSize = 16

func (l regionLocation) encode() []byte {
	out := make([]byte, regionLocationSize)
	binary.LittleEndian.PutUint64(out, uint64(l.Region))
	binary.LittleEndian.PutUint64(out[8:], l.Offset)
	return out
}

func decodeRegionLocation(p []byte) (regionLocation, error) {
	if len(p) != regionLocationSize {
		return regionLocation{}, errext.Errorf(errext.StoreError,
			"descriptor location is %d bytes, expected %d", len(p), regionLocationSize)
	}
	return regionLocation{
		Region: RegionID(binary.LittleEndian.Uint64(p)),
		Offset: binary.LittleEndian.Uint64(p[8:]),
	}, nil
}

// regionDataStore writes each incoming batch's payload as one blob region
// and addresses events as offsets into it.
type regionDataStore struct {
	engine transport.Engine
	blobs  BlobStore
}

// NewDataStore creates the default data-store front-end over a blob store.
func NewDataStore(engine transport.Engine, blobs BlobStore) DataStore {
	return &regionDataStore{engine: engine, blobs: blobs}
}

func (s *regionDataStore) Store(ctx context.Context, count uint64, data transport.BulkRef) ([]mofka.DataDescriptor, error) {
	sizesLen := count * 8
	if data.Size < sizesLen {
		return nil, errext.Errorf(errext.StoreError,
			"data bulk of %d bytes cannot hold %d sizes", data.Size, count)
	}
	sizesBytes := make([]byte, sizesLen)
	local, err := s.engine.Expose([][]byte{sizesBytes}, transport.WriteOnly)
	if err != nil {
		return nil, err
	}
	defer local.Release()
	if err := s.engine.Pull(ctx, data.View(0, sizesLen), local, 0); err != nil {
		return nil, err
	}

	region, err := s.blobs.CreateAndWrite(ctx, data, sizesLen, data.Size-sizesLen)
	if err != nil {
		return nil, errext.WithKind(err, errext.StoreError)
	}

	descriptors := make([]mofka.DataDescriptor, count)
	var offset uint64
	for i := uint64(0); i < count; i++ {
		size := binary.LittleEndian.Uint64(sizesBytes[8*i:])
		loc := regionLocation{Region: region, Offset: offset}
		descriptors[i] = mofka.DescriptorFrom(loc.encode(), size)
		offset += size
	}
	if offset != data.Size-sizesLen {
		return nil, errext.Errorf(errext.StoreError,
			"event sizes sum to %d but the payload holds %d bytes", offset, data.Size-sizesLen)
	}
	return descriptors, nil
}

func (s *regionDataStore) Load(ctx context.Context, descriptors []mofka.DataDescriptor, target transport.BulkRef) ([]error, error) {
	results := make([]error, len(descriptors))
	var targetOffset uint64
	for i, descriptor := range descriptors {
		results[i] = s.loadOne(ctx, descriptor, target, targetOffset)
		targetOffset += descriptor.Size()
	}
	return results, nil
}

func (s *regionDataStore) loadOne(ctx context.Context, descriptor mofka.DataDescriptor, target transport.BulkRef, targetOffset uint64) error {
	if descriptor.Size() == 0 {
		return nil
	}
	loc, err := decodeRegionLocation(descriptor.Location())
	if err != nil {
		return err
	}
	segments, err := descriptor.Flatten()
	if err != nil {
		return errext.WithKind(err, errext.StoreError)
	}
	// flattened segments are relative to the event's base region, which
	// itself starts at loc.Offset within the batch blob
	absolute := make([]mofka.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Size == 0 {
			continue
		}
		absolute = append(absolute, mofka.Segment{Offset: loc.Offset + seg.Offset, Size: seg.Size})
	}
	return s.blobs.Read(ctx, loc.Region, absolute, target, targetOffset)
}

func (s *regionDataStore) Destroy() error {
	return s.blobs.Destroy()
}
