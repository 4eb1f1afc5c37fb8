// Package broker is the server-side core: per-partition managers with
// their append logs and dispatchers, the data-store front-end, the
// directory service host and the provider RPC bindings.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/mofka"
	"github.com/mochi-hpc/mofka-go/transport"
)

// RegionID identifies one blob written into a BlobStore.
type RegionID uint64

// BlobStore is the durable store backing event payloads. CreateAndWrite
// ingests a byte range pulled from a remote region in one shot; Read
// pushes selected segments of a region back into a remote region.
type BlobStore interface {
	CreateAndWrite(ctx context.Context, remote transport.BulkRef, offset, size uint64) (RegionID, error)
	Read(ctx context.Context, region RegionID, segments []mofka.Segment, remote transport.BulkRef, remoteOffset uint64) error
	Destroy() error
}

// memoryBlobStore keeps regions in process memory; it backs the "memory"
// partition type used by tests and volatile deployments.
type memoryBlobStore struct {
	engine transport.Engine

	mu      sync.RWMutex
	regions map[RegionID][]byte
	next    RegionID
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore(engine transport.Engine) BlobStore {
	return &memoryBlobStore{engine: engine, regions: make(map[RegionID][]byte)}
}

func (s *memoryBlobStore) CreateAndWrite(ctx context.Context, remote transport.BulkRef, offset, size uint64) (RegionID, error) {
	buf := make([]byte, size)
	if size > 0 {
		local, err := s.engine.Expose([][]byte{buf}, transport.WriteOnly)
		if err != nil {
			return 0, err
		}
		defer local.Release()
		if err := s.engine.Pull(ctx, remote.View(offset, size), local, 0); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.regions[id] = buf
	return id, nil
}

func (s *memoryBlobStore) Read(ctx context.Context, region RegionID, segments []mofka.Segment, remote transport.BulkRef, remoteOffset uint64) error {
	s.mu.RLock()
	buf, ok := s.regions[region]
	s.mu.RUnlock()
	if !ok {
		return errext.Errorf(errext.StoreError, "unknown region %d", region)
	}
	return pushSegments(ctx, s.engine, buf, segments, remote, remoteOffset)
}

func (s *memoryBlobStore) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = make(map[RegionID][]byte)
	return nil
}

// fileBlobStore persists each region as one file under dir; it backs the
// "default" partition type.
type fileBlobStore struct {
	engine transport.Engine
	fs     afero.Fs
	dir    string

	mu   sync.Mutex
	next RegionID
}

// NewFileBlobStore creates a blob store rooted at dir.
func NewFileBlobStore(engine transport.Engine, fs afero.Fs, dir string) (BlobStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errext.WithKind(err, errext.StoreError)
	}
	s := &fileBlobStore{engine: engine, fs: fs, dir: dir}
	// resume the region counter past whatever is already on disk
	entries, err := afero.ReadDir(fs, dir)
	if err == nil {
		s.next = RegionID(len(entries))
	}
	return s, nil
}

func (s *fileBlobStore) regionPath(id RegionID) string {
	return fmt.Sprintf("%s/region-%016x", s.dir, uint64(id))
}

func (s *fileBlobStore) CreateAndWrite(ctx context.Context, remote transport.BulkRef, offset, size uint64) (RegionID, error) {
	buf := make([]byte, size)
	if size > 0 {
		local, err := s.engine.Expose([][]byte{buf}, transport.WriteOnly)
		if err != nil {
			return 0, err
		}
		defer local.Release()
		if err := s.engine.Pull(ctx, remote.View(offset, size), local, 0); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	s.next++
	id := s.next
	s.mu.Unlock()
	if err := afero.WriteFile(s.fs, s.regionPath(id), buf, 0o644); err != nil {
		return 0, errext.WithKind(err, errext.StoreError)
	}
	return id, nil
}

func (s *fileBlobStore) Read(ctx context.Context, region RegionID, segments []mofka.Segment, remote transport.BulkRef, remoteOffset uint64) error {
	buf, err := afero.ReadFile(s.fs, s.regionPath(region))
	if err != nil {
		return errext.Errorf(errext.StoreError, "unknown region %d: %s", region, err)
	}
	return pushSegments(ctx, s.engine, buf, segments, remote, remoteOffset)
}

func (s *fileBlobStore) Destroy() error {
	if err := s.fs.RemoveAll(s.dir); err != nil {
		return errext.WithKind(err, errext.StoreError)
	}
	return nil
}

// pushSegments gathers the selected segments of a region and pushes them,
// concatenated, into the remote range starting at remoteOffset.
func pushSegments(ctx context.Context, engine transport.Engine, region []byte, segments []mofka.Segment, remote transport.BulkRef, remoteOffset uint64) error {
	var total uint64
	for _, seg := range segments {
		if seg.Offset+seg.Size > uint64(len(region)) {
			return errext.Errorf(errext.StoreError,
				"segment [%d,%d) exceeds region size %d", seg.Offset, seg.Offset+seg.Size, len(region))
		}
		total += seg.Size
	}
	if total == 0 {
		return nil
	}
	gathered := make([]byte, 0, total)
	for _, seg := range segments {
		gathered = append(gathered, region[seg.Offset:seg.Offset+seg.Size]...)
	}
	local, err := engine.Expose([][]byte{gathered}, transport.ReadOnly)
	if err != nil {
		return err
	}
	defer local.Release()
	return engine.Push(ctx, remote.View(remoteOffset, total), local, 0)
}
