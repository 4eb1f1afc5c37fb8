package transport

import (
	"sync"

	"github.com/mochi-hpc/mofka-go/errext"
)

// memBulk is the Bulk implementation shared by the loopback and WebSocket
// engines: a handle over caller-owned segments, addressed as one contiguous
// byte range. The segments themselves are never copied on exposure.
type memBulk struct {
	owner    bulkOwner
	id       uint64
	address  string
	segments [][]byte
	size     uint64
	mode     Mode

	mu       sync.Mutex
	released bool
}

type bulkOwner interface {
	dropBulk(id uint64)
}

func newMemBulk(owner bulkOwner, id uint64, address string, segments [][]byte, mode Mode) *memBulk {
	var total uint64
	kept := make([][]byte, 0, len(segments))
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		kept = append(kept, seg)
		total += uint64(len(seg))
	}
	return &memBulk{
		owner:    owner,
		id:       id,
		address:  address,
		segments: kept,
		size:     total,
		mode:     mode,
	}
}

func (b *memBulk) Ref() BulkRef {
	return BulkRef{Handle: b.id, Offset: 0, Size: b.size, Address: b.address}
}

func (b *memBulk) Size() uint64 { return b.size }

func (b *memBulk) Release() {
	b.mu.Lock()
	already := b.released
	b.released = true
	b.mu.Unlock()
	if !already && b.owner != nil {
		b.owner.dropBulk(b.id)
	}
}

// readAt gathers len(dst) bytes starting at offset across the segments.
func (b *memBulk) readAt(offset uint64, dst []byte) error {
	if b.mode == WriteOnly {
		return errext.Errorf(errext.TransportError, "bulk %d is write-only", b.id)
	}
	return b.walk(offset, uint64(len(dst)), func(seg []byte, done uint64) {
		copy(dst[done:], seg)
	})
}

// writeAt scatters src into the segments starting at offset.
func (b *memBulk) writeAt(offset uint64, src []byte) error {
	if b.mode == ReadOnly {
		return errext.Errorf(errext.TransportError, "bulk %d is read-only", b.id)
	}
	return b.walk(offset, uint64(len(src)), func(seg []byte, done uint64) {
		copy(seg, src[done:])
	})
}

// walk visits the sub-slices of the exposed segments covering
// [offset, offset+size), passing each along with the number of bytes
// already visited.
func (b *memBulk) walk(offset, size uint64, visit func(seg []byte, done uint64)) error {
	if offset+size > b.size {
		return errext.Errorf(errext.TransportError,
			"bulk %d: range [%d,%d) exceeds size %d", b.id, offset, offset+size, b.size)
	}
	var cursor, done uint64
	for _, seg := range b.segments {
		segLen := uint64(len(seg))
		if done == size {
			break
		}
		if cursor+segLen <= offset {
			cursor += segLen
			continue
		}
		start := uint64(0)
		if offset > cursor {
			start = offset - cursor
		}
		end := segLen
		if remaining := size - done; end-start > remaining {
			end = start + remaining
		}
		visit(seg[start:end], done)
		done += end - start
		cursor += segLen
	}
	if done != size {
		return errext.Errorf(errext.TransportError,
			"bulk %d: short walk, covered %d of %d bytes", b.id, done, size)
	}
	return nil
}
