// Package transport abstracts the RPC and one-sided bulk-transfer layer the
// broker runs on. Engines expose local memory regions as bulk handles,
// transfer ranges between endpoints, and carry request/response RPCs.
//
// Two engines are provided: an in-process loopback network where transfers
// are memory copies, and a WebSocket engine where one-sided transfers are
// emulated with internal RPCs against the origin endpoint.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/mochi-hpc/mofka-go/archive"
)

// Mode describes how an exposed region may be accessed remotely.
type Mode int

const (
	// ReadOnly regions can be pulled by remote endpoints.
	ReadOnly Mode = iota
	// WriteOnly regions can be pushed into by remote endpoints.
	WriteOnly
	// ReadWrite regions allow both.
	ReadWrite
)

// BulkRef is a capability pointing into a remote memory region: the origin
// engine's handle for the region, a byte range within it, and the origin
// address a transfer must be issued against.
type BulkRef struct {
	Handle  uint64
	Offset  uint64
	Size    uint64
	Address string
}

// IsNull reports whether the reference covers no bytes.
func (r BulkRef) IsNull() bool { return r.Size == 0 }

// View returns a sub-range of the reference. offset is relative to r.
func (r BulkRef) View(offset, size uint64) BulkRef {
	return BulkRef{Handle: r.Handle, Offset: r.Offset + offset, Size: size, Address: r.Address}
}

// WriteBulkRef encodes r into a.
func WriteBulkRef(a archive.Archive, r BulkRef) error {
	if err := archive.WriteUint64(a, r.Handle); err != nil {
		return err
	}
	if err := archive.WriteUint64(a, r.Offset); err != nil {
		return err
	}
	if err := archive.WriteUint64(a, r.Size); err != nil {
		return err
	}
	return archive.WriteString(a, r.Address)
}

// ReadBulkRef decodes a BulkRef from a.
func ReadBulkRef(a archive.Archive) (BulkRef, error) {
	var r BulkRef
	var err error
	if r.Handle, err = archive.ReadUint64(a); err != nil {
		return r, err
	}
	if r.Offset, err = archive.ReadUint64(a); err != nil {
		return r, err
	}
	if r.Size, err = archive.ReadUint64(a); err != nil {
		return r, err
	}
	r.Address, err = archive.ReadString(a)
	return r, err
}

// Bulk is a locally exposed memory region.
type Bulk interface {
	// Ref returns a capability covering the whole region.
	Ref() BulkRef
	// Size returns the total size of the region in bytes.
	Size() uint64
	// Release withdraws the exposure. Transfers against the handle fail
	// afterwards.
	Release()
}

// Handler processes an incoming RPC payload and returns the response
// payload. Errors cross the wire with their errext kind preserved.
type Handler func(ctx context.Context, req []byte) ([]byte, error)

// Engine is the transport capability consumed by the broker core.
type Engine interface {
	// Address returns the engine's reachable address, e.g. "ws://host:port".
	Address() string
	// Expose registers the given segments as one contiguous remote-accessible
	// region and returns its handle.
	Expose(segments [][]byte, mode Mode) (Bulk, error)
	// DefineRPC registers a handler for (name, providerID).
	DefineRPC(name string, providerID uint16, h Handler)
	// Call issues an RPC against a remote engine and waits for the response.
	Call(ctx context.Context, address string, providerID uint16, name string, req []byte) ([]byte, error)
	// Pull transfers remote.Size bytes from the remote region into the local
	// bulk starting at localOffset.
	Pull(ctx context.Context, remote BulkRef, local Bulk, localOffset uint64) error
	// Push transfers remote.Size bytes from the local bulk starting at
	// localOffset into the remote region.
	Push(ctx context.Context, remote BulkRef, local Bulk, localOffset uint64) error
	// Close tears the engine down.
	Close() error
}

type rpcKey struct {
	name     string
	provider uint16
}

func (k rpcKey) String() string { return fmt.Sprintf("%s@%d", k.name, k.provider) }

// Protocol returns the scheme of an engine address ("ws" for
// "ws://host:port"), or an empty string if the address has none.
func Protocol(address string) string {
	idx := strings.Index(address, "://")
	if idx < 0 {
		return ""
	}
	return address[:idx]
}
