package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mochi-hpc/mofka-go/errext"
)

// LoopbackNetwork is an in-process fabric connecting LoopbackEngines by
// address. Transfers between engines of the same network are memory copies.
type LoopbackNetwork struct {
	mu      sync.RWMutex
	engines map[string]*LoopbackEngine
}

// NewLoopbackNetwork creates an empty fabric.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{engines: make(map[string]*LoopbackEngine)}
}

// Engine creates and registers an engine under the given address.
func (n *LoopbackNetwork) Engine(address string, logger logrus.FieldLogger) (*LoopbackEngine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.engines[address]; ok {
		return nil, errext.Errorf(errext.InvalidConfig, "loopback address %q already in use", address)
	}
	e := &LoopbackEngine{
		network:  n,
		address:  address,
		logger:   logger.WithField("engine", address),
		handlers: make(map[rpcKey]Handler),
		bulks:    make(map[uint64]*memBulk),
	}
	n.engines[address] = e
	return e, nil
}

func (n *LoopbackNetwork) lookup(address string) (*LoopbackEngine, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.engines[address]
	return e, ok
}

func (n *LoopbackNetwork) drop(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.engines, address)
}

// LoopbackEngine is the in-process Engine implementation.
type LoopbackEngine struct {
	network *LoopbackNetwork
	address string
	logger  logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[rpcKey]Handler
	bulks    map[uint64]*memBulk
	closed   bool

	nextBulk atomic.Uint64
}

var _ Engine = (*LoopbackEngine)(nil)

func (e *LoopbackEngine) Address() string { return e.address }

func (e *LoopbackEngine) Expose(segments [][]byte, mode Mode) (Bulk, error) {
	id := e.nextBulk.Add(1)
	b := newMemBulk(e, id, e.address, segments, mode)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errext.Errorf(errext.Cancelled, "engine %s is closed", e.address)
	}
	e.bulks[id] = b
	return b, nil
}

func (e *LoopbackEngine) dropBulk(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.bulks, id)
}

func (e *LoopbackEngine) bulk(id uint64) (*memBulk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.bulks[id]
	if !ok {
		return nil, errext.Errorf(errext.TransportError, "engine %s: unknown bulk handle %d", e.address, id)
	}
	return b, nil
}

func (e *LoopbackEngine) DefineRPC(name string, providerID uint16, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[rpcKey{name: name, provider: providerID}] = h
}

func (e *LoopbackEngine) Call(ctx context.Context, address string, providerID uint16, name string, req []byte) ([]byte, error) {
	target, ok := e.network.lookup(address)
	if !ok {
		return nil, errext.Errorf(errext.TransportError, "no engine at %q", address)
	}
	target.mu.RLock()
	h, ok := target.handlers[rpcKey{name: name, provider: providerID}]
	target.mu.RUnlock()
	if !ok {
		return nil, errext.Errorf(errext.TransportError,
			"engine %s does not define rpc %s@%d", address, name, providerID)
	}
	if err := ctx.Err(); err != nil {
		return nil, errext.WithKind(err, errext.Cancelled)
	}
	return h(ctx, req)
}

func (e *LoopbackEngine) Pull(ctx context.Context, remote BulkRef, local Bulk, localOffset uint64) error {
	if remote.IsNull() {
		return nil
	}
	origin, ok := e.network.lookup(remote.Address)
	if !ok {
		return errext.Errorf(errext.TransportError, "no engine at %q", remote.Address)
	}
	src, err := origin.bulk(remote.Handle)
	if err != nil {
		return err
	}
	tmp := make([]byte, remote.Size)
	if err := src.readAt(remote.Offset, tmp); err != nil {
		return err
	}
	return local.(*memBulk).writeAt(localOffset, tmp)
}

func (e *LoopbackEngine) Push(ctx context.Context, remote BulkRef, local Bulk, localOffset uint64) error {
	if remote.IsNull() {
		return nil
	}
	origin, ok := e.network.lookup(remote.Address)
	if !ok {
		return errext.Errorf(errext.TransportError, "no engine at %q", remote.Address)
	}
	dst, err := origin.bulk(remote.Handle)
	if err != nil {
		return err
	}
	tmp := make([]byte, remote.Size)
	if err := local.(*memBulk).readAt(localOffset, tmp); err != nil {
		return err
	}
	return dst.writeAt(remote.Offset, tmp)
}

func (e *LoopbackEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.network.drop(e.address)
	return nil
}
