package broker

import (
	"context"
	"sync/atomic"

	"github.com/mochi-hpc/mofka-go/transport"
	"github.com/mochi-hpc/mofka-go/wire"
)

// ConsumerHandle is the partition's view of one remote subscription: the
// consumer's address and context, its name, and a stop flag the dispatch
// loop polls.
type ConsumerHandle struct {
	manager *Manager
	engine  transport.Engine
	ctx     uint64
	index   uint64
	name    string
	address string

	shouldStop atomic.Bool
}

// NewConsumerHandle builds the handle for one request-events subscription.
func NewConsumerHandle(manager *Manager, ctx, index uint64, name, address string) *ConsumerHandle {
	return &ConsumerHandle{
		manager: manager,
		engine:  manager.engine,
		ctx:     ctx,
		index:   index,
		name:    name,
		address: address,
	}
}

// Name returns the consumer's name.
func (h *ConsumerHandle) Name() string { return h.name }

// Stop atomically raises the stop flag and wakes the dispatcher.
func (h *ConsumerHandle) Stop() {
	h.shouldStop.Store(true)
	h.manager.WakeUp()
}

func (h *ConsumerHandle) stopped() bool { return h.shouldStop.Load() }

// feed sends one batch to the consumer and waits for the RPC to be
// acknowledged.
func (h *ConsumerHandle) feed(ctx context.Context, count, firstID uint64,
	metaSizes, meta, descSizes, desc transport.BulkRef,
) error {
	req := wire.RecvBatch{
		ConsumerCtx:    h.ctx,
		PartitionIndex: h.index,
		Count:          count,
		FirstID:        firstID,
		MetaSizes:      metaSizes,
		Meta:           meta,
		DescSizes:      descSizes,
		Desc:           desc,
	}
	_, err := h.engine.Call(ctx, h.address, 0, wire.RPCRecvBatch, req.Encode())
	return err
}
