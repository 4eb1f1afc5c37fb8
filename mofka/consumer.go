package mofka

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"

	"github.com/mochi-hpc/mofka-go/archive"
	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/transport"
	"github.com/mochi-hpc/mofka-go/wire"
)

// DataSelector shrinks an event's data descriptor to the subset worth
// fetching. Returning the null descriptor skips the fetch entirely.
type DataSelector func(metadata *Metadata, descriptor DataDescriptor) DataDescriptor

// DataAllocator provides destination memory of exactly the selected size.
type DataAllocator func(metadata *Metadata, descriptor DataDescriptor) Data

// ConsumerOptions configure a consumer. The zero value subscribes with
// adaptive batches, no data fetching and the shared thread pool.
type ConsumerOptions struct {
	// BatchSize is the upper bound on events per pushed batch; unset or 0
	// lets the partition send whatever is available.
	BatchSize     null.Int
	ThreadPool    ThreadPool
	DataSelector  DataSelector
	DataAllocator DataAllocator
	Logger        logrus.FieldLogger
}

type futurePair struct {
	promise Promise[Event]
	future  Future[Event]
}

// Consumer subscribes to partitions and hands their pushed batches to the
// application one event at a time.
type Consumer struct {
	ctxID      uint64
	name       string
	topic      *TopicHandle
	subscribed []int // topic-level partition indices, in subscription order
	batchSize  uint64
	pool       ThreadPool
	selector   DataSelector
	allocator  DataAllocator
	logger     logrus.FieldLogger

	// The futures queue works symmetrically from both ends: when credit
	// is set the queued promises were created by user pulls waiting to be
	// fulfilled; when clear the queued futures were created by incoming
	// batches waiting to be consumed.
	mu                  sync.Mutex
	futures             []futurePair
	credit              bool
	completedPartitions int

	unsubOnce sync.Once
}

func newConsumer(ctx context.Context, topic *TopicHandle, name string, opts ConsumerOptions, partitions []int) (*Consumer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = topic.driver.logger
	}
	if len(partitions) == 0 {
		partitions = make([]int, len(topic.partitions))
		for i := range partitions {
			partitions[i] = i
		}
	}
	for _, idx := range partitions {
		if idx < 0 || idx >= len(topic.partitions) {
			return nil, errext.Errorf(errext.PartitionOutOfRange,
				"subscribing to partition %d of %d", idx, len(topic.partitions))
		}
	}
	batchSize := uint64(0)
	if opts.BatchSize.Valid && opts.BatchSize.Int64 > 0 {
		batchSize = uint64(opts.BatchSize.Int64)
	}
	pool := opts.ThreadPool
	if pool == nil {
		pool = NewThreadPool(0, logger)
	}
	allocator := opts.DataAllocator
	if allocator == nil {
		allocator = func(_ *Metadata, descriptor DataDescriptor) Data {
			return NewData(make([]byte, descriptor.Size()))
		}
	}
	c := &Consumer{
		name:       name,
		topic:      topic,
		subscribed: partitions,
		batchSize:  batchSize,
		pool:       pool,
		selector:   opts.DataSelector,
		allocator:  allocator,
		logger:     logger.WithFields(logrus.Fields{"topic": topic.name, "consumer": name}),
	}
	c.ctxID = topic.driver.registerConsumer(c)
	if err := c.subscribe(ctx); err != nil {
		topic.driver.unregisterConsumer(c.ctxID)
		return nil, err
	}
	return c, nil
}

// subscribe sends a request-events RPC to every target partition; each
// partition then runs its dispatch loop against this consumer.
func (c *Consumer) subscribe(ctx context.Context) error {
	engine := c.topic.driver.engine
	for pos, idx := range c.subscribed {
		partition := c.topic.partitions[idx]
		req := wire.RequestEvents{
			ConsumerCtx:    c.ctxID,
			PartitionIndex: uint64(pos),
			ConsumerName:   c.name,
			Address:        engine.Address(),
			StartOffset:    0,
			BatchSize:      c.batchSize,
		}
		_, err := engine.Call(ctx, partition.Address, partition.ProviderID,
			wire.RPCRequestEvents, req.Encode())
		if err != nil {
			return err
		}
	}
	return nil
}

// Name returns the consumer's name.
func (c *Consumer) Name() string { return c.name }

// Pull returns a future resolving to the next event. Once every
// subscribed partition is completed and drained, pulls resolve to the
// sentinel event immediately.
func (c *Consumer) Pull() Future[Event] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credit || len(c.futures) == 0 {
		if c.completedPartitions == len(c.subscribed) {
			return CompletedFuture(sentinelEvent())
		}
		future, promise := NewFuture[Event]()
		c.futures = append(c.futures, futurePair{promise: promise, future: future})
		c.credit = true
		return future
	}
	pair := c.futures[0]
	c.futures = c.futures[1:]
	c.credit = false
	return pair.future
}

// recvBatch handles one pushed batch. It pulls the four referenced
// ranges, reserves the promises, and returns so the RPC is acknowledged
// before any per-event work runs on the thread pool.
func (c *Consumer) recvBatch(ctx context.Context, req *wire.RecvBatch) error {
	if req.Count == 0 {
		c.partitionCompleted()
		return nil
	}
	if req.PartitionIndex >= uint64(len(c.subscribed)) {
		return errext.Errorf(errext.PartitionOutOfRange,
			"batch for partition index %d of %d", req.PartitionIndex, len(c.subscribed))
	}
	engine := c.topic.driver.engine

	sizesLen := req.Count * 8
	metaSizesBytes := make([]byte, sizesLen)
	metaBuf := make([]byte, req.Meta.Size)
	descSizesBytes := make([]byte, sizesLen)
	descBuf := make([]byte, req.Desc.Size)
	local, err := engine.Expose(
		[][]byte{metaSizesBytes, metaBuf, descSizesBytes, descBuf}, transport.WriteOnly)
	if err != nil {
		return err
	}
	defer local.Release()
	var offset uint64
	for _, part := range []struct {
		ref  transport.BulkRef
		size uint64
	}{
		{req.MetaSizes, sizesLen},
		{req.Meta, req.Meta.Size},
		{req.DescSizes, sizesLen},
		{req.Desc, req.Desc.Size},
	} {
		if err := engine.Pull(ctx, part.ref, local, offset); err != nil {
			return err
		}
		offset += part.size
	}

	promises := make([]Promise[Event], req.Count)
	c.mu.Lock()
	for i := range promises {
		if !c.credit || len(c.futures) == 0 {
			future, promise := NewFuture[Event]()
			c.futures = append(c.futures, futurePair{promise: promise, future: future})
			c.credit = false
			promises[i] = promise
		} else {
			pair := c.futures[0]
			c.futures = c.futures[1:]
			c.credit = true
			promises[i] = pair.promise
		}
	}
	c.mu.Unlock()

	partition := c.topic.partitions[c.subscribed[req.PartitionIndex]]
	var metaOffset, descOffset uint64
	for i := uint64(0); i < req.Count; i++ {
		metaSize := binary.LittleEndian.Uint64(metaSizesBytes[8*i:])
		descSize := binary.LittleEndian.Uint64(descSizesBytes[8*i:])
		eventID := EventID(req.FirstID + i)
		metaBytes := metaBuf[metaOffset : metaOffset+metaSize]
		descBytes := descBuf[descOffset : descOffset+descSize]
		promise := promises[i]
		c.pool.PushWork(func() {
			c.processEvent(partition, eventID, metaBytes, descBytes, promise)
		}, NoPriority)
		metaOffset += metaSize
		descOffset += descSize
	}
	return nil
}

// processEvent deserializes one event, fetches its selected data subset
// and fulfills the promise.
func (c *Consumer) processEvent(partition PartitionInfo, eventID EventID, metaBytes, descBytes []byte, promise Promise[Event]) {
	metadata := &Metadata{}
	if err := c.topic.serializer.Deserialize(archive.NewBuffer(metaBytes), metadata); err != nil {
		promise.SetError(errext.WithKind(err, errext.StoreError))
		return
	}
	descriptor, err := DecodeDescriptor(descBytes)
	if err != nil {
		promise.SetError(errext.WithKind(err, errext.StoreError))
		return
	}
	data, err := c.requestData(partition, metadata, descriptor)
	if err != nil {
		promise.SetError(err)
		return
	}
	engine := c.topic.driver.engine
	name := c.name
	promise.SetValue(Event{
		id:        eventID,
		metadata:  metadata,
		data:      data,
		partition: partition,
		ack: func(ctx context.Context, id EventID) error {
			req := wire.AckEvent{ConsumerName: name, EventID: uint64(id)}
			_, err := engine.Call(ctx, partition.Address, partition.ProviderID,
				wire.RPCAckEvent, req.Encode())
			return err
		},
	})
}

// requestData runs the data selector and, for a non-empty selection,
// allocates destination memory and fetches the bytes from the partition's
// data store.
func (c *Consumer) requestData(partition PartitionInfo, metadata *Metadata, descriptor DataDescriptor) (Data, error) {
	selected := NullDescriptor()
	if c.selector != nil {
		selected = c.selector(metadata, descriptor)
	}
	if selected.Size() == 0 {
		return Data{}, nil
	}
	data := c.allocator(metadata, selected)
	if data.Size() != selected.Size() {
		return Data{}, errext.Errorf(errext.InvalidConfig,
			"data allocator returned %d bytes for a %d-byte selection", data.Size(), selected.Size())
	}

	engine := c.topic.driver.engine
	local, err := engine.Expose(data.Segments(), transport.WriteOnly)
	if err != nil {
		return Data{}, err
	}
	defer local.Release()

	encoded, err := EncodeDescriptor(selected)
	if err != nil {
		return Data{}, errext.WithKind(err, errext.StoreError)
	}
	req := wire.RequestData{Descriptors: [][]byte{encoded}, Target: local.Ref()}
	resp, err := engine.Call(context.Background(), partition.Address, partition.ProviderID,
		wire.RPCRequestData, req.Encode())
	if err != nil {
		return Data{}, err
	}
	var ack wire.RequestDataAck
	if err := ack.Decode(resp); err != nil {
		return Data{}, err
	}
	if len(ack.Results) == 0 {
		return Data{}, errext.Errorf(errext.StoreError, "data store returned no result")
	}
	if err := ack.Results[0].Err(); err != nil {
		return Data{}, err
	}
	return data, nil
}

// partitionCompleted counts a partition's end-of-stream signal; once all
// subscribed partitions reported it, every pending user pull resolves to
// the sentinel event.
func (c *Consumer) partitionCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedPartitions++
	if c.completedPartitions != len(c.subscribed) {
		return
	}
	if !c.credit {
		return
	}
	for len(c.futures) > 0 {
		pair := c.futures[0]
		c.futures = c.futures[1:]
		pair.promise.SetValue(sentinelEvent())
	}
}

// Unsubscribe makes every partition's dispatcher exit its loop and
// unregisters the consumer. Safe to call more than once.
func (c *Consumer) Unsubscribe(ctx context.Context) error {
	var err error
	c.unsubOnce.Do(func() {
		engine := c.topic.driver.engine
		for pos, idx := range c.subscribed {
			partition := c.topic.partitions[idx]
			req := wire.RemoveConsumer{
				ConsumerCtx:    c.ctxID,
				PartitionIndex: uint64(pos),
				ConsumerName:   c.name,
			}
			_, callErr := engine.Call(ctx, partition.Address, partition.ProviderID,
				wire.RPCRemoveConsumer, req.Encode())
			if callErr != nil && err == nil {
				err = callErr
			}
		}
		c.topic.driver.unregisterConsumer(c.ctxID)
	})
	return err
}
