package mofka

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"

	"github.com/mochi-hpc/mofka-go/errext"
)

// Ordering controls how batches of one partition queue are dispatched.
type Ordering int

const (
	// OrderingStrict dispatches batches in enqueue order, one at a time.
	OrderingStrict Ordering = iota
	// OrderingLoose allows parallel sends; inter-batch order is not
	// guaranteed, but events within a batch stay contiguous because the
	// server-side append is atomic.
	OrderingLoose
)

// ProducerOptions configure a producer. Zero values are usable: adaptive
// batching, two outstanding batches per partition, strict ordering, the
// shared thread pool.
type ProducerOptions struct {
	// BatchSize is the target number of events per batch; unset or 0
	// means adaptive (send whatever accumulated).
	BatchSize null.Int
	// MaxNumBatches bounds the batches queued for sending per partition in
	// fixed-size mode; batches already handed to the sender are not counted.
	MaxNumBatches null.Int
	Ordering      Ordering
	ThreadPool    ThreadPool
	Logger        logrus.FieldLogger
}

// Producer accumulates events into partition-specific batches and ships
// them with one RPC per batch.
type Producer struct {
	name      string
	topic     *TopicHandle
	batchSize uint64 // 0 means adaptive
	maxBatch  int
	ordering  Ordering
	pool      ThreadPool
	logger    logrus.FieldLogger

	mu     sync.Mutex
	queues map[int]*batchQueue
	closed bool
}

func newProducer(topic *TopicHandle, name string, opts ProducerOptions) *Producer {
	logger := opts.Logger
	if logger == nil {
		logger = topic.driver.logger
	}
	batchSize := uint64(0)
	if opts.BatchSize.Valid && opts.BatchSize.Int64 > 0 {
		batchSize = uint64(opts.BatchSize.Int64)
	}
	maxBatch := 2
	if opts.MaxNumBatches.Valid && opts.MaxNumBatches.Int64 >= 1 {
		maxBatch = int(opts.MaxNumBatches.Int64)
	}
	pool := opts.ThreadPool
	if pool == nil {
		pool = NewThreadPool(0, logger)
	}
	return &Producer{
		name:      name,
		topic:     topic,
		batchSize: batchSize,
		maxBatch:  maxBatch,
		ordering:  opts.Ordering,
		pool:      pool,
		logger:    logger.WithFields(logrus.Fields{"topic": topic.name, "producer": name}),
		queues:    make(map[int]*batchQueue),
	}
}

// Name returns the producer's name.
func (p *Producer) Name() string { return p.name }

// Push validates and routes one event. The returned future resolves to
// the event's partition-assigned ID once the batch carrying it has been
// acknowledged.
func (p *Producer) Push(metadata *Metadata, data Data) Future[EventID] {
	return p.PushTo(metadata, data, AnyPartition)
}

// PushTo is Push with an explicit target partition index.
func (p *Producer) PushTo(metadata *Metadata, data Data, partition int) Future[EventID] {
	future, promise := NewFuture[EventID]()
	if p.batchSize != 0 {
		// waiting on an event of a batch that never fills up must not
		// deadlock the caller
		future.setOnWait(func() { _ = p.Flush(context.Background()) })
	}

	if err := p.topic.validator.Validate(metadata, data); err != nil {
		promise.SetError(err)
		return future
	}
	idx, err := p.topic.selector.SelectPartitionFor(metadata, partition)
	if err != nil {
		promise.SetError(err)
		return future
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		promise.SetError(errext.Errorf(errext.Cancelled, "producer %q is closed", p.name))
		return future
	}
	queue, ok := p.queues[idx]
	if !ok {
		if idx < 0 || idx >= len(p.topic.partitions) {
			p.mu.Unlock()
			promise.SetError(errext.Errorf(errext.PartitionOutOfRange,
				"selector chose partition %d of %d", idx, len(p.topic.partitions)))
			return future
		}
		queue = newBatchQueue(p, p.topic.partitions[idx])
		p.queues[idx] = queue
	}
	p.mu.Unlock()

	queue.push(metadata, data, promise)
	return future
}

// Flush dispatches every accumulated batch and waits until all partition
// queues have drained.
func (p *Producer) Flush(ctx context.Context) error {
	p.mu.Lock()
	queues := make([]*batchQueue, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()
	for _, q := range queues {
		q.requestFlush()
	}
	for _, q := range queues {
		if err := q.waitDrained(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes outstanding batches and stops the sender loops.
func (p *Producer) Close(ctx context.Context) error {
	err := p.Flush(ctx)
	p.mu.Lock()
	p.closed = true
	queues := make([]*batchQueue, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()
	for _, q := range queues {
		q.stop()
	}
	return err
}
