package mofka

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/mochi-hpc/mofka-go/archive"
	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/transport"
	"github.com/mochi-hpc/mofka-go/wire"
)

type batchEntry struct {
	metadata *Metadata
	data     Data
	promise  Promise[EventID]
}

// producerBatch groups events bound for one partition so a single RPC
// amortizes the per-event overhead.
type producerBatch struct {
	entries []batchEntry
}

func (b *producerBatch) count() uint64 { return uint64(len(b.entries)) }

func (b *producerBatch) push(metadata *Metadata, data Data, promise Promise[EventID]) {
	b.entries = append(b.entries, batchEntry{metadata: metadata, data: data, promise: promise})
}

func (b *producerBatch) fail(err error) {
	for _, e := range b.entries {
		e.promise.SetError(err)
	}
}

// send serializes the batch, exposes the two bulk layouts of the wire
// contract and issues the send-batch RPC. Promises resolve to
// firstID + i on success, or all carry the failure.
func (b *producerBatch) send(q *batchQueue) {
	engine := q.producer.topic.driver.engine
	serializer := q.producer.topic.serializer

	metaSizes := make([]byte, 8*len(b.entries))
	metaBuf := &archive.Buffer{}
	dataSizes := make([]byte, 8*len(b.entries))
	dataSegments := [][]byte{dataSizes}
	for i, entry := range b.entries {
		before := metaBuf.Len()
		if err := serializer.Serialize(metaBuf, entry.metadata); err != nil {
			b.fail(errext.WithKind(err, errext.InvalidMetadata))
			return
		}
		binary.LittleEndian.PutUint64(metaSizes[8*i:], uint64(metaBuf.Len()-before))
		var dataSize uint64
		for _, seg := range entry.data.Segments() {
			if len(seg) == 0 {
				continue
			}
			dataSegments = append(dataSegments, seg)
			dataSize += uint64(len(seg))
		}
		binary.LittleEndian.PutUint64(dataSizes[8*i:], dataSize)
	}

	metaBulk, err := engine.Expose([][]byte{metaSizes, metaBuf.Bytes()}, transport.ReadOnly)
	if err != nil {
		b.fail(err)
		return
	}
	defer metaBulk.Release()
	dataBulk, err := engine.Expose(dataSegments, transport.ReadOnly)
	if err != nil {
		b.fail(err)
		return
	}
	defer dataBulk.Release()

	req := wire.SendBatch{
		Producer: q.producer.name,
		Count:    b.count(),
		Metadata: metaBulk.Ref(),
		Data:     dataBulk.Ref(),
	}
	resp, err := engine.Call(context.Background(),
		q.partition.Address, q.partition.ProviderID, wire.RPCSendBatch, req.Encode())
	if err != nil {
		b.fail(err)
		return
	}
	var ack wire.SendBatchAck
	if err := ack.Decode(resp); err != nil {
		b.fail(err)
		return
	}
	for i, entry := range b.entries {
		entry.promise.SetValue(EventID(ack.FirstID) + EventID(i))
	}
}

// batchQueue owns the in-flight batches of one partition and the sender
// loop draining them. In fixed-size mode, a push that needs a fresh batch
// blocks while max_num_batches batches wait in the queue; batches already
// popped by the sender are not counted. Adaptive-mode pushes never block.
type batchQueue struct {
	producer  *Producer
	partition PartitionInfo

	mu         sync.Mutex
	cv         *sync.Cond
	queue      []*producerBatch
	inFlight   int
	needStop   bool
	flushReq   bool
	terminated chan struct{}
}

func newBatchQueue(p *Producer, partition PartitionInfo) *batchQueue {
	q := &batchQueue{
		producer:   p,
		partition:  partition,
		terminated: make(chan struct{}),
	}
	q.cv = sync.NewCond(&q.mu)
	go q.senderLoop()
	return q
}

func (q *batchQueue) push(metadata *Metadata, data Data, promise Promise[EventID]) {
	adaptive := q.producer.batchSize == 0
	needNotify := adaptive

	q.mu.Lock()
	if len(q.queue) == 0 {
		q.queue = append(q.queue, &producerBatch{})
	}
	last := q.queue[len(q.queue)-1]
	if !adaptive && last.count() == q.producer.batchSize {
		for len(q.queue) >= q.producer.maxBatch && !q.needStop {
			q.cv.Wait()
		}
		last = &producerBatch{}
		q.queue = append(q.queue, last)
		needNotify = true
	}
	last.push(metadata, data, promise)
	q.mu.Unlock()

	if needNotify {
		q.cv.Broadcast()
	}
}

// senderLoop pops completed batches and sends them. In adaptive mode any
// non-empty batch counts as complete; in fixed mode the head batch must
// have reached the configured size, unless a flush or stop was requested.
func (q *batchQueue) senderLoop() {
	adaptive := q.producer.batchSize == 0
	q.mu.Lock()
	for !q.needStop || len(q.queue) > 0 {
		for {
			if q.needStop || q.flushReq {
				break
			}
			if len(q.queue) > 0 {
				if adaptive && q.queue[0].count() > 0 {
					break
				}
				if !adaptive && q.queue[0].count() == q.producer.batchSize {
					break
				}
			}
			q.cv.Wait()
		}
		if len(q.queue) == 0 {
			if q.flushReq {
				if q.inFlight > 0 {
					q.cv.Wait()
					continue
				}
				q.flushReq = false
				q.cv.Broadcast()
			}
			if q.needStop {
				break
			}
			continue
		}
		batch := q.queue[0]
		q.queue = q.queue[1:]
		if q.producer.ordering == OrderingStrict {
			q.mu.Unlock()
			batch.send(q)
			q.mu.Lock()
			q.cv.Broadcast()
		} else {
			q.inFlight++
			q.producer.pool.PushWork(func() {
				batch.send(q)
				q.mu.Lock()
				q.inFlight--
				q.cv.Broadcast()
				q.mu.Unlock()
			}, NoPriority)
		}
	}
	// settle whatever the loop could not send
	for q.inFlight > 0 {
		q.cv.Wait()
	}
	remaining := q.queue
	q.queue = nil
	if q.flushReq {
		q.flushReq = false
	}
	q.cv.Broadcast()
	q.mu.Unlock()
	for _, batch := range remaining {
		batch.fail(errext.Errorf(errext.Cancelled, "producer stopped before the batch was sent"))
	}
	close(q.terminated)
}

func (q *batchQueue) requestFlush() {
	q.mu.Lock()
	q.flushReq = true
	q.mu.Unlock()
	q.cv.Broadcast()
}

// waitDrained blocks until the queue is empty, no flush is pending and no
// loose-mode send is still in flight.
func (q *batchQueue) waitDrained(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for (len(q.queue) > 0 || q.flushReq || q.inFlight > 0) && !q.isTerminated() {
			q.cv.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errext.WithKind(ctx.Err(), errext.Cancelled)
	}
}

func (q *batchQueue) isTerminated() bool {
	select {
	case <-q.terminated:
		return true
	default:
		return false
	}
}

func (q *batchQueue) stop() {
	q.mu.Lock()
	q.needStop = true
	q.mu.Unlock()
	q.cv.Broadcast()
	<-q.terminated
}
