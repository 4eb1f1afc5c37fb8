package broker

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mochi-hpc/mofka-go/archive"
	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/mofka"
	"github.com/mochi-hpc/mofka-go/transport"
)

// adaptiveDispatchCap bounds how many events one adaptive-mode push may
// carry to a consumer.
const adaptiveDispatchCap = 1024

// Manager owns one partition: the append-only metadata log, the parallel
// descriptor log produced by the data store, per-consumer cursors and the
// dispatchers streaming batches to subscribed consumers.
//
// The ingest log is guarded by logMu and logCv; cursors live under their
// own mutex so acknowledgements do not stall ingest.
type Manager struct {
	topic  string
	uuid   string
	engine  transport.Engine
	store   DataStore
	logger  logrus.FieldLogger
	metrics *Metrics

	logMu sync.Mutex
	logCv *sync.Cond
	// event i's serialized metadata is metaBytes[metaOffsets[i] :
	// metaOffsets[i]+metaSizes[i]]; descriptors mirror the layout
	metaBytes   []byte
	metaOffsets []uint64
	metaSizes   []uint64
	descBytes   []byte
	descOffsets []uint64
	descSizes   []uint64
	completed   bool

	cursorMu sync.Mutex
	cursors  map[string]uint64

	consMu      sync.Mutex
	consumers   map[consumerKey]*ConsumerHandle
	dispatchers sync.WaitGroup
}

type consumerKey struct {
	ctx   uint64
	index uint64
}

// NewManager creates a partition manager over a data store.
func NewManager(engine transport.Engine, store DataStore, topic, uuid string, logger logrus.FieldLogger) *Manager {
	m := &Manager{
		topic:  topic,
		uuid:   uuid,
		engine: engine,
		store:  store,
		logger: logger.WithFields(logrus.Fields{"topic": topic, "partition": uuid}),
		cursors:   make(map[string]uint64),
		consumers: make(map[consumerKey]*ConsumerHandle),
	}
	m.logCv = sync.NewCond(&m.logMu)
	return m
}

// SetMetrics attaches dispatch counters to the manager.
func (m *Manager) SetMetrics(metrics *Metrics) { m.metrics = metrics }

// NumEvents returns the current log length.
func (m *Manager) NumEvents() uint64 {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return uint64(len(m.metaSizes))
}

// ReceiveBatch ingests one producer batch: it pulls the metadata bulk
// into the log tail, hands the data bulk to the data store, and appends
// the resulting descriptors. It returns the ID assigned to the batch's
// first event; events are contiguous in bulk order. On any failure the
// partial append is rolled back before the log mutex is released, so no
// reader ever observes it.
func (m *Manager) ReceiveBatch(ctx context.Context, producer string, count uint64, metaBulk, dataBulk transport.BulkRef) (mofka.EventID, error) {
	if count == 0 {
		return 0, errext.Errorf(errext.TransportError, "batch from %q holds no events", producer)
	}
	sizesLen := count * 8
	if metaBulk.Size < sizesLen {
		return 0, errext.Errorf(errext.TransportError,
			"metadata bulk of %d bytes cannot hold %d sizes", metaBulk.Size, count)
	}
	metaPayload := metaBulk.Size - sizesLen

	m.logMu.Lock()
	defer m.logMu.Unlock()

	firstID := uint64(len(m.metaSizes))
	oldMetaLen := len(m.metaBytes)
	oldDescLen := len(m.descBytes)
	rollback := func() {
		m.metaBytes = m.metaBytes[:oldMetaLen]
		m.descBytes = m.descBytes[:oldDescLen]
	}

	// pull sizes and payload in one transfer, the payload directly into
	// the grown log tail
	sizesBytes := make([]byte, sizesLen)
	m.metaBytes = append(m.metaBytes, make([]byte, metaPayload)...)
	tail := m.metaBytes[oldMetaLen:]
	local, err := m.engine.Expose([][]byte{sizesBytes, tail}, transport.WriteOnly)
	if err != nil {
		rollback()
		return 0, err
	}
	err = m.engine.Pull(ctx, metaBulk, local, 0)
	local.Release()
	if err != nil {
		rollback()
		return 0, errext.WithKind(err, errext.TransportError)
	}

	sizes := make([]uint64, count)
	var sum uint64
	for i := range sizes {
		sizes[i] = binary.LittleEndian.Uint64(sizesBytes[8*i:])
		sum += sizes[i]
	}
	if sum != metaPayload {
		rollback()
		return 0, errext.Errorf(errext.TransportError,
			"metadata sizes sum to %d but the bulk carries %d payload bytes", sum, metaPayload)
	}

	descriptors, err := m.store.Store(ctx, count, dataBulk)
	if err != nil {
		rollback()
		return 0, errext.WithKind(err, errext.StoreError)
	}

	descSizes := make([]uint64, count)
	descOffsets := make([]uint64, count)
	descTail := uint64(0)
	if len(m.descOffsets) > 0 {
		descTail = m.descOffsets[len(m.descOffsets)-1] + m.descSizes[len(m.descSizes)-1]
	}
	buf := &archive.Buffer{}
	for i, descriptor := range descriptors {
		before := buf.Len()
		if err := descriptor.Save(buf); err != nil {
			rollback()
			return 0, errext.WithKind(err, errext.StoreError)
		}
		descSizes[i] = uint64(buf.Len() - before)
		descOffsets[i] = descTail
		descTail += descSizes[i]
	}
	m.descBytes = append(m.descBytes, buf.Bytes()...)

	// commit: the append becomes visible once the size arrays grow
	metaOffset := uint64(oldMetaLen)
	for i := uint64(0); i < count; i++ {
		m.metaOffsets = append(m.metaOffsets, metaOffset)
		m.metaSizes = append(m.metaSizes, sizes[i])
		metaOffset += sizes[i]
	}
	m.descOffsets = append(m.descOffsets, descOffsets...)
	m.descSizes = append(m.descSizes, descSizes...)

	m.logCv.Broadcast()
	return mofka.EventID(firstID), nil
}

// Acknowledge moves the consumer's cursor to event_id + 1. Cursors never
// decrease; acknowledging an older event is a no-op. Idempotent.
func (m *Manager) Acknowledge(consumer string, eventID mofka.EventID) {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	next := uint64(eventID) + 1
	if next > m.cursors[consumer] {
		m.cursors[consumer] = next
	}
}

// Cursor returns a consumer's next-to-deliver event ID.
func (m *Manager) Cursor(consumer string) uint64 {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	return m.cursors[consumer]
}

// GetData reads each descriptor's selected bytes into the target region
// at the running offset. Per-descriptor failures land in the result
// vector without failing the call.
func (m *Manager) GetData(ctx context.Context, descriptors []mofka.DataDescriptor, target transport.BulkRef) ([]error, error) {
	return m.store.Load(ctx, descriptors, target)
}

// MarkAsComplete records that the producer side will publish no more
// events, and wakes the dispatchers so they can emit the final batch.
func (m *Manager) MarkAsComplete() {
	m.logMu.Lock()
	m.completed = true
	m.logMu.Unlock()
	m.logCv.Broadcast()
}

// WakeUp wakes every dispatcher blocked on the log.
func (m *Manager) WakeUp() {
	m.logCv.Broadcast()
}

// Subscribe registers a consumer and starts its dispatcher.
func (m *Manager) Subscribe(handle *ConsumerHandle, batchSize uint64) {
	m.consMu.Lock()
	key := consumerKey{ctx: handle.ctx, index: handle.index}
	if previous, ok := m.consumers[key]; ok {
		previous.Stop()
	}
	m.consumers[key] = handle
	m.consMu.Unlock()

	m.dispatchers.Add(1)
	go func() {
		defer m.dispatchers.Done()
		m.feedLoop(handle, batchSize)
	}()
}

// RemoveConsumer stops the dispatcher serving the given subscription.
func (m *Manager) RemoveConsumer(ctx, index uint64) {
	m.consMu.Lock()
	handle, ok := m.consumers[consumerKey{ctx: ctx, index: index}]
	if ok {
		delete(m.consumers, consumerKey{ctx: ctx, index: index})
	}
	m.consMu.Unlock()
	if ok {
		handle.Stop()
	}
}

// Destroy stops every dispatcher, waits for them to exit and tears down
// the data store.
func (m *Manager) Destroy() error {
	m.consMu.Lock()
	for key, handle := range m.consumers {
		handle.Stop()
		delete(m.consumers, key)
	}
	m.consMu.Unlock()
	m.dispatchers.Wait()
	return m.store.Destroy()
}

// feedLoop streams batches to one consumer until it unsubscribes or, on a
// completed partition, the log is drained, in which case a final batch
// with count 0 signals "no more events".
func (m *Manager) feedLoop(handle *ConsumerHandle, batchSize uint64) {
	capacity := batchSize
	if capacity == 0 {
		// adaptive: all currently available, up to the internal cap
		capacity = adaptiveDispatchCap
	}
	m.cursorMu.Lock()
	firstID := m.cursors[handle.name]
	m.cursorMu.Unlock()

	logger := m.logger.WithField("consumer", handle.name)
	logger.WithField("first_id", firstID).Debug("dispatcher started")

	m.logMu.Lock()
	defer m.logMu.Unlock()
	for !handle.stopped() {
		var want uint64
		for {
			available := uint64(len(m.metaSizes)) - firstID
			want = capacity
			if available < want {
				want = available
			}
			if want != 0 || handle.stopped() || (m.completed && available == 0) {
				break
			}
			m.logCv.Wait()
		}
		if handle.stopped() {
			break
		}
		if want == 0 {
			// completed and drained: tell the consumer there is nothing more
			m.logMu.Unlock()
			err := handle.feed(context.Background(), 0, firstID,
				transport.BulkRef{}, transport.BulkRef{}, transport.BulkRef{}, transport.BulkRef{})
			m.logMu.Lock()
			if err != nil {
				logger.WithError(err).Debug("consumer unreachable for the final batch")
			}
			break
		}

		sizesLen := want * 8
		metaSizesBytes := make([]byte, sizesLen)
		descSizesBytes := make([]byte, sizesLen)
		var metaTotal, descTotal uint64
		for i := uint64(0); i < want; i++ {
			binary.LittleEndian.PutUint64(metaSizesBytes[8*i:], m.metaSizes[firstID+i])
			binary.LittleEndian.PutUint64(descSizesBytes[8*i:], m.descSizes[firstID+i])
			metaTotal += m.metaSizes[firstID+i]
			descTotal += m.descSizes[firstID+i]
		}
		metaStart := m.metaOffsets[firstID]
		descStart := m.descOffsets[firstID]
		bulk, err := m.engine.Expose([][]byte{
			metaSizesBytes,
			m.metaBytes[metaStart : metaStart+metaTotal],
			descSizesBytes,
			m.descBytes[descStart : descStart+descTotal],
		}, transport.ReadOnly)
		if err != nil {
			logger.WithError(err).Error("could not expose batch for dispatch")
			break
		}
		ref := bulk.Ref()
		// waiting for the consumer's acknowledgment before the next
		// iteration is the dispatch-side back-pressure
		err = handle.feed(context.Background(), want, firstID,
			ref.View(0, sizesLen),
			ref.View(sizesLen, metaTotal),
			ref.View(sizesLen+metaTotal, sizesLen),
			ref.View(sizesLen+metaTotal+sizesLen, descTotal))
		bulk.Release()
		if err != nil {
			logger.WithError(err).Debug("dispatch failed, stopping")
			break
		}
		if m.metrics != nil {
			m.metrics.EventsDispatched.WithLabelValues(m.topic, m.uuid).Add(float64(want))
		}
		firstID += want
	}
	logger.Debug("dispatcher exited")
}
