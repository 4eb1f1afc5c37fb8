// Package wire defines the logical RPC payloads exchanged between clients,
// partitions and the directory service. Field ordering is fixed; payloads
// are encoded with the archive binary codec.
package wire

import (
	"github.com/mochi-hpc/mofka-go/archive"
	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/transport"
)

// RPC names, matching the names the original engine registers.
const (
	RPCSendBatch      = "mofka_send_batch"
	RPCRequestEvents  = "mofka_consumer_request_events"
	RPCRecvBatch      = "mofka_consumer_recv_batch"
	RPCRequestData    = "mofka_consumer_request_data"
	RPCAckEvent       = "mofka_consumer_ack_event"
	RPCRemoveConsumer = "mofka_consumer_remove_consumer"
	RPCMarkComplete   = "mofka_mark_as_complete"

	RPCCreateTopic    = "mofka_create_topic"
	RPCOpenTopic      = "mofka_open_topic"
	RPCAddPartition   = "mofka_add_partition"
	RPCSpawnPartition = "mofka_spawn_partition"
)

// SendBatch carries a producer batch to a partition. The two bulk
// references use the layouts of §6.3.
type SendBatch struct {
	Producer string
	Count    uint64
	Metadata transport.BulkRef
	Data     transport.BulkRef
}

func (m *SendBatch) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteString(out, m.Producer)
	_ = archive.WriteUint64(out, m.Count)
	_ = transport.WriteBulkRef(out, m.Metadata)
	_ = transport.WriteBulkRef(out, m.Data)
	return out.Bytes()
}

func (m *SendBatch) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.Producer, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.Count, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.Metadata, err = transport.ReadBulkRef(in); err != nil {
		return badMessage(err)
	}
	if m.Data, err = transport.ReadBulkRef(in); err != nil {
		return badMessage(err)
	}
	return nil
}

// SendBatchAck is the partition's answer: the ID assigned to the first
// event of the batch.
type SendBatchAck struct {
	FirstID uint64
}

func (m *SendBatchAck) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteUint64(out, m.FirstID)
	return out.Bytes()
}

func (m *SendBatchAck) Decode(p []byte) error {
	var err error
	m.FirstID, err = archive.ReadUint64(archive.NewBuffer(p))
	if err != nil {
		return badMessage(err)
	}
	return nil
}

// RequestEvents subscribes a consumer to a partition's dispatch loop.
// Address is the consumer engine's address, where recv-batch RPCs land.
type RequestEvents struct {
	ConsumerCtx    uint64
	PartitionIndex uint64
	ConsumerName   string
	Address        string
	StartOffset    uint64
	BatchSize      uint64
}

func (m *RequestEvents) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteUint64(out, m.ConsumerCtx)
	_ = archive.WriteUint64(out, m.PartitionIndex)
	_ = archive.WriteString(out, m.ConsumerName)
	_ = archive.WriteString(out, m.Address)
	_ = archive.WriteUint64(out, m.StartOffset)
	_ = archive.WriteUint64(out, m.BatchSize)
	return out.Bytes()
}

func (m *RequestEvents) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.ConsumerCtx, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.PartitionIndex, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.ConsumerName, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.Address, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.StartOffset, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.BatchSize, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	return nil
}

// RecvBatch pushes a batch of events to a consumer. Count == 0 is the
// "no more events on this partition" sentinel.
type RecvBatch struct {
	ConsumerCtx    uint64
	PartitionIndex uint64
	Count          uint64
	FirstID        uint64
	MetaSizes      transport.BulkRef
	Meta           transport.BulkRef
	DescSizes      transport.BulkRef
	Desc           transport.BulkRef
}

func (m *RecvBatch) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteUint64(out, m.ConsumerCtx)
	_ = archive.WriteUint64(out, m.PartitionIndex)
	_ = archive.WriteUint64(out, m.Count)
	_ = archive.WriteUint64(out, m.FirstID)
	_ = transport.WriteBulkRef(out, m.MetaSizes)
	_ = transport.WriteBulkRef(out, m.Meta)
	_ = transport.WriteBulkRef(out, m.DescSizes)
	_ = transport.WriteBulkRef(out, m.Desc)
	return out.Bytes()
}

func (m *RecvBatch) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.ConsumerCtx, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.PartitionIndex, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.Count, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.FirstID, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.MetaSizes, err = transport.ReadBulkRef(in); err != nil {
		return badMessage(err)
	}
	if m.Meta, err = transport.ReadBulkRef(in); err != nil {
		return badMessage(err)
	}
	if m.DescSizes, err = transport.ReadBulkRef(in); err != nil {
		return badMessage(err)
	}
	if m.Desc, err = transport.ReadBulkRef(in); err != nil {
		return badMessage(err)
	}
	return nil
}

// RequestData asks a partition to read the bytes selected by serialized
// data descriptors into the target region.
type RequestData struct {
	Descriptors [][]byte
	Target      transport.BulkRef
}

func (m *RequestData) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteUint64(out, uint64(len(m.Descriptors)))
	for _, d := range m.Descriptors {
		_ = archive.WriteBytes(out, d)
	}
	_ = transport.WriteBulkRef(out, m.Target)
	return out.Bytes()
}

func (m *RequestData) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	n, err := archive.ReadUint64(in)
	if err != nil {
		return badMessage(err)
	}
	m.Descriptors = make([][]byte, n)
	for i := range m.Descriptors {
		if m.Descriptors[i], err = archive.ReadBytes(in); err != nil {
			return badMessage(err)
		}
	}
	if m.Target, err = transport.ReadBulkRef(in); err != nil {
		return badMessage(err)
	}
	return nil
}

// RequestDataAck carries one result per requested descriptor; an
// individual failure does not fail the whole call.
type RequestDataAck struct {
	Results []Result
}

// Result is a wire-encodable success/failure outcome.
type Result struct {
	Kind    errext.Kind
	Message string
}

// OK reports whether the result is a success.
func (r Result) OK() bool { return r.Kind == errext.Unknown && r.Message == "" }

// Err returns the result as an error, or nil on success.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return errext.Errorf(r.Kind, "%s", r.Message)
}

// ResultOf encodes an error as a Result.
func ResultOf(err error) Result {
	if err == nil {
		return Result{}
	}
	kind := errext.KindOf(err)
	if kind == errext.Unknown {
		kind = errext.StoreError
	}
	return Result{Kind: kind, Message: err.Error()}
}

func (m *RequestDataAck) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteUint64(out, uint64(len(m.Results)))
	for _, r := range m.Results {
		_ = archive.WriteByte(out, byte(r.Kind))
		_ = archive.WriteString(out, r.Message)
	}
	return out.Bytes()
}

func (m *RequestDataAck) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	n, err := archive.ReadUint64(in)
	if err != nil {
		return badMessage(err)
	}
	m.Results = make([]Result, n)
	for i := range m.Results {
		kind, err := archive.ReadByte(in)
		if err != nil {
			return badMessage(err)
		}
		msg, err := archive.ReadString(in)
		if err != nil {
			return badMessage(err)
		}
		m.Results[i] = Result{Kind: errext.Kind(kind), Message: msg}
	}
	return nil
}

// AckEvent moves a consumer's cursor past event_id.
type AckEvent struct {
	ConsumerName string
	EventID      uint64
}

func (m *AckEvent) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteString(out, m.ConsumerName)
	_ = archive.WriteUint64(out, m.EventID)
	return out.Bytes()
}

func (m *AckEvent) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.ConsumerName, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	if m.EventID, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	return nil
}

// RemoveConsumer makes a partition's dispatcher for the consumer exit.
type RemoveConsumer struct {
	ConsumerCtx    uint64
	PartitionIndex uint64
	ConsumerName   string
}

func (m *RemoveConsumer) Encode() []byte {
	out := &archive.Buffer{}
	_ = archive.WriteUint64(out, m.ConsumerCtx)
	_ = archive.WriteUint64(out, m.PartitionIndex)
	_ = archive.WriteString(out, m.ConsumerName)
	return out.Bytes()
}

func (m *RemoveConsumer) Decode(p []byte) error {
	in := archive.NewBuffer(p)
	var err error
	if m.ConsumerCtx, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.PartitionIndex, err = archive.ReadUint64(in); err != nil {
		return badMessage(err)
	}
	if m.ConsumerName, err = archive.ReadString(in); err != nil {
		return badMessage(err)
	}
	return nil
}

func badMessage(err error) error {
	return errext.WithKind(err, errext.TransportError)
}
