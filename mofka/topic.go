package mofka

import (
	"context"

	"github.com/mochi-hpc/mofka-go/wire"
)

// PartitionInfo locates one partition of a topic: its stable UUID and the
// provider hosting it.
type PartitionInfo struct {
	UUID       string
	Address    string
	ProviderID uint16
}

// TopicHandle gives access to an open topic. The validator, selector and
// serializer are the ones written at topic creation; they never change.
type TopicHandle struct {
	name       string
	driver     *Driver
	validator  Validator
	selector   PartitionSelector
	serializer Serializer
	partitions []PartitionInfo
}

// Name returns the topic name.
func (t *TopicHandle) Name() string { return t.name }

// Partitions returns the topic's partition list, in creation order.
func (t *TopicHandle) Partitions() []PartitionInfo { return t.partitions }

// Serializer returns the topic's metadata serializer.
func (t *TopicHandle) Serializer() Serializer { return t.serializer }

// MarkAsComplete tells every partition that no more events will be
// produced. The flag is advisory to consumers: a completed partition still
// answers pulls, and emits the sentinel once drained.
func (t *TopicHandle) MarkAsComplete(ctx context.Context) error {
	for _, p := range t.partitions {
		_, err := t.driver.engine.Call(ctx, p.Address, p.ProviderID, wire.RPCMarkComplete, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// Producer creates a producer publishing into this topic.
func (t *TopicHandle) Producer(name string, opts ProducerOptions) *Producer {
	return newProducer(t, name, opts)
}

// Consumer creates a consumer named name and subscribes it to the given
// partition indices (all partitions when none are given).
func (t *TopicHandle) Consumer(ctx context.Context, name string, opts ConsumerOptions, partitions ...int) (*Consumer, error) {
	return newConsumer(ctx, t, name, opts, partitions)
}
