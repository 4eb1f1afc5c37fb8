package mofka

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/transport"
	"github.com/mochi-hpc/mofka-go/wire"
)

// MaxTopicNameLength bounds topic names, directory-side and client-side.
const MaxTopicNameLength = 256

// Driver binds a client to a deployment: it talks to the master directory
// to create and open topics, and routes batches pushed by partitions to
// the consumers it registered.
type Driver struct {
	engine transport.Engine
	group  Group
	logger logrus.FieldLogger

	mu           sync.Mutex
	consumers    map[uint64]*Consumer
	nextConsumer uint64
}

// NewDriver creates a driver over an engine and a broker group.
func NewDriver(engine transport.Engine, group Group, logger logrus.FieldLogger) (*Driver, error) {
	if len(group.Members) == 0 {
		return nil, errext.Errorf(errext.InvalidConfig, "broker group has no members")
	}
	d := &Driver{
		engine:    engine,
		group:     group,
		logger:    logger.WithField("component", "driver"),
		consumers: make(map[uint64]*Consumer),
	}
	engine.DefineRPC(wire.RPCRecvBatch, 0, d.handleRecvBatch)
	return d, nil
}

// NewDriverFromGroupFile bootstraps a driver from a group file.
func NewDriverFromGroupFile(engine transport.Engine, fs afero.Fs, path string, logger logrus.FieldLogger) (*Driver, error) {
	group, err := LoadGroup(fs, path)
	if err != nil {
		return nil, err
	}
	return NewDriver(engine, group, logger)
}

// Group returns the broker membership the driver was bootstrapped with.
func (d *Driver) Group() Group { return d.group }

// handleRecvBatch routes a pushed batch to the consumer it targets. A
// batch for a consumer that no longer exists is answered with an error,
// which makes the partition's dispatcher stop.
func (d *Driver) handleRecvBatch(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.RecvBatch
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	d.mu.Lock()
	consumer, ok := d.consumers[req.ConsumerCtx]
	d.mu.Unlock()
	if !ok {
		return nil, errext.Errorf(errext.Cancelled, "consumer %d no longer exists", req.ConsumerCtx)
	}
	return nil, consumer.recvBatch(ctx, &req)
}

func (d *Driver) registerConsumer(c *Consumer) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextConsumer++
	id := d.nextConsumer
	d.consumers[id] = c
	return id
}

func (d *Driver) unregisterConsumer(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.consumers, id)
}

// CreateTopicOptions configure CreateTopic. Nil components fall back to
// the defaults; Partitions asks for that many partitions of PartitionType
// ("memory" when empty), placed round-robin across the group.
type CreateTopicOptions struct {
	Validator     Validator
	Selector      PartitionSelector
	Serializer    Serializer
	Partitions    int
	PartitionType string
	PartitionConf *Metadata
}

// CreateTopic writes a topic's configuration into the directory. The
// validator, selector and serializer blobs are created together exactly
// once; a name collision fails with TopicExists.
func (d *Driver) CreateTopic(ctx context.Context, name string, opts CreateTopicOptions) error {
	if len(name) > MaxTopicNameLength {
		return errext.Errorf(errext.InvalidConfig,
			"topic name is %d bytes long, the maximum is %d", len(name), MaxTopicNameLength)
	}
	validator := opts.Validator
	if validator == nil {
		var err error
		if validator, err = NewValidator(nil); err != nil {
			return err
		}
	}
	selector := opts.Selector
	if selector == nil {
		var err error
		if selector, err = NewSelector(nil); err != nil {
			return err
		}
	}
	serializer := opts.Serializer
	if serializer == nil {
		var err error
		if serializer, err = NewSerializer(nil); err != nil {
			return err
		}
	}
	req := wire.CreateTopic{
		Name:       name,
		Validator:  []byte(validator.Metadata().String()),
		Selector:   []byte(selector.Metadata().String()),
		Serializer: []byte(serializer.Metadata().String()),
	}
	if _, err := d.engine.Call(ctx, d.group.Master(), 0, wire.RPCCreateTopic, req.Encode()); err != nil {
		return err
	}

	partitionType := opts.PartitionType
	if partitionType == "" {
		partitionType = "memory"
	}
	for i := 0; i < opts.Partitions; i++ {
		if _, err := d.AddCustomPartition(ctx, name, i, partitionType, opts.PartitionConf); err != nil {
			return err
		}
	}
	return nil
}

// OpenTopic fetches a topic's configuration and partition roster, and
// reconstitutes its components through the factories.
func (d *Driver) OpenTopic(ctx context.Context, name string) (*TopicHandle, error) {
	req := wire.OpenTopic{Name: name}
	resp, err := d.engine.Call(ctx, d.group.Master(), 0, wire.RPCOpenTopic, req.Encode())
	if err != nil {
		return nil, err
	}
	var info wire.TopicInfo
	if err := info.Decode(resp); err != nil {
		return nil, err
	}
	validator, err := NewValidator(MetadataFromString(string(info.Validator)))
	if err != nil {
		return nil, err
	}
	selector, err := NewSelector(MetadataFromString(string(info.Selector)))
	if err != nil {
		return nil, err
	}
	serializer, err := NewSerializer(MetadataFromString(string(info.Serializer)))
	if err != nil {
		return nil, err
	}
	partitions := make([]PartitionInfo, len(info.Partitions))
	for i, rec := range info.Partitions {
		partitions[i] = PartitionInfo{
			UUID:       rec.UUID,
			Address:    rec.Address,
			ProviderID: rec.ProviderID,
		}
	}
	selector.SetPartitions(partitions)
	return &TopicHandle{
		name:       name,
		driver:     d,
		validator:  validator,
		selector:   selector,
		serializer: serializer,
		partitions: partitions,
	}, nil
}

// AddMemoryPartition adds an in-memory partition to a topic on the server
// at the given rank.
func (d *Driver) AddMemoryPartition(ctx context.Context, topic string, serverRank int) (PartitionInfo, error) {
	return d.AddCustomPartition(ctx, topic, serverRank, "memory", nil)
}

// AddDefaultPartition adds a durable default partition to a topic on the
// server at the given rank.
func (d *Driver) AddDefaultPartition(ctx context.Context, topic string, serverRank int) (PartitionInfo, error) {
	return d.AddCustomPartition(ctx, topic, serverRank, "default", nil)
}

// AddCustomPartition asks the directory to create a partition of the
// given type and append it to the topic's roster.
func (d *Driver) AddCustomPartition(ctx context.Context, topic string, serverRank int, partitionType string, config *Metadata) (PartitionInfo, error) {
	req := wire.AddPartition{
		Topic:      topic,
		ServerRank: uint64(serverRank),
		Type:       partitionType,
		Config:     []byte(config.String()),
	}
	resp, err := d.engine.Call(ctx, d.group.Master(), 0, wire.RPCAddPartition, req.Encode())
	if err != nil {
		return PartitionInfo{}, err
	}
	var added wire.PartitionAdded
	if err := added.Decode(resp); err != nil {
		return PartitionInfo{}, err
	}
	return PartitionInfo{
		UUID:       added.Record.UUID,
		Address:    added.Record.Address,
		ProviderID: added.Record.ProviderID,
	}, nil
}
