package broker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mochi-hpc/mofka-go/mofka"
	"github.com/mochi-hpc/mofka-go/transport"
	"github.com/mochi-hpc/mofka-go/wire"
)

// Provider binds one partition manager to the transport under a provider
// ID, translating wire messages into manager calls.
type Provider struct {
	engine     transport.Engine
	providerID uint16
	manager    *Manager
	logger     logrus.FieldLogger
	metrics    *Metrics
	topic      string
	uuid       string
}

// NewProvider registers the partition RPCs for the manager.
func NewProvider(engine transport.Engine, providerID uint16, manager *Manager, metrics *Metrics, logger logrus.FieldLogger) *Provider {
	p := &Provider{
		engine:     engine,
		providerID: providerID,
		manager:    manager,
		logger:     logger.WithField("provider", providerID),
		metrics:    metrics,
		topic:      manager.topic,
		uuid:       manager.uuid,
	}
	manager.SetMetrics(metrics)
	engine.DefineRPC(wire.RPCSendBatch, providerID, p.handleSendBatch)
	engine.DefineRPC(wire.RPCRequestEvents, providerID, p.handleRequestEvents)
	engine.DefineRPC(wire.RPCRequestData, providerID, p.handleRequestData)
	engine.DefineRPC(wire.RPCAckEvent, providerID, p.handleAckEvent)
	engine.DefineRPC(wire.RPCRemoveConsumer, providerID, p.handleRemoveConsumer)
	engine.DefineRPC(wire.RPCMarkComplete, providerID, p.handleMarkComplete)
	return p
}

// Manager returns the provider's partition manager.
func (p *Provider) Manager() *Manager { return p.manager }

// ProviderID returns the ID the partition RPCs are bound to.
func (p *Provider) ProviderID() uint16 { return p.providerID }

func (p *Provider) handleSendBatch(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.SendBatch
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	firstID, err := p.manager.ReceiveBatch(ctx, req.Producer, req.Count, req.Metadata, req.Data)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.BatchesReceived.WithLabelValues(p.topic, p.uuid).Inc()
		p.metrics.EventsReceived.WithLabelValues(p.topic, p.uuid).Add(float64(req.Count))
	}
	ack := wire.SendBatchAck{FirstID: uint64(firstID)}
	return ack.Encode(), nil
}

func (p *Provider) handleRequestEvents(_ context.Context, payload []byte) ([]byte, error) {
	var req wire.RequestEvents
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	handle := NewConsumerHandle(p.manager, req.ConsumerCtx, req.PartitionIndex, req.ConsumerName, req.Address)
	p.manager.Subscribe(handle, req.BatchSize)
	return nil, nil
}

func (p *Provider) handleRequestData(ctx context.Context, payload []byte) ([]byte, error) {
	var req wire.RequestData
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	descriptors := make([]mofka.DataDescriptor, len(req.Descriptors))
	for i, encoded := range req.Descriptors {
		descriptor, err := mofka.DecodeDescriptor(encoded)
		if err != nil {
			return nil, err
		}
		descriptors[i] = descriptor
	}
	results, err := p.manager.GetData(ctx, descriptors, req.Target)
	if err != nil {
		return nil, err
	}
	ack := wire.RequestDataAck{Results: make([]wire.Result, len(results))}
	for i, res := range results {
		ack.Results[i] = wire.ResultOf(res)
	}
	return ack.Encode(), nil
}

func (p *Provider) handleAckEvent(_ context.Context, payload []byte) ([]byte, error) {
	var req wire.AckEvent
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	p.manager.Acknowledge(req.ConsumerName, mofka.EventID(req.EventID))
	if p.metrics != nil {
		p.metrics.Acknowledgements.WithLabelValues(p.topic, p.uuid).Inc()
	}
	return nil, nil
}

func (p *Provider) handleRemoveConsumer(_ context.Context, payload []byte) ([]byte, error) {
	var req wire.RemoveConsumer
	if err := req.Decode(payload); err != nil {
		return nil, err
	}
	p.manager.RemoveConsumer(req.ConsumerCtx, req.PartitionIndex)
	return nil, nil
}

func (p *Provider) handleMarkComplete(_ context.Context, _ []byte) ([]byte, error) {
	p.manager.MarkAsComplete()
	return nil, nil
}

// Destroy tears the partition down.
func (p *Provider) Destroy() error {
	return p.manager.Destroy()
}
