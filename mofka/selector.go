package mofka

import (
	"sync"

	"github.com/mochi-hpc/mofka-go/errext"
)

// AnyPartition lets the selector pick the target partition.
const AnyPartition = -1

// PartitionSelector routes validated events to partitions.
type PartitionSelector interface {
	// SetPartitions installs the topic's partition list.
	SetPartitions(partitions []PartitionInfo)
	// SelectPartitionFor returns the index of the partition the event
	// should go to. A requested index other than AnyPartition overrides
	// the selector's choice and must be range-checked.
	SelectPartitionFor(metadata *Metadata, requested int) (int, error)
	// Metadata returns the configuration blob, including its "__type__".
	Metadata() *Metadata
}

// SelectorFactory builds a partition selector from its configuration.
type SelectorFactory func(config *Metadata) (PartitionSelector, error)

var selectors = newRegistry[SelectorFactory]("selector")

// RegisterSelector associates a factory with a "__type__" tag.
func RegisterSelector(name string, factory SelectorFactory) {
	selectors.register(name, factory)
}

// NewSelector reconstitutes a selector from its config blob.
func NewSelector(config *Metadata) (PartitionSelector, error) {
	name := typeNameOf(config)
	if name == "default" {
		return &defaultSelector{}, nil
	}
	factory, ok := selectors.lookup(name)
	if !ok {
		return nil, errext.Errorf(errext.InvalidConfig, "unknown partition selector type %q", name)
	}
	return factory(config)
}

// defaultSelector round-robins across the partition list.
type defaultSelector struct {
	mu         sync.Mutex
	partitions []PartitionInfo
	next       int
}

func (s *defaultSelector) SetPartitions(partitions []PartitionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions = partitions
	s.next = 0
}

func (s *defaultSelector) SelectPartitionFor(_ *Metadata, requested int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partitions) == 0 {
		return 0, errext.Errorf(errext.PartitionOutOfRange, "topic has no partitions")
	}
	if requested != AnyPartition {
		if requested < 0 || requested >= len(s.partitions) {
			return 0, errext.Errorf(errext.PartitionOutOfRange,
				"requested partition %d of %d", requested, len(s.partitions))
		}
		return requested, nil
	}
	idx := s.next % len(s.partitions)
	s.next = idx + 1
	return idx, nil
}

func (s *defaultSelector) Metadata() *Metadata {
	return MetadataFromString(`{"__type__":"default"}`)
}
