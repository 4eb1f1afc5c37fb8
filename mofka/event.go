package mofka

import (
	"context"

	"github.com/mochi-hpc/mofka-go/errext"
)

// Event is one pulled publication. The sentinel event, returned once all
// subscribed partitions are completed and drained, carries NoMoreEvents
// and no payload.
//
// An Event does not keep its Consumer alive: the acknowledge path only
// captures the engine, the partition coordinates and the consumer name.
type Event struct {
	id        EventID
	metadata  *Metadata
	data      Data
	partition PartitionInfo
	ack       func(ctx context.Context, id EventID) error
}

func sentinelEvent() Event {
	return Event{id: NoMoreEvents}
}

// ID returns the event's partition-assigned ID.
func (e Event) ID() EventID { return e.id }

// Metadata returns the event's document.
func (e Event) Metadata() *Metadata { return e.metadata }

// Data returns the fetched payload subset (empty unless a data selector
// picked bytes).
func (e Event) Data() Data { return e.data }

// Partition returns the partition the event came from.
func (e Event) Partition() PartitionInfo { return e.partition }

// Acknowledge persists the consumer's cursor past this event, so a
// consumer with the same name later resumes at the next one.
// Acknowledging the sentinel event is an error.
func (e Event) Acknowledge(ctx context.Context) error {
	if e.id == NoMoreEvents || e.ack == nil {
		return errext.Errorf(errext.Completed, "cannot acknowledge the end-of-stream event")
	}
	return e.ack(ctx, e.id)
}
