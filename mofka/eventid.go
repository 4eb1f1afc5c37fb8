// Package mofka is the client-facing core of the broker: event model,
// data descriptors, pluggable validators/selectors/serializers, the
// producer batcher, the consumer engine and the driver binding them to a
// deployment.
package mofka

import "math"

// EventID identifies an event within a partition. IDs are dense and
// monotonic, assigned by the partition starting at 0.
type EventID uint64

// NoMoreEvents is the sentinel ID carried by the event a consumer pulls
// once every subscribed partition is completed and drained.
const NoMoreEvents EventID = math.MaxUint64
