// Package errext provides the typed error kinds used across the broker and
// helpers to attach a kind to any error without losing its chain.
package errext

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on the failure
// class rather than on the message.
type Kind uint8

const (
	// Unknown is the zero Kind; errors without an attached kind report it.
	Unknown Kind = iota
	// InvalidConfig indicates a schema mismatch on a component config.
	InvalidConfig
	// InvalidMetadata indicates a validator rejection.
	InvalidMetadata
	// TopicExists indicates a topic-name collision at creation.
	TopicExists
	// TopicNotFound indicates a missing topic in the directory.
	TopicNotFound
	// PartitionOutOfRange indicates an invalid index into a partition list.
	PartitionOutOfRange
	// TransportError indicates a bulk or RPC failure.
	TransportError
	// StoreError indicates a metadata-store or data-store failure.
	StoreError
	// Completed indicates an attempt to acknowledge the sentinel event.
	Completed
	// Cancelled indicates an operation abandoned because its owner was
	// shut down.
	Cancelled
)

var kindNames = map[Kind]string{
	Unknown:             "unknown",
	InvalidConfig:       "invalid config",
	InvalidMetadata:     "invalid metadata",
	TopicExists:         "topic exists",
	TopicNotFound:       "topic not found",
	PartitionOutOfRange: "partition out of range",
	TransportError:      "transport error",
	StoreError:          "store error",
	Completed:           "completed",
	Cancelled:           "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// HasKind is implemented by errors that carry a Kind.
type HasKind interface {
	error
	Kind() Kind
}

type withKindError struct {
	err  error
	kind Kind
}

func (e withKindError) Error() string { return e.err.Error() }
func (e withKindError) Unwrap() error { return e.err }
func (e withKindError) Kind() Kind    { return e.kind }

// WithKind returns an error with the given Kind attached. If err already
// carries a kind somewhere in its chain, the new one takes precedence, the
// same way a more specific classification made higher up the stack should.
// A nil err returns nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return withKindError{err: err, kind: kind}
}

// Errorf is a convenience for WithKind(fmt.Errorf(...), kind).
func Errorf(kind Kind, format string, args ...interface{}) error {
	return WithKind(fmt.Errorf(format, args...), kind)
}

// KindOf returns the Kind carried by err, or Unknown.
func KindOf(err error) Kind {
	var typed HasKind
	if errors.As(err, &typed) {
		return typed.Kind()
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
