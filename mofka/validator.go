package mofka

import (
	"sync"

	"github.com/mochi-hpc/mofka-go/errext"
)

// Validator decides whether an event may enter a topic. Implementations
// must be reconstructible from the config blob their Metadata returns.
type Validator interface {
	// Validate returns an InvalidMetadata error when the event is rejected.
	Validate(metadata *Metadata, data Data) error
	// Metadata returns the configuration blob, including its "__type__".
	Metadata() *Metadata
}

// ValidatorFactory builds a validator from its configuration.
type ValidatorFactory func(config *Metadata) (Validator, error)

var validators = newRegistry[ValidatorFactory]("validator")

// RegisterValidator associates a factory with a "__type__" tag.
func RegisterValidator(name string, factory ValidatorFactory) {
	validators.register(name, factory)
}

// NewValidator reconstitutes a validator from its config blob, dispatching
// on the "__type__" field, defaulting to "default".
func NewValidator(config *Metadata) (Validator, error) {
	name := typeNameOf(config)
	if name == "default" {
		return defaultValidator{}, nil
	}
	factory, ok := validators.lookup(name)
	if !ok {
		return nil, errext.Errorf(errext.InvalidConfig, "unknown validator type %q", name)
	}
	return factory(config)
}

// defaultValidator accepts any well-formed document.
type defaultValidator struct{}

func (defaultValidator) Validate(metadata *Metadata, _ Data) error {
	if !metadata.WellFormed() {
		return errext.Errorf(errext.InvalidMetadata, "event metadata is not a well-formed document")
	}
	return nil
}

func (defaultValidator) Metadata() *Metadata {
	return MetadataFromString(`{"__type__":"default"}`)
}

// typeNameOf extracts the "__type__" field of a config blob.
func typeNameOf(config *Metadata) string {
	if config == nil {
		return "default"
	}
	name := config.Query("__type__").String()
	if name == "" {
		return "default"
	}
	return name
}

// registry is a typed factory registry. Registration happens through
// explicit calls at startup, not static initializers; the "default"
// implementations are built in.
type registry[F any] struct {
	kind string

	mu        sync.RWMutex
	factories map[string]F
}

func newRegistry[F any](kind string) *registry[F] {
	return &registry[F]{kind: kind, factories: make(map[string]F)}
}

func (r *registry[F]) register(name string, factory F) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *registry[F]) lookup(name string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}
