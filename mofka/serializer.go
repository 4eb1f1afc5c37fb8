package mofka

import (
	"github.com/mochi-hpc/mofka-go/archive"
	"github.com/mochi-hpc/mofka-go/errext"
)

// Serializer encodes event metadata into archives and back.
type Serializer interface {
	Serialize(a archive.Archive, metadata *Metadata) error
	Deserialize(a archive.Archive, metadata *Metadata) error
	// Metadata returns the configuration blob, including its "__type__".
	Metadata() *Metadata
}

// SerializerFactory builds a serializer from its configuration.
type SerializerFactory func(config *Metadata) (Serializer, error)

var serializers = newRegistry[SerializerFactory]("serializer")

// RegisterSerializer associates a factory with a "__type__" tag.
func RegisterSerializer(name string, factory SerializerFactory) {
	serializers.register(name, factory)
}

// NewSerializer reconstitutes a serializer from its config blob.
func NewSerializer(config *Metadata) (Serializer, error) {
	name := typeNameOf(config)
	if name == "default" {
		return defaultSerializer{}, nil
	}
	factory, ok := serializers.lookup(name)
	if !ok {
		return nil, errext.Errorf(errext.InvalidConfig, "unknown serializer type %q", name)
	}
	return factory(config)
}

// defaultSerializer encodes the metadata's textual form with a length
// prefix.
type defaultSerializer struct{}

func (defaultSerializer) Serialize(a archive.Archive, metadata *Metadata) error {
	return archive.WriteString(a, metadata.String())
}

func (defaultSerializer) Deserialize(a archive.Archive, metadata *Metadata) error {
	text, err := archive.ReadString(a)
	if err != nil {
		return err
	}
	metadata.SetString(text)
	return nil
}

func (defaultSerializer) Metadata() *Metadata {
	return MetadataFromString(`{"__type__":"default"}`)
}
