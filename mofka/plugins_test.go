package mofka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/mofka-go/archive"
	"github.com/mochi-hpc/mofka-go/errext"
)

func TestDefaultValidator(t *testing.T) {
	t.Parallel()

	validator, err := NewValidator(nil)
	require.NoError(t, err)
	assert.NoError(t, validator.Validate(MetadataFromString(`{"k":1}`), Data{}))

	err = validator.Validate(MetadataFromString(`{"k":`), Data{})
	assert.Equal(t, errext.InvalidMetadata, errext.KindOf(err))

	// the config blob round-trips through the factory
	again, err := NewValidator(validator.Metadata())
	require.NoError(t, err)
	assert.NoError(t, again.Validate(MetadataFromString(`{}`), Data{}))
}

func TestDefaultSelectorRoundRobin(t *testing.T) {
	t.Parallel()

	selector, err := NewSelector(nil)
	require.NoError(t, err)
	selector.SetPartitions([]PartitionInfo{{UUID: "a"}, {UUID: "b"}, {UUID: "c"}})

	var picks []int
	for i := 0; i < 6; i++ {
		idx, err := selector.SelectPartitionFor(nil, AnyPartition)
		require.NoError(t, err)
		picks = append(picks, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, picks)

	// the user override wins, but is range-checked
	idx, err := selector.SelectPartitionFor(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	_, err = selector.SelectPartitionFor(nil, 3)
	assert.Equal(t, errext.PartitionOutOfRange, errext.KindOf(err))
}

func TestDefaultSerializerRoundTrip(t *testing.T) {
	t.Parallel()

	serializer, err := NewSerializer(nil)
	require.NoError(t, err)

	buf := &archive.Buffer{}
	require.NoError(t, serializer.Serialize(buf, MetadataFromString(`{"k":1}`)))
	require.NoError(t, serializer.Serialize(buf, MetadataFromString(`{}`)))

	in := archive.NewBuffer(buf.Bytes())
	first := &Metadata{}
	require.NoError(t, serializer.Deserialize(in, first))
	assert.Equal(t, `{"k":1}`, first.String())
	second := &Metadata{}
	require.NoError(t, serializer.Deserialize(in, second))
	assert.Equal(t, `{}`, second.String())
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(*Metadata, Data) error {
	return errext.Errorf(errext.InvalidMetadata, "rejected")
}

func (rejectAllValidator) Metadata() *Metadata {
	return MetadataFromString(`{"__type__":"reject_all"}`)
}

func TestRegistryDispatchesOnType(t *testing.T) {
	t.Parallel()

	RegisterValidator("reject_all", func(*Metadata) (Validator, error) {
		return rejectAllValidator{}, nil
	})

	validator, err := NewValidator(MetadataFromString(`{"__type__":"reject_all"}`))
	require.NoError(t, err)
	assert.Error(t, validator.Validate(MetadataFromString(`{}`), Data{}))

	// a blob without __type__ falls back to "default"
	validator, err = NewValidator(MetadataFromString(`{}`))
	require.NoError(t, err)
	assert.NoError(t, validator.Validate(MetadataFromString(`{}`), Data{}))

	_, err = NewValidator(MetadataFromString(`{"__type__":"nope"}`))
	assert.Equal(t, errext.InvalidConfig, errext.KindOf(err))
	_, err = NewSelector(MetadataFromString(`{"__type__":"nope"}`))
	assert.Equal(t, errext.InvalidConfig, errext.KindOf(err))
	_, err = NewSerializer(MetadataFromString(`{"__type__":"nope"}`))
	assert.Equal(t, errext.InvalidConfig, errext.KindOf(err))
}
