package errext

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertHasKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	var typed HasKind
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, kind, typed.Kind())
	assert.Contains(t, err.Error(), typed.Error())
}

func TestErrextHelpers(t *testing.T) {
	t.Parallel()

	assert.Nil(t, WithKind(nil, StoreError))

	errBase := errors.New("base error")
	assert.Equal(t, Unknown, KindOf(errBase))

	errWithKind := WithKind(errBase, TopicNotFound)
	assertHasKind(t, errWithKind, TopicNotFound)
	assert.True(t, Is(errWithKind, TopicNotFound))
	assert.False(t, Is(errWithKind, TopicExists))
	assert.ErrorIs(t, errWithKind, errBase)

	// a more specific kind attached higher up wins
	reclassified := WithKind(errWithKind, TransportError)
	assertHasKind(t, reclassified, TransportError)

	wrapped := fmt.Errorf("wrapper: %w", errWithKind)
	assert.Equal(t, TopicNotFound, KindOf(wrapped))
}

func TestErrorf(t *testing.T) {
	t.Parallel()

	err := Errorf(PartitionOutOfRange, "partition %d out of %d", 7, 3)
	assert.Equal(t, PartitionOutOfRange, KindOf(err))
	assert.EqualError(t, err, "partition 7 out of 3")
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "topic exists", TopicExists.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "kind(200)", Kind(200).String())
}
