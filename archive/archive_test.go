package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferRoundTrip(t *testing.T) {
	t.Parallel()

	out := &Buffer{}
	require.NoError(t, WriteUint64(out, 42))
	require.NoError(t, WriteUint16(out, 7))
	require.NoError(t, WriteByte(out, 0xAB))
	require.NoError(t, WriteString(out, "hello"))
	require.NoError(t, WriteBytes(out, []byte{1, 2, 3}))
	require.NoError(t, WriteBytes(out, nil))

	in := NewBuffer(out.Bytes())
	u, err := ReadUint64(in)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), u)
	u16, err := ReadUint16(in)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), u16)
	b, err := ReadByte(in)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b)
	s, err := ReadString(in)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
	p, err := ReadBytes(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, p)
	p, err = ReadBytes(in)
	require.NoError(t, err)
	assert.Empty(t, p)
	assert.Zero(t, in.Remaining())
}

func TestBufferShortRead(t *testing.T) {
	t.Parallel()

	in := NewBuffer([]byte{1, 2, 3})
	_, err := ReadUint64(in)
	assert.Error(t, err)

	// a corrupt length prefix must not cause a huge allocation
	out := &Buffer{}
	require.NoError(t, WriteUint64(out, 1<<40))
	_, err = ReadBytes(NewBuffer(out.Bytes()))
	assert.Error(t, err)
}
