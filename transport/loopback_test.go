package transport

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/mofka-go/errext"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestLoopbackRPC(t *testing.T) {
	t.Parallel()

	net := NewLoopbackNetwork()
	server, err := net.Engine("lo://server", testLogger())
	require.NoError(t, err)
	client, err := net.Engine("lo://client", testLogger())
	require.NoError(t, err)

	server.DefineRPC("echo", 3, func(_ context.Context, req []byte) ([]byte, error) {
		return append([]byte("echo:"), req...), nil
	})

	resp, err := client.Call(context.Background(), "lo://server", 3, "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hi"), resp)

	_, err = client.Call(context.Background(), "lo://server", 0, "echo", nil)
	assert.Equal(t, errext.TransportError, errext.KindOf(err))

	_, err = client.Call(context.Background(), "lo://nowhere", 0, "echo", nil)
	assert.Equal(t, errext.TransportError, errext.KindOf(err))
}

func TestLoopbackPullGatherScatter(t *testing.T) {
	t.Parallel()

	net := NewLoopbackNetwork()
	a, err := net.Engine("lo://a", testLogger())
	require.NoError(t, err)
	b, err := net.Engine("lo://b", testLogger())
	require.NoError(t, err)

	// two segments on the remote side, exposed as one contiguous range
	remote, err := a.Expose([][]byte{[]byte("abcde"), []byte("fghij")}, ReadOnly)
	require.NoError(t, err)

	// three segments locally
	s1, s2, s3 := make([]byte, 2), make([]byte, 3), make([]byte, 3)
	local, err := b.Expose([][]byte{s1, s2, s3}, WriteOnly)
	require.NoError(t, err)

	// pull "cdefghij" (offset 2, size 8) into the local segments
	require.NoError(t, b.Pull(context.Background(), remote.Ref().View(2, 8), local, 0))
	assert.Equal(t, "cd", string(s1))
	assert.Equal(t, "efg", string(s2))
	assert.Equal(t, "hij", string(s3))
}

func TestLoopbackPush(t *testing.T) {
	t.Parallel()

	net := NewLoopbackNetwork()
	a, err := net.Engine("lo://a", testLogger())
	require.NoError(t, err)
	b, err := net.Engine("lo://b", testLogger())
	require.NoError(t, err)

	dst := make([]byte, 6)
	remote, err := a.Expose([][]byte{dst}, WriteOnly)
	require.NoError(t, err)

	local, err := b.Expose([][]byte{[]byte("xyzuvw")}, ReadOnly)
	require.NoError(t, err)

	require.NoError(t, b.Push(context.Background(), remote.Ref().View(1, 4), local, 2))
	assert.Equal(t, "\x00zuvw\x00", string(dst))
}

func TestLoopbackBulkBounds(t *testing.T) {
	t.Parallel()

	net := NewLoopbackNetwork()
	a, err := net.Engine("lo://a", testLogger())
	require.NoError(t, err)
	b, err := net.Engine("lo://b", testLogger())
	require.NoError(t, err)

	remote, err := a.Expose([][]byte{[]byte("abc")}, ReadOnly)
	require.NoError(t, err)
	local, err := b.Expose([][]byte{make([]byte, 8)}, WriteOnly)
	require.NoError(t, err)

	err = b.Pull(context.Background(), remote.Ref().View(1, 5), local, 0)
	assert.Equal(t, errext.TransportError, errext.KindOf(err))

	// released handles are gone
	remote.Release()
	err = b.Pull(context.Background(), remote.Ref().View(0, 1), local, 0)
	assert.Equal(t, errext.TransportError, errext.KindOf(err))
}

func TestLoopbackDuplicateAddress(t *testing.T) {
	t.Parallel()

	net := NewLoopbackNetwork()
	_, err := net.Engine("lo://dup", testLogger())
	require.NoError(t, err)
	_, err = net.Engine("lo://dup", testLogger())
	assert.Equal(t, errext.InvalidConfig, errext.KindOf(err))
}
