package transport

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/mofka-go/errext"
)

func TestWSEngineRPCAndBulk(t *testing.T) {
	server, err := NewWSEngine("ws://127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer server.Close()
	client, err := NewWSEngine("ws://127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer client.Close()

	server.DefineRPC("upper", 1, func(_ context.Context, req []byte) ([]byte, error) {
		return bytes.ToUpper(req), nil
	})
	server.DefineRPC("boom", 1, func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errext.Errorf(errext.StoreError, "no space left")
	})

	ctx := context.Background()

	resp, err := client.Call(ctx, server.Address(), 1, "upper", []byte("mofka"))
	require.NoError(t, err)
	assert.Equal(t, []byte("MOFKA"), resp)

	// errors keep their kind across the wire
	_, err = client.Call(ctx, server.Address(), 1, "boom", nil)
	assert.Equal(t, errext.StoreError, errext.KindOf(err))
	assert.EqualError(t, err, "no space left")

	// one-sided pull against the server's exposed region
	remote, err := server.Expose([][]byte{[]byte("hello "), []byte("world")}, ReadOnly)
	require.NoError(t, err)
	dst := make([]byte, 8)
	local, err := client.Expose([][]byte{dst}, WriteOnly)
	require.NoError(t, err)
	require.NoError(t, client.Pull(ctx, remote.Ref().View(3, 8), local, 0))
	assert.Equal(t, "lo world", string(dst))

	// one-sided push into the server's writable region
	sink := make([]byte, 5)
	writable, err := server.Expose([][]byte{sink}, WriteOnly)
	require.NoError(t, err)
	src, err := client.Expose([][]byte{[]byte("12345")}, ReadOnly)
	require.NoError(t, err)
	require.NoError(t, client.Push(ctx, writable.Ref(), src, 0))
	assert.Equal(t, "12345", string(sink))
}

func TestWSEngineLargePayloadCompression(t *testing.T) {
	server, err := NewWSEngine("ws://127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer server.Close()
	client, err := NewWSEngine("ws://127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer client.Close()

	server.DefineRPC("len", 0, func(_ context.Context, req []byte) ([]byte, error) {
		out := make([]byte, len(req))
		copy(out, req)
		return out, nil
	})

	// compressible payload far above the compression threshold
	payload := bytes.Repeat([]byte("mofka-batch|"), 4096)
	resp, err := client.Call(context.Background(), server.Address(), 0, "len", payload)
	require.NoError(t, err)
	assert.Equal(t, payload, resp)
}

func TestWSEngineDialFailure(t *testing.T) {
	client, err := NewWSEngine("ws://127.0.0.1:0", testLogger())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Call(ctx, "ws://127.0.0.1:1", 0, "nope", nil)
	assert.Error(t, err)
}
