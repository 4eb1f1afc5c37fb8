package broker

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/mofka-go/mofka"
	"github.com/mochi-hpc/mofka-go/transport"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// exposeBatchData lays payloads out as the producer would: u64 sizes
// followed by the concatenated bytes.
func exposeBatchData(t *testing.T, engine transport.Engine, payloads ...[]byte) transport.BulkRef {
	t.Helper()
	sizes := make([]byte, 8*len(payloads))
	segments := [][]byte{sizes}
	for i, p := range payloads {
		binary.LittleEndian.PutUint64(sizes[8*i:], uint64(len(p)))
		if len(p) > 0 {
			segments = append(segments, p)
		}
	}
	bulk, err := engine.Expose(segments, transport.ReadOnly)
	require.NoError(t, err)
	t.Cleanup(bulk.Release)
	return bulk.Ref()
}

func newStorePair(t *testing.T) (transport.Engine, transport.Engine, DataStore) {
	t.Helper()
	net := transport.NewLoopbackNetwork()
	server, err := net.Engine("lo://store", testLogger())
	require.NoError(t, err)
	client, err := net.Engine("lo://client", testLogger())
	require.NoError(t, err)
	return server, client, NewDataStore(server, NewMemoryBlobStore(server))
}

func TestDataStoreRoundTrip(t *testing.T) {
	t.Parallel()

	server, client, store := newStorePair(t)
	_ = server
	ctx := context.Background()

	data := exposeBatchData(t, client, []byte("hello"), nil, []byte("worlds"))
	descriptors, err := store.Store(ctx, 3, data)
	require.NoError(t, err)
	require.Len(t, descriptors, 3)
	assert.Equal(t, uint64(5), descriptors[0].Size())
	assert.Equal(t, uint64(0), descriptors[1].Size())
	assert.Equal(t, uint64(6), descriptors[2].Size())

	// read everything back, concatenated
	out := make([]byte, 11)
	target, err := client.Expose([][]byte{out}, transport.WriteOnly)
	require.NoError(t, err)
	defer target.Release()
	results, err := store.Load(ctx, descriptors, target.Ref())
	require.NoError(t, err)
	for _, res := range results {
		assert.NoError(t, res)
	}
	assert.Equal(t, "helloworlds", string(out))
}

func TestDataStoreSelectiveLoad(t *testing.T) {
	t.Parallel()

	_, client, store := newStorePair(t)
	ctx := context.Background()

	data := exposeBatchData(t, client,
		[]byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	descriptors, err := store.Store(ctx, 1, data)
	require.NoError(t, err)

	strided, err := descriptors[0].MakeStridedView(13, 3, 4, 2)
	require.NoError(t, err)

	out := make([]byte, strided.Size())
	target, err := client.Expose([][]byte{out}, transport.WriteOnly)
	require.NoError(t, err)
	defer target.Release()
	results, err := store.Load(ctx, []mofka.DataDescriptor{strided}, target.Ref())
	require.NoError(t, err)
	require.NoError(t, results[0])
	assert.Equal(t, "nopqtuvwzABC", string(out))
}

func TestDataStorePerDescriptorFailure(t *testing.T) {
	t.Parallel()

	_, client, store := newStorePair(t)
	ctx := context.Background()

	data := exposeBatchData(t, client, []byte("abc"))
	descriptors, err := store.Store(ctx, 1, data)
	require.NoError(t, err)

	bogus := mofka.DescriptorFrom([]byte("not a location"), 3)
	out := make([]byte, 6)
	target, err := client.Expose([][]byte{out}, transport.WriteOnly)
	require.NoError(t, err)
	defer target.Release()

	results, err := store.Load(ctx, []mofka.DataDescriptor{bogus, descriptors[0]}, target.Ref())
	require.NoError(t, err, "an individual failure must not fail the call")
	assert.Error(t, results[0])
	assert.NoError(t, results[1])
	assert.Equal(t, "abc", string(out[3:]))
}

func TestFileBlobStore(t *testing.T) {
	t.Parallel()

	net := transport.NewLoopbackNetwork()
	server, err := net.Engine("lo://fileserver", testLogger())
	require.NoError(t, err)
	client, err := net.Engine("lo://fileclient", testLogger())
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	blobs, err := NewFileBlobStore(server, fs, "data/T/p0")
	require.NoError(t, err)
	store := NewDataStore(server, blobs)
	ctx := context.Background()

	data := exposeBatchData(t, client, []byte("persisted payload"))
	descriptors, err := store.Store(ctx, 1, data)
	require.NoError(t, err)

	out := make([]byte, 7)
	target, err := client.Expose([][]byte{out}, transport.WriteOnly)
	require.NoError(t, err)
	defer target.Release()
	sub := descriptors[0].MakeSubView(10, 7)
	results, err := store.Load(ctx, []mofka.DataDescriptor{sub}, target.Ref())
	require.NoError(t, err)
	require.NoError(t, results[0])
	assert.Equal(t, "payload", string(out))

	require.NoError(t, store.Destroy())
}
