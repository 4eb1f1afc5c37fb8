package directory

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/mofka-go/errext"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestPutNewAllOrNothing(t *testing.T) {
	t.Parallel()

	db, err := Open(afero.NewMemMapFs(), "", testLogger())
	require.NoError(t, err)

	keys := []string{ValidatorKey("T"), SelectorKey("T"), SerializerKey("T")}
	values := [][]byte{[]byte("v"), []byte("s"), []byte("z")}
	require.NoError(t, db.PutNew(keys, values))

	// the same keys again must fail without touching anything
	err = db.PutNew([]string{SerializerKey("T"), "other"}, [][]byte{[]byte("x"), []byte("y")})
	assert.Equal(t, errext.TopicExists, errext.KindOf(err))
	_, ok := db.Get("other")
	assert.False(t, ok)

	length, ok := db.Length(ValidatorKey("T"))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), length)
	_, ok = db.Length(ValidatorKey("U"))
	assert.False(t, ok)
}

func TestCollections(t *testing.T) {
	t.Parallel()

	db, err := Open(afero.NewMemMapFs(), "", testLogger())
	require.NoError(t, err)

	require.NoError(t, db.CreateCollection(PartitionsKey("T")))
	err = db.CreateCollection(PartitionsKey("T"))
	assert.Equal(t, errext.TopicExists, errext.KindOf(err))

	_, err = db.Append("missing", []byte("r"))
	assert.Equal(t, errext.StoreError, errext.KindOf(err))

	require.NoError(t, db.AppendPartition("T", PartitionRecord{UUID: "u1", Address: "ws://a", ProviderID: 1}))
	require.NoError(t, db.AppendPartition("T", PartitionRecord{UUID: "u2", Address: "ws://b", ProviderID: 2}))

	records, err := db.ListPartitions("T")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "u1", records[0].UUID)
	assert.Equal(t, uint16(2), records[1].ProviderID)
}

func TestSnapshotReload(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	db, err := Open(fs, "dir/directory.json", testLogger())
	require.NoError(t, err)

	require.NoError(t, db.PutNew([]string{ValidatorKey("T")}, [][]byte{[]byte(`{"__type__":"default"}`)}))
	require.NoError(t, db.CreateCollection(PartitionsKey("T")))
	require.NoError(t, db.AppendPartition("T", PartitionRecord{UUID: "u", Address: "ws://x", ProviderID: 7}))

	reloaded, err := Open(fs, "dir/directory.json", testLogger())
	require.NoError(t, err)
	value, ok := reloaded.Get(ValidatorKey("T"))
	require.True(t, ok)
	assert.Equal(t, `{"__type__":"default"}`, string(value))
	records, err := reloaded.ListPartitions("T")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint16(7), records[0].ProviderID)
}
