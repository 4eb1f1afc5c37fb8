package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/transport"
)

func TestSendBatchRoundTrip(t *testing.T) {
	t.Parallel()

	msg := SendBatch{
		Producer: "p",
		Count:    3,
		Metadata: transport.BulkRef{Handle: 1, Offset: 2, Size: 3, Address: "lo://a"},
		Data:     transport.BulkRef{Handle: 4, Offset: 5, Size: 6, Address: "lo://b"},
	}
	var decoded SendBatch
	require.NoError(t, decoded.Decode(msg.Encode()))
	assert.Equal(t, msg, decoded)

	var bad SendBatch
	err := bad.Decode([]byte{1, 2})
	assert.Equal(t, errext.TransportError, errext.KindOf(err))
}

func TestRecvBatchRoundTrip(t *testing.T) {
	t.Parallel()

	msg := RecvBatch{
		ConsumerCtx:    9,
		PartitionIndex: 1,
		Count:          4,
		FirstID:        100,
		MetaSizes:      transport.BulkRef{Handle: 1, Size: 32, Address: "lo://s"},
		Meta:           transport.BulkRef{Handle: 1, Offset: 32, Size: 64, Address: "lo://s"},
		DescSizes:      transport.BulkRef{Handle: 1, Offset: 96, Size: 32, Address: "lo://s"},
		Desc:           transport.BulkRef{Handle: 1, Offset: 128, Size: 80, Address: "lo://s"},
	}
	var decoded RecvBatch
	require.NoError(t, decoded.Decode(msg.Encode()))
	assert.Equal(t, msg, decoded)
}

func TestResults(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ResultOf(nil).Err())
	res := ResultOf(errext.Errorf(errext.StoreError, "nope"))
	assert.Equal(t, errext.StoreError, errext.KindOf(res.Err()))

	// untyped errors default to StoreError on the wire
	res = ResultOf(assert.AnError)
	assert.Equal(t, errext.StoreError, res.Kind)

	ack := RequestDataAck{Results: []Result{{}, res}}
	var decoded RequestDataAck
	require.NoError(t, decoded.Decode(ack.Encode()))
	require.Len(t, decoded.Results, 2)
	assert.True(t, decoded.Results[0].OK())
	assert.False(t, decoded.Results[1].OK())
}

func TestTopicInfoRoundTrip(t *testing.T) {
	t.Parallel()

	msg := TopicInfo{
		Validator:  []byte(`{"__type__":"default"}`),
		Selector:   []byte(`{"__type__":"default"}`),
		Serializer: []byte(`{"__type__":"default"}`),
		Partitions: []PartitionRecord{
			{UUID: "u1", Address: "lo://a", ProviderID: 1},
			{UUID: "u2", Address: "lo://b", ProviderID: 7},
		},
	}
	var decoded TopicInfo
	require.NoError(t, decoded.Decode(msg.Encode()))
	assert.Equal(t, msg, decoded)
}
