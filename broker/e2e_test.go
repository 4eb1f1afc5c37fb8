package broker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/mochi-hpc/mofka-go/broker"
	"github.com/mochi-hpc/mofka-go/errext"
	"github.com/mochi-hpc/mofka-go/mofka"
	"github.com/mochi-hpc/mofka-go/transport"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz"
const alphabetUpper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

type deployment struct {
	server *broker.Server
	driver *mofka.Driver
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newDeployment(t *testing.T) *deployment {
	t.Helper()
	logger := quietLogger()
	net := transport.NewLoopbackNetwork()
	serverEngine, err := net.Engine("lo://server", logger)
	require.NoError(t, err)
	clientEngine, err := net.Engine("lo://client", logger)
	require.NoError(t, err)

	cfg := broker.NewConfig()
	cfg.DataDir = null.StringFrom("mofka-data")
	server, err := broker.NewServer(serverEngine, afero.NewMemMapFs(), cfg, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	group := mofka.Group{Members: []mofka.GroupMember{{Address: serverEngine.Address()}}}
	driver, err := mofka.NewDriver(clientEngine, group, logger)
	require.NoError(t, err)
	return &deployment{server: server, driver: driver}
}

func pull(t *testing.T, consumer *mofka.Consumer) mofka.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event, err := consumer.Pull().WaitContext(ctx)
	require.NoError(t, err)
	return event
}

func TestRoundTripNoData(t *testing.T) {
	t.Parallel()

	d := newDeployment(t)
	ctx := context.Background()

	require.NoError(t, d.driver.CreateTopic(ctx, "T", mofka.CreateTopicOptions{}))
	_, err := d.driver.AddMemoryPartition(ctx, "T", 0)
	require.NoError(t, err)
	topic, err := d.driver.OpenTopic(ctx, "T")
	require.NoError(t, err)

	producer := topic.Producer("p", mofka.ProducerOptions{})
	id, err := producer.Push(mofka.MetadataFromString(`{"k":1}`), mofka.Data{}).Wait()
	require.NoError(t, err)
	assert.Equal(t, mofka.EventID(0), id)

	consumer, err := topic.Consumer(ctx, "c", mofka.ConsumerOptions{})
	require.NoError(t, err)
	event := pull(t, consumer)
	assert.Equal(t, mofka.EventID(0), event.ID())
	assert.JSONEq(t, `{"k":1}`, event.Metadata().String())
	assert.Zero(t, event.Data().Size())
	require.NoError(t, event.Acknowledge(ctx))

	require.NoError(t, topic.MarkAsComplete(ctx))
	sentinel := pull(t, consumer)
	assert.Equal(t, mofka.NoMoreEvents, sentinel.ID())
	err = sentinel.Acknowledge(ctx)
	assert.Equal(t, errext.Completed, errext.KindOf(err))

	require.NoError(t, consumer.Unsubscribe(ctx))
	require.NoError(t, producer.Close(ctx))
}

func TestHundredEventStream(t *testing.T) {
	t.Parallel()

	d := newDeployment(t)
	ctx := context.Background()

	require.NoError(t, d.driver.CreateTopic(ctx, "stream", mofka.CreateTopicOptions{
		Partitions: 1, PartitionType: "memory",
	}))
	topic, err := d.driver.OpenTopic(ctx, "stream")
	require.NoError(t, err)

	producer := topic.Producer("p", mofka.ProducerOptions{})
	futures := make([]mofka.Future[mofka.EventID], 100)
	payloads := make([][]byte, 100)
	for i := range futures {
		payloads[i] = []byte(fmt.Sprintf("This is data for event %d", i))
		futures[i] = producer.Push(
			mofka.MetadataFromString(fmt.Sprintf(`{"event_num":%d}`, i)),
			mofka.NewData(payloads[i]))
	}
	require.NoError(t, producer.Flush(ctx))
	seen := make(map[mofka.EventID]bool)
	for i, future := range futures {
		id, err := future.Wait()
		require.NoError(t, err)
		assert.Equal(t, mofka.EventID(i), id)
		assert.False(t, seen[id], "an event ID must be assigned at most once")
		seen[id] = true
	}
	require.NoError(t, topic.MarkAsComplete(ctx))

	consumer, err := topic.Consumer(ctx, "c", mofka.ConsumerOptions{})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		event := pull(t, consumer)
		require.Equal(t, mofka.EventID(i), event.ID(), "events must arrive in ID order")
		assert.Equal(t, int64(i), event.Metadata().Query("event_num").Int())
	}
	sentinel := pull(t, consumer)
	assert.Equal(t, mofka.NoMoreEvents, sentinel.ID())

	require.NoError(t, consumer.Unsubscribe(ctx))
	require.NoError(t, producer.Close(ctx))
}

// setupDataSelection publishes a single two-segment event and returns the
// open topic.
func setupDataSelection(t *testing.T, d *deployment, topicName, partitionType string) *mofka.TopicHandle {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.driver.CreateTopic(ctx, topicName, mofka.CreateTopicOptions{}))
	_, err := d.driver.AddCustomPartition(ctx, topicName, 0, partitionType, nil)
	require.NoError(t, err)
	topic, err := d.driver.OpenTopic(ctx, topicName)
	require.NoError(t, err)

	producer := topic.Producer("p", mofka.ProducerOptions{})
	_, err = producer.Push(
		mofka.MetadataFromString(`{"kind":"alphabet"}`),
		mofka.NewData([]byte(alphabet), []byte(alphabetUpper)),
	).Wait()
	require.NoError(t, err)
	require.NoError(t, producer.Close(ctx))
	return topic
}

func TestSelectiveDataFetch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		selector mofka.DataSelector
		want     string
	}{
		{
			name: "sub",
			selector: func(_ *mofka.Metadata, d mofka.DataDescriptor) mofka.DataDescriptor {
				return d.MakeSubView(13, 26)
			},
			want: "nopqrstuvwxyzABCDEFGHIJKLM",
		},
		{
			name: "strided",
			selector: func(_ *mofka.Metadata, d mofka.DataDescriptor) mofka.DataDescriptor {
				strided, err := d.MakeStridedView(13, 3, 4, 2)
				if err != nil {
					return mofka.NullDescriptor()
				}
				return strided
			},
			want: "nopqtuvwzABC",
		},
		{
			name: "unstructured",
			selector: func(_ *mofka.Metadata, d mofka.DataDescriptor) mofka.DataDescriptor {
				u, err := d.MakeUnstructuredView([]mofka.Segment{{Offset: 3, Size: 6}, {Offset: 15, Size: 4}, {Offset: 27, Size: 8}})
				if err != nil {
					return mofka.NullDescriptor()
				}
				return u
			},
			want: "defghipqrsBCDEFGHI",
		},
	}

	d := newDeployment(t)
	ctx := context.Background()
	topic := setupDataSelection(t, d, "selective", "memory")
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			consumer, err := topic.Consumer(ctx, "c-"+tc.name, mofka.ConsumerOptions{
				DataSelector: tc.selector,
			})
			require.NoError(t, err)
			event := pull(t, consumer)
			assert.Equal(t, uint64(len(tc.want)), event.Data().Size(),
				"the broker must allocate exactly the selected size")
			assert.Equal(t, tc.want, string(event.Data().Bytes()))
			require.NoError(t, consumer.Unsubscribe(ctx))
		})
	}
}

func TestSelectiveFetchOnDefaultPartition(t *testing.T) {
	t.Parallel()

	d := newDeployment(t)
	ctx := context.Background()
	topic := setupDataSelection(t, d, "durable", "default")

	consumer, err := topic.Consumer(ctx, "c", mofka.ConsumerOptions{
		DataSelector: func(_ *mofka.Metadata, desc mofka.DataDescriptor) mofka.DataDescriptor {
			return desc.MakeSubView(13, 26)
		},
	})
	require.NoError(t, err)
	event := pull(t, consumer)
	assert.Equal(t, "nopqrstuvwxyzABCDEFGHIJKLM", string(event.Data().Bytes()))
	require.NoError(t, consumer.Unsubscribe(ctx))
}

func TestAcknowledgementResumes(t *testing.T) {
	t.Parallel()

	d := newDeployment(t)
	ctx := context.Background()

	require.NoError(t, d.driver.CreateTopic(ctx, "resume", mofka.CreateTopicOptions{
		Partitions: 1, PartitionType: "memory",
	}))
	topic, err := d.driver.OpenTopic(ctx, "resume")
	require.NoError(t, err)

	producer := topic.Producer("p", mofka.ProducerOptions{})
	for i := 0; i < 100; i++ {
		producer.Push(mofka.MetadataFromString(fmt.Sprintf(`{"i":%d}`, i)), mofka.Data{})
	}
	require.NoError(t, producer.Close(ctx))

	first, err := topic.Consumer(ctx, "c", mofka.ConsumerOptions{})
	require.NoError(t, err)
	var last mofka.Event
	for i := 0; i < 50; i++ {
		last = pull(t, first)
		require.Equal(t, mofka.EventID(i), last.ID())
	}
	require.NoError(t, last.Acknowledge(ctx))
	require.NoError(t, first.Unsubscribe(ctx))

	second, err := topic.Consumer(ctx, "c", mofka.ConsumerOptions{})
	require.NoError(t, err)
	event := pull(t, second)
	assert.Equal(t, mofka.EventID(50), event.ID(),
		"a consumer with the same name must resume past its acknowledged cursor")
	require.NoError(t, second.Unsubscribe(ctx))
}

func TestFixedBatchSizeSelfFlushOnWait(t *testing.T) {
	t.Parallel()

	d := newDeployment(t)
	ctx := context.Background()

	require.NoError(t, d.driver.CreateTopic(ctx, "fixed", mofka.CreateTopicOptions{
		Partitions: 1, PartitionType: "memory",
	}))
	topic, err := d.driver.OpenTopic(ctx, "fixed")
	require.NoError(t, err)

	// batch size 10, but only 3 events: waiting on a future must trigger
	// the flush instead of deadlocking
	producer := topic.Producer("p", mofka.ProducerOptions{BatchSize: null.IntFrom(10)})
	var futures []mofka.Future[mofka.EventID]
	for i := 0; i < 3; i++ {
		futures = append(futures, producer.Push(mofka.MetadataFromString(`{}`), mofka.Data{}))
	}
	for i, future := range futures {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		id, err := future.WaitContext(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, mofka.EventID(i), id)
	}
	require.NoError(t, producer.Close(ctx))
}

func TestDirectoryErrors(t *testing.T) {
	t.Parallel()

	d := newDeployment(t)
	ctx := context.Background()

	require.NoError(t, d.driver.CreateTopic(ctx, "dup", mofka.CreateTopicOptions{}))
	err := d.driver.CreateTopic(ctx, "dup", mofka.CreateTopicOptions{})
	assert.Equal(t, errext.TopicExists, errext.KindOf(err))

	_, err = d.driver.OpenTopic(ctx, "never-created")
	assert.Equal(t, errext.TopicNotFound, errext.KindOf(err))

	longName := make([]byte, mofka.MaxTopicNameLength+1)
	for i := range longName {
		longName[i] = 'a'
	}
	err = d.driver.CreateTopic(ctx, string(longName), mofka.CreateTopicOptions{})
	assert.Equal(t, errext.InvalidConfig, errext.KindOf(err))

	_, err = d.driver.AddCustomPartition(ctx, "dup", 0, "no-such-type", nil)
	assert.Equal(t, errext.InvalidConfig, errext.KindOf(err))
}

func TestValidatorRejectsPush(t *testing.T) {
	t.Parallel()

	d := newDeployment(t)
	ctx := context.Background()

	require.NoError(t, d.driver.CreateTopic(ctx, "validated", mofka.CreateTopicOptions{
		Partitions: 1, PartitionType: "memory",
	}))
	topic, err := d.driver.OpenTopic(ctx, "validated")
	require.NoError(t, err)

	producer := topic.Producer("p", mofka.ProducerOptions{})
	_, err = producer.Push(mofka.MetadataFromString(`{"broken":`), mofka.Data{}).Wait()
	assert.Equal(t, errext.InvalidMetadata, errext.KindOf(err))
	require.NoError(t, producer.Close(ctx))
}
