package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlic/internal/task"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*Queue, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	q := New(db, Config{Prefix: "test", Poll: time.Second})
	q.now = func() time.Time { return fixedNow }
	return q, mock
}

func encoded(t *testing.T, item task.Item) string {
	t.Helper()
	data, err := json.Marshal(item)
	require.NoError(t, err)
	return string(data)
}

func sampleItem(id string) task.Item {
	return task.Item{
		TaskID:   id,
		Payload:  task.Encode(task.FindEmails{URL: "https://" + id + ".test"}),
		Attempt:  1,
		Enqueued: fixedNow,
	}
}

func nowMillis() string {
	return strconv.FormatInt(fixedNow.UnixMilli(), 10)
}

func TestEnqueuePushesReadyItem(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	item := sampleItem("a")
	mock.ExpectLPush("test:queue:ready", encoded(t, item)).SetVal(1)

	require.NoError(t, q.Enqueue(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDelayedItemGoesToSortedSet(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	item := sampleItem("b")
	item.NotBefore = fixedNow.Add(10 * time.Second)
	mock.ExpectZAdd("test:queue:delayed", redis.Z{
		Score:  float64(item.NotBefore.UnixMilli()),
		Member: encoded(t, item),
	}).SetVal(1)

	require.NoError(t, q.Enqueue(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueSurfacesRedisErrors(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	item := sampleItem("c")
	mock.ExpectLPush("test:queue:ready", encoded(t, item)).SetErr(errors.New("redis down"))

	err := q.Enqueue(context.Background(), item)
	require.ErrorContains(t, err, "enqueue: redis down")
}

func TestDequeuePromotesDueItemsThenMoves(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	due := sampleItem("due")
	due.NotBefore = fixedNow.Add(-time.Second)
	dueRaw := encoded(t, due)

	mock.ExpectZRangeByScore("test:queue:delayed", &redis.ZRangeBy{Min: "-inf", Max: nowMillis()}).
		SetVal([]string{dueRaw})
	mock.ExpectZRem("test:queue:delayed", dueRaw).SetVal(1)
	mock.ExpectLPush("test:queue:ready", dueRaw).SetVal(1)
	mock.ExpectBLMove("test:queue:ready", "test:queue:processing", "RIGHT", "LEFT", time.Second).SetVal(dueRaw)

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "due", d.Item.TaskID)
	require.Equal(t, dueRaw, d.Receipt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueSkipsItemsClaimedElsewhere(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	raced := encoded(t, sampleItem("raced"))
	ready := encoded(t, sampleItem("ready"))

	mock.ExpectZRangeByScore("test:queue:delayed", &redis.ZRangeBy{Min: "-inf", Max: nowMillis()}).
		SetVal([]string{raced})
	mock.ExpectZRem("test:queue:delayed", raced).SetVal(0)
	mock.ExpectBLMove("test:queue:ready", "test:queue:processing", "RIGHT", "LEFT", time.Second).RedisNil()
	mock.ExpectZRangeByScore("test:queue:delayed", &redis.ZRangeBy{Min: "-inf", Max: nowMillis()}).
		SetVal(nil)
	mock.ExpectBLMove("test:queue:ready", "test:queue:processing", "RIGHT", "LEFT", time.Second).SetVal(ready)

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ready", d.Item.TaskID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAckAndRequeue(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	raw := encoded(t, sampleItem("x"))
	d := task.Delivery{Item: sampleItem("x"), Receipt: raw}

	mock.ExpectLRem("test:queue:processing", 1, raw).SetVal(1)
	require.NoError(t, q.Ack(context.Background(), d))

	mock.ExpectTxPipeline()
	mock.ExpectLRem("test:queue:processing", 1, raw).SetVal(1)
	mock.ExpectRPush("test:queue:ready", raw).SetVal(1)
	mock.ExpectTxPipelineExec()
	require.NoError(t, q.Requeue(context.Background(), d))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveMatchesByTaskID(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	keep := encoded(t, sampleItem("keep"))
	drop := encoded(t, sampleItem("drop"))
	delayedDrop := sampleItem("drop")
	delayedDrop.Attempt = 2
	delayedRaw := encoded(t, delayedDrop)

	mock.ExpectLRange("test:queue:ready", 0, -1).SetVal([]string{keep, drop, "not-json"})
	mock.ExpectLRem("test:queue:ready", 0, drop).SetVal(1)
	mock.ExpectZRange("test:queue:delayed", 0, -1).SetVal([]string{delayedRaw})
	mock.ExpectZRem("test:queue:delayed", delayedRaw).SetVal(1)

	removed, err := q.Remove(context.Background(), "drop")
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveReportsMissing(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	mock.ExpectLRange("test:queue:ready", 0, -1).SetVal(nil)
	mock.ExpectZRange("test:queue:delayed", 0, -1).SetVal(nil)

	removed, err := q.Remove(context.Background(), "ghost")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestRecoverMovesProcessingBack(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	mock.ExpectLMove("test:queue:processing", "test:queue:ready", "LEFT", "RIGHT").SetVal("one")
	mock.ExpectLMove("test:queue:processing", "test:queue:ready", "LEFT", "RIGHT").SetVal("two")
	mock.ExpectLMove("test:queue:processing", "test:queue:ready", "LEFT", "RIGHT").RedisNil()

	moved, err := q.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, moved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLen(t *testing.T) {
	t.Parallel()

	q, mock := newTestQueue(t)
	mock.ExpectLLen("test:queue:ready").SetVal(3)
	mock.ExpectZCard("test:queue:delayed").SetVal(2)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}
