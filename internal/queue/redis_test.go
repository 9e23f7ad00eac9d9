package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisBroker(t *testing.T, opts ...RedisOption) (*RedisBroker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	opts = append([]RedisOption{WithBlockTimeout(50 * time.Millisecond)}, opts...)
	return NewRedisBroker(StaticClient{C: rc}, opts...), mr, rc
}

func TestRedisBroker_PublishReceiveAck(t *testing.T) {
	b, _, rc := setupRedisBroker(t)
	ctx := context.Background()

	c := consume(t, b, "w1")
	require.NoError(t, b.Publish(ctx, testQueue, []byte(`{"video_blob_id":"v"}`)))

	d := receive(t, c)
	assert.Equal(t, `{"video_blob_id":"v"}`, string(d.Body))
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, DefaultMaxDeliveries, d.MaxDeliveries)

	require.NoError(t, d.Ack(ctx))
	pending, err := rc.XPending(ctx, string(testQueue), "converter").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	assert.ErrorIs(t, d.Ack(ctx), ErrUnknownDelivery)
}

func TestRedisBroker_ConsumeIsIdempotent(t *testing.T) {
	b, _, _ := setupRedisBroker(t)
	_ = consume(t, b, "w1")
	_ = consume(t, b, "w2")
}

func TestRedisBroker_ReceiveTimesOutWithContext(t *testing.T) {
	b, _, _ := setupRedisBroker(t)
	c := consume(t, b, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisBroker_NackRequeuesWithNextAttempt(t *testing.T) {
	b, _, rc := setupRedisBroker(t)
	ctx := context.Background()
	c := consume(t, b, "w1")
	require.NoError(t, b.Publish(ctx, testQueue, []byte("retry")))

	d := receive(t, c)
	require.NoError(t, d.Nack(ctx, errors.New("transient")))

	again := receive(t, c)
	assert.Equal(t, "retry", string(again.Body))
	assert.Equal(t, 2, again.Attempt)
	assert.NotEqual(t, d.ID, again.ID)

	// The original entry is acknowledged as part of the requeue.
	pending, err := rc.XPending(ctx, string(testQueue), "converter").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestRedisBroker_ExhaustedNackDeadLetters(t *testing.T) {
	b, _, _ := setupRedisBroker(t, WithMaxDeliveries(2))
	ctx := context.Background()
	c := consume(t, b, "w1")
	require.NoError(t, b.Publish(ctx, testQueue, []byte("poison")))

	require.NoError(t, receive(t, c).Nack(ctx, errors.New("first")))
	d := receive(t, c)
	assert.True(t, d.LastAttempt())
	require.NoError(t, d.Nack(ctx, errors.New("second")))

	dead, err := b.DeadLetters(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", string(dead[0].Body))
	assert.Equal(t, 2, dead[0].Attempt)
	assert.Equal(t, d.ID, dead[0].ID)
	assert.Contains(t, dead[0].Reason, "second")
	assert.False(t, dead[0].FailedAt.IsZero())
}

func TestRedisBroker_DeadLetter(t *testing.T) {
	b, _, rc := setupRedisBroker(t)
	ctx := context.Background()
	c := consume(t, b, "w1")
	require.NoError(t, b.Publish(ctx, testQueue, []byte("{")))

	d := receive(t, c)
	require.NoError(t, d.DeadLetter(ctx, errors.New("malformed payload")))

	n, err := rc.XLen(ctx, DeadLetterStream(testQueue)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := rc.XPending(ctx, string(testQueue), "converter").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisBroker_AdoptsStalledDelivery(t *testing.T) {
	b, _, _ := setupRedisBroker(t, WithVisibilityTimeout(50*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, testQueue, []byte("stalled")))

	crashed := consume(t, b, "w1")
	first := receive(t, crashed)
	assert.Equal(t, 1, first.Attempt)

	time.Sleep(100 * time.Millisecond)

	d := receive(t, consume(t, b, "w2"))
	assert.Equal(t, "stalled", string(d.Body))
	assert.Equal(t, first.ID, d.ID)
	assert.Equal(t, 2, d.Attempt)
	require.NoError(t, d.Ack(ctx))
}

func TestRedisBroker_Extend(t *testing.T) {
	b, _, _ := setupRedisBroker(t)
	ctx := context.Background()
	c := consume(t, b, "w1")
	require.NoError(t, b.Publish(ctx, testQueue, []byte("long job")))

	d := receive(t, c)
	assert.NoError(t, d.Extend(ctx))
	require.NoError(t, d.Ack(ctx))
	assert.ErrorIs(t, d.Extend(ctx), ErrUnknownDelivery)
}

func TestRedisBroker_ExtendAfterAdoption(t *testing.T) {
	b, _, _ := setupRedisBroker(t, WithVisibilityTimeout(50*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, testQueue, []byte("slow job")))

	slow := receive(t, consume(t, b, "w1"))
	time.Sleep(100 * time.Millisecond)

	adopted := receive(t, consume(t, b, "w2"))
	require.Equal(t, slow.ID, adopted.ID)

	assert.ErrorIs(t, slow.Extend(ctx), ErrUnknownDelivery)
	assert.NoError(t, adopted.Extend(ctx))
	require.NoError(t, adopted.Ack(ctx))
}

func TestRedisBroker_Unavailable(t *testing.T) {
	b, mr, _ := setupRedisBroker(t)
	mr.Close()

	ctx := context.Background()
	assert.ErrorIs(t, b.Publish(ctx, testQueue, []byte("x")), ErrUnavailable)
	assert.ErrorIs(t, b.Ping(ctx), ErrUnavailable)

	_, err := b.Consume(ctx, testQueue, "converter", "w1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisBroker_MaxLenTrimsStream(t *testing.T) {
	b, _, rc := setupRedisBroker(t, WithMaxLen(0))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, testQueue, []byte("x")))
	}
	n, err := rc.XLen(ctx, string(testQueue)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestToInt(t *testing.T) {
	assert.Equal(t, 3, toInt("3"))
	assert.Equal(t, 4, toInt(int64(4)))
	assert.Equal(t, 5, toInt(5))
	assert.Equal(t, 0, toInt("x"))
	assert.Equal(t, 0, toInt(nil))
}

func TestRedisBroker_Redrive(t *testing.T) {
	b, _, _ := setupRedisBroker(t)
	ctx := context.Background()
	c := consume(t, b, "w1")

	for _, body := range []string{"one", "two"} {
		require.NoError(t, b.Publish(ctx, testQueue, []byte(body)))
		require.NoError(t, receive(t, c).DeadLetter(ctx, errors.New("upstream down")))
	}

	moved, err := b.Redrive(ctx, testQueue, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	d := receive(t, c)
	assert.Equal(t, "one", string(d.Body))
	assert.Equal(t, 1, d.Attempt)
	require.NoError(t, d.Ack(ctx))

	dead, err := b.DeadLetters(ctx, testQueue, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "two", string(dead[0].Body))

	moved, err = b.Redrive(ctx, "empty", 10)
	require.NoError(t, err)
	assert.Zero(t, moved)
}
