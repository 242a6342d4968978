package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type publishedMsg struct {
	subject string
	data    []byte
}

type fakeNATSConn struct {
	published []publishedMsg
	err       error
	drained   bool
}

func (f *fakeNATSConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (f *fakeNATSConn) Drain() error {
	f.drained = true
	return nil
}

func testEvent() Event {
	return Event{
		Type:          TypeDeliveryCreated,
		DeliveryID:    "DLV_1",
		ListingID:     "LST_1",
		RecipientID:   "player-b",
		RecipientName: "Bravo",
		OccurredAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), testEvent()))
	assert.NoError(t, p.Close())
}

func TestNATSPublisher(t *testing.T) {
	t.Run("publishes json on recipient subject", func(t *testing.T) {
		conn := &fakeNATSConn{}
		p, err := NewNATSPublisher(conn, "market")
		require.NoError(t, err)

		require.NoError(t, p.Publish(context.Background(), testEvent()))
		require.Len(t, conn.published, 1)
		assert.Equal(t, "market.delivery.created.player-b", conn.published[0].subject)

		var got Event
		require.NoError(t, json.Unmarshal(conn.published[0].data, &got))
		assert.Equal(t, "DLV_1", got.DeliveryID)
		assert.Equal(t, "player-b", got.RecipientID)
	})

	t.Run("default prefix", func(t *testing.T) {
		p, err := NewNATSPublisher(&fakeNATSConn{}, "")
		require.NoError(t, err)
		assert.Equal(t, "marketplace.delivery.created.player-b", p.Subject(testEvent()))
	})

	t.Run("nil connection", func(t *testing.T) {
		p, err := NewNATSPublisher(nil, "market")
		assert.Error(t, err)
		assert.Nil(t, p)
	})

	t.Run("publish error is returned", func(t *testing.T) {
		conn := &fakeNATSConn{err: errors.New("nats: connection closed")}
		p, err := NewNATSPublisher(conn, "market")
		require.NoError(t, err)

		err = p.Publish(context.Background(), testEvent())
		assert.ErrorContains(t, err, "connection closed")
	})

	t.Run("close drains", func(t *testing.T) {
		conn := &fakeNATSConn{}
		p, err := NewNATSPublisher(conn, "market")
		require.NoError(t, err)
		require.NoError(t, p.Close())
		assert.True(t, conn.drained)
	})
}

func TestStreamValuesRoundTrip(t *testing.T) {
	event := testEvent()

	values, err := EncodeStreamValues(event)
	require.NoError(t, err)
	assert.Len(t, values, 1)

	got, err := DecodeStreamValues(values)
	require.NoError(t, err)
	assert.Equal(t, event.DeliveryID, got.DeliveryID)
	assert.Equal(t, event.Type, got.Type)
	assert.True(t, event.OccurredAt.Equal(got.OccurredAt))

	_, err = DecodeStreamValues(map[string]any{"other": "x"})
	assert.Error(t, err)

	_, err = DecodeStreamValues(map[string]any{"data": "!!not-base64!!"})
	assert.Error(t, err)
}

func setupRedis(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

func TestNewRedisStreamPublisher(t *testing.T) {
	client := redis.NewClient(&redis.Options{})
	defer client.Close()

	_, err := NewRedisStreamPublisher(nil, "deliveries")
	assert.ErrorContains(t, err, "redis client cannot be nil")

	_, err = NewRedisStreamPublisher(client, "")
	assert.ErrorContains(t, err, "stream cannot be empty")

	p, err := NewRedisStreamPublisher(client, "deliveries")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestRedisStreamPublisher_Publish(t *testing.T) {
	t.Run("appends encoded event", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupRedis(t)
		defer cleanup()

		values, err := EncodeStreamValues(testEvent())
		require.NoError(t, err)
		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "deliveries",
			Values: values,
		}).SetVal("1-0")

		p, err := NewRedisStreamPublisher(client, "deliveries")
		require.NoError(t, err)

		p.Start()
		p.Start()
		require.NoError(t, p.Publish(context.Background(), testEvent()))

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())
	})

	t.Run("redis error does not stop the writer", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupRedis(t)
		defer cleanup()

		first := testEvent()
		second := testEvent()
		second.DeliveryID = "DLV_2"

		firstValues, err := EncodeStreamValues(first)
		require.NoError(t, err)
		secondValues, err := EncodeStreamValues(second)
		require.NoError(t, err)

		mock.ExpectXAdd(&redis.XAddArgs{Stream: "deliveries", Values: firstValues}).SetErr(redis.ErrClosed)
		mock.ExpectXAdd(&redis.XAddArgs{Stream: "deliveries", Values: secondValues}).SetVal("2-0")

		p, err := NewRedisStreamPublisher(client, "deliveries")
		require.NoError(t, err)

		p.Start()
		require.NoError(t, p.Publish(context.Background(), first))
		require.NoError(t, p.Publish(context.Background(), second))

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, p.Close())
	})

	t.Run("publish before start or after close", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupRedis(t)
		defer cleanup()

		p, err := NewRedisStreamPublisher(client, "deliveries")
		require.NoError(t, err)

		assert.ErrorIs(t, p.Publish(context.Background(), testEvent()), ErrPublisherClosed)

		p.Start()
		require.NoError(t, p.Close())
		assert.ErrorIs(t, p.Publish(context.Background(), testEvent()), ErrPublisherClosed)
	})
}
