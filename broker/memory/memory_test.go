package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/clp-project/querycelery/broker"
	"github.com/clp-project/querycelery/broker/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, uri string) broker.Broker {
	t.Helper()
	b, err := broker.Open(context.Background(), uri, broker.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func receive(t *testing.T, ch <-chan *broker.Delivery) *broker.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		require.NotNil(t, d)
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestPublishConsumeSharedHub(t *testing.T) {
	uri := "memory://" + t.Name()
	producer := open(t, uri)
	consumer := open(t, uri)

	require.NoError(t, producer.Publish(context.Background(), "query", &broker.Message{ContentType: "application/json", Body: []byte("[]")}))
	assert.Equal(t, 1, memory.Pending(uri, "query"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := consumer.Consume(ctx, []string{"query"}, 1)
	require.NoError(t, err)

	d := receive(t, ch)
	assert.Equal(t, "query", d.Queue)
	assert.Equal(t, []byte("[]"), d.Body)
	require.NoError(t, d.Ack())
}

func TestPrefetchLimitsOutstanding(t *testing.T) {
	uri := "memory://" + t.Name()
	b := open(t, uri)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), "q", &broker.Message{Body: []byte{byte(i)}}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, []string{"q"}, 1)
	require.NoError(t, err)

	first := receive(t, ch)
	select {
	case <-ch:
		t.Fatal("second delivery before ack")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, first.Ack())
	second := receive(t, ch)
	assert.Equal(t, []byte{1}, second.Body)
}

func TestRejectRequeue(t *testing.T) {
	uri := "memory://" + t.Name()
	b := open(t, uri)
	require.NoError(t, b.Publish(context.Background(), "q", &broker.Message{Body: []byte("x")}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, []string{"q"}, 1)
	require.NoError(t, err)

	require.NoError(t, receive(t, ch).Reject(true))
	again := receive(t, ch)
	assert.Equal(t, []byte("x"), again.Body)
}

func TestConsumeClosesOnCancel(t *testing.T) {
	b := open(t, "memory://"+t.Name())
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Consume(ctx, []string{"q"}, 0)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestEventsRecorded(t *testing.T) {
	uri := "memory://" + t.Name()
	b := open(t, uri)
	require.NoError(t, b.PublishEvent(context.Background(), "worker.online", &broker.Message{Body: []byte("{}")}))
	events := memory.Events(uri)
	require.Len(t, events, 1)
	assert.Equal(t, "worker.online", events[0].RoutingKey)
}
