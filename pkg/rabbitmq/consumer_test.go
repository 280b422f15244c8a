package rabbitmq

import (
	"context"
	"errors"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stitch-media/config"
	"sync"
	"testing"
	"time"
)

type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func testConsumer(binding Binding, handler Handler[int]) consumer[int] {
	return consumer[int]{
		cfg:             &config.RabbitMQ{Kind: "direct"},
		binding:         binding,
		handler:         handler,
		numWorkers:      2,
		initialInterval: time.Millisecond,
		maxInterval:     2 * time.Millisecond,
	}
}

func TestProcessAcksOnSuccess(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := testConsumer(Binding{Queue: "q", MaxTries: 3}, func(ctx context.Context, msg amqp.Delivery, deps int) error {
		assert.Equal(t, 7, deps)
		return nil
	})

	c.process(context.Background(), 1, amqp.Delivery{Acknowledger: ack, DeliveryTag: 4}, 7)

	assert.Equal(t, []uint64{4}, ack.acked)
	assert.Empty(t, ack.nacked)
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	ack := &fakeAcknowledger{}
	calls := 0
	c := testConsumer(Binding{Queue: "q", MaxTries: 3}, func(ctx context.Context, msg amqp.Delivery, deps int) error {
		calls++
		return errors.New("store unavailable")
	})

	c.process(context.Background(), 1, amqp.Delivery{Acknowledger: ack, DeliveryTag: 9}, 0)

	assert.Equal(t, 3, calls)
	assert.Empty(t, ack.acked)
	assert.Equal(t, []uint64{9}, ack.nacked)
	assert.Equal(t, []bool{false}, ack.requeue)
}

func TestProcessRecoversAfterTransientFailure(t *testing.T) {
	ack := &fakeAcknowledger{}
	calls := 0
	c := testConsumer(Binding{Queue: "q", MaxTries: 5}, func(ctx context.Context, msg amqp.Delivery, deps int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	c.process(context.Background(), 1, amqp.Delivery{Acknowledger: ack, DeliveryTag: 1}, 0)

	assert.Equal(t, 3, calls)
	assert.Equal(t, []uint64{1}, ack.acked)
}

func TestProcessPermanentErrorSkipsRetries(t *testing.T) {
	ack := &fakeAcknowledger{}
	calls := 0
	c := testConsumer(Binding{Queue: "q", MaxTries: 5}, func(ctx context.Context, msg amqp.Delivery, deps int) error {
		calls++
		return backoff.Permanent(errors.New("malformed"))
	})

	c.process(context.Background(), 1, amqp.Delivery{Acknowledger: ack, DeliveryTag: 2}, 0)

	assert.Equal(t, 1, calls)
	assert.Equal(t, []uint64{2}, ack.nacked)
}

func TestDispatchDrainsDeliveries(t *testing.T) {
	ack := &fakeAcknowledger{}
	var mu sync.Mutex
	seen := map[string]bool{}
	c := testConsumer(Binding{Queue: "q"}, func(ctx context.Context, msg amqp.Delivery, deps int) error {
		mu.Lock()
		defer mu.Unlock()
		seen[string(msg.Body)] = true
		return nil
	})

	deliveries := make(chan amqp.Delivery, 3)
	for i, body := range []string{"a", "b", "c"} {
		deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: uint64(i + 1), Body: []byte(body)}
	}
	close(deliveries)

	require.NoError(t, c.dispatch(context.Background(), deliveries, 0))
	assert.Len(t, seen, 3)
	assert.Len(t, ack.acked, 3)
}

func TestDispatchStopsOnCancel(t *testing.T) {
	c := testConsumer(Binding{Queue: "q"}, func(ctx context.Context, msg amqp.Delivery, deps int) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.dispatch(ctx, make(chan amqp.Delivery), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewConsumerAppliesQueueConfig(t *testing.T) {
	c := NewConsumer[int](nil, &config.RabbitMQ{ExchangeName: "custom", MaxRetries: 2}, ExportBinding, 0, nil).(*consumer[int])

	assert.Equal(t, "custom", c.binding.Exchange)
	assert.Equal(t, uint(2), c.binding.MaxTries)
	assert.Equal(t, 1, c.numWorkers)
	assert.Equal(t, "custom_dlx", c.binding.deadLetterExchange())
	assert.Equal(t, "export_queue_dlq", c.binding.deadLetterQueue())
	assert.Equal(t, "dlq.export.request", c.binding.deadLetterKey())
}
