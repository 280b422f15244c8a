package rabbitmq

import (
	"context"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"stitch-media/config"
	"sync"
	"time"
)

// Binding names the queue a consumer reads and where rejected messages go.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
	// MaxTries bounds handler attempts per delivery before the message is
	// dead-lettered. Zero means a single attempt.
	MaxTries uint
}

func (b Binding) deadLetterExchange() string { return b.Exchange + "_dlx" }
func (b Binding) deadLetterQueue() string    { return b.Queue + "_dlq" }
func (b Binding) deadLetterKey() string      { return "dlq." + b.RoutingKey }

var (
	ExportBinding = Binding{
		Exchange:   "media_exchange",
		Queue:      "export_queue",
		RoutingKey: "export.request",
		MaxTries:   5,
	}
	CollageBinding = Binding{
		Exchange:   "media_exchange",
		Queue:      "collage_queue",
		RoutingKey: "collage.request",
		MaxTries:   5,
	}
	MergeBinding = Binding{
		Exchange:   "media_exchange",
		Queue:      "merge_queue",
		RoutingKey: "merge.request",
		MaxTries:   5,
	}
)

type Handler[T any] func(ctx context.Context, msg amqp.Delivery, dependencies T) error

type Consumer[T any] interface {
	Consume(ctx context.Context, dependencies T) error
}

type consumer[T any] struct {
	conn            *amqp.Connection
	cfg             *config.RabbitMQ
	binding         Binding
	handler         Handler[T]
	numWorkers      int
	initialInterval time.Duration

	// maxInterval caps the retry backoff.
	maxInterval time.Duration
}

func (c consumer[T]) declare(ctx context.Context, ch *amqp.Channel) error {
	b := c.binding
	logger := zerolog.Ctx(ctx).With().Str("exchange", b.Exchange).Str("queue", b.Queue).Logger()

	if err := ch.ExchangeDeclare(b.Exchange, c.cfg.Kind, true, false, false, false, nil); err != nil {
		logger.Error().Err(err).Msg("failed to declare exchange")
		return err
	}
	if err := ch.ExchangeDeclare(b.deadLetterExchange(), c.cfg.Kind, true, false, false, false, nil); err != nil {
		logger.Error().Err(err).Msg("failed to declare dlx")
		return err
	}

	dlq, err := ch.QueueDeclare(b.deadLetterQueue(), true, false, false, false, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to declare dlq")
		return err
	}
	if err := ch.QueueBind(dlq.Name, b.deadLetterKey(), b.deadLetterExchange(), false, nil); err != nil {
		logger.Error().Err(err).Msg("failed to bind dlq")
		return err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    b.deadLetterExchange(),
		"x-dead-letter-routing-key": b.deadLetterKey(),
	}
	q, err := ch.QueueDeclare(b.Queue, true, false, false, false, args)
	if err != nil {
		logger.Error().Err(err).Msg("failed to declare queue")
		return err
	}
	if err := ch.QueueBind(q.Name, b.RoutingKey, b.Exchange, false, nil); err != nil {
		logger.Error().Err(err).Msg("failed to bind queue")
		return err
	}
	return nil
}

func (c consumer[T]) Consume(ctx context.Context, dependencies T) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := c.declare(ctx, ch); err != nil {
		return err
	}

	if err := ch.Qos(c.numWorkers, 0, false); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", c.binding.Queue).Msg("failed to set QoS")
		return err
	}

	deliveries, err := ch.Consume(c.binding.Queue, "", false, false, false, false, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", c.binding.Queue).Msg("failed to consume queue")
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("queue", c.binding.Queue).
		Str("exchange", c.binding.Exchange).
		Str("routing_key", c.binding.RoutingKey).
		Int("workers", c.numWorkers).
		Msg("consumer started")

	return c.dispatch(ctx, deliveries, dependencies)
}

// dispatch fans deliveries out to the worker pool until the channel closes
// or ctx ends.
func (c consumer[T]) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, dependencies T) error {
	jobs := make(chan amqp.Delivery, c.numWorkers)
	var wg sync.WaitGroup
	for i := 1; i <= c.numWorkers; i++ {
		wg.Add(1)
		go func(workerId int) {
			defer wg.Done()
			for msg := range jobs {
				c.process(ctx, workerId, msg, dependencies)
			}
		}(i)
	}

	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}

			jobs <- delivery
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
}

// process runs the handler with exponential backoff. A delivery that still
// fails, or fails permanently, is nacked without requeue so it lands in the
// dead-letter queue.
func (c consumer[T]) process(ctx context.Context, workerId int, msg amqp.Delivery, dependencies T) {
	operation := func() (struct{}, error) {
		return struct{}{}, c.handler(ctx, msg, dependencies)
	}

	bo := backoff.NewExponentialBackOff()
	if c.initialInterval > 0 {
		bo.InitialInterval = c.initialInterval
	}
	bo.MaxInterval = c.maxInterval
	tries := c.binding.MaxTries
	if tries == 0 {
		tries = 1
	}

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(tries))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int("worker_id", workerId).Str("queue", c.binding.Queue).Msg("failed to handle message after all retries")
		if nackErr := msg.Nack(false, false); nackErr != nil {
			zerolog.Ctx(ctx).Error().Err(nackErr).Msg("failed to nack message to send to DLQ")
		}
		return
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		zerolog.Ctx(ctx).Error().Err(ackErr).Msg("failed to acknowledge message")
	}
}

func NewConsumer[T any](
	conn *amqp.Connection,
	cfg *config.RabbitMQ,
	binding Binding,
	numWorkers int,
	handler Handler[T],
) Consumer[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if cfg.ExchangeName != "" {
		binding.Exchange = cfg.ExchangeName
	}
	if cfg.MaxRetries > 0 {
		binding.MaxTries = cfg.MaxRetries
	}
	return &consumer[T]{
		conn:        conn,
		cfg:         cfg,
		binding:     binding,
		handler:     handler,
		numWorkers:  numWorkers,
		maxInterval: 10 * time.Second,
	}
}
