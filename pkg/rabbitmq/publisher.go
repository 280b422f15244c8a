package rabbitmq

import (
	"context"
	"encoding/json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"stitch-media/dto"
	"sync"
	"time"
)

const ArtifactReadyKey = "artifact.ready"

// Channel is the publishing side of *amqp.Channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends job outcome events. amqp channels are not safe for
// concurrent publishing, so calls are serialised.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
}

// NewPublisher opens a channel on conn and declares the event exchange.
func NewPublisher(conn *amqp.Connection, exchange, kind string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, err
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

func NewChannelPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange}
}

func (p *Publisher) PublishArtifactReady(ctx context.Context, message dto.ArtifactReadyMessage) error {
	return p.publish(ctx, ArtifactReadyKey, message)
}

func (p *Publisher) publish(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().Str("exchange", p.exchange).Str("routing_key", key).Msg("event published")
	return nil
}
