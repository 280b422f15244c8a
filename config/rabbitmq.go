package config

import (
	"context"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"net"
	"net/url"
	"strconv"
	"time"
)

// URL is the AMQP address of the broker.
func (r *RabbitMQ) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Pass),
		Host:   net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
		Path:   "/",
	}
	return u.String()
}

func (r *RabbitMQ) retries() uint {
	if r.MaxRetries == 0 {
		return 5
	}
	return r.MaxRetries
}

func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQ) (*amqp.Connection, error) {
	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(cfg.URL())
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("host", cfg.Host).Msg("failed to connect to rabbitmq, retrying")
			return nil, err
		}
		return conn, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(cfg.retries()))
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("host", cfg.Host).Msg("connected to rabbitmq")
	go func() {
		<-ctx.Done()
		if err := conn.Close(); err != nil && err != amqp.ErrClosed {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to close rabbitmq connection")
		}
		zerolog.Ctx(ctx).Info().Msg("rabbitmq connection closed")
	}()

	return conn, nil
}
