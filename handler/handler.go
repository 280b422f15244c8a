package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"stitch-media/dto"
	"stitch-media/service"
)

type ServiceDependencies struct {
	PostService    service.PostService
	CollageService service.CollageService
	MergeService   service.MergeService
}

var validate = validator.New()

// decode parses and validates a message body. A body that cannot be
// processed is a permanent failure and is dead-lettered without retries.
func decode(ctx context.Context, msg amqp.Delivery, v any) error {
	if err := json.Unmarshal(msg.Body, v); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("routing_key", msg.RoutingKey).Msg("failed to unmarshal message")
		return backoff.Permanent(fmt.Errorf("decode message: %w", err))
	}
	if err := validate.Struct(v); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("routing_key", msg.RoutingKey).Msg("invalid message")
		return backoff.Permanent(fmt.Errorf("validate message: %w", err))
	}
	return nil
}

func ExportHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var job dto.ExportJobMessage
	if err := decode(ctx, msg, &job); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", job.JobId.String()).
		Str("edit_state_id", job.EditStateId.String()).
		Msg("received export message")

	return deps.PostService.Process(ctx, job)
}

func CollageHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var job dto.CollageJobMessage
	if err := decode(ctx, msg, &job); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", job.JobId.String()).
		Int("responses", len(job.ResponseKeys)).
		Msg("received collage message")

	return deps.CollageService.Process(ctx, job)
}

func MergeHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var job dto.MergeJobMessage
	if err := decode(ctx, msg, &job); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("job_id", job.JobId.String()).
		Int("segments", len(job.SegmentKeys)).
		Msg("received merge message")

	return deps.MergeService.Process(ctx, job)
}
