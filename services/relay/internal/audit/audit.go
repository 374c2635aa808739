// Package audit - обработчик relay, который журналирует полученные сообщения.
package audit

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"example.com/msgrelay/pkg/inbox"
	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/store"
)

// Handler возвращает inbox.Handler, который пишет сообщение в лог.
// Payload должен быть корректным JSON, иначе сообщение считается poison.
func Handler(log zerolog.Logger) inbox.Handler {
	log = logger.Component(log, "audit")

	return func(ctx context.Context, env *messaging.Envelope) ([]*store.OutboxRecord, error) {
		if !json.Valid(env.Body) {
			return nil, &messaging.PayloadDecodeError{PayloadType: env.PayloadType, Err: errInvalidJSON}
		}

		l := logger.FromContext(ctx, log)
		event := l.Info().
			Str("message_id", env.ID).
			Str("topic", env.Destination).
			Str("payload_type", env.PayloadType).
			Str("producer", env.Producer).
			Int("partition", env.Partition).
			Int64("offset", env.Offset).
			RawJSON("payload", env.Body)

		if env.Saga != nil {
			event = event.Str("saga_id", env.Saga.SagaID).Str("saga_step", env.Saga.Step)
		}

		event.Msg("Получено сообщение")
		return nil, nil
	}
}

// Register регистрирует audit-обработчик для каждого типа payload.
func Register(registry *inbox.HandlerRegistry, payloadTypes []string, log zerolog.Logger) error {
	h := Handler(log)
	for _, t := range payloadTypes {
		if err := registry.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}
