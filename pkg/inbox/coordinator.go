// Package inbox реализует приём входящих сообщений с дедупликацией:
// каждое сообщение обрабатывается подпиской не более одного раза,
// а результат обработки фиксируется маркером inbox в той же транзакции,
// что и изменения обработчика.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"example.com/msgrelay/pkg/kafka"
	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/metrics"
	"example.com/msgrelay/pkg/store"
)

// ErrNoHandler - для типа payload не зарегистрирован обработчик.
var ErrNoHandler = errors.New("no handler registered")

// Store - операции хранилища, нужные координатору.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	RecordOutbound(ctx context.Context, record *store.OutboxRecord) error
	RecordInbound(ctx context.Context, messageID, subscription string, outcome store.Outcome, detail string) error
	ClaimInbound(ctx context.Context, messageID, subscription string) (bool, error)
	HasHandled(ctx context.Context, messageID, subscription string) (bool, error)
}

// Outcome - результат приёма одного сообщения.
type Outcome string

const (
	OutcomeHandled   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
)

// BatchResult - итог обработки пачки.
type BatchResult struct {
	Handled    int
	Duplicates int
	Failed     int
	Invalid    int
}

func (r *BatchResult) add(o Outcome) {
	switch o {
	case OutcomeHandled:
		r.Handled++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeFailed:
		r.Failed++
	case OutcomeInvalid:
		r.Invalid++
	}
}

// Option - функциональная опция Coordinator.
type Option func(*Coordinator)

// WithTracer задаёт tracer для span'ов обработки.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// Coordinator передаёт входящие сообщения обработчикам с дедупликацией
// по ключу (message_id, subscription).
type Coordinator struct {
	store    Store
	handlers *HandlerRegistry
	tracer   trace.Tracer
	log      zerolog.Logger

	// inflight схлопывает одновременную обработку одного ключа.
	inflight singleflight.Group
}

// NewCoordinator создаёт координатор.
func NewCoordinator(st Store, handlers *HandlerRegistry, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		handlers: handlers,
		tracer:   otel.Tracer("msgrelay/inbox"),
		log:      logger.Component(log, "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleBatch обрабатывает пачку сообщений подписки по порядку.
// Ошибка обработчика фиксируется failed-маркером и не прерывает пачку;
// ошибка хранилища прерывает её, и пачка будет доставлена повторно.
func (c *Coordinator) HandleBatch(ctx context.Context, subscription string, envs []*messaging.Envelope) (BatchResult, error) {
	var res BatchResult

	for _, env := range envs {
		outcome, err := c.Handle(ctx, subscription, env)
		if err != nil {
			return res, err
		}
		res.add(outcome)
	}

	return res, nil
}

// Handle обрабатывает одно сообщение. Ошибка возвращается только для сбоев хранилища.
func (c *Coordinator) Handle(ctx context.Context, subscription string, env *messaging.Envelope) (Outcome, error) {
	if env.ID == "" {
		c.log.Error().
			Str("subscription", subscription).
			Str("payload_type", env.PayloadType).
			Int("partition", env.Partition).
			Int64("offset", env.Offset).
			Msg("Сообщение без message_id пропущено")
		metrics.InboxMessagesTotal.WithLabelValues(subscription, string(OutcomeInvalid)).Inc()
		return OutcomeInvalid, nil
	}

	v, err, _ := c.inflight.Do(subscription+"|"+env.ID, func() (any, error) {
		return c.handle(ctx, subscription, env)
	})
	if err != nil {
		return "", err
	}
	return v.(Outcome), nil
}

func (c *Coordinator) handle(ctx context.Context, subscription string, env *messaging.Envelope) (Outcome, error) {
	ctx = kafka.ContextFromEnvelope(ctx, env)

	ctx, span := c.tracer.Start(ctx, "inbox.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.destination.name", env.Destination),
			attribute.String("messaging.subscription", subscription),
			attribute.String("messaging.payload_type", env.PayloadType),
		),
	)
	defer span.End()

	log := logger.FromContext(ctx, c.log).With().
		Str("message_id", env.ID).
		Str("subscription", subscription).
		Str("payload_type", env.PayloadType).
		Logger()

	handled, err := c.store.HasHandled(ctx, env.ID, subscription)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "has_handled")
		return "", err
	}
	if handled {
		log.Debug().Msg("Сообщение уже обработано, пропускаем")
		span.SetAttributes(attribute.String("inbox.outcome", string(OutcomeDuplicate)))
		metrics.InboxMessagesTotal.WithLabelValues(subscription, string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate, nil
	}

	start := time.Now()
	outcome, err := c.execute(ctx, subscription, env)
	metrics.HandlerDuration.WithLabelValues(subscription, env.PayloadType).Observe(time.Since(start).Seconds())

	var handlerErr *messaging.HandlerExecutionError
	if err != nil && !errors.As(err, &handlerErr) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return "", err
	}

	if handlerErr != nil {
		outcome = OutcomeFailed
		if err := c.store.RecordInbound(ctx, env.ID, subscription, store.OutcomeFailed, handlerErr.Err.Error()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "record_inbound")
			return "", err
		}

		event := log.Error().Err(handlerErr)
		if messaging.IsPoison(handlerErr) {
			event = event.Bool("poison", true)
		}
		event.Msg("Ошибка обработки сообщения, записан failed-маркер")

		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, "handler")
	}

	span.SetAttributes(attribute.String("inbox.outcome", string(outcome)))
	metrics.InboxMessagesTotal.WithLabelValues(subscription, string(outcome)).Inc()

	if outcome == OutcomeHandled {
		log.Debug().Msg("Сообщение обработано")
	}
	return outcome, nil
}

// execute выполняет обработчик в транзакции. Ошибка обработчика возвращается
// как *messaging.HandlerExecutionError (транзакция откатена), остальные ошибки
// относятся к хранилищу.
func (c *Coordinator) execute(ctx context.Context, subscription string, env *messaging.Envelope) (Outcome, error) {
	h, ok := c.handlers.Lookup(env.PayloadType)
	if !ok {
		return OutcomeFailed, &messaging.HandlerExecutionError{MessageID: env.ID, Subscription: subscription, Err: ErrNoHandler}
	}

	var duplicate bool
	err := c.store.WithinTx(ctx, func(txCtx context.Context) error {
		// Ключ захватывается до обработчика: параллельная транзакция с тем же
		// ключом ждёт её завершения и после фиксации видит дубликат.
		claimed, err := c.store.ClaimInbound(txCtx, env.ID, subscription)
		if err != nil {
			return err
		}
		if !claimed {
			duplicate = true
			return nil
		}

		records, err := h(txCtx, env)
		if err != nil {
			return &messaging.HandlerExecutionError{MessageID: env.ID, Subscription: subscription, Err: err}
		}

		for _, rec := range records {
			if rec.CorrelationID == "" {
				rec.CorrelationID = env.CorrelationID
			}
			if rec.Saga == nil {
				rec.Saga = env.Saga
			}
			if err := c.store.RecordOutbound(txCtx, rec); err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case err != nil:
		return OutcomeFailed, err
	case duplicate:
		return OutcomeDuplicate, nil
	}
	return OutcomeHandled, nil
}
