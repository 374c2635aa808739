// Package kafka - транспорт сообщений поверх kafka-go: отправка конвертов
// с headers и трассировкой, подписки на партиции через fetcher и адаптер
// брокера для выборки и поиска offsets.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/msgrelay/pkg/circuitbreaker"
	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
)

// Config содержит настройки подключения к Kafka.
type Config struct {
	// Brokers - список адресов брокеров Kafka.
	Brokers []string

	// ClientID - идентификатор клиента в логах брокера.
	ClientID string

	// BatchTimeout - максимальное ожидание накопления пачки при отправке.
	BatchTimeout time.Duration

	// WriteTimeout - таймаут записи в брокер.
	WriteTimeout time.Duration

	// RequiredAcks - подтверждения записи: 1 (лидер), -1 (все реплики).
	RequiredAcks int

	// DialTimeout - таймаут запросов Fetch и ListOffsets.
	DialTimeout time.Duration

	// Breaker - настройки circuit breaker на топик.
	Breaker circuitbreaker.Settings
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig(brokers ...string) Config {
	return Config{
		Brokers:      brokers,
		ClientID:     "msgrelay",
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: int(kafka.RequireAll),
		DialTimeout:  10 * time.Second,
		Breaker:      circuitbreaker.DefaultSettings(),
	}
}

// toKafkaMessage конвертирует конверт в сообщение Kafka.
// trace_id и correlation_id берутся из context, если в конверте их нет.
func toKafkaMessage(ctx context.Context, topic string, env *messaging.Envelope, partitionKey string, now time.Time) kafka.Message {
	headers := env.ToHeaders()

	if _, ok := headers[messaging.HeaderTraceID]; !ok {
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			headers[messaging.HeaderTraceID] = traceID
		}
	}
	if _, ok := headers[messaging.HeaderCorrelationID]; !ok {
		if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
			headers[messaging.HeaderCorrelationID] = correlationID
		}
	}
	if _, ok := headers[messaging.HeaderTimestamp]; !ok {
		headers[messaging.HeaderTimestamp] = now.UTC().Format(time.RFC3339Nano)
	}

	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	var key []byte
	if partitionKey != "" {
		key = []byte(partitionKey)
	}

	return kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   env.Body,
		Headers: kafkaHeaders,
		Time:    now,
	}
}

// headersMap конвертирует headers Kafka в map.
func headersMap(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

// ContextFromEnvelope переносит trace_id и correlation_id конверта в context.
func ContextFromEnvelope(ctx context.Context, env *messaging.Envelope) context.Context {
	if traceID, ok := env.Headers[messaging.HeaderTraceID]; ok {
		ctx = ContextWithTraceID(ctx, traceID)
	}
	if env.CorrelationID != "" {
		ctx = ContextWithCorrelationID(ctx, env.CorrelationID)
	}
	return ctx
}

// TraceIDFromContext извлекает trace_id из context.
// Делегирует в pkg/logger для единообразной работы с контекстом.
func TraceIDFromContext(ctx context.Context) string {
	return logger.TraceIDFromContext(ctx)
}

// CorrelationIDFromContext извлекает correlation_id из context.
func CorrelationIDFromContext(ctx context.Context) string {
	return logger.CorrelationIDFromContext(ctx)
}

// ContextWithTraceID добавляет trace_id в context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return logger.WithTraceID(ctx, traceID)
}

// ContextWithCorrelationID добавляет correlation_id в context.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return logger.WithCorrelationID(ctx, correlationID)
}
