// Package messaging содержит общие типы надёжной доставки сообщений:
// конверт сообщения (Envelope), данные саги, реестр типов payload и таксономию ошибок.
// Используется хранилищем outbox/inbox, транспортом Kafka и координатором обработки.
package messaging

import (
	"encoding/json"
	"strconv"
	"time"
)

// Kind - вид исходящего сообщения.
type Kind string

const (
	// KindCommand - команда (адресована одному получателю, очередь).
	KindCommand Kind = "command"

	// KindEvent - событие (публикуется в топик для всех подписчиков).
	KindEvent Kind = "event"
)

// Valid возвращает true для известных видов сообщений.
func (k Kind) Valid() bool {
	return k == KindCommand || k == KindEvent
}

// Ключи headers, с которыми конверт передаётся через брокер.
const (
	HeaderMessageID        = "message_id"
	HeaderCorrelationID    = "correlation_id"
	HeaderTraceID          = "trace_id"
	HeaderPayloadType      = "payload_type"
	HeaderProducer         = "producer"
	HeaderReplyTo          = "reply_to"
	HeaderSagaID           = "saga_id"
	HeaderSagaStep         = "saga_step"
	HeaderSagaCompensating = "saga_compensating"
	HeaderTimestamp        = "timestamp"
)

// SagaInfo - данные саги, к которой относится сообщение.
type SagaInfo struct {
	SagaID       string `json:"saga_id"`
	Step         string `json:"step,omitempty"`
	Compensating bool   `json:"compensating,omitempty"`
}

// Envelope - конверт сообщения. Не хранится напрямую:
// его проекция в БД - запись outbox, в брокере - сообщение Kafka.
type Envelope struct {
	ID            string            // Глобально уникальный ID сообщения
	CorrelationID string            // ID корреляции бизнес-операции
	Destination   string            // Топик или очередь (логическое имя)
	Key           string            // Ключ партиционирования
	ReplyTo       string            // Куда отправлять ответ (опционально)
	Saga          *SagaInfo         // Данные саги (опционально)
	Producer      string            // Имя сервиса-отправителя
	PayloadType   string            // Стабильный тег типа payload
	Body          []byte            // Сериализованный payload
	Headers       map[string]string // Дополнительные headers
	CreatedAt     time.Time

	// Заполняются только на стороне получателя.
	Partition int
	Offset    int64
}

// ToHeaders собирает headers для брокера из полей конверта.
// Пустые значения не передаются.
func (e *Envelope) ToHeaders() map[string]string {
	headers := make(map[string]string, len(e.Headers)+8)
	for k, v := range e.Headers {
		headers[k] = v
	}

	set := func(key, value string) {
		if value != "" {
			headers[key] = value
		}
	}

	set(HeaderMessageID, e.ID)
	set(HeaderCorrelationID, e.CorrelationID)
	set(HeaderPayloadType, e.PayloadType)
	set(HeaderProducer, e.Producer)
	set(HeaderReplyTo, e.ReplyTo)

	if e.Saga != nil {
		set(HeaderSagaID, e.Saga.SagaID)
		set(HeaderSagaStep, e.Saga.Step)
		if e.Saga.Compensating {
			headers[HeaderSagaCompensating] = "true"
		}
	}

	if !e.CreatedAt.IsZero() {
		headers[HeaderTimestamp] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	return headers
}

// FromHeaders восстанавливает конверт из сообщения брокера.
// Служебные headers переносятся в поля, остальные остаются в Headers.
func FromHeaders(topic string, key, body []byte, headers map[string]string) *Envelope {
	env := &Envelope{
		Destination: topic,
		Key:         string(key),
		Body:        body,
		Headers:     make(map[string]string),
	}

	for k, v := range headers {
		switch k {
		case HeaderMessageID:
			env.ID = v
		case HeaderCorrelationID:
			env.CorrelationID = v
		case HeaderPayloadType:
			env.PayloadType = v
		case HeaderProducer:
			env.Producer = v
		case HeaderReplyTo:
			env.ReplyTo = v
		case HeaderSagaID:
			env.sagaInfo().SagaID = v
		case HeaderSagaStep:
			env.sagaInfo().Step = v
		case HeaderSagaCompensating:
			compensating, _ := strconv.ParseBool(v)
			env.sagaInfo().Compensating = compensating
		case HeaderTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				env.CreatedAt = ts
			}
		default:
			env.Headers[k] = v
		}
	}

	return env
}

func (e *Envelope) sagaInfo() *SagaInfo {
	if e.Saga == nil {
		e.Saga = &SagaInfo{}
	}
	return e.Saga
}

// SagaJSON сериализует данные саги для хранения в БД.
func SagaJSON(s *SagaInfo) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// SagaFromJSON десериализует данные саги из БД.
func SagaFromJSON(data []byte) (*SagaInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s SagaInfo
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
