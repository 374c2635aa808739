package store

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/msgrelay/pkg/messaging"
)

// =============================================================================
// Доменные сущности
// =============================================================================

// Outcome - результат обработки входящего сообщения.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// OutboxRecord - исходящее сообщение, записанное в одной транзакции с бизнес-данными.
// Существует тогда и только тогда, когда отправка ещё не подтверждена.
// Запись с FailedAt отложена после неустранимой ошибки и не выгружается.
type OutboxRecord struct {
	ID            string         // Глобально уникальный ID (он же ID сообщения)
	Kind          messaging.Kind // command / event
	PayloadType   string         // Стабильный тег типа payload
	Payload       []byte         // Сериализованный payload
	Destination   string         // Топик или очередь
	Key           string         // Ключ партиционирования
	CorrelationID string         // ID корреляции
	ReplyTo       string         // Адрес для ответа (опционально)
	Producer      string         // Имя сервиса-отправителя
	Saga          *messaging.SagaInfo
	Headers       map[string]string
	CreatedAt     time.Time
	FailedAt      *time.Time
	LastError     string

	// MetadataErr заполняется при чтении, если saga/headers в БД не разбираются.
	// Такая запись никогда не будет отправлена корректно и считается poison.
	MetadataErr error
}

// Envelope восстанавливает конверт сообщения из записи outbox.
func (r *OutboxRecord) Envelope() *messaging.Envelope {
	return &messaging.Envelope{
		ID:            r.ID,
		CorrelationID: r.CorrelationID,
		Destination:   r.Destination,
		Key:           r.Key,
		ReplyTo:       r.ReplyTo,
		Saga:          r.Saga,
		Producer:      r.Producer,
		PayloadType:   r.PayloadType,
		Body:          r.Payload,
		Headers:       r.Headers,
		CreatedAt:     r.CreatedAt,
	}
}

// InboxMarker - доказательство того, что сообщение обработано подпиской.
// Ключ (MessageID, Subscription); после создания не изменяется,
// кроме замены failed-маркера на success.
type InboxMarker struct {
	MessageID     string
	Subscription  string
	HandledAt     time.Time
	Outcome       Outcome
	FailureDetail *string
}

// =============================================================================
// GORM модели
// =============================================================================

// OutboxModel - GORM модель для таблицы outbox.
type OutboxModel struct {
	ID            string     `gorm:"column:id;type:varchar(36);primaryKey"`
	Kind          string     `gorm:"column:kind;type:varchar(16);not null;index:idx_outbox_unsent,priority:1"`
	PayloadType   string     `gorm:"column:payload_type;type:varchar(150);not null"`
	Payload       []byte     `gorm:"column:payload;type:mediumblob;not null"`
	Destination   string     `gorm:"column:destination;type:varchar(200);not null"`
	MessageKey    string     `gorm:"column:message_key;type:varchar(200);not null"`
	CorrelationID string     `gorm:"column:correlation_id;type:varchar(64)"`
	ReplyTo       string     `gorm:"column:reply_to;type:varchar(200)"`
	Producer      string     `gorm:"column:producer;type:varchar(100)"`
	Saga          []byte     `gorm:"column:saga;type:json"`
	Headers       []byte     `gorm:"column:headers;type:json"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;index:idx_outbox_unsent,priority:3"`
	FailedAt      *time.Time `gorm:"column:failed_at;index:idx_outbox_unsent,priority:2"`
	LastError     *string    `gorm:"column:last_error;type:text"`
}

// TableName возвращает имя таблицы в БД.
func (OutboxModel) TableName() string {
	return "outbox"
}

// InboxModel - GORM модель для таблицы inbox.
// Составной первичный ключ (message_id, subscription) обеспечивает идемпотентность.
type InboxModel struct {
	MessageID     string    `gorm:"column:message_id;type:varchar(64);primaryKey"`
	Subscription  string    `gorm:"column:subscription;type:varchar(200);primaryKey"`
	Outcome       string    `gorm:"column:outcome;type:varchar(16);not null;index"`
	FailureDetail *string   `gorm:"column:failure_detail;type:text"`
	HandledAt     time.Time `gorm:"column:handled_at;not null"`
}

// TableName возвращает имя таблицы в БД.
func (InboxModel) TableName() string {
	return "inbox"
}

// toDomain конвертирует GORM модель в доменную сущность.
// Ошибки разбора saga/headers не теряются, а сохраняются в MetadataErr.
func (m *OutboxModel) toDomain() *OutboxRecord {
	r := &OutboxRecord{
		ID:            m.ID,
		Kind:          messaging.Kind(m.Kind),
		PayloadType:   m.PayloadType,
		Payload:       m.Payload,
		Destination:   m.Destination,
		Key:           m.MessageKey,
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Producer:      m.Producer,
		CreatedAt:     m.CreatedAt,
		FailedAt:      m.FailedAt,
	}
	if m.LastError != nil {
		r.LastError = *m.LastError
	}

	saga, err := messaging.SagaFromJSON(m.Saga)
	if err != nil {
		r.MetadataErr = fmt.Errorf("ошибка разбора saga: %w", err)
	}
	r.Saga = saga

	if len(m.Headers) > 0 {
		if err := json.Unmarshal(m.Headers, &r.Headers); err != nil {
			r.MetadataErr = fmt.Errorf("ошибка разбора headers: %w", err)
		}
	}

	return r
}

// outboxModelFromDomain конвертирует доменную сущность в GORM модель.
func outboxModelFromDomain(r *OutboxRecord) (*OutboxModel, error) {
	saga, err := messaging.SagaJSON(r.Saga)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации saga: %w", err)
	}

	var headers []byte
	if r.Headers != nil {
		if headers, err = json.Marshal(r.Headers); err != nil {
			return nil, fmt.Errorf("ошибка сериализации headers: %w", err)
		}
	}

	return &OutboxModel{
		ID:            r.ID,
		Kind:          string(r.Kind),
		PayloadType:   r.PayloadType,
		Payload:       r.Payload,
		Destination:   r.Destination,
		MessageKey:    r.Key,
		CorrelationID: r.CorrelationID,
		ReplyTo:       r.ReplyTo,
		Producer:      r.Producer,
		Saga:          saga,
		Headers:       headers,
		CreatedAt:     r.CreatedAt,
	}, nil
}

func (m *InboxModel) toDomain() *InboxMarker {
	return &InboxMarker{
		MessageID:     m.MessageID,
		Subscription:  m.Subscription,
		HandledAt:     m.HandledAt,
		Outcome:       Outcome(m.Outcome),
		FailureDetail: m.FailureDetail,
	}
}
