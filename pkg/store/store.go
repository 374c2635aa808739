// Package store реализует надёжное хранилище outbox/inbox поверх GORM.
// Записи outbox и маркеры inbox пишутся в той же транзакции, что и бизнес-данные:
// транзакция передаётся через context (WithinTx), поэтому репозитории домена
// и хранилище сообщений коммитятся атомарно.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/msgrelay/pkg/messaging"
)

// Store определяет контракт надёжного хранилища сообщений.
type Store interface {
	// WithinTx выполняет fn в транзакции. Вложенные вызовы присоединяются к внешней транзакции.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// RecordOutbound добавляет запись outbox в активную транзакцию из ctx.
	RecordOutbound(ctx context.Context, record *OutboxRecord) error

	// RecordInbound идемпотентно сохраняет маркер обработки. Дубликат ключа - не ошибка.
	RecordInbound(ctx context.Context, messageID, subscription string, outcome Outcome, detail string) error

	// ClaimInbound в активной транзакции записывает success-маркер и возвращает true,
	// если ключ захвачен этой транзакцией. false - сообщение уже успешно обработано.
	// Параллельная транзакция с тем же ключом ждёт фиксации или отката первой.
	ClaimInbound(ctx context.Context, messageID, subscription string) (bool, error)

	// HasHandled возвращает true, если сообщение успешно обработано подпиской.
	HasHandled(ctx context.Context, messageID, subscription string) (bool, error)

	// ListUnsent возвращает неотправленные записи в порядке создания, кроме отложенных.
	// Строки не блокируются.
	ListUnsent(ctx context.Context, kind messaging.Kind, limit int) ([]*OutboxRecord, error)

	// RemoveSent удаляет отправленную запись. Отсутствие записи - не ошибка.
	RemoveSent(ctx context.Context, id string) error

	// MarkFailed откладывает запись после неустранимой ошибки отправки.
	// Запись остаётся в outbox, но больше не выгружается.
	MarkFailed(ctx context.Context, id, reason string) error

	// ListFailedOutbound возвращает отложенные записи outbox, новые первыми.
	ListFailedOutbound(ctx context.Context, limit int) ([]*OutboxRecord, error)

	// ListFailed возвращает failed-маркеры для разбора оператором.
	ListFailed(ctx context.Context, subscription string, limit int) ([]*InboxMarker, error)

	// CountUnsent возвращает размер очереди outbox по виду сообщений.
	CountUnsent(ctx context.Context, kind messaging.Kind) (int64, error)
}

// gormStore - GORM реализация Store.
type gormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// New создаёт хранилище поверх подключения GORM.
func New(db *gorm.DB) Store {
	return &gormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// AutoMigrate создаёт таблицы outbox и inbox.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return wrap("auto_migrate", db.WithContext(ctx).AutoMigrate(&OutboxModel{}, &InboxModel{}))
}

// =============================================================================
// Транзакции
// =============================================================================

type txKey struct{}

// withTx сохраняет транзакцию в context.
func withTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext возвращает активную транзакцию из context.
// Репозитории домена используют её, чтобы писать в ту же транзакцию, что и outbox.
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// conn возвращает транзакцию из context или обычное подключение.
func (s *gormStore) conn(ctx context.Context) *gorm.DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *gormStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	// Уже в транзакции - присоединяемся к ней.
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(withTx(ctx, tx))
	})
}

// =============================================================================
// Outbox
// =============================================================================

func (s *gormStore) RecordOutbound(ctx context.Context, record *OutboxRecord) error {
	const op = "record_outbound"

	tx, ok := TxFromContext(ctx)
	if !ok {
		return wrap(op, ErrNoActiveTx)
	}

	if err := validateRecord(record); err != nil {
		return wrap(op, err)
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}

	model, err := outboxModelFromDomain(record)
	if err != nil {
		return wrap(op, err)
	}

	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return wrap(op, err)
	}
	return nil
}

// validateRecord проверяет обязательные поля записи outbox.
func validateRecord(r *OutboxRecord) error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: запись не задана", ErrInvalidRecord)
	case !r.Kind.Valid():
		return fmt.Errorf("%w: неизвестный вид %q", ErrInvalidRecord, r.Kind)
	case r.Destination == "":
		return fmt.Errorf("%w: не указан топик/очередь", ErrInvalidRecord)
	case r.PayloadType == "":
		return fmt.Errorf("%w: не указан тип payload", ErrInvalidRecord)
	case len(r.Payload) == 0:
		return fmt.Errorf("%w: пустой payload", ErrInvalidRecord)
	}
	return nil
}

func (s *gormStore) ListUnsent(ctx context.Context, kind messaging.Kind, limit int) ([]*OutboxRecord, error) {
	var models []OutboxModel

	if err := s.conn(ctx).
		Where("kind = ? AND failed_at IS NULL", string(kind)).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, wrap("list_unsent", err)
	}

	result := make([]*OutboxRecord, len(models))
	for i := range models {
		result[i] = models[i].toDomain()
	}
	return result, nil
}

func (s *gormStore) RemoveSent(ctx context.Context, id string) error {
	// RowsAffected == 0 означает, что запись уже удалена параллельным циклом.
	if err := s.conn(ctx).Where("id = ?", id).Delete(&OutboxModel{}).Error; err != nil {
		return wrap("remove_sent", err)
	}
	return nil
}

func (s *gormStore) MarkFailed(ctx context.Context, id, reason string) error {
	err := s.conn(ctx).Model(&OutboxModel{}).
		Where("id = ? AND failed_at IS NULL", id).
		Updates(map[string]any{"failed_at": s.now(), "last_error": reason}).Error
	if err != nil {
		return wrap("mark_failed", err)
	}
	return nil
}

func (s *gormStore) ListFailedOutbound(ctx context.Context, limit int) ([]*OutboxRecord, error) {
	var models []OutboxModel

	if err := s.conn(ctx).
		Where("failed_at IS NOT NULL").
		Order("failed_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, wrap("list_failed_outbound", err)
	}

	result := make([]*OutboxRecord, len(models))
	for i := range models {
		result[i] = models[i].toDomain()
	}
	return result, nil
}

func (s *gormStore) CountUnsent(ctx context.Context, kind messaging.Kind) (int64, error) {
	var count int64
	if err := s.conn(ctx).Model(&OutboxModel{}).Where("kind = ? AND failed_at IS NULL", string(kind)).Count(&count).Error; err != nil {
		return 0, wrap("count_unsent", err)
	}
	return count, nil
}

// =============================================================================
// Inbox
// =============================================================================

func (s *gormStore) RecordInbound(ctx context.Context, messageID, subscription string, outcome Outcome, detail string) error {
	const op = "record_inbound"

	if messageID == "" || subscription == "" {
		return wrap(op, fmt.Errorf("не указан message_id или subscription"))
	}

	model := &InboxModel{
		MessageID:    messageID,
		Subscription: subscription,
		Outcome:      string(outcome),
		HandledAt:    s.now(),
	}
	if detail != "" {
		model.FailureDetail = &detail
	}

	if err := s.conn(ctx).Clauses(inboundConflict(outcome)).Create(model).Error; err != nil {
		return wrap(op, err)
	}
	return nil
}

// inboundConflict - поведение при существующем маркере. Успех вытесняет
// failed-маркер; success-маркер не меняется.
func inboundConflict(outcome Outcome) clause.OnConflict {
	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "subscription"}},
		DoNothing: true,
	}
	if outcome != OutcomeSuccess {
		return onConflict
	}

	// Порядок присваиваний важен: outcome обновляется последним.
	onConflict.DoNothing = false
	onConflict.DoUpdates = clause.Set{
		{Column: clause.Column{Name: "failure_detail"}, Value: gorm.Expr("IF(outcome = ?, NULL, failure_detail)", string(OutcomeFailed))},
		{Column: clause.Column{Name: "handled_at"}, Value: gorm.Expr("IF(outcome = ?, VALUES(handled_at), handled_at)", string(OutcomeFailed))},
		{Column: clause.Column{Name: "outcome"}, Value: gorm.Expr("IF(outcome = ?, VALUES(outcome), outcome)", string(OutcomeFailed))},
	}
	return onConflict
}

func (s *gormStore) ClaimInbound(ctx context.Context, messageID, subscription string) (bool, error) {
	const op = "claim_inbound"

	tx, ok := TxFromContext(ctx)
	if !ok {
		return false, wrap(op, ErrNoActiveTx)
	}
	if messageID == "" || subscription == "" {
		return false, wrap(op, fmt.Errorf("не указан message_id или subscription"))
	}

	model := &InboxModel{
		MessageID:    messageID,
		Subscription: subscription,
		Outcome:      string(OutcomeSuccess),
		HandledAt:    s.now(),
	}

	// Вставка - 1 строка, замена failed-маркера - 2, существующий success - 0.
	res := tx.WithContext(ctx).Clauses(inboundConflict(OutcomeSuccess)).Create(model)
	if res.Error != nil {
		return false, wrap(op, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) HasHandled(ctx context.Context, messageID, subscription string) (bool, error) {
	var count int64
	if err := s.conn(ctx).Model(&InboxModel{}).
		Where("message_id = ? AND subscription = ? AND outcome = ?", messageID, subscription, string(OutcomeSuccess)).
		Count(&count).Error; err != nil {
		return false, wrap("has_handled", err)
	}
	return count > 0, nil
}

func (s *gormStore) ListFailed(ctx context.Context, subscription string, limit int) ([]*InboxMarker, error) {
	var models []InboxModel

	q := s.conn(ctx).Where("outcome = ?", string(OutcomeFailed))
	if subscription != "" {
		q = q.Where("subscription = ?", subscription)
	}

	if err := q.Order("handled_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, wrap("list_failed", err)
	}

	result := make([]*InboxMarker, len(models))
	for i := range models {
		result[i] = models[i].toDomain()
	}
	return result, nil
}
