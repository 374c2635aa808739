// Package outbox реализует выгрузку outbox: периодически читает неотправленные
// записи из хранилища, отправляет их в брокер и удаляет после подтверждения.
// Гарантия доставки at-least-once: запись удаляется только после успешной отправки.
package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"example.com/msgrelay/pkg/kafka"
	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/metrics"
	"example.com/msgrelay/pkg/store"
)

// ErrCycleInProgress - предыдущий цикл выгрузки ещё не завершён, тик пропущен.
var ErrCycleInProgress = errors.New("цикл выгрузки outbox уже выполняется")

// Repository - часть хранилища, нужная для выгрузки.
type Repository interface {
	ListUnsent(ctx context.Context, kind messaging.Kind, limit int) ([]*store.OutboxRecord, error)
	RemoveSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	CountUnsent(ctx context.Context, kind messaging.Kind) (int64, error)
}

// Sender - отправка конверта в брокер.
// Позволяет замокать kafka.Transport в unit-тестах.
type Sender interface {
	Send(ctx context.Context, env *messaging.Envelope, partitionKey string) (kafka.SendResult, error)
}

// Decoder проверяет, что payload разбирается зарегистрированным типом.
type Decoder interface {
	Decode(tag string, data []byte) (any, error)
}

// Config - настройки Drainer.
type Config struct {
	// Interval - интервал между циклами выгрузки.
	Interval time.Duration

	// BatchSize - количество записей каждого вида за один цикл.
	BatchSize int

	// SendTimeout - таймаут отправки одной записи (0 - без таймаута).
	SendTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		BatchSize:   100,
		SendTimeout: 10 * time.Second,
	}
}

// DrainResult - итог одного цикла выгрузки.
type DrainResult struct {
	Listed       int // Прочитано записей
	Sent         int // Отправлено и удалено (или удаление не удалось, см. RemoveFailed)
	Failed       int // Ошибка отправки, запись осталась в outbox
	Parked       int // Из них отложены после неустранимой ошибки и больше не выгружаются
	Quarantined  int // Poison-записи, удалённые без отправки
	RemoveFailed int // Отправлены, но не удалены: будут отправлены повторно
}

// kinds - порядок выгрузки: сначала команды, затем события.
var kinds = []messaging.Kind{messaging.KindCommand, messaging.KindEvent}

// Drainer читает записи из outbox и отправляет их в брокер.
type Drainer struct {
	repo    Repository
	sender  Sender
	decoder Decoder
	cfg     Config
	log     zerolog.Logger

	running atomic.Bool
}

// NewDrainer создаёт новый Drainer.
func NewDrainer(repo Repository, sender Sender, decoder Decoder, cfg Config, log zerolog.Logger) *Drainer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	return &Drainer{
		repo:    repo,
		sender:  sender,
		decoder: decoder,
		cfg:     cfg,
		log:     logger.Component(log, "outbox"),
	}
}

// Run запускает выгрузку. Блокирует выполнение до отмены контекста;
// текущий цикл завершается до выхода.
func (d *Drainer) Run(ctx context.Context) {
	d.log.Info().
		Dur("interval", d.cfg.Interval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("Запуск Outbox Drainer")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	// Первый цикл сразу: после рестарта в outbox могут остаться записи.
	d.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Остановка Outbox Drainer")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Drainer) tick(ctx context.Context) {
	res, err := d.DrainOnce(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		metrics.DrainCyclesTotal.WithLabelValues("skipped").Inc()
		d.log.Debug().Msg("Предыдущий цикл выгрузки не завершён, тик пропущен")
		return
	case err != nil:
		metrics.DrainCyclesTotal.WithLabelValues("error").Inc()
		d.log.Error().Err(err).Msg("Ошибка цикла выгрузки outbox")
		return
	}

	metrics.DrainCyclesTotal.WithLabelValues("ok").Inc()
	if res.Listed > 0 {
		d.log.Debug().
			Int("listed", res.Listed).
			Int("sent", res.Sent).
			Int("failed", res.Failed).
			Int("parked", res.Parked).
			Int("quarantined", res.Quarantined).
			Int("remove_failed", res.RemoveFailed).
			Msg("Цикл выгрузки outbox завершён")
	}
	d.reportBacklog(ctx)
}

// reportBacklog обновляет gauge размера outbox.
func (d *Drainer) reportBacklog(ctx context.Context) {
	for _, kind := range kinds {
		count, err := d.repo.CountUnsent(ctx, kind)
		if err != nil {
			d.log.Warn().Err(err).Str("kind", string(kind)).Msg("Ошибка подсчёта размера outbox")
			continue
		}
		metrics.OutboxBacklog.WithLabelValues(string(kind)).Set(float64(count))
	}
}

// DrainOnce выполняет один цикл выгрузки. Если другой цикл уже выполняется,
// сразу возвращает ErrCycleInProgress. Ошибка чтения outbox прерывает цикл.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainResult, error) {
	if !d.running.CompareAndSwap(false, true) {
		return DrainResult{}, ErrCycleInProgress
	}
	defer d.running.Store(false)

	var res DrainResult

	for _, kind := range kinds {
		records, err := d.repo.ListUnsent(ctx, kind, d.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		res.Listed += len(records)

		for _, record := range records {
			// Проверяем контекст перед обработкой
			select {
			case <-ctx.Done():
				return res, nil
			default:
			}

			d.drainRecord(ctx, record, &res)
		}
	}

	return res, nil
}

// drainRecord отправляет одну запись и удаляет её после подтверждения.
func (d *Drainer) drainRecord(ctx context.Context, record *store.OutboxRecord, res *DrainResult) {
	kind := string(record.Kind)
	log := logger.FromContext(ctx, d.log).With().
		Str("outbox_id", record.ID).
		Str("payload_type", record.PayloadType).
		Str("destination", record.Destination).
		Logger()

	if err := d.validate(record); err != nil {
		// Poison: запись никогда не будет отправлена корректно, выводим из очереди.
		log.Error().Err(err).Msg("Poison-запись outbox удалена без отправки")
		res.Quarantined++
		metrics.DrainRecordsTotal.WithLabelValues(kind, "quarantined").Inc()

		if rmErr := d.repo.RemoveSent(ctx, record.ID); rmErr != nil {
			log.Error().Err(rmErr).Msg("Ошибка удаления poison-записи outbox")
		}
		return
	}

	sendCtx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}

	if _, err := d.sender.Send(sendCtx, record.Envelope(), record.Key); err != nil {
		res.Failed++
		metrics.DrainRecordsTotal.WithLabelValues(kind, "failed").Inc()

		if !kafka.IsFatal(err) {
			log.Warn().Err(err).Msg("Временная ошибка отправки, повтор в следующем цикле")
			return
		}

		if mfErr := d.repo.MarkFailed(ctx, record.ID, err.Error()); mfErr != nil {
			log.Error().Err(err).AnErr("mark_error", mfErr).Msg("Неустранимая ошибка отправки, запись не удалось отложить")
			return
		}
		res.Parked++
		metrics.DrainRecordsTotal.WithLabelValues(kind, "parked").Inc()
		log.Error().Err(err).Msg("Неустранимая ошибка отправки, запись отложена для оператора")
		return
	}

	res.Sent++
	metrics.DrainRecordsTotal.WithLabelValues(kind, "sent").Inc()

	if err := d.repo.RemoveSent(ctx, record.ID); err != nil {
		// Запись будет отправлена повторно; дубликат отсеет inbox получателя.
		res.RemoveFailed++
		metrics.DrainRecordsTotal.WithLabelValues(kind, "remove_failed").Inc()
		log.Error().Err(err).Msg("Ошибка удаления отправленной записи outbox")
		return
	}

	log.Debug().Msg("Сообщение отправлено")
}

// validate проверяет метаданные записи и разбор payload.
func (d *Drainer) validate(record *store.OutboxRecord) error {
	if record.MetadataErr != nil {
		return &messaging.PayloadDecodeError{PayloadType: record.PayloadType, Err: record.MetadataErr}
	}
	if d.decoder == nil {
		return nil
	}
	if _, err := d.decoder.Decode(record.PayloadType, record.Payload); err != nil {
		return err
	}
	return nil
}
