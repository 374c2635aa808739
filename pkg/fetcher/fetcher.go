// Package fetcher реализует опрос партиций брокера: один цикл на соединение
// выбирает сообщения из активных партиций, ведёт offsets, переживает ошибки
// отдельных партиций и делает паузу, если брокер не вернул данных.
//
// Цикл: Running → Fetching → Applying → Idle|Backoff → Running.
// Stopped наступает только после явного Stop.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/metrics"
)

var (
	// ErrAlreadyStarted - повторный Start.
	ErrAlreadyStarted = errors.New("fetcher уже запущен")

	// ErrNoPartitions - fetcher без партиций.
	ErrNoPartitions = errors.New("не указаны партиции")
)

// Config - настройки Fetcher.
type Config struct {
	Topic      string
	Group      string // Группа для хранения offsets (имя подписки)
	ConsumerID string
	Partitions []int

	// FullLoadThreshold - партиция не опрашивается, пока в её буфере
	// столько или больше необработанных сообщений.
	FullLoadThreshold int

	MaxWait  time.Duration
	MinBytes int
	MaxBytes int // На партицию

	// Backoff - пауза после итерации без данных или после ошибки запроса.
	Backoff time.Duration

	// DeliveryInterval - период повторной доставки буфера обработчику.
	DeliveryInterval time.Duration

	ResetPolicy ResetPolicy
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		FullLoadThreshold: 1000,
		MaxWait:           500 * time.Millisecond,
		MinBytes:          1,
		MaxBytes:          1 << 20,
		Backoff:           time.Second,
		DeliveryInterval:  100 * time.Millisecond,
		ResetPolicy:       ResetEarliest,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.FullLoadThreshold <= 0 {
		c.FullLoadThreshold = def.FullLoadThreshold
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	if c.MinBytes <= 0 {
		c.MinBytes = def.MinBytes
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.Backoff <= 0 {
		c.Backoff = def.Backoff
	}
	if c.DeliveryInterval <= 0 {
		c.DeliveryInterval = def.DeliveryInterval
	}
}

// Option - функциональная опция Fetcher.
type Option func(*Fetcher)

// WithPartitionErrorHandler задаёт callback для партиций, исключённых из выборки.
func WithPartitionErrorHandler(fn PartitionErrorHandler) Option {
	return func(f *Fetcher) {
		f.onPartitionError = fn
	}
}

// partitionState - состояние активной партиции. Защищено Fetcher.mu.
type partitionState struct {
	nextOffset int64
	committed  int64
	buffer     []*messaging.Envelope

	// epoch растёт при каждом сбросе offset; пачки прежней эпохи не подтверждаются.
	epoch uint64
}

// Fetcher опрашивает партиции одного топика через одно соединение с брокером.
type Fetcher struct {
	cfg              Config
	client           BrokerClient
	offsets          OffsetStore
	onBatch          BatchHandler
	onPartitionError PartitionErrorHandler
	log              zerolog.Logger

	mu       sync.Mutex
	active   map[int]*partitionState
	reported map[int]bool

	// commitMu упорядочивает сохранение offsets и сбросы.
	commitMu sync.Mutex

	// correlationID меняется только циклом выборки.
	correlationID int32

	state    atomic.Int32
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup
}

// New создаёт Fetcher. onBatch обязателен.
func New(cfg Config, client BrokerClient, offsets OffsetStore, onBatch BatchHandler, log zerolog.Logger, opts ...Option) *Fetcher {
	cfg.applyDefaults()

	f := &Fetcher{
		cfg:      cfg,
		client:   client,
		offsets:  offsets,
		onBatch:  onBatch,
		active:   make(map[int]*partitionState),
		reported: make(map[int]bool),
		stopCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
		log: logger.Component(log, "fetcher").With().
			Str("topic", cfg.Topic).
			Str("consumer_id", cfg.ConsumerID).
			Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start загружает начальные offsets и запускает цикл выборки и доставку.
// ctx используется только для загрузки offsets: запущенный цикл живёт до Stop.
func (f *Fetcher) Start(ctx context.Context) error {
	if len(f.cfg.Partitions) == 0 {
		return ErrNoPartitions
	}
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for _, p := range f.cfg.Partitions {
		offset, err := f.initialOffset(ctx, p)
		if err != nil {
			f.started.Store(false)
			f.mu.Lock()
			f.active = make(map[int]*partitionState)
			f.mu.Unlock()
			return err
		}

		f.mu.Lock()
		f.active[p] = &partitionState{nextOffset: offset, committed: offset}
		f.mu.Unlock()
	}

	f.log.Info().
		Ints("partitions", f.cfg.Partitions).
		Int("full_load_threshold", f.cfg.FullLoadThreshold).
		Dur("backoff", f.cfg.Backoff).
		Msg("Запуск Partition Fetcher")

	runCtx := context.WithoutCancel(ctx)
	f.setState(StateRunning)

	f.wg.Add(2)
	go f.loop(runCtx)
	go f.deliver(runCtx)
	return nil
}

// initialOffset возвращает сохранённый offset или сбрасывает по политике.
func (f *Fetcher) initialOffset(ctx context.Context, partition int) (int64, error) {
	if f.offsets != nil {
		offset, ok, err := f.offsets.Load(ctx, f.cfg.Group, f.cfg.Topic, partition)
		if err != nil {
			return 0, fmt.Errorf("загрузка offset %s/%d: %w", f.cfg.Topic, partition, err)
		}
		if ok {
			return offset, nil
		}
	}

	offset, err := f.client.OffsetBefore(ctx, f.cfg.Topic, partition, f.cfg.ResetPolicy.Time())
	if err != nil {
		return 0, &messaging.TransientBrokerError{Op: "offset_before", Err: err}
	}
	return offset, nil
}

// Stop останавливает цикл: текущая выборка завершается, следующая не начинается.
// Блокирует до выхода цикла и доставки.
func (f *Fetcher) Stop() {
	if !f.started.Load() {
		return
	}

	f.stopOnce.Do(func() {
		f.stopping.Store(true)
		close(f.stopCh)
	})
	f.wg.Wait()
	f.setState(StateStopped)

	f.log.Info().Msg("Partition Fetcher остановлен")
}

// State возвращает текущее состояние цикла.
func (f *Fetcher) State() State {
	return State(f.state.Load())
}

func (f *Fetcher) setState(s State) {
	f.state.Store(int32(s))
}

// Topic возвращает топик fetcher.
func (f *Fetcher) Topic() string {
	return f.cfg.Topic
}

// Offsets возвращает снимок следующих offsets активных партиций.
func (f *Fetcher) Offsets() map[int]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int]int64, len(f.active))
	for p, ps := range f.active {
		out[p] = ps.nextOffset
	}
	return out
}

// Committed возвращает снимок подтверждённых offsets активных партиций.
func (f *Fetcher) Committed() map[int]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int]int64, len(f.active))
	for p, ps := range f.active {
		out[p] = ps.committed
	}
	return out
}

// Partitions возвращает активные партиции по возрастанию.
func (f *Fetcher) Partitions() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedPartitionsLocked()
}

func (f *Fetcher) sortedPartitionsLocked() []int {
	out := make([]int, 0, len(f.active))
	for p := range f.active {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Commit сохраняет offset партиции: следующее сообщение после обработанных.
// Offset, не превышающий подтверждённый, и offset неактивной партиции игнорируются.
func (f *Fetcher) Commit(ctx context.Context, partition int, offset int64) error {
	f.commitMu.Lock()
	defer f.commitMu.Unlock()
	return f.commitLocked(ctx, partition, offset, nil)
}

// commitLocked вызывается под commitMu. Если epoch задан, offset сохраняется
// только пока партиция не сбрасывалась.
func (f *Fetcher) commitLocked(ctx context.Context, partition int, offset int64, epoch *uint64) error {
	f.mu.Lock()
	ps, ok := f.active[partition]
	advance := ok && offset > ps.committed && (epoch == nil || *epoch == ps.epoch)
	f.mu.Unlock()
	if !advance {
		return nil
	}

	if f.offsets != nil {
		if err := f.offsets.Save(ctx, f.cfg.Group, f.cfg.Topic, partition, offset); err != nil {
			return fmt.Errorf("сохранение offset %s/%d: %w", f.cfg.Topic, partition, err)
		}
	}

	f.mu.Lock()
	if ps, ok := f.active[partition]; ok && offset > ps.committed {
		ps.committed = offset
	}
	f.mu.Unlock()
	return nil
}

// =============================================================================
// Цикл выборки
// =============================================================================

func (f *Fetcher) loop(ctx context.Context) {
	defer f.wg.Done()

	for !f.stopping.Load() {
		f.setState(StateRunning)

		n, err := f.iterate(ctx)
		switch {
		case err != nil:
			f.setState(StateBackoff)
			f.sleep(f.cfg.Backoff)
		case n == 0:
			f.setState(StateIdle)
			f.sleep(f.cfg.Backoff)
		}
	}
}

// sleep ждёт d или Stop.
func (f *Fetcher) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-f.stopCh:
	}
}

// nextCorrelationID возвращает ID запроса; после MaxInt32 счёт начинается с 0.
func (f *Fetcher) nextCorrelationID() int32 {
	id := f.correlationID
	if id == math.MaxInt32 {
		f.correlationID = 0
	} else {
		f.correlationID = id + 1
	}
	return id
}

// iterate выполняет одну итерацию и возвращает количество прочитанных байт.
func (f *Fetcher) iterate(ctx context.Context) (int64, error) {
	req := f.buildRequest()
	if len(req.Partitions) == 0 {
		return 0, nil
	}

	f.setState(StateFetching)
	resp, err := f.client.Fetch(ctx, req)
	if err != nil {
		metrics.FetchIterationsTotal.WithLabelValues(f.cfg.Topic, "error").Inc()
		brokerErr := &messaging.TransientBrokerError{Op: "fetch", Err: err}
		f.log.Warn().Err(brokerErr).Int32("correlation_id", req.CorrelationID).Msg("Ошибка запроса выборки")
		return 0, brokerErr
	}

	f.setState(StateApplying)
	n := f.apply(ctx, resp)

	if n > 0 {
		metrics.FetchIterationsTotal.WithLabelValues(f.cfg.Topic, "data").Inc()
		metrics.FetchBytesTotal.WithLabelValues(f.cfg.Topic).Add(float64(n))
	} else {
		metrics.FetchIterationsTotal.WithLabelValues(f.cfg.Topic, "idle").Inc()
	}
	return n, nil
}

// buildRequest собирает запрос по партициям, буфер которых не заполнен.
func (f *Fetcher) buildRequest() *FetchRequest {
	req := &FetchRequest{
		MaxWait:  f.cfg.MaxWait,
		MinBytes: f.cfg.MinBytes,
	}

	f.mu.Lock()
	for _, p := range f.sortedPartitionsLocked() {
		ps := f.active[p]
		if len(ps.buffer) >= f.cfg.FullLoadThreshold {
			continue
		}
		req.Partitions = append(req.Partitions, PartitionRequest{
			Topic:     f.cfg.Topic,
			Partition: p,
			Offset:    ps.nextOffset,
			MaxBytes:  f.cfg.MaxBytes,
		})
	}
	f.mu.Unlock()

	if len(req.Partitions) > 0 {
		req.CorrelationID = f.nextCorrelationID()
	}
	return req
}

type partitionFailure struct {
	partition int
	err       error
}

// apply разбирает ответ по партициям.
func (f *Fetcher) apply(ctx context.Context, resp *FetchResponse) int64 {
	var (
		bytesRead int64
		delivered bool
		failures  []partitionFailure
	)

	for i := range resp.Partitions {
		pr := &resp.Partitions[i]

		f.mu.Lock()
		ps, ok := f.active[pr.Partition]
		f.mu.Unlock()
		if !ok {
			continue
		}

		switch pr.Code {
		case NoError:
			bytesRead += pr.Bytes
			if f.appendMessages(pr.Partition, ps, pr.Messages) > 0 {
				delivered = true
			}

		case OffsetOutOfRange:
			if err := f.resetOffset(ctx, pr.Partition, ps); err != nil {
				failures = append(failures, partitionFailure{partition: pr.Partition, err: err})
			}

		default:
			failures = append(failures, partitionFailure{
				partition: pr.Partition,
				err: &messaging.PartitionOwnershipError{
					Topic:     f.cfg.Topic,
					Partition: pr.Partition,
					Code:      pr.Code.String(),
					Err:       pr.Err,
				},
			})
		}
	}

	for _, fail := range failures {
		f.removePartition(fail.partition, fail.err)
	}

	if delivered {
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
	return bytesRead
}

// appendMessages добавляет сообщения в буфер и сдвигает offset.
// Сообщения с offset меньше ожидаемого отбрасываются, поэтому offset не убывает.
func (f *Fetcher) appendMessages(partition int, ps *partitionState, msgs []*messaging.Envelope) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if m.Offset < ps.nextOffset {
			continue
		}
		ps.buffer = append(ps.buffer, m)
		ps.nextOffset = m.Offset + 1
		added++
	}

	metrics.BufferedMessages.WithLabelValues(f.cfg.Topic, strconv.Itoa(partition)).Set(float64(len(ps.buffer)))
	return added
}

// resetOffset сбрасывает offset по политике после OffsetOutOfRange.
func (f *Fetcher) resetOffset(ctx context.Context, partition int, ps *partitionState) error {
	f.mu.Lock()
	from := ps.nextOffset
	f.mu.Unlock()

	f.log.Warn().
		Err(&messaging.OffsetOutOfRangeError{Topic: f.cfg.Topic, Partition: partition, Offset: from}).
		Str("policy", f.cfg.ResetPolicy.String()).
		Msg("Offset вне диапазона, сброс")

	offset, err := f.client.OffsetBefore(ctx, f.cfg.Topic, partition, f.cfg.ResetPolicy.Time())
	if err != nil {
		return &messaging.PartitionOwnershipError{
			Topic:     f.cfg.Topic,
			Partition: partition,
			Code:      OffsetOutOfRange.String(),
			Err:       fmt.Errorf("сброс offset: %w", err),
		}
	}

	f.commitMu.Lock()
	defer f.commitMu.Unlock()

	// Буфер до сброса не подтверждён: сообщения будут выбраны заново, если попадут в новый диапазон.
	f.mu.Lock()
	ps.nextOffset = offset
	ps.committed = offset
	ps.buffer = nil
	ps.epoch++
	f.mu.Unlock()
	metrics.BufferedMessages.WithLabelValues(f.cfg.Topic, strconv.Itoa(partition)).Set(0)

	if f.offsets != nil {
		if err := f.offsets.Save(ctx, f.cfg.Group, f.cfg.Topic, partition, offset); err != nil {
			f.log.Error().Err(err).Int("partition", partition).Msg("Ошибка сохранения offset после сброса")
		}
	}

	f.log.Info().Int("partition", partition).Int64("from", from).Int64("to", offset).Msg("Offset сброшен")
	return nil
}

// removePartition исключает партицию из выборки и сообщает о ней один раз.
func (f *Fetcher) removePartition(partition int, err error) {
	f.mu.Lock()
	delete(f.active, partition)
	first := !f.reported[partition]
	f.reported[partition] = true
	f.mu.Unlock()

	code := "other"
	var ownErr *messaging.PartitionOwnershipError
	if errors.As(err, &ownErr) {
		code = ownErr.Code
	}
	metrics.PartitionErrorsTotal.WithLabelValues(f.cfg.Topic, code).Inc()
	metrics.BufferedMessages.DeleteLabelValues(f.cfg.Topic, strconv.Itoa(partition))

	f.log.Error().Err(err).Int("partition", partition).Msg("Партиция исключена из выборки")

	if first && f.onPartitionError != nil {
		f.onPartitionError(f.cfg.Topic, partition, err)
	}
}

// =============================================================================
// Доставка обработчику
// =============================================================================

type pendingBatch struct {
	partition int
	epoch     uint64
	msgs      []*messaging.Envelope
}

func (f *Fetcher) deliver(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.DeliveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		case <-f.wake:
		}
		f.deliverPending(ctx)
	}
}

// deliverPending передаёт буферы обработчику. Ошибка обработчика оставляет
// пачку в буфере до следующей попытки.
func (f *Fetcher) deliverPending(ctx context.Context) {
	for _, batch := range f.pendingBatches() {
		if f.stopping.Load() {
			return
		}

		if err := f.onBatch(ctx, batch.partition, batch.msgs); err != nil {
			f.log.Warn().
				Err(err).
				Int("partition", batch.partition).
				Int("count", len(batch.msgs)).
				Msg("Ошибка обработки пачки, повторная доставка позже")
			continue
		}

		f.release(ctx, batch)
	}
}

// pendingBatches возвращает копии буферов партиций, не больше FullLoadThreshold сообщений.
func (f *Fetcher) pendingBatches() []pendingBatch {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []pendingBatch
	for _, p := range f.sortedPartitionsLocked() {
		ps := f.active[p]
		if len(ps.buffer) == 0 {
			continue
		}
		n := min(len(ps.buffer), f.cfg.FullLoadThreshold)
		msgs := make([]*messaging.Envelope, n)
		copy(msgs, ps.buffer[:n])
		out = append(out, pendingBatch{partition: p, epoch: ps.epoch, msgs: msgs})
	}
	return out
}

// release убирает обработанную пачку из буфера и подтверждает offset.
func (f *Fetcher) release(ctx context.Context, batch pendingBatch) {
	next := batch.msgs[len(batch.msgs)-1].Offset + 1

	f.commitMu.Lock()
	defer f.commitMu.Unlock()

	f.mu.Lock()
	ps, ok := f.active[batch.partition]
	current := ok && ps.epoch == batch.epoch
	if current {
		n := min(len(batch.msgs), len(ps.buffer))
		ps.buffer = append([]*messaging.Envelope(nil), ps.buffer[n:]...)
		metrics.BufferedMessages.WithLabelValues(f.cfg.Topic, strconv.Itoa(batch.partition)).Set(float64(len(ps.buffer)))
	}
	f.mu.Unlock()

	// Партиция передана другому владельцу или offset сброшен: пачка устарела.
	if !current {
		return
	}

	if err := f.commitLocked(ctx, batch.partition, next, &batch.epoch); err != nil {
		f.log.Error().Err(err).Int("partition", batch.partition).Int64("offset", next).Msg("Ошибка подтверждения offset")
	}
}
