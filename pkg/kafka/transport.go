package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/msgrelay/pkg/circuitbreaker"
	"example.com/msgrelay/pkg/fetcher"
	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/metrics"
	"example.com/msgrelay/pkg/naming"
)

// MessageWriter - запись сообщений в брокер (kafka.Writer).
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SendResult - результат успешной отправки.
type SendResult struct {
	Topic     string // Физическое имя топика
	MessageID string
}

// Option - функциональная опция Transport.
type Option func(*Transport)

// WithWriter подменяет kafka.Writer, создаваемый в Start.
func WithWriter(w MessageWriter) Option {
	return func(t *Transport) {
		t.newWriter = func(Config) MessageWriter { return w }
	}
}

// WithBrokerClient подменяет адаптер брокера, создаваемый в Start.
func WithBrokerClient(c fetcher.BrokerClient) Option {
	return func(t *Transport) {
		t.newBroker = func(Config) fetcher.BrokerClient { return c }
	}
}

// Transport - клиент брокера: отправка конвертов и подписки на партиции.
// Ресурсы захватываются в Start и освобождаются в Stop.
type Transport struct {
	cfg      Config
	names    naming.Formatter
	offsets  fetcher.OffsetStore
	breakers *circuitbreaker.Registry
	log      zerolog.Logger
	now      func() time.Time

	newWriter func(Config) MessageWriter
	newBroker func(Config) fetcher.BrokerClient

	mu      sync.RWMutex
	writer  MessageWriter
	broker  fetcher.BrokerClient
	started bool
	stopped bool

	subsMu sync.Mutex
	subs   map[string]*ConsumerHandle
}

// NewTransport создаёт транспорт. Соединения открываются в Start.
func NewTransport(cfg Config, names naming.Formatter, offsets fetcher.OffsetStore, log zerolog.Logger, opts ...Option) *Transport {
	log = logger.Component(log, "transport")

	t := &Transport{
		cfg:       cfg,
		names:     names,
		offsets:   offsets,
		breakers:  circuitbreaker.NewRegistry(cfg.Breaker, log),
		log:       log,
		now:       time.Now,
		newWriter: newKafkaWriter,
		newBroker: NewBrokerClient,
		subs:      make(map[string]*ConsumerHandle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func newKafkaWriter(cfg Config) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{}, // Один ключ - одна партиция, порядок сохраняется
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        false,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
}

// Start открывает writer и клиент брокера.
func (t *Transport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrTransportStopped
	}
	if t.started {
		return nil
	}
	if len(t.cfg.Brokers) == 0 {
		return fmt.Errorf("не указаны брокеры Kafka")
	}

	t.writer = t.newWriter(t.cfg)
	t.broker = t.newBroker(t.cfg)
	t.started = true

	t.log.Info().Strs("brokers", t.cfg.Brokers).Str("prefix", t.names.Prefix()).Msg("Транспорт Kafka запущен")
	return nil
}

// Stop останавливает все подписки, дожидаясь их циклов, затем закрывает writer,
// дописывая накопленные сообщения. Повторный вызов ничего не делает.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped || !t.started {
		t.stopped = true
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	writer := t.writer
	t.mu.Unlock()

	t.subsMu.Lock()
	handles := make([]*ConsumerHandle, 0, len(t.subs))
	for _, h := range t.subs {
		if h != nil {
			handles = append(handles, h)
		}
	}
	t.subsMu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, h := range handles {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Stop()
			}()
		}
		wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("ожидание остановки подписок: %w", ctx.Err()))
	}

	if err := writer.Close(); err != nil {
		t.log.Error().Err(err).Msg("Ошибка при закрытии Kafka Writer")
		errs = append(errs, fmt.Errorf("ошибка закрытия writer: %w", err))
	}

	t.log.Info().Msg("Транспорт Kafka остановлен")
	return errors.Join(errs...)
}

func (t *Transport) active() (MessageWriter, fetcher.BrokerClient, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch {
	case t.stopped:
		return nil, nil, ErrTransportStopped
	case !t.started:
		return nil, nil, ErrTransportNotStarted
	}
	return t.writer, t.broker, nil
}

// Send отправляет конверт в топик env.Destination (логическое имя).
// Ошибки возвращаются как *TransportError с классом Transient или Fatal.
// Безопасен для конкурентного вызова.
func (t *Transport) Send(ctx context.Context, env *messaging.Envelope, partitionKey string) (SendResult, error) {
	writer, _, err := t.active()
	if err != nil {
		return SendResult{}, &TransportError{Kind: Fatal, Topic: env.Destination, Err: err}
	}

	topic := t.names.Format(env.Destination)
	msg := toKafkaMessage(ctx, topic, env, partitionKey, t.now())

	start := time.Now()
	err = t.breakers.Get(topic).Execute(func() error {
		return writer.WriteMessages(ctx, msg)
	}, countsAsFailure)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.SendDuration.WithLabelValues(topic, status).Observe(time.Since(start).Seconds())

	if err != nil {
		terr := &TransportError{Kind: classify(err), Topic: topic, Err: err}
		t.log.Error().
			Err(err).
			Str("topic", topic).
			Str("message_id", env.ID).
			Str("kind", terr.Kind.String()).
			Str("trace_id", TraceIDFromContext(ctx)).
			Msg("Ошибка отправки сообщения в Kafka")
		return SendResult{}, terr
	}

	t.log.Debug().
		Str("topic", topic).
		Str("message_id", env.ID).
		Str("key", partitionKey).
		Str("correlation_id", env.CorrelationID).
		Msg("Сообщение отправлено в Kafka")

	return SendResult{Topic: topic, MessageID: env.ID}, nil
}

// =============================================================================
// Подписки
// =============================================================================

// SubscriptionTarget - физические имена подписки и её партиции.
type SubscriptionTarget struct {
	Topic        string
	Subscription string
	ConsumerID   string
	Partitions   []int
}

// SubscribeOptions - параметры подписки на партиции топика.
type SubscribeOptions struct {
	Topic        string // Логическое имя топика
	Subscription string // Логическое имя подписки (группа offsets и ключ inbox)
	ConsumerID   string
	Partitions   []int

	OnBatch          fetcher.BatchHandler
	OnPartitionError fetcher.PartitionErrorHandler

	// OnAssign вызывается до запуска fetcher'а, то есть раньше первого
	// OnBatch и OnPartitionError.
	OnAssign func(SubscriptionTarget)

	FullLoadThreshold int
	PollInterval      time.Duration // Пауза после пустой выборки
	MaxWait           time.Duration
	MinBytes          int
	MaxBytes          int // На партицию
	DeliveryInterval  time.Duration
	ResetPolicy       fetcher.ResetPolicy
}

func (o SubscribeOptions) validate() error {
	switch {
	case o.Topic == "":
		return fmt.Errorf("не указан топик")
	case o.Subscription == "":
		return fmt.Errorf("не указана подписка")
	case len(o.Partitions) == 0:
		return fetcher.ErrNoPartitions
	case o.OnBatch == nil:
		return fmt.Errorf("не указан обработчик")
	}
	return nil
}

func subscriptionKey(subscription, topic string) string {
	return subscription + "|" + topic
}

// Subscribe запускает fetcher по партициям топика.
func (t *Transport) Subscribe(ctx context.Context, opts SubscribeOptions) (*ConsumerHandle, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	_, broker, err := t.active()
	if err != nil {
		return nil, err
	}

	topic := t.names.Format(opts.Topic)
	group := t.names.Format(opts.Subscription)
	consumerID := opts.ConsumerID
	if consumerID == "" {
		consumerID = opts.Subscription
	}
	consumerID = t.names.Format(consumerID)

	key := subscriptionKey(group, topic)

	t.subsMu.Lock()
	if _, exists := t.subs[key]; exists {
		t.subsMu.Unlock()
		return nil, fmt.Errorf("%w: %s на %s", ErrAlreadySubscribed, group, topic)
	}
	// Резервируем ключ, пока fetcher запускается.
	t.subs[key] = nil
	t.subsMu.Unlock()

	logical := opts.Topic
	onBatch := func(ctx context.Context, partition int, msgs []*messaging.Envelope) error {
		for _, env := range msgs {
			env.Destination = logical
		}
		return opts.OnBatch(ctx, partition, msgs)
	}

	f := fetcher.New(fetcher.Config{
		Topic:             topic,
		Group:             group,
		ConsumerID:        consumerID,
		Partitions:        opts.Partitions,
		FullLoadThreshold: opts.FullLoadThreshold,
		Backoff:           opts.PollInterval,
		MaxWait:           opts.MaxWait,
		MinBytes:          opts.MinBytes,
		MaxBytes:          opts.MaxBytes,
		DeliveryInterval:  opts.DeliveryInterval,
		ResetPolicy:       opts.ResetPolicy,
	}, broker, t.offsets, onBatch, t.log, fetcher.WithPartitionErrorHandler(opts.OnPartitionError))

	if opts.OnAssign != nil {
		opts.OnAssign(SubscriptionTarget{
			Topic:        topic,
			Subscription: group,
			ConsumerID:   consumerID,
			Partitions:   append([]int(nil), opts.Partitions...),
		})
	}

	if err := f.Start(ctx); err != nil {
		t.subsMu.Lock()
		delete(t.subs, key)
		t.subsMu.Unlock()
		return nil, fmt.Errorf("запуск подписки %s на %s: %w", group, topic, err)
	}

	h := &ConsumerHandle{
		topic:        topic,
		subscription: group,
		consumerID:   consumerID,
		fetcher:      f,
	}
	h.remove = func() {
		t.subsMu.Lock()
		if t.subs[key] == h {
			delete(t.subs, key)
		}
		t.subsMu.Unlock()
	}

	t.subsMu.Lock()
	t.subs[key] = h
	t.subsMu.Unlock()

	t.log.Info().
		Str("topic", topic).
		Str("subscription", group).
		Str("consumer_id", consumerID).
		Ints("partitions", opts.Partitions).
		Msg("Подписка запущена")

	return h, nil
}

// SubscriptionInfo - снимок состояния подписки.
type SubscriptionInfo struct {
	Topic        string        `json:"topic"`
	Subscription string        `json:"subscription"`
	ConsumerID   string        `json:"consumer_id"`
	State        string        `json:"state"`
	Partitions   []int         `json:"partitions"`
	NextOffsets  map[int]int64 `json:"next_offsets"`
	Committed    map[int]int64 `json:"committed"`
}

// Subscriptions возвращает снимок активных подписок.
func (t *Transport) Subscriptions() []SubscriptionInfo {
	t.subsMu.Lock()
	handles := make([]*ConsumerHandle, 0, len(t.subs))
	for _, h := range t.subs {
		if h != nil {
			handles = append(handles, h)
		}
	}
	t.subsMu.Unlock()

	out := make([]SubscriptionInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Subscription < out[j].Subscription
	})
	return out
}

// BreakerStates возвращает состояния circuit breaker'ов по топикам.
func (t *Transport) BreakerStates() map[string]string {
	return t.breakers.States()
}

// ConsumerHandle - управление запущенной подпиской.
type ConsumerHandle struct {
	topic        string
	subscription string
	consumerID   string
	fetcher      *fetcher.Fetcher
	remove       func()
	stopOnce     sync.Once
}

// Topic возвращает физическое имя топика.
func (h *ConsumerHandle) Topic() string { return h.topic }

// Subscription возвращает физическое имя подписки.
func (h *ConsumerHandle) Subscription() string { return h.subscription }

// Commit подтверждает offset партиции (следующий после обработанного).
func (h *ConsumerHandle) Commit(ctx context.Context, partition int, offset int64) error {
	return h.fetcher.Commit(ctx, partition, offset)
}

// Offsets возвращает следующие offsets выборки по партициям.
func (h *ConsumerHandle) Offsets() map[int]int64 {
	return h.fetcher.Offsets()
}

// Info возвращает снимок состояния подписки.
func (h *ConsumerHandle) Info() SubscriptionInfo {
	return SubscriptionInfo{
		Topic:        h.topic,
		Subscription: h.subscription,
		ConsumerID:   h.consumerID,
		State:        h.fetcher.State().String(),
		Partitions:   h.fetcher.Partitions(),
		NextOffsets:  h.fetcher.Offsets(),
		Committed:    h.fetcher.Committed(),
	}
}

// Stop останавливает fetcher подписки и дожидается его выхода.
func (h *ConsumerHandle) Stop() {
	h.stopOnce.Do(func() {
		h.fetcher.Stop()
		if h.remove != nil {
			h.remove()
		}
	})
}
