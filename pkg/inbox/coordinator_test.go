package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/store"
)

// =============================================================================
// memStore - хранилище в памяти с транзакциями
// =============================================================================

type txKey struct{}

type memTx struct {
	markers map[string]store.Outcome
	details map[string]string
	outbox  []*store.OutboxRecord
}

// memStore сериализует транзакции, как это делает БД для одного ключа.
// staleReads имитирует гонку: HasHandled вне транзакции всегда видит false.
// successWrites считает зафиксированные success-маркеры.
type memStore struct {
	txMu sync.Mutex

	mu            sync.Mutex
	markers       map[string]store.Outcome
	details       map[string]string
	outbox        []*store.OutboxRecord
	successWrites map[string]int
	staleReads    bool
}

func newMemStore() *memStore {
	return &memStore{
		markers:       make(map[string]store.Outcome),
		details:       make(map[string]string),
		successWrites: make(map[string]int),
	}
}

func key(messageID, subscription string) string { return subscription + "|" + messageID }

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*memTx); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{markers: make(map[string]store.Outcome), details: make(map[string]string)}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, o := range tx.markers {
		s.applyLocked(k, o, tx.details[k])
	}
	s.outbox = append(s.outbox, tx.outbox...)
	return nil
}

func (s *memStore) RecordOutbound(ctx context.Context, rec *store.OutboxRecord) error {
	tx, ok := ctx.Value(txKey{}).(*memTx)
	if !ok {
		return store.ErrNoActiveTx
	}
	tx.outbox = append(tx.outbox, rec)
	return nil
}

func (s *memStore) RecordInbound(ctx context.Context, messageID, subscription string, outcome store.Outcome, detail string) error {
	k := key(messageID, subscription)
	if tx, ok := ctx.Value(txKey{}).(*memTx); ok {
		tx.markers[k] = outcome
		tx.details[k] = detail
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(k, outcome, detail)
	return nil
}

func (s *memStore) applyLocked(k string, outcome store.Outcome, detail string) {
	if outcome == store.OutcomeSuccess {
		s.successWrites[k]++
	}
	current, exists := s.markers[k]
	if exists && (current == store.OutcomeSuccess || outcome == store.OutcomeFailed) {
		return
	}
	s.markers[k] = outcome
	s.details[k] = detail
}

func (s *memStore) ClaimInbound(ctx context.Context, messageID, subscription string) (bool, error) {
	tx, ok := ctx.Value(txKey{}).(*memTx)
	if !ok {
		return false, store.ErrNoActiveTx
	}
	k := key(messageID, subscription)

	s.mu.Lock()
	handled := s.markers[k] == store.OutcomeSuccess
	s.mu.Unlock()
	if handled || tx.markers[k] == store.OutcomeSuccess {
		return false, nil
	}

	tx.markers[k] = store.OutcomeSuccess
	tx.details[k] = ""
	return true, nil
}

func (s *memStore) HasHandled(ctx context.Context, messageID, subscription string) (bool, error) {
	_, inTx := ctx.Value(txKey{}).(*memTx)
	if !inTx && s.staleReads {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[key(messageID, subscription)] == store.OutcomeSuccess, nil
}

func (s *memStore) marker(messageID, subscription string) (store.Outcome, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(messageID, subscription)
	return s.markers[k], s.details[k]
}

// =============================================================================
// mockStore - testify mock для сбоев хранилища
// =============================================================================

type mockStore struct {
	mock.Mock
}

func (m *mockStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, fn)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *mockStore) RecordOutbound(ctx context.Context, rec *store.OutboxRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockStore) RecordInbound(ctx context.Context, messageID, subscription string, outcome store.Outcome, detail string) error {
	return m.Called(ctx, messageID, subscription, outcome, detail).Error(0)
}

func (m *mockStore) ClaimInbound(ctx context.Context, messageID, subscription string) (bool, error) {
	args := m.Called(ctx, messageID, subscription)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) HasHandled(ctx context.Context, messageID, subscription string) (bool, error) {
	args := m.Called(ctx, messageID, subscription)
	return args.Bool(0), args.Error(1)
}

// =============================================================================
// Тесты
// =============================================================================

type orderCreated struct {
	OrderID string `json:"order_id"`
}

func envelope(id, payloadType, body string) *messaging.Envelope {
	return &messaging.Envelope{
		ID:            id,
		CorrelationID: "corr-" + id,
		Destination:   "orders",
		PayloadType:   payloadType,
		Body:          []byte(body),
		Headers:       map[string]string{messaging.HeaderTraceID: "trace-" + id},
	}
}

func TestCoordinator_HandleBatch_RecordsDerivedMessages(t *testing.T) {
	st := newMemStore()
	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.Register("order.created", Typed(func(_ context.Context, _ *messaging.Envelope, p *orderCreated) ([]*store.OutboxRecord, error) {
		return []*store.OutboxRecord{{
			Kind:        messaging.KindCommand,
			PayloadType: "payment.charge",
			Payload:     []byte(`{"order_id":"` + p.OrderID + `"}`),
			Destination: "payments",
			Key:         p.OrderID,
		}}, nil
	})))
	c := NewCoordinator(st, handlers, zerolog.Nop())

	res, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{
		envelope("m1", "order.created", `{"order_id":"o-1"}`),
	})

	require.NoError(t, err)
	assert.Equal(t, BatchResult{Handled: 1}, res)

	outcome, _ := st.marker("m1", "billing")
	assert.Equal(t, store.OutcomeSuccess, outcome)

	require.Len(t, st.outbox, 1)
	assert.Equal(t, "payments", st.outbox[0].Destination)
	assert.Equal(t, "corr-m1", st.outbox[0].CorrelationID, "correlation_id наследуется от входящего сообщения")
}

func TestCoordinator_HandleBatch_SkipsDuplicates(t *testing.T) {
	st := newMemStore()
	var calls atomic.Int32
	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.Register("order.created", func(context.Context, *messaging.Envelope) ([]*store.OutboxRecord, error) {
		calls.Add(1)
		return nil, nil
	}))
	c := NewCoordinator(st, handlers, zerolog.Nop())
	env := envelope("m1", "order.created", `{}`)

	first, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{env})
	require.NoError(t, err)
	second, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{env, env})
	require.NoError(t, err)

	assert.Equal(t, BatchResult{Handled: 1}, first)
	assert.Equal(t, BatchResult{Duplicates: 2}, second)
	assert.Equal(t, int32(1), calls.Load())

	// Другая подписка обрабатывает то же сообщение независимо.
	other, err := c.HandleBatch(context.Background(), "audit", []*messaging.Envelope{env})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Handled: 1}, other)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCoordinator_HandlesOncePerKeyUnderRaces(t *testing.T) {
	st := newMemStore()
	st.staleReads = true

	var calls atomic.Int32
	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.Register("order.created", func(context.Context, *messaging.Envelope) ([]*store.OutboxRecord, error) {
		calls.Add(1)
		return []*store.OutboxRecord{{Kind: messaging.KindEvent, PayloadType: "order.billed", Payload: []byte(`{}`), Destination: "billing"}}, nil
	}))
	c := NewCoordinator(st, handlers, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := envelope("m1", "order.created", `{}`)
			_, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{env})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Повторные доставки после обработки.
	for i := 0; i < 3; i++ {
		res, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{envelope("m1", "order.created", `{}`)})
		require.NoError(t, err)
		assert.Equal(t, BatchResult{Duplicates: 1}, res)
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, st.successWrites[key("m1", "billing")])
	assert.Len(t, st.outbox, 1)
}

func TestCoordinator_HandlerFailures(t *testing.T) {
	tests := []struct {
		name        string
		env         *messaging.Envelope
		wantDetail  string
		wantOutcome store.Outcome
	}{
		{
			name:        "ошибка обработчика",
			env:         envelope("m1", "order.failing", `{}`),
			wantDetail:  "склад недоступен",
			wantOutcome: store.OutcomeFailed,
		},
		{
			name:        "нет обработчика",
			env:         envelope("m2", "order.unknown", `{}`),
			wantDetail:  "no handler registered",
			wantOutcome: store.OutcomeFailed,
		},
		{
			name:        "payload не декодируется",
			env:         envelope("m3", "order.created", `{not json`),
			wantOutcome: store.OutcomeFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			handlers := NewHandlerRegistry()
			require.NoError(t, handlers.Register("order.failing", func(ctx context.Context, _ *messaging.Envelope) ([]*store.OutboxRecord, error) {
				// Запись, сделанная до ошибки, откатывается вместе с транзакцией.
				require.NoError(t, st.RecordOutbound(ctx, &store.OutboxRecord{Kind: messaging.KindEvent, Destination: "x"}))
				return nil, errors.New("склад недоступен")
			}))
			require.NoError(t, handlers.Register("order.created", Typed(func(context.Context, *messaging.Envelope, *orderCreated) ([]*store.OutboxRecord, error) {
				return nil, nil
			})))
			c := NewCoordinator(st, handlers, zerolog.Nop())

			res, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{tt.env})

			require.NoError(t, err)
			assert.Equal(t, BatchResult{Failed: 1}, res)

			outcome, detail := st.marker(tt.env.ID, "billing")
			assert.Equal(t, tt.wantOutcome, outcome)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, detail)
			} else {
				assert.NotEmpty(t, detail)
			}
			assert.Empty(t, st.outbox)
		})
	}
}

func TestCoordinator_FailureDoesNotStopBatch(t *testing.T) {
	st := newMemStore()
	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.Register("ok", func(context.Context, *messaging.Envelope) ([]*store.OutboxRecord, error) {
		return nil, nil
	}))
	c := NewCoordinator(st, handlers, zerolog.Nop())

	res, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{
		envelope("m1", "ok", `{}`),
		envelope("m2", "missing", `{}`),
		envelope("m3", "ok", `{}`),
		{PayloadType: "ok"},
	})

	require.NoError(t, err)
	assert.Equal(t, BatchResult{Handled: 2, Failed: 1, Invalid: 1}, res)
}

func TestCoordinator_RedeliveryReplacesFailedMarker(t *testing.T) {
	st := newMemStore()
	var fail atomic.Bool
	fail.Store(true)

	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.Register("order.created", func(context.Context, *messaging.Envelope) ([]*store.OutboxRecord, error) {
		if fail.Load() {
			return nil, errors.New("временная ошибка")
		}
		return nil, nil
	}))
	c := NewCoordinator(st, handlers, zerolog.Nop())
	env := envelope("m1", "order.created", `{}`)

	_, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{env})
	require.NoError(t, err)
	outcome, _ := st.marker("m1", "billing")
	require.Equal(t, store.OutcomeFailed, outcome)

	fail.Store(false)
	res, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{env})

	require.NoError(t, err)
	assert.Equal(t, BatchResult{Handled: 1}, res)
	outcome, detail := st.marker("m1", "billing")
	assert.Equal(t, store.OutcomeSuccess, outcome)
	assert.Empty(t, detail)
}

func TestCoordinator_StorageErrorsAbortBatch(t *testing.T) {
	dbErr := &store.StoreError{Op: "has_handled", Err: errors.New("connection lost")}

	tests := []struct {
		name      string
		setupMock func(m *mockStore)
		wantRes   BatchResult
	}{
		{
			name: "HasHandled второго сообщения",
			setupMock: func(m *mockStore) {
				m.On("HasHandled", mock.Anything, "m1", "billing").Return(false, nil)
				m.On("WithinTx", mock.Anything, mock.Anything).Return(nil).Once()
				m.On("ClaimInbound", mock.Anything, "m1", "billing").Return(true, nil).Once()
				m.On("HasHandled", mock.Anything, "m2", "billing").Return(false, dbErr)
			},
			wantRes: BatchResult{Handled: 1},
		},
		{
			name: "начало транзакции",
			setupMock: func(m *mockStore) {
				m.On("HasHandled", mock.Anything, "m1", "billing").Return(false, nil)
				m.On("WithinTx", mock.Anything, mock.Anything).Return(errors.New("begin failed"))
			},
		},
		{
			name: "захват ключа",
			setupMock: func(m *mockStore) {
				m.On("HasHandled", mock.Anything, "m1", "billing").Return(false, nil)
				m.On("WithinTx", mock.Anything, mock.Anything).Return(nil)
				m.On("ClaimInbound", mock.Anything, "m1", "billing").Return(false, dbErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := new(mockStore)
			tt.setupMock(st)

			handlers := NewHandlerRegistry()
			require.NoError(t, handlers.Register("ok", func(context.Context, *messaging.Envelope) ([]*store.OutboxRecord, error) {
				return nil, nil
			}))
			c := NewCoordinator(st, handlers, zerolog.Nop())

			res, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{
				envelope("m1", "ok", `{}`),
				envelope("m2", "ok", `{}`),
			})

			assert.Error(t, err)
			assert.Equal(t, tt.wantRes, res)
			st.AssertExpectations(t)
		})
	}
}

func TestCoordinator_LostClaimIsDuplicate(t *testing.T) {
	// Другой процесс зафиксировал маркер между HasHandled и транзакцией.
	st := new(mockStore)
	st.On("HasHandled", mock.Anything, "m1", "billing").Return(false, nil)
	st.On("WithinTx", mock.Anything, mock.Anything).Return(nil)
	st.On("ClaimInbound", mock.Anything, "m1", "billing").Return(false, nil)

	var calls atomic.Int32
	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.Register("ok", func(context.Context, *messaging.Envelope) ([]*store.OutboxRecord, error) {
		calls.Add(1)
		return []*store.OutboxRecord{{Kind: messaging.KindEvent, PayloadType: "x", Payload: []byte(`{}`), Destination: "x"}}, nil
	}))
	c := NewCoordinator(st, handlers, zerolog.Nop())

	res, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{envelope("m1", "ok", `{}`)})

	require.NoError(t, err)
	assert.Equal(t, BatchResult{Duplicates: 1}, res)
	assert.Zero(t, calls.Load(), "обработчик не вызывается")
	st.AssertNotCalled(t, "RecordOutbound", mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "RecordInbound", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestCoordinator_FailedMarkerWriteError(t *testing.T) {
	st := new(mockStore)
	st.On("HasHandled", mock.Anything, "m1", "billing").Return(false, nil)
	st.On("RecordInbound", mock.Anything, "m1", "billing", store.OutcomeFailed, "no handler registered").
		Return(errors.New("disk full"))

	c := NewCoordinator(st, NewHandlerRegistry(), zerolog.Nop())

	_, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{envelope("m1", "ok", `{}`)})

	assert.ErrorContains(t, err, "disk full")
	st.AssertExpectations(t)
}

func TestCoordinator_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	c := NewCoordinator(newMemStore(), NewHandlerRegistry(), zerolog.Nop(), WithTracer(tp.Tracer("test")))

	_, err := c.HandleBatch(context.Background(), "billing", []*messaging.Envelope{envelope("m1", "order.created", `{}`)})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "inbox.handle", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("messaging.message.id", "m1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("inbox.outcome", "failed"))
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	noop := func(context.Context, *messaging.Envelope) ([]*store.OutboxRecord, error) { return nil, nil }

	require.NoError(t, r.Register("order.created", noop))
	require.NoError(t, r.Register("audit.any", noop))

	assert.ErrorIs(t, r.Register("order.created", noop), ErrDuplicateHandler)
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("x", nil))

	_, ok := r.Lookup("order.created")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"audit.any", "order.created"}, r.PayloadTypes())
}
