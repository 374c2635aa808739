package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/store"
)

// ErrDuplicateHandler - для типа payload уже зарегистрирован обработчик.
var ErrDuplicateHandler = errors.New("обработчик уже зарегистрирован")

// Handler обрабатывает входящее сообщение внутри транзакции хранилища.
// Возвращённые записи outbox сохраняются в той же транзакции.
type Handler func(ctx context.Context, env *messaging.Envelope) ([]*store.OutboxRecord, error)

// HandlerRegistry - обработчики по стабильному тегу типа payload.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry создаёт пустой реестр обработчиков.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register регистрирует обработчик для типа payload.
func (r *HandlerRegistry) Register(payloadType string, h Handler) error {
	if payloadType == "" || h == nil {
		return fmt.Errorf("не указан тип payload или обработчик")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[payloadType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, payloadType)
	}
	r.handlers[payloadType] = h
	return nil
}

// Lookup возвращает обработчик типа payload.
func (r *HandlerRegistry) Lookup(payloadType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[payloadType]
	return h, ok
}

// PayloadTypes возвращает зарегистрированные типы в алфавитном порядке.
func (r *HandlerRegistry) PayloadTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Typed оборачивает обработчик типизированного JSON payload.
// Ошибка декодирования возвращается как *messaging.PayloadDecodeError.
func Typed[T any](fn func(ctx context.Context, env *messaging.Envelope, payload *T) ([]*store.OutboxRecord, error)) Handler {
	decode := messaging.JSONDecoder[T]()

	return func(ctx context.Context, env *messaging.Envelope) ([]*store.OutboxRecord, error) {
		v, err := decode(env.Body)
		if err != nil {
			return nil, &messaging.PayloadDecodeError{PayloadType: env.PayloadType, Err: err}
		}
		return fn(ctx, env, v.(*T))
	}
}
