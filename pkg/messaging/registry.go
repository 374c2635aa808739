package messaging

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// DecodeFunc превращает сериализованный payload в значение конкретного типа.
type DecodeFunc func(data []byte) (any, error)

// TypeRegistry сопоставляет стабильный тег типа с функцией декодирования.
// Заполняется при старте приложения, вместо поиска типа по имени во время работы.
type TypeRegistry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewTypeRegistry создаёт пустой реестр типов.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{decoders: make(map[string]DecodeFunc)}
}

// Register регистрирует декодер для тега. Повторная регистрация тега - ошибка.
func (r *TypeRegistry) Register(tag string, decode DecodeFunc) error {
	if tag == "" {
		return fmt.Errorf("пустой тег типа")
	}
	if decode == nil {
		return fmt.Errorf("не указан декодер для типа %s", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[tag]; exists {
		return fmt.Errorf("тип %s уже зарегистрирован", tag)
	}
	r.decoders[tag] = decode
	return nil
}

// MustRegister - Register, паникующий при ошибке. Для инициализации при старте.
func (r *TypeRegistry) MustRegister(tag string, decode DecodeFunc) {
	if err := r.Register(tag, decode); err != nil {
		panic(err)
	}
}

// Decode декодирует payload по тегу.
// Неизвестный тег и ошибка декодирования возвращаются как *PayloadDecodeError.
func (r *TypeRegistry) Decode(tag string, data []byte) (any, error) {
	r.mu.RLock()
	decode, ok := r.decoders[tag]
	r.mu.RUnlock()

	if !ok {
		return nil, &PayloadDecodeError{PayloadType: tag, Err: ErrUnknownPayloadType}
	}

	v, err := decode(data)
	if err != nil {
		return nil, &PayloadDecodeError{PayloadType: tag, Err: err}
	}
	return v, nil
}

// Known возвращает true, если тег зарегистрирован.
func (r *TypeRegistry) Known(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[tag]
	return ok
}

// Tags возвращает отсортированный список зарегистрированных тегов.
func (r *TypeRegistry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.decoders))
	for tag := range r.decoders {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// JSONDecoder возвращает DecodeFunc для JSON payload типа T.
//
// Пример:
//
//	registry.MustRegister("order.created", messaging.JSONDecoder[OrderCreated]())
func JSONDecoder[T any]() DecodeFunc {
	return func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
}
