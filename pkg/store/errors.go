package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveTx - операция требует активной транзакции в context.
	ErrNoActiveTx = errors.New("нет активной транзакции")

	// ErrInvalidRecord - запись outbox не проходит валидацию.
	ErrInvalidRecord = errors.New("некорректная запись outbox")
)

// StoreError - ошибка слоя хранения с именем операции.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
