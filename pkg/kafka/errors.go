package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/segmentio/kafka-go"

	"example.com/msgrelay/pkg/circuitbreaker"
)

var (
	// ErrTransportStopped - транспорт остановлен, операции недоступны.
	ErrTransportStopped = errors.New("транспорт остановлен")

	// ErrTransportNotStarted - Start ещё не вызывался.
	ErrTransportNotStarted = errors.New("транспорт не запущен")

	// ErrAlreadySubscribed - подписка на топик уже существует.
	ErrAlreadySubscribed = errors.New("подписка уже существует")
)

// ErrorKind - класс ошибки отправки.
type ErrorKind int

const (
	// Transient - повтор может помочь (сеть, брокер, таймаут, открытый breaker).
	Transient ErrorKind = iota

	// Fatal - повтор не поможет (некорректный топик, слишком большое сообщение).
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// TransportError - ошибка отправки с классификацией.
type TransportError struct {
	Kind  ErrorKind
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("отправка в %s (%s): %v", e.Topic, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient возвращает true для временных ошибок транспорта.
func IsTransient(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Kind == Transient
}

// IsFatal возвращает true для неустранимых ошибок транспорта.
func IsFatal(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Kind == Fatal
}

// classify определяет класс ошибки записи.
func classify(err error) ErrorKind {
	// WriteMessages возвращает WriteErrors с ошибкой на каждое сообщение.
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				err = e
				break
			}
		}
	}

	var kerr kafka.Error
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Transient
	case errors.As(err, &kerr):
		if kerr.Temporary() {
			return Transient
		}
		return Fatal
	}

	// Сетевые и неизвестные ошибки считаем временными: запись останется в outbox.
	return Transient
}

// countsAsFailure - учитывается ли ошибка circuit breaker'ом.
// Ошибки данных не говорят о недоступности топика.
func countsAsFailure(err error) bool {
	return classify(err) == Transient
}
