package messaging

import (
	"errors"
	"fmt"
)

// ErrUnknownPayloadType - тег типа payload не зарегистрирован в TypeRegistry.
var ErrUnknownPayloadType = errors.New("неизвестный тип payload")

// TransientBrokerError - временная ошибка брокера (сеть, брокер недоступен).
// Повторяется владеющим циклом в его обычном ритме.
type TransientBrokerError struct {
	Op  string
	Err error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("временная ошибка брокера (%s): %v", e.Op, e.Err)
}

func (e *TransientBrokerError) Unwrap() error { return e.Err }

// OffsetOutOfRangeError - запрошенный offset вне диапазона партиции.
// Обрабатывается на месте сбросом offset, наружу не выходит.
type OffsetOutOfRangeError struct {
	Topic     string
	Partition int
	Offset    int64
}

func (e *OffsetOutOfRangeError) Error() string {
	return fmt.Sprintf("offset %d вне диапазона партиции %s/%d", e.Offset, e.Topic, e.Partition)
}

// PartitionOwnershipError - партиция недоступна этому fetcher
// (нет топика/партиции, сменился лидер и т.д.). Передаётся вызывающему для переназначения.
type PartitionOwnershipError struct {
	Topic     string
	Partition int
	Code      string
	Err       error
}

func (e *PartitionOwnershipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("партиция %s/%d недоступна (%s): %v", e.Topic, e.Partition, e.Code, e.Err)
	}
	return fmt.Sprintf("партиция %s/%d недоступна (%s)", e.Topic, e.Partition, e.Code)
}

func (e *PartitionOwnershipError) Unwrap() error { return e.Err }

// PayloadDecodeError - payload невозможно декодировать (poison message).
// Такое сообщение удаляется и логируется, повторов нет.
type PayloadDecodeError struct {
	PayloadType string
	Err         error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("ошибка декодирования payload %q: %v", e.PayloadType, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error { return e.Err }

// HandlerExecutionError - обработчик сообщения завершился с ошибкой.
// Фиксируется failed-маркером inbox, повтор определяется политикой брокера.
type HandlerExecutionError struct {
	MessageID    string
	Subscription string
	Err          error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("ошибка обработчика сообщения %s (подписка %s): %v", e.MessageID, e.Subscription, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// IsPoison возвращает true для ошибок, которые нельзя исправить повтором.
func IsPoison(err error) bool {
	var decodeErr *PayloadDecodeError
	return errors.As(err, &decodeErr)
}
