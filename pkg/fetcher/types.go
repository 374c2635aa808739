package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"example.com/msgrelay/pkg/messaging"
)

// ErrorCode - результат выборки по партиции.
type ErrorCode int

const (
	NoError ErrorCode = iota
	OffsetOutOfRange
	UnknownTopicOrPartition
	NotLeaderForPartition
	OtherError
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no_error"
	case OffsetOutOfRange:
		return "offset_out_of_range"
	case UnknownTopicOrPartition:
		return "unknown_topic_or_partition"
	case NotLeaderForPartition:
		return "not_leader_for_partition"
	default:
		return "other"
	}
}

// Специальные значения времени для OffsetBefore, как в Kafka ListOffsets.
const (
	LatestTime   int64 = -1
	EarliestTime int64 = -2
)

// ResetPolicy - куда сбрасывать offset, если он вне диапазона или не сохранён.
type ResetPolicy int

const (
	ResetEarliest ResetPolicy = iota
	ResetLatest
)

// Time возвращает время для запроса OffsetBefore.
func (p ResetPolicy) Time() int64 {
	if p == ResetLatest {
		return LatestTime
	}
	return EarliestTime
}

func (p ResetPolicy) String() string {
	if p == ResetLatest {
		return "latest"
	}
	return "earliest"
}

// ParseResetPolicy разбирает "earliest"/"latest".
func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "earliest":
		return ResetEarliest, nil
	case "latest":
		return ResetLatest, nil
	default:
		return ResetEarliest, fmt.Errorf("неизвестная политика сброса offset: %q", s)
	}
}

// PartitionRequest - запрос выборки по одной партиции.
type PartitionRequest struct {
	Topic     string
	Partition int
	Offset    int64
	MaxBytes  int
}

// FetchRequest - один логический запрос выборки по нескольким партициям.
type FetchRequest struct {
	CorrelationID int32
	MaxWait       time.Duration
	MinBytes      int
	Partitions    []PartitionRequest
}

// PartitionResponse - ответ брокера по одной партиции.
type PartitionResponse struct {
	Topic     string
	Partition int
	Code      ErrorCode
	Err       error
	Messages  []*messaging.Envelope
	Bytes     int64
}

// FetchResponse - ответ на FetchRequest.
type FetchResponse struct {
	CorrelationID int32
	Partitions    []PartitionResponse
}

// BrokerClient - возможности брокера, нужные fetcher.
type BrokerClient interface {
	// Fetch выполняет запрос выборки. Ошибка означает сбой всего запроса.
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)

	// OffsetBefore возвращает offset партиции на момент времени
	// (EarliestTime / LatestTime).
	OffsetBefore(ctx context.Context, topic string, partition int, at int64) (int64, error)
}

// OffsetStore хранит подтверждённые offsets по группе.
type OffsetStore interface {
	Load(ctx context.Context, group, topic string, partition int) (int64, bool, error)
	Save(ctx context.Context, group, topic string, partition int, offset int64) error
}

// BatchHandler получает сообщения партиции по порядку offsets.
// nil означает, что пачку можно подтвердить.
type BatchHandler func(ctx context.Context, partition int, msgs []*messaging.Envelope) error

// PartitionErrorHandler вызывается один раз на каждую партицию,
// исключённую из выборки, чтобы вызывающий мог её переназначить.
type PartitionErrorHandler func(topic string, partition int, err error)

// State - состояние цикла выборки.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateFetching
	StateApplying
	StateIdle
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StateIdle:
		return "idle"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
