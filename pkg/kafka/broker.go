package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"example.com/msgrelay/pkg/fetcher"
	"example.com/msgrelay/pkg/messaging"
)

// kafkaAPI - методы kafka.Client, которые использует адаптер.
type kafkaAPI interface {
	Fetch(ctx context.Context, req *kafka.FetchRequest) (*kafka.FetchResponse, error)
	ListOffsets(ctx context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error)
}

// brokerClient адаптирует kafka.Client к fetcher.BrokerClient.
type brokerClient struct {
	api kafkaAPI
}

// NewBrokerClient создаёт адаптер брокера поверх kafka.Client.
func NewBrokerClient(cfg Config) fetcher.BrokerClient {
	return &brokerClient{api: &kafka.Client{
		Addr:    kafka.TCP(cfg.Brokers...),
		Timeout: cfg.DialTimeout,
	}}
}

// Fetch выполняет выборку по всем партициям запроса параллельно.
// Ошибка Kafka по партиции попадает в её ответ; сетевая ошибка любой
// партиции считается ошибкой всего запроса.
func (b *brokerClient) Fetch(ctx context.Context, req *fetcher.FetchRequest) (*fetcher.FetchResponse, error) {
	resp := &fetcher.FetchResponse{
		CorrelationID: req.CorrelationID,
		Partitions:    make([]fetcher.PartitionResponse, len(req.Partitions)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, pr := range req.Partitions {
		g.Go(func() error {
			out, err := b.fetchPartition(gctx, req, pr)
			if err != nil {
				return err
			}
			resp.Partitions[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch correlation_id=%d: %w", req.CorrelationID, err)
	}
	return resp, nil
}

func (b *brokerClient) fetchPartition(ctx context.Context, req *fetcher.FetchRequest, pr fetcher.PartitionRequest) (fetcher.PartitionResponse, error) {
	out := fetcher.PartitionResponse{Topic: pr.Topic, Partition: pr.Partition}

	res, err := b.api.Fetch(ctx, &kafka.FetchRequest{
		Topic:     pr.Topic,
		Partition: pr.Partition,
		Offset:    pr.Offset,
		MinBytes:  int64(req.MinBytes),
		MaxBytes:  int64(pr.MaxBytes),
		MaxWait:   req.MaxWait,
	})
	if err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) {
			out.Code, out.Err = errorCode(kerr), err
			return out, nil
		}
		return out, err
	}

	if res.Error != nil {
		out.Code, out.Err = errorCode(res.Error), res.Error
		return out, nil
	}

	if res.Records == nil {
		return out, nil
	}

	for {
		rec, err := res.Records.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("чтение записей %s/%d: %w", pr.Topic, pr.Partition, err)
		}

		key, err := readBytes(rec.Key)
		if err != nil {
			return out, err
		}
		value, err := readBytes(rec.Value)
		if err != nil {
			return out, err
		}

		env := messaging.FromHeaders(pr.Topic, key, value, headersMap(rec.Headers))
		env.Partition = pr.Partition
		env.Offset = rec.Offset
		if env.CreatedAt.IsZero() {
			env.CreatedAt = rec.Time
		}

		out.Messages = append(out.Messages, env)
		out.Bytes += int64(len(key) + len(value))
	}

	return out, nil
}

// OffsetBefore возвращает offset партиции на момент at (EarliestTime / LatestTime
// или Unix-время в миллисекундах).
func (b *brokerClient) OffsetBefore(ctx context.Context, topic string, partition int, at int64) (int64, error) {
	res, err := b.api.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{
			topic: {{Partition: partition, Timestamp: at}},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("list offsets %s/%d: %w", topic, partition, err)
	}

	for _, po := range res.Topics[topic] {
		if po.Partition != partition {
			continue
		}
		if po.Error != nil {
			return 0, fmt.Errorf("list offsets %s/%d: %w", topic, partition, po.Error)
		}

		switch at {
		case fetcher.EarliestTime:
			return po.FirstOffset, nil
		case fetcher.LatestTime:
			return po.LastOffset, nil
		}

		found := false
		var first int64
		for off := range po.Offsets {
			if !found || off < first {
				first, found = off, true
			}
		}
		if found {
			return first, nil
		}
		return po.LastOffset, nil
	}

	return 0, fmt.Errorf("list offsets %s/%d: партиция отсутствует в ответе", topic, partition)
}

// errorCode переводит ошибку Kafka в код fetcher.
func errorCode(err error) fetcher.ErrorCode {
	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return fetcher.OtherError
	}

	switch kerr {
	case kafka.OffsetOutOfRange:
		return fetcher.OffsetOutOfRange
	case kafka.UnknownTopicOrPartition:
		return fetcher.UnknownTopicOrPartition
	case kafka.NotLeaderForPartition:
		return fetcher.NotLeaderForPartition
	default:
		return fetcher.OtherError
	}
}

func readBytes(b kafka.Bytes) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	defer b.Close()

	data, err := io.ReadAll(b)
	if err != nil {
		return nil, fmt.Errorf("чтение тела записи: %w", err)
	}
	return data, nil
}
