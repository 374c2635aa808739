package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/msgrelay/pkg/fetcher"
	"example.com/msgrelay/pkg/messaging"
)

// fakeKafkaAPI отвечает на Fetch по партициям.
type fakeKafkaAPI struct {
	mu       sync.Mutex
	fetch    map[int]func() (*kafka.FetchResponse, error)
	requests []kafka.FetchRequest
	offsets  *kafka.ListOffsetsResponse
	listReq  *kafka.ListOffsetsRequest
}

func (f *fakeKafkaAPI) Fetch(_ context.Context, req *kafka.FetchRequest) (*kafka.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	fn := f.fetch[req.Partition]
	f.mu.Unlock()
	return fn()
}

func (f *fakeKafkaAPI) ListOffsets(_ context.Context, req *kafka.ListOffsetsRequest) (*kafka.ListOffsetsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listReq = req
	return f.offsets, nil
}

func record(offset int64, key, value string, headers map[string]string) kafka.Record {
	var hs []kafka.Header
	for k, v := range headers {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Record{
		Offset:  offset,
		Time:    time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
		Key:     kafka.NewBytes([]byte(key)),
		Value:   kafka.NewBytes([]byte(value)),
		Headers: hs,
	}
}

func TestBrokerClient_Fetch(t *testing.T) {
	api := &fakeKafkaAPI{fetch: map[int]func() (*kafka.FetchResponse, error){
		0: func() (*kafka.FetchResponse, error) {
			return &kafka.FetchResponse{
				Topic:     "dev.orders",
				Partition: 0,
				Records: kafka.NewRecordReader(
					record(5, "order-1", `{"a":1}`, map[string]string{
						messaging.HeaderMessageID:   "msg-5",
						messaging.HeaderPayloadType: "order.created",
						"tenant":                    "acme",
					}),
					record(6, "order-2", `{"a":2}`, map[string]string{messaging.HeaderMessageID: "msg-6"}),
				),
			}, nil
		},
		1: func() (*kafka.FetchResponse, error) {
			return &kafka.FetchResponse{Topic: "dev.orders", Partition: 1, Error: kafka.UnknownTopicOrPartition}, nil
		},
		2: func() (*kafka.FetchResponse, error) {
			return &kafka.FetchResponse{Topic: "dev.orders", Partition: 2, Error: kafka.OffsetOutOfRange}, nil
		},
	}}
	b := &brokerClient{api: api}

	resp, err := b.Fetch(context.Background(), &fetcher.FetchRequest{
		CorrelationID: 17,
		MaxWait:       100 * time.Millisecond,
		MinBytes:      1,
		Partitions: []fetcher.PartitionRequest{
			{Topic: "dev.orders", Partition: 0, Offset: 5, MaxBytes: 1024},
			{Topic: "dev.orders", Partition: 1, Offset: 0, MaxBytes: 1024},
			{Topic: "dev.orders", Partition: 2, Offset: 99, MaxBytes: 1024},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, int32(17), resp.CorrelationID)
	require.Len(t, resp.Partitions, 3)

	p0 := resp.Partitions[0]
	assert.Equal(t, fetcher.NoError, p0.Code)
	require.Len(t, p0.Messages, 2)
	assert.Equal(t, "msg-5", p0.Messages[0].ID)
	assert.Equal(t, "order.created", p0.Messages[0].PayloadType)
	assert.Equal(t, "order-1", p0.Messages[0].Key)
	assert.Equal(t, "acme", p0.Messages[0].Headers["tenant"])
	assert.Equal(t, int64(5), p0.Messages[0].Offset)
	assert.Equal(t, 0, p0.Messages[0].Partition)
	assert.False(t, p0.Messages[0].CreatedAt.IsZero())
	assert.Equal(t, int64(len("order-1")+len(`{"a":1}`)+len("order-2")+len(`{"a":2}`)), p0.Bytes)

	assert.Equal(t, fetcher.UnknownTopicOrPartition, resp.Partitions[1].Code)
	assert.Equal(t, fetcher.OffsetOutOfRange, resp.Partitions[2].Code)

	api.mu.Lock()
	defer api.mu.Unlock()
	for _, r := range api.requests {
		assert.Equal(t, int64(1), r.MinBytes)
		assert.Equal(t, int64(1024), r.MaxBytes)
		assert.Equal(t, 100*time.Millisecond, r.MaxWait)
	}
}

func TestBrokerClient_Fetch_NetworkErrorFailsRequest(t *testing.T) {
	api := &fakeKafkaAPI{fetch: map[int]func() (*kafka.FetchResponse, error){
		0: func() (*kafka.FetchResponse, error) {
			return &kafka.FetchResponse{Topic: "orders", Partition: 0, Records: kafka.NewRecordReader()}, nil
		},
		1: func() (*kafka.FetchResponse, error) {
			return nil, errors.New("dial tcp 10.0.0.1:9092: connection refused")
		},
	}}
	b := &brokerClient{api: api}

	_, err := b.Fetch(context.Background(), &fetcher.FetchRequest{
		Partitions: []fetcher.PartitionRequest{
			{Topic: "orders", Partition: 0},
			{Topic: "orders", Partition: 1},
		},
	})

	assert.ErrorContains(t, err, "connection refused")
}

func TestBrokerClient_OffsetBefore(t *testing.T) {
	api := &fakeKafkaAPI{offsets: &kafka.ListOffsetsResponse{
		Topics: map[string][]kafka.PartitionOffsets{
			"orders": {{Partition: 2, FirstOffset: 100, LastOffset: 250}},
		},
	}}
	b := &brokerClient{api: api}

	tests := []struct {
		name string
		at   int64
		want int64
	}{
		{name: "earliest", at: fetcher.EarliestTime, want: 100},
		{name: "latest", at: fetcher.LatestTime, want: 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.OffsetBefore(context.Background(), "orders", 2, tt.at)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []kafka.OffsetRequest{{Partition: 2, Timestamp: tt.at}}, api.listReq.Topics["orders"])
		})
	}

	t.Run("партиция отсутствует", func(t *testing.T) {
		_, err := b.OffsetBefore(context.Background(), "orders", 9, fetcher.EarliestTime)
		assert.Error(t, err)
	})
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want fetcher.ErrorCode
	}{
		{kafka.OffsetOutOfRange, fetcher.OffsetOutOfRange},
		{kafka.UnknownTopicOrPartition, fetcher.UnknownTopicOrPartition},
		{kafka.NotLeaderForPartition, fetcher.NotLeaderForPartition},
		{kafka.InvalidMessage, fetcher.OtherError},
		{errors.New("boom"), fetcher.OtherError},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}
