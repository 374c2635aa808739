package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/msgrelay/pkg/inbox"
	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
)

func TestHandler(t *testing.T) {
	var buf bytes.Buffer
	h := Handler(zerolog.New(&buf))

	ctx := logger.WithTraceID(context.Background(), "trace-1")
	records, err := h(ctx, &messaging.Envelope{
		ID:          "m1",
		Destination: "orders",
		PayloadType: "order.created",
		Body:        []byte(`{"order_id":"o-1"}`),
		Saga:        &messaging.SagaInfo{SagaID: "saga-1", Step: "reserve"},
		Partition:   2,
		Offset:      17,
	})

	require.NoError(t, err)
	assert.Empty(t, records)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "m1", entry["message_id"])
	assert.Equal(t, "audit", entry["component"])
	assert.Equal(t, "trace-1", entry["trace_id"])
	assert.Equal(t, "saga-1", entry["saga_id"])
	assert.Equal(t, float64(17), entry["offset"])
	assert.Equal(t, map[string]any{"order_id": "o-1"}, entry["payload"])
}

func TestHandler_InvalidJSON(t *testing.T) {
	h := Handler(zerolog.Nop())

	_, err := h(context.Background(), &messaging.Envelope{ID: "m1", PayloadType: "order.created", Body: []byte("{oops")})

	assert.True(t, messaging.IsPoison(err))
}

func TestRegister(t *testing.T) {
	registry := inbox.NewHandlerRegistry()

	require.NoError(t, Register(registry, []string{"order.created", "payment.done"}, zerolog.Nop()))
	assert.Equal(t, []string{"order.created", "payment.done"}, registry.PayloadTypes())

	assert.ErrorIs(t, Register(registry, []string{"order.created"}, zerolog.Nop()), inbox.ErrDuplicateHandler)
}
