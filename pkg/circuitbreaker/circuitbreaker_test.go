package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
)

func testSettings() Settings {
	return Settings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := NewWithSettings("orders", testSettings(), zerolog.Nop())
	brokerErr := errors.New("broker not available")

	for i := 0; i < 2; i++ {
		err := b.Execute(func() error { return brokerErr }, nil)
		assert.ErrorIs(t, err, brokerErr)
	}

	assert.Equal(t, gobreaker.StateOpen, b.State())

	called := false
	err := b.Execute(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "при открытом breaker функция не вызывается")
}

func TestBreaker_IgnoresNonCountableErrors(t *testing.T) {
	b := NewWithSettings("orders", testSettings(), zerolog.Nop())
	tooLarge := errors.New("message too large")

	for i := 0; i < 5; i++ {
		err := b.Execute(func() error { return tooLarge }, func(error) bool { return false })
		// Исходная ошибка возвращается вызывающему
		assert.ErrorIs(t, err, tooLarge)
	}

	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestRegistry_PerNameIsolation(t *testing.T) {
	r := NewRegistry(testSettings(), zerolog.Nop())
	brokerErr := errors.New("timeout")

	broken := r.Get("payments")
	for i := 0; i < 2; i++ {
		_ = broken.Execute(func() error { return brokerErr }, nil)
	}

	assert.Same(t, broken, r.Get("payments"))
	assert.Equal(t, gobreaker.StateOpen, r.Get("payments").State())
	assert.Equal(t, gobreaker.StateClosed, r.Get("orders").State())

	assert.Equal(t, map[string]string{"payments": "open", "orders": "closed"}, r.States())
}
