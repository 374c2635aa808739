// Package circuitbreaker предоставляет Circuit Breaker для защиты от каскадных сбоев.
// Используется транспортом при отправке в брокер: отдельный breaker на каждый топик,
// поэтому сломанный топик не блокирует остальные.
//
// Состояния Circuit Breaker:
//   - Closed: нормальная работа, запросы проходят
//   - Open: брокер/топик недоступен, запросы отклоняются мгновенно (без ожидания timeout)
//   - Half-Open: пробный период, пропускаем часть запросов для проверки восстановления
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"example.com/msgrelay/pkg/metrics"
)

// ErrOpen - breaker открыт или в half-open исчерпан лимит пробных запросов.
var ErrOpen = errors.New("circuit breaker открыт")

// Settings - настройки Circuit Breaker.
type Settings struct {
	MaxRequests  uint32        // Макс. запросов в Half-Open состоянии (по умолчанию 1)
	Interval     time.Duration // Интервал сброса счётчика в Closed (по умолчанию 60s)
	Timeout      time.Duration // Время в Open до перехода в Half-Open (по умолчанию 30s)
	FailureRatio float64       // Доля ошибок для перехода в Open (по умолчанию 0.5)
	MinRequests  uint32        // Мин. запросов для расчёта ratio (по умолчанию 5)
}

// DefaultSettings возвращает настройки по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Breaker - обёртка над gobreaker с логированием и метрикой состояния.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[struct{}]
	name string
}

// New создаёт новый Circuit Breaker с настройками по умолчанию.
func New(name string, log zerolog.Logger) *Breaker {
	return NewWithSettings(name, DefaultSettings(), log)
}

// NewWithSettings создаёт Circuit Breaker с пользовательскими настройками.
func NewWithSettings(name string, s Settings, log zerolog.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,

		// Открываем если доля ошибок >= FailureRatio и было >= MinRequests запросов.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))

			l := log.With().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Logger()

			switch to {
			case gobreaker.StateOpen:
				l.Warn().Msg("Circuit Breaker ОТКРЫТ - топик недоступен")
			case gobreaker.StateHalfOpen:
				l.Info().Msg("Circuit Breaker ПОЛУОТКРЫТ - пробуем восстановить")
			case gobreaker.StateClosed:
				l.Info().Msg("Circuit Breaker ЗАКРЫТ - топик восстановлен")
			}
		},
	})

	return &Breaker{cb: cb, name: name}
}

// State возвращает текущее состояние breaker.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name возвращает имя breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Execute выполняет fn через breaker. countable решает, учитывается ли ошибка
// как сбой: ошибки данных (слишком большое сообщение) не должны открывать breaker.
// Если breaker открыт, fn не вызывается и возвращается ErrOpen.
func (b *Breaker) Execute(fn func() error, countable func(error) bool) error {
	var callErr error

	_, cbErr := b.cb.Execute(func() (struct{}, error) {
		callErr = fn()
		if callErr != nil && (countable == nil || countable(callErr)) {
			return struct{}{}, callErr
		}
		return struct{}{}, nil
	})

	if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return callErr
}

// Registry - набор breaker'ов по имени, создаются по требованию.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	log      zerolog.Logger
	breakers map[string]*Breaker
}

// NewRegistry создаёт реестр breaker'ов с общими настройками.
func NewRegistry(s Settings, log zerolog.Logger) *Registry {
	return &Registry{
		settings: s,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// Get возвращает breaker по имени, создавая его при первом обращении.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewWithSettings(name, r.settings, r.log)
		r.breakers[name] = b
	}
	return b
}

// States возвращает снимок состояний всех breaker'ов.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
