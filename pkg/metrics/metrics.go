// Package metrics предоставляет Prometheus метрики ретранслятора сообщений
// и HTTP server для /metrics, /healthz, /readyz.
//
// Типы метрик в Prometheus:
//   - Counter: только растёт (отправки, ошибки) - "сколько всего произошло"
//   - Histogram: распределение значений (latency) - "как быстро работает"
//   - Gauge: текущее значение (размер outbox) - "сколько сейчас"
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// =============================================================================
// Метрики Outbox Drainer
// =============================================================================

var (
	// DrainRecordsTotal - записи outbox по результату цикла.
	// PromQL пример: rate(outbox_drain_records_total{outcome="sent"}[5m])
	DrainRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_drain_records_total",
			Help: "Количество записей outbox по виду и результату (sent, failed, parked, quarantined, remove_failed)",
		},
		[]string{"kind", "outcome"},
	)

	// DrainCyclesTotal - циклы выгрузки, включая пропущенные из-за перекрытия.
	DrainCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_drain_cycles_total",
			Help: "Количество циклов выгрузки outbox по статусу (ok, error, skipped)",
		},
		[]string{"status"},
	)

	// OutboxBacklog - текущий размер очереди outbox.
	OutboxBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_backlog",
			Help: "Количество неотправленных записей outbox",
		},
		[]string{"kind"},
	)
)

// =============================================================================
// Метрики Transport
// =============================================================================

var (
	// SendDuration - время отправки сообщения в брокер.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transport_send_duration_seconds",
			Help:    "Время отправки сообщения в брокер в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"topic", "status"},
	)

	// BreakerState - состояние circuit breaker: 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transport_breaker_state",
			Help: "Состояние circuit breaker по топику (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// =============================================================================
// Метрики Partition Fetcher
// =============================================================================

var (
	// FetchIterationsTotal - итерации цикла выборки по результату.
	FetchIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_iterations_total",
			Help: "Количество итераций выборки (data, idle, error)",
		},
		[]string{"topic", "result"},
	)

	// FetchBytesTotal - прочитанные байты.
	FetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_bytes_total",
			Help: "Количество байт, прочитанных из брокера",
		},
		[]string{"topic"},
	)

	// PartitionErrorsTotal - ошибки уровня партиции по коду.
	PartitionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetcher_partition_errors_total",
			Help: "Ошибки выборки по партициям и коду ошибки",
		},
		[]string{"topic", "code"},
	)

	// BufferedMessages - сообщения в буфере, ожидающие обработки.
	BufferedMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fetcher_buffered_messages",
			Help: "Количество сообщений в буфере партиции",
		},
		[]string{"topic", "partition"},
	)
)

// =============================================================================
// Метрики Dispatch Coordinator
// =============================================================================

var (
	// InboxMessagesTotal - входящие сообщения по подписке и результату.
	InboxMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_messages_total",
			Help: "Количество входящих сообщений по подписке и результату (success, failed, duplicate)",
		},
		[]string{"subscription", "outcome"},
	)

	// HandlerDuration - время выполнения обработчика вместе с транзакцией.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_handler_duration_seconds",
			Help:    "Время обработки входящего сообщения в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subscription", "payload_type"},
	)
)

// =============================================================================
// Метрики HTTP (admin API)
// =============================================================================

var (
	// RequestsTotal - счётчик HTTP запросов.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration - гистограмма latency запросов.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Время выполнения запроса в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)
)

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker - функция проверки готовности сервиса.
// Возвращает nil если сервис готов принимать трафик, иначе - ошибку.
type ReadinessChecker func(ctx context.Context) error

// Server - HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	log            zerolog.Logger
	readinessCheck ReadinessChecker
}

// Option - функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz endpoint.
// Если checker возвращает ошибку - /readyz вернёт 503 Service Unavailable.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт новый metrics server.
func NewServer(addr, service string, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		service: service,
		log:     log.With().Str("component", "metrics").Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler возвращает http.Handler с /metrics, /health, /healthz, /readyz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// /healthz - liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	// /readyz - readiness probe, проверяет зависимости
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			// Не выводим детали ошибки наружу
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			s.log.Warn().Err(err).Str("service", s.service).Msg("Readiness check failed")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	return mux
}

// Start запускает HTTP сервер для метрик.
// Блокирующий вызов - запускать в горутине.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Вспомогательные функции для записи метрик
// =============================================================================

// RecordRequest записывает метрики HTTP запроса.
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
func GinMetricsMiddleware(service string) func(c *gin.Context) {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		RecordRequest(service, c.FullPath(), status, time.Since(start))
	}
}
