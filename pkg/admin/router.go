// Package admin - HTTP API оператора только для чтения: failed-маркеры inbox,
// размер очереди outbox и отложенные записи, состояние подписок и назначения партиций.
package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/msgrelay/pkg/fetcher"
	"example.com/msgrelay/pkg/kafka"
	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/metrics"
	"example.com/msgrelay/pkg/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// InboxReader возвращает failed-маркеры inbox.
type InboxReader interface {
	ListFailed(ctx context.Context, subscription string, limit int) ([]*store.InboxMarker, error)
}

// BacklogCounter возвращает размер очереди outbox.
type BacklogCounter interface {
	CountUnsent(ctx context.Context, kind messaging.Kind) (int64, error)
}

// FailedOutboxReader возвращает записи outbox, отложенные после неустранимой ошибки.
type FailedOutboxReader interface {
	ListFailedOutbound(ctx context.Context, limit int) ([]*store.OutboxRecord, error)
}

// TransportInspector - снимок подписок и circuit breaker'ов транспорта.
type TransportInspector interface {
	Subscriptions() []kafka.SubscriptionInfo
	BreakerStates() map[string]string
}

// Config - зависимости роутера.
type Config struct {
	Inbox      InboxReader
	Outbox     BacklogCounter
	Failed     FailedOutboxReader
	Transport  TransportInspector
	Assignment *fetcher.Assignment
	Handlers   func() []string // Зарегистрированные типы payload (опционально)
	Auth       TokenVerifier   // Без него API открыт (только для локальной разработки)
	Service    string
	Debug      bool
}

// ErrorResponse - стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FailedMarkerResponse - failed-маркер inbox.
type FailedMarkerResponse struct {
	MessageID     string `json:"message_id"`
	Subscription  string `json:"subscription"`
	HandledAt     string `json:"handled_at"`
	FailureDetail string `json:"failure_detail,omitempty"`
}

// FailedRecordResponse - отложенная запись outbox.
type FailedRecordResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PayloadType string `json:"payload_type"`
	Destination string `json:"destination"`
	CreatedAt   string `json:"created_at"`
	FailedAt    string `json:"failed_at"`
	LastError   string `json:"last_error,omitempty"`
}

// BacklogResponse - размер очереди outbox по видам сообщений.
type BacklogResponse struct {
	Commands int64 `json:"commands"`
	Events   int64 `json:"events"`
}

// FetchersResponse - состояние подписок и назначений партиций.
type FetchersResponse struct {
	Subscriptions []kafka.SubscriptionInfo `json:"subscriptions"`
	Owners        []fetcher.Owner          `json:"owners"`
	Orphaned      []fetcher.TopicPartition `json:"orphaned"`
	Breakers      map[string]string        `json:"breakers"`
	Handlers      []string                 `json:"handlers,omitempty"`
}

type handler struct {
	cfg Config
	log zerolog.Logger
}

// NewRouter создаёт gin.Engine admin API.
func NewRouter(cfg Config, log zerolog.Logger) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Service == "" {
		cfg.Service = "msgrelay-admin"
	}
	log = logger.Component(log, "admin")

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(NoStore())
	engine.Use(otelgin.Middleware(cfg.Service))
	engine.Use(metrics.GinMetricsMiddleware(cfg.Service))
	engine.Use(RequestTracing(log))

	h := &handler{cfg: cfg, log: log}

	api := engine.Group("/")
	if cfg.Auth != nil {
		api.Use(RequireOperator(cfg.Auth, log))
	}

	api.GET("/inbox/failed", h.listFailed)
	api.GET("/outbox/backlog", h.backlog)
	api.GET("/outbox/failed", h.listFailedOutbound)
	api.GET("/fetchers", h.fetchers)

	return engine
}

func (h *handler) listFailed(c *gin.Context) {
	if h.cfg.Inbox == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "not_configured", Message: "Хранилище inbox не подключено"})
		return
	}

	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	markers, err := h.cfg.Inbox.ListFailed(c.Request.Context(), c.Query("subscription"), limit)
	if err != nil {
		h.internalError(c, err, "list_failed")
		return
	}

	resp := make([]FailedMarkerResponse, 0, len(markers))
	for _, m := range markers {
		item := FailedMarkerResponse{
			MessageID:    m.MessageID,
			Subscription: m.Subscription,
			HandledAt:    m.HandledAt.UTC().Format(time.RFC3339),
		}
		if m.FailureDetail != nil {
			item.FailureDetail = *m.FailureDetail
		}
		resp = append(resp, item)
	}

	c.JSON(http.StatusOK, gin.H{"markers": resp})
}

// queryLimit разбирает ?limit; при ошибке отвечает 400.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_argument", Message: "limit должен быть положительным числом"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func (h *handler) listFailedOutbound(c *gin.Context) {
	if h.cfg.Failed == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "not_configured", Message: "Хранилище outbox не подключено"})
		return
	}

	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	records, err := h.cfg.Failed.ListFailedOutbound(c.Request.Context(), limit)
	if err != nil {
		h.internalError(c, err, "list_failed_outbound")
		return
	}

	resp := make([]FailedRecordResponse, 0, len(records))
	for _, r := range records {
		item := FailedRecordResponse{
			ID:          r.ID,
			Kind:        string(r.Kind),
			PayloadType: r.PayloadType,
			Destination: r.Destination,
			CreatedAt:   r.CreatedAt.UTC().Format(time.RFC3339),
			LastError:   r.LastError,
		}
		if r.FailedAt != nil {
			item.FailedAt = r.FailedAt.UTC().Format(time.RFC3339)
		}
		resp = append(resp, item)
	}

	c.JSON(http.StatusOK, gin.H{"records": resp})
}

func (h *handler) backlog(c *gin.Context) {
	if h.cfg.Outbox == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "not_configured", Message: "Хранилище outbox не подключено"})
		return
	}

	ctx := c.Request.Context()

	commands, err := h.cfg.Outbox.CountUnsent(ctx, messaging.KindCommand)
	if err != nil {
		h.internalError(c, err, "count_unsent")
		return
	}
	events, err := h.cfg.Outbox.CountUnsent(ctx, messaging.KindEvent)
	if err != nil {
		h.internalError(c, err, "count_unsent")
		return
	}

	c.JSON(http.StatusOK, BacklogResponse{Commands: commands, Events: events})
}

func (h *handler) fetchers(c *gin.Context) {
	resp := FetchersResponse{
		Subscriptions: []kafka.SubscriptionInfo{},
		Owners:        []fetcher.Owner{},
		Orphaned:      []fetcher.TopicPartition{},
		Breakers:      map[string]string{},
	}

	if h.cfg.Transport != nil {
		resp.Subscriptions = h.cfg.Transport.Subscriptions()
		resp.Breakers = h.cfg.Transport.BreakerStates()
	}
	if h.cfg.Assignment != nil {
		resp.Owners = h.cfg.Assignment.Owners()
		resp.Orphaned = h.cfg.Assignment.Orphaned()
	}
	if h.cfg.Handlers != nil {
		resp.Handlers = h.cfg.Handlers()
	}

	c.JSON(http.StatusOK, resp)
}

func (h *handler) internalError(c *gin.Context, err error, op string) {
	log := logger.FromContext(c.Request.Context(), h.log)
	log.Error().Err(err).Str("op", op).Msg("Ошибка admin API")
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Внутренняя ошибка сервера",
	})
}
