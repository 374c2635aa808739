package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestServer_Probes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		opts       []Option
		wantStatus int
		wantBody   string
	}{
		{name: "liveness", path: "/healthz", wantStatus: http.StatusOK, wantBody: `{"status":"alive"}`},
		{name: "readiness без проверки", path: "/readyz", wantStatus: http.StatusOK, wantBody: `{"status":"ready"}`},
		{
			name: "readiness с ошибкой зависимости",
			path: "/readyz",
			opts: []Option{WithReadinessCheck(func(ctx context.Context) error {
				return errors.New("mysql недоступен")
			})},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"not_ready"}`,
		},
		{
			name: "readiness с успешной проверкой",
			path: "/readyz",
			opts: []Option{WithReadinessCheck(func(ctx context.Context) error {
				return nil
			})},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ready"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", "relay", zerolog.Nop(), tt.opts...)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestGinMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(GinMetricsMiddleware("metrics-test"))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("metrics-test", "/ok", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("metrics-test", "/fail", "error")))
}
