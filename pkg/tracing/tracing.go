// Package tracing предоставляет distributed tracing через OpenTelemetry + Jaeger.
//
// Координатор inbox создаёт span "inbox.handle" на каждое входящее сообщение,
// admin API - span на каждый HTTP запрос (otelgin). Spans отправляются
// в Jaeger через OTLP gRPC.
//
// Использование:
//
//	shutdown, err := tracing.InitTracer(ctx, tracing.Config{
//	    ServiceName:    "msgrelay",
//	    JaegerEndpoint: "localhost:4317",
//	    Enabled:        true,
//	}, log)
//	if err != nil { ... }
//	defer shutdown(context.Background())
package tracing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config содержит настройки tracing.
type Config struct {
	ServiceName    string  // Имя сервиса (отображается в Jaeger UI)
	Environment    string  // Окружение (dev, prod-eu, ...)
	JaegerEndpoint string  // OTLP endpoint Jaeger (например "localhost:4317")
	Enabled        bool    // Включить tracing (false для тестов)
	SampleRatio    float64 // Доля записываемых trace; 0 или >=1 - все
}

// ShutdownFunc - функция для graceful shutdown трейсера.
type ShutdownFunc func(ctx context.Context) error

// InitTracer инициализирует OpenTelemetry с Jaeger exporter и устанавливает
// глобальные TracerProvider и propagator. Возвращает shutdown функцию.
func InitTracer(ctx context.Context, cfg Config, log zerolog.Logger) (ShutdownFunc, error) {
	log = log.With().Str("component", "tracing").Str("service", cfg.ServiceName).Logger()

	// Если tracing отключен - возвращаем no-op shutdown
	if !cfg.Enabled || cfg.JaegerEndpoint == "" {
		log.Info().Msg("Tracing отключен")
		return func(context.Context) error { return nil }, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(
		cfg.JaegerEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(initCtx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	res, err := NewResource(cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, // W3C Trace Context
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.JaegerEndpoint).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("Tracing инициализирован (Jaeger OTLP)")

	return func(ctx context.Context) error {
		log.Info().Msg("Завершение Tracing...")

		// Сначала flush spans, потом закрываем соединение
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Ошибка завершения TracerProvider")
			errs = append(errs, err)
		}
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия gRPC соединения к Jaeger")
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}, nil
}

// NewResource описывает сервис для Jaeger UI.
func NewResource(cfg Config) (*resource.Resource, error) {
	env := cfg.Environment
	if env == "" {
		env = "development"
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion("1.0.0"),
		semconv.DeploymentEnvironmentName(env),
	), nil
}

// Sampler возвращает sampler по доле записываемых trace.
// Дочерние spans следуют решению родителя.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
