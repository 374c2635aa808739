// Relay - процесс надёжной доставки сообщений.
// Выгружает outbox в Kafka (at-least-once) и читает подписки из RELAY_SUBSCRIPTIONS,
// обрабатывая каждое сообщение не более одного раза на подписку через inbox.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"example.com/msgrelay/pkg/admin"
	"example.com/msgrelay/pkg/circuitbreaker"
	"example.com/msgrelay/pkg/config"
	dbpkg "example.com/msgrelay/pkg/db"
	"example.com/msgrelay/pkg/fetcher"
	"example.com/msgrelay/pkg/healthcheck"
	"example.com/msgrelay/pkg/inbox"
	"example.com/msgrelay/pkg/jwt"
	"example.com/msgrelay/pkg/kafka"
	"example.com/msgrelay/pkg/logger"
	"example.com/msgrelay/pkg/messaging"
	"example.com/msgrelay/pkg/metrics"
	"example.com/msgrelay/pkg/naming"
	"example.com/msgrelay/pkg/offsets"
	"example.com/msgrelay/pkg/outbox"
	"example.com/msgrelay/pkg/store"
	"example.com/msgrelay/pkg/tracing"
	"example.com/msgrelay/services/relay/internal/audit"
)

func main() {
	envFile := flag.String("env", "", "путь к .env файлу")
	migrate := flag.Bool("migrate", false, "создать таблицы outbox/inbox и выйти")
	flag.Parse()

	// Загружаем конфигурацию
	cfg, err := loadConfig(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:   cfg.App.LogLevel,
		Pretty:  cfg.App.LogPretty,
		Service: cfg.App.Name,
	})

	log.Info().
		Str("env", cfg.App.Env).
		Str("prefix", cfg.NamingPrefix()).
		Int("subscriptions", len(cfg.Relay.Subscriptions)).
		Msg("Запуск Relay")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(context.Background(), tracing.Config{
		ServiceName:    cfg.App.Name,
		Environment:    cfg.App.Env,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := dbpkg.ConnectMySQL(connectCtx, cfg.MySQL, cfg.IsDevelopment(), log)
	connectCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}

	if *migrate {
		if err := store.AutoMigrate(context.Background(), db); err != nil {
			log.Fatal().Err(err).Msg("Ошибка миграции")
		}
		log.Info().Msg("Миграция выполнена")
		_ = dbpkg.CloseMySQL(db)
		return
	}

	checks := []func(context.Context) error{
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
		func(ctx context.Context) error { return healthcheck.CheckKafka(ctx, cfg.Kafka.Brokers) },
	}

	var rdb *redis.Client
	var offsetStore fetcher.OffsetStore
	switch cfg.Fetcher.OffsetStore {
	case "memory":
		log.Warn().Msg("Offsets хранятся в памяти и теряются при перезапуске")
		offsetStore = offsets.NewMemoryStore()
	default:
		connectCtx, connectCancel = context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err = dbpkg.ConnectRedis(connectCtx, cfg.Redis, log)
		connectCancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
		}
		offsetStore = offsets.NewRedisStore(rdb)
		checks = append(checks, func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) })
	}

	// ReadinessChecker для /readyz
	readinessCheck := healthcheck.Composite(checks...)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var serversWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			cfg.App.Name,
			log,
			metrics.WithReadinessCheck(readinessCheck),
		)
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Транспорт ===

	names := naming.New(cfg.NamingPrefix())
	transport := kafka.NewTransport(kafkaConfig(cfg), names, offsetStore, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Ошибка запуска Kafka транспорта")
	}

	msgStore := store.New(db)

	var workersWg sync.WaitGroup

	// === Outbox ===

	if cfg.Outbox.Enabled {
		drainer := outbox.NewDrainer(msgStore, transport, payloadDecoder(cfg.Relay.PayloadTypes), outbox.Config{
			Interval:    cfg.Outbox.Interval,
			BatchSize:   cfg.Outbox.BatchSize,
			SendTimeout: cfg.Outbox.SendTimeout,
		}, log)

		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в Outbox Drainer")
				}
			}()
			drainer.Run(ctx)
		}()
	} else {
		log.Warn().Msg("Outbox Drainer отключён")
	}

	// === Inbox ===

	handlers := inbox.NewHandlerRegistry()
	if err := audit.Register(handlers, cfg.Relay.PayloadTypes, log); err != nil {
		log.Fatal().Err(err).Msg("Ошибка регистрации обработчиков")
	}
	coordinator := inbox.NewCoordinator(msgStore, handlers, log)
	assignment := fetcher.NewAssignment()

	resetPolicy, err := fetcher.ParseResetPolicy(cfg.Fetcher.ResetPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Некорректная политика сброса offsets")
	}

	for _, sub := range cfg.Relay.Subscriptions {
		if err := subscribe(ctx, transport, coordinator, assignment, sub, cfg, resetPolicy, log); err != nil {
			log.Fatal().Err(err).Str("subscription", sub.Name).Msg("Ошибка подписки")
		}
	}

	// === Admin API ===

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		auth, err := adminAuth(cfg.Admin, rdb)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка настройки авторизации admin API")
		}
		if auth == nil {
			log.Warn().Msg("Admin API запущен без авторизации")
		}

		adminServer = admin.NewServer(cfg.Admin.Addr(), admin.Config{
			Inbox:      msgStore,
			Outbox:     msgStore,
			Failed:     msgStore,
			Transport:  transport,
			Assignment: assignment,
			Handlers:   handlers.PayloadTypes,
			Auth:       auth,
			Service:    cfg.App.Name,
			Debug:      cfg.IsDevelopment(),
		}, log)
		serversWg.Add(1)
		go func() {
			defer serversWg.Done()
			if err := adminServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Admin API")
			}
		}()
	}

	log.Info().Msg("Relay запущен")

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем relay...")

	// Отменяем контекст: Drainer завершает текущий цикл
	cancel()
	workersWg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Останавливаем fetcher'ы и закрываем writer
	if err := transport.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки Kafka транспорта")
	}

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Admin API")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
	}
	serversWg.Wait()

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}
	if err := dbpkg.CloseMySQL(db); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия MySQL")
	}

	// Останавливаем Tracing
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Relay остановлен")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// adminAuth создаёт проверку токенов операторов. Отзыв токенов
// проверяется в Redis, если он подключён.
func adminAuth(cfg config.AdminConfig, rdb *redis.Client) (admin.TokenVerifier, error) {
	if cfg.JWTPublicKeyPath == "" {
		return nil, nil
	}

	var revoked jwt.RevocationChecker
	if rdb != nil {
		revoked = jwt.NewRevocations(rdb)
	}
	return jwt.NewVerifier(jwt.Config{
		PublicKeyPath: cfg.JWTPublicKeyPath,
		Issuer:        cfg.JWTIssuer,
	}, revoked)
}

func kafkaConfig(cfg *config.Config) kafka.Config {
	kc := kafka.DefaultConfig(cfg.Kafka.Brokers...)
	kc.ClientID = cfg.Kafka.ClientID
	kc.BatchTimeout = cfg.Kafka.BatchTimeout
	kc.WriteTimeout = cfg.Kafka.WriteTimeout
	kc.RequiredAcks = cfg.Kafka.RequiredAcks
	kc.DialTimeout = cfg.Kafka.DialTimeout
	kc.Breaker = circuitbreaker.Settings{
		MaxRequests:  cfg.Kafka.BreakerMaxRequests,
		Interval:     cfg.Kafka.BreakerInterval,
		Timeout:      cfg.Kafka.BreakerTimeout,
		FailureRatio: cfg.Kafka.BreakerFailureRatio,
		MinRequests:  cfg.Kafka.BreakerMinRequests,
	}
	return kc
}

// payloadDecoder возвращает реестр JSON типов payload.
// Без типов проверка payload перед отправкой не выполняется.
func payloadDecoder(payloadTypes []string) outbox.Decoder {
	if len(payloadTypes) == 0 {
		return nil
	}

	registry := messaging.NewTypeRegistry()
	for _, t := range payloadTypes {
		registry.MustRegister(t, messaging.JSONDecoder[json.RawMessage]())
	}
	return registry
}

func subscribe(
	ctx context.Context,
	transport *kafka.Transport,
	coordinator *inbox.Coordinator,
	assignment *fetcher.Assignment,
	sub config.Subscription,
	cfg *config.Config,
	resetPolicy fetcher.ResetPolicy,
	log zerolog.Logger,
) error {
	name := sub.Name
	// Физическое имя подписки - ключ inbox; известно до первой пачки.
	var inboxKey string

	_, err := transport.Subscribe(ctx, kafka.SubscribeOptions{
		Topic:        sub.Topic,
		Subscription: name,
		ConsumerID:   cfg.Relay.ConsumerID,
		Partitions:   sub.Partitions,
		OnBatch: func(ctx context.Context, partition int, msgs []*messaging.Envelope) error {
			res, err := coordinator.HandleBatch(ctx, inboxKey, msgs)
			if err != nil {
				return err
			}
			if res.Failed > 0 || res.Invalid > 0 {
				log.Warn().
					Str("subscription", name).
					Int("partition", partition).
					Int("failed", res.Failed).
					Int("invalid", res.Invalid).
					Msg("Часть сообщений не обработана")
			}
			return nil
		},
		OnAssign: func(target kafka.SubscriptionTarget) {
			inboxKey = target.Subscription
			assignment.Assign(target.Topic, target.Partitions, target.ConsumerID)
		},
		OnPartitionError: func(topic string, partition int, err error) {
			owner, _ := assignment.Release(topic, partition, err)
			log.Error().
				Err(err).
				Str("topic", topic).
				Int("partition", partition).
				Str("consumer_id", owner).
				Msg("Партиция снята с fetcher'а, требуется переназначение")
		},
		FullLoadThreshold: cfg.Fetcher.FullLoadThreshold,
		PollInterval:      cfg.Fetcher.Backoff,
		MaxWait:           cfg.Fetcher.MaxWait,
		MinBytes:          cfg.Fetcher.MinBytes,
		MaxBytes:          cfg.Fetcher.MaxBytes,
		DeliveryInterval:  cfg.Fetcher.DeliveryInterval,
		ResetPolicy:       resetPolicy,
	})
	if err != nil {
		if errors.Is(err, kafka.ErrAlreadySubscribed) {
			return fmt.Errorf("подписка %s на %s указана дважды: %w", name, sub.Topic, err)
		}
		return err
	}
	return nil
}
