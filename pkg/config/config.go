// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию приложения.
type Config struct {
	App     AppConfig
	MySQL   MySQLConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Outbox  OutboxConfig
	Fetcher FetcherConfig
	Naming  NamingConfig
	Relay   RelayConfig
	Jaeger  JaegerConfig
	Metrics MetricsConfig
	Admin   AdminConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"msgrelay"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"msgrelay"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN возвращает строку подключения к MySQL.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis (хранилище offsets).
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки подключения к Kafka.
type KafkaConfig struct {
	Brokers      []string      `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	ClientID     string        `env:"KAFKA_CLIENT_ID" envDefault:"msgrelay"`
	BatchTimeout time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"10ms"`
	WriteTimeout time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"10s"`
	RequiredAcks int           `env:"KAFKA_REQUIRED_ACKS" envDefault:"-1"` // -1 - все реплики, 1 - лидер
	DialTimeout  time.Duration `env:"KAFKA_DIAL_TIMEOUT" envDefault:"10s"`

	// Circuit breaker на топик при отправке.
	BreakerMaxRequests  uint32        `env:"KAFKA_BREAKER_MAX_REQUESTS" envDefault:"1"`
	BreakerInterval     time.Duration `env:"KAFKA_BREAKER_INTERVAL" envDefault:"60s"`
	BreakerTimeout      time.Duration `env:"KAFKA_BREAKER_TIMEOUT" envDefault:"30s"`
	BreakerFailureRatio float64       `env:"KAFKA_BREAKER_FAILURE_RATIO" envDefault:"0.5"`
	BreakerMinRequests  uint32        `env:"KAFKA_BREAKER_MIN_REQUESTS" envDefault:"5"`
}

// OutboxConfig содержит настройки Outbox Drainer.
type OutboxConfig struct {
	Enabled     bool          `env:"OUTBOX_ENABLED" envDefault:"true"`
	Interval    time.Duration `env:"OUTBOX_INTERVAL" envDefault:"2s"`
	BatchSize   int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	SendTimeout time.Duration `env:"OUTBOX_SEND_TIMEOUT" envDefault:"10s"`
}

// FetcherConfig содержит настройки Partition Fetcher.
type FetcherConfig struct {
	FullLoadThreshold int           `env:"FETCHER_FULL_LOAD_THRESHOLD" envDefault:"1000"`
	MaxWait           time.Duration `env:"FETCHER_MAX_WAIT" envDefault:"500ms"`
	MinBytes          int           `env:"FETCHER_MIN_BYTES" envDefault:"1"`
	MaxBytes          int           `env:"FETCHER_MAX_BYTES" envDefault:"1048576"`
	Backoff           time.Duration `env:"FETCHER_BACKOFF" envDefault:"1s"`
	DeliveryInterval  time.Duration `env:"FETCHER_DELIVERY_INTERVAL" envDefault:"100ms"`
	ResetPolicy       string        `env:"FETCHER_RESET_POLICY" envDefault:"earliest"` // earliest | latest
	OffsetStore       string        `env:"FETCHER_OFFSET_STORE" envDefault:"redis"`    // redis | memory
}

// NamingConfig содержит настройки физических имён ресурсов брокера.
// Пустой NAMING_PREFIX - используется APP_ENV.
type NamingConfig struct {
	Prefix string `env:"NAMING_PREFIX"`
}

// RelayConfig содержит подписки процесса relay.
type RelayConfig struct {
	ConsumerID    string        `env:"RELAY_CONSUMER_ID"`
	Subscriptions Subscriptions `env:"RELAY_SUBSCRIPTIONS"`

	// PayloadTypes - JSON типы payload, известные relay: outbox проверяет
	// по ним записи перед отправкой, inbox передаёт их audit-обработчику.
	PayloadTypes []string `env:"RELAY_PAYLOAD_TYPES" envSeparator:","`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"true"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"` // OTLP gRPC порт
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"` // Включить metrics endpoint
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`    // Порт для /metrics
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AdminConfig содержит настройки admin API.
type AdminConfig struct {
	Enabled bool `env:"ADMIN_ENABLED" envDefault:"true"`
	Port    int  `env:"ADMIN_PORT" envDefault:"8081"`

	// JWTPublicKeyPath - публичный ключ для токенов операторов.
	// Пустой путь отключает авторизацию, что допустимо только в development.
	JWTPublicKeyPath string `env:"ADMIN_JWT_PUBLIC_KEY"`
	JWTIssuer        string `env:"ADMIN_JWT_ISSUER"`
}

// Addr возвращает адрес admin API.
func (c AdminConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// =============================================================================
// Подписки
// =============================================================================

// Subscription - подписка на партиции топика.
type Subscription struct {
	Name       string
	Topic      string
	Partitions []int
}

// Subscriptions - список подписок из RELAY_SUBSCRIPTIONS.
//
// Формат: "<подписка>:<топик>:<партиции>" через ";", партиции - номера
// через "," или диапазон через "-":
//
//	RELAY_SUBSCRIPTIONS="billing:orders:0-3;audit:orders:0,1"
type Subscriptions []Subscription

// UnmarshalText разбирает RELAY_SUBSCRIPTIONS.
func (s *Subscriptions) UnmarshalText(text []byte) error {
	var out Subscriptions

	for _, item := range strings.Split(string(text), ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return fmt.Errorf("подписка %q: ожидается <подписка>:<топик>:<партиции>", item)
		}

		name, topic := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if name == "" || topic == "" {
			return fmt.Errorf("подписка %q: пустое имя подписки или топика", item)
		}

		partitions, err := parsePartitions(parts[2])
		if err != nil {
			return fmt.Errorf("подписка %q: %w", item, err)
		}

		out = append(out, Subscription{Name: name, Topic: topic, Partitions: partitions})
	}

	*s = out
	return nil
}

func parsePartitions(raw string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)

	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		if from, to, ok := strings.Cut(token, "-"); ok {
			lo, err := strconv.Atoi(strings.TrimSpace(from))
			if err != nil {
				return nil, fmt.Errorf("некорректный диапазон %q", token)
			}
			hi, err := strconv.Atoi(strings.TrimSpace(to))
			if err != nil || hi < lo || lo < 0 {
				return nil, fmt.Errorf("некорректный диапазон %q", token)
			}
			for p := lo; p <= hi; p++ {
				add(p)
			}
			continue
		}

		p, err := strconv.Atoi(token)
		if err != nil || p < 0 {
			return nil, fmt.Errorf("некорректный номер партиции %q", token)
		}
		add(p)
	}

	if len(out) == 0 {
		return nil, errors.New("не указаны партиции")
	}
	return out, nil
}

// =============================================================================
// Загрузка
// =============================================================================

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	return parse()
}

// LoadFromFile загружает конфигурацию из указанного .env файла.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("ошибка загрузки .env файла %s: %w", path, err)
	}

	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS не задан"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE должен быть положительным"))
	}
	if c.Outbox.Interval <= 0 {
		errs = append(errs, errors.New("OUTBOX_INTERVAL должен быть положительным"))
	}
	switch c.Fetcher.ResetPolicy {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("FETCHER_RESET_POLICY: неизвестная политика %q", c.Fetcher.ResetPolicy))
	}
	if c.Admin.Enabled && c.Admin.JWTPublicKeyPath == "" && c.IsProduction() {
		errs = append(errs, errors.New("ADMIN_JWT_PUBLIC_KEY обязателен в production"))
	}
	seen := make(map[string]struct{}, len(c.Relay.PayloadTypes))
	for _, t := range c.Relay.PayloadTypes {
		if _, ok := seen[t]; ok {
			errs = append(errs, fmt.Errorf("RELAY_PAYLOAD_TYPES: тип %q указан дважды", t))
		}
		seen[t] = struct{}{}
	}
	switch c.Fetcher.OffsetStore {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("FETCHER_OFFSET_STORE: неизвестное хранилище %q", c.Fetcher.OffsetStore))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("некорректная конфигурация: %w", err)
	}
	return nil
}

// NamingPrefix возвращает префикс физических имён: NAMING_PREFIX или APP_ENV.
func (c *Config) NamingPrefix() string {
	if c.Naming.Prefix != "" {
		return c.Naming.Prefix
	}
	return c.App.Env
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
