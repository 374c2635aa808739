package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("RELAY_SUBSCRIPTIONS", "")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, -1, cfg.Kafka.RequiredAcks)
	assert.Equal(t, 2*time.Second, cfg.Outbox.Interval)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 1000, cfg.Fetcher.FullLoadThreshold)
	assert.Equal(t, "earliest", cfg.Fetcher.ResetPolicy)
	assert.Equal(t, ":9090", cfg.Metrics.Addr())
	assert.Equal(t, ":8081", cfg.Admin.Addr())
	assert.Equal(t, "dev", cfg.NamingPrefix())
	assert.Empty(t, cfg.Relay.Subscriptions)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("NAMING_PREFIX", "prod-eu")
	t.Setenv("FETCHER_RESET_POLICY", "latest")
	t.Setenv("RELAY_SUBSCRIPTIONS", "billing:orders:0-2;audit:orders:0,1")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "prod-eu", cfg.NamingPrefix())
	assert.Equal(t, "latest", cfg.Fetcher.ResetPolicy)
	assert.Equal(t, Subscriptions{
		{Name: "billing", Topic: "orders", Partitions: []int{0, 1, 2}},
		{Name: "audit", Topic: "orders", Partitions: []int{0, 1}},
	}, cfg.Relay.Subscriptions)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "неизвестная политика сброса", key: "FETCHER_RESET_POLICY", value: "middle"},
		{name: "неизвестное хранилище offsets", key: "FETCHER_OFFSET_STORE", value: "etcd"},
		{name: "нулевой размер пачки", key: "OUTBOX_BATCH_SIZE", value: "0"},
		{name: "некорректная длительность", key: "OUTBOX_INTERVAL", value: "soon"},
		{name: "некорректные подписки", key: "RELAY_SUBSCRIPTIONS", value: "billing:orders"},
		{name: "повторный тип payload", key: "RELAY_PAYLOAD_TYPES", value: "order.created,order.created"},
		{name: "production без ключа admin API", key: "APP_ENV", value: "production"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()

			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OUTBOX_BATCH_SIZE=25\nADMIN_PORT=18081\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("OUTBOX_BATCH_SIZE")
		os.Unsetenv("ADMIN_PORT")
	})

	cfg, err := LoadFromFile(path)

	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, ":18081", cfg.Admin.Addr())

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestSubscriptions_UnmarshalText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Subscriptions
		wantErr bool
	}{
		{
			name:  "одна подписка",
			input: "billing:orders:3",
			want:  Subscriptions{{Name: "billing", Topic: "orders", Partitions: []int{3}}},
		},
		{
			name:  "пробелы и повторы",
			input: " billing : orders : 0-1, 1, 4 ; ",
			want:  Subscriptions{{Name: "billing", Topic: "orders", Partitions: []int{0, 1, 4}}},
		},
		{name: "пустая строка", input: ""},
		{name: "нет партиций", input: "billing:orders:", wantErr: true},
		{name: "обратный диапазон", input: "billing:orders:3-1", wantErr: true},
		{name: "отрицательная партиция", input: "billing:orders:-1", wantErr: true},
		{name: "нет топика", input: "billing::0", wantErr: true},
		{name: "лишние части", input: "a:b:0:1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Subscriptions
			err := got.UnmarshalText([]byte(tt.input))

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMySQLConfig_DSN(t *testing.T) {
	cfg := MySQLConfig{User: "relay", Password: "secret", Host: "db", Port: 3307, Database: "msgrelay"}

	assert.Equal(t, "relay:secret@tcp(db:3307)/msgrelay?charset=utf8mb4&parseTime=True&loc=UTC", cfg.DSN())
}
