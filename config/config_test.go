package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "starledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.Ledger.RetryBackoff.Duration)
	assert.False(t, cfg.Kafka.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
[server]
port = 9090
cors_origins = ["https://stars.example"]

[store]
driver = "sqlite"
path = ":memory:"

[ledger]
max_attempts = 8
retry_backoff = "20ms"

[kafka]
enabled = true
brokers = ["kafka-1:9092", "kafka-2:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr())
	assert.Equal(t, []string{"https://stars.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, ":memory:", cfg.Store.Path)
	assert.Equal(t, 8, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Ledger.RetryBackoff.Duration)
	assert.Equal(t, 100, cfg.Ledger.HistoryPageSize, "unset keys keep defaults")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "star_ledger_events", cfg.Kafka.Topic)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "[server]\nport = 9090\n")
	t.Setenv("STARLEDGER_PORT", "7070")
	t.Setenv("STARLEDGER_STORE_DRIVER", "postgres")
	t.Setenv("STARLEDGER_STORE_DSN", "postgres://localhost/stars")
	t.Setenv("STARLEDGER_KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("STARLEDGER_RETRY_BACKOFF", "1ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/stars", cfg.Store.DSN)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Millisecond, cfg.Ledger.RetryBackoff.Duration)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeFile(t, "[ledger]\nretry_backoff = \"soon\"\n"))
		assert.Error(t, err)
	})

	t.Run("bad env number", func(t *testing.T) {
		t.Setenv("STARLEDGER_MAX_ATTEMPTS", "many")
		_, err := Load("")
		assert.ErrorContains(t, err, "STARLEDGER_MAX_ATTEMPTS")
	})
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Store.Driver = "mysql"
	cfg.Ledger.MaxAttempts = 0
	cfg.Kafka.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "server.port")
	assert.ErrorContains(t, err, "store.driver")
	assert.ErrorContains(t, err, "ledger.max_attempts")
	assert.ErrorContains(t, err, "kafka.brokers")
}
