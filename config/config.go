/*
Package config loads server and CLI settings.

SOURCES (later wins):
 1. DefaultConfig()
 2. TOML file (optional; --config flag)
 3. .env in the working directory (optional; loaded into the process env)
 4. STARLEDGER_* environment variables

EXAMPLE FILE:

	[server]
	port = 8080
	cors_origins = ["http://localhost:3000"]

	[store]
	driver = "sqlite"
	path = "./data/stars.db"

	[ledger]
	max_attempts = 5
	retry_backoff = "5ms"
	audit_interval = "1h"

	[kafka]
	enabled = true
	brokers = ["localhost:9092"]
	topic = "star_ledger_events"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const EnvPrefix = "STARLEDGER_"

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Kafka   KafkaConfig   `toml:"kafka"`
	Metrics MetricsConfig `toml:"metrics"`
}

type ServerConfig struct {
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	ReadTimeout  Duration `toml:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout"`
	IdleTimeout  Duration `toml:"idle_timeout"`
	CORSOrigins  []string `toml:"cors_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StoreConfig struct {
	Driver string `toml:"driver"` // sqlite | postgres
	Path   string `toml:"path"`   // sqlite file, ":memory:" allowed
	DSN    string `toml:"dsn"`    // postgres
}

type LedgerConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	RetryBackoff    Duration `toml:"retry_backoff"`
	HistoryPageSize int      `toml:"history_page_size"`
	// AuditInterval is how often the server reconciles every account.
	// Zero disables the scheduler.
	AuditInterval Duration `toml:"audit_interval"`
	AutoRepair    bool     `toml:"auto_repair"`
}

type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Duration reads "250ms" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns settings for a single-household local install.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:         "",
			Port:         8080,
			ReadTimeout:  Duration{15 * time.Second},
			WriteTimeout: Duration{15 * time.Second},
			IdleTimeout:  Duration{60 * time.Second},
			CORSOrigins:  []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./stars.db",
		},
		Ledger: LedgerConfig{
			MaxAttempts:     5,
			RetryBackoff:    Duration{5 * time.Millisecond},
			HistoryPageSize: 100,
			AuditInterval:   Duration{time.Hour},
		},
		Kafka: KafkaConfig{
			Topic: "star_ledger_events",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds a Config from defaults, the optional TOML file at path, a
// .env file and the environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}
	flag := func(key string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
		return nil
	}

	str("HOST", &c.Server.Host)
	list("CORS_ORIGINS", &c.Server.CORSOrigins)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_DSN", &c.Store.DSN)
	list("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("KAFKA_TOPIC", &c.Kafka.Topic)

	return errors.Join(
		num("PORT", &c.Server.Port),
		num("MAX_ATTEMPTS", &c.Ledger.MaxAttempts),
		num("HISTORY_PAGE_SIZE", &c.Ledger.HistoryPageSize),
		dur("RETRY_BACKOFF", &c.Ledger.RetryBackoff),
		dur("AUDIT_INTERVAL", &c.Ledger.AuditInterval),
		flag("AUTO_REPAIR", &c.Ledger.AutoRepair),
		flag("KAFKA_ENABLED", &c.Kafka.Enabled),
		flag("METRICS_ENABLED", &c.Metrics.Enabled),
	)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite or postgres", c.Store.Driver))
	}
	if c.Ledger.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ledger.max_attempts must be at least 1, got %d", c.Ledger.MaxAttempts))
	}
	if c.Ledger.RetryBackoff.Duration < 0 {
		errs = append(errs, errors.New("ledger.retry_backoff must not be negative"))
	}
	if c.Ledger.AuditInterval.Duration < 0 {
		errs = append(errs, errors.New("ledger.audit_interval must not be negative"))
	}
	if c.Ledger.HistoryPageSize < 1 {
		errs = append(errs, fmt.Errorf("ledger.history_page_size must be at least 1, got %d", c.Ledger.HistoryPageSize))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
