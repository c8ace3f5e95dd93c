package cli

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/config"
	"github.com/warp/star-ledger/events/kafka"
	"github.com/warp/star-ledger/ledger"
	"github.com/warp/star-ledger/metrics"
	"github.com/warp/star-ledger/store/postgres"
	"github.com/warp/star-ledger/store/sqlite"
)

// backend is what both SQL stores provide.
type backend interface {
	ledger.TxStore
	catalog.Store
	Ping(ctx context.Context) error
	Close() error
}

// app is the wired object graph shared by serve and the one-shot commands.
type app struct {
	cfg       config.Config
	logger    *log.Logger
	store     backend
	coord     *ledger.Coordinator
	catalog   *catalog.Service
	metrics   *metrics.Ledger
	publisher *kafka.Publisher
}

type appOptions struct {
	// registerer enables the Prometheus recorder when non-nil.
	registerer prometheus.Registerer
	// publish enables the Kafka publisher when configured.
	publish bool
}

func openStore(cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.New(cfg.Path)
	case "postgres":
		return postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newApp(cfg config.Config, opts appOptions) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = store

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(a.logger),
		ledger.WithMaxAttempts(cfg.Ledger.MaxAttempts),
		ledger.WithRetryBackoff(cfg.Ledger.RetryBackoff.Duration),
		ledger.WithHistoryPageSize(cfg.Ledger.HistoryPageSize),
	}
	if opts.registerer != nil && cfg.Metrics.Enabled {
		a.metrics = metrics.New(opts.registerer)
		ledgerOpts = append(ledgerOpts, ledger.WithRecorder(a.metrics))
	}
	if opts.publish && cfg.Kafka.Enabled {
		a.publisher = kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		ledgerOpts = append(ledgerOpts, ledger.WithPublisher(a.publisher))
	}

	a.coord = ledger.NewCoordinator(store, ledgerOpts...)
	a.catalog = catalog.NewService(store, a.coord, a.logger)
	return a, nil
}

func (a *app) Close() error {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Printf("kafka: close: %v", err)
		}
	}
	return a.store.Close()
}
