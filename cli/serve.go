/*
serve.go - HTTP server command

STARTUP SEQUENCE:
  1. Load configuration (file, .env, environment)
  2. Open the store (sqlite or postgres) and wire the coordinator
  3. Start the reconciliation scheduler
  4. Configure HTTP router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, flush the Kafka writer, close the database
  4. Exit

EXAMPLES:
  # Run with file database
  starledger serve --config ./starledger.toml

  # Run with in-memory database
  STARLEDGER_STORE_PATH=":memory:" starledger serve

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
*/
package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/warp/star-ledger/api"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "HTTP server port (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	a, err := newApp(cfg, appOptions{registerer: prometheus.DefaultRegisterer, publish: true})
	if err != nil {
		return err
	}
	defer a.Close()

	// Initialize handler
	handler := api.NewHandler(a.coord, a.catalog)
	handler.PageSize = cfg.Ledger.HistoryPageSize
	handler.Health = a.store.Ping

	scheduler := api.NewReconciliationScheduler(a.coord, a.catalog)
	scheduler.Logger = a.logger
	scheduler.AutoRepair = cfg.Ledger.AutoRepair
	scheduler.Enabled = cfg.Ledger.AuditInterval.Duration > 0
	if scheduler.Enabled {
		scheduler.CheckInterval = cfg.Ledger.AuditInterval.Duration
	}
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	routerOpts := api.RouterOptions{CORSOrigins: cfg.Server.CORSOrigins}
	if a.metrics != nil {
		routerOpts.Metrics = promhttp.Handler()
	}

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, routerOpts),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Printf("Server starting on %s (store: %s)", server.Addr, cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	a.logger.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	a.logger.Println("Server stopped")
	return nil
}
