package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/llm-spend-monitor/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP trigger server",
	Long: `Serve the scheduler endpoints (/api/cron/collect-costs once a day,
/api/cron/check-thresholds every few minutes), the report API, /healthz and
Prometheus /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "Listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	a, err := initApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	limiter, closeLimiter, err := initLimiter(cfg)
	if err != nil {
		return fmt.Errorf("init rate limiter: %w", err)
	}
	defer closeLimiter()

	api := server.NewServer(a.daily, a.poll, a.reports, server.Options{
		CronSecret: cfg.Server.CronSecret,
		Limiter:    limiter,
		Metrics:    a.metrics,
	}, a.logger)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("spend monitor started", "listen", cfg.Server.Listen, "storage", cfg.Storage.Driver)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-quit:
		a.logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
