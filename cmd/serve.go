package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/flowcoord/flowcoord/config"
	"github.com/flowcoord/flowcoord/flow"
	"github.com/flowcoord/flowcoord/flow/emit"
	"github.com/flowcoord/flowcoord/flow/stats"
	"github.com/flowcoord/flowcoord/flow/store"
	"github.com/flowcoord/flowcoord/logging"
	"github.com/flowcoord/flowcoord/server"
	"github.com/flowcoord/flowcoord/supervisor"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

// openStore selects the store backend from configuration.
func openStore(cfg config.DatabaseConfig) (flow.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "mysql":
		return store.NewMySQLStore(cfg.DSN)
	case "memory":
		return store.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Log)

	st, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	metrics := flow.NewMetrics(registry)

	engine, err := flow.New(st,
		flow.WithLogger(logger),
		flow.WithMetrics(metrics),
		flow.WithEmitter(emit.NewLogEmitter(logger.Writer(), false)),
		flow.WithReporter(server.NewHTMLReporter(cfg.Server.ReportsDir)),
		flow.WithSensitivity(stats.ParseSensitivity(cfg.Engine.Sensitivity)),
		flow.WithSimulation(cfg.Engine.Simulation),
	)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	clients, err := supervisor.LoadClients(cfg.Server.ClientsFile)
	if err != nil {
		return err
	}
	sup := supervisor.New(clients, logger)

	handler := server.New(engine, st, sup, server.Options{
		ReportsDir: cfg.Server.ReportsDir,
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("flowcoord listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = engine.Close()
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	// Shutdown order: drain HTTP first so no new updates arrive, then the
	// worker process, then the engine loops, and the store last (deferred).
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	if err := sup.Stop(); err != nil {
		logger.WithError(err).Warn("client stop failed")
	}
	if err := engine.Close(); err != nil {
		logger.WithError(err).Warn("engine close failed")
	}
	logger.Info("shutdown complete")
	return nil
}
