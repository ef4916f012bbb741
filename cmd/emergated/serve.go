package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/auth"
	"github.com/pmlrun/gateway/internal/config"
	"github.com/pmlrun/gateway/internal/dispatch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP + MCP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	dispatch.Version, dispatch.Commit, dispatch.Date = Version, Commit, Date

	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := newApp(log, cfg)
	if err != nil {
		log.Error("failed to assemble gateway", zap.Error(err))
		return err
	}
	defer a.close()

	router := dispatch.NewRouter(dispatch.Deps{
		Log:             log,
		Bus:             a.bus,
		Graph:           a.graph,
		Auth:            a.authStore,
		AuthMode:        auth.Mode(cfg.Mode),
		SSE:             a.sse,
		Tools:           a.bridge,
		Capabilities:    a.capabilities,
		Dependencies:    a.dependencies,
		Approvals:       a.approvals,
		Metrics:         a.registry,
		RateLimiter:     a.rateLimiter,
		Audit:           a.audit,
		DashboardOrigin: cfg.DashboardOrigin,
		Domain:          cfg.Domain,
		LocalPort:       localPort(cfg.ListenAddr),
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sched := startMaintenance(log, a, cfg)
	defer func() { <-sched.Stop().Done() }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting gateway",
			zap.String("addr", cfg.ListenAddr),
			zap.String("mode", string(cfg.Mode)),
			zap.Bool("standalone", cfg.Standalone()),
			zap.String("version", Version),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
	}
	return nil
}

// startMaintenance schedules the three cron-driven sweeps: the Connection Pool's idle-connection expiry, the Algorithm
// Tracer's retention cleanup, and the Graph-Sync Controller's periodic
// full resync (a backstop against the event-triggered resync missing a
// write path). The Events Stream Manager's heartbeat is cadenced per
// connection inside sse.Manager.Serve instead of here, since it's relative
// to each client's subscription rather than a global tick.
func startMaintenance(log *zap.Logger, a *app, cfg config.Config) *cron.Cron {
	c := cron.New()

	_, _ = c.AddFunc("@every 1m", func() {
		closed := a.bridge.Pool().SweepIdle(5 * time.Minute)
		if closed > 0 {
			log.Debug("connection pool idle sweep", zap.Int("closed", closed))
		}
	})

	_, _ = c.AddFunc("@daily", func() {
		removed, err := a.tracer.Cleanup(cfg.TraceRetentionDays)
		if err != nil {
			log.Warn("trace cleanup failed", zap.Error(err))
			return
		}
		log.Info("trace retention cleanup", zap.Int("removed", removed), zap.Int("retention_days", cfg.TraceRetentionDays))
	})

	_, _ = c.AddFunc("@every 10m", func() {
		if err := a.graphSync.FullResync(); err != nil {
			log.Warn("periodic graph full resync failed", zap.Error(err))
		}
	})

	c.Start()
	return c
}

func loadConfigAndLogger() (config.Config, *zap.Logger, error) {
	var cfg config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.LoadFromEnv()
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}

	var log *zap.Logger
	if cfg.LogLevel == "debug" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func localPort(addr string) int {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			var port int
			if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err == nil {
				return port
			}
			break
		}
	}
	return 8080
}
