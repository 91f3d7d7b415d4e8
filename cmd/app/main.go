package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"exec_core/internal/app"
	"exec_core/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: resolved like configs/config.yaml)")
	flag.Parse()

	// 1. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		_ = bootstrap.Shutdown()
		os.Exit(1)
	}
	cfg := bootstrap.Config
	infra.PrintBanner(cfg)

	// 3. Pprof Server (for performance profiling)
	if cfg.Metrics.Pprof != "" {
		go func() {
			// Localhost only for security
			slog.Info("🕵️ Pprof server started", slog.String("addr", cfg.Metrics.Pprof))
			if err := http.ListenAndServe(cfg.Metrics.Pprof, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Prometheus endpoint
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", bootstrap.Metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			slog.Info("📈 Metrics server started", slog.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	// 5. Background tasks (monitor, sweeper, janitor, marks, reconcile, snapshots)
	bootstrap.Start(ctx)

	slog.InfoContext(ctx, "✨ Execution core fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
	if err := bootstrap.Shutdown(); err != nil {
		slog.Error("shutdown finished with errors", slog.Any("error", err))
		os.Exit(1)
	}
}
