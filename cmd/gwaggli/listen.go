package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gwaggli/gwaggli/internal/app"
	"github.com/gwaggli/gwaggli/internal/config"
	"github.com/gwaggli/gwaggli/internal/modelcache"
	"github.com/gwaggli/gwaggli/internal/observe"
)

func cmdListen(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "listen")
	configPath := fs.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, err := loadConfig(e, *configPath)
	if err != nil {
		return err
	}

	slog.Info("gwaggli starting",
		"config", *configPath,
		"source", cfg.Audio.Source,
		"transcriber", cfg.Transcriber.Name,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.Config{
		Source:      string(cfg.Audio.Source),
		Transcriber: cfg.Transcriber.Name,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	cache, err := modelcache.New(cfg.CacheDir, modelcache.WithMetrics(tel.Metrics()))
	if err != nil {
		return err
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cache)

	opts := []app.Option{
		app.WithOutput(e.stdout),
		app.WithLevelVar(e.level),
		app.WithPrometheusRegistry(tel.Registry()),
		app.WithMetrics(tel.Metrics()),
	}
	if *configPath != "" {
		opts = append(opts, app.WithConfigPath(*configPath))
	}

	application, err := app.New(cfg, reg, opts...)
	if err != nil {
		return err
	}

	slog.Info("listening, press Ctrl+C to stop")
	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = application.Shutdown(shutdownCtx)
	if err := errors.Join(runErr, err); err != nil {
		return err
	}
	slog.Info("goodbye")
	return nil
}
