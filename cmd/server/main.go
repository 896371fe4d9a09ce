package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bug-ghost-sandbox/internal/api"
	"bug-ghost-sandbox/internal/config"
	"bug-ghost-sandbox/internal/monitor"
	"bug-ghost-sandbox/internal/runtime"
	"bug-ghost-sandbox/internal/sandbox"
	"bug-ghost-sandbox/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && cfg.Logging.Level != "" {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	policy, err := sandbox.PolicyFromConfig(cfg.Sandbox)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid isolation policy")
	}

	backend, err := sandbox.NewBackend(ctx, cfg.Sandbox)
	if err != nil {
		log.Fatal().Err(err).Msg("no container runtime available")
	}

	registry := runtime.NewRegistry(cfg.Sandbox.ImagePrefix)
	provisioner := sandbox.NewProvisioner(backend, registry,
		sandbox.WithAutoBuild(cfg.Sandbox.AutoBuildImages),
		sandbox.WithBuildLogLines(cfg.Sandbox.BuildLogLines),
		sandbox.WithProvisionerMetrics(metrics),
	)
	runner := sandbox.NewRunner(backend, registry, sandbox.RunnerConfigFrom(cfg.Sandbox),
		sandbox.WithProvisioner(provisioner),
		sandbox.WithPolicy(policy),
		sandbox.WithMetrics(metrics),
		sandbox.WithTracer(tracer),
	)
	runner.StartSweeper(ctx, cfg.Sandbox.OrphanSweepInterval)

	// The database is optional; runs are not persisted without it.
	var db *storage.DB
	var writer *storage.RunWriter
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, run history disabled")
			db = nil
		} else {
			writer = storage.NewRunWriter(db, 10000)
			writer.Start()
		}
	}

	server := api.NewServer(cfg, runner, provisioner, backend, db, writer, metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := runner.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("runner drain incomplete")
		}
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("engine", backend.Name()).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	// Start returns as soon as Shutdown begins; wait for the drain.
	<-ctx.Done()

	if writer != nil {
		writer.Flush(10 * time.Second)
	}
	if db != nil {
		db.Close()
	}
	if err := backend.Close(); err != nil {
		log.Error().Err(err).Msg("backend close error")
	}

	log.Info().Msg("server stopped")
}
