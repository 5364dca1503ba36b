package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"topichub/internal/admin"
	"topichub/internal/broker"
	"topichub/internal/config"
	"topichub/internal/monitoring"
	"topichub/internal/registry"
	"topichub/internal/store"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Basic logger for the window before the structured one exists.
	boot := log.New(os.Stdout, "[topichub] ", log.LstdFlags)

	cfg, err := config.Load(nil)
	if err != nil {
		boot.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// automaxprocs already adjusted GOMAXPROCS for container CPU limits.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("Failed to open store")
	}

	reg := registry.New()
	b := broker.New(cfg, st, reg, logger)
	adm := admin.New(st, b, b.Started(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", b.HandleWS)
	mux.Handle("GET /metrics", monitoring.Handler())
	adm.Register(mux)

	// These timeouts govern the control plane only; upgraded WebSocket
	// conns are hijacked and manage their own deadlines in the pumps.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	samplerCtx, stopSampler := context.WithCancel(context.Background())
	defer stopSampler()
	if sampler, err := monitoring.NewSystemSampler(cfg.MetricsInterval, logger); err != nil {
		logger.Warn().Err(err).Msg("Process sampler unavailable")
	} else {
		go sampler.Run(samplerCtx)
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Broker listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")

	// Stop accepting upgrades and close live sessions first; their
	// teardown cleans the store. Then drain HTTP and close the DB.
	b.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown error")
	}

	stopSampler()
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("Store close error")
	}

	logger.Info().Msg("Shutdown complete")
}
