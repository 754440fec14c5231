package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mtliou/speechrelay/internal/app"
	"github.com/mtliou/speechrelay/internal/config"
	"github.com/mtliou/speechrelay/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(true)
		bootLog.Fatal().Err(err).Msg("config error")
	}
	log := logging.New(cfg.Development)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	result, err := app.Build(runCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build failed")
	}
	defer result.Cleanup()

	result.Sessions.StartJanitor(runCtx, cfg.SessionReapEvery)
	result.Metrics.StartHourlyRollup(runCtx)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: result.API.Router(),
	}

	go func() {
		log.Info().
			Str("addr", cfg.BindAddr).
			Str("policy", string(cfg.SegmentationPolicy)).
			Msg("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
