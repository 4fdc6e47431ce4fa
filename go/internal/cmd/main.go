package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keyed, closeMirror, err := setupMirror(ctx, cfg.Mirror)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up mirror")
	}
	defer closeMirror()

	services, err := setupServices(ctx, cfg, keyed)
	if err != nil {
		log.Fatal().Err(err).Str("api_base_url", cfg.APIBaseURL).Msg("failed to set up client")
	}
	defer services.Close()

	if err := services.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to open channels")
	}

	server := setupServer(services)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("username", cfg.Username).
			Str("api_base_url", cfg.APIBaseURL).
			Msg("trivia client control API starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("control API failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control API shutdown failed")
	}
}
