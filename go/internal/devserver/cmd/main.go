package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/config"
	"github.com/mcdev12/trivia-battle/go/internal/devserver"
	"github.com/mcdev12/trivia-battle/go/internal/natsbridge"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	srv := devserver.New(devserver.DefaultConnectionConfig())

	// Optional refresh signals for clients running the NATS bridge
	if cfg.NATS.URL != "" {
		pub, err := natsbridge.NewPublisher(cfg.NATSConfig())
		if err != nil {
			log.Fatal().Err(err).Str("nats_url", cfg.NATS.URL).Msg("failed to connect to NATS")
		}
		defer pub.Close()
		srv.OnNotify(pub.Publish)
	}

	server := srv.NewHTTPServer(fmt.Sprintf(":%s", cfg.DevServerPort))

	go func() {
		log.Info().Str("addr", server.Addr).Str("nats_url", cfg.NATS.URL).Msg("development battle server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("development battle server shutdown complete")
}
