package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/config"
)

// loadConfig reads .env, the optional YAML file and the environment, then
// sets up the global logger.
func loadConfig() config.Config {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Username == "" {
		log.Fatal().Msg("TRIVIA_USERNAME environment variable is required")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	return cfg
}
