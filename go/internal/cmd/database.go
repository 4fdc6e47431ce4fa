package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/config"
	"github.com/mcdev12/trivia-battle/go/internal/mirror"
)

// setupMirror opens the local mirror. The returned close func is never nil.
func setupMirror(ctx context.Context, cfg config.Mirror) (*mirror.Keyed, func() error, error) {
	if cfg.Driver == "memory" {
		log.Info().Msg("using in-memory mirror, invitations will not survive a restart")
		return mirror.NewKeyed(mirror.NewMemoryStore()), func() error { return nil }, nil
	}

	store, err := mirror.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s mirror: %w", cfg.Driver, err)
	}
	return mirror.NewKeyed(store), store.Close, nil
}
