package natsbridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"

	"github.com/mcdev12/trivia-battle/go/internal/lifecycle"
)

// Config holds the NATS connection settings of the bridge
type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Subject:       "trivia.refresh",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Target receives the lifecycle events; *lifecycle.Triggers satisfies it
type Target interface {
	Fire(ev lifecycle.Event) lifecycle.Action
	Identity() string
}

// Signal is the optional body of a refresh message. An empty body, or one
// without a username, refreshes every target.
type Signal struct {
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Bridge turns messages on a NATS subject into RefreshRequested triggers
type Bridge struct {
	config Config
	nc     *nats.Conn
	sub    *nats.Subscription

	mu      sync.RWMutex
	targets []Target

	received atomic.Int64
	fired    atomic.Int64
}

func newBridge(config Config, targets ...Target) *Bridge {
	return &Bridge{config: config, targets: targets}
}

// Connect dials NATS and subscribes to config.Subject
func Connect(config Config, targets ...Target) (*Bridge, error) {
	b := newBridge(config, targets...)

	opts := []nats.Option{
		nats.Name("trivia-refresh-bridge"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	sub, err := nc.Subscribe(config.Subject, b.handleMsg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", config.Subject, err)
	}

	b.nc = nc
	b.sub = sub
	log.Info().Str("url", config.URL).Str("subject", config.Subject).Msg("refresh bridge subscribed")
	return b, nil
}

// Add registers another target
func (b *Bridge) Add(t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets = append(b.targets, t)
}

func (b *Bridge) handleMsg(msg *nats.Msg) {
	b.received.Add(1)

	var sig Signal
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("ignoring malformed refresh signal")
			return
		}
	}

	b.mu.RLock()
	targets := append([]Target(nil), b.targets...)
	b.mu.RUnlock()

	for _, t := range targets {
		if sig.Username != "" && t.Identity() != sig.Username {
			continue
		}
		t.Fire(lifecycle.Event{Trigger: lifecycle.RefreshRequested})
		b.fired.Add(1)
	}

	log.Debug().
		Str("subject", msg.Subject).
		Str("username", sig.Username).
		Str("reason", sig.Reason).
		Msg("refresh signal received")
}

// Stats returns bridge counters
func (b *Bridge) Stats() map[string]interface{} {
	return map[string]interface{}{
		"received": b.received.Load(),
		"fired":    b.fired.Load(),
	}
}

// Close drains the subscription and closes the connection
func (b *Bridge) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
