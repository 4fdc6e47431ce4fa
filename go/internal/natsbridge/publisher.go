package natsbridge

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// Publisher emits refresh signals, the sending side of Bridge
type Publisher struct {
	nc      *nats.Conn
	subject string
}

func NewPublisher(config Config) (*Publisher, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name("trivia-refresh-publisher"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Publisher{nc: nc, subject: config.Subject}, nil
}

// Publish asks the clients of username (every client if empty) to refresh
func (p *Publisher) Publish(username, reason string) error {
	data, err := json.Marshal(Signal{Username: username, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish refresh signal: %w", err)
	}
	log.Debug().Str("subject", p.subject).Str("username", username).Str("reason", reason).Msg("refresh signal published")
	return nil
}

func (p *Publisher) Close() {
	p.nc.Close()
}
