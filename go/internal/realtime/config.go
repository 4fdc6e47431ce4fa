package realtime

import (
	"time"
)

// ChannelKind selects the endpoint, participant rules and backoff policy of a
// connection.
type ChannelKind string

const (
	ChannelBattle ChannelKind = "battle"
	ChannelChat   ChannelKind = "chat"
)

// Strategy is how the reconnect delay grows with the attempt number
type Strategy int

const (
	Linear Strategy = iota
	Exponential
)

// BackoffPolicy bounds reconnection after unclean closures
type BackoffPolicy struct {
	Strategy    Strategy
	Base        time.Duration
	Max         time.Duration // zero means uncapped
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt n (1-based).
// Linear: base*n. Exponential: base*2^(n-1). Both capped at Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case Exponential:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d = p.Base << shift
	default:
		d = p.Base * time.Duration(attempt)
	}

	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// DefaultBattlePolicy is linear backoff for the battle channel
func DefaultBattlePolicy() BackoffPolicy {
	return BackoffPolicy{
		Strategy:    Linear,
		Base:        time.Second,
		MaxAttempts: 5,
	}
}

// DefaultChatPolicy is bounded exponential backoff for the chat channel
func DefaultChatPolicy() BackoffPolicy {
	return BackoffPolicy{
		Strategy:    Exponential,
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// ConnectionConfig holds socket level settings shared by every connection
type ConnectionConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	SendBufferSize   int
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   64 * 1024,
		SendBufferSize:   64,
	}
}
