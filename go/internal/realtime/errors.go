package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrInvalidChannel     = errors.New("invalid channel id")
	ErrInvalidBaseURL     = errors.New("base URL cannot be turned into a websocket URL")
	ErrSendBufferFull     = errors.New("send buffer full")
)

// NotOpenError is returned by Send while the socket is not open. Callers
// should retry once the connection reports EventOpen again.
type NotOpenError struct {
	ChannelID string
	Status    Status
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("connection for channel %s is %s, not open", e.ChannelID, e.Status)
}

// Temporary reports that the failure is retryable
func (e *NotOpenError) Temporary() bool { return true }

// IsNotOpen reports whether err is a NotOpenError
func IsNotOpen(err error) bool {
	var notOpen *NotOpenError
	return errors.As(err, &notOpen)
}
