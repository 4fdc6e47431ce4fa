package reconcile

import (
	"errors"
	"fmt"
)

var (
	ErrInFlight    = errors.New("action already in flight")
	ErrNotInvited  = errors.New("no pending invitation for friend")
	ErrNoSender    = errors.New("no open connection to send on")
	ErrWrongBattle = errors.New("message belongs to another battle")
)

// SoftError reports that an authoritative call failed and the optimistic
// value was kept. It is surfaced to the user, not rolled back.
type SoftError struct {
	Op  string
	Err error
}

func (e *SoftError) Error() string {
	return fmt.Sprintf("%s: kept local value: %v", e.Op, e.Err)
}

func (e *SoftError) Unwrap() error { return e.Err }

// IsSoft reports whether err is a SoftError
func IsSoft(err error) bool {
	var soft *SoftError
	return errors.As(err, &soft)
}

// PanicError wraps a recovered panic from a batch item
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("batch item panicked: %v", e.Value)
}

// Resolve applies the conflict rule between an optimistic value and the
// authoritative response: the authoritative value wins, and when the call
// failed the optimistic value is kept and a *SoftError returned.
func Resolve[T any](op string, optimistic, authoritative T, err error) (T, error) {
	if err != nil {
		return optimistic, &SoftError{Op: op, Err: err}
	}
	return authoritative, nil
}
