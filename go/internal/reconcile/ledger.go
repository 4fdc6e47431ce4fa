package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"

	"github.com/mcdev12/trivia-battle/go/internal/mirror"
	"github.com/mcdev12/trivia-battle/go/internal/session"
)

const inviteKeyPrefix = "pending_invites:"

// InviteLedger is the durable mirror of the pending invite set, one entry per
// session id. Every change rewrites the whole entry under the key's lock.
type InviteLedger struct {
	keyed *mirror.Keyed
}

func NewInviteLedger(keyed *mirror.Keyed) *InviteLedger {
	return &InviteLedger{keyed: keyed}
}

func ledgerKey(sessionID string) string { return inviteKeyPrefix + sessionID }

// Load returns the persisted invite set for a session; empty when none
func (l *InviteLedger) Load(ctx context.Context, sessionID string) (map[string]session.InviteStatus, error) {
	raw, err := l.keyed.Get(ctx, ledgerKey(sessionID))
	if errors.Is(err, mirror.ErrNotFound) {
		return map[string]session.InviteStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeInvites(raw)
}

// Put records friend with status
func (l *InviteLedger) Put(ctx context.Context, sessionID, friend string, status session.InviteStatus) error {
	return l.update(ctx, sessionID, func(invites map[string]session.InviteStatus) {
		invites[friend] = status
	})
}

// Remove drops exactly friend from the set
func (l *InviteLedger) Remove(ctx context.Context, sessionID, friend string) error {
	return l.update(ctx, sessionID, func(invites map[string]session.InviteStatus) {
		delete(invites, friend)
	})
}

// Clear forgets the session
func (l *InviteLedger) Clear(ctx context.Context, sessionID string) error {
	return l.keyed.Update(ctx, ledgerKey(sessionID), func([]byte) ([]byte, error) { return nil, nil })
}

func (l *InviteLedger) update(ctx context.Context, sessionID string, fn func(map[string]session.InviteStatus)) error {
	return l.keyed.Update(ctx, ledgerKey(sessionID), func(current []byte) ([]byte, error) {
		invites := map[string]session.InviteStatus{}
		if current != nil {
			decoded, err := decodeInvites(current)
			if err != nil {
				return nil, err
			}
			invites = decoded
		}
		fn(invites)
		// an empty set is stored, not deleted
		return json.Marshal(invites)
	})
}

func decodeInvites(raw []byte) (map[string]session.InviteStatus, error) {
	invites := map[string]session.InviteStatus{}
	if err := json.Unmarshal(raw, &invites); err != nil {
		return nil, fmt.Errorf("decode invite ledger: %w", err)
	}
	return invites, nil
}
