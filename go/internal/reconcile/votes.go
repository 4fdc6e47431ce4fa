package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/mcdev12/trivia-battle/go/internal/mirror"
	"github.com/mcdev12/trivia-battle/go/internal/pubsub"
)

var ErrAlreadyVoted = errors.New("already voted")

// VoteAPI submits a vote and returns the server confirmed count
type VoteAPI interface {
	CastVote(ctx context.Context, itemID string) (int, error)
}

// Votes keeps optimistic vote counts for training questions. The durable
// mirror remembers which items the participant voted for.
type Votes struct {
	api         VoteAPI
	keyed       *mirror.Keyed
	tracker     *Tracker
	softErrors  *pubsub.Bus[error]
	participant string

	mu     sync.Mutex
	counts map[string]int
}

func NewVotes(api VoteAPI, keyed *mirror.Keyed, tracker *Tracker, softErrors *pubsub.Bus[error], participant string) *Votes {
	return &Votes{
		api:         api,
		keyed:       keyed,
		tracker:     tracker,
		softErrors:  softErrors,
		participant: participant,
		counts:      make(map[string]int),
	}
}

func (v *Votes) flagsKey() string { return "votes:" + v.participant }

// Seed records a count read from a listing. It is ignored while a vote for
// the item is outstanding.
func (v *Votes) Seed(itemID string, count int) {
	if v.tracker.Processing(voteKey(itemID)) {
		return
	}
	v.mu.Lock()
	v.counts[itemID] = count
	v.mu.Unlock()
}

// Count returns the current count for an item
func (v *Votes) Count(itemID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.counts[itemID]
}

// HasVoted reports whether the participant already voted for the item
func (v *Votes) HasVoted(ctx context.Context, itemID string) (bool, error) {
	raw, err := v.keyed.Get(ctx, v.flagsKey())
	if errors.Is(err, mirror.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	flags, err := decodeFlags(raw)
	if err != nil {
		return false, err
	}
	return flags[itemID], nil
}

// Vote bumps the count optimistically, then replaces it with the server
// confirmed count. When the server call fails the optimistic count stays and
// a *SoftError is returned.
func (v *Votes) Vote(ctx context.Context, itemID string) (int, error) {
	voted, err := v.HasVoted(ctx, itemID)
	if err != nil {
		return v.Count(itemID), err
	}
	if voted {
		return v.Count(itemID), ErrAlreadyVoted
	}

	mark, err := v.tracker.Begin(voteKey(itemID))
	if err != nil {
		return v.Count(itemID), err
	}

	v.mu.Lock()
	optimistic := v.counts[itemID] + 1
	v.counts[itemID] = optimistic
	v.mu.Unlock()

	if err := v.setFlag(ctx, itemID); err != nil {
		v.softErrors.Publish(&SoftError{Op: "persist vote", Err: err})
	}

	confirmed, callErr := v.api.CastVote(ctx, itemID)
	final, err := Resolve("vote", optimistic, confirmed, callErr)

	v.mu.Lock()
	v.counts[itemID] = final
	v.mu.Unlock()

	if err != nil {
		v.tracker.Fail(mark, callErr)
		v.softErrors.Publish(err)
		return final, err
	}
	v.tracker.Confirm(mark)
	return final, nil
}

func (v *Votes) setFlag(ctx context.Context, itemID string) error {
	return v.keyed.Update(ctx, v.flagsKey(), func(current []byte) ([]byte, error) {
		flags := map[string]bool{}
		if current != nil {
			decoded, err := decodeFlags(current)
			if err != nil {
				return nil, err
			}
			flags = decoded
		}
		flags[itemID] = true
		return json.Marshal(flags)
	})
}

func decodeFlags(raw []byte) (map[string]bool, error) {
	flags := map[string]bool{}
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, fmt.Errorf("decode vote flags: %w", err)
	}
	return flags, nil
}

func voteKey(itemID string) string { return "vote:" + itemID }
