package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds timing and limit settings for a session
type Config struct {
	// InactivityTimeout is the fixed window after which an idle session is left
	InactivityTimeout time.Duration
	// WaitTick is the resolution of the elapsed wait counter; zero disables it
	WaitTick time.Duration
	// InviteLimit caps concurrently pending invitations; zero means unlimited
	InviteLimit int
}

// DefaultConfig returns the waiting room configuration
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 5 * time.Minute,
		WaitTick:          time.Second,
		InviteLimit:       1,
	}
}

// Store holds the local state of one battle or waiting room. All mutation goes
// through its methods.
type Store struct {
	clock      clockwork.Clock
	config     Config
	onInactive func(State)

	mu    sync.Mutex
	state State
	seqs  map[string]uint64

	// generation is bumped on every Enter and Reset so callbacks armed for an
	// earlier session are ignored.
	generation uint64
	deadline   time.Time
	inactivity clockwork.Timer
	waitTicker clockwork.Ticker
	waitStop   chan struct{}
}

// NewStore creates an empty store. onInactive runs after the inactivity
// window elapses, with the state as it was just before the reset.
func NewStore(clock clockwork.Clock, config Config, onInactive func(State)) *Store {
	return &Store{
		clock:      clock,
		config:     config,
		onInactive: onInactive,
		state:      emptyState(),
		seqs:       make(map[string]uint64),
	}
}

// Enter starts a new session, discarding any previous one
func (s *Store) Enter(battleID, creator string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()

	now := s.clock.Now()
	s.state.BattleID = battleID
	s.state.Creator = creator
	s.state.EnteredAt = now
	s.state.LastActivity = now

	gen := s.generation
	if s.config.InactivityTimeout > 0 {
		s.deadline = now.Add(s.config.InactivityTimeout)
		s.inactivity = s.clock.AfterFunc(s.config.InactivityTimeout, func() { s.expire(gen) })
	}
	if s.config.WaitTick > 0 {
		s.waitTicker = s.clock.NewTicker(s.config.WaitTick)
		s.waitStop = make(chan struct{})
		go s.runWaitTicker(gen, s.waitTicker, s.waitStop)
	}

	log.Debug().Str("battle_id", battleID).Str("creator", creator).Msg("session entered")
}

// ApplyStarted marks the battle as started. It returns true only the first
// time it is applied for a given battle id.
func (s *Store) ApplyStarted(battleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || battleID == "" {
		return false
	}
	if s.state.Started && s.state.BattleID == battleID {
		return false
	}

	s.state.BattleID = battleID
	s.state.Started = true
	s.stopWaitTickerLocked()
	return true
}

// ApplyJoin fills the opponent slot. The first writer wins; a repeated join
// for the same opponent is a harmless no-op.
func (s *Store) ApplyJoin(opponent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || opponent == "" || opponent == s.state.Creator {
		return false
	}
	if s.state.Opponent != "" {
		if s.state.Opponent != opponent {
			log.Warn().
				Str("battle_id", s.state.BattleID).
				Str("opponent", s.state.Opponent).
				Str("ignored", opponent).
				Msg("opponent slot already filled")
		}
		return false
	}
	s.state.Opponent = opponent
	return true
}

// ApplyScoreUpdate applies an absolute or delta score. Scores never go
// negative; stale sequenced updates are ignored.
func (s *Store) ApplyScoreUpdate(u ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return ErrTerminal
	}
	if u.Seq > 0 && u.Seq <= s.seqs[u.Participant] {
		log.Debug().
			Str("participant", u.Participant).
			Uint64("seq", u.Seq).
			Uint64("last_seq", s.seqs[u.Participant]).
			Msg("ignoring stale score update")
		return nil
	}

	next := u.Value
	if !u.Absolute {
		next = s.state.Scores[u.Participant] + u.Value
	}
	if next < 0 {
		return ErrNegativeScore
	}

	s.state.Scores[u.Participant] = next
	if u.Seq > 0 {
		s.seqs[u.Participant] = u.Seq
	}
	return nil
}

// ApplyInvite optimistically records a pending invitation for friend
func (s *Store) ApplyInvite(friend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active() {
		return ErrNoSession
	}
	if s.state.Terminal() {
		return ErrTerminal
	}
	if friend == "" || friend == s.state.Creator {
		return ErrInvalidFriend
	}
	if s.state.Invites[friend] == InvitePending {
		return ErrAlreadyInvited
	}
	if s.config.InviteLimit > 0 && len(s.state.PendingInvites()) >= s.config.InviteLimit {
		return ErrInvitePending
	}

	s.state.Invites[friend] = InvitePending
	return nil
}

// UndoInvite removes an invitation, e.g. after the command failed to send
func (s *Store) UndoInvite(friend string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Invites[friend]; !ok {
		return false
	}
	delete(s.state.Invites, friend)
	return true
}

// ResolveInvite settles a pending invitation. Rejected and cancelled
// invitations leave the set; accepted ones stay, no longer pending.
func (s *Store) ResolveInvite(friend string, status InviteStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Invites[friend] != InvitePending {
		return false
	}
	switch status {
	case InviteAccepted:
		s.state.Invites[friend] = InviteAccepted
	case InviteRejected, InviteCancelled:
		delete(s.state.Invites, friend)
	default:
		return false
	}
	return true
}

// RestoreInvites replaces the invitation set, e.g. from the durable mirror
// after a reload
func (s *Store) RestoreInvites(invites map[string]InviteStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	s.state.Invites = make(map[string]InviteStatus, len(invites))
	for friend, status := range invites {
		s.state.Invites[friend] = status
	}
}

// Invites returns a copy of the invitation set
func (s *Store) Invites() map[string]InviteStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone().Invites
}

// ApplyTerminalResult records the outcome once. Later calls are ignored until Reset.
func (s *Store) ApplyTerminalResult(outcome Outcome, scores map[string]int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || outcome == OutcomeUnset {
		return false
	}

	for participant, score := range scores {
		if score < 0 {
			score = 0
		}
		s.state.Scores[participant] = score
	}
	s.state.Outcome = outcome
	s.stopTimersLocked()
	return true
}

// Touch records user activity and restarts the inactivity window
func (s *Store) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Active() || s.state.Terminal() {
		return
	}
	now := s.clock.Now()
	s.state.LastActivity = now
	if s.inactivity != nil {
		s.deadline = now.Add(s.config.InactivityTimeout)
		s.inactivity.Reset(s.config.InactivityTimeout)
	}
}

// Reset clears the session and cancels its timers
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Store) resetLocked() {
	s.stopTimersLocked()
	s.generation++
	s.state = emptyState()
	s.seqs = make(map[string]uint64)
	s.deadline = time.Time{}
}

func (s *Store) stopTimersLocked() {
	if s.inactivity != nil {
		s.inactivity.Stop()
		s.inactivity = nil
	}
	s.stopWaitTickerLocked()
}

func (s *Store) stopWaitTickerLocked() {
	if s.waitTicker != nil {
		s.waitTicker.Stop()
		close(s.waitStop)
		s.waitTicker = nil
		s.waitStop = nil
	}
}

func (s *Store) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.inactivity == nil || s.clock.Now().Before(s.deadline) {
		s.mu.Unlock()
		return
	}
	last := s.state.clone()
	s.resetLocked()
	s.mu.Unlock()

	log.Info().
		Str("battle_id", last.BattleID).
		Time("last_activity", last.LastActivity).
		Msg("session inactive, leaving")

	if s.onInactive != nil {
		s.onInactive(last)
	}
}

func (s *Store) runWaitTicker(gen uint64, ticker clockwork.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.mu.Lock()
			if gen == s.generation && !s.state.Started {
				s.state.WaitElapsed += s.config.WaitTick
			}
			s.mu.Unlock()
		}
	}
}
