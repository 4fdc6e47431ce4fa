package session

import (
	"errors"
	"time"
)

var (
	ErrTerminal       = errors.New("session has reached a terminal outcome")
	ErrNoSession      = errors.New("no active session")
	ErrNegativeScore  = errors.New("score would become negative")
	ErrInvitePending  = errors.New("another invitation is still pending")
	ErrInvalidFriend  = errors.New("invalid friend username")
	ErrAlreadyInvited = errors.New("friend already has a pending invitation")
)

// Outcome is the terminal result from the local participant's point of view
type Outcome string

const (
	OutcomeUnset Outcome = ""
	OutcomeWin   Outcome = "win"
	OutcomeLose  Outcome = "lose"
	OutcomeDraw  Outcome = "draw"
)

// OutcomeFor derives the local outcome from a battle_end payload
func OutcomeFor(me, winner string, draw bool) Outcome {
	switch {
	case draw:
		return OutcomeDraw
	case winner == "":
		return OutcomeDraw
	case winner == me:
		return OutcomeWin
	default:
		return OutcomeLose
	}
}

// InviteStatus is the state of one invitation issued by the local user
type InviteStatus string

const (
	InvitePending   InviteStatus = "pending"
	InviteAccepted  InviteStatus = "accepted"
	InviteRejected  InviteStatus = "rejected"
	InviteCancelled InviteStatus = "cancelled"
)

// State is the local view of one battle or waiting room
type State struct {
	BattleID     string                  `json:"battle_id"`
	Creator      string                  `json:"creator"`
	Opponent     string                  `json:"opponent,omitempty"`
	Started      bool                    `json:"started"`
	Scores       map[string]int          `json:"scores"`
	Outcome      Outcome                 `json:"outcome,omitempty"`
	Invites      map[string]InviteStatus `json:"invites"`
	WaitElapsed  time.Duration           `json:"wait_elapsed"`
	EnteredAt    time.Time               `json:"entered_at"`
	LastActivity time.Time               `json:"last_activity"`
}

// Active reports whether the state belongs to an entered session
func (s State) Active() bool { return s.BattleID != "" }

// Terminal reports whether a terminal outcome has been applied
func (s State) Terminal() bool { return s.Outcome != OutcomeUnset }

// PendingInvites returns the friends whose invitation is still pending
func (s State) PendingInvites() []string {
	var out []string
	for friend, status := range s.Invites {
		if status == InvitePending {
			out = append(out, friend)
		}
	}
	return out
}

func (s State) clone() State {
	out := s
	out.Scores = make(map[string]int, len(s.Scores))
	for k, v := range s.Scores {
		out.Scores[k] = v
	}
	out.Invites = make(map[string]InviteStatus, len(s.Invites))
	for k, v := range s.Invites {
		out.Invites[k] = v
	}
	return out
}

func emptyState() State {
	return State{
		Scores:  make(map[string]int),
		Invites: make(map[string]InviteStatus),
	}
}

// ScoreUpdate is either an absolute score or a delta for one participant.
// Seq is optional; when set, updates with a Seq not greater than the last
// applied one for the participant are ignored.
type ScoreUpdate struct {
	Participant string
	Value       int
	Absolute    bool
	Seq         uint64
}
