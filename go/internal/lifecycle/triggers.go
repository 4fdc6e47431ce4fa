package lifecycle

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Trigger is a host lifecycle signal
type Trigger string

const (
	Mount            Trigger = "mount"
	RouteChange      Trigger = "route_change"
	IdentityChange   Trigger = "identity_change"
	Focus            Trigger = "focus"
	Visible          Trigger = "visible"
	PopState         Trigger = "popstate"
	RefreshRequested Trigger = "refresh_requested"
)

// Event is one lifecycle signal. Path is set for RouteChange and PopState,
// Identity for IdentityChange.
type Event struct {
	Trigger  Trigger
	Path     string
	Identity string
}

// Action is what a trigger asks for
type Action struct {
	Refresh       bool
	ResetIdentity bool
}

type rule struct {
	action      Action
	trackedOnly bool
}

var table = map[Trigger]rule{
	Mount:            {action: Action{Refresh: true}},
	RouteChange:      {action: Action{Refresh: true}, trackedOnly: true},
	IdentityChange:   {action: Action{Refresh: true, ResetIdentity: true}},
	Focus:            {action: Action{Refresh: true}},
	Visible:          {action: Action{Refresh: true}},
	PopState:         {action: Action{Refresh: true}, trackedOnly: true},
	RefreshRequested: {action: Action{Refresh: true}},
}

// Decide looks the event up in the trigger table
func Decide(ev Event, tracked []string) Action {
	r, ok := table[ev.Trigger]
	if !ok {
		return Action{}
	}
	if r.trackedOnly && !isTracked(ev.Path, tracked) {
		return Action{}
	}
	return r.action
}

func isTracked(path string, tracked []string) bool {
	for _, prefix := range tracked {
		if path == prefix || strings.HasPrefix(path, strings.TrimRight(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// Triggers routes lifecycle events to the refresher and to per-identity resets
type Triggers struct {
	refresher *Refresher
	tracked   []string

	mu        sync.Mutex
	identity  string
	resetters []func(prev, next string)
}

// NewTriggers creates a trigger table bound to a refresher. tracked lists the
// route prefixes whose activation warrants a refresh.
func NewTriggers(refresher *Refresher, tracked ...string) *Triggers {
	return &Triggers{refresher: refresher, tracked: tracked}
}

// OnIdentityChange registers a reset for per-identity state
func (t *Triggers) OnIdentityChange(fn func(prev, next string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetters = append(t.resetters, fn)
}

// Identity returns the current identity
func (t *Triggers) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Fire handles one event and returns the action taken
func (t *Triggers) Fire(ev Event) Action {
	action := Decide(ev, t.tracked)

	if ev.Trigger == IdentityChange {
		t.mu.Lock()
		prev := t.identity
		if prev == ev.Identity {
			t.mu.Unlock()
			return Action{}
		}
		t.identity = ev.Identity
		resetters := append([]func(string, string){}, t.resetters...)
		t.mu.Unlock()

		log.Info().Str("previous", prev).Str("identity", ev.Identity).Msg("identity changed, resetting local state")
		for _, reset := range resetters {
			reset(prev, ev.Identity)
		}
	}

	if action.Refresh {
		t.refresher.Request(ev.Trigger)
	} else {
		log.Debug().Str("trigger", string(ev.Trigger)).Str("path", ev.Path).Msg("trigger ignored")
	}
	return action
}
