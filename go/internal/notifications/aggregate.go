package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/trivia-battle/go/internal/api"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
	"github.com/mcdev12/trivia-battle/go/internal/pubsub"
	"github.com/mcdev12/trivia-battle/go/internal/reconcile"
)

const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"

	// StatusGone marks an item the server had already answered elsewhere
	StatusGone = "gone"
)

var (
	ErrProcessing = errors.New("notification is being processed")
	ErrResolved   = errors.New("notification already resolved")
	ErrUnknown    = errors.New("unknown notification")
)

// Kind distinguishes the two notification lists
type Kind string

const (
	KindFriendRequest Kind = "friend_request"
	KindInvitation    Kind = "invitation"
)

// API is the REST surface the aggregate needs; *api.Client satisfies it
type API interface {
	FriendRequests(ctx context.Context) ([]protocol.FriendRequest, error)
	Invitations(ctx context.Context) ([]protocol.Invitation, error)
	GetBattle(ctx context.Context, id string) (*api.Battle, error)
	AcceptFriendRequest(ctx context.Context, id string) error
	RejectFriendRequest(ctx context.Context, id string) error
	AcceptInvitation(ctx context.Context, id string) error
	RejectInvitation(ctx context.Context, id string) error
}

// Invitation is a pending battle invitation, enriched with battle details when available
type Invitation struct {
	protocol.Invitation
	Creator string
	Level   string
}

// Aggregate holds the pending friend requests and invitations of the local
// user. Every item moves from pending to accepted or rejected exactly once;
// once resolved locally an item is never brought back by a stale snapshot.
type Aggregate struct {
	api     API
	tracker *reconcile.Tracker
	buses   *pubsub.Buses
	batch   reconcile.BatchOptions

	mu          sync.RWMutex
	requests    map[string]protocol.FriendRequest
	invitations map[string]Invitation
	resolved    map[string]string
	onStale     func()
}

func NewAggregate(client API, tracker *reconcile.Tracker, buses *pubsub.Buses, batch reconcile.BatchOptions) *Aggregate {
	if batch.Name == "" {
		batch.Name = "invitation_enrichment"
	}
	return &Aggregate{
		api:         client,
		tracker:     tracker,
		buses:       buses,
		batch:       batch,
		requests:    make(map[string]protocol.FriendRequest),
		invitations: make(map[string]Invitation),
		resolved:    make(map[string]string),
	}
}

// OnStale registers the callback run when a push says the lists changed
// without carrying them, typically a Refresher.Request.
func (a *Aggregate) OnStale(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStale = fn
}

func itemKey(kind Kind, id string) string { return string(kind) + ":" + id }

// FriendRequests returns the pending friend requests ordered by id
func (a *Aggregate) FriendRequests() []protocol.FriendRequest {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]protocol.FriendRequest, 0, len(a.requests))
	for _, fr := range a.requests {
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invitations returns the pending invitations ordered by id
func (a *Aggregate) Invitations() []Invitation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Invitation, 0, len(a.invitations))
	for _, inv := range a.invitations {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count is the number of pending items, as shown on a badge
func (a *Aggregate) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.requests) + len(a.invitations)
}

// Processing reports whether an accept or reject is outstanding for the item
func (a *Aggregate) Processing(kind Kind, id string) bool {
	return a.tracker.Processing(itemKey(kind, id))
}

// Status returns the local status of an item, or "" if it is unknown
func (a *Aggregate) Status(kind Kind, id string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.resolved[itemKey(kind, id)]; ok {
		return s
	}
	if a.has(kind, id) {
		return StatusPending
	}
	return ""
}

// Refresh reloads both lists and enriches invitations with battle details.
// Enrichment failures keep the invitation without details.
func (a *Aggregate) Refresh(ctx context.Context) error {
	var (
		requests    []protocol.FriendRequest
		invitations []protocol.Invitation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		requests, err = a.api.FriendRequests(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		invitations, err = a.api.Invitations(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}

	enriched, err := a.enrich(ctx, invitations)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.replaceLocked(requests, enriched)
	count := len(a.requests) + len(a.invitations)
	a.mu.Unlock()

	log.Debug().Int("pending", count).Msg("notifications refreshed")
	return nil
}

func (a *Aggregate) enrich(ctx context.Context, invitations []protocol.Invitation) ([]Invitation, error) {
	results, err := reconcile.RunBatches(ctx, invitations, a.batch, func(ctx context.Context, inv protocol.Invitation) (*api.Battle, error) {
		return a.api.GetBattle(ctx, inv.BattleID)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Invitation, 0, len(results))
	for _, r := range results {
		inv := Invitation{Invitation: r.Item}
		if r.OK() && r.Value != nil {
			inv.Creator = r.Value.Creator
			inv.Level = r.Value.Level
			if inv.Sport == "" {
				inv.Sport = r.Value.Sport
			}
		} else if r.Err != nil {
			log.Debug().Err(r.Err).Str("battle_id", r.Item.BattleID).Msg("invitation left without battle details")
		}
		out = append(out, inv)
	}
	return out, nil
}

// replaceLocked swaps in a server snapshot. Items resolved locally stay
// resolved and items with an outstanding action are kept as they are.
func (a *Aggregate) replaceLocked(requests []protocol.FriendRequest, invitations []Invitation) {
	nextRequests := make(map[string]protocol.FriendRequest, len(requests))
	for _, fr := range requests {
		if fr.Status != "" && fr.Status != StatusPending {
			continue
		}
		if _, done := a.resolved[itemKey(KindFriendRequest, fr.ID)]; done {
			continue
		}
		nextRequests[fr.ID] = fr
	}
	for id, fr := range a.requests {
		if _, ok := nextRequests[id]; !ok && a.tracker.Processing(itemKey(KindFriendRequest, id)) {
			nextRequests[id] = fr
		}
	}

	nextInvitations := make(map[string]Invitation, len(invitations))
	for _, inv := range invitations {
		if inv.Status != "" && inv.Status != StatusPending {
			continue
		}
		if _, done := a.resolved[itemKey(KindInvitation, inv.ID)]; done {
			continue
		}
		nextInvitations[inv.ID] = inv
	}
	for id, inv := range a.invitations {
		if _, ok := nextInvitations[id]; !ok && a.tracker.Processing(itemKey(KindInvitation, id)) {
			nextInvitations[id] = inv
		}
	}

	a.requests = nextRequests
	a.invitations = nextInvitations
}

func (a *Aggregate) AcceptFriendRequest(ctx context.Context, id string) error {
	return a.resolve(ctx, KindFriendRequest, id, StatusAccepted, a.api.AcceptFriendRequest)
}

func (a *Aggregate) RejectFriendRequest(ctx context.Context, id string) error {
	return a.resolve(ctx, KindFriendRequest, id, StatusRejected, a.api.RejectFriendRequest)
}

// AcceptInvitation accepts a battle invitation and asks the host to show its waiting room
func (a *Aggregate) AcceptInvitation(ctx context.Context, id string) error {
	a.mu.RLock()
	battleID := a.invitations[id].BattleID
	a.mu.RUnlock()

	if err := a.resolve(ctx, KindInvitation, id, StatusAccepted, a.api.AcceptInvitation); err != nil {
		return err
	}
	if a.buses != nil && battleID != "" {
		a.buses.Navigation.Publish(pubsub.Navigation{Route: pubsub.RouteWaitingRoom, BattleID: battleID})
	}
	return nil
}

func (a *Aggregate) RejectInvitation(ctx context.Context, id string) error {
	return a.resolve(ctx, KindInvitation, id, StatusRejected, a.api.RejectInvitation)
}

func (a *Aggregate) resolve(ctx context.Context, kind Kind, id, status string, call func(context.Context, string) error) error {
	key := itemKey(kind, id)

	a.mu.RLock()
	_, done := a.resolved[key]
	known := a.has(kind, id)
	a.mu.RUnlock()
	if done {
		return ErrResolved
	}
	if !known {
		return ErrUnknown
	}

	mark, err := a.tracker.Begin(key)
	if err != nil {
		if errors.Is(err, reconcile.ErrInFlight) {
			return ErrProcessing
		}
		return err
	}

	// another answer may have settled between the check above and Begin
	a.mu.RLock()
	_, done = a.resolved[key]
	a.mu.RUnlock()
	if done {
		a.tracker.Fail(mark, ErrResolved)
		return ErrResolved
	}

	if err := call(ctx, id); err != nil {
		a.tracker.Fail(mark, err)
		switch api.StatusOf(err) {
		case http.StatusNotFound, http.StatusConflict:
			// answered elsewhere; drop it without guessing the outcome
			a.markResolved(kind, id, StatusGone)
			return fmt.Errorf("%w: %v", ErrResolved, err)
		}
		if a.buses != nil {
			a.buses.SoftErrors.Publish(&reconcile.SoftError{Op: string(kind) + " " + status, Err: err})
		}
		return err
	}

	a.markResolved(kind, id, status)
	a.tracker.Confirm(mark)
	log.Info().Str("kind", string(kind)).Str("id", id).Str("status", status).Msg("notification resolved")
	return nil
}

func (a *Aggregate) markResolved(kind Kind, id, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolved[itemKey(kind, id)] = status
	switch kind {
	case KindFriendRequest:
		delete(a.requests, id)
	case KindInvitation:
		delete(a.invitations, id)
	}
}

func (a *Aggregate) has(kind Kind, id string) bool {
	switch kind {
	case KindFriendRequest:
		_, ok := a.requests[id]
		return ok
	case KindInvitation:
		_, ok := a.invitations[id]
		return ok
	}
	return false
}

// ApplyPush merges user_updated and friend_request_updated pushes
func (a *Aggregate) ApplyPush(msg protocol.Message) {
	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Str("message_type", string(msg.Type)).Msg("dropping malformed notification push")
		return
	}

	switch p := payload.(type) {
	case protocol.UserUpdatedPayload:
		if p.FriendRequests == nil && p.Invitations == nil {
			a.mu.RLock()
			stale := a.onStale
			a.mu.RUnlock()
			if stale != nil {
				stale()
			}
			return
		}

		a.mu.Lock()
		invitations := make([]Invitation, 0, len(p.Invitations))
		for _, inv := range p.Invitations {
			merged := Invitation{Invitation: inv}
			if prev, ok := a.invitations[inv.ID]; ok {
				merged.Creator = prev.Creator
				merged.Level = prev.Level
			}
			invitations = append(invitations, merged)
		}
		requests := p.FriendRequests
		if requests == nil {
			requests = a.friendRequestsLocked()
		}
		if p.Invitations == nil {
			invitations = a.invitationsLocked()
		}
		a.replaceLocked(requests, invitations)
		a.mu.Unlock()

	case protocol.FriendRequestUpdatedPayload:
		fr := p.FriendRequest
		if fr.Status != "" && fr.Status != StatusPending {
			a.markResolved(KindFriendRequest, fr.ID, fr.Status)
			return
		}
		a.mu.Lock()
		if _, done := a.resolved[itemKey(KindFriendRequest, fr.ID)]; !done {
			a.requests[fr.ID] = fr
		}
		a.mu.Unlock()
	}
}

func (a *Aggregate) friendRequestsLocked() []protocol.FriendRequest {
	out := make([]protocol.FriendRequest, 0, len(a.requests))
	for _, fr := range a.requests {
		out = append(out, fr)
	}
	return out
}

func (a *Aggregate) invitationsLocked() []Invitation {
	out := make([]Invitation, 0, len(a.invitations))
	for _, inv := range a.invitations {
		out = append(out, inv)
	}
	return out
}
