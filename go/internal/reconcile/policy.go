package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/protocol"
	"github.com/mcdev12/trivia-battle/go/internal/pubsub"
	"github.com/mcdev12/trivia-battle/go/internal/session"
)

// Sender delivers outbound commands; *realtime.Connection satisfies it
type Sender interface {
	Send(msg protocol.Message) error
}

// NotificationSink receives pushes about friend requests and invitations
type NotificationSink interface {
	ApplyPush(msg protocol.Message)
}

// Snapshot is the authoritative battle state returned by a poll
type Snapshot struct {
	BattleID string
	Creator  string
	Opponent string
	Started  bool
	Scores   map[string]SnapshotScore
	Finished bool
	Winner   string
	Draw     bool
}

// SnapshotScore is one participant's score with its sequence number
type SnapshotScore struct {
	Score int
	Seq   uint64
}

// Deps are the collaborators of a Policy
type Deps struct {
	Participant   string
	Store         *session.Store
	Ledger        *InviteLedger
	Tracker       *Tracker
	Buses         *pubsub.Buses
	Notifications NotificationSink
	// StorageTimeout bounds mirror writes triggered by pushes
	StorageTimeout time.Duration
	// OnRemoved runs after a waiting battle was removed by the server and
	// the store reset; the owner closes the battle channel there.
	OnRemoved func(battleID string)
}

// Policy decides how pushes, poll snapshots and optimistic actions are merged
// into the session store.
type Policy struct {
	me             string
	store          *session.Store
	ledger         *InviteLedger
	tracker        *Tracker
	buses          *pubsub.Buses
	notifications  NotificationSink
	storageTimeout time.Duration
	onRemoved      func(battleID string)

	mu     sync.RWMutex
	sender Sender
}

func NewPolicy(d Deps) *Policy {
	if d.StorageTimeout <= 0 {
		d.StorageTimeout = 5 * time.Second
	}
	return &Policy{
		me:             d.Participant,
		store:          d.Store,
		ledger:         d.Ledger,
		tracker:        d.Tracker,
		buses:          d.Buses,
		notifications:  d.Notifications,
		storageTimeout: d.StorageTimeout,
		onRemoved:      d.OnRemoved,
	}
}

// SetSender swaps the outbound connection, e.g. after the channel was reopened
func (p *Policy) SetSender(s Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sender = s
}

// Handle applies one pushed message. It is registered as a dispatcher handler.
func (p *Policy) Handle(msg protocol.Message) {
	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Str("message_type", string(msg.Type)).Msg("dropping message with malformed payload")
		return
	}

	switch msg.Type {
	case protocol.TypeBattleStarted:
		p.applyStarted(payload.(protocol.BattleRef).ID)

	case protocol.TypeBattleRemoved:
		p.applyRemoved(payload.(protocol.BattleRef).ID)

	case protocol.TypeInvitationRejected:
		p.applyRejected(payload.(protocol.InvitationRejectedPayload))

	case protocol.TypePlayerJoined:
		p.applyJoined(payload.(protocol.PlayerJoinedPayload))

	case protocol.TypeScoreUpdate:
		p.applyScore(payload.(protocol.ScoreUpdatePayload))

	case protocol.TypeUserUpdated, protocol.TypeFriendRequestUpdated:
		if p.notifications != nil {
			p.notifications.ApplyPush(msg)
		}
	}
}

// OnTerminal applies a battle_end message. It is the dispatcher's terminal callback.
func (p *Policy) OnTerminal(msg protocol.Message) {
	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed battle_end")
		return
	}
	end := payload.(protocol.BattleEndPayload)
	p.applyTerminal(end.BattleID, end.Winner, end.Draw, end.Scores)
}

// ApplySnapshot merges a poll result using the same rules as pushes, so the
// final state does not depend on whether the poll or the push came first.
func (p *Policy) ApplySnapshot(snap Snapshot) {
	if !p.belongs(snap.BattleID) {
		log.Debug().Str("battle_id", snap.BattleID).Msg("ignoring snapshot for another battle")
		return
	}

	if snap.Opponent != "" {
		p.applyJoined(protocol.PlayerJoinedPayload{BattleID: snap.BattleID, Username: snap.Opponent})
	}
	for participant, s := range snap.Scores {
		score := s.Score
		p.applyScore(protocol.ScoreUpdatePayload{
			BattleID: snap.BattleID,
			Username: participant,
			Score:    &score,
			Seq:      s.Seq,
		})
	}
	if snap.Started {
		p.applyStarted(snap.BattleID)
	}
	if snap.Finished {
		scores := make(map[string]int, len(snap.Scores))
		for participant, s := range snap.Scores {
			scores[participant] = s.Score
		}
		p.applyTerminal(snap.BattleID, snap.Winner, snap.Draw, scores)
	}
}

// Invite issues an invitation: optimistic local mutation, durable mirror
// write, then the command. A failed send retracts the invitation and returns
// the retryable error.
func (p *Policy) Invite(ctx context.Context, friend string) error {
	mark, err := p.tracker.Begin(inviteKey(friend))
	if err != nil {
		return err
	}
	if err := p.store.ApplyInvite(friend); err != nil {
		p.tracker.Fail(mark, err)
		return err
	}

	battleID := p.store.Snapshot().BattleID
	if err := p.ledger.Put(ctx, battleID, friend, session.InvitePending); err != nil {
		p.soft("persist invite", err)
	}

	if err := p.send(protocol.InviteFriend(battleID, friend)); err != nil {
		p.store.UndoInvite(friend)
		if lerr := p.ledger.Remove(ctx, battleID, friend); lerr != nil {
			p.soft("persist invite", lerr)
		}
		p.tracker.Fail(mark, err)
		return err
	}

	p.tracker.Confirm(mark)
	log.Info().Str("battle_id", battleID).Str("friend", friend).Msg("invitation sent")
	return nil
}

// CancelInvite withdraws a pending invitation. A failed send restores it.
func (p *Policy) CancelInvite(ctx context.Context, friend string) error {
	st := p.store.Snapshot()
	if st.Invites[friend] != session.InvitePending {
		return ErrNotInvited
	}

	mark, err := p.tracker.Begin(inviteKey(friend))
	if err != nil {
		return err
	}

	p.store.ResolveInvite(friend, session.InviteCancelled)
	if err := p.ledger.Remove(ctx, st.BattleID, friend); err != nil {
		p.soft("persist invite", err)
	}

	if err := p.send(protocol.CancelInvitation(st.BattleID, friend)); err != nil {
		if rerr := p.store.ApplyInvite(friend); rerr != nil {
			log.Warn().Err(rerr).Str("friend", friend).Msg("could not restore invitation")
		} else if lerr := p.ledger.Put(ctx, st.BattleID, friend, session.InvitePending); lerr != nil {
			p.soft("persist invite", lerr)
		}
		p.tracker.Fail(mark, err)
		return err
	}

	p.tracker.Confirm(mark)
	return nil
}

// Restore reloads the invitation set of the current session from the mirror
func (p *Policy) Restore(ctx context.Context) error {
	st := p.store.Snapshot()
	if !st.Active() {
		return nil
	}
	invites, err := p.ledger.Load(ctx, st.BattleID)
	if err != nil {
		return err
	}
	p.store.RestoreInvites(invites)
	return nil
}

func (p *Policy) applyStarted(battleID string) {
	if !p.belongs(battleID) {
		log.Debug().Str("battle_id", battleID).Msg("ignoring start of another battle")
		return
	}
	if !p.store.ApplyStarted(battleID) {
		log.Debug().Str("battle_id", battleID).Msg("battle already started, ignoring duplicate")
		return
	}
	log.Info().Str("battle_id", battleID).Msg("battle started")
	p.buses.Navigation.Publish(pubsub.Navigation{Route: pubsub.RouteCountdown, BattleID: battleID})
}

func (p *Policy) applyRemoved(battleID string) {
	st := p.store.Snapshot()
	if !st.Active() || st.BattleID != battleID || st.Started {
		return
	}

	ctx, cancel := p.storageContext()
	defer cancel()
	if err := p.ledger.Clear(ctx, battleID); err != nil {
		p.soft("clear invites", err)
	}
	p.store.Reset()
	p.SetSender(nil)
	if p.onRemoved != nil {
		p.onRemoved(battleID)
	}

	log.Info().Str("battle_id", battleID).Msg("waiting battle removed")
	p.buses.Navigation.Publish(pubsub.Navigation{Route: pubsub.RouteHome})
}

func (p *Policy) applyRejected(payload protocol.InvitationRejectedPayload) {
	st := p.store.Snapshot()
	if !st.Active() || !p.belongs(payload.BattleID) {
		return
	}

	if !p.store.ResolveInvite(payload.RejectedBy, session.InviteRejected) {
		log.Debug().Str("friend", payload.RejectedBy).Msg("rejection for an invitation that is not pending")
	}

	ctx, cancel := p.storageContext()
	defer cancel()
	if err := p.ledger.Remove(ctx, st.BattleID, payload.RejectedBy); err != nil {
		p.soft("persist invite", err)
	}
	log.Info().Str("battle_id", st.BattleID).Str("friend", payload.RejectedBy).Msg("invitation rejected")
}

func (p *Policy) applyJoined(payload protocol.PlayerJoinedPayload) {
	if !p.belongs(payload.BattleID) {
		return
	}
	if !p.store.ApplyJoin(payload.Username) {
		return
	}

	if p.store.ResolveInvite(payload.Username, session.InviteAccepted) {
		ctx, cancel := p.storageContext()
		defer cancel()
		if err := p.ledger.Put(ctx, p.store.Snapshot().BattleID, payload.Username, session.InviteAccepted); err != nil {
			p.soft("persist invite", err)
		}
	}
}

func (p *Policy) applyScore(payload protocol.ScoreUpdatePayload) {
	if !p.belongs(payload.BattleID) {
		return
	}

	update := session.ScoreUpdate{Participant: payload.Username, Value: payload.Delta, Seq: payload.Seq}
	if payload.Score != nil {
		update.Value = *payload.Score
		update.Absolute = true
	}
	if err := p.store.ApplyScoreUpdate(update); err != nil {
		log.Warn().Err(err).Str("participant", payload.Username).Msg("score update rejected")
	}
}

func (p *Policy) applyTerminal(battleID, winner string, draw bool, scores map[string]int) {
	if !p.belongs(battleID) {
		return
	}
	st := p.store.Snapshot()
	outcome := session.OutcomeFor(p.me, winner, draw)
	if !p.store.ApplyTerminalResult(outcome, scores) {
		log.Debug().Str("battle_id", battleID).Msg("terminal result already applied")
		return
	}

	ctx, cancel := p.storageContext()
	defer cancel()
	if err := p.ledger.Clear(ctx, st.BattleID); err != nil {
		p.soft("clear invites", err)
	}

	log.Info().Str("battle_id", st.BattleID).Str("outcome", string(outcome)).Msg("battle finished")
	p.buses.Navigation.Publish(pubsub.Navigation{Route: pubsub.RouteResults, BattleID: st.BattleID})
}

// belongs reports whether a message for battleID applies to the current
// session. Nothing applies once the session was reset; messages without a
// battle id apply to an active session.
func (p *Policy) belongs(battleID string) bool {
	current := p.store.Snapshot().BattleID
	if current == "" {
		return false
	}
	return battleID == "" || current == battleID
}

func (p *Policy) send(msg protocol.Message) error {
	p.mu.RLock()
	s := p.sender
	p.mu.RUnlock()
	if s == nil {
		return ErrNoSender
	}
	return s.Send(msg)
}

func (p *Policy) soft(op string, err error) {
	soft := &SoftError{Op: op, Err: err}
	log.Warn().Err(err).Str("op", op).Msg("soft error")
	p.buses.SoftErrors.Publish(soft)
}

func (p *Policy) storageContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.storageTimeout)
}

func inviteKey(friend string) string { return "invite:" + friend }
