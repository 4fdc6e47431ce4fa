package battle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/api"
	"github.com/mcdev12/trivia-battle/go/internal/dispatch"
	"github.com/mcdev12/trivia-battle/go/internal/lifecycle"
	"github.com/mcdev12/trivia-battle/go/internal/mirror"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
	"github.com/mcdev12/trivia-battle/go/internal/pubsub"
	"github.com/mcdev12/trivia-battle/go/internal/realtime"
	"github.com/mcdev12/trivia-battle/go/internal/reconcile"
	"github.com/mcdev12/trivia-battle/go/internal/session"
)

var (
	ErrNotJoinable = errors.New("battle is not open for joining")
	ErrNoBattle    = errors.New("no battle entered")
)

// Routes whose activation refreshes the battle state
const (
	PathBattle      = "/battle"
	PathWaitingRoom = "/waiting-room"
)

// API is the REST surface of a battle session; *api.Client satisfies it
type API interface {
	CreateBattle(ctx context.Context, req api.CreateBattleRequest) (*api.Battle, error)
	BattleState(ctx context.Context, id string) (*api.BattleState, error)
	CancelBattle(ctx context.Context, id string) error
}

type Config struct {
	Participant     string
	Store           session.Config
	RefreshDebounce time.Duration
	RefreshTimeout  time.Duration
	SlowAfter       time.Duration
	StorageTimeout  time.Duration
}

func DefaultConfig(participant string) Config {
	return Config{
		Participant:     participant,
		Store:           session.DefaultConfig(),
		RefreshDebounce: 250 * time.Millisecond,
		RefreshTimeout:  10 * time.Second,
		SlowAfter:       reconcile.DefaultSlowAfter,
		StorageTimeout:  5 * time.Second,
	}
}

// Deps are the shared collaborators injected into a Session
type Deps struct {
	Manager       *realtime.Manager
	API           API
	Keyed         *mirror.Keyed
	Buses         *pubsub.Buses
	Notifications reconcile.NotificationSink
	Clock         clockwork.Clock
}

type role int

const (
	roleNone role = iota
	roleCreator
	roleJoiner
)

// Session wires the realtime channel, dispatcher, store and reconciliation
// policy of one battle or waiting room.
type Session struct {
	cfg        Config
	manager    *realtime.Manager
	api        API
	buses      *pubsub.Buses
	store      *session.Store
	tracker    *reconcile.Tracker
	ledger     *reconcile.InviteLedger
	policy     *reconcile.Policy
	dispatcher *dispatch.Dispatcher
	refresher  *lifecycle.Refresher
	triggers   *lifecycle.Triggers

	mu   sync.Mutex
	conn *realtime.Connection
	role role
}

func NewSession(cfg Config, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Buses == nil {
		deps.Buses = pubsub.NewBuses()
	}
	if deps.Keyed == nil {
		deps.Keyed = mirror.NewKeyed(mirror.NewMemoryStore())
	}

	s := &Session{
		cfg:     cfg,
		manager: deps.Manager,
		api:     deps.API,
		buses:   deps.Buses,
	}

	s.store = session.NewStore(deps.Clock, cfg.Store, s.onInactive)
	s.tracker = reconcile.NewTracker(deps.Clock, cfg.SlowAfter, s.onSlow)
	s.ledger = reconcile.NewInviteLedger(deps.Keyed)
	s.policy = reconcile.NewPolicy(reconcile.Deps{
		Participant:    cfg.Participant,
		Store:          s.store,
		Ledger:         s.ledger,
		Tracker:        s.tracker,
		Buses:          deps.Buses,
		Notifications:  deps.Notifications,
		StorageTimeout: cfg.StorageTimeout,
		OnRemoved:      s.onRemoved,
	})
	s.dispatcher = dispatch.New(dispatch.Options{
		OnTerminal: s.policy.OnTerminal,
		Name:       "battle",
	})
	s.dispatcher.Register(s.policy.Handle)

	s.refresher = lifecycle.NewRefresher(deps.Clock, cfg.RefreshDebounce, cfg.RefreshTimeout, s.refresh)
	s.triggers = lifecycle.NewTriggers(s.refresher, PathBattle, PathWaitingRoom)
	s.triggers.OnIdentityChange(func(prev, next string) {
		s.disconnect()
		s.store.Reset()
	})
	return s
}

func (s *Session) Store() *session.Store { return s.store }
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }
func (s *Session) Policy() *reconcile.Policy { return s.policy }
func (s *Session) Triggers() *lifecycle.Triggers { return s.triggers }
func (s *Session) Tracker() *reconcile.Tracker { return s.tracker }
func (s *Session) Snapshot() session.State { return s.store.Snapshot() }
func (s *Session) Refresher() *lifecycle.Refresher { return s.refresher }
func (s *Session) Connection() *realtime.Connection { return s.connection() }
func (s *Session) Buses() *pubsub.Buses { return s.buses }

// Create creates a battle through the REST API and enters its waiting room
func (s *Session) Create(ctx context.Context, req api.CreateBattleRequest) (*api.Battle, error) {
	b, err := s.api.CreateBattle(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.Enter(ctx, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// Enter opens the waiting room of a battle created by the local participant
// and restores its persisted invitations.
func (s *Session) Enter(ctx context.Context, battleID string) error {
	s.store.Enter(battleID, s.cfg.Participant)
	if err := s.policy.Restore(ctx); err != nil {
		log.Warn().Err(err).Str("battle_id", battleID).Msg("could not restore invitations")
		s.buses.SoftErrors.Publish(&reconcile.SoftError{Op: "restore invites", Err: err})
	}
	return s.open(battleID, roleCreator)
}

// Join joins someone else's battle. join_battle is sent once the channel is
// open, and again after every reconnect until the battle starts.
func (s *Session) Join(ctx context.Context, battleID string) error {
	st, err := s.api.BattleState(ctx, battleID)
	if err != nil {
		return fmt.Errorf("join battle %s: %w", battleID, err)
	}
	if st.Status != api.StatusWaiting && st.Opponent != s.cfg.Participant {
		return ErrNotJoinable
	}

	s.store.Enter(battleID, st.Creator)
	s.store.ApplyJoin(s.cfg.Participant)
	return s.open(battleID, roleJoiner)
}

func (s *Session) open(battleID string, r role) error {
	prev := s.connection()
	if prev != nil && prev.Key.ChannelID != battleID {
		_ = prev.Close()
	}

	s.mu.Lock()
	s.role = r
	s.mu.Unlock()

	conn, err := s.manager.Open(realtime.ChannelBattle, battleID, s.cfg.Participant, realtime.Hooks{
		OnFrame:  s.dispatcher.HandleFrame,
		OnStatus: s.onStatus,
	})
	if err != nil {
		s.store.Reset()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.policy.SetSender(conn)

	s.buses.Navigation.Publish(pubsub.Navigation{Route: pubsub.RouteWaitingRoom, BattleID: battleID})
	s.triggers.Fire(lifecycle.Event{Trigger: lifecycle.Mount})
	return nil
}

// Invite invites a friend to the current waiting room
func (s *Session) Invite(ctx context.Context, friend string) error {
	if !s.store.Snapshot().Active() {
		return ErrNoBattle
	}
	s.store.Touch()
	return s.policy.Invite(ctx, friend)
}

// CancelInvite withdraws the pending invitation of friend
func (s *Session) CancelInvite(ctx context.Context, friend string) error {
	s.store.Touch()
	return s.policy.CancelInvite(ctx, friend)
}

// Activity records user activity in the waiting room
func (s *Session) Activity() {
	s.store.Touch()
}

// Refresh polls the authoritative battle state now, bypassing the debounce
func (s *Session) Refresh(ctx context.Context) error {
	return s.refresh(ctx)
}

// Leave abandons the current battle. A creator still waiting for an opponent
// cancels the battle on the server.
func (s *Session) Leave(ctx context.Context) error {
	st := s.store.Snapshot()
	if !st.Active() {
		return nil
	}
	return s.leave(ctx, st)
}

// Close leaves the battle and stops background work
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StorageTimeout)
	defer cancel()
	if err := s.Leave(ctx); err != nil {
		log.Warn().Err(err).Msg("leave on close failed")
	}
	s.refresher.Close()
}

func (s *Session) leave(ctx context.Context, st session.State) error {
	var cancelErr error
	if st.Creator == s.cfg.Participant && !st.Started && !st.Terminal() {
		cancelErr = s.cancelBattle(ctx, st.BattleID)
	}

	if err := s.ledger.Clear(ctx, st.BattleID); err != nil {
		s.buses.SoftErrors.Publish(&reconcile.SoftError{Op: "clear invites", Err: err})
	}
	s.store.Reset()
	s.disconnect()

	log.Info().Str("battle_id", st.BattleID).Bool("started", st.Started).Msg("left battle")
	s.buses.Navigation.Publish(pubsub.Navigation{Route: pubsub.RouteHome})
	return cancelErr
}

// cancelBattle tells the server over the socket, falling back to REST when
// the socket is not open.
func (s *Session) cancelBattle(ctx context.Context, battleID string) error {
	if conn := s.connection(); conn != nil {
		if err := conn.Send(protocol.CancelBattle(battleID)); err == nil {
			return nil
		}
	}
	if err := s.api.CancelBattle(ctx, battleID); err != nil {
		return fmt.Errorf("cancel battle %s: %w", battleID, err)
	}
	return nil
}

func (s *Session) disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.role = roleNone
	s.mu.Unlock()

	s.policy.SetSender(nil)
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) connection() *realtime.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) refresh(ctx context.Context) error {
	st := s.store.Snapshot()
	if !st.Active() {
		return nil
	}
	state, err := s.api.BattleState(ctx, st.BattleID)
	if err != nil {
		return err
	}
	s.policy.ApplySnapshot(ToSnapshot(state))
	return nil
}

func (s *Session) onStatus(ev realtime.StatusEvent) {
	switch ev.Kind {
	case realtime.EventOpen:
		// the hook may run before open() stored the connection, so ask the registry
		conn, ok := s.manager.Get(ev.Key)
		if !ok || conn.ID != ev.ConnectionID {
			return
		}
		s.mu.Lock()
		r := s.role
		s.mu.Unlock()

		if r == roleJoiner && !s.store.Snapshot().Started {
			if err := conn.Send(protocol.JoinBattle(ev.Key.ChannelID)); err != nil {
				log.Warn().Err(err).Str("battle_id", ev.Key.ChannelID).Msg("join_battle not sent")
			}
		}
		// pushes may have been missed while disconnected
		s.refresher.Request(lifecycle.RefreshRequested)

	case realtime.EventFailed:
		if conn := s.connection(); conn == nil || conn.ID != ev.ConnectionID {
			return
		}
		s.buses.SoftErrors.Publish(fmt.Errorf("battle channel %s: %w", ev.Key.ChannelID, ev.Err))
	}
}

// onInactive runs after the store reset an idle session
func (s *Session) onInactive(last session.State) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StorageTimeout)
	defer cancel()
	if err := s.leave(ctx, last); err != nil {
		log.Warn().Err(err).Str("battle_id", last.BattleID).Msg("leave after inactivity failed")
	}
}

// onRemoved closes the channel of a waiting battle the server removed. It
// runs on the channel's reader, which Close does not wait for.
func (s *Session) onRemoved(battleID string) {
	if conn := s.connection(); conn != nil && conn.Key.ChannelID != battleID {
		return
	}
	s.disconnect()
}

func (s *Session) onSlow(m reconcile.Mark) {
	s.buses.SoftErrors.Publish(&reconcile.SoftError{
		Op:  m.Key,
		Err: fmt.Errorf("still waiting after %s", s.cfg.SlowAfter),
	})
}

// ToSnapshot converts a REST poll result into a reconciliation snapshot
func ToSnapshot(st *api.BattleState) reconcile.Snapshot {
	snap := reconcile.Snapshot{
		BattleID: st.ID,
		Creator:  st.Creator,
		Opponent: st.Opponent,
		Started:  st.Status == api.StatusInProgress || st.Status == api.StatusFinished,
		Finished: st.Status == api.StatusFinished,
		Winner:   st.Winner,
		Draw:     st.IsDraw,
		Scores:   make(map[string]reconcile.SnapshotScore, len(st.Scores)),
	}
	for participant, e := range st.Scores {
		snap.Scores[participant] = reconcile.SnapshotScore{Score: e.Score, Seq: e.Seq}
	}
	return snap
}
