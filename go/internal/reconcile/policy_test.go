package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/trivia-battle/go/internal/mirror"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
	"github.com/mcdev12/trivia-battle/go/internal/pubsub"
	"github.com/mcdev12/trivia-battle/go/internal/session"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (f *fakeSender) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) types() []protocol.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Type
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

type fakeSink struct {
	got []protocol.Type
}

func (f *fakeSink) ApplyPush(msg protocol.Message) { f.got = append(f.got, msg.Type) }

type policyFixture struct {
	policy   *Policy
	store    *session.Store
	mirror   *mirror.MemoryStore
	sender   *fakeSender
	sink     *fakeSink
	navs     *[]pubsub.Navigation
	softErrs *[]error
	removed  *[]string
}

func newPolicyFixture(t *testing.T, me string, backing *mirror.MemoryStore) policyFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := session.NewStore(clock, session.Config{InviteLimit: 1}, nil)
	t.Cleanup(store.Reset)

	buses := pubsub.NewBuses()
	var navs []pubsub.Navigation
	var softErrs []error
	buses.Navigation.Subscribe(func(n pubsub.Navigation) { navs = append(navs, n) })
	buses.SoftErrors.Subscribe(func(err error) { softErrs = append(softErrs, err) })

	sender := &fakeSender{}
	sink := &fakeSink{}
	var removed []string
	p := NewPolicy(Deps{
		Participant:   me,
		Store:         store,
		Ledger:        NewInviteLedger(mirror.NewKeyed(backing)),
		Tracker:       NewTracker(clock, DefaultSlowAfter, nil),
		Buses:         buses,
		Notifications: sink,
		OnRemoved:     func(battleID string) { removed = append(removed, battleID) },
	})
	p.SetSender(sender)

	return policyFixture{
		policy:   p,
		store:    store,
		mirror:   backing,
		sender:   sender,
		sink:     sink,
		navs:     &navs,
		softErrs: &softErrs,
		removed:  &removed,
	}
}

func mustDecode(t *testing.T, frame string) protocol.Message {
	t.Helper()
	msg, err := protocol.Decode([]byte(frame))
	require.NoError(t, err)
	return msg
}

func TestPolicy_DuplicateBattleStartedNavigatesOnce(t *testing.T) {
	f := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	f.store.Enter("b1", "alice")

	started := mustDecode(t, `{"type":"battle_started","data":"b1"}`)
	f.policy.Handle(started)
	once := f.store.Snapshot()
	f.policy.Handle(started)

	assert.Equal(t, once, f.store.Snapshot())
	assert.Equal(t, []pubsub.Navigation{{Route: pubsub.RouteCountdown, BattleID: "b1"}}, *f.navs)
}

func TestPolicy_InvitationRejectedIsPersistedAcrossReload(t *testing.T) {
	backing := mirror.NewMemoryStore()
	ctx := context.Background()

	f := newPolicyFixture(t, "alice", backing)
	f.store.Enter("w1", "alice")
	require.NoError(t, f.policy.Invite(ctx, "alex"))
	assert.Equal(t, map[string]session.InviteStatus{"alex": session.InvitePending}, f.store.Invites())
	assert.Equal(t, []protocol.Type{protocol.TypeInviteFriend}, f.sender.types())

	// a reload before the rejection restores the pending invite
	reloaded := newPolicyFixture(t, "alice", backing)
	reloaded.store.Enter("w1", "alice")
	require.NoError(t, reloaded.policy.Restore(ctx))
	assert.Equal(t, map[string]session.InviteStatus{"alex": session.InvitePending}, reloaded.store.Invites())

	f.policy.Handle(mustDecode(t, `{"type":"invitation_rejected","data":{"rejected_by":"alex"}}`))
	assert.Empty(t, f.store.Invites())

	again := newPolicyFixture(t, "alice", backing)
	again.store.Enter("w1", "alice")
	require.NoError(t, again.policy.Restore(ctx))
	assert.Empty(t, again.store.Invites())
}

func TestPolicy_RejectionRemovesOnlyTheRejectingFriend(t *testing.T) {
	f := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	f.store.Enter("w1", "alice")
	f.store.RestoreInvites(map[string]session.InviteStatus{
		"alex": session.InvitePending,
		"sam":  session.InvitePending,
	})

	f.policy.Handle(mustDecode(t, `{"type":"invitation_rejected","data":{"rejected_by":"alex"}}`))
	assert.Equal(t, map[string]session.InviteStatus{"sam": session.InvitePending}, f.store.Invites())
}

func TestPolicy_SecondInviteRejectedWithoutNetworkCall(t *testing.T) {
	f := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	f.store.Enter("w1", "alice")
	ctx := context.Background()

	require.NoError(t, f.policy.Invite(ctx, "alex"))
	assert.ErrorIs(t, f.policy.Invite(ctx, "sam"), session.ErrInvitePending)
	assert.Len(t, f.sender.types(), 1)

	require.NoError(t, f.policy.CancelInvite(ctx, "alex"))
	assert.Empty(t, f.store.Invites())
	require.NoError(t, f.policy.Invite(ctx, "sam"))
	assert.Equal(t, []protocol.Type{
		protocol.TypeInviteFriend, protocol.TypeCancelInvitation, protocol.TypeInviteFriend,
	}, f.sender.types())
}

func TestPolicy_InviteSendFailureRetractsOptimisticInvite(t *testing.T) {
	backing := mirror.NewMemoryStore()
	f := newPolicyFixture(t, "alice", backing)
	f.store.Enter("w1", "alice")
	f.sender.err = errors.New("not open")

	err := f.policy.Invite(context.Background(), "alex")
	assert.Error(t, err)
	assert.Empty(t, f.store.Invites())

	persisted, err := NewInviteLedger(mirror.NewKeyed(backing)).Load(context.Background(), "w1")
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestPolicy_ScoreConvergesRegardlessOfPollOrPushOrder(t *testing.T) {
	push := mustDecode(t, `{"type":"score_update","data":{"battle_id":"b1","username":"bob","score":5,"seq":3}}`)
	snap := Snapshot{
		BattleID: "b1",
		Opponent: "bob",
		Started:  true,
		Scores:   map[string]SnapshotScore{"bob": {Score: 5, Seq: 3}, "alice": {Score: 2, Seq: 1}},
	}
	started := mustDecode(t, `{"type":"battle_started","data":"b1"}`)

	pushFirst := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	pushFirst.store.Enter("b1", "alice")
	pushFirst.policy.Handle(started)
	pushFirst.policy.Handle(push)
	pushFirst.policy.ApplySnapshot(snap)

	pollFirst := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	pollFirst.store.Enter("b1", "alice")
	pollFirst.policy.ApplySnapshot(snap)
	pollFirst.policy.Handle(push)
	pollFirst.policy.Handle(started)

	a, b := pushFirst.store.Snapshot(), pollFirst.store.Snapshot()
	assert.Equal(t, a.Scores, b.Scores)
	assert.Equal(t, a.Opponent, b.Opponent)
	assert.Equal(t, a.Started, b.Started)
	assert.Len(t, *pushFirst.navs, 1)
	assert.Len(t, *pollFirst.navs, 1)
}

func TestPolicy_TerminalAppliedOnce(t *testing.T) {
	f := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	f.store.Enter("b1", "alice")
	f.store.ApplyStarted("b1")

	end := mustDecode(t, `{"type":"battle_end","data":{"battle_id":"b1","winner":"bob","scores":{"alice":3,"bob":4}}}`)
	f.policy.OnTerminal(end)
	f.policy.OnTerminal(end)

	st := f.store.Snapshot()
	assert.Equal(t, session.OutcomeLose, st.Outcome)
	assert.Equal(t, 4, st.Scores["bob"])
	assert.Equal(t, []pubsub.Navigation{{Route: pubsub.RouteResults, BattleID: "b1"}}, *f.navs)
}

func TestPolicy_PlayerJoinedAcceptsInvitation(t *testing.T) {
	f := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	f.store.Enter("w1", "alice")
	require.NoError(t, f.policy.Invite(context.Background(), "alex"))

	f.policy.Handle(mustDecode(t, `{"type":"player_joined","data":{"battle_id":"w1","username":"alex"}}`))
	st := f.store.Snapshot()
	assert.Equal(t, "alex", st.Opponent)
	assert.Equal(t, session.InviteAccepted, st.Invites["alex"])
}

func TestPolicy_BattleRemovedLeavesWaitingRoom(t *testing.T) {
	f := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	f.store.Enter("w1", "alice")

	f.policy.Handle(mustDecode(t, `{"type":"battle_removed","data":"other"}`))
	assert.True(t, f.store.Snapshot().Active())

	f.policy.Handle(mustDecode(t, `{"type":"battle_removed","data":{"battle_id":"w1"}}`))
	assert.False(t, f.store.Snapshot().Active())
	assert.Equal(t, []pubsub.Navigation{{Route: pubsub.RouteHome}}, *f.navs)
}

func TestPolicy_LatePushesForRemovedBattleAreIgnored(t *testing.T) {
	f := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	f.store.Enter("w1", "alice")

	f.policy.Handle(mustDecode(t, `{"type":"battle_removed","data":"w1"}`))
	assert.Equal(t, []string{"w1"}, *f.removed)
	assert.ErrorIs(t, f.policy.send(protocol.JoinBattle("w1")), ErrNoSender)

	f.policy.Handle(mustDecode(t, `{"type":"player_joined","data":{"battle_id":"w1","username":"bob"}}`))
	f.policy.Handle(mustDecode(t, `{"type":"battle_started","data":"w1"}`))
	f.policy.Handle(mustDecode(t, `{"type":"score_update","data":{"battle_id":"w1","username":"bob","score":3}}`))
	f.policy.OnTerminal(mustDecode(t, `{"type":"battle_end","data":{"battle_id":"w1","winner":"bob","scores":{"bob":3}}}`))
	f.policy.ApplySnapshot(Snapshot{BattleID: "w1", Opponent: "bob", Started: true, Finished: true, Winner: "bob"})

	st := f.store.Snapshot()
	assert.False(t, st.Active())
	assert.Empty(t, st.Opponent)
	assert.False(t, st.Started)
	assert.False(t, st.Terminal())
	assert.Empty(t, st.Scores)
	assert.Equal(t, []pubsub.Navigation{{Route: pubsub.RouteHome}}, *f.navs)
}

func TestPolicy_NotificationPushesReachSink(t *testing.T) {
	f := newPolicyFixture(t, "alice", mirror.NewMemoryStore())
	f.policy.Handle(mustDecode(t, `{"type":"user_updated"}`))
	f.policy.Handle(mustDecode(t, `{"type":"friend_request_updated","data":{"id":"7","from_user":"bob","status":"accepted"}}`))
	f.policy.Handle(mustDecode(t, `{"type":"chat","data":{"sender":"bob","message":"hi"}}`))

	assert.Equal(t, []protocol.Type{protocol.TypeUserUpdated, protocol.TypeFriendRequestUpdated}, f.sink.got)
}

type stubVoteAPI struct {
	count int
	err   error
	delay time.Duration
}

func (s stubVoteAPI) CastVote(ctx context.Context, _ string) (int, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.count, s.err
}

func TestVotes_AuthoritativeCountWins(t *testing.T) {
	keyed := mirror.NewKeyed(mirror.NewMemoryStore())
	tracker := NewTracker(clockwork.NewFakeClock(), 0, nil)
	soft := pubsub.NewBus[error]("soft")

	votes := NewVotes(stubVoteAPI{count: 12}, keyed, tracker, soft, "alice")
	votes.Seed("q1", 9)

	n, err := votes.Vote(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	voted, err := votes.HasVoted(context.Background(), "q1")
	require.NoError(t, err)
	assert.True(t, voted)

	_, err = votes.Vote(context.Background(), "q1")
	assert.ErrorIs(t, err, ErrAlreadyVoted)
}

func TestVotes_FailedCallKeepsOptimisticCountAndSurfacesSoftError(t *testing.T) {
	keyed := mirror.NewKeyed(mirror.NewMemoryStore())
	tracker := NewTracker(clockwork.NewFakeClock(), 0, nil)
	soft := pubsub.NewBus[error]("soft")
	var surfaced []error
	soft.Subscribe(func(err error) { surfaced = append(surfaced, err) })

	votes := NewVotes(stubVoteAPI{err: errors.New("503")}, keyed, tracker, soft, "alice")
	votes.Seed("q1", 9)

	n, err := votes.Vote(context.Background(), "q1")
	assert.True(t, IsSoft(err))
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, votes.Count("q1"))
	require.Len(t, surfaced, 1)
	assert.False(t, tracker.Processing("vote:q1"))
}
