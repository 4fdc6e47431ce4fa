package notifications

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/trivia-battle/go/internal/api"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
	"github.com/mcdev12/trivia-battle/go/internal/pubsub"
	"github.com/mcdev12/trivia-battle/go/internal/reconcile"
)

const (
	testTimeout = time.Second
	testTick    = 5 * time.Millisecond
)

type fakeAPI struct {
	mu          sync.Mutex
	requests    []protocol.FriendRequest
	invitations []protocol.Invitation
	battles     map[string]*api.Battle
	answerErr   error
	block       chan struct{}
	answered    []string
}

func (f *fakeAPI) FriendRequests(context.Context) ([]protocol.FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.FriendRequest(nil), f.requests...), nil
}

func (f *fakeAPI) Invitations(context.Context) ([]protocol.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Invitation(nil), f.invitations...), nil
}

func (f *fakeAPI) GetBattle(_ context.Context, id string) (*api.Battle, error) {
	b, ok := f.battles[id]
	if !ok {
		return nil, &api.Error{Method: http.MethodGet, Path: "/api/battles/" + id + "/", Status: http.StatusNotFound}
	}
	return b, nil
}

func (f *fakeAPI) answer(op string) func(context.Context, string) error {
	return func(_ context.Context, id string) error {
		if f.block != nil {
			<-f.block
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.answerErr != nil {
			return f.answerErr
		}
		f.answered = append(f.answered, op+":"+id)
		return nil
	}
}

func (f *fakeAPI) AcceptFriendRequest(ctx context.Context, id string) error {
	return f.answer("accept_fr")(ctx, id)
}

func (f *fakeAPI) RejectFriendRequest(ctx context.Context, id string) error {
	return f.answer("reject_fr")(ctx, id)
}

func (f *fakeAPI) AcceptInvitation(ctx context.Context, id string) error {
	return f.answer("accept_inv")(ctx, id)
}

func (f *fakeAPI) RejectInvitation(ctx context.Context, id string) error {
	return f.answer("reject_inv")(ctx, id)
}

func newFixture(t *testing.T) (*Aggregate, *fakeAPI, *pubsub.Buses) {
	t.Helper()
	fake := &fakeAPI{
		requests: []protocol.FriendRequest{
			{ID: "1", From: "bob", Status: StatusPending},
		},
		invitations: []protocol.Invitation{
			{ID: "7", BattleID: "b1", From: "alice", Status: StatusPending},
			{ID: "8", BattleID: "gone", From: "carol", Status: StatusPending},
		},
		battles: map[string]*api.Battle{
			"b1": {ID: "b1", Creator: "alice", Sport: "football", Level: "hard"},
		},
	}
	buses := pubsub.NewBuses()
	tracker := reconcile.NewTracker(clockwork.NewFakeClock(), 0, nil)
	agg := NewAggregate(fake, tracker, buses, reconcile.BatchOptions{Size: 2})
	require.NoError(t, agg.Refresh(context.Background()))
	return agg, fake, buses
}

func TestAggregate_RefreshEnrichesInvitations(t *testing.T) {
	agg, _, _ := newFixture(t)

	invs := agg.Invitations()
	require.Len(t, invs, 2)
	assert.Equal(t, "football", invs[0].Sport)
	assert.Equal(t, "hard", invs[0].Level)
	assert.Empty(t, invs[1].Level, "failed enrichment keeps the invitation")
	assert.Equal(t, 3, agg.Count())
}

func TestAggregate_ResolvedItemsAreNeverResurrected(t *testing.T) {
	agg, fake, buses := newFixture(t)

	var nav []pubsub.Navigation
	buses.Navigation.Subscribe(func(n pubsub.Navigation) { nav = append(nav, n) })

	require.NoError(t, agg.AcceptInvitation(context.Background(), "7"))
	assert.ErrorIs(t, agg.AcceptInvitation(context.Background(), "7"), ErrResolved)
	assert.ErrorIs(t, agg.RejectInvitation(context.Background(), "7"), ErrResolved)
	assert.Equal(t, []pubsub.Navigation{{Route: pubsub.RouteWaitingRoom, BattleID: "b1"}}, nav)

	// the server snapshot still lists the invitation as pending
	require.NoError(t, agg.Refresh(context.Background()))
	assert.Equal(t, StatusAccepted, agg.Status(KindInvitation, "7"))
	require.Len(t, agg.Invitations(), 1)
	assert.Equal(t, []string{"accept_inv:7"}, fake.answered)
}

func TestAggregate_ConcurrentAnswerIsRejectedWhileProcessing(t *testing.T) {
	agg, fake, _ := newFixture(t)
	fake.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- agg.AcceptFriendRequest(context.Background(), "1") }()

	require.Eventually(t, func() bool { return agg.Processing(KindFriendRequest, "1") }, testTimeout, testTick)
	assert.ErrorIs(t, agg.RejectFriendRequest(context.Background(), "1"), ErrProcessing)

	close(fake.block)
	require.NoError(t, <-done)
	assert.False(t, agg.Processing(KindFriendRequest, "1"))
	assert.Empty(t, agg.FriendRequests())
}

func TestAggregate_RacingAnswersReachServerOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		agg, fake, _ := newFixture(t)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		start := make(chan struct{})
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				answer := agg.AcceptFriendRequest
				if g%2 == 1 {
					answer = agg.RejectFriendRequest
				}
				for j := 0; j < 4; j++ {
					if answer(context.Background(), "1") == nil {
						mu.Lock()
						succeeded++
						mu.Unlock()
					}
				}
			}(g)
		}
		close(start)
		wg.Wait()

		require.Equal(t, 1, succeeded)
		fake.mu.Lock()
		require.Len(t, fake.answered, 1)
		fake.mu.Unlock()
		assert.NotEqual(t, StatusPending, agg.Status(KindFriendRequest, "1"))
	}
}

func TestAggregate_FailedAnswerKeepsItemPending(t *testing.T) {
	agg, fake, buses := newFixture(t)
	fake.answerErr = errors.New("connection reset")

	var soft []error
	buses.SoftErrors.Subscribe(func(err error) { soft = append(soft, err) })

	err := agg.RejectFriendRequest(context.Background(), "1")
	require.Error(t, err)
	assert.Equal(t, StatusPending, agg.Status(KindFriendRequest, "1"))
	assert.False(t, agg.Processing(KindFriendRequest, "1"))
	require.Len(t, soft, 1)
	assert.True(t, reconcile.IsSoft(soft[0]))
}

func TestAggregate_AnsweredElsewhereIsDropped(t *testing.T) {
	agg, fake, _ := newFixture(t)
	fake.answerErr = &api.Error{Method: http.MethodPost, Status: http.StatusConflict}

	err := agg.AcceptInvitation(context.Background(), "8")
	assert.ErrorIs(t, err, ErrResolved)
	assert.Equal(t, StatusGone, agg.Status(KindInvitation, "8"))
}

func TestAggregate_ApplyPush(t *testing.T) {
	agg, _, _ := newFixture(t)

	stale := 0
	agg.OnStale(func() { stale++ })

	msg, err := protocol.NewMessage(protocol.TypeUserUpdated, protocol.UserUpdatedPayload{Username: "me"})
	require.NoError(t, err)
	agg.ApplyPush(msg)
	assert.Equal(t, 1, stale)

	msg, err = protocol.NewMessage(protocol.TypeFriendRequestUpdated, protocol.FriendRequestUpdatedPayload{
		FriendRequest: protocol.FriendRequest{ID: "1", From: "bob", Status: StatusAccepted},
	})
	require.NoError(t, err)
	agg.ApplyPush(msg)
	assert.Equal(t, StatusAccepted, agg.Status(KindFriendRequest, "1"))
	assert.Empty(t, agg.FriendRequests())

	msg, err = protocol.NewMessage(protocol.TypeUserUpdated, protocol.UserUpdatedPayload{
		FriendRequests: []protocol.FriendRequest{{ID: "1", From: "bob", Status: StatusPending}, {ID: "2", From: "dan"}},
	})
	require.NoError(t, err)
	agg.ApplyPush(msg)
	frs := agg.FriendRequests()
	require.Len(t, frs, 1)
	assert.Equal(t, "2", frs[0].ID)
	assert.Len(t, agg.Invitations(), 2, "invitations untouched when the push omits them")
}
