package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RejectsConcurrentActionOnSameKey(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 0, nil)

	m, err := tr.Begin("friend_request:7")
	require.NoError(t, err)
	assert.True(t, tr.Processing("friend_request:7"))

	_, err = tr.Begin("friend_request:7")
	assert.ErrorIs(t, err, ErrInFlight)

	_, err = tr.Begin("friend_request:8")
	assert.NoError(t, err)

	tr.Fail(m, errors.New("500"))
	assert.False(t, tr.Processing("friend_request:7"))
	_, err = tr.Begin("friend_request:7")
	assert.NoError(t, err)
}

func TestTracker_SlowActionIsReportedWithoutCancelling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	slow := make(chan Mark, 1)
	tr := NewTracker(clock, DefaultSlowAfter, func(m Mark) { slow <- m })

	m, err := tr.Begin("invitation:3")
	require.NoError(t, err)

	clock.Advance(DefaultSlowAfter)
	select {
	case got := <-slow:
		assert.Equal(t, m.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("slow callback not invoked")
	}
	assert.True(t, tr.Slow("invitation:3"))
	assert.True(t, tr.Processing("invitation:3"))

	tr.Confirm(m)
	assert.False(t, tr.Processing("invitation:3"))
	assert.Empty(t, tr.Keys())
}

func TestTracker_ConfirmBeforeSlowCancelsWatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	slow := make(chan Mark, 1)
	tr := NewTracker(clock, DefaultSlowAfter, func(m Mark) { slow <- m })

	m, err := tr.Begin("vote:q1")
	require.NoError(t, err)
	tr.Confirm(m)

	clock.Advance(2 * DefaultSlowAfter)
	select {
	case <-slow:
		t.Fatal("slow callback fired for a settled action")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTracker_StaleMarkDoesNotClearNewerAction(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), 0, nil)

	first, err := tr.Begin("k")
	require.NoError(t, err)
	tr.Confirm(first)

	_, err = tr.Begin("k")
	require.NoError(t, err)
	tr.Confirm(first)
	assert.True(t, tr.Processing("k"))
}
