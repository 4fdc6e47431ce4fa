package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatches_FailureIsIsolatedPerItem(t *testing.T) {
	items := []string{"a1", "a2", "a3", "a4", "a5"}
	opts := BatchOptions{Size: 2, Delay: time.Millisecond, Clock: clockwork.NewRealClock(), Name: "test"}

	results, err := RunBatches(context.Background(), items, opts, func(_ context.Context, item string) (string, error) {
		if item == "a3" {
			return "", errors.New("network error")
		}
		return "blob-" + item, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, items[i], r.Item)
		if i == 2 {
			assert.False(t, r.OK())
			continue
		}
		assert.True(t, r.OK())
		assert.Equal(t, "blob-"+items[i], r.Value)
	}
}

func TestRunBatches_RecoversPanickingItem(t *testing.T) {
	results, err := RunBatches(context.Background(), []int{1, 2, 3}, BatchOptions{Size: 3}, func(_ context.Context, n int) (int, error) {
		if n == 2 {
			panic("bad item")
		}
		return n * 10, nil
	})
	require.NoError(t, err)

	var panicErr *PanicError
	assert.ErrorAs(t, results[1].Err, &panicErr)
	assert.Equal(t, 10, results[0].Value)
	assert.Equal(t, 30, results[2].Value)
}

func TestRunBatches_BoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	items := make([]int, 10)

	_, err := RunBatches(context.Background(), items, BatchOptions{Size: 3}, func(context.Context, int) (struct{}, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunBatches_StopsStartingBatchesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	results, err := RunBatches(ctx, []int{1, 2, 3, 4, 5}, BatchOptions{Size: 2}, func(context.Context, int) (int, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return 0, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunBatches_WaitsBetweenBatches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	done := make(chan error, 1)

	go func() {
		_, err := RunBatches(context.Background(), []int{1, 2, 3, 4}, BatchOptions{Size: 2, Delay: time.Second, Clock: clock},
			func(context.Context, int) (int, error) {
				calls.Add(1)
				return 0, nil
			})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(2), calls.Load())

	clock.Advance(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second batch did not run after the delay")
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestResolve(t *testing.T) {
	v, err := Resolve("vote", 5, 7, nil)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = Resolve("vote", 5, 0, errors.New("timeout"))
	assert.Equal(t, 5, v)
	assert.True(t, IsSoft(err))
}
