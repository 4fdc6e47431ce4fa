package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	store, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStores_GetPutDeleteKeys(t *testing.T) {
	for name, store := range map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": openSQLite(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "pending_invites:b1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(ctx, "pending_invites:b1", []byte(`{"alex":"pending"}`)))
			require.NoError(t, store.Put(ctx, "pending_invites:b2", []byte(`{}`)))
			require.NoError(t, store.Put(ctx, "votes:q1", []byte(`true`)))
			require.NoError(t, store.Put(ctx, "pending_invites:b1", []byte(`{"sam":"pending"}`)))

			got, err := store.Get(ctx, "pending_invites:b1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"sam":"pending"}`, string(got))

			keys, err := store.Keys(ctx, "pending_invites:")
			require.NoError(t, err)
			assert.Equal(t, []string{"pending_invites:b1", "pending_invites:b2"}, keys)

			require.NoError(t, store.Delete(ctx, "pending_invites:b1"))
			_, err = store.Get(ctx, "pending_invites:b1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func TestKeyed_ConcurrentUpdatesDoNotClobber(t *testing.T) {
	ctx := context.Background()
	keyed := NewKeyed(openSQLite(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			err := keyed.Update(ctx, key, func(current []byte) ([]byte, error) {
				n := 0
				if current != nil {
					n, _ = strconv.Atoi(string(current))
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			assert.NoError(t, err)
		}(fmt.Sprintf("counter:%d", i%2))
	}
	wg.Wait()

	for _, key := range []string{"counter:0", "counter:1"} {
		v, err := keyed.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "10", string(v))
	}
}

func TestKeyed_NilResultDeletes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	keyed := NewKeyed(store)

	require.NoError(t, store.Put(ctx, "k", []byte(`1`)))
	require.NoError(t, keyed.Update(ctx, "k", func([]byte) ([]byte, error) { return nil, nil }))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	require.NoError(t, store.Put(ctx, "pending_invites:b1", []byte(`{"alex":"pending"}`)))

	boom := errors.New("boom")
	err := store.Update(ctx, "pending_invites:b1", func(current []byte) ([]byte, error) {
		assert.JSONEq(t, `{"alex":"pending"}`, string(current))
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "pending_invites:b1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"alex":"pending"}`, string(got))

	require.NoError(t, store.Update(ctx, "pending_invites:b1", func([]byte) ([]byte, error) { return nil, nil }))
	_, err = store.Get(ctx, "pending_invites:b1")
	assert.ErrorIs(t, err, ErrNotFound)
}
