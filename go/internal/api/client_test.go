package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CreateBattle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/battles/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"sport":"football","level":"medium"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"b1","creator":"alice","sport":"football","level":"medium","status":"waiting"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", 0)
	b, err := c.CreateBattle(context.Background(), CreateBattleRequest{Sport: "football", Level: "medium"})
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, StatusWaiting, b.Status)
}

func TestClient_ErrorCarriesStatusAndDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail":"invitation already answered"}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, 0).AcceptInvitation(context.Background(), "3")
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, StatusOf(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invitation already answered", apiErr.Detail)
}

func TestClient_BattleStateAndVote(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/battles/b1/state/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"b1","creator":"alice","opponent":"bob","status":"in_progress","scores":{"bob":{"score":3,"seq":2}}}`))
	})
	mux.HandleFunc("/api/training/questions/q1/vote/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"votes":12}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	st, err := c.BattleState(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "bob", st.Opponent)
	assert.Equal(t, ScoreEntry{Score: 3, Seq: 2}, st.Scores["bob"])

	n, err := c.CastVote(context.Background(), "q1")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}
