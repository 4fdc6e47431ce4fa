package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/trivia-battle/go/internal/api"
	"github.com/mcdev12/trivia-battle/go/internal/avatars"
	"github.com/mcdev12/trivia-battle/go/internal/battle"
	"github.com/mcdev12/trivia-battle/go/internal/chat"
	"github.com/mcdev12/trivia-battle/go/internal/lifecycle"
	"github.com/mcdev12/trivia-battle/go/internal/notifications"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
	"github.com/mcdev12/trivia-battle/go/internal/realtime"
	"github.com/mcdev12/trivia-battle/go/internal/session"
)

// setupServer exposes the headless client to its host (a TUI, a script) on
// a local control API. Lifecycle signals arrive through POST /lifecycle.
func setupServer(services *Services) *http.Server {
	router := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	h := &controlHandler{services: services}
	h.register(router)
	setupHealthCheck(router)

	return &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%s", services.Config.ControlPort),
		Handler:           h2c.NewHandler(c.Handler(router), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func setupHealthCheck(router *mux.Router) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	}).Methods(http.MethodGet)
}

type controlHandler struct {
	services *Services
}

func (h *controlHandler) register(r *mux.Router) {
	r.HandleFunc("/state", h.state).Methods(http.MethodGet)
	r.HandleFunc("/lifecycle", h.lifecycle).Methods(http.MethodPost)

	r.HandleFunc("/battles", h.createBattle).Methods(http.MethodPost)
	r.HandleFunc("/battles/{id}/join", h.joinBattle).Methods(http.MethodPost)
	r.HandleFunc("/battle/leave", h.leave).Methods(http.MethodPost)
	r.HandleFunc("/battle/invite", h.invite).Methods(http.MethodPost)
	r.HandleFunc("/battle/invite/cancel", h.cancelInvite).Methods(http.MethodPost)
	r.HandleFunc("/battle/activity", h.activity).Methods(http.MethodPost)

	r.HandleFunc("/notifications/{kind}/{id}/{answer}", h.answer).Methods(http.MethodPost)
	r.HandleFunc("/chat", h.chat).Methods(http.MethodPost)
	r.HandleFunc("/avatars/{username}", h.avatar).Methods(http.MethodGet)
}

type stateResponse struct {
	Battle      session.State              `json:"battle"`
	Lobby       []protocol.WaitingBattle   `json:"lobby"`
	Invitations []notifications.Invitation `json:"invitations"`
	Requests    []protocol.FriendRequest   `json:"friend_requests"`
	Chat        []protocol.ChatPayload     `json:"chat"`
	Typing      []string                   `json:"typing"`
	Connections map[string]interface{}     `json:"connections"`
	Avatars     map[string]int64           `json:"avatars"`
}

func (h *controlHandler) state(w http.ResponseWriter, r *http.Request) {
	s := h.services
	writeJSON(w, http.StatusOK, stateResponse{
		Battle:      s.Battle.Snapshot(),
		Lobby:       s.Lobby.Battles(),
		Invitations: s.Notifications.Invitations(),
		Requests:    s.Notifications.FriendRequests(),
		Chat:        s.Chat.Messages(),
		Typing:      s.Chat.Typing(),
		Connections: s.Manager.Stats(),
		Avatars:     map[string]int64{"entries": int64(s.Avatars.Len()), "bytes": s.Avatars.Size()},
	})
}

func (h *controlHandler) lifecycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trigger  string `json:"trigger"`
		Path     string `json:"path"`
		Identity string `json:"identity"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	actions := h.services.Fire(lifecycle.Event{
		Trigger:  lifecycle.Trigger(req.Trigger),
		Path:     req.Path,
		Identity: req.Identity,
	})
	writeJSON(w, http.StatusOK, actions)
}

func (h *controlHandler) createBattle(w http.ResponseWriter, r *http.Request) {
	var req api.CreateBattleRequest
	if !readJSON(w, r, &req) {
		return
	}
	b, err := h.services.Battle.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *controlHandler) joinBattle(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Battle.Join(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *controlHandler) leave(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Battle.Leave(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type friendRequest struct {
	Friend string `json:"friend"`
}

func (h *controlHandler) invite(w http.ResponseWriter, r *http.Request) {
	var req friendRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.services.Battle.Invite(r.Context(), req.Friend); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *controlHandler) cancelInvite(w http.ResponseWriter, r *http.Request) {
	var req friendRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := h.services.Battle.CancelInvite(r.Context(), req.Friend); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *controlHandler) activity(w http.ResponseWriter, r *http.Request) {
	h.services.Battle.Activity()
	w.WriteHeader(http.StatusNoContent)
}

func (h *controlHandler) answer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n := h.services.Notifications
	ctx := r.Context()

	var err error
	switch notifications.Kind(vars["kind"]) + ":" + notifications.Kind(vars["answer"]) {
	case notifications.KindFriendRequest + ":accept":
		err = n.AcceptFriendRequest(ctx, vars["id"])
	case notifications.KindFriendRequest + ":reject":
		err = n.RejectFriendRequest(ctx, vars["id"])
	case notifications.KindInvitation + ":accept":
		err = n.AcceptInvitation(ctx, vars["id"])
	case notifications.KindInvitation + ":reject":
		err = n.RejectInvitation(ctx, vars["id"])
	default:
		http.Error(w, "unknown notification action", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *controlHandler) chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		Typing  *bool  `json:"typing"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	var err error
	if req.Typing != nil {
		err = h.services.Chat.SetTyping(*req.Typing)
	} else {
		err = h.services.Chat.Send(req.Message)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// avatar serves from the cache, fetching on a miss. Avatars too large for
// the cache are served without being stored.
func (h *controlHandler) avatar(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	cache := h.services.Avatars

	data, ok := cache.Get(username)
	if !ok {
		var err error
		data, err = h.services.API.FetchAvatar(r.Context(), username)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := cache.Put(username, data); err != nil && !errors.Is(err, avatars.ErrTooLarge) {
			log.Warn().Err(err).Str("username", username).Msg("avatar not cached")
		}
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

func readJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

// writeError maps client errors onto control API statuses
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notifications.ErrProcessing), errors.Is(err, notifications.ErrResolved):
		status = http.StatusConflict
	case errors.Is(err, notifications.ErrUnknown):
		status = http.StatusNotFound
	case errors.Is(err, battle.ErrNotJoinable), errors.Is(err, battle.ErrNoBattle), errors.Is(err, session.ErrInvitePending),
		errors.Is(err, session.ErrAlreadyInvited), errors.Is(err, session.ErrTerminal):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, session.ErrInvalidFriend):
		status = http.StatusBadRequest
	case realtime.IsNotOpen(err):
		status = http.StatusServiceUnavailable
	case api.StatusOf(err) != 0:
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}
