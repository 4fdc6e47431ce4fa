package devserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/trivia-battle/go/internal/api"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
)

// UsernameHeader identifies the caller of REST requests
const UsernameHeader = api.UsernameHeader

const lobbyID = "lobby"

func battleRoom(id string) string { return "battle:" + id }
func chatRoom(id string) string   { return "chat:" + id }

// Server is a development battle backend: REST for battles and invitations,
// websocket channels for battle and chat pushes.
type Server struct {
	hub      *Hub
	registry *registry
	router   *mux.Router
	now      func() time.Time
	notify   func(username, reason string) error
}

func New(config ConnectionConfig) *Server {
	s := &Server{
		hub:      NewHub(config),
		registry: newRegistry(),
		router:   mux.NewRouter(),
		now:      time.Now,
	}
	s.hub.onCmd = s.handleCommand
	s.routes()
	return s
}

// OnNotify installs a side channel told whenever a user's notifications
// change, e.g. a NATS refresh publisher.
func (s *Server) OnNotify(fn func(username, reason string) error) {
	s.notify = fn
}

// Hub exposes the websocket hub, e.g. to push scripted messages
func (s *Server) Hub() *Hub { return s.hub }

// Push sends msg to every client of a battle channel
func (s *Server) Push(battleID string, msg protocol.Message) {
	s.hub.Broadcast(battleRoom(battleID), msg)
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/debug/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/api/battles/", s.handleCreateBattle).Methods(http.MethodPost)
	r.HandleFunc("/api/battles/", s.handleListBattles).Methods(http.MethodGet)
	r.HandleFunc("/api/battles/{id}/", s.handleGetBattle).Methods(http.MethodGet)
	r.HandleFunc("/api/battles/{id}/state/", s.handleGetBattle).Methods(http.MethodGet)
	r.HandleFunc("/api/battles/{id}/cancel/", s.handleCancelBattle).Methods(http.MethodPost)
	r.HandleFunc("/api/battles/{id}/score/", s.handleScore).Methods(http.MethodPost)
	r.HandleFunc("/api/battles/{id}/end/", s.handleEnd).Methods(http.MethodPost)

	r.HandleFunc("/api/invitations/", s.handleListInvitations).Methods(http.MethodGet)
	r.HandleFunc("/api/invitations/{id}/accept/", s.handleAnswerInvitation("accepted")).Methods(http.MethodPost)
	r.HandleFunc("/api/invitations/{id}/reject/", s.handleAnswerInvitation("rejected")).Methods(http.MethodPost)
	r.HandleFunc("/api/friend-requests/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []protocol.FriendRequest{})
	}).Methods(http.MethodGet)

	r.HandleFunc("/ws/{kind}/{id}/", s.handleWebSocket)
}

// Handler returns the router wrapped with CORS and HTTP/2 cleartext support
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(s.router), &http2.Server{})
}

// NewHTTPServer builds the http.Server listening on addr
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, id := vars["kind"], vars["id"]
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	var room string
	switch kind {
	case "battle":
		if id != lobbyID {
			if _, err := s.registry.get(id); err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
		}
		room = battleRoom(id)
	case "chat":
		room = chatRoom(id)
	default:
		http.Error(w, "unknown channel kind", http.StatusNotFound)
		return
	}

	if err := s.hub.Upgrade(w, r, room, username); err != nil {
		log.Error().Err(err).Str("room", room).Str("username", username).Msg("failed to upgrade websocket connection")
	}
}

func (s *Server) handleCommand(c *Client, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoinBattle:
		var cmd struct {
			BattleID string `json:"battle_id"`
		}
		if !decodeCommand(c, msg, &cmd) {
			return
		}
		s.join(cmd.BattleID, c.Username)

	case protocol.TypeCancelBattle:
		var cmd struct {
			BattleID string `json:"battle_id"`
		}
		if !decodeCommand(c, msg, &cmd) {
			return
		}
		if err := s.registry.cancel(cmd.BattleID, c.Username); err != nil {
			log.Warn().Err(err).Str("battle_id", cmd.BattleID).Msg("cancel refused")
			return
		}
		s.removed(cmd.BattleID)

	case protocol.TypeInviteFriend, protocol.TypeCancelInvitation:
		var cmd struct {
			BattleID       string `json:"battle_id"`
			FriendUsername string `json:"friend_username"`
		}
		if !decodeCommand(c, msg, &cmd) {
			return
		}
		if msg.Type == protocol.TypeCancelInvitation {
			s.registry.cancelInvitation(cmd.BattleID, cmd.FriendUsername)
		} else if _, err := s.registry.invite(cmd.BattleID, c.Username, cmd.FriendUsername); err != nil {
			log.Warn().Err(err).Str("battle_id", cmd.BattleID).Msg("invite refused")
			return
		}
		s.notifyUser(cmd.FriendUsername)

	case protocol.TypeAcceptInvitation, protocol.TypeRejectInvitation:
		var cmd struct {
			InvitationID string `json:"invitation_id"`
		}
		if !decodeCommand(c, msg, &cmd) {
			return
		}
		status := "accepted"
		if msg.Type == protocol.TypeRejectInvitation {
			status = "rejected"
		}
		if err := s.answer(cmd.InvitationID, c.Username, status); err != nil {
			log.Warn().Err(err).Str("invitation_id", cmd.InvitationID).Msg("answer refused")
		}

	case protocol.TypeGetWaitingBattles:
		s.hub.SendTo(c.Room, c.Username, s.waitingBattles())

	case protocol.TypeChat:
		var cmd struct {
			Message string `json:"message"`
		}
		if !decodeCommand(c, msg, &cmd) {
			return
		}
		out, _ := protocol.NewMessage(protocol.TypeChat, protocol.ChatPayload{
			Sender:    c.Username,
			Message:   cmd.Message,
			Timestamp: s.now().UTC(),
		})
		s.hub.Broadcast(c.Room, out)

	case protocol.TypeTyping:
		var cmd struct {
			IsTyping bool `json:"is_typing"`
		}
		if !decodeCommand(c, msg, &cmd) {
			return
		}
		out, _ := protocol.NewMessage(protocol.TypeTyping, protocol.TypingPayload{Sender: c.Username, IsTyping: cmd.IsTyping})
		s.hub.Broadcast(c.Room, out)

	default:
		log.Debug().Str("message_type", string(msg.Type)).Msg("ignoring client message")
	}
}

// join adds the opponent and tells everyone the battle started. A repeated
// join repeats the pushes, which clients must tolerate.
func (s *Server) join(battleID, username string) {
	started, err := s.registry.join(battleID, username)
	if err != nil {
		log.Warn().Err(err).Str("battle_id", battleID).Str("username", username).Msg("join refused")
		return
	}

	joined, _ := protocol.NewMessage(protocol.TypePlayerJoined, protocol.PlayerJoinedPayload{BattleID: battleID, Username: username})
	begun, _ := protocol.NewMessage(protocol.TypeBattleStarted, battleID)
	s.Push(battleID, joined)
	s.Push(battleID, begun)

	if started {
		s.hub.Broadcast(battleRoom(lobbyID), begun)
		log.Info().Str("battle_id", battleID).Str("opponent", username).Msg("battle started")
	}
}

func (s *Server) removed(battleID string) {
	msg, _ := protocol.NewMessage(protocol.TypeBattleRemoved, battleID)
	s.Push(battleID, msg)
	s.hub.Broadcast(battleRoom(lobbyID), msg)
}

func (s *Server) notifyUser(username string) {
	msg, _ := protocol.NewMessage(protocol.TypeUserUpdated, protocol.UserUpdatedPayload{
		Username:    username,
		Invitations: s.registry.invitationsFor(username),
	})
	s.hub.SendTo(battleRoom(lobbyID), username, msg)

	if s.notify != nil {
		if err := s.notify(username, "notifications"); err != nil {
			log.Warn().Err(err).Str("username", username).Msg("failed to publish refresh signal")
		}
	}
}

func (s *Server) waitingBattles() protocol.Message {
	battles := s.registry.waiting()
	if battles == nil {
		battles = []protocol.WaitingBattle{}
	}
	msg, _ := protocol.NewMessage(protocol.TypeWaitingBattles, protocol.WaitingBattlesPayload{Battles: battles})
	return msg
}

func (s *Server) handleCreateBattle(w http.ResponseWriter, r *http.Request) {
	username := r.Header.Get(UsernameHeader)
	if username == "" {
		writeError(w, http.StatusUnauthorized, UsernameHeader+" header is required")
		return
	}
	var req api.CreateBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Sport == "" || req.Level == "" {
		writeError(w, http.StatusBadRequest, "sport and level are required")
		return
	}

	b := s.registry.create(username, req)
	s.hub.Broadcast(battleRoom(lobbyID), s.waitingBattles())
	log.Info().Str("battle_id", b.ID).Str("creator", username).Str("sport", b.Sport).Msg("battle created")
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBattles(w http.ResponseWriter, r *http.Request) {
	battles := s.registry.waiting()
	out := make([]api.Battle, 0, len(battles))
	for _, b := range battles {
		out = append(out, api.Battle{
			ID:       b.ID,
			Creator:  b.Creator,
			Sport:    b.Sport,
			Level:    b.Level,
			Duration: b.Duration,
			Status:   api.StatusWaiting,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	st, err := s.registry.get(mux.Vars(r)["id"])
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelBattle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.cancel(id, r.Header.Get(UsernameHeader)); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.removed(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Username string `json:"username"`
		Delta    int    `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username and delta are required")
		return
	}

	e, err := s.registry.score(id, req.Username, req.Delta)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	score := e.Score
	msg, _ := protocol.NewMessage(protocol.TypeScoreUpdate, protocol.ScoreUpdatePayload{
		BattleID: id,
		Username: req.Username,
		Score:    &score,
		Seq:      e.Seq,
	})
	s.Push(id, msg)
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := s.registry.finish(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	msg, _ := protocol.NewMessage(protocol.TypeBattleEnd, result)
	s.Push(id, msg)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	invs := s.registry.invitationsFor(r.Header.Get(UsernameHeader))
	if invs == nil {
		invs = []protocol.Invitation{}
	}
	writeJSON(w, http.StatusOK, invs)
}

func (s *Server) handleAnswerInvitation(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.answer(mux.Vars(r)["id"], r.Header.Get(UsernameHeader), status); err != nil {
			writeRegistryError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) answer(id, username, status string) error {
	inv, err := s.registry.answer(id, username, status)
	if err != nil {
		return err
	}
	if status == "rejected" {
		msg, _ := protocol.NewMessage(protocol.TypeInvitationRejected, protocol.InvitationRejectedPayload{
			BattleID:   inv.BattleID,
			RejectedBy: username,
		})
		s.Push(inv.BattleID, msg)
	}
	s.notifyUser(username)
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

func decodeCommand(c *Client, msg protocol.Message, into any) bool {
	if err := json.Unmarshal(msg.Data, into); err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Str("message_type", string(msg.Type)).Msg("malformed command")
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

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBattleNotFound), errors.Is(err, ErrInvitationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotCreator):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}
