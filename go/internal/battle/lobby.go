package battle

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/dispatch"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
	"github.com/mcdev12/trivia-battle/go/internal/pubsub"
	"github.com/mcdev12/trivia-battle/go/internal/realtime"
)

// LobbyChannel is the battle channel id carrying the waiting-battles list
const LobbyChannel = "lobby"

// Lobby keeps the list of battles waiting for an opponent
type Lobby struct {
	manager     *realtime.Manager
	participant string
	buses       *pubsub.Buses
	dispatcher  *dispatch.Dispatcher

	mu      sync.RWMutex
	battles map[string]protocol.WaitingBattle
	conn    *realtime.Connection
}

func NewLobby(manager *realtime.Manager, participant string, buses *pubsub.Buses) *Lobby {
	l := &Lobby{
		manager:     manager,
		participant: participant,
		buses:       buses,
		dispatcher:  dispatch.New(dispatch.Options{Name: LobbyChannel}),
		battles:     make(map[string]protocol.WaitingBattle),
	}
	l.dispatcher.Register(l.handle)
	return l
}

// Dispatcher lets views subscribe to raw lobby messages
func (l *Lobby) Dispatcher() *dispatch.Dispatcher { return l.dispatcher }

// Open connects to the lobby channel; the list is requested on every open
func (l *Lobby) Open() error {
	conn, err := l.manager.Open(realtime.ChannelBattle, LobbyChannel, l.participant, realtime.Hooks{
		OnFrame: l.dispatcher.HandleFrame,
		OnStatus: func(ev realtime.StatusEvent) {
			if ev.Kind != realtime.EventOpen {
				return
			}
			if c, ok := l.manager.Get(ev.Key); ok && c.ID == ev.ConnectionID {
				if err := c.Send(protocol.GetWaitingBattles()); err != nil {
					log.Warn().Err(err).Msg("get_waiting_battles not sent")
				}
			}
		},
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return nil
}

// Request asks the server for the current list
func (l *Lobby) Request() error {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return &realtime.NotOpenError{ChannelID: LobbyChannel, Status: realtime.StatusClosed}
	}
	return conn.Send(protocol.GetWaitingBattles())
}

// Battles returns the waiting battles ordered by id, excluding the local user's own
func (l *Lobby) Battles() []protocol.WaitingBattle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]protocol.WaitingBattle, 0, len(l.battles))
	for _, b := range l.battles {
		if b.Creator == l.participant {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Lobby) Close() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (l *Lobby) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeWaitingBattles, protocol.TypeBattleRemoved, protocol.TypeBattleStarted:
	default:
		return
	}

	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Str("message_type", string(msg.Type)).Msg("dropping malformed lobby message")
		return
	}

	l.mu.Lock()
	switch p := payload.(type) {
	case protocol.WaitingBattlesPayload:
		l.battles = make(map[string]protocol.WaitingBattle, len(p.Battles))
		for _, b := range p.Battles {
			l.battles[b.ID] = b
		}
	case protocol.BattleRef:
		// started battles are no longer waiting either
		delete(l.battles, p.ID)
	}
	count := len(l.battles)
	l.mu.Unlock()

	log.Debug().Int("waiting_battles", count).Str("message_type", string(msg.Type)).Msg("lobby updated")
	if l.buses != nil {
		l.buses.WaitingBattlesChanged.Publish(struct{}{})
	}
}
