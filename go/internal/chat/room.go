package chat

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/dispatch"
	"github.com/mcdev12/trivia-battle/go/internal/protocol"
	"github.com/mcdev12/trivia-battle/go/internal/realtime"
)

var ErrEmptyMessage = errors.New("chat message is empty")

// MaxMessageLength bounds an outgoing chat message in runes
const MaxMessageLength = 500

type Config struct {
	// TypingTTL is how long a typing indicator is shown without a refresh
	TypingTTL    time.Duration
	HistoryLimit int
}

func DefaultConfig() Config {
	return Config{
		TypingTTL:    3 * time.Second,
		HistoryLimit: 200,
	}
}

type typingEntry struct {
	timer clockwork.Timer
	token uint64
}

// Room is one chat channel. It keeps a bounded message log and the set of
// participants currently typing.
type Room struct {
	manager     *realtime.Manager
	clock       clockwork.Clock
	roomID      string
	participant string
	cfg         Config
	dispatcher  *dispatch.Dispatcher

	mu        sync.Mutex
	conn      *realtime.Connection
	messages  []protocol.ChatPayload
	typing    map[string]*typingEntry
	nextToken uint64
}

func NewRoom(manager *realtime.Manager, clock clockwork.Clock, roomID, participant string, cfg Config) *Room {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultConfig().TypingTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	r := &Room{
		manager:     manager,
		clock:       clock,
		roomID:      roomID,
		participant: participant,
		cfg:         cfg,
		dispatcher:  dispatch.New(dispatch.Options{Name: "chat:" + roomID}),
		typing:      make(map[string]*typingEntry),
	}
	r.dispatcher.Register(r.handle)
	return r
}

func (r *Room) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }

// Open connects the room's chat channel. Reconnects use the chat backoff policy.
func (r *Room) Open(onStatus func(realtime.StatusEvent)) error {
	conn, err := r.manager.Open(realtime.ChannelChat, r.roomID, r.participant, realtime.Hooks{
		OnFrame:  r.dispatcher.HandleFrame,
		OnStatus: onStatus,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// Send posts a message to the room
func (r *Room) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if runes := []rune(text); len(runes) > MaxMessageLength {
		text = string(runes[:MaxMessageLength])
	}
	return r.send(protocol.ChatSend(text))
}

// SetTyping reports whether the local participant is typing
func (r *Room) SetTyping(typing bool) error {
	return r.send(protocol.Typing(typing))
}

func (r *Room) send(msg protocol.Message) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return &realtime.NotOpenError{ChannelID: r.roomID, Status: realtime.StatusClosed}
	}
	return conn.Send(msg)
}

// Messages returns the message log, oldest first
func (r *Room) Messages() []protocol.ChatPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ChatPayload(nil), r.messages...)
}

// Typing returns the other participants currently typing
func (r *Room) Typing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.typing))
	for sender := range r.typing {
		out = append(out, sender)
	}
	sort.Strings(out)
	return out
}

// Status returns the chat channel status
func (r *Room) Status() realtime.Status {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return realtime.StatusClosed
	}
	return conn.Status()
}

func (r *Room) Close() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	for sender, e := range r.typing {
		e.timer.Stop()
		delete(r.typing, sender)
	}
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (r *Room) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeChat, protocol.TypeTyping:
	default:
		return
	}
	payload, err := protocol.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Str("room", r.roomID).Msg("dropping malformed chat message")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch p := payload.(type) {
	case protocol.ChatPayload:
		if p.Timestamp.IsZero() {
			p.Timestamp = r.clock.Now()
		}
		r.messages = append(r.messages, p)
		if over := len(r.messages) - r.cfg.HistoryLimit; over > 0 {
			r.messages = append(r.messages[:0:0], r.messages[over:]...)
		}
		r.clearTypingLocked(p.Sender)

	case protocol.TypingPayload:
		if p.Sender == r.participant {
			return
		}
		if !p.IsTyping {
			r.clearTypingLocked(p.Sender)
			return
		}
		r.markTypingLocked(p.Sender)
	}
}

func (r *Room) markTypingLocked(sender string) {
	if e, ok := r.typing[sender]; ok {
		e.timer.Stop()
	}
	r.nextToken++
	token := r.nextToken
	r.typing[sender] = &typingEntry{
		token: token,
		timer: r.clock.AfterFunc(r.cfg.TypingTTL, func() { r.expireTyping(sender, token) }),
	}
}

func (r *Room) clearTypingLocked(sender string) {
	if e, ok := r.typing[sender]; ok {
		e.timer.Stop()
		delete(r.typing, sender)
	}
}

func (r *Room) expireTyping(sender string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.typing[sender]; ok && e.token == token {
		delete(r.typing, sender)
	}
}
