package realtime

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/protocol"
)

// Status is the observable state of a connection
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// EventKind names a lifecycle transition reported through Hooks.OnStatus
type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventOpen         EventKind = "open"
	EventReconnecting EventKind = "reconnecting"
	EventFailed       EventKind = "failed"
	EventClosed       EventKind = "closed"
)

// StatusEvent is emitted on every connection transition
type StatusEvent struct {
	ConnectionID string
	Key          ChannelKey
	Kind         EventKind
	Status       Status
	Attempt      int
	Delay        time.Duration
	Err          error
	At           time.Time
}

// ChannelKey identifies a logical channel. At most one connection is live per key.
type ChannelKey struct {
	Kind        ChannelKind
	ChannelID   string
	Participant string
}

// Hooks receive inbound frames and status changes. Both run on the
// connection's read goroutine or on a retry timer and must not block for long.
type Hooks struct {
	OnFrame  func(frame []byte)
	OnStatus func(StatusEvent)
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Manager owns every realtime connection of the client
type Manager struct {
	wsBase   *url.URL
	dialer   Dialer
	clock    clockwork.Clock
	config   ConnectionConfig
	policies map[ChannelKind]BackoffPolicy

	mu          sync.RWMutex
	connections map[ChannelKey]*Connection
}

// Option configures a Manager
type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithPolicy(kind ChannelKind, p BackoffPolicy) Option {
	return func(m *Manager) { m.policies[kind] = p }
}

// NewManager creates a connection manager for the given REST base URL.
// An unusable base URL is a configuration error and is returned immediately.
func NewManager(baseURL string, config ConnectionConfig, opts ...Option) (*Manager, error) {
	wsBase, err := WebSocketBase(baseURL)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		wsBase: wsBase,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		clock:  clockwork.NewRealClock(),
		config: config,
		policies: map[ChannelKind]BackoffPolicy{
			ChannelBattle: DefaultBattlePolicy(),
			ChannelChat:   DefaultChatPolicy(),
		},
		connections: make(map[ChannelKey]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open starts a connection for the channel and returns immediately; dialing
// happens in the background and progress is reported through hooks. Any
// connection already registered for the same key is closed first.
func (m *Manager) Open(kind ChannelKind, channelID, participant string, hooks Hooks) (*Connection, error) {
	if err := ValidateParticipant(kind, participant); err != nil {
		log.Error().
			Err(err).
			Str("channel_kind", string(kind)).
			Str("channel_id", channelID).
			Str("participant", participant).
			Msg("refusing to open connection")
		return nil, err
	}
	if channelID == "" {
		return nil, ErrInvalidChannel
	}

	key := ChannelKey{Kind: kind, ChannelID: channelID, Participant: participant}
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		ID:      uuid.New().String(),
		Key:     key,
		url:     BuildURL(m.wsBase, kind, channelID, participant),
		manager: m,
		policy:  m.policyFor(kind),
		hooks:   hooks,
		status:  StatusConnecting,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.connections[key]
	m.connections[key] = conn
	m.mu.Unlock()

	if prev != nil {
		log.Info().
			Str("connection_id", prev.ID).
			Str("replaced_by", conn.ID).
			Str("channel_id", channelID).
			Msg("superseding existing connection")
		_ = prev.Close()
	}

	go conn.dial()
	return conn, nil
}

// Get returns the live connection for key, if any
func (m *Manager) Get(key ChannelKey) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[key]
	return c, ok
}

// CloseAll closes every registered connection
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Stats returns statistics about registered connections
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byKind := make(map[string]int)
	byStatus := make(map[string]int)
	for key, c := range m.connections {
		byKind[string(key.Kind)]++
		byStatus[string(c.Status())]++
	}

	return map[string]interface{}{
		"total_connections": len(m.connections),
		"by_kind":           byKind,
		"by_status":         byStatus,
	}
}

func (m *Manager) policyFor(kind ChannelKind) BackoffPolicy {
	if p, ok := m.policies[kind]; ok {
		return p
	}
	return DefaultBattlePolicy()
}

// unregister removes c only if it is still the registered connection for its key
func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.connections[c.Key]; ok && current == c {
		delete(m.connections, c.Key)
	}
}

// Connection is one logical channel. It survives reconnects: the underlying
// socket is replaced, the Connection value is not.
type Connection struct {
	ID      string
	Key     ChannelKey
	url     string
	manager *Manager
	policy  BackoffPolicy
	hooks   Hooks

	mu          sync.Mutex
	status      Status
	ws          *websocket.Conn
	send        chan []byte
	quit        chan struct{}
	attempts    int
	manual      bool
	retry       clockwork.Timer
	connectedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Status returns the current connection status
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the number of reconnect attempts since the last successful open
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Done is closed once the connection has permanently stopped, either through
// Close, a clean server close or exhausted reconnect attempts.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send queues a message for the socket. It fails with *NotOpenError while the
// socket is connecting or closed; nothing is queued in that case.
func (c *Connection) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	// held across the enqueue: detach swaps the buffer out under mu, so an
	// accepted frame always belongs to a running write pump
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusOpen || c.send == nil || c.manual {
		c.logEvent(log.Warn()).
			Str("message_type", string(msg.Type)).
			Str("status", string(c.status)).
			Msg("send on connection that is not open")
		return &NotOpenError{ChannelID: c.Key.ChannelID, Status: c.status}
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logEvent(log.Warn()).Str("message_type", string(msg.Type)).Msg("connection send buffer full")
		return ErrSendBufferFull
	}
}

// Close performs a manual close. Frames already accepted by Send are written
// first, then a normal closure frame. Any pending reconnect is cancelled and
// the connection never reconnects.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return nil
	}
	c.manual = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	ws, quit := c.ws, c.quit
	c.quit = nil
	c.mu.Unlock()

	if ws == nil || quit == nil {
		c.finish(EventClosed, nil)
		return nil
	}

	// the write pump flushes and closes the socket; the read pump then
	// observes the closure and finishes the connection
	close(quit)
	return nil
}

func (c *Connection) dial() {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	c.retry = nil
	attempt := c.attempts
	c.mu.Unlock()

	c.emit(StatusEvent{Kind: EventConnecting, Status: StatusConnecting, Attempt: attempt})

	ctx, cancel := context.WithTimeout(c.ctx, c.manager.config.HandshakeTimeout)
	ws, _, err := c.manager.dialer.DialContext(ctx, c.url, nil)
	cancel()
	if err != nil {
		c.logEvent(log.Warn()).Err(err).Int("attempt", attempt).Msg("websocket dial failed")
		c.scheduleReconnect(err)
		return
	}

	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		ws.Close()
		return
	}
	send := make(chan []byte, c.manager.config.SendBufferSize)
	quit := make(chan struct{})
	c.ws = ws
	c.send = send
	c.quit = quit
	c.status = StatusOpen
	c.attempts = 0
	c.connectedAt = c.manager.clock.Now()
	c.mu.Unlock()

	c.emit(StatusEvent{Kind: EventOpen, Status: StatusOpen})

	stop := make(chan struct{})
	go c.writePump(ws, send, quit, stop)
	err = c.readPump(ws)
	close(stop)

	c.handleClosure(ws, err)
}

func (c *Connection) handleClosure(ws *websocket.Conn, err error) {
	manual, stranded := c.detach()
	ws.Close()
	if stranded > 0 {
		c.logEvent(log.Warn()).Int("frames", stranded).Msg("queued frames dropped with the socket")
	}

	switch {
	case manual:
		c.finish(EventClosed, nil)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		c.logEvent(log.Info()).Msg("server closed connection cleanly")
		c.finish(EventClosed, err)
	default:
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
			c.logEvent(log.Warn()).Err(err).Msg("unexpected websocket close")
		}
		c.scheduleReconnect(err)
	}
}

// detach forgets the socket and its send buffer once the write pump has
// stopped. It reports whether the close was manual and how many accepted
// frames were never written.
func (c *Connection) detach() (manual bool, stranded int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stranded = len(c.send)
	c.ws = nil
	c.send = nil
	c.quit = nil
	c.status = StatusClosed
	return c.manual, stranded
}

// scheduleReconnect either arms the retry timer for the next attempt or, when
// the policy is exhausted, reports a terminal failure.
func (c *Connection) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.attempts++
	attempt := c.attempts
	if attempt > c.policy.MaxAttempts {
		c.mu.Unlock()
		c.logEvent(log.Error()).Err(cause).Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
		c.finish(EventFailed, cause)
		return
	}
	delay := c.policy.Delay(attempt)
	c.retry = c.manager.clock.AfterFunc(delay, c.dial)
	c.mu.Unlock()

	c.emit(StatusEvent{Kind: EventReconnecting, Status: StatusClosed, Attempt: attempt, Delay: delay, Err: cause})
}

// finish marks the connection permanently stopped. Safe to call more than once.
func (c *Connection) finish(kind EventKind, cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.status = StatusClosed
		c.mu.Unlock()

		c.cancel()
		c.manager.unregister(c)
		c.emit(StatusEvent{Kind: kind, Status: StatusClosed, Err: cause})
		close(c.done)
	})
}

func (c *Connection) emit(ev StatusEvent) {
	ev.ConnectionID = c.ID
	ev.Key = c.Key
	ev.At = c.manager.clock.Now()

	logger := c.logEvent(log.Info())
	if ev.Kind == EventFailed {
		logger = c.logEvent(log.Error())
	}
	logger.
		Str("event", string(ev.Kind)).
		Str("status", string(ev.Status)).
		Int("attempt", ev.Attempt).
		Dur("delay", ev.Delay).
		AnErr("cause", ev.Err).
		Msg("connection status changed")

	if c.hooks.OnStatus != nil {
		c.hooks.OnStatus(ev)
	}
}

func (c *Connection) logEvent(ev *zerolog.Event) *zerolog.Event {
	return ev.
		Str("connection_id", c.ID).
		Str("channel_kind", string(c.Key.Kind)).
		Str("channel_id", c.Key.ChannelID).
		Str("participant", c.Key.Participant).
		Time("at", c.manager.clock.Now())
}

// writePump handles sending queued messages and pings to the socket
func (c *Connection) writePump(ws *websocket.Conn, send <-chan []byte, quit, stop <-chan struct{}) {
	ticker := c.manager.clock.NewTicker(c.manager.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-quit:
			c.flushAndClose(ws, send)
			return

		case message := <-send:
			ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logEvent(log.Error()).Err(err).Msg("failed to write message to WebSocket")
				// unblocks the read pump, which drives reconnection
				ws.Close()
				return
			}

		case <-ticker.Chan():
			ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logEvent(log.Error()).Err(err).Msg("failed to send ping")
				ws.Close()
				return
			}
		}
	}
}

// flushAndClose writes the frames still queued, then the normal closure frame.
// Send rejects new frames once the close was requested, so the queue only
// shrinks here.
func (c *Connection) flushAndClose(ws *websocket.Conn, send <-chan []byte) {
	defer ws.Close()
	for {
		select {
		case message := <-send:
			ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logEvent(log.Warn()).Err(err).Msg("failed to flush message before close")
				return
			}
		default:
			ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			err := ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				c.logEvent(log.Debug()).Err(err).Msg("close frame not written")
			}
			return
		}
	}
}

// readPump delivers frames to OnFrame in arrival order until the socket fails
func (c *Connection) readPump(ws *websocket.Conn) error {
	cfg := c.manager.config
	ws.SetReadLimit(cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		c.logEvent(log.Debug()).Int("bytes", len(frame)).Msg("received frame")
		if c.hooks.OnFrame != nil {
			c.hooks.OnFrame(frame)
		}
	}
}
