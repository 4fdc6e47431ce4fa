package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/protocol"
)

// ConnectionConfig holds configuration for server side websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 << 10,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// development server, any origin
			return true
		},
	}
}

// CommandFunc handles one decoded client message
type CommandFunc func(c *Client, msg protocol.Message)

// Client is one websocket connection joined to a room
type Client struct {
	ID          string
	Username    string
	Room        string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub keeps websocket clients grouped by room ("battle:<id>", "chat:<id>")
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]bool
	upgrader websocket.Upgrader
	config   ConnectionConfig
	onCmd    CommandFunc

	// closeCodes counts the close codes clients ended their sockets with
	closeCodes map[string]int
}

func NewHub(config ConnectionConfig) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		closeCodes: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// Upgrade upgrades the request and registers the client in room
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, room, username string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	client := &Client{
		ID:          uuid.New().String(),
		Username:    username,
		Room:        room,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, 256),
		hub:         h,
	}
	h.register(client)

	go client.writePump()
	go client.readPump()

	log.Info().
		Str("connection_id", client.ID).
		Str("username", username).
		Str("room", room).
		Msg("websocket connection established")
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[c.Room] == nil {
		h.rooms[c.Room] = make(map[*Client]bool)
	}
	h.rooms[c.Room][c] = true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[c.Room]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.rooms, c.Room)
	}
	log.Info().Str("connection_id", c.ID).Str("room", c.Room).Msg("connection unregistered")
}

// Broadcast sends msg to every client in room, in call order
func (h *Hub) Broadcast(room string, msg protocol.Message) {
	h.deliver(room, "", msg)
}

// SendTo sends msg to the clients of username in room
func (h *Hub) SendTo(room, username string, msg protocol.Message) {
	h.deliver(room, username, msg)
}

func (h *Hub) deliver(room, username string, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("message_type", string(msg.Type)).Msg("failed to encode broadcast")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for c := range h.rooms[room] {
		if username != "" && c.Username != username {
			continue
		}
		select {
		case c.send <- data:
			n++
		default:
			log.Warn().Str("connection_id", c.ID).Msg("connection send buffer full, closing connection")
			delete(h.rooms[room], c)
			close(c.send)
		}
	}

	log.Debug().Str("message_type", string(msg.Type)).Str("room", room).Int("connections", n).Msg("message delivered")
}

// Drop closes every connection of room without a close frame, as a crashed
// server would.
func (h *Hub) Drop(room string) {
	h.mu.RLock()
	var clients []*Client
	for c := range h.rooms[room] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// Stats returns connection counts per room
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	perRoom := make(map[string]int, len(h.rooms))
	for room, clients := range h.rooms {
		perRoom[room] = len(clients)
		total += len(clients)
	}
	codes := make(map[string]int, len(h.closeCodes))
	for code, n := range h.closeCodes {
		codes[code] = n
	}
	return map[string]interface{}{
		"total_connections": total,
		"rooms":             perRoom,
		"close_codes":       codes,
	}
}

// CloseCount returns how many client sockets closed with code
func (h *Hub) CloseCount(code int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closeCodes[strconv.Itoa(code)]
}

func (h *Hub) recordClose(err error) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return
	}
	h.mu.Lock()
	h.closeCodes[strconv.Itoa(ce.Code)]++
	h.mu.Unlock()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.recordClose(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))

		msg, err := protocol.Decode(frame)
		if err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Msg("dropping malformed client frame")
			continue
		}
		log.Debug().
			Str("connection_id", c.ID).
			Str("username", c.Username).
			Str("message_type", string(msg.Type)).
			Msg("received client message")

		if c.hub.onCmd != nil {
			c.hub.onCmd(c, msg)
		}
	}
}
