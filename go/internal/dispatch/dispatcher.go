package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/protocol"
)

// HandlerFunc receives every successfully decoded message
type HandlerFunc func(msg protocol.Message)

// Options configures terminal event detection
type Options struct {
	// TerminalType marks the message type that concludes a session.
	// Defaults to battle_end.
	TerminalType protocol.Type
	// OnTerminal runs once per terminal message, after the handler fan-out.
	OnTerminal HandlerFunc
	// Name is attached to log lines, usually the channel id.
	Name string
}

type entry struct {
	id uint64
	fn HandlerFunc
}

// Dispatcher decodes frames from one connection and fans them out to every
// registered handler in registration order.
type Dispatcher struct {
	opts Options

	mu       sync.RWMutex
	handlers []entry
	nextID   uint64

	// serializes HandleFrame so handlers never observe two messages at once
	deliver sync.Mutex

	received atomic.Int64
	dropped  atomic.Int64
	terminal atomic.Int64
	panics   atomic.Int64
}

// New creates a dispatcher
func New(opts Options) *Dispatcher {
	if opts.TerminalType == "" {
		opts.TerminalType = protocol.TypeBattleEnd
	}
	return &Dispatcher{opts: opts}
}

// Register appends h to the handler list. The returned func removes it and is
// safe to call more than once.
func (d *Dispatcher) Register(h HandlerFunc) (unregister func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, entry{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, e := range d.handlers {
				if e.id == id {
					d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// HandlerCount returns the number of registered handlers
func (d *Dispatcher) HandlerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// HandleFrame decodes a raw frame and dispatches it. Malformed frames are
// logged and dropped. Suitable as realtime.Hooks.OnFrame.
func (d *Dispatcher) HandleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		d.dropped.Add(1)
		log.Warn().
			Err(err).
			Str("channel", d.opts.Name).
			Int("bytes", len(frame)).
			Msg("dropping malformed frame")
		return
	}
	d.Dispatch(msg)
}

// Dispatch fans an already decoded message out to the handlers
func (d *Dispatcher) Dispatch(msg protocol.Message) {
	d.deliver.Lock()
	defer d.deliver.Unlock()

	d.received.Add(1)

	d.mu.RLock()
	handlers := make([]entry, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	if !isKnown(msg.Type) {
		log.Debug().
			Str("channel", d.opts.Name).
			Str("message_type", string(msg.Type)).
			Msg("unrecognized message type")
	}

	for _, h := range handlers {
		d.invoke(msg, h.fn)
	}

	if msg.Type == d.opts.TerminalType {
		d.terminal.Add(1)
		if d.opts.OnTerminal != nil {
			d.invoke(msg, d.opts.OnTerminal)
		}
	}
}

func (d *Dispatcher) invoke(msg protocol.Message, fn HandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			log.Error().
				Err(fmt.Errorf("%v", r)).
				Str("channel", d.opts.Name).
				Str("message_type", string(msg.Type)).
				Msg("message handler panicked")
		}
	}()
	fn(msg)
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"received": d.received.Load(),
		"dropped":  d.dropped.Load(),
		"terminal": d.terminal.Load(),
		"panics":   d.panics.Load(),
		"handlers": d.HandlerCount(),
	}
}

func isKnown(t protocol.Type) bool {
	switch t {
	case protocol.TypeBattleStarted, protocol.TypeBattleRemoved, protocol.TypeBattleEnd,
		protocol.TypeInvitationRejected, protocol.TypeUserUpdated, protocol.TypeFriendRequestUpdated,
		protocol.TypePlayerJoined, protocol.TypeScoreUpdate, protocol.TypeWaitingBattles,
		protocol.TypeChat, protocol.TypeTyping:
		return true
	}
	return false
}
