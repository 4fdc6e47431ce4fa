package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/trivia-battle/go/internal/protocol"
)

type refusingDialer struct {
	calls atomic.Int32
}

func (d *refusingDialer) DialContext(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
	d.calls.Add(1)
	return nil, nil, errors.New("connection refused")
}

func recvEvent(t *testing.T, ch <-chan StatusEvent, kind EventKind, within time.Duration) StatusEvent {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("did not receive %s event within %s", kind, within)
			return StatusEvent{}
		}
	}
}

func recvFrame(t *testing.T, ch <-chan []byte, within time.Duration) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(within):
		t.Fatalf("did not receive frame within %s", within)
		return nil
	}
}

func TestBackoffPolicy_Delay(t *testing.T) {
	linear := BackoffPolicy{Strategy: Linear, Base: time.Second}
	assert.Equal(t, time.Second, linear.Delay(1))
	assert.Equal(t, 3*time.Second, linear.Delay(3))
	assert.Equal(t, time.Second, linear.Delay(0))

	exp := BackoffPolicy{Strategy: Exponential, Base: time.Second, Max: 30 * time.Second}
	assert.Equal(t, time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 16*time.Second, exp.Delay(5))
	assert.Equal(t, 30*time.Second, exp.Delay(6))
	assert.Equal(t, 30*time.Second, exp.Delay(100))
}

func TestBuildURL(t *testing.T) {
	base, err := WebSocketBase("https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/ws/battle/b1/?username=alice", BuildURL(base, ChannelBattle, "b1", "alice"))

	base, err = WebSocketBase("http://localhost:8000/")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/chat/lobby/?username=bob", BuildURL(base, ChannelChat, "lobby", "bob"))

	_, err = WebSocketBase("ftp://example.com")
	assert.ErrorIs(t, err, ErrInvalidBaseURL)
}

func TestValidateParticipant(t *testing.T) {
	assert.NoError(t, ValidateParticipant(ChannelBattle, "alice.smith@x"))
	assert.ErrorIs(t, ValidateParticipant(ChannelBattle, ""), ErrInvalidParticipant)
	assert.ErrorIs(t, ValidateParticipant(ChannelBattle, "has space"), ErrInvalidParticipant)
	assert.ErrorIs(t, ValidateParticipant(ChannelChat, "alice@x"), ErrInvalidParticipant)
	assert.ErrorIs(t, ValidateParticipant(ChannelChat, strings.Repeat("a", 65)), ErrInvalidParticipant)
}

func TestManager_OpenRejectsInvalidParticipant(t *testing.T) {
	m, err := NewManager("http://localhost:8000", DefaultConnectionConfig(), WithDialer(&refusingDialer{}))
	require.NoError(t, err)

	conn, err := m.Open(ChannelBattle, "b1", "bad name!", Hooks{})
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrInvalidParticipant)
	assert.Equal(t, 0, m.Stats()["total_connections"])
}

func TestManager_NewManagerRejectsBadBaseURL(t *testing.T) {
	_, err := NewManager("://nope", DefaultConnectionConfig())
	assert.ErrorIs(t, err, ErrInvalidBaseURL)
}

func TestConnection_ReconnectsWithBoundedLinearBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dialer := &refusingDialer{}
	m, err := NewManager("http://localhost:8000", DefaultConnectionConfig(),
		WithClock(clock),
		WithDialer(dialer),
		WithPolicy(ChannelBattle, BackoffPolicy{Strategy: Linear, Base: time.Second, MaxAttempts: 3}),
	)
	require.NoError(t, err)

	events := make(chan StatusEvent, 64)
	conn, err := m.Open(ChannelBattle, "b1", "alice", Hooks{OnStatus: func(ev StatusEvent) { events <- ev }})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		ev := recvEvent(t, events, EventReconnecting, time.Second)
		assert.Equal(t, attempt, ev.Attempt)
		assert.Equal(t, time.Duration(attempt)*time.Second, ev.Delay)
		assert.Equal(t, StatusClosed, ev.Status)
		// the retry timer is armed before the event is emitted
		clock.Advance(ev.Delay)
	}

	failed := recvEvent(t, events, EventFailed, time.Second)
	assert.Error(t, failed.Err)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not finished after exhausting attempts")
	}
	assert.Equal(t, int32(4), dialer.calls.Load())
	_, ok := m.Get(conn.Key)
	assert.False(t, ok)
}

func TestConnection_CloseCancelsPendingReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dialer := &refusingDialer{}
	m, err := NewManager("http://localhost:8000", DefaultConnectionConfig(), WithClock(clock), WithDialer(dialer))
	require.NoError(t, err)

	events := make(chan StatusEvent, 64)
	conn, err := m.Open(ChannelBattle, "b1", "alice", Hooks{OnStatus: func(ev StatusEvent) { events <- ev }})
	require.NoError(t, err)

	ev := recvEvent(t, events, EventReconnecting, time.Second)
	require.NoError(t, conn.Close())
	recvEvent(t, events, EventClosed, time.Second)

	clock.Advance(ev.Delay * 10)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.calls.Load())
}

func TestManager_OpenSupersedesExistingConnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, err := NewManager("http://localhost:8000", DefaultConnectionConfig(), WithClock(clock), WithDialer(&refusingDialer{}))
	require.NoError(t, err)

	first, err := m.Open(ChannelBattle, "b1", "alice", Hooks{})
	require.NoError(t, err)
	second, err := m.Open(ChannelBattle, "b1", "alice", Hooks{})
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("superseded connection was not closed")
	}

	current, ok := m.Get(second.Key)
	require.True(t, ok)
	assert.Same(t, second, current)
	require.NoError(t, second.Close())
}

func newEchoServer(t *testing.T, onConnect func(ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if onConnect != nil {
			onConnect(ws)
			return
		}
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnection_SendAndManualClose(t *testing.T) {
	srv := newEchoServer(t, nil)
	m, err := NewManager(srv.URL, DefaultConnectionConfig())
	require.NoError(t, err)

	events := make(chan StatusEvent, 64)
	frames := make(chan []byte, 16)
	conn, err := m.Open(ChannelBattle, "b1", "alice", Hooks{
		OnFrame:  func(f []byte) { frames <- f },
		OnStatus: func(ev StatusEvent) { events <- ev },
	})
	require.NoError(t, err)

	recvEvent(t, events, EventOpen, 2*time.Second)
	assert.Equal(t, StatusOpen, conn.Status())

	require.NoError(t, conn.Send(protocol.JoinBattle("b1")))
	echoed := recvFrame(t, frames, 2*time.Second)
	assert.JSONEq(t, `{"type":"join_battle","data":{"battle_id":"b1"}}`, string(echoed))

	require.NoError(t, conn.Close())
	recvEvent(t, events, EventClosed, 2*time.Second)

	err = conn.Send(protocol.JoinBattle("b1"))
	assert.True(t, IsNotOpen(err))
	var notOpen *NotOpenError
	require.ErrorAs(t, err, &notOpen)
	assert.True(t, notOpen.Temporary())
}

func TestConnection_CloseFlushesQueuedFramesBeforeNormalClosure(t *testing.T) {
	type received struct {
		types []string
		code  int
	}
	got := make(chan received, 1)
	srv := newEchoServer(t, func(ws *websocket.Conn) {
		var r received
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					r.code = closeErr.Code
				}
				got <- r
				return
			}
			msg, err := protocol.Decode(data)
			if err == nil {
				r.types = append(r.types, string(msg.Type))
			}
		}
	})
	m, err := NewManager(srv.URL, DefaultConnectionConfig())
	require.NoError(t, err)

	events := make(chan StatusEvent, 64)
	conn, err := m.Open(ChannelBattle, "b1", "alice", Hooks{OnStatus: func(ev StatusEvent) { events <- ev }})
	require.NoError(t, err)
	recvEvent(t, events, EventOpen, 2*time.Second)

	require.NoError(t, conn.Send(protocol.JoinBattle("b1")))
	require.NoError(t, conn.Send(protocol.CancelBattle("b1")))
	require.NoError(t, conn.Close())
	assert.True(t, IsNotOpen(conn.Send(protocol.JoinBattle("b1"))), "frames after Close are rejected")

	select {
	case r := <-got:
		assert.Equal(t, []string{"join_battle", "cancel_battle"}, r.types)
		assert.Equal(t, websocket.CloseNormalClosure, r.code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}
	recvEvent(t, events, EventClosed, 2*time.Second)
}

func TestConnection_CleanServerCloseIsNotRetried(t *testing.T) {
	srv := newEchoServer(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "battle over"))
		_, _, _ = ws.ReadMessage()
	})
	m, err := NewManager(srv.URL, DefaultConnectionConfig())
	require.NoError(t, err)

	events := make(chan StatusEvent, 64)
	conn, err := m.Open(ChannelBattle, "b1", "alice", Hooks{OnStatus: func(ev StatusEvent) { events <- ev }})
	require.NoError(t, err)

	var kinds []EventKind
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			done = ev.Kind == EventClosed
		case <-deadline:
			t.Fatalf("connection did not close, saw %v", kinds)
		}
	}

	assert.Equal(t, []EventKind{EventConnecting, EventOpen, EventClosed}, kinds)
	<-conn.Done()
	assert.Equal(t, 0, conn.Attempts())
}

func TestConnection_SendRacingClosureNeverAcceptsLostFrame(t *testing.T) {
	m, err := NewManager("http://localhost:8000", DefaultConnectionConfig(), WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		c := &Connection{
			ID:      "c1",
			Key:     ChannelKey{Kind: ChannelBattle, ChannelID: "b1", Participant: "alice"},
			manager: m,
			status:  StatusOpen,
			send:    make(chan []byte, 64),
		}

		var accepted atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 8; j++ {
					if err := c.Send(protocol.JoinBattle("b1")); err == nil {
						accepted.Add(1)
					} else {
						assert.True(t, IsNotOpen(err))
					}
				}
			}()
		}
		close(start)
		_, stranded := c.detach()
		wg.Wait()

		// every accepted frame was still in the buffer the socket owned
		require.Equal(t, int(accepted.Load()), stranded)
		assert.Equal(t, StatusClosed, c.Status())
	}
}
