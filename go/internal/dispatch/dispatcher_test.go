package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/trivia-battle/go/internal/protocol"
)

func TestDispatcher_FanOutInRegistrationOrder(t *testing.T) {
	d := New(Options{})

	var calls []string
	d.Register(func(msg protocol.Message) { calls = append(calls, "first:"+string(msg.Type)) })
	d.Register(func(msg protocol.Message) { calls = append(calls, "second:"+string(msg.Type)) })

	d.HandleFrame([]byte(`{"type":"battle_started","data":"b1"}`))
	d.HandleFrame([]byte(`{"type":"chat","data":{"sender":"a","message":"hi"}}`))

	assert.Equal(t, []string{
		"first:battle_started", "second:battle_started",
		"first:chat", "second:chat",
	}, calls)
}

func TestDispatcher_MalformedFramesAreDropped(t *testing.T) {
	d := New(Options{})
	calls := 0
	d.Register(func(protocol.Message) { calls++ })

	d.HandleFrame([]byte(`{not json`))
	d.HandleFrame([]byte(`{"data":1}`))
	d.HandleFrame(nil)

	assert.Equal(t, 0, calls)
	assert.Equal(t, int64(3), d.Stats()["dropped"])
}

func TestDispatcher_UnregisterIsScopedAndIdempotent(t *testing.T) {
	d := New(Options{})
	var a, b int
	unregA := d.Register(func(protocol.Message) { a++ })
	d.Register(func(protocol.Message) { b++ })

	unregA()
	unregA()
	require.Equal(t, 1, d.HandlerCount())

	d.HandleFrame([]byte(`{"type":"typing","data":{"sender":"x","is_typing":true}}`))
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)
}

func TestDispatcher_TerminalCallbackOncePerMessageAfterFanOut(t *testing.T) {
	var order []string
	d := New(Options{OnTerminal: func(protocol.Message) { order = append(order, "terminal") }})
	d.Register(func(msg protocol.Message) { order = append(order, "handler:"+string(msg.Type)) })

	d.HandleFrame([]byte(`{"type":"score_update","data":{"username":"a","delta":1}}`))
	d.HandleFrame([]byte(`{"type":"battle_end","data":{"winner":"a"}}`))
	d.HandleFrame([]byte(`{"type":"battle_end","data":{"winner":"a"}}`))

	assert.Equal(t, []string{
		"handler:score_update",
		"handler:battle_end", "terminal",
		"handler:battle_end", "terminal",
	}, order)
	assert.Equal(t, int64(2), d.Stats()["terminal"])
}

func TestDispatcher_HandlerPanicDoesNotStopFanOut(t *testing.T) {
	d := New(Options{})
	reached := false
	d.Register(func(protocol.Message) { panic("boom") })
	d.Register(func(protocol.Message) { reached = true })

	assert.NotPanics(t, func() {
		d.HandleFrame([]byte(`{"type":"battle_removed","data":"b1"}`))
	})
	assert.True(t, reached)
	assert.Equal(t, int64(1), d.Stats()["panics"])
}

func TestDispatcher_UnknownTypesStillReachHandlers(t *testing.T) {
	d := New(Options{})
	var got protocol.Type
	d.Register(func(msg protocol.Message) { got = msg.Type })

	d.HandleFrame([]byte(`{"type":"leaderboard_changed"}`))
	assert.Equal(t, protocol.Type("leaderboard_changed"), got)
}
