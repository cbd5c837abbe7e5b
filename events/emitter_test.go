package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	e := NewEmitter()
	var got []string
	e.Subscribe(EventMoveAccepted, func(ev Event) { got = append(got, ev.SessionID) })
	e.Subscribe(EventMoveAccepted, func(ev Event) { panic("boom") })
	e.Subscribe(EventMoveAccepted, func(ev Event) { got = append(got, "after") })

	e.Emit(Event{Type: EventMoveAccepted, SessionID: "s1"})
	e.Emit(Event{Type: EventMoveRejected, SessionID: "s2"})

	assert.Equal(t, []string{"s1", "after"}, got)
}

func TestNilEmitterIsSilent(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() { e.Emit(Event{Type: EventBlockCommit}) })
}

func TestCancelStopsDelivery(t *testing.T) {
	e := NewEmitter()
	var a, b int
	cancel := e.Subscribe(EventPayout, func(Event) { a++ })
	e.Subscribe(EventPayout, func(Event) { b++ })

	e.Emit(Event{Type: EventPayout})
	cancel()
	cancel()
	e.Emit(Event{Type: EventPayout})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}
