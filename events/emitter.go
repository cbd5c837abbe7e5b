// Package events is the node's in-process notification bus. Engines emit
// after a state change; the indexer and the dungeon driver listen.
package events

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventType labels what happened.
type EventType string

const (
	// ledger
	EventBlockCommit EventType = "block_commit"
	EventTxExecuted  EventType = "tx_executed"
	EventTxFailed    EventType = "tx_failed"
	EventTransfer    EventType = "transfer"
	EventStakeLocked EventType = "stake_locked"
	EventAnchored    EventType = "anchored"
	EventEscalated   EventType = "dispute_escalated"
	EventPayout      EventType = "session_payout"

	// mazes
	EventMazePublished EventType = "maze_published"
	EventMazeDiscarded EventType = "maze_discarded"

	// channels
	EventSessionOpened   EventType = "session_opened"
	EventPlayerJoined    EventType = "player_joined"
	EventSessionActive   EventType = "session_active"
	EventMoveAccepted    EventType = "move_accepted"
	EventMoveRejected    EventType = "move_rejected"
	EventChannelWithdraw EventType = "channel_withdrawn"
	EventSessionClosing  EventType = "session_closing"
	EventSessionSettled  EventType = "session_settled"

	// disputes
	EventChallengeRaised   EventType = "challenge_raised"
	EventChallengeResolved EventType = "challenge_resolved"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type        EventType      `json:"type"`
	TxID        string         `json:"tx_id,omitempty"`
	BlockHeight int64          `json:"block_height,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Data        map[string]any `json:"data"`
}

// Handler receives an event. It runs on the emitting goroutine and must not
// block.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Emitter fans events out to subscribers synchronously. A nil Emitter drops
// everything.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID int
	log    zerolog.Logger
}

func NewEmitter() *Emitter {
	return &Emitter{
		subs: map[EventType][]subscription{},
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe calls h for every event of type typ, in subscription order. The
// returned func removes it.
func (e *Emitter) Subscribe(typ EventType, h Handler) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs[typ] = append(e.subs[typ], subscription{id: id, fn: h})
	return func() { e.unsubscribe(typ, id) }
}

func (e *Emitter) unsubscribe(typ EventType, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.subs[typ]
	for i, s := range list {
		if s.id == id {
			// Copy so an Emit already iterating the old slice is unaffected.
			e.subs[typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to its subscribers. A panicking handler is logged and
// the rest still run.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	subs := e.subs[ev.Type]
	e.mu.RUnlock()
	for _, s := range subs {
		e.deliver(s.fn, ev)
	}
}

func (e *Emitter) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("event", string(ev.Type)).Str("session", ev.SessionID).
				Interface("panic", r).Msg("handler panicked")
		}
	}()
	h(ev)
}
