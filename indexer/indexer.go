// Package indexer maintains secondary indexes over channel and ledger events
// so status queries can find sessions by participant or maze, and
// challenges by session, without scanning snapshots.
package indexer

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/storage"
)

const (
	prefixParticipantSession = "idx:participant:session:"
	prefixMazeSession        = "idx:maze:session:"
	prefixSessionChallenge   = "idx:session:challenge:"
	prefixSessionStatus      = "idx:session:status:"
)

// Indexer subscribes to events and updates secondary lookup tables.
type Indexer struct {
	db  storage.DB
	log zerolog.Logger

	// Events arrive from many sessions at once; list updates are
	// read-modify-write.
	mu sync.Mutex
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, log: log.With().Str("component", "indexer").Logger()}
	emitter.Subscribe(events.EventSessionOpened, idx.onSessionOpened)
	emitter.Subscribe(events.EventPlayerJoined, idx.onPlayerJoined)
	emitter.Subscribe(events.EventSessionActive, idx.status("active"))
	emitter.Subscribe(events.EventSessionClosing, idx.status("closing"))
	emitter.Subscribe(events.EventSessionSettled, idx.status("settled"))
	emitter.Subscribe(events.EventChallengeRaised, idx.onChallengeRaised)
	return idx
}

// SessionsByParticipant returns the sessions addr took part in, as player
// or dungeon, in the order they were seen.
func (idx *Indexer) SessionsByParticipant(addr string) ([]string, error) {
	return idx.getList(prefixParticipantSession + addr)
}

// SessionsByMaze returns the sessions played on a maze.
func (idx *Indexer) SessionsByMaze(mazeID string) ([]string, error) {
	return idx.getList(prefixMazeSession + mazeID)
}

// ChallengesBySession returns the ids of challenges raised in a session.
func (idx *Indexer) ChallengesBySession(sessionID string) ([]string, error) {
	return idx.getList(prefixSessionChallenge + sessionID)
}

// Status returns the last lifecycle status seen for a session.
func (idx *Indexer) Status(sessionID string) (string, error) {
	data, err := idx.db.Get([]byte(prefixSessionStatus + sessionID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ---- event handlers ----

func (idx *Indexer) onSessionOpened(ev events.Event) {
	if ev.SessionID == "" {
		return
	}
	if dungeon, _ := ev.Data["dungeon"].(string); dungeon != "" {
		idx.add(prefixParticipantSession+dungeon, ev.SessionID)
	}
	if mazeID, _ := ev.Data["maze_id"].(string); mazeID != "" {
		idx.add(prefixMazeSession+mazeID, ev.SessionID)
	}
	idx.set(prefixSessionStatus+ev.SessionID, "opening")
}

func (idx *Indexer) onPlayerJoined(ev events.Event) {
	player, _ := ev.Data["player"].(string)
	if ev.SessionID == "" || player == "" {
		return
	}
	idx.add(prefixParticipantSession+player, ev.SessionID)
}

func (idx *Indexer) onChallengeRaised(ev events.Event) {
	id, _ := ev.Data["challenge"].(string)
	if ev.SessionID == "" || id == "" {
		return
	}
	idx.add(prefixSessionChallenge+ev.SessionID, id)
}

func (idx *Indexer) status(s string) events.Handler {
	return func(ev events.Event) {
		if ev.SessionID != "" {
			idx.set(prefixSessionStatus+ev.SessionID, s)
		}
	}
}

func (idx *Indexer) add(key, value string) {
	if err := idx.addToList(key, value); err != nil {
		idx.log.Error().Err(err).Str("key", key).Msg("update index")
	}
}

func (idx *Indexer) set(key, value string) {
	if err := idx.db.Set([]byte(key), []byte(value)); err != nil {
		idx.log.Error().Err(err).Str("key", key).Msg("update index")
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, errors.Wrap(err, "indexer unmarshal")
	}
	return ids, nil
}

// addToList appends value once; repeated events do not duplicate entries.
func (idx *Indexer) addToList(key, value string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids, err := idx.getList(key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
