package indexer_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/indexer"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/storage"
)

func TestSessionsByParticipant(t *testing.T) {
	em := events.NewEmitter()
	idx := indexer.New(testutil.NewMemDB(), em)

	em.Emit(events.Event{Type: events.EventSessionOpened, SessionID: "s1", Data: map[string]any{"dungeon": "d", "maze_id": "m1"}})
	em.Emit(events.Event{Type: events.EventPlayerJoined, SessionID: "s1", Data: map[string]any{"player": "alice"}})
	em.Emit(events.Event{Type: events.EventPlayerJoined, SessionID: "s1", Data: map[string]any{"player": "alice"}})
	em.Emit(events.Event{Type: events.EventSessionOpened, SessionID: "s2", Data: map[string]any{"dungeon": "d", "maze_id": "m1"}})
	em.Emit(events.Event{Type: events.EventPlayerJoined, SessionID: "s2", Data: map[string]any{"player": "bob"}})

	got, err := idx.SessionsByParticipant("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, got)

	got, err = idx.SessionsByParticipant("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, got)

	got, err = idx.SessionsByMaze("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, got)

	got, err = idx.SessionsByParticipant("carol")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStatusAndChallenges(t *testing.T) {
	em := events.NewEmitter()
	idx := indexer.New(testutil.NewMemDB(), em)

	em.Emit(events.Event{Type: events.EventSessionOpened, SessionID: "s1", Data: map[string]any{}})
	st, err := idx.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, "opening", st)

	em.Emit(events.Event{Type: events.EventChallengeRaised, SessionID: "s1", Data: map[string]any{"challenge": "c1"}})
	em.Emit(events.Event{Type: events.EventChallengeRaised, SessionID: "s1", Data: map[string]any{"challenge": "c2"}})
	em.Emit(events.Event{Type: events.EventSessionClosing, SessionID: "s1", Data: map[string]any{}})

	ids, err := idx.ChallengesBySession("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
	st, err = idx.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, "closing", st)

	_, err = idx.Status("nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestConcurrentJoinsOnLevelDB(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "idx"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	em := events.NewEmitter()
	idx := indexer.New(db, em)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			em.Emit(events.Event{Type: events.EventPlayerJoined, SessionID: string(rune('a' + i)), Data: map[string]any{"player": "p"}})
		}()
	}
	wg.Wait()

	got, err := idx.SessionsByParticipant("p")
	require.NoError(t, err)
	assert.Len(t, got, 20)
}
