package storage

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/tolelom/braid/core"
)

const (
	prefixGameSession = "gsess:"
	prefixChannel     = "chan:"
	prefixChallenge   = "chal:"
	prefixSessChal    = "sess-chal:"
)

// JSONStore keeps JSON-encoded records under string keys.
type JSONStore struct {
	db DB
}

// NewJSONStore wraps db.
func NewJSONStore(db DB) *JSONStore {
	return &JSONStore{db: db}
}

// Put stores v under key.
func (s *JSONStore) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), data)
}

// Get loads key into v. Missing keys yield core.ErrNotFound.
func (s *JSONStore) Get(key string, v any) error {
	data, err := s.db.Get([]byte(key))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Each calls fn with the raw value of every key under prefix, in key order.
func (s *JSONStore) Each(prefix string, fn func(key string, value []byte) error) error {
	it := s.db.NewIterator([]byte(prefix))
	defer it.Release()
	type entry struct {
		k string
		v []byte
	}
	var entries []entry
	for it.Next() {
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		entries = append(entries, entry{string(it.Key()), v})
	}
	if err := it.Error(); err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].k < entries[j].k })
	for _, e := range entries {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

// SessionStore persists what a dungeon needs to recover its sessions after a
// crash: session snapshots, the last countersigned state of every channel,
// and challenge records. Move history is not kept.
type SessionStore struct {
	*JSONStore
}

// NewSessionStore wraps db.
func NewSessionStore(db DB) *SessionStore {
	return &SessionStore{JSONStore: NewJSONStore(db)}
}

func channelKey(sessionID, player string) string {
	return prefixChannel + sessionID + ":" + player
}

// SaveStep atomically stores a session snapshot together with the channel
// that changed, so a restart never sees one without the other.
func (s *SessionStore) SaveStep(sess *core.GameSession, ch *core.ChannelRecord) error {
	sd, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Set([]byte(prefixGameSession+sess.ID), sd)
	if ch != nil {
		cd, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		batch.Set([]byte(channelKey(ch.SessionID, ch.Player)), cd)
	}
	return batch.Write()
}

// SaveSession stores a session snapshot.
func (s *SessionStore) SaveSession(sess *core.GameSession) error {
	return s.SaveStep(sess, nil)
}

// LoadSession returns a session snapshot.
func (s *SessionStore) LoadSession(id string) (*core.GameSession, error) {
	var sess core.GameSession
	if err := s.Get(prefixGameSession+id, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Sessions returns every stored session.
func (s *SessionStore) Sessions() ([]*core.GameSession, error) {
	var out []*core.GameSession
	err := s.Each(prefixGameSession, func(_ string, v []byte) error {
		var sess core.GameSession
		if err := json.Unmarshal(v, &sess); err != nil {
			return err
		}
		out = append(out, &sess)
		return nil
	})
	return out, err
}

// LoadChannel returns one channel record.
func (s *SessionStore) LoadChannel(sessionID, player string) (*core.ChannelRecord, error) {
	var ch core.ChannelRecord
	if err := s.Get(channelKey(sessionID, player), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Channels returns every channel of a session.
func (s *SessionStore) Channels(sessionID string) ([]*core.ChannelRecord, error) {
	var out []*core.ChannelRecord
	err := s.Each(prefixChannel+sessionID+":", func(_ string, v []byte) error {
		var ch core.ChannelRecord
		if err := json.Unmarshal(v, &ch); err != nil {
			return err
		}
		out = append(out, &ch)
		return nil
	})
	return out, err
}

// SaveChallenge stores a challenge and indexes it under its session.
func (s *SessionStore) SaveChallenge(c *core.Challenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Set([]byte(prefixChallenge+c.ID), data)
	batch.Set([]byte(prefixSessChal+c.SessionID+":"+c.ID), []byte(c.ID))
	return batch.Write()
}

// LoadChallenge returns one challenge.
func (s *SessionStore) LoadChallenge(id string) (*core.Challenge, error) {
	var c core.Challenge
	if err := s.Get(prefixChallenge+id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Challenges returns every challenge raised in a session.
func (s *SessionStore) Challenges(sessionID string) ([]*core.Challenge, error) {
	var ids []string
	if err := s.Each(prefixSessChal+sessionID+":", func(_ string, v []byte) error {
		ids = append(ids, string(v))
		return nil
	}); err != nil {
		return nil, err
	}
	out := make([]*core.Challenge, 0, len(ids))
	for _, id := range ids {
		c, err := s.LoadChallenge(id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// OpenChallenges returns every challenge across all sessions that is
// unresolved or still waiting for the ledger.
func (s *SessionStore) OpenChallenges() ([]*core.Challenge, error) {
	var out []*core.Challenge
	err := s.Each(prefixChallenge, func(_ string, v []byte) error {
		var c core.Challenge
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		if c.Pending() {
			out = append(out, &c)
		}
		return nil
	})
	return out, err
}
