package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"sort"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
)

// Ledger state lives under one namespace so the state root is a single
// prefix scan.
const stateNS = "state/"

const (
	kindAccount    = stateNS + "account/"
	kindStakes     = stateNS + "stakes/"
	kindAnchor     = stateNS + "anchor/"
	kindEscalation = stateNS + "escalation/"
	kindReceipt    = stateNS + "receipt/"
)

// StateDB is the ledger's core.State. Writes go to an overlay that Commit
// flushes in one batch; snapshots are copies of the overlay.
type StateDB struct {
	db        DB
	overlay   map[string][]byte
	snapshots []map[string][]byte
}

var _ core.State = (*StateDB)(nil)

// NewStateDB returns a state over db with an empty overlay.
func NewStateDB(db DB) *StateDB {
	return &StateDB{db: db, overlay: map[string][]byte{}}
}

func (s *StateDB) read(key string, v any) error {
	raw, ok := s.overlay[key]
	if !ok {
		var err error
		if raw, err = s.db.Get([]byte(key)); err != nil {
			return err
		}
	}
	return errors.Wrapf(json.Unmarshal(raw, v), "decode %s", key)
}

// Overlay values are replaced, never mutated, so snapshots can share them.
func (s *StateDB) write(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	s.overlay[key] = raw
	return nil
}

// GetAccount returns a zero account for an address never credited.
func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	acc := &core.Account{Address: address}
	err := s.read(kindAccount+address, acc)
	if errors.Is(err, core.ErrNotFound) {
		return acc, nil
	}
	return acc, err
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	return s.write(kindAccount+acc.Address, acc)
}

func (s *StateDB) GetStakes(sessionID string) (*core.SessionStakes, error) {
	st := new(core.SessionStakes)
	if err := s.read(kindStakes+sessionID, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *StateDB) SetStakes(st *core.SessionStakes) error {
	return s.write(kindStakes+st.ID, st)
}

func (s *StateDB) GetAnchor(h commitment.Hash) (*core.Anchor, error) {
	a := new(core.Anchor)
	if err := s.read(kindAnchor+h.String(), a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *StateDB) SetAnchor(a *core.Anchor) error {
	return s.write(kindAnchor+a.Hash.String(), a)
}

func (s *StateDB) GetEscalation(id string) (*core.Challenge, error) {
	c := new(core.Challenge)
	if err := s.read(kindEscalation+id, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *StateDB) SetEscalation(c *core.Challenge) error {
	return s.write(kindEscalation+c.ID, c)
}

func receiptKey(from, key string) string { return kindReceipt + from + "/" + key }

func (s *StateDB) GetReceipt(from, key string) (*core.Receipt, error) {
	r := new(core.Receipt)
	if err := s.read(receiptKey(from, key), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *StateDB) SetReceipt(r *core.Receipt) error {
	return s.write(receiptKey(r.From, r.Key), r)
}

// Snapshot records the overlay. Snapshots nest; reverting to one discards
// it and every later one.
func (s *StateDB) Snapshot() (int, error) {
	cp := make(map[string][]byte, len(s.overlay))
	for k, v := range s.overlay {
		cp[k] = v
	}
	s.snapshots = append(s.snapshots, cp)
	return len(s.snapshots) - 1, nil
}

func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return errors.Errorf("statedb: no snapshot %d", id)
	}
	s.overlay = s.snapshots[id]
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot hashes every committed and buffered state entry in key
// order. Each key and value is length-prefixed. Nothing is flushed.
func (s *StateDB) ComputeRoot() string {
	entries := make(map[string][]byte, len(s.overlay))
	it := s.db.NewIterator([]byte(stateNS))
	for it.Next() {
		entries[string(it.Key())] = append([]byte(nil), it.Value()...)
	}
	it.Release()
	for k, v := range s.overlay {
		entries[k] = v
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		writeField(h, []byte(k))
		writeField(h, entries[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// Commit flushes the overlay in one batch and drops all snapshots.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.overlay {
		batch.Set([]byte(k), v)
	}
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "statedb: commit")
	}
	s.overlay = map[string][]byte{}
	s.snapshots = nil
	return nil
}
