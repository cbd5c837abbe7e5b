package storage

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/core"
)

const (
	prefixBlock  = "ledger:block:"
	prefixHeight = "ledger:height:"
	keyTip       = "ledger:tip"
)

// BlockStore keeps sealed ledger blocks in any DB.
type BlockStore struct {
	db DB
}

var _ core.BlockStore = (*BlockStore)(nil)

// NewBlockStore wraps db.
func NewBlockStore(db DB) *BlockStore {
	return &BlockStore{db: db}
}

// Heights are zero-padded so a prefix scan walks them in order.
func heightKey(h int64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixHeight, h)) }

func (s *BlockStore) Block(hash string) (*core.Block, error) {
	raw, err := s.db.Get([]byte(prefixBlock + hash))
	if err != nil {
		return nil, err
	}
	var b core.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errors.Wrapf(err, "decode block %s", hash)
	}
	return &b, nil
}

func (s *BlockStore) BlockAt(height int64) (*core.Block, error) {
	hash, err := s.db.Get(heightKey(height))
	if err != nil {
		return nil, err
	}
	return s.Block(string(hash))
}

func (s *BlockStore) Tip() (string, error) {
	v, err := s.db.Get([]byte(keyTip))
	if errors.Is(err, core.ErrNotFound) {
		return "", nil
	}
	return string(v), err
}

func (s *BlockStore) Commit(b *core.Block) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	batch.Set([]byte(prefixBlock+b.Hash), raw)
	batch.Set(heightKey(b.Header.Height), []byte(b.Hash))
	batch.Set([]byte(keyTip), []byte(b.Hash))
	return batch.Write()
}
