package core

import (
	"sync"

	"github.com/pkg/errors"
)

// BlockStore persists sealed blocks. Implementations live in storage.
type BlockStore interface {
	Block(hash string) (*Block, error)
	BlockAt(height int64) (*Block, error)
	// Tip returns the hash of the last committed block, or "" when empty.
	Tip() (string, error)
	// Commit writes the block, its height entry and the new tip atomically.
	Commit(block *Block) error
}

// Blockchain is the linear sequence of sealed ledger blocks.
type Blockchain struct {
	store BlockStore

	mu  sync.RWMutex
	tip *Block
}

// NewBlockchain returns a chain over store. Init loads an existing tip.
func NewBlockchain(store BlockStore) *Blockchain {
	return &Blockchain{store: store}
}

// Init loads the persisted tip, if any.
func (bc *Blockchain) Init() error {
	hash, err := bc.store.Tip()
	if err != nil {
		return errors.Wrap(err, "read tip")
	}
	if hash == "" {
		return nil
	}
	tip, err := bc.store.Block(hash)
	if err != nil {
		return errors.Wrapf(err, "load tip %s", hash)
	}
	bc.mu.Lock()
	bc.tip = tip
	bc.mu.Unlock()
	return nil
}

// Append commits b as the new tip. The first block must be the genesis
// block; every later one must link to the tip at the next height.
func (bc *Blockchain) Append(b *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if err := bc.follows(b); err != nil {
		return err
	}
	if err := bc.store.Commit(b); err != nil {
		return errors.Wrapf(err, "commit block %d", b.Header.Height)
	}
	bc.tip = b
	return nil
}

func (bc *Blockchain) follows(b *Block) error {
	if bc.tip == nil {
		if b.Header.Height != 0 || b.Header.PrevHash != NoParent {
			return errors.Wrapf(ErrInvalidTransition, "block %d on an empty chain", b.Header.Height)
		}
		return nil
	}
	if b.Header.Height != bc.tip.Header.Height+1 {
		return errors.Wrapf(ErrInvalidTransition, "block %d does not follow %d", b.Header.Height, bc.tip.Header.Height)
	}
	if b.Header.PrevHash != bc.tip.Hash {
		return errors.Wrapf(ErrInvalidTransition, "block %d links to %s, tip is %s", b.Header.Height, b.Header.PrevHash, bc.tip.Hash)
	}
	if b.Header.ChainID != bc.tip.Header.ChainID {
		return errors.Wrapf(ErrInvalidTransition, "block %d is for chain %q", b.Header.Height, b.Header.ChainID)
	}
	return nil
}

// Block returns a block by hash.
func (bc *Blockchain) Block(hash string) (*Block, error) { return bc.store.Block(hash) }

// BlockAt returns the block at height.
func (bc *Blockchain) BlockAt(height int64) (*Block, error) { return bc.store.BlockAt(height) }

// Tip returns the last block, or nil for an empty chain.
func (bc *Blockchain) Tip() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip
}

// Height is the tip height; an empty chain reports -1.
func (bc *Blockchain) Height() int64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.tip == nil {
		return -1
	}
	return bc.tip.Header.Height
}

// ChainID is the identifier carried by the genesis block.
func (bc *Blockchain) ChainID() string {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.tip == nil {
		return ""
	}
	return bc.tip.Header.ChainID
}
