// Package consensus seals the embedded ledger's blocks under
// proof-of-authority. Validators take heights in round-robin order; a
// submitted operation is confirmed once a block containing it is sealed.
package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/clock"
	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/vm"
)

// ErrNotLeader is returned by Seal when another validator owns the next
// height.
var ErrNotLeader = errors.New("consensus: not the leader for this height")

const defaultMaxOps = 500

// Sealer turns pending ledger operations into blocks. Block execution and
// every state read made through View are serialised.
type Sealer struct {
	cfg     config.LedgerConfig
	chain   *core.Blockchain
	state   core.State
	pool    *core.Mempool
	exec    *vm.Executor
	emitter *events.Emitter
	key     crypto.PrivateKey
	addr    string
	clock   clock.Clock
	log     zerolog.Logger

	mu sync.Mutex
}

// New returns a sealer signing with key. A nil clock means wall time.
func New(cfg config.LedgerConfig, chain *core.Blockchain, state core.State, pool *core.Mempool,
	exec *vm.Executor, em *events.Emitter, key crypto.PrivateKey, clk clock.Clock) *Sealer {
	if clk == nil {
		clk = clock.System
	}
	return &Sealer{
		cfg:     cfg,
		chain:   chain,
		state:   state,
		pool:    pool,
		exec:    exec,
		emitter: em,
		key:     key,
		addr:    key.Public().Hex(),
		clock:   clk,
		log:     log.With().Str("component", "consensus").Logger(),
	}
}

// LeaderAt returns the validator that seals height, or "" with no
// validators configured.
func (s *Sealer) LeaderAt(height int64) string {
	if len(s.cfg.Validators) == 0 {
		return ""
	}
	return s.cfg.Validators[int(height)%len(s.cfg.Validators)]
}

// Leader reports whether this node seals the next block.
func (s *Sealer) Leader() bool {
	return s.LeaderAt(s.chain.Height()+1) == s.addr
}

// View runs fn against committed state while no block executes.
func (s *Sealer) View(fn func(core.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

// Height is the current ledger height.
func (s *Sealer) Height() int64 { return s.chain.Height() }

// Seal executes pending operations in a new block and commits it. An empty
// mempool produces no block and returns (nil, nil).
func (s *Sealer) Seal() (*core.Block, error) {
	if !s.Leader() {
		return nil, ErrNotLeader
	}
	limit := s.cfg.MaxBlockTxs
	if limit <= 0 {
		limit = defaultMaxOps
	}
	ops := s.pool.Pending(limit)
	if len(ops) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tip := s.chain.Tip()
	if tip == nil {
		return nil, errors.New("consensus: ledger has no genesis block")
	}
	b := core.NewBlock(tip.Header.ChainID, tip.Header.Height+1, tip.Hash, s.addr, ops, s.clock.Now())

	snap, err := s.state.Snapshot()
	if err != nil {
		return nil, errors.Wrap(err, "snapshot")
	}
	receipts, err := s.exec.ExecuteBlock(b)
	if err != nil {
		return nil, s.abandon(snap, errors.Wrapf(err, "execute block %d", b.Header.Height))
	}
	b.Header.StateRoot = s.state.ComputeRoot()
	b.Seal(s.key)

	if err := s.chain.Append(b); err != nil {
		return nil, s.abandon(snap, err)
	}
	// The block is stored; state that fails to follow it cannot be repaired
	// in place.
	if err := s.state.Commit(); err != nil {
		s.log.Fatal().Int64("height", b.Header.Height).Err(err).Msg("block stored but state commit failed")
	}

	ids := make([]string, len(ops))
	for i, tx := range ops {
		ids[i] = tx.ID
	}
	s.pool.Remove(ids)

	s.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: b.Header.Height,
		Data:        map[string]any{"hash": b.Hash, "ops": len(ops), "receipts": len(receipts)},
	})
	s.log.Debug().Int64("height", b.Header.Height).Int("ops", len(ops)).Int("receipts", len(receipts)).Msg("block sealed")
	return b, nil
}

func (s *Sealer) abandon(snap int, cause error) error {
	if err := s.state.RevertToSnapshot(snap); err != nil {
		return errors.Wrapf(cause, "revert failed: %v", err)
	}
	return cause
}

// Validate checks a block sealed elsewhere: the leader for its height must
// have signed it and it must extend the local tip.
func (s *Sealer) Validate(b *core.Block) error {
	leader := s.LeaderAt(b.Header.Height)
	if leader == "" {
		return errors.New("consensus: no validators configured")
	}
	if b.Header.Sealer != leader {
		return errors.Wrapf(core.ErrBadSignature, "block %d sealed by %s, leader is %s", b.Header.Height, b.Header.Sealer, leader)
	}
	pub, err := crypto.PubKeyFromHex(leader)
	if err != nil {
		return errors.Wrap(err, "leader key")
	}
	if err := b.VerifySeal(pub); err != nil {
		return errors.Wrapf(core.ErrBadSignature, "block %d seal: %v", b.Header.Height, err)
	}
	tip := s.chain.Tip()
	switch {
	case tip == nil:
		return errors.Wrap(core.ErrInvalidTransition, "no genesis block to extend")
	case b.Header.PrevHash != tip.Hash || b.Header.Height != tip.Header.Height+1:
		return errors.Wrapf(core.ErrInvalidTransition, "block %d does not extend tip %d", b.Header.Height, tip.Header.Height)
	}
	return nil
}

// Run seals a block every BlockInterval while this node leads, until ctx
// ends.
func (s *Sealer) Run(ctx context.Context) {
	interval := s.cfg.BlockInterval.D()
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !s.Leader() {
				continue
			}
			if _, err := s.Seal(); err != nil {
				s.log.Error().Err(err).Msg("seal block")
			}
		}
	}
}
