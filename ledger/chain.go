package ledger

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/clock"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/consensus"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/vm"
	"github.com/tolelom/braid/wallet"

	// Ledger contract modules register themselves on import.
	_ "github.com/tolelom/braid/vm/modules/anchor"
	_ "github.com/tolelom/braid/vm/modules/economy"
	_ "github.com/tolelom/braid/vm/modules/escalation"
	_ "github.com/tolelom/braid/vm/modules/settlement"
	_ "github.com/tolelom/braid/vm/modules/stake"
)

// Chain is the embedded settlement ledger of a node: block store, state,
// mempool and the sealer that turns submitted operations into receipts.
type Chain struct {
	Blocks  *core.Blockchain
	State   *storage.StateDB
	Mempool *core.Mempool
	Sealer  *consensus.Sealer
	Local   *Local
}

// OpenChain assembles the ledger over db, writing the genesis block on a
// fresh store. The operator wallet both seals blocks and signs submissions.
func OpenChain(cfg *config.Config, db storage.DB, blocks core.BlockStore, w *wallet.Wallet, em *events.Emitter) (*Chain, error) {
	state := storage.NewStateDB(db)
	bc := core.NewBlockchain(blocks)
	if err := bc.Init(); err != nil {
		return nil, errors.Wrap(err, "blockchain init")
	}
	if bc.Tip() == nil {
		genesis, err := cfg.Genesis.Build(state, w.PrivKey(), clock.System.Now())
		if err != nil {
			return nil, err
		}
		if err := bc.Append(genesis); err != nil {
			return nil, errors.Wrap(err, "append genesis")
		}
		log.Info().Str("component", "ledger").Str("chain", genesis.Header.ChainID).Str("hash", genesis.Hash).Msg("genesis block committed")
	} else if id := bc.ChainID(); id != cfg.Genesis.ChainID {
		return nil, errors.Errorf("store holds chain %q, config expects %q", id, cfg.Genesis.ChainID)
	}

	lcfg := cfg.Ledger
	if len(lcfg.Validators) == 0 {
		lcfg.Validators = []string{w.PubKey()}
	}
	pool := core.NewMempool()
	exec := vm.NewExecutor(state, em)
	sealer := consensus.New(lcfg, bc, state, pool, exec, em, w.PrivKey(), clock.System)
	return &Chain{
		Blocks:  bc,
		State:   state,
		Mempool: pool,
		Sealer:  sealer,
		Local:   NewLocal(w, pool, sealer, lcfg.AwaitPoll.D()),
	}, nil
}

// Run seals blocks until ctx is cancelled.
func (c *Chain) Run(ctx context.Context) { c.Sealer.Run(ctx) }

// Account returns the free balance of addr.
func (c *Chain) Account(addr string) (*core.Account, error) {
	var out *core.Account
	err := c.Sealer.View(func(s core.State) error {
		a, err := s.GetAccount(addr)
		out = a
		return err
	})
	return out, err
}

// Stakes returns the ledger record of a session.
func (c *Chain) Stakes(sessionID string) (*core.SessionStakes, error) {
	var out *core.SessionStakes
	err := c.Sealer.View(func(s core.State) error {
		st, err := s.GetStakes(sessionID)
		out = st
		return err
	})
	return out, err
}

// Anchor returns the ledger record of an anchored commitment.
func (c *Chain) Anchor(hash commitment.Hash) (*core.Anchor, error) {
	var out *core.Anchor
	err := c.Sealer.View(func(s core.State) error {
		a, err := s.GetAnchor(hash)
		out = a
		return err
	})
	return out, err
}

// Escalation returns the ledger's final record of a challenge.
func (c *Chain) Escalation(id string) (*core.Challenge, error) {
	var out *core.Challenge
	err := c.Sealer.View(func(s core.State) error {
		ch, err := s.GetEscalation(id)
		out = ch
		return err
	})
	return out, err
}
