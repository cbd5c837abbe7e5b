package vm

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
)

// Context is passed to every Handler and provides access to the ledger
// state, the current block, the triggering transaction, the receipt being
// built and the event emitter.
type Context struct {
	State   core.State
	Block   *core.Block
	Tx      *core.Transaction
	Receipt *core.Receipt
	Emitter *events.Emitter
}

// Emit publishes a ledger event tagged with the current tx and block.
func (c *Context) Emit(typ events.EventType, sessionID string, data map[string]any) {
	c.Emitter.Emit(events.Event{
		Type:        typ,
		TxID:        c.Tx.ID,
		BlockHeight: c.Block.Header.Height,
		SessionID:   sessionID,
		Data:        data,
	})
}

// Executor applies transactions to the state using the global Handler registry.
type Executor struct {
	state   core.State
	emitter *events.Emitter
}

// NewExecutor creates an Executor with the given state and event emitter.
func NewExecutor(state core.State, emitter *events.Emitter) *Executor {
	return &Executor{state: state, emitter: emitter}
}

// ExecuteBlock applies all transactions in block sequentially. A failing
// transaction does not reject the block: its effects are rolled back and a
// failed receipt is stored under its idempotency key so callers waiting on
// it get a definite answer. It returns the receipts written by this block.
// EventBlockCommit is emitted by the caller (consensus) after signing so
// the event carries the correct block hash.
func (e *Executor) ExecuteBlock(block *core.Block) ([]*core.Receipt, error) {
	var receipts []*core.Receipt
	for _, tx := range block.Ops {
		r, err := e.ExecuteTx(block, tx)
		if err != nil {
			return nil, fmt.Errorf("tx %s: %w", tx.ID, err)
		}
		if r != nil {
			receipts = append(receipts, r)
		}
	}
	return receipts, nil
}

// ExecuteTx executes a single transaction with snapshot/rollback. Badly
// signed transactions and keys that already have a receipt are skipped and
// nil is returned. The error return is reserved for state storage faults.
func (e *Executor) ExecuteTx(block *core.Block, tx *core.Transaction) (*core.Receipt, error) {
	if err := tx.Verify(); err != nil {
		log.Warn().Str("component", "vm").Str("tx", tx.ID).Err(err).Msg("dropping transaction with bad signature")
		return nil, nil
	}
	if _, err := e.state.GetReceipt(tx.From, tx.Key); err == nil {
		log.Debug().Str("component", "vm").Str("key", tx.Key).Msg("duplicate idempotency key skipped")
		return nil, nil
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("receipt lookup: %w", err)
	}

	rcpt := newReceipt(block, tx)

	snapID, err := e.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	ctx := &Context{
		State:   e.state,
		Block:   block,
		Tx:      tx,
		Receipt: rcpt,
		Emitter: e.emitter,
	}
	if err := modules.Execute(tx.Type, ctx, tx.Payload); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return nil, fmt.Errorf("revert snapshot after tx failure: %w (revert: %v)", err, revertErr)
		}
		return e.fail(block, tx, newReceipt(block, tx), err)
	}

	rcpt.OK = true
	if err := e.state.SetReceipt(rcpt); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.Event{
		Type:        events.EventTxExecuted,
		TxID:        tx.ID,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"type": string(tx.Type), "key": tx.Key},
	})
	return rcpt, nil
}

func newReceipt(block *core.Block, tx *core.Transaction) *core.Receipt {
	return &core.Receipt{From: tx.From, Key: tx.Key, TxID: tx.ID, Type: tx.Type, Height: block.Header.Height}
}

func (e *Executor) fail(block *core.Block, tx *core.Transaction, rcpt *core.Receipt, cause error) (*core.Receipt, error) {
	rcpt.OK = false
	rcpt.Error = cause.Error()
	if err := e.state.SetReceipt(rcpt); err != nil {
		return nil, err
	}
	log.Warn().Str("component", "vm").Str("key", tx.Key).Str("type", string(tx.Type)).Err(cause).Msg("transaction failed")
	e.emitter.Emit(events.Event{
		Type:        events.EventTxFailed,
		TxID:        tx.ID,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"type": string(tx.Type), "key": tx.Key, "error": rcpt.Error},
	})
	return rcpt, nil
}
