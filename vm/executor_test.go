package vm_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/vm"
	"github.com/tolelom/braid/wallet"

	_ "github.com/tolelom/braid/vm/modules/economy"
)

const (
	opGrant         core.TxType = "test-grant"
	opGrantThenFail core.TxType = "test-grant-then-fail"
)

type grant struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

func init() {
	apply := func(ctx *vm.Context, payload json.RawMessage) error {
		var g grant
		if err := json.Unmarshal(payload, &g); err != nil {
			return err
		}
		return ctx.Credit(g.To, g.Amount)
	}
	vm.Register(opGrant, apply)
	vm.Register(opGrantThenFail, func(ctx *vm.Context, payload json.RawMessage) error {
		if err := apply(ctx, payload); err != nil {
			return err
		}
		return errors.New("refused after writing")
	})
}

func tx(t *testing.T, w *wallet.Wallet, typ core.TxType, key string, payload any) *core.Transaction {
	t.Helper()
	out, err := w.NewTx(typ, key, payload)
	require.NoError(t, err)
	return out
}

func block(ops ...*core.Transaction) *core.Block {
	return core.NewBlock("test", 1, core.NoParent, "sealer", ops, time.Unix(1, 0))
}

func TestFailedOpLeavesNoTrace(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	state := testutil.NewStateDB()
	exec := vm.NewExecutor(state, events.NewEmitter())

	receipts, err := exec.ExecuteBlock(block(
		tx(t, w, opGrantThenFail, "a", grant{To: w.PubKey(), Amount: 40}),
		tx(t, w, opGrant, "b", grant{To: w.PubKey(), Amount: 5}),
	))
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.False(t, receipts[0].OK)
	assert.Contains(t, receipts[0].Error, "refused after writing")
	assert.True(t, receipts[1].OK)

	acc, err := state.GetAccount(w.PubKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), acc.Balance)

	stored, err := state.GetReceipt(w.PubKey(), "a")
	require.NoError(t, err)
	assert.False(t, stored.OK)
}

func TestDuplicateKeyExecutesOnce(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	state := testutil.NewStateDB()
	exec := vm.NewExecutor(state, events.NewEmitter())

	op := tx(t, w, opGrant, "once", grant{To: w.PubKey(), Amount: 7})
	again := tx(t, w, opGrant, "once", grant{To: w.PubKey(), Amount: 7})
	receipts, err := exec.ExecuteBlock(block(op, again))
	require.NoError(t, err)
	assert.Len(t, receipts, 1)

	acc, err := state.GetAccount(w.PubKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), acc.Balance)
}

func TestTamperedOpIsDropped(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	exec := vm.NewExecutor(testutil.NewStateDB(), events.NewEmitter())

	op := tx(t, w, opGrant, "x", grant{To: w.PubKey(), Amount: 1})
	op.Key = "y"
	r, err := exec.ExecuteTx(block(op), op)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestUnknownOpFails(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	exec := vm.NewExecutor(testutil.NewStateDB(), events.NewEmitter())

	op := tx(t, w, core.TxType("nonsense"), "k", struct{}{})
	r, err := exec.ExecuteTx(block(op), op)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, vm.ErrUnknownOp.Error())
}

func TestTransfer(t *testing.T) {
	from, err := wallet.Generate()
	require.NoError(t, err)
	to, err := wallet.Generate()
	require.NoError(t, err)
	state := testutil.NewStateDB()
	require.NoError(t, state.SetAccount(&core.Account{Address: from.PubKey(), Balance: 30}))
	exec := vm.NewExecutor(state, events.NewEmitter())

	receipts, err := exec.ExecuteBlock(block(
		tx(t, from, core.TxTransfer, "t1", core.TransferPayload{To: to.PubKey(), Amount: 20}),
		tx(t, from, core.TxTransfer, "t2", core.TransferPayload{To: to.PubKey(), Amount: 20}),
		tx(t, from, core.TxTransfer, "t3", core.TransferPayload{To: from.PubKey(), Amount: 1}),
		tx(t, from, core.TxTransfer, "t4", core.TransferPayload{To: "nobody", Amount: 1}),
	))
	require.NoError(t, err)
	require.Len(t, receipts, 4)
	assert.True(t, receipts[0].OK)
	assert.Contains(t, receipts[1].Error, vm.ErrInsufficientFunds.Error())
	assert.False(t, receipts[2].OK)
	assert.False(t, receipts[3].OK)

	acc, err := state.GetAccount(to.PubKey())
	require.NoError(t, err)
	assert.Equal(t, uint64(20), acc.Balance)
	assert.Contains(t, vm.Registered(), core.TxTransfer)
}
