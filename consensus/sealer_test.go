package consensus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/consensus"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/vm"
	"github.com/tolelom/braid/wallet"

	_ "github.com/tolelom/braid/vm/modules/economy"
)

type node struct {
	sealer *consensus.Sealer
	chain  *core.Blockchain
	pool   *core.Mempool
	state  *storage.StateDB
	clock  *testutil.Clock
	wallet *wallet.Wallet
}

func newNode(t *testing.T, w *wallet.Wallet, validators []string, alloc map[string]uint64) *node {
	t.Helper()
	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)
	chain := core.NewBlockchain(storage.NewBlockStore(db))
	require.NoError(t, chain.Init())

	genesis, err := config.GenesisConfig{ChainID: "test", Alloc: alloc}.Build(state, w.PrivKey(), time.Unix(0, 0))
	require.NoError(t, err)
	require.NoError(t, chain.Append(genesis))

	em := events.NewEmitter()
	pool := core.NewMempool()
	clk := testutil.NewClock()
	s := consensus.New(config.LedgerConfig{Validators: validators}, chain, state, pool,
		vm.NewExecutor(state, em), em, w.PrivKey(), clk)
	return &node{sealer: s, chain: chain, pool: pool, state: state, clock: clk, wallet: w}
}

func TestSealExecutesPendingOps(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	to, err := wallet.Generate()
	require.NoError(t, err)
	n := newNode(t, w, []string{w.PubKey()}, map[string]uint64{w.PubKey(): 100})

	b, err := n.sealer.Seal()
	require.NoError(t, err)
	assert.Nil(t, b, "nothing pending")

	tx, err := w.NewTx(core.TxTransfer, "pay", core.TransferPayload{To: to.PubKey(), Amount: 60})
	require.NoError(t, err)
	require.NoError(t, n.pool.Add(tx))

	b, err = n.sealer.Seal()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(1), b.Header.Height)
	assert.Equal(t, "test", b.Header.ChainID)
	assert.Equal(t, n.clock.Now().UnixNano(), b.Header.Timestamp)
	assert.Equal(t, core.OpsRoot([]*core.Transaction{tx}), b.Header.OpsRoot)
	assert.Equal(t, 0, n.pool.Size())
	assert.Equal(t, int64(1), n.sealer.Height())

	err = n.sealer.View(func(s core.State) error {
		acc, err := s.GetAccount(to.PubKey())
		require.NoError(t, err)
		assert.Equal(t, uint64(60), acc.Balance)
		r, err := s.GetReceipt(w.PubKey(), "pay")
		require.NoError(t, err)
		assert.True(t, r.OK)
		assert.Equal(t, int64(1), r.Height)
		return nil
	})
	require.NoError(t, err)
}

func TestLeaderRotation(t *testing.T) {
	a, err := wallet.Generate()
	require.NoError(t, err)
	b, err := wallet.Generate()
	require.NoError(t, err)
	validators := []string{a.PubKey(), b.PubKey()}

	n := newNode(t, a, validators, nil)
	assert.Equal(t, b.PubKey(), n.sealer.LeaderAt(1))
	assert.False(t, n.sealer.Leader())

	tx, err := a.NewTx(core.TxTransfer, "k", core.TransferPayload{To: b.PubKey(), Amount: 1})
	require.NoError(t, err)
	require.NoError(t, n.pool.Add(tx))
	_, err = n.sealer.Seal()
	assert.ErrorIs(t, err, consensus.ErrNotLeader)
}

func TestValidate(t *testing.T) {
	a, err := wallet.Generate()
	require.NoError(t, err)
	b, err := wallet.Generate()
	require.NoError(t, err)
	n := newNode(t, a, []string{a.PubKey()}, nil)
	tip := n.chain.Tip()

	good := core.NewBlock("test", 1, tip.Hash, a.PubKey(), nil, time.Unix(5, 0))
	good.Seal(a.PrivKey())
	assert.NoError(t, n.sealer.Validate(good))

	forged := core.NewBlock("test", 1, tip.Hash, a.PubKey(), nil, time.Unix(5, 0))
	forged.Seal(b.PrivKey())
	assert.ErrorIs(t, n.sealer.Validate(forged), core.ErrBadSignature)

	outsider := core.NewBlock("test", 1, tip.Hash, b.PubKey(), nil, time.Unix(5, 0))
	outsider.Seal(b.PrivKey())
	assert.ErrorIs(t, n.sealer.Validate(outsider), core.ErrBadSignature)

	gap := core.NewBlock("test", 2, tip.Hash, a.PubKey(), nil, time.Unix(5, 0))
	gap.Seal(a.PrivKey())
	assert.ErrorIs(t, n.sealer.Validate(gap), core.ErrInvalidTransition)

	// Tampering after sealing breaks the hash.
	good.Header.StateRoot = "x"
	assert.ErrorIs(t, n.sealer.Validate(good), core.ErrBadSignature)
}

func TestChainRejectsBadLinks(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)
	n := newNode(t, w, []string{w.PubKey()}, nil)
	tip := n.chain.Tip()

	stray := core.NewBlock("test", 1, "beef", w.PubKey(), nil, time.Unix(1, 0))
	stray.Seal(w.PrivKey())
	assert.ErrorIs(t, n.chain.Append(stray), core.ErrInvalidTransition)

	other := core.NewBlock("elsewhere", 1, tip.Hash, w.PubKey(), nil, time.Unix(1, 0))
	other.Seal(w.PrivKey())
	assert.ErrorIs(t, n.chain.Append(other), core.ErrInvalidTransition)

	next := core.NewBlock("test", 1, tip.Hash, w.PubKey(), nil, time.Unix(1, 0))
	next.Seal(w.PrivKey())
	require.NoError(t, n.chain.Append(next))
	assert.Equal(t, "test", n.chain.ChainID())

	byHeight, err := n.chain.BlockAt(1)
	require.NoError(t, err)
	assert.Equal(t, next.Hash, byHeight.Hash)
}
