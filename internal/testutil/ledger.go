package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/ledger"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/wallet"
)

// Ledger is an in-memory embedded chain. Blocks are sealed only when the
// test asks for it, or continuously after AutoSeal.
type Ledger struct {
	*ledger.Chain
	Operator *wallet.Wallet
	Emitter  *events.Emitter
}

// NewLedger returns a chain whose genesis credits alloc. The operator
// wallet is generated and funded with operatorFunds.
func NewLedger(t testing.TB, operatorFunds uint64, alloc map[string]uint64) *Ledger {
	t.Helper()
	op, err := wallet.Generate()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Genesis.Alloc = map[string]uint64{op.PubKey(): operatorFunds}
	for addr, bal := range alloc {
		cfg.Genesis.Alloc[addr] = bal
	}
	cfg.Ledger.Validators = []string{op.PubKey()}
	cfg.Ledger.AwaitPoll = config.Duration(2 * time.Millisecond)

	em := events.NewEmitter()
	db := NewMemDB()
	chain, err := ledger.OpenChain(cfg, db, storage.NewBlockStore(db), op, em)
	require.NoError(t, err)
	return &Ledger{Chain: chain, Operator: op, Emitter: em}
}

// Seal produces one block from whatever is pending.
func (l *Ledger) Seal(t testing.TB) *core.Block {
	t.Helper()
	b, err := l.Sealer.Seal()
	require.NoError(t, err)
	return b
}

// AutoSeal seals blocks every few milliseconds until the test ends.
func (l *Ledger) AutoSeal(t testing.TB) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = l.Sealer.Seal()
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// Balance returns the free balance of addr.
func (l *Ledger) Balance(t testing.TB, addr string) uint64 {
	t.Helper()
	acc, err := l.Account(addr)
	require.NoError(t, err)
	return acc.Balance
}

// FlakyAdapter fails the first Failures calls of every operation with
// core.ErrLedgerUnavailable before delegating.
type FlakyAdapter struct {
	ledger.Adapter

	mu       sync.Mutex
	Failures int
	Calls    int
}

func (f *FlakyAdapter) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Failures > 0 {
		f.Failures--
		return core.ErrLedgerUnavailable
	}
	return nil
}

func (f *FlakyAdapter) Stake(ctx context.Context, p core.StakePayload) (ledger.Ticket, error) {
	if err := f.fail(); err != nil {
		return ledger.Ticket{}, err
	}
	return f.Adapter.Stake(ctx, p)
}

func (f *FlakyAdapter) AnchorCommitment(ctx context.Context, h commitment.Hash, label string) (ledger.Ticket, error) {
	if err := f.fail(); err != nil {
		return ledger.Ticket{}, err
	}
	return f.Adapter.AnchorCommitment(ctx, h, label)
}

func (f *FlakyAdapter) EscalateDispute(ctx context.Context, p core.EscalatePayload) (ledger.Ticket, error) {
	if err := f.fail(); err != nil {
		return ledger.Ticket{}, err
	}
	return f.Adapter.EscalateDispute(ctx, p)
}

func (f *FlakyAdapter) Settle(ctx context.Context, id string, d core.Distribution) (ledger.Ticket, error) {
	if err := f.fail(); err != nil {
		return ledger.Ticket{}, err
	}
	return f.Adapter.Settle(ctx, id, d)
}
