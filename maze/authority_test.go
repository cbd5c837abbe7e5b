package maze_test

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/maze"
	"github.com/tolelom/braid/storage"
)

type fixture struct {
	ledger    *testutil.Ledger
	gateway   *testutil.FakeGateway
	store     *storage.JSONStore
	authority *maze.Authority
	discarded atomic.Int32
}

func newFixture(t *testing.T, opts maze.Options) *fixture {
	t.Helper()
	l := testutil.NewLedger(t, 1000, nil)
	l.AutoSeal(t)
	f := &fixture{
		ledger:  l,
		gateway: testutil.NewFakeGateway(grid),
		store:   storage.NewJSONStore(testutil.NewMemDB()),
	}
	l.Emitter.Subscribe(events.EventMazeDiscarded, func(events.Event) { f.discarded.Add(1) })

	opts.Grid = grid
	opts.Seed = 7
	if opts.Bond == 0 {
		opts.Bond = 300
	}
	f.authority = maze.NewAuthority(opts, l.Operator, f.gateway, l.Local, f.store, l.Emitter, testutil.NewClock())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.authority.Open(ctx))
	return f
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestProducePublishesAnchoredMaze(t *testing.T) {
	f := newFixture(t, maze.Options{RetryBudget: 3})

	d, err := f.authority.Produce(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, f.authority.Attempts())
	assert.True(t, f.gateway.VerifySolvabilityProof(d.Statement(), d.Proof))

	anchor, err := f.ledger.Anchor(d.MazeRoot)
	require.NoError(t, err)
	assert.Equal(t, d.AnchorHeight, anchor.Height)

	got, err := f.authority.Descriptor(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.MazeRoot, got.MazeRoot)

	cells, err := f.authority.Section(d.ID, d.Start, 1)
	require.NoError(t, err)
	for _, c := range cells {
		assert.True(t, maze.VerifyCell(d.MazeRoot, d.Grid, c))
	}
}

func TestProduceRetriesFailedProofs(t *testing.T) {
	f := newFixture(t, maze.Options{RetryBudget: 3})
	f.gateway.SolvabilityFailures = 2

	d, err := f.authority.Produce(ctx(t))
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.discarded.Load())
	assert.Equal(t, 0, f.authority.Attempts())
	assert.Len(t, f.authority.Published(), 1)
	assert.Equal(t, d.ID, f.authority.Published()[0].ID)
}

func TestUnsolvableMazesAreDiscarded(t *testing.T) {
	calls := 0
	f := newFixture(t, maze.Options{
		RetryBudget: 3,
		Generate: func(g commitment.Grid, rng *rand.Rand) (*maze.Maze, error) {
			m, err := maze.Generate(g, rng)
			if err != nil {
				return nil, err
			}
			calls++
			if calls == 1 {
				for i := range m.Walls {
					m.Walls[i] = commitment.AllWalls
				}
			}
			return m, nil
		},
	})

	_, err := f.authority.Produce(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.EqualValues(t, 1, f.discarded.Load())
}

func TestRetryBudgetExhaustionForfeitsBond(t *testing.T) {
	f := newFixture(t, maze.Options{RetryBudget: 3})
	f.gateway.SolvabilityFailures = 100

	_, err := f.authority.Produce(ctx(t))
	require.ErrorIs(t, err, maze.ErrRetryBudgetExhausted)
	assert.Equal(t, 3, f.authority.Attempts())
	assert.Empty(t, f.authority.Published())

	// The bond went to the treasury through the ledger.
	assert.Equal(t, uint64(300), f.ledger.Balance(t, core.TreasuryAddress))
	assert.Equal(t, uint64(700), f.ledger.Balance(t, f.ledger.Operator.PubKey()))
	st, err := f.ledger.Stakes(f.authority.BondSession())
	require.NoError(t, err)
	assert.True(t, st.Settled)

	// Terminal: later calls fail without generating.
	_, err = f.authority.Produce(ctx(t))
	require.ErrorIs(t, err, maze.ErrRetryBudgetExhausted)
	assert.EqualValues(t, 3, f.discarded.Load())
}

func TestUnpublishedMazeIsNotFound(t *testing.T) {
	f := newFixture(t, maze.Options{RetryBudget: 1})
	_, err := f.authority.Descriptor("nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.authority.Section("nope", commitment.Position{}, 1)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRestoreReloadsPublishedMazes(t *testing.T) {
	f := newFixture(t, maze.Options{RetryBudget: 2})
	d, err := f.authority.Produce(ctx(t))
	require.NoError(t, err)

	again := maze.NewAuthority(maze.Options{Grid: grid}, f.ledger.Operator, f.gateway, f.ledger.Local, f.store, nil, nil)
	require.NoError(t, again.Restore())
	got, err := again.Descriptor(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.MazeRoot, got.MazeRoot)
	m, err := again.Maze(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.MazeRoot, m.Root())
}
