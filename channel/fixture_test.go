package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/channel"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/maze"
	"github.com/tolelom/braid/proof"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/wallet"
)

var grid = commitment.Grid{Width: 5, Height: 5}

const (
	ante = 100
	bond = 500
)

type fixture struct {
	ledger  *testutil.Ledger
	fake    *testutil.FakeGateway
	gateway proof.Gateway
	clock   *testutil.Clock
	store   *storage.SessionStore
	auth    *maze.Authority
	desc    *maze.Descriptor
	maze    *maze.Maze
	deps    channel.Deps
	cfg     channel.Config
	mgr     *channel.Manager
	wallets []*wallet.Wallet
}

type fixtureOpts struct {
	players int
	cfg     channel.Config
	gateway func(*testutil.FakeGateway) proof.Gateway
}

func defaultConfig() channel.Config {
	return channel.Config{
		Ante:         ante,
		Bond:         bond,
		MaxPlayers:   4,
		MaxTurns:     1000,
		RevealRadius: 1,
	}
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	if opts.players == 0 {
		opts.players = 1
	}
	if opts.cfg.MaxPlayers == 0 {
		opts.cfg = defaultConfig()
	}

	alloc := map[string]uint64{}
	var wallets []*wallet.Wallet
	for i := 0; i < opts.players; i++ {
		w, err := wallet.Generate()
		require.NoError(t, err)
		wallets = append(wallets, w)
		alloc[w.PubKey()] = 1000
	}
	l := testutil.NewLedger(t, 5000, alloc)
	l.AutoSeal(t)

	f := &fixture{
		ledger:  l,
		fake:    testutil.NewFakeGateway(grid),
		clock:   testutil.NewClock(),
		store:   testutil.NewSessionStore(),
		cfg:     opts.cfg,
		wallets: wallets,
	}
	f.gateway = f.fake
	if opts.gateway != nil {
		f.gateway = opts.gateway(f.fake)
	}

	f.auth = maze.NewAuthority(maze.Options{Grid: grid, Seed: 11, Bond: 300}, l.Operator, f.fake, l.Local,
		storage.NewJSONStore(testutil.NewMemDB()), l.Emitter, f.clock)
	require.NoError(t, f.auth.Open(ctxT(t)))
	desc, err := f.auth.Produce(ctxT(t))
	require.NoError(t, err)
	f.desc = desc
	f.maze, err = f.auth.Maze(desc.ID)
	require.NoError(t, err)

	f.deps = channel.Deps{
		Wallet:  l.Operator,
		Gateway: f.gateway,
		Ledger:  l.Local,
		Store:   f.store,
		Emitter: l.Emitter,
		Clock:   f.clock,
	}
	f.mgr = channel.NewManager(f.cfg, f.deps, f.auth)
	return f
}

func ctxT(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

// start assigns a session, joins every fixture wallet and activates it.
func (f *fixture) start(t *testing.T) (*channel.Engine, []*channel.Player) {
	t.Helper()
	e, err := f.mgr.Assign(ctxT(t), channel.Assignment{MazeID: f.desc.ID})
	require.NoError(t, err)

	var players []*channel.Player
	for _, w := range f.wallets {
		p, err := channel.NewPlayer(w, f.gateway, f.desc, e.ID(), e.Dungeon(), f.clock)
		require.NoError(t, err)
		req, err := p.JoinRequest(ctxT(t), f.cfg.Ante)
		require.NoError(t, err)
		genesis, err := f.mgr.Join(ctxT(t), req)
		require.NoError(t, err)
		require.NoError(t, p.Joined(genesis))
		players = append(players, p)
	}
	require.NoError(t, e.Activate(ctxT(t)))
	return e, players
}

// step makes one accepted move.
func step(t *testing.T, e *channel.Engine, p *channel.Player, a commitment.Action) *core.MoveAck {
	t.Helper()
	sub, err := p.Move(ctxT(t), a)
	require.NoError(t, err)
	ack, err := e.Submit(ctxT(t), sub)
	require.NoError(t, err)
	_, err = p.Accept(ack)
	require.NoError(t, err)
	return ack
}

// shuttle returns the actions that move between the first two cells of the
// solution path.
func (f *fixture) shuttle(t *testing.T) (commitment.Action, commitment.Action) {
	t.Helper()
	out, ok := channel.ActionTo(f.maze.Path[0], f.maze.Path[1])
	require.True(t, ok)
	back, ok := channel.ActionTo(f.maze.Path[1], f.maze.Path[0])
	require.True(t, ok)
	return out, back
}

// oscillate makes n accepted moves without leaving the start area.
func (f *fixture) oscillate(t *testing.T, e *channel.Engine, p *channel.Player, n int) *core.MoveAck {
	t.Helper()
	out, back := f.shuttle(t)
	var ack *core.MoveAck
	for i := 0; i < n; i++ {
		a := out
		if i%2 == 1 {
			a = back
		}
		ack = step(t, e, p, a)
	}
	return ack
}

// solve walks p along the solution path to the treasure.
func (f *fixture) solve(t *testing.T, e *channel.Engine, p *channel.Player) *core.MoveAck {
	t.Helper()
	var ack *core.MoveAck
	for i := 1; i < len(f.maze.Path); i++ {
		a, ok := channel.ActionTo(f.maze.Path[i-1], f.maze.Path[i])
		require.True(t, ok)
		ack = step(t, e, p, a)
	}
	return ack
}
