package dispute_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/channel"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/dispute"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/ledger"
	"github.com/tolelom/braid/maze"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/wallet"
)

var grid = commitment.Grid{Width: 5, Height: 5}

const (
	ante = 100
	bond = 500
)

var disputeCfg = dispute.Config{
	LivenessTimeout: 30 * time.Second,
	ResponseWindow:  time.Minute,
	ForfeitPercent:  10,
}

type game struct {
	ledger   *testutil.Ledger
	gateway  *testutil.FakeGateway
	clock    *testutil.Clock
	store    *storage.SessionStore
	maze     *maze.Maze
	mgr      *channel.Manager
	engine   *channel.Engine
	players  []*channel.Player
	wallets  []*wallet.Wallet
	resolver *dispute.Resolver
}

type gameOpts struct {
	players   int
	adapter   func(ledger.Adapter) ledger.Adapter
	responder bool
	// tamper edits a join request before it is sent.
	tamper func(i int, req *core.JoinRequest, w *wallet.Wallet)
}

func ctxT(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func newGame(t *testing.T, opts gameOpts) *game {
	t.Helper()
	if opts.players == 0 {
		opts.players = 1
	}
	alloc := map[string]uint64{}
	g := &game{clock: testutil.NewClock(), gateway: testutil.NewFakeGateway(grid), store: testutil.NewSessionStore()}
	for i := 0; i < opts.players; i++ {
		w, err := wallet.Generate()
		require.NoError(t, err)
		g.wallets = append(g.wallets, w)
		alloc[w.PubKey()] = 1000
	}
	g.ledger = testutil.NewLedger(t, 5000, alloc)
	g.ledger.AutoSeal(t)

	var adapter ledger.Adapter = g.ledger.Local
	if opts.adapter != nil {
		adapter = opts.adapter(adapter)
	}

	auth := maze.NewAuthority(maze.Options{Grid: grid, Seed: 5, Bond: 300}, g.ledger.Operator, g.gateway, g.ledger.Local,
		storage.NewJSONStore(testutil.NewMemDB()), g.ledger.Emitter, g.clock)
	require.NoError(t, auth.Open(ctxT(t)))
	desc, err := auth.Produce(ctxT(t))
	require.NoError(t, err)
	g.maze, err = auth.Maze(desc.ID)
	require.NoError(t, err)

	cfg := channel.Config{Ante: ante, Bond: bond, MaxPlayers: opts.players, MaxTurns: 1000, RevealRadius: 1}
	g.mgr = channel.NewManager(cfg, channel.Deps{
		Wallet:  g.ledger.Operator,
		Gateway: g.gateway,
		Ledger:  g.ledger.Local,
		Store:   g.store,
		Emitter: g.ledger.Emitter,
		Clock:   g.clock,
	}, auth)

	deps := dispute.Deps{
		Channels: g.mgr,
		Gateway:  g.gateway,
		Ledger:   adapter,
		Store:    g.store,
		Emitter:  g.ledger.Emitter,
		Clock:    g.clock,
	}
	if opts.responder {
		deps.Responder = g.mgr.Answer
	}
	g.resolver = dispute.NewResolver(disputeCfg, deps)
	t.Cleanup(g.resolver.Close)

	g.engine, err = g.mgr.Assign(ctxT(t), channel.Assignment{MazeID: desc.ID})
	require.NoError(t, err)
	for i, w := range g.wallets {
		p, err := channel.NewPlayer(w, g.gateway, desc, g.engine.ID(), g.engine.Dungeon(), g.clock)
		require.NoError(t, err)
		req, err := p.JoinRequest(ctxT(t), ante)
		require.NoError(t, err)
		if opts.tamper != nil {
			opts.tamper(i, req, w)
		}
		genesis, err := g.mgr.Join(ctxT(t), req)
		require.NoError(t, err)
		require.NoError(t, p.Joined(genesis))
		g.players = append(g.players, p)
	}
	require.NoError(t, g.engine.Activate(ctxT(t)))
	return g
}

// walk makes n accepted moves for player i, shuttling between the first two
// cells of the solution path.
func (g *game) walk(t *testing.T, i, n int) {
	t.Helper()
	out, ok := channel.ActionTo(g.maze.Path[0], g.maze.Path[1])
	require.True(t, ok)
	back, _ := channel.ActionTo(g.maze.Path[1], g.maze.Path[0])
	p := g.players[i]
	for k := 0; k < n; k++ {
		a := out
		if p.Position() != g.maze.Path[0] {
			a = back
		}
		sub, err := p.Move(ctxT(t), a)
		require.NoError(t, err)
		ack, err := g.engine.Submit(ctxT(t), sub)
		require.NoError(t, err)
		_, err = p.Accept(ack)
		require.NoError(t, err)
	}
}

// pendingMove builds player i's next move without sending it.
func (g *game) pendingMove(t *testing.T, i int) *core.MoveSubmission {
	t.Helper()
	out, _ := channel.ActionTo(g.maze.Path[0], g.maze.Path[1])
	back, _ := channel.ActionTo(g.maze.Path[1], g.maze.Path[0])
	p := g.players[i]
	a := out
	if p.Position() != g.maze.Path[0] {
		a = back
	}
	sub, err := p.Move(ctxT(t), a)
	require.NoError(t, err)
	return sub
}

func (g *game) record(t *testing.T, i int) *core.ChannelRecord {
	t.Helper()
	rec, err := g.engine.Channel(g.players[i].Address())
	require.NoError(t, err)
	return rec
}
