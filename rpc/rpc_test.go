package rpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/channel"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/dispute"
	"github.com/tolelom/braid/indexer"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/maze"
	"github.com/tolelom/braid/rpc"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/wallet"
)

var grid = commitment.Grid{Width: 4, Height: 4}

type stack struct {
	handler *rpc.Handler
	engine  *channel.Engine
	desc    *maze.Descriptor
	player  string
	dungeon string
}

func ctxT(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func newStack(t *testing.T) *stack {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	l := testutil.NewLedger(t, 5000, map[string]uint64{w.PubKey(): 1000})
	l.AutoSeal(t)
	gw := testutil.NewFakeGateway(grid)
	clk := testutil.NewClock()
	idx := indexer.New(testutil.NewMemDB(), l.Emitter)

	auth := maze.NewAuthority(maze.Options{Grid: grid, Seed: 9}, l.Operator, gw, l.Local,
		storage.NewJSONStore(testutil.NewMemDB()), l.Emitter, clk)
	desc, err := auth.Produce(ctxT(t))
	require.NoError(t, err)

	store := testutil.NewSessionStore()
	mgr := channel.NewManager(channel.Config{Ante: 50, Bond: 200, MaxPlayers: 1, MaxTurns: 100, RevealRadius: 1},
		channel.Deps{Wallet: l.Operator, Gateway: gw, Ledger: l.Local, Store: store, Emitter: l.Emitter, Clock: clk}, auth)
	res := dispute.NewResolver(dispute.Config{LivenessTimeout: time.Second, ResponseWindow: time.Minute, ForfeitPercent: 10},
		dispute.Deps{Channels: mgr, Gateway: gw, Ledger: l.Local, Store: store, Emitter: l.Emitter, Clock: clk})
	t.Cleanup(res.Close)

	e, err := mgr.Assign(ctxT(t), channel.Assignment{MazeID: desc.ID})
	require.NoError(t, err)
	p, err := channel.NewPlayer(w, gw, desc, e.ID(), e.Dungeon(), clk)
	require.NoError(t, err)
	req, err := p.JoinRequest(ctxT(t), 50)
	require.NoError(t, err)
	genesis, err := mgr.Join(ctxT(t), req)
	require.NoError(t, err)
	require.NoError(t, p.Joined(genesis))
	require.NoError(t, e.Activate(ctxT(t)))

	return &stack{
		handler: rpc.NewHandler(auth, mgr, res, l.Chain, idx),
		engine:  e,
		desc:    desc,
		player:  w.PubKey(),
		dungeon: l.Operator.PubKey(),
	}
}

func call(t *testing.T, h *rpc.Handler, method string, params any, out any) *rpc.Error {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	resp := h.Dispatch(rpc.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw})
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		data, err := json.Marshal(resp.Result)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, out))
	}
	return nil
}

func TestStatusQueries(t *testing.T) {
	s := newStack(t)

	var mazes []maze.Descriptor
	require.Nil(t, call(t, s.handler, "getMaze", map[string]string{}, &mazes))
	require.Len(t, mazes, 1)
	assert.Equal(t, s.desc.ID, mazes[0].ID)

	var sess map[string]any
	require.Nil(t, call(t, s.handler, "getSession", map[string]string{"id": s.engine.ID()}, &sess))
	assert.Equal(t, "active", sess["status"])

	var ch map[string]any
	require.Nil(t, call(t, s.handler, "getChannel", map[string]string{"id": s.engine.ID(), "player": s.player}, &ch))
	assert.Equal(t, "open", ch["status"])
	assert.NotContains(t, ch, "position")

	var ids []string
	require.Nil(t, call(t, s.handler, "getSessionsByParticipant", map[string]string{"address": s.player}, &ids))
	assert.Equal(t, []string{s.engine.ID()}, ids)
	require.Nil(t, call(t, s.handler, "getSessionsByParticipant", map[string]string{"address": s.dungeon}, &ids))
	assert.Equal(t, []string{s.engine.ID()}, ids)

	var height int64
	require.Nil(t, call(t, s.handler, "getLedgerHeight", nil, &height))
	assert.Positive(t, height)

	var settlement rpc.Settlement
	require.Nil(t, call(t, s.handler, "getSettlement", map[string]string{"id": s.engine.ID()}, &settlement))
	assert.False(t, settlement.Settled)
	assert.Equal(t, uint64(250), settlement.Total)

	var challenges []any
	require.Nil(t, call(t, s.handler, "getChallenges", map[string]string{"id": s.engine.ID()}, &challenges))
	assert.Empty(t, challenges)
}

func TestErrors(t *testing.T) {
	s := newStack(t)

	e := call(t, s.handler, "getSession", map[string]string{"id": "missing"}, nil)
	require.NotNil(t, e)
	assert.Equal(t, rpc.CodeNotFound, e.Code)

	e = call(t, s.handler, "getChannel", map[string]string{"id": s.engine.ID()}, nil)
	require.NotNil(t, e)
	assert.Equal(t, rpc.CodeInvalidParams, e.Code)

	e = call(t, s.handler, "sendTx", nil, nil)
	require.NotNil(t, e)
	assert.Equal(t, rpc.CodeMethodNotFound, e.Code)
}

func TestHTTPAuth(t *testing.T) {
	s := newStack(t)
	srv := rpc.NewServer("127.0.0.1:0", s.handler, "secret")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"getLedgerHeight"}`)
	post := func(token string) rpc.Response {
		req, err := http.NewRequest(http.MethodPost, "http://"+srv.Addr(), bytes.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out rpc.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	denied := post("")
	require.NotNil(t, denied.Error)
	assert.Equal(t, rpc.CodeUnauthorized, denied.Error.Code)

	ok := post("secret")
	assert.Nil(t, ok.Error)
	assert.EqualValues(t, 7, ok.ID)
}

func TestHTTPBatch(t *testing.T) {
	s := newStack(t)
	srv := rpc.NewServer("127.0.0.1:0", s.handler, "")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	body := []byte(`[{"jsonrpc":"2.0","id":1,"method":"getLedgerHeight"},{"jsonrpc":"1.0","id":2,"method":"getLedgerHeight"},{"jsonrpc":"2.0","id":3,"method":"nope"}]`)
	resp, err := http.Post("http://"+srv.Addr(), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 3)
	assert.Nil(t, out[0].Error)
	require.NotNil(t, out[1].Error)
	assert.Equal(t, rpc.CodeInvalidRequest, out[1].Error.Code)
	require.NotNil(t, out[2].Error)
	assert.Equal(t, rpc.CodeMethodNotFound, out[2].Error.Code)
}
