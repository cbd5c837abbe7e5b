// Package channel runs the off-chain state channels of a game session: one
// bilaterally signed sequence of states per player, driven by the dungeon's
// Engine and each player's Player.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/braid/clock"
	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/ledger"
	"github.com/tolelom/braid/maze"
	"github.com/tolelom/braid/proof"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/wallet"
)

// Config holds the per-session game rules.
type Config struct {
	Ante           uint64
	Bond           uint64
	MaxPlayers     int
	MaxTurns       uint64
	Decay          core.DecaySchedule
	RevealRadius   int
	RevealSolution bool
}

// ConfigFrom converts the node's game configuration.
func ConfigFrom(g config.GameConfig) Config {
	return Config{
		Ante:           g.Ante,
		Bond:           g.Bond,
		MaxPlayers:     g.MaxPlayers,
		MaxTurns:       g.MaxTurns,
		Decay:          g.Decay(),
		RevealRadius:   g.RevealRadius,
		RevealSolution: g.RevealSolution,
	}
}

// Deps are the collaborators an Engine talks to.
type Deps struct {
	Wallet  *wallet.Wallet
	Gateway proof.Gateway
	Ledger  ledger.Adapter
	Store   *storage.SessionStore
	Emitter *events.Emitter
	Clock   clock.Clock
}

type slot struct {
	mu   sync.Mutex
	busy atomic.Bool
	rec  *core.ChannelRecord
	box  *crypto.BoxPublicKey
}

// Engine is the dungeon side of one game session. Each player's channel is
// serialised by its own slot; the session lock is only taken for reads on
// the move path and for lifecycle changes. Lock order: a slot lock may be
// held while taking mu or treasureMu, never the reverse.
type Engine struct {
	cfg  Config
	deps Deps
	maze *maze.Maze
	desc *maze.Descriptor
	log  zerolog.Logger

	mu      sync.RWMutex
	sess    *core.GameSession
	slots   map[string]*slot
	tickets []ledger.Ticket

	treasureMu sync.Mutex
	turn       atomic.Uint64

	settleMu sync.Mutex
}

// New creates an engine for a fresh session over a published maze. An empty
// id gets a random one.
func New(id string, cfg Config, m *maze.Maze, desc *maze.Descriptor, deps Deps) (*Engine, error) {
	if m == nil || desc == nil || m.ID != desc.ID {
		return nil, errors.New("channel: maze and descriptor do not match")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System
	}
	if id == "" {
		id = uuid.NewString()
	}
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = 1
	}
	sess := &core.GameSession{
		ID:        id,
		MazeID:    m.ID,
		Grid:      m.Grid,
		Dungeon:   deps.Wallet.Participant(cfg.Bond),
		Decay:     cfg.Decay,
		MaxTurns:  cfg.MaxTurns,
		Status:    core.SessionOpening,
		Excluded:  map[string]bool{},
		Forfeits:  core.Distribution{},
		CreatedAt: deps.Clock.Now().UTC(),
	}
	return newEngine(cfg, m, desc, deps, sess), nil
}

func newEngine(cfg Config, m *maze.Maze, desc *maze.Descriptor, deps Deps, sess *core.GameSession) *Engine {
	// Build the cell tree up front so concurrent reveals only read it.
	m.Tree()
	return &Engine{
		cfg:   cfg,
		deps:  deps,
		maze:  m,
		desc:  desc,
		log:   log.With().Str("component", "channel").Str("session", sess.ID).Logger(),
		sess:  sess,
		slots: make(map[string]*slot),
	}
}

// ID returns the session id.
func (e *Engine) ID() string { return e.sess.ID }

// Dungeon returns the dungeon's address.
func (e *Engine) Dungeon() string { return e.sess.Dungeon.Address }

// Descriptor returns the public descriptor of the session's maze.
func (e *Engine) Descriptor() *maze.Descriptor { return e.desc }

// Status returns the session status.
func (e *Engine) Status() core.SessionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sess.Status
}

// Snapshot returns a copy of the session record.
func (e *Engine) Snapshot() *core.GameSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

// snapshotLocked copies the session. Caller holds e.mu.
func (e *Engine) snapshotLocked() *core.GameSession {
	cp := *e.sess
	cp.Players = append([]core.Participant(nil), e.sess.Players...)
	cp.Excluded = make(map[string]bool, len(e.sess.Excluded))
	for k, v := range e.sess.Excluded {
		cp.Excluded[k] = v
	}
	cp.Forfeits = make(core.Distribution, len(e.sess.Forfeits))
	for k, v := range e.sess.Forfeits {
		cp.Forfeits[k] = v
	}
	cp.Turn = e.turn.Load()
	e.treasureMu.Lock()
	cp.Treasure = e.sess.Treasure
	e.treasureMu.Unlock()
	return &cp
}

// Treasure returns the current pot.
func (e *Engine) Treasure() core.TreasureState {
	e.treasureMu.Lock()
	defer e.treasureMu.Unlock()
	return e.sess.Treasure
}

// Channel returns a copy of a player's channel record.
func (e *Engine) Channel(player string) (*core.ChannelRecord, error) {
	s, err := e.slot(player)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, errors.Wrapf(core.ErrNotFound, "player %.12s still joining", player)
	}
	cp := *s.rec
	return &cp, nil
}

// Channels returns copies of every channel record in join order.
func (e *Engine) Channels() []*core.ChannelRecord {
	e.mu.RLock()
	players := append([]core.Participant(nil), e.sess.Players...)
	e.mu.RUnlock()
	out := make([]*core.ChannelRecord, 0, len(players))
	for _, p := range players {
		if rec, err := e.Channel(p.Address); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func (e *Engine) slot(player string) (*slot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.slots[player]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "player %.12s not in session %s", player, e.sess.ID)
	}
	return s, nil
}

func (e *Engine) emit(typ events.EventType, data map[string]any) {
	e.deps.Emitter.Emit(events.Event{Type: typ, SessionID: e.sess.ID, Data: data})
}

func (e *Engine) protoErr(err error, player string, seq uint64, detail string) *core.ProtocolError {
	return &core.ProtocolError{Err: err, SessionID: e.sess.ID, Player: player, Seq: seq, Detail: detail}
}

// persist writes the session and, when given, one channel record.
func (e *Engine) persist(rec *core.ChannelRecord) {
	if e.deps.Store == nil {
		return
	}
	snap := e.Snapshot()
	var err error
	if rec != nil {
		err = e.deps.Store.SaveStep(snap, rec)
	} else {
		err = e.deps.Store.SaveSession(snap)
	}
	if err != nil {
		e.log.Error().Err(err).Msg("persist session")
	}
}

// Open locks the dungeon's bond. Confirmation is awaited by Activate.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.sess.Status != core.SessionOpening {
		e.mu.Unlock()
		return e.protoErr(core.ErrInvalidTransition, "", 0, "open after opening")
	}
	e.mu.Unlock()

	if e.cfg.Bond > 0 {
		p := e.deps.Wallet.AuthorizeStake(e.sess.ID, core.RoleBond, e.cfg.Bond)
		t, err := e.deps.Ledger.Stake(ctx, p)
		if err != nil {
			return errors.Wrap(err, "stake bond")
		}
		e.mu.Lock()
		e.tickets = append(e.tickets, t)
		e.mu.Unlock()
	}
	e.persist(nil)
	e.log.Info().Str("maze", e.maze.ID).Uint64("bond", e.cfg.Bond).Msg("session opened")
	e.emit(events.EventSessionOpened, map[string]any{"maze_id": e.maze.ID, "bond": e.cfg.Bond, "dungeon": e.Dungeon()})
	return nil
}

// Join admits a player: it stakes the player's ante under the player's own
// authorization, anchors the exploration commitment and countersigns the
// genesis state.
func (e *Engine) Join(ctx context.Context, req *core.JoinRequest) (*core.SignedState, error) {
	if err := req.Verify(); err != nil {
		return nil, e.protoErr(err, req.Player, 0, "join request")
	}
	if req.SessionID != e.sess.ID {
		return nil, e.protoErr(core.ErrNotFound, req.Player, 0, "join for another session")
	}
	if req.Ante != e.cfg.Ante {
		return nil, e.protoErr(core.ErrInvalidTransition, req.Player, 0, "ante does not match session")
	}
	box, err := crypto.BoxKeyFromHex(req.BoxKey)
	if err != nil {
		return nil, errors.Wrap(err, "player box key")
	}

	e.mu.Lock()
	switch {
	case e.sess.Status != core.SessionOpening:
		e.mu.Unlock()
		return nil, e.protoErr(core.ErrSessionClosed, req.Player, 0, "session no longer admits players")
	case len(e.sess.Players) >= e.cfg.MaxPlayers:
		e.mu.Unlock()
		return nil, e.protoErr(core.ErrSessionClosed, req.Player, 0, "session full")
	}
	if _, dup := e.slots[req.Player]; dup {
		e.mu.Unlock()
		return nil, e.protoErr(core.ErrInvalidTransition, req.Player, 0, "already joined")
	}
	// Reserve the seat while the ledger calls run.
	s := &slot{box: box}
	e.slots[req.Player] = s
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.slots, req.Player)
		e.mu.Unlock()
	}

	var tickets []ledger.Ticket
	if req.Ante > 0 {
		t, err := e.deps.Ledger.Stake(ctx, core.StakePayload{StakeAuthorization: req.StakeAuthorization(), Signature: req.StakeSig})
		if err != nil {
			release()
			return nil, errors.Wrap(err, "stake ante")
		}
		tickets = append(tickets, t)
	}
	t, err := e.deps.Ledger.AnchorCommitment(ctx, req.Exploration, "exploration:"+e.sess.ID+":"+req.Player)
	if err != nil {
		release()
		return nil, errors.Wrap(err, "anchor exploration commitment")
	}
	tickets = append(tickets, t)

	genesis := req.Genesis
	e.mu.Lock()
	e.sess.Players = append(e.sess.Players, core.Participant{Address: req.Player, BoxKey: req.BoxKey, Stake: req.Ante})
	e.tickets = append(e.tickets, tickets...)
	e.treasureMu.Lock()
	e.sess.Treasure = core.NewTreasure(e.sess.Treasure.Initial + req.Ante)
	genesis.State.Treasure = e.sess.Treasure
	e.treasureMu.Unlock()
	e.mu.Unlock()
	genesis.SignDungeon(e.deps.Wallet.PrivKey())

	s.mu.Lock()
	s.rec = &core.ChannelRecord{
		SessionID:    e.sess.ID,
		Player:       req.Player,
		Status:       core.ChannelOpen,
		Last:         genesis,
		Position:     e.maze.Start,
		Genesis:      genesis.State.Commitment,
		Exploration:  req.Exploration,
		NonCollusion: req.NonCollusion,
		UpdatedAt:    e.deps.Clock.Now().UTC(),
	}
	rec := *s.rec
	s.mu.Unlock()

	e.persist(&rec)
	e.log.Info().Str("player", req.Player).Msg("player joined")
	e.emit(events.EventPlayerJoined, map[string]any{"player": req.Player, "ante": req.Ante})
	return &genesis, nil
}

// Activate waits for every stake and anchor to be confirmed by the ledger,
// then starts play.
func (e *Engine) Activate(ctx context.Context) error {
	e.mu.RLock()
	if e.sess.Status != core.SessionOpening {
		e.mu.RUnlock()
		return e.protoErr(core.ErrInvalidTransition, "", 0, "activate outside opening")
	}
	if len(e.sess.Players) == 0 {
		e.mu.RUnlock()
		return e.protoErr(core.ErrInvalidTransition, "", 0, "no players joined")
	}
	tickets := append([]ledger.Ticket(nil), e.tickets...)
	e.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tickets {
		g.Go(func() error {
			if _, err := e.deps.Ledger.Await(gctx, t); err != nil {
				return errors.Wrapf(err, "await %s %s", t.Type, t.Key)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.mu.Lock()
	if err := e.sess.Transition(core.SessionActive); err != nil {
		e.mu.Unlock()
		return err
	}
	e.sess.ActiveAt = e.deps.Clock.Now().UTC()
	e.mu.Unlock()

	e.persist(nil)
	e.log.Info().Int("players", len(tickets)).Msg("session active")
	e.emit(events.EventSessionActive, map[string]any{"tickets": len(tickets)})
	return nil
}

// activeFor returns the time since activation.
func (e *Engine) activeFor(now time.Time) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sess.ActiveAt.IsZero() {
		return 0
	}
	return now.Sub(e.sess.ActiveAt)
}
