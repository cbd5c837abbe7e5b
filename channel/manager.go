package channel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/clock"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/dispute"
	"github.com/tolelom/braid/maze"
)

// MazeSource hands out published mazes.
type MazeSource interface {
	Descriptor(id string) (*maze.Descriptor, error)
	Maze(id string) (*maze.Maze, error)
}

// Assignment pairs a dungeon with players for one session. It is produced
// by the external matchmaking collaborator.
type Assignment struct {
	SessionID string   `json:"session_id"`
	MazeID    string   `json:"maze_id"`
	Players   []string `json:"players"`
}

// Manager is the registry of live sessions on a dungeon node. A session
// enters on Assign and leaves on Teardown once settled.
type Manager struct {
	cfg   Config
	deps  Deps
	mazes MazeSource
	log   zerolog.Logger

	mu       sync.RWMutex
	engines  map[string]*Engine
	allowed  map[string]map[string]bool
	byPlayer map[string]map[string]bool
}

var _ dispute.Channels = (*Manager)(nil)

// NewManager creates an empty registry.
func NewManager(cfg Config, deps Deps, mazes MazeSource) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.System
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		mazes:    mazes,
		log:      log.With().Str("component", "sessions").Logger(),
		engines:  make(map[string]*Engine),
		allowed:  make(map[string]map[string]bool),
		byPlayer: make(map[string]map[string]bool),
	}
}

// Assign opens a session for an assignment. Only the assigned players may
// join; an empty player list admits anyone.
func (m *Manager) Assign(ctx context.Context, a Assignment) (*Engine, error) {
	desc, err := m.mazes.Descriptor(a.MazeID)
	if err != nil {
		return nil, err
	}
	mz, err := m.mazes.Maze(a.MazeID)
	if err != nil {
		return nil, err
	}
	cfg := m.cfg
	if len(a.Players) > 0 && len(a.Players) < cfg.MaxPlayers {
		cfg.MaxPlayers = len(a.Players)
	}

	m.mu.Lock()
	if _, dup := m.engines[a.SessionID]; dup && a.SessionID != "" {
		m.mu.Unlock()
		return nil, errors.Wrapf(core.ErrInvalidTransition, "session %s already assigned", a.SessionID)
	}
	m.mu.Unlock()

	e, err := New(a.SessionID, cfg, mz, desc, m.deps)
	if err != nil {
		return nil, err
	}
	if err := e.Open(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.engines[e.ID()] = e
	if len(a.Players) > 0 {
		set := make(map[string]bool, len(a.Players))
		for _, p := range a.Players {
			set[p] = true
		}
		m.allowed[e.ID()] = set
	}
	m.mu.Unlock()
	m.log.Info().Str("session", e.ID()).Str("maze", a.MazeID).Int("players", len(a.Players)).Msg("session assigned")
	return e, nil
}

// Join routes a join request to its session.
func (m *Manager) Join(ctx context.Context, req *core.JoinRequest) (*core.SignedState, error) {
	e, err := m.Engine(req.SessionID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	set, restricted := m.allowed[req.SessionID]
	m.mu.RUnlock()
	if restricted && !set[req.Player] {
		return nil, &core.ProtocolError{Err: core.ErrSessionClosed, SessionID: req.SessionID, Player: req.Player, Detail: "player not assigned"}
	}
	genesis, err := e.Join(ctx, req)
	if err != nil {
		return nil, err
	}
	m.index(req.SessionID, req.Player)
	return genesis, nil
}

func (m *Manager) index(session, player string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byPlayer[player] == nil {
		m.byPlayer[player] = make(map[string]bool)
	}
	m.byPlayer[player][session] = true
}

// Engine returns a live session.
func (m *Manager) Engine(id string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "session %s", id)
	}
	return e, nil
}

// Sessions lists live session ids.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.engines))
	for id := range m.engines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ByPlayer lists the live sessions a player joined.
func (m *Manager) ByPlayer(player string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byPlayer[player]))
	for id := range m.byPlayer[player] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Submit routes a move to its session.
func (m *Manager) Submit(ctx context.Context, sub *core.MoveSubmission) (*core.MoveAck, error) {
	e, err := m.Engine(sub.State.State.SessionID)
	if err != nil {
		return nil, err
	}
	return e.Submit(ctx, sub)
}

// Withdraw routes a withdrawal to its session.
func (m *Manager) Withdraw(ctx context.Context, req *core.WithdrawRequest) error {
	e, err := m.Engine(req.SessionID)
	if err != nil {
		return err
	}
	return e.Withdraw(ctx, req)
}

// Answer is a dispute.Responder: it processes the move a liveness challenge
// names.
func (m *Manager) Answer(ctx context.Context, c *core.Challenge) (*core.LivenessAnswer, error) {
	if c.Submission == nil {
		return nil, errors.Wrap(core.ErrInvalidTransition, "challenge carries no submission")
	}
	e, err := m.Engine(c.SessionID)
	if err != nil {
		return nil, err
	}
	return e.Answer(ctx, c.Submission)
}

// Tick advances time-based decay in every active session.
func (m *Manager) Tick(now time.Time) {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()
	for _, e := range engines {
		e.Tick(now)
	}
}

// Run ticks every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.deps.Clock.Now())
		}
	}
}

// Teardown drops a settled session from the registry. Its records stay in
// the store.
func (m *Manager) Teardown(id string) error {
	e, err := m.Engine(id)
	if err != nil {
		return err
	}
	if e.Status() != core.SessionSettled {
		return errors.Wrapf(core.ErrInvalidTransition, "session %s is %s", id, e.Status())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, id)
	delete(m.allowed, id)
	for player, set := range m.byPlayer {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byPlayer, player)
		}
	}
	m.log.Info().Str("session", id).Msg("session torn down")
	return nil
}

// Restore rebuilds every unsettled session from the store.
func (m *Manager) Restore() error {
	if m.deps.Store == nil {
		return nil
	}
	sessions, err := m.deps.Store.Sessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status == core.SessionSettled {
			continue
		}
		desc, err := m.mazes.Descriptor(sess.MazeID)
		if err != nil {
			return errors.Wrapf(err, "session %s", sess.ID)
		}
		mz, err := m.mazes.Maze(sess.MazeID)
		if err != nil {
			return errors.Wrapf(err, "session %s", sess.ID)
		}
		channels, err := m.deps.Store.Channels(sess.ID)
		if err != nil {
			return errors.Wrapf(err, "session %s channels", sess.ID)
		}
		e, err := Restore(sess, channels, m.cfg, mz, desc, m.deps)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.engines[sess.ID] = e
		m.mu.Unlock()
		for _, p := range sess.Players {
			m.index(sess.ID, p.Address)
		}
	}
	return nil
}

// The methods below let the dispute resolver act on channels.

func (m *Manager) Dungeon(sessionID string) (string, error) {
	e, err := m.Engine(sessionID)
	if err != nil {
		return "", err
	}
	return e.Dungeon(), nil
}

func (m *Manager) Status(sessionID string) (core.SessionStatus, error) {
	e, err := m.Engine(sessionID)
	if err != nil {
		return "", err
	}
	return e.Status(), nil
}

func (m *Manager) Maze(sessionID string) (*maze.Descriptor, error) {
	e, err := m.Engine(sessionID)
	if err != nil {
		return nil, err
	}
	return e.Descriptor(), nil
}

func (m *Manager) Bond(sessionID string) (uint64, error) {
	e, err := m.Engine(sessionID)
	if err != nil {
		return 0, err
	}
	return e.Bond(), nil
}

func (m *Manager) Record(sessionID, player string) (*core.ChannelRecord, error) {
	e, err := m.Engine(sessionID)
	if err != nil {
		return nil, err
	}
	return e.Channel(player)
}

func (m *Manager) Suspend(sessionID, player string) error {
	e, err := m.Engine(sessionID)
	if err != nil {
		return err
	}
	return e.Suspend(player)
}

func (m *Manager) Resume(sessionID, player string) error {
	e, err := m.Engine(sessionID)
	if err != nil {
		return err
	}
	return e.Resume(player)
}

func (m *Manager) Adopt(sessionID, player string, st core.SignedState) error {
	e, err := m.Engine(sessionID)
	if err != nil {
		return err
	}
	return e.Adopt(player, st)
}

func (m *Manager) Terminate(sessionID, player, reason string) error {
	e, err := m.Engine(sessionID)
	if err != nil {
		return err
	}
	return e.Terminate(player, reason)
}

func (m *Manager) Exclude(sessionID, player string) error {
	e, err := m.Engine(sessionID)
	if err != nil {
		return err
	}
	return e.Exclude(player)
}

func (m *Manager) Forfeit(sessionID, beneficiary string, amount uint64) (uint64, error) {
	e, err := m.Engine(sessionID)
	if err != nil {
		return 0, err
	}
	return e.Forfeit(beneficiary, amount), nil
}
