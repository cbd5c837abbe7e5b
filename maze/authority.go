package maze

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/clock"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/ledger"
	"github.com/tolelom/braid/proof"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/wallet"
)

// ErrRetryBudgetExhausted is terminal: the authority produced no provably
// solvable maze within its budget and its bond has been escalated.
var ErrRetryBudgetExhausted = errors.New("maze retry budget exhausted")

const (
	prefixMaze       = "maze:"
	prefixDescriptor = "maze-desc:"
)

// Descriptor is the public record of a published maze. It exists only for
// mazes whose solvability proof verified and whose root is anchored.
type Descriptor struct {
	ID           string              `json:"id"`
	Grid         commitment.Grid     `json:"grid"`
	Start        commitment.Position `json:"start"`
	Treasure     commitment.Position `json:"treasure"`
	MazeRoot     commitment.Hash     `json:"maze_root"`
	PathCommit   commitment.Hash     `json:"path_commit"`
	PathLength   int                 `json:"path_length"`
	Proof        proof.Proof         `json:"proof"`
	AnchorKey    string              `json:"anchor_key"`
	AnchorHeight int64               `json:"anchor_height"`
	PublishedAt  time.Time           `json:"published_at"`
}

// Statement is the solvability statement the descriptor's proof attests.
func (d *Descriptor) Statement() proof.SolvabilityStatement {
	return proof.SolvabilityStatement{
		MazeRoot:   d.MazeRoot,
		PathCommit: d.PathCommit,
		Start:      d.Start,
		Treasure:   d.Treasure,
	}
}

// VerifySolution checks a disclosed solution path against the descriptor's
// path commitment.
func (d *Descriptor) VerifySolution(path []commitment.Position) bool {
	padded, err := commitment.PadPath(path, d.PathLength)
	if err != nil {
		return false
	}
	pc, err := commitment.CommitPath(padded, d.Grid)
	return err == nil && pc == d.PathCommit && path[0] == d.Start && path[len(path)-1] == d.Treasure
}

// Options configures an Authority.
type Options struct {
	Grid        commitment.Grid
	MaxPath     int
	RetryBudget int
	Bond        uint64
	// Generate overrides maze generation; nil uses Generate.
	Generate func(commitment.Grid, *rand.Rand) (*Maze, error)
	Seed     int64
}

// Authority produces mazes, proves them solvable and publishes them. The
// dungeon's bond backs every maze it offers.
type Authority struct {
	opts    Options
	wallet  *wallet.Wallet
	gateway proof.Gateway
	ledger  ledger.Adapter
	store   *storage.JSONStore
	emitter *events.Emitter
	clock   clock.Clock
	log     zerolog.Logger

	produceMu sync.Mutex
	rng       *rand.Rand
	attempts  int
	exhausted bool

	mu        sync.RWMutex
	mazes     map[string]*Maze
	published map[string]*Descriptor
}

// NewAuthority builds an authority signing with w. store may be nil.
func NewAuthority(opts Options, w *wallet.Wallet, gw proof.Gateway, l ledger.Adapter,
	store *storage.JSONStore, em *events.Emitter, clk clock.Clock) *Authority {
	if opts.Generate == nil {
		opts.Generate = Generate
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 3
	}
	if opts.MaxPath <= 0 {
		opts.MaxPath = opts.Grid.Cells()
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if clk == nil {
		clk = clock.System
	}
	return &Authority{
		opts:      opts,
		wallet:    w,
		gateway:   gw,
		ledger:    l,
		store:     store,
		emitter:   em,
		clock:     clk,
		log:       log.With().Str("component", "maze").Logger(),
		rng:       rand.New(rand.NewSource(opts.Seed)),
		mazes:     make(map[string]*Maze),
		published: make(map[string]*Descriptor),
	}
}

// BondSession is the ledger session holding the authority's bond.
func (a *Authority) BondSession() string {
	return "maze-authority:" + a.wallet.PubKey()
}

// Open locks the bond on the ledger and waits for confirmation.
func (a *Authority) Open(ctx context.Context) error {
	if a.opts.Bond == 0 {
		return nil
	}
	p := a.wallet.AuthorizeStake(a.BondSession(), core.RoleBond, a.opts.Bond)
	_, err := ledger.SubmitAndAwait(ctx, a.ledger, func(ctx context.Context) (ledger.Ticket, error) {
		return a.ledger.Stake(ctx, p)
	})
	if err != nil {
		return errors.Wrap(err, "lock maze bond")
	}
	a.log.Info().Uint64("bond", a.opts.Bond).Msg("maze bond locked")
	return nil
}

// Attempts returns the number of consecutive failed productions.
func (a *Authority) Attempts() int {
	a.produceMu.Lock()
	defer a.produceMu.Unlock()
	return a.attempts
}

// Produce generates mazes until one is proven solvable and anchored. Each
// failure discards the candidate and counts against the retry budget; ledger
// unavailability aborts without counting.
func (a *Authority) Produce(ctx context.Context) (*Descriptor, error) {
	a.produceMu.Lock()
	defer a.produceMu.Unlock()
	if a.exhausted {
		return nil, ErrRetryBudgetExhausted
	}

	for a.attempts < a.opts.RetryBudget {
		d, err := a.attempt(ctx)
		if err == nil {
			a.attempts = 0
			return d, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, core.ErrLedgerUnavailable) {
			return nil, err
		}
		a.attempts++
		a.log.Warn().Err(err).Int("attempt", a.attempts).Int("budget", a.opts.RetryBudget).Msg("maze discarded")
		a.emitter.Emit(events.Event{
			Type: events.EventMazeDiscarded,
			Data: map[string]any{"attempt": a.attempts, "reason": err.Error()},
		})
	}

	a.exhausted = true
	a.log.Error().Int("attempts", a.attempts).Msg("retry budget exhausted, escalating bond")
	if err := a.escalate(ctx); err != nil {
		return nil, errors.Wrapf(ErrRetryBudgetExhausted, "escalation failed: %v", err)
	}
	return nil, errors.Wrapf(ErrRetryBudgetExhausted, "after %d attempts", a.attempts)
}

func (a *Authority) attempt(ctx context.Context) (*Descriptor, error) {
	m, err := a.opts.Generate(a.opts.Grid, a.rng)
	if err != nil {
		return nil, errors.Wrap(err, "generate")
	}
	m.ID = uuid.NewString()

	path, err := m.Solve()
	if err != nil {
		return nil, err
	}
	if len(path) > a.opts.MaxPath {
		return nil, errors.Errorf("solution of %d cells exceeds proof capacity %d", len(path), a.opts.MaxPath)
	}
	m.Path = path

	w, err := m.Witness(a.opts.MaxPath)
	if err != nil {
		return nil, err
	}
	pr, err := a.gateway.RequestSolvabilityProof(ctx, w)
	if err != nil {
		return nil, errors.Wrap(err, "solvability proof")
	}
	if !a.gateway.VerifySolvabilityProof(w.SolvabilityStatement, pr) {
		return nil, errors.Wrap(core.ErrProofRejected, "solvability proof does not verify")
	}

	root := m.Root()
	rcpt, err := ledger.SubmitAndAwait(ctx, a.ledger, func(ctx context.Context) (ledger.Ticket, error) {
		return a.ledger.AnchorCommitment(ctx, root, prefixMaze+m.ID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "anchor maze root")
	}

	d := &Descriptor{
		ID:           m.ID,
		Grid:         m.Grid,
		Start:        m.Start,
		Treasure:     m.Treasure,
		MazeRoot:     root,
		PathCommit:   w.PathCommit,
		PathLength:   a.opts.MaxPath,
		Proof:        pr,
		AnchorKey:    ledger.AnchorKey(root),
		AnchorHeight: rcpt.Height,
		PublishedAt:  a.clock.Now().UTC(),
	}
	if a.store != nil {
		if err := a.store.Put(prefixMaze+m.ID, m); err != nil {
			return nil, errors.Wrap(err, "persist maze")
		}
		if err := a.store.Put(prefixDescriptor+m.ID, d); err != nil {
			return nil, errors.Wrap(err, "persist descriptor")
		}
	}

	a.mu.Lock()
	a.mazes[m.ID] = m
	a.published[m.ID] = d
	a.mu.Unlock()

	a.log.Info().Str("maze", m.ID).Str("root", root.String()).Int("path", len(path)).Msg("maze published")
	a.emitter.Emit(events.Event{
		Type:        events.EventMazePublished,
		BlockHeight: rcpt.Height,
		Data:        map[string]any{"maze_id": m.ID, "root": root.String()},
	})
	return d, nil
}

func (a *Authority) escalate(ctx context.Context) error {
	now := a.clock.Now().UTC()
	c := core.Challenge{
		ID:         uuid.NewString(),
		Kind:       core.ChallengeSolvability,
		SessionID:  a.BondSession(),
		Respondent: a.wallet.PubKey(),
		Challenger: core.TreasuryAddress,
		Outcome:    core.OutcomeUpheld,
		Reason:     "no provably solvable maze within retry budget",
		CreatedAt:  now,
		ResolvedAt: now,
	}
	_, err := ledger.SubmitAndAwait(ctx, a.ledger, func(ctx context.Context) (ledger.Ticket, error) {
		return a.ledger.EscalateDispute(ctx, core.EscalatePayload{Challenge: c, Dungeon: a.wallet.PubKey()})
	})
	return err
}

// Descriptor returns the public record of a published maze.
func (a *Authority) Descriptor(id string) (*Descriptor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, ok := a.published[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "maze %s", id)
	}
	cp := *d
	return &cp, nil
}

// Published lists every published descriptor, oldest first.
func (a *Authority) Published() []*Descriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Descriptor, 0, len(a.published))
	for _, d := range a.published {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out
}

// Maze returns the private maze. Dungeon side only.
func (a *Authority) Maze(id string) (*Maze, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.mazes[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "maze %s", id)
	}
	return m, nil
}

// Section reveals the cells around pos in maze id.
func (a *Authority) Section(id string, pos commitment.Position, radius int) ([]Cell, error) {
	m, err := a.Maze(id)
	if err != nil {
		return nil, err
	}
	return m.Section(pos, radius)
}

// Restore reloads published mazes from the store.
func (a *Authority) Restore() error {
	if a.store == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.store.Each(prefixDescriptor, func(_ string, v []byte) error {
		var d Descriptor
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		var m Maze
		if err := a.store.Get(prefixMaze+d.ID, &m); err != nil {
			return errors.Wrapf(err, "maze %s", d.ID)
		}
		m.Tree()
		a.mazes[d.ID] = &m
		a.published[d.ID] = &d
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "restore mazes")
	}
	a.log.Info().Int("mazes", len(a.published)).Msg("mazes restored")
	return nil
}
