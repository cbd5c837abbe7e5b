package channel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/clock"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/maze"
	"github.com/tolelom/braid/proof"
	"github.com/tolelom/braid/wallet"
)

// opening is what a player keeps private about its last accepted
// commitment.
type opening struct {
	prev   commitment.Hash
	action commitment.Action
	pos    commitment.Position
	salt   commitment.Salt
}

type pendingMove struct {
	sub  *core.MoveSubmission
	open opening
}

// Player is the client side of one channel. It keeps the opening of its
// last accepted commitment, builds and proves moves, and checks every reveal
// against the published maze root.
type Player struct {
	wallet  *wallet.Wallet
	gw      proof.Gateway
	desc    *maze.Descriptor
	session string
	dungeon string
	clock   clock.Clock

	strategy commitment.Salt
	expSalt  commitment.Salt
	genesis  commitment.Hash

	mu       sync.Mutex
	last     core.SignedState
	open     opening
	pending  *pendingMove
	proving  bool
	known    map[commitment.Position]maze.Cell
	treasure core.TreasureState
	found    bool
}

// NewPlayer prepares a player for session at the descriptor's start cell.
func NewPlayer(w *wallet.Wallet, gw proof.Gateway, desc *maze.Descriptor, session, dungeon string, clk clock.Clock) (*Player, error) {
	if clk == nil {
		clk = clock.System
	}
	salt, err := commitment.NewSalt()
	if err != nil {
		return nil, err
	}
	strategy, err := commitment.NewSalt()
	if err != nil {
		return nil, err
	}
	expSalt, err := commitment.NewSalt()
	if err != nil {
		return nil, err
	}
	genesis, err := commitment.Genesis(desc.Start, salt, desc.Grid)
	if err != nil {
		return nil, err
	}
	p := &Player{
		wallet:   w,
		gw:       gw,
		desc:     desc,
		session:  session,
		dungeon:  dungeon,
		clock:    clk,
		strategy: strategy,
		expSalt:  expSalt,
		genesis:  genesis,
		open:     opening{prev: commitment.Zero, action: commitment.ActionNone, pos: desc.Start, salt: salt},
		known:    make(map[commitment.Position]maze.Cell),
	}
	p.last = core.SignedState{State: core.ChannelState{
		SessionID:  session,
		Player:     w.PubKey(),
		Commitment: genesis,
	}}
	p.last.SignPlayer(w.PrivKey())
	return p, nil
}

// Address is the player's signing key.
func (p *Player) Address() string { return p.wallet.PubKey() }

// Session returns the session id.
func (p *Player) Session() string { return p.session }

// Dungeon returns the dungeon address the player trusts.
func (p *Player) Dungeon() string { return p.dungeon }

// Exploration returns the public statement of the player's exploration
// commitment.
func (p *Player) Exploration() proof.ExplorationStatement {
	return proof.ExplorationStatement{
		Commitment: commitment.ExplorationCommit(commitment.PlayerTag(p.Address()), p.genesis, p.strategy, p.expSalt),
		PlayerTag:  commitment.PlayerTag(p.Address()),
		Genesis:    p.genesis,
	}
}

// JoinRequest builds the signed request to join with ante. It proves the
// exploration commitment, which may take a while.
func (p *Player) JoinRequest(ctx context.Context, ante uint64) (*core.JoinRequest, error) {
	st := p.Exploration()
	nc, err := p.gw.RequestNonCollusionProof(ctx, proof.ExplorationWitness{
		ExplorationStatement: st,
		Strategy:             p.strategy,
		Salt:                 p.expSalt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "prove exploration commitment")
	}
	p.mu.Lock()
	genesis := p.last
	p.mu.Unlock()

	req := &core.JoinRequest{
		SessionID:    p.session,
		Player:       p.Address(),
		BoxKey:       p.wallet.BoxKey(),
		Ante:         ante,
		Genesis:      genesis,
		Exploration:  st.Commitment,
		NonCollusion: nc,
	}
	req.StakeSig = req.StakeAuthorization().Sign(p.wallet.PrivKey())
	req.Sign(p.wallet.PrivKey())
	return req, nil
}

// Joined records the dungeon's countersigned genesis.
func (p *Player) Joined(genesis *core.SignedState) error {
	if err := genesis.VerifyBilateral(p.dungeon); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !genesis.SameContent(&p.last) || genesis.State.Seq != 0 {
		return errors.Wrap(core.ErrInvalidTransition, "countersigned genesis differs from ours")
	}
	p.last = *genesis
	p.treasure = genesis.State.Treasure
	return nil
}

// Move builds, proves and signs the next move. Only one move may be in
// flight; proving runs without holding the player's lock.
func (p *Player) Move(ctx context.Context, action commitment.Action) (*core.MoveSubmission, error) {
	p.mu.Lock()
	if p.pending != nil || p.proving {
		p.mu.Unlock()
		return nil, errors.Wrap(core.ErrChannelBusy, "move already in flight")
	}
	if p.last.DungeonSig == "" {
		p.mu.Unlock()
		return nil, errors.Wrap(core.ErrInvalidTransition, "genesis not countersigned")
	}
	last := p.last
	prev := p.open
	p.proving = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.proving = false
		p.mu.Unlock()
	}()

	pos, err := commitment.Apply(prev.pos, action, p.desc.Grid)
	if err != nil {
		return nil, err
	}
	salt, err := commitment.NewSalt()
	if err != nil {
		return nil, err
	}
	next, err := commitment.Chain(last.State.Commitment, action, pos, salt, p.desc.Grid)
	if err != nil {
		return nil, err
	}
	pr, err := p.gw.RequestMoveProof(ctx, proof.MoveWitness{
		Prev:       last.State.Commitment,
		PrevPrev:   prev.prev,
		PrevAction: prev.action,
		PrevPos:    prev.pos,
		PrevSalt:   prev.salt,
		Action:     action,
		Salt:       salt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "prove move")
	}

	sub := &core.MoveSubmission{
		State: core.SignedState{State: core.ChannelState{
			SessionID:  p.session,
			Player:     p.Address(),
			Seq:        last.State.Seq + 1,
			Commitment: next,
			ProofRef:   pr.Ref(),
		}},
		Proof:       pr,
		Opening:     core.Opening{Action: action, Position: pos, Salt: salt},
		SubmittedAt: p.clock.Now().UnixNano(),
	}
	sub.Sign(p.wallet.PrivKey())

	p.mu.Lock()
	p.pending = &pendingMove{
		sub:  sub,
		open: opening{prev: last.State.Commitment, action: action, pos: pos, salt: salt},
	}
	p.mu.Unlock()
	return sub, nil
}

// Accept checks the dungeon's answer to the pending move and opens its
// reveal. Every revealed cell must prove membership under the published
// maze root.
func (p *Player) Accept(ack *core.MoveAck) ([]maze.Cell, error) {
	if err := ack.Verify(p.dungeon); err != nil {
		return nil, err
	}
	if ack.Reveal.MazeRoot != p.desc.MazeRoot {
		return nil, errors.Wrap(core.ErrProofRejected, "reveal for another maze")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil, errors.Wrap(core.ErrInvalidTransition, "no move pending")
	}
	if !ack.State.SameContent(&p.pending.sub.State) {
		return nil, errors.Wrap(core.ErrInvalidTransition, "ack does not countersign the pending move")
	}

	pub, priv := p.wallet.BoxPair()
	plain, err := crypto.Open(pub, priv, ack.Reveal.Sealed)
	if err != nil {
		return nil, errors.Wrap(err, "open reveal")
	}
	var payload RevealPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, errors.Wrap(err, "decode reveal")
	}
	if payload.Position != p.pending.open.pos {
		return nil, errors.Wrap(core.ErrProofRejected, "reveal centred on another cell")
	}
	for _, c := range payload.Cells {
		if !maze.VerifyCell(p.desc.MazeRoot, p.desc.Grid, c) {
			return nil, errors.Wrapf(core.ErrProofRejected, "cell (%d,%d) not under maze root", c.Position.X, c.Position.Y)
		}
	}

	for _, c := range payload.Cells {
		p.known[c.Position] = c
	}
	p.last = ack.State
	p.open = p.pending.open
	p.pending = nil
	p.treasure = ack.Reveal.Treasure
	p.found = p.found || ack.Reveal.Found
	return payload.Cells, nil
}

// Rejected clears the pending move after the dungeon refused it. A
// sequence conflict carrying the pending move's own countersigned state
// means the dungeon accepted it and the ack was lost; the player catches up.
func (p *Player) Rejected(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return
	}
	var perr *core.ProtocolError
	if errors.As(err, &perr) && perr.Resync != nil &&
		perr.Resync.VerifyBilateral(p.dungeon) == nil &&
		perr.Resync.SameContent(&p.pending.sub.State) {
		p.last = *perr.Resync
		p.open = p.pending.open
	}
	p.pending = nil
}

// Pending returns the move in flight, if any.
func (p *Player) Pending() *core.MoveSubmission {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return nil
	}
	return p.pending.sub
}

// Withdraw signs a request to leave at the last countersigned state.
func (p *Player) Withdraw() *core.WithdrawRequest {
	p.mu.Lock()
	seq := p.last.State.Seq
	p.mu.Unlock()
	req := &core.WithdrawRequest{SessionID: p.session, Player: p.Address(), Seq: seq}
	req.Sign(p.wallet.PrivKey())
	return req
}

// Last returns the last countersigned state.
func (p *Player) Last() core.SignedState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Position returns the player's current cell.
func (p *Player) Position() commitment.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open.pos
}

// Treasure returns the pot as of the last reveal.
func (p *Player) Treasure() core.TreasureState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.treasure
}

// Found reports whether a reveal announced the treasure.
func (p *Player) Found() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.found
}

// Cell returns a revealed cell.
func (p *Player) Cell(pos commitment.Position) (maze.Cell, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.known[pos]
	return c, ok
}

// Open reports whether the revealed walls allow action from the current
// cell. Unrevealed cells are treated as closed.
func (p *Player) Open(action commitment.Action) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.known[p.open.pos]
	return ok && c.Walls&commitment.WallFor(action) == 0
}

// ActionTo returns the single step from a to an adjacent cell b.
func ActionTo(a, b commitment.Position) (commitment.Action, bool) {
	switch {
	case b.X == a.X && b.Y+1 == a.Y:
		return commitment.North, true
	case b.X == a.X+1 && b.Y == a.Y:
		return commitment.East, true
	case b.X == a.X && b.Y == a.Y+1:
		return commitment.South, true
	case b.X+1 == a.X && b.Y == a.Y:
		return commitment.West, true
	}
	return commitment.ActionNone, false
}
