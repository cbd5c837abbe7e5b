package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/maze"
)

// RevealPayload is the plaintext inside a sealed reveal.
type RevealPayload struct {
	Position commitment.Position `json:"position"`
	Cells    []maze.Cell         `json:"cells"`
}

// Submit processes a player's next move. A valid move is countersigned and
// answered with a sealed reveal of the cells around the new position. A
// rejected move leaves the channel where it was.
func (e *Engine) Submit(ctx context.Context, sub *core.MoveSubmission) (*core.MoveAck, error) {
	return e.submit(ctx, sub, false)
}

// Answer processes a submission that is the subject of a liveness
// challenge. It runs every check Submit does but ignores the suspension
// the challenge placed on the channel. An illegal move is answered with a
// signed rejection instead of an error.
func (e *Engine) Answer(ctx context.Context, sub *core.MoveSubmission) (*core.LivenessAnswer, error) {
	ack, err := e.submit(ctx, sub, true)
	if err == nil {
		return &core.LivenessAnswer{Ack: ack}, nil
	}
	if !errors.Is(err, core.ErrIllegalMove) {
		return nil, err
	}
	rej, rerr := e.refusal(sub)
	if rerr != nil {
		e.log.Warn().Err(rerr).Str("player", sub.State.State.Player).Msg("cannot evidence rejection")
		return nil, err
	}
	return &core.LivenessAnswer{Rejection: rej}, nil
}

type closeCause struct {
	reason string
	finder string
}

func (e *Engine) submit(ctx context.Context, sub *core.MoveSubmission, answering bool) (*core.MoveAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := sub.State.State
	if st.SessionID != e.sess.ID {
		return nil, e.protoErr(core.ErrNotFound, st.Player, st.Seq, "move for another session")
	}
	if status := e.Status(); status != core.SessionActive {
		return nil, e.protoErr(core.ErrSessionClosed, st.Player, st.Seq, string(status))
	}
	s, err := e.slot(st.Player)
	if err != nil {
		return nil, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, e.protoErr(core.ErrChannelBusy, st.Player, st.Seq, "move already in flight")
	}
	defer s.busy.Store(false)

	ack, cause, err := e.apply(s, sub, answering)
	if err != nil {
		return nil, err
	}
	if cause != nil {
		e.beginClosing(cause.reason, cause.finder)
	}
	return ack, nil
}

// apply runs under the channel's slot lock.
func (e *Engine) apply(s *slot, sub *core.MoveSubmission, answering bool) (*core.MoveAck, *closeCause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := sub.State.State
	rec := s.rec
	if rec == nil {
		return nil, nil, e.protoErr(core.ErrNotFound, st.Player, st.Seq, "player still joining")
	}

	switch rec.Status {
	case core.ChannelOpen:
	case core.ChannelDisputed:
		if !answering {
			return nil, nil, e.protoErr(core.ErrChannelSuspended, st.Player, st.Seq, "")
		}
	default:
		return nil, nil, e.protoErr(core.ErrChannelClosed, st.Player, st.Seq, string(rec.Status))
	}

	if err := sub.Verify(); err != nil {
		return nil, nil, e.protoErr(err, st.Player, st.Seq, "submission")
	}

	last := rec.Last
	// A challenged move the dungeon already countersigned is answered again.
	if answering && st.Seq == last.State.Seq && sub.State.SameContent(&last) && st.Seq > 0 {
		ack, err := e.ack(s, last, rec.Position)
		return ack, nil, err
	}
	if st.Seq != last.State.Seq+1 {
		err := e.protoErr(core.ErrSequenceConflict, st.Player, st.Seq, "expected next sequence")
		resync := last
		err.Resync = &resync
		return nil, nil, err
	}

	if !e.deps.Gateway.VerifyMoveProof(last.State.Commitment, st.Commitment, sub.Proof) {
		return nil, nil, e.reject(s, st, core.ErrProofRejected, "move proof does not verify")
	}
	op := sub.Opening
	next, err := commitment.Apply(rec.Position, op.Action, e.maze.Grid)
	if err != nil || next != op.Position {
		return nil, nil, e.reject(s, st, core.ErrIllegalMove, "opening does not follow the last position")
	}
	opened, err := commitment.Chain(last.State.Commitment, op.Action, op.Position, op.Salt, e.maze.Grid)
	if err != nil || opened != st.Commitment {
		return nil, nil, e.reject(s, st, core.ErrProofRejected, "opening does not match commitment")
	}
	if !e.maze.CanMove(rec.Position, op.Action) {
		return nil, nil, e.reject(s, st, core.ErrIllegalMove, "move crosses a wall")
	}

	// Accepted.
	now := e.deps.Clock.Now()
	elapsed := e.activeFor(now)
	turn := e.turn.Add(1)
	found := next == e.maze.Treasure

	e.treasureMu.Lock()
	e.sess.Treasure.DecayTo(e.cfg.Decay.Due(turn, elapsed))
	treasure := e.sess.Treasure
	e.treasureMu.Unlock()

	countersigned := sub.State
	countersigned.State.Treasure = treasure
	countersigned.SignDungeon(e.deps.Wallet.PrivKey())

	rec.Before = last.State.Commitment
	rec.Opening = op
	rec.Last = countersigned
	rec.Position = next
	rec.UpdatedAt = now.UTC()
	cp := *rec
	e.persist(&cp)

	ack, err := e.ack(s, countersigned, next)
	if err != nil {
		return nil, nil, err
	}

	e.log.Debug().Str("player", st.Player).Uint64("seq", st.Seq).Uint64("turn", turn).
		Uint64("pot", treasure.Pot).Bool("found", found).Msg("move accepted")
	e.emit(events.EventMoveAccepted, map[string]any{
		"player": st.Player, "seq": st.Seq, "turn": turn, "pot": treasure.Pot, "found": found,
	})

	var cause *closeCause
	switch {
	case found:
		cause = &closeCause{reason: "treasure found", finder: st.Player}
	case treasure.Pot == 0:
		cause = &closeCause{reason: "treasure depleted"}
	case e.cfg.MaxTurns > 0 && turn >= e.cfg.MaxTurns:
		cause = &closeCause{reason: "turn limit reached"}
	}
	return ack, cause, nil
}

// reject records a refused move. The channel becomes dispute-eligible; its
// sequence and position do not change.
func (e *Engine) reject(s *slot, st core.ChannelState, cause error, detail string) error {
	s.rec.DisputeEligible = true
	s.rec.Rejections++
	s.rec.UpdatedAt = e.deps.Clock.Now().UTC()
	cp := *s.rec
	e.persist(&cp)

	e.log.Warn().Str("player", st.Player).Uint64("seq", st.Seq).Str("reason", detail).Msg("move rejected")
	e.emit(events.EventMoveRejected, map[string]any{"player": st.Player, "seq": st.Seq, "reason": detail})
	return e.protoErr(cause, st.Player, st.Seq, detail)
}

// refusal builds the signed evidence that sub is illegal from the channel's
// current position.
func (e *Engine) refusal(sub *core.MoveSubmission) (*core.Rejection, error) {
	s, err := e.slot(sub.State.State.Player)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	rec := *s.rec
	s.mu.Unlock()

	cells, err := e.maze.Section(rec.Position, 0)
	if err != nil {
		return nil, err
	}
	if len(cells) != 1 {
		return nil, errors.Errorf("channel: %d cells at the departure position", len(cells))
	}
	cell := cells[0]
	st := sub.State.State
	r := &core.Rejection{
		SessionID:  st.SessionID,
		Player:     st.Player,
		Seq:        st.Seq,
		Commitment: st.Commitment,
		Grid:       e.desc.Grid,
		MazeRoot:   e.desc.MazeRoot,
		Start:      e.desc.Start,
		Last:       rec.Last.State.Commitment,
		Before:     rec.Before,
		Prior:      rec.Opening,
		Cell: core.CellOpening{
			Position: cell.Position,
			Walls:    cell.Walls,
			Salt:     cell.Salt,
			Proof:    cell.Proof,
		},
		Reason: "move leaves the departure cell illegally",
	}
	if err := r.Refutes(sub); err != nil {
		return nil, err
	}
	r.Sign(e.deps.Wallet.PrivKey())
	return r, nil
}

// ack builds the signed reveal for a countersigned state at pos.
func (e *Engine) ack(s *slot, state core.SignedState, pos commitment.Position) (*core.MoveAck, error) {
	cells, err := e.maze.Section(pos, e.cfg.RevealRadius)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(RevealPayload{Position: pos, Cells: cells})
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(s.box, plain)
	if err != nil {
		return nil, errors.Wrap(err, "seal reveal")
	}
	st := state.State
	r := core.Reveal{
		SessionID:  st.SessionID,
		Player:     st.Player,
		Seq:        st.Seq,
		Commitment: st.Commitment,
		MazeRoot:   e.desc.MazeRoot,
		Treasure:   st.Treasure,
		Found:      pos == e.maze.Treasure,
		Sealed:     sealed,
	}
	r.Sign(e.deps.Wallet.PrivKey())
	return &core.MoveAck{State: state, Reveal: r}, nil
}

// Tick applies time-based decay at now. It closes the session once the pot
// is empty.
func (e *Engine) Tick(now time.Time) core.TreasureState {
	if e.Status() != core.SessionActive {
		return e.Treasure()
	}
	elapsed := e.activeFor(now)
	e.treasureMu.Lock()
	moved := e.sess.Treasure.DecayTo(e.cfg.Decay.Due(e.turn.Load(), elapsed))
	t := e.sess.Treasure
	e.treasureMu.Unlock()

	if moved > 0 {
		e.persist(nil)
	}
	if t.Pot == 0 {
		e.beginClosing("treasure depleted", "")
	}
	return t
}
