package channel

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/clock"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/ledger"
	"github.com/tolelom/braid/maze"
)

// Accounting is the final record of a closed session.
type Accounting struct {
	SessionID      string                `json:"session_id"`
	Treasure       core.TreasureState    `json:"treasure"`
	Finder         string                `json:"finder,omitempty"`
	Excluded       []string              `json:"excluded,omitempty"`
	Forfeits       core.Distribution     `json:"forfeits,omitempty"`
	Distribution   core.Distribution     `json:"distribution"`
	Solution       []commitment.Position `json:"solution,omitempty"`
	SolutionCommit commitment.Hash       `json:"solution_commit,omitempty"`
	Channels       []core.SignedState    `json:"channels"`
	Anchor         string                `json:"anchor,omitempty"`
}

// Withdraw closes one player's channel at its last countersigned state.
// The session closes once no channel remains open.
func (e *Engine) Withdraw(ctx context.Context, req *core.WithdrawRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Verify(); err != nil {
		return e.protoErr(err, req.Player, req.Seq, "withdraw request")
	}
	if req.SessionID != e.sess.ID {
		return e.protoErr(core.ErrNotFound, req.Player, req.Seq, "withdraw for another session")
	}
	s, err := e.slot(req.Player)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.rec == nil {
		s.mu.Unlock()
		return e.protoErr(core.ErrNotFound, req.Player, req.Seq, "player still joining")
	}
	switch s.rec.Status {
	case core.ChannelOpen:
	case core.ChannelDisputed:
		s.mu.Unlock()
		return e.protoErr(core.ErrChannelSuspended, req.Player, req.Seq, "")
	default:
		s.mu.Unlock()
		return e.protoErr(core.ErrChannelClosed, req.Player, req.Seq, string(s.rec.Status))
	}
	if req.Seq != s.rec.Last.State.Seq {
		last := s.rec.Last
		s.mu.Unlock()
		perr := e.protoErr(core.ErrSequenceConflict, req.Player, req.Seq, "withdraw must name the last countersigned state")
		perr.Resync = &last
		return perr
	}
	s.rec.Status = core.ChannelWithdrawn
	s.rec.UpdatedAt = e.deps.Clock.Now().UTC()
	rec := *s.rec
	s.mu.Unlock()

	e.persist(&rec)
	e.log.Info().Str("player", req.Player).Uint64("seq", req.Seq).Msg("channel withdrawn")
	e.emit(events.EventChannelWithdraw, map[string]any{"player": req.Player, "seq": req.Seq})

	if e.Status() == core.SessionActive && !e.anyChannel(core.ChannelOpen, core.ChannelDisputed) {
		e.beginClosing("all players withdrew", "")
	}
	return nil
}

// anyChannel reports whether some channel is in one of statuses.
func (e *Engine) anyChannel(statuses ...core.ChannelStatus) bool {
	for _, rec := range e.Channels() {
		for _, st := range statuses {
			if rec.Status == st {
				return true
			}
		}
	}
	return false
}

// update runs fn on a player's channel under its slot lock and persists the
// result.
func (e *Engine) update(player string, fn func(rec *core.ChannelRecord) error) error {
	s, err := e.slot(player)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.rec == nil {
		s.mu.Unlock()
		return errors.Wrapf(core.ErrNotFound, "player %.12s still joining", player)
	}
	if err := fn(s.rec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.rec.UpdatedAt = e.deps.Clock.Now().UTC()
	rec := *s.rec
	s.mu.Unlock()
	e.persist(&rec)
	return nil
}

// Suspend marks a channel disputed. Moves are refused until every challenge
// on it is resolved.
func (e *Engine) Suspend(player string) error {
	return e.update(player, func(rec *core.ChannelRecord) error {
		switch rec.Status {
		case core.ChannelOpen:
			rec.Status = core.ChannelDisputed
		case core.ChannelDisputed:
		default:
			return e.protoErr(core.ErrChannelClosed, player, rec.Last.State.Seq, "cannot suspend")
		}
		rec.Challenges++
		return nil
	})
}

// Resume releases one challenge's hold on a channel.
func (e *Engine) Resume(player string) error {
	return e.update(player, func(rec *core.ChannelRecord) error {
		if rec.Challenges > 0 {
			rec.Challenges--
		}
		if rec.Challenges == 0 && rec.Status == core.ChannelDisputed {
			rec.Status = core.ChannelOpen
		}
		return nil
	})
}

// Adopt replaces the channel's last state with a prevailing one from a
// dispute. The state must be countersigned and not older than the current
// one. The private position is only known for states this engine signed.
func (e *Engine) Adopt(player string, st core.SignedState) error {
	if err := st.VerifyBilateral(e.Dungeon()); err != nil {
		return err
	}
	return e.update(player, func(rec *core.ChannelRecord) error {
		if st.State.Player != player || st.State.SessionID != e.sess.ID {
			return e.protoErr(core.ErrInvalidTransition, player, st.State.Seq, "state for another channel")
		}
		if st.State.Seq < rec.Last.State.Seq {
			return e.protoErr(core.ErrSequenceConflict, player, st.State.Seq, "older than current state")
		}
		if st.State.Seq > rec.Last.State.Seq {
			e.log.Warn().Str("player", player).Uint64("seq", st.State.Seq).
				Uint64("had", rec.Last.State.Seq).Msg("adopting newer countersigned state")
		}
		rec.Last = st
		return nil
	})
}

// Terminate closes a channel that can no longer continue, such as one with
// a forked history.
func (e *Engine) Terminate(player, reason string) error {
	err := e.update(player, func(rec *core.ChannelRecord) error {
		if rec.Status == core.ChannelClosed {
			return nil
		}
		rec.Status = core.ChannelClosed
		rec.Challenges = 0
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Warn().Str("player", player).Str("reason", reason).Msg("channel terminated")
	if e.Status() == core.SessionActive && !e.anyChannel(core.ChannelOpen, core.ChannelDisputed) {
		e.beginClosing("all channels closed", "")
	}
	return nil
}

// Exclude removes a player from payout eligibility.
func (e *Engine) Exclude(player string) error {
	e.mu.Lock()
	if _, ok := e.sess.Player(player); !ok {
		e.mu.Unlock()
		return errors.Wrapf(core.ErrNotFound, "player %.12s", player)
	}
	e.sess.Excluded[player] = true
	e.mu.Unlock()
	e.persist(nil)
	return nil
}

// Forfeit records part of the dungeon's bond as owed to beneficiary. The
// total never exceeds the bond.
func (e *Engine) Forfeit(beneficiary string, amount uint64) uint64 {
	e.mu.Lock()
	room := e.sess.Dungeon.Stake - e.sess.Forfeits.Total()
	if amount > room {
		amount = room
	}
	if amount > 0 {
		e.sess.Forfeits[beneficiary] += amount
	}
	e.mu.Unlock()
	if amount > 0 {
		e.persist(nil)
	}
	return amount
}

// Bond returns the dungeon's locked stake.
func (e *Engine) Bond() uint64 { return e.sess.Dungeon.Stake }

// beginClosing stops play. The first cause wins; later ones are ignored.
func (e *Engine) beginClosing(reason, finder string) {
	e.mu.Lock()
	if e.sess.Status != core.SessionActive && e.sess.Status != core.SessionOpening {
		e.mu.Unlock()
		return
	}
	_ = e.sess.Transition(core.SessionClosing)
	e.sess.Finder = finder
	e.sess.Reason = reason
	e.sess.ClosedAt = e.deps.Clock.Now().UTC()
	e.mu.Unlock()

	e.persist(nil)
	e.log.Info().Str("reason", reason).Str("finder", finder).Msg("session closing")
	e.emit(events.EventSessionClosing, map[string]any{"reason": reason, "finder": finder})
}

// Close stops play if it is still running and returns the final
// accounting. Its digest is anchored on the ledger.
func (e *Engine) Close(ctx context.Context) (*Accounting, error) {
	e.beginClosing("closed by dungeon", "")
	acc, err := e.accounting()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(acc)
	if err != nil {
		return nil, err
	}
	digest := commitment.Commit(data)
	t, err := e.deps.Ledger.AnchorCommitment(ctx, digest, "close:"+e.sess.ID)
	if err != nil {
		return nil, errors.Wrap(err, "anchor accounting")
	}
	e.mu.Lock()
	e.tickets = append(e.tickets, t)
	e.mu.Unlock()
	acc.Anchor = t.Key
	return acc, nil
}

func (e *Engine) accounting() (*Accounting, error) {
	snap := e.Snapshot()
	if snap.Status != core.SessionClosing && snap.Status != core.SessionSettled {
		return nil, e.protoErr(core.ErrInvalidTransition, "", 0, "accounting before close")
	}
	dist, err := Distribute(snap)
	if snap.Status == core.SessionSettled {
		dist, err = snap.Payout, nil
	}
	if err != nil {
		return nil, err
	}
	acc := &Accounting{
		SessionID:    snap.ID,
		Treasure:     snap.Treasure,
		Finder:       snap.Finder,
		Forfeits:     snap.Forfeits,
		Distribution: dist,
	}
	for p, ex := range snap.Excluded {
		if ex {
			acc.Excluded = append(acc.Excluded, p)
		}
	}
	sort.Strings(acc.Excluded)
	for _, rec := range e.Channels() {
		acc.Channels = append(acc.Channels, rec.Last)
	}
	if e.cfg.RevealSolution && len(e.maze.Path) > 0 {
		acc.Solution = append([]commitment.Position(nil), e.maze.Path...)
		acc.SolutionCommit = e.desc.PathCommit
	}
	return acc, nil
}

// VerifySolution checks an accounting's disclosed solution against the
// published maze.
func VerifySolution(desc *maze.Descriptor, acc *Accounting) bool {
	return len(acc.Solution) > 0 && acc.SolutionCommit == desc.PathCommit && desc.VerifySolution(acc.Solution)
}

// Distribution returns the payout the session would settle with now.
func (e *Engine) Distribution() (core.Distribution, error) {
	snap := e.Snapshot()
	if snap.Status == core.SessionSettled {
		return snap.Payout, nil
	}
	if snap.Status != core.SessionClosing {
		return nil, e.protoErr(core.ErrInvalidTransition, "", 0, "session still running")
	}
	return Distribute(snap)
}

// Distribute computes a closed session's payout. The finder takes the pot;
// without an eligible finder the pot is split equally among the players not
// excluded, with the remainder going to the dungeon. The dungeon also takes
// the decayed fee and its bond less forfeits. The result always sums to the
// bond plus every ante.
func Distribute(s *core.GameSession) (core.Distribution, error) {
	bond := s.Dungeon.Stake
	forfeits := s.Forfeits.Total()
	if forfeits > bond {
		return nil, errors.Errorf("forfeits %d exceed bond %d", forfeits, bond)
	}
	t := s.Treasure
	if !t.Conserved() {
		return nil, errors.Errorf("treasure not conserved: %+v", t)
	}

	dist := core.Distribution{}
	dungeon := s.Dungeon.Address
	pot := t.Pot
	switch {
	case s.Finder != "" && !s.Excluded[s.Finder]:
		dist[s.Finder] += pot
	default:
		var eligible []string
		for _, p := range s.Players {
			if !s.Excluded[p.Address] {
				eligible = append(eligible, p.Address)
			}
		}
		if len(eligible) == 0 {
			dist[dungeon] += pot
			break
		}
		share := pot / uint64(len(eligible))
		for _, p := range eligible {
			dist[p] += share
		}
		dist[dungeon] += pot - share*uint64(len(eligible))
	}
	dist[dungeon] += t.Fee + bond - forfeits
	for b, amt := range s.Forfeits {
		dist[b] += amt
	}
	for addr, amt := range dist {
		if amt == 0 {
			delete(dist, addr)
		}
	}
	if dist.Total() != s.TotalStakes() {
		return nil, errors.Errorf("distribution %d does not match stakes %d", dist.Total(), s.TotalStakes())
	}
	return dist, nil
}

// Settle pays the session out on the ledger. It needs every challenge
// resolved and is idempotent once the session is settled.
func (e *Engine) Settle(ctx context.Context) (core.Distribution, error) {
	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	snap := e.Snapshot()
	switch snap.Status {
	case core.SessionSettled:
		return snap.Payout, nil
	case core.SessionClosing:
	default:
		return nil, e.protoErr(core.ErrInvalidTransition, "", 0, "settle before close")
	}
	for _, rec := range e.Channels() {
		if rec.Status == core.ChannelDisputed || rec.Challenges > 0 {
			return nil, e.protoErr(core.ErrUnresolved, rec.Player, rec.Last.State.Seq, "channel disputed")
		}
	}
	dist, err := Distribute(snap)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	tickets := append([]ledger.Ticket(nil), e.tickets...)
	e.mu.RUnlock()
	for _, t := range tickets {
		if _, err := e.deps.Ledger.Await(ctx, t); err != nil {
			return nil, errors.Wrapf(err, "await %s %s", t.Type, t.Key)
		}
	}

	rcpt, err := ledger.SubmitAndAwait(ctx, e.deps.Ledger, func(ctx context.Context) (ledger.Ticket, error) {
		return e.deps.Ledger.Settle(ctx, e.sess.ID, dist)
	})
	if err != nil {
		return nil, errors.Wrap(err, "settle on ledger")
	}
	if len(rcpt.Distribution) > 0 {
		dist = rcpt.Distribution
	}

	var players []string
	for _, rec := range e.Channels() {
		players = append(players, rec.Player)
	}
	for _, p := range players {
		_ = e.update(p, func(rec *core.ChannelRecord) error {
			rec.Status = core.ChannelClosed
			return nil
		})
	}

	e.mu.Lock()
	e.treasureMu.Lock()
	if err := e.sess.Treasure.Distribute(e.sess.Treasure.Pot); err != nil {
		e.log.Error().Err(err).Msg("distribute pot")
	}
	e.treasureMu.Unlock()
	e.sess.Payout = dist
	_ = e.sess.Transition(core.SessionSettled)
	e.mu.Unlock()

	e.persist(nil)
	e.log.Info().Int64("height", rcpt.Height).Uint64("total", dist.Total()).Msg("session settled")
	e.emit(events.EventSessionSettled, map[string]any{"height": rcpt.Height, "total": dist.Total()})
	return dist, nil
}

// Restore rebuilds an engine from its persisted snapshot. Pending ledger
// tickets are recovered from their idempotency keys.
func Restore(sess *core.GameSession, channels []*core.ChannelRecord, cfg Config, m *maze.Maze, desc *maze.Descriptor, deps Deps) (*Engine, error) {
	if m == nil || desc == nil || m.ID != sess.MazeID || desc.ID != sess.MazeID {
		return nil, errors.Errorf("channel: session %s needs maze %s", sess.ID, sess.MazeID)
	}
	if deps.Clock == nil {
		deps.Clock = clock.System
	}
	if sess.Excluded == nil {
		sess.Excluded = map[string]bool{}
	}
	if sess.Forfeits == nil {
		sess.Forfeits = core.Distribution{}
	}
	e := newEngine(cfg, m, desc, deps, sess)
	e.turn.Store(sess.Turn)

	dungeon := sess.Dungeon.Address
	if sess.Dungeon.Stake > 0 {
		e.tickets = append(e.tickets, ledger.Ticket{From: dungeon, Key: ledger.StakeKey(sess.ID, dungeon), Type: core.TxStake})
	}
	byPlayer := make(map[string]*core.ChannelRecord, len(channels))
	for _, rec := range channels {
		byPlayer[rec.Player] = rec
	}
	for _, p := range sess.Players {
		box, err := crypto.BoxKeyFromHex(p.BoxKey)
		if err != nil {
			return nil, errors.Wrapf(err, "player %.12s box key", p.Address)
		}
		rec, ok := byPlayer[p.Address]
		if !ok {
			return nil, errors.Wrapf(core.ErrNotFound, "channel record for %.12s", p.Address)
		}
		e.slots[p.Address] = &slot{rec: rec, box: box}
		if p.Stake > 0 {
			e.tickets = append(e.tickets, ledger.Ticket{From: dungeon, Key: ledger.StakeKey(sess.ID, p.Address), Type: core.TxStake})
		}
		e.tickets = append(e.tickets, ledger.Ticket{From: dungeon, Key: ledger.AnchorKey(rec.Exploration), Type: core.TxAnchor})
	}
	e.log.Info().Str("status", string(sess.Status)).Int("channels", len(channels)).Uint64("turn", sess.Turn).Msg("session restored")
	return e, nil
}
