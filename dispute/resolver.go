package dispute

import (
	"context"
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
)

// Deps are the collaborators a Resolver talks to.
type Deps struct {
	Channels  Channels
	Gateway   proof.Gateway
	Ledger    ledger.Adapter
	Store     *storage.SessionStore
	Emitter   *events.Emitter
	Clock     clock.Clock
	Responder Responder
}

// Resolver runs the challenge state machine.
type Resolver struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	challenges map[string]*core.Challenge
	timers     map[string]*time.Timer
}

// NewResolver creates a resolver. Close stops its timers.
func NewResolver(cfg Config, deps Deps) *Resolver {
	if deps.Clock == nil {
		deps.Clock = clock.System
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		cfg:        cfg,
		deps:       deps,
		log:        log.With().Str("component", "dispute").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		challenges: make(map[string]*core.Challenge),
		timers:     make(map[string]*time.Timer),
	}
}

// Close stops every pending timer.
func (r *Resolver) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// Challenge returns a copy of one challenge.
func (r *Resolver) Challenge(id string) (*core.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrNotFound, "challenge %s", id)
	}
	cp := *c
	return &cp, nil
}

// Challenges returns copies of a session's challenges, oldest first.
func (r *Resolver) Challenges(sessionID string) []*core.Challenge {
	r.mu.Lock()
	var out []*core.Challenge
	for _, c := range r.challenges {
		if c.SessionID == sessionID {
			cp := *c
			out = append(out, &cp)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Unresolved counts a session's challenges that still need work.
func (r *Resolver) Unresolved(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.challenges {
		if c.SessionID == sessionID && c.Pending() {
			n++
		}
	}
	return n
}

func (r *Resolver) save(c *core.Challenge) {
	if r.deps.Store == nil {
		return
	}
	if err := r.deps.Store.SaveChallenge(c); err != nil {
		r.log.Error().Err(err).Str("challenge", c.ID).Msg("persist challenge")
	}
}

func (r *Resolver) emit(typ events.EventType, c *core.Challenge) {
	r.deps.Emitter.Emit(events.Event{
		Type:      typ,
		SessionID: c.SessionID,
		Data: map[string]any{
			"challenge":  c.ID,
			"kind":       string(c.Kind),
			"player":     c.Player,
			"seq":        c.Seq,
			"challenger": c.Challenger,
			"outcome":    string(c.Outcome),
		},
	})
}

// arm starts the deadline timer. Caller holds r.mu.
func (r *Resolver) arm(c *core.Challenge) {
	if c.Deadline.IsZero() || c.Resolved() {
		return
	}
	d := c.Deadline.Sub(r.deps.Clock.Now())
	if d < 0 {
		d = 0
	}
	r.timers[c.ID] = time.AfterFunc(d, func() {
		if err := r.Sweep(r.ctx, r.deps.Clock.Now()); err != nil && r.ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("deadline sweep")
		}
	})
}

// disarm stops the deadline timer. Caller holds r.mu.
func (r *Resolver) disarm(id string) {
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

// open records a new challenge and suspends its channel.
func (r *Resolver) open(c *core.Challenge, suspend bool) error {
	if suspend {
		if err := r.deps.Channels.Suspend(c.SessionID, c.Player); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.challenges[c.ID] = c
	r.save(c)
	r.arm(c)
	r.mu.Unlock()

	r.log.Info().Str("challenge", c.ID).Str("kind", string(c.Kind)).Str("session", c.SessionID).
		Str("player", c.Player).Uint64("seq", c.Seq).Time("deadline", c.Deadline).Msg("challenge raised")
	r.emit(events.EventChallengeRaised, c)
	return nil
}

func (r *Resolver) newChallenge(kind core.ChallengeKind, session, player string, seq uint64) *core.Challenge {
	now := r.deps.Clock.Now().UTC()
	return &core.Challenge{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: session,
		Player:    player,
		Seq:       seq,
		Outcome:   core.OutcomeUnresolved,
		CreatedAt: now,
		Deadline:  now.Add(r.cfg.ResponseWindow),
	}
}

// RaiseLiveness accuses the dungeon of not answering sub. The session must
// still be active, and the submission must be the channel's next move with
// a verifying proof and opening, at least LivenessTimeout old.
func (r *Resolver) RaiseLiveness(ctx context.Context, sub *core.MoveSubmission) (*core.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sub.Verify(); err != nil {
		return nil, err
	}
	st := sub.State.State
	status, err := r.deps.Channels.Status(st.SessionID)
	if err != nil {
		return nil, err
	}
	if status != core.SessionActive {
		return nil, &core.ProtocolError{
			Err: core.ErrSessionClosed, SessionID: st.SessionID, Player: st.Player, Seq: st.Seq, Detail: string(status),
		}
	}
	rec, err := r.deps.Channels.Record(st.SessionID, st.Player)
	if err != nil {
		return nil, err
	}
	if st.Seq != rec.Last.State.Seq+1 {
		return nil, &core.ProtocolError{
			Err: core.ErrSequenceConflict, SessionID: st.SessionID, Player: st.Player, Seq: st.Seq,
			Detail: "submission is not the channel's next move", Resync: &rec.Last,
		}
	}
	desc, err := r.deps.Channels.Maze(st.SessionID)
	if err != nil {
		return nil, err
	}
	prev := rec.Last.State.Commitment
	op := sub.Opening
	if opened, err := commitment.Chain(prev, op.Action, op.Position, op.Salt, desc.Grid); err != nil || opened != st.Commitment {
		return nil, &core.ProtocolError{
			Err: core.ErrProofRejected, SessionID: st.SessionID, Player: st.Player, Seq: st.Seq,
			Detail: "opening does not match commitment",
		}
	}
	if !r.deps.Gateway.VerifyMoveProof(prev, st.Commitment, sub.Proof) {
		return nil, &core.ProtocolError{
			Err: core.ErrProofRejected, SessionID: st.SessionID, Player: st.Player, Seq: st.Seq,
			Detail: "move proof does not verify",
		}
	}
	now := r.deps.Clock.Now()
	if waited := now.Sub(time.Unix(0, sub.SubmittedAt)); waited < r.cfg.LivenessTimeout {
		return nil, errors.Wrapf(core.ErrInvalidTransition, "liveness timeout not reached: waited %s of %s", waited, r.cfg.LivenessTimeout)
	}
	dungeon, err := r.deps.Channels.Dungeon(st.SessionID)
	if err != nil {
		return nil, err
	}
	bond, err := r.deps.Channels.Bond(st.SessionID)
	if err != nil {
		return nil, err
	}

	c := r.newChallenge(core.ChallengeLiveness, st.SessionID, st.Player, st.Seq)
	c.Challenger = st.Player
	c.Respondent = dungeon
	c.Beneficiary = st.Player
	c.Submission = sub
	c.Forfeit = r.cfg.Forfeit(bond)
	if err := r.open(c, true); err != nil {
		return nil, err
	}
	if r.deps.Responder != nil {
		go r.respond(c.ID)
	}
	cp := *c
	return &cp, nil
}

// respond asks the configured Responder to answer a liveness challenge.
func (r *Resolver) respond(id string) {
	c, err := r.Challenge(id)
	if err != nil {
		return
	}
	wait := c.Deadline.Sub(r.deps.Clock.Now())
	if wait <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, wait)
	defer cancel()
	ans, err := r.deps.Responder(ctx, c)
	if err != nil {
		r.log.Warn().Err(err).Str("challenge", id).Msg("no answer to liveness challenge")
		return
	}
	switch {
	case ans.Ack != nil:
		_, err = r.Respond(ctx, id, ans.Ack)
	case ans.Rejection != nil:
		_, err = r.Refute(ctx, id, ans.Rejection)
	default:
		err = errors.New("empty answer")
	}
	if err != nil {
		r.log.Warn().Err(err).Str("challenge", id).Msg("liveness answer refused")
	}
}

// openLiveness looks up id and checks it is a liveness challenge still
// open for an answer.
func (r *Resolver) openLiveness(id string) (*core.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	switch {
	case !ok:
		return nil, errors.Wrapf(core.ErrNotFound, "challenge %s", id)
	case c.Kind != core.ChallengeLiveness:
		return nil, errors.Wrapf(core.ErrInvalidTransition, "challenge %s is %s", id, c.Kind)
	case c.Resolved():
		return nil, errors.Wrapf(core.ErrInvalidTransition, "challenge %s already %s", id, c.Outcome)
	case c.Expired(r.deps.Clock.Now()):
		return nil, errors.Wrapf(core.ErrDisputeTimeout, "challenge %s", id)
	}
	return c, nil
}

// dismiss resolves a liveness challenge in the dungeon's favour and lifts
// the suspension. fill runs under r.mu before the challenge is saved.
func (r *Resolver) dismiss(c *core.Challenge, reason string, fill func(c *core.Challenge)) (*core.Challenge, error) {
	r.mu.Lock()
	if c.Resolved() {
		r.mu.Unlock()
		return nil, errors.Wrapf(core.ErrInvalidTransition, "challenge %s already %s", c.ID, c.Outcome)
	}
	fill(c)
	if err := c.Resolve(core.OutcomeRejected, reason, r.deps.Clock.Now().UTC()); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	c.Forfeit = 0
	r.disarm(c.ID)
	r.save(c)
	cp := *c
	r.mu.Unlock()

	if err := r.deps.Channels.Resume(c.SessionID, c.Player); err != nil {
		r.log.Warn().Err(err).Str("challenge", c.ID).Msg("resume channel")
	}
	r.log.Info().Str("challenge", c.ID).Str("reason", reason).Msg("liveness challenge answered")
	r.emit(events.EventChallengeResolved, &cp)
	return &cp, nil
}

// Respond answers a liveness challenge with the dungeon's countersigned
// acknowledgement of the challenged move.
func (r *Resolver) Respond(ctx context.Context, id string, ack *core.MoveAck) (*core.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := r.openLiveness(id)
	if err != nil {
		return nil, err
	}
	if err := ack.Verify(c.Respondent); err != nil {
		return nil, err
	}
	st := ack.State.State
	if st.SessionID != c.SessionID || st.Player != c.Player || st.Seq != c.Seq || st.Commitment != c.Submission.State.State.Commitment {
		return nil, errors.Wrap(core.ErrInvalidTransition, "answer does not countersign the challenged move")
	}
	return r.dismiss(c, "dungeon answered", func(c *core.Challenge) {
		evidence := ack.State
		c.Evidence = &evidence
	})
}

// Refute answers a liveness challenge with signed evidence that the
// challenged move was illegal. The rejection must open the session's
// published maze.
func (r *Resolver) Refute(ctx context.Context, id string, rej *core.Rejection) (*core.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := r.openLiveness(id)
	if err != nil {
		return nil, err
	}
	if err := rej.Verify(c.Respondent); err != nil {
		return nil, err
	}
	desc, err := r.deps.Channels.Maze(c.SessionID)
	if err != nil {
		return nil, err
	}
	if rej.MazeRoot != desc.MazeRoot || rej.Grid != desc.Grid || rej.Start != desc.Start {
		return nil, errors.Wrap(core.ErrInvalidTransition, "rejection opens another maze")
	}
	if err := rej.Refutes(c.Submission); err != nil {
		return nil, err
	}
	return r.dismiss(c, "dungeon refused an illegal move", func(c *core.Challenge) {
		c.Rejection = rej
	})
}

// RaiseConflict publishes claim as the latest state of its channel. The
// claim must be signed by the challenger; the counterparty may answer with
// its own state before the deadline.
func (r *Resolver) RaiseConflict(ctx context.Context, claim core.SignedState, challenger string) (*core.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := claim.State
	dungeon, err := r.deps.Channels.Dungeon(st.SessionID)
	if err != nil {
		return nil, err
	}
	var respondent string
	switch challenger {
	case st.Player:
		if err := claim.VerifyPlayer(); err != nil {
			return nil, err
		}
		respondent = dungeon
	case dungeon:
		if err := claim.VerifyDungeon(dungeon); err != nil {
			return nil, err
		}
		respondent = st.Player
	default:
		return nil, errors.Wrap(core.ErrInvalidTransition, "challenger is not a party to the channel")
	}
	if _, err := r.deps.Channels.Record(st.SessionID, st.Player); err != nil {
		return nil, err
	}

	c := r.newChallenge(core.ChallengeConflict, st.SessionID, st.Player, st.Seq)
	c.Challenger = challenger
	c.Respondent = respondent
	c.Beneficiary = challenger
	c.Claim = &claim
	if respondent == dungeon {
		bond, err := r.deps.Channels.Bond(st.SessionID)
		if err != nil {
			return nil, err
		}
		c.Forfeit = r.cfg.Forfeit(bond)
	}
	if err := r.open(c, true); err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

// SubmitEvidence answers a conflict challenge. The prevailing state is
// decided at once: the higher countersigned sequence wins, and two
// countersigned states at one sequence are a fork that goes to the ledger.
// A forked channel stays disputed until the ledger's outcome is final and
// is then closed.
func (r *Resolver) SubmitEvidence(ctx context.Context, id string, evidence core.SignedState) (*core.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	c, ok := r.challenges[id]
	switch {
	case !ok:
		r.mu.Unlock()
		return nil, errors.Wrapf(core.ErrNotFound, "challenge %s", id)
	case c.Kind != core.ChallengeConflict:
		r.mu.Unlock()
		return nil, errors.Wrapf(core.ErrInvalidTransition, "challenge %s is %s", id, c.Kind)
	case c.Resolved():
		r.mu.Unlock()
		return nil, errors.Wrapf(core.ErrInvalidTransition, "challenge %s already %s", id, c.Outcome)
	case c.Expired(r.deps.Clock.Now()):
		r.mu.Unlock()
		return nil, errors.Wrapf(core.ErrDisputeTimeout, "challenge %s", id)
	}
	claim := c.Claim
	r.mu.Unlock()

	if evidence.State.Seq < claim.State.Seq {
		return nil, errors.Wrap(core.ErrSequenceConflict, "evidence older than claim")
	}
	dungeon, err := r.deps.Channels.Dungeon(c.SessionID)
	if err != nil {
		return nil, err
	}

	var (
		outcome core.Outcome
		reason  string
		winner  *core.SignedState
		fork    bool
	)
	win, perr := core.Prevailing(claim, &evidence, dungeon)
	switch {
	case errors.Is(perr, core.ErrSequenceConflict):
		outcome, reason, fork = core.OutcomeUpheld, "respondent signed two states at one sequence", true
	case perr != nil:
		outcome, reason = core.OutcomeRejected, "neither state is countersigned"
	case win == claim:
		outcome, reason, winner = core.OutcomeUpheld, "claim prevails", claim
	default:
		outcome, reason, winner = core.OutcomeRejected, "evidence prevails", win
	}

	r.mu.Lock()
	if c.Resolved() {
		r.mu.Unlock()
		return nil, errors.Wrapf(core.ErrInvalidTransition, "challenge %s already %s", id, c.Outcome)
	}
	c.Evidence = &evidence
	if err := c.Resolve(outcome, reason, r.deps.Clock.Now().UTC()); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if !fork {
		c.Forfeit = 0
	}
	c.NeedsLedger = fork
	r.disarm(id)
	r.save(c)
	cp := *c
	r.mu.Unlock()

	r.log.Info().Str("challenge", id).Str("outcome", string(outcome)).Str("reason", reason).Msg("conflict decided")
	r.emit(events.EventChallengeResolved, &cp)

	if fork {
		if err := r.escalate(ctx, id); err != nil {
			return &cp, err
		}
		return r.Challenge(id)
	}
	r.settleChannel(&cp, winner)
	return &cp, nil
}

// forked reports whether a conflict challenge's claim and evidence are two
// countersigned states at one sequence.
func forked(c *core.Challenge, dungeon string) bool {
	if c.Claim == nil || c.Evidence == nil {
		return false
	}
	_, err := core.Prevailing(c.Claim, c.Evidence, dungeon)
	return errors.Is(err, core.ErrSequenceConflict)
}

// settleChannel adopts the prevailing state, if any, and lifts the
// challenge's suspension.
func (r *Resolver) settleChannel(c *core.Challenge, winner *core.SignedState) {
	if winner != nil {
		if err := r.deps.Channels.Adopt(c.SessionID, c.Player, *winner); err != nil && !errors.Is(err, core.ErrSequenceConflict) {
			r.log.Warn().Err(err).Str("challenge", c.ID).Msg("adopt prevailing state")
		}
	}
	if err := r.deps.Channels.Resume(c.SessionID, c.Player); err != nil {
		r.log.Warn().Err(err).Str("challenge", c.ID).Msg("resume channel")
	}
}

// RaiseNonCollusion asks for target's exploration commitment to be checked.
// A proof that does not verify excludes target from the payout but leaves
// its channel running.
func (r *Resolver) RaiseNonCollusion(ctx context.Context, sessionID, challenger, target string) (*core.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := r.deps.Channels.Record(sessionID, target)
	if err != nil {
		return nil, err
	}
	stmt := proof.ExplorationStatement{
		Commitment: rec.Exploration,
		PlayerTag:  commitment.PlayerTag(target),
		Genesis:    rec.Genesis,
	}
	valid := r.deps.Gateway.VerifyNonCollusionProof(stmt, rec.NonCollusion)

	c := r.newChallenge(core.ChallengeNonCollusion, sessionID, target, rec.Last.State.Seq)
	c.Deadline = time.Time{}
	c.Challenger = challenger
	c.Respondent = target
	if err := r.open(c, false); err != nil {
		return nil, err
	}

	outcome, reason := core.OutcomeRejected, "exploration commitment verified"
	if !valid {
		outcome, reason = core.OutcomeUpheld, "exploration commitment does not verify"
	}
	r.mu.Lock()
	if err := c.Resolve(outcome, reason, r.deps.Clock.Now().UTC()); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	c.NeedsLedger = !valid
	r.save(c)
	cp := *c
	r.mu.Unlock()
	r.emit(events.EventChallengeResolved, &cp)

	if valid {
		return &cp, nil
	}
	if err := r.deps.Channels.Exclude(sessionID, target); err != nil {
		return nil, err
	}
	r.log.Warn().Str("session", sessionID).Str("player", target).Msg("player excluded from payout")
	if err := r.escalate(ctx, c.ID); err != nil {
		return &cp, err
	}
	return r.Challenge(c.ID)
}

// Sweep resolves every challenge whose deadline passed at now and retries
// escalations the ledger has not confirmed yet.
func (r *Resolver) Sweep(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	var due, pending []string
	for id, c := range r.challenges {
		switch {
		case !c.Resolved() && c.Expired(now):
			due = append(due, id)
		case c.Resolved() && c.Pending():
			pending = append(pending, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(due)
	sort.Strings(pending)

	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, id := range due {
		note(r.expire(ctx, id, now))
	}
	for _, id := range pending {
		note(r.escalate(ctx, id))
	}
	return first
}

// expire applies the deadline policy: an unanswered liveness challenge
// favours the challenger, and an unanswered conflict favours a claim that
// carries both signatures.
func (r *Resolver) expire(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	c := r.challenges[id]
	session := c.SessionID
	r.mu.Unlock()
	dungeon, err := r.deps.Channels.Dungeon(session)
	if err != nil {
		r.log.Warn().Err(err).Str("challenge", id).Msg("session gone before deadline")
	}

	r.mu.Lock()
	if c.Resolved() {
		r.mu.Unlock()
		return nil
	}
	var outcome core.Outcome
	var reason string
	switch c.Kind {
	case core.ChallengeLiveness:
		outcome, reason = core.OutcomeUpheld, "dungeon did not answer before the deadline"
	case core.ChallengeConflict:
		if c.Claim != nil && c.Claim.VerifyBilateral(dungeon) == nil {
			outcome, reason = core.OutcomeUpheld, "no counter-evidence before the deadline"
		} else {
			outcome, reason = core.OutcomeRejected, "claim is not countersigned"
		}
	default:
		outcome, reason = core.OutcomeRejected, "deadline passed"
	}
	if err := c.Resolve(outcome, reason, now.UTC()); err != nil {
		r.mu.Unlock()
		return err
	}
	if outcome != core.OutcomeUpheld || c.Kind == core.ChallengeConflict {
		c.Forfeit = 0
	}
	c.NeedsLedger = true
	r.disarm(id)
	r.save(c)
	cp := *c
	r.mu.Unlock()

	r.log.Info().Str("challenge", id).Str("outcome", string(outcome)).Err(core.ErrDisputeTimeout).Msg("challenge resolved at deadline")
	r.emit(events.EventChallengeResolved, &cp)
	return r.escalate(ctx, id)
}

// escalate hands a resolved challenge to the ledger. The ledger's outcome
// replaces the local one and its forfeit is recorded against the session.
// Until the ledger answers, the channel stays suspended.
func (r *Resolver) escalate(ctx context.Context, id string) error {
	c, err := r.Challenge(id)
	if err != nil {
		return err
	}
	if c.Final || !c.NeedsLedger {
		return nil
	}
	dungeon, err := r.deps.Channels.Dungeon(c.SessionID)
	if err != nil {
		return err
	}

	rcpt, err := ledger.SubmitAndAwait(ctx, r.deps.Ledger, func(ctx context.Context) (ledger.Ticket, error) {
		return r.deps.Ledger.EscalateDispute(ctx, core.EscalatePayload{Challenge: *c, Dungeon: dungeon})
	})
	var rejected *ledger.RejectedError
	switch {
	case errors.As(err, &rejected):
		r.log.Error().Str("challenge", id).Str("reason", rejected.Receipt.Error).Msg("ledger refused escalation")
		rcpt = nil
	case err != nil:
		r.log.Warn().Err(err).Str("challenge", id).Msg("escalation not confirmed")
		return errors.Wrapf(err, "escalate challenge %s", id)
	}

	r.mu.Lock()
	live := r.challenges[id]
	if live.Final {
		r.mu.Unlock()
		return nil
	}
	if rcpt != nil {
		if rcpt.Outcome != "" {
			live.Outcome = rcpt.Outcome
		}
		live.Forfeit = rcpt.Forfeit
		live.Escalated = true
	} else {
		live.Forfeit = 0
	}
	live.Final = true
	r.save(live)
	final := *live
	r.mu.Unlock()

	if final.Outcome == core.OutcomeUpheld && final.Forfeit > 0 && final.Kind != core.ChallengeSolvability {
		if _, err := r.deps.Channels.Forfeit(final.SessionID, final.Beneficiary, final.Forfeit); err != nil {
			r.log.Error().Err(err).Str("challenge", id).Msg("record forfeit")
		}
	}
	switch {
	case final.Kind == core.ChallengeConflict && forked(&final, dungeon):
		if err := r.deps.Channels.Terminate(final.SessionID, final.Player, final.Reason); err != nil {
			r.log.Warn().Err(err).Str("challenge", id).Msg("terminate forked channel")
		}
	case final.Kind == core.ChallengeConflict && final.Outcome == core.OutcomeUpheld && final.Evidence == nil:
		r.settleChannel(&final, final.Claim)
	case final.Kind == core.ChallengeLiveness || final.Kind == core.ChallengeConflict:
		r.settleChannel(&final, nil)
	}

	r.log.Info().Str("challenge", id).Str("outcome", string(final.Outcome)).Uint64("forfeit", final.Forfeit).Msg("ledger outcome final")
	r.emit(events.EventChallengeResolved, &final)
	return nil
}

// Restore reloads pending challenges from the store and re-arms their
// timers.
func (r *Resolver) Restore() error {
	if r.deps.Store == nil {
		return nil
	}
	open, err := r.deps.Store.OpenChallenges()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range open {
		r.challenges[c.ID] = c
		r.arm(c)
	}
	r.log.Info().Int("challenges", len(open)).Msg("challenges restored")
	return nil
}
