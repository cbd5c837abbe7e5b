// Package escalation gives disputed challenges their final outcome on the
// ledger and applies forfeitures.
package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/vm"
)

func init() {
	vm.Register(core.TxEscalate, handleEscalate)
}

func handleEscalate(ctx *vm.Context, payload json.RawMessage) error {
	var p core.EscalatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode escalate payload: %w", err)
	}
	c := p.Challenge
	if c.ID == "" || c.SessionID == "" {
		return errors.New("challenge id and session id required")
	}

	if prior, err := ctx.State.GetEscalation(c.ID); err == nil {
		ctx.Receipt.Outcome = prior.Outcome
		ctx.Receipt.Forfeit = prior.Forfeit
		return nil
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("escalation lookup: %w", err)
	}

	st, err := ctx.State.GetStakes(c.SessionID)
	if err != nil {
		return fmt.Errorf("session %q stakes: %w", c.SessionID, err)
	}
	if p.Dungeon != "" && p.Dungeon != st.Dungeon {
		return fmt.Errorf("session %q dungeon mismatch", c.SessionID)
	}
	if st.Settled {
		return fmt.Errorf("session %q already settled", c.SessionID)
	}

	outcome, forfeit, reason := judge(&c, st)
	if outcome == core.OutcomeUpheld && forfeit > 0 {
		forfeit = capForfeit(st, c.Respondent, forfeit)
	} else {
		forfeit = 0
	}
	beneficiary := c.Beneficiary
	if beneficiary == "" {
		beneficiary = c.Challenger
	}
	if beneficiary == "" {
		beneficiary = core.TreasuryAddress
	}

	if forfeit > 0 {
		st.Forfeited[c.Respondent] += forfeit
		if c.Kind == core.ChallengeSolvability {
			if err := payNow(ctx, st, c.Respondent, beneficiary, forfeit); err != nil {
				return err
			}
		} else {
			st.Forfeits[beneficiary] += forfeit
		}
		if err := ctx.State.SetStakes(st); err != nil {
			return err
		}
	}

	c.Outcome = outcome
	c.Reason = reason
	c.Forfeit = forfeit
	c.Beneficiary = beneficiary
	c.Escalated = true
	c.Final = true
	c.ResolvedAt = time.Unix(0, ctx.Block.Header.Timestamp).UTC()
	if err := ctx.State.SetEscalation(&c); err != nil {
		return err
	}
	ctx.Receipt.Outcome = outcome
	ctx.Receipt.Forfeit = forfeit

	ctx.Emit(events.EventEscalated, c.SessionID, map[string]any{
		"challenge": c.ID,
		"kind":      string(c.Kind),
		"outcome":   string(outcome),
		"forfeit":   forfeit,
	})
	return nil
}

// judge re-derives the outcome from the evidence carried by the challenge.
// The resolver's own verdict is only trusted where the ledger cannot check
// the evidence itself.
func judge(c *core.Challenge, st *core.SessionStakes) (core.Outcome, uint64, string) {
	switch c.Kind {
	case core.ChallengeLiveness:
		s := c.Submission
		if s == nil || s.Verify() != nil || s.State.State.Seq != c.Seq || s.State.State.SessionID != c.SessionID {
			return core.OutcomeRejected, 0, "liveness claim lacks a valid signed submission"
		}
		if c.Evidence != nil && c.Evidence.VerifyBilateral(st.Dungeon) == nil &&
			c.Evidence.State.Seq >= c.Seq && c.Evidence.State.Player == s.State.State.Player {
			return core.OutcomeRejected, 0, "dungeon countersigned the move"
		}
		if c.Rejection != nil && c.Rejection.Verify(st.Dungeon) == nil && c.Rejection.Refutes(s) == nil {
			return core.OutcomeRejected, 0, "dungeon refused an illegal move"
		}
		return core.OutcomeUpheld, c.Forfeit, "dungeon did not answer in time"

	case core.ChallengeConflict:
		if c.Claim == nil || c.Claim.VerifyBilateral(st.Dungeon) != nil {
			return core.OutcomeRejected, 0, "claim lacks bilateral signatures"
		}
		if c.Evidence == nil {
			return core.OutcomeUpheld, 0, "no counter-evidence"
		}
		win, err := core.Prevailing(c.Claim, c.Evidence, st.Dungeon)
		switch {
		case errors.Is(err, core.ErrSequenceConflict):
			return core.OutcomeUpheld, c.Forfeit, "respondent signed two states at one sequence"
		case err != nil:
			return core.OutcomeUpheld, 0, "counter-evidence invalid"
		case win == c.Claim || win.SameContent(c.Claim):
			return core.OutcomeUpheld, 0, "claim is the latest state"
		default:
			return core.OutcomeRejected, 0, "evidence supersedes claim"
		}

	case core.ChallengeSolvability:
		return core.OutcomeUpheld, st.Stakes[c.Respondent], "no solvable maze produced"

	case core.ChallengeNonCollusion:
		if c.Outcome == core.OutcomeUpheld {
			return core.OutcomeUpheld, 0, c.Reason
		}
		return core.OutcomeRejected, 0, c.Reason
	}
	return core.OutcomeRejected, 0, fmt.Sprintf("unknown challenge kind %q", c.Kind)
}

func capForfeit(st *core.SessionStakes, respondent string, amount uint64) uint64 {
	left := st.Stakes[respondent] - st.Forfeited[respondent]
	if amount > left {
		return left
	}
	return amount
}

// payNow pays a forfeiture out of the locked pool at once. Used for bond
// sessions that will never be settled by a game.
func payNow(ctx *vm.Context, st *core.SessionStakes, respondent, beneficiary string, amount uint64) error {
	if err := ctx.Credit(beneficiary, amount); err != nil {
		return err
	}
	dist := core.Distribution{beneficiary: amount}
	if rest := st.Total - amount; rest > 0 {
		// Whatever else was locked in the bond session returns to its owners.
		for addr, stake := range st.Stakes {
			back := stake - st.Forfeited[addr]
			if back == 0 {
				continue
			}
			if err := ctx.Credit(addr, back); err != nil {
				return err
			}
			dist[addr] += back
		}
	}
	st.Settled = true
	st.Distribution = dist
	st.SettledAt = ctx.Block.Header.Timestamp
	ctx.Emit(events.EventPayout, st.ID, map[string]any{"total": st.Total, "payees": len(dist)})
	return nil
}
