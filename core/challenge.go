package core

import (
	"time"

	"github.com/pkg/errors"
)

// ChallengeKind names what a challenge disputes.
type ChallengeKind string

const (
	ChallengeLiveness     ChallengeKind = "liveness"
	ChallengeConflict     ChallengeKind = "conflict"
	ChallengeNonCollusion ChallengeKind = "non_collusion"
	ChallengeSolvability  ChallengeKind = "solvability"
)

// Outcome is the resolution of a challenge. Only unresolved challenges may
// change outcome.
type Outcome string

const (
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeUpheld     Outcome = "upheld"
	OutcomeRejected   Outcome = "rejected"
)

// Challenge is a durable dispute record.
type Challenge struct {
	ID          string          `json:"id"`
	Kind        ChallengeKind   `json:"kind"`
	SessionID   string          `json:"session_id"`
	Player      string          `json:"player,omitempty"`
	Seq         uint64          `json:"seq"`
	Challenger  string          `json:"challenger"`
	Respondent  string          `json:"respondent"`
	Claim       *SignedState    `json:"claim,omitempty"`
	Evidence    *SignedState    `json:"evidence,omitempty"`
	Submission  *MoveSubmission `json:"submission,omitempty"`
	Rejection   *Rejection      `json:"rejection,omitempty"`
	Deadline    time.Time       `json:"deadline"`
	Outcome     Outcome         `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
	Forfeit     uint64          `json:"forfeit,omitempty"`
	Beneficiary string          `json:"beneficiary,omitempty"`
	NeedsLedger bool            `json:"needs_ledger,omitempty"`
	Escalated   bool            `json:"escalated,omitempty"`
	Final       bool            `json:"final,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  time.Time       `json:"resolved_at,omitempty"`
}

// Resolved reports whether the challenge has an outcome.
func (c *Challenge) Resolved() bool { return c.Outcome != OutcomeUnresolved }

// Resolve fixes the outcome. A resolved challenge is immutable.
func (c *Challenge) Resolve(out Outcome, reason string, at time.Time) error {
	if c.Resolved() {
		return errors.Wrapf(ErrInvalidTransition, "challenge %s already %s", c.ID, c.Outcome)
	}
	if out == OutcomeUnresolved {
		return errors.Wrapf(ErrInvalidTransition, "challenge %s: cannot resolve to %s", c.ID, out)
	}
	c.Outcome = out
	c.Reason = reason
	c.ResolvedAt = at
	return nil
}

// Pending reports whether the challenge still needs work: an outcome, or
// a final answer from the ledger.
func (c *Challenge) Pending() bool {
	return !c.Resolved() || (c.NeedsLedger && !c.Final)
}

// Expired reports whether the response deadline has passed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !c.Deadline.IsZero() && !now.Before(c.Deadline)
}
