// Package ledger is the node's only path to the settlement ledger. Every
// operation is submitted under an idempotency key and confirmed
// asynchronously: callers get a Ticket back at once and Await its receipt.
package ledger

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
)

// ErrRejected is returned by Await when the ledger executed the operation
// and refused it.
var ErrRejected = errors.New("ledger rejected operation")

// RejectedError carries the failed receipt.
type RejectedError struct {
	Receipt *core.Receipt
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: %s %s: %s", ErrRejected, e.Receipt.Type, e.Receipt.Key, e.Receipt.Error)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Ticket identifies a submitted operation.
type Ticket struct {
	From string      `json:"from"`
	Key  string      `json:"key"`
	TxID string      `json:"tx_id"`
	Type core.TxType `json:"type"`
}

// Adapter submits ledger operations. Submitting the same key twice never
// executes twice; it yields the ticket of the first submission.
type Adapter interface {
	Stake(ctx context.Context, p core.StakePayload) (Ticket, error)
	AnchorCommitment(ctx context.Context, hash commitment.Hash, label string) (Ticket, error)
	EscalateDispute(ctx context.Context, p core.EscalatePayload) (Ticket, error)
	Settle(ctx context.Context, sessionID string, dist core.Distribution) (Ticket, error)
	// Await blocks until the ledger has a receipt for t. A receipt for a
	// refused operation is returned together with a *RejectedError.
	Await(ctx context.Context, t Ticket) (*core.Receipt, error)
}

// Idempotency keys.

func StakeKey(sessionID, participant string) string {
	return "stake:" + sessionID + ":" + participant
}

func AnchorKey(hash commitment.Hash) string { return "anchor:" + hash.String() }

func EscalateKey(challengeID string) string { return "escalate:" + challengeID }

func SettleKey(sessionID string) string { return "settle:" + sessionID }

// SubmitAndAwait is the common submit-then-confirm sequence.
func SubmitAndAwait(ctx context.Context, a Adapter, submit func(context.Context) (Ticket, error)) (*core.Receipt, error) {
	t, err := submit(ctx)
	if err != nil {
		return nil, err
	}
	return a.Await(ctx, t)
}
