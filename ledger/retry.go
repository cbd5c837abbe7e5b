package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/core"
)

// Retrying retries transient failures of another adapter with exponential
// backoff. Idempotency keys make every retry safe. Protocol errors and
// rejections are returned at once; an exhausted budget surfaces as
// core.ErrLedgerUnavailable.
type Retrying struct {
	next    Adapter
	tries   uint
	initial time.Duration
	max     time.Duration
}

// NewRetrying wraps next using the retry settings of cfg.
func NewRetrying(next Adapter, cfg config.LedgerConfig) *Retrying {
	r := &Retrying{
		next:    next,
		tries:   cfg.RetryTries,
		initial: cfg.RetryInitial.D(),
		max:     cfg.RetryMax.D(),
	}
	if r.tries == 0 {
		r.tries = 5
	}
	if r.initial <= 0 {
		r.initial = 100 * time.Millisecond
	}
	if r.max <= 0 {
		r.max = 5 * time.Second
	}
	return r
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = r.max

	attempt := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !core.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.tries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Str("component", "ledger").Str("op", op).Int("attempt", attempt).
				Dur("wait", wait).Err(err).Msg("retrying ledger call")
		}),
	)
	if err != nil && core.Retryable(err) {
		return out, errors.Wrapf(core.ErrLedgerUnavailable, "%s failed after %d attempts: %v", op, attempt, err)
	}
	return out, err
}

func (r *Retrying) Stake(ctx context.Context, p core.StakePayload) (Ticket, error) {
	return retry(ctx, r, "stake", func() (Ticket, error) { return r.next.Stake(ctx, p) })
}

func (r *Retrying) AnchorCommitment(ctx context.Context, hash commitment.Hash, label string) (Ticket, error) {
	return retry(ctx, r, "anchor", func() (Ticket, error) { return r.next.AnchorCommitment(ctx, hash, label) })
}

func (r *Retrying) EscalateDispute(ctx context.Context, p core.EscalatePayload) (Ticket, error) {
	return retry(ctx, r, "escalate", func() (Ticket, error) { return r.next.EscalateDispute(ctx, p) })
}

func (r *Retrying) Settle(ctx context.Context, sessionID string, dist core.Distribution) (Ticket, error) {
	return retry(ctx, r, "settle", func() (Ticket, error) { return r.next.Settle(ctx, sessionID, dist) })
}

func (r *Retrying) Await(ctx context.Context, t Ticket) (*core.Receipt, error) {
	rcpt, err := retry(ctx, r, "await", func() (*core.Receipt, error) { return r.next.Await(ctx, t) })
	var rej *RejectedError
	if rcpt == nil && errors.As(err, &rej) {
		rcpt = rej.Receipt
	}
	return rcpt, err
}

var _ Adapter = (*Retrying)(nil)
