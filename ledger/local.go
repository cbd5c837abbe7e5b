package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/wallet"
)

// Reader gives consistent read access to the ledger state.
type Reader interface {
	View(fn func(core.State) error) error
}

// Local submits operations to the embedded chain: transactions are signed
// with the operator wallet and queued in the mempool until a block seals
// them.
type Local struct {
	wallet *wallet.Wallet
	pool   *core.Mempool
	reader Reader
	poll   time.Duration
	log    zerolog.Logger
}

// NewLocal returns an adapter that signs with w. poll is the Await interval.
func NewLocal(w *wallet.Wallet, pool *core.Mempool, reader Reader, poll time.Duration) *Local {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &Local{
		wallet: w,
		pool:   pool,
		reader: reader,
		poll:   poll,
		log:    log.With().Str("component", "ledger").Logger(),
	}
}

func (l *Local) Stake(ctx context.Context, p core.StakePayload) (Ticket, error) {
	return l.submit(ctx, core.TxStake, StakeKey(p.SessionID, p.Participant), p)
}

func (l *Local) AnchorCommitment(ctx context.Context, hash commitment.Hash, label string) (Ticket, error) {
	return l.submit(ctx, core.TxAnchor, AnchorKey(hash), core.AnchorPayload{Hash: hash, Label: label})
}

func (l *Local) EscalateDispute(ctx context.Context, p core.EscalatePayload) (Ticket, error) {
	return l.submit(ctx, core.TxEscalate, EscalateKey(p.Challenge.ID), p)
}

func (l *Local) Settle(ctx context.Context, sessionID string, dist core.Distribution) (Ticket, error) {
	return l.submit(ctx, core.TxSettle, SettleKey(sessionID), core.SettlePayload{SessionID: sessionID, Distribution: dist})
}

func (l *Local) submit(ctx context.Context, typ core.TxType, key string, payload any) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	from := l.wallet.PubKey()

	if r, err := l.receipt(from, key); err == nil {
		return Ticket{From: from, Key: key, TxID: r.TxID, Type: r.Type}, nil
	} else if !errors.Is(err, core.ErrNotFound) {
		return Ticket{}, err
	}
	if tx, ok := l.pool.ByKey(from, key); ok {
		return ticketFor(tx), nil
	}

	tx, err := l.wallet.NewTx(typ, key, payload)
	if err != nil {
		return Ticket{}, errors.Wrapf(err, "build %s transaction", typ)
	}
	if err := l.pool.Add(tx); err != nil {
		if errors.Is(err, core.ErrDuplicateKey) {
			if prior, ok := l.pool.ByKey(from, key); ok {
				return ticketFor(prior), nil
			}
			// Sealed between the lookup and Add; the receipt now exists.
			if r, rerr := l.receipt(from, key); rerr == nil {
				return Ticket{From: from, Key: key, TxID: r.TxID, Type: r.Type}, nil
			}
		}
		return Ticket{}, errors.Wrapf(core.ErrLedgerUnavailable, "mempool: %v", err)
	}
	l.log.Debug().Str("type", string(typ)).Str("key", key).Str("tx", tx.ID).Msg("submitted")
	return ticketFor(tx), nil
}

func ticketFor(tx *core.Transaction) Ticket {
	return Ticket{From: tx.From, Key: tx.Key, TxID: tx.ID, Type: tx.Type}
}

func (l *Local) receipt(from, key string) (*core.Receipt, error) {
	var out *core.Receipt
	err := l.reader.View(func(s core.State) error {
		r, err := s.GetReceipt(from, key)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, errors.Wrapf(core.ErrLedgerUnavailable, "read receipt: %v", err)
	}
	return out, err
}

// Await polls for the receipt of t until it exists or ctx is done.
func (l *Local) Await(ctx context.Context, t Ticket) (*core.Receipt, error) {
	from := t.From
	if from == "" {
		from = l.wallet.PubKey()
	}
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		r, err := l.receipt(from, t.Key)
		switch {
		case err == nil:
			if !r.OK {
				return r, &RejectedError{Receipt: r}
			}
			return r, nil
		case !errors.Is(err, core.ErrNotFound):
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Adapter = (*Local)(nil)
