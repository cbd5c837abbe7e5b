package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/internal/testutil"
	"github.com/tolelom/braid/ledger"
	"github.com/tolelom/braid/proof"
	"github.com/tolelom/braid/wallet"
)

func newPlayer(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	return w
}

func await(t *testing.T, l *testutil.Ledger, tk ledger.Ticket) *core.Receipt {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.Seal(t)
	r, err := l.Local.Await(ctx, tk)
	require.NoError(t, err)
	return r
}

func stakeSession(t *testing.T, l *testutil.Ledger, id string, players ...*wallet.Wallet) {
	t.Helper()
	ctx := context.Background()
	var tickets []ledger.Ticket
	tk, err := l.Local.Stake(ctx, l.Operator.AuthorizeStake(id, core.RoleBond, 100))
	require.NoError(t, err)
	tickets = append(tickets, tk)
	for _, p := range players {
		tk, err := l.Local.Stake(ctx, p.AuthorizeStake(id, core.RoleAnte, 10))
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	l.Seal(t)
	for _, tk := range tickets {
		r, err := l.Local.Await(ctx, tk)
		require.NoError(t, err)
		require.True(t, r.OK)
	}
}

func TestStakeLocksFunds(t *testing.T) {
	p := newPlayer(t)
	l := testutil.NewLedger(t, 1000, map[string]uint64{p.PubKey(): 50})

	stakeSession(t, l, "s1", p)

	assert.Equal(t, uint64(900), l.Balance(t, l.Operator.PubKey()))
	assert.Equal(t, uint64(40), l.Balance(t, p.PubKey()))
	st, err := l.Stakes("s1")
	require.NoError(t, err)
	assert.Equal(t, l.Operator.PubKey(), st.Dungeon)
	assert.Equal(t, uint64(110), st.Total)
}

func TestStakeRequiresParticipantSignature(t *testing.T) {
	p := newPlayer(t)
	l := testutil.NewLedger(t, 1000, map[string]uint64{p.PubKey(): 50})

	forged := p.AuthorizeStake("s1", core.RoleAnte, 10)
	forged.Amount = 50
	tk, err := l.Local.Stake(context.Background(), forged)
	require.NoError(t, err)
	l.Seal(t)

	r, err := l.Local.Await(context.Background(), tk)
	require.ErrorIs(t, err, ledger.ErrRejected)
	assert.False(t, r.OK)
	assert.Equal(t, uint64(50), l.Balance(t, p.PubKey()))
}

func TestSubmitSameKeyOnce(t *testing.T) {
	l := testutil.NewLedger(t, 1000, nil)
	ctx := context.Background()
	h := commitment.Commit([]byte("maze root"))

	a, err := l.Local.AnchorCommitment(ctx, h, "maze")
	require.NoError(t, err)
	b, err := l.Local.AnchorCommitment(ctx, h, "maze")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, l.Mempool.Size())

	r := await(t, l, a)
	assert.True(t, r.OK)

	// After sealing the stored receipt answers.
	c, err := l.Local.AnchorCommitment(ctx, h, "maze")
	require.NoError(t, err)
	assert.Equal(t, a.TxID, c.TxID)
	assert.Equal(t, 0, l.Mempool.Size())

	anchor, err := l.Anchor(h)
	require.NoError(t, err)
	assert.Equal(t, r.Height, anchor.Height)
}

func TestAwaitHonoursContext(t *testing.T) {
	l := testutil.NewLedger(t, 1000, nil)
	tk, err := l.Local.AnchorCommitment(context.Background(), commitment.Commit([]byte("x")), "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Local.Await(ctx, tk)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSettleIsIdempotent(t *testing.T) {
	p := newPlayer(t)
	l := testutil.NewLedger(t, 1000, map[string]uint64{p.PubKey(): 50})
	stakeSession(t, l, "s1", p)

	dist := core.Distribution{p.PubKey(): 10, l.Operator.PubKey(): 100}
	tk, err := l.Local.Settle(context.Background(), "s1", dist)
	require.NoError(t, err)
	r := await(t, l, tk)
	assert.Equal(t, dist, r.Distribution)
	assert.Equal(t, uint64(50), l.Balance(t, p.PubKey()))

	// A second settlement under a fresh key pays nothing and reports the
	// stored distribution.
	again, err := l.Operator.NewTx(core.TxSettle, "settle:s1:retry", core.SettlePayload{
		SessionID:    "s1",
		Distribution: core.Distribution{p.PubKey(): 110},
	})
	require.NoError(t, err)
	require.NoError(t, l.Mempool.Add(again))
	r2 := await(t, l, ledger.Ticket{From: again.From, Key: again.Key})
	assert.True(t, r2.OK)
	assert.Equal(t, dist, r2.Distribution)
	assert.Equal(t, uint64(50), l.Balance(t, p.PubKey()))
	assert.Equal(t, uint64(1000), l.Balance(t, l.Operator.PubKey()))
}

func TestSettleMustConserveStakes(t *testing.T) {
	p := newPlayer(t)
	l := testutil.NewLedger(t, 1000, map[string]uint64{p.PubKey(): 50})
	stakeSession(t, l, "s1", p)

	tk, err := l.Local.Settle(context.Background(), "s1", core.Distribution{p.PubKey(): 111})
	require.NoError(t, err)
	l.Seal(t)
	_, err = l.Local.Await(context.Background(), tk)
	var rej *ledger.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Receipt.Error, "exceeds")

	st, err := l.Stakes("s1")
	require.NoError(t, err)
	assert.False(t, st.Settled)
}

func TestLivenessEscalationForfeitsBond(t *testing.T) {
	p := newPlayer(t)
	l := testutil.NewLedger(t, 1000, map[string]uint64{p.PubKey(): 50})
	stakeSession(t, l, "s1", p)

	pr := proof.Proof{Kind: proof.KindMove, Blob: []byte("move proof")}
	sub := &core.MoveSubmission{
		State: core.SignedState{State: core.ChannelState{
			SessionID: "s1", Player: p.PubKey(), Seq: 1, ProofRef: pr.Ref(),
		}},
		Proof:       pr,
		SubmittedAt: time.Now().UnixNano(),
	}
	sub.Sign(p.PrivKey())
	c := core.Challenge{
		ID:         "c1",
		Kind:       core.ChallengeLiveness,
		SessionID:  "s1",
		Player:     p.PubKey(),
		Seq:        1,
		Challenger: p.PubKey(),
		Respondent: l.Operator.PubKey(),
		Submission: sub,
		Forfeit:    25,
		Outcome:    core.OutcomeUpheld,
	}
	tk, err := l.Local.EscalateDispute(context.Background(), core.EscalatePayload{Challenge: c})
	require.NoError(t, err)
	r := await(t, l, tk)
	assert.Equal(t, core.OutcomeUpheld, r.Outcome)
	assert.Equal(t, uint64(25), r.Forfeit)

	final, err := l.Escalation("c1")
	require.NoError(t, err)
	assert.True(t, final.Final)

	// Settling without paying the beneficiary its forfeit is refused.
	tk, err = l.Local.Settle(context.Background(), "s1", core.Distribution{l.Operator.PubKey(): 110})
	require.NoError(t, err)
	l.Seal(t)
	_, err = l.Local.Await(context.Background(), tk)
	require.ErrorIs(t, err, ledger.ErrRejected)
}

func livenessChallenge(id string, p *wallet.Wallet, respondent string, sub *core.MoveSubmission) core.Challenge {
	return core.Challenge{
		ID:         id,
		Kind:       core.ChallengeLiveness,
		SessionID:  "s1",
		Player:     p.PubKey(),
		Seq:        1,
		Challenger: p.PubKey(),
		Respondent: respondent,
		Submission: sub,
		Forfeit:    25,
		Outcome:    core.OutcomeUpheld,
	}
}

func TestLivenessEscalationChecksSubmissionSequence(t *testing.T) {
	p := newPlayer(t)
	l := testutil.NewLedger(t, 1000, map[string]uint64{p.PubKey(): 50})
	stakeSession(t, l, "s1", p)

	pr := proof.Proof{Kind: proof.KindMove, Blob: []byte("move proof")}
	sub := &core.MoveSubmission{
		State: core.SignedState{State: core.ChannelState{
			SessionID: "s1", Player: p.PubKey(), Seq: 2, ProofRef: pr.Ref(),
		}},
		Proof:       pr,
		SubmittedAt: time.Now().UnixNano(),
	}
	sub.Sign(p.PrivKey())

	// The challenge names seq 1 but carries the player's seq 2 move.
	tk, err := l.Local.EscalateDispute(context.Background(), core.EscalatePayload{
		Challenge: livenessChallenge("c-seq", p, l.Operator.PubKey(), sub),
	})
	require.NoError(t, err)
	r := await(t, l, tk)
	assert.Equal(t, core.OutcomeRejected, r.Outcome)
	assert.Zero(t, r.Forfeit)
}

func TestLivenessEscalationHonoursRejection(t *testing.T) {
	p := newPlayer(t)
	l := testutil.NewLedger(t, 1000, map[string]uint64{p.PubKey(): 50})
	stakeSession(t, l, "s1", p)

	// One row of two cells with a wall between them.
	grid := commitment.Grid{Width: 2, Height: 1}
	walls := []uint8{commitment.AllWalls, commitment.AllWalls}
	var salts []commitment.Salt
	var leaves []commitment.Hash
	for i, w := range walls {
		s, err := commitment.NewSalt()
		require.NoError(t, err)
		salts = append(salts, s)
		leaves = append(leaves, commitment.CellLeaf(i, w, s))
	}
	tree, err := commitment.BuildTree(leaves)
	require.NoError(t, err)
	path, err := tree.Path(0)
	require.NoError(t, err)

	genesis := commitment.Commit([]byte("genesis"))
	salt, err := commitment.NewSalt()
	require.NoError(t, err)
	to := commitment.Position{X: 1}
	next, err := commitment.Chain(genesis, commitment.East, to, salt, grid)
	require.NoError(t, err)
	pr := proof.Proof{Kind: proof.KindMove, Blob: []byte("move proof")}
	sub := &core.MoveSubmission{
		State: core.SignedState{State: core.ChannelState{
			SessionID: "s1", Player: p.PubKey(), Seq: 1, Commitment: next, ProofRef: pr.Ref(),
		}},
		Proof:       pr,
		Opening:     core.Opening{Action: commitment.East, Position: to, Salt: salt},
		SubmittedAt: time.Now().UnixNano(),
	}
	sub.Sign(p.PrivKey())

	rej := &core.Rejection{
		SessionID:  "s1",
		Player:     p.PubKey(),
		Seq:        1,
		Commitment: next,
		Grid:       grid,
		MazeRoot:   tree.Root(),
		Last:       genesis,
		Cell:       core.CellOpening{Walls: walls[0], Salt: salts[0], Proof: path},
	}

	// Signed by someone other than the session's dungeon: ignored.
	rej.Sign(p.PrivKey())
	c := livenessChallenge("c-forged", p, l.Operator.PubKey(), sub)
	c.Rejection = rej
	tk, err := l.Local.EscalateDispute(context.Background(), core.EscalatePayload{Challenge: c})
	require.NoError(t, err)
	r := await(t, l, tk)
	assert.Equal(t, core.OutcomeUpheld, r.Outcome)

	signed := *rej
	signed.Sign(l.Operator.PrivKey())
	c = livenessChallenge("c-refused", p, l.Operator.PubKey(), sub)
	c.Rejection = &signed
	tk, err = l.Local.EscalateDispute(context.Background(), core.EscalatePayload{Challenge: c})
	require.NoError(t, err)
	r = await(t, l, tk)
	assert.Equal(t, core.OutcomeRejected, r.Outcome)
	assert.Zero(t, r.Forfeit)
}

func TestSolvabilityEscalationPaysImmediately(t *testing.T) {
	l := testutil.NewLedger(t, 1000, nil)
	ctx := context.Background()
	bondSession := "maze-authority:" + l.Operator.PubKey()
	tk, err := l.Local.Stake(ctx, l.Operator.AuthorizeStake(bondSession, core.RoleBond, 300))
	require.NoError(t, err)
	await(t, l, tk)

	tk, err = l.Local.EscalateDispute(ctx, core.EscalatePayload{Challenge: core.Challenge{
		ID:         "solv-1",
		Kind:       core.ChallengeSolvability,
		SessionID:  bondSession,
		Respondent: l.Operator.PubKey(),
	}})
	require.NoError(t, err)
	r := await(t, l, tk)
	assert.Equal(t, uint64(300), r.Forfeit)
	assert.Equal(t, uint64(300), l.Balance(t, core.TreasuryAddress))
	assert.Equal(t, uint64(700), l.Balance(t, l.Operator.PubKey()))
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	l := testutil.NewLedger(t, 1000, nil)
	flaky := &testutil.FlakyAdapter{Adapter: l.Local, Failures: 2}
	r := ledger.NewRetrying(flaky, config.LedgerConfig{
		RetryTries:   5,
		RetryInitial: config.Duration(time.Millisecond),
		RetryMax:     config.Duration(2 * time.Millisecond),
	})

	tk, err := r.AnchorCommitment(context.Background(), commitment.Commit([]byte("a")), "a")
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.Calls)
	assert.Equal(t, ledger.AnchorKey(commitment.Commit([]byte("a"))), tk.Key)
}

func TestRetryingExhaustionIsLedgerUnavailable(t *testing.T) {
	l := testutil.NewLedger(t, 1000, nil)
	flaky := &testutil.FlakyAdapter{Adapter: l.Local, Failures: 100}
	r := ledger.NewRetrying(flaky, config.LedgerConfig{
		RetryTries:   3,
		RetryInitial: config.Duration(time.Millisecond),
		RetryMax:     config.Duration(time.Millisecond),
	})

	_, err := r.Settle(context.Background(), "s1", core.Distribution{})
	require.ErrorIs(t, err, core.ErrLedgerUnavailable)
	assert.Equal(t, 3, flaky.Calls)
}

func TestRetryingDoesNotRetryRejections(t *testing.T) {
	p := newPlayer(t)
	l := testutil.NewLedger(t, 1000, map[string]uint64{p.PubKey(): 50})
	stakeSession(t, l, "s1", p)
	r := ledger.NewRetrying(l.Local, config.LedgerConfig{RetryTries: 3})

	tk, err := r.Settle(context.Background(), "s1", core.Distribution{p.PubKey(): 1})
	require.NoError(t, err)
	l.Seal(t)
	rcpt, err := r.Await(context.Background(), tk)
	require.ErrorIs(t, err, ledger.ErrRejected)
	require.NotNil(t, rcpt)
	assert.False(t, rcpt.OK)
}
