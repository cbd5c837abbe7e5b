package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/proof"
)

// FakeGateway checks witnesses exactly like the real circuits would but
// replaces proofs with a readable binding of the public statement.
type FakeGateway struct {
	Grid    commitment.Grid
	MaxPath int

	mu sync.Mutex
	// SolvabilityFailures makes the next N solvability proofs invalid.
	SolvabilityFailures int
	// RejectMoves makes every move proof fail verification.
	RejectMoves  bool
	MoveRequests int
}

// NewFakeGateway returns a gateway for g.
func NewFakeGateway(g commitment.Grid) *FakeGateway {
	return &FakeGateway{Grid: g, MaxPath: g.Cells()}
}

func blob(kind proof.Kind, parts ...any) []byte {
	return []byte(fmt.Sprint(append([]any{kind}, parts...)...))
}

func (f *FakeGateway) RequestMoveProof(ctx context.Context, w proof.MoveWitness) (proof.Proof, error) {
	if err := ctx.Err(); err != nil {
		return proof.Proof{}, err
	}
	next, err := proof.CheckMove(w, f.Grid)
	if err != nil {
		return proof.Proof{}, err
	}
	f.mu.Lock()
	f.MoveRequests++
	f.mu.Unlock()
	return proof.Proof{Kind: proof.KindMove, Key: "fake", Blob: blob(proof.KindMove, w.Prev, next)}, nil
}

func (f *FakeGateway) VerifyMoveProof(prev, next commitment.Hash, p proof.Proof) bool {
	f.mu.Lock()
	reject := f.RejectMoves
	f.mu.Unlock()
	return !reject && p.Kind == proof.KindMove && string(p.Blob) == string(blob(proof.KindMove, prev, next))
}

func (f *FakeGateway) SetRejectMoves(v bool) {
	f.mu.Lock()
	f.RejectMoves = v
	f.mu.Unlock()
}

func (f *FakeGateway) RequestSolvabilityProof(ctx context.Context, w proof.SolvabilityWitness) (proof.Proof, error) {
	if err := ctx.Err(); err != nil {
		return proof.Proof{}, err
	}
	if _, err := proof.CheckSolvability(w, f.Grid, f.MaxPath); err != nil {
		return proof.Proof{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SolvabilityFailures > 0 {
		f.SolvabilityFailures--
		return proof.Proof{Kind: proof.KindSolvability, Key: "fake", Blob: []byte("bogus")}, nil
	}
	return proof.Proof{Kind: proof.KindSolvability, Key: "fake", Blob: blob(proof.KindSolvability, w.SolvabilityStatement)}, nil
}

func (f *FakeGateway) VerifySolvabilityProof(st proof.SolvabilityStatement, p proof.Proof) bool {
	return p.Kind == proof.KindSolvability && string(p.Blob) == string(blob(proof.KindSolvability, st))
}

func (f *FakeGateway) RequestNonCollusionProof(ctx context.Context, w proof.ExplorationWitness) (proof.Proof, error) {
	if err := ctx.Err(); err != nil {
		return proof.Proof{}, err
	}
	if err := proof.CheckExploration(w); err != nil {
		return proof.Proof{}, err
	}
	return proof.Proof{Kind: proof.KindNonCollusion, Key: "fake", Blob: blob(proof.KindNonCollusion, w.ExplorationStatement)}, nil
}

func (f *FakeGateway) VerifyNonCollusionProof(st proof.ExplorationStatement, p proof.Proof) bool {
	return p.Kind == proof.KindNonCollusion && string(p.Blob) == string(blob(proof.KindNonCollusion, st))
}

var _ proof.Gateway = (*FakeGateway)(nil)
