// Package proof produces and checks zero-knowledge proofs about committed
// positions, maze solvability and exploration strategies.
package proof

import (
	"context"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/crypto"
)

// Kind names the statement a proof attests to.
type Kind string

const (
	KindMove         Kind = "move"
	KindSolvability  Kind = "solvability"
	KindNonCollusion Kind = "non_collusion"
)

// Proof is an opaque proof blob tagged with its kind and the verifying key
// it was produced against.
type Proof struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`
	Blob []byte `json:"blob"`
}

// Ref is the content hash channel states carry in place of the blob.
func (p Proof) Ref() string {
	if len(p.Blob) == 0 {
		return ""
	}
	return crypto.Hash(p.Blob)
}

// MoveWitness is the private opening behind a move proof.
type MoveWitness struct {
	Prev       commitment.Hash     `json:"prev"`
	PrevPrev   commitment.Hash     `json:"prev_prev"`
	PrevAction commitment.Action   `json:"prev_action"`
	PrevPos    commitment.Position `json:"prev_pos"`
	PrevSalt   commitment.Salt     `json:"prev_salt"`
	Action     commitment.Action   `json:"action"`
	Salt       commitment.Salt     `json:"salt"`
}

// SolvabilityStatement is the public side of a solvability proof.
type SolvabilityStatement struct {
	MazeRoot   commitment.Hash     `json:"maze_root"`
	PathCommit commitment.Hash     `json:"path_commit"`
	Start      commitment.Position `json:"start"`
	Treasure   commitment.Position `json:"treasure"`
}

// SolvabilityWitness carries the full maze and a solution path.
type SolvabilityWitness struct {
	SolvabilityStatement
	Walls []uint8               `json:"walls"`
	Salts []commitment.Salt     `json:"salts"`
	Path  []commitment.Position `json:"path"`
}

// ExplorationStatement is the public side of a non-collusion proof.
type ExplorationStatement struct {
	Commitment commitment.Hash `json:"commitment"`
	PlayerTag  commitment.Hash `json:"player_tag"`
	Genesis    commitment.Hash `json:"genesis"`
}

// ExplorationWitness opens an exploration commitment.
type ExplorationWitness struct {
	ExplorationStatement
	Strategy commitment.Salt `json:"strategy"`
	Salt     commitment.Salt `json:"salt"`
}

// Gateway produces and checks proofs. Request calls may block for a long
// time and honour ctx. Verify calls are pure: a malformed proof is simply
// not valid.
type Gateway interface {
	RequestMoveProof(ctx context.Context, w MoveWitness) (Proof, error)
	VerifyMoveProof(prev, next commitment.Hash, p Proof) bool
	RequestSolvabilityProof(ctx context.Context, w SolvabilityWitness) (Proof, error)
	VerifySolvabilityProof(st SolvabilityStatement, p Proof) bool
	RequestNonCollusionProof(ctx context.Context, w ExplorationWitness) (Proof, error)
	VerifyNonCollusionProof(st ExplorationStatement, p Proof) bool
}
