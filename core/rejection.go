package core

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/crypto"
)

// CellOpening discloses one maze cell with its Merkle path to the maze root.
type CellOpening struct {
	Position commitment.Position `json:"position"`
	Walls    uint8               `json:"walls"`
	Salt     commitment.Salt     `json:"salt"`
	Proof    []commitment.Hash   `json:"proof"`
}

// Rejection is the dungeon's signed refusal of a move. It fixes the cell the
// player moved from by opening the last accepted state, then opens that
// cell against the maze root so anyone can see the move is illegal.
//
// At sequence 1 the departure cell is the maze start and Before and Prior
// are unused.
type Rejection struct {
	SessionID  string              `json:"session_id"`
	Player     string              `json:"player"`
	Seq        uint64              `json:"seq"`
	Commitment commitment.Hash     `json:"commitment"`
	Grid       commitment.Grid     `json:"grid"`
	MazeRoot   commitment.Hash     `json:"maze_root"`
	Start      commitment.Position `json:"start"`
	Last       commitment.Hash     `json:"last"`
	Before     commitment.Hash     `json:"before"`
	Prior      Opening             `json:"prior"`
	Cell       CellOpening         `json:"cell"`
	Reason     string              `json:"reason"`
	DungeonSig string              `json:"dungeon_sig"`
}

// Digest covers every field but the signature.
func (r *Rejection) Digest() []byte {
	cp := *r
	cp.DungeonSig = ""
	data, _ := json.Marshal(cp)
	return crypto.HashBytes(data)
}

// Sign sets the dungeon signature.
func (r *Rejection) Sign(priv crypto.PrivateKey) {
	r.DungeonSig = crypto.Sign(priv, r.Digest())
}

// Verify checks the dungeon signature.
func (r *Rejection) Verify(dungeon string) error {
	if err := crypto.VerifyHex(dungeon, r.Digest(), r.DungeonSig); err != nil {
		return errors.Wrap(ErrBadSignature, "rejection signature")
	}
	return nil
}

// Refutes checks that r proves sub illegal. sub's opening must extend Last,
// the opened cell must be the one Last put the player in, and the move must
// leave the grid, miss its claimed cell or cross a wall of that cell.
func (r *Rejection) Refutes(sub *MoveSubmission) error {
	st := sub.State.State
	if r.SessionID != st.SessionID || r.Player != st.Player || r.Seq != st.Seq || r.Commitment != st.Commitment {
		return errors.Wrap(ErrInvalidTransition, "rejection names another move")
	}
	op := sub.Opening
	if c, err := commitment.Chain(r.Last, op.Action, op.Position, op.Salt, r.Grid); err != nil || c != st.Commitment {
		return errors.Wrap(ErrInvalidTransition, "refused move does not extend the opened state")
	}
	from := r.Start
	if st.Seq > 1 {
		c, err := commitment.Chain(r.Before, r.Prior.Action, r.Prior.Position, r.Prior.Salt, r.Grid)
		if err != nil || c != r.Last {
			return errors.Wrap(ErrInvalidTransition, "prior opening does not match the last state")
		}
		from = r.Prior.Position
	}
	if r.Cell.Position != from || !r.Grid.Contains(from) {
		return errors.Wrap(ErrInvalidTransition, "opened cell is not the departure cell")
	}
	idx := r.Grid.Index(from)
	if !commitment.VerifyPath(r.MazeRoot, commitment.CellLeaf(idx, r.Cell.Walls, r.Cell.Salt), idx, r.Cell.Proof) {
		return errors.Wrap(ErrProofRejected, "cell opening")
	}
	next, err := commitment.Apply(from, op.Action, r.Grid)
	if err != nil || next != op.Position || r.Cell.Walls&commitment.WallFor(op.Action) != 0 {
		return nil
	}
	return errors.Wrap(ErrInvalidTransition, "refused move is legal")
}

// LivenessAnswer is the dungeon's reply to a liveness challenge: either the
// acknowledgement of the move or a signed refusal of it.
type LivenessAnswer struct {
	Ack       *MoveAck   `json:"ack,omitempty"`
	Rejection *Rejection `json:"rejection,omitempty"`
}
