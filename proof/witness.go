package proof

import (
	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
)

// ErrInvalidWitness is returned by Request calls whose witness does not
// satisfy the statement. No proof can be produced for it.
var ErrInvalidWitness = errors.New("witness does not satisfy statement")

// CheckMove verifies a move witness off-circuit and returns the commitment
// to the new position.
func CheckMove(w MoveWitness, g commitment.Grid) (commitment.Hash, error) {
	var prev commitment.Hash
	var err error
	if w.PrevAction == commitment.ActionNone {
		if !w.PrevPrev.IsZero() {
			return commitment.Hash{}, errors.Wrap(ErrInvalidWitness, "genesis opening with non-zero predecessor")
		}
		prev, err = commitment.Genesis(w.PrevPos, w.PrevSalt, g)
	} else {
		prev, err = commitment.Chain(w.PrevPrev, w.PrevAction, w.PrevPos, w.PrevSalt, g)
	}
	if err != nil {
		return commitment.Hash{}, errors.Wrap(ErrInvalidWitness, err.Error())
	}
	if prev != w.Prev {
		return commitment.Hash{}, errors.Wrap(ErrInvalidWitness, "opening does not match previous commitment")
	}
	pos, err := commitment.Apply(w.PrevPos, w.Action, g)
	if err != nil {
		return commitment.Hash{}, errors.Wrap(ErrInvalidWitness, err.Error())
	}
	next, err := commitment.Chain(w.Prev, w.Action, pos, w.Salt, g)
	if err != nil {
		return commitment.Hash{}, errors.Wrap(ErrInvalidWitness, err.Error())
	}
	return next, nil
}

// StepAllowed reports whether moving from a to b is a stay or a unit move
// through an open side of a's cell.
func StepAllowed(walls []uint8, g commitment.Grid, a, b commitment.Position) bool {
	if !g.Contains(a) || !g.Contains(b) {
		return false
	}
	if a == b {
		return true
	}
	for _, act := range []commitment.Action{commitment.North, commitment.East, commitment.South, commitment.West} {
		next, err := commitment.Apply(a, act, g)
		if err == nil && next == b {
			return walls[g.Index(a)]&commitment.WallFor(act) == 0
		}
	}
	return false
}

// CheckSolvability verifies a solvability witness off-circuit against a
// path capacity and returns the padded path.
func CheckSolvability(w SolvabilityWitness, g commitment.Grid, maxPath int) ([]commitment.Position, error) {
	n := g.Cells()
	if n == 0 || len(w.Walls) != n || len(w.Salts) != n {
		return nil, errors.Wrapf(ErrInvalidWitness, "want %d cells, got %d walls and %d salts", n, len(w.Walls), len(w.Salts))
	}
	padded, err := commitment.PadPath(w.Path, maxPath)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidWitness, err.Error())
	}
	if padded[0] != w.Start || padded[len(padded)-1] != w.Treasure {
		return nil, errors.Wrap(ErrInvalidWitness, "path does not join start and treasure")
	}
	for k := 0; k+1 < len(padded); k++ {
		if !StepAllowed(w.Walls, g, padded[k], padded[k+1]) {
			return nil, errors.Wrapf(ErrInvalidWitness, "step %d crosses a wall", k)
		}
	}
	pc, err := commitment.CommitPath(padded, g)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidWitness, err.Error())
	}
	if pc != w.PathCommit {
		return nil, errors.Wrap(ErrInvalidWitness, "path commitment mismatch")
	}
	leaves := make([]commitment.Hash, n)
	for i := range leaves {
		if w.Walls[i] > 0x0f {
			return nil, errors.Wrapf(ErrInvalidWitness, "cell %d: wall mask %#x", i, w.Walls[i])
		}
		leaves[i] = commitment.CellLeaf(i, w.Walls[i], w.Salts[i])
	}
	tree, err := commitment.BuildTree(leaves)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidWitness, err.Error())
	}
	if tree.Root() != w.MazeRoot {
		return nil, errors.Wrap(ErrInvalidWitness, "maze root mismatch")
	}
	return padded, nil
}

// CheckExploration verifies an exploration witness off-circuit.
func CheckExploration(w ExplorationWitness) error {
	if commitment.ExplorationCommit(w.PlayerTag, w.Genesis, w.Strategy, w.Salt) != w.Commitment {
		return errors.Wrap(ErrInvalidWitness, "exploration commitment mismatch")
	}
	return nil
}
