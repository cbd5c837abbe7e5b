package commitment

import "math/big"

// Action is a single maze step.
type Action uint8

const (
	North Action = iota
	East
	South
	West

	// ActionNone marks the genesis commitment, which has no preceding move.
	ActionNone Action = 4
)

func (a Action) String() string {
	switch a {
	case North:
		return "north"
	case East:
		return "east"
	case South:
		return "south"
	case West:
		return "west"
	case ActionNone:
		return "none"
	default:
		return "invalid"
	}
}

// Valid reports whether a is one of the four moves.
func (a Action) Valid() bool { return a <= West }

// Delta returns the (dx, dy) of a move. North decreases y.
func (a Action) Delta() (int, int) {
	switch a {
	case North:
		return 0, -1
	case East:
		return 1, 0
	case South:
		return 0, 1
	case West:
		return -1, 0
	default:
		return 0, 0
	}
}

// Position is a cell coordinate.
type Position struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// Grid bounds every position a commitment may encode.
type Grid struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// Contains reports whether p lies inside g.
func (g Grid) Contains(p Position) bool {
	return p.X < g.Width && p.Y < g.Height
}

// Cells is the number of cells in g.
func (g Grid) Cells() int { return int(g.Width) * int(g.Height) }

// Index returns the row-major cell index of p.
func (g Grid) Index(p Position) int { return int(p.Y)*int(g.Width) + int(p.X) }

// At is the inverse of Index.
func (g Grid) At(i int) Position {
	return Position{X: uint32(i % int(g.Width)), Y: uint32(i / int(g.Width))}
}

func (g Grid) validate() error {
	if g.Width == 0 || g.Height == 0 {
		return encodingErr("grid", "zero-sized grid %dx%d", g.Width, g.Height)
	}
	return nil
}

func (g Grid) check(field string, p Position) error {
	if err := g.validate(); err != nil {
		return err
	}
	if !g.Contains(p) {
		return encodingErr(field, "position (%d,%d) outside %dx%d grid", p.X, p.Y, g.Width, g.Height)
	}
	return nil
}

// Apply moves p by a, failing if the result leaves the grid.
func Apply(p Position, a Action, g Grid) (Position, error) {
	if !a.Valid() {
		return p, encodingErr("action", "unknown action %d", a)
	}
	dx, dy := a.Delta()
	nx, ny := int64(p.X)+int64(dx), int64(p.Y)+int64(dy)
	if nx < 0 || ny < 0 {
		return p, encodingErr("position", "move %s leaves the grid at (%d,%d)", a, p.X, p.Y)
	}
	next := Position{X: uint32(nx), Y: uint32(ny)}
	if err := g.check("position", next); err != nil {
		return p, err
	}
	return next, nil
}

func chainRaw(prev Hash, a Action, p Position, salt Salt) Hash {
	return mimc(prev.Big(), u64(uint64(a)), u64(uint64(p.X)), u64(uint64(p.Y)), salt.Big())
}

// Chain commits to a move: the previous accepted commitment, the action taken
// and the resulting position, blinded by salt. prev and the position occupy
// distinct slots, so swapping them changes the digest.
func Chain(prev Hash, a Action, pos Position, salt Salt, g Grid) (Hash, error) {
	if !a.Valid() {
		return Hash{}, encodingErr("action", "unknown action %d", a)
	}
	if err := g.check("position", pos); err != nil {
		return Hash{}, err
	}
	if err := canonical("prev", prev); err != nil {
		return Hash{}, err
	}
	if err := canonical("salt", salt); err != nil {
		return Hash{}, err
	}
	return chainRaw(prev, a, pos, salt), nil
}

// Genesis commits to a player's starting cell.
func Genesis(start Position, salt Salt, g Grid) (Hash, error) {
	if err := g.check("start", start); err != nil {
		return Hash{}, err
	}
	if err := canonical("salt", salt); err != nil {
		return Hash{}, err
	}
	return chainRaw(Zero, ActionNone, start, salt), nil
}

// CommitPath binds a full path. The length is hashed first, followed by each
// cell's x and y.
func CommitPath(path []Position, g Grid) (Hash, error) {
	if len(path) == 0 {
		return Hash{}, encodingErr("path", "empty path")
	}
	elems := make([]*big.Int, 0, 1+2*len(path))
	elems = append(elems, u64(uint64(len(path))))
	for i, p := range path {
		if err := g.check("path", p); err != nil {
			return Hash{}, encodingErr("path", "cell %d: %v", i, err)
		}
		elems = append(elems, u64(uint64(p.X)), u64(uint64(p.Y)))
	}
	return mimc(elems...), nil
}

// PadPath extends path to n cells by repeating its last cell. It fails rather
// than truncate a path that is already longer.
func PadPath(path []Position, n int) ([]Position, error) {
	if len(path) == 0 {
		return nil, encodingErr("path", "empty path")
	}
	if len(path) > n {
		return nil, encodingErr("path", "length %d exceeds capacity %d", len(path), n)
	}
	out := make([]Position, n)
	copy(out, path)
	for i := len(path); i < n; i++ {
		out[i] = path[len(path)-1]
	}
	return out, nil
}

// ExplorationCommit binds a player's exploration strategy to its identity tag
// and genesis commitment.
func ExplorationCommit(playerTag, genesis Hash, strategy, salt Salt) Hash {
	return mimc(playerTag.Big(), genesis.Big(), strategy.Big(), salt.Big())
}

// PlayerTag maps a participant address to a field element.
func PlayerTag(address string) Hash {
	return Commit([]byte(address))
}
