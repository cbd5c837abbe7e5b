// Package maze generates committed mazes and serves masked sections of
// them. The Authority only ever exposes a maze whose solvability proof
// verified.
package maze

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/proof"
)

// ErrUnsolvable is returned when no path joins start and treasure.
var ErrUnsolvable = errors.New("maze has no path from start to treasure")

var actions = []commitment.Action{commitment.North, commitment.East, commitment.South, commitment.West}

// Maze is the dungeon's private view of one maze.
type Maze struct {
	ID       string                `json:"id"`
	Grid     commitment.Grid       `json:"grid"`
	Walls    []uint8               `json:"walls"`
	Salts    []commitment.Salt     `json:"salts"`
	Start    commitment.Position   `json:"start"`
	Treasure commitment.Position   `json:"treasure"`
	Path     []commitment.Position `json:"path,omitempty"`

	tree *commitment.Tree
}

func opposite(a commitment.Action) commitment.Action {
	return (a + 2) % 4
}

// Generate carves a perfect maze with randomized Prim's algorithm. The
// start is the top-left corner and the treasure the centre cell. rng drives
// the layout only; cell salts always come from crypto/rand.
func Generate(g commitment.Grid, rng *rand.Rand) (*Maze, error) {
	n := g.Cells()
	if n == 0 {
		return nil, errors.New("maze: zero-sized grid")
	}
	m := &Maze{
		Grid:     g,
		Walls:    make([]uint8, n),
		Salts:    make([]commitment.Salt, n),
		Start:    commitment.Position{X: 0, Y: 0},
		Treasure: commitment.Position{X: g.Width / 2, Y: g.Height / 2},
	}
	for i := range m.Walls {
		m.Walls[i] = commitment.AllWalls
		s, err := commitment.NewSalt()
		if err != nil {
			return nil, err
		}
		m.Salts[i] = s
	}

	type edge struct {
		from commitment.Position
		dir  commitment.Action
	}
	visited := make([]bool, n)
	var frontier []edge
	visit := func(p commitment.Position) {
		visited[g.Index(p)] = true
		for _, a := range actions {
			if next, err := commitment.Apply(p, a, g); err == nil && !visited[g.Index(next)] {
				frontier = append(frontier, edge{p, a})
			}
		}
	}

	visit(g.At(rng.Intn(n)))
	for len(frontier) > 0 {
		i := rng.Intn(len(frontier))
		e := frontier[i]
		frontier[i] = frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		next, _ := commitment.Apply(e.from, e.dir, g)
		if visited[g.Index(next)] {
			continue
		}
		m.Walls[g.Index(e.from)] &^= commitment.WallFor(e.dir)
		m.Walls[g.Index(next)] &^= commitment.WallFor(opposite(e.dir))
		visit(next)
	}
	return m, nil
}

// CanMove reports whether a step from pos in direction a stays inside the
// grid and crosses no wall of pos's cell.
func (m *Maze) CanMove(pos commitment.Position, a commitment.Action) bool {
	if !m.Grid.Contains(pos) || !a.Valid() {
		return false
	}
	if _, err := commitment.Apply(pos, a, m.Grid); err != nil {
		return false
	}
	return m.Walls[m.Grid.Index(pos)]&commitment.WallFor(a) == 0
}

// Solve finds a shortest path from start to treasure by breadth-first search.
func (m *Maze) Solve() ([]commitment.Position, error) {
	n := m.Grid.Cells()
	prev := make([]int, n)
	for i := range prev {
		prev[i] = -1
	}
	start, goal := m.Grid.Index(m.Start), m.Grid.Index(m.Treasure)
	prev[start] = start
	queue := []int{start}
	for len(queue) > 0 && prev[goal] == -1 {
		cur := queue[0]
		queue = queue[1:]
		pos := m.Grid.At(cur)
		for _, a := range actions {
			if !m.CanMove(pos, a) {
				continue
			}
			next, _ := commitment.Apply(pos, a, m.Grid)
			ni := m.Grid.Index(next)
			if prev[ni] == -1 {
				prev[ni] = cur
				queue = append(queue, ni)
			}
		}
	}
	if prev[goal] == -1 {
		return nil, ErrUnsolvable
	}
	var rev []commitment.Position
	for i := goal; ; i = prev[i] {
		rev = append(rev, m.Grid.At(i))
		if i == start {
			break
		}
	}
	path := make([]commitment.Position, len(rev))
	for i := range rev {
		path[i] = rev[len(rev)-1-i]
	}
	return path, nil
}

// Tree returns the Merkle tree over the salted cell leaves.
func (m *Maze) Tree() *commitment.Tree {
	if m.tree == nil {
		leaves := make([]commitment.Hash, len(m.Walls))
		for i := range leaves {
			leaves[i] = commitment.CellLeaf(i, m.Walls[i], m.Salts[i])
		}
		// BuildTree only fails on an empty leaf set, which Generate rules out.
		m.tree, _ = commitment.BuildTree(leaves)
	}
	return m.tree
}

// Root is the maze commitment.
func (m *Maze) Root() commitment.Hash { return m.Tree().Root() }

// Witness assembles the solvability witness for m's stored path.
func (m *Maze) Witness(maxPath int) (proof.SolvabilityWitness, error) {
	if len(m.Path) == 0 {
		return proof.SolvabilityWitness{}, errors.New("maze: no solution path")
	}
	padded, err := commitment.PadPath(m.Path, maxPath)
	if err != nil {
		return proof.SolvabilityWitness{}, err
	}
	pc, err := commitment.CommitPath(padded, m.Grid)
	if err != nil {
		return proof.SolvabilityWitness{}, err
	}
	return proof.SolvabilityWitness{
		SolvabilityStatement: proof.SolvabilityStatement{
			MazeRoot:   m.Root(),
			PathCommit: pc,
			Start:      m.Start,
			Treasure:   m.Treasure,
		},
		Walls: m.Walls,
		Salts: m.Salts,
		Path:  m.Path,
	}, nil
}

// Cell is one revealed maze cell with its inclusion proof.
type Cell struct {
	Position commitment.Position `json:"position"`
	Walls    uint8               `json:"walls"`
	Salt     commitment.Salt     `json:"salt"`
	Proof    []commitment.Hash   `json:"proof"`
}

// Section returns every cell within radius steps (Chebyshev distance) of
// pos, each with its Merkle path to the maze root.
func (m *Maze) Section(pos commitment.Position, radius int) ([]Cell, error) {
	if !m.Grid.Contains(pos) {
		return nil, errors.Errorf("maze: position (%d,%d) outside grid", pos.X, pos.Y)
	}
	tree := m.Tree()
	var cells []Cell
	for y := int(pos.Y) - radius; y <= int(pos.Y)+radius; y++ {
		for x := int(pos.X) - radius; x <= int(pos.X)+radius; x++ {
			if x < 0 || y < 0 {
				continue
			}
			p := commitment.Position{X: uint32(x), Y: uint32(y)}
			if !m.Grid.Contains(p) {
				continue
			}
			idx := m.Grid.Index(p)
			path, err := tree.Path(idx)
			if err != nil {
				return nil, err
			}
			cells = append(cells, Cell{Position: p, Walls: m.Walls[idx], Salt: m.Salts[idx], Proof: path})
		}
	}
	return cells, nil
}

// VerifyCell checks a revealed cell against a maze root.
func VerifyCell(root commitment.Hash, g commitment.Grid, c Cell) bool {
	if !g.Contains(c.Position) {
		return false
	}
	idx := g.Index(c.Position)
	return commitment.VerifyPath(root, commitment.CellLeaf(idx, c.Walls, c.Salt), idx, c.Proof)
}
