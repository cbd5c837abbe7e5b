package proof

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/tolelom/braid/commitment"
)

// hashIn is the in-circuit counterpart of the commitment package's MiMC.
func hashIn(api frontend.API, elems ...frontend.Variable) (frontend.Variable, error) {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	h.Write(elems...)
	return h.Sum(), nil
}

// actionDelta maps a 2-bit action to its unit step. North is (0,-1).
func actionDelta(api frontend.API, action frontend.Variable) (dx, dy frontend.Variable) {
	bits := api.ToBinary(action, 2)
	b0, b1 := bits[0], bits[1]
	dy = api.Mul(api.Sub(1, b0), api.Sub(api.Mul(2, b1), 1))
	dx = api.Mul(b0, api.Sub(1, api.Mul(2, b1)))
	return dx, dy
}

// moveCircuit proves Next = Chain(Prev, Action, prevPos+delta, Salt) where
// prevPos is the position Prev commits to, and that the new cell is inside
// the grid.
type moveCircuit struct {
	Prev frontend.Variable `gnark:",public"`
	Next frontend.Variable `gnark:",public"`

	PrevPrev   frontend.Variable
	PrevAction frontend.Variable
	PrevX      frontend.Variable
	PrevY      frontend.Variable
	PrevSalt   frontend.Variable
	Action     frontend.Variable
	Salt       frontend.Variable

	width, height uint32
}

func (c *moveCircuit) Define(api frontend.API) error {
	prev, err := hashIn(api, c.PrevPrev, c.PrevAction, c.PrevX, c.PrevY, c.PrevSalt)
	if err != nil {
		return err
	}
	api.AssertIsEqual(prev, c.Prev)

	dx, dy := actionDelta(api, c.Action)
	x := api.Add(c.PrevX, dx)
	y := api.Add(c.PrevY, dy)
	api.AssertIsLessOrEqual(x, int(c.width)-1)
	api.AssertIsLessOrEqual(y, int(c.height)-1)

	next, err := hashIn(api, c.Prev, c.Action, x, y, c.Salt)
	if err != nil {
		return err
	}
	api.AssertIsEqual(next, c.Next)
	return nil
}

// solvabilityCircuit proves that a committed path walks from start to
// treasure through a committed maze without crossing a wall.
type solvabilityCircuit struct {
	Root       frontend.Variable `gnark:",public"`
	PathCommit frontend.Variable `gnark:",public"`
	StartX     frontend.Variable `gnark:",public"`
	StartY     frontend.Variable `gnark:",public"`
	TreasureX  frontend.Variable `gnark:",public"`
	TreasureY  frontend.Variable `gnark:",public"`

	Walls []frontend.Variable
	Salts []frontend.Variable
	PathX []frontend.Variable
	PathY []frontend.Variable

	width, height uint32
	treeWidth     int
}

func newSolvabilityCircuit(g commitment.Grid, maxPath int) *solvabilityCircuit {
	n := g.Cells()
	return &solvabilityCircuit{
		Walls:     make([]frontend.Variable, n),
		Salts:     make([]frontend.Variable, n),
		PathX:     make([]frontend.Variable, maxPath),
		PathY:     make([]frontend.Variable, maxPath),
		width:     g.Width,
		height:    g.Height,
		treeWidth: commitment.TreeWidth(n),
	}
}

func (c *solvabilityCircuit) Define(api frontend.API) error {
	n := len(c.Walls)

	// maze root over salted cell leaves
	level := make([]frontend.Variable, c.treeWidth)
	wallBits := make([][]frontend.Variable, n)
	for i := 0; i < c.treeWidth; i++ {
		if i >= n {
			level[i] = 0
			continue
		}
		wallBits[i] = api.ToBinary(c.Walls[i], 4)
		leaf, err := hashIn(api, i, c.Walls[i], c.Salts[i])
		if err != nil {
			return err
		}
		level[i] = leaf
	}
	for len(level) > 1 {
		up := make([]frontend.Variable, len(level)/2)
		for i := range up {
			node, err := hashIn(api, level[2*i], level[2*i+1])
			if err != nil {
				return err
			}
			up[i] = node
		}
		level = up
	}
	api.AssertIsEqual(level[0], c.Root)

	// path commitment
	elems := make([]frontend.Variable, 0, 1+2*len(c.PathX))
	elems = append(elems, len(c.PathX))
	for k := range c.PathX {
		api.AssertIsLessOrEqual(c.PathX[k], int(c.width)-1)
		api.AssertIsLessOrEqual(c.PathY[k], int(c.height)-1)
		elems = append(elems, c.PathX[k], c.PathY[k])
	}
	pc, err := hashIn(api, elems...)
	if err != nil {
		return err
	}
	api.AssertIsEqual(pc, c.PathCommit)

	last := len(c.PathX) - 1
	api.AssertIsEqual(c.PathX[0], c.StartX)
	api.AssertIsEqual(c.PathY[0], c.StartY)
	api.AssertIsEqual(c.PathX[last], c.TreasureX)
	api.AssertIsEqual(c.PathY[last], c.TreasureY)

	// every step stays put or crosses an open side of the current cell
	for k := 0; k < last; k++ {
		dx := api.Sub(c.PathX[k+1], c.PathX[k])
		dy := api.Sub(c.PathY[k+1], c.PathY[k])
		dx2 := api.Mul(dx, dx)
		dy2 := api.Mul(dy, dy)
		dist := api.Add(dx2, dy2)
		api.AssertIsEqual(api.Mul(dist, api.Sub(dist, 1)), 0)

		idx := api.Add(api.Mul(c.PathY[k], int(c.width)), c.PathX[k])
		var bN, bE, bS, bW frontend.Variable = 0, 0, 0, 0
		for cell := 0; cell < n; cell++ {
			sel := api.IsZero(api.Sub(idx, cell))
			bN = api.Add(bN, api.Mul(sel, wallBits[cell][0]))
			bE = api.Add(bE, api.Mul(sel, wallBits[cell][1]))
			bS = api.Add(bS, api.Mul(sel, wallBits[cell][2]))
			bW = api.Add(bW, api.Mul(sel, wallBits[cell][3]))
		}

		east := api.Div(api.Add(dx2, dx), 2)
		west := api.Div(api.Sub(dx2, dx), 2)
		south := api.Div(api.Add(dy2, dy), 2)
		north := api.Div(api.Sub(dy2, dy), 2)
		blocked := api.Add(
			api.Mul(east, bE), api.Mul(west, bW),
			api.Mul(south, bS), api.Mul(north, bN),
		)
		api.AssertIsEqual(blocked, 0)
	}
	return nil
}

// nonCollusionCircuit proves knowledge of the strategy and salt behind an
// exploration commitment bound to a player and its genesis commitment.
type nonCollusionCircuit struct {
	Commitment frontend.Variable `gnark:",public"`
	PlayerTag  frontend.Variable `gnark:",public"`
	Genesis    frontend.Variable `gnark:",public"`

	Strategy frontend.Variable
	Salt     frontend.Variable
}

func (c *nonCollusionCircuit) Define(api frontend.API) error {
	h, err := hashIn(api, c.PlayerTag, c.Genesis, c.Strategy, c.Salt)
	if err != nil {
		return err
	}
	api.AssertIsEqual(h, c.Commitment)
	return nil
}
