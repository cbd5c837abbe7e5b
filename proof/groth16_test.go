package proof

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/commitment"
)

var (
	testGrid = commitment.Grid{Width: 3, Height: 3}

	gwOnce sync.Once
	gw     *Groth16Gateway
	gwErr  error
	gwDir  string
)

func gateway(t *testing.T) *Groth16Gateway {
	t.Helper()
	gwOnce.Do(func() {
		gwDir, gwErr = osTempDir()
		if gwErr != nil {
			return
		}
		gw, gwErr = NewGroth16Gateway(Options{Grid: testGrid, KeyDir: gwDir, Parallelism: 2})
	})
	require.NoError(t, gwErr)
	return gw
}

func salt(t *testing.T) commitment.Salt {
	t.Helper()
	s, err := commitment.NewSalt()
	require.NoError(t, err)
	return s
}

func genesisWitness(t *testing.T, a commitment.Action) (MoveWitness, commitment.Hash) {
	t.Helper()
	start := commitment.Position{X: 0, Y: 0}
	s0 := salt(t)
	gen, err := commitment.Genesis(start, s0, testGrid)
	require.NoError(t, err)
	w := MoveWitness{
		Prev:       gen,
		PrevAction: commitment.ActionNone,
		PrevPos:    start,
		PrevSalt:   s0,
		Action:     a,
		Salt:       salt(t),
	}
	next, err := CheckMove(w, testGrid)
	require.NoError(t, err)
	return w, next
}

func TestMoveProofRoundTrip(t *testing.T) {
	g := gateway(t)
	w, next := genesisWitness(t, commitment.East)

	p, err := g.RequestMoveProof(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, KindMove, p.Kind)
	assert.True(t, g.VerifyMoveProof(w.Prev, next, p))
	// verification is idempotent
	assert.True(t, g.VerifyMoveProof(w.Prev, next, p))

	other := commitment.Commit([]byte("elsewhere"))
	assert.False(t, g.VerifyMoveProof(w.Prev, other, p))
	assert.False(t, g.VerifyMoveProof(other, next, p))
}

func TestMoveProofRejectsLeavingGrid(t *testing.T) {
	g := gateway(t)
	w, _ := genesisWitness(t, commitment.East)
	w.Action = commitment.North

	_, err := g.RequestMoveProof(context.Background(), w)
	assert.ErrorIs(t, err, ErrInvalidWitness)
}

func TestMalformedProofIsInvalid(t *testing.T) {
	g := gateway(t)
	w, next := genesisWitness(t, commitment.South)

	assert.False(t, g.VerifyMoveProof(w.Prev, next, Proof{Kind: KindMove, Key: g.circuits[KindMove].id, Blob: []byte("junk")}))
	assert.False(t, g.VerifyMoveProof(w.Prev, next, Proof{}))

	p, err := g.RequestMoveProof(context.Background(), w)
	require.NoError(t, err)
	p.Kind = KindNonCollusion
	assert.False(t, g.VerifyMoveProof(w.Prev, next, p))
}

func TestCancelledRequestReturnsImmediately(t *testing.T) {
	g := gateway(t)
	w, _ := genesisWitness(t, commitment.East)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.RequestMoveProof(ctx, w)
	assert.ErrorIs(t, err, context.Canceled)
}

// 3x3 maze, start (0,0), treasure (1,1):
//
//	+--+--+--+
//	|S    |  |
//	+--+  +  +
//	|  |T    |
//	+--+--+--+
//	|        |
//	+--+--+--+
func solvableWitness(t *testing.T) SolvabilityWitness {
	t.Helper()
	walls := []uint8{
		commitment.WallN | commitment.WallW | commitment.WallS, commitment.WallN | commitment.WallE, commitment.AllWalls &^ commitment.WallS,
		commitment.AllWalls, commitment.WallS | commitment.WallW, commitment.WallN | commitment.WallE | commitment.WallS,
		commitment.WallN | commitment.WallW | commitment.WallS, commitment.WallN | commitment.WallS, commitment.WallN | commitment.WallE | commitment.WallS,
	}
	salts := make([]commitment.Salt, len(walls))
	leaves := make([]commitment.Hash, len(walls))
	for i := range walls {
		salts[i] = salt(t)
		leaves[i] = commitment.CellLeaf(i, walls[i], salts[i])
	}
	tree, err := commitment.BuildTree(leaves)
	require.NoError(t, err)

	path := []commitment.Position{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}}
	padded, err := commitment.PadPath(path, testGrid.Cells())
	require.NoError(t, err)
	pc, err := commitment.CommitPath(padded, testGrid)
	require.NoError(t, err)

	return SolvabilityWitness{
		SolvabilityStatement: SolvabilityStatement{
			MazeRoot:   tree.Root(),
			PathCommit: pc,
			Start:      path[0],
			Treasure:   path[2],
		},
		Walls: walls,
		Salts: salts,
		Path:  path,
	}
}

func TestSolvabilityProof(t *testing.T) {
	g := gateway(t)
	w := solvableWitness(t)

	p, err := g.RequestSolvabilityProof(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, g.VerifySolvabilityProof(w.SolvabilityStatement, p))

	moved := w.SolvabilityStatement
	moved.Treasure = commitment.Position{X: 2, Y: 2}
	assert.False(t, g.VerifySolvabilityProof(moved, p))
}

func TestSolvabilityRejectsWallCrossing(t *testing.T) {
	g := gateway(t)
	w := solvableWitness(t)
	// (0,0) -> (0,1) crosses the south wall of the start cell
	w.Path = []commitment.Position{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}}

	_, err := g.RequestSolvabilityProof(context.Background(), w)
	assert.ErrorIs(t, err, ErrInvalidWitness)
}

func TestNonCollusionProof(t *testing.T) {
	g := gateway(t)
	tag := commitment.PlayerTag("player-1")
	gen := commitment.Commit([]byte("genesis"))
	strategy, s := salt(t), salt(t)
	w := ExplorationWitness{
		ExplorationStatement: ExplorationStatement{
			Commitment: commitment.ExplorationCommit(tag, gen, strategy, s),
			PlayerTag:  tag,
			Genesis:    gen,
		},
		Strategy: strategy,
		Salt:     s,
	}
	p, err := g.RequestNonCollusionProof(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, g.VerifyNonCollusionProof(w.ExplorationStatement, p))

	st := w.ExplorationStatement
	st.PlayerTag = commitment.PlayerTag("player-2")
	assert.False(t, g.VerifyNonCollusionProof(st, p))
}

func TestKeysArePersistedAndReused(t *testing.T) {
	g := gateway(t)
	again, err := NewGroth16Gateway(Options{Grid: testGrid, KeyDir: gwDir})
	require.NoError(t, err)
	for kind, c := range g.circuits {
		assert.Equal(t, c.id, again.circuits[kind].id, "kind %s", kind)
	}

	w, next := genesisWitness(t, commitment.East)
	p, err := g.RequestMoveProof(context.Background(), w)
	require.NoError(t, err)
	assert.True(t, again.VerifyMoveProof(w.Prev, next, p))
}

func osTempDir() (string, error) { return os.MkdirTemp("", "braid-keys-") }
