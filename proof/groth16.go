package proof

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/crypto"
)

// Options configures a Groth16Gateway.
type Options struct {
	Grid commitment.Grid
	// MaxPath is the solvability path capacity; 0 means one slot per cell.
	MaxPath int
	// KeyDir holds proving and verifying keys. Keys found there are reused;
	// missing ones are generated and written back. Empty keeps keys in memory.
	KeyDir string
	// Parallelism bounds concurrent proving; 0 means 1.
	Parallelism int64
}

type compiled struct {
	cs constraint.ConstraintSystem
	pk groth16.ProvingKey
	vk groth16.VerifyingKey
	id string
}

// Groth16Gateway implements Gateway with gnark Groth16 proofs on BN254 for
// one grid geometry.
type Groth16Gateway struct {
	grid     commitment.Grid
	maxPath  int
	circuits map[Kind]*compiled
	sem      *semaphore.Weighted
	logger   zerolog.Logger
}

// NewGroth16Gateway compiles the circuits for opts.Grid and loads or
// generates their keys.
func NewGroth16Gateway(opts Options) (*Groth16Gateway, error) {
	if opts.Grid.Cells() == 0 {
		return nil, errors.New("proof: zero-sized grid")
	}
	if opts.MaxPath <= 0 {
		opts.MaxPath = opts.Grid.Cells()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	g := &Groth16Gateway{
		grid:     opts.Grid,
		maxPath:  opts.MaxPath,
		circuits: make(map[Kind]*compiled, 3),
		sem:      semaphore.NewWeighted(opts.Parallelism),
		logger:   log.With().Str("component", "proof").Logger(),
	}
	if opts.KeyDir != "" {
		if err := os.MkdirAll(opts.KeyDir, 0o755); err != nil {
			return nil, err
		}
	}

	defs := map[Kind]frontend.Circuit{
		KindMove:         &moveCircuit{width: opts.Grid.Width, height: opts.Grid.Height},
		KindSolvability:  newSolvabilityCircuit(opts.Grid, opts.MaxPath),
		KindNonCollusion: &nonCollusionCircuit{},
	}
	for kind, circuit := range defs {
		c, err := g.load(kind, circuit, opts.KeyDir)
		if err != nil {
			return nil, errors.Wrapf(err, "proof: %s circuit", kind)
		}
		g.circuits[kind] = c
	}
	return g, nil
}

// MaxPath is the solvability path capacity.
func (g *Groth16Gateway) MaxPath() int { return g.maxPath }

func (g *Groth16Gateway) keyBase(kind Kind, dir string) string {
	name := fmt.Sprintf("%s-%dx%d", kind, g.grid.Width, g.grid.Height)
	if kind == KindSolvability {
		name += fmt.Sprintf("-p%d", g.maxPath)
	}
	return filepath.Join(dir, name)
}

func (g *Groth16Gateway) load(kind Kind, circuit frontend.Circuit, dir string) (*compiled, error) {
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return nil, err
	}
	c := &compiled{cs: cs}

	base := ""
	if dir != "" {
		base = g.keyBase(kind, dir)
		if vk, pk, err := readKeys(base+".vk", base+".pk"); err == nil {
			c.vk, c.pk = vk, pk
		}
	}
	if c.vk == nil {
		g.logger.Info().Str("circuit", string(kind)).Int("constraints", cs.GetNbConstraints()).Msg("running groth16 setup")
		c.pk, c.vk, err = groth16.Setup(cs)
		if err != nil {
			return nil, err
		}
		if base != "" {
			if err := writeKey(base+".vk", c.vk); err != nil {
				return nil, err
			}
			if err := writeKey(base+".pk", c.pk); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if _, err := c.vk.WriteTo(&buf); err != nil {
		return nil, err
	}
	c.id = crypto.Hash(buf.Bytes())[:16]
	return c, nil
}

// prove runs the prover off the caller's goroutine. Cancelling ctx returns
// immediately; the abandoned proof still holds its semaphore slot until the
// prover finishes.
func (g *Groth16Gateway) prove(ctx context.Context, kind Kind, assignment frontend.Circuit) (Proof, error) {
	if err := ctx.Err(); err != nil {
		return Proof{}, err
	}
	c := g.circuits[kind]
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Proof{}, err
	}

	type result struct {
		blob []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer g.sem.Release(1)
		wit, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
		if err != nil {
			done <- result{err: err}
			return
		}
		pr, err := groth16.Prove(c.cs, c.pk, wit)
		if err != nil {
			done <- result{err: errors.Wrap(ErrInvalidWitness, err.Error())}
			return
		}
		var buf bytes.Buffer
		if _, err := pr.WriteTo(&buf); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{blob: buf.Bytes()}
	}()

	select {
	case <-ctx.Done():
		g.logger.Debug().Str("circuit", string(kind)).Msg("proof request cancelled")
		return Proof{}, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return Proof{}, r.err
		}
		return Proof{Kind: kind, Key: c.id, Blob: r.blob}, nil
	}
}

func (g *Groth16Gateway) verify(kind Kind, p Proof, public frontend.Circuit) bool {
	c, ok := g.circuits[kind]
	if !ok || p.Kind != kind || p.Key != c.id || len(p.Blob) == 0 {
		return false
	}
	pubWit, err := frontend.NewWitness(public, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false
	}
	pr := groth16.NewProof(ecc.BN254)
	if _, err := pr.ReadFrom(bytes.NewReader(p.Blob)); err != nil {
		return false
	}
	return groth16.Verify(pr, c.vk, pubWit) == nil
}

func (g *Groth16Gateway) RequestMoveProof(ctx context.Context, w MoveWitness) (Proof, error) {
	next, err := CheckMove(w, g.grid)
	if err != nil {
		return Proof{}, err
	}
	assign := &moveCircuit{
		Prev:       w.Prev.Big(),
		Next:       next.Big(),
		PrevPrev:   w.PrevPrev.Big(),
		PrevAction: uint64(w.PrevAction),
		PrevX:      uint64(w.PrevPos.X),
		PrevY:      uint64(w.PrevPos.Y),
		PrevSalt:   w.PrevSalt.Big(),
		Action:     uint64(w.Action),
		Salt:       w.Salt.Big(),
	}
	return g.prove(ctx, KindMove, assign)
}

func (g *Groth16Gateway) VerifyMoveProof(prev, next commitment.Hash, p Proof) bool {
	if !prev.Canonical() || !next.Canonical() {
		return false
	}
	return g.verify(KindMove, p, &moveCircuit{Prev: prev.Big(), Next: next.Big()})
}

func (g *Groth16Gateway) RequestSolvabilityProof(ctx context.Context, w SolvabilityWitness) (Proof, error) {
	padded, err := CheckSolvability(w, g.grid, g.maxPath)
	if err != nil {
		return Proof{}, err
	}
	assign := newSolvabilityCircuit(g.grid, g.maxPath)
	setSolvabilityStatement(assign, w.SolvabilityStatement)
	for i := range w.Walls {
		assign.Walls[i] = uint64(w.Walls[i])
		assign.Salts[i] = w.Salts[i].Big()
	}
	for k, p := range padded {
		assign.PathX[k] = uint64(p.X)
		assign.PathY[k] = uint64(p.Y)
	}
	return g.prove(ctx, KindSolvability, assign)
}

func (g *Groth16Gateway) VerifySolvabilityProof(st SolvabilityStatement, p Proof) bool {
	if !g.grid.Contains(st.Start) || !g.grid.Contains(st.Treasure) ||
		!st.MazeRoot.Canonical() || !st.PathCommit.Canonical() {
		return false
	}
	public := newSolvabilityCircuit(g.grid, g.maxPath)
	setSolvabilityStatement(public, st)
	return g.verify(KindSolvability, p, public)
}

func setSolvabilityStatement(c *solvabilityCircuit, st SolvabilityStatement) {
	c.Root = st.MazeRoot.Big()
	c.PathCommit = st.PathCommit.Big()
	c.StartX = uint64(st.Start.X)
	c.StartY = uint64(st.Start.Y)
	c.TreasureX = uint64(st.Treasure.X)
	c.TreasureY = uint64(st.Treasure.Y)
}

func (g *Groth16Gateway) RequestNonCollusionProof(ctx context.Context, w ExplorationWitness) (Proof, error) {
	if err := CheckExploration(w); err != nil {
		return Proof{}, err
	}
	assign := &nonCollusionCircuit{
		Commitment: w.Commitment.Big(),
		PlayerTag:  w.PlayerTag.Big(),
		Genesis:    w.Genesis.Big(),
		Strategy:   w.Strategy.Big(),
		Salt:       w.Salt.Big(),
	}
	return g.prove(ctx, KindNonCollusion, assign)
}

func (g *Groth16Gateway) VerifyNonCollusionProof(st ExplorationStatement, p Proof) bool {
	if !st.Commitment.Canonical() || !st.PlayerTag.Canonical() || !st.Genesis.Canonical() {
		return false
	}
	return g.verify(KindNonCollusion, p, &nonCollusionCircuit{
		Commitment: st.Commitment.Big(),
		PlayerTag:  st.PlayerTag.Big(),
		Genesis:    st.Genesis.Big(),
	})
}

// --- key IO helpers using io.WriterTo / io.ReaderFrom ---

type keyWriter interface {
	WriteTo(w io.Writer) (int64, error)
}

func writeKey(path string, k keyWriter) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = k.WriteTo(f)
	return err
}

func readKeys(vkPath, pkPath string) (groth16.VerifyingKey, groth16.ProvingKey, error) {
	vf, err := os.Open(vkPath)
	if err != nil {
		return nil, nil, err
	}
	defer vf.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(vf); err != nil {
		return nil, nil, err
	}

	pf, err := os.Open(pkPath)
	if err != nil {
		return nil, nil, err
	}
	defer pf.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	if _, err := pk.ReadFrom(pf); err != nil {
		return nil, nil, err
	}
	return vk, pk, nil
}

var _ Gateway = (*Groth16Gateway)(nil)
