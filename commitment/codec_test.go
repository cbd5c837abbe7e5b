package commitment

import (
	"encoding/json"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var grid = Grid{Width: 8, Height: 8}

func mustSalt(t *testing.T) Salt {
	t.Helper()
	s, err := NewSalt()
	require.NoError(t, err)
	return s
}

func hamming(a, b Hash) int {
	n := 0
	for i := range a {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}

func TestChainDeterministic(t *testing.T) {
	salt := mustSalt(t)
	prev := Commit([]byte("prev"))

	a, err := Chain(prev, East, Position{X: 3, Y: 2}, salt, grid)
	require.NoError(t, err)
	b, err := Chain(prev, East, Position{X: 3, Y: 2}, salt, grid)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestChainOrderSensitive(t *testing.T) {
	salt := mustSalt(t)
	// prev encodes the same small integers as the position to make a naive
	// concatenation collide.
	prev, err := HashFromBig(u64(3))
	require.NoError(t, err)

	a, err := Chain(prev, North, Position{X: 5, Y: 5}, salt, grid)
	require.NoError(t, err)
	swappedPrev, err := HashFromBig(u64(5))
	require.NoError(t, err)
	b, err := Chain(swappedPrev, North, Position{X: 3, Y: 3}, salt, grid)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestChainAvalanche(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const trials = 64

	total, flips := 0, 0
	for i := 0; i < trials; i++ {
		var salt Salt
		rng.Read(salt[1:])
		var prev Hash
		rng.Read(prev[1:])
		pos := Position{X: uint32(rng.Intn(4)), Y: uint32(rng.Intn(8))}

		base, err := Chain(prev, South, pos, salt, grid)
		require.NoError(t, err)

		// one bit in prev
		p2 := prev
		p2[1+rng.Intn(31)] ^= 1 << uint(rng.Intn(8))
		out, err := Chain(p2, South, pos, salt, grid)
		require.NoError(t, err)
		require.NotEqual(t, base, out)
		total += hamming(base, out)
		flips++

		// one bit in salt
		s2 := salt
		s2[1+rng.Intn(31)] ^= 1 << uint(rng.Intn(8))
		out, err = Chain(prev, South, pos, s2, grid)
		require.NoError(t, err)
		require.NotEqual(t, base, out)
		total += hamming(base, out)
		flips++

		// lowest bit of x
		pos2 := Position{X: pos.X ^ 1, Y: pos.Y}
		out, err = Chain(prev, South, pos2, salt, grid)
		require.NoError(t, err)
		require.NotEqual(t, base, out)
		total += hamming(base, out)
		flips++
	}

	mean := float64(total) / float64(flips)
	assert.InDelta(t, 126, mean, 16, "mean bit difference %.1f", mean)
}

func TestChainEncodingErrors(t *testing.T) {
	salt := mustSalt(t)
	var encErr *EncodingError

	_, err := Chain(Zero, Action(7), Position{}, salt, grid)
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "action", encErr.Field)

	_, err = Chain(Zero, North, Position{X: 8, Y: 0}, salt, grid)
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "position", encErr.Field)

	var wide Hash
	for i := range wide {
		wide[i] = 0xff
	}
	_, err = Chain(wide, North, Position{}, salt, grid)
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "prev", encErr.Field)

	_, err = Chain(Zero, North, Position{}, Salt(wide), grid)
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "salt", encErr.Field)

	_, err = Genesis(Position{}, salt, Grid{})
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, "grid", encErr.Field)
}

func TestParseHashNeverTruncates(t *testing.T) {
	h := Commit([]byte("x"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash(h.String()[:62])
	assert.Error(t, err)
	_, err = ParseHash(h.String() + "00")
	assert.Error(t, err)

	data, err := json.Marshal(h)
	require.NoError(t, err)
	var back Hash
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, h, back)
}

func TestCommitLengthPrefixed(t *testing.T) {
	assert.NotEqual(t, Commit(nil), Commit([]byte{0}))
	assert.NotEqual(t, Commit([]byte{0}), Commit([]byte{0, 0}))
	assert.Equal(t, Commit([]byte("maze")), Commit([]byte("maze")))
}

func TestApply(t *testing.T) {
	next, err := Apply(Position{X: 0, Y: 0}, East, grid)
	require.NoError(t, err)
	assert.Equal(t, Position{X: 1, Y: 0}, next)

	_, err = Apply(Position{X: 0, Y: 0}, North, grid)
	assert.Error(t, err)
	_, err = Apply(Position{X: 7, Y: 7}, South, grid)
	assert.Error(t, err)
}

func TestCommitPathAndPad(t *testing.T) {
	path := []Position{{0, 0}, {1, 0}, {1, 1}}
	padded, err := PadPath(path, 5)
	require.NoError(t, err)
	assert.Equal(t, Position{1, 1}, padded[4])

	a, err := CommitPath(padded, grid)
	require.NoError(t, err)
	b, err := CommitPath(path, grid)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = PadPath(padded, 2)
	assert.Error(t, err)
	_, err = CommitPath([]Position{{9, 9}}, grid)
	assert.Error(t, err)
}

func TestTreePaths(t *testing.T) {
	leaves := make([]Hash, 5)
	for i := range leaves {
		leaves[i] = CellLeaf(i, uint8(i), mustSalt(t))
	}
	tree, err := BuildTree(leaves)
	require.NoError(t, err)
	assert.Equal(t, 3, tree.Depth())

	for i, leaf := range leaves {
		path, err := tree.Path(i)
		require.NoError(t, err)
		assert.True(t, VerifyPath(tree.Root(), leaf, i, path), "leaf %d", i)
		assert.False(t, VerifyPath(tree.Root(), leaf, (i+1)%len(leaves), path))
	}
	_, err = tree.Path(8)
	assert.Error(t, err)
}
