package commitment

// Wall bits of a maze cell.
const (
	WallN uint8 = 1 << iota
	WallE
	WallS
	WallW

	AllWalls = WallN | WallE | WallS | WallW
)

// WallFor returns the wall bit that blocks action a.
func WallFor(a Action) uint8 {
	switch a {
	case North:
		return WallN
	case East:
		return WallE
	case South:
		return WallS
	case West:
		return WallW
	}
	return 0
}

// CellLeaf commits to one maze cell: its row-major index, wall mask and salt.
func CellLeaf(index int, walls uint8, salt Salt) Hash {
	return mimc(u64(uint64(index)), u64(uint64(walls)), salt.Big())
}

// Node merges two tree children.
func Node(left, right Hash) Hash {
	return mimc(left.Big(), right.Big())
}

// Tree is a fixed-size binary Merkle tree stored level by level.
// Levels[0] holds the leaves, padded with Zero up to a power of two.
type Tree struct {
	Levels [][]Hash `json:"levels"`
}

// TreeWidth returns the padded leaf count for n leaves.
func TreeWidth(n int) int {
	w := 1
	for w < n {
		w <<= 1
	}
	return w
}

// BuildTree builds a tree over leaves.
func BuildTree(leaves []Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, encodingErr("tree", "no leaves")
	}
	size := TreeWidth(len(leaves))
	l0 := make([]Hash, size)
	copy(l0, leaves)

	levels := [][]Hash{l0}
	for n := size; n > 1; n /= 2 {
		prev := levels[len(levels)-1]
		up := make([]Hash, n/2)
		for i := range up {
			up[i] = Node(prev[2*i], prev[2*i+1])
		}
		levels = append(levels, up)
	}
	return &Tree{Levels: levels}, nil
}

// Depth is the number of levels above the leaves.
func (t *Tree) Depth() int { return len(t.Levels) - 1 }

// Root returns the tree root.
func (t *Tree) Root() Hash { return t.Levels[len(t.Levels)-1][0] }

// Path returns the sibling hashes for leaf idx from the bottom up.
func (t *Tree) Path(idx int) ([]Hash, error) {
	if idx < 0 || idx >= len(t.Levels[0]) {
		return nil, encodingErr("index", "leaf %d out of range", idx)
	}
	path := make([]Hash, 0, t.Depth())
	cur := idx
	for level := 0; level < t.Depth(); level++ {
		path = append(path, t.Levels[level][cur^1])
		cur /= 2
	}
	return path, nil
}

// VerifyPath checks that leaf sits at idx under root. The direction at each
// level comes from the bits of idx.
func VerifyPath(root, leaf Hash, idx int, path []Hash) bool {
	if idx < 0 || idx >= 1<<len(path) {
		return false
	}
	cur := leaf
	for level, sib := range path {
		if (idx>>level)&1 == 1 {
			cur = Node(sib, cur)
		} else {
			cur = Node(cur, sib)
		}
	}
	return cur == root
}
