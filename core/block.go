package core

import (
	"encoding/json"
	"time"

	"github.com/tolelom/braid/crypto"
)

// NoParent is the parent hash of the genesis block.
const NoParent = "0000000000000000000000000000000000000000000000000000000000000000"

// BlockHeader is the sealed part of a ledger block.
type BlockHeader struct {
	ChainID   string `json:"chain_id"`
	Height    int64  `json:"height"`
	PrevHash  string `json:"prev_hash"`
	StateRoot string `json:"state_root"` // state after executing Ops
	OpsRoot   string `json:"ops_root"`
	Timestamp int64  `json:"timestamp"` // unix nanoseconds
	Sealer    string `json:"sealer"`
}

// Block is a batch of ledger operations sealed by a validator.
type Block struct {
	Header    BlockHeader    `json:"header"`
	Ops       []*Transaction `json:"ops"`
	Hash      string         `json:"hash"`
	Signature string         `json:"signature"`
}

// NewBlock returns an unsealed block following prevHash.
func NewBlock(chainID string, height int64, prevHash, sealer string, ops []*Transaction, at time.Time) *Block {
	return &Block{
		Header: BlockHeader{
			ChainID:   chainID,
			Height:    height,
			PrevHash:  prevHash,
			OpsRoot:   OpsRoot(ops),
			Timestamp: at.UnixNano(),
			Sealer:    sealer,
		},
		Ops: ops,
	}
}

// Digest hashes the header.
func (b *Block) Digest() string {
	// A header of strings and integers always marshals.
	data, _ := json.Marshal(b.Header)
	return crypto.Hash(data)
}

// Seal fixes the header hash and signs it.
func (b *Block) Seal(priv crypto.PrivateKey) {
	b.Hash = b.Digest()
	b.Signature = crypto.Sign(priv, []byte(b.Hash))
}

// VerifySeal checks that the hash matches the header and was signed by pub.
func (b *Block) VerifySeal(pub crypto.PublicKey) error {
	if b.Hash != b.Digest() {
		return ErrBadSignature
	}
	return crypto.Verify(pub, []byte(b.Hash), b.Signature)
}

// Time returns the block timestamp.
func (b *Block) Time() time.Time { return time.Unix(0, b.Header.Timestamp).UTC() }

// OpsRoot is a binary hash tree over the operation hashes. An odd node is
// paired with itself.
func OpsRoot(ops []*Transaction) string {
	if len(ops) == 0 {
		return crypto.Hash(nil)
	}
	level := make([]string, len(ops))
	for i, tx := range ops {
		level[i] = tx.Hash()
	}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, crypto.Hash([]byte(level[i]+right)))
		}
		level = next
	}
	return level[0]
}
