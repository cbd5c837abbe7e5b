package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes is the SHA-256 digest of data. Every ledger and channel digest
// uses it.
func HashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Hash is HashBytes in lowercase hex, the form block and op hashes take.
func Hash(data []byte) string { return hex.EncodeToString(HashBytes(data)) }
