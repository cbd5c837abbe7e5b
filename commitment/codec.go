// Package commitment encodes positions, paths, moves and maze cells into
// binding commitments. Every digest is a MiMC hash over BN254 scalar field
// elements so the same values can be recomputed inside proof circuits.
package commitment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	bnmimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Size is the byte width of a commitment and of a salt.
const Size = 32

// chunkSize keeps every data chunk strictly below the field modulus.
const chunkSize = 31

// Hash is a commitment digest: a canonical BN254 field element, big-endian.
type Hash [Size]byte

// Salt blinds a commitment. It must be a canonical field element.
type Salt [Size]byte

// Zero is the all-zero hash used as the predecessor of a genesis commitment.
var Zero Hash

// EncodingError reports malformed commitment input. It is always a caller bug
// and is never retried.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("commitment encoding: %s: %s", e.Field, e.Reason)
}

func encodingErr(field, format string, args ...any) error {
	return &EncodingError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// String returns the lowercase hex form.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Zero }

// Canonical reports whether h is a reduced field element.
func (h Hash) Canonical() bool { return canonical("hash", h) == nil }

// Big returns h as a field-element integer.
func (h Hash) Big() *big.Int { return new(big.Int).SetBytes(h[:]) }

// MarshalText encodes h as hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes exactly Size bytes of hex; shorter or longer input is
// rejected instead of being padded or truncated.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex commitment.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, encodingErr("hash", "invalid hex: %v", err)
	}
	if len(b) != Size {
		return h, encodingErr("hash", "want %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBig converts a field-element integer to a Hash.
func HashFromBig(x *big.Int) (Hash, error) {
	var h Hash
	if x.Sign() < 0 || x.Cmp(fr.Modulus()) >= 0 {
		return h, encodingErr("hash", "not a canonical field element")
	}
	x.FillBytes(h[:])
	return h, nil
}

// Big returns s as a field-element integer.
func (s Salt) Big() *big.Int { return new(big.Int).SetBytes(s[:]) }

// MarshalText encodes s as hex.
func (s Salt) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

// UnmarshalText decodes a hex salt.
func (s *Salt) UnmarshalText(text []byte) error {
	h, err := ParseHash(string(text))
	if err != nil {
		return encodingErr("salt", "%v", err)
	}
	*s = Salt(h)
	return nil
}

// NewSalt draws a random canonical salt. The leading byte is left zero so the
// value is always below the field modulus.
func NewSalt() (Salt, error) {
	var s Salt
	if _, err := rand.Read(s[1:]); err != nil {
		return s, err
	}
	return s, nil
}

func canonical(field string, b [Size]byte) error {
	if new(big.Int).SetBytes(b[:]).Cmp(fr.Modulus()) >= 0 {
		return encodingErr(field, "not a canonical field element")
	}
	return nil
}

// feBytes encodes a field element as 32-byte big-endian.
func feBytes(x *big.Int) []byte {
	out := make([]byte, Size)
	x.FillBytes(out)
	return out
}

// mimc hashes the given field elements in order.
func mimc(elems ...*big.Int) Hash {
	h := bnmimc.NewMiMC()
	for _, e := range elems {
		// Writes of canonical 32-byte elements cannot fail.
		_, _ = h.Write(feBytes(e))
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func u64(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// Commit binds arbitrary bytes. The length is hashed first, then the data in
// 31-byte chunks, so distinct inputs never share an encoding.
func Commit(data []byte) Hash {
	elems := make([]*big.Int, 0, 1+len(data)/chunkSize+1)
	elems = append(elems, u64(uint64(len(data))))
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		elems = append(elems, new(big.Int).SetBytes(data[start:end]))
	}
	return mimc(elems...)
}
