package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// ErrUnseal is returned when a sealed box cannot be opened with the given keys.
var ErrUnseal = errors.New("cannot open sealed box")

// Seal encrypts msg so that only the holder of the matching box private key
// can read it. The sender stays anonymous; authenticity comes from the
// ed25519 signature carried next to the box.
func Seal(to *BoxPublicKey, msg []byte) ([]byte, error) {
	return box.SealAnonymous(nil, msg, (*[32]byte)(to), rand.Reader)
}

// Open decrypts a box produced by Seal.
func Open(pub *BoxPublicKey, priv *BoxPrivateKey, sealed []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, sealed, (*[32]byte)(pub), (*[32]byte)(priv))
	if !ok {
		return nil, ErrUnseal
	}
	return out, nil
}
