// Package crypto holds the node's signing and sealing primitives: ed25519
// for identities and signatures, curve25519 boxes for maze reveals, SHA-256
// for digests.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
)

// PrivateKey is an ed25519 secret key.
type PrivateKey []byte

// PublicKey is an ed25519 public key. Its hex form is a participant's
// address on the ledger and in channel states.
type PublicKey []byte

// GenerateKeyPair returns a fresh identity.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate ed25519 key")
	}
	return PrivateKey(priv), PublicKey(pub), nil
}

func (pub PublicKey) Hex() string { return hex.EncodeToString(pub) }

// Public returns the key's address half.
func (priv PrivateKey) Public() PublicKey {
	return PublicKey(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
}

func decodeHex(what, s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "%s hex", what)
	}
	if len(b) != size {
		return nil, errors.Errorf("%s is %d bytes, want %d", what, len(b), size)
	}
	return b, nil
}

// PubKeyFromHex parses an address.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := decodeHex("public key", s, ed25519.PublicKeySize)
	return PublicKey(b), err
}

// BoxPublicKey is a curve25519 key that maze reveals are sealed to.
type BoxPublicKey [32]byte

// BoxPrivateKey is the matching curve25519 secret.
type BoxPrivateKey [32]byte

func GenerateBoxKeyPair() (*BoxPrivateKey, *BoxPublicKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate box key")
	}
	return (*BoxPrivateKey)(priv), (*BoxPublicKey)(pub), nil
}

func (k BoxPublicKey) Hex() string { return hex.EncodeToString(k[:]) }

// BoxKeyFromHex parses a published box key.
func BoxKeyFromHex(s string) (*BoxPublicKey, error) {
	b, err := decodeHex("box key", s, len(BoxPublicKey{}))
	if err != nil {
		return nil, err
	}
	return (*BoxPublicKey)(b), nil
}
