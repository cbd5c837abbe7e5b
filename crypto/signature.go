package crypto

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/pkg/errors"
)

// ErrBadSignature means the signature does not match the data and key.
var ErrBadSignature = errors.New("signature verification failed")

// Sign returns the hex ed25519 signature of data.
func Sign(priv PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(ed25519.PrivateKey(priv), data))
}

// Verify checks a hex signature made by pub over data.
func Verify(pub PublicKey, data []byte, sig string) error {
	if n := len(pub); n != ed25519.PublicKeySize {
		return errors.Errorf("public key is %d bytes, want %d", n, ed25519.PublicKeySize)
	}
	raw, err := hex.DecodeString(sig)
	if err != nil {
		return errors.Wrap(err, "signature hex")
	}
	if len(raw) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(pub), data, raw) {
		return ErrBadSignature
	}
	return nil
}

// VerifyHex verifies against a participant address.
func VerifyHex(addr string, data []byte, sig string) error {
	pub, err := PubKeyFromHex(addr)
	if err != nil {
		return err
	}
	return Verify(pub, data, sig)
}
