// Package wallet provides participant key management and signing helpers.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"

	"github.com/tolelom/braid/crypto"
)

const (
	keystoreVersion = 1
	kdfIterations   = 210_000
	seedSize        = ed25519.SeedSize
	boxSize         = curve25519.ScalarSize
)

// ErrWrongPassword is returned when a keystore does not decrypt.
var ErrWrongPassword = errors.New("wallet: wrong password or damaged keystore")

// keystore is the on-disk form. Only the ed25519 seed and the box scalar
// are encrypted; the address is bound to the ciphertext as associated
// data and checked again after decryption.
type keystore struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Sealed     []byte `json:"sealed"`
}

func aead(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SaveKey encrypts w under password and writes it to path with owner-only
// permissions.
func SaveKey(path, password string, w *Wallet) error {
	ks := keystore{
		Version:    keystoreVersion,
		Address:    w.PubKey(),
		Iterations: kdfIterations,
		Salt:       make([]byte, 16),
	}
	if _, err := rand.Read(ks.Salt); err != nil {
		return errors.Wrap(err, "salt")
	}
	gcm, err := aead(password, ks.Salt, ks.Iterations)
	if err != nil {
		return err
	}
	ks.Nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(ks.Nonce); err != nil {
		return errors.Wrap(err, "nonce")
	}

	secret := append(ed25519.PrivateKey(w.priv).Seed(), w.boxKey[:]...)
	ks.Sealed = gcm.Seal(nil, ks.Nonce, secret, []byte(ks.Address))

	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o600), "write keystore %s", path)
}

// LoadKey decrypts the keystore at path. The box public key is derived
// from the stored scalar.
func LoadKey(path, password string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read keystore")
	}
	var ks keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, errors.Wrap(err, "decode keystore")
	}
	if ks.Version != keystoreVersion {
		return nil, errors.Errorf("wallet: keystore version %d not supported", ks.Version)
	}
	gcm, err := aead(password, ks.Salt, ks.Iterations)
	if err != nil {
		return nil, err
	}
	if len(ks.Nonce) != gcm.NonceSize() {
		return nil, ErrWrongPassword
	}
	secret, err := gcm.Open(nil, ks.Nonce, ks.Sealed, []byte(ks.Address))
	if err != nil || len(secret) != seedSize+boxSize {
		return nil, ErrWrongPassword
	}

	priv := crypto.PrivateKey(ed25519.NewKeyFromSeed(secret[:seedSize]))
	if priv.Public().Hex() != ks.Address {
		return nil, errors.New("wallet: keystore address does not match its key")
	}
	var boxPriv crypto.BoxPrivateKey
	copy(boxPriv[:], secret[seedSize:])
	pub, err := curve25519.X25519(boxPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "derive box key")
	}
	var boxPub crypto.BoxPublicKey
	copy(boxPub[:], pub)
	return New(priv, &boxPriv, &boxPub), nil
}
