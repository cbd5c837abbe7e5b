package wallet

import (
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
)

// Wallet holds a participant's signing key pair and the box key pair maze
// reveals are sealed to.
type Wallet struct {
	priv   crypto.PrivateKey
	pub    crypto.PublicKey
	boxPub *crypto.BoxPublicKey
	boxKey *crypto.BoxPrivateKey
}

// New creates a Wallet from existing keys.
func New(priv crypto.PrivateKey, boxPriv *crypto.BoxPrivateKey, boxPub *crypto.BoxPublicKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public(), boxKey: boxPriv, boxPub: boxPub}
}

// Generate creates a Wallet with freshly generated key pairs.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	boxPriv, boxPub, err := crypto.GenerateBoxKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv, boxPriv, boxPub), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key. It is also the
// participant's ledger address.
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// BoxKey returns the box public key in hex.
func (w *Wallet) BoxKey() string {
	return w.boxPub.Hex()
}

// BoxPair returns the box key pair for opening sealed reveals.
func (w *Wallet) BoxPair() (*crypto.BoxPublicKey, *crypto.BoxPrivateKey) {
	return w.boxPub, w.boxKey
}

// Sign signs data with the wallet key.
func (w *Wallet) Sign(data []byte) string {
	return crypto.Sign(w.priv, data)
}

// Participant describes the wallet holder as a session participant.
func (w *Wallet) Participant(stake uint64) core.Participant {
	return core.Participant{Address: w.PubKey(), BoxKey: w.BoxKey(), Stake: stake}
}

// AuthorizeStake signs a stake authorization for a session.
func (w *Wallet) AuthorizeStake(sessionID string, role core.StakeRole, amount uint64) core.StakePayload {
	auth := core.StakeAuthorization{SessionID: sessionID, Participant: w.PubKey(), Role: role, Amount: amount}
	return core.StakePayload{StakeAuthorization: auth, Signature: auth.Sign(w.priv)}
}

// NewTx creates a signed ledger transaction under an idempotency key.
func (w *Wallet) NewTx(typ core.TxType, key string, payload any) (*core.Transaction, error) {
	tx, err := core.NewTransaction(typ, key, w.pub.Hex(), payload)
	if err != nil {
		return nil, err
	}
	tx.Sign(w.priv)
	return tx, nil
}
