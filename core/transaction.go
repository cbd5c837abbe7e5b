package core

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/crypto"
)

// TxType identifies the kind of ledger operation a transaction performs.
type TxType string

const (
	TxTransfer TxType = "transfer"
	TxStake    TxType = "stake"
	TxAnchor   TxType = "anchor"
	TxEscalate TxType = "escalate"
	TxSettle   TxType = "settle"
)

// Transaction is a signed ledger operation. From is the sender's address;
// Key is its idempotency key, so the ledger executes at most one operation
// per (From, Key) and answers repeats with the stored receipt. ID is the
// hash of everything but the signature.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TxType          `json:"type"`
	Key       string          `json:"key"`
	From      string          `json:"from"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// NewTransaction encodes payload into an unsigned operation stamped now.
func NewTransaction(typ TxType, key, from string, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", typ)
	}
	return &Transaction{Type: typ, Key: key, From: from, Timestamp: time.Now().UnixNano(), Payload: raw}, nil
}

// Hash covers the type, key, sender, timestamp and payload.
func (tx *Transaction) Hash() string {
	unsigned := *tx
	unsigned.ID, unsigned.Signature = "", ""
	// Strings, an integer and raw JSON always marshal.
	data, _ := json.Marshal(unsigned)
	return crypto.Hash(data)
}

// Sign sets ID and the sender's signature over it.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	tx.ID = tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(tx.ID))
}

// Verify checks that From signed the operation. The ID is not trusted.
func (tx *Transaction) Verify() error {
	switch {
	case tx.From == "":
		return errors.New("transaction has no sender")
	case tx.Key == "":
		return errors.New("transaction has no idempotency key")
	}
	return crypto.VerifyHex(tx.From, []byte(tx.Hash()), tx.Signature)
}

// TransferPayload moves free balance between accounts.
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// StakeRole distinguishes the dungeon's bond from a player's ante.
type StakeRole string

const (
	RoleBond StakeRole = "bond"
	RoleAnte StakeRole = "ante"
)

// StakeAuthorization is what a participant signs to let the operator lock
// its funds for a session.
type StakeAuthorization struct {
	SessionID   string    `json:"session_id"`
	Participant string    `json:"participant"`
	Role        StakeRole `json:"role"`
	Amount      uint64    `json:"amount"`
}

// Digest is the signed form of the authorization.
func (a StakeAuthorization) Digest() []byte {
	data, _ := json.Marshal(a)
	return crypto.HashBytes(data)
}

// Sign returns the participant signature over a.
func (a StakeAuthorization) Sign(priv crypto.PrivateKey) string {
	return crypto.Sign(priv, a.Digest())
}

// StakePayload locks a participant's bond or ante for a session.
type StakePayload struct {
	StakeAuthorization
	Signature string `json:"signature"`
}

// AnchorPayload records a commitment on the ledger.
type AnchorPayload struct {
	Hash  commitment.Hash `json:"hash"`
	Label string          `json:"label"`
}

// EscalatePayload hands a challenge to the ledger for a final outcome.
type EscalatePayload struct {
	Challenge Challenge `json:"challenge"`
	Dungeon   string    `json:"dungeon"`
}

// SettlePayload pays out a session's stakes.
type SettlePayload struct {
	SessionID    string       `json:"session_id"`
	Distribution Distribution `json:"distribution"`
}
