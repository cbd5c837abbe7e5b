package core

import (
	"sort"

	"github.com/tolelom/braid/commitment"
)

// TreasuryAddress receives forfeitures that have no beneficiary.
const TreasuryAddress = "treasury"

// Account holds a participant's free ledger balance.
// Address is the hex-encoded ed25519 public key.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

// Distribution maps participant addresses to payouts.
type Distribution map[string]uint64

// Total sums every payout.
func (d Distribution) Total() uint64 {
	var sum uint64
	for _, v := range d {
		sum += v
	}
	return sum
}

// Addresses returns the payees in sorted order.
func (d Distribution) Addresses() []string {
	out := make([]string, 0, len(d))
	for a := range d {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// SessionStakes is the ledger's view of one session: who locked what, what
// was forfeited, and how it was settled.
type SessionStakes struct {
	ID           string            `json:"id"`
	Dungeon      string            `json:"dungeon"`
	Stakes       map[string]uint64 `json:"stakes"`
	Roles        map[string]string `json:"roles"`
	Total        uint64            `json:"total"`
	Forfeits     Distribution      `json:"forfeits"`
	Forfeited    map[string]uint64 `json:"forfeited"`
	Settled      bool              `json:"settled"`
	Distribution Distribution      `json:"distribution,omitempty"`
	SettledAt    int64             `json:"settled_at,omitempty"`
}

// NewSessionStakes returns an empty record for id.
func NewSessionStakes(id string) *SessionStakes {
	return &SessionStakes{
		ID:        id,
		Stakes:    map[string]uint64{},
		Roles:     map[string]string{},
		Forfeits:  Distribution{},
		Forfeited: map[string]uint64{},
	}
}

// Anchor is a commitment recorded on the ledger.
type Anchor struct {
	Hash   commitment.Hash `json:"hash"`
	Label  string          `json:"label"`
	Height int64           `json:"height"`
	Time   int64           `json:"time"`
}

// Receipt is the ledger's durable answer for one idempotency key. Keys are
// scoped to the sending account so one sender cannot occupy another's key.
type Receipt struct {
	From         string       `json:"from"`
	Key          string       `json:"key"`
	TxID         string       `json:"tx_id"`
	Type         TxType       `json:"type"`
	Height       int64        `json:"height"`
	OK           bool         `json:"ok"`
	Error        string       `json:"error,omitempty"`
	Outcome      Outcome      `json:"outcome,omitempty"`
	Forfeit      uint64       `json:"forfeit,omitempty"`
	Distribution Distribution `json:"distribution,omitempty"`
}

// State is the full ledger state interface. Implementations must be
// snapshot-able so the executor can roll back failed transactions.
type State interface {
	// Accounts
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Session stakes
	GetStakes(sessionID string) (*SessionStakes, error)
	SetStakes(s *SessionStakes) error

	// Anchors
	GetAnchor(hash commitment.Hash) (*Anchor, error)
	SetAnchor(a *Anchor) error

	// Escalated challenges
	GetEscalation(challengeID string) (*Challenge, error)
	SetEscalation(c *Challenge) error

	// Receipts, keyed by sender and idempotency key
	GetReceipt(from, key string) (*Receipt, error)
	SetReceipt(r *Receipt) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing. Call this before signing a block.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	// Always call ComputeRoot() first to obtain the root for the block header.
	Commit() error
}
