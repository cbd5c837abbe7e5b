package core

import (
	"time"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/proof"
)

// SessionStatus is the lifecycle of a game session.
type SessionStatus string

const (
	SessionOpening SessionStatus = "opening"
	SessionActive  SessionStatus = "active"
	SessionClosing SessionStatus = "closing"
	SessionSettled SessionStatus = "settled"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionOpening: {SessionActive, SessionClosing},
	SessionActive:  {SessionClosing},
	SessionClosing: {SessionSettled},
}

// CanTransition reports whether from → to is a legal session step.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ChannelStatus is the lifecycle of one player's channel.
type ChannelStatus string

const (
	ChannelOpen      ChannelStatus = "open"
	ChannelDisputed  ChannelStatus = "disputed"
	ChannelWithdrawn ChannelStatus = "withdrawn"
	ChannelClosed    ChannelStatus = "closed"
)

var channelTransitions = map[ChannelStatus][]ChannelStatus{
	ChannelOpen:      {ChannelDisputed, ChannelWithdrawn, ChannelClosed},
	ChannelDisputed:  {ChannelOpen, ChannelWithdrawn, ChannelClosed},
	ChannelWithdrawn: {ChannelClosed},
}

// CanTransition reports whether from → to is a legal channel step.
func (s ChannelStatus) CanTransition(to ChannelStatus) bool {
	for _, next := range channelTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Participant is one party of a session. Address is its signing public
// key in hex and doubles as its ledger address.
type Participant struct {
	Address string `json:"address"`
	BoxKey  string `json:"box_key,omitempty"`
	Stake   uint64 `json:"stake"`
}

// GameSession is the persisted snapshot of one dungeon session.
type GameSession struct {
	ID        string          `json:"id"`
	MazeID    string          `json:"maze_id"`
	Grid      commitment.Grid `json:"grid"`
	Dungeon   Participant     `json:"dungeon"`
	Players   []Participant   `json:"players"`
	Decay     DecaySchedule   `json:"decay"`
	MaxTurns  uint64          `json:"max_turns"`
	Turn      uint64          `json:"turn"`
	Status    SessionStatus   `json:"status"`
	Treasure  TreasureState   `json:"treasure"`
	Finder    string          `json:"finder,omitempty"`
	Excluded  map[string]bool `json:"excluded,omitempty"`
	Forfeits  Distribution    `json:"forfeits,omitempty"`
	Payout    Distribution    `json:"payout,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ActiveAt  time.Time       `json:"active_at,omitempty"`
	ClosedAt  time.Time       `json:"closed_at,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Transition moves the session to status to.
func (g *GameSession) Transition(to SessionStatus) error {
	if !g.Status.CanTransition(to) {
		return errors.Wrapf(ErrInvalidTransition, "session %s: %s -> %s", g.ID, g.Status, to)
	}
	g.Status = to
	return nil
}

// Player returns the participant record for addr.
func (g *GameSession) Player(addr string) (Participant, bool) {
	for _, p := range g.Players {
		if p.Address == addr {
			return p, true
		}
	}
	return Participant{}, false
}

// TotalStakes sums the dungeon bond and every player ante.
func (g *GameSession) TotalStakes() uint64 {
	total := g.Dungeon.Stake
	for _, p := range g.Players {
		total += p.Stake
	}
	return total
}

// ChannelRecord is the persisted state of one player's channel. Position is
// the dungeon's private knowledge of where the player stands. Opening is
// the opening of Last and Before the commitment Last extends; both stay
// zero until the first accepted move.
type ChannelRecord struct {
	SessionID       string              `json:"session_id"`
	Player          string              `json:"player"`
	Status          ChannelStatus       `json:"status"`
	Last            SignedState         `json:"last"`
	Position        commitment.Position `json:"position"`
	Opening         Opening             `json:"opening"`
	Before          commitment.Hash     `json:"before"`
	Genesis         commitment.Hash     `json:"genesis"`
	Exploration     commitment.Hash     `json:"exploration"`
	NonCollusion    proof.Proof         `json:"non_collusion"`
	DisputeEligible bool                `json:"dispute_eligible"`
	Rejections      int                 `json:"rejections"`
	Challenges      int                 `json:"challenges"`
	UpdatedAt       time.Time           `json:"updated_at"`
}
