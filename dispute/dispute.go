// Package dispute adjudicates liveness, conflict and non-collusion
// challenges on state channels. Every challenge is a durable record with a
// deadline and a timer; past the deadline it resolves deterministically and
// the ledger's escalation outcome is final.
package dispute

import (
	"context"
	"time"

	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/maze"
)

// Channels is the resolver's view of the sessions it polices.
type Channels interface {
	Dungeon(sessionID string) (string, error)
	Status(sessionID string) (core.SessionStatus, error)
	Maze(sessionID string) (*maze.Descriptor, error)
	Bond(sessionID string) (uint64, error)
	Record(sessionID, player string) (*core.ChannelRecord, error)
	Suspend(sessionID, player string) error
	Resume(sessionID, player string) error
	Adopt(sessionID, player string, st core.SignedState) error
	Terminate(sessionID, player, reason string) error
	Exclude(sessionID, player string) error
	Forfeit(sessionID, beneficiary string, amount uint64) (uint64, error)
}

// Responder produces the dungeon's answer to a liveness challenge: the
// acknowledged move or signed evidence that the move was illegal.
type Responder func(ctx context.Context, c *core.Challenge) (*core.LivenessAnswer, error)

// Config sets challenge timing and penalties.
type Config struct {
	LivenessTimeout time.Duration
	ResponseWindow  time.Duration
	ForfeitPercent  uint64
}

// ConfigFrom converts the node's dispute configuration.
func ConfigFrom(d config.DisputeConfig) Config {
	return Config{
		LivenessTimeout: d.LivenessTimeout.D(),
		ResponseWindow:  d.ResponseWindow.D(),
		ForfeitPercent:  d.ForfeitPercent,
	}
}

// Forfeit is the share of bond lost per upheld challenge.
func (c Config) Forfeit(bond uint64) uint64 {
	pct := c.ForfeitPercent
	if pct > 100 {
		pct = 100
	}
	return bond * pct / 100
}
