package core

import (
	"fmt"
	"time"
)

// DecaySchedule describes how the payable pot shrinks. Decay is the sum of a
// per-turn component after GraceTurns accepted moves and a per-interval
// component once GracePeriod has elapsed. The decayed amount accrues to the
// dungeon as its fee.
type DecaySchedule struct {
	GraceTurns  uint64        `json:"grace_turns"`
	PerTurn     uint64        `json:"per_turn"`
	GracePeriod time.Duration `json:"grace_period"`
	Interval    time.Duration `json:"interval"`
	PerInterval uint64        `json:"per_interval"`
}

// Due returns the cumulative decay owed after turns accepted moves and
// elapsed session time. It never decreases as either argument grows.
func (d DecaySchedule) Due(turns uint64, elapsed time.Duration) uint64 {
	var due uint64
	if turns > d.GraceTurns {
		due += (turns - d.GraceTurns) * d.PerTurn
	}
	if d.Interval > 0 && elapsed > d.GracePeriod {
		due += uint64((elapsed-d.GracePeriod)/d.Interval) * d.PerInterval
	}
	return due
}

// TreasureState tracks the pot. Pot + Fee + Distributed == Initial holds at
// every observation point and Pot never grows.
type TreasureState struct {
	Initial     uint64 `json:"initial"`
	Pot         uint64 `json:"pot"`
	Fee         uint64 `json:"fee"`
	Distributed uint64 `json:"distributed"`
}

// NewTreasure returns a full pot.
func NewTreasure(initial uint64) TreasureState {
	return TreasureState{Initial: initial, Pot: initial}
}

// Conserved reports whether the conservation invariant holds.
func (t TreasureState) Conserved() bool {
	return t.Pot+t.Fee+t.Distributed == t.Initial
}

// DecayTo raises the accrued fee to due, capped by what is left in the pot.
// It returns the amount moved.
func (t *TreasureState) DecayTo(due uint64) uint64 {
	if due <= t.Fee {
		return 0
	}
	moved := due - t.Fee
	if moved > t.Pot {
		moved = t.Pot
	}
	t.Pot -= moved
	t.Fee += moved
	return moved
}

// Distribute pays amount out of the pot.
func (t *TreasureState) Distribute(amount uint64) error {
	if amount > t.Pot {
		return fmt.Errorf("distribute %d exceeds pot %d", amount, t.Pot)
	}
	t.Pot -= amount
	t.Distributed += amount
	return nil
}
