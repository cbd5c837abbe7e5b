package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/braid/core"
)

func TestDecayDue(t *testing.T) {
	d := core.DecaySchedule{GraceTurns: 10, PerTurn: 2, GracePeriod: time.Minute, Interval: 10 * time.Second, PerInterval: 1}

	assert.Zero(t, d.Due(10, time.Minute))
	assert.Equal(t, uint64(6), d.Due(13, 0))
	assert.Equal(t, uint64(3), d.Due(0, time.Minute+35*time.Second))
	assert.Equal(t, uint64(9), d.Due(13, time.Minute+35*time.Second))
}

func TestTreasureConservedAndMonotonic(t *testing.T) {
	tr := core.NewTreasure(50)
	d := core.DecaySchedule{GraceTurns: 2, PerTurn: 7}

	last := tr.Pot
	for turn := uint64(0); turn < 20; turn++ {
		tr.DecayTo(d.Due(turn, 0))
		require.True(t, tr.Conserved())
		require.LessOrEqual(t, tr.Pot, last)
		last = tr.Pot
	}
	assert.Zero(t, tr.Pot)
	assert.Equal(t, uint64(50), tr.Fee)

	// a lower target never refunds the pot
	assert.Zero(t, tr.DecayTo(3))
	assert.Zero(t, tr.Pot)
}

func TestTreasureDistribute(t *testing.T) {
	tr := core.NewTreasure(20)
	tr.DecayTo(5)
	require.NoError(t, tr.Distribute(15))
	assert.True(t, tr.Conserved())
	assert.Error(t, tr.Distribute(1))
}
