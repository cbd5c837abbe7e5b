// Package settlement pays out a session's locked stakes.
package settlement

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/vm"
)

func init() {
	vm.Register(core.TxSettle, handleSettle)
}

func handleSettle(ctx *vm.Context, payload json.RawMessage) error {
	var p core.SettlePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode settle payload: %w", err)
	}
	if p.SessionID == "" {
		return errors.New("session_id required")
	}

	st, err := ctx.State.GetStakes(p.SessionID)
	if err != nil {
		return fmt.Errorf("session %q stakes: %w", p.SessionID, err)
	}
	if st.Dungeon == "" || ctx.Tx.From != st.Dungeon {
		return fmt.Errorf("session %q may only be settled by its dungeon", p.SessionID)
	}
	// A settled session answers with its stored distribution and never
	// pays twice.
	if st.Settled {
		ctx.Receipt.Distribution = st.Distribution
		return nil
	}

	// The distribution must move exactly the locked amount: no tokens are
	// created or burnt. Each addition is checked for overflow.
	var sum uint64
	for addr, amount := range p.Distribution {
		if amount > st.Total-sum {
			return fmt.Errorf("distribution exceeds total stakes %d", st.Total)
		}
		sum += amount
		if !payee(st, addr) {
			return fmt.Errorf("payee %.16s has no stake in session %q", addr, p.SessionID)
		}
	}
	if sum != st.Total {
		return fmt.Errorf("distribution pays %d of %d locked", sum, st.Total)
	}
	for addr, owed := range st.Forfeits {
		if p.Distribution[addr] < owed {
			return fmt.Errorf("beneficiary %.16s owed %d forfeit, paid %d", addr, owed, p.Distribution[addr])
		}
	}

	for _, addr := range p.Distribution.Addresses() {
		amount := p.Distribution[addr]
		if amount == 0 {
			continue
		}
		if err := ctx.Credit(addr, amount); err != nil {
			return fmt.Errorf("pay %.16s: %w", addr, err)
		}
	}

	st.Settled = true
	st.Distribution = p.Distribution
	st.SettledAt = ctx.Block.Header.Timestamp
	if err := ctx.State.SetStakes(st); err != nil {
		return err
	}
	ctx.Receipt.Distribution = p.Distribution

	ctx.Emit(events.EventPayout, p.SessionID, map[string]any{
		"total":  st.Total,
		"payees": len(p.Distribution),
	})
	return nil
}

func payee(st *core.SessionStakes, addr string) bool {
	if addr == core.TreasuryAddress {
		return true
	}
	if _, ok := st.Stakes[addr]; ok {
		return true
	}
	_, ok := st.Forfeits[addr]
	return ok
}
