// Package stake locks dungeon bonds and player antes for a session.
package stake

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/vm"
)

func init() {
	vm.Register(core.TxStake, handleStake)
}

func handleStake(ctx *vm.Context, payload json.RawMessage) error {
	var p core.StakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode stake payload: %w", err)
	}
	if p.SessionID == "" || p.Participant == "" {
		return errors.New("session_id and participant required")
	}
	if p.Amount == 0 {
		return errors.New("stake amount must be > 0")
	}
	if p.Role != core.RoleBond && p.Role != core.RoleAnte {
		return fmt.Errorf("unknown stake role %q", p.Role)
	}
	if err := crypto.VerifyHex(p.Participant, p.Digest(), p.Signature); err != nil {
		return fmt.Errorf("stake authorization: %w", err)
	}

	st, err := ctx.State.GetStakes(p.SessionID)
	if errors.Is(err, core.ErrNotFound) {
		st = core.NewSessionStakes(p.SessionID)
	} else if err != nil {
		return fmt.Errorf("session %q stakes: %w", p.SessionID, err)
	}
	if st.Settled {
		return fmt.Errorf("session %q already settled", p.SessionID)
	}
	if _, dup := st.Stakes[p.Participant]; dup {
		return fmt.Errorf("participant already staked in session %q", p.SessionID)
	}
	if p.Role == core.RoleBond {
		if st.Dungeon != "" {
			return fmt.Errorf("session %q already has a bond", p.SessionID)
		}
		if p.Participant != ctx.Tx.From {
			return errors.New("bond must be posted by the dungeon itself")
		}
		st.Dungeon = p.Participant
	}

	if err := ctx.Debit(p.Participant, p.Amount); err != nil {
		return err
	}

	st.Stakes[p.Participant] = p.Amount
	st.Roles[p.Participant] = string(p.Role)
	st.Total += p.Amount
	if err := ctx.State.SetStakes(st); err != nil {
		return err
	}

	ctx.Emit(events.EventStakeLocked, p.SessionID, map[string]any{
		"participant": p.Participant,
		"role":        string(p.Role),
		"amount":      p.Amount,
	})
	return nil
}
