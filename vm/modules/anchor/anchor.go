// Package anchor records commitments on the ledger.
package anchor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/vm"
)

func init() {
	vm.Register(core.TxAnchor, handleAnchor)
}

func handleAnchor(ctx *vm.Context, payload json.RawMessage) error {
	var p core.AnchorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode anchor payload: %w", err)
	}
	if p.Hash.IsZero() {
		return errors.New("cannot anchor the zero commitment")
	}

	// Anchoring is idempotent: the first record wins.
	if a, err := ctx.State.GetAnchor(p.Hash); err == nil {
		ctx.Receipt.Height = a.Height
		return nil
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("anchor lookup: %w", err)
	}

	a := &core.Anchor{
		Hash:   p.Hash,
		Label:  p.Label,
		Height: ctx.Block.Header.Height,
		Time:   ctx.Block.Header.Timestamp,
	}
	if err := ctx.State.SetAnchor(a); err != nil {
		return err
	}
	ctx.Emit(events.EventAnchored, "", map[string]any{"hash": p.Hash.String(), "label": p.Label})
	return nil
}
