// Package economy moves free balance between ledger accounts, which is how
// players fund the antes they later stake.
package economy

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/vm"
)

func init() {
	vm.Register(core.TxTransfer, transfer)
}

func transfer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TransferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.Wrap(err, "decode transfer")
	}
	switch {
	case p.Amount == 0:
		return errors.New("transfer of nothing")
	case p.To == ctx.Tx.From:
		return errors.New("transfer to self")
	case p.To != core.TreasuryAddress:
		if _, err := crypto.PubKeyFromHex(p.To); err != nil {
			return errors.Wrapf(err, "recipient %q", p.To)
		}
	}

	if err := ctx.Debit(ctx.Tx.From, p.Amount); err != nil {
		return err
	}
	if err := ctx.Credit(p.To, p.Amount); err != nil {
		return err
	}
	ctx.Emit(events.EventTransfer, "", map[string]any{"from": ctx.Tx.From, "to": p.To, "amount": p.Amount})
	return nil
}
