package vm

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInsufficientFunds is returned when a debit exceeds the free balance.
var ErrInsufficientFunds = errors.New("vm: insufficient funds")

// Debit takes amount from addr's free balance.
func (c *Context) Debit(addr string, amount uint64) error {
	acc, err := c.State.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc.Balance < amount {
		return errors.Wrapf(ErrInsufficientFunds, "%.16s has %d, needs %d", addr, acc.Balance, amount)
	}
	acc.Balance -= amount
	return c.State.SetAccount(acc)
}

// Credit adds amount to addr's free balance.
func (c *Context) Credit(addr string, amount uint64) error {
	acc, err := c.State.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc.Balance > math.MaxUint64-amount {
		return errors.Errorf("vm: balance of %.16s overflows", addr)
	}
	acc.Balance += amount
	return c.State.SetAccount(acc)
}
