package config

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/crypto"
)

// Build credits the genesis allocations in state, commits it and returns
// the sealed block #0. Every allocation key must be a participant address.
func (g GenesisConfig) Build(state core.State, sealer crypto.PrivateKey, at time.Time) (*core.Block, error) {
	if g.ChainID == "" {
		return nil, errors.New("genesis: empty chain id")
	}
	addrs := make([]string, 0, len(g.Alloc))
	for addr := range g.Alloc {
		if _, err := crypto.PubKeyFromHex(addr); err != nil {
			return nil, errors.Wrapf(err, "genesis: alloc %q", addr)
		}
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		if err := state.SetAccount(&core.Account{Address: addr, Balance: g.Alloc[addr]}); err != nil {
			return nil, err
		}
	}

	root := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, errors.Wrap(err, "genesis: commit state")
	}
	b := core.NewBlock(g.ChainID, 0, core.NoParent, sealer.Public().Hex(), nil, at)
	b.Header.StateRoot = root
	b.Seal(sealer)
	return b, nil
}
