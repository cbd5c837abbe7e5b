package vm

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/tolelom/braid/core"
)

// ErrUnknownOp is returned for a transaction type no module handles.
var ErrUnknownOp = errors.New("vm: unknown operation")

// Handler executes one ledger operation against ctx.State.
type Handler func(ctx *Context, payload json.RawMessage) error

// Registry maps operation types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.TxType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.TxType]Handler)}
}

// Register binds typ to h. A second handler for the same type panics.
func (r *Registry) Register(typ core.TxType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[typ]; dup {
		panic("vm: duplicate handler for " + string(typ))
	}
	r.handlers[typ] = h
}

// Execute runs the handler for typ.
func (r *Registry) Execute(typ core.TxType, ctx *Context, payload json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[typ]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownOp, "%q", typ)
	}
	return h(ctx, payload)
}

// Types lists the registered operation types in order.
func (r *Registry) Types() []core.TxType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.TxType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// modules is the registry ledger modules join from their init functions.
var modules = NewRegistry()

// Register adds a module handler.
func Register(typ core.TxType, h Handler) { modules.Register(typ, h) }

// Registered lists the operation types every module provides.
func Registered() []core.TxType { return modules.Types() }
