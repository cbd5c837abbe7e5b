package core

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrDuplicateKey means the sender already has an operation pending
	// under the same idempotency key.
	ErrDuplicateKey = errors.New("idempotency key already pending")
	ErrPoolFull     = errors.New("mempool full")
	ErrStaleTx      = errors.New("transaction timestamp outside the accepted window")
)

const (
	poolCapacity = 10_000
	txMaxAge     = time.Hour
	txMaxSkew    = 5 * time.Minute
)

// Mempool holds signed operations until a block seals them. Pending returns
// them in arrival order.
type Mempool struct {
	mu    sync.RWMutex
	queue *list.List               // of *Transaction
	byID  map[string]*list.Element
	byKey map[string]*list.Element // sender + "/" + idempotency key
	now   func() time.Time
}

// NewMempool returns an empty pool.
func NewMempool() *Mempool {
	return &Mempool{
		queue: list.New(),
		byID:  map[string]*list.Element{},
		byKey: map[string]*list.Element{},
		now:   time.Now,
	}
}

func senderKey(from, key string) string { return from + "/" + key }

// Add verifies tx and queues it. A sender may have one pending operation
// per idempotency key.
func (m *Mempool) Add(tx *Transaction) error {
	if err := tx.Verify(); err != nil {
		return errors.Wrap(err, "mempool: bad signature")
	}
	at := time.Unix(0, tx.Timestamp)
	if now := m.now(); at.Before(now.Add(-txMaxAge)) || at.After(now.Add(txMaxSkew)) {
		return errors.Wrapf(ErrStaleTx, "tx %s", tx.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.queue.Len() >= poolCapacity:
		return ErrPoolFull
	case m.byID[tx.ID] != nil:
		return errors.Errorf("mempool: tx %s already pending", tx.ID)
	case m.byKey[senderKey(tx.From, tx.Key)] != nil:
		return ErrDuplicateKey
	}
	el := m.queue.PushBack(tx)
	m.byID[tx.ID] = el
	m.byKey[senderKey(tx.From, tx.Key)] = el
	return nil
}

// ByKey finds the pending operation a sender queued under key.
func (m *Mempool) ByKey(from, key string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	el, ok := m.byKey[senderKey(from, key)]
	if !ok {
		return nil, false
	}
	return el.Value.(*Transaction), true
}

// Pending returns at most n operations, oldest first.
func (m *Mempool) Pending(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0, min(n, m.queue.Len()))
	for el := m.queue.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, el.Value.(*Transaction))
	}
	return out
}

// Remove drops sealed operations. Unknown IDs are ignored.
func (m *Mempool) Remove(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		el, ok := m.byID[id]
		if !ok {
			continue
		}
		tx := m.queue.Remove(el).(*Transaction)
		delete(m.byID, id)
		delete(m.byKey, senderKey(tx.From, tx.Key))
	}
}

// Size is the number of pending operations.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queue.Len()
}
