// Package storage persists ledger state, blocks, sessions and challenges
// in an ordered key-value store.
package storage

// DB is an ordered byte-key store. Get reports a missing key as
// core.ErrNotFound.
type DB interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	// NewIterator walks the keys under prefix in ascending order.
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator is a forward cursor. Key and Value are valid until the next
// call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Batch collects writes that Write applies atomically.
type Batch interface {
	Set(key, value []byte)
	Write() error
}
