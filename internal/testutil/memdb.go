// Package testutil holds the fakes and fixtures shared by package tests:
// in-memory stores, a manual clock, a scriptable proof gateway and a
// ledger that seals on demand. Never import this in production code.
package testutil

import (
	"github.com/tolelom/braid/storage"
)

// NewMemDB returns an empty in-memory database.
func NewMemDB() storage.DB {
	return storage.NewMemDB()
}

// NewSessionStore returns a storage.SessionStore over a fresh in-memory DB.
func NewSessionStore() *storage.SessionStore {
	return storage.NewSessionStore(NewMemDB())
}

// NewStateDB returns a storage.StateDB over a fresh in-memory DB.
func NewStateDB() *storage.StateDB {
	return storage.NewStateDB(NewMemDB())
}
