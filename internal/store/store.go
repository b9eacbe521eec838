// Package store provides the persistence boundary for the sync engine: a
// flat key-value contract with slash-separated key paths and JSON blob
// values. Memory, SQLite, Redis, and PostgreSQL backends all implement
// the same interface.
package store

import "context"

// Entry is one key/value pair returned from a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the storage contract. Get returns found=false for missing keys
// rather than an error; List returns entries in ascending key order,
// which callers rely on for FIFO queue semantics (queue keys embed
// ULIDs, so lexical order is insertion order).
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)

	Ping(ctx context.Context) error
	Close() error
}
