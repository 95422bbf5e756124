// Package store provides the shared key/value namespace behind the
// shared-store transport. Every peer attached to the same namespace observes
// every mutation through Watch, including its own writes, and a write that
// leaves a value unchanged may produce no notification at all. The transport
// layer compensates for both.
package store

import (
	"context"
	"errors"
)

// Sentinel errors for store operations.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrUnavailable = errors.New("store unavailable")
	ErrClosed      = errors.New("store closed")
)

// Change describes one mutation of the namespace. Value holds the new value
// when the backend knows it; Removed is set when the key was deleted.
//
// A Change with Err set is not a mutation: the watch itself failed, and
// changes around Key may have been lost.
type Change struct {
	Key     string
	Value   string
	Removed bool
	Err     error
}

// Store is a shared mutable namespace. Writes are atomic value replacements;
// there is no locking between writers.
type Store interface {
	// Get returns the current value of key or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set replaces the value of key.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Missing keys are ignored.
	Remove(ctx context.Context, key string) error
	// Keys lists every key currently present.
	Keys(ctx context.Context) ([]string, error)
	// Watch streams changes made by any writer until ctx is done or the store
	// is closed, at which point the channel is closed.
	Watch(ctx context.Context) (<-chan Change, error)
	// Close releases the store. Watch channels are closed.
	Close() error
}
