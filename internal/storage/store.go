package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value in the store.
var ErrNotFound = errors.New("storage: record not found")

// ErrValueTooLarge is returned when a value exceeds the store's payload ceiling.
var ErrValueTooLarge = errors.New("storage: value exceeds maximum size")

// KVStore is the shared, eventually-consistent key-value store replicated
// across a user's devices. Replication and conflict handling belong to the
// implementation; callers rely only on put/get/observe.
type KVStore interface {
	// Set replaces the value stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Synchronize asks the store to reconcile with its remote copy as soon as
	// possible. It must not block on network completion.
	Synchronize(ctx context.Context) error

	// Subscribe registers fn for changes made outside this process. The
	// returned Subscription stops further deliveries when cancelled.
	Subscribe(fn ChangeFunc) Subscription

	Close() error
}

// ChangeFunc receives the keys that changed externally.
type ChangeFunc func(change Change)

// Change describes one external modification.
type Change struct {
	Keys     []string
	Revision string
}

// Subscription is an active change registration.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func()

// Cancel calls f.
func (f SubscriptionFunc) Cancel() {
	f()
}
