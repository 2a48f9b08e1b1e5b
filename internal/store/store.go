// Package store defines the shared counter store the gateway uses for state
// that must survive restarts or be visible across replicas: cross-process
// rate counters, websocket connection ceilings, burst penalties, persisted
// block records and the rolling attack log.
package store

import (
	"context"
	"time"
)

// CounterStore is the contract required of the external key-value store.
// Any store with atomic increment, TTL and hash-map support satisfies it.
type CounterStore interface {
	// IncrementAndExpire atomically increments key and refreshes its TTL,
	// returning the new value.
	IncrementAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decrement decrements key, clamped at zero.
	Decrement(ctx context.Context, key string) (int64, error)

	// GetInt returns the integer value of key, 0 if absent.
	GetInt(ctx context.Context, key string) (int64, error)

	HashSet(ctx context.Context, mapKey, field, value string) error
	HashGetAll(ctx context.Context, mapKey string) (map[string]string, error)
	HashDelete(ctx context.Context, mapKey, field string) error

	// ListPush prepends value to listKey, keeping at most maxLen entries and
	// expiring the whole list after ttl of inactivity.
	ListPush(ctx context.Context, listKey, value string, maxLen int64, ttl time.Duration) error
}
