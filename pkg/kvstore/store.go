// Package kvstore defines the shared transactional key-value store contract
// AtlasNet depends on as an external collaborator: atomic hash mutations,
// TTL'd sets, and a Lua/script execution primitive (spec.md §1, §6).
// RedisStore is the production backend; MemoryStore and BadgerStore provide
// the same contract for tests and for single-process / local-dev clusters.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is an error-form sentinel for an absent key or field. The
// Store implementations in this package do not return it: Get/HGet report
// absence through their bool result. It is exported for callers that
// prefer the error-based idiom.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the shared key-value store contract.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// CAS atomically replaces key's value with newValue, server-side, iff
	// the key's current value matches (expected, expectedOK) — expectedOK
	// false means "key must not currently exist" (create-if-absent).
	// Returns whether the swap happened. This is the store's atomic
	// read+move+set-owner-fields primitive (spec.md §4.1, §9): RedisStore
	// implements it with a real Lua EVAL script; MemoryStore and
	// BadgerStore implement it with native locking/transactions, which
	// spec.md §9 accepts as an equivalent atomicity primitive.
	CAS(ctx context.Context, key string, expected string, expectedOK bool, newValue string) (bool, error)
}
