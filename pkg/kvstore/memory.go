package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a deterministic in-memory Store implementation, suitable
// for unit tests and single-process local-dev clusters. Grounded on
// goclaw's pkg/cluster.MemoryCoordinator: a mutex-protected map standing in
// for the external store with exactly the same external contract.
type MemoryStore struct {
	mu sync.Mutex

	nowFn func() time.Time

	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]time.Time // member -> expiry (zero = no TTL)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nowFn:   time.Now,
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]time.Time),
	}
}

func (m *MemoryStore) now() time.Time {
	if m.nowFn == nil {
		return time.Now()
	}
	return m.nowFn()
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.hashes, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]time.Time)
		m.sets[key] = s
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = m.now().Add(ttl)
	}
	for _, mem := range members {
		s[mem] = expiry
	}
	return nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireSetLocked(key)
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) expireSetLocked(key string) {
	s, ok := m.sets[key]
	if !ok {
		return
	}
	now := m.now()
	for mem, expiry := range s {
		if !expiry.IsZero() && now.After(expiry) {
			delete(s, mem)
		}
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
}

func (m *MemoryStore) CAS(ctx context.Context, key string, expected string, expectedOK bool, newValue string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.strings[key]
	if expectedOK {
		if !exists || current != expected {
			return false, nil
		}
	} else if exists {
		return false, nil
	}
	m.strings[key] = newValue
	return true, nil
}
