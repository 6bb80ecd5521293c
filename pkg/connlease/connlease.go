// Package connlease implements ConnectionLeaseRegistry: per-peer activity
// tracking with an inactivity reaper, plus an optional store-backed
// anti-dupe lease that prevents two shards from racing to open the same
// shard-pair link.
package connlease

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/kvstore"
)

// DefaultLeasePrefix is used when Registry is constructed without an
// explicit prefix.
const DefaultLeasePrefix = "EntityHandoff:ConnectionLease:"

// ErrLeaseNotAcquired is returned by WithLease when peer's shard-pair lease
// is currently held by another shard.
var ErrLeaseNotAcquired = fmt.Errorf("connlease: lease already held by another shard")

// ReaperFunc is invoked once per idle peer per Tick, with the peer and how
// long it has been idle.
type ReaperFunc func(peer identity.Identity, idleFor time.Duration)

// Registry is ConnectionLeaseRegistry. Activity tracking is purely local
// (an in-memory map); the optional lease mode reaches into the shared
// kvstore.Store to settle which shard in a pair owns the link.
type Registry struct {
	self              identity.Identity
	store             kvstore.Store
	leasePrefix       string
	inactivityTimeout time.Duration
	leaseTTL          time.Duration
	nowFn             func() time.Time

	mu           sync.Mutex
	lastActivity map[identity.Identity]time.Time
}

// Config configures a Registry.
type Config struct {
	Self              identity.Identity
	Store             kvstore.Store // nil disables lease mode; activity tracking still works
	LeasePrefix       string
	InactivityTimeout time.Duration
	LeaseTTL          time.Duration
}

// New builds a Registry. InactivityTimeout and LeaseTTL fall back to 30s and
// 10s respectively when left zero.
func New(cfg Config) *Registry {
	if cfg.LeasePrefix == "" {
		cfg.LeasePrefix = DefaultLeasePrefix
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Second
	}
	return &Registry{
		self:              cfg.Self,
		store:             cfg.Store,
		leasePrefix:       cfg.LeasePrefix,
		inactivityTimeout: cfg.InactivityTimeout,
		leaseTTL:          cfg.LeaseTTL,
		nowFn:             time.Now,
		lastActivity:      make(map[identity.Identity]time.Time),
	}
}

func (r *Registry) now() time.Time {
	if r.nowFn == nil {
		return time.Now()
	}
	return r.nowFn()
}

// MarkActivity records that peer was just active, per a monotonic clock.
func (r *Registry) MarkActivity(peer identity.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity[peer] = r.now()
}

// Tick invokes reap for every peer whose idle time exceeds the configured
// inactivity timeout, in deterministic (lexicographic identity) order, and
// removes them from tracking so they are not reaped again next tick.
func (r *Registry) Tick(reap ReaperFunc) {
	now := r.now()

	type idlePeer struct {
		peer    identity.Identity
		elapsed time.Duration
	}

	r.mu.Lock()
	var idle []idlePeer
	for peer, last := range r.lastActivity {
		if elapsed := now.Sub(last); elapsed > r.inactivityTimeout {
			idle = append(idle, idlePeer{peer: peer, elapsed: elapsed})
		}
	}
	for _, e := range idle {
		delete(r.lastActivity, e.peer)
	}
	r.mu.Unlock()

	sort.Slice(idle, func(i, j int) bool { return idle[i].peer.Less(idle[j].peer) })
	for _, e := range idle {
		reap(e.peer, e.elapsed)
	}
}

func (r *Registry) leaseKey(peer identity.Identity) string {
	a, b := r.self.String(), peer.String()
	if b < a {
		a, b = b, a
	}
	return r.leasePrefix + a + ":" + b
}

// TryAcquireOrRefreshLease attempts to become (or remain) the owner of the
// shard-pair lease with peer, using set-if-absent-or-self-owned semantics.
// A shard must win this before initiating a new outbound connection to peer
// when lease mode is enabled.
func (r *Registry) TryAcquireOrRefreshLease(ctx context.Context, peer identity.Identity) (bool, error) {
	if r.store == nil {
		return false, fmt.Errorf("connlease: lease mode is disabled, no store configured")
	}
	key := r.leaseKey(peer)
	self := r.self.String()

	current, exists, err := r.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if exists && current == self {
		// Already own it; refresh by rewriting with the same value.
		swapped, err := r.store.CAS(ctx, key, current, true, self)
		return swapped, err
	}
	if exists {
		return false, nil
	}
	swapped, err := r.store.CAS(ctx, key, "", false, self)
	return swapped, err
}

// WithLease acquires or refreshes the shard-pair lease with peer, runs fn
// only once it is won, and releases it afterward regardless of fn's
// outcome. If the lease is currently held by another shard, fn does not
// run and ErrLeaseNotAcquired is returned. Grounded on the original's
// NH_HandoffConnectionLeaseCoordinator, which requires the initiator of a
// new outbound link to hold the lease for the full connection-establishment
// handshake, releasing it only on confirmed teardown.
func (r *Registry) WithLease(ctx context.Context, peer identity.Identity, fn func() error) error {
	acquired, err := r.TryAcquireOrRefreshLease(ctx, peer)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLeaseNotAcquired
	}
	defer func() {
		_ = r.ReleaseLeaseIfOwned(ctx, peer)
	}()
	return fn()
}

// ReleaseLeaseIfOwned deletes the lease key only if this process currently
// owns it.
func (r *Registry) ReleaseLeaseIfOwned(ctx context.Context, peer identity.Identity) error {
	if r.store == nil {
		return fmt.Errorf("connlease: lease mode is disabled, no store configured")
	}
	key := r.leaseKey(peer)
	current, exists, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !exists || current != r.self.String() {
		return nil
	}
	return r.store.Del(ctx, key)
}
