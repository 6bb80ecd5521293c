// Package election implements OwnershipElection: a stateless, deterministic
// leader pick (lexicographic minimum shard identity) used to decide which
// single shard seeds the initial debug entity stream. Grounded on
// SH_OwnershipElection.cpp from the original implementation — same
// evaluation-interval caching, same bootstrap-by-lexicographic-minimum
// fallback, same re-validation of a stale owner key.
package election

import (
	"context"
	"time"

	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/kvstore"
	"github.com/atlasnet/atlasnet/pkg/logger"
)

// DefaultOwnerKey is the shared-store key holding the elected owner's
// canonical identity string.
const DefaultOwnerKey = "EntityHandoff:TestOwnerShard"

// DefaultEvalInterval bounds how often Evaluate re-reads the store.
const DefaultEvalInterval = 2 * time.Second

// Registry supplies the current known set of shard identities, e.g. the
// server registry's membership view. Evaluate only ever considers shard
// tagged identities.
type Registry interface {
	ShardIdentities() []identity.Identity
}

// Election is OwnershipElection.
type Election struct {
	self     identity.Identity
	store    kvstore.Store
	registry Registry
	log      logger.Logger
	ownerKey string
	interval time.Duration
	nowFn    func() time.Time

	evaluated        bool
	isOwner          bool
	lastEvalTime     time.Time
	hasLoggedState   bool
	lastLoggedOwning bool
}

// Config configures an Election.
type Config struct {
	Self         identity.Identity
	Store        kvstore.Store
	Registry     Registry
	Log          logger.Logger
	OwnerKey     string
	EvalInterval time.Duration
}

// New builds an Election, defaulting OwnerKey and EvalInterval.
func New(cfg Config) *Election {
	if cfg.OwnerKey == "" {
		cfg.OwnerKey = DefaultOwnerKey
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = DefaultEvalInterval
	}
	return &Election{
		self:     cfg.Self,
		store:    cfg.Store,
		registry: cfg.Registry,
		log:      cfg.Log,
		ownerKey: cfg.OwnerKey,
		interval: cfg.EvalInterval,
		nowFn:    time.Now,
	}
}

func (e *Election) now() time.Time {
	if e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

// Reset clears cached evaluation state, forcing the next Evaluate call to
// re-read the store immediately.
func (e *Election) Reset() {
	e.evaluated = false
	e.isOwner = false
	e.hasLoggedState = false
	e.lastEvalTime = e.now().Add(-e.interval)
}

// Invalidate forces the next Evaluate call to re-read the store, without
// otherwise disturbing the cached ownership verdict (used when the runtime
// wants a prompt re-check after a handoff changed the local picture).
func (e *Election) Invalidate() {
	e.evaluated = false
}

// ForceNotOwner immediately marks this shard as not the owner, without
// touching the store — used on shutdown so a departing shard stops acting
// as leader even before the cache would naturally expire.
func (e *Election) ForceNotOwner() {
	e.isOwner = false
}

func selectBootstrapOwner(candidates []identity.Identity) (identity.Identity, bool) {
	var selected identity.Identity
	found := false
	for _, id := range candidates {
		if id.Tag != identity.TagShard {
			continue
		}
		if !found || id.String() < selected.String() {
			selected = id
			found = true
		}
	}
	return selected, found
}

func containsIdentity(candidates []identity.Identity, target string) bool {
	for _, id := range candidates {
		if id.Tag == identity.TagShard && id.String() == target {
			return true
		}
	}
	return false
}

// Evaluate returns whether this shard currently holds leadership. The
// result is cached for EvalInterval; within that window repeated calls are
// free. On a cache miss it reads the owner key from the store, falls back
// to electing the lexicographically smallest known shard identity if the
// key is empty or its holder has disappeared from the registry, and writes
// the elected owner back so the fleet converges on one value.
func (e *Election) Evaluate(ctx context.Context) (bool, error) {
	now := e.now()
	if e.evaluated && now.Sub(e.lastEvalTime) < e.interval {
		return e.isOwner, nil
	}
	e.lastEvalTime = now
	e.evaluated = true

	candidates := e.registry.ShardIdentities()

	selectedOwner, exists, err := e.store.Get(ctx, e.ownerKey)
	if err != nil {
		return e.isOwner, err
	}
	if !exists || selectedOwner == "" {
		if bootstrap, ok := selectBootstrapOwner(candidates); ok {
			selectedOwner = bootstrap.String()
			exists = true
			_ = e.store.Set(ctx, e.ownerKey, selectedOwner)
		}
	} else if !containsIdentity(candidates, selectedOwner) {
		if bootstrap, ok := selectBootstrapOwner(candidates); ok {
			selectedOwner = bootstrap.String()
			exists = true
			_ = e.store.Set(ctx, e.ownerKey, selectedOwner)
		} else {
			exists = false
		}
	}

	if !exists {
		e.isOwner = false
		return false, nil
	}

	e.isOwner = selectedOwner == e.self.String()
	if e.log != nil && (!e.hasLoggedState || e.lastLoggedOwning != e.isOwner) {
		e.hasLoggedState = true
		e.lastLoggedOwning = e.isOwner
		e.log.Debug("ownership election transition",
			"owner", selectedOwner, "self", e.self.String(), "owning", e.isOwner)
	}
	return e.isOwner, nil
}
