package election_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasnet/atlasnet/pkg/election"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/kvstore"
)

type staticRegistry struct {
	ids []identity.Identity
}

func (s staticRegistry) ShardIdentities() []identity.Identity { return s.ids }

func TestEvaluateBootstrapsLexicographicMinimum(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	a := identity.New(identity.TagShard)
	b := identity.New(identity.TagShard)
	lowest, highest := a, b
	if b.String() < a.String() {
		lowest, highest = b, a
	}

	reg := staticRegistry{ids: []identity.Identity{a, b}}
	elA := election.New(election.Config{Self: lowest, Store: store, Registry: reg})
	elB := election.New(election.Config{Self: highest, Store: store, Registry: reg})

	ownsA, err := elA.Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, ownsA)

	ownsB, err := elB.Evaluate(ctx)
	require.NoError(t, err)
	require.False(t, ownsB)

	stored, exists, err := store.Get(ctx, election.DefaultOwnerKey)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, lowest.String(), stored)
}

func TestEvaluateCachesWithinInterval(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	self := identity.New(identity.TagShard)
	other := identity.New(identity.TagShard)
	reg := staticRegistry{ids: []identity.Identity{self, other}}
	require.NoError(t, store.Set(ctx, election.DefaultOwnerKey, self.String()))

	el := election.New(election.Config{Self: self, Store: store, Registry: reg, EvalInterval: time.Hour})
	owns, err := el.Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, owns)

	// Mutate the store directly; cached Evaluate must not notice until
	// invalidated.
	require.NoError(t, store.Set(ctx, election.DefaultOwnerKey, other.String()))

	owns, err = el.Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, owns, "cached result should not change within the eval interval")

	el.Invalidate()
	owns, err = el.Evaluate(ctx)
	require.NoError(t, err)
	require.False(t, owns, "invalidation should force a re-read")
}

func TestEvaluateReelectsWhenStoredOwnerVanishes(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	self := identity.New(identity.TagShard)
	ghost := identity.New(identity.TagShard)
	require.NoError(t, store.Set(ctx, election.DefaultOwnerKey, ghost.String()))

	reg := staticRegistry{ids: []identity.Identity{self}}
	el := election.New(election.Config{Self: self, Store: store, Registry: reg})

	owns, err := el.Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, owns, "stale owner not in registry should be replaced by bootstrap election")
}

func TestForceNotOwnerOverridesCache(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	self := identity.New(identity.TagShard)
	reg := staticRegistry{ids: []identity.Identity{self}}

	el := election.New(election.Config{Self: self, Store: store, Registry: reg, EvalInterval: time.Hour})
	owns, err := el.Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, owns)

	el.ForceNotOwner()
	owns, err = el.Evaluate(ctx)
	require.NoError(t, err)
	require.False(t, owns, "ForceNotOwner must override the cached verdict even within the eval interval")
}
