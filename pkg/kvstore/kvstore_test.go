package kvstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasnet/atlasnet/pkg/kvstore"
)

// storeSuite runs the same behavioral contract against every Store
// backend, grounded on goclaw's pkg/storage.StorageTestSuite pattern of
// parameterizing one test body over multiple constructors.
type storeSuite struct {
	newStore func(t *testing.T) kvstore.Store
}

func (s storeSuite) run(t *testing.T) {
	t.Run("GetSetDel", s.testGetSetDel)
	t.Run("Hash", s.testHash)
	t.Run("SetWithTTL", s.testSetWithTTL)
	t.Run("CAS", s.testCAS)
}

func (s storeSuite) testGetSetDel(t *testing.T) {
	ctx := context.Background()
	store := s.newStore(t)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k1", "v1"))
	v, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	require.NoError(t, store.Del(ctx, "k1"))
	_, ok, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func (s storeSuite) testHash(t *testing.T) {
	ctx := context.Background()
	store := s.newStore(t)

	require.NoError(t, store.HSet(ctx, "h1", "f1", "v1"))
	require.NoError(t, store.HSet(ctx, "h1", "f2", "v2"))

	v, ok, err := store.HGet(ctx, "h1", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)

	all, err := store.HGetAll(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, store.HDel(ctx, "h1", "f1"))
	_, ok, err = store.HGet(ctx, "h1", "f1")
	require.NoError(t, err)
	require.False(t, ok)
}

func (s storeSuite) testSetWithTTL(t *testing.T) {
	ctx := context.Background()
	store := s.newStore(t)

	require.NoError(t, store.SAdd(ctx, "s1", 0, "a", "b"))
	members, err := store.SMembers(ctx, "s1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, store.SRem(ctx, "s1", "a"))
	members, err = store.SMembers(ctx, "s1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b"}, members)

	require.NoError(t, store.SAdd(ctx, "s1", 20*time.Millisecond, "c"))
	time.Sleep(60 * time.Millisecond)
	members, err = store.SMembers(ctx, "s1")
	require.NoError(t, err)
	require.NotContains(t, members, "c")
}

func (s storeSuite) testCAS(t *testing.T) {
	ctx := context.Background()
	store := s.newStore(t)

	swapped, err := store.CAS(ctx, "owner", "", true, "shard-1")
	require.NoError(t, err)
	require.False(t, swapped, "CAS against a non-existent key with expectedOK=true must not create it")

	swapped, err = store.CAS(ctx, "owner", "", false, "shard-1")
	require.NoError(t, err)
	require.True(t, swapped)

	swapped, err = store.CAS(ctx, "owner", "", false, "shard-2")
	require.NoError(t, err)
	require.False(t, swapped, "CAS with expectedOK=false must fail once the key exists")

	swapped, err = store.CAS(ctx, "owner", "shard-1", true, "shard-2")
	require.NoError(t, err)
	require.True(t, swapped)

	v, ok, err := store.Get(ctx, "owner")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "shard-2", v)
}

func TestMemoryStore(t *testing.T) {
	storeSuite{newStore: func(t *testing.T) kvstore.Store {
		return kvstore.NewMemoryStore()
	}}.run(t)
}

func TestBadgerStore(t *testing.T) {
	storeSuite{newStore: func(t *testing.T) kvstore.Store {
		dir, err := os.MkdirTemp("", "atlasnet-badger-test-*")
		require.NoError(t, err)
		t.Cleanup(func() { os.RemoveAll(dir) })

		store, err := kvstore.NewBadgerStore(kvstore.BadgerConfig{Path: dir})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	}}.run(t)
}
