package mailbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/mailbox"
)

type fakeSimulator struct {
	adopted []uint64
	removed []uint64
}

func (s *fakeSimulator) AdoptSingleEntity(ent entity.Entity) { s.adopted = append(s.adopted, ent.EntityID) }
func (s *fakeSimulator) RemoveEntity(entityID uint64)        { s.removed = append(s.removed, entityID) }

type fakeTracker struct {
	passingTo map[uint64]identity.Identity
	removed   []uint64
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{passingTo: make(map[uint64]identity.Identity)}
}

func (t *fakeTracker) IsPassingTo(entityID uint64, target identity.Identity) bool {
	got, ok := t.passingTo[entityID]
	return ok && got == target
}

func (t *fakeTracker) RemoveEntity(entityID uint64) {
	t.removed = append(t.removed, entityID)
	delete(t.passingTo, entityID)
}

type fakeWatchdog struct {
	adopted   []uint64
	committed []uint64
	canceled  []uint64
}

func (w *fakeWatchdog) MarkIncomingAdopted(ctx context.Context, ent entity.Entity, source, target identity.Identity, transferTimeUs uint64) error {
	w.adopted = append(w.adopted, ent.EntityID)
	return nil
}

func (w *fakeWatchdog) MarkOutgoingCommitted(ctx context.Context, entityID uint64, source, target identity.Identity) error {
	w.committed = append(w.committed, entityID)
	return nil
}

func (w *fakeWatchdog) MarkTransferCanceled(ctx context.Context, entityID uint64) error {
	w.canceled = append(w.canceled, entityID)
	return nil
}

type fakeTelemetry struct {
	published int
}

func (f *fakeTelemetry) PublishSnapshot() { f.published++ }

func TestQueueIncomingLaterSupersedesEarlier(t *testing.T) {
	ctx := context.Background()
	mb := mailbox.New()
	sender := identity.New(identity.TagShard)
	self := identity.New(identity.TagShard)

	mb.QueueIncoming(entity.Entity{EntityID: 1, World: 1}, sender, 100)
	mb.QueueIncoming(entity.Entity{EntityID: 1, World: 2}, sender, 200)
	require.Equal(t, 1, mb.PendingIncomingCount())

	sim := &fakeSimulator{}
	wd := &fakeWatchdog{}
	n := mb.AdoptIncomingIfDue(ctx, 200, self, sim, wd)
	require.Equal(t, 1, n)
	require.Equal(t, []uint64{1}, sim.adopted)
	require.Equal(t, []uint64{1}, wd.adopted)
}

func TestAdoptIncomingIfDueSkipsNotYetDueAndOrdersDeterministically(t *testing.T) {
	ctx := context.Background()
	mb := mailbox.New()
	sender := identity.New(identity.TagShard)
	self := identity.New(identity.TagShard)

	mb.QueueIncoming(entity.Entity{EntityID: 5}, sender, 300)
	mb.QueueIncoming(entity.Entity{EntityID: 2}, sender, 100)
	mb.QueueIncoming(entity.Entity{EntityID: 1}, sender, 100)
	mb.QueueIncoming(entity.Entity{EntityID: 9}, sender, 500) // not due yet

	sim := &fakeSimulator{}
	n := mb.AdoptIncomingIfDue(ctx, 300, self, sim, nil)
	require.Equal(t, 3, n)
	require.Equal(t, []uint64{1, 2, 5}, sim.adopted)
	require.Equal(t, 1, mb.PendingIncomingCount())
}

func TestCommitOutgoingIfDueCommitsWhenStillPassing(t *testing.T) {
	ctx := context.Background()
	mb := mailbox.New()
	self := identity.New(identity.TagShard)
	target := identity.New(identity.TagShard)
	tr := newFakeTracker()
	tr.passingTo[1] = target

	mb.AddPendingOutgoing(mailbox.OutgoingHandoff{EntityID: 1, Target: target, TransferTimeUs: 100})

	sim := &fakeSimulator{}
	wd := &fakeWatchdog{}
	tel := &fakeTelemetry{}
	n := mb.CommitOutgoingIfDue(ctx, 100, self, sim, tr, wd, tel)

	require.Equal(t, 1, n)
	require.Equal(t, []uint64{1}, sim.removed)
	require.Equal(t, []uint64{1}, tr.removed)
	require.Equal(t, []uint64{1}, wd.committed)
	require.Equal(t, 1, tel.published)
	require.Equal(t, 0, mb.PendingOutgoingCount())
}

func TestCommitOutgoingIfDueCancelsWhenNoLongerPassing(t *testing.T) {
	ctx := context.Background()
	mb := mailbox.New()
	self := identity.New(identity.TagShard)
	target := identity.New(identity.TagShard)
	tr := newFakeTracker() // entity 1 not marked Passing anymore, i.e. canceled externally

	mb.AddPendingOutgoing(mailbox.OutgoingHandoff{EntityID: 1, Target: target, TransferTimeUs: 100})

	sim := &fakeSimulator{}
	wd := &fakeWatchdog{}
	tel := &fakeTelemetry{}
	n := mb.CommitOutgoingIfDue(ctx, 100, self, sim, tr, wd, tel)

	require.Equal(t, 0, n)
	require.Empty(t, sim.removed)
	require.Equal(t, []uint64{1}, wd.canceled)
	require.Equal(t, 0, tel.published, "no telemetry publish when nothing committed")
	require.Equal(t, 0, mb.PendingOutgoingCount())
}

func TestResetClearsBothQueues(t *testing.T) {
	mb := mailbox.New()
	sender := identity.New(identity.TagShard)
	mb.QueueIncoming(entity.Entity{EntityID: 1}, sender, 100)
	mb.AddPendingOutgoing(mailbox.OutgoingHandoff{EntityID: 2, Target: sender, TransferTimeUs: 100})

	mb.Reset()
	require.Equal(t, 0, mb.PendingIncomingCount())
	require.Equal(t, 0, mb.PendingOutgoingCount())
}
