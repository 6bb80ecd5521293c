// Package planner implements BorderHandoffPlanner: the per-tick scan that
// detects entities crossing from this shard's bound into a neighbor's, and
// emits the packet plus bookkeeping that starts a handoff. Grounded on
// SH_BorderHandoffPlanner.cpp from the original implementation.
package planner

import (
	"context"
	"sort"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/geo"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/mailbox"
)

// DefaultHandoffDelayUs is the recommended default transfer delay (60 ms),
// giving both shards time to agree before the commit becomes due.
const DefaultHandoffDelayUs = 60_000

// AuthorityTracker is the subset of authority.Tracker the planner drives.
type AuthorityTracker interface {
	Snapshot() []entity.Entity
	IsPassing(entityID uint64) bool
	MarkAuthoritative(entityID uint64)
	MarkPassing(entityID uint64, target identity.Identity) bool
}

// PacketSender is the subset of packet.Manager the planner uses to emit a
// handoff packet.
type PacketSender interface {
	Send(ctx context.Context, target identity.Identity, ent entity.Entity, transferTimeUs uint64) error
}

// Watchdog is the subset of watchdog.Manifest the planner reports a started
// transfer to.
type Watchdog interface {
	MarkTransferStarted(ctx context.Context, ent entity.Entity, source, target identity.Identity, transferTimeUs uint64) error
}

// TargetResolver resolves a claimed bound's stored owner identity (as
// recorded in PartitionManifest) to the live NetworkIdentity a packet
// should be addressed to. The naive in-process case is the identity
// function; a server-registry-backed resolver can translate stale or
// renamed owners.
type TargetResolver interface {
	Resolve(claimKey identity.Identity) (identity.Identity, bool)
}

// ManifestTargetResolver is the trivial resolver for the bound-based
// planning path: the claim key stored in PartitionManifest already is the
// NetworkIdentity to address. Grounded on the original's
// NH_EntityAuthorityManager, which skips a separate server-registry
// indirection and treats the claimed owner as the destination.
type ManifestTargetResolver struct{}

// Resolve implements TargetResolver.
func (ManifestTargetResolver) Resolve(claimKey identity.Identity) (identity.Identity, bool) {
	return claimKey, true
}

// NaiveTarget is the alternate resolver backing PlanAndSendAllNaive: it
// always resolves to one configured peer, ignoring which claimed bound (if
// any) a crossing entity landed in. Grounded on the NH_* naive handoff mode
// in original_source/AtlasNet/lib/Native-exc/EntityHandoff, which early
// tests used before the border-based planner existed: a shard with no
// partition awareness simply forwards everything that leaves its own box to
// one fixed peer.
type NaiveTarget struct {
	Peer identity.Identity
}

// Resolve implements TargetResolver. It ignores claimKey entirely.
func (n NaiveTarget) Resolve(identity.Identity) (identity.Identity, bool) {
	if !n.Peer.IsValid() {
		return identity.Identity{}, false
	}
	return n.Peer, true
}

// Planner is BorderHandoffPlanner.
type Planner struct {
	self           identity.Identity
	handoffDelayUs uint64
	resolver       TargetResolver
}

// Config configures a Planner.
type Config struct {
	Self           identity.Identity
	HandoffDelayUs uint64
	Resolver       TargetResolver // defaults to ManifestTargetResolver
}

// New builds a Planner.
func New(cfg Config) *Planner {
	if cfg.HandoffDelayUs == 0 {
		cfg.HandoffDelayUs = DefaultHandoffDelayUs
	}
	if cfg.Resolver == nil {
		cfg.Resolver = ManifestTargetResolver{}
	}
	return &Planner{self: cfg.Self, handoffDelayUs: cfg.HandoffDelayUs, resolver: cfg.Resolver}
}

// PlanAndSendAll scans every entity owned by tracker, finds the ones that
// have crossed into a neighboring claimed bound, sends a GenericEntityPacket
// for each, records the transfer as started in the watchdog, marks the
// tracker entry Passing, and returns the pending outgoing handoffs for the
// mailbox. Bounds are scanned in ascending BoundsID order so the "first
// matching bound wins" tie-break (ties are not expected, since claimed
// bounds never overlap) is deterministic.
func (p *Planner) PlanAndSendAll(
	ctx context.Context,
	tracker AuthorityTracker,
	claimedBounds map[identity.Identity]geo.Bound,
	nowUs uint64,
	sender PacketSender,
	wd Watchdog,
) []mailbox.OutgoingHandoff {
	if len(claimedBounds) == 0 {
		return nil
	}
	selfBound, haveSelfBound := claimedBounds[p.self]
	if !haveSelfBound {
		return nil
	}

	others := make([]boundClaim, 0, len(claimedBounds)-1)
	for owner, bound := range claimedBounds {
		if owner == p.self {
			continue
		}
		others = append(others, boundClaim{owner: owner, bound: bound})
	}
	sort.Slice(others, func(i, j int) bool { return others[i].bound.ID < others[j].bound.ID })

	var outgoing []mailbox.OutgoingHandoff
	for _, ent := range tracker.Snapshot() {
		if tracker.IsPassing(ent.EntityID) {
			continue
		}

		if selfBound.Contains(ent.Position) {
			tracker.MarkAuthoritative(ent.EntityID)
			continue
		}

		claimOwner, found := findOwningClaim(others, ent.Position)
		if !found {
			continue
		}

		target, resolved := p.resolver.Resolve(claimOwner)
		if !resolved || target == p.self {
			continue
		}

		if !tracker.MarkPassing(ent.EntityID, target) {
			continue
		}

		transferTimeUs := nowUs + p.handoffDelayUs
		if err := sender.Send(ctx, target, ent, transferTimeUs); err != nil {
			continue
		}
		_ = wd.MarkTransferStarted(ctx, ent, p.self, target, transferTimeUs)

		outgoing = append(outgoing, mailbox.OutgoingHandoff{
			EntityID:       ent.EntityID,
			Target:         target,
			TransferTimeUs: transferTimeUs,
		})
	}
	return outgoing
}

// PlanAndSendAllNaive is the alternate planning path for a Planner
// configured with NaiveTarget: it never consults PartitionManifest's
// claimed bounds. Every owned, non-passing entity outside selfBound (or
// every owned entity at all, if selfBound is nil — the "no partition
// awareness yet" case the original's early tests bootstrap from) is pushed
// straight to the resolver's single configured peer. It shares the same
// idempotent-via-MarkPassing guarantee as PlanAndSendAll.
func (p *Planner) PlanAndSendAllNaive(
	ctx context.Context,
	tracker AuthorityTracker,
	selfBound *geo.AABB,
	nowUs uint64,
	sender PacketSender,
	wd Watchdog,
) []mailbox.OutgoingHandoff {
	var outgoing []mailbox.OutgoingHandoff
	for _, ent := range tracker.Snapshot() {
		if tracker.IsPassing(ent.EntityID) {
			continue
		}
		if selfBound != nil && selfBound.Contains(ent.Position) {
			tracker.MarkAuthoritative(ent.EntityID)
			continue
		}

		target, resolved := p.resolver.Resolve(identity.Identity{})
		if !resolved || target == p.self {
			continue
		}
		if !tracker.MarkPassing(ent.EntityID, target) {
			continue
		}

		transferTimeUs := nowUs + p.handoffDelayUs
		if err := sender.Send(ctx, target, ent, transferTimeUs); err != nil {
			continue
		}
		_ = wd.MarkTransferStarted(ctx, ent, p.self, target, transferTimeUs)

		outgoing = append(outgoing, mailbox.OutgoingHandoff{
			EntityID:       ent.EntityID,
			Target:         target,
			TransferTimeUs: transferTimeUs,
		})
	}
	return outgoing
}

type boundClaim struct {
	owner identity.Identity
	bound geo.Bound
}

func findOwningClaim(others []boundClaim, position geo.Vec3) (identity.Identity, bool) {
	for _, c := range others {
		if c.bound.Contains(position) {
			return c.owner, true
		}
	}
	return identity.Identity{}, false
}
