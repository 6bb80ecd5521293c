// Package mailbox implements TransferMailbox: the per-shard queues of
// in-flight entity handoffs, indexed by entity_id and keyed by the agreed
// transfer time. Grounded on the original SH_TransferMailbox's two maps and
// its adopt/commit tick methods.
package mailbox

import (
	"context"
	"sort"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/identity"
)

// Simulator is the subset of DebugEntitySimulator the mailbox drives
// directly, kept minimal so this package does not depend on pkg/simulator.
type Simulator interface {
	AdoptSingleEntity(ent entity.Entity)
	RemoveEntity(entityID uint64)
}

// AuthorityTracker is the subset of authority.Tracker the mailbox needs.
type AuthorityTracker interface {
	IsPassingTo(entityID uint64, target identity.Identity) bool
	RemoveEntity(entityID uint64)
}

// TelemetryPublisher is the subset of telemetry.Publisher the mailbox
// triggers a snapshot publish on, once per tick with at least one commit.
type TelemetryPublisher interface {
	PublishSnapshot()
}

// IncomingHandoff is one pending inbound transfer.
type IncomingHandoff struct {
	Entity         entity.Entity
	Sender         identity.Identity
	TransferTimeUs uint64
}

// OutgoingHandoff is one pending outbound transfer.
type OutgoingHandoff struct {
	EntityID       uint64
	Target         identity.Identity
	TransferTimeUs uint64
}

// Watchdog is the subset of watchdog.Manifest the mailbox reports
// adopt/commit/cancel events to. Signatures mirror watchdog.Manifest's
// directly, so a *watchdog.Manifest satisfies this interface with no
// adapter.
type Watchdog interface {
	MarkIncomingAdopted(ctx context.Context, ent entity.Entity, source, target identity.Identity, transferTimeUs uint64) error
	MarkOutgoingCommitted(ctx context.Context, entityID uint64, source, target identity.Identity) error
	MarkTransferCanceled(ctx context.Context, entityID uint64) error
}

// Mailbox is TransferMailbox.
type Mailbox struct {
	pendingIncoming map[uint64]IncomingHandoff
	pendingOutgoing map[uint64]OutgoingHandoff
}

// New creates an empty Mailbox.
func New() *Mailbox {
	return &Mailbox{
		pendingIncoming: make(map[uint64]IncomingHandoff),
		pendingOutgoing: make(map[uint64]OutgoingHandoff),
	}
}

// Reset clears both maps.
func (m *Mailbox) Reset() {
	m.pendingIncoming = make(map[uint64]IncomingHandoff)
	m.pendingOutgoing = make(map[uint64]OutgoingHandoff)
}

// QueueIncoming overwrites any prior pending incoming transfer for this
// entity: the latest handoff packet supersedes earlier ones.
func (m *Mailbox) QueueIncoming(ent entity.Entity, sender identity.Identity, transferTimeUs uint64) {
	m.pendingIncoming[ent.EntityID] = IncomingHandoff{
		Entity:         ent,
		Sender:         sender,
		TransferTimeUs: transferTimeUs,
	}
}

// AddPendingOutgoing overwrites any prior pending outgoing transfer for this
// entity.
func (m *Mailbox) AddPendingOutgoing(h OutgoingHandoff) {
	m.pendingOutgoing[h.EntityID] = h
}

// PendingIncomingCount and PendingOutgoingCount expose queue depth for
// telemetry/tests.
func (m *Mailbox) PendingIncomingCount() int { return len(m.pendingIncoming) }
func (m *Mailbox) PendingOutgoingCount() int { return len(m.pendingOutgoing) }

// AdoptIncomingIfDue adopts every incoming entry whose TransferTimeUs is
// <= nowUs, in deterministic order (sorted by transfer time then entity_id),
// and returns how many were adopted. Entries with a later timestamp are
// left untouched. self identifies this shard as the adopting target when
// reporting to wd.
func (m *Mailbox) AdoptIncomingIfDue(ctx context.Context, nowUs uint64, self identity.Identity, sim Simulator, wd Watchdog) int {
	if len(m.pendingIncoming) == 0 {
		return 0
	}

	type due struct {
		id uint64
		h  IncomingHandoff
	}
	var dueEntries []due
	for id, h := range m.pendingIncoming {
		if h.TransferTimeUs <= nowUs {
			dueEntries = append(dueEntries, due{id: id, h: h})
		}
	}
	sort.Slice(dueEntries, func(i, j int) bool {
		if dueEntries[i].h.TransferTimeUs != dueEntries[j].h.TransferTimeUs {
			return dueEntries[i].h.TransferTimeUs < dueEntries[j].h.TransferTimeUs
		}
		return dueEntries[i].id < dueEntries[j].id
	})

	for _, d := range dueEntries {
		sim.AdoptSingleEntity(d.h.Entity)
		if wd != nil {
			_ = wd.MarkIncomingAdopted(ctx, d.h.Entity, d.h.Sender, self, d.h.TransferTimeUs)
		}
		delete(m.pendingIncoming, d.id)
	}
	return len(dueEntries)
}

// CommitOutgoingIfDue processes every outgoing entry whose TransferTimeUs is
// <= nowUs: if the tracker no longer reports Passing to the recorded
// target, the transfer was externally canceled and is dropped without
// touching the simulator; otherwise the entity is removed locally and the
// commit recorded in the watchdog. If at least one entry committed, a
// telemetry snapshot is published after the loop. self identifies this
// shard as the departing source when reporting to wd.
func (m *Mailbox) CommitOutgoingIfDue(ctx context.Context, nowUs uint64, self identity.Identity, sim Simulator, tracker AuthorityTracker, wd Watchdog, telemetry TelemetryPublisher) int {
	if len(m.pendingOutgoing) == 0 {
		return 0
	}

	type due struct {
		id uint64
		h  OutgoingHandoff
	}
	var dueEntries []due
	for id, h := range m.pendingOutgoing {
		if h.TransferTimeUs <= nowUs {
			dueEntries = append(dueEntries, due{id: id, h: h})
		}
	}
	sort.Slice(dueEntries, func(i, j int) bool {
		if dueEntries[i].h.TransferTimeUs != dueEntries[j].h.TransferTimeUs {
			return dueEntries[i].h.TransferTimeUs < dueEntries[j].h.TransferTimeUs
		}
		return dueEntries[i].id < dueEntries[j].id
	})

	committed := 0
	for _, d := range dueEntries {
		if !tracker.IsPassingTo(d.id, d.h.Target) {
			if wd != nil {
				_ = wd.MarkTransferCanceled(ctx, d.id)
			}
			delete(m.pendingOutgoing, d.id)
			continue
		}

		sim.RemoveEntity(d.id)
		tracker.RemoveEntity(d.id)
		if wd != nil {
			_ = wd.MarkOutgoingCommitted(ctx, d.id, self, d.h.Target)
		}
		delete(m.pendingOutgoing, d.id)
		committed++
	}

	if committed > 0 && telemetry != nil {
		telemetry.PublishSnapshot()
	}
	return committed
}
