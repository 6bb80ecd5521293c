// Package authority implements AuthorityTracker: the local table of
// entities this shard owns, each tagged Authoritative or Passing to a
// specific target, plus the telemetry row projection of that table.
package authority

import (
	"github.com/google/uuid"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/identity"
)

// State is an entry's handoff state.
type State int

const (
	// Authoritative means this shard is the entity's owner and is not
	// mid-handoff.
	Authoritative State = iota
	// Passing means a handoff to PassingTo has been initiated; it is
	// one-way until the mailbox commits or the entry is reset.
	Passing
)

// Entry is one AuthorityTracker row.
type Entry struct {
	Snapshot  entity.Entity
	State     State
	PassingTo identity.Identity
}

// TelemetryRow is one row of CollectTelemetryRows' output.
type TelemetryRow struct {
	EntityID uint64
	Owner    identity.Identity
	State    State
	World    uint16
	Position struct{ X, Y, Z float32 }
	IsClient bool
	ClientID uuid.UUID
}

// Tracker is AuthorityTracker. It creates no entries on its own — only
// SetOwnedEntities introduces them, mirroring the spec's invariant that the
// tracker never originates entities.
type Tracker struct {
	self    identity.Identity
	entries map[uint64]*Entry
}

// New creates an empty Tracker that reports self as the owner in telemetry.
func New(self identity.Identity) *Tracker {
	return &Tracker{self: self, entries: make(map[uint64]*Entry)}
}

// Reset clears every entry.
func (t *Tracker) Reset() {
	t.entries = make(map[uint64]*Entry)
}

// SetOwnedEntities replaces the tracked set to exactly reflect snapshot.
// Entities newly present default to Authoritative. Entities already present
// retain their State and PassingTo. Entities no longer present are dropped.
func (t *Tracker) SetOwnedEntities(snapshot []entity.Entity) {
	next := make(map[uint64]*Entry, len(snapshot))
	for _, ent := range snapshot {
		if existing, ok := t.entries[ent.EntityID]; ok {
			next[ent.EntityID] = &Entry{
				Snapshot:  ent,
				State:     existing.State,
				PassingTo: existing.PassingTo,
			}
			continue
		}
		next[ent.EntityID] = &Entry{Snapshot: ent, State: Authoritative}
	}
	t.entries = next
}

// MarkPassing transitions entityID to Passing toward target, returning true
// iff the state actually changed (false if already Passing to the exact
// same target, or if entityID is untracked) — callers use this to avoid
// resending a handoff packet.
func (t *Tracker) MarkPassing(entityID uint64, target identity.Identity) bool {
	e, ok := t.entries[entityID]
	if !ok {
		return false
	}
	if e.State == Passing && e.PassingTo == target {
		return false
	}
	e.State = Passing
	e.PassingTo = target
	return true
}

// MarkAuthoritative forces entityID back to Authoritative, clearing
// PassingTo. No-op if entityID is untracked.
func (t *Tracker) MarkAuthoritative(entityID uint64) {
	if e, ok := t.entries[entityID]; ok {
		e.State = Authoritative
		e.PassingTo = identity.Invalid
	}
}

// IsPassingTo reports whether entityID is currently Passing to target.
func (t *Tracker) IsPassingTo(entityID uint64, target identity.Identity) bool {
	e, ok := t.entries[entityID]
	return ok && e.State == Passing && e.PassingTo == target
}

// IsPassing reports whether entityID is Passing to any target.
func (t *Tracker) IsPassing(entityID uint64) bool {
	e, ok := t.entries[entityID]
	return ok && e.State == Passing
}

// RemoveEntity drops entityID from the tracked set, used once a handoff
// commits and the entity is no longer local.
func (t *Tracker) RemoveEntity(entityID uint64) {
	delete(t.entries, entityID)
}

// Snapshot returns every currently tracked entity, for the planner to walk.
func (t *Tracker) Snapshot() []entity.Entity {
	out := make([]entity.Entity, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.Snapshot)
	}
	return out
}

// CollectTelemetryRows appends one row per tracked entry to out and returns
// the extended slice.
func (t *Tracker) CollectTelemetryRows(out []TelemetryRow) []TelemetryRow {
	for id, e := range t.entries {
		row := TelemetryRow{
			EntityID: id,
			Owner:    t.self,
			State:    e.State,
			World:    e.Snapshot.World,
			IsClient: e.Snapshot.IsClient,
			ClientID: e.Snapshot.ClientID,
		}
		row.Position.X = e.Snapshot.Position.X
		row.Position.Y = e.Snapshot.Position.Y
		row.Position.Z = e.Snapshot.Position.Z
		out = append(out, row)
	}
	return out
}

// Count returns the number of tracked entries.
func (t *Tracker) Count() int {
	return len(t.entries)
}
