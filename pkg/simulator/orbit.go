package simulator

import (
	"math"
	"math/rand"
	"sort"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/geo"
)

// orbitDebugEntityNamespace matches the original's kDebugEntityIdNamespace
// for the orbit variant, keeping debug entity IDs distinct from the linear
// variant's namespace.
const orbitDebugEntityNamespace uint64 = 0xA7105EED00000000

type orbitEntry struct {
	ent           entity.Entity
	phaseOffsetRad float32
}

// Orbit is the circular-orbit DebugEntitySimulator variant: every entity
// moves on a shared circle of the configured radius, distinguished only by
// its phase offset.
type Orbit struct {
	byID         map[uint64]*orbitEntry
	orbitAngleRad float32
	rng          *rand.Rand
}

// NewOrbit constructs an empty Orbit simulator.
func NewOrbit() *Orbit {
	return &Orbit{byID: make(map[uint64]*orbitEntry), rng: newRNG()}
}

// Reset clears the population and phase accumulator.
func (o *Orbit) Reset() {
	o.byID = make(map[uint64]*orbitEntry)
	o.orbitAngleRad = 0
}

// SeedEntities tops the population up to DesiredCount; a no-op if already at
// or above it.
func (o *Orbit) SeedEntities(opts SeedOptions) {
	if uint32(len(o.byID)) >= opts.DesiredCount {
		return
	}
	radius := opts.InitialRadius
	if radius < 0 {
		radius = 0
	}
	for i := uint32(len(o.byID)); i < opts.DesiredCount; i++ {
		var phaseOffset float32
		if opts.RandomizeInitialPhase {
			phaseOffset = float32(o.rng.Float64() * 2 * math.Pi)
		} else {
			phaseOffset = opts.PhaseStepRad * float32(i)
		}
		angle := o.orbitAngleRad + phaseOffset
		position := geo.Vec3{X: float32(math.Cos(float64(angle))) * radius, Y: float32(math.Sin(float64(angle))) * radius, Z: 0}

		ent := entity.Entity{EntityID: makeDebugEntityID(orbitDebugEntityNamespace, i), Position: position}
		ent.RecenterBoundingBox(opts.HalfExtent)
		o.byID[ent.EntityID] = &orbitEntry{ent: ent, phaseOffsetRad: phaseOffset}
	}
}

// AdoptSingleEntity inserts ent, inferring its phase offset from its current
// position so it continues orbiting smoothly rather than snapping.
func (o *Orbit) AdoptSingleEntity(ent entity.Entity) {
	entry := &orbitEntry{ent: ent}
	pos := ent.Position
	if absf(pos.X) > 1e-4 || absf(pos.Y) > 1e-4 {
		angle := float32(math.Atan2(float64(pos.Y), float64(pos.X)))
		entry.phaseOffsetRad = angle - o.orbitAngleRad
	}
	o.byID[ent.EntityID] = entry
}

// RemoveEntity drops entityID from the population, if present.
func (o *Orbit) RemoveEntity(entityID uint64) {
	delete(o.byID, entityID)
}

// Tick advances the shared orbit angle and repositions every entity on the
// configured radius at its individual phase offset.
func (o *Orbit) Tick(opts TickOptions) {
	delta := clampDelta(opts.DeltaSeconds)
	o.orbitAngleRad += delta * opts.AngularSpeedRadPerSec

	for _, e := range o.byID {
		angle := o.orbitAngleRad + e.phaseOffsetRad
		e.ent.Position = geo.Vec3{
			X: float32(math.Cos(float64(angle))) * opts.Radius,
			Y: float32(math.Sin(float64(angle))) * opts.Radius,
			Z: e.ent.Position.Z,
		}
		e.ent.RecenterBoundingBox(DefaultHalfExtent)
	}
}

// GetEntitiesSnapshot returns every tracked entity, sorted by EntityID for
// deterministic iteration order in tests and telemetry.
func (o *Orbit) GetEntitiesSnapshot() []entity.Entity {
	out := make([]entity.Entity, 0, len(o.byID))
	for _, e := range o.byID {
		out = append(out, e.ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Count reports the current population size.
func (o *Orbit) Count() int { return len(o.byID) }

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
