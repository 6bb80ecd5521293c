package simulator

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/geo"
)

// linearDebugEntityNamespace matches the original's kDebugEntityIdNamespace
// for the linear-bounce variant.
const linearDebugEntityNamespace uint64 = 0xB01A7EED00000000

// fallbackWorldHalfExtent is used when no claimed/pending bound and no
// configured world bounds are available to derive a perimeter from.
const fallbackWorldHalfExtent = 50.0

type linearEntry struct {
	ent        entity.Entity
	halfExtent float32
	velocity   geo.Vec3
}

// LinearBounce is the linear-motion DebugEntitySimulator variant: entities
// travel in a straight line and reflect off a perimeter recomputed from the
// partition manifest's claimed/pending bounds plus any statically
// configured world box.
type LinearBounce struct {
	byID    map[uint64]*linearEntry
	rng     *rand.Rand
	bounds  WorldBoundsProvider
	log     PerimeterLogger

	perimeterValid   bool
	perimeter        geo.AABB
	lastRefresh      time.Time
	haveLastRefresh  bool
}

// PerimeterLogger receives a one-line notice each time the perimeter is
// recomputed, mirroring the original's WarningFormatted call.
type PerimeterLogger interface {
	Warn(msg string, args ...any)
}

// NewLinearBounce constructs an empty LinearBounce simulator. bounds may be
// nil, in which case the perimeter always falls back to a fixed box
// centered on the origin.
func NewLinearBounce(bounds WorldBoundsProvider, log PerimeterLogger) *LinearBounce {
	return &LinearBounce{byID: make(map[uint64]*linearEntry), rng: newRNG(), bounds: bounds, log: log}
}

// Reset clears the population and invalidates the cached perimeter.
func (l *LinearBounce) Reset() {
	l.byID = make(map[uint64]*linearEntry)
	l.perimeterValid = false
	l.haveLastRefresh = false
}

// SeedEntities tops the population up to DesiredCount.
func (l *LinearBounce) SeedEntities(opts SeedOptions) {
	if uint32(len(l.byID)) >= opts.DesiredCount {
		return
	}
	l.refreshPerimeterIfNeeded(0)

	for i := uint32(len(l.byID)); i < opts.DesiredCount; i++ {
		halfExtent := opts.HalfExtent
		if halfExtent < 0.01 {
			halfExtent = 0.01
		}
		var position geo.Vec3
		if opts.RandomizeInitialPosition {
			position = l.randomSpawnPosition(halfExtent)
		}

		ent := entity.Entity{EntityID: makeDebugEntityID(linearDebugEntityNamespace, i), Position: position}
		ent.RecenterBoundingBox(halfExtent)

		var velocity geo.Vec3
		if opts.RandomizeInitialDirection {
			velocity = randomVelocity(l.rng, opts.SpeedUnitsPerSec)
		} else {
			velocity = geo.Vec3{X: opts.SpeedUnitsPerSec, Y: 0, Z: 0}
		}
		l.byID[ent.EntityID] = &linearEntry{ent: ent, halfExtent: halfExtent, velocity: velocity}
	}
}

// AdoptSingleEntity inserts ent, preserving its prior velocity if it was
// already tracked (reacquisition after a canceled handoff), otherwise
// assigning a fresh random velocity.
func (l *LinearBounce) AdoptSingleEntity(ent entity.Entity) {
	halfExtent := ent.BoundingBox.Max.X - ent.Position.X
	if halfExtent <= 0 {
		halfExtent = DefaultHalfExtent
	}
	velocity := randomVelocity(l.rng, DefaultSpeedUnitsPerSec)
	if existing, ok := l.byID[ent.EntityID]; ok {
		velocity = existing.velocity
	}
	l.byID[ent.EntityID] = &linearEntry{ent: ent, halfExtent: halfExtent, velocity: velocity}
}

// RemoveEntity drops entityID from the population, if present.
func (l *LinearBounce) RemoveEntity(entityID uint64) {
	delete(l.byID, entityID)
}

// Tick advances every entity along its velocity and reflects it off the
// world perimeter, recomputing the perimeter at most once per
// PerimeterRefreshInterval.
func (l *LinearBounce) Tick(opts TickOptions) {
	delta := clampDelta(opts.DeltaSeconds)
	l.refreshPerimeterIfNeeded(opts.PerimeterRefreshInterval)

	for _, e := range l.byID {
		e.ent.Position.X += e.velocity.X * delta
		e.ent.Position.Y += e.velocity.Y * delta
		e.ent.Position.Z += e.velocity.Z * delta
		l.reflectOnPerimeter(e)
		e.ent.RecenterBoundingBox(e.halfExtent)
	}
}

// GetEntitiesSnapshot returns every tracked entity, sorted by EntityID.
func (l *LinearBounce) GetEntitiesSnapshot() []entity.Entity {
	out := make([]entity.Entity, 0, len(l.byID))
	for _, e := range l.byID {
		out = append(out, e.ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Count reports the current population size.
func (l *LinearBounce) Count() int { return len(l.byID) }

func (l *LinearBounce) refreshPerimeterIfNeeded(refreshInterval time.Duration) {
	now := time.Now()
	if refreshInterval > 0 && l.haveLastRefresh && now.Sub(l.lastRefresh) < refreshInterval {
		return
	}
	l.lastRefresh = now
	l.haveLastRefresh = true
	l.rebuildPerimeter()
}

func (l *LinearBounce) rebuildPerimeter() {
	var claimed, pending []geo.AABB
	var configured geo.AABB
	haveConfigured := false
	if l.bounds != nil {
		claimed, pending = l.bounds.AllBounds()
		configured, haveConfigured = l.bounds.ConfiguredWorldBounds()
	}

	have := false
	var combined geo.AABB
	expand := func(b geo.AABB) {
		if !have {
			combined = b
			have = true
			return
		}
		combined.Min.X = minf(combined.Min.X, b.Min.X)
		combined.Min.Y = minf(combined.Min.Y, b.Min.Y)
		combined.Min.Z = minf(combined.Min.Z, b.Min.Z)
		combined.Max.X = maxf(combined.Max.X, b.Max.X)
		combined.Max.Y = maxf(combined.Max.Y, b.Max.Y)
		combined.Max.Z = maxf(combined.Max.Z, b.Max.Z)
	}
	for _, b := range claimed {
		expand(b)
	}
	for _, b := range pending {
		expand(b)
	}
	if haveConfigured {
		expand(configured)
	}

	if !have || !combined.Valid() {
		l.perimeter = geo.AABB{
			Min: geo.Vec3{X: -fallbackWorldHalfExtent, Y: -fallbackWorldHalfExtent, Z: 0},
			Max: geo.Vec3{X: fallbackWorldHalfExtent, Y: fallbackWorldHalfExtent, Z: 0},
		}
		l.perimeterValid = true
		if l.log != nil {
			l.log.Warn("debug linear bounce perimeter fallback used",
				"claimed_count", len(claimed), "pending_count", len(pending), "configured_world", haveConfigured)
		}
		return
	}

	l.perimeter = combined
	l.perimeterValid = true
	if l.log != nil {
		l.log.Warn("debug linear bounce perimeter set",
			"claimed_count", len(claimed), "pending_count", len(pending), "configured_world", haveConfigured)
	}
}

func (l *LinearBounce) randomSpawnPosition(halfExtent float32) geo.Vec3 {
	if !l.perimeterValid {
		return geo.Vec3{}
	}
	minX, maxX := l.perimeter.Min.X+halfExtent, l.perimeter.Max.X-halfExtent
	minY, maxY := l.perimeter.Min.Y+halfExtent, l.perimeter.Max.Y-halfExtent

	centerX := (l.perimeter.Min.X + l.perimeter.Max.X) / 2
	centerY := (l.perimeter.Min.Y + l.perimeter.Max.Y) / 2
	centerZ := (l.perimeter.Min.Z + l.perimeter.Max.Z) / 2

	spawnX := centerX
	if minX <= maxX {
		spawnX = minX + float32(l.rng.Float64())*(maxX-minX)
	}
	spawnY := centerY
	if minY <= maxY {
		spawnY = minY + float32(l.rng.Float64())*(maxY-minY)
	}
	return geo.Vec3{X: spawnX, Y: spawnY, Z: centerZ}
}

func (l *LinearBounce) reflectOnPerimeter(e *linearEntry) {
	if !l.perimeterValid {
		return
	}
	minX, maxX := l.perimeter.Min.X+e.halfExtent, l.perimeter.Max.X-e.halfExtent
	minY, maxY := l.perimeter.Min.Y+e.halfExtent, l.perimeter.Max.Y-e.halfExtent

	reflectAxis(&e.ent.Position.X, &e.velocity.X, minX, maxX)
	reflectAxis(&e.ent.Position.Y, &e.velocity.Y, minY, maxY)
}

func reflectAxis(position, velocity *float32, minValue, maxValue float32) {
	if minValue > maxValue {
		mid := (minValue + maxValue) * 0.5
		*position = mid
		*velocity = 0
		return
	}
	for i := 0; i < 4; i++ {
		switch {
		case *position < minValue:
			*position = minValue + (minValue - *position)
			*velocity = float32(math.Abs(float64(*velocity)))
			continue
		case *position > maxValue:
			*position = maxValue - (*position - maxValue)
			*velocity = -float32(math.Abs(float64(*velocity)))
			continue
		}
		break
	}
	if *position < minValue {
		*position = minValue
	}
	if *position > maxValue {
		*position = maxValue
	}
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
