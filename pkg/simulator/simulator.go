// Package simulator implements DebugEntitySimulator: a synthetic moving
// entity population used to exercise handoff without a real game world.
// Two variants are provided, circular orbit and linear-bounce-on-perimeter,
// grounded respectively on DebugEntityOrbitSimulator.cpp and
// DebugEntityLinearBounceSimulator.cpp from the original implementation.
package simulator

import (
	"math"
	"math/rand"
	"time"

	"github.com/atlasnet/atlasnet/pkg/geo"
)

// Default tuning constants, mirrored from DebugEntitySimulator.hpp.
const (
	DefaultHalfExtent              = 0.5
	DefaultOrbitRadius             = 12.0
	DefaultOrbitAngularSpeedRadSec = 1.2
	DefaultSpeedUnitsPerSec        = 18.0
)

// SeedOptions configures the initial population, shared by both variants.
type SeedOptions struct {
	DesiredCount  uint32
	HalfExtent    float32

	// Orbit-focused.
	PhaseStepRad          float32
	InitialRadius         float32
	RandomizeInitialPhase bool

	// Linear-focused.
	SpeedUnitsPerSec          float32
	RandomizeInitialDirection bool
	RandomizeInitialPosition  bool
}

// TickOptions configures one simulation step, shared by both variants.
type TickOptions struct {
	DeltaSeconds float32

	// Orbit-focused.
	Radius                float32
	AngularSpeedRadPerSec float32

	// Linear-focused.
	PerimeterRefreshInterval time.Duration
}

// WorldBoundsProvider supplies the information LinearBounce needs to
// recompute the world perimeter: every currently claimed and pending bound,
// plus an optional statically configured world box.
type WorldBoundsProvider interface {
	AllBounds() (claimed []geo.AABB, pending []geo.AABB)
	ConfiguredWorldBounds() (geo.AABB, bool)
}

func clampDelta(d float32) float32 {
	if d < 0 {
		return 0
	}
	if d > 0.25 {
		return 0.25
	}
	return d
}

func makeDebugEntityID(namespace uint64, index uint32) uint64 {
	return namespace ^ (uint64(index+1) << 1)
}

func randomVelocity(rng *rand.Rand, speed float32) geo.Vec3 {
	if speed < 0 {
		speed = 0
	}
	angle := rng.Float64() * 2 * math.Pi
	return geo.Vec3{X: float32(math.Cos(angle)) * speed, Y: float32(math.Sin(angle)) * speed, Z: 0}
}

// newRNG mirrors the original's std::random_device seeding: a fresh
// unpredictable seed per simulator instance, not per call, so two entities
// seeded in the same Tick do not share a phase by construction.
func newRNG() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
