// Package geo implements the spatial partition primitives AtlasNet shards
// publish and query: axis-aligned bounds, their constituent grid cells, and
// the pluggable partitioning heuristics (grid-cell, quadtree) that enumerate
// them for a given world generation.
package geo

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Vec3 is a 3-D point or vector.
type Vec3 struct {
	X, Y, Z float32
}

// AABB is an axis-aligned bounding box. Invariant: Min <= Max componentwise.
type AABB struct {
	Min, Max Vec3
}

// Contains reports whether p lies within the box, inclusive of its faces.
func (b AABB) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Valid reports whether Min <= Max componentwise.
func (b AABB) Valid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

// Cell is one constituent 2-D rect of a Bound, labeled by its row/column in
// the partition heuristic's grid.
type Cell struct {
	Row, Col int
	MinX, MinY, MaxX, MaxY float32
}

// BoundsID uniquely identifies a partition region within one heuristic
// generation.
type BoundsID uint32

// Bound is a labeled axis-aligned region of the world, plus the grid cells
// that compose it. Two bounds in the same heuristic generation never
// overlap; they may be adjacent.
type Bound struct {
	ID    BoundsID
	Box   AABB
	Cells []Cell
}

// Contains reports whether p lies within the bound's box. This is a pure
// function of (Min, Max), per spec.
func (b Bound) Contains(p Vec3) bool {
	return b.Box.Contains(p)
}

// Encode produces the canonical byte serialization of a Bound. The first
// four bytes are always the little-endian BoundsID, so PartitionManifest's
// RequeueClaimed can recover the BoundsID from the first bytes of an
// encoded bound without a full decode.
func (b Bound) Encode() []byte {
	out := make([]byte, 4+24+4+len(b.Cells)*24)
	binary.LittleEndian.PutUint32(out[0:4], uint32(b.ID))
	putVec3(out[4:16], b.Box.Min)
	putVec3(out[16:28], b.Box.Max)
	binary.LittleEndian.PutUint32(out[28:32], uint32(len(b.Cells)))
	off := 32
	for _, c := range b.Cells {
		binary.LittleEndian.PutUint32(out[off:off+4], uint32(int32(c.Row)))
		binary.LittleEndian.PutUint32(out[off+4:off+8], uint32(int32(c.Col)))
		binary.LittleEndian.PutUint32(out[off+8:off+12], math.Float32bits(c.MinX))
		binary.LittleEndian.PutUint32(out[off+12:off+16], math.Float32bits(c.MinY))
		binary.LittleEndian.PutUint32(out[off+16:off+20], math.Float32bits(c.MaxX))
		binary.LittleEndian.PutUint32(out[off+20:off+24], math.Float32bits(c.MaxY))
		off += 24
	}
	return out
}

// DecodeBound parses the byte form produced by Encode.
func DecodeBound(raw []byte) (Bound, error) {
	if len(raw) < 32 {
		return Bound{}, fmt.Errorf("geo: truncated bound, need >=32 bytes got %d", len(raw))
	}
	b := Bound{ID: BoundsID(binary.LittleEndian.Uint32(raw[0:4]))}
	b.Box.Min = getVec3(raw[4:16])
	b.Box.Max = getVec3(raw[16:28])
	n := binary.LittleEndian.Uint32(raw[28:32])
	off := 32
	b.Cells = make([]Cell, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+24 > len(raw) {
			return Bound{}, fmt.Errorf("geo: truncated bound cells at index %d", i)
		}
		b.Cells = append(b.Cells, Cell{
			Row:  int(int32(binary.LittleEndian.Uint32(raw[off : off+4]))),
			Col:  int(int32(binary.LittleEndian.Uint32(raw[off+4 : off+8]))),
			MinX: math.Float32frombits(binary.LittleEndian.Uint32(raw[off+8 : off+12])),
			MinY: math.Float32frombits(binary.LittleEndian.Uint32(raw[off+12 : off+16])),
			MaxX: math.Float32frombits(binary.LittleEndian.Uint32(raw[off+16 : off+20])),
			MaxY: math.Float32frombits(binary.LittleEndian.Uint32(raw[off+20 : off+24])),
		})
		off += 24
	}
	return b, nil
}

// BoundsIDFromEncoded recovers only the BoundsID from an encoded bound,
// without decoding the rest — used by RequeueClaimed.
func BoundsIDFromEncoded(raw []byte) (BoundsID, error) {
	if len(raw) < 4 {
		return 0, fmt.Errorf("geo: truncated bound, cannot read BoundsID")
	}
	return BoundsID(binary.LittleEndian.Uint32(raw[0:4])), nil
}

func putVec3(out []byte, v Vec3) {
	binary.LittleEndian.PutUint32(out[0:4], math.Float32bits(v.X))
	binary.LittleEndian.PutUint32(out[4:8], math.Float32bits(v.Y))
	binary.LittleEndian.PutUint32(out[8:12], math.Float32bits(v.Z))
}

func getVec3(in []byte) Vec3 {
	return Vec3{
		X: math.Float32frombits(binary.LittleEndian.Uint32(in[0:4])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(in[4:8])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(in[8:12])),
	}
}

// Heuristic enumerates the bounds of one partition generation. Implementers
// are GridCellHeuristic and QuadtreeHeuristic; the runtime and manifest are
// agnostic to which is wired in.
type Heuristic interface {
	// Type names the heuristic for Heuristic_Type storage.
	Type() string
	// EnumerateBounds returns every Bound in this generation, used to seed
	// PartitionManifest.Pending on PushHeuristic.
	EnumerateBounds() []Bound
	// BoundContaining returns the bound whose box contains p, if any.
	BoundContaining(p Vec3) (Bound, bool)
	// Encode serializes heuristic-specific configuration (HeuristicData).
	Encode() []byte
}
