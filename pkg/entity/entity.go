// Package entity defines AtlasEntity, the simulated object that moves
// through the world and whose authority is transferred between shards, and
// its canonical wire serialization.
package entity

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/atlasnet/atlasnet/pkg/geo"
)

// MaxMetadataBytes is the upper bound on opaque per-entity metadata.
const MaxMetadataBytes = 64 * 1024

// Entity is AtlasNet's AtlasEntity: a globally unique, shard-agnostic
// simulated object. EntityID never changes across ownership transfer.
type Entity struct {
	EntityID    uint64
	ClientID    uuid.UUID
	IsClient    bool
	World       uint16
	Position    geo.Vec3
	BoundingBox geo.AABB
	Metadata    []byte
}

// Clone returns a deep copy safe to mutate independently of the source.
func (e Entity) Clone() Entity {
	out := e
	if len(e.Metadata) > 0 {
		out.Metadata = append([]byte(nil), e.Metadata...)
	}
	return out
}

// Encode produces the canonical wire form:
// entity_id:u64 | world:u16 | position:{f32 x,y,z} | bounding_box:{min.xyz,max.xyz as f32}
// | is_client:u8 | client_id:uuid | metadata:{u32 len, bytes}. All integers little-endian.
func (e Entity) Encode() ([]byte, error) {
	if len(e.Metadata) > MaxMetadataBytes {
		return nil, fmt.Errorf("entity: metadata exceeds %d bytes", MaxMetadataBytes)
	}
	size := 8 + 2 + 12 + 24 + 1 + 16 + 4 + len(e.Metadata)
	out := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(out[off:], e.EntityID)
	off += 8
	binary.LittleEndian.PutUint16(out[off:], e.World)
	off += 2
	off = putVec3(out, off, e.Position)
	off = putVec3(out, off, e.BoundingBox.Min)
	off = putVec3(out, off, e.BoundingBox.Max)
	if e.IsClient {
		out[off] = 1
	}
	off++
	copy(out[off:off+16], e.ClientID[:])
	off += 16
	binary.LittleEndian.PutUint32(out[off:], uint32(len(e.Metadata)))
	off += 4
	copy(out[off:], e.Metadata)

	return out, nil
}

// Decode parses the wire form produced by Encode.
func Decode(raw []byte) (Entity, int, error) {
	const fixed = 8 + 2 + 12 + 24 + 1 + 16 + 4
	if len(raw) < fixed {
		return Entity{}, 0, fmt.Errorf("entity: truncated entity, need >=%d bytes got %d", fixed, len(raw))
	}
	var e Entity
	off := 0
	e.EntityID = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	e.World = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	e.Position, off = getVec3(raw, off)
	var min, max geo.Vec3
	min, off = getVec3(raw, off)
	max, off = getVec3(raw, off)
	e.BoundingBox = geo.AABB{Min: min, Max: max}
	e.IsClient = raw[off] != 0
	off++
	copy(e.ClientID[:], raw[off:off+16])
	off += 16
	metaLen := binary.LittleEndian.Uint32(raw[off:])
	off += 4
	if metaLen > MaxMetadataBytes {
		return Entity{}, 0, fmt.Errorf("entity: metadata length %d exceeds max %d", metaLen, MaxMetadataBytes)
	}
	if len(raw) < off+int(metaLen) {
		return Entity{}, 0, fmt.Errorf("entity: truncated metadata, need %d more bytes", int(metaLen)-(len(raw)-off))
	}
	if metaLen > 0 {
		e.Metadata = append([]byte(nil), raw[off:off+int(metaLen)]...)
	}
	off += int(metaLen)
	return e, off, nil
}

// RecenterBoundingBox sets BoundingBox to Position +/- halfExtent, matching
// the behavior both DebugEntitySimulator variants apply after every
// position update.
func (e *Entity) RecenterBoundingBox(halfExtent float32) {
	e.BoundingBox = geo.AABB{
		Min: geo.Vec3{X: e.Position.X - halfExtent, Y: e.Position.Y - halfExtent, Z: e.Position.Z - halfExtent},
		Max: geo.Vec3{X: e.Position.X + halfExtent, Y: e.Position.Y + halfExtent, Z: e.Position.Z + halfExtent},
	}
}

func putVec3(out []byte, off int, v geo.Vec3) int {
	binary.LittleEndian.PutUint32(out[off:], math.Float32bits(v.X))
	binary.LittleEndian.PutUint32(out[off+4:], math.Float32bits(v.Y))
	binary.LittleEndian.PutUint32(out[off+8:], math.Float32bits(v.Z))
	return off + 12
}

func getVec3(raw []byte, off int) (geo.Vec3, int) {
	v := geo.Vec3{
		X: math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])),
		Y: math.Float32frombits(binary.LittleEndian.Uint32(raw[off+4:])),
		Z: math.Float32frombits(binary.LittleEndian.Uint32(raw[off+8:])),
	}
	return v, off + 12
}
