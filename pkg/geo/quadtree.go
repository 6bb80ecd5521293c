package geo

import "encoding/binary"

// QuadtreeHeuristic partitions the world by uniformly subdividing a root
// square to a fixed depth, each leaf becoming one Bound. Grounded on the
// original QuadtreeHeuristic's uniform-subdivision path (density-based
// subdivision is not reproduced — it depends on a live entity population,
// out of scope for a manifest-level heuristic).
type QuadtreeHeuristic struct {
	WorldMin, WorldMax Vec3
	MaxDepth           int
}

// NewQuadtreeHeuristic builds a quadtree heuristic over the given world
// extent, uniformly subdivided to maxDepth (4^maxDepth leaves).
func NewQuadtreeHeuristic(worldMin, worldMax Vec3, maxDepth int) *QuadtreeHeuristic {
	if maxDepth < 0 {
		maxDepth = 0
	}
	return &QuadtreeHeuristic{WorldMin: worldMin, WorldMax: worldMax, MaxDepth: maxDepth}
}

func (h *QuadtreeHeuristic) Type() string { return "eQuadtree" }

func (h *QuadtreeHeuristic) EnumerateBounds() []Bound {
	var leaves []AABB
	collectLeaves(h.WorldMin, h.WorldMax, 0, h.MaxDepth, &leaves)

	bounds := make([]Bound, 0, len(leaves))
	for i, box := range leaves {
		row, col := quadtreeRowCol(uint32(i), h.MaxDepth)
		bounds = append(bounds, Bound{
			ID:  BoundsID(i),
			Box: box,
			Cells: []Cell{{
				Row: row, Col: col,
				MinX: box.Min.X, MinY: box.Min.Y, MaxX: box.Max.X, MaxY: box.Max.Y,
			}},
		})
	}
	return bounds
}

func collectLeaves(min, max Vec3, depth, maxDepth int, out *[]AABB) {
	if depth >= maxDepth {
		*out = append(*out, AABB{Min: min, Max: max})
		return
	}
	midX := (min.X + max.X) / 2
	midY := (min.Y + max.Y) / 2
	collectLeaves(min, Vec3{X: midX, Y: midY, Z: max.Z}, depth+1, maxDepth, out)
	collectLeaves(Vec3{X: midX, Y: min.Y, Z: min.Z}, Vec3{X: max.X, Y: midY, Z: max.Z}, depth+1, maxDepth, out)
	collectLeaves(Vec3{X: min.X, Y: midY, Z: min.Z}, Vec3{X: midX, Y: max.Y, Z: max.Z}, depth+1, maxDepth, out)
	collectLeaves(Vec3{X: midX, Y: midY, Z: min.Z}, max, depth+1, maxDepth, out)
}

// quadtreeRowCol gives leaves deterministic, human-legible row/col labels
// in the 2^maxDepth x 2^maxDepth uniform grid equivalent to the leaf set,
// decoding the Z-order in which collectLeaves emits them (row grows with Y,
// col grows with X).
func quadtreeRowCol(leafIndex uint32, maxDepth int) (row, col int) {
	for d := maxDepth - 1; d >= 0; d-- {
		digit := int(leafIndex>>(2*uint(d))) & 3
		col = col<<1 | digit&1
		row = row<<1 | digit>>1
	}
	return row, col
}

func (h *QuadtreeHeuristic) BoundContaining(p Vec3) (Bound, bool) {
	for _, b := range h.EnumerateBounds() {
		if b.Contains(p) {
			return b, true
		}
	}
	return Bound{}, false
}

func (h *QuadtreeHeuristic) Encode() []byte {
	out := make([]byte, 28)
	putVec3(out[0:12], h.WorldMin)
	putVec3(out[12:24], h.WorldMax)
	binary.LittleEndian.PutUint32(out[24:28], uint32(h.MaxDepth))
	return out
}

// DecodeQuadtreeHeuristic parses the Encode form back into a heuristic.
func DecodeQuadtreeHeuristic(raw []byte) (*QuadtreeHeuristic, error) {
	if len(raw) < 28 {
		return nil, errTruncatedHeuristic("quadtree")
	}
	return &QuadtreeHeuristic{
		WorldMin: getVec3(raw[0:12]),
		WorldMax: getVec3(raw[12:24]),
		MaxDepth: int(binary.LittleEndian.Uint32(raw[24:28])),
	}, nil
}
