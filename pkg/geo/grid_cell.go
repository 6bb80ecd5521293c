package geo

import (
	"encoding/binary"
)

// GridCellHeuristic partitions the world into a uniform rows x cols grid of
// axis-aligned bounds, each bound being exactly one cell. Grounded on the
// original implementation's GridCellManifest: each bound carries its own
// single Cell with row/col labels.
type GridCellHeuristic struct {
	WorldMin, WorldMax Vec3
	Rows, Cols         int
}

// NewGridCellHeuristic builds a uniform grid heuristic over the given world
// extent.
func NewGridCellHeuristic(worldMin, worldMax Vec3, rows, cols int) *GridCellHeuristic {
	if rows <= 0 {
		rows = 1
	}
	if cols <= 0 {
		cols = 1
	}
	return &GridCellHeuristic{WorldMin: worldMin, WorldMax: worldMax, Rows: rows, Cols: cols}
}

func (h *GridCellHeuristic) Type() string { return "eGridCell" }

func (h *GridCellHeuristic) EnumerateBounds() []Bound {
	width := (h.WorldMax.X - h.WorldMin.X) / float32(h.Cols)
	height := (h.WorldMax.Y - h.WorldMin.Y) / float32(h.Rows)

	bounds := make([]Bound, 0, h.Rows*h.Cols)
	id := uint32(0)
	for row := 0; row < h.Rows; row++ {
		for col := 0; col < h.Cols; col++ {
			minX := h.WorldMin.X + float32(col)*width
			minY := h.WorldMin.Y + float32(row)*height
			maxX := minX + width
			maxY := minY + height
			box := AABB{
				Min: Vec3{X: minX, Y: minY, Z: h.WorldMin.Z},
				Max: Vec3{X: maxX, Y: maxY, Z: h.WorldMax.Z},
			}
			bounds = append(bounds, Bound{
				ID:  BoundsID(id),
				Box: box,
				Cells: []Cell{{
					Row: row, Col: col,
					MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY,
				}},
			})
			id++
		}
	}
	return bounds
}

func (h *GridCellHeuristic) BoundContaining(p Vec3) (Bound, bool) {
	for _, b := range h.EnumerateBounds() {
		if b.Contains(p) {
			return b, true
		}
	}
	return Bound{}, false
}

func (h *GridCellHeuristic) Encode() []byte {
	out := make([]byte, 32)
	putVec3(out[0:12], h.WorldMin)
	putVec3(out[12:24], h.WorldMax)
	binary.LittleEndian.PutUint32(out[24:28], uint32(h.Rows))
	binary.LittleEndian.PutUint32(out[28:32], uint32(h.Cols))
	return out
}

// DecodeGridCellHeuristic parses the Encode form back into a heuristic.
func DecodeGridCellHeuristic(raw []byte) (*GridCellHeuristic, error) {
	if len(raw) < 32 {
		return nil, errTruncatedHeuristic("grid cell")
	}
	return &GridCellHeuristic{
		WorldMin: getVec3(raw[0:12]),
		WorldMax: getVec3(raw[12:24]),
		Rows:     int(binary.LittleEndian.Uint32(raw[24:28])),
		Cols:     int(binary.LittleEndian.Uint32(raw[28:32])),
	}, nil
}

func errTruncatedHeuristic(kind string) error {
	return &truncatedHeuristicError{kind: kind}
}

type truncatedHeuristicError struct{ kind string }

func (e *truncatedHeuristicError) Error() string {
	return "geo: truncated " + e.kind + " heuristic encoding"
}
