// Package manifest implements PartitionManifest: the shared record of the
// active partition heuristic, the bounds still unclaimed, and the map from
// claimed bound to owning shard. It is the one place in AtlasNet where
// cross-shard agreement on "who owns what" is settled, and every mutation
// that touches more than one field goes through a single atomic
// compare-and-swap against the backing kvstore.Store so a partial write can
// never be observed.
package manifest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/atlasnet/atlasnet/pkg/geo"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/kvstore"
)

// DefaultDocumentKey is the key under which the manifest document lives when
// no override is supplied to New.
const DefaultDocumentKey = "PartitionManifest:HeuristicManifest"

// pendingEntry mirrors the original HeuristicManifest's PendingBoundStruct
// JSON shape: {"ID":..,"BoundsData64":".."}.
type pendingEntry struct {
	ID           uint32 `json:"ID"`
	BoundsData64 string `json:"BoundsData64"`
}

// claimedEntry mirrors ClaimedBoundStruct's JSON shape. Owner64 is base64 of
// the owning identity's canonical Encode() form, not a numeric value,
// matching the original's `j["Owner64"] = bw.as_string_base_64()`.
type claimedEntry struct {
	ID           uint32 `json:"ID"`
	Owner64      string `json:"Owner64"`
	OwnerName    string `json:"OwnerName"`
	BoundsData64 string `json:"BoundsData64"`
}

type document struct {
	HeuristicType   string                  `json:"HeuristicType"`
	HeuristicData64 string                  `json:"HeuristicData64"`
	Pending         map[string]pendingEntry `json:"Pending"`
	Claimed         map[string]claimedEntry `json:"Claimed"`
}

func emptyDocument() document {
	return document{
		Pending: make(map[string]pendingEntry),
		Claimed: make(map[string]claimedEntry),
	}
}

// ErrClaimsOutstanding is returned by PushHeuristic when the prior
// generation still has claimed bounds; callers must requeue every claim
// before installing a new heuristic.
var ErrClaimsOutstanding = fmt.Errorf("manifest: cannot push heuristic while claims are outstanding")

// Manifest is PartitionManifest. It is safe for concurrent use by multiple
// goroutines and multiple processes, since all state lives in the store.
type Manifest struct {
	store kvstore.Store
	key   string
}

// New wires a Manifest to a kvstore.Store, using DefaultDocumentKey.
func New(store kvstore.Store) *Manifest {
	return &Manifest{store: store, key: DefaultDocumentKey}
}

// NewWithKey wires a Manifest to a non-default document key, for tests that
// run multiple independent manifests against one shared store.
func NewWithKey(store kvstore.Store, key string) *Manifest {
	return &Manifest{store: store, key: key}
}

func (m *Manifest) load(ctx context.Context) (document, string, bool, error) {
	raw, ok, err := m.store.Get(ctx, m.key)
	if err != nil {
		return document{}, "", false, err
	}
	if !ok {
		return emptyDocument(), "", false, nil
	}
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return document{}, "", false, fmt.Errorf("manifest: corrupt document: %w", err)
	}
	if doc.Pending == nil {
		doc.Pending = make(map[string]pendingEntry)
	}
	if doc.Claimed == nil {
		doc.Claimed = make(map[string]claimedEntry)
	}
	return doc, raw, true, nil
}

// PushHeuristic overwrites HeuristicData and repopulates Pending from
// h.EnumerateBounds(); it clears Claimed. Fails with ErrClaimsOutstanding if
// any bound from the prior generation is still claimed.
func (m *Manifest) PushHeuristic(ctx context.Context, h geo.Heuristic) error {
	for {
		doc, raw, existed, err := m.load(ctx)
		if err != nil {
			return err
		}
		if len(doc.Claimed) > 0 {
			return ErrClaimsOutstanding
		}

		next := emptyDocument()
		next.HeuristicType = h.Type()
		next.HeuristicData64 = base64.StdEncoding.EncodeToString(h.Encode())
		for _, b := range h.EnumerateBounds() {
			next.Pending[fmt.Sprintf("%d", b.ID)] = pendingEntry{
				ID:           uint32(b.ID),
				BoundsData64: base64.StdEncoding.EncodeToString(b.Encode()),
			}
		}

		newRaw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		swapped, err := m.store.CAS(ctx, m.key, raw, existed, string(newRaw))
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
}

// ClaimNextPending atomically moves any one Pending entry to Claimed under
// self, stamps the owner fields, and returns it. If self already owns a
// claim, that claim is returned unchanged (idempotent reclaim). found is
// false iff Pending was empty and self held no claim.
func (m *Manifest) ClaimNextPending(ctx context.Context, self identity.Identity) (bound geo.Bound, found bool, err error) {
	for {
		doc, raw, existed, loadErr := m.load(ctx)
		if loadErr != nil {
			return geo.Bound{}, false, loadErr
		}

		if existing, ok := findClaimedOwnedBy(doc, self); ok {
			b, decodeErr := decodeBoundsData64(existing.BoundsData64)
			return b, true, decodeErr
		}

		id, entry, ok := pickAnyPending(doc)
		if !ok {
			return geo.Bound{}, false, nil
		}
		claimedBound, decodeErr := decodeBoundsData64(entry.BoundsData64)
		if decodeErr != nil {
			return geo.Bound{}, false, decodeErr
		}

		delete(doc.Pending, id)
		doc.Claimed[id] = claimedEntry{
			ID:           entry.ID,
			Owner64:      base64.StdEncoding.EncodeToString(self.Encode()),
			OwnerName:    self.String(),
			BoundsData64: entry.BoundsData64,
		}

		newRaw, marshalErr := json.Marshal(doc)
		if marshalErr != nil {
			return geo.Bound{}, false, marshalErr
		}
		swapped, casErr := m.store.CAS(ctx, m.key, raw, existed, string(newRaw))
		if casErr != nil {
			return geo.Bound{}, false, casErr
		}
		if swapped {
			return claimedBound, true, nil
		}
		// Lost the race against a concurrent mutation; reload and retry.
	}
}

// RequeueClaimed atomically moves owner's claim back to Pending, keyed by
// the BoundsID recovered from the first bytes of the encoded bound (not the
// document's ID field), matching the original Lua script's
// string.byte(value, 1, 4) recovery. Returns false if owner holds no claim.
func (m *Manifest) RequeueClaimed(ctx context.Context, owner identity.Identity) (bool, error) {
	for {
		doc, raw, existed, err := m.load(ctx)
		if err != nil {
			return false, err
		}

		claimKey, entry, ok := findClaimedKeyOwnedBy(doc, owner)
		if !ok {
			return false, nil
		}

		encoded, err := base64.StdEncoding.DecodeString(entry.BoundsData64)
		if err != nil {
			return false, fmt.Errorf("manifest: corrupt bound data for claim %q: %w", claimKey, err)
		}
		recoveredID, err := geo.BoundsIDFromEncoded(encoded)
		if err != nil {
			return false, err
		}

		delete(doc.Claimed, claimKey)
		doc.Pending[fmt.Sprintf("%d", recoveredID)] = pendingEntry{
			ID:           uint32(recoveredID),
			BoundsData64: entry.BoundsData64,
		}

		newRaw, err := json.Marshal(doc)
		if err != nil {
			return false, err
		}
		swapped, err := m.store.CAS(ctx, m.key, raw, existed, string(newRaw))
		if err != nil {
			return false, err
		}
		if swapped {
			return true, nil
		}
	}
}

// GetAllClaimedBounds is a snapshot read of every claimed bound, keyed by
// owning identity. It need not be atomic relative to concurrent claims.
func (m *Manifest) GetAllClaimedBounds(ctx context.Context) (map[identity.Identity]geo.Bound, error) {
	doc, _, _, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[identity.Identity]geo.Bound, len(doc.Claimed))
	for _, entry := range doc.Claimed {
		owner, err := identity.Parse(entry.OwnerName)
		if err != nil {
			return nil, fmt.Errorf("manifest: corrupt owner name %q: %w", entry.OwnerName, err)
		}
		bound, err := decodeBoundsData64(entry.BoundsData64)
		if err != nil {
			return nil, err
		}
		out[owner] = bound
	}
	return out, nil
}

// GetAllPendingBounds is a snapshot read of every unclaimed bound.
func (m *Manifest) GetAllPendingBounds(ctx context.Context) (map[geo.BoundsID]geo.Bound, error) {
	doc, _, _, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[geo.BoundsID]geo.Bound, len(doc.Pending))
	for _, entry := range doc.Pending {
		bound, err := decodeBoundsData64(entry.BoundsData64)
		if err != nil {
			return nil, err
		}
		out[bound.ID] = bound
	}
	return out, nil
}

// ShardFromPosition loads the active heuristic, finds the bound containing
// p, and maps that bound to its current owner. found is false if p falls in
// a pending (unclaimed) bound or outside every bound.
func (m *Manifest) ShardFromPosition(ctx context.Context, p geo.Vec3) (owner identity.Identity, found bool, err error) {
	doc, _, _, err := m.load(ctx)
	if err != nil {
		return identity.Invalid, false, err
	}
	if doc.HeuristicType == "" {
		return identity.Invalid, false, nil
	}
	data, err := base64.StdEncoding.DecodeString(doc.HeuristicData64)
	if err != nil {
		return identity.Invalid, false, fmt.Errorf("manifest: corrupt heuristic data: %w", err)
	}
	h, err := decodeHeuristic(doc.HeuristicType, data)
	if err != nil {
		return identity.Invalid, false, err
	}
	bound, ok := h.BoundContaining(p)
	if !ok {
		return identity.Invalid, false, nil
	}
	key := fmt.Sprintf("%d", bound.ID)
	entry, ok := doc.Claimed[key]
	if !ok {
		return identity.Invalid, false, nil
	}
	owner, err = identity.Parse(entry.OwnerName)
	if err != nil {
		return identity.Invalid, false, fmt.Errorf("manifest: corrupt owner name %q: %w", entry.OwnerName, err)
	}
	return owner, true, nil
}

func decodeBoundsData64(encoded string) (geo.Bound, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return geo.Bound{}, fmt.Errorf("manifest: corrupt bound data: %w", err)
	}
	return geo.DecodeBound(raw)
}

// decodeHeuristic is the manifest's heuristic registry: it knows how to
// rehydrate every Heuristic implementation the manifest might have stored.
func decodeHeuristic(heuristicType string, data []byte) (geo.Heuristic, error) {
	switch heuristicType {
	case "eGridCell":
		return geo.DecodeGridCellHeuristic(data)
	case "eQuadtree":
		return geo.DecodeQuadtreeHeuristic(data)
	default:
		return nil, fmt.Errorf("manifest: unknown heuristic type %q", heuristicType)
	}
}

func findClaimedOwnedBy(doc document, id identity.Identity) (claimedEntry, bool) {
	_, entry, ok := findClaimedKeyOwnedBy(doc, id)
	return entry, ok
}

func findClaimedKeyOwnedBy(doc document, id identity.Identity) (string, claimedEntry, bool) {
	want := id.String()
	for key, entry := range doc.Claimed {
		if entry.OwnerName == want {
			return key, entry, true
		}
	}
	return "", claimedEntry{}, false
}

// pickAnyPending returns a deterministic (lowest BoundsID) Pending entry so
// that concurrent claimants racing on an otherwise-identical document tend
// to converge quickly, though correctness does not depend on the ordering.
func pickAnyPending(doc document) (string, pendingEntry, bool) {
	if len(doc.Pending) == 0 {
		return "", pendingEntry{}, false
	}
	keys := make([]string, 0, len(doc.Pending))
	for k := range doc.Pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return doc.Pending[keys[i]].ID < doc.Pending[keys[j]].ID
	})
	best := keys[0]
	return best, doc.Pending[best], true
}
