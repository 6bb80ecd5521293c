// Package watchdog implements TransferWatchdog (HandoffTransferManifest):
// the shared-store record of every in-flight handoff, used to detect stuck
// or dual-owned transfers across the fleet. Grounded on pkg/manifest's
// store-layout conventions and on the original NH_EntityAuthorityManager's
// holder-set bookkeeping for transfers in flight.
package watchdog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/kvstore"
)

// DefaultActiveHashKey and DefaultHolderPrefix are the default shared-store
// key names.
const (
	DefaultActiveHashKey = "EntityHandoff:TransferActive"
	DefaultHolderPrefix  = "EntityHandoff:TransferHolders:"
	DefaultHolderTTL     = 30 * time.Second
)

// State is one transfer record's lifecycle state.
type State string

const (
	StateStarted   State = "started"
	StateAdopted   State = "adopted"
	StateCommitted State = "committed"
)

// Record is one parsed EntityHandoff:TransferActive field value.
type Record struct {
	Source        identity.Identity
	Target        identity.Identity
	TransferTimeUs uint64
	LastAuthority identity.Identity
	State         State
	UpdatedAtUs   uint64
}

func (r Record) marshal() string {
	return strings.Join([]string{
		r.Source.String(),
		r.Target.String(),
		strconv.FormatUint(r.TransferTimeUs, 10),
		r.LastAuthority.String(),
		string(r.State),
		strconv.FormatUint(r.UpdatedAtUs, 10),
	}, "\t")
}

func parseRecord(raw string) (Record, error) {
	fields := strings.Split(raw, "\t")
	if len(fields) != 6 {
		return Record{}, fmt.Errorf("watchdog: expected 6 tab-separated fields, got %d", len(fields))
	}
	source, err := identity.Parse(fields[0])
	if err != nil {
		return Record{}, err
	}
	target, err := identity.Parse(fields[1])
	if err != nil {
		return Record{}, err
	}
	transferTimeUs, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Record{}, err
	}
	lastAuthority, err := identity.Parse(fields[3])
	if err != nil {
		return Record{}, err
	}
	updatedAtUs, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Source:         source,
		Target:         target,
		TransferTimeUs: transferTimeUs,
		LastAuthority:  lastAuthority,
		State:          State(fields[4]),
		UpdatedAtUs:    updatedAtUs,
	}, nil
}

// Manifest is TransferWatchdog / HandoffTransferManifest.
type Manifest struct {
	store         kvstore.Store
	activeHashKey string
	holderPrefix  string
	holderTTL     time.Duration
	nowFn         func() time.Time
}

// Config configures a Manifest.
type Config struct {
	Store         kvstore.Store
	ActiveHashKey string
	HolderPrefix  string
	HolderTTL     time.Duration
}

// New builds a Manifest, defaulting ActiveHashKey/HolderPrefix/HolderTTL.
func New(cfg Config) *Manifest {
	if cfg.ActiveHashKey == "" {
		cfg.ActiveHashKey = DefaultActiveHashKey
	}
	if cfg.HolderPrefix == "" {
		cfg.HolderPrefix = DefaultHolderPrefix
	}
	if cfg.HolderTTL <= 0 {
		cfg.HolderTTL = DefaultHolderTTL
	}
	return &Manifest{
		store:         cfg.Store,
		activeHashKey: cfg.ActiveHashKey,
		holderPrefix:  cfg.HolderPrefix,
		holderTTL:     cfg.HolderTTL,
		nowFn:         time.Now,
	}
}

func (m *Manifest) now() time.Time {
	if m.nowFn == nil {
		return time.Now()
	}
	return m.nowFn()
}

func (m *Manifest) holderKey(entityID uint64) string {
	return m.holderPrefix + strconv.FormatUint(entityID, 10)
}

func entityField(entityID uint64) string {
	return strconv.FormatUint(entityID, 10)
}

func (m *Manifest) upsert(ctx context.Context, entityID uint64, rec Record) error {
	rec.UpdatedAtUs = uint64(m.now().UnixMicro())
	return m.store.HSet(ctx, m.activeHashKey, entityField(entityID), rec.marshal())
}

func (m *Manifest) holders(ctx context.Context, entityID uint64) (map[string]struct{}, error) {
	members, err := m.store.SMembers(ctx, m.holderKey(entityID))
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(members))
	for _, member := range members {
		set[member] = struct{}{}
	}
	return set, nil
}

// MarkTransferStarted upserts a started record for ent, source is the
// sending shard and target the receiving shard; adds source to the holder
// set and refreshes its TTL.
func (m *Manifest) MarkTransferStarted(ctx context.Context, ent entity.Entity, source, target identity.Identity, transferTimeUs uint64) error {
	if err := m.upsert(ctx, ent.EntityID, Record{
		Source:         source,
		Target:         target,
		TransferTimeUs: transferTimeUs,
		LastAuthority:  source,
		State:          StateStarted,
	}); err != nil {
		return err
	}
	return m.store.SAdd(ctx, m.holderKey(ent.EntityID), m.holderTTL, source.String())
}

// MarkIncomingAdopted upserts an adopted record, adds target to the holder
// set, and clears the transfer entirely if the holder set is now exactly
// {target} (source has already dropped out).
func (m *Manifest) MarkIncomingAdopted(ctx context.Context, ent entity.Entity, source, target identity.Identity, transferTimeUs uint64) error {
	if err := m.upsert(ctx, ent.EntityID, Record{
		Source:         source,
		Target:         target,
		TransferTimeUs: transferTimeUs,
		LastAuthority:  target,
		State:          StateAdopted,
	}); err != nil {
		return err
	}
	if err := m.store.SAdd(ctx, m.holderKey(ent.EntityID), m.holderTTL, target.String()); err != nil {
		return err
	}
	return m.clearIfOnlyHolder(ctx, ent.EntityID, target)
}

// MarkOutgoingCommitted upserts a committed record, removes source from the
// holder set, and clears the transfer if the holder set is now exactly
// {target}.
func (m *Manifest) MarkOutgoingCommitted(ctx context.Context, entityID uint64, source, target identity.Identity) error {
	current, exists, err := m.store.HGet(ctx, m.activeHashKey, entityField(entityID))
	if err != nil {
		return err
	}
	var transferTimeUs uint64
	if exists {
		if rec, perr := parseRecord(current); perr == nil {
			transferTimeUs = rec.TransferTimeUs
		}
	}
	if err := m.upsert(ctx, entityID, Record{
		Source:         source,
		Target:         target,
		TransferTimeUs: transferTimeUs,
		LastAuthority:  target,
		State:          StateCommitted,
	}); err != nil {
		return err
	}
	if err := m.store.SRem(ctx, m.holderKey(entityID), source.String()); err != nil {
		return err
	}
	return m.clearIfOnlyHolder(ctx, entityID, target)
}

func (m *Manifest) clearIfOnlyHolder(ctx context.Context, entityID uint64, sole identity.Identity) error {
	set, err := m.holders(ctx, entityID)
	if err != nil {
		return err
	}
	if len(set) == 1 {
		if _, ok := set[sole.String()]; ok {
			return m.ClearTransfer(ctx, entityID)
		}
	}
	return nil
}

// MarkTransferCanceled removes both the record and the holder set.
func (m *Manifest) MarkTransferCanceled(ctx context.Context, entityID uint64) error {
	return m.ClearTransfer(ctx, entityID)
}

// ClearTransfer removes both the active record and the holder set for
// entityID.
func (m *Manifest) ClearTransfer(ctx context.Context, entityID uint64) error {
	if err := m.store.HDel(ctx, m.activeHashKey, entityField(entityID)); err != nil {
		return err
	}
	return m.store.Del(ctx, m.holderKey(entityID))
}

// DiscrepancyReport is one flagged record from DetectDiscrepancies.
type DiscrepancyReport struct {
	EntityID uint64
	Record   Record
	IdleFor  time.Duration
}

// DetectDiscrepancies is the watchdog's external probe: it scans every
// active record and flags the ones whose last update is older than
// staleAfter, meaning the transfer is likely stuck (two shards claim the
// entity, or a commit was lost). It never mutates state.
func (m *Manifest) DetectDiscrepancies(ctx context.Context, staleAfter time.Duration) ([]DiscrepancyReport, error) {
	all, err := m.store.HGetAll(ctx, m.activeHashKey)
	if err != nil {
		return nil, err
	}
	nowUs := uint64(m.now().UnixMicro())

	var out []DiscrepancyReport
	for field, raw := range all {
		rec, err := parseRecord(raw)
		if err != nil {
			continue
		}
		idleUs := nowUs - rec.UpdatedAtUs
		if idleUs <= uint64(staleAfter.Microseconds()) {
			continue
		}
		entityID, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, DiscrepancyReport{
			EntityID: entityID,
			Record:   rec,
			IdleFor:  time.Duration(idleUs) * time.Microsecond,
		})
	}
	return out, nil
}
