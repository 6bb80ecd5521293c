// Package runtime implements HandoffRuntime: the per-shard orchestrator
// that owns every other EntityHandoff collaborator and drives them from one
// Tick call per simulation step. Grounded on
// SH_ServerAuthorityRuntime.cpp from the original implementation.
package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/atlasnet/atlasnet/pkg/authority"
	"github.com/atlasnet/atlasnet/pkg/connlease"
	"github.com/atlasnet/atlasnet/pkg/election"
	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/geo"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/kvstore"
	"github.com/atlasnet/atlasnet/pkg/logger"
	"github.com/atlasnet/atlasnet/pkg/mailbox"
	"github.com/atlasnet/atlasnet/pkg/manifest"
	"github.com/atlasnet/atlasnet/pkg/packet"
	"github.com/atlasnet/atlasnet/pkg/planner"
	"github.com/atlasnet/atlasnet/pkg/simulator"
	"github.com/atlasnet/atlasnet/pkg/telemetry"
	"github.com/atlasnet/atlasnet/pkg/watchdog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// tracer emits one span per Tick call. Its trace/span IDs are what
// pkg/logger's appendTraceContextFields attaches to every *Context log
// call made with the span's context, so a Tick's log lines can be
// correlated without threading a request ID by hand.
var tracer = otel.Tracer("github.com/atlasnet/atlasnet/pkg/runtime")

// DefaultStateSnapshotInterval bounds how often telemetry is rendered from
// the tracker and the watchdog discrepancy probe runs.
const DefaultStateSnapshotInterval = 250 * time.Millisecond

// DefaultDiscrepancyStaleAfter is how long a watchdog record may sit
// unchanged before DetectDiscrepancies flags it.
const DefaultDiscrepancyStaleAfter = 5 * time.Second

// Simulator is the subset of DebugEntitySimulator (either *simulator.Orbit
// or *simulator.LinearBounce) the runtime drives. It is declared locally,
// not imported from pkg/simulator, only to pin the exact method set the
// runtime depends on; both concrete variants already implement it.
type Simulator interface {
	Reset()
	SeedEntities(opts simulator.SeedOptions)
	AdoptSingleEntity(ent entity.Entity)
	RemoveEntity(entityID uint64)
	Tick(opts simulator.TickOptions)
	GetEntitiesSnapshot() []entity.Entity
	Count() int
}

// leasedSender adapts a *packet.Manager into planner.PacketSender, gating
// every send behind the target's connlease.Registry lease so two shards
// never race to open the same shard-pair link concurrently.
type leasedSender struct {
	packets     *packet.Manager
	connections *connlease.Registry
}

func (s *leasedSender) Send(ctx context.Context, target identity.Identity, ent entity.Entity, transferTimeUs uint64) error {
	return s.connections.WithLease(ctx, target, func() error {
		return s.packets.Send(ctx, target, ent, transferTimeUs)
	})
}

// ManifestWorldBounds adapts a *manifest.Manifest into
// simulator.WorldBoundsProvider, for wiring a LinearBounce simulator to the
// live partition manifest. Configured, if non-nil, is returned from
// ConfiguredWorldBounds as the statically configured world box.
type ManifestWorldBounds struct {
	Manifest   *manifest.Manifest
	Configured *geo.AABB
}

// AllBounds implements simulator.WorldBoundsProvider by reading the
// manifest's current claimed and pending bounds. It uses a background
// context since WorldBoundsProvider's synchronous contract has no
// caller-supplied context to thread through.
func (b *ManifestWorldBounds) AllBounds() (claimed, pending []geo.AABB) {
	ctx := context.Background()
	if claimedBounds, err := b.Manifest.GetAllClaimedBounds(ctx); err == nil {
		for _, bound := range claimedBounds {
			claimed = append(claimed, bound.Box)
		}
	}
	if pendingBounds, err := b.Manifest.GetAllPendingBounds(ctx); err == nil {
		for _, bound := range pendingBounds {
			pending = append(pending, bound.Box)
		}
	}
	return claimed, pending
}

// ConfiguredWorldBounds implements simulator.WorldBoundsProvider.
func (b *ManifestWorldBounds) ConfiguredWorldBounds() (geo.AABB, bool) {
	if b.Configured == nil {
		return geo.AABB{}, false
	}
	return *b.Configured, true
}

// Config configures a Runtime. Self, Store, Bus, Transport, Manifest, and
// Simulator are required; everything else defaults sensibly.
type Config struct {
	Self      identity.Identity
	Log       logger.Logger
	Store     kvstore.Store
	Bus       *packet.Bus
	Transport packet.Transport
	Manifest  *manifest.Manifest
	Simulator Simulator

	// Registry supplies the known shard identities OwnershipElection
	// bootstraps from. When nil, the Runtime itself serves as the
	// Registry, deriving known shards from the manifest's claimed bounds
	// as observed on the most recent Tick.
	Registry election.Registry

	Telemetry      *telemetry.Publisher // defaults to a fresh enabled Publisher
	TargetResolver planner.TargetResolver
	HandoffDelayUs uint64

	// Naive switches Tick to planner.PlanAndSendAllNaive, bypassing
	// PartitionManifest's claimed bounds entirely. TargetResolver should be
	// a planner.NaiveTarget when this is set.
	Naive bool

	SeedOptions simulator.SeedOptions
	TickShape   simulator.TickOptions // DeltaSeconds is overwritten every Tick

	StateSnapshotInterval       time.Duration
	DiscrepancyStaleAfter       time.Duration
	ConnectionInactivityTimeout time.Duration
	ConnectionLeaseTTL          time.Duration
}

// Runtime is HandoffRuntime.
type Runtime struct {
	cfg  Config
	self identity.Identity
	log  logger.Logger

	tracker     *authority.Tracker
	simulator   Simulator
	mailbox     *mailbox.Mailbox
	planner     *planner.Planner
	election    *election.Election
	watchdog    *watchdog.Manifest
	connections *connlease.Registry
	telemetry   *telemetry.Publisher
	packets     *packet.Manager
	sender      *leasedSender
	manifest    *manifest.Manifest

	tickCount                uint64
	haveLastTick             bool
	lastTick                 time.Time
	haveLastSnapshot         bool
	lastSnapshot             time.Time
	hasSeededInitialEntities bool
	knownShards              []identity.Identity

	initialized bool
	shutdown    atomic.Bool
}

// New constructs a Runtime from cfg without starting anything; call Init to
// wire collaborators and begin listening.
func New(cfg Config) *Runtime {
	return &Runtime{cfg: cfg}
}

// ShardIdentities implements election.Registry as the fallback Registry
// when Config.Registry is left nil: the shards known to currently hold a
// claimed bound, as of the last Tick.
func (r *Runtime) ShardIdentities() []identity.Identity {
	return r.knownShards
}

// Init constructs every collaborator, wires the packet manager's callbacks,
// resets all mutable state, and starts listening for incoming packets.
func (r *Runtime) Init(ctx context.Context) error {
	if !r.cfg.Self.IsValid() {
		return fmt.Errorf("runtime: Config.Self must be a valid identity")
	}
	if r.cfg.Store == nil || r.cfg.Bus == nil || r.cfg.Transport == nil || r.cfg.Manifest == nil {
		return fmt.Errorf("runtime: Config.Store, Bus, Transport, and Manifest are required")
	}
	if r.cfg.Simulator == nil {
		return fmt.Errorf("runtime: Config.Simulator is required")
	}
	if r.cfg.HandoffDelayUs == 0 {
		r.cfg.HandoffDelayUs = planner.DefaultHandoffDelayUs
	}
	if r.cfg.StateSnapshotInterval <= 0 {
		r.cfg.StateSnapshotInterval = DefaultStateSnapshotInterval
	}
	if r.cfg.DiscrepancyStaleAfter <= 0 {
		r.cfg.DiscrepancyStaleAfter = DefaultDiscrepancyStaleAfter
	}

	r.self = r.cfg.Self
	r.log = r.cfg.Log
	if r.log == nil {
		r.log = logger.Global()
	}
	r.log = r.log.With("shard", r.self.String())

	r.tracker = authority.New(r.self)
	r.mailbox = mailbox.New()
	r.manifest = r.cfg.Manifest
	r.watchdog = watchdog.New(watchdog.Config{Store: r.cfg.Store})
	r.connections = connlease.New(connlease.Config{
		Self:              r.self,
		Store:             r.cfg.Store,
		InactivityTimeout: r.cfg.ConnectionInactivityTimeout,
		LeaseTTL:          r.cfg.ConnectionLeaseTTL,
	})

	registry := r.cfg.Registry
	if registry == nil {
		registry = r
	}
	r.election = election.New(election.Config{
		Self:     r.self,
		Store:    r.cfg.Store,
		Registry: registry,
		Log:      r.log,
	})

	r.telemetry = r.cfg.Telemetry
	if r.telemetry == nil {
		r.telemetry = telemetry.NewPublisher(telemetry.DefaultConfig())
	}

	r.planner = planner.New(planner.Config{
		Self:           r.self,
		HandoffDelayUs: r.cfg.HandoffDelayUs,
		Resolver:       r.cfg.TargetResolver,
	})

	r.simulator = r.cfg.Simulator

	onIncomingHandoff := func(ent entity.Entity, sender identity.Identity, transferTimeUs uint64) {
		r.mailbox.QueueIncoming(ent, sender, transferTimeUs)
		r.election.Invalidate()
	}
	r.packets = packet.NewManager(r.self, r.cfg.Bus, r.cfg.Transport, r.log, r.connections.MarkActivity, onIncomingHandoff)
	if err := r.packets.Listen(ctx); err != nil {
		return fmt.Errorf("runtime: starting transport listener: %w", err)
	}
	r.sender = &leasedSender{packets: r.packets, connections: r.connections}

	r.tracker.Reset()
	r.mailbox.Reset()
	r.election.Reset()
	r.simulator.Reset()
	r.hasSeededInitialEntities = false
	r.haveLastTick = false
	r.haveLastSnapshot = false
	r.shutdown.Store(false)
	r.initialized = true
	return nil
}

// Telemetry exposes the runtime's metrics publisher, e.g. to mount its
// Handler() on an HTTP server.
func (r *Runtime) Telemetry() *telemetry.Publisher { return r.telemetry }

// Tracker exposes the runtime's authority tracker for inspection in tests
// and cartography tooling.
func (r *Runtime) Tracker() *authority.Tracker { return r.tracker }

// Mailbox exposes the runtime's transfer mailbox for inspection in tests.
func (r *Runtime) Mailbox() *mailbox.Mailbox { return r.mailbox }

// Tick executes one simulation step: connection reaping, ownership
// evaluation, mailbox adoption, simulator advance, border-crossing
// detection, mailbox commit, and periodic telemetry/discrepancy reporting.
func (r *Runtime) Tick(ctx context.Context) error {
	if !r.initialized || r.shutdown.Load() {
		return fmt.Errorf("runtime: Tick called before Init or after Shutdown")
	}
	r.tickCount++

	ctx, span := tracer.Start(ctx, "runtime.Tick")
	defer span.End()
	span.SetAttributes(
		attribute.String("atlasnet.shard", r.self.String()),
		attribute.Int64("atlasnet.tick_count", int64(r.tickCount)),
	)

	r.connections.Tick(func(peer identity.Identity, idleFor time.Duration) {
		r.log.DebugContext(ctx, "runtime: reaping idle peer connection", "peer", peer.String(), "idle_for", idleFor)
		if err := r.connections.ReleaseLeaseIfOwned(ctx, peer); err != nil {
			r.log.WarnContext(ctx, "runtime: failed to release connection lease on reap", "peer", peer.String(), "error", err)
		}
	})

	now := time.Now()
	var deltaSeconds float64
	if r.haveLastTick {
		deltaSeconds = now.Sub(r.lastTick).Seconds()
	}
	r.lastTick = now
	r.haveLastTick = true
	nowUs := uint64(now.UnixMicro())

	isOwner, err := r.election.Evaluate(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "runtime: ownership evaluation failed", "error", err)
	}

	adopted := r.mailbox.AdoptIncomingIfDue(ctx, nowUs, r.self, r.simulator, r.watchdog)
	for i := 0; i < adopted; i++ {
		r.telemetry.RecordHandoffAdopted()
	}

	if isOwner && !r.hasSeededInitialEntities {
		r.simulator.SeedEntities(r.cfg.SeedOptions)
		r.hasSeededInitialEntities = true
	}

	if r.simulator.Count() > 0 {
		tickOpts := r.cfg.TickShape
		tickOpts.DeltaSeconds = float32(deltaSeconds)
		r.simulator.Tick(tickOpts)
	}

	r.tracker.SetOwnedEntities(r.simulator.GetEntitiesSnapshot())

	if _, _, claimErr := r.manifest.ClaimNextPending(ctx, r.self); claimErr != nil {
		r.log.WarnContext(ctx, "runtime: failed to claim a pending partition bound", "error", claimErr)
	}

	claimedBounds, err := r.manifest.GetAllClaimedBounds(ctx)
	if err != nil {
		r.log.WarnContext(ctx, "runtime: failed to read claimed bounds", "error", err)
		claimedBounds = nil
	}
	r.knownShards = r.knownShards[:0]
	for owner := range claimedBounds {
		r.knownShards = append(r.knownShards, owner)
	}

	var outgoing []mailbox.OutgoingHandoff
	if r.cfg.Naive {
		var selfBound *geo.AABB
		if bound, ok := claimedBounds[r.self]; ok {
			box := bound.Box
			selfBound = &box
		}
		outgoing = r.planner.PlanAndSendAllNaive(ctx, r.tracker, selfBound, nowUs, r.sender, r.watchdog)
	} else {
		outgoing = r.planner.PlanAndSendAll(ctx, r.tracker, claimedBounds, nowUs, r.sender, r.watchdog)
	}
	for _, h := range outgoing {
		r.mailbox.AddPendingOutgoing(h)
		r.telemetry.RecordHandoffSent()
	}

	committed := r.mailbox.CommitOutgoingIfDue(ctx, nowUs, r.self, r.simulator, r.tracker, r.watchdog, r.telemetry)
	for i := 0; i < committed; i++ {
		r.telemetry.RecordHandoffCommitted()
	}
	r.telemetry.SetMailboxDepths(r.mailbox.PendingIncomingCount(), r.mailbox.PendingOutgoingCount())

	span.SetAttributes(
		attribute.Bool("atlasnet.is_owner", isOwner),
		attribute.Int("atlasnet.owned_entities", r.tracker.Count()),
		attribute.Int("atlasnet.handoffs_sent", len(outgoing)),
		attribute.Int("atlasnet.handoffs_committed", committed),
	)

	if adopted > 0 || committed > 0 || len(outgoing) > 0 {
		r.election.Invalidate()
	}

	if !isOwner && r.tracker.Count() == 0 && r.mailbox.PendingIncomingCount() == 0 && r.mailbox.PendingOutgoingCount() == 0 {
		r.hasSeededInitialEntities = false
	}

	if !r.haveLastSnapshot || now.Sub(r.lastSnapshot) >= r.cfg.StateSnapshotInterval {
		r.publishSnapshot(ctx)
		r.lastSnapshot = now
		r.haveLastSnapshot = true
	}

	return nil
}

func (r *Runtime) publishSnapshot(ctx context.Context) {
	rows := r.tracker.CollectTelemetryRows(nil)
	r.telemetry.PublishTrackerRows(rows)
	r.telemetry.RefreshLastTransferAge()

	discrepancies, err := r.watchdog.DetectDiscrepancies(ctx, r.cfg.DiscrepancyStaleAfter)
	if err != nil {
		r.log.WarnContext(ctx, "runtime: discrepancy probe failed", "error", err)
		return
	}
	if len(discrepancies) == 0 {
		return
	}
	r.telemetry.RecordWatchdogDiscrepancy(len(discrepancies))
	for _, d := range discrepancies {
		r.log.WarnContext(ctx, "runtime: stale handoff record detected",
			"entity_id", d.EntityID, "state", d.Record.State,
			"source", d.Record.Source.String(), "target", d.Record.Target.String(),
			"idle_for", d.IdleFor)
	}
}

// Shutdown requeues self's claimed partition bound, unwires the packet
// manager, stops the transport listener, and marks the Runtime no longer
// owner. It is idempotent: a second call is a no-op. Mailbox entries
// pending at shutdown are dropped without committing, matching the
// cancellation semantics of a departing shard. Shutdown has no
// caller-supplied context since it must run to completion regardless of
// why the process is stopping; it uses a background one for its own store
// calls, same as ManifestWorldBounds.AllBounds.
func (r *Runtime) Shutdown() {
	if !r.shutdown.CompareAndSwap(false, true) {
		return
	}
	if r.manifest != nil {
		if _, err := r.manifest.RequeueClaimed(context.Background(), r.self); err != nil {
			r.log.Warn("runtime: failed to requeue claimed bound on shutdown", "error", err)
		}
	}
	if r.election != nil {
		r.election.ForceNotOwner()
	}
	if r.packets != nil {
		r.packets.Close()
	}
	if r.cfg.Transport != nil {
		if err := r.cfg.Transport.Close(); err != nil {
			r.log.Warn("runtime: error closing transport on shutdown", "error", err)
		}
	}
}
