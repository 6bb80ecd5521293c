// Package telemetry is AtlasNet's metrics surface: a prometheus/client_golang
// registry exposing per-tick handoff counters, tracker/mailbox gauges, and
// watchdog discrepancy counts, adapted from goclaw's pkg/metrics.Manager.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlasnet/atlasnet/pkg/authority"
)

// Config configures a Publisher.
type Config struct {
	Enabled bool
}

// DefaultConfig enables metrics collection.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Publisher is AtlasNet's TelemetryPublisher: it owns the Prometheus
// registry and renders tracker snapshots plus handoff lifecycle events into
// metrics.
type Publisher struct {
	registry *prometheus.Registry
	enabled  bool

	trackedEntities     *prometheus.GaugeVec
	handoffsSent        prometheus.Counter
	handoffsAdopted     prometheus.Counter
	handoffsCommitted   prometheus.Counter
	handoffsCanceled    prometheus.Counter
	mailboxIncomingSize prometheus.Gauge
	mailboxOutgoingSize prometheus.Gauge
	watchdogDiscrepancy prometheus.Counter
	lastTransferAgeUs   prometheus.Gauge

	lastTransferAt time.Time
	nowFn          func() time.Time
}

// NewPublisher builds a Publisher. A disabled Publisher is safe to call
// every method on; it just does nothing.
func NewPublisher(cfg Config) *Publisher {
	if !cfg.Enabled {
		return &Publisher{enabled: false, nowFn: time.Now}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	p := &Publisher{registry: registry, enabled: true, nowFn: time.Now}

	p.trackedEntities = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atlasnet_tracked_entities",
		Help: "Number of entities currently owned by this shard's AuthorityTracker",
	}, []string{"state"})

	p.handoffsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlasnet_handoffs_sent_total",
		Help: "Total outgoing handoff packets sent by the border planner",
	})
	p.handoffsAdopted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlasnet_handoffs_adopted_total",
		Help: "Total incoming handoffs adopted by the local simulator",
	})
	p.handoffsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlasnet_handoffs_committed_total",
		Help: "Total outgoing handoffs committed (entity removed locally)",
	})
	p.handoffsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlasnet_handoffs_canceled_total",
		Help: "Total outgoing handoffs canceled before commit",
	})
	p.mailboxIncomingSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "atlasnet_mailbox_incoming_pending",
		Help: "Current depth of the incoming transfer mailbox",
	})
	p.mailboxOutgoingSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "atlasnet_mailbox_outgoing_pending",
		Help: "Current depth of the outgoing transfer mailbox",
	})
	p.watchdogDiscrepancy = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atlasnet_watchdog_discrepancies_total",
		Help: "Total stale/discrepant transfer records flagged by the watchdog probe",
	})
	p.lastTransferAgeUs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "atlasnet_last_transfer_age_us",
		Help: "Microseconds since the most recent handoff commit on this shard",
	})

	registry.MustRegister(
		p.trackedEntities, p.handoffsSent, p.handoffsAdopted, p.handoffsCommitted,
		p.handoffsCanceled, p.mailboxIncomingSize, p.mailboxOutgoingSize,
		p.watchdogDiscrepancy, p.lastTransferAgeUs,
	)
	return p
}

func (p *Publisher) now() time.Time {
	if p.nowFn == nil {
		return time.Now()
	}
	return p.nowFn()
}

// Enabled reports whether metrics collection is active.
func (p *Publisher) Enabled() bool { return p.enabled }

// Handler returns the HTTP handler serving the Prometheus exposition
// format, or a 404 handler if metrics are disabled.
func (p *Publisher) Handler() http.Handler {
	if !p.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// PublishSnapshot renders rows into the tracked-entity gauges, grouped by
// state. Satisfies mailbox.TelemetryPublisher's bare no-argument form via
// the runtime's wiring (the runtime calls PublishTrackerRows directly with
// the current rows; PublishSnapshot exists for callers that only need the
// "something changed" signal without supplying fresh rows).
func (p *Publisher) PublishSnapshot() {
	// Intentionally a no-op placeholder for callers with no rows at hand;
	// the runtime calls PublishTrackerRows with real data at its own cadence.
}

// PublishTrackerRows sets the tracked-entity gauges from a fresh
// AuthorityTracker telemetry snapshot.
func (p *Publisher) PublishTrackerRows(rows []authority.TelemetryRow) {
	if !p.enabled {
		return
	}
	var authoritative, passing float64
	for _, row := range rows {
		if row.State == authority.Passing {
			passing++
		} else {
			authoritative++
		}
	}
	p.trackedEntities.WithLabelValues("authoritative").Set(authoritative)
	p.trackedEntities.WithLabelValues("passing").Set(passing)
}

// RecordHandoffSent increments the sent counter.
func (p *Publisher) RecordHandoffSent() {
	if p.enabled {
		p.handoffsSent.Inc()
	}
}

// RecordHandoffAdopted increments the adopted counter.
func (p *Publisher) RecordHandoffAdopted() {
	if p.enabled {
		p.handoffsAdopted.Inc()
	}
}

// RecordHandoffCommitted increments the committed counter and refreshes
// LastTransferAgeUs's reference point.
func (p *Publisher) RecordHandoffCommitted() {
	if !p.enabled {
		return
	}
	p.handoffsCommitted.Inc()
	p.lastTransferAt = p.now()
	p.lastTransferAgeUs.Set(0)
}

// RecordHandoffCanceled increments the canceled counter.
func (p *Publisher) RecordHandoffCanceled() {
	if p.enabled {
		p.handoffsCanceled.Inc()
	}
}

// SetMailboxDepths updates the incoming/outgoing mailbox gauges.
func (p *Publisher) SetMailboxDepths(incoming, outgoing int) {
	if !p.enabled {
		return
	}
	p.mailboxIncomingSize.Set(float64(incoming))
	p.mailboxOutgoingSize.Set(float64(outgoing))
}

// RecordWatchdogDiscrepancy increments the discrepancy counter by count.
func (p *Publisher) RecordWatchdogDiscrepancy(count int) {
	if p.enabled && count > 0 {
		p.watchdogDiscrepancy.Add(float64(count))
	}
}

// RefreshLastTransferAge recomputes LastTransferAgeUs from the last commit
// time observed by RecordHandoffCommitted. No-op until the first commit.
func (p *Publisher) RefreshLastTransferAge() {
	if !p.enabled || p.lastTransferAt.IsZero() {
		return
	}
	p.lastTransferAgeUs.Set(float64(p.now().Sub(p.lastTransferAt).Microseconds()))
}
