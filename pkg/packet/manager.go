package packet

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/logger"
)

// Manager is HandoffPacketManager: on init it subscribes to
// GenericEntityPacket on the bus, drops self-sent packets, and invokes the
// runtime-supplied peer-activity and incoming-handoff callbacks for
// everything else. Malformed packets are dropped and logged at most once
// per peer per minute.
type Manager struct {
	self      identity.Identity
	bus       *Bus
	transport Transport
	log       logger.Logger
	handle    *Handle

	onPeerActivity    func(identity.Identity)
	onIncomingHandoff func(ent entity.Entity, sender identity.Identity, transferTimeUs uint64)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewManager wires a Manager to bus and transport, and subscribes
// immediately. Either callback may be nil.
func NewManager(
	self identity.Identity,
	bus *Bus,
	transport Transport,
	log logger.Logger,
	onPeerActivity func(identity.Identity),
	onIncomingHandoff func(ent entity.Entity, sender identity.Identity, transferTimeUs uint64),
) *Manager {
	m := &Manager{
		self:              self,
		bus:               bus,
		transport:         transport,
		log:               log,
		onPeerActivity:    onPeerActivity,
		onIncomingHandoff: onIncomingHandoff,
		limiters:          make(map[string]*rate.Limiter),
	}
	m.handle = bus.Subscribe(TypeGenericEntityPacket, m.handleRaw)
	return m
}

// Listen binds the manager's transport receive loop to the bus, so every
// frame addressed to self ends up dispatched through it.
func (m *Manager) Listen(ctx context.Context) error {
	return m.transport.Listen(ctx, m.self, m.bus.Dispatch)
}

// Close deactivates the manager's bus subscription.
func (m *Manager) Close() {
	m.handle.Close()
}

// Send encodes ent as a GenericEntityPacket addressed to target and hands it
// to the transport with reliable_batched delivery.
func (m *Manager) Send(ctx context.Context, target identity.Identity, ent entity.Entity, transferTimeUs uint64) error {
	pkt := GenericEntityPacket{
		Sender:          m.self,
		Entity:          ent,
		ProtocolVersion: CurrentProtocolVersion,
		TransferTimeUs:  transferTimeUs,
		SentAtMs:        uint64(time.Now().UnixMilli()),
	}
	payload, err := pkt.Encode()
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, target, TypeGenericEntityPacket, payload, ReliableBatched)
}

func (m *Manager) handleRaw(payload []byte) {
	pkt, err := DecodeGenericEntityPacket(payload)
	if err != nil {
		m.logMalformed(payload, err)
		return
	}
	if pkt.Sender == m.self {
		return
	}
	if pkt.ProtocolVersion != CurrentProtocolVersion && m.log != nil {
		m.log.Warn("packet: received unknown protocol version",
			"version", pkt.ProtocolVersion, "sender", pkt.Sender.String())
	}
	if m.onPeerActivity != nil {
		m.onPeerActivity(pkt.Sender)
	}
	if m.onIncomingHandoff != nil {
		m.onIncomingHandoff(pkt.Entity, pkt.Sender, pkt.TransferTimeUs)
	}
}

// logMalformed recovers whatever peer identity it can from the truncated or
// corrupt payload and logs at most once per peer per minute.
func (m *Manager) logMalformed(payload []byte, cause error) {
	peerKey := "unknown"
	const identitySize = 17
	if len(payload) >= identitySize {
		if sender, err := identity.Decode(payload[:identitySize]); err == nil {
			peerKey = sender.String()
		}
	}
	if m.limiterFor(peerKey).Allow() && m.log != nil {
		m.log.Warn("packet: dropping malformed packet", "peer", peerKey, "error", cause)
	}
}

func (m *Manager) limiterFor(peer string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[peer]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute), 1)
		m.limiters[peer] = l
	}
	return l
}
