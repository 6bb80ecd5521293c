package packet

import (
	"sync"
	"sync/atomic"
)

// subscription holds a typed callback and an alive flag. Cancelling a
// subscription (Handle.Close) only flips alive; the entry itself is
// compacted out of the vector lazily, on the next Cleanup.
type subscription struct {
	alive  atomic.Bool
	invoke func(payload []byte)
}

// Handle is returned by Subscribe; closing it deactivates the subscription
// without mutating the bus's internal vectors synchronously.
type Handle struct {
	sub *subscription
}

// Close deactivates the subscription. It is idempotent and safe to call
// from any goroutine, including from inside the subscription's own callback.
func (h *Handle) Close() {
	h.sub.alive.Store(false)
}

// Bus is PacketBus: a process-wide mapping from TypeID to a vector of live
// subscriptions, dispatched under a mutex + snapshot-then-invoke pattern so
// callbacks never run while the registry lock is held.
type Bus struct {
	mu   sync.Mutex
	subs map[TypeID][]*subscription
}

// NewBus creates an empty PacketBus.
func NewBus() *Bus {
	return &Bus{subs: make(map[TypeID][]*subscription)}
}

// Subscribe registers cb to be invoked with the raw payload of every packet
// dispatched under typeID, in registration order, until the returned handle
// is closed.
func (b *Bus) Subscribe(typeID TypeID, cb func(payload []byte)) *Handle {
	sub := &subscription{invoke: cb}
	sub.alive.Store(true)

	b.mu.Lock()
	b.subs[typeID] = append(b.subs[typeID], sub)
	b.mu.Unlock()

	return &Handle{sub: sub}
}

// SubscribeGenericEntityPacket is a typed convenience wrapper over Subscribe
// for the one packet type AtlasNet currently exchanges. Malformed payloads
// are dropped silently here; HandoffPacketManager applies the per-peer
// rate-limited logging the spec's error-handling design calls for.
func (b *Bus) SubscribeGenericEntityPacket(cb func(GenericEntityPacket)) *Handle {
	return b.Subscribe(TypeGenericEntityPacket, func(payload []byte) {
		pkt, err := DecodeGenericEntityPacket(payload)
		if err != nil {
			return
		}
		cb(pkt)
	})
}

// Dispatch delivers payload to every currently-live subscription registered
// for typeID. The registry mutex is held only to take the snapshot; it is
// released before any callback runs.
func (b *Bus) Dispatch(typeID TypeID, payload []byte) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[typeID]...)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.alive.Load() {
			sub.invoke(payload)
		}
	}
}

// Cleanup compacts dead subscriptions out of every type's vector.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typeID, subs := range b.subs {
		live := subs[:0]
		for _, sub := range subs {
			if sub.alive.Load() {
				live = append(live, sub)
			}
		}
		if len(live) == 0 {
			delete(b.subs, typeID)
		} else {
			b.subs[typeID] = live
		}
	}
}
