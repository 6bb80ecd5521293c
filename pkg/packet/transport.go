package packet

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/atlasnet/atlasnet/pkg/identity"
)

// DeliveryMode hints to a Transport how urgently and how reliably a frame
// must be delivered. AtlasNet currently only ever asks for ReliableBatched
// (spec.md §4.7), but the parameter is part of the Transport contract so a
// future priority/probe packet class has somewhere to plug in.
type DeliveryMode int

const (
	BestEffort DeliveryMode = iota
	ReliableBatched
)

// Transport moves encoded packet payloads between shard processes.
// HandoffPacketManager is the only consumer; PacketBus itself is
// transport-agnostic.
type Transport interface {
	Send(ctx context.Context, peer identity.Identity, typeID TypeID, payload []byte, mode DeliveryMode) error
	// Listen registers onFrame to be called for every frame addressed to
	// self, until ctx is canceled.
	Listen(ctx context.Context, self identity.Identity, onFrame func(typeID TypeID, payload []byte)) error
	Close() error
}

// MemoryHub is the shared registry backing MemoryTransport, grounded on
// goclaw's pkg/eventbus.MemoryBus: an in-process stand-in for the wire, one
// hub shared by every shard under test.
type MemoryHub struct {
	mu       sync.Mutex
	handlers map[string]func(TypeID, []byte)
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{handlers: make(map[string]func(TypeID, []byte))}
}

// NewTransport returns a Transport bound to this hub.
func (h *MemoryHub) NewTransport() *MemoryTransport {
	return &MemoryTransport{hub: h}
}

// MemoryTransport is an in-process Transport for tests and single-process
// local-dev clusters.
type MemoryTransport struct {
	hub *MemoryHub
}

func (t *MemoryTransport) Send(ctx context.Context, peer identity.Identity, typeID TypeID, payload []byte, _ DeliveryMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.hub.mu.Lock()
	handler, ok := t.hub.handlers[peer.String()]
	t.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("packet: no listener registered for peer %s", peer)
	}
	handler(typeID, append([]byte(nil), payload...))
	return nil
}

func (t *MemoryTransport) Listen(ctx context.Context, self identity.Identity, onFrame func(TypeID, []byte)) error {
	key := self.String()
	t.hub.mu.Lock()
	t.hub.handlers[key] = onFrame
	t.hub.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.hub.mu.Lock()
		delete(t.hub.handlers, key)
		t.hub.mu.Unlock()
	}()
	return nil
}

func (t *MemoryTransport) Close() error { return nil }

// RedisTransport delivers frames over Redis Pub/Sub, one channel per
// recipient identity. Grounded on goclaw's pkg/signal.RedisBus, which uses
// the same per-key-channel Pub/Sub pattern over redis.UniversalClient.
type RedisTransport struct {
	client        redis.UniversalClient
	channelPrefix string
}

// NewRedisTransport wraps client; channelPrefix defaults to
// "atlasnet:packet:" when empty.
func NewRedisTransport(client redis.UniversalClient, channelPrefix string) *RedisTransport {
	if channelPrefix == "" {
		channelPrefix = "atlasnet:packet:"
	}
	return &RedisTransport{client: client, channelPrefix: channelPrefix}
}

func (t *RedisTransport) channelFor(id identity.Identity) string {
	return t.channelPrefix + id.String()
}

func (t *RedisTransport) Send(ctx context.Context, peer identity.Identity, typeID TypeID, payload []byte, _ DeliveryMode) error {
	frame := EncodeFrame(typeID, payload)
	return t.client.Publish(ctx, t.channelFor(peer), frame).Err()
}

func (t *RedisTransport) Listen(ctx context.Context, self identity.Identity, onFrame func(TypeID, []byte)) error {
	pubsub := t.client.Subscribe(ctx, t.channelFor(self))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("packet: subscribe failed: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				typeID, payload, _, err := DecodeFrame([]byte(msg.Payload))
				if err != nil {
					continue
				}
				onFrame(typeID, payload)
			}
		}
	}()
	return nil
}

func (t *RedisTransport) Close() error { return nil }
