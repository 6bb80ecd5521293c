package packet_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/geo"
	"github.com/atlasnet/atlasnet/pkg/identity"
	"github.com/atlasnet/atlasnet/pkg/packet"
)

func TestGenericEntityPacketRoundTrip(t *testing.T) {
	pkt := packet.GenericEntityPacket{
		Sender: identity.New(identity.TagShard),
		Entity: entity.Entity{
			EntityID: 42,
			World:    1,
			Position: geo.Vec3{X: 1, Y: 2, Z: 3},
		},
		ProtocolVersion: packet.CurrentProtocolVersion,
		TransferTimeUs:  1234,
		SentAtMs:        5678,
	}
	raw, err := pkt.Encode()
	require.NoError(t, err)

	decoded, err := packet.DecodeGenericEntityPacket(raw)
	require.NoError(t, err)
	require.Equal(t, pkt.Sender, decoded.Sender)
	require.Equal(t, pkt.Entity.EntityID, decoded.Entity.EntityID)
	require.Equal(t, pkt.TransferTimeUs, decoded.TransferTimeUs)
	require.Equal(t, pkt.SentAtMs, decoded.SentAtMs)
}

func TestDecodeGenericEntityPacketRejectsInvalidSender(t *testing.T) {
	pkt := packet.GenericEntityPacket{Sender: identity.Invalid, Entity: entity.Entity{EntityID: 1}}
	raw, err := pkt.Encode()
	require.NoError(t, err)

	_, err = packet.DecodeGenericEntityPacket(raw)
	require.ErrorIs(t, err, packet.ErrInvalidSender)
}

func TestFrameRoundTrip(t *testing.T) {
	frame := packet.EncodeFrame(packet.TypeGenericEntityPacket, []byte("hello"))
	typeID, payload, rest, err := packet.DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, packet.TypeGenericEntityPacket, typeID)
	require.Equal(t, []byte("hello"), payload)
	require.Empty(t, rest)
}

func TestBusDispatchSkipsCanceledSubscriptions(t *testing.T) {
	bus := packet.NewBus()

	var calls int
	h1 := bus.Subscribe(1, func([]byte) { calls++ })
	bus.Subscribe(1, func([]byte) { calls++ })

	h1.Close()
	bus.Dispatch(1, []byte("x"))

	require.Equal(t, 1, calls, "a closed subscription must not receive the current packet")
}

func TestBusCleanupCompactsDeadSubscriptions(t *testing.T) {
	bus := packet.NewBus()
	h := bus.Subscribe(1, func([]byte) {})
	h.Close()
	bus.Cleanup()
	bus.Dispatch(1, []byte("x")) // must not panic on an empty/compacted vector
}

func TestBusDispatchNeverHoldsLockDuringCallback(t *testing.T) {
	bus := packet.NewBus()
	done := make(chan struct{})
	bus.Subscribe(1, func([]byte) {
		// Subscribing from within a callback would deadlock if Dispatch
		// held the registry mutex while invoking callbacks.
		bus.Subscribe(2, func([]byte) {})
		close(done)
	})
	bus.Dispatch(1, []byte("x"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch appears to hold the lock during callback execution")
	}
}

func TestManagerRoutesIncomingHandoffAndIgnoresSelf(t *testing.T) {
	hub := packet.NewMemoryHub()
	self := identity.New(identity.TagShard)
	peer := identity.New(identity.TagShard)

	selfBus := packet.NewBus()
	var mu sync.Mutex
	var activity []identity.Identity
	var handoffs []entity.Entity

	selfManager := packet.NewManager(self, selfBus, hub.NewTransport(), nil,
		func(id identity.Identity) {
			mu.Lock()
			defer mu.Unlock()
			activity = append(activity, id)
		},
		func(ent entity.Entity, sender identity.Identity, transferTimeUs uint64) {
			mu.Lock()
			defer mu.Unlock()
			handoffs = append(handoffs, ent)
		},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, selfManager.Listen(ctx))

	peerBus := packet.NewBus()
	peerManager := packet.NewManager(peer, peerBus, hub.NewTransport(), nil, nil, nil)
	require.NoError(t, peerManager.Listen(ctx))

	require.NoError(t, peerManager.Send(ctx, self, entity.Entity{EntityID: 7}, 100))
	require.NoError(t, selfManager.Send(ctx, self, entity.Entity{EntityID: 99}, 0), "self-addressed packet must still deliver at transport level")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handoffs) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, activity, 1)
	require.Equal(t, peer, activity[0])
	require.Equal(t, uint64(7), handoffs[0].EntityID)
}
