package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/atlasnet/atlasnet/pkg/entity"
	"github.com/atlasnet/atlasnet/pkg/identity"
)

// CurrentProtocolVersion is the protocol_version AtlasNet stamps on every
// outgoing GenericEntityPacket. Unknown versions on receive are accepted,
// not rejected — callers are expected to log them.
const CurrentProtocolVersion uint8 = 2

// ErrInvalidSender is returned by DecodeGenericEntityPacket when the
// sender's tag is identity.TagInvalid.
var ErrInvalidSender = errors.New("packet: sender identity is invalid")

// GenericEntityPacket carries one entity snapshot between shards, either as
// a border-crossing handoff (TransferTimeUs > 0) or a probe (TransferTimeUs
// == 0).
type GenericEntityPacket struct {
	Sender          identity.Identity
	Entity          entity.Entity
	ProtocolVersion uint8
	TransferTimeUs  uint64
	SentAtMs        uint64
}

// Encode produces the canonical payload:
// {sender: NetworkIdentity}{entity: AtlasEntity}{protocol_version: u8}{transfer_time_us: u64}{sent_at_ms: u64}.
func (p GenericEntityPacket) Encode() ([]byte, error) {
	entityBytes, err := p.Entity.Encode()
	if err != nil {
		return nil, fmt.Errorf("packet: encode entity: %w", err)
	}
	senderBytes := p.Sender.Encode()

	out := make([]byte, len(senderBytes)+len(entityBytes)+1+8+8)
	off := copy(out, senderBytes)
	off += copy(out[off:], entityBytes)
	out[off] = p.ProtocolVersion
	off++
	binary.LittleEndian.PutUint64(out[off:], p.TransferTimeUs)
	off += 8
	binary.LittleEndian.PutUint64(out[off:], p.SentAtMs)
	off += 8
	return out, nil
}

// DecodeGenericEntityPacket parses the payload produced by Encode. It
// rejects packets whose sender tag is invalid; it does not reject unknown
// protocol versions — callers should log those themselves.
func DecodeGenericEntityPacket(raw []byte) (GenericEntityPacket, error) {
	const identitySize = 17
	if len(raw) < identitySize {
		return GenericEntityPacket{}, fmt.Errorf("packet: truncated sender, need >=%d bytes got %d", identitySize, len(raw))
	}
	sender, err := identity.Decode(raw[:identitySize])
	if err != nil {
		return GenericEntityPacket{}, fmt.Errorf("packet: decode sender: %w", err)
	}
	if !sender.IsValid() {
		return GenericEntityPacket{}, ErrInvalidSender
	}

	ent, n, err := entity.Decode(raw[identitySize:])
	if err != nil {
		return GenericEntityPacket{}, fmt.Errorf("packet: decode entity: %w", err)
	}
	off := identitySize + n

	const tail = 1 + 8 + 8
	if len(raw) < off+tail {
		return GenericEntityPacket{}, fmt.Errorf("packet: truncated packet tail, need %d more bytes", off+tail-len(raw))
	}
	protocolVersion := raw[off]
	off++
	transferTimeUs := binary.LittleEndian.Uint64(raw[off:])
	off += 8
	sentAtMs := binary.LittleEndian.Uint64(raw[off:])
	off += 8

	return GenericEntityPacket{
		Sender:          sender,
		Entity:          ent,
		ProtocolVersion: protocolVersion,
		TransferTimeUs:  transferTimeUs,
		SentAtMs:        sentAtMs,
	}, nil
}
