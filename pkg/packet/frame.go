// Package packet implements PacketBus: the per-shard typed-callback
// pub/sub fan-out, the GenericEntityPacket wire format, and the
// HandoffPacketManager that bridges the two to the runtime's handoff
// callbacks.
package packet

import (
	"encoding/binary"
	"fmt"
)

// TypeID identifies a packet's payload schema on the wire.
type TypeID uint16

// TypeGenericEntityPacket is the fixed packet_type_id for GenericEntityPacket.
const TypeGenericEntityPacket TypeID = 1

// frameHeaderSize is len(packet_type_id) + len(length).
const frameHeaderSize = 2 + 4

// EncodeFrame wraps payload in the wire framing
// {packet_type_id: u16}{length: u32}{payload}.
func EncodeFrame(typeID TypeID, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], uint16(typeID))
	binary.LittleEndian.PutUint32(out[2:6], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}

// DecodeFrame parses one frame from the front of raw, returning the
// remaining unconsumed bytes so callers can decode back-to-back frames out
// of a single batched transport read.
func DecodeFrame(raw []byte) (typeID TypeID, payload []byte, rest []byte, err error) {
	if len(raw) < frameHeaderSize {
		return 0, nil, nil, fmt.Errorf("packet: truncated frame header, need >=%d bytes got %d", frameHeaderSize, len(raw))
	}
	typeID = TypeID(binary.LittleEndian.Uint16(raw[0:2]))
	length := binary.LittleEndian.Uint32(raw[2:6])
	end := frameHeaderSize + int(length)
	if len(raw) < end {
		return 0, nil, nil, fmt.Errorf("packet: truncated frame payload, need %d more bytes", end-len(raw))
	}
	payload = raw[frameHeaderSize:end]
	rest = raw[end:]
	return typeID, payload, rest, nil
}
