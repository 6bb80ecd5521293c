// Package identity implements NetworkIdentity, the tagged-UUID value used
// throughout AtlasNet to name shards, watchdogs, clients, gateways, and the
// cartography tooling that inspects a running fleet.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// Tag discriminates the role of the process a NetworkIdentity names.
type Tag uint8

const (
	TagInvalid    Tag = 0
	TagShard      Tag = 1
	TagWatchdog   Tag = 2
	TagClient     Tag = 3
	TagGateway    Tag = 4
	TagCartograph Tag = 5
)

// String returns the canonical lowercase tag name.
func (t Tag) String() string {
	switch t {
	case TagShard:
		return "shard"
	case TagWatchdog:
		return "watchdog"
	case TagClient:
		return "client"
	case TagGateway:
		return "gateway"
	case TagCartograph:
		return "cartograph"
	default:
		return "invalid"
	}
}

// Identity is a tag plus a 128-bit UUID. Its zero value is the invalid
// identity. Total ordering and hashing are defined over its canonical
// string form, so two Identity values compare and hash identically across
// processes regardless of internal representation.
type Identity struct {
	Tag Tag
	UUID uuid.UUID
}

// New builds an Identity from a tag and a freshly generated UUID.
func New(tag Tag) Identity {
	return Identity{Tag: tag, UUID: uuid.New()}
}

// Invalid is the zero-value sentinel identity.
var Invalid = Identity{Tag: TagInvalid}

// IsValid reports whether the identity has a non-invalid tag.
func (id Identity) IsValid() bool {
	return id.Tag != TagInvalid
}

// String returns the canonical string form "tag:uuid", which is also the
// value used for total ordering and hashing.
func (id Identity) String() string {
	return fmt.Sprintf("%s:%s", id.Tag, id.UUID.String())
}

// Less implements the canonical lexicographic total ordering over the
// string form, used by OwnershipElection's deterministic leader pick.
func (id Identity) Less(other Identity) bool {
	return id.String() < other.String()
}

// Encode writes the wire form: {u8 tag}{16 bytes uuid}.
func (id Identity) Encode() []byte {
	out := make([]byte, 17)
	out[0] = byte(id.Tag)
	copy(out[1:], id.UUID[:])
	return out
}

// Decode parses the wire form produced by Encode.
func Decode(raw []byte) (Identity, error) {
	if len(raw) < 17 {
		return Identity{}, fmt.Errorf("identity: truncated identity, need 17 bytes got %d", len(raw))
	}
	var u uuid.UUID
	copy(u[:], raw[1:17])
	return Identity{Tag: Tag(raw[0]), UUID: u}, nil
}

// Parse parses the canonical "tag:uuid" string form back into an Identity.
func Parse(s string) (Identity, error) {
	if len(s) < 2 {
		return Identity{}, fmt.Errorf("identity: malformed identity string %q", s)
	}
	var tag Tag
	var rest string
	switch {
	case hasPrefix(s, "shard:"):
		tag, rest = TagShard, s[len("shard:"):]
	case hasPrefix(s, "watchdog:"):
		tag, rest = TagWatchdog, s[len("watchdog:"):]
	case hasPrefix(s, "client:"):
		tag, rest = TagClient, s[len("client:"):]
	case hasPrefix(s, "gateway:"):
		tag, rest = TagGateway, s[len("gateway:"):]
	case hasPrefix(s, "cartograph:"):
		tag, rest = TagCartograph, s[len("cartograph:"):]
	case hasPrefix(s, "invalid:"):
		tag, rest = TagInvalid, s[len("invalid:"):]
	default:
		return Identity{}, fmt.Errorf("identity: unknown tag in %q", s)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: invalid uuid in %q: %w", s, err)
	}
	return Identity{Tag: tag, UUID: u}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
