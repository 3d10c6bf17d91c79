// Package identity implements the Identity and ConnectionId value types
// (spec §3, §6.4). Identity issuance and JWT verification themselves
// are external collaborators (spec §1); this package only derives the
// opaque 32-byte Identity from already-verified claims.
package identity

import (
	"encoding/hex"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// Identity is the 32-byte opaque blob derived from (issuer, subject)
// JWT claims. Identities have no lifecycle; they are compared bitwise.
type Identity [32]byte

func (id Identity) String() string { return hex.EncodeToString(id[:]) }

func (id Identity) Equal(other Identity) bool { return id == other }

// identityMagic prefixes both the hashed identity id and its checksum
// input, matching the wire-compatible derivation in spec §6.4.
var identityMagic = [2]byte{0xC2, 0x00}

// Derive computes the Identity for a (issuer, subject) JWT claim pair
// per spec §6.4:
//
//	h1       = blake3(issuer || "|" || subject)       // 32 bytes
//	id_hash  = h1[..26]
//	checksum = blake3(magic || id_hash)               // 32 bytes
//	identity = magic || checksum[..4] || id_hash       // 32 bytes total
func Derive(issuer, subject string) Identity {
	h1 := blake3.Sum256([]byte(issuer + "|" + subject))
	idHash := h1[:26]

	input := make([]byte, 0, 2+len(idHash))
	input = append(input, identityMagic[:]...)
	input = append(input, idHash...)
	checksum := blake3.Sum256(input)

	var out Identity
	out[0], out[1] = identityMagic[0], identityMagic[1]
	copy(out[2:6], checksum[:4])
	copy(out[6:32], idHash)
	return out
}

// ConnectionId is a 16-byte value generated per WebSocket connection;
// it is not persisted and distinguishes multiple connections sharing
// one Identity (spec §3, Open Question (b): modelled as a per-connection
// opaque id via google/uuid, matching the newest client SDK shape).
type ConnectionId [16]byte

// NewConnectionId generates a fresh random ConnectionId.
func NewConnectionId() ConnectionId {
	return ConnectionId(uuid.New())
}

func (c ConnectionId) String() string {
	return uuid.UUID(c).String()
}
