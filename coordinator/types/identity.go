package types

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/miragelabs/mirage/shared/hashutil"
)

// NodeIDLength is the length in bytes of a decoded node identifier.
const NodeIDLength = 16

// NodeIDFromPublicKey derives the opaque 128 bit node identifier from a
// node's identity public key. The identifier is the hex encoding of the
// first 16 bytes of the key's hash and never changes for a given key.
func NodeIDFromPublicKey(pub ed25519.PublicKey) string {
	h := hashutil.Hash(pub)
	return hex.EncodeToString(h[:NodeIDLength])
}

// ValidNodeID reports whether id is a well formed node identifier.
func ValidNodeID(id string) bool {
	raw, err := hex.DecodeString(id)
	if err != nil {
		return false
	}
	return len(raw) == NodeIDLength
}

// SignatureVerifier checks that a payload was signed by the named node's
// identity key. Implementations resolve the node's registered public key.
type SignatureVerifier interface {
	VerifySignature(nodeID string, message []byte, signature []byte) error
}
