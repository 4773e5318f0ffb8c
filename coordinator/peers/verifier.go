package peers

import (
	"crypto/ed25519"

	"github.com/miragelabs/mirage/coordinator/types"
)

// Verifier checks payload signatures against the identity keys registered in
// the peer directory.
type Verifier struct {
	dir *Directory
}

// NewVerifier builds a signature verifier backed by the directory.
func NewVerifier(dir *Directory) *Verifier {
	return &Verifier{dir: dir}
}

// VerifySignature checks that signature covers message under the identity
// key the node registered with. The key must also hash to the claimed node
// id, so a peer cannot register someone else's identity.
func (v *Verifier) VerifySignature(nodeID string, message []byte, signature []byte) error {
	peer, ok := v.dir.Get(nodeID)
	if !ok {
		return types.PreconditionErrorf("node %s is not in the directory", nodeID)
	}
	if len(peer.PublicKey) != ed25519.PublicKeySize {
		return types.PreconditionErrorf("node %s has no usable identity key", nodeID)
	}
	if types.NodeIDFromPublicKey(peer.PublicKey) != nodeID {
		return types.IntegrityErrorf("registered key for %s does not derive its node id", nodeID)
	}
	if !ed25519.Verify(ed25519.PublicKey(peer.PublicKey), message, signature) {
		return types.IntegrityErrorf("signature by %s does not verify", nodeID)
	}
	return nil
}

var _ types.SignatureVerifier = (*Verifier)(nil)
