package peers

import (
	"crypto/ed25519"
	"testing"

	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
)

func TestVerifier_VerifySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	nodeID := types.NodeIDFromPublicKey(pub)

	dir := NewDirectory()
	dir.Add(&types.Peer{NodeID: nodeID, PublicKey: pub})
	verifier := NewVerifier(dir)

	message := []byte("uptime-beacon:1234")
	sig := ed25519.Sign(priv, message)
	require.NoError(t, verifier.VerifySignature(nodeID, message, sig))

	err = verifier.VerifySignature(nodeID, []byte("tampered"), sig)
	assert.Equal(t, true, types.IsIntegrity(err))
}

func TestVerifier_UnknownNode(t *testing.T) {
	verifier := NewVerifier(NewDirectory())
	err := verifier.VerifySignature("missing", []byte("msg"), []byte("sig"))
	assert.Equal(t, true, types.IsPrecondition(err))
}

func TestVerifier_KeyMustDeriveNodeID(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dir := NewDirectory()
	dir.Add(&types.Peer{NodeID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", PublicKey: pub})
	verifier := NewVerifier(dir)

	message := []byte("msg")
	err = verifier.VerifySignature("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", message, ed25519.Sign(priv, message))
	assert.Equal(t, true, types.IsIntegrity(err))
}

func TestVerifier_MissingKey(t *testing.T) {
	dir := NewDirectory()
	dir.Add(&types.Peer{NodeID: "node-1"})
	verifier := NewVerifier(dir)
	err := verifier.VerifySignature("node-1", []byte("msg"), []byte("sig"))
	assert.Equal(t, true, types.IsPrecondition(err))
}
