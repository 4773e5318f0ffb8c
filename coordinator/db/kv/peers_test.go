package kv

import (
	"context"
	"testing"
	"time"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
)

func TestStore_PeerCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	peer := &types.Peer{
		NodeID:         "0123456789abcdef0123456789abcdef",
		OverlayAddress: "10.1.0.7",
		Port:           7070,
		Role:           types.RoleWorker,
		Capabilities:   []types.Capability{types.CapabilityRelay},
		LastSeen:       time.Unix(1700000000, 0).UTC(),
	}

	retrieved, err := db.Peer(ctx, peer.NodeID)
	require.NoError(t, err)
	assert.Equal(t, (*types.Peer)(nil), retrieved)
	assert.Equal(t, false, db.HasPeer(ctx, peer.NodeID))

	require.NoError(t, db.SavePeer(ctx, peer))
	assert.Equal(t, true, db.HasPeer(ctx, peer.NodeID))

	retrieved, err = db.Peer(ctx, peer.NodeID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.DeepEqual(t, peer, retrieved)

	require.NoError(t, db.DeletePeer(ctx, peer.NodeID))
	assert.Equal(t, false, db.HasPeer(ctx, peer.NodeID))
}

func TestStore_PeersFilterByRole(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	workers := 3
	for i := 0; i < workers; i++ {
		require.NoError(t, db.SavePeer(ctx, &types.Peer{
			NodeID: "0123456789abcdef0123456789abcde" + string(rune('0'+i)),
			Role:   types.RoleWorker,
		}))
	}
	require.NoError(t, db.SavePeer(ctx, &types.Peer{
		NodeID: "ffffffffffffffffffffffffffffffff",
		Role:   types.RoleServer,
	}))

	retrieved, err := db.Peers(ctx, filters.NewFilter().SetKind(string(types.RoleWorker)))
	require.NoError(t, err)
	assert.Equal(t, workers, len(retrieved))

	retrieved, err = db.Peers(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, workers+1, len(retrieved))
}

func TestStore_PeersFilterUnsupportedCriterion(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	require.NoError(t, db.SavePeer(ctx, &types.Peer{NodeID: "0123456789abcdef0123456789abcdef"}))
	_, err := db.Peers(ctx, filters.NewFilter().SetEpoch(3))
	require.ErrorContains(t, "not supported for peers", err)
}
