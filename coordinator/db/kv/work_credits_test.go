package kv

import (
	"context"
	"testing"
	"time"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
	"github.com/pkg/errors"
)

func TestStore_WorkProofCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	proof := &types.WorkProof{
		NodeID:    "0123456789abcdef0123456789abcdef",
		Slot:      42,
		TaskKind:  types.TaskRelayBandwidth,
		Value:     125.5,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}

	assert.Equal(t, false, db.HasWorkProof(ctx, proof.NodeID, proof.Slot, proof.TaskKind))
	require.NoError(t, db.SaveWorkProof(ctx, proof))
	assert.Equal(t, true, db.HasWorkProof(ctx, proof.NodeID, proof.Slot, proof.TaskKind))

	retrieved, err := db.WorkProofs(ctx, filters.NewFilter().SetNodeID(proof.NodeID))
	require.NoError(t, err)
	require.Equal(t, 1, len(retrieved))
	assert.DeepEqual(t, proof, retrieved[0])
}

func TestStore_SaveWorkProof_RejectsDuplicate(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	proof := &types.WorkProof{
		NodeID:   "0123456789abcdef0123456789abcdef",
		Slot:     7,
		TaskKind: types.TaskStorageProof,
		Value:    1,
	}
	require.NoError(t, db.SaveWorkProof(ctx, proof))

	resubmitted := &types.WorkProof{
		NodeID:   proof.NodeID,
		Slot:     proof.Slot,
		TaskKind: proof.TaskKind,
		Value:    99,
	}
	err := db.SaveWorkProof(ctx, resubmitted)
	require.ErrorContains(t, "already accepted", err)
	assert.Equal(t, true, errors.Is(err, types.ErrDuplicate))

	// A different kind in the same slot is not a duplicate.
	require.NoError(t, db.SaveWorkProof(ctx, &types.WorkProof{
		NodeID:   proof.NodeID,
		Slot:     proof.Slot,
		TaskKind: types.TaskUptimeBeacon,
	}))
}

func TestStore_WorkProofsSlotRange(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nodeID := "0123456789abcdef0123456789abcdef"
	for slot := uint64(1); slot <= 10; slot++ {
		require.NoError(t, db.SaveWorkProof(ctx, &types.WorkProof{
			NodeID:   nodeID,
			Slot:     slot,
			TaskKind: types.TaskRelayBandwidth,
		}))
	}

	retrieved, err := db.WorkProofs(ctx, filters.NewFilter().SetStartSlot(3).SetEndSlot(5))
	require.NoError(t, err)
	require.Equal(t, 3, len(retrieved))
	for _, proof := range retrieved {
		assert.Equal(t, true, proof.Slot >= 3 && proof.Slot <= 5)
	}
}

func TestStore_PruneWorkProofsBefore(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nodeID := "0123456789abcdef0123456789abcdef"
	for slot := uint64(0); slot < 20; slot++ {
		require.NoError(t, db.SaveWorkProof(ctx, &types.WorkProof{
			NodeID:   nodeID,
			Slot:     slot,
			TaskKind: types.TaskValidationSig,
		}))
	}

	pruned, err := db.PruneWorkProofsBefore(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, 15, pruned)

	remaining, err := db.WorkProofs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, len(remaining))
	for _, proof := range remaining {
		assert.Equal(t, true, proof.Slot >= 15)
	}
}

func TestStore_WorkTallyRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tally := &types.WorkTally{
		EntityID:  "0123456789abcdef0123456789abcdef",
		Epoch:     3,
		Credits:   900.25,
		LiveScore: 0.97,
		Rank:      1,
	}

	retrieved, err := db.WorkTally(ctx, tally.EntityID, tally.Epoch)
	require.NoError(t, err)
	assert.Equal(t, (*types.WorkTally)(nil), retrieved)

	require.NoError(t, db.SaveWorkTally(ctx, tally))

	// Read twice so the cached path is exercised too.
	for i := 0; i < 2; i++ {
		retrieved, err = db.WorkTally(ctx, tally.EntityID, tally.Epoch)
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, tally.Credits, retrieved.Credits)
		assert.Equal(t, tally.Rank, retrieved.Rank)
	}
}

func TestStore_WorkTalliesByEpoch(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	tallies := []*types.WorkTally{
		{EntityID: "0123456789abcdef0123456789abcde0", Epoch: 2, Credits: 10},
		{EntityID: "0123456789abcdef0123456789abcde1", Epoch: 2, Credits: 20},
		{EntityID: "0123456789abcdef0123456789abcde2", Epoch: 3, Credits: 30},
	}
	require.NoError(t, db.SaveWorkTallies(ctx, tallies))

	retrieved, err := db.WorkTalliesByEpoch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, len(retrieved))
	for _, tally := range retrieved {
		assert.Equal(t, uint64(2), tally.Epoch)
	}
}

func TestStore_PruneWorkTalliesBefore(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	entityID := "0123456789abcdef0123456789abcdef"
	for epoch := uint64(0); epoch < 6; epoch++ {
		require.NoError(t, db.SaveWorkTally(ctx, &types.WorkTally{
			EntityID: entityID,
			Epoch:    epoch,
			Credits:  float64(epoch),
		}))
	}

	pruned, err := db.PruneWorkTalliesBefore(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, pruned)

	// Pruned epochs are gone from db and cache alike.
	retrieved, err := db.WorkTally(ctx, entityID, 2)
	require.NoError(t, err)
	assert.Equal(t, (*types.WorkTally)(nil), retrieved)

	kept, err := db.WorkTally(ctx, entityID, 5)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, float64(5), kept.Credits)
}
