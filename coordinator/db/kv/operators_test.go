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

func TestStore_OperatorCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	operator := &types.Operator{
		ID:           "op-alpha",
		NodeID:       "0123456789abcdef0123456789abcdef",
		Role:         types.OperatorPrimary,
		Endpoint:     "10.4.0.2:9000",
		SyncState:    types.SyncInSync,
		StateVersion: 12,
		RegisteredAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, db.SaveOperator(ctx, operator))

	retrieved, err := db.Operator(ctx, operator.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.DeepEqual(t, operator, retrieved)

	inSync, err := db.Operators(ctx, filters.NewFilter().SetStatus(string(types.SyncInSync)))
	require.NoError(t, err)
	assert.Equal(t, 1, len(inSync))

	require.NoError(t, db.DeleteOperator(ctx, operator.ID))
	retrieved, err = db.Operator(ctx, operator.ID)
	require.NoError(t, err)
	assert.Equal(t, (*types.Operator)(nil), retrieved)
}

func TestStore_SyncOperationsFilter(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveSyncOperation(ctx, &types.SyncOperation{
		ID:        "11111111-1111-1111-1111-111111111111",
		Initiator: "op-alpha",
		Kind:      types.OpStateUpdate,
		Priority:  2,
		Status:    types.OpPending,
	}))
	require.NoError(t, db.SaveSyncOperation(ctx, &types.SyncOperation{
		ID:        "22222222-2222-2222-2222-222222222222",
		Initiator: "op-beta",
		Kind:      types.OpEmergency,
		Priority:  5,
		Status:    types.OpCompleted,
	}))

	pending, err := db.SyncOperations(ctx, filters.NewFilter().SetStatus(string(types.OpPending)))
	require.NoError(t, err)
	require.Equal(t, 1, len(pending))
	assert.Equal(t, types.OpStateUpdate, pending[0].Kind)

	emergencies, err := db.SyncOperations(ctx, filters.NewFilter().SetKind(string(types.OpEmergency)))
	require.NoError(t, err)
	require.Equal(t, 1, len(emergencies))
	assert.Equal(t, "op-beta", emergencies[0].Initiator)
}

func TestStore_StateCheckpointsVersionOrder(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	operatorID := "op-alpha"
	for _, version := range []uint64{3, 1, 7, 5} {
		require.NoError(t, db.SaveStateCheckpoint(ctx, &types.StateCheckpoint{
			ID:         "11111111-1111-1111-1111-111111111111",
			OperatorID: operatorID,
			StateHash:  "deadbeef",
			Version:    version,
			CreatedAt:  time.Unix(1700000000, 0).UTC(),
		}))
	}
	// A second operator's checkpoints must not interleave.
	require.NoError(t, db.SaveStateCheckpoint(ctx, &types.StateCheckpoint{
		ID:         "22222222-2222-2222-2222-222222222222",
		OperatorID: "op-beta",
		Version:    99,
	}))

	latest, err := db.LatestStateCheckpoint(ctx, operatorID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(7), latest.Version)

	checkpoints, err := db.StateCheckpoints(ctx, operatorID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, len(checkpoints))
	assert.Equal(t, uint64(7), checkpoints[0].Version)
	assert.Equal(t, uint64(5), checkpoints[1].Version)

	all, err := db.StateCheckpoints(ctx, operatorID, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, len(all))

	none, err := db.LatestStateCheckpoint(ctx, "op-gamma")
	require.NoError(t, err)
	assert.Equal(t, (*types.StateCheckpoint)(nil), none)
}

func TestStore_SyncConflictsFilter(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveSyncConflict(ctx, &types.SyncConflict{
		ID:       "11111111-1111-1111-1111-111111111111",
		Kind:     types.ConflictStateDivergence,
		Involved: []string{"op-alpha", "op-beta"},
	}))
	require.NoError(t, db.SaveSyncConflict(ctx, &types.SyncConflict{
		ID:       "22222222-2222-2222-2222-222222222222",
		Kind:     types.ConflictLeadership,
		Involved: []string{"op-gamma"},
		Resolved: true,
	}))

	divergences, err := db.SyncConflicts(ctx, filters.NewFilter().SetKind(string(types.ConflictStateDivergence)))
	require.NoError(t, err)
	assert.Equal(t, 1, len(divergences))

	involving, err := db.SyncConflicts(ctx, filters.NewFilter().SetNodeID("op-beta"))
	require.NoError(t, err)
	require.Equal(t, 1, len(involving))
	assert.Equal(t, types.ConflictStateDivergence, involving[0].Kind)
}

func TestStore_OperatorMetricsRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	metrics := &types.OperatorMetrics{
		OperatorID:   "op-alpha",
		TotalOps:     100,
		CompletedOps: 97,
		FailedOps:    3,
		OpsPerMinute: 4.2,
	}
	require.NoError(t, db.SaveOperatorMetrics(ctx, metrics))

	retrieved, err := db.OperatorMetrics(ctx, metrics.OperatorID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.DeepEqual(t, metrics, retrieved)
}
