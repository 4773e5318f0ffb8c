package opsync

import (
	"context"
	"fmt"
	"testing"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/hashutil"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
)

func TestCreateCheckpoint_HashesState(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()
	_, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"region": "eu-1"}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)

	checkpoint, err := svc.CreateCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "op-self", checkpoint.OperatorID)
	assert.Equal(t, uint64(1), checkpoint.Version)
	assert.Equal(t, "eu-1", checkpoint.StateData["region"])

	sum, err := hashutil.HashJSON(map[string]interface{}{"region": "eu-1"})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%#x", sum), checkpoint.StateHash)
}

func TestRollback_RestoresLatestCheckpoint(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()
	_, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"region": "eu-1"}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	checkpoint, err := svc.CreateCheckpoint(ctx)
	require.NoError(t, err)
	_, err = svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"region": "us-2", "zone": "edge"}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	require.Equal(t, "us-2", svc.StateSnapshot()["region"])

	restored, err := svc.Rollback(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ID, restored.ID)

	state := svc.StateSnapshot()
	assert.Equal(t, "eu-1", state["region"])
	_, ok := state["zone"]
	assert.Equal(t, false, ok, "keys written after the checkpoint are gone")
	self, err := svc.GetOperator(ctx, "op-self")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), self.StateVersion, "rollback steps the version back below the checkpoint")

	// The broadcast emergency op completes as a no-op for its own initiator.
	broadcasts, err := svc.ListOperations(ctx, filters.NewFilter().
		SetKind(string(types.OpEmergency)))
	require.NoError(t, err)
	require.Equal(t, 1, len(broadcasts))
	assert.Equal(t, types.OpCompleted, broadcasts[0].Status)
	assert.Equal(t, "eu-1", svc.StateSnapshot()["region"])
}

func TestRollback_WithoutCheckpoint(t *testing.T) {
	svc := setupService(t, nil)

	_, err := svc.Rollback(context.Background())
	assert.Equal(t, true, types.IsPrecondition(err))
	assert.ErrorContains(t, "no checkpoint to restore", err)
}

func TestCheckpointSweep_PrimaryOnly(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()
	svc.heartbeat()

	svc.checkpointSweep()
	checkpoints, err := svc.GetCheckpoints(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, len(checkpoints), "secondaries do not checkpoint")

	_, err = svc.ElectLeader(ctx)
	require.NoError(t, err)
	svc.checkpointSweep()
	checkpoints, err = svc.GetCheckpoints(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, len(checkpoints))
}
