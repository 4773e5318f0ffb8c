package opsync

import (
	"context"
	"testing"

	dbtest "github.com/miragelabs/mirage/coordinator/db/testing"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
	"github.com/pkg/errors"
)

func TestSubmitOperation_Validation(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	_, err := svc.SubmitOperation(ctx, "teleport", nil, nil, 2)
	assert.Equal(t, true, types.IsValidation(err))
	_, err = svc.SubmitOperation(ctx, types.OpStateUpdate, nil, nil, 0)
	assert.Equal(t, true, types.IsValidation(err))
	_, err = svc.SubmitOperation(ctx, types.OpStateUpdate, nil, nil, 6)
	assert.Equal(t, true, types.IsValidation(err))
}

func TestSubmitOperation_QueuedUntilBatch(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	op, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"region": "eu-1"}, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, types.OpPending, op.Status)
	assert.Equal(t, "op-self", op.Initiator)
	_, ok := svc.StateSnapshot()["region"]
	assert.Equal(t, false, ok, "queued operations apply on the batch loop")

	svc.executeBatch()

	settled, err := svc.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OpCompleted, settled.Status)
	assert.Equal(t, "eu-1", svc.StateSnapshot()["region"])
	self, err := svc.GetOperator(ctx, "op-self")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), self.StateVersion)
}

func TestSubmitOperation_ImmediateBypassesQueue(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	op, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"region": "eu-1"}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	assert.Equal(t, types.OpCompleted, op.Status)
	assert.Equal(t, "eu-1", svc.StateSnapshot()["region"])
	assert.Equal(t, 0, len(svc.dequeueBatch(10)))
}

func TestQueue_PriorityOrderWithFIFOTies(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	low, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"a": 1}, nil, 1)
	require.NoError(t, err)
	firstMid, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"b": 2}, nil, 2)
	require.NoError(t, err)
	high, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"c": 3}, nil, 3)
	require.NoError(t, err)
	secondMid, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"d": 4}, nil, 2)
	require.NoError(t, err)

	batch := svc.dequeueBatch(10)
	require.Equal(t, 4, len(batch))
	assert.Equal(t, high.ID, batch[0].ID)
	assert.Equal(t, firstMid.ID, batch[1].ID, "equal priorities drain in submission order")
	assert.Equal(t, secondMid.ID, batch[2].ID)
	assert.Equal(t, low.ID, batch[3].ID)
}

func TestStateUpdate_RejectsBadPayloads(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	empty, err := svc.SubmitOperation(ctx, types.OpStateUpdate, nil, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	assert.Equal(t, types.OpFailed, empty.Status)
	assert.Equal(t, 0, empty.RetryCount, "validation failures are not retried")

	reserved, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"version": 99}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	assert.Equal(t, types.OpFailed, reserved.Status)
	assert.ErrorContains(t, "reserved", errors.New(reserved.Error))
	_, ok := svc.StateSnapshot()["version"]
	assert.Equal(t, false, ok)
}

func TestConfiguration_AppliesSettings(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	op, err := svc.SubmitOperation(ctx, types.OpConfiguration,
		map[string]interface{}{"max_sessions": 32}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	assert.Equal(t, types.OpCompleted, op.Status)
	assert.Equal(t, 32, svc.SettingsSnapshot()["max_sessions"])
	_, ok := svc.StateSnapshot()["max_sessions"]
	assert.Equal(t, false, ok, "settings live apart from replicated state")
	self, err := svc.GetOperator(ctx, "op-self")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), self.StateVersion, "configuration does not version state")
}

func TestMaintenance_Completes(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	op, err := svc.SubmitOperation(ctx, types.OpMaintenance,
		map[string]interface{}{"window": "nightly"}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	assert.Equal(t, types.OpCompleted, op.Status)
}

func TestExecution_RetriesUntilBudgetSpent(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	// A failover with an empty registry cannot elect anyone; the failure is
	// transient from the queue's point of view and burns the retry budget.
	op, err := svc.SubmitOperation(ctx, types.OpEmergency,
		map[string]interface{}{"action": "failover"}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	assert.Equal(t, types.OpPending, op.Status)
	assert.Equal(t, 1, op.RetryCount)

	svc.executeBatch()
	svc.executeBatch()
	svc.executeBatch()

	settled, err := svc.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OpFailed, settled.Status)
	assert.Equal(t, 3, settled.RetryCount)
	assert.ErrorContains(t, "no operator is eligible", errors.New(settled.Error))
	assert.Equal(t, 0, len(svc.dequeueBatch(10)), "terminal operations leave the queue")

	metrics, err := svc.GetOperatorMetrics(ctx, "op-self")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), metrics.TotalOps)
	assert.Equal(t, uint64(1), metrics.FailedOps)
	assert.Equal(t, uint64(0), metrics.CompletedOps)
}

func TestEmergency_UnknownActionFails(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	op, err := svc.SubmitOperation(ctx, types.OpEmergency,
		map[string]interface{}{"action": "panic"}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	assert.Equal(t, types.OpFailed, op.Status)
	assert.Equal(t, 0, op.RetryCount)
}

func TestCheckpointOperation_SnapshotsState(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	_, err := svc.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"region": "eu-1"}, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	op, err := svc.SubmitOperation(ctx, types.OpCheckpoint, nil, nil, types.OpPriorityImmediate)
	require.NoError(t, err)
	assert.Equal(t, types.OpCompleted, op.Status)

	checkpoints, err := svc.GetCheckpoints(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, len(checkpoints))
	assert.Equal(t, uint64(1), checkpoints[0].Version)
	assert.Equal(t, "eu-1", checkpoints[0].StateData["region"])
}

func TestRequeuePending_SurvivesRestart(t *testing.T) {
	store := dbtest.SetupDB(t)
	first := setupService(t, &Config{Database: store})
	ctx := context.Background()

	op, err := first.SubmitOperation(ctx, types.OpStateUpdate,
		map[string]interface{}{"region": "eu-1"}, nil, 2)
	require.NoError(t, err)

	// A fresh service over the same store picks the operation back up.
	second := setupService(t, &Config{Database: store})
	require.NoError(t, second.requeuePending(ctx))
	second.executeBatch()

	settled, err := second.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OpCompleted, settled.Status)
	assert.Equal(t, "eu-1", second.StateSnapshot()["region"])

	ops, err := second.ListOperations(ctx, filters.NewFilter().SetStatus(string(types.OpPending)))
	require.NoError(t, err)
	assert.Equal(t, 0, len(ops))
}
