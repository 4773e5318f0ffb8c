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

func TestStore_PayoutRequestCRUD(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	req := &types.PayoutRequest{
		ID:        "11111111-1111-1111-1111-111111111111",
		NodeID:    "0123456789abcdef0123456789abcdef",
		Kind:      "work-reward",
		Amount:    250,
		Fee:       1.5,
		Recipient: "TXYZa1b2c3d4e5f6g7h8i9j0k1l2m3n4o5",
		Status:    types.PayoutPending,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, db.SavePayoutRequest(ctx, req))

	retrieved, err := db.PayoutRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.DeepEqual(t, req, retrieved)
	assert.Equal(t, 248.5, retrieved.NetAmount())

	pending, err := db.PayoutRequests(ctx, filters.NewFilter().SetStatus(string(types.PayoutPending)))
	require.NoError(t, err)
	assert.Equal(t, 1, len(pending))
}

func TestStore_PendingPayoutSum(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	nodeID := "0123456789abcdef0123456789abcdef"
	statuses := []struct {
		id     string
		status types.PayoutStatus
		amount float64
	}{
		{"11111111-1111-1111-1111-111111111111", types.PayoutPending, 100},
		{"22222222-2222-2222-2222-222222222222", types.PayoutProcessing, 50},
		{"33333333-3333-3333-3333-333333333333", types.PayoutCompleted, 500},
		{"44444444-4444-4444-4444-444444444444", types.PayoutCancelled, 75},
	}
	for _, s := range statuses {
		require.NoError(t, db.SavePayoutRequest(ctx, &types.PayoutRequest{
			ID:     s.id,
			NodeID: nodeID,
			Amount: s.amount,
			Status: s.status,
		}))
	}
	// Another node's pending request must not count.
	require.NoError(t, db.SavePayoutRequest(ctx, &types.PayoutRequest{
		ID:     "55555555-5555-5555-5555-555555555555",
		NodeID: "ffffffffffffffffffffffffffffffff",
		Amount: 999,
		Status: types.PayoutPending,
	}))

	sum, err := db.PendingPayoutSum(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, float64(150), sum)
}

func TestStore_PayoutBatchRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	batch := &types.PayoutBatch{
		ID: "11111111-1111-1111-1111-111111111111",
		RequestIDs: []string{
			"aaaaaaaa-0000-0000-0000-000000000000",
			"bbbbbbbb-0000-0000-0000-000000000000",
		},
		Total:  300,
		Status: types.PayoutProcessing,
	}
	require.NoError(t, db.SavePayoutBatch(ctx, batch))

	retrieved, err := db.PayoutBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.DeepEqual(t, batch, retrieved)

	processing, err := db.PayoutBatches(ctx, filters.NewFilter().SetStatus(string(types.PayoutProcessing)))
	require.NoError(t, err)
	assert.Equal(t, 1, len(processing))
}

func TestStore_TronTransactionsByPayout(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	payoutID := "11111111-1111-1111-1111-111111111111"
	require.NoError(t, db.SaveTronTransaction(ctx, &types.TronTransaction{
		TxHash:   "c0ffee00000000000000000000000000000000000000000000000000000001",
		PayoutID: payoutID,
		From:     "TSenderAddr000000000000000000000000",
		To:       "TRecvAddr11111111111111111111111111",
		Amount:   248.5,
		Status:   "confirmed",
	}))
	require.NoError(t, db.SaveTronTransaction(ctx, &types.TronTransaction{
		TxHash:   "c0ffee00000000000000000000000000000000000000000000000000000002",
		PayoutID: "22222222-2222-2222-2222-222222222222",
		Amount:   10,
		Status:   "pending",
	}))

	txs, err := db.TronTransactions(ctx, payoutID)
	require.NoError(t, err)
	require.Equal(t, 1, len(txs))
	assert.Equal(t, 248.5, txs[0].Amount)

	all, err := db.TronTransactions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, len(all))
}
