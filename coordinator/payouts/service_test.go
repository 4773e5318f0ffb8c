package payouts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	dbtest "github.com/miragelabs/mirage/coordinator/db/testing"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/tron"
	mockTron "github.com/miragelabs/mirage/coordinator/tron/testing"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
)

func setupService(t *testing.T, cfg *Config) (*Service, *mockTron.ValueNetwork) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Database == nil {
		cfg.Database = dbtest.SetupDB(t)
	}
	network, _ := cfg.Tron.(*mockTron.ValueNetwork)
	if cfg.Tron == nil {
		network = &mockTron.ValueNetwork{}
		cfg.Tron = network
	}
	if cfg.WalletAddress == "" {
		cfg.WalletAddress = "TMainWallet"
	}
	svc := NewService(context.Background(), cfg)
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})
	return svc, network
}

func approveRegistration(t *testing.T, svc *Service, nodeID, stakeAddress string) {
	now := timeutils.Now()
	require.NoError(t, svc.cfg.Database.SaveRegistration(context.Background(), &types.Registration{
		ID:             uuid.New().String(),
		NodeID:         nodeID,
		OverlayAddress: nodeID + ".onion",
		Port:           9000,
		Role:           types.RoleWorker,
		StakeAddress:   stakeAddress,
		StakeAmount:    150,
		Status:         types.RegistrationApproved,
		CreatedAt:      now,
		DecidedAt:      now,
	}))
}

func TestCheckPayoutEligibility(t *testing.T) {
	svc, _ := setupService(t, nil)
	ctx := context.Background()

	eligibility, err := svc.CheckPayoutEligibility(ctx, "node-a", 100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, eligibility.Amount)
	assert.Equal(t, 1.0, eligibility.Fee)
	assert.Equal(t, 99.0, eligibility.Net)

	_, err = svc.CheckPayoutEligibility(ctx, "", 100)
	assert.Equal(t, true, types.IsValidation(err))
	_, err = svc.CheckPayoutEligibility(ctx, "node-a", 0.5)
	assert.Equal(t, true, types.IsValidation(err), "below the minimum")
	_, err = svc.CheckPayoutEligibility(ctx, "node-a", 10001)
	assert.Equal(t, true, types.IsValidation(err), "above the maximum")
	_, err = svc.CheckPayoutEligibility(ctx, "node-a", 5)
	assert.Equal(t, true, types.IsPrecondition(err), "below the threshold")
}

func TestCheckPayoutEligibility_UnsettledCap(t *testing.T) {
	svc, _ := setupService(t, nil)
	ctx := context.Background()

	_, err := svc.CreatePayout(ctx, "node-a", "", 9000, "TRecipient")
	require.NoError(t, err)

	_, err = svc.CheckPayoutEligibility(ctx, "node-a", 2000)
	assert.Equal(t, true, types.IsPrecondition(err))
	assert.ErrorContains(t, "unsettled", err)

	// Another node is unaffected.
	_, err = svc.CheckPayoutEligibility(ctx, "node-b", 2000)
	require.NoError(t, err)
}

func TestCreatePayout_PersistsPending(t *testing.T) {
	svc, _ := setupService(t, nil)
	ctx := context.Background()

	req, err := svc.CreatePayout(ctx, "node-a", "", 50, "TRecipient")
	require.NoError(t, err)
	assert.Equal(t, types.PayoutPending, req.Status)
	assert.Equal(t, kindManual, req.Kind)
	assert.Equal(t, 50.0, req.Amount)
	assert.Equal(t, 0.5, req.Fee)
	assert.Equal(t, 49.5, req.NetAmount())
	assert.Equal(t, "TRecipient", req.Recipient)

	stored, err := svc.GetPayout(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PayoutPending, stored.Status)

	_, err = svc.CreatePayout(ctx, "node-a", "reward", 50, "")
	assert.Equal(t, true, types.IsValidation(err), "a recipient is required")
}

func TestCancelPayout_PendingOnly(t *testing.T) {
	svc, _ := setupService(t, nil)
	ctx := context.Background()

	req, err := svc.CreatePayout(ctx, "node-a", "", 50, "TRecipient")
	require.NoError(t, err)

	cancelled, err := svc.CancelPayout(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PayoutCancelled, cancelled.Status)

	_, err = svc.CancelPayout(ctx, req.ID)
	assert.Equal(t, true, types.IsPrecondition(err), "cancel is not idempotent")

	_, err = svc.CancelPayout(ctx, "missing")
	assert.Equal(t, true, errors.Is(err, types.ErrNotFound))
}

func TestProcessPending_SettlesOldestFirst(t *testing.T) {
	svc, network := setupService(t, nil)
	ctx := context.Background()

	second, err := svc.CreatePayout(ctx, "node-a", "", 30, "TRecipientB")
	require.NoError(t, err)
	first, err := svc.CreatePayout(ctx, "node-a", "", 20, "TRecipientA")
	require.NoError(t, err)
	first.CreatedAt = timeutils.Now().Add(-time.Minute)
	require.NoError(t, svc.cfg.Database.SavePayoutRequest(ctx, first))

	processed, err := svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	transfers := network.Transfers()
	require.Equal(t, 2, len(transfers))
	assert.Equal(t, "TRecipientA", transfers[0].To, "oldest request goes out first")
	assert.Equal(t, 19.8, transfers[0].Amount, "the transfer is net of fees")
	assert.Equal(t, "TRecipientB", transfers[1].To)

	settled, err := svc.GetPayout(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PayoutCompleted, settled.Status)
	assert.Equal(t, "mocktx-0001", settled.TxHash)
	assert.Equal(t, false, settled.CompletedAt.IsZero())
	settled, err = svc.GetPayout(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PayoutCompleted, settled.Status)
	assert.Equal(t, "mocktx-0002", settled.TxHash)

	txs, err := svc.GetTransactions(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, 1, len(txs))
	assert.Equal(t, "TMainWallet", txs[0].From)
	assert.Equal(t, "TRecipientA", txs[0].To)
	assert.Equal(t, 19.8, txs[0].Amount)
	assert.Equal(t, "pending", txs[0].Status)
}

func TestProcessPending_FailureIsTerminal(t *testing.T) {
	svc, network := setupService(t, nil)
	ctx := context.Background()
	network.SendErr = errors.New("gateway down")

	req, err := svc.CreatePayout(ctx, "node-a", "", 50, "TRecipient")
	require.NoError(t, err)

	processed, err := svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	failed, err := svc.GetPayout(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PayoutFailed, failed.Status)
	assert.ErrorContains(t, "gateway down", errors.New(failed.Error))

	// The gateway recovering does not resurrect the request.
	network.SendErr = nil
	processed, err = svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	still, err := svc.GetPayout(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PayoutFailed, still.Status)
	assert.Equal(t, 0, len(network.Transfers()))
}

func TestConfirmSweep_TracksOnChainOutcome(t *testing.T) {
	svc, network := setupService(t, nil)
	ctx := context.Background()

	req, err := svc.CreatePayout(ctx, "node-a", "", 50, "TRecipient")
	require.NoError(t, err)
	_, err = svc.ProcessPending(ctx)
	require.NoError(t, err)

	network.TxStatuses = map[string]tron.TxStatus{"mocktx-0001": tron.TxConfirmed}
	svc.confirmSweep()

	txs, err := svc.GetTransactions(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, 1, len(txs))
	assert.Equal(t, "confirmed", txs[0].Status)
	assert.Equal(t, false, txs[0].ConfirmedAt.IsZero())
}

func TestListPayouts_Filtered(t *testing.T) {
	svc, _ := setupService(t, nil)
	ctx := context.Background()

	_, err := svc.CreatePayout(ctx, "node-a", "", 50, "TRecipient")
	require.NoError(t, err)
	_, err = svc.CreatePayout(ctx, "node-b", "reward", 60, "TRecipient")
	require.NoError(t, err)

	mine, err := svc.ListPayouts(ctx, filters.NewFilter().SetNodeID("node-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, len(mine))
	rewards, err := svc.ListPayouts(ctx, filters.NewFilter().SetKind("reward"))
	require.NoError(t, err)
	assert.Equal(t, 1, len(rewards))
	assert.Equal(t, "node-b", rewards[0].NodeID)
}
