// Package payouts settles earned rewards on the value network. Requests are
// filed against a node's proven stake address, gated by amount bounds and an
// accrual threshold, and a processing loop submits them through the tron
// adapter one by one or grouped into bounded batches. Reward splits announced
// by the pool coordinator accrue per member until they clear the threshold
// and become requests of their own.
package payouts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/tron"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/event"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "payouts")

var (
	payoutsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payout_requests_created_total",
		Help: "Number of payout requests filed.",
	})
	payoutsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_settled_total",
		Help: "Number of payout requests reaching a terminal state, by outcome.",
	}, []string{"outcome"})
	payoutsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payouts_cancelled_total",
		Help: "Number of payout requests cancelled while pending.",
	})
	payoutBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_batches_total",
		Help: "Number of payout batches submitted, by outcome.",
	}, []string{"outcome"})
	usdtPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usdt_paid_total",
		Help: "Total USDT transferred for settled payouts, net of fees.",
	})
)

// Payout request kinds.
const (
	kindManual = "manual"
	kindReward = "reward"
)

// rewardFeedBuffer absorbs distribution bursts without stalling the pool
// coordinator's send.
const rewardFeedBuffer = 16

// Eligibility is the fee breakdown of an admissible payout amount.
type Eligibility struct {
	Amount float64
	Fee    float64
	Net    float64
}

// Config options for the payout batcher.
type Config struct {
	Database db.Database
	Tron     tron.Client
	// Rewards is the pool coordinator's distribution feed; nil disables the
	// accrual pump.
	Rewards *event.Feed
	// WalletAddress is the gateway wallet transfers are drawn from, recorded
	// on each transaction.
	WalletAddress string
	// BatchMode makes the processing loop submit grouped batches instead of
	// walking requests one by one.
	BatchMode bool
}

// Service files, processes and settles payout requests.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	accrualLock sync.Mutex
	accrued     map[string]float64
}

// NewService initializes the payout batcher.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		accrued: make(map[string]float64),
	}
}

// Start launches the processing loop and, when a reward feed is wired, the
// accrual pump.
func (s *Service) Start() {
	if s.cfg.Rewards != nil {
		events := make(chan *types.RewardEvent, rewardFeedBuffer)
		sub := s.cfg.Rewards.Subscribe(events)
		go s.rewardPump(events, sub)
	}
	interval := time.Duration(params.MirageConfig().PayoutProcessInterval) * time.Second
	runutil.RunEvery(s.ctx, interval, s.processSweep)
	runutil.RunEvery(s.ctx, interval, s.confirmSweep)
	log.Info("Payout batcher started")
}

// Stop the processing loops.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil.
func (s *Service) Status() error {
	return nil
}

// CheckPayoutEligibility verifies amount against the payout bounds and the
// accrual threshold and returns its fee breakdown. A node's unsettled
// requests may not sum past the maximum payout amount.
func (s *Service) CheckPayoutEligibility(ctx context.Context, nodeID string, amount float64) (*Eligibility, error) {
	if nodeID == "" {
		return nil, types.ValidationErrorf("payout names no node")
	}
	cfg := params.MirageConfig()
	if amount < cfg.MinPayoutAmount || amount > cfg.MaxPayoutAmount {
		return nil, types.ValidationErrorf("payout amount %.2f is outside [%.2f, %.2f]",
			amount, cfg.MinPayoutAmount, cfg.MaxPayoutAmount)
	}
	if amount < cfg.PayoutThreshold {
		return nil, types.PreconditionErrorf("payout amount %.2f has not reached the %.2f threshold",
			amount, cfg.PayoutThreshold)
	}
	unsettled, err := s.cfg.Database.PendingPayoutSum(ctx, nodeID)
	if err != nil {
		return nil, errors.Wrap(err, "could not sum unsettled payouts")
	}
	if unsettled+amount > cfg.MaxPayoutAmount {
		return nil, types.PreconditionErrorf("node %s has %.2f unsettled, %.2f more would pass the %.2f cap",
			nodeID, unsettled, amount, cfg.MaxPayoutAmount)
	}
	fee := amount * cfg.PayoutFeePercent / 100
	return &Eligibility{Amount: amount, Fee: fee, Net: amount - fee}, nil
}

// CreatePayout files a pending request for amount to be settled at the
// recipient address. An empty kind files as manual.
func (s *Service) CreatePayout(ctx context.Context, nodeID, kind string, amount float64, recipient string) (*types.PayoutRequest, error) {
	if recipient == "" {
		return nil, types.ValidationErrorf("payout names no recipient address")
	}
	if kind == "" {
		kind = kindManual
	}
	eligibility, err := s.CheckPayoutEligibility(ctx, nodeID, amount)
	if err != nil {
		return nil, err
	}
	now := timeutils.Now()
	req := &types.PayoutRequest{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Kind:      kind,
		Amount:    eligibility.Amount,
		Fee:       eligibility.Fee,
		Recipient: recipient,
		Status:    types.PayoutPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.cfg.Database.SavePayoutRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "could not persist payout")
	}
	payoutsCreatedTotal.Inc()
	log.WithFields(logrus.Fields{
		"payoutID": req.ID,
		"nodeID":   nodeID,
		"kind":     kind,
		"amount":   amount,
	}).Info("Payout requested")
	return req, nil
}

// CancelPayout withdraws a request that has not started processing.
func (s *Service) CancelPayout(ctx context.Context, payoutID string) (*types.PayoutRequest, error) {
	req, err := s.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if req.Status != types.PayoutPending {
		return nil, types.PreconditionErrorf("payout %s is %s, only pending payouts can be cancelled",
			payoutID, req.Status)
	}
	req.Status = types.PayoutCancelled
	req.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SavePayoutRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "could not persist payout")
	}
	payoutsCancelledTotal.Inc()
	log.WithField("payoutID", payoutID).Info("Payout cancelled")
	return req, nil
}

// GetPayout returns a payout request by id.
func (s *Service) GetPayout(ctx context.Context, payoutID string) (*types.PayoutRequest, error) {
	req, err := s.cfg.Database.PayoutRequest(ctx, payoutID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch payout")
	}
	if req == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "payout %s", payoutID)
	}
	return req, nil
}

// ListPayouts returns the payout requests matching the filter criteria.
func (s *Service) ListPayouts(ctx context.Context, f *filters.QueryFilter) ([]*types.PayoutRequest, error) {
	return s.cfg.Database.PayoutRequests(ctx, f)
}

// GetBatch returns a payout batch by id.
func (s *Service) GetBatch(ctx context.Context, batchID string) (*types.PayoutBatch, error) {
	batch, err := s.cfg.Database.PayoutBatch(ctx, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch batch")
	}
	if batch == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "payout batch %s", batchID)
	}
	return batch, nil
}

// ListBatches returns the payout batches matching the filter criteria.
func (s *Service) ListBatches(ctx context.Context, f *filters.QueryFilter) ([]*types.PayoutBatch, error) {
	return s.cfg.Database.PayoutBatches(ctx, f)
}

// GetTransactions returns the value-network transfers issued for a payout.
func (s *Service) GetTransactions(ctx context.Context, payoutID string) ([]*types.TronTransaction, error) {
	return s.cfg.Database.TronTransactions(ctx, payoutID)
}
