package payouts

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/tron"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/featureconfig"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// confirmWindow bounds how far back the confirmation sweep rechecks settled
// payouts for their on-chain outcome.
const confirmWindow = 24 * time.Hour

func (s *Service) processSweep() {
	ctx := s.ctx
	if s.cfg.BatchMode {
		if _, err := s.ProcessBatch(ctx); err != nil {
			log.WithError(err).Error("Could not process payout batch")
		}
		return
	}
	if _, err := s.ProcessPending(ctx); err != nil {
		log.WithError(err).Error("Could not process pending payouts")
	}
}

// ProcessPending walks the pending requests oldest first and settles each
// one through the value network. Failed submissions are terminal; nothing is
// retried without an operator refiling the request.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	pending, err := s.pendingRequests(ctx)
	if err != nil {
		return 0, err
	}
	for _, req := range pending {
		req.Status = types.PayoutProcessing
		req.UpdatedAt = timeutils.Now()
		if err := s.cfg.Database.SavePayoutRequest(ctx, req); err != nil {
			return 0, errors.Wrap(err, "could not persist payout")
		}
		s.settle(ctx, req)
	}
	return len(pending), nil
}

// ProcessBatch groups pending requests under the batch size and total
// bounds and settles the group through the value network. Returns nil when
// nothing is pending. A head request larger than the batch total still goes
// out as a batch of one so it cannot starve.
func (s *Service) ProcessBatch(ctx context.Context) (*types.PayoutBatch, error) {
	pending, err := s.pendingRequests(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	cfg := params.MirageConfig()
	grouped := make([]*types.PayoutRequest, 0, cfg.PayoutBatchSize)
	total := 0.0
	for _, req := range pending {
		if len(grouped) >= cfg.PayoutBatchSize {
			break
		}
		if len(grouped) > 0 && total+req.Amount > cfg.MaxBatchTotal {
			break
		}
		grouped = append(grouped, req)
		total += req.Amount
	}
	now := timeutils.Now()
	batch := &types.PayoutBatch{
		ID:        uuid.New().String(),
		Total:     total,
		Status:    types.PayoutProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, req := range grouped {
		batch.RequestIDs = append(batch.RequestIDs, req.ID)
	}
	if err := s.cfg.Database.SavePayoutBatch(ctx, batch); err != nil {
		return nil, errors.Wrap(err, "could not persist batch")
	}
	for _, req := range grouped {
		req.BatchID = batch.ID
		req.Status = types.PayoutProcessing
		req.UpdatedAt = timeutils.Now()
		if err := s.cfg.Database.SavePayoutRequest(ctx, req); err != nil {
			return nil, errors.Wrap(err, "could not persist payout")
		}
	}
	failed := 0
	for _, req := range grouped {
		if !s.settle(ctx, req) {
			failed++
		}
	}
	batch.Status = types.PayoutCompleted
	if failed > 0 {
		batch.Status = types.PayoutFailed
	}
	batch.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SavePayoutBatch(ctx, batch); err != nil {
		return nil, errors.Wrap(err, "could not persist batch")
	}
	payoutBatchesTotal.WithLabelValues(string(batch.Status)).Inc()
	log.WithFields(logrus.Fields{
		"batchID":  batch.ID,
		"requests": len(grouped),
		"total":    total,
		"failed":   failed,
	}).Info("Payout batch settled")
	return batch, nil
}

// settle submits one processing request and records the terminal outcome.
func (s *Service) settle(ctx context.Context, req *types.PayoutRequest) bool {
	txHash, err := s.cfg.Tron.SendUSDT(ctx, req.Recipient, req.NetAmount())
	now := timeutils.Now()
	if err != nil {
		req.Status = types.PayoutFailed
		req.Error = err.Error()
		req.UpdatedAt = now
		if saveErr := s.cfg.Database.SavePayoutRequest(ctx, req); saveErr != nil {
			log.WithError(saveErr).Error("Could not persist payout")
		}
		payoutsSettledTotal.WithLabelValues(string(types.PayoutFailed)).Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"payoutID": req.ID,
			"nodeID":   req.NodeID,
		}).Warn("Payout submission failed")
		return false
	}
	req.TxHash = txHash
	req.Status = types.PayoutCompleted
	req.Error = ""
	req.UpdatedAt = now
	req.CompletedAt = now
	if err := s.cfg.Database.SavePayoutRequest(ctx, req); err != nil {
		log.WithError(err).Error("Could not persist payout")
		return false
	}
	tronTx := &types.TronTransaction{
		TxHash:      txHash,
		PayoutID:    req.ID,
		From:        s.cfg.WalletAddress,
		To:          req.Recipient,
		Amount:      req.NetAmount(),
		Status:      string(tron.TxPending),
		SubmittedAt: now,
	}
	if err := s.cfg.Database.SaveTronTransaction(ctx, tronTx); err != nil {
		log.WithError(err).Error("Could not persist transaction")
	}
	payoutsSettledTotal.WithLabelValues(string(types.PayoutCompleted)).Inc()
	usdtPaidTotal.Add(req.NetAmount())
	log.WithFields(logrus.Fields{
		"payoutID": req.ID,
		"txHash":   tron.FormatTxHash(txHash),
		"amount":   req.NetAmount(),
	}).Info("Payout settled")
	return true
}

// confirmSweep rechecks the on-chain status of transfers submitted for
// recently settled payouts.
func (s *Service) confirmSweep() {
	if featureconfig.Get().DisablePayoutConfirmations {
		return
	}
	ctx := s.ctx
	settled, err := s.cfg.Database.PayoutRequests(ctx, filters.NewFilter().
		SetStatus(string(types.PayoutCompleted)))
	if err != nil {
		log.WithError(err).Error("Could not list settled payouts")
		return
	}
	cutoff := timeutils.Now().Add(-confirmWindow)
	for _, req := range settled {
		if req.CompletedAt.Before(cutoff) {
			continue
		}
		txs, err := s.cfg.Database.TronTransactions(ctx, req.ID)
		if err != nil {
			log.WithError(err).Error("Could not list transactions")
			continue
		}
		for _, tx := range txs {
			if tx.Status != string(tron.TxPending) {
				continue
			}
			status, err := s.cfg.Tron.GetTransactionStatus(ctx, tx.TxHash)
			if err != nil {
				log.WithError(err).WithField("txHash", tron.FormatTxHash(tx.TxHash)).Debug("Could not check transaction")
				continue
			}
			switch status {
			case tron.TxConfirmed:
				tx.Status = string(tron.TxConfirmed)
				tx.ConfirmedAt = timeutils.Now()
			case tron.TxFailed:
				tx.Status = string(tron.TxFailed)
				log.WithFields(logrus.Fields{
					"payoutID": req.ID,
					"txHash":   tron.FormatTxHash(tx.TxHash),
				}).Warn("Settled payout failed on chain")
			default:
				continue
			}
			if err := s.cfg.Database.SaveTronTransaction(ctx, tx); err != nil {
				log.WithError(err).Error("Could not persist transaction")
			}
		}
	}
}

func (s *Service) pendingRequests(ctx context.Context) ([]*types.PayoutRequest, error) {
	pending, err := s.cfg.Database.PayoutRequests(ctx, filters.NewFilter().
		SetStatus(string(types.PayoutPending)))
	if err != nil {
		return nil, errors.Wrap(err, "could not list pending payouts")
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}
