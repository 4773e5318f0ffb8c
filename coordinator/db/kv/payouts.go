package kv

import (
	"context"
	"fmt"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// PayoutRequest retrieval by id. Returns nil when no such request exists.
func (s *Store) PayoutRequest(ctx context.Context, id string) (*types.PayoutRequest, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PayoutRequest")
	defer span.End()
	var req *types.PayoutRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(payoutRequestsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		req = &types.PayoutRequest{}
		return decode(ctx, enc, req)
	})
	return req, err
}

// PayoutRequests retrieves the settlement requests matching the filter
// criteria.
func (s *Store) PayoutRequests(ctx context.Context, f *filters.QueryFilter) ([]*types.PayoutRequest, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PayoutRequests")
	defer span.End()
	reqs := make([]*types.PayoutRequest, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(payoutRequestsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			req := &types.PayoutRequest{}
			if err := decode(ctx, v, req); err != nil {
				return err
			}
			matches, err := payoutRequestMatchesFilter(req, f)
			if err != nil {
				return err
			}
			if matches {
				reqs = append(reqs, req)
			}
		}
		return nil
	})
	return reqs, err
}

// PendingPayoutSum totals a node's requests still awaiting settlement,
// processing ones included so a node cannot queue more than its unsettled
// balance.
func (s *Store) PendingPayoutSum(ctx context.Context, nodeID string) (float64, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PendingPayoutSum")
	defer span.End()
	sum := 0.0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(payoutRequestsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			req := &types.PayoutRequest{}
			if err := decode(ctx, v, req); err != nil {
				return err
			}
			if req.NodeID != nodeID {
				continue
			}
			if req.Status == types.PayoutPending || req.Status == types.PayoutProcessing {
				sum += req.Amount
			}
		}
		return nil
	})
	return sum, err
}

// SavePayoutRequest upserts a settlement request keyed by its id.
func (s *Store) SavePayoutRequest(ctx context.Context, req *types.PayoutRequest) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SavePayoutRequest")
	defer span.End()
	enc, err := encode(ctx, req)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(payoutRequestsBucket).Put([]byte(req.ID), enc)
	})
}

// PayoutBatch retrieval by id. Returns nil when no such batch exists.
func (s *Store) PayoutBatch(ctx context.Context, id string) (*types.PayoutBatch, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PayoutBatch")
	defer span.End()
	var batch *types.PayoutBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(payoutBatchesBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		batch = &types.PayoutBatch{}
		return decode(ctx, enc, batch)
	})
	return batch, err
}

// PayoutBatches retrieves the settlement batches matching the filter criteria.
func (s *Store) PayoutBatches(ctx context.Context, f *filters.QueryFilter) ([]*types.PayoutBatch, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PayoutBatches")
	defer span.End()
	batches := make([]*types.PayoutBatch, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(payoutBatchesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			batch := &types.PayoutBatch{}
			if err := decode(ctx, v, batch); err != nil {
				return err
			}
			matches, err := payoutBatchMatchesFilter(batch, f)
			if err != nil {
				return err
			}
			if matches {
				batches = append(batches, batch)
			}
		}
		return nil
	})
	return batches, err
}

// SavePayoutBatch upserts a settlement batch keyed by its id.
func (s *Store) SavePayoutBatch(ctx context.Context, batch *types.PayoutBatch) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SavePayoutBatch")
	defer span.End()
	enc, err := encode(ctx, batch)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(payoutBatchesBucket).Put([]byte(batch.ID), enc)
	})
}

// TronTransactions retrieves the on chain transfers issued for a payout. An
// empty payoutID returns every mirrored transfer.
func (s *Store) TronTransactions(ctx context.Context, payoutID string) ([]*types.TronTransaction, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.TronTransactions")
	defer span.End()
	txs := make([]*types.TronTransaction, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(tronTxsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			tronTx := &types.TronTransaction{}
			if err := decode(ctx, v, tronTx); err != nil {
				return err
			}
			if payoutID != "" && tronTx.PayoutID != payoutID {
				continue
			}
			txs = append(txs, tronTx)
		}
		return nil
	})
	return txs, err
}

// SaveTronTransaction upserts a mirrored on chain transfer keyed by its
// transaction hash.
func (s *Store) SaveTronTransaction(ctx context.Context, tronTx *types.TronTransaction) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveTronTransaction")
	defer span.End()
	enc, err := encode(ctx, tronTx)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tronTxsBucket).Put([]byte(tronTx.TxHash), enc)
	})
}

func payoutRequestMatchesFilter(req *types.PayoutRequest, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.NodeID:
			if req.NodeID != v.(string) {
				return false, nil
			}
		case filters.Status:
			if string(req.Status) != v.(string) {
				return false, nil
			}
		case filters.Kind:
			if req.Kind != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for payout requests", k)
		}
	}
	return true, nil
}

func payoutBatchMatchesFilter(batch *types.PayoutBatch, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.Status:
			if string(batch.Status) != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for payout batches", k)
		}
	}
	return true, nil
}
