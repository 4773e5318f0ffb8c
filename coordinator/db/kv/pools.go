package kv

import (
	"bytes"
	"context"
	"fmt"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/bytesutil"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

func poolSyncOpKey(op *types.PoolSyncOperation) []byte {
	key := []byte(op.PoolID)
	key = append(key, bytesutil.Uint64ToBytesBigEndian(uint64(op.CreatedAt.UnixNano()))...)
	return append(key, []byte(op.ID)...)
}

// Pool retrieval by pool id. Returns nil when the pool is unknown.
func (s *Store) Pool(ctx context.Context, poolID string) (*types.Pool, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Pool")
	defer span.End()
	var pool *types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(poolsBucket).Get([]byte(poolID))
		if enc == nil {
			return nil
		}
		pool = &types.Pool{}
		return decode(ctx, enc, pool)
	})
	return pool, err
}

// Pools retrieves the pools matching the filter criteria.
func (s *Store) Pools(ctx context.Context, f *filters.QueryFilter) ([]*types.Pool, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Pools")
	defer span.End()
	pools := make([]*types.Pool, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(poolsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			pool := &types.Pool{}
			if err := decode(ctx, v, pool); err != nil {
				return err
			}
			matches, err := poolMatchesFilter(pool, f)
			if err != nil {
				return err
			}
			if matches {
				pools = append(pools, pool)
			}
		}
		return nil
	})
	return pools, err
}

// SavePool upserts a pool record keyed by its id.
func (s *Store) SavePool(ctx context.Context, pool *types.Pool) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SavePool")
	defer span.End()
	enc, err := encode(ctx, pool)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poolsBucket).Put([]byte(pool.ID), enc)
	})
}

// DeletePool removes a pool record by id.
func (s *Store) DeletePool(ctx context.Context, poolID string) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DeletePool")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poolsBucket).Delete([]byte(poolID))
	})
}

// JoinRequest retrieval by id. Returns nil when no such request exists.
func (s *Store) JoinRequest(ctx context.Context, id string) (*types.JoinRequest, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.JoinRequest")
	defer span.End()
	var req *types.JoinRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(joinRequestsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		req = &types.JoinRequest{}
		return decode(ctx, enc, req)
	})
	return req, err
}

// JoinRequests retrieves the join requests matching the filter criteria.
func (s *Store) JoinRequests(ctx context.Context, f *filters.QueryFilter) ([]*types.JoinRequest, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.JoinRequests")
	defer span.End()
	reqs := make([]*types.JoinRequest, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(joinRequestsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			req := &types.JoinRequest{}
			if err := decode(ctx, v, req); err != nil {
				return err
			}
			matches, err := joinRequestMatchesFilter(req, f)
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

// SaveJoinRequest upserts a join request keyed by its id.
func (s *Store) SaveJoinRequest(ctx context.Context, req *types.JoinRequest) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveJoinRequest")
	defer span.End()
	enc, err := encode(ctx, req)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(joinRequestsBucket).Put([]byte(req.ID), enc)
	})
}

// PoolSyncOperations retrieves the sync history of a pool in chronological
// order.
func (s *Store) PoolSyncOperations(ctx context.Context, poolID string) ([]*types.PoolSyncOperation, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PoolSyncOperations")
	defer span.End()
	ops := make([]*types.PoolSyncOperation, 0)
	prefix := []byte(poolID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(poolSyncOpsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			op := &types.PoolSyncOperation{}
			if err := decode(ctx, v, op); err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return nil
	})
	return ops, err
}

// SavePoolSyncOperation appends a sync record to a pool's history.
func (s *Store) SavePoolSyncOperation(ctx context.Context, op *types.PoolSyncOperation) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SavePoolSyncOperation")
	defer span.End()
	enc, err := encode(ctx, op)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(poolSyncOpsBucket).Put(poolSyncOpKey(op), enc)
	})
}

func poolMatchesFilter(pool *types.Pool, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.Status:
			if string(pool.Status) != v.(string) {
				return false, nil
			}
		case filters.NodeID:
			if pool.Member(v.(string)) == nil {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for pools", k)
		}
	}
	return true, nil
}

func joinRequestMatchesFilter(req *types.JoinRequest, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.PoolID:
			if req.PoolID != v.(string) {
				return false, nil
			}
		case filters.NodeID:
			if req.NodeID != v.(string) {
				return false, nil
			}
		case filters.Status:
			if string(req.Status) != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for join requests", k)
		}
	}
	return true, nil
}
