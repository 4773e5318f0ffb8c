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

func checkpointKey(operatorID string, version uint64) []byte {
	key := []byte(operatorID + "@")
	return append(key, bytesutil.Uint64ToBytesBigEndian(version)...)
}

// Operator retrieval by id. Returns nil when no such operator exists.
func (s *Store) Operator(ctx context.Context, id string) (*types.Operator, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Operator")
	defer span.End()
	var operator *types.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(operatorsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		operator = &types.Operator{}
		return decode(ctx, enc, operator)
	})
	return operator, err
}

// Operators retrieves the control plane participants matching the filter
// criteria.
func (s *Store) Operators(ctx context.Context, f *filters.QueryFilter) ([]*types.Operator, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Operators")
	defer span.End()
	operators := make([]*types.Operator, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(operatorsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			operator := &types.Operator{}
			if err := decode(ctx, v, operator); err != nil {
				return err
			}
			matches, err := operatorMatchesFilter(operator, f)
			if err != nil {
				return err
			}
			if matches {
				operators = append(operators, operator)
			}
		}
		return nil
	})
	return operators, err
}

// SaveOperator upserts an operator keyed by its id.
func (s *Store) SaveOperator(ctx context.Context, operator *types.Operator) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveOperator")
	defer span.End()
	enc, err := encode(ctx, operator)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(operatorsBucket).Put([]byte(operator.ID), enc)
	})
}

// DeleteOperator removes an operator from the registry. Its checkpoint
// history is kept for audits.
func (s *Store) DeleteOperator(ctx context.Context, id string) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DeleteOperator")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(operatorsBucket).Delete([]byte(id))
	})
}

// SyncOperation retrieval by id. Returns nil when no such operation exists.
func (s *Store) SyncOperation(ctx context.Context, id string) (*types.SyncOperation, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SyncOperation")
	defer span.End()
	var op *types.SyncOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(syncOpsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		op = &types.SyncOperation{}
		return decode(ctx, enc, op)
	})
	return op, err
}

// SyncOperations retrieves the distributed operations matching the filter
// criteria.
func (s *Store) SyncOperations(ctx context.Context, f *filters.QueryFilter) ([]*types.SyncOperation, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SyncOperations")
	defer span.End()
	ops := make([]*types.SyncOperation, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(syncOpsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			op := &types.SyncOperation{}
			if err := decode(ctx, v, op); err != nil {
				return err
			}
			matches, err := syncOpMatchesFilter(op, f)
			if err != nil {
				return err
			}
			if matches {
				ops = append(ops, op)
			}
		}
		return nil
	})
	return ops, err
}

// SaveSyncOperation upserts a distributed operation keyed by its id.
func (s *Store) SaveSyncOperation(ctx context.Context, op *types.SyncOperation) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveSyncOperation")
	defer span.End()
	enc, err := encode(ctx, op)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncOpsBucket).Put([]byte(op.ID), enc)
	})
}

// LatestStateCheckpoint retrieves an operator's highest versioned checkpoint.
// Checkpoint keys embed the version big endian, so the last key of the
// operator's range is the latest.
func (s *Store) LatestStateCheckpoint(ctx context.Context, operatorID string) (*types.StateCheckpoint, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.LatestStateCheckpoint")
	defer span.End()
	var checkpoint *types.StateCheckpoint
	prefix := []byte(operatorID + "@")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(checkpointsBucket).Cursor()
		var lastEnc []byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			lastEnc = v
		}
		if lastEnc == nil {
			return nil
		}
		checkpoint = &types.StateCheckpoint{}
		return decode(ctx, lastEnc, checkpoint)
	})
	return checkpoint, err
}

// StateCheckpoints retrieves an operator's checkpoints, newest first. A limit
// of 0 returns the full history.
func (s *Store) StateCheckpoints(ctx context.Context, operatorID string, limit int) ([]*types.StateCheckpoint, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.StateCheckpoints")
	defer span.End()
	checkpoints := make([]*types.StateCheckpoint, 0)
	prefix := []byte(operatorID + "@")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(checkpointsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			checkpoint := &types.StateCheckpoint{}
			if err := decode(ctx, v, checkpoint); err != nil {
				return err
			}
			checkpoints = append(checkpoints, checkpoint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(checkpoints)-1; i < j; i, j = i+1, j-1 {
		checkpoints[i], checkpoints[j] = checkpoints[j], checkpoints[i]
	}
	if limit > 0 && len(checkpoints) > limit {
		checkpoints = checkpoints[:limit]
	}
	return checkpoints, nil
}

// SaveStateCheckpoint persists a hashed state snapshot keyed by operator and
// version.
func (s *Store) SaveStateCheckpoint(ctx context.Context, checkpoint *types.StateCheckpoint) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveStateCheckpoint")
	defer span.End()
	enc, err := encode(ctx, checkpoint)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointsBucket).Put(checkpointKey(checkpoint.OperatorID, checkpoint.Version), enc)
	})
}

// SyncConflicts retrieves the recorded disagreements matching the filter
// criteria.
func (s *Store) SyncConflicts(ctx context.Context, f *filters.QueryFilter) ([]*types.SyncConflict, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SyncConflicts")
	defer span.End()
	conflicts := make([]*types.SyncConflict, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(syncConflictsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			conflict := &types.SyncConflict{}
			if err := decode(ctx, v, conflict); err != nil {
				return err
			}
			matches, err := syncConflictMatchesFilter(conflict, f)
			if err != nil {
				return err
			}
			if matches {
				conflicts = append(conflicts, conflict)
			}
		}
		return nil
	})
	return conflicts, err
}

// SaveSyncConflict upserts a recorded disagreement keyed by its id.
func (s *Store) SaveSyncConflict(ctx context.Context, conflict *types.SyncConflict) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveSyncConflict")
	defer span.End()
	enc, err := encode(ctx, conflict)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncConflictsBucket).Put([]byte(conflict.ID), enc)
	})
}

// OperatorMetrics retrieval by operator id. Returns nil when no snapshot has
// been persisted for the operator.
func (s *Store) OperatorMetrics(ctx context.Context, operatorID string) (*types.OperatorMetrics, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.OperatorMetrics")
	defer span.End()
	var metrics *types.OperatorMetrics
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(operatorMetricsBucket).Get([]byte(operatorID))
		if enc == nil {
			return nil
		}
		metrics = &types.OperatorMetrics{}
		return decode(ctx, enc, metrics)
	})
	return metrics, err
}

// SaveOperatorMetrics upserts an operator's throughput snapshot.
func (s *Store) SaveOperatorMetrics(ctx context.Context, metrics *types.OperatorMetrics) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveOperatorMetrics")
	defer span.End()
	enc, err := encode(ctx, metrics)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(operatorMetricsBucket).Put([]byte(metrics.OperatorID), enc)
	})
}

func operatorMatchesFilter(operator *types.Operator, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.NodeID:
			if operator.NodeID != v.(string) {
				return false, nil
			}
		case filters.Kind:
			if string(operator.Role) != v.(string) {
				return false, nil
			}
		case filters.Status:
			if string(operator.SyncState) != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for operators", k)
		}
	}
	return true, nil
}

func syncOpMatchesFilter(op *types.SyncOperation, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.Status:
			if string(op.Status) != v.(string) {
				return false, nil
			}
		case filters.Kind:
			if string(op.Kind) != v.(string) {
				return false, nil
			}
		case filters.NodeID:
			if op.Initiator != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for sync operations", k)
		}
	}
	return true, nil
}

func syncConflictMatchesFilter(conflict *types.SyncConflict, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.Kind:
			if string(conflict.Kind) != v.(string) {
				return false, nil
			}
		case filters.NodeID:
			found := false
			for _, id := range conflict.Involved {
				if id == v.(string) {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for sync conflicts", k)
		}
	}
	return true, nil
}
