package kv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/bytesutil"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

func shardHostIndexKey(hostID, shardID string) []byte {
	return append([]byte(hostID), []byte(shardID)...)
}

func hostMetricsKey(metrics *types.HostMetrics) []byte {
	key := []byte(metrics.NodeID)
	return append(key, bytesutil.Uint64ToBytesBigEndian(uint64(metrics.RecordedAt.UnixNano()))...)
}

func integrityCheckKey(check *types.IntegrityCheck) []byte {
	key := []byte(check.ShardID)
	key = append(key, bytesutil.Uint64ToBytesBigEndian(uint64(check.CheckedAt.UnixNano()))...)
	return append(key, []byte(check.ID)...)
}

// ShardHost retrieval by node id. Returns nil when the node is not a storage
// host.
func (s *Store) ShardHost(ctx context.Context, nodeID string) (*types.ShardHost, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.ShardHost")
	defer span.End()
	var host *types.ShardHost
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(shardHostsBucket).Get([]byte(nodeID))
		if enc == nil {
			return nil
		}
		host = &types.ShardHost{}
		return decode(ctx, enc, host)
	})
	return host, err
}

// ShardHosts retrieves the storage hosts matching the filter criteria.
func (s *Store) ShardHosts(ctx context.Context, f *filters.QueryFilter) ([]*types.ShardHost, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.ShardHosts")
	defer span.End()
	hosts := make([]*types.ShardHost, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(shardHostsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			host := &types.ShardHost{}
			if err := decode(ctx, v, host); err != nil {
				return err
			}
			matches, err := shardHostMatchesFilter(host, f)
			if err != nil {
				return err
			}
			if matches {
				hosts = append(hosts, host)
			}
		}
		return nil
	})
	return hosts, err
}

// SaveShardHost upserts a storage host keyed by its node id.
func (s *Store) SaveShardHost(ctx context.Context, host *types.ShardHost) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveShardHost")
	defer span.End()
	enc, err := encode(ctx, host)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shardHostsBucket).Put([]byte(host.NodeID), enc)
	})
}

// DeleteShardHost removes a storage host from the registry. Shards assigned
// to the host keep their index entries until they are reassigned.
func (s *Store) DeleteShardHost(ctx context.Context, nodeID string) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DeleteShardHost")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shardHostsBucket).Delete([]byte(nodeID))
	})
}

// Shard retrieval by id. Returns nil when no such shard exists.
func (s *Store) Shard(ctx context.Context, id string) (*types.Shard, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Shard")
	defer span.End()
	var shard *types.Shard
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(shardsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		shard = &types.Shard{}
		return decode(ctx, enc, shard)
	})
	return shard, err
}

// Shards retrieves the shards matching the filter criteria.
func (s *Store) Shards(ctx context.Context, f *filters.QueryFilter) ([]*types.Shard, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Shards")
	defer span.End()
	shards := make([]*types.Shard, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(shardsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			shard := &types.Shard{}
			if err := decode(ctx, v, shard); err != nil {
				return err
			}
			matches, err := shardMatchesFilter(shard, f)
			if err != nil {
				return err
			}
			if matches {
				shards = append(shards, shard)
			}
		}
		return nil
	})
	return shards, err
}

// ShardsByHost retrieves every shard with a replica on the host via the host
// index.
func (s *Store) ShardsByHost(ctx context.Context, nodeID string) ([]*types.Shard, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.ShardsByHost")
	defer span.End()
	shards := make([]*types.Shard, 0)
	prefix := []byte(nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		shardBkt := tx.Bucket(shardsBucket)
		c := tx.Bucket(shardHostIndexBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			enc := shardBkt.Get(k[len(prefix):])
			if enc == nil {
				continue
			}
			shard := &types.Shard{}
			if err := decode(ctx, enc, shard); err != nil {
				return err
			}
			shards = append(shards, shard)
		}
		return nil
	})
	return shards, err
}

// SaveShard upserts a shard and reconciles the host index with its current
// host assignment. Index entries for hosts the shard moved away from are
// removed in the same transaction.
func (s *Store) SaveShard(ctx context.Context, shard *types.Shard) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveShard")
	defer span.End()
	enc, err := encode(ctx, shard)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(shardsBucket)
		idx := tx.Bucket(shardHostIndexBucket)
		if prevEnc := bkt.Get([]byte(shard.ID)); prevEnc != nil {
			prev := &types.Shard{}
			if err := decode(ctx, prevEnc, prev); err != nil {
				return err
			}
			for _, hostID := range prev.AssignedHosts {
				if !containsHost(shard.AssignedHosts, hostID) {
					if err := idx.Delete(shardHostIndexKey(hostID, shard.ID)); err != nil {
						return err
					}
				}
			}
		}
		for _, hostID := range shard.AssignedHosts {
			if err := idx.Put(shardHostIndexKey(hostID, shard.ID), nil); err != nil {
				return err
			}
		}
		return bkt.Put([]byte(shard.ID), enc)
	})
}

// DeleteShard removes a shard and its host index entries.
func (s *Store) DeleteShard(ctx context.Context, id string) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DeleteShard")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(shardsBucket)
		enc := bkt.Get([]byte(id))
		if enc == nil {
			return nil
		}
		shard := &types.Shard{}
		if err := decode(ctx, enc, shard); err != nil {
			return err
		}
		idx := tx.Bucket(shardHostIndexBucket)
		for _, hostID := range shard.AssignedHosts {
			if err := idx.Delete(shardHostIndexKey(hostID, id)); err != nil {
				return err
			}
		}
		return bkt.Delete([]byte(id))
	})
}

// ShardCreationTasks retrieves the placement tasks with the given status, or
// every task when status is empty.
func (s *Store) ShardCreationTasks(ctx context.Context, status string) ([]*types.ShardCreationTask, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.ShardCreationTasks")
	defer span.End()
	tasks := make([]*types.ShardCreationTask, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(shardTasksBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			task := &types.ShardCreationTask{}
			if err := decode(ctx, v, task); err != nil {
				return err
			}
			if status != "" && task.Status != status {
				continue
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	return tasks, err
}

// SaveShardCreationTask upserts a placement task keyed by its id.
func (s *Store) SaveShardCreationTask(ctx context.Context, task *types.ShardCreationTask) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveShardCreationTask")
	defer span.End()
	enc, err := encode(ctx, task)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shardTasksBucket).Put([]byte(task.ID), enc)
	})
}

// MaintenanceWindows retrieves every scheduled maintenance window.
func (s *Store) MaintenanceWindows(ctx context.Context) ([]*types.MaintenanceWindow, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.MaintenanceWindows")
	defer span.End()
	windows := make([]*types.MaintenanceWindow, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(maintenanceWindowsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			window := &types.MaintenanceWindow{}
			if err := decode(ctx, v, window); err != nil {
				return err
			}
			windows = append(windows, window)
		}
		return nil
	})
	return windows, err
}

// SaveMaintenanceWindow upserts a maintenance window keyed by its id.
func (s *Store) SaveMaintenanceWindow(ctx context.Context, window *types.MaintenanceWindow) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveMaintenanceWindow")
	defer span.End()
	enc, err := encode(ctx, window)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(maintenanceWindowsBucket).Put([]byte(window.ID), enc)
	})
}

// HostMetricsHistory retrieves a host's health samples, most recent first. A
// limit of 0 returns the full history.
func (s *Store) HostMetricsHistory(ctx context.Context, nodeID string, limit int) ([]*types.HostMetrics, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.HostMetricsHistory")
	defer span.End()
	history := make([]*types.HostMetrics, 0)
	prefix := []byte(nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(hostMetricsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			metrics := &types.HostMetrics{}
			if err := decode(ctx, v, metrics); err != nil {
				return err
			}
			history = append(history, metrics)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// SaveHostMetrics appends a health sample to a host's history.
func (s *Store) SaveHostMetrics(ctx context.Context, metrics *types.HostMetrics) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveHostMetrics")
	defer span.End()
	enc, err := encode(ctx, metrics)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hostMetricsBucket).Put(hostMetricsKey(metrics), enc)
	})
}

// IntegrityChecks retrieves a shard's hash verifications in the order they
// were performed.
func (s *Store) IntegrityChecks(ctx context.Context, shardID string) ([]*types.IntegrityCheck, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.IntegrityChecks")
	defer span.End()
	checks := make([]*types.IntegrityCheck, 0)
	prefix := []byte(shardID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(integrityChecksBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			check := &types.IntegrityCheck{}
			if err := decode(ctx, v, check); err != nil {
				return err
			}
			checks = append(checks, check)
		}
		return nil
	})
	return checks, err
}

// SaveIntegrityCheck appends a hash verification to a shard's record.
func (s *Store) SaveIntegrityCheck(ctx context.Context, check *types.IntegrityCheck) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveIntegrityCheck")
	defer span.End()
	enc, err := encode(ctx, check)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(integrityChecksBucket).Put(integrityCheckKey(check), enc)
	})
}

// RepairOperations retrieves the replica repairs matching the filter criteria.
func (s *Store) RepairOperations(ctx context.Context, f *filters.QueryFilter) ([]*types.RepairOperation, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.RepairOperations")
	defer span.End()
	ops := make([]*types.RepairOperation, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(repairOpsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			op := &types.RepairOperation{}
			if err := decode(ctx, v, op); err != nil {
				return err
			}
			matches, err := repairOpMatchesFilter(op, f)
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

// SaveRepairOperation upserts a replica repair keyed by its id.
func (s *Store) SaveRepairOperation(ctx context.Context, op *types.RepairOperation) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveRepairOperation")
	defer span.End()
	enc, err := encode(ctx, op)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(repairOpsBucket).Put([]byte(op.ID), enc)
	})
}

// PruneHostMetricsBefore deletes health samples recorded before the cutoff,
// returning how many were removed.
func (s *Store) PruneHostMetricsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PruneHostMetricsBefore")
	defer span.End()
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(hostMetricsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			metrics := &types.HostMetrics{}
			if err := decode(ctx, v, metrics); err != nil {
				return err
			}
			if !metrics.RecordedAt.Before(cutoff) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// PruneIntegrityChecksBefore deletes hash verifications performed before the
// cutoff, returning how many were removed.
func (s *Store) PruneIntegrityChecksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PruneIntegrityChecksBefore")
	defer span.End()
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(integrityChecksBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			check := &types.IntegrityCheck{}
			if err := decode(ctx, v, check); err != nil {
				return err
			}
			if !check.CheckedAt.Before(cutoff) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// PruneRepairOperationsBefore deletes completed repairs last updated before
// the cutoff, returning how many were removed. Failed repairs are kept for
// operator review.
func (s *Store) PruneRepairOperationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PruneRepairOperationsBefore")
	defer span.End()
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(repairOpsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			op := &types.RepairOperation{}
			if err := decode(ctx, v, op); err != nil {
				return err
			}
			if op.Status != types.RepairCompleted || !op.UpdatedAt.Before(cutoff) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func containsHost(hosts []string, hostID string) bool {
	for _, h := range hosts {
		if h == hostID {
			return true
		}
	}
	return false
}

func shardHostMatchesFilter(host *types.ShardHost, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.NodeID:
			if host.NodeID != v.(string) {
				return false, nil
			}
		case filters.Status:
			if string(host.Status) != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for shard hosts", k)
		}
	}
	return true, nil
}

func shardMatchesFilter(shard *types.Shard, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.SessionID:
			if shard.SessionID != v.(string) {
				return false, nil
			}
		case filters.Status:
			if string(shard.Status) != v.(string) {
				return false, nil
			}
		case filters.NodeID:
			if !containsHost(shard.AssignedHosts, v.(string)) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for shards", k)
		}
	}
	return true, nil
}

func repairOpMatchesFilter(op *types.RepairOperation, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.Status:
			if string(op.Status) != v.(string) {
				return false, nil
			}
		case filters.NodeID:
			if op.FailedHost != v.(string) && op.NewHost != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for repair operations", k)
		}
	}
	return true, nil
}
