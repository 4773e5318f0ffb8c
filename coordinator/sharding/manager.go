package sharding

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/overlay"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// healthSweep probes every registered host and reconciles its state with
// what the probe saw. Hosts in maintenance are left alone.
func (s *Service) healthSweep() {
	ctx := s.ctx
	hosts, err := s.cfg.Database.ShardHosts(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Could not list hosts for the health sweep")
		return
	}
	serving := 0
	for _, host := range hosts {
		if host.Status == types.HostBusy {
			continue
		}
		s.checkHost(ctx, host)
		if host.Status == types.HostAvailable || host.Status == types.HostAssigned {
			serving++
		}
	}
	hostsServingGauge.Set(float64(serving))
}

func (s *Service) checkHost(ctx context.Context, host *types.ShardHost) {
	host.LastHealthCheck = timeutils.Now()
	if _, err := s.cfg.Directory.GetPeer(host.NodeID); err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			log.WithError(err).WithField("nodeID", host.NodeID).Error("Could not check the directory")
			return
		}
		s.saveHostState(ctx, host, types.HostOffline)
		return
	}
	metrics, err := s.cfg.Overlay.Metrics(ctx, host.Endpoint())
	if err != nil {
		log.WithError(err).WithField("nodeID", host.NodeID).Debug("Host health probe failed")
		s.saveHostState(ctx, host, types.HostOffline)
		return
	}
	sample := &types.HostMetrics{
		NodeID:     host.NodeID,
		CPU:        metrics.CPU,
		Memory:     metrics.Memory,
		Latency:    time.Duration(metrics.LatencyMillis * float64(time.Millisecond)),
		RecordedAt: host.LastHealthCheck,
	}
	if err := s.cfg.Database.SaveHostMetrics(ctx, sample); err != nil {
		log.WithError(err).WithField("nodeID", host.NodeID).Error("Could not persist health sample")
	}
	host.PerformanceScore = performanceScore(metrics)
	if breachesHealthBounds(metrics) {
		s.saveHostState(ctx, host, types.HostDegraded)
		return
	}
	restored := types.HostAvailable
	if len(host.AssignedShards) >= params.MirageConfig().MaxShardsPerHost {
		restored = types.HostAssigned
	}
	s.saveHostState(ctx, host, restored)
}

func (s *Service) saveHostState(ctx context.Context, host *types.ShardHost, status types.HostStatus) {
	if host.Status != status {
		log.WithFields(logrus.Fields{
			"nodeID": host.NodeID,
			"from":   host.Status,
			"to":     status,
		}).Info("Host state changed")
	}
	host.Status = status
	if err := s.cfg.Database.SaveShardHost(ctx, host); err != nil {
		log.WithError(err).WithField("nodeID", host.NodeID).Error("Could not persist host")
	}
}

func breachesHealthBounds(m *overlay.NodeMetrics) bool {
	return m.ResponseTimeMillis > maxHealthyResponseMillis ||
		m.Uptime < minHealthyUptime ||
		m.ErrorRate > maxHealthyErrorRate ||
		m.CPU > maxHealthyCPU ||
		m.Memory > maxHealthyMemory
}

// performanceScore folds a health sample into the 0-100 placement score.
// Uptime carries it; errors, load and slowness discount it.
func performanceScore(m *overlay.NodeMetrics) float64 {
	score := m.Uptime
	score -= m.ErrorRate
	score -= (m.CPU + m.Memory) / 20
	score -= m.ResponseTimeMillis / 1000
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// integritySweep verifies the replica hashes of a random sample of ready
// shards. A replica answering with the wrong hash gets a repair filed.
func (s *Service) integritySweep() {
	ctx := s.ctx
	shards, err := s.cfg.Database.Shards(ctx, filters.NewFilter().
		SetStatus(string(types.ShardReady)))
	if err != nil {
		log.WithError(err).Error("Could not list shards for the integrity sweep")
		return
	}
	s.rng.Shuffle(len(shards), func(i, j int) {
		shards[i], shards[j] = shards[j], shards[i]
	})
	if limit := params.MirageConfig().IntegritySampleSize; len(shards) > limit {
		shards = shards[:limit]
	}
	for _, shard := range shards {
		s.verifyShardReplicas(ctx, shard)
	}
}

func (s *Service) verifyShardReplicas(ctx context.Context, shard *types.Shard) {
	for _, hostID := range shard.AssignedHosts {
		host, err := s.cfg.Database.ShardHost(ctx, hostID)
		if err != nil {
			log.WithError(err).WithField("nodeID", hostID).Error("Could not fetch host")
			continue
		}
		if host == nil || host.Status == types.HostOffline || host.Status == types.HostBusy {
			continue
		}
		hash, err := s.cfg.Overlay.VerifyShard(ctx, host.Endpoint(), shard.ID)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"shardID": shard.ID,
				"nodeID":  hostID,
			}).Debug("Replica hash probe failed")
			continue
		}
		check := &types.IntegrityCheck{
			ID:        uuid.New().String(),
			ShardID:   shard.ID,
			HostID:    hostID,
			Expected:  shard.DataHash,
			Actual:    hash,
			Passed:    hash == shard.DataHash,
			CheckedAt: timeutils.Now(),
		}
		if err := s.cfg.Database.SaveIntegrityCheck(ctx, check); err != nil {
			log.WithError(err).Error("Could not persist integrity check")
			continue
		}
		if !check.Passed {
			integrityFailuresTotal.Inc()
			s.fileRepair(ctx, shard, hostID)
		}
	}
}

// fileRepair records a replica repair for the failed host and marks the
// shard degraded. At most one open repair exists per shard and host.
func (s *Service) fileRepair(ctx context.Context, shard *types.Shard, failedHost string) {
	for _, status := range []types.RepairStatus{types.RepairPending, types.RepairInProgress} {
		ops, err := s.cfg.Database.RepairOperations(ctx, filters.NewFilter().
			SetStatus(string(status)))
		if err != nil {
			log.WithError(err).Error("Could not list repair operations")
			return
		}
		for _, op := range ops {
			if op.ShardID == shard.ID && op.FailedHost == failedHost {
				return
			}
		}
	}
	now := timeutils.Now()
	op := &types.RepairOperation{
		ID:         uuid.New().String(),
		ShardID:    shard.ID,
		FailedHost: failedHost,
		Status:     types.RepairPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.cfg.Database.SaveRepairOperation(ctx, op); err != nil {
		log.WithError(err).Error("Could not persist repair operation")
		return
	}
	shard.Status = types.ShardDegraded
	shard.UpdatedAt = now
	if err := s.cfg.Database.SaveShard(ctx, shard); err != nil {
		log.WithError(err).Error("Could not persist shard")
		return
	}
	log.WithFields(logrus.Fields{
		"shardID":    shard.ID,
		"failedHost": failedHost,
	}).Warn("Replica failed verification, repair filed")
}

// repairSweep executes pending repairs. Repairs without a replacement host
// stay pending for the next pass; repairs without a healthy source fail and
// take the shard with them.
func (s *Service) repairSweep() {
	ctx := s.ctx
	ops, err := s.cfg.Database.RepairOperations(ctx, filters.NewFilter().
		SetStatus(string(types.RepairPending)))
	if err != nil {
		log.WithError(err).Error("Could not list repair operations")
		return
	}
	for _, op := range ops {
		s.executeRepair(ctx, op)
	}
}

func (s *Service) executeRepair(ctx context.Context, op *types.RepairOperation) {
	shard, err := s.cfg.Database.Shard(ctx, op.ShardID)
	if err != nil {
		log.WithError(err).Error("Could not fetch shard")
		return
	}
	if shard == nil {
		s.finishRepair(ctx, op, types.RepairFailed, "shard no longer exists")
		return
	}
	if !containsID(shard.AssignedHosts, op.FailedHost) {
		// Another pass already moved the replica off the failed host.
		s.finishRepair(ctx, op, types.RepairCompleted, "")
		return
	}
	source := s.healthyHolder(ctx, shard, op.FailedHost)
	if source == "" {
		s.finishRepair(ctx, op, types.RepairFailed, "no healthy replica to copy from")
		shard.Status = types.ShardFailed
		shard.UpdatedAt = timeutils.Now()
		if err := s.cfg.Database.SaveShard(ctx, shard); err != nil {
			log.WithError(err).Error("Could not persist shard")
		}
		return
	}
	replacement := s.replacementHost(ctx, shard)
	if replacement == nil {
		log.WithField("shardID", shard.ID).Debug("No replacement host, repair stays pending")
		return
	}
	op.NewHost = replacement.NodeID
	op.Status = types.RepairInProgress
	op.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveRepairOperation(ctx, op); err != nil {
		log.WithError(err).Error("Could not persist repair operation")
		return
	}

	// The copy itself is the transport's job; here the replica set moves.
	for i, hostID := range shard.AssignedHosts {
		if hostID == op.FailedHost {
			shard.AssignedHosts[i] = replacement.NodeID
		}
	}
	shard.Status = types.ShardReady
	shard.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveShard(ctx, shard); err != nil {
		log.WithError(err).Error("Could not persist shard")
		return
	}
	s.releaseShard(ctx, op.FailedHost, shard)
	s.chargeShard(ctx, replacement, shard)
	s.finishRepair(ctx, op, types.RepairCompleted, "")
	log.WithFields(logrus.Fields{
		"shardID": shard.ID,
		"from":    op.FailedHost,
		"to":      replacement.NodeID,
	}).Info("Replica repaired")
}

func (s *Service) finishRepair(ctx context.Context, op *types.RepairOperation, status types.RepairStatus, reason string) {
	op.Status = status
	op.Error = reason
	op.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveRepairOperation(ctx, op); err != nil {
		log.WithError(err).Error("Could not persist repair operation")
		return
	}
	repairsTotal.WithLabelValues(string(status)).Inc()
	if status == types.RepairFailed {
		log.WithFields(logrus.Fields{
			"shardID": op.ShardID,
			"reason":  reason,
		}).Warn("Repair failed")
	}
}

func (s *Service) healthyHolder(ctx context.Context, shard *types.Shard, excluded string) string {
	for _, hostID := range shard.AssignedHosts {
		if hostID == excluded {
			continue
		}
		host, err := s.cfg.Database.ShardHost(ctx, hostID)
		if err != nil {
			log.WithError(err).WithField("nodeID", hostID).Error("Could not fetch host")
			continue
		}
		if host != nil && (host.Status == types.HostAvailable || host.Status == types.HostAssigned) {
			return hostID
		}
	}
	return ""
}

func (s *Service) replacementHost(ctx context.Context, shard *types.Shard) *types.ShardHost {
	hosts, err := s.cfg.Database.ShardHosts(ctx, filters.NewFilter().
		SetStatus(string(types.HostAvailable)))
	if err != nil {
		log.WithError(err).Error("Could not list hosts")
		return nil
	}
	candidates := make([]*types.ShardHost, 0, len(hosts))
	for _, host := range hosts {
		if containsID(shard.AssignedHosts, host.NodeID) {
			continue
		}
		if len(host.AssignedShards) >= params.MirageConfig().MaxShardsPerHost {
			continue
		}
		if host.FreeCapacity() < shard.Size {
			continue
		}
		candidates = append(candidates, host)
	}
	if len(candidates) == 0 {
		return nil
	}
	rankHosts(candidates)
	return candidates[0]
}

func (s *Service) releaseShard(ctx context.Context, hostID string, shard *types.Shard) {
	host, err := s.cfg.Database.ShardHost(ctx, hostID)
	if err != nil || host == nil {
		return
	}
	kept := host.AssignedShards[:0]
	for _, id := range host.AssignedShards {
		if id != shard.ID {
			kept = append(kept, id)
		}
	}
	host.AssignedShards = kept
	if host.Used >= shard.Size {
		host.Used -= shard.Size
	} else {
		host.Used = 0
	}
	if host.Status == types.HostAssigned && len(host.AssignedShards) < params.MirageConfig().MaxShardsPerHost {
		host.Status = types.HostAvailable
	}
	if err := s.cfg.Database.SaveShardHost(ctx, host); err != nil {
		log.WithError(err).WithField("nodeID", hostID).Error("Could not persist host")
	}
}

func (s *Service) chargeShard(ctx context.Context, host *types.ShardHost, shard *types.Shard) {
	host.AssignedShards = append(host.AssignedShards, shard.ID)
	host.Used += shard.Size
	if len(host.AssignedShards) >= params.MirageConfig().MaxShardsPerHost {
		host.Status = types.HostAssigned
	}
	if err := s.cfg.Database.SaveShardHost(ctx, host); err != nil {
		log.WithError(err).WithField("nodeID", host.NodeID).Error("Could not persist host")
	}
}

// maintenanceSweep opens due windows and closes finished ones.
func (s *Service) maintenanceSweep() {
	ctx := s.ctx
	windows, err := s.cfg.Database.MaintenanceWindows(ctx)
	if err != nil {
		log.WithError(err).Error("Could not list maintenance windows")
		return
	}
	now := timeutils.Now()
	for _, window := range windows {
		if window.Completed {
			continue
		}
		host, err := s.cfg.Database.ShardHost(ctx, window.HostID)
		if err != nil {
			log.WithError(err).Error("Could not fetch host")
			continue
		}
		switch {
		case window.ActiveAt(now):
			if host != nil && host.Status != types.HostBusy {
				s.saveHostState(ctx, host, types.HostBusy)
			}
		case !now.Before(window.EndsAt):
			window.Completed = true
			if err := s.cfg.Database.SaveMaintenanceWindow(ctx, window); err != nil {
				log.WithError(err).Error("Could not persist maintenance window")
				continue
			}
			if host != nil && host.Status == types.HostBusy {
				restored := types.HostAvailable
				if len(host.AssignedShards) >= params.MirageConfig().MaxShardsPerHost {
					restored = types.HostAssigned
				}
				s.saveHostState(ctx, host, restored)
			}
			log.WithField("hostID", window.HostID).Info("Maintenance window closed")
		}
	}
}

// rebalanceSweep moves replicas off hosts loaded far above the average onto
// hosts far below it. Primaries stay put.
func (s *Service) rebalanceSweep() {
	ctx := s.ctx
	cfg := params.MirageConfig()
	hosts, err := s.cfg.Database.ShardHosts(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Could not list hosts for rebalancing")
		return
	}
	serving := make([]*types.ShardHost, 0, len(hosts))
	total := 0
	for _, host := range hosts {
		if host.Status == types.HostOffline || host.Status == types.HostBusy {
			continue
		}
		serving = append(serving, host)
		total += len(host.AssignedShards)
	}
	if len(serving) < 2 || total == 0 {
		return
	}
	avg := float64(total) / float64(len(serving))
	overloaded := make([]*types.ShardHost, 0)
	underloaded := make([]*types.ShardHost, 0)
	for _, host := range serving {
		load := float64(len(host.AssignedShards))
		switch {
		case load > cfg.RebalanceHighWatermark*avg:
			overloaded = append(overloaded, host)
		case load < cfg.RebalanceLowWatermark*avg:
			underloaded = append(underloaded, host)
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return
	}
	sort.Slice(overloaded, func(i, j int) bool {
		return len(overloaded[i].AssignedShards) > len(overloaded[j].AssignedShards)
	})
	sort.Slice(underloaded, func(i, j int) bool {
		return len(underloaded[i].AssignedShards) < len(underloaded[j].AssignedShards)
	})

	moves := 0
	for _, over := range overloaded {
		if moves >= cfg.RebalanceMaxMoves {
			break
		}
		shards, err := s.cfg.Database.ShardsByHost(ctx, over.NodeID)
		if err != nil {
			log.WithError(err).Error("Could not list host shards")
			continue
		}
		for _, shard := range shards {
			if moves >= cfg.RebalanceMaxMoves {
				break
			}
			if shard.Status != types.ShardReady || shard.Primary() == over.NodeID {
				continue
			}
			target := pickTarget(underloaded, shard)
			if target == nil {
				break
			}
			if s.migrateReplica(ctx, shard, over, target) {
				moves++
			}
		}
	}
	if moves > 0 {
		log.WithField("moves", moves).Info("Rebalanced shard replicas")
	}
}

func pickTarget(underloaded []*types.ShardHost, shard *types.Shard) *types.ShardHost {
	for _, host := range underloaded {
		if containsID(shard.AssignedHosts, host.NodeID) {
			continue
		}
		if len(host.AssignedShards) >= params.MirageConfig().MaxShardsPerHost {
			continue
		}
		if host.FreeCapacity() < shard.Size {
			continue
		}
		return host
	}
	return nil
}

func (s *Service) migrateReplica(ctx context.Context, shard *types.Shard, from, to *types.ShardHost) bool {
	shard.Status = types.ShardMigrating
	shard.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveShard(ctx, shard); err != nil {
		log.WithError(err).Error("Could not persist shard")
		return false
	}
	for i, hostID := range shard.AssignedHosts {
		if hostID == from.NodeID {
			shard.AssignedHosts[i] = to.NodeID
		}
	}
	shard.Status = types.ShardReady
	shard.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveShard(ctx, shard); err != nil {
		log.WithError(err).Error("Could not persist shard")
		return false
	}
	s.releaseShard(ctx, from.NodeID, shard)
	s.chargeShard(ctx, to, shard)
	shardsMigratedTotal.Inc()
	log.WithFields(logrus.Fields{
		"shardID": shard.ID,
		"from":    from.NodeID,
		"to":      to.NodeID,
	}).Debug("Replica migrated")
	return true
}

// optimizeSweep purges aged health samples, integrity records and completed
// repairs per the retention parameters.
func (s *Service) optimizeSweep() {
	ctx := s.ctx
	cfg := params.MirageConfig()
	now := timeutils.Now()
	metricsCutoff := now.Add(-time.Duration(cfg.ShardMetricsRetentionDays) * 24 * time.Hour)
	prunedMetrics, err := s.cfg.Database.PruneHostMetricsBefore(ctx, metricsCutoff)
	if err != nil {
		log.WithError(err).Error("Could not purge health samples")
		return
	}
	integrityCutoff := now.Add(-time.Duration(cfg.IntegrityRecordRetentionDays) * 24 * time.Hour)
	prunedChecks, err := s.cfg.Database.PruneIntegrityChecksBefore(ctx, integrityCutoff)
	if err != nil {
		log.WithError(err).Error("Could not purge integrity checks")
		return
	}
	repairCutoff := now.Add(-time.Duration(cfg.RepairRecordRetentionDays) * 24 * time.Hour)
	prunedRepairs, err := s.cfg.Database.PruneRepairOperationsBefore(ctx, repairCutoff)
	if err != nil {
		log.WithError(err).Error("Could not purge repair operations")
		return
	}
	if prunedMetrics+prunedChecks+prunedRepairs > 0 {
		log.WithFields(logrus.Fields{
			"metrics":   prunedMetrics,
			"integrity": prunedChecks,
			"repairs":   prunedRepairs,
		}).Debug("Purged aged maintenance records")
	}
}

func containsID(ids []string, id string) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}
