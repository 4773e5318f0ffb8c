// Package sharding places session recording shards onto storage hosts and
// keeps the placed replicas serviceable. The placer spreads each chunk's
// replicas across overlay prefixes; the manager loops probe host health,
// spot-check replica hashes, repair corrupt replicas, honor maintenance
// windows, rebalance load and purge aged maintenance records.
package sharding

import (
	"context"
	"sort"
	"time"

	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/overlay"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/rand"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "sharding")

var (
	shardsPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shards_placed_total",
		Help: "Number of shards placed onto storage hosts.",
	})
	hostsServingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shard_hosts_serving",
		Help: "Number of storage hosts currently able to serve replicas.",
	})
	integrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shard_integrity_failures_total",
		Help: "Number of replica hash verifications that did not match.",
	})
	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_repairs_total",
		Help: "Number of replica repairs reaching a terminal state, by outcome.",
	}, []string{"outcome"})
	shardsMigratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shards_migrated_total",
		Help: "Number of replicas moved between hosts by the rebalancer.",
	})
)

// Host health thresholds. A host breaching any of them is degraded.
const (
	maxHealthyResponseMillis = 5000.0
	minHealthyUptime         = 95.0
	maxHealthyErrorRate      = 5.0
	maxHealthyCPU            = 90.0
	maxHealthyMemory         = 90.0
)

const (
	repairExecInterval  = time.Minute
	maintenanceInterval = time.Minute
)

// StorageProber is the slice of the overlay transport the shard manager
// needs: health samples and replica hash checks.
type StorageProber interface {
	Metrics(ctx context.Context, endpoint string) (*overlay.NodeMetrics, error)
	VerifyShard(ctx context.Context, endpoint, shardID string) (string, error)
}

// Directory answers whether a host is still a known peer.
type Directory interface {
	GetPeer(nodeID string) (*types.Peer, error)
}

// Config options for the sharding service.
type Config struct {
	Database  db.Database
	Overlay   StorageProber
	Directory Directory
}

// Service places shards and runs the maintenance loops over placed replicas.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	rng    *rand.Rand
}

// NewService initializes the sharding service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		rng:    rand.NewGenerator(),
	}
}

// Start launches the maintenance loops.
func (s *Service) Start() {
	cfg := params.MirageConfig()
	runutil.RunEvery(s.ctx, time.Duration(cfg.ShardHealthInterval)*time.Second, s.healthSweep)
	runutil.RunEvery(s.ctx, time.Duration(cfg.ShardIntegrityInterval)*time.Second, s.integritySweep)
	runutil.RunEvery(s.ctx, repairExecInterval, s.repairSweep)
	runutil.RunEvery(s.ctx, maintenanceInterval, s.maintenanceSweep)
	runutil.RunEvery(s.ctx, time.Duration(cfg.ShardRebalanceInterval)*time.Second, s.rebalanceSweep)
	runutil.RunEvery(s.ctx, time.Duration(cfg.StorageOptimizeInterval)*time.Second, s.optimizeSweep)
	log.Info("Shard manager started")
}

// Stop the maintenance loops.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil.
func (s *Service) Status() error {
	return nil
}

// GetShard returns a shard by id.
func (s *Service) GetShard(ctx context.Context, shardID string) (*types.Shard, error) {
	return s.shard(ctx, shardID)
}

// ListShards returns the shards matching the filter criteria.
func (s *Service) ListShards(ctx context.Context, f *filters.QueryFilter) ([]*types.Shard, error) {
	return s.cfg.Database.Shards(ctx, f)
}

// SessionShards returns the shards of a session ordered by chunk index.
func (s *Service) SessionShards(ctx context.Context, sessionID string) ([]*types.Shard, error) {
	shards, err := s.cfg.Database.Shards(ctx, filters.NewFilter().SetSessionID(sessionID))
	if err != nil {
		return nil, err
	}
	sortShardsByChunk(shards)
	return shards, nil
}

// GetHost returns a storage host by node id.
func (s *Service) GetHost(ctx context.Context, nodeID string) (*types.ShardHost, error) {
	return s.host(ctx, nodeID)
}

// ListHosts returns the storage hosts matching the filter criteria.
func (s *Service) ListHosts(ctx context.Context, f *filters.QueryFilter) ([]*types.ShardHost, error) {
	return s.cfg.Database.ShardHosts(ctx, f)
}

// GetRepairOperations returns the replica repairs matching the filter
// criteria.
func (s *Service) GetRepairOperations(ctx context.Context, f *filters.QueryFilter) ([]*types.RepairOperation, error) {
	return s.cfg.Database.RepairOperations(ctx, f)
}

// GetIntegrityChecks returns a shard's hash verification record.
func (s *Service) GetIntegrityChecks(ctx context.Context, shardID string) ([]*types.IntegrityCheck, error) {
	return s.cfg.Database.IntegrityChecks(ctx, shardID)
}

// GetHostMetrics returns a host's most recent health samples.
func (s *Service) GetHostMetrics(ctx context.Context, nodeID string, limit int) ([]*types.HostMetrics, error) {
	return s.cfg.Database.HostMetricsHistory(ctx, nodeID, limit)
}

// GetMaintenanceWindows returns every scheduled maintenance window.
func (s *Service) GetMaintenanceWindows(ctx context.Context) ([]*types.MaintenanceWindow, error) {
	return s.cfg.Database.MaintenanceWindows(ctx)
}

// GetPlacementTasks returns the recorded placement requests with the given
// status, or all of them when status is empty.
func (s *Service) GetPlacementTasks(ctx context.Context, status string) ([]*types.ShardCreationTask, error) {
	return s.cfg.Database.ShardCreationTasks(ctx, status)
}

func (s *Service) shard(ctx context.Context, shardID string) (*types.Shard, error) {
	shard, err := s.cfg.Database.Shard(ctx, shardID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch shard")
	}
	if shard == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "shard %s", shardID)
	}
	return shard, nil
}

func (s *Service) host(ctx context.Context, nodeID string) (*types.ShardHost, error) {
	host, err := s.cfg.Database.ShardHost(ctx, nodeID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch host")
	}
	if host == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "host %s", nodeID)
	}
	return host, nil
}

func sortShardsByChunk(shards []*types.Shard) {
	sort.Slice(shards, func(i, j int) bool {
		return shards[i].ChunkIndex < shards[j].ChunkIndex
	})
}
