// Package opsync keeps the control plane of coordination daemons in step:
// an operator registry with heartbeats and a single primary, a prioritized
// queue of state operations executed in batches, a conflict log with
// automatic resolution, deterministic leader election and hashed state
// checkpoints with rollback.
package opsync

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/paulbellamy/ratecounter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "opsync")

var (
	opsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_operations_submitted_total",
		Help: "Number of sync operations submitted, by kind.",
	}, []string{"kind"})
	opsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_operations_settled_total",
		Help: "Number of sync operations reaching a terminal state, by outcome.",
	}, []string{"outcome"})
	conflictsReportedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_conflicts_reported_total",
		Help: "Number of operator conflicts reported, by kind.",
	}, []string{"kind"})
	conflictsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_conflicts_resolved_total",
		Help: "Number of operator conflicts resolved automatically.",
	})
	electionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leader_elections_total",
		Help: "Number of leader elections run.",
	})
	operatorsOnlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "operators_online",
		Help: "Number of operators with a recent heartbeat.",
	})
)

// Config options for the operator sync service.
type Config struct {
	Database   db.Database
	OperatorID string
	NodeID     string
	Role       types.OperatorRole
	Endpoint   string
	PublicKey  []byte
}

// opTracker accumulates one operator's execution counters between metric
// snapshots.
type opTracker struct {
	total     uint64
	completed uint64
	failed    uint64
	rate      *ratecounter.RateCounter
	execTime  *ratecounter.AvgRateCounter
}

// Service replicates coordination state across operators.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.RWMutex
	state     map[string]interface{}
	settings  map[string]interface{}

	queueLock sync.Mutex
	queue     opQueue
	seq       uint64

	trackLock sync.Mutex
	tracking  map[string]*opTracker
}

// NewService initializes the operator sync service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	if cfg.Role == "" {
		cfg.Role = types.OperatorSecondary
	}
	return &Service{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		state:    make(map[string]interface{}),
		settings: make(map[string]interface{}),
		queue:    make(opQueue, 0),
		tracking: make(map[string]*opTracker),
	}
}

// Start joins the control plane and launches the sync loops.
func (s *Service) Start() {
	if _, err := s.self(s.ctx); err != nil {
		log.WithError(err).Error("Could not join the control plane")
	}
	if err := s.requeuePending(s.ctx); err != nil {
		log.WithError(err).Error("Could not requeue pending operations")
	}
	cfg := params.MirageConfig()
	runutil.RunEvery(s.ctx, time.Duration(cfg.OperatorHeartbeatInterval)*time.Second, s.heartbeat)
	runutil.RunEvery(s.ctx, time.Duration(cfg.SyncExecInterval)*time.Second, s.executeBatch)
	runutil.RunEvery(s.ctx, time.Duration(cfg.ConflictScanInterval)*time.Second, s.conflictSweep)
	runutil.RunEvery(s.ctx, time.Duration(cfg.CheckpointInterval)*time.Second, s.checkpointSweep)
	log.WithField("operatorID", s.cfg.OperatorID).Info("Operator sync started")
}

// Stop the sync loops.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil.
func (s *Service) Status() error {
	return nil
}

// self loads this daemon's operator record, filing it on first use. The
// configured role is honored unless a primary already exists, in which case
// the operator joins as a secondary.
func (s *Service) self(ctx context.Context) (*types.Operator, error) {
	operator, err := s.cfg.Database.Operator(ctx, s.cfg.OperatorID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch operator")
	}
	if operator != nil {
		return operator, nil
	}
	role := s.cfg.Role
	if role == types.OperatorPrimary {
		primary, err := s.primaryOperator(ctx)
		if err != nil {
			return nil, err
		}
		if primary != nil {
			log.WithField("primary", primary.ID).Warn("Primary seat taken, joining as secondary")
			role = types.OperatorSecondary
		}
	}
	now := timeutils.Now()
	operator = &types.Operator{
		ID:            s.cfg.OperatorID,
		NodeID:        s.cfg.NodeID,
		Role:          role,
		Endpoint:      s.cfg.Endpoint,
		PublicKey:     s.cfg.PublicKey,
		SyncState:     types.SyncSyncing,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	if err := s.cfg.Database.SaveOperator(ctx, operator); err != nil {
		return nil, errors.Wrap(err, "could not persist operator")
	}
	log.WithFields(logrus.Fields{
		"operatorID": operator.ID,
		"role":       operator.Role,
	}).Info("Joined the control plane")
	return operator, nil
}

func (s *Service) primaryOperator(ctx context.Context) (*types.Operator, error) {
	primaries, err := s.cfg.Database.Operators(ctx, filters.NewFilter().
		SetKind(string(types.OperatorPrimary)))
	if err != nil {
		return nil, errors.Wrap(err, "could not list operators")
	}
	if len(primaries) == 0 {
		return nil, nil
	}
	return primaries[0], nil
}

// RegisterOperator admits another daemon's operator into the registry. At
// most one primary exists at a time.
func (s *Service) RegisterOperator(ctx context.Context, operator *types.Operator) (*types.Operator, error) {
	if operator.ID == "" {
		return nil, types.ValidationErrorf("operator is missing an id")
	}
	if operator.NodeID == "" {
		return nil, types.ValidationErrorf("operator %s is missing a node id", operator.ID)
	}
	if !types.ValidOperatorRole(operator.Role) {
		return nil, types.ValidationErrorf("unknown operator role %q", operator.Role)
	}
	if operator.Endpoint == "" {
		return nil, types.ValidationErrorf("operator %s is missing an endpoint", operator.ID)
	}
	existing, err := s.cfg.Database.Operator(ctx, operator.ID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch operator")
	}
	if existing != nil {
		return nil, types.PreconditionErrorf("operator %s is already registered", operator.ID)
	}
	if operator.Role == types.OperatorPrimary {
		primary, err := s.primaryOperator(ctx)
		if err != nil {
			return nil, err
		}
		if primary != nil {
			return nil, types.PreconditionErrorf("operator %s already holds the primary seat", primary.ID)
		}
	}
	now := timeutils.Now()
	operator.SyncState = types.SyncSyncing
	operator.StateVersion = 0
	operator.LastHeartbeat = now
	operator.RegisteredAt = now
	if err := s.cfg.Database.SaveOperator(ctx, operator); err != nil {
		return nil, errors.Wrap(err, "could not persist operator")
	}
	log.WithFields(logrus.Fields{
		"operatorID": operator.ID,
		"role":       operator.Role,
	}).Info("Operator registered")
	return operator, nil
}

// RecordHeartbeat books a heartbeat from another operator, refreshing its
// sync state against this daemon's state version.
func (s *Service) RecordHeartbeat(ctx context.Context, operatorID string, stateVersion uint64) (*types.Operator, error) {
	operator, err := s.operator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	self, err := s.self(ctx)
	if err != nil {
		return nil, err
	}
	operator.LastHeartbeat = timeutils.Now()
	operator.StateVersion = stateVersion
	if stateVersion >= self.StateVersion {
		operator.SyncState = types.SyncInSync
	} else {
		operator.SyncState = types.SyncSyncing
	}
	if err := s.cfg.Database.SaveOperator(ctx, operator); err != nil {
		return nil, errors.Wrap(err, "could not persist operator")
	}
	return operator, nil
}

// RemoveOperator retires an operator from the registry. Removing the primary
// triggers an election among the remaining operators.
func (s *Service) RemoveOperator(ctx context.Context, operatorID string) error {
	operator, err := s.operator(ctx, operatorID)
	if err != nil {
		return err
	}
	if err := s.cfg.Database.DeleteOperator(ctx, operatorID); err != nil {
		return errors.Wrap(err, "could not delete operator")
	}
	log.WithField("operatorID", operatorID).Info("Operator removed")
	if operator.Role == types.OperatorPrimary {
		if _, err := s.ElectLeader(ctx); err != nil {
			log.WithError(err).Warn("Could not elect a new primary")
		}
	}
	return nil
}

// GetOperator returns an operator by id.
func (s *Service) GetOperator(ctx context.Context, operatorID string) (*types.Operator, error) {
	return s.operator(ctx, operatorID)
}

// ListOperators returns the operators matching the filter criteria.
func (s *Service) ListOperators(ctx context.Context, f *filters.QueryFilter) ([]*types.Operator, error) {
	return s.cfg.Database.Operators(ctx, f)
}

// GetOperatorMetrics returns an operator's persisted throughput snapshot.
func (s *Service) GetOperatorMetrics(ctx context.Context, operatorID string) (*types.OperatorMetrics, error) {
	metrics, err := s.cfg.Database.OperatorMetrics(ctx, operatorID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch operator metrics")
	}
	if metrics == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "metrics of operator %s", operatorID)
	}
	return metrics, nil
}

// StateSnapshot returns a copy of the replicated state.
func (s *Service) StateSnapshot() map[string]interface{} {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	snapshot := make(map[string]interface{}, len(s.state))
	for k, v := range s.state {
		snapshot[k] = v
	}
	return snapshot
}

// SettingsSnapshot returns a copy of the applied configuration.
func (s *Service) SettingsSnapshot() map[string]interface{} {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	snapshot := make(map[string]interface{}, len(s.settings))
	for k, v := range s.settings {
		snapshot[k] = v
	}
	return snapshot
}

// heartbeat marks this operator in sync and sweeps silent operators offline.
func (s *Service) heartbeat() {
	ctx := s.ctx
	self, err := s.self(ctx)
	if err != nil {
		log.WithError(err).Error("Could not load own operator record")
		return
	}
	self.SyncState = types.SyncInSync
	self.LastHeartbeat = timeutils.Now()
	if err := s.cfg.Database.SaveOperator(ctx, self); err != nil {
		log.WithError(err).Error("Could not persist heartbeat")
		return
	}
	operators, err := s.cfg.Database.Operators(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Could not list operators")
		return
	}
	cutoff := timeutils.Now().Add(-time.Duration(params.MirageConfig().OperatorOfflineAfter) * time.Second)
	online := 0
	for _, operator := range operators {
		if operator.LastHeartbeat.Before(cutoff) {
			if operator.SyncState != types.SyncOffline {
				operator.SyncState = types.SyncOffline
				if err := s.cfg.Database.SaveOperator(ctx, operator); err != nil {
					log.WithError(err).WithField("operatorID", operator.ID).Error("Could not persist operator")
					continue
				}
				log.WithField("operatorID", operator.ID).Warn("Operator went silent, marked offline")
			}
			continue
		}
		online++
	}
	operatorsOnlineGauge.Set(float64(online))
}

// trackExecution books one execution attempt into the initiator's counters
// and persists the refreshed snapshot on terminal outcomes.
func (s *Service) trackExecution(ctx context.Context, operatorID string, elapsed time.Duration, outcome types.SyncOpStatus) {
	s.trackLock.Lock()
	tracker, ok := s.tracking[operatorID]
	if !ok {
		tracker = &opTracker{
			rate:     ratecounter.NewRateCounter(time.Minute),
			execTime: ratecounter.NewAvgRateCounter(time.Minute),
		}
		s.tracking[operatorID] = tracker
	}
	tracker.rate.Incr(1)
	tracker.execTime.Incr(elapsed.Milliseconds())
	switch outcome {
	case types.OpCompleted:
		tracker.total++
		tracker.completed++
	case types.OpFailed:
		tracker.total++
		tracker.failed++
	}
	snapshot := &types.OperatorMetrics{
		OperatorID:    operatorID,
		TotalOps:      tracker.total,
		CompletedOps:  tracker.completed,
		FailedOps:     tracker.failed,
		OpsPerMinute:  float64(tracker.rate.Rate()),
		AvgExecMillis: tracker.execTime.Rate(),
		UpdatedAt:     timeutils.Now(),
	}
	s.trackLock.Unlock()
	if outcome == types.OpPending {
		return
	}
	if err := s.cfg.Database.SaveOperatorMetrics(ctx, snapshot); err != nil {
		log.WithError(err).WithField("operatorID", operatorID).Error("Could not persist operator metrics")
	}
}

func (s *Service) operator(ctx context.Context, operatorID string) (*types.Operator, error) {
	operator, err := s.cfg.Database.Operator(ctx, operatorID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch operator")
	}
	if operator == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "operator %s", operatorID)
	}
	return operator, nil
}

// requeuePending reloads undone operations into the queue after a restart,
// oldest first so their relative order survives.
func (s *Service) requeuePending(ctx context.Context) error {
	pending, err := s.cfg.Database.SyncOperations(ctx, filters.NewFilter().
		SetStatus(string(types.OpPending)))
	if err != nil {
		return errors.Wrap(err, "could not list pending operations")
	}
	sortOpsByCreation(pending)
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	for _, op := range pending {
		s.seq++
		heap.Push(&s.queue, &queuedOp{op: op, seq: s.seq})
	}
	if len(pending) > 0 {
		log.WithField("count", len(pending)).Info("Requeued pending operations")
	}
	return nil
}
