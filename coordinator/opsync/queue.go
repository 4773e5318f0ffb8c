package opsync

import (
	"container/heap"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Keys the sync plane manages itself; state updates may not touch them.
var reservedStateKeys = map[string]bool{
	"version":    true,
	"operator":   true,
	"checkpoint": true,
	"leader":     true,
}

// queuedOp orders an operation in the queue: priority descending, submission
// order within a priority.
type queuedOp struct {
	op  *types.SyncOperation
	seq uint64
}

type opQueue []*queuedOp

func (q opQueue) Len() int { return len(q) }

func (q opQueue) Less(i, j int) bool {
	if q[i].op.Priority != q[j].op.Priority {
		return q[i].op.Priority > q[j].op.Priority
	}
	return q[i].seq < q[j].seq
}

func (q opQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *opQueue) Push(x interface{}) {
	*q = append(*q, x.(*queuedOp))
}

func (q *opQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// SubmitOperation validates and enqueues a state operation initiated by this
// operator. Operations at or above the immediate priority execute on the
// spot instead of waiting for the batch loop.
func (s *Service) SubmitOperation(ctx context.Context, kind types.SyncOpKind, payload map[string]interface{}, targets []string, priority int) (*types.SyncOperation, error) {
	if !types.ValidSyncOpKind(kind) {
		return nil, types.ValidationErrorf("unknown operation kind %q", kind)
	}
	if priority < types.OpPriorityMin || priority > types.OpPriorityMax {
		return nil, types.ValidationErrorf("priority %d is outside [%d, %d]",
			priority, types.OpPriorityMin, types.OpPriorityMax)
	}
	now := timeutils.Now()
	op := &types.SyncOperation{
		ID:        uuid.New().String(),
		Initiator: s.cfg.OperatorID,
		Kind:      kind,
		Payload:   payload,
		Targets:   targets,
		Priority:  priority,
		Status:    types.OpPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.cfg.Database.SaveSyncOperation(ctx, op); err != nil {
		return nil, errors.Wrap(err, "could not persist operation")
	}
	opsSubmittedTotal.WithLabelValues(string(kind)).Inc()
	if priority >= params.MirageConfig().ImmediatePriority {
		s.executeOne(ctx, op)
		return op, nil
	}
	s.enqueue(op)
	return op, nil
}

// GetOperation returns a sync operation by id.
func (s *Service) GetOperation(ctx context.Context, opID string) (*types.SyncOperation, error) {
	op, err := s.cfg.Database.SyncOperation(ctx, opID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch operation")
	}
	if op == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "operation %s", opID)
	}
	return op, nil
}

// ListOperations returns the sync operations matching the filter criteria.
func (s *Service) ListOperations(ctx context.Context, f *filters.QueryFilter) ([]*types.SyncOperation, error) {
	return s.cfg.Database.SyncOperations(ctx, f)
}

func (s *Service) enqueue(op *types.SyncOperation) {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	s.seq++
	heap.Push(&s.queue, &queuedOp{op: op, seq: s.seq})
}

func (s *Service) dequeueBatch(n int) []*types.SyncOperation {
	s.queueLock.Lock()
	defer s.queueLock.Unlock()
	batch := make([]*types.SyncOperation, 0, n)
	for len(batch) < n && s.queue.Len() > 0 {
		item := heap.Pop(&s.queue).(*queuedOp)
		batch = append(batch, item.op)
	}
	return batch
}

// executeBatch drains up to SyncBatchSize queued operations in priority
// order.
func (s *Service) executeBatch() {
	batch := s.dequeueBatch(params.MirageConfig().SyncBatchSize)
	for _, op := range batch {
		s.executeOne(s.ctx, op)
	}
}

// executeOne runs a single operation through executing into a terminal
// state, requeueing retryable failures until the retry budget is spent.
// Validation failures are terminal immediately.
func (s *Service) executeOne(ctx context.Context, op *types.SyncOperation) {
	op.Status = types.OpExecuting
	op.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveSyncOperation(ctx, op); err != nil {
		log.WithError(err).Error("Could not persist operation")
		return
	}
	started := time.Now()
	err := s.apply(ctx, op)
	elapsed := time.Since(started)
	if err == nil {
		op.Status = types.OpCompleted
		op.Error = ""
		op.UpdatedAt = timeutils.Now()
		if err := s.cfg.Database.SaveSyncOperation(ctx, op); err != nil {
			log.WithError(err).Error("Could not persist operation")
		}
		opsSettledTotal.WithLabelValues(string(types.OpCompleted)).Inc()
		s.trackExecution(ctx, op.Initiator, elapsed, types.OpCompleted)
		return
	}
	if !types.IsValidation(err) && op.RetryCount < params.MirageConfig().MaxSyncRetries {
		op.RetryCount++
		op.Status = types.OpPending
		op.Error = err.Error()
		op.UpdatedAt = timeutils.Now()
		if saveErr := s.cfg.Database.SaveSyncOperation(ctx, op); saveErr != nil {
			log.WithError(saveErr).Error("Could not persist operation")
			return
		}
		s.enqueue(op)
		s.trackExecution(ctx, op.Initiator, elapsed, types.OpPending)
		log.WithError(err).WithFields(logrus.Fields{
			"opID":  op.ID,
			"retry": op.RetryCount,
		}).Debug("Operation failed, requeued")
		return
	}
	op.Status = types.OpFailed
	op.Error = err.Error()
	op.UpdatedAt = timeutils.Now()
	if saveErr := s.cfg.Database.SaveSyncOperation(ctx, op); saveErr != nil {
		log.WithError(saveErr).Error("Could not persist operation")
	}
	opsSettledTotal.WithLabelValues(string(types.OpFailed)).Inc()
	s.trackExecution(ctx, op.Initiator, elapsed, types.OpFailed)
	log.WithError(err).WithFields(logrus.Fields{
		"opID": op.ID,
		"kind": op.Kind,
	}).Warn("Operation failed")
}

// apply dispatches one operation to its kind's semantics.
func (s *Service) apply(ctx context.Context, op *types.SyncOperation) error {
	switch op.Kind {
	case types.OpStateUpdate, types.OpTransaction:
		return s.applyStateUpdate(ctx, op)
	case types.OpConfiguration:
		return s.applyConfiguration(op)
	case types.OpMaintenance:
		log.WithField("opID", op.ID).Info("Maintenance operation acknowledged")
		return nil
	case types.OpCheckpoint:
		_, err := s.CreateCheckpoint(ctx)
		return err
	case types.OpEmergency:
		return s.applyEmergency(ctx, op)
	default:
		return types.ValidationErrorf("unknown operation kind %q", op.Kind)
	}
}

// applyStateUpdate writes the payload into the replicated state under one
// lock hold and bumps the state version.
func (s *Service) applyStateUpdate(ctx context.Context, op *types.SyncOperation) error {
	if len(op.Payload) == 0 {
		return types.ValidationErrorf("state update carries no payload")
	}
	for key := range op.Payload {
		if reservedStateKeys[key] {
			return types.ValidationErrorf("state key %q is reserved", key)
		}
	}
	self, err := s.self(ctx)
	if err != nil {
		return err
	}
	s.stateLock.Lock()
	for key, value := range op.Payload {
		s.state[key] = value
	}
	s.stateLock.Unlock()
	self.StateVersion++
	if err := s.cfg.Database.SaveOperator(ctx, self); err != nil {
		return errors.Wrap(err, "could not persist state version")
	}
	return nil
}

func (s *Service) applyConfiguration(op *types.SyncOperation) error {
	if len(op.Payload) == 0 {
		return types.ValidationErrorf("configuration carries no settings")
	}
	s.stateLock.Lock()
	for key, value := range op.Payload {
		s.settings[key] = value
	}
	s.stateLock.Unlock()
	return nil
}

// applyEmergency handles failover and rollback broadcasts. A rollback this
// operator broadcast itself is already applied locally and completes as a
// no-op.
func (s *Service) applyEmergency(ctx context.Context, op *types.SyncOperation) error {
	action, _ := op.Payload["action"].(string)
	switch action {
	case "failover":
		_, err := s.ElectLeader(ctx)
		return err
	case "rollback":
		if op.Initiator == s.cfg.OperatorID {
			return nil
		}
		_, err := s.restoreLatestCheckpoint(ctx)
		return err
	default:
		return types.ValidationErrorf("unknown emergency action %q", action)
	}
}

func sortOpsByCreation(ops []*types.SyncOperation) {
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}
