package opsync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/hashutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CreateCheckpoint snapshots the replicated state under a canonical JSON
// hash at this operator's current state version.
func (s *Service) CreateCheckpoint(ctx context.Context) (*types.StateCheckpoint, error) {
	self, err := s.self(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := s.StateSnapshot()
	sum, err := hashutil.HashJSON(snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "could not hash state")
	}
	checkpoint := &types.StateCheckpoint{
		ID:         uuid.New().String(),
		OperatorID: self.ID,
		StateHash:  fmt.Sprintf("%#x", sum),
		StateData:  snapshot,
		Version:    self.StateVersion,
		CreatedAt:  timeutils.Now(),
	}
	if err := s.cfg.Database.SaveStateCheckpoint(ctx, checkpoint); err != nil {
		return nil, errors.Wrap(err, "could not persist checkpoint")
	}
	log.WithFields(logrus.Fields{
		"version": checkpoint.Version,
		"hash":    checkpoint.StateHash,
	}).Debug("State checkpoint created")
	return checkpoint, nil
}

// GetCheckpoints returns this operator's checkpoint history, newest first.
func (s *Service) GetCheckpoints(ctx context.Context, limit int) ([]*types.StateCheckpoint, error) {
	return s.cfg.Database.StateCheckpoints(ctx, s.cfg.OperatorID, limit)
}

// Rollback restores the latest checkpoint and broadcasts a top-priority
// emergency operation so the other operators follow.
func (s *Service) Rollback(ctx context.Context) (*types.StateCheckpoint, error) {
	checkpoint, err := s.restoreLatestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"action":  "rollback",
		"version": checkpoint.Version,
		"hash":    checkpoint.StateHash,
	}
	if _, err := s.SubmitOperation(ctx, types.OpEmergency, payload, nil, types.OpPriorityMax); err != nil {
		log.WithError(err).Error("Could not broadcast the rollback")
	}
	return checkpoint, nil
}

// restoreLatestCheckpoint swaps the replicated state for the newest
// checkpointed snapshot, stepping the state version back below it.
func (s *Service) restoreLatestCheckpoint(ctx context.Context) (*types.StateCheckpoint, error) {
	self, err := s.self(ctx)
	if err != nil {
		return nil, err
	}
	checkpoint, err := s.cfg.Database.LatestStateCheckpoint(ctx, self.ID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch checkpoint")
	}
	if checkpoint == nil {
		return nil, types.PreconditionErrorf("operator %s has no checkpoint to restore", self.ID)
	}
	restored := make(map[string]interface{}, len(checkpoint.StateData))
	for k, v := range checkpoint.StateData {
		restored[k] = v
	}
	s.stateLock.Lock()
	s.state = restored
	s.stateLock.Unlock()
	if checkpoint.Version > 0 {
		self.StateVersion = checkpoint.Version - 1
	} else {
		self.StateVersion = 0
	}
	if err := s.cfg.Database.SaveOperator(ctx, self); err != nil {
		return nil, errors.Wrap(err, "could not persist state version")
	}
	log.WithFields(logrus.Fields{
		"version": checkpoint.Version,
		"hash":    checkpoint.StateHash,
	}).Warn("State rolled back to checkpoint")
	return checkpoint, nil
}

// checkpointSweep checkpoints the state on schedule while this operator
// holds the primary seat.
func (s *Service) checkpointSweep() {
	ctx := s.ctx
	self, err := s.self(ctx)
	if err != nil {
		log.WithError(err).Error("Could not load own operator record")
		return
	}
	if self.Role != types.OperatorPrimary {
		return
	}
	if _, err := s.CreateCheckpoint(ctx); err != nil {
		log.WithError(err).Error("Could not checkpoint state")
	}
}
