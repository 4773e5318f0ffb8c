package opsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ReportConflict files a disagreement between operators for the resolution
// loop to settle.
func (s *Service) ReportConflict(ctx context.Context, kind types.ConflictKind, involved []string, detail map[string]interface{}) (*types.SyncConflict, error) {
	if !types.ValidConflictKind(kind) {
		return nil, types.ValidationErrorf("unknown conflict kind %q", kind)
	}
	if len(involved) == 0 {
		return nil, types.ValidationErrorf("conflict names no involved operators")
	}
	conflict := &types.SyncConflict{
		ID:        uuid.New().String(),
		Kind:      kind,
		Involved:  involved,
		Detail:    detail,
		CreatedAt: timeutils.Now(),
	}
	if err := s.cfg.Database.SaveSyncConflict(ctx, conflict); err != nil {
		return nil, errors.Wrap(err, "could not persist conflict")
	}
	conflictsReportedTotal.WithLabelValues(string(kind)).Inc()
	log.WithFields(logrus.Fields{
		"kind":     kind,
		"involved": involved,
	}).Warn("Operator conflict reported")
	return conflict, nil
}

// ListConflicts returns the recorded conflicts matching the filter criteria.
func (s *Service) ListConflicts(ctx context.Context, f *filters.QueryFilter) ([]*types.SyncConflict, error) {
	return s.cfg.Database.SyncConflicts(ctx, f)
}

// conflictSweep settles every open conflict it can.
func (s *Service) conflictSweep() {
	ctx := s.ctx
	conflicts, err := s.cfg.Database.SyncConflicts(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Could not list conflicts")
		return
	}
	for _, conflict := range conflicts {
		if conflict.Resolved {
			continue
		}
		resolution, err := s.resolveConflict(ctx, conflict)
		if err != nil {
			log.WithError(err).WithField("conflictID", conflict.ID).Error("Could not resolve conflict")
			continue
		}
		conflict.Resolved = true
		conflict.Resolution = resolution
		conflict.ResolvedAt = timeutils.Now()
		if err := s.cfg.Database.SaveSyncConflict(ctx, conflict); err != nil {
			log.WithError(err).Error("Could not persist conflict")
			continue
		}
		conflictsResolvedTotal.Inc()
		log.WithFields(logrus.Fields{
			"conflictID": conflict.ID,
			"kind":       conflict.Kind,
			"resolution": resolution,
		}).Info("Conflict resolved")
	}
}

// resolveConflict picks the winning side per the conflict kind's rule.
func (s *Service) resolveConflict(ctx context.Context, conflict *types.SyncConflict) (string, error) {
	switch conflict.Kind {
	case types.ConflictStateDivergence, types.ConflictTimestamp:
		winner, err := s.latestHeartbeatOf(ctx, conflict.Involved)
		if err != nil {
			return "", err
		}
		if winner == nil {
			return "latest-timestamp: no involved operator is registered", nil
		}
		return fmt.Sprintf("latest-timestamp: state of operator %s wins", winner.ID), nil
	case types.ConflictOperation:
		return s.resolveByPriority(ctx, conflict)
	case types.ConflictVersion:
		winner, err := s.highestVersionOf(ctx, conflict.Involved)
		if err != nil {
			return "", err
		}
		if winner == nil {
			return "highest-version: no involved operator is registered", nil
		}
		return fmt.Sprintf("highest-version: operator %s at version %d wins", winner.ID, winner.StateVersion), nil
	case types.ConflictLeadership:
		leader, err := s.ElectLeader(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("election: operator %s is primary", leader.ID), nil
	default:
		return "", types.ValidationErrorf("unknown conflict kind %q", conflict.Kind)
	}
}

// resolveByPriority compares the conflicting operations named in the detail;
// the highest priority wins, earliest submission breaking the tie.
func (s *Service) resolveByPriority(ctx context.Context, conflict *types.SyncConflict) (string, error) {
	opIDs := namedOperations(conflict.Detail)
	if len(opIDs) == 0 {
		return "priority: no operations named, conflict logged only", nil
	}
	var winner *types.SyncOperation
	for _, opID := range opIDs {
		op, err := s.cfg.Database.SyncOperation(ctx, opID)
		if err != nil {
			return "", errors.Wrap(err, "could not fetch operation")
		}
		if op == nil {
			continue
		}
		if winner == nil || op.Priority > winner.Priority ||
			(op.Priority == winner.Priority && op.CreatedAt.Before(winner.CreatedAt)) {
			winner = op
		}
	}
	if winner == nil {
		return "priority: no named operation exists, conflict logged only", nil
	}
	return fmt.Sprintf("priority: operation %s wins", winner.ID), nil
}

// namedOperations reads the conflicting operation ids out of the detail,
// tolerating both the in-memory and the store round-tripped shape.
func namedOperations(detail map[string]interface{}) []string {
	switch raw := detail["operations"].(type) {
	case []string:
		return raw
	case []interface{}:
		ids := make([]string, 0, len(raw))
		for _, entry := range raw {
			if id, ok := entry.(string); ok {
				ids = append(ids, id)
			}
		}
		return ids
	default:
		return nil
	}
}

func (s *Service) latestHeartbeatOf(ctx context.Context, involved []string) (*types.Operator, error) {
	var winner *types.Operator
	for _, operatorID := range involved {
		operator, err := s.cfg.Database.Operator(ctx, operatorID)
		if err != nil {
			return nil, errors.Wrap(err, "could not fetch operator")
		}
		if operator == nil {
			continue
		}
		if winner == nil || operator.LastHeartbeat.After(winner.LastHeartbeat) {
			winner = operator
		}
	}
	return winner, nil
}

func (s *Service) highestVersionOf(ctx context.Context, involved []string) (*types.Operator, error) {
	var winner *types.Operator
	for _, operatorID := range involved {
		operator, err := s.cfg.Database.Operator(ctx, operatorID)
		if err != nil {
			return nil, errors.Wrap(err, "could not fetch operator")
		}
		if operator == nil {
			continue
		}
		if winner == nil || operator.StateVersion > winner.StateVersion {
			winner = operator
		}
	}
	return winner, nil
}

// ElectLeader deterministically picks the primary: among operators that are
// current (in-sync or syncing) and hold a primary or secondary role, the
// lexicographically smallest id wins. Any other primary is demoted to
// secondary. Rerunning the election with the same registry is a no-op.
func (s *Service) ElectLeader(ctx context.Context) (*types.Operator, error) {
	operators, err := s.cfg.Database.Operators(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not list operators")
	}
	eligible := make([]*types.Operator, 0, len(operators))
	for _, operator := range operators {
		if !operator.Electable() {
			continue
		}
		if operator.Role != types.OperatorPrimary && operator.Role != types.OperatorSecondary {
			continue
		}
		eligible = append(eligible, operator)
	}
	if len(eligible) == 0 {
		return nil, types.PreconditionErrorf("no operator is eligible for election")
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].ID < eligible[j].ID
	})
	winner := eligible[0]
	for _, operator := range operators {
		if operator.Role == types.OperatorPrimary && operator.ID != winner.ID {
			operator.Role = types.OperatorSecondary
			if err := s.cfg.Database.SaveOperator(ctx, operator); err != nil {
				return nil, errors.Wrap(err, "could not persist operator")
			}
			log.WithField("operatorID", operator.ID).Info("Primary demoted to secondary")
		}
	}
	if winner.Role != types.OperatorPrimary {
		winner.Role = types.OperatorPrimary
		if err := s.cfg.Database.SaveOperator(ctx, winner); err != nil {
			return nil, errors.Wrap(err, "could not persist operator")
		}
	}
	electionsTotal.Inc()
	log.WithField("operatorID", winner.ID).Info("Leader elected")
	return winner, nil
}
