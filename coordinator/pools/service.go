// Package pools groups nodes into cooperatives that share work and rewards.
// Pools form around a creator, admit members through approved join requests,
// and activate once they reach the minimum size; background sweeps track
// member health and contribution scores, and distribution splits pending
// rewards by the pool's method, announcing each split on an event feed.
package pools

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/event"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "pools")

var (
	poolsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_pools_created_total",
		Help: "Number of pools created.",
	})
	poolsDisbandedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_pools_disbanded_total",
		Help: "Number of pools disbanded.",
	})
	activePoolsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node_pools_active",
		Help: "Number of pools currently active or degraded.",
	})
	rewardsDistributedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_rewards_distributed_total",
		Help: "Total reward value split among pool members.",
	})
)

// Sync operation kinds recorded against a pool.
const (
	opKindCreditSync         = "credit-sync"
	opKindRewardDistribution = "reward-distribution"
)

// contributionCreditWindowDays is the sliding window feeding contribution
// growth for members that keep syncing.
const contributionCreditWindowDays = 1

// initialContribution is where new members start, midway through the
// clamped score range.
const initialContribution = 50.0

// CreditSource reports windowed work credits for a node.
type CreditSource interface {
	CalculateWorkCredits(ctx context.Context, entityID string, windowDays uint64) (float64, error)
}

// Replicator propagates a pool mutation to the operator sync plane.
type Replicator interface {
	ReplicatePoolOperation(ctx context.Context, poolID, kind string, payload map[string]float64) error
}

// Config options for the pool coordinator.
type Config struct {
	Database   db.Database
	Credits    CreditSource
	Replicator Replicator
}

// Service coordinates pool membership, health and reward distribution.
type Service struct {
	cfg        *Config
	ctx        context.Context
	cancel     context.CancelFunc
	rewardFeed *event.Feed
}

// NewService initializes the pool coordinator.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		rewardFeed: new(event.Feed),
	}
}

// Start launches the health and distribution sweeps.
func (s *Service) Start() {
	health := time.Duration(params.MirageConfig().PoolHealthInterval) * time.Second
	distribution := time.Duration(params.MirageConfig().PoolDistributionInterval) * time.Second
	runutil.RunEvery(s.ctx, health, s.healthSweep)
	runutil.RunEvery(s.ctx, distribution, s.distributionSweep)
	log.Info("Pool coordinator started")
}

// Stop the background sweeps.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil.
func (s *Service) Status() error {
	return nil
}

// RewardFeed returns the feed on which completed reward splits are
// announced as *types.RewardEvent.
func (s *Service) RewardFeed() *event.Feed {
	return s.rewardFeed
}

// CreatePool validates and persists a new pool in forming state with the
// creator as its leader.
func (s *Service) CreatePool(ctx context.Context, pool *types.Pool) (*types.Pool, error) {
	if pool.Creator == "" {
		return nil, types.ValidationErrorf("pool is missing a creator")
	}
	if pool.Name == "" {
		return nil, types.ValidationErrorf("pool is missing a name")
	}
	if pool.Config.RewardMethod == "" {
		pool.Config.RewardMethod = types.RewardEqual
	}
	if !types.ValidRewardMethod(pool.Config.RewardMethod) {
		return nil, types.ValidationErrorf("unknown reward method %q", pool.Config.RewardMethod)
	}
	now := timeutils.Now()
	if pool.ID == "" {
		pool.ID = uuid.New().String()
	}
	pool.Status = types.PoolForming
	pool.CreatedAt = now
	pool.UpdatedAt = now
	pool.Members = map[string]*types.PoolMember{
		pool.Creator: {
			NodeID:            pool.Creator,
			Role:              types.MemberLeader,
			Status:            types.MemberActive,
			JoinedAt:          now,
			ContributionScore: initialContribution,
			LastSync:          now,
		},
	}
	if err := s.cfg.Database.SavePool(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "could not persist pool")
	}
	poolsCreatedTotal.Inc()
	log.WithFields(logrus.Fields{
		"pool":    pool.ID,
		"name":    pool.Name,
		"creator": pool.Creator,
	}).Info("Pool created")
	return pool, nil
}

// RequestJoinPool files a pending membership request against a pool.
func (s *Service) RequestJoinPool(ctx context.Context, poolID, nodeID, message string) (*types.JoinRequest, error) {
	if nodeID == "" {
		return nil, types.ValidationErrorf("join request is missing a node id")
	}
	pool, err := s.pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status != types.PoolForming && pool.Status != types.PoolActive {
		return nil, types.PreconditionErrorf("pool %s is %s and takes no joins", poolID, pool.Status)
	}
	if pool.Member(nodeID) != nil {
		return nil, types.PreconditionErrorf("node %s is already a member of pool %s", nodeID, poolID)
	}
	if len(pool.Members) >= params.MirageConfig().MaxPoolSize {
		return nil, types.PreconditionErrorf("pool %s is full", poolID)
	}
	pending, err := s.cfg.Database.JoinRequests(ctx, filters.NewFilter().
		SetPoolID(poolID).SetNodeID(nodeID).SetStatus(string(types.JoinPending)))
	if err != nil {
		return nil, errors.Wrap(err, "could not list join requests")
	}
	if len(pending) > 0 {
		return nil, types.PreconditionErrorf("node %s already has a pending request for pool %s", nodeID, poolID)
	}
	req := &types.JoinRequest{
		ID:        uuid.New().String(),
		PoolID:    poolID,
		NodeID:    nodeID,
		Message:   message,
		Status:    types.JoinPending,
		CreatedAt: timeutils.Now(),
	}
	if err := s.cfg.Database.SaveJoinRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "could not persist join request")
	}
	return req, nil
}

// ApproveJoinRequest admits the requesting node into the pool. Only the
// leader or a co-leader may approve; a forming pool reaching the minimum
// size activates.
func (s *Service) ApproveJoinRequest(ctx context.Context, requestID, approver string) (*types.Pool, error) {
	req, pool, err := s.decidableRequest(ctx, requestID, approver)
	if err != nil {
		return nil, err
	}
	if len(pool.Members) >= params.MirageConfig().MaxPoolSize {
		return nil, types.PreconditionErrorf("pool %s is full", pool.ID)
	}
	now := timeutils.Now()
	pool.Members[req.NodeID] = &types.PoolMember{
		NodeID:            req.NodeID,
		Role:              types.MemberRegular,
		Status:            types.MemberActive,
		JoinedAt:          now,
		ContributionScore: initialContribution,
		LastSync:          now,
	}
	if pool.Status == types.PoolForming && len(pool.Members) >= params.MirageConfig().MinPoolSize {
		pool.Status = types.PoolActive
		log.WithField("pool", pool.ID).Info("Pool reached minimum size and activated")
	}
	pool.UpdatedAt = now
	req.Status = types.JoinApproved
	req.DecidedBy = approver
	req.DecidedAt = now
	if err := s.cfg.Database.SavePool(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "could not persist pool")
	}
	if err := s.cfg.Database.SaveJoinRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "could not persist join request")
	}
	log.WithFields(logrus.Fields{
		"pool":     pool.ID,
		"node":     req.NodeID,
		"approver": approver,
	}).Info("Join request approved")
	return pool, nil
}

// DenyJoinRequest refuses a pending membership request. Only the leader or
// a co-leader may deny.
func (s *Service) DenyJoinRequest(ctx context.Context, requestID, approver string) (*types.JoinRequest, error) {
	req, _, err := s.decidableRequest(ctx, requestID, approver)
	if err != nil {
		return nil, err
	}
	req.Status = types.JoinDenied
	req.DecidedBy = approver
	req.DecidedAt = timeutils.Now()
	if err := s.cfg.Database.SaveJoinRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "could not persist join request")
	}
	return req, nil
}

// CancelJoinRequest withdraws the requester's own pending request.
func (s *Service) CancelJoinRequest(ctx context.Context, requestID, nodeID string) (*types.JoinRequest, error) {
	req, err := s.joinRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.NodeID != nodeID {
		return nil, types.PreconditionErrorf("request %s does not belong to node %s", requestID, nodeID)
	}
	if req.Status != types.JoinPending {
		return nil, types.PreconditionErrorf("request %s is already %s", requestID, req.Status)
	}
	req.Status = types.JoinCancelled
	req.DecidedBy = nodeID
	req.DecidedAt = timeutils.Now()
	if err := s.cfg.Database.SaveJoinRequest(ctx, req); err != nil {
		return nil, errors.Wrap(err, "could not persist join request")
	}
	return req, nil
}

// LeavePool removes a member. A departing leader is succeeded by a
// co-leader, else by the active member with the highest contribution score;
// with nobody left to lead, or with an activated pool falling under the
// minimum size, the pool disbands.
func (s *Service) LeavePool(ctx context.Context, poolID, nodeID string) (*types.Pool, error) {
	pool, err := s.pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == types.PoolDisbanded {
		return nil, types.PreconditionErrorf("pool %s is disbanded", poolID)
	}
	member := pool.Member(nodeID)
	if member == nil {
		return nil, types.PreconditionErrorf("node %s is not a member of pool %s", nodeID, poolID)
	}
	wasLeader := member.Role == types.MemberLeader
	delete(pool.Members, nodeID)
	pool.UpdatedAt = timeutils.Now()

	if wasLeader && len(pool.Members) > 0 {
		if successor := s.electLeader(pool); successor != nil {
			successor.Role = types.MemberLeader
			log.WithFields(logrus.Fields{
				"pool":   poolID,
				"leader": successor.NodeID,
			}).Info("Pool leadership transferred")
		} else {
			s.disband(pool, "no successor for the departing leader")
		}
	}
	if pool.Status != types.PoolDisbanded {
		switch {
		case len(pool.Members) == 0:
			s.disband(pool, "last member left")
		case pool.Status != types.PoolForming && len(pool.Members) < params.MirageConfig().MinPoolSize:
			s.disband(pool, "membership fell under the minimum size")
		}
	}
	if err := s.cfg.Database.SavePool(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "could not persist pool")
	}
	return pool, nil
}

// SyncWorkCredits books contributed credits against pool members and
// refreshes their sync instants. The whole batch is validated before any of
// it is applied.
func (s *Service) SyncWorkCredits(ctx context.Context, poolID string, credits map[string]float64) (*types.Pool, error) {
	if len(credits) == 0 {
		return nil, types.ValidationErrorf("credit sync carries no amounts")
	}
	pool, err := s.pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == types.PoolDisbanded {
		return nil, types.PreconditionErrorf("pool %s is disbanded", poolID)
	}
	for nodeID, amount := range credits {
		if pool.Member(nodeID) == nil {
			return nil, types.ValidationErrorf("node %s is not a member of pool %s", nodeID, poolID)
		}
		if amount < 0 {
			return nil, types.ValidationErrorf("negative credit amount for node %s", nodeID)
		}
	}
	now := timeutils.Now()
	for nodeID, amount := range credits {
		member := pool.Members[nodeID]
		member.CreditsContributed += amount
		member.LastSync = now
		if member.Status == types.MemberDegraded || member.Status == types.MemberSyncing {
			member.Status = types.MemberActive
		}
		pool.TotalWorkCredits += amount
	}
	pool.UpdatedAt = now
	if err := s.cfg.Database.SavePool(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "could not persist pool")
	}
	if err := s.recordOperation(ctx, pool.ID, opKindCreditSync, credits, ""); err != nil {
		return nil, err
	}
	return pool, nil
}

// DistributeRewards splits the pool's pending rewards among its active
// members by the configured method and announces the split on the reward
// feed. Requires an active pool and a pending balance over the distribution
// threshold.
func (s *Service) DistributeRewards(ctx context.Context, poolID string) (*types.PoolSyncOperation, error) {
	pool, err := s.pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status != types.PoolActive {
		return nil, types.PreconditionErrorf("pool %s is %s, rewards distribute on active pools only", poolID, pool.Status)
	}
	threshold := params.MirageConfig().MinPendingDistribution
	if pool.RewardsPending < threshold {
		return nil, types.PreconditionErrorf("pool %s has %.2f pending, the distribution threshold is %.2f", poolID, pool.RewardsPending, threshold)
	}
	members := pool.ActiveMembers()
	if len(members) == 0 {
		return nil, types.PreconditionErrorf("pool %s has no active members", poolID)
	}
	amount := pool.RewardsPending
	shares := splitRewards(pool.Config.RewardMethod, amount, members)
	now := timeutils.Now()
	for nodeID, share := range shares {
		pool.Members[nodeID].RewardsEarned += share
	}
	pool.RewardsDistributed += amount
	pool.RewardsPending = 0
	pool.LastDistribution = now
	pool.UpdatedAt = now
	if err := s.cfg.Database.SavePool(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "could not persist pool")
	}
	op := &types.PoolSyncOperation{
		ID:        uuid.New().String(),
		PoolID:    pool.ID,
		Kind:      opKindRewardDistribution,
		Amounts:   shares,
		CreatedAt: now,
	}
	if err := s.cfg.Database.SavePoolSyncOperation(ctx, op); err != nil {
		return nil, errors.Wrap(err, "could not persist sync operation")
	}
	s.replicate(ctx, pool.ID, opKindRewardDistribution, shares)
	rewardsDistributedTotal.Add(amount)
	s.rewardFeed.Send(&types.RewardEvent{
		PoolID:  pool.ID,
		Method:  pool.Config.RewardMethod,
		Amounts: shares,
		At:      now,
	})
	log.WithFields(logrus.Fields{
		"pool":    pool.ID,
		"method":  pool.Config.RewardMethod,
		"amount":  amount,
		"members": len(shares),
	}).Info("Rewards distributed")
	return op, nil
}

// CreditRewards books earned value against the pool's pending balance for a
// later distribution.
func (s *Service) CreditRewards(ctx context.Context, poolID string, amount float64) (*types.Pool, error) {
	if amount <= 0 {
		return nil, types.ValidationErrorf("reward amount must be positive")
	}
	pool, err := s.pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == types.PoolDisbanded {
		return nil, types.PreconditionErrorf("pool %s is disbanded", poolID)
	}
	pool.RewardsPending += amount
	pool.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SavePool(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "could not persist pool")
	}
	return pool, nil
}

// SetMemberRole reassigns a member's role. Only the leader may do so.
// Assigning the leader role transfers leadership and demotes the current
// leader to co-leader, so exactly one leader stands at any time.
func (s *Service) SetMemberRole(ctx context.Context, poolID, actor, nodeID string, role types.PoolMemberRole) (*types.Pool, error) {
	switch role {
	case types.MemberLeader, types.MemberCoLeader, types.MemberRegular, types.MemberObserver:
	default:
		return nil, types.ValidationErrorf("unknown member role %q", role)
	}
	pool, err := s.pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == types.PoolDisbanded {
		return nil, types.PreconditionErrorf("pool %s is disbanded", poolID)
	}
	leader := pool.Leader()
	if leader == nil || leader.NodeID != actor {
		return nil, types.PreconditionErrorf("node %s is not the leader of pool %s", actor, poolID)
	}
	member := pool.Member(nodeID)
	if member == nil {
		return nil, types.PreconditionErrorf("node %s is not a member of pool %s", nodeID, poolID)
	}
	if nodeID == leader.NodeID && role != types.MemberLeader {
		return nil, types.PreconditionErrorf("the leader of pool %s must transfer leadership before taking another role", poolID)
	}
	if role == types.MemberLeader && nodeID != leader.NodeID {
		leader.Role = types.MemberCoLeader
		log.WithFields(logrus.Fields{
			"pool":   poolID,
			"leader": nodeID,
		}).Info("Pool leadership transferred")
	}
	member.Role = role
	pool.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SavePool(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "could not persist pool")
	}
	return pool, nil
}

// GetPool returns a pool by id.
func (s *Service) GetPool(ctx context.Context, poolID string) (*types.Pool, error) {
	return s.pool(ctx, poolID)
}

// ListPools returns the pools matching the filter criteria.
func (s *Service) ListPools(ctx context.Context, f *filters.QueryFilter) ([]*types.Pool, error) {
	return s.cfg.Database.Pools(ctx, f)
}

// GetJoinRequests returns the join requests matching the filter criteria.
func (s *Service) GetJoinRequests(ctx context.Context, f *filters.QueryFilter) ([]*types.JoinRequest, error) {
	return s.cfg.Database.JoinRequests(ctx, f)
}

// GetSyncOperations returns a pool's recorded operations in order.
func (s *Service) GetSyncOperations(ctx context.Context, poolID string) ([]*types.PoolSyncOperation, error) {
	return s.cfg.Database.PoolSyncOperations(ctx, poolID)
}

func (s *Service) pool(ctx context.Context, poolID string) (*types.Pool, error) {
	pool, err := s.cfg.Database.Pool(ctx, poolID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch pool")
	}
	if pool == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "pool %s", poolID)
	}
	return pool, nil
}

func (s *Service) joinRequest(ctx context.Context, requestID string) (*types.JoinRequest, error) {
	req, err := s.cfg.Database.JoinRequest(ctx, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch join request")
	}
	if req == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "join request %s", requestID)
	}
	return req, nil
}

// decidableRequest loads a pending request and its pool, and checks the
// decider holds pool authority.
func (s *Service) decidableRequest(ctx context.Context, requestID, decider string) (*types.JoinRequest, *types.Pool, error) {
	req, err := s.joinRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status != types.JoinPending {
		return nil, nil, types.PreconditionErrorf("request %s is already %s", requestID, req.Status)
	}
	pool, err := s.pool(ctx, req.PoolID)
	if err != nil {
		return nil, nil, err
	}
	decidingMember := pool.Member(decider)
	if decidingMember == nil || (decidingMember.Role != types.MemberLeader && decidingMember.Role != types.MemberCoLeader) {
		return nil, nil, types.PreconditionErrorf("node %s holds no authority over pool %s", decider, req.PoolID)
	}
	return req, pool, nil
}

// electLeader picks the successor for a departed leader: any co-leader
// first, then the active member with the highest contribution score.
// Node id breaks ties so the election is deterministic.
func (s *Service) electLeader(pool *types.Pool) *types.PoolMember {
	var candidates []*types.PoolMember
	for _, m := range pool.Members {
		if m.Role == types.MemberCoLeader {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		for _, m := range pool.ActiveMembers() {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ContributionScore != candidates[j].ContributionScore {
			return candidates[i].ContributionScore > candidates[j].ContributionScore
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})
	return candidates[0]
}

func (s *Service) disband(pool *types.Pool, reason string) {
	pool.Status = types.PoolDisbanded
	poolsDisbandedTotal.Inc()
	log.WithFields(logrus.Fields{
		"pool":   pool.ID,
		"reason": reason,
	}).Info("Pool disbanded")
}

func (s *Service) recordOperation(ctx context.Context, poolID, kind string, amounts map[string]float64, actor string) error {
	op := &types.PoolSyncOperation{
		ID:        uuid.New().String(),
		PoolID:    poolID,
		Kind:      kind,
		Amounts:   amounts,
		Actor:     actor,
		CreatedAt: timeutils.Now(),
	}
	if err := s.cfg.Database.SavePoolSyncOperation(ctx, op); err != nil {
		return errors.Wrap(err, "could not persist sync operation")
	}
	s.replicate(ctx, poolID, kind, amounts)
	return nil
}

// replicate mirrors the mutation to the operator sync plane when one is
// wired. Replication failures are logged, not surfaced; the sync plane has
// its own retry machinery.
func (s *Service) replicate(ctx context.Context, poolID, kind string, payload map[string]float64) {
	if s.cfg.Replicator == nil {
		return
	}
	if err := s.cfg.Replicator.ReplicatePoolOperation(ctx, poolID, kind, payload); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"pool": poolID,
			"kind": kind,
		}).Warn("Could not replicate pool operation")
	}
}

// splitRewards computes each member's share of amount under the method.
// Zero-denominator weighted methods fall back to the equal split.
func splitRewards(method types.RewardMethod, amount float64, members []*types.PoolMember) map[string]float64 {
	shares := make(map[string]float64, len(members))
	var total float64
	switch method {
	case types.RewardContribution:
		for _, m := range members {
			total += m.ContributionScore
		}
		if total > 0 {
			for _, m := range members {
				shares[m.NodeID] = amount * m.ContributionScore / total
			}
			return shares
		}
	case types.RewardWorkCredit:
		for _, m := range members {
			total += m.CreditsContributed
		}
		if total > 0 {
			for _, m := range members {
				shares[m.NodeID] = amount * m.CreditsContributed / total
			}
			return shares
		}
	}
	per := amount / float64(len(members))
	for _, m := range members {
		shares[m.NodeID] = per
	}
	return shares
}

// healthSweep walks every standing pool, refreshing member standing and
// contribution scores, and flips pools between active and degraded as the
// share of degraded members crosses half.
func (s *Service) healthSweep() {
	ctx := s.ctx
	pools, err := s.cfg.Database.Pools(ctx, nil)
	if err != nil {
		log.WithError(err).Error("Could not list pools for the health sweep")
		return
	}
	active := 0
	for _, pool := range pools {
		if pool.Status == types.PoolDisbanded || pool.Status == types.PoolForming {
			continue
		}
		s.refreshPoolHealth(ctx, pool)
		if pool.Status == types.PoolActive || pool.Status == types.PoolDegraded {
			active++
		}
		if err := s.cfg.Database.SavePool(ctx, pool); err != nil {
			log.WithError(err).WithField("pool", pool.ID).Error("Could not persist pool health")
		}
	}
	activePoolsGauge.Set(float64(active))
}

func (s *Service) refreshPoolHealth(ctx context.Context, pool *types.Pool) {
	now := timeutils.Now()
	staleAfter := time.Duration(params.MirageConfig().PoolSyncStaleAfter) * time.Second
	degraded := 0
	for _, member := range pool.Members {
		s.refreshContribution(ctx, member, now, staleAfter)
		switch member.Status {
		case types.MemberActive, types.MemberSyncing, types.MemberDegraded:
			healthy := now.Sub(member.LastSync) <= staleAfter &&
				member.ContributionScore >= params.MirageConfig().MinMemberContribution
			if healthy {
				if member.Status == types.MemberDegraded {
					member.Status = types.MemberActive
				}
			} else {
				member.Status = types.MemberDegraded
				degraded++
			}
		}
	}
	switch {
	case pool.Status == types.PoolActive && degraded*2 > len(pool.Members):
		pool.Status = types.PoolDegraded
		log.WithField("pool", pool.ID).Warn("Pool degraded, over half its members are unhealthy")
	case pool.Status == types.PoolDegraded && degraded*2 <= len(pool.Members):
		pool.Status = types.PoolActive
		log.WithField("pool", pool.ID).Info("Pool recovered")
	}
	pool.UpdatedAt = now
}

// refreshContribution decays the score of members that stopped syncing and
// grows it with recent credits for those that keep up, clamped to [0, 100].
func (s *Service) refreshContribution(ctx context.Context, member *types.PoolMember, now time.Time, staleAfter time.Duration) {
	cfg := params.MirageConfig()
	if now.Sub(member.LastSync) > staleAfter {
		member.ContributionScore *= cfg.ContributionDecayFactor
	} else if s.cfg.Credits != nil {
		recent, err := s.cfg.Credits.CalculateWorkCredits(ctx, member.NodeID, contributionCreditWindowDays)
		if err != nil {
			log.WithError(err).WithField("nodeID", member.NodeID).Warn("Could not compute windowed credits")
		} else {
			member.ContributionScore += cfg.ContributionGrowthFactor * recent
		}
	}
	if member.ContributionScore > 100 {
		member.ContributionScore = 100
	}
	if member.ContributionScore < 0 {
		member.ContributionScore = 0
	}
}

// distributionSweep distributes for every active pool whose pending balance
// crossed the threshold.
func (s *Service) distributionSweep() {
	ctx := s.ctx
	pools, err := s.cfg.Database.Pools(ctx, filters.NewFilter().SetStatus(string(types.PoolActive)))
	if err != nil {
		log.WithError(err).Error("Could not list pools for the distribution sweep")
		return
	}
	for _, pool := range pools {
		if pool.RewardsPending < params.MirageConfig().MinPendingDistribution {
			continue
		}
		if _, err := s.DistributeRewards(ctx, pool.ID); err != nil {
			log.WithError(err).WithField("pool", pool.ID).Error("Could not distribute rewards")
		}
	}
}
