package pools

import (
	"context"
	"testing"
	"time"

	dbtest "github.com/miragelabs/mirage/coordinator/db/testing"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
	"github.com/miragelabs/mirage/shared/timeutils"
)

type fakeCredits struct {
	credits map[string]float64
}

func (f *fakeCredits) CalculateWorkCredits(_ context.Context, entityID string, _ uint64) (float64, error) {
	return f.credits[entityID], nil
}

type recordingReplicator struct {
	kinds []string
}

func (r *recordingReplicator) ReplicatePoolOperation(_ context.Context, _ string, kind string, _ map[string]float64) error {
	r.kinds = append(r.kinds, kind)
	return nil
}

func setupService(t *testing.T, cfg *Config) *Service {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Database == nil {
		cfg.Database = dbtest.SetupDB(t)
	}
	if cfg.Credits == nil {
		cfg.Credits = &fakeCredits{}
	}
	svc := NewService(context.Background(), cfg)
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})
	return svc
}

func newPool(t *testing.T, svc *Service, creator string) *types.Pool {
	pool, err := svc.CreatePool(context.Background(), &types.Pool{
		Name:    "relay-coop",
		Creator: creator,
	})
	require.NoError(t, err)
	return pool
}

func admit(t *testing.T, svc *Service, poolID, approver string, nodes ...string) {
	ctx := context.Background()
	for _, node := range nodes {
		req, err := svc.RequestJoinPool(ctx, poolID, node, "")
		require.NoError(t, err)
		_, err = svc.ApproveJoinRequest(ctx, req.ID, approver)
		require.NoError(t, err)
	}
}

// activePool builds a pool at exactly the minimum size.
func activePool(t *testing.T, svc *Service, creator string, members ...string) *types.Pool {
	pool := newPool(t, svc, creator)
	admit(t, svc, pool.ID, creator, members...)
	got, err := svc.GetPool(context.Background(), pool.ID)
	require.NoError(t, err)
	require.Equal(t, types.PoolActive, got.Status)
	return got
}

func TestCreatePool(t *testing.T) {
	svc := setupService(t, nil)

	pool := newPool(t, svc, "node-a")
	assert.Equal(t, types.PoolForming, pool.Status)
	assert.Equal(t, types.RewardEqual, pool.Config.RewardMethod, "reward method defaults to equal")
	require.Equal(t, 1, len(pool.Members))
	leader := pool.Leader()
	require.NotNil(t, leader)
	assert.Equal(t, "node-a", leader.NodeID)
	assert.Equal(t, types.MemberActive, leader.Status)
	assert.Equal(t, initialContribution, leader.ContributionScore)
}

func TestCreatePool_Validation(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	_, err := svc.CreatePool(ctx, &types.Pool{Name: "nameless"})
	assert.Equal(t, true, types.IsValidation(err), "missing creator must be rejected")
	_, err = svc.CreatePool(ctx, &types.Pool{Creator: "node-a"})
	assert.Equal(t, true, types.IsValidation(err), "missing name must be rejected")
	_, err = svc.CreatePool(ctx, &types.Pool{
		Creator: "node-a", Name: "p",
		Config: types.PoolConfig{RewardMethod: "bogus"},
	})
	assert.Equal(t, true, types.IsValidation(err), "unknown reward method must be rejected")
}

func TestJoinFlow_ActivatesAtMinSize(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := newPool(t, svc, "node-a")
	admit(t, svc, pool.ID, "node-a", "node-b")
	formed, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PoolForming, formed.Status, "two members stay under the minimum")

	admit(t, svc, pool.ID, "node-a", "node-c")
	activated, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PoolActive, activated.Status)
	assert.Equal(t, types.MemberRegular, activated.Member("node-c").Role)
}

func TestRequestJoinPool_Rejections(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := newPool(t, svc, "node-a")
	_, err := svc.RequestJoinPool(ctx, pool.ID, "node-a", "")
	assert.Equal(t, true, types.IsPrecondition(err), "members do not re-join")

	_, err = svc.RequestJoinPool(ctx, pool.ID, "node-b", "")
	require.NoError(t, err)
	_, err = svc.RequestJoinPool(ctx, pool.ID, "node-b", "")
	assert.Equal(t, true, types.IsPrecondition(err), "one pending request per node")

	_, err = svc.RequestJoinPool(ctx, "no-such-pool", "node-b", "")
	assert.ErrorContains(t, "not found", err)
}

func TestRequestJoinPool_FullPool(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.MirageConfig().Copy()
	cfg.MaxPoolSize = 2
	params.OverrideMirageConfig(cfg)
	svc := setupService(t, nil)

	pool := newPool(t, svc, "node-a")
	admit(t, svc, pool.ID, "node-a", "node-b")
	_, err := svc.RequestJoinPool(context.Background(), pool.ID, "node-c", "")
	assert.Equal(t, true, types.IsPrecondition(err))
}

func TestJoinRequest_Decisions(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := newPool(t, svc, "node-a")
	req, err := svc.RequestJoinPool(ctx, pool.ID, "node-b", "let me in")
	require.NoError(t, err)

	_, err = svc.ApproveJoinRequest(ctx, req.ID, "node-b")
	assert.Equal(t, true, types.IsPrecondition(err), "only pool authority decides")

	denied, err := svc.DenyJoinRequest(ctx, req.ID, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.JoinDenied, denied.Status)
	assert.Equal(t, "node-a", denied.DecidedBy)

	_, err = svc.ApproveJoinRequest(ctx, req.ID, "node-a")
	assert.Equal(t, true, types.IsPrecondition(err), "decided requests stay decided")

	// A denied node may file again, and may withdraw its own request.
	again, err := svc.RequestJoinPool(ctx, pool.ID, "node-b", "")
	require.NoError(t, err)
	_, err = svc.CancelJoinRequest(ctx, again.ID, "node-c")
	assert.Equal(t, true, types.IsPrecondition(err), "only the requester withdraws")
	cancelled, err := svc.CancelJoinRequest(ctx, again.ID, "node-b")
	require.NoError(t, err)
	assert.Equal(t, types.JoinCancelled, cancelled.Status)
}

func TestSetMemberRole(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	promoted, err := svc.SetMemberRole(ctx, pool.ID, "node-a", "node-b", types.MemberCoLeader)
	require.NoError(t, err)
	assert.Equal(t, types.MemberCoLeader, promoted.Member("node-b").Role)

	_, err = svc.SetMemberRole(ctx, pool.ID, "node-c", "node-b", types.MemberRegular)
	assert.Equal(t, true, types.IsPrecondition(err), "only the leader assigns roles")
	_, err = svc.SetMemberRole(ctx, pool.ID, "node-a", "node-a", types.MemberRegular)
	assert.Equal(t, true, types.IsPrecondition(err), "the leader cannot abdicate without transfer")

	// Transferring leadership demotes the old leader to co-leader.
	transferred, err := svc.SetMemberRole(ctx, pool.ID, "node-a", "node-c", types.MemberLeader)
	require.NoError(t, err)
	assert.Equal(t, types.MemberLeader, transferred.Member("node-c").Role)
	assert.Equal(t, types.MemberCoLeader, transferred.Member("node-a").Role)
	leaders := 0
	for _, m := range transferred.Members {
		if m.Role == types.MemberLeader {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestLeavePool_CoLeaderSucceeds(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	admit(t, svc, pool.ID, "node-a", "node-d")
	_, err := svc.SetMemberRole(ctx, pool.ID, "node-a", "node-b", types.MemberCoLeader)
	require.NoError(t, err)

	left, err := svc.LeavePool(ctx, pool.ID, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.PoolActive, left.Status)
	require.NotNil(t, left.Leader())
	assert.Equal(t, "node-b", left.Leader().NodeID)
	assert.Equal(t, 3, len(left.Members))
}

func TestLeavePool_HighestContributionSucceeds(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	admit(t, svc, pool.ID, "node-a", "node-d")
	stored, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	stored.Members["node-b"].ContributionScore = 20
	stored.Members["node-c"].ContributionScore = 80
	stored.Members["node-d"].ContributionScore = 80
	require.NoError(t, svc.cfg.Database.SavePool(ctx, stored))

	left, err := svc.LeavePool(ctx, pool.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, left.Leader())
	assert.Equal(t, "node-c", left.Leader().NodeID, "contribution first, node id breaks the tie")
}

func TestLeavePool_UnderMinDisbands(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	left, err := svc.LeavePool(ctx, pool.ID, "node-c")
	require.NoError(t, err)
	assert.Equal(t, types.PoolDisbanded, left.Status)

	_, err = svc.LeavePool(ctx, pool.ID, "node-b")
	assert.Equal(t, true, types.IsPrecondition(err), "disbanded pools take no leaves")
}

func TestLeavePool_FormingShrinksWithoutDisbanding(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := newPool(t, svc, "node-a")
	admit(t, svc, pool.ID, "node-a", "node-b")

	left, err := svc.LeavePool(ctx, pool.ID, "node-b")
	require.NoError(t, err)
	assert.Equal(t, types.PoolForming, left.Status, "a recruiting pool survives departures")

	// The creator leaving empties the pool, which does disband it.
	left, err = svc.LeavePool(ctx, pool.ID, "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.PoolDisbanded, left.Status)
}

func TestLeavePool_NonMember(t *testing.T) {
	svc := setupService(t, nil)

	pool := newPool(t, svc, "node-a")
	_, err := svc.LeavePool(context.Background(), pool.ID, "node-x")
	assert.Equal(t, true, types.IsPrecondition(err))
}

func TestSyncWorkCredits(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	stored, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	stored.Members["node-b"].Status = types.MemberDegraded
	require.NoError(t, svc.cfg.Database.SavePool(ctx, stored))

	synced, err := svc.SyncWorkCredits(ctx, pool.ID, map[string]float64{
		"node-a": 10,
		"node-b": 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 15.0, synced.TotalWorkCredits)
	assert.Equal(t, 10.0, synced.Member("node-a").CreditsContributed)
	assert.Equal(t, types.MemberActive, synced.Member("node-b").Status, "a syncing member is no longer degraded")

	ops, err := svc.GetSyncOperations(ctx, pool.ID)
	require.NoError(t, err)
	require.Equal(t, 1, len(ops))
	assert.Equal(t, opKindCreditSync, ops[0].Kind)
}

func TestSyncWorkCredits_AtomicValidation(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	_, err := svc.SyncWorkCredits(ctx, pool.ID, map[string]float64{
		"node-a": 10,
		"node-x": 5,
	})
	assert.Equal(t, true, types.IsValidation(err), "unknown members fail the batch")
	_, err = svc.SyncWorkCredits(ctx, pool.ID, map[string]float64{"node-a": -1})
	assert.Equal(t, true, types.IsValidation(err), "negative amounts fail the batch")

	unchanged, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, unchanged.TotalWorkCredits, "a failed batch applies nothing")
}

func TestDistributeRewards_Equal(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	_, err := svc.CreditRewards(ctx, pool.ID, 30)
	require.NoError(t, err)

	events := make(chan *types.RewardEvent, 1)
	sub := svc.RewardFeed().Subscribe(events)
	defer sub.Unsubscribe()

	op, err := svc.DistributeRewards(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, opKindRewardDistribution, op.Kind)
	assert.Equal(t, 10.0, op.Amounts["node-a"])
	assert.Equal(t, 10.0, op.Amounts["node-b"])
	assert.Equal(t, 10.0, op.Amounts["node-c"])

	settled, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, settled.RewardsPending)
	assert.Equal(t, 30.0, settled.RewardsDistributed)
	assert.Equal(t, 10.0, settled.Member("node-b").RewardsEarned)

	select {
	case ev := <-events:
		assert.Equal(t, pool.ID, ev.PoolID)
		assert.Equal(t, 10.0, ev.Amounts["node-c"])
	case <-time.After(time.Second):
		t.Fatal("no reward event announced")
	}
}

func TestDistributeRewards_ContributionWeighted(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := newPool(t, svc, "node-a")
	admit(t, svc, pool.ID, "node-a", "node-b", "node-c")
	stored, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	stored.Config.RewardMethod = types.RewardContribution
	stored.Members["node-a"].ContributionScore = 60
	stored.Members["node-b"].ContributionScore = 40
	stored.Members["node-c"].ContributionScore = 0
	require.NoError(t, svc.cfg.Database.SavePool(ctx, stored))
	_, err = svc.CreditRewards(ctx, pool.ID, 20)
	require.NoError(t, err)

	op, err := svc.DistributeRewards(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.0, op.Amounts["node-a"])
	assert.Equal(t, 8.0, op.Amounts["node-b"])
	assert.Equal(t, 0.0, op.Amounts["node-c"])
}

func TestDistributeRewards_ZeroDenominatorFallsBack(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := newPool(t, svc, "node-a")
	admit(t, svc, pool.ID, "node-a", "node-b", "node-c")
	stored, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	stored.Config.RewardMethod = types.RewardWorkCredit
	require.NoError(t, svc.cfg.Database.SavePool(ctx, stored))
	_, err = svc.CreditRewards(ctx, pool.ID, 30)
	require.NoError(t, err)

	// Nobody contributed credits yet, so the split degrades to equal.
	op, err := svc.DistributeRewards(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, op.Amounts["node-a"])
	assert.Equal(t, 10.0, op.Amounts["node-b"])
}

func TestDistributeRewards_Preconditions(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	forming := newPool(t, svc, "node-a")
	_, err := svc.CreditRewards(ctx, forming.ID, 5)
	require.NoError(t, err)
	_, err = svc.DistributeRewards(ctx, forming.ID)
	assert.Equal(t, true, types.IsPrecondition(err), "forming pools do not distribute")

	pool := activePool(t, svc, "node-b", "node-c", "node-d")
	_, err = svc.DistributeRewards(ctx, pool.ID)
	assert.Equal(t, true, types.IsPrecondition(err), "nothing pending")

	_, err = svc.CreditRewards(ctx, pool.ID, 0)
	assert.Equal(t, true, types.IsValidation(err), "zero reward credits are rejected")
}

func TestReplicatorReceivesOperations(t *testing.T) {
	replicator := &recordingReplicator{}
	svc := setupService(t, &Config{Replicator: replicator})
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	_, err := svc.SyncWorkCredits(ctx, pool.ID, map[string]float64{"node-a": 3})
	require.NoError(t, err)
	_, err = svc.CreditRewards(ctx, pool.ID, 10)
	require.NoError(t, err)
	_, err = svc.DistributeRewards(ctx, pool.ID)
	require.NoError(t, err)

	require.Equal(t, 2, len(replicator.kinds))
	assert.Equal(t, opKindCreditSync, replicator.kinds[0])
	assert.Equal(t, opKindRewardDistribution, replicator.kinds[1])
}

func TestHealthSweep_DegradesAndRecovers(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	stale := timeutils.Now().Add(-time.Duration(params.MirageConfig().PoolSyncStaleAfter+60) * time.Second)
	stored, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	stored.Members["node-b"].LastSync = stale
	stored.Members["node-c"].ContributionScore = params.MirageConfig().MinMemberContribution - 1
	require.NoError(t, svc.cfg.Database.SavePool(ctx, stored))

	svc.healthSweep()
	degraded, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MemberDegraded, degraded.Member("node-b").Status)
	assert.Equal(t, types.MemberDegraded, degraded.Member("node-c").Status)
	assert.Equal(t, types.PoolDegraded, degraded.Status, "over half the members are unhealthy")

	// Fresh syncs and a restored score heal the members and the pool.
	degraded.Members["node-b"].LastSync = timeutils.Now()
	degraded.Members["node-c"].ContributionScore = 50
	require.NoError(t, svc.cfg.Database.SavePool(ctx, degraded))
	svc.healthSweep()
	recovered, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, types.MemberActive, recovered.Member("node-b").Status)
	assert.Equal(t, types.PoolActive, recovered.Status)
}

func TestHealthSweep_ContributionScores(t *testing.T) {
	credits := &fakeCredits{credits: map[string]float64{
		"node-a": 500,
		"node-b": 200,
	}}
	svc := setupService(t, &Config{Credits: credits})
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	stale := timeutils.Now().Add(-time.Duration(params.MirageConfig().PoolSyncStaleAfter+60) * time.Second)
	stored, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	stored.Members["node-a"].ContributionScore = 98
	stored.Members["node-c"].LastSync = stale
	require.NoError(t, svc.cfg.Database.SavePool(ctx, stored))

	svc.healthSweep()
	swept, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	cfg := params.MirageConfig()
	assert.Equal(t, 100.0, swept.Member("node-a").ContributionScore, "growth clamps at 100")
	assert.Equal(t, initialContribution+cfg.ContributionGrowthFactor*200, swept.Member("node-b").ContributionScore)
	assert.Equal(t, initialContribution*cfg.ContributionDecayFactor, swept.Member("node-c").ContributionScore)
}

func TestDistributionSweep(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	pool := activePool(t, svc, "node-a", "node-b", "node-c")
	_, err := svc.CreditRewards(ctx, pool.ID, 9)
	require.NoError(t, err)
	below := activePool(t, svc, "node-d", "node-e", "node-f")
	_, err = svc.CreditRewards(ctx, below.ID, params.MirageConfig().MinPendingDistribution/2)
	require.NoError(t, err)

	svc.distributionSweep()

	settled, err := svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, settled.RewardsPending)
	untouched, err := svc.GetPool(ctx, below.ID)
	require.NoError(t, err)
	assert.Equal(t, params.MirageConfig().MinPendingDistribution/2, untouched.RewardsPending)
}

func TestListPoolsAndRequestsByFilter(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	active := activePool(t, svc, "node-a", "node-b", "node-c")
	newPool(t, svc, "node-z")

	actives, err := svc.ListPools(ctx, filters.NewFilter().SetStatus(string(types.PoolActive)))
	require.NoError(t, err)
	require.Equal(t, 1, len(actives))
	assert.Equal(t, active.ID, actives[0].ID)

	mine, err := svc.ListPools(ctx, filters.NewFilter().SetNodeID("node-b"))
	require.NoError(t, err)
	assert.Equal(t, 1, len(mine))

	_, err = svc.RequestJoinPool(ctx, active.ID, "node-x", "")
	require.NoError(t, err)
	pending, err := svc.GetJoinRequests(ctx, filters.NewFilter().
		SetPoolID(active.ID).SetStatus(string(types.JoinPending)))
	require.NoError(t, err)
	assert.Equal(t, 1, len(pending))
}
