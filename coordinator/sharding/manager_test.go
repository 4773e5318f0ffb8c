package sharding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/overlay"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
	"github.com/miragelabs/mirage/shared/timeutils"
)

func healthyMetrics() *overlay.NodeMetrics {
	return &overlay.NodeMetrics{
		ResponseTimeMillis: 200,
		Uptime:             99,
		ErrorRate:          1,
		CPU:                50,
		Memory:             40,
		LatencyMillis:      20,
	}
}

// placeTrackedShard registers three hosts on distinct overlay prefixes,
// places a single chunk onto them and teaches the prober the true replica
// hash for every holder.
func placeTrackedShard(t *testing.T, svc *Service, directory *fakeDirectory, prober *fakeProber) (*types.Shard, []*types.ShardHost) {
	hosts := []*types.ShardHost{
		registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 90),
		registerHost(t, svc, directory, "host-b", "prefixbb-b.onion", 1<<30, 80),
		registerHost(t, svc, directory, "host-c", "prefixcc-c.onion", 1<<30, 70),
	}
	shards, err := svc.PlaceSessionShards(context.Background(), "session-1", []Chunk{
		{Hash: "0xfeed", Size: 256},
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(shards))
	for _, host := range hosts {
		prober.hashes[replicaKey(host.Endpoint(), shards[0].ID)] = shards[0].DataHash
	}
	return shards[0], hosts
}

func TestHealthSweep_ScoresAndDegrades(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	hostA := registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 0)
	hostB := registerHost(t, svc, directory, "host-b", "prefixbb-b.onion", 1<<30, 0)
	good := healthyMetrics()
	hot := healthyMetrics()
	hot.CPU = 95
	prober.metrics[hostA.Endpoint()] = good
	prober.metrics[hostB.Endpoint()] = hot

	svc.healthSweep()

	checked, err := svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, types.HostAvailable, checked.Status)
	assert.Equal(t, performanceScore(good), checked.PerformanceScore)
	assert.Equal(t, false, checked.LastHealthCheck.IsZero())
	degraded, err := svc.GetHost(ctx, "host-b")
	require.NoError(t, err)
	assert.Equal(t, types.HostDegraded, degraded.Status)
	assert.Equal(t, performanceScore(hot), degraded.PerformanceScore)

	history, err := svc.GetHostMetrics(ctx, "host-a", 0)
	require.NoError(t, err)
	require.Equal(t, 1, len(history))
	assert.Equal(t, 50.0, history[0].CPU)
	assert.Equal(t, 20*time.Millisecond, history[0].Latency)

	// The host recovers once its probe comes back inside the bounds.
	hot.CPU = 60
	svc.healthSweep()
	recovered, err := svc.GetHost(ctx, "host-b")
	require.NoError(t, err)
	assert.Equal(t, types.HostAvailable, recovered.Status)
}

func TestHealthSweep_OfflineTransitions(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	// host-a drops out of the directory, host-b stops answering probes.
	hostA := registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 0)
	registerHost(t, svc, directory, "host-b", "prefixbb-b.onion", 1<<30, 0)
	prober.metrics[hostA.Endpoint()] = healthyMetrics()
	delete(directory.peers, "host-a")

	svc.healthSweep()

	gone, err := svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, types.HostOffline, gone.Status)
	silent, err := svc.GetHost(ctx, "host-b")
	require.NoError(t, err)
	assert.Equal(t, types.HostOffline, silent.Status)
}

func TestHealthSweep_LeavesBusyHostsAlone(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 0)
	_, err := svc.SetHostStatus(ctx, "host-a", types.HostBusy)
	require.NoError(t, err)

	svc.healthSweep()

	host, err := svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, types.HostBusy, host.Status, "maintenance owns a busy host")
}

func TestIntegritySweep_FilesRepairOnMismatch(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	shard, hosts := placeTrackedShard(t, svc, directory, prober)
	prober.hashes[replicaKey(hosts[2].Endpoint(), shard.ID)] = "0xdead"

	svc.integritySweep()

	checks, err := svc.GetIntegrityChecks(ctx, shard.ID)
	require.NoError(t, err)
	require.Equal(t, 3, len(checks))
	failed := 0
	for _, check := range checks {
		assert.Equal(t, shard.DataHash, check.Expected)
		if !check.Passed {
			failed++
			assert.Equal(t, hosts[2].NodeID, check.HostID)
			assert.Equal(t, "0xdead", check.Actual)
		}
	}
	assert.Equal(t, 1, failed)

	flagged, err := svc.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ShardDegraded, flagged.Status)
	ops, err := svc.GetRepairOperations(ctx, filters.NewFilter().SetStatus(string(types.RepairPending)))
	require.NoError(t, err)
	require.Equal(t, 1, len(ops))
	assert.Equal(t, shard.ID, ops[0].ShardID)
	assert.Equal(t, hosts[2].NodeID, ops[0].FailedHost)

	// Checking the same replica again does not file a second repair.
	svc.verifyShardReplicas(ctx, flagged)
	ops, err = svc.GetRepairOperations(ctx, filters.NewFilter().SetStatus(string(types.RepairPending)))
	require.NoError(t, err)
	assert.Equal(t, 1, len(ops))
}

func TestIntegritySweep_SkipsUnreachableReplicas(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	shard, hosts := placeTrackedShard(t, svc, directory, prober)
	delete(prober.hashes, replicaKey(hosts[1].Endpoint(), shard.ID))

	svc.integritySweep()

	// The unreachable replica yields no verdict either way.
	checks, err := svc.GetIntegrityChecks(ctx, shard.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, len(checks))
	intact, err := svc.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ShardReady, intact.Status)
}

func TestRepairSweep_MovesReplicaOffFailedHost(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	shard, hosts := placeTrackedShard(t, svc, directory, prober)
	prober.hashes[replicaKey(hosts[2].Endpoint(), shard.ID)] = "0xdead"
	svc.integritySweep()
	registerHost(t, svc, directory, "host-d", "prefixdd-d.onion", 1<<30, 85)

	svc.repairSweep()

	ops, err := svc.GetRepairOperations(ctx, filters.NewFilter().SetStatus(string(types.RepairCompleted)))
	require.NoError(t, err)
	require.Equal(t, 1, len(ops))
	assert.Equal(t, "host-d", ops[0].NewHost)
	repaired, err := svc.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ShardReady, repaired.Status)
	assert.DeepEqual(t, []string{hosts[0].NodeID, hosts[1].NodeID, "host-d"}, repaired.AssignedHosts)
	assert.Equal(t, hosts[0].NodeID, repaired.Primary(), "repair must not move the primary")

	released, err := svc.GetHost(ctx, hosts[2].NodeID)
	require.NoError(t, err)
	assert.Equal(t, 0, len(released.AssignedShards))
	assert.Equal(t, uint64(0), released.Used)
	charged, err := svc.GetHost(ctx, "host-d")
	require.NoError(t, err)
	assert.Equal(t, true, charged.Holds(shard.ID))
	assert.Equal(t, shard.Size, charged.Used)
}

func TestRepairSweep_StaysPendingWithoutReplacement(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	shard, hosts := placeTrackedShard(t, svc, directory, prober)
	prober.hashes[replicaKey(hosts[2].Endpoint(), shard.ID)] = "0xdead"
	svc.integritySweep()

	// Every registered host already holds a replica.
	svc.repairSweep()
	ops, err := svc.GetRepairOperations(ctx, filters.NewFilter().SetStatus(string(types.RepairPending)))
	require.NoError(t, err)
	assert.Equal(t, 1, len(ops))

	// The next pass finds the newly registered host and completes.
	registerHost(t, svc, directory, "host-d", "prefixdd-d.onion", 1<<30, 85)
	svc.repairSweep()
	ops, err = svc.GetRepairOperations(ctx, filters.NewFilter().SetStatus(string(types.RepairCompleted)))
	require.NoError(t, err)
	require.Equal(t, 1, len(ops))
	assert.Equal(t, "host-d", ops[0].NewHost)
}

func TestRepairSweep_FailsWithoutHealthySource(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	shard, hosts := placeTrackedShard(t, svc, directory, prober)
	prober.hashes[replicaKey(hosts[2].Endpoint(), shard.ID)] = "0xdead"
	svc.integritySweep()
	for _, nodeID := range []string{hosts[0].NodeID, hosts[1].NodeID} {
		_, err := svc.SetHostStatus(ctx, nodeID, types.HostOffline)
		require.NoError(t, err)
	}
	registerHost(t, svc, directory, "host-d", "prefixdd-d.onion", 1<<30, 85)

	svc.repairSweep()

	ops, err := svc.GetRepairOperations(ctx, filters.NewFilter().SetStatus(string(types.RepairFailed)))
	require.NoError(t, err)
	require.Equal(t, 1, len(ops))
	assert.Equal(t, "no healthy replica to copy from", ops[0].Error)
	lost, err := svc.GetShard(ctx, shard.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ShardFailed, lost.Status)
}

func TestRepairSweep_SettlesStaleOperations(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	shard, _ := placeTrackedShard(t, svc, directory, prober)
	now := timeutils.Now()
	moved := &types.RepairOperation{
		ID: "op-moved", ShardID: shard.ID, FailedHost: "host-gone",
		Status: types.RepairPending, CreatedAt: now, UpdatedAt: now,
	}
	orphan := &types.RepairOperation{
		ID: "op-orphan", ShardID: "no-such-shard", FailedHost: "host-a",
		Status: types.RepairPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, svc.cfg.Database.SaveRepairOperation(ctx, moved))
	require.NoError(t, svc.cfg.Database.SaveRepairOperation(ctx, orphan))

	svc.repairSweep()

	completed, err := svc.GetRepairOperations(ctx, filters.NewFilter().SetStatus(string(types.RepairCompleted)))
	require.NoError(t, err)
	require.Equal(t, 1, len(completed))
	assert.Equal(t, "op-moved", completed[0].ID)
	failed, err := svc.GetRepairOperations(ctx, filters.NewFilter().SetStatus(string(types.RepairFailed)))
	require.NoError(t, err)
	require.Equal(t, 1, len(failed))
	assert.Equal(t, "shard no longer exists", failed[0].Error)
}

func TestMaintenanceSweep_OpensAndClosesWindows(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()

	registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 0)
	now := timeutils.Now()
	window, err := svc.ScheduleMaintenance(ctx, "host-a", "disk swap", now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)

	svc.maintenanceSweep()
	busy, err := svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, types.HostBusy, busy.Status)

	// Health probes leave the host to its window.
	svc.healthSweep()
	busy, err = svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, types.HostBusy, busy.Status)

	window.EndsAt = timeutils.Now().Add(-time.Second)
	require.NoError(t, svc.cfg.Database.SaveMaintenanceWindow(ctx, window))
	svc.maintenanceSweep()

	restored, err := svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, types.HostAvailable, restored.Status)
	windows, err := svc.GetMaintenanceWindows(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(windows))
	assert.Equal(t, true, windows[0].Completed)
}

func TestRebalanceSweep_MovesReplicasTowardTheAverage(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()
	now := timeutils.Now()

	// Load 10/9/0/1 over four hosts: average 5, high watermark 7.5, low
	// watermark 2.5. Host 1 carries nine movable replicas and one primary.
	shardIDs := make([]string, 0, 9)
	for i := 0; i < 9; i++ {
		shardIDs = append(shardIDs, fmt.Sprintf("shard-%d", i))
	}
	hostShards := map[string][]string{
		"host-1": append(append([]string{}, shardIDs...), "shard-primary"),
		"host-2": shardIDs,
		"host-3": {},
		"host-4": {"shard-solo"},
	}
	for i, nodeID := range []string{"host-1", "host-2", "host-3", "host-4"} {
		assigned := hostShards[nodeID]
		require.NoError(t, svc.cfg.Database.SaveShardHost(ctx, &types.ShardHost{
			NodeID:         nodeID,
			OverlayAddress: fmt.Sprintf("prefix%d%d-h.onion", i, i),
			Port:           9100,
			Status:         types.HostAvailable,
			Capacity:       1000,
			Used:           uint64(len(assigned)) * 10,
			AssignedShards: assigned,
		}))
	}
	for _, id := range shardIDs {
		require.NoError(t, svc.cfg.Database.SaveShard(ctx, &types.Shard{
			ID: id, SessionID: "session-r", DataHash: "0x" + id, Size: 10,
			Status: types.ShardReady, AssignedHosts: []string{"host-2", "host-1"},
			CreatedAt: now, UpdatedAt: now,
		}))
	}
	require.NoError(t, svc.cfg.Database.SaveShard(ctx, &types.Shard{
		ID: "shard-primary", SessionID: "session-r", DataHash: "0xp", Size: 10,
		Status: types.ShardReady, AssignedHosts: []string{"host-1"},
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, svc.cfg.Database.SaveShard(ctx, &types.Shard{
		ID: "shard-solo", SessionID: "session-r", DataHash: "0xs", Size: 10,
		Status: types.ShardReady, AssignedHosts: []string{"host-4"},
		CreatedAt: now, UpdatedAt: now,
	}))

	svc.rebalanceSweep()

	// RebalanceMaxMoves caps the sweep at five moves, all from the most
	// loaded host into the least loaded one.
	drained, err := svc.GetHost(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, 5, len(drained.AssignedShards))
	assert.Equal(t, uint64(50), drained.Used)
	assert.Equal(t, true, drained.Holds("shard-primary"), "primaries stay put")
	filled, err := svc.GetHost(ctx, "host-3")
	require.NoError(t, err)
	assert.Equal(t, 5, len(filled.AssignedShards))
	assert.Equal(t, uint64(50), filled.Used)
	untouched, err := svc.GetHost(ctx, "host-2")
	require.NoError(t, err)
	assert.Equal(t, 9, len(untouched.AssignedShards))

	for _, id := range filled.AssignedShards {
		shard, err := svc.GetShard(ctx, id)
		require.NoError(t, err)
		assert.DeepEqual(t, []string{"host-2", "host-3"}, shard.AssignedHosts)
		assert.Equal(t, types.ShardReady, shard.Status)
	}
}

func TestRebalanceSweep_SkipsBalancedFleets(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()
	now := timeutils.Now()

	for _, nodeID := range []string{"host-1", "host-2"} {
		require.NoError(t, svc.cfg.Database.SaveShardHost(ctx, &types.ShardHost{
			NodeID: nodeID, OverlayAddress: nodeID + ".onion", Port: 9100,
			Status: types.HostAvailable, Capacity: 1000, Used: 10,
			AssignedShards: []string{"shard-" + nodeID},
		}))
		require.NoError(t, svc.cfg.Database.SaveShard(ctx, &types.Shard{
			ID: "shard-" + nodeID, SessionID: "session-r", DataHash: "0x" + nodeID,
			Size: 10, Status: types.ShardReady, AssignedHosts: []string{nodeID},
			CreatedAt: now, UpdatedAt: now,
		}))
	}

	svc.rebalanceSweep()

	for _, nodeID := range []string{"host-1", "host-2"} {
		host, err := svc.GetHost(ctx, nodeID)
		require.NoError(t, err)
		assert.Equal(t, 1, len(host.AssignedShards))
	}
}

func TestOptimizeSweep_PurgesAgedRecords(t *testing.T) {
	directory := newFakeDirectory()
	prober := &fakeProber{metrics: map[string]*overlay.NodeMetrics{}, hashes: map[string]string{}}
	svc := setupService(t, &Config{Directory: directory, Overlay: prober})
	ctx := context.Background()
	now := timeutils.Now()

	require.NoError(t, svc.cfg.Database.SaveHostMetrics(ctx, &types.HostMetrics{
		NodeID: "host-a", CPU: 10, RecordedAt: now.Add(-8 * 24 * time.Hour),
	}))
	require.NoError(t, svc.cfg.Database.SaveHostMetrics(ctx, &types.HostMetrics{
		NodeID: "host-a", CPU: 20, RecordedAt: now,
	}))
	require.NoError(t, svc.cfg.Database.SaveIntegrityCheck(ctx, &types.IntegrityCheck{
		ID: "check-old", ShardID: "shard-1", HostID: "host-a", Passed: true,
		CheckedAt: now.Add(-31 * 24 * time.Hour),
	}))
	require.NoError(t, svc.cfg.Database.SaveIntegrityCheck(ctx, &types.IntegrityCheck{
		ID: "check-new", ShardID: "shard-1", HostID: "host-a", Passed: true,
		CheckedAt: now,
	}))
	require.NoError(t, svc.cfg.Database.SaveRepairOperation(ctx, &types.RepairOperation{
		ID: "repair-done-old", ShardID: "shard-1", FailedHost: "host-a",
		Status: types.RepairCompleted, UpdatedAt: now.Add(-8 * 24 * time.Hour),
	}))
	require.NoError(t, svc.cfg.Database.SaveRepairOperation(ctx, &types.RepairOperation{
		ID: "repair-failed-old", ShardID: "shard-1", FailedHost: "host-b",
		Status: types.RepairFailed, UpdatedAt: now.Add(-8 * 24 * time.Hour),
	}))

	svc.optimizeSweep()

	history, err := svc.GetHostMetrics(ctx, "host-a", 0)
	require.NoError(t, err)
	require.Equal(t, 1, len(history))
	assert.Equal(t, 20.0, history[0].CPU)
	checks, err := svc.GetIntegrityChecks(ctx, "shard-1")
	require.NoError(t, err)
	require.Equal(t, 1, len(checks))
	assert.Equal(t, "check-new", checks[0].ID)
	ops, err := svc.GetRepairOperations(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, len(ops))
	assert.Equal(t, "repair-failed-old", ops[0].ID, "failed repairs are kept for review")
}
