package sharding

import (
	"context"
	"testing"
	"time"

	dbtest "github.com/miragelabs/mirage/coordinator/db/testing"
	"github.com/miragelabs/mirage/coordinator/overlay"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
)

type fakeDirectory struct {
	peers map[string]*types.Peer
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{peers: map[string]*types.Peer{}}
}

func (d *fakeDirectory) GetPeer(nodeID string) (*types.Peer, error) {
	peer, ok := d.peers[nodeID]
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "peer %s", nodeID)
	}
	return peer, nil
}

func (d *fakeDirectory) add(nodeID string, caps ...types.Capability) {
	d.peers[nodeID] = &types.Peer{NodeID: nodeID, Capabilities: caps}
}

type fakeProber struct {
	metrics map[string]*overlay.NodeMetrics
	hashes  map[string]string
}

func (p *fakeProber) Metrics(_ context.Context, endpoint string) (*overlay.NodeMetrics, error) {
	m, ok := p.metrics[endpoint]
	if !ok {
		return nil, types.TransientErrorf("no route to %s", endpoint)
	}
	return m, nil
}

func (p *fakeProber) VerifyShard(_ context.Context, endpoint, shardID string) (string, error) {
	h, ok := p.hashes[replicaKey(endpoint, shardID)]
	if !ok {
		return "", types.TransientErrorf("no route to %s", endpoint)
	}
	return h, nil
}

func replicaKey(endpoint, shardID string) string {
	return endpoint + "|" + shardID
}

func setupService(t *testing.T, cfg *Config) *Service {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Database == nil {
		cfg.Database = dbtest.SetupDB(t)
	}
	if cfg.Overlay == nil {
		cfg.Overlay = &fakeProber{}
	}
	if cfg.Directory == nil {
		cfg.Directory = newFakeDirectory()
	}
	svc := NewService(context.Background(), cfg)
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})
	return svc
}

func registerHost(t *testing.T, svc *Service, directory *fakeDirectory, nodeID, address string, capacity uint64, score float64) *types.ShardHost {
	directory.add(nodeID, types.CapabilityStorage)
	host, err := svc.RegisterHost(context.Background(), &types.ShardHost{
		NodeID:           nodeID,
		OverlayAddress:   address,
		Port:             9100,
		Capacity:         capacity,
		PerformanceScore: score,
	})
	require.NoError(t, err)
	return host
}

func TestRegisterHost(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	host := registerHost(t, svc, directory, "host-a", "vaultaaa-a.onion", 1<<30, 80)
	assert.Equal(t, types.HostAvailable, host.Status)
	stored, err := svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stored.Used)
	assert.Equal(t, 80.0, stored.PerformanceScore)

	_, err = svc.RegisterHost(ctx, &types.ShardHost{
		NodeID: "host-a", OverlayAddress: "vaultaaa-a.onion", Port: 9100, Capacity: 1 << 30,
	})
	assert.Equal(t, true, types.IsPrecondition(err), "a host registers once")
}

func TestRegisterHost_Rejections(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	cases := []struct {
		name string
		host *types.ShardHost
	}{
		{"missing node id", &types.ShardHost{OverlayAddress: "x.onion", Port: 9100, Capacity: 1}},
		{"missing address", &types.ShardHost{NodeID: "h", Port: 9100, Capacity: 1}},
		{"privileged port", &types.ShardHost{NodeID: "h", OverlayAddress: "x.onion", Port: 80, Capacity: 1}},
		{"zero capacity", &types.ShardHost{NodeID: "h", OverlayAddress: "x.onion", Port: 9100}},
	}
	for _, tc := range cases {
		_, err := svc.RegisterHost(ctx, tc.host)
		assert.Equal(t, true, types.IsValidation(err), "case %q must be rejected", tc.name)
	}

	// Unknown to the directory.
	_, err := svc.RegisterHost(ctx, &types.ShardHost{
		NodeID: "stranger", OverlayAddress: "x.onion", Port: 9100, Capacity: 1,
	})
	assert.Equal(t, true, types.IsPrecondition(err))

	// Known but without the storage capability.
	directory.add("relay-only", types.CapabilityRelay)
	_, err = svc.RegisterHost(ctx, &types.ShardHost{
		NodeID: "relay-only", OverlayAddress: "x.onion", Port: 9100, Capacity: 1,
	})
	assert.Equal(t, true, types.IsPrecondition(err))
}

func TestSetHostStatus(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()
	registerHost(t, svc, directory, "host-a", "vaultaaa-a.onion", 1<<30, 80)

	host, err := svc.SetHostStatus(ctx, "host-a", types.HostDegraded)
	require.NoError(t, err)
	assert.Equal(t, types.HostDegraded, host.Status)

	_, err = svc.SetHostStatus(ctx, "host-a", types.HostStatus("vaporized"))
	assert.Equal(t, true, types.IsValidation(err))
	_, err = svc.SetHostStatus(ctx, "nobody", types.HostAvailable)
	assert.Equal(t, true, errors.Is(err, types.ErrNotFound))
}

func TestScheduleMaintenance_Validation(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()
	registerHost(t, svc, directory, "host-a", "vaultaaa-a.onion", 1<<30, 80)
	now := timeutils.Now()

	_, err := svc.ScheduleMaintenance(ctx, "host-a", "disk swap", now.Add(time.Hour), now)
	assert.Equal(t, true, types.IsValidation(err), "window must end after it starts")
	_, err = svc.ScheduleMaintenance(ctx, "host-a", "disk swap", now.Add(-2*time.Hour), now.Add(-time.Hour))
	assert.Equal(t, true, types.IsValidation(err), "window must not be entirely past")
	_, err = svc.ScheduleMaintenance(ctx, "nobody", "disk swap", now, now.Add(time.Hour))
	assert.Equal(t, true, errors.Is(err, types.ErrNotFound))

	window, err := svc.ScheduleMaintenance(ctx, "host-a", "disk swap", now, now.Add(time.Hour))
	require.NoError(t, err)
	windows, err := svc.GetMaintenanceWindows(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, len(windows))
	assert.Equal(t, window.ID, windows[0].ID)
}

func TestPlaceSessionShards_SpreadsAcrossPrefixes(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	// Hosts a and b share an overlay prefix; replica selection prefers the
	// fresh prefixes of c and d over the better-ranked b.
	hostA := registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 90)
	registerHost(t, svc, directory, "host-b", "prefixaa-b.onion", 1<<30, 80)
	hostC := registerHost(t, svc, directory, "host-c", "prefixcc-c.onion", 1<<30, 70)
	hostD := registerHost(t, svc, directory, "host-d", "prefixdd-d.onion", 1<<30, 60)

	shards, err := svc.PlaceSessionShards(ctx, "session-1", []Chunk{
		{Hash: "0xab12", Size: 1024, EncryptionKeyHash: "0xkey1"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(shards))
	shard := shards[0]
	assert.Equal(t, types.ShardReady, shard.Status)
	assert.Equal(t, "session-1", shard.SessionID)
	assert.Equal(t, 0, shard.ChunkIndex)
	assert.DeepEqual(t, []string{hostA.NodeID, hostC.NodeID, hostD.NodeID}, shard.AssignedHosts)
	assert.Equal(t, hostA.NodeID, shard.Primary())

	placed, err := svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), placed.Used)
	assert.Equal(t, true, placed.Holds(shard.ID))
	skipped, err := svc.GetHost(ctx, "host-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), skipped.Used)
	assert.Equal(t, 0, len(skipped.AssignedShards))

	tasks, err := svc.GetPlacementTasks(ctx, "completed")
	require.NoError(t, err)
	require.Equal(t, 1, len(tasks))
	assert.Equal(t, "session-1", tasks[0].SessionID)
	assert.Equal(t, 1, tasks[0].ChunkCount)
}

func TestPlaceSessionShards_FillsWhenDiversityRunsOut(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	// Five of six hosts share a prefix. Diversity admits a and f, then the
	// rank order fills the remaining slot with b despite the clash.
	hostA := registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 95)
	hostB := registerHost(t, svc, directory, "host-b", "prefixaa-b.onion", 1<<30, 90)
	registerHost(t, svc, directory, "host-c", "prefixaa-c.onion", 1<<30, 85)
	registerHost(t, svc, directory, "host-d", "prefixaa-d.onion", 1<<30, 80)
	registerHost(t, svc, directory, "host-e", "prefixaa-e.onion", 1<<30, 75)
	hostF := registerHost(t, svc, directory, "host-f", "prefixff-f.onion", 1<<30, 70)

	shards, err := svc.PlaceSessionShards(ctx, "session-1", []Chunk{
		{Hash: "0xab12", Size: 512},
	})
	require.NoError(t, err)
	require.Equal(t, 1, len(shards))
	assert.DeepEqual(t, []string{hostA.NodeID, hostF.NodeID, hostB.NodeID}, shards[0].AssignedHosts)
}

func TestPlaceSessionShards_Validation(t *testing.T) {
	svc := setupService(t, nil)
	ctx := context.Background()

	_, err := svc.PlaceSessionShards(ctx, "", []Chunk{{Hash: "0xab", Size: 1}})
	assert.Equal(t, true, types.IsValidation(err))
	_, err = svc.PlaceSessionShards(ctx, "session-1", nil)
	assert.Equal(t, true, types.IsValidation(err))
	_, err = svc.PlaceSessionShards(ctx, "session-1", []Chunk{{Size: 1}})
	assert.Equal(t, true, types.IsValidation(err), "chunks carry their hash")
	_, err = svc.PlaceSessionShards(ctx, "session-1", []Chunk{{Hash: "0xab"}})
	assert.Equal(t, true, types.IsValidation(err), "empty chunks cannot be placed")
}

func TestPlaceSessionShards_RequiresReplicationFactorHosts(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 90)
	registerHost(t, svc, directory, "host-b", "prefixbb-b.onion", 1<<30, 80)

	_, err := svc.PlaceSessionShards(ctx, "session-1", []Chunk{{Hash: "0xab", Size: 64}})
	assert.Equal(t, true, types.IsPrecondition(err), "two hosts cannot hold three replicas")

	shards, err := svc.ListShards(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, len(shards), "a failed placement persists no shards")
	tasks, err := svc.GetPlacementTasks(ctx, "failed")
	require.NoError(t, err)
	assert.Equal(t, 1, len(tasks))
}

func TestPlaceSessionShards_BooksCapacityAcrossChunks(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 100, 90)
	registerHost(t, svc, directory, "host-b", "prefixbb-b.onion", 100, 80)
	registerHost(t, svc, directory, "host-c", "prefixcc-c.onion", 100, 70)

	shards, err := svc.PlaceSessionShards(ctx, "session-1", []Chunk{
		{Hash: "0xaa", Size: 20},
		{Hash: "0xbb", Size: 20},
	})
	require.NoError(t, err)
	require.Equal(t, 2, len(shards))
	for _, nodeID := range []string{"host-a", "host-b", "host-c"} {
		host, err := svc.GetHost(ctx, nodeID)
		require.NoError(t, err)
		assert.Equal(t, uint64(40), host.Used)
		assert.Equal(t, 2, len(host.AssignedShards))
	}
}

func TestPlaceSessionShards_FailsWholeWhenAChunkCannotFit(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	// Host c can take one chunk but not two; the second chunk finds only
	// two hosts and the whole placement is refused untouched.
	registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 100, 90)
	registerHost(t, svc, directory, "host-b", "prefixbb-b.onion", 100, 80)
	registerHost(t, svc, directory, "host-c", "prefixcc-c.onion", 30, 70)

	_, err := svc.PlaceSessionShards(ctx, "session-1", []Chunk{
		{Hash: "0xaa", Size: 20},
		{Hash: "0xbb", Size: 20},
	})
	assert.Equal(t, true, types.IsPrecondition(err))

	shards, err := svc.ListShards(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, len(shards))
	host, err := svc.GetHost(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), host.Used, "a refused placement books nothing")
}

func TestPlaceSessionShards_HostCapFlipsStatus(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.MirageConfig().Copy()
	cfg.MaxShardsPerHost = 1
	params.OverrideMirageConfig(cfg)

	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<20, 90)
	registerHost(t, svc, directory, "host-b", "prefixbb-b.onion", 1<<20, 80)
	registerHost(t, svc, directory, "host-c", "prefixcc-c.onion", 1<<20, 70)

	_, err := svc.PlaceSessionShards(ctx, "session-1", []Chunk{{Hash: "0xaa", Size: 64}})
	require.NoError(t, err)
	for _, nodeID := range []string{"host-a", "host-b", "host-c"} {
		host, err := svc.GetHost(ctx, nodeID)
		require.NoError(t, err)
		assert.Equal(t, types.HostAssigned, host.Status, "a full host leaves the candidate pool")
	}

	_, err = svc.PlaceSessionShards(ctx, "session-2", []Chunk{{Hash: "0xbb", Size: 64}})
	assert.Equal(t, true, types.IsPrecondition(err))
}

func TestSessionShards_OrderedByChunk(t *testing.T) {
	directory := newFakeDirectory()
	svc := setupService(t, &Config{Directory: directory})
	ctx := context.Background()

	registerHost(t, svc, directory, "host-a", "prefixaa-a.onion", 1<<30, 90)
	registerHost(t, svc, directory, "host-b", "prefixbb-b.onion", 1<<30, 80)
	registerHost(t, svc, directory, "host-c", "prefixcc-c.onion", 1<<30, 70)

	_, err := svc.PlaceSessionShards(ctx, "session-1", []Chunk{
		{Hash: "0xaa", Size: 10},
		{Hash: "0xbb", Size: 10},
		{Hash: "0xcc", Size: 10},
	})
	require.NoError(t, err)

	shards, err := svc.SessionShards(ctx, "session-1")
	require.NoError(t, err)
	require.Equal(t, 3, len(shards))
	for i, shard := range shards {
		assert.Equal(t, i, shard.ChunkIndex)
	}
	assert.Equal(t, "0xbb", shards[1].DataHash)
}
