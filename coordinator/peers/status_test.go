package peers

import (
	"testing"
	"time"

	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/testutil/assert"
	"github.com/miragelabs/mirage/shared/testutil/require"
	"github.com/miragelabs/mirage/shared/timeutils"
)

func TestDirectory_AddCopiesRecord(t *testing.T) {
	dir := NewDirectory()
	peer := &types.Peer{NodeID: "node-1", OverlayAddress: "aaaa.onion", Port: 8080, Role: types.RoleWorker}
	dir.Add(peer)

	peer.OverlayAddress = "mutated.onion"
	got, ok := dir.Get("node-1")
	require.Equal(t, true, ok)
	assert.Equal(t, "aaaa.onion", got.OverlayAddress)
}

func TestDirectory_RemoveUnknownIsNoop(t *testing.T) {
	dir := NewDirectory()
	dir.Remove("missing")
	assert.Equal(t, 0, dir.Count())
}

func TestDirectory_ActiveWindow(t *testing.T) {
	dir := NewDirectory()
	now := timeutils.Now()
	dir.Add(&types.Peer{NodeID: "fresh", LastSeen: now.Add(-time.Minute)})
	dir.Add(&types.Peer{NodeID: "stale", LastSeen: now.Add(-time.Hour)})

	active := dir.Active(10 * time.Minute)
	require.Equal(t, 1, len(active))
	assert.Equal(t, "fresh", active[0].NodeID)
}

func TestDirectory_ByRole(t *testing.T) {
	dir := NewDirectory()
	dir.Add(&types.Peer{NodeID: "w1", Role: types.RoleWorker})
	dir.Add(&types.Peer{NodeID: "s1", Role: types.RoleServer})
	dir.Add(&types.Peer{NodeID: "w2", Role: types.RoleWorker})

	workers := dir.ByRole(types.RoleWorker)
	require.Equal(t, 2, len(workers))
	assert.Equal(t, "w1", workers[0].NodeID)
	assert.Equal(t, "w2", workers[1].NodeID)
}

func TestDirectory_MarkSeenResetsFailures(t *testing.T) {
	dir := NewDirectory()
	dir.Add(&types.Peer{NodeID: "node-1"})

	assert.Equal(t, 1, dir.RecordFailure("node-1"))
	assert.Equal(t, 2, dir.RecordFailure("node-1"))

	seen := timeutils.Now()
	require.Equal(t, true, dir.MarkSeen("node-1", seen))
	got, ok := dir.Get("node-1")
	require.Equal(t, true, ok)
	assert.Equal(t, 0, got.FailedPings)
	assert.Equal(t, seen, got.LastSeen)
}

func TestDirectory_MarkSeenUnknownPeer(t *testing.T) {
	dir := NewDirectory()
	assert.Equal(t, false, dir.MarkSeen("missing", timeutils.Now()))
	assert.Equal(t, 0, dir.RecordFailure("missing"))
}

func TestDirectory_UpdateMetrics(t *testing.T) {
	dir := NewDirectory()
	dir.Add(&types.Peer{NodeID: "node-1"})

	require.Equal(t, true, dir.UpdateMetrics("node-1", 42.5, 99.9))
	got, ok := dir.Get("node-1")
	require.Equal(t, true, ok)
	assert.Equal(t, 42.5, got.WorkCredits)
	assert.Equal(t, 99.9, got.Uptime)

	assert.Equal(t, false, dir.UpdateMetrics("missing", 1, 1))
}

func TestDirectory_StaleOrdering(t *testing.T) {
	dir := NewDirectory()
	now := timeutils.Now()
	dir.Add(&types.Peer{NodeID: "b", LastSeen: now.Add(-48 * time.Hour)})
	dir.Add(&types.Peer{NodeID: "a", LastSeen: now.Add(-30 * time.Hour)})
	dir.Add(&types.Peer{NodeID: "c", LastSeen: now})

	stale := dir.Stale(24 * time.Hour)
	require.Equal(t, 2, len(stale))
	assert.Equal(t, "a", stale[0].NodeID)
	assert.Equal(t, "b", stale[1].NodeID)
}

func TestDirectory_ResponseTime(t *testing.T) {
	dir := NewDirectory()
	dir.Add(&types.Peer{NodeID: "node-1"})

	_, ok := dir.ResponseTime("node-1")
	assert.Equal(t, false, ok, "unprobed peer must report no round trip time")

	dir.RecordRTT("node-1", 250*time.Millisecond)
	rtt, ok := dir.ResponseTime("node-1")
	require.Equal(t, true, ok)
	assert.Equal(t, 250*time.Millisecond, rtt)

	// Samples for peers outside the directory are dropped.
	dir.RecordRTT("missing", time.Second)
	_, ok = dir.ResponseTime("missing")
	assert.Equal(t, false, ok)

	dir.Remove("node-1")
	_, ok = dir.ResponseTime("node-1")
	assert.Equal(t, false, ok, "removal must drop the sample")
}
