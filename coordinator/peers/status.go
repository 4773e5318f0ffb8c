// Package peers tracks every node known to the coordination plane. The
// directory holds peer records in memory for cheap reads, projects them from
// the store on startup and keeps the store in sync as liveness probes and
// gossip exchange update them.
//
// A peer can be in one of two aggregate states:
//
// - active if its last-seen instant is within the active peer window
// - inactive otherwise
//
// Records persist for the run of the service and across restarts via the
// store projection. This allows long-term statistics such as failed probe
// counts to inform directory decisions.
package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/timeutils"
)

// Directory is the structure holding the in-memory peer records.
type Directory struct {
	lock  sync.RWMutex
	peers map[string]*types.Peer
	rtts  map[string]time.Duration
}

// NewDirectory creates an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{
		peers: make(map[string]*types.Peer),
		rtts:  make(map[string]time.Duration),
	}
}

// Add inserts or replaces the record for peer.NodeID. The directory stores
// its own copy so later mutation of the argument does not leak in.
func (d *Directory) Add(peer *types.Peer) {
	d.lock.Lock()
	defer d.lock.Unlock()

	record := *peer
	d.peers[peer.NodeID] = &record
}

// Remove drops the record for nodeID. Removing an unknown peer is a no-op.
func (d *Directory) Remove(nodeID string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	delete(d.peers, nodeID)
	delete(d.rtts, nodeID)
}

// Get returns a copy of the record for nodeID, or false when unknown.
func (d *Directory) Get(nodeID string) (*types.Peer, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	record, ok := d.peers[nodeID]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

// Has reports whether nodeID is known to the directory.
func (d *Directory) Has(nodeID string) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()

	_, ok := d.peers[nodeID]
	return ok
}

// All returns copies of every record, ordered by node id for determinism.
func (d *Directory) All() []*types.Peer {
	d.lock.RLock()
	defer d.lock.RUnlock()

	out := make([]*types.Peer, 0, len(d.peers))
	for _, record := range d.peers {
		copied := *record
		out = append(out, &copied)
	}
	sortPeers(out)
	return out
}

// Active returns every peer seen within window of now.
func (d *Directory) Active(window time.Duration) []*types.Peer {
	now := timeutils.Now()
	d.lock.RLock()
	defer d.lock.RUnlock()

	out := make([]*types.Peer, 0, len(d.peers))
	for _, record := range d.peers {
		if now.Sub(record.LastSeen) <= window {
			copied := *record
			out = append(out, &copied)
		}
	}
	sortPeers(out)
	return out
}

// ByRole returns every peer registered with the role.
func (d *Directory) ByRole(role types.PeerRole) []*types.Peer {
	d.lock.RLock()
	defer d.lock.RUnlock()

	out := make([]*types.Peer, 0, len(d.peers))
	for _, record := range d.peers {
		if record.Role == role {
			copied := *record
			out = append(out, &copied)
		}
	}
	sortPeers(out)
	return out
}

// Stale returns every peer unseen for longer than ttl.
func (d *Directory) Stale(ttl time.Duration) []*types.Peer {
	now := timeutils.Now()
	d.lock.RLock()
	defer d.lock.RUnlock()

	out := make([]*types.Peer, 0)
	for _, record := range d.peers {
		if record.StaleAt(now, ttl) {
			copied := *record
			out = append(out, &copied)
		}
	}
	sortPeers(out)
	return out
}

// MarkSeen records a successful contact with nodeID at instant seen and
// resets its failed probe count. Returns false when the peer is unknown.
func (d *Directory) MarkSeen(nodeID string, seen time.Time) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	record, ok := d.peers[nodeID]
	if !ok {
		return false
	}
	record.LastSeen = seen
	record.FailedPings = 0
	return true
}

// RecordFailure increments the failed probe count for nodeID and returns the
// new count. Unknown peers report zero.
func (d *Directory) RecordFailure(nodeID string) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	record, ok := d.peers[nodeID]
	if !ok {
		return 0
	}
	record.FailedPings++
	return record.FailedPings
}

// UpdateMetrics sets the work credit and uptime figures carried on the
// record. Returns false when the peer is unknown.
func (d *Directory) UpdateMetrics(nodeID string, credits, uptime float64) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	record, ok := d.peers[nodeID]
	if !ok {
		return false
	}
	record.WorkCredits = credits
	record.Uptime = uptime
	return true
}

// RecordRTT stores the latest probe round trip time observed for nodeID.
func (d *Directory) RecordRTT(nodeID string, rtt time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if _, ok := d.peers[nodeID]; !ok {
		return
	}
	d.rtts[nodeID] = rtt
}

// ResponseTime returns the latest probe round trip time for nodeID, or false
// when the peer has never answered a probe.
func (d *Directory) ResponseTime(nodeID string) (time.Duration, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	rtt, ok := d.rtts[nodeID]
	return rtt, ok
}

// Count returns how many peers the directory holds.
func (d *Directory) Count() int {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return len(d.peers)
}

func sortPeers(peers []*types.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].NodeID < peers[j].NodeID
	})
}
