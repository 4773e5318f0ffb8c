package peers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/featureconfig"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/rand"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var log = logrus.WithField("prefix", "peers")

var (
	directorySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peer_directory_size",
		Help: "Number of peers currently known to the directory.",
	})
	pingFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_ping_failures_total",
		Help: "Number of liveness probes that failed.",
	})
	gossipMergedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peer_gossip_merged_total",
		Help: "Number of peers first learned through directory exchange.",
	})
)

// OverlayClient is the slice of the overlay transport the directory needs:
// liveness probes and directory exchange.
type OverlayClient interface {
	Health(ctx context.Context, endpoint string) error
	Peers(ctx context.Context, endpoint string) ([]*types.Peer, error)
}

// Config options for the peer directory service.
type Config struct {
	Database       db.Database
	Overlay        OverlayClient
	BootstrapPeers []string
}

// Service projects the peers bucket into memory and keeps it fresh with
// liveness probes, gossip exchange and a staleness sweep.
type Service struct {
	cfg      *Config
	ctx      context.Context
	cancel   context.CancelFunc
	dir      *Directory
	probeSem *semaphore.Weighted
	rng      *rand.Rand
	startErr error
}

// NewService initializes the directory service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		dir:      NewDirectory(),
		probeSem: semaphore.NewWeighted(params.MirageConfig().PeerPingParallelism),
		rng:      rand.NewGenerator(),
	}
}

// Start hydrates the directory from the store, contacts bootstrap peers and
// launches the maintenance loops.
func (s *Service) Start() {
	if err := s.hydrate(s.ctx); err != nil {
		s.startErr = err
		log.WithError(err).Error("Could not project peers from the store")
		return
	}
	s.addBootstrapPeers(s.ctx)

	pingInterval := time.Duration(params.MirageConfig().PeerPingInterval) * time.Second
	gossipInterval := time.Duration(params.MirageConfig().PeerGossipInterval) * time.Second
	runutil.RunEvery(s.ctx, pingInterval, s.pingAllPeers)
	runutil.RunEvery(s.ctx, gossipInterval, s.gossipOnce)
	runutil.RunEvery(s.ctx, time.Hour, s.sweepStalePeers)
	log.WithField("knownPeers", s.dir.Count()).Info("Peer directory started")
}

// Stop the directory loops.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status returns an error when startup projection failed.
func (s *Service) Status() error {
	return s.startErr
}

// Directory exposes the registry for read-mostly consumers.
func (s *Service) Directory() *Directory {
	return s.dir
}

func (s *Service) hydrate(ctx context.Context) error {
	stored, err := s.cfg.Database.Peers(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not list stored peers")
	}
	for _, peer := range stored {
		s.dir.Add(peer)
	}
	directorySize.Set(float64(s.dir.Count()))
	return nil
}

// AddPeer validates and records a directory entry, persisting it to the
// store. Existing entries are replaced.
func (s *Service) AddPeer(ctx context.Context, peer *types.Peer) error {
	if peer == nil || peer.NodeID == "" {
		return types.ValidationErrorf("peer record needs a node id")
	}
	if !types.ValidPeerRole(peer.Role) {
		return types.ValidationErrorf("unknown peer role %q", peer.Role)
	}
	if peer.OverlayAddress == "" {
		return types.ValidationErrorf("peer %s has no overlay address", peer.NodeID)
	}
	if peer.Port <= 0 || peer.Port > 65535 {
		return types.ValidationErrorf("peer %s port %d out of range", peer.NodeID, peer.Port)
	}
	now := timeutils.Now()
	if peer.AddedAt.IsZero() {
		peer.AddedAt = now
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = now
	}
	if err := s.cfg.Database.SavePeer(ctx, peer); err != nil {
		return errors.Wrapf(err, "could not persist peer %s", peer.NodeID)
	}
	s.dir.Add(peer)
	directorySize.Set(float64(s.dir.Count()))
	return nil
}

// RemovePeer drops a peer from the directory and the store.
func (s *Service) RemovePeer(ctx context.Context, nodeID string) error {
	if err := s.cfg.Database.DeletePeer(ctx, nodeID); err != nil {
		return errors.Wrapf(err, "could not delete peer %s", nodeID)
	}
	s.dir.Remove(nodeID)
	directorySize.Set(float64(s.dir.Count()))
	return nil
}

// GetPeer returns the directory entry for nodeID.
func (s *Service) GetPeer(nodeID string) (*types.Peer, error) {
	peer, ok := s.dir.Get(nodeID)
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "peer %s", nodeID)
	}
	return peer, nil
}

// GetActivePeers returns every peer seen within the active window.
func (s *Service) GetActivePeers() []*types.Peer {
	window := time.Duration(params.MirageConfig().ActivePeerWindow) * time.Second
	return s.dir.Active(window)
}

// GetPeersByRole returns every peer registered with the role.
func (s *Service) GetPeersByRole(role types.PeerRole) []*types.Peer {
	return s.dir.ByRole(role)
}

// ResponseTime returns the latest probe round trip time observed for nodeID,
// or false when the peer has never answered a probe.
func (s *Service) ResponseTime(nodeID string) (time.Duration, bool) {
	return s.dir.ResponseTime(nodeID)
}

// UpdatePeerMetrics updates the work credit and uptime figures carried on a
// directory entry and persists the change.
func (s *Service) UpdatePeerMetrics(ctx context.Context, nodeID string, credits, uptime float64) error {
	if !s.dir.UpdateMetrics(nodeID, credits, uptime) {
		return errors.Wrapf(types.ErrNotFound, "peer %s", nodeID)
	}
	peer, _ := s.dir.Get(nodeID)
	if err := s.cfg.Database.SavePeer(ctx, peer); err != nil {
		return errors.Wrapf(err, "could not persist metrics for peer %s", nodeID)
	}
	return nil
}

// Ping probes a peer over the overlay. Success refreshes the peer's
// last-seen instant and round trip time; failure increments its failed
// probe count.
func (s *Service) Ping(ctx context.Context, peer *types.Peer) error {
	started := timeutils.Now()
	if err := s.cfg.Overlay.Health(ctx, peer.Endpoint()); err != nil {
		pingFailuresTotal.Inc()
		failures := s.dir.RecordFailure(peer.NodeID)
		return errors.Wrapf(err, "peer %s failed probe %d", peer.NodeID, failures)
	}
	s.dir.MarkSeen(peer.NodeID, timeutils.Now())
	s.dir.RecordRTT(peer.NodeID, timeutils.Now().Sub(started))
	refreshed, ok := s.dir.Get(peer.NodeID)
	if !ok {
		return nil
	}
	if err := s.cfg.Database.SavePeer(ctx, refreshed); err != nil {
		return errors.Wrapf(err, "could not persist last-seen for peer %s", peer.NodeID)
	}
	return nil
}

// RequestPeers performs one directory exchange with a peer and merges every
// previously unknown entry. Returns how many peers were learned.
func (s *Service) RequestPeers(ctx context.Context, peer *types.Peer) (int, error) {
	remote, err := s.cfg.Overlay.Peers(ctx, peer.Endpoint())
	if err != nil {
		return 0, errors.Wrapf(err, "directory exchange with peer %s failed", peer.NodeID)
	}
	merged := 0
	for _, candidate := range remote {
		if candidate == nil || candidate.NodeID == "" || s.dir.Has(candidate.NodeID) {
			continue
		}
		if err := s.AddPeer(ctx, candidate); err != nil {
			log.WithError(err).WithField("nodeID", candidate.NodeID).Debug("Skipping gossiped peer")
			continue
		}
		merged++
	}
	if merged > 0 {
		gossipMergedTotal.Add(float64(merged))
		log.WithFields(logrus.Fields{
			"from":   peer.NodeID,
			"merged": merged,
		}).Debug("Merged gossiped peers")
	}
	return merged, nil
}

func (s *Service) addBootstrapPeers(ctx context.Context) {
	for _, entry := range s.cfg.BootstrapPeers {
		peer, err := ParseBootstrapEntry(entry)
		if err != nil {
			log.WithError(err).WithField("entry", entry).Warn("Skipping malformed bootstrap peer")
			continue
		}
		if !s.dir.Has(peer.NodeID) {
			if err := s.AddPeer(ctx, peer); err != nil {
				log.WithError(err).WithField("nodeID", peer.NodeID).Warn("Could not add bootstrap peer")
				continue
			}
		}
		go func(p *types.Peer) {
			if err := s.Ping(s.ctx, p); err != nil {
				log.WithError(err).WithField("nodeID", p.NodeID).Debug("Bootstrap peer did not answer")
			}
		}(peer)
	}
}

// ParseBootstrapEntry parses a node@address:port bootstrap entry into a peer
// record with the worker role.
func ParseBootstrapEntry(entry string) (*types.Peer, error) {
	at := strings.Index(entry, "@")
	if at <= 0 {
		return nil, types.ValidationErrorf("bootstrap entry %q is not node@address:port", entry)
	}
	nodeID := entry[:at]
	hostport := entry[at+1:]
	colon := strings.LastIndex(hostport, ":")
	if colon <= 0 || colon == len(hostport)-1 {
		return nil, types.ValidationErrorf("bootstrap entry %q has no port", entry)
	}
	port, err := strconv.Atoi(hostport[colon+1:])
	if err != nil || port <= 0 || port > 65535 {
		return nil, types.ValidationErrorf("bootstrap entry %q has invalid port", entry)
	}
	return &types.Peer{
		NodeID:         nodeID,
		OverlayAddress: hostport[:colon],
		Port:           port,
		Role:           types.RoleWorker,
	}, nil
}

func (s *Service) pingAllPeers() {
	known := s.dir.All()
	for _, peer := range known {
		if err := s.probeSem.Acquire(s.ctx, 1); err != nil {
			return
		}
		go func(p *types.Peer) {
			defer s.probeSem.Release(1)
			if err := s.Ping(s.ctx, p); err != nil {
				log.WithError(err).WithField("nodeID", p.NodeID).Debug("Liveness probe failed")
			}
		}(peer)
	}
}

func (s *Service) gossipOnce() {
	if featureconfig.Get().DisablePeerGossip {
		return
	}
	active := s.GetActivePeers()
	if len(active) == 0 {
		return
	}
	peer := active[s.rng.Intn(len(active))]
	if _, err := s.RequestPeers(s.ctx, peer); err != nil {
		log.WithError(err).WithField("nodeID", peer.NodeID).Debug("Directory exchange failed")
	}
}

func (s *Service) sweepStalePeers() {
	ttl := time.Duration(params.MirageConfig().StalePeerAfter) * time.Second
	for _, peer := range s.dir.Stale(ttl) {
		if err := s.RemovePeer(s.ctx, peer.NodeID); err != nil {
			log.WithError(err).WithField("nodeID", peer.NodeID).Warn("Could not remove stale peer")
			continue
		}
		log.WithFields(logrus.Fields{
			"nodeID":   peer.NodeID,
			"lastSeen": peer.LastSeen,
		}).Info("Removed stale peer")
	}
}
