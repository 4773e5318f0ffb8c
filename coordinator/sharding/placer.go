package sharding

import (
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

// Chunk describes one encrypted piece of a session recording to be placed.
type Chunk struct {
	Hash              string
	Size              uint64
	EncryptionKeyHash string
}

// RegisterHost admits a directory peer with the storage capability into the
// host registry.
func (s *Service) RegisterHost(ctx context.Context, host *types.ShardHost) (*types.ShardHost, error) {
	if host.NodeID == "" {
		return nil, types.ValidationErrorf("host is missing a node id")
	}
	if host.OverlayAddress == "" {
		return nil, types.ValidationErrorf("host is missing an overlay address")
	}
	if host.Port < 1024 || host.Port > 65535 {
		return nil, types.ValidationErrorf("port %d is outside the unprivileged range", host.Port)
	}
	if host.Capacity == 0 {
		return nil, types.ValidationErrorf("host offers no capacity")
	}
	peer, err := s.cfg.Directory.GetPeer(host.NodeID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.PreconditionErrorf("node %s is not in the directory", host.NodeID)
		}
		return nil, errors.Wrap(err, "could not check the directory")
	}
	if !peer.HasCapability(types.CapabilityStorage) {
		return nil, types.PreconditionErrorf("node %s does not advertise storage", host.NodeID)
	}
	existing, err := s.cfg.Database.ShardHost(ctx, host.NodeID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch host")
	}
	if existing != nil {
		return nil, types.PreconditionErrorf("host %s is already registered", host.NodeID)
	}
	host.Status = types.HostAvailable
	host.Used = 0
	host.AssignedShards = nil
	if err := s.cfg.Database.SaveShardHost(ctx, host); err != nil {
		return nil, errors.Wrap(err, "could not persist host")
	}
	log.WithFields(logrus.Fields{
		"nodeID":   host.NodeID,
		"capacity": host.Capacity,
	}).Info("Storage host registered")
	return host, nil
}

// SetHostStatus moves a host to the given state by operator decision.
func (s *Service) SetHostStatus(ctx context.Context, nodeID string, status types.HostStatus) (*types.ShardHost, error) {
	if !types.ValidHostStatus(status) {
		return nil, types.ValidationErrorf("unknown host status %q", status)
	}
	host, err := s.host(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	host.Status = status
	if err := s.cfg.Database.SaveShardHost(ctx, host); err != nil {
		return nil, errors.Wrap(err, "could not persist host")
	}
	log.WithFields(logrus.Fields{
		"nodeID": nodeID,
		"status": status,
	}).Info("Host status set")
	return host, nil
}

// ScheduleMaintenance books a future service window for a host. The
// maintenance loop flips the host to busy while the window is active and
// restores it after.
func (s *Service) ScheduleMaintenance(ctx context.Context, hostID, reason string, startsAt, endsAt time.Time) (*types.MaintenanceWindow, error) {
	if !endsAt.After(startsAt) {
		return nil, types.ValidationErrorf("maintenance window ends before it starts")
	}
	if endsAt.Before(timeutils.Now()) {
		return nil, types.ValidationErrorf("maintenance window is entirely in the past")
	}
	if _, err := s.host(ctx, hostID); err != nil {
		return nil, err
	}
	window := &types.MaintenanceWindow{
		ID:       uuid.New().String(),
		HostID:   hostID,
		Reason:   reason,
		StartsAt: startsAt,
		EndsAt:   endsAt,
	}
	if err := s.cfg.Database.SaveMaintenanceWindow(ctx, window); err != nil {
		return nil, errors.Wrap(err, "could not persist maintenance window")
	}
	log.WithFields(logrus.Fields{
		"hostID": hostID,
		"until":  endsAt,
	}).Info("Maintenance scheduled")
	return window, nil
}

// PlaceSessionShards creates one shard per chunk and places each on
// ShardReplicationFactor hosts, primary first, spreading replicas across
// overlay prefixes. Host selection for all chunks happens before anything is
// persisted, so a failed placement leaves no partial session behind.
func (s *Service) PlaceSessionShards(ctx context.Context, sessionID string, chunks []Chunk) ([]*types.Shard, error) {
	if sessionID == "" {
		return nil, types.ValidationErrorf("placement is missing a session id")
	}
	if len(chunks) == 0 {
		return nil, types.ValidationErrorf("session %s has no chunks to place", sessionID)
	}
	for i, chunk := range chunks {
		if chunk.Hash == "" {
			return nil, types.ValidationErrorf("chunk %d of session %s has no data hash", i, sessionID)
		}
		if chunk.Size == 0 {
			return nil, types.ValidationErrorf("chunk %d of session %s is empty", i, sessionID)
		}
	}
	task := &types.ShardCreationTask{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		ChunkCount: len(chunks),
		ChunkSize:  maxChunkSize(chunks),
		Status:     "pending",
		CreatedAt:  timeutils.Now(),
	}
	if err := s.cfg.Database.SaveShardCreationTask(ctx, task); err != nil {
		return nil, errors.Wrap(err, "could not persist placement task")
	}
	shards, err := s.placeAll(ctx, sessionID, chunks)
	if err != nil {
		task.Status = "failed"
		if saveErr := s.cfg.Database.SaveShardCreationTask(ctx, task); saveErr != nil {
			log.WithError(saveErr).Error("Could not persist placement task outcome")
		}
		return nil, err
	}
	task.Status = "completed"
	if err := s.cfg.Database.SaveShardCreationTask(ctx, task); err != nil {
		log.WithError(err).Error("Could not persist placement task outcome")
	}
	shardsPlacedTotal.Add(float64(len(shards)))
	log.WithFields(logrus.Fields{
		"sessionID": sessionID,
		"shards":    len(shards),
	}).Info("Session shards placed")
	return shards, nil
}

func (s *Service) placeAll(ctx context.Context, sessionID string, chunks []Chunk) ([]*types.Shard, error) {
	hosts, err := s.cfg.Database.ShardHosts(ctx, filters.NewFilter().
		SetStatus(string(types.HostAvailable)))
	if err != nil {
		return nil, errors.Wrap(err, "could not list hosts")
	}
	factor := params.MirageConfig().ShardReplicationFactor
	now := timeutils.Now()

	// Phase one selects hosts for every chunk against in-memory host
	// records, booking capacity as it goes, so a chunk cannot land on a
	// host an earlier chunk already filled. Nothing is persisted until
	// every chunk has a home.
	shards := make([]*types.Shard, len(chunks))
	selections := make([][]*types.ShardHost, len(chunks))
	for i, chunk := range chunks {
		shards[i] = &types.Shard{
			ID:                uuid.New().String(),
			SessionID:         sessionID,
			ChunkIndex:        i,
			DataHash:          chunk.Hash,
			Size:              chunk.Size,
			Status:            types.ShardCreating,
			EncryptionKeyHash: chunk.EncryptionKeyHash,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		selected, err := selectHosts(hosts, chunk.Size, factor)
		if err != nil {
			return nil, errors.Wrapf(err, "chunk %d of session %s", i, sessionID)
		}
		for _, host := range selected {
			host.AssignedShards = append(host.AssignedShards, shards[i].ID)
			host.Used += chunk.Size
		}
		selections[i] = selected
	}

	// Phase two persists each shard through its lifecycle, then the host
	// records the placement touched.
	for i, shard := range shards {
		if err := s.cfg.Database.SaveShard(ctx, shard); err != nil {
			return nil, errors.Wrap(err, "could not persist shard")
		}
		shard.AssignedHosts = hostIDs(selections[i])
		for _, status := range []types.ShardStatus{types.ShardAssigned, types.ShardReplicating, types.ShardReady} {
			shard.Status = status
			shard.UpdatedAt = timeutils.Now()
			if err := s.cfg.Database.SaveShard(ctx, shard); err != nil {
				return nil, errors.Wrap(err, "could not persist shard")
			}
		}
	}
	touched := make(map[string]*types.ShardHost)
	for _, selected := range selections {
		for _, host := range selected {
			touched[host.NodeID] = host
		}
	}
	for _, host := range touched {
		if len(host.AssignedShards) >= params.MirageConfig().MaxShardsPerHost {
			host.Status = types.HostAssigned
		}
		if err := s.cfg.Database.SaveShardHost(ctx, host); err != nil {
			return nil, errors.Wrap(err, "could not persist host")
		}
	}
	return shards, nil
}

// selectHosts picks the replica set for one chunk: best candidate first as
// primary, then replicas preferring fresh overlay prefixes until half the
// candidate set is used, then any remaining candidate.
func selectHosts(hosts []*types.ShardHost, size uint64, factor int) ([]*types.ShardHost, error) {
	candidates := make([]*types.ShardHost, 0, len(hosts))
	for _, host := range hosts {
		if host.Status != types.HostAvailable {
			continue
		}
		if len(host.AssignedShards) >= params.MirageConfig().MaxShardsPerHost {
			continue
		}
		if host.FreeCapacity() < size {
			continue
		}
		candidates = append(candidates, host)
	}
	if len(candidates) < factor {
		return nil, types.PreconditionErrorf(
			"replication needs %d hosts, only %d can take the chunk", factor, len(candidates))
	}
	rankHosts(candidates)

	selected := make([]*types.ShardHost, 0, factor)
	taken := make(map[string]bool, factor)
	for _, candidate := range candidates {
		if len(selected) == factor {
			break
		}
		if len(selected) < len(candidates)/2 && clashesWithSelected(candidate, selected) {
			continue
		}
		selected = append(selected, candidate)
		taken[candidate.NodeID] = true
	}
	// Diversity left gaps; fill from the remaining candidates in rank order.
	for _, candidate := range candidates {
		if len(selected) == factor {
			break
		}
		if taken[candidate.NodeID] {
			continue
		}
		selected = append(selected, candidate)
		taken[candidate.NodeID] = true
	}
	return selected, nil
}

func rankHosts(hosts []*types.ShardHost) {
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].PerformanceScore != hosts[j].PerformanceScore {
			return hosts[i].PerformanceScore > hosts[j].PerformanceScore
		}
		if hosts[i].FreeCapacity() != hosts[j].FreeCapacity() {
			return hosts[i].FreeCapacity() > hosts[j].FreeCapacity()
		}
		return hosts[i].NodeID < hosts[j].NodeID
	})
}

func clashesWithSelected(candidate *types.ShardHost, selected []*types.ShardHost) bool {
	prefix := overlayPrefix(candidate.OverlayAddress)
	for _, host := range selected {
		if overlayPrefix(host.OverlayAddress) == prefix {
			return true
		}
	}
	return false
}

func overlayPrefix(address string) string {
	n := params.MirageConfig().OverlayPrefixLength
	if len(address) <= n {
		return address
	}
	return address[:n]
}

func hostIDs(hosts []*types.ShardHost) []string {
	ids := make([]string, 0, len(hosts))
	for _, host := range hosts {
		ids = append(ids, host.NodeID)
	}
	return ids
}

func maxChunkSize(chunks []Chunk) uint64 {
	var max uint64
	for _, chunk := range chunks {
		if chunk.Size > max {
			max = chunk.Size
		}
	}
	return max
}
