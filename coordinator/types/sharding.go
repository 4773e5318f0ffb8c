package types

import (
	"fmt"
	"time"
)

// ShardStatus tracks a shard through its lifecycle.
type ShardStatus string

// Shard lifecycle states.
const (
	ShardCreating    ShardStatus = "creating"
	ShardAssigned    ShardStatus = "assigned"
	ShardReplicating ShardStatus = "replicating"
	ShardReady       ShardStatus = "ready"
	ShardDegraded    ShardStatus = "degraded"
	ShardFailed      ShardStatus = "failed"
	ShardMigrating   ShardStatus = "migrating"
	ShardArchived    ShardStatus = "archived"
)

// Shard is one encrypted chunk of a session recording, replicated across
// hosts. AssignedHosts is ordered with the primary first.
type Shard struct {
	ID                string      `json:"id"`
	SessionID         string      `json:"session_id"`
	ChunkIndex        int         `json:"chunk_index"`
	DataHash          string      `json:"data_hash"`
	Size              uint64      `json:"size"`
	Status            ShardStatus `json:"status"`
	AssignedHosts     []string    `json:"assigned_hosts,omitempty"`
	EncryptionKeyHash string      `json:"encryption_key_hash,omitempty"`
	CompressionRatio  float64     `json:"compression_ratio"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Primary returns the shard's primary host, or empty when unassigned.
func (s *Shard) Primary() string {
	if len(s.AssignedHosts) == 0 {
		return ""
	}
	return s.AssignedHosts[0]
}

// HostStatus tracks a storage host's availability.
type HostStatus string

// Host states.
const (
	HostAvailable HostStatus = "available"
	HostAssigned  HostStatus = "assigned"
	HostBusy      HostStatus = "busy"
	HostDegraded  HostStatus = "degraded"
	HostOffline   HostStatus = "offline"
)

// ValidHostStatus reports whether s is a known host state.
func ValidHostStatus(s HostStatus) bool {
	switch s {
	case HostAvailable, HostAssigned, HostBusy, HostDegraded, HostOffline:
		return true
	default:
		return false
	}
}

// ShardHost is a node offering shard storage.
type ShardHost struct {
	NodeID           string     `json:"node_id"`
	OverlayAddress   string     `json:"overlay_address"`
	Port             int        `json:"port"`
	Status           HostStatus `json:"status"`
	Capacity         uint64     `json:"capacity"`
	Used             uint64     `json:"used"`
	Bandwidth        uint64     `json:"bandwidth"`
	AssignedShards   []string   `json:"assigned_shards,omitempty"`
	LastHealthCheck  time.Time  `json:"last_health_check"`
	PerformanceScore float64    `json:"performance_score"`
}

// Endpoint returns the dialable overlay endpoint of the host.
func (h *ShardHost) Endpoint() string {
	return fmt.Sprintf("%s:%d", h.OverlayAddress, h.Port)
}

// FreeCapacity returns the bytes the host can still take.
func (h *ShardHost) FreeCapacity() uint64 {
	if h.Used >= h.Capacity {
		return 0
	}
	return h.Capacity - h.Used
}

// Holds reports whether the host is assigned the given shard.
func (h *ShardHost) Holds(shardID string) bool {
	for _, id := range h.AssignedShards {
		if id == shardID {
			return true
		}
	}
	return false
}

// HostMetrics is one health sample collected from a shard host.
type HostMetrics struct {
	NodeID     string        `json:"node_id"`
	CPU        float64       `json:"cpu"`
	Memory     float64       `json:"memory"`
	Disk       float64       `json:"disk"`
	Latency    time.Duration `json:"latency"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// ShardCreationTask asks the placer to create and place the shards of a
// session.
type ShardCreationTask struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ChunkCount int       `json:"chunk_count"`
	ChunkSize  uint64    `json:"chunk_size"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// IntegrityCheck records one hash verification of a shard replica.
type IntegrityCheck struct {
	ID        string    `json:"id"`
	ShardID   string    `json:"shard_id"`
	HostID    string    `json:"host_id"`
	Expected  string    `json:"expected"`
	Actual    string    `json:"actual"`
	Passed    bool      `json:"passed"`
	CheckedAt time.Time `json:"checked_at"`
}

// RepairStatus tracks a replica repair.
type RepairStatus string

// Repair states.
const (
	RepairPending    RepairStatus = "pending"
	RepairInProgress RepairStatus = "in-progress"
	RepairCompleted  RepairStatus = "completed"
	RepairFailed     RepairStatus = "failed"
)

// RepairOperation replaces a failed replica of a shard on a new host.
type RepairOperation struct {
	ID         string       `json:"id"`
	ShardID    string       `json:"shard_id"`
	FailedHost string       `json:"failed_host"`
	NewHost    string       `json:"new_host,omitempty"`
	Status     RepairStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// MaintenanceWindow marks a host as intentionally out of service.
type MaintenanceWindow struct {
	ID        string    `json:"id"`
	HostID    string    `json:"host_id"`
	Reason    string    `json:"reason,omitempty"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Completed bool      `json:"completed"`
}

// ActiveAt reports whether the window covers the instant now.
func (w *MaintenanceWindow) ActiveAt(now time.Time) bool {
	return !w.Completed && !now.Before(w.StartsAt) && now.Before(w.EndsAt)
}
