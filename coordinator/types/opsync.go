package types

import "time"

// OperatorRole names an operator's place in the control plane.
type OperatorRole string

// Operator roles.
const (
	OperatorPrimary     OperatorRole = "primary"
	OperatorSecondary   OperatorRole = "secondary"
	OperatorBackup      OperatorRole = "backup"
	OperatorWitness     OperatorRole = "witness"
	OperatorCoordinator OperatorRole = "coordinator"
)

// ValidOperatorRole reports whether r is a known operator role.
func ValidOperatorRole(r OperatorRole) bool {
	switch r {
	case OperatorPrimary, OperatorSecondary, OperatorBackup, OperatorWitness, OperatorCoordinator:
		return true
	default:
		return false
	}
}

// SyncState tracks how current an operator's view of shared state is.
type SyncState string

// Operator sync states.
const (
	SyncInSync    SyncState = "in-sync"
	SyncSyncing   SyncState = "syncing"
	SyncOutOfSync SyncState = "out-of-sync"
	SyncOffline   SyncState = "offline"
)

// Operator is a control plane participant.
type Operator struct {
	ID            string       `json:"id"`
	NodeID        string       `json:"node_id"`
	Role          OperatorRole `json:"role"`
	Endpoint      string       `json:"endpoint"`
	PublicKey     []byte       `json:"public_key,omitempty"`
	SyncState     SyncState    `json:"sync_state"`
	StateVersion  uint64       `json:"state_version"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// Electable reports whether the operator may win a coordinator election.
func (o *Operator) Electable() bool {
	return o.SyncState == SyncInSync || o.SyncState == SyncSyncing
}

// SyncOpKind enumerates the operation classes operators exchange.
type SyncOpKind string

// Sync operation kinds.
const (
	OpStateUpdate   SyncOpKind = "state-update"
	OpTransaction   SyncOpKind = "transaction"
	OpConfiguration SyncOpKind = "configuration"
	OpMaintenance   SyncOpKind = "maintenance"
	OpEmergency     SyncOpKind = "emergency"
	OpCheckpoint    SyncOpKind = "checkpoint"
)

// ValidSyncOpKind reports whether k is a known sync operation kind.
func ValidSyncOpKind(k SyncOpKind) bool {
	switch k {
	case OpStateUpdate, OpTransaction, OpConfiguration, OpMaintenance, OpEmergency, OpCheckpoint:
		return true
	default:
		return false
	}
}

// SyncOpStatus tracks a sync operation through execution.
type SyncOpStatus string

// Sync operation states.
const (
	OpPending   SyncOpStatus = "pending"
	OpExecuting SyncOpStatus = "executing"
	OpCompleted SyncOpStatus = "completed"
	OpFailed    SyncOpStatus = "failed"
)

// Sync operation priority bounds. Operations at or above
// OpPriorityImmediate bypass batching.
const (
	OpPriorityMin       = 1
	OpPriorityMax       = 5
	OpPriorityImmediate = 4
)

// SyncOperation is one state change distributed to operators.
type SyncOperation struct {
	ID         string                 `json:"id"`
	Initiator  string                 `json:"initiator"`
	Kind       SyncOpKind             `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Targets    []string               `json:"targets,omitempty"`
	Priority   int                    `json:"priority"`
	Status     SyncOpStatus           `json:"status"`
	RetryCount int                    `json:"retry_count"`
	Error      string                 `json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// StateCheckpoint is a hashed snapshot of an operator's state.
type StateCheckpoint struct {
	ID         string                 `json:"id"`
	OperatorID string                 `json:"operator_id"`
	StateHash  string                 `json:"state_hash"`
	StateData  map[string]interface{} `json:"state_data,omitempty"`
	Version    uint64                 `json:"version"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ConflictKind enumerates disagreement classes between operators.
type ConflictKind string

// Conflict kinds.
const (
	ConflictStateDivergence ConflictKind = "state-divergence"
	ConflictOperation       ConflictKind = "operation-conflict"
	ConflictTimestamp       ConflictKind = "timestamp-conflict"
	ConflictVersion         ConflictKind = "version-conflict"
	ConflictLeadership      ConflictKind = "leadership-conflict"
)

// ValidConflictKind reports whether k is a known conflict kind.
func ValidConflictKind(k ConflictKind) bool {
	switch k {
	case ConflictStateDivergence, ConflictOperation, ConflictTimestamp, ConflictVersion, ConflictLeadership:
		return true
	default:
		return false
	}
}

// SyncConflict records a detected disagreement and its resolution.
type SyncConflict struct {
	ID         string                 `json:"id"`
	Kind       ConflictKind           `json:"kind"`
	Involved   []string               `json:"involved"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Resolved   bool                   `json:"resolved"`
	Resolution string                 `json:"resolution,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt time.Time              `json:"resolved_at"`
}

// OperatorMetrics is a persisted snapshot of an operator's throughput.
type OperatorMetrics struct {
	OperatorID    string    `json:"operator_id"`
	TotalOps      uint64    `json:"total_ops"`
	CompletedOps  uint64    `json:"completed_ops"`
	FailedOps     uint64    `json:"failed_ops"`
	OpsPerMinute  float64   `json:"ops_per_minute"`
	AvgExecMillis float64   `json:"avg_exec_millis"`
	UpdatedAt     time.Time `json:"updated_at"`
}
