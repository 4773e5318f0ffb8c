package types

import (
	"fmt"
	"time"
)

// TaskKind enumerates the provable work classes credited by the network.
type TaskKind string

// Work classes a proof may claim.
const (
	TaskRelayBandwidth TaskKind = "relay-bandwidth"
	TaskStorageProof   TaskKind = "storage-proof"
	TaskValidationSig  TaskKind = "validation-sig"
	TaskUptimeBeacon   TaskKind = "uptime-beacon"
)

// ValidTaskKind reports whether k is a known work class.
func ValidTaskKind(k TaskKind) bool {
	switch k {
	case TaskRelayBandwidth, TaskStorageProof, TaskValidationSig, TaskUptimeBeacon:
		return true
	default:
		return false
	}
}

// WorkProof is one signed unit of claimed work, unique per node, slot and
// task kind.
type WorkProof struct {
	NodeID    string    `json:"node_id"`
	PoolID    string    `json:"pool_id,omitempty"`
	Slot      uint64    `json:"slot"`
	TaskKind  TaskKind  `json:"task_kind"`
	Value     float64   `json:"value"`
	Signature []byte    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the natural unique key of the proof.
func (p *WorkProof) Key() string {
	return fmt.Sprintf("%s:%d:%s", p.NodeID, p.Slot, p.TaskKind)
}

// SigningRoot returns the byte string covered by the proof signature.
func (p *WorkProof) SigningRoot() []byte {
	return []byte(fmt.Sprintf("%s:%d:%s:%.8f", p.NodeID, p.Slot, p.TaskKind, p.Value))
}

// EntityID returns the accounting entity the proof counts toward: the pool
// when the node works inside one, the node itself otherwise.
func (p *WorkProof) EntityID() string {
	if p.PoolID != "" {
		return p.PoolID
	}
	return p.NodeID
}

// WorkTally is the per epoch credit standing of one accounting entity.
type WorkTally struct {
	EntityID         string    `json:"entity_id"`
	Epoch            uint64    `json:"epoch"`
	Credits          float64   `json:"credits"`
	LiveScore        float64   `json:"live_score"`
	Rank             uint64    `json:"rank"`
	LastSelectedSlot uint64    `json:"last_selected_slot"`
	UpdatedAt        time.Time `json:"updated_at"`
}
