package types

import (
	"fmt"
	"time"
)

// PeerRole labels what a node does in the network.
type PeerRole string

// Roles a peer may register with.
const (
	RoleWorker PeerRole = "worker"
	RoleServer PeerRole = "server"
	RoleAdmin  PeerRole = "admin"
	RoleDev    PeerRole = "dev"
)

// ValidPeerRole reports whether r is a known role.
func ValidPeerRole(r PeerRole) bool {
	switch r {
	case RoleWorker, RoleServer, RoleAdmin, RoleDev:
		return true
	default:
		return false
	}
}

// Capability names a service a peer advertises.
type Capability string

// Capabilities a peer may advertise.
const (
	CapabilityRelay   Capability = "relay"
	CapabilityStorage Capability = "storage"
	CapabilityPoot    Capability = "poot"
)

// ValidCapability reports whether c is a known capability.
func ValidCapability(c Capability) bool {
	switch c {
	case CapabilityRelay, CapabilityStorage, CapabilityPoot:
		return true
	default:
		return false
	}
}

// Peer is a directory entry for a known node.
type Peer struct {
	NodeID         string       `json:"node_id"`
	OverlayAddress string       `json:"overlay_address"`
	Port           int          `json:"port"`
	Role           PeerRole     `json:"role"`
	Capabilities   []Capability `json:"capabilities,omitempty"`
	PublicKey      []byte       `json:"public_key,omitempty"`
	LastSeen       time.Time    `json:"last_seen"`
	WorkCredits    float64      `json:"work_credits"`
	Uptime         float64      `json:"uptime"`
	FailedPings    int          `json:"failed_pings"`
	AddedAt        time.Time    `json:"added_at"`
}

// Endpoint returns the dialable overlay endpoint of the peer.
func (p *Peer) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.OverlayAddress, p.Port)
}

// HasCapability reports whether the peer advertises c.
func (p *Peer) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// StaleAt reports whether the peer has not been seen for longer than ttl as
// of now.
func (p *Peer) StaleAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastSeen) > ttl
}
