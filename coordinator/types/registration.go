package types

import (
	"fmt"
	"time"
)

// RegistrationStatus tracks a node's admission request.
type RegistrationStatus string

// Registration states.
const (
	RegistrationPending       RegistrationStatus = "pending"
	RegistrationStakeVerified RegistrationStatus = "stake-verified"
	RegistrationApproved      RegistrationStatus = "approved"
	RegistrationRejected      RegistrationStatus = "rejected"
	RegistrationExpired       RegistrationStatus = "expired"
)

// Registration is a node's request to join the network.
type Registration struct {
	ID             string             `json:"id"`
	NodeID         string             `json:"node_id"`
	OverlayAddress string             `json:"overlay_address"`
	Port           int                `json:"port"`
	Role           PeerRole           `json:"role"`
	Capabilities   []Capability       `json:"capabilities,omitempty"`
	PublicKey      []byte             `json:"public_key"`
	StakeAddress   string             `json:"stake_address,omitempty"`
	StakeAmount    float64            `json:"stake_amount"`
	Status         RegistrationStatus `json:"status"`
	Score          float64            `json:"score"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	DecidedBy      string             `json:"decided_by,omitempty"`
	DecidedAt      time.Time          `json:"decided_at"`
}

// Endpoint returns the overlay endpoint the registrant claims to serve.
func (r *Registration) Endpoint() string {
	return fmt.Sprintf("%s:%d", r.OverlayAddress, r.Port)
}

// ClaimsCapability reports whether the registrant declares c.
func (r *Registration) ClaimsCapability(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ChallengeKind enumerates the admission challenges a registrant must pass.
type ChallengeKind string

// Admission challenge kinds.
const (
	ChallengeOwnershipSignature ChallengeKind = "ownership-signature"
	ChallengeCapabilityProof    ChallengeKind = "capability-proof"
	ChallengeReachabilityPing   ChallengeKind = "reachability-ping"
	ChallengeStorageProof       ChallengeKind = "storage-proof"
)

// RegistrationChallenge is one admission task issued to a registrant.
type RegistrationChallenge struct {
	ID             string        `json:"id"`
	RegistrationID string        `json:"registration_id"`
	NodeID         string        `json:"node_id"`
	Kind           ChallengeKind `json:"kind"`
	Token          string        `json:"token,omitempty"`
	Payload        []byte        `json:"payload,omitempty"`
	Weight         float64       `json:"weight"`
	Completed      bool          `json:"completed"`
	Passed         bool          `json:"passed"`
	IssuedAt       time.Time     `json:"issued_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// ExpiredAt reports whether the challenge can no longer be completed at now.
func (c *RegistrationChallenge) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
