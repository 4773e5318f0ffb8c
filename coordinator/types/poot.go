package types

import "time"

// ProofKind enumerates the ownership dimensions a challenge can probe.
type ProofKind string

// Ownership proof kinds.
const (
	ProofStake      ProofKind = "stake"
	ProofBalance    ProofKind = "balance"
	ProofDelegation ProofKind = "delegation"
	ProofCustody    ProofKind = "custody"
	ProofLiquidity  ProofKind = "liquidity"
)

// ValidProofKind reports whether k is a known ownership proof kind.
func ValidProofKind(k ProofKind) bool {
	switch k {
	case ProofStake, ProofBalance, ProofDelegation, ProofCustody, ProofLiquidity:
		return true
	default:
		return false
	}
}

// ValidationStatus tracks an ownership proof through validation.
type ValidationStatus string

// Validation outcomes.
const (
	ValidationPending           ValidationStatus = "pending"
	ValidationValid             ValidationStatus = "valid"
	ValidationInvalid           ValidationStatus = "invalid"
	ValidationExpired           ValidationStatus = "expired"
	ValidationFraudDetected     ValidationStatus = "fraud-detected"
	ValidationInsufficientStake ValidationStatus = "insufficient-stake"
	ValidationChallengeFailed   ValidationStatus = "challenge-failed"
)

// OwnershipChallenge is a random payload a node must sign to prove it
// controls its claimed ownership position.
type OwnershipChallenge struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id"`
	ProofKind  ProofKind `json:"proof_kind"`
	Payload    []byte    `json:"payload"`
	Nonce      []byte    `json:"nonce"`
	Difficulty int       `json:"difficulty"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the challenge can no longer be answered at now.
func (c *OwnershipChallenge) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// OwnershipProof is a node's answer to an ownership challenge.
type OwnershipProof struct {
	ID          string            `json:"id"`
	ChallengeID string            `json:"challenge_id"`
	NodeID      string            `json:"node_id"`
	ProofKind   ProofKind         `json:"proof_kind"`
	StakeAmount float64           `json:"stake_amount"`
	Signature   []byte            `json:"signature"`
	ProofData   map[string]string `json:"proof_data,omitempty"`
	Status      ValidationStatus  `json:"status"`
	FraudScore  float64           `json:"fraud_score"`
	SubmittedAt time.Time         `json:"submitted_at"`
	ValidatedAt time.Time         `json:"validated_at"`
}

// StakeValidation records one comparison of a node's claimed stake against
// the amount observed on chain.
type StakeValidation struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"node_id"`
	Address   string    `json:"address"`
	Claimed   float64   `json:"claimed"`
	Actual    float64   `json:"actual"`
	Valid     bool      `json:"valid"`
	CheckedAt time.Time `json:"checked_at"`
}

// FraudEvent records one fraud signal raised against a node.
type FraudEvent struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id"`
	Kind       string    `json:"kind"`
	Details    string    `json:"details"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ValidationStats aggregates a node's ownership validation history.
type ValidationStats struct {
	NodeID      string    `json:"node_id"`
	Attempts    uint64    `json:"attempts"`
	Successes   uint64    `json:"successes"`
	LastAttempt time.Time `json:"last_attempt"`
	Reputation  float64   `json:"reputation"`
}

// SuccessRate returns the fraction of validation attempts that passed.
func (s *ValidationStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}
