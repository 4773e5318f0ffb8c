package types

import "time"

// ProposalKind enumerates what a governance proposal can change.
type ProposalKind string

// Proposal kinds.
const (
	ProposalParameterChange     ProposalKind = "parameter-change"
	ProposalProtocolUpgrade     ProposalKind = "protocol-upgrade"
	ProposalFundAllocation      ProposalKind = "fund-allocation"
	ProposalNodePenalty         ProposalKind = "node-penalty"
	ProposalNetworkPolicy       ProposalKind = "network-policy"
	ProposalEmergency           ProposalKind = "emergency"
	ProposalCommunityInitiative ProposalKind = "community-initiative"
)

// ValidProposalKind reports whether k is a known proposal kind.
func ValidProposalKind(k ProposalKind) bool {
	switch k {
	case ProposalParameterChange, ProposalProtocolUpgrade, ProposalFundAllocation,
		ProposalNodePenalty, ProposalNetworkPolicy, ProposalEmergency, ProposalCommunityInitiative:
		return true
	default:
		return false
	}
}

// WeightMethod decides how a vote's weight is computed.
type WeightMethod string

// Vote weighting methods.
const (
	WeightEqual  WeightMethod = "equal"
	WeightStake  WeightMethod = "stake-weighted"
	WeightWork   WeightMethod = "work-weighted"
	WeightHybrid WeightMethod = "hybrid"
)

// ValidWeightMethod reports whether m is a known weighting method.
func ValidWeightMethod(m WeightMethod) bool {
	switch m {
	case WeightEqual, WeightStake, WeightWork, WeightHybrid:
		return true
	default:
		return false
	}
}

// ProposalStatus tracks a proposal through its lifecycle.
type ProposalStatus string

// Proposal lifecycle states. A proposal only moves forward: draft,
// discussion, voting, then a decision. Passed proposals may still be
// executed; every other decided state is final.
const (
	ProposalDraft      ProposalStatus = "draft"
	ProposalDiscussion ProposalStatus = "discussion"
	ProposalVoting     ProposalStatus = "voting"
	ProposalPassed     ProposalStatus = "passed"
	ProposalRejected   ProposalStatus = "rejected"
	ProposalExecuted   ProposalStatus = "executed"
	ProposalExpired    ProposalStatus = "expired"
	ProposalCancelled  ProposalStatus = "cancelled"
)

// Proposal is a governance question put to the network.
type Proposal struct {
	ID              string            `json:"id"`
	Proposer        string            `json:"proposer"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Kind            ProposalKind      `json:"kind"`
	WeightMethod    WeightMethod      `json:"weight_method"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Status          ProposalStatus    `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	DiscussionStart time.Time         `json:"discussion_start"`
	VotingStart     time.Time         `json:"voting_start"`
	VotingEnd       time.Time         `json:"voting_end"`
	ExecutedAt      time.Time         `json:"executed_at"`
	ExecutionHash   string            `json:"execution_hash,omitempty"`
}

// Decided reports whether the proposal has left the active part of its
// lifecycle.
func (p *Proposal) Decided() bool {
	switch p.Status {
	case ProposalPassed, ProposalRejected, ProposalExecuted, ProposalExpired, ProposalCancelled:
		return true
	default:
		return false
	}
}

// VoteChoice is a voter's answer.
type VoteChoice string

// Vote choices.
const (
	VoteYes     VoteChoice = "yes"
	VoteNo      VoteChoice = "no"
	VoteAbstain VoteChoice = "abstain"
)

// ValidVoteChoice reports whether c is a known choice.
func ValidVoteChoice(c VoteChoice) bool {
	switch c {
	case VoteYes, VoteNo, VoteAbstain:
		return true
	default:
		return false
	}
}

// Vote is one cast ballot, unique per proposal and power holder.
type Vote struct {
	ID           string     `json:"id"`
	ProposalID   string     `json:"proposal_id"`
	Voter        string     `json:"voter"`
	Choice       VoteChoice `json:"choice"`
	Weight       float64    `json:"weight"`
	DelegateFrom string     `json:"delegate_from,omitempty"`
	CastAt       time.Time  `json:"cast_at"`
}

// PowerHolder returns the node whose voting power the ballot spends: the
// delegator for delegated ballots, the voter itself otherwise.
func (v *Vote) PowerHolder() string {
	if v.DelegateFrom != "" {
		return v.DelegateFrom
	}
	return v.Voter
}

// DelegationScopeAll marks a delegation that covers every proposal kind.
const DelegationScopeAll = "all"

// Delegation lets one node vote on another's behalf.
type Delegation struct {
	ID        string    `json:"id"`
	Delegator string    `json:"delegator"`
	Delegate  string    `json:"delegate"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
}

// Covers reports whether the delegation applies to the given proposal kind
// at time at.
func (d *Delegation) Covers(kind ProposalKind, at time.Time) bool {
	if !d.Active || at.After(d.ExpiresAt) {
		return false
	}
	return d.Scope == DelegationScopeAll || d.Scope == string(kind)
}

// VoteTally is the aggregated outcome of a proposal's voting window.
type VoteTally struct {
	ProposalID     string         `json:"proposal_id"`
	YesWeight      float64        `json:"yes_weight"`
	NoWeight       float64        `json:"no_weight"`
	AbstainWeight  float64        `json:"abstain_weight"`
	VotesCast      int            `json:"votes_cast"`
	EligibleVoters int            `json:"eligible_voters"`
	EligibleWeight float64        `json:"eligible_weight"`
	QuorumMet      bool           `json:"quorum_met"`
	Result         ProposalStatus `json:"result"`
	TalliedAt      time.Time      `json:"tallied_at"`
}

// CastWeight returns the total vote weight cast on the proposal.
func (t *VoteTally) CastWeight() float64 {
	return t.YesWeight + t.NoWeight + t.AbstainWeight
}

// ProposalComment is a discussion entry attached to a proposal.
type ProposalComment struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}
