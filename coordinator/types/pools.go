package types

import "time"

// PoolStatus tracks a pool through its lifecycle.
type PoolStatus string

// Pool lifecycle states.
const (
	PoolForming     PoolStatus = "forming"
	PoolActive      PoolStatus = "active"
	PoolDegraded    PoolStatus = "degraded"
	PoolMaintenance PoolStatus = "maintenance"
	PoolDisbanded   PoolStatus = "disbanded"
)

// PoolMemberRole orders members within a pool.
type PoolMemberRole string

// Member roles, highest authority first.
const (
	MemberLeader   PoolMemberRole = "leader"
	MemberCoLeader PoolMemberRole = "co-leader"
	MemberRegular  PoolMemberRole = "member"
	MemberObserver PoolMemberRole = "observer"
)

// PoolMemberStatus tracks a member's standing inside its pool.
type PoolMemberStatus string

// Member states.
const (
	MemberJoining  PoolMemberStatus = "joining"
	MemberActive   PoolMemberStatus = "active"
	MemberSyncing  PoolMemberStatus = "syncing"
	MemberDegraded PoolMemberStatus = "degraded"
	MemberLeaving  PoolMemberStatus = "leaving"
	MemberBanned   PoolMemberStatus = "banned"
)

// RewardMethod decides how a pool splits its rewards.
type RewardMethod string

// Reward split methods.
const (
	RewardEqual        RewardMethod = "equal"
	RewardContribution RewardMethod = "contribution-weighted"
	RewardWorkCredit   RewardMethod = "work-credit-weighted"
)

// ValidRewardMethod reports whether m is a known reward method.
func ValidRewardMethod(m RewardMethod) bool {
	switch m {
	case RewardEqual, RewardContribution, RewardWorkCredit:
		return true
	default:
		return false
	}
}

// PoolConfig holds the operating parameters of a pool.
type PoolConfig struct {
	RewardMethod      RewardMethod  `json:"reward_method"`
	MinUptime         float64       `json:"min_uptime"`
	AutoKickThreshold int           `json:"auto_kick_threshold"`
	LeaderRotation    bool          `json:"leader_rotation"`
	RotationInterval  time.Duration `json:"rotation_interval"`
	SyncTolerance     time.Duration `json:"sync_tolerance"`
	UnanimousRequired bool          `json:"unanimous_required"`
}

// PoolMember is one node's membership record inside a pool.
type PoolMember struct {
	NodeID             string           `json:"node_id"`
	Role               PoolMemberRole   `json:"role"`
	Status             PoolMemberStatus `json:"status"`
	JoinedAt           time.Time        `json:"joined_at"`
	ContributionScore  float64          `json:"contribution_score"`
	CreditsContributed float64          `json:"credits_contributed"`
	RewardsEarned      float64          `json:"rewards_earned"`
	LastSync           time.Time        `json:"last_sync"`
}

// Pool groups nodes that share work and rewards.
type Pool struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Description        string                 `json:"description,omitempty"`
	Status             PoolStatus             `json:"status"`
	Creator            string                 `json:"creator"`
	Config             PoolConfig             `json:"config"`
	Members            map[string]*PoolMember `json:"members"`
	TotalWorkCredits   float64                `json:"total_work_credits"`
	RewardsDistributed float64                `json:"rewards_distributed"`
	RewardsPending     float64                `json:"rewards_pending"`
	LastDistribution   time.Time              `json:"last_distribution"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// Leader returns the pool's current leader, or nil when none holds the role.
func (p *Pool) Leader() *PoolMember {
	for _, m := range p.Members {
		if m.Role == MemberLeader {
			return m
		}
	}
	return nil
}

// Member returns the membership record for nodeID, or nil.
func (p *Pool) Member(nodeID string) *PoolMember {
	if p.Members == nil {
		return nil
	}
	return p.Members[nodeID]
}

// ActiveMembers returns members currently counted as participating.
func (p *Pool) ActiveMembers() []*PoolMember {
	var out []*PoolMember
	for _, m := range p.Members {
		if m.Status == MemberActive || m.Status == MemberSyncing {
			out = append(out, m)
		}
	}
	return out
}

// JoinRequestStatus tracks a pool join request.
type JoinRequestStatus string

// Join request states.
const (
	JoinPending   JoinRequestStatus = "pending"
	JoinApproved  JoinRequestStatus = "approved"
	JoinDenied    JoinRequestStatus = "denied"
	JoinCancelled JoinRequestStatus = "cancelled"
)

// JoinRequest asks for membership in a pool.
type JoinRequest struct {
	ID        string            `json:"id"`
	PoolID    string            `json:"pool_id"`
	NodeID    string            `json:"node_id"`
	Message   string            `json:"message,omitempty"`
	Status    JoinRequestStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	DecidedBy string            `json:"decided_by,omitempty"`
	DecidedAt time.Time         `json:"decided_at"`
}

// PoolSyncOperation records a credit sync or reward split applied to a pool.
type PoolSyncOperation struct {
	ID        string             `json:"id"`
	PoolID    string             `json:"pool_id"`
	Kind      string             `json:"kind"`
	Amounts   map[string]float64 `json:"amounts,omitempty"`
	Actor     string             `json:"actor,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// RewardEvent announces a completed pool reward split. Payout handling
// subscribes to these.
type RewardEvent struct {
	PoolID  string
	Method  RewardMethod
	Amounts map[string]float64
	At      time.Time
}
