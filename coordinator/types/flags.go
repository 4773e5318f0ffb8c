package types

import "time"

// FlagSeverity orders flags by urgency.
type FlagSeverity string

// Severities, least to most urgent.
const (
	SeverityInfo     FlagSeverity = "info"
	SeverityLow      FlagSeverity = "low"
	SeverityMedium   FlagSeverity = "medium"
	SeverityHigh     FlagSeverity = "high"
	SeverityCritical FlagSeverity = "critical"
)

// SeverityWeight returns the health score weight of s. Unknown severities
// weigh nothing.
func SeverityWeight(s FlagSeverity) float64 {
	switch s {
	case SeverityInfo:
		return 0.1
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 5
	case SeverityCritical:
		return 10
	default:
		return 0
	}
}

// FlagStatus tracks a flag through its lifecycle.
type FlagStatus string

// Flag lifecycle states.
const (
	FlagActive       FlagStatus = "active"
	FlagAcknowledged FlagStatus = "acknowledged"
	FlagResolved     FlagStatus = "resolved"
	FlagEscalated    FlagStatus = "escalated"
	FlagExpired      FlagStatus = "expired"
)

// FlagSource names who raised a flag.
type FlagSource string

// Flag sources.
const (
	SourceSystem     FlagSource = "system"
	SourcePeer       FlagSource = "peer"
	SourceOperator   FlagSource = "operator"
	SourceMonitor    FlagSource = "monitor"
	SourceGovernance FlagSource = "governance"
)

// Flag is a state annotation attached to a node.
type Flag struct {
	ID              string            `json:"id"`
	NodeID          string            `json:"node_id"`
	Kind            string            `json:"kind"`
	Severity        FlagSeverity      `json:"severity"`
	Status          FlagStatus        `json:"status"`
	Source          FlagSource        `json:"source"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	AcknowledgedBy  string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  time.Time         `json:"acknowledged_at"`
	ResolvedBy      string            `json:"resolved_by,omitempty"`
	ResolvedAt      time.Time         `json:"resolved_at"`
	EscalationCount int               `json:"escalation_count"`
	RelatedFlags    []string          `json:"related_flags,omitempty"`
}

// Open reports whether the flag still demands attention.
func (f *Flag) Open() bool {
	switch f.Status {
	case FlagActive, FlagAcknowledged, FlagEscalated:
		return true
	default:
		return false
	}
}

// FlagMetric names a node measurement a rule condition can test.
type FlagMetric string

// Metrics rule conditions understand.
const (
	MetricUptime       FlagMetric = "uptime"
	MetricWorkCredits  FlagMetric = "work_credits"
	MetricResponseTime FlagMetric = "response_time"
)

// FlagComparator is a comparison operator inside a rule condition.
type FlagComparator string

// Comparators rule conditions understand.
const (
	CompareEq FlagComparator = "eq"
	CompareNe FlagComparator = "ne"
	CompareLt FlagComparator = "lt"
	CompareLe FlagComparator = "le"
	CompareGt FlagComparator = "gt"
	CompareGe FlagComparator = "ge"
)

// Compare applies the comparator to an observed and a threshold value.
func (c FlagComparator) Compare(observed, threshold float64) bool {
	switch c {
	case CompareEq:
		return observed == threshold
	case CompareNe:
		return observed != threshold
	case CompareLt:
		return observed < threshold
	case CompareLe:
		return observed <= threshold
	case CompareGt:
		return observed > threshold
	case CompareGe:
		return observed >= threshold
	default:
		return false
	}
}

// FlagCondition is the structured predicate of a rule.
type FlagCondition struct {
	Metric     FlagMetric     `json:"metric"`
	Comparator FlagComparator `json:"comparator"`
	Value      float64        `json:"value"`
	WindowDays int            `json:"window_days,omitempty"`
}

// FlagRule raises flags automatically when its condition holds for a node.
type FlagRule struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	Severity     FlagSeverity  `json:"severity"`
	Condition    FlagCondition `json:"condition"`
	AutoResolve  bool          `json:"auto_resolve"`
	AutoEscalate bool          `json:"auto_escalate"`
	Expiry       time.Duration `json:"expiry"`
	Enabled      bool          `json:"enabled"`
}

// FlagEvent records one transition in a flag's lifecycle.
type FlagEvent struct {
	ID        string    `json:"id"`
	FlagID    string    `json:"flag_id"`
	NodeID    string    `json:"node_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FlagSummary is the cached per node rollup of open flags.
type FlagSummary struct {
	NodeID        string               `json:"node_id"`
	Counts        map[FlagSeverity]int `json:"counts"`
	OpenFlags     int                  `json:"open_flags"`
	WeightedScore float64              `json:"weighted_score"`
	UpdatedAt     time.Time            `json:"updated_at"`
}
