// Package params defines all configuration parameters of the mirage
// coordination daemon, with a singleton accessor pattern so every component
// observes the same values at runtime.
package params

import (
	"github.com/mohae/deepcopy"
)

// CoordinatorConfig contains every tunable of the coordination plane. Fields
// carry yaml tags so deployments can override individual values through a
// config file.
type CoordinatorConfig struct {
	// Constants (non-configurable).
	FarFutureEpoch uint64   // FarFutureEpoch represents a stub epoch value far in the future.
	FarFutureSlot  uint64   // FarFutureSlot represents a stub slot value far in the future.
	ZeroHash       [32]byte // ZeroHash is used to represent an empty digest.

	// Time parameters.
	GenesisTime    uint64 `yaml:"GENESIS_TIME"`     // GenesisTime is the unix timestamp (UTC) at which slot 0 of epoch 0 begins.
	SecondsPerSlot uint64 `yaml:"SECONDS_PER_SLOT"` // SecondsPerSlot is the duration of a work accounting slot.
	SlotsPerEpoch  uint64 `yaml:"SLOTS_PER_EPOCH"`  // SlotsPerEpoch is how many slots make up one reward epoch.

	// Peer directory parameters.
	ActivePeerWindow    uint64 `yaml:"ACTIVE_PEER_WINDOW"`    // ActivePeerWindow is how recently (seconds) a peer must be seen to count as active.
	PeerPingInterval    uint64 `yaml:"PEER_PING_INTERVAL"`    // PeerPingInterval is the period (seconds) of the liveness probe loop.
	PeerPingParallelism int64  `yaml:"PEER_PING_PARALLELISM"` // PeerPingParallelism bounds how many liveness probes run concurrently.
	PeerGossipInterval  uint64 `yaml:"PEER_GOSSIP_INTERVAL"`  // PeerGossipInterval is the period (seconds) of directory exchange with random peers.
	StalePeerAfter      uint64 `yaml:"STALE_PEER_AFTER"`      // StalePeerAfter is how long (seconds) an unseen peer stays in the directory before removal.

	// Work credit parameters.
	RelayBandwidthWeight float64 `yaml:"RELAY_BANDWIDTH_WEIGHT"` // RelayBandwidthWeight is credit per GB of relayed traffic.
	StorageProofWeight   float64 `yaml:"STORAGE_PROOF_WEIGHT"`   // StorageProofWeight is credit per verified storage proof.
	ValidationSigWeight  float64 `yaml:"VALIDATION_SIG_WEIGHT"`  // ValidationSigWeight is credit per validation signature.
	UptimeBeaconWeight   float64 `yaml:"UPTIME_BEACON_WEIGHT"`   // UptimeBeaconWeight is credit per uptime beacon.
	TallySlotInterval    uint64  `yaml:"TALLY_SLOT_INTERVAL"`    // TallySlotInterval is how many slots pass between tally recomputations.
	ProofRetentionDays   uint64  `yaml:"PROOF_RETENTION_DAYS"`   // ProofRetentionDays is how long work proofs are kept before the sweep deletes them.
	CreditWindowDays     uint64  `yaml:"CREDIT_WINDOW_DAYS"`     // CreditWindowDays is the default lookback window for credit aggregation.

	// Ownership validation parameters.
	OwnershipChallengeTTL  uint64  `yaml:"OWNERSHIP_CHALLENGE_TTL"`  // OwnershipChallengeTTL is the challenge validity window in seconds.
	OwnershipChallengeRate int64   `yaml:"OWNERSHIP_CHALLENGE_RATE"` // OwnershipChallengeRate is the number of challenges a node may request per hour.
	OwnershipProofCacheTTL uint64  `yaml:"OWNERSHIP_PROOF_CACHE_TTL"`
	MinStakeAmount         float64 `yaml:"MIN_STAKE_AMOUNT"`     // MinStakeAmount is the least stake accepted from a proving node.
	FraudScoreThreshold    float64 `yaml:"FRAUD_SCORE_THRESHOLD"` // FraudScoreThreshold blocks proofs scoring at or above it.
	FraudEventRetention    uint64  `yaml:"FRAUD_EVENT_RETENTION"` // FraudEventRetention is how long (seconds) fraud events weigh on a node.

	// Flag engine parameters.
	FlagSyncInterval        uint64  `yaml:"FLAG_SYNC_INTERVAL"` // FlagSyncInterval is the period (seconds) of the rule evaluation loop.
	FlagRetentionDays       uint64  `yaml:"FLAG_RETENTION_DAYS"`
	MaxActiveFlagsPerNode   int     `yaml:"MAX_ACTIVE_FLAGS_PER_NODE"`
	CriticalEscalationDelay uint64  `yaml:"CRITICAL_ESCALATION_DELAY"` // CriticalEscalationDelay is how long (seconds) a critical flag may sit unacknowledged.
	HighEscalationDelay     uint64  `yaml:"HIGH_ESCALATION_DELAY"`
	FlagWeightCritical      float64 `yaml:"FLAG_WEIGHT_CRITICAL"`
	FlagWeightHigh          float64 `yaml:"FLAG_WEIGHT_HIGH"`
	FlagWeightMedium        float64 `yaml:"FLAG_WEIGHT_MEDIUM"`
	FlagWeightLow           float64 `yaml:"FLAG_WEIGHT_LOW"`
	FlagWeightInfo          float64 `yaml:"FLAG_WEIGHT_INFO"`

	// Governance parameters.
	DiscussionPeriod     uint64  `yaml:"DISCUSSION_PERIOD"` // DiscussionPeriod is the length (seconds) of the comment window before voting.
	VotingPeriod         uint64  `yaml:"VOTING_PERIOD"`     // VotingPeriod is the length (seconds) of the voting window.
	QuorumFraction       float64 `yaml:"QUORUM_FRACTION"`   // QuorumFraction is the share of eligible voters that must cast for a valid outcome.
	MaxActiveProposals   int     `yaml:"MAX_ACTIVE_PROPOSALS"` // MaxActiveProposals caps non-terminal proposals per proposer.
	DelegationExpiryDays uint64  `yaml:"DELEGATION_EXPIRY_DAYS"`

	// Pool parameters.
	MinPoolSize              int     `yaml:"MIN_POOL_SIZE"`
	MaxPoolSize              int     `yaml:"MAX_POOL_SIZE"`
	PoolSyncStaleAfter       uint64  `yaml:"POOL_SYNC_STALE_AFTER"` // PoolSyncStaleAfter marks members degraded when their last sync is older (seconds).
	MinMemberContribution    float64 `yaml:"MIN_MEMBER_CONTRIBUTION"`
	MinPendingDistribution   float64 `yaml:"MIN_PENDING_DISTRIBUTION"`
	ContributionDecayFactor  float64 `yaml:"CONTRIBUTION_DECAY_FACTOR"`
	ContributionGrowthFactor float64 `yaml:"CONTRIBUTION_GROWTH_FACTOR"`
	PoolHealthInterval       uint64  `yaml:"POOL_HEALTH_INTERVAL"`
	PoolDistributionInterval uint64  `yaml:"POOL_DISTRIBUTION_INTERVAL"`

	// Registration parameters.
	RegistrationChallengeTTL   uint64  `yaml:"REGISTRATION_CHALLENGE_TTL"` // RegistrationChallengeTTL is the per-challenge response window in seconds.
	RegistrationTimeout        uint64  `yaml:"REGISTRATION_TIMEOUT"`       // RegistrationTimeout bounds the whole admission flow in seconds.
	RegistrationApprovalScore  float64 `yaml:"REGISTRATION_APPROVAL_SCORE"`
	RegistrationMinStake       float64 `yaml:"REGISTRATION_MIN_STAKE"`
	OwnershipChallengeScore    float64 `yaml:"OWNERSHIP_CHALLENGE_SCORE"`
	CapabilityChallengeScore   float64 `yaml:"CAPABILITY_CHALLENGE_SCORE"`
	ReachabilityChallengeScore float64 `yaml:"REACHABILITY_CHALLENGE_SCORE"`
	StorageChallengeScore      float64 `yaml:"STORAGE_CHALLENGE_SCORE"`

	// Shard placement and maintenance parameters.
	ShardReplicationFactor       int     `yaml:"SHARD_REPLICATION_FACTOR"` // ShardReplicationFactor is the copy count target per shard, primary included.
	MaxShardsPerHost             int     `yaml:"MAX_SHARDS_PER_HOST"`
	OverlayPrefixLength          int     `yaml:"OVERLAY_PREFIX_LENGTH"` // OverlayPrefixLength is how many leading address characters define a placement group.
	ShardHealthInterval          uint64  `yaml:"SHARD_HEALTH_INTERVAL"`
	ShardIntegrityInterval       uint64  `yaml:"SHARD_INTEGRITY_INTERVAL"`
	IntegritySampleSize          int     `yaml:"INTEGRITY_SAMPLE_SIZE"` // IntegritySampleSize caps how many shards one integrity pass verifies.
	ShardRebalanceInterval       uint64  `yaml:"SHARD_REBALANCE_INTERVAL"`
	RebalanceHighWatermark       float64 `yaml:"REBALANCE_HIGH_WATERMARK"` // RebalanceHighWatermark marks hosts loaded above watermark x average.
	RebalanceLowWatermark        float64 `yaml:"REBALANCE_LOW_WATERMARK"`
	RebalanceMaxMoves            int     `yaml:"REBALANCE_MAX_MOVES"` // RebalanceMaxMoves caps shard migrations per rebalancing pass.
	ShardMetricsRetentionDays    uint64  `yaml:"SHARD_METRICS_RETENTION_DAYS"`
	IntegrityRecordRetentionDays uint64  `yaml:"INTEGRITY_RECORD_RETENTION_DAYS"`
	RepairRecordRetentionDays    uint64  `yaml:"REPAIR_RECORD_RETENTION_DAYS"`
	StorageOptimizeInterval      uint64  `yaml:"STORAGE_OPTIMIZE_INTERVAL"`

	// Operator sync parameters.
	OperatorHeartbeatInterval uint64 `yaml:"OPERATOR_HEARTBEAT_INTERVAL"`
	OperatorOfflineAfter      uint64 `yaml:"OPERATOR_OFFLINE_AFTER"` // OperatorOfflineAfter marks silent operators offline after this many seconds.
	SyncBatchSize             int    `yaml:"SYNC_BATCH_SIZE"`        // SyncBatchSize caps operations drained per executor pass.
	ImmediatePriority         int    `yaml:"IMMEDIATE_PRIORITY"`     // ImmediatePriority and above bypasses the queue.
	MaxSyncRetries            int    `yaml:"MAX_SYNC_RETRIES"`
	SyncExecInterval          uint64 `yaml:"SYNC_EXEC_INTERVAL"`
	ConflictScanInterval      uint64 `yaml:"CONFLICT_SCAN_INTERVAL"`
	CheckpointInterval        uint64 `yaml:"CHECKPOINT_INTERVAL"` // CheckpointInterval is the period (seconds) of primary state checkpointing.

	// Payout parameters.
	MinPayoutAmount       float64 `yaml:"MIN_PAYOUT_AMOUNT"`
	MaxPayoutAmount       float64 `yaml:"MAX_PAYOUT_AMOUNT"`
	PayoutThreshold       float64 `yaml:"PAYOUT_THRESHOLD"` // PayoutThreshold is the least accrued amount that triggers a payout.
	PayoutFeePercent      float64 `yaml:"PAYOUT_FEE_PERCENT"`
	PayoutBatchSize       int     `yaml:"PAYOUT_BATCH_SIZE"`
	MaxBatchTotal         float64 `yaml:"MAX_BATCH_TOTAL"` // MaxBatchTotal caps the summed USDT amount of one payout batch.
	PayoutProcessInterval uint64  `yaml:"PAYOUT_PROCESS_INTERVAL"`

	// Mirage constants.
	DefaultBufferSize    int    // DefaultBufferSize of internal event feeds and queues.
	DefaultPageSize      int    // DefaultPageSize for paginated store listings.
	IdentityKeyFileName  string // IdentityKeyFileName is the keystore file holding the node identity key.
	GenesisCountdownInterval uint64 // GenesisCountdownInterval is how often (seconds) the pre-genesis countdown logs.
	ConfigName           string // ConfigName for logging purposes.
}

var mirageConfig = MainnetConfig()

// MirageConfig retrieves the coordinator config.
func MirageConfig() *CoordinatorConfig {
	return mirageConfig
}

// OverrideMirageConfig by replacing the config. The preferred pattern is to
// call MirageConfig(), change the specific parameters, and then call
// OverrideMirageConfig(c). Any subsequent calls to params.MirageConfig() will
// return this new configuration.
func OverrideMirageConfig(c *CoordinatorConfig) {
	mirageConfig = c
}

// Copy returns a copy of the config object.
func (c *CoordinatorConfig) Copy() *CoordinatorConfig {
	config, ok := deepcopy.Copy(*c).(CoordinatorConfig)
	if !ok {
		config = *mirageConfig
	}
	return &config
}
