package params

// MainnetConfig returns the configuration to be used in the main network.
func MainnetConfig() *CoordinatorConfig {
	return mainnetCoordinatorConfig
}

// UseMainnetConfig for coordinator services.
func UseMainnetConfig() {
	mirageConfig = MainnetConfig()
}

var mainnetCoordinatorConfig = &CoordinatorConfig{
	// Constants (non-configurable).
	FarFutureEpoch: 1<<64 - 1,
	FarFutureSlot:  1<<64 - 1,
	ZeroHash:       [32]byte{},

	// Time parameters.
	GenesisTime:    1735689600, // Jan 1, 2025, 00:00 UTC.
	SecondsPerSlot: 120,
	SlotsPerEpoch:  21600, // 30 days of 120s slots.

	// Peer directory parameters.
	ActivePeerWindow:    600,
	PeerPingInterval:    60,
	PeerPingParallelism: 10,
	PeerGossipInterval:  300,
	StalePeerAfter:      86400,

	// Work credit parameters.
	RelayBandwidthWeight: 1.0,
	StorageProofWeight:   0.5,
	ValidationSigWeight:  0.3,
	UptimeBeaconWeight:   0.1,
	TallySlotInterval:    5,
	ProofRetentionDays:   90,
	CreditWindowDays:     30,

	// Ownership validation parameters.
	OwnershipChallengeTTL:  900,
	OwnershipChallengeRate: 3,
	OwnershipProofCacheTTL: 3600,
	MinStakeAmount:         100,
	FraudScoreThreshold:    0.8,
	FraudEventRetention:    2592000, // 30 days.

	// Flag engine parameters.
	FlagSyncInterval:        60,
	FlagRetentionDays:       30,
	MaxActiveFlagsPerNode:   100,
	CriticalEscalationDelay: 1800,
	HighEscalationDelay:     7200,
	FlagWeightCritical:      10,
	FlagWeightHigh:          5,
	FlagWeightMedium:        2,
	FlagWeightLow:           1,
	FlagWeightInfo:          0.1,

	// Governance parameters.
	DiscussionPeriod:     259200, // 72 hours.
	VotingPeriod:         604800, // 168 hours.
	QuorumFraction:       1.0 / 3.0,
	MaxActiveProposals:   5,
	DelegationExpiryDays: 30,

	// Pool parameters.
	MinPoolSize:              3,
	MaxPoolSize:              50,
	PoolSyncStaleAfter:       600,
	MinMemberContribution:    10,
	MinPendingDistribution:   1.0,
	ContributionDecayFactor:  0.99,
	ContributionGrowthFactor: 0.01,
	PoolHealthInterval:       300,
	PoolDistributionInterval: 3600,

	// Registration parameters.
	RegistrationChallengeTTL:   120,
	RegistrationTimeout:        300,
	RegistrationApprovalScore:  0.8,
	RegistrationMinStake:       100,
	OwnershipChallengeScore:    0.3,
	CapabilityChallengeScore:   0.3,
	ReachabilityChallengeScore: 0.2,
	StorageChallengeScore:      0.2,

	// Shard placement and maintenance parameters.
	ShardReplicationFactor:       3,
	MaxShardsPerHost:             1000,
	OverlayPrefixLength:          8,
	ShardHealthInterval:          60,
	ShardIntegrityInterval:       3600,
	IntegritySampleSize:          10,
	ShardRebalanceInterval:       1800,
	RebalanceHighWatermark:       1.5,
	RebalanceLowWatermark:        0.5,
	RebalanceMaxMoves:            5,
	ShardMetricsRetentionDays:    7,
	IntegrityRecordRetentionDays: 30,
	RepairRecordRetentionDays:    7,
	StorageOptimizeInterval:      86400,

	// Operator sync parameters.
	OperatorHeartbeatInterval: 30,
	OperatorOfflineAfter:      300,
	SyncBatchSize:             100,
	ImmediatePriority:         4,
	MaxSyncRetries:            3,
	SyncExecInterval:          10,
	ConflictScanInterval:      60,
	CheckpointInterval:        900,

	// Payout parameters.
	MinPayoutAmount:       1,
	MaxPayoutAmount:       10000,
	PayoutThreshold:       10,
	PayoutFeePercent:      1.0,
	PayoutBatchSize:       20,
	MaxBatchTotal:         5000,
	PayoutProcessInterval: 300,

	// Mirage constants.
	DefaultBufferSize:        10000,
	DefaultPageSize:          250,
	IdentityKeyFileName:      "/node_identity.json",
	GenesisCountdownInterval: 60,
	ConfigName:               "mainnet",
}
