package params

// MinimalSpecConfig retrieves the minimal config used in tests. Time windows
// shrink to seconds so lifecycle transitions can be observed without
// manipulating clocks.
func MinimalSpecConfig() *CoordinatorConfig {
	minimalConfig := mainnetCoordinatorConfig.Copy()

	// Time parameters.
	minimalConfig.SecondsPerSlot = 6
	minimalConfig.SlotsPerEpoch = 8

	// Peer directory parameters.
	minimalConfig.ActivePeerWindow = 30
	minimalConfig.PeerPingInterval = 5
	minimalConfig.PeerGossipInterval = 10
	minimalConfig.StalePeerAfter = 120

	// Work credit parameters.
	minimalConfig.TallySlotInterval = 1

	// Ownership validation parameters.
	minimalConfig.OwnershipChallengeTTL = 30
	minimalConfig.OwnershipProofCacheTTL = 60

	// Flag engine parameters.
	minimalConfig.FlagSyncInterval = 5
	minimalConfig.CriticalEscalationDelay = 10
	minimalConfig.HighEscalationDelay = 30

	// Governance parameters.
	minimalConfig.DiscussionPeriod = 60
	minimalConfig.VotingPeriod = 120

	// Pool parameters.
	minimalConfig.PoolSyncStaleAfter = 30
	minimalConfig.PoolHealthInterval = 5
	minimalConfig.PoolDistributionInterval = 30

	// Registration parameters.
	minimalConfig.RegistrationChallengeTTL = 10
	minimalConfig.RegistrationTimeout = 30

	// Shard placement and maintenance parameters.
	minimalConfig.ShardHealthInterval = 5
	minimalConfig.ShardIntegrityInterval = 30
	minimalConfig.ShardRebalanceInterval = 60
	minimalConfig.StorageOptimizeInterval = 120

	// Operator sync parameters.
	minimalConfig.OperatorHeartbeatInterval = 2
	minimalConfig.OperatorOfflineAfter = 10
	minimalConfig.SyncExecInterval = 1
	minimalConfig.ConflictScanInterval = 5
	minimalConfig.CheckpointInterval = 30

	// Payout parameters.
	minimalConfig.PayoutProcessInterval = 5

	minimalConfig.ConfigName = "minimal"
	return minimalConfig
}

// UseMinimalConfig for coordinator services.
func UseMinimalConfig() {
	mirageConfig = MinimalSpecConfig()
}
