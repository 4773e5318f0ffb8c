package kv

// The schema will define how to store and retrieve data from the db. Bucket
// names follow the collection names of the coordination plane so an operator
// can relate a bucket to the module that owns it. Composite keys rely on the
// fixed width of node identifiers (32 hex chars) and generated record ids
// (36 char uuids), letting us run prefix-wide scans across the underlying
// BoltDB buckets when filtering data.
var (
	peersBucket       = []byte("peers")
	workProofsBucket  = []byte("task_proofs")
	workTalliesBucket = []byte("work_tally")

	poolsBucket        = []byte("node_pools")
	joinRequestsBucket = []byte("pool_join_requests")
	poolSyncOpsBucket  = []byte("pool_sync_operations")

	proposalsBucket   = []byte("governance_proposals")
	votesBucket       = []byte("governance_votes")
	delegationsBucket = []byte("vote_delegations")
	commentsBucket    = []byte("governance_comments")
	voteTalliesBucket = []byte("vote_tallies")

	flagsBucket         = []byte("node_flags")
	flagEventsBucket    = []byte("flag_events")
	flagRulesBucket     = []byte("flag_rules")
	flagSummariesBucket = []byte("node_flag_summaries")

	ownershipChallengesBucket = []byte("poot_challenges")
	ownershipProofsBucket     = []byte("poot_proofs")
	stakeValidationsBucket    = []byte("stake_validations")
	fraudEventsBucket         = []byte("fraud_events")
	validationStatsBucket     = []byte("node_validation_stats")

	registrationsBucket          = []byte("node_registrations")
	registrationChallengesBucket = []byte("registration_challenges")

	shardHostsBucket         = []byte("shard_hosts")
	shardsBucket             = []byte("shards")
	shardTasksBucket         = []byte("shard_creation_tasks")
	maintenanceWindowsBucket = []byte("maintenance_windows")
	hostMetricsBucket        = []byte("performance_metrics")
	integrityChecksBucket    = []byte("integrity_checks")
	repairOpsBucket          = []byte("repair_operations")

	operatorsBucket       = []byte("operators")
	syncOpsBucket         = []byte("sync_operations")
	checkpointsBucket     = []byte("state_checkpoints")
	syncConflictsBucket   = []byte("sync_conflicts")
	operatorMetricsBucket = []byte("operator_metrics")

	payoutRequestsBucket = []byte("payout_requests")
	payoutBatchesBucket  = []byte("payout_batches")
	tronTxsBucket        = []byte("tron_transactions")

	// Indices buckets. Every key is a composite presence marker pointing
	// back at a primary record.
	flagNodeIndexBucket      = []byte("flag_node_index")
	challengeNodeIndexBucket = []byte("poot_challenge_node_index")
	regChallengeIndexBucket  = []byte("registration_challenge_index")
	shardHostIndexBucket     = []byte("shard_host_index")
)
