// Package iface defines the actual database interface used by the
// coordinator, also containing useful, scoped interfaces such as a
// ReadOnlyDatabase.
package iface

import (
	"context"
	"io"
	"time"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
)

// ReadOnlyDatabase represents a read only database with functions that do not modify the DB.
type ReadOnlyDatabase interface {
	// Peer related methods.
	Peer(ctx context.Context, nodeID string) (*types.Peer, error)
	Peers(ctx context.Context, f *filters.QueryFilter) ([]*types.Peer, error)
	HasPeer(ctx context.Context, nodeID string) bool

	// Work credit related methods.
	HasWorkProof(ctx context.Context, nodeID string, slot uint64, kind types.TaskKind) bool
	WorkProofs(ctx context.Context, f *filters.QueryFilter) ([]*types.WorkProof, error)
	WorkTally(ctx context.Context, entityID string, epoch uint64) (*types.WorkTally, error)
	WorkTalliesByEpoch(ctx context.Context, epoch uint64) ([]*types.WorkTally, error)

	// Pool related methods.
	Pool(ctx context.Context, poolID string) (*types.Pool, error)
	Pools(ctx context.Context, f *filters.QueryFilter) ([]*types.Pool, error)
	JoinRequest(ctx context.Context, id string) (*types.JoinRequest, error)
	JoinRequests(ctx context.Context, f *filters.QueryFilter) ([]*types.JoinRequest, error)
	PoolSyncOperations(ctx context.Context, poolID string) ([]*types.PoolSyncOperation, error)

	// Governance related methods.
	Proposal(ctx context.Context, id string) (*types.Proposal, error)
	Proposals(ctx context.Context, f *filters.QueryFilter) ([]*types.Proposal, error)
	Vote(ctx context.Context, proposalID string, voter string) (*types.Vote, error)
	Votes(ctx context.Context, proposalID string) ([]*types.Vote, error)
	Delegation(ctx context.Context, id string) (*types.Delegation, error)
	DelegationsByDelegate(ctx context.Context, nodeID string) ([]*types.Delegation, error)
	DelegationsByDelegator(ctx context.Context, nodeID string) ([]*types.Delegation, error)
	VoteTally(ctx context.Context, proposalID string) (*types.VoteTally, error)
	ProposalComments(ctx context.Context, proposalID string) ([]*types.ProposalComment, error)

	// Flag related methods.
	Flag(ctx context.Context, id string) (*types.Flag, error)
	Flags(ctx context.Context, f *filters.QueryFilter) ([]*types.Flag, error)
	FlagsByNode(ctx context.Context, nodeID string) ([]*types.Flag, error)
	CountOpenFlags(ctx context.Context, nodeID string) (int, error)
	FlagEvents(ctx context.Context, flagID string) ([]*types.FlagEvent, error)
	FlagRule(ctx context.Context, id string) (*types.FlagRule, error)
	FlagRules(ctx context.Context) ([]*types.FlagRule, error)
	FlagSummary(ctx context.Context, nodeID string) (*types.FlagSummary, error)
	FlagSummaries(ctx context.Context) ([]*types.FlagSummary, error)

	// Ownership validation related methods.
	OwnershipChallenge(ctx context.Context, id string) (*types.OwnershipChallenge, error)
	ChallengesIssuedSince(ctx context.Context, nodeID string, since time.Time) (int, error)
	OwnershipProof(ctx context.Context, id string) (*types.OwnershipProof, error)
	OwnershipProofs(ctx context.Context, f *filters.QueryFilter) ([]*types.OwnershipProof, error)
	StakeValidations(ctx context.Context, nodeID string) ([]*types.StakeValidation, error)
	FraudEvents(ctx context.Context, nodeID string) ([]*types.FraudEvent, error)
	ValidationStats(ctx context.Context, nodeID string) (*types.ValidationStats, error)

	// Registration related methods.
	Registration(ctx context.Context, id string) (*types.Registration, error)
	Registrations(ctx context.Context, f *filters.QueryFilter) ([]*types.Registration, error)
	RegistrationChallenge(ctx context.Context, id string) (*types.RegistrationChallenge, error)
	RegistrationChallenges(ctx context.Context, registrationID string) ([]*types.RegistrationChallenge, error)

	// Shard related methods.
	ShardHost(ctx context.Context, nodeID string) (*types.ShardHost, error)
	ShardHosts(ctx context.Context, f *filters.QueryFilter) ([]*types.ShardHost, error)
	Shard(ctx context.Context, id string) (*types.Shard, error)
	Shards(ctx context.Context, f *filters.QueryFilter) ([]*types.Shard, error)
	ShardsByHost(ctx context.Context, nodeID string) ([]*types.Shard, error)
	ShardCreationTasks(ctx context.Context, status string) ([]*types.ShardCreationTask, error)
	MaintenanceWindows(ctx context.Context) ([]*types.MaintenanceWindow, error)
	HostMetricsHistory(ctx context.Context, nodeID string, limit int) ([]*types.HostMetrics, error)
	IntegrityChecks(ctx context.Context, shardID string) ([]*types.IntegrityCheck, error)
	RepairOperations(ctx context.Context, f *filters.QueryFilter) ([]*types.RepairOperation, error)

	// Operator sync related methods.
	Operator(ctx context.Context, id string) (*types.Operator, error)
	Operators(ctx context.Context, f *filters.QueryFilter) ([]*types.Operator, error)
	SyncOperation(ctx context.Context, id string) (*types.SyncOperation, error)
	SyncOperations(ctx context.Context, f *filters.QueryFilter) ([]*types.SyncOperation, error)
	LatestStateCheckpoint(ctx context.Context, operatorID string) (*types.StateCheckpoint, error)
	StateCheckpoints(ctx context.Context, operatorID string, limit int) ([]*types.StateCheckpoint, error)
	SyncConflicts(ctx context.Context, f *filters.QueryFilter) ([]*types.SyncConflict, error)
	OperatorMetrics(ctx context.Context, operatorID string) (*types.OperatorMetrics, error)

	// Payout related methods.
	PayoutRequest(ctx context.Context, id string) (*types.PayoutRequest, error)
	PayoutRequests(ctx context.Context, f *filters.QueryFilter) ([]*types.PayoutRequest, error)
	PendingPayoutSum(ctx context.Context, nodeID string) (float64, error)
	PayoutBatch(ctx context.Context, id string) (*types.PayoutBatch, error)
	PayoutBatches(ctx context.Context, f *filters.QueryFilter) ([]*types.PayoutBatch, error)
	TronTransactions(ctx context.Context, payoutID string) ([]*types.TronTransaction, error)
}

// WriteAccessDatabase represents a write access database with only functions that can modify the DB.
type WriteAccessDatabase interface {
	// Peer related methods.
	SavePeer(ctx context.Context, peer *types.Peer) error
	DeletePeer(ctx context.Context, nodeID string) error

	// Work credit related methods.
	SaveWorkProof(ctx context.Context, proof *types.WorkProof) error
	PruneWorkProofsBefore(ctx context.Context, slot uint64) (int, error)
	SaveWorkTally(ctx context.Context, tally *types.WorkTally) error
	SaveWorkTallies(ctx context.Context, tallies []*types.WorkTally) error
	PruneWorkTalliesBefore(ctx context.Context, epoch uint64) (int, error)

	// Pool related methods.
	SavePool(ctx context.Context, pool *types.Pool) error
	DeletePool(ctx context.Context, poolID string) error
	SaveJoinRequest(ctx context.Context, req *types.JoinRequest) error
	SavePoolSyncOperation(ctx context.Context, op *types.PoolSyncOperation) error

	// Governance related methods.
	SaveProposal(ctx context.Context, proposal *types.Proposal) error
	SaveVote(ctx context.Context, vote *types.Vote) error
	SaveDelegation(ctx context.Context, delegation *types.Delegation) error
	SaveVoteTally(ctx context.Context, tally *types.VoteTally) error
	SaveProposalComment(ctx context.Context, comment *types.ProposalComment) error

	// Flag related methods.
	SaveFlag(ctx context.Context, flag *types.Flag) error
	SaveFlagEvent(ctx context.Context, event *types.FlagEvent) error
	PruneTerminalFlagsBefore(ctx context.Context, cutoff time.Time) (int, error)
	SaveFlagRule(ctx context.Context, rule *types.FlagRule) error
	DeleteFlagRule(ctx context.Context, id string) error
	SaveFlagSummary(ctx context.Context, summary *types.FlagSummary) error

	// Ownership validation related methods.
	SaveOwnershipChallenge(ctx context.Context, challenge *types.OwnershipChallenge) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error)
	SaveOwnershipProof(ctx context.Context, proof *types.OwnershipProof) error
	SaveStakeValidation(ctx context.Context, validation *types.StakeValidation) error
	SaveFraudEvent(ctx context.Context, event *types.FraudEvent) error
	PruneFraudEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
	SaveValidationStats(ctx context.Context, stats *types.ValidationStats) error

	// Registration related methods.
	SaveRegistration(ctx context.Context, reg *types.Registration) error
	SaveRegistrationChallenge(ctx context.Context, challenge *types.RegistrationChallenge) error
	PruneRegistrationChallengesBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Shard related methods.
	SaveShardHost(ctx context.Context, host *types.ShardHost) error
	DeleteShardHost(ctx context.Context, nodeID string) error
	SaveShard(ctx context.Context, shard *types.Shard) error
	DeleteShard(ctx context.Context, id string) error
	SaveShardCreationTask(ctx context.Context, task *types.ShardCreationTask) error
	SaveMaintenanceWindow(ctx context.Context, window *types.MaintenanceWindow) error
	SaveHostMetrics(ctx context.Context, metrics *types.HostMetrics) error
	SaveIntegrityCheck(ctx context.Context, check *types.IntegrityCheck) error
	SaveRepairOperation(ctx context.Context, op *types.RepairOperation) error
	PruneHostMetricsBefore(ctx context.Context, cutoff time.Time) (int, error)
	PruneIntegrityChecksBefore(ctx context.Context, cutoff time.Time) (int, error)
	PruneRepairOperationsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Operator sync related methods.
	SaveOperator(ctx context.Context, operator *types.Operator) error
	DeleteOperator(ctx context.Context, id string) error
	SaveSyncOperation(ctx context.Context, op *types.SyncOperation) error
	SaveStateCheckpoint(ctx context.Context, checkpoint *types.StateCheckpoint) error
	SaveSyncConflict(ctx context.Context, conflict *types.SyncConflict) error
	SaveOperatorMetrics(ctx context.Context, metrics *types.OperatorMetrics) error

	// Payout related methods.
	SavePayoutRequest(ctx context.Context, req *types.PayoutRequest) error
	SavePayoutBatch(ctx context.Context, batch *types.PayoutBatch) error
	SaveTronTransaction(ctx context.Context, tx *types.TronTransaction) error
}

// FullAccessDatabase represents a full access database with only DB interaction functions.
type FullAccessDatabase interface {
	ReadOnlyDatabase
	WriteAccessDatabase
}

// Database represents a full access database with the proper DB helper functions.
type Database interface {
	io.Closer
	FullAccessDatabase

	Backup(ctx context.Context) error
	DatabasePath() string
	ClearDB() error

	// Ephemeral KV cache, for values that live by a ttl rather than in a bucket.
	CacheSet(key string, value interface{}, ttl time.Duration)
	CacheGet(key string) (interface{}, bool)
	CacheDelete(key string)
}
