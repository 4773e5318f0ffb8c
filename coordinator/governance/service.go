// Package governance runs the proposal machinery of the network. Proposals
// move monotonically from draft through discussion and voting to a decision;
// ballots are weighted by the proposal's method, may be cast on behalf of a
// delegator, and roll up into a cached tally that decides quorum and result.
package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/hashutil"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "governance")

var (
	proposalsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governance_proposals_created_total",
		Help: "Number of proposals entered into the system.",
	})
	proposalsDecidedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_proposals_decided_total",
		Help: "Number of proposals reaching a terminal state, by result.",
	}, []string{"result"})
	votesCastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "governance_votes_cast_total",
		Help: "Number of ballots accepted, by choice.",
	}, []string{"choice"})
)

// recentCreditWindowDays is the sliding window backing the work-weighted
// vote methods.
const recentCreditWindowDays = 7

// lifecycleInterval is how often time-based proposal transitions are swept.
const lifecycleInterval = time.Minute

// NodeSource lists the peers whose weight counts toward quorum.
type NodeSource interface {
	GetActivePeers() []*types.Peer
}

// CreditSource reports windowed work credits for a node.
type CreditSource interface {
	CalculateWorkCredits(ctx context.Context, entityID string, windowDays uint64) (float64, error)
}

// StakeSource reports the last verified stake of a node.
type StakeSource interface {
	LatestStake(ctx context.Context, nodeID string) (float64, error)
}

// Config options for the governance engine.
type Config struct {
	Database db.Database
	Peers    NodeSource
	Credits  CreditSource
	Stakes   StakeSource
}

// Service drives proposals through their lifecycle and keeps tallies current.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService initializes the governance engine.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the lifecycle scheduler.
func (s *Service) Start() {
	runutil.RunEvery(s.ctx, lifecycleInterval, s.advanceAll)
	log.Info("Governance engine started")
}

// Stop the lifecycle scheduler.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil.
func (s *Service) Status() error {
	return nil
}

// CreateProposal validates and persists a new proposal in draft. Each
// proposer may only hold a bounded number of undecided proposals at once.
func (s *Service) CreateProposal(ctx context.Context, proposal *types.Proposal) (*types.Proposal, error) {
	if proposal.Proposer == "" {
		return nil, types.ValidationErrorf("proposal is missing a proposer")
	}
	if proposal.Title == "" {
		return nil, types.ValidationErrorf("proposal is missing a title")
	}
	if !types.ValidProposalKind(proposal.Kind) {
		return nil, types.ValidationErrorf("unknown proposal kind %q", proposal.Kind)
	}
	if proposal.WeightMethod == "" {
		proposal.WeightMethod = types.WeightEqual
	}
	if !types.ValidWeightMethod(proposal.WeightMethod) {
		return nil, types.ValidationErrorf("unknown weight method %q", proposal.WeightMethod)
	}
	open, err := s.cfg.Database.Proposals(ctx, filters.NewFilter().SetNodeID(proposal.Proposer))
	if err != nil {
		return nil, errors.Wrap(err, "could not list proposer's proposals")
	}
	active := 0
	for _, p := range open {
		if !p.Decided() {
			active++
		}
	}
	if active >= params.MirageConfig().MaxActiveProposals {
		return nil, types.PreconditionErrorf("proposer %s already has %d undecided proposals", proposal.Proposer, active)
	}
	if proposal.ID == "" {
		proposal.ID = uuid.New().String()
	}
	proposal.Status = types.ProposalDraft
	proposal.CreatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveProposal(ctx, proposal); err != nil {
		return nil, errors.Wrap(err, "could not persist proposal")
	}
	proposalsCreatedTotal.Inc()
	log.WithFields(logrus.Fields{
		"proposal": proposal.ID,
		"proposer": proposal.Proposer,
		"kind":     proposal.Kind,
	}).Info("Proposal drafted")
	return proposal, nil
}

// StartDiscussion opens the comment window of a draft proposal and pins its
// voting schedule: voting starts when the discussion period lapses and runs
// for the configured voting period.
func (s *Service) StartDiscussion(ctx context.Context, proposalID string) (*types.Proposal, error) {
	proposal, err := s.proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != types.ProposalDraft {
		return nil, types.PreconditionErrorf("proposal %s is %s, discussion opens from draft only", proposalID, proposal.Status)
	}
	now := timeutils.Now()
	proposal.Status = types.ProposalDiscussion
	proposal.DiscussionStart = now
	proposal.VotingStart = now.Add(time.Duration(params.MirageConfig().DiscussionPeriod) * time.Second)
	proposal.VotingEnd = proposal.VotingStart.Add(time.Duration(params.MirageConfig().VotingPeriod) * time.Second)
	if err := s.cfg.Database.SaveProposal(ctx, proposal); err != nil {
		return nil, errors.Wrap(err, "could not persist proposal")
	}
	log.WithFields(logrus.Fields{
		"proposal":    proposal.ID,
		"votingStart": proposal.VotingStart,
		"votingEnd":   proposal.VotingEnd,
	}).Info("Discussion opened")
	return proposal, nil
}

// CancelProposal withdraws a proposal that has not yet reached voting.
func (s *Service) CancelProposal(ctx context.Context, proposalID string) (*types.Proposal, error) {
	proposal, err := s.proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != types.ProposalDraft && proposal.Status != types.ProposalDiscussion {
		return nil, types.PreconditionErrorf("proposal %s is %s and can no longer be cancelled", proposalID, proposal.Status)
	}
	proposal.Status = types.ProposalCancelled
	if err := s.cfg.Database.SaveProposal(ctx, proposal); err != nil {
		return nil, errors.Wrap(err, "could not persist proposal")
	}
	proposalsDecidedTotal.WithLabelValues(string(types.ProposalCancelled)).Inc()
	log.WithField("proposal", proposalID).Info("Proposal cancelled")
	return proposal, nil
}

// CastVote records a ballot on a proposal inside its voting window. A ballot
// with delegateFrom set spends the delegator's voting power and requires an
// active delegation covering the proposal's kind at cast time; otherwise it
// spends the voter's own. Either power may be spent at most once.
func (s *Service) CastVote(ctx context.Context, proposalID, voter string, choice types.VoteChoice, delegateFrom string) (*types.Vote, error) {
	if voter == "" {
		return nil, types.ValidationErrorf("vote is missing a voter")
	}
	if !types.ValidVoteChoice(choice) {
		return nil, types.ValidationErrorf("unknown vote choice %q", choice)
	}
	if delegateFrom == voter {
		return nil, types.ValidationErrorf("delegate-from names the voter itself")
	}
	proposal, err := s.proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	// Apply any transition that is due before judging the window, so a
	// ballot does not depend on the scheduler having ticked.
	if err := s.advance(ctx, proposal); err != nil {
		return nil, err
	}
	if proposal.Status != types.ProposalVoting {
		return nil, types.PreconditionErrorf("voting on proposal %s is not open, status is %s", proposalID, proposal.Status)
	}
	now := timeutils.Now()
	holder := voter
	if delegateFrom != "" {
		delegations, err := s.cfg.Database.DelegationsByDelegate(ctx, voter)
		if err != nil {
			return nil, errors.Wrap(err, "could not list delegations")
		}
		covered := false
		for _, d := range delegations {
			if d.Delegator == delegateFrom && d.Covers(proposal.Kind, now) {
				covered = true
				break
			}
		}
		if !covered {
			return nil, types.PreconditionErrorf("no active delegation from %s to %s covers %s proposals", delegateFrom, voter, proposal.Kind)
		}
		holder = delegateFrom
	}
	weight, err := s.weightOf(ctx, proposal.WeightMethod, holder)
	if err != nil {
		return nil, errors.Wrapf(err, "could not weigh the vote of %s", holder)
	}
	vote := &types.Vote{
		ID:           uuid.New().String(),
		ProposalID:   proposal.ID,
		Voter:        voter,
		Choice:       choice,
		Weight:       weight,
		DelegateFrom: delegateFrom,
		CastAt:       now,
	}
	if err := s.cfg.Database.SaveVote(ctx, vote); err != nil {
		return nil, err
	}
	// The vote is durable at this point; a stale cached tally is repaired by
	// the next refresh and must not fail the cast.
	if _, err := s.UpdateProposalTally(ctx, proposal.ID); err != nil {
		log.WithError(err).WithField("proposal", proposal.ID).Warn("Could not refresh tally")
	}
	votesCastTotal.WithLabelValues(string(choice)).Inc()
	return vote, nil
}

// Delegate grants another node the right to spend the delegator's voting
// power for the given proposal kind, or for every kind when scope is "all".
// A delegator holds at most one active delegation per scope.
func (s *Service) Delegate(ctx context.Context, delegator, delegate, scope string) (*types.Delegation, error) {
	if delegator == "" || delegate == "" {
		return nil, types.ValidationErrorf("delegation requires both a delegator and a delegate")
	}
	if delegator == delegate {
		return nil, types.ValidationErrorf("node %s cannot delegate to itself", delegator)
	}
	if scope == "" {
		scope = types.DelegationScopeAll
	}
	if scope != types.DelegationScopeAll && !types.ValidProposalKind(types.ProposalKind(scope)) {
		return nil, types.ValidationErrorf("unknown delegation scope %q", scope)
	}
	existing, err := s.cfg.Database.DelegationsByDelegator(ctx, delegator)
	if err != nil {
		return nil, errors.Wrap(err, "could not list delegations")
	}
	now := timeutils.Now()
	for _, d := range existing {
		if !d.Active || now.After(d.ExpiresAt) {
			continue
		}
		if d.Scope == types.DelegationScopeAll || scope == types.DelegationScopeAll || d.Scope == scope {
			return nil, types.PreconditionErrorf("delegation %s from %s already covers scope %s", d.ID, delegator, scope)
		}
	}
	delegation := &types.Delegation{
		ID:        uuid.New().String(),
		Delegator: delegator,
		Delegate:  delegate,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(params.MirageConfig().DelegationExpiryDays) * 24 * time.Hour),
		Active:    true,
	}
	if err := s.cfg.Database.SaveDelegation(ctx, delegation); err != nil {
		return nil, errors.Wrap(err, "could not persist delegation")
	}
	log.WithFields(logrus.Fields{
		"delegator": delegator,
		"delegate":  delegate,
		"scope":     scope,
	}).Info("Voting power delegated")
	return delegation, nil
}

// RevokeDelegation deactivates a delegation. Ballots already cast with it
// stand.
func (s *Service) RevokeDelegation(ctx context.Context, delegationID string) error {
	delegation, err := s.cfg.Database.Delegation(ctx, delegationID)
	if err != nil {
		return errors.Wrap(err, "could not fetch delegation")
	}
	if delegation == nil {
		return errors.Wrapf(types.ErrNotFound, "delegation %s", delegationID)
	}
	if !delegation.Active {
		return types.PreconditionErrorf("delegation %s is not active", delegationID)
	}
	delegation.Active = false
	if err := s.cfg.Database.SaveDelegation(ctx, delegation); err != nil {
		return errors.Wrap(err, "could not persist delegation")
	}
	log.WithField("delegation", delegationID).Info("Delegation revoked")
	return nil
}

// UpdateProposalTally recomputes and caches the weighted tally of a
// proposal. Quorum compares the cast weight against the configured fraction
// of the total weight held by currently active peers; without quorum the
// result is expired, with it the yes weight must strictly exceed the no
// weight to pass and ties reject.
func (s *Service) UpdateProposalTally(ctx context.Context, proposalID string) (*types.VoteTally, error) {
	proposal, err := s.proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	votes, err := s.cfg.Database.Votes(ctx, proposalID)
	if err != nil {
		return nil, errors.Wrap(err, "could not list votes")
	}
	tally := &types.VoteTally{
		ProposalID: proposalID,
		VotesCast:  len(votes),
		TalliedAt:  timeutils.Now(),
	}
	for _, v := range votes {
		switch v.Choice {
		case types.VoteYes:
			tally.YesWeight += v.Weight
		case types.VoteNo:
			tally.NoWeight += v.Weight
		case types.VoteAbstain:
			tally.AbstainWeight += v.Weight
		}
	}
	for _, peer := range s.cfg.Peers.GetActivePeers() {
		weight, err := s.weightOf(ctx, proposal.WeightMethod, peer.NodeID)
		if err != nil {
			return nil, errors.Wrapf(err, "could not weigh peer %s", peer.NodeID)
		}
		tally.EligibleVoters++
		tally.EligibleWeight += weight
	}
	tally.QuorumMet = tally.CastWeight() >= params.MirageConfig().QuorumFraction*tally.EligibleWeight
	switch {
	case !tally.QuorumMet:
		tally.Result = types.ProposalExpired
	case tally.YesWeight > tally.NoWeight:
		tally.Result = types.ProposalPassed
	default:
		tally.Result = types.ProposalRejected
	}
	if err := s.cfg.Database.SaveVoteTally(ctx, tally); err != nil {
		return nil, errors.Wrap(err, "could not persist tally")
	}
	return tally, nil
}

// ExecuteProposal marks a passed proposal as carried out, stamping the hash
// of the decided record for the audit trail.
func (s *Service) ExecuteProposal(ctx context.Context, proposalID string) (*types.Proposal, error) {
	proposal, err := s.proposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != types.ProposalPassed {
		return nil, types.PreconditionErrorf("only passed proposals execute, %s is %s", proposalID, proposal.Status)
	}
	hash, err := hashutil.HashJSON(proposal)
	if err != nil {
		return nil, errors.Wrap(err, "could not hash proposal")
	}
	proposal.Status = types.ProposalExecuted
	proposal.ExecutedAt = timeutils.Now()
	proposal.ExecutionHash = fmt.Sprintf("%#x", hash)
	if err := s.cfg.Database.SaveProposal(ctx, proposal); err != nil {
		return nil, errors.Wrap(err, "could not persist proposal")
	}
	proposalsDecidedTotal.WithLabelValues(string(types.ProposalExecuted)).Inc()
	log.WithFields(logrus.Fields{
		"proposal": proposalID,
		"hash":     proposal.ExecutionHash,
	}).Info("Proposal executed")
	return proposal, nil
}

// AddComment attaches a discussion entry to a proposal. Comments close once
// voting begins.
func (s *Service) AddComment(ctx context.Context, comment *types.ProposalComment) (*types.ProposalComment, error) {
	if comment.Author == "" {
		return nil, types.ValidationErrorf("comment is missing an author")
	}
	if comment.Body == "" {
		return nil, types.ValidationErrorf("comment is missing a body")
	}
	proposal, err := s.proposal(ctx, comment.ProposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status != types.ProposalDraft && proposal.Status != types.ProposalDiscussion {
		return nil, types.PreconditionErrorf("comments on proposal %s are closed, status is %s", proposal.ID, proposal.Status)
	}
	comment.ID = uuid.New().String()
	comment.CreatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveProposalComment(ctx, comment); err != nil {
		return nil, errors.Wrap(err, "could not persist comment")
	}
	return comment, nil
}

// GetProposal returns a proposal by id.
func (s *Service) GetProposal(ctx context.Context, proposalID string) (*types.Proposal, error) {
	return s.proposal(ctx, proposalID)
}

// ListProposals returns the proposals matching the filter criteria.
func (s *Service) ListProposals(ctx context.Context, f *filters.QueryFilter) ([]*types.Proposal, error) {
	return s.cfg.Database.Proposals(ctx, f)
}

// GetVotes returns the ballots cast on a proposal.
func (s *Service) GetVotes(ctx context.Context, proposalID string) ([]*types.Vote, error) {
	return s.cfg.Database.Votes(ctx, proposalID)
}

// GetTally returns the cached tally of a proposal.
func (s *Service) GetTally(ctx context.Context, proposalID string) (*types.VoteTally, error) {
	tally, err := s.cfg.Database.VoteTally(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if tally == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "tally of proposal %s", proposalID)
	}
	return tally, nil
}

// GetComments returns the discussion entries of a proposal in cast order.
func (s *Service) GetComments(ctx context.Context, proposalID string) ([]*types.ProposalComment, error) {
	return s.cfg.Database.ProposalComments(ctx, proposalID)
}

// GetDelegations returns the delegations granted by a node.
func (s *Service) GetDelegations(ctx context.Context, delegator string) ([]*types.Delegation, error) {
	return s.cfg.Database.DelegationsByDelegator(ctx, delegator)
}

func (s *Service) proposal(ctx context.Context, proposalID string) (*types.Proposal, error) {
	proposal, err := s.cfg.Database.Proposal(ctx, proposalID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch proposal")
	}
	if proposal == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "proposal %s", proposalID)
	}
	return proposal, nil
}

// advanceAll sweeps every proposal with a due time-based transition.
func (s *Service) advanceAll() {
	for _, status := range []types.ProposalStatus{types.ProposalDiscussion, types.ProposalVoting} {
		proposals, err := s.cfg.Database.Proposals(s.ctx, filters.NewFilter().SetStatus(string(status)))
		if err != nil {
			log.WithError(err).Error("Could not list proposals for the lifecycle sweep")
			return
		}
		for _, proposal := range proposals {
			if err := s.advance(s.ctx, proposal); err != nil {
				log.WithError(err).WithField("proposal", proposal.ID).Error("Could not advance proposal")
			}
		}
	}
}

// advance applies the time-based transitions due on the proposal: discussion
// rolls into voting at voting-start, and voting finalizes into the tally's
// result at voting-end.
func (s *Service) advance(ctx context.Context, proposal *types.Proposal) error {
	now := timeutils.Now()
	if proposal.Status == types.ProposalDiscussion && !now.Before(proposal.VotingStart) {
		proposal.Status = types.ProposalVoting
		if err := s.cfg.Database.SaveProposal(ctx, proposal); err != nil {
			return errors.Wrap(err, "could not persist proposal")
		}
		log.WithField("proposal", proposal.ID).Info("Voting opened")
	}
	if proposal.Status == types.ProposalVoting && !now.Before(proposal.VotingEnd) {
		return s.finalize(ctx, proposal)
	}
	return nil
}

func (s *Service) finalize(ctx context.Context, proposal *types.Proposal) error {
	tally, err := s.UpdateProposalTally(ctx, proposal.ID)
	if err != nil {
		return errors.Wrap(err, "could not tally proposal")
	}
	proposal.Status = tally.Result
	if err := s.cfg.Database.SaveProposal(ctx, proposal); err != nil {
		return errors.Wrap(err, "could not persist proposal")
	}
	proposalsDecidedTotal.WithLabelValues(string(tally.Result)).Inc()
	log.WithFields(logrus.Fields{
		"proposal": proposal.ID,
		"result":   tally.Result,
		"yes":      tally.YesWeight,
		"no":       tally.NoWeight,
		"quorum":   tally.QuorumMet,
	}).Info("Proposal decided")
	return nil
}

// weightOf computes the voting power of a node under the given method. Work
// weighted methods floor at one so a quiet node still counts, and hybrid
// averages the stake and work components.
func (s *Service) weightOf(ctx context.Context, method types.WeightMethod, nodeID string) (float64, error) {
	switch method {
	case types.WeightEqual, "":
		return 1, nil
	case types.WeightStake:
		return s.cfg.Stakes.LatestStake(ctx, nodeID)
	case types.WeightWork:
		return s.workWeight(ctx, nodeID)
	case types.WeightHybrid:
		stake, err := s.cfg.Stakes.LatestStake(ctx, nodeID)
		if err != nil {
			return 0, err
		}
		work, err := s.workWeight(ctx, nodeID)
		if err != nil {
			return 0, err
		}
		return (stake + work) / 2, nil
	default:
		return 0, types.ValidationErrorf("unknown weight method %q", method)
	}
}

func (s *Service) workWeight(ctx context.Context, nodeID string) (float64, error) {
	credits, err := s.cfg.Credits.CalculateWorkCredits(ctx, nodeID, recentCreditWindowDays)
	if err != nil {
		return 0, err
	}
	if credits < 1 {
		return 1, nil
	}
	return credits, nil
}
