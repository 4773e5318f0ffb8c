package kv

import (
	"bytes"
	"context"
	"fmt"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/bytesutil"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

func voteKey(proposalID, voter string) []byte {
	return []byte(proposalID + ":" + voter)
}

func commentKey(comment *types.ProposalComment) []byte {
	key := []byte(comment.ProposalID)
	key = append(key, bytesutil.Uint64ToBytesBigEndian(uint64(comment.CreatedAt.UnixNano()))...)
	return append(key, []byte(comment.ID)...)
}

// Proposal retrieval by id. Returns nil when no such proposal exists.
func (s *Store) Proposal(ctx context.Context, id string) (*types.Proposal, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Proposal")
	defer span.End()
	var proposal *types.Proposal
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(proposalsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		proposal = &types.Proposal{}
		return decode(ctx, enc, proposal)
	})
	return proposal, err
}

// Proposals retrieves the proposals matching the filter criteria.
func (s *Store) Proposals(ctx context.Context, f *filters.QueryFilter) ([]*types.Proposal, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Proposals")
	defer span.End()
	proposals := make([]*types.Proposal, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(proposalsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			proposal := &types.Proposal{}
			if err := decode(ctx, v, proposal); err != nil {
				return err
			}
			matches, err := proposalMatchesFilter(proposal, f)
			if err != nil {
				return err
			}
			if matches {
				proposals = append(proposals, proposal)
			}
		}
		return nil
	})
	return proposals, err
}

// SaveProposal upserts a proposal keyed by its id.
func (s *Store) SaveProposal(ctx context.Context, proposal *types.Proposal) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveProposal")
	defer span.End()
	enc, err := encode(ctx, proposal)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(proposalsBucket).Put([]byte(proposal.ID), enc)
	})
}

// Vote retrieval by proposal and power holder. Returns nil when the
// holder's power has not been spent on the proposal.
func (s *Store) Vote(ctx context.Context, proposalID string, voter string) (*types.Vote, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Vote")
	defer span.End()
	var vote *types.Vote
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(votesBucket).Get(voteKey(proposalID, voter))
		if enc == nil {
			return nil
		}
		vote = &types.Vote{}
		return decode(ctx, enc, vote)
	})
	return vote, err
}

// Votes retrieves every ballot cast on a proposal.
func (s *Store) Votes(ctx context.Context, proposalID string) ([]*types.Vote, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Votes")
	defer span.End()
	votes := make([]*types.Vote, 0)
	prefix := []byte(proposalID + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(votesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			vote := &types.Vote{}
			if err := decode(ctx, v, vote); err != nil {
				return err
			}
			votes = append(votes, vote)
		}
		return nil
	})
	return votes, err
}

// SaveVote persists a cast ballot, keyed by the node whose voting power it
// spends. Ballots are immutable once cast, so a second spend of the same
// power on the same proposal is rejected with types.ErrDuplicate.
func (s *Store) SaveVote(ctx context.Context, vote *types.Vote) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveVote")
	defer span.End()
	enc, err := encode(ctx, vote)
	if err != nil {
		return err
	}
	key := voteKey(vote.ProposalID, vote.PowerHolder())
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(votesBucket)
		if bkt.Get(key) != nil {
			return errors.Wrapf(types.ErrDuplicate, "power of %s on %s already spent", vote.PowerHolder(), vote.ProposalID)
		}
		return bkt.Put(key, enc)
	})
}

// Delegation retrieval by id. Returns nil when no such delegation exists.
func (s *Store) Delegation(ctx context.Context, id string) (*types.Delegation, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Delegation")
	defer span.End()
	var delegation *types.Delegation
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(delegationsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		delegation = &types.Delegation{}
		return decode(ctx, enc, delegation)
	})
	return delegation, err
}

// DelegationsByDelegate retrieves the delegations naming the node as the
// delegate.
func (s *Store) DelegationsByDelegate(ctx context.Context, nodeID string) ([]*types.Delegation, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DelegationsByDelegate")
	defer span.End()
	return s.delegationsWhere(ctx, func(d *types.Delegation) bool {
		return d.Delegate == nodeID
	})
}

// DelegationsByDelegator retrieves the delegations created by the node.
func (s *Store) DelegationsByDelegator(ctx context.Context, nodeID string) ([]*types.Delegation, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DelegationsByDelegator")
	defer span.End()
	return s.delegationsWhere(ctx, func(d *types.Delegation) bool {
		return d.Delegator == nodeID
	})
}

func (s *Store) delegationsWhere(ctx context.Context, match func(*types.Delegation) bool) ([]*types.Delegation, error) {
	delegations := make([]*types.Delegation, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(delegationsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			delegation := &types.Delegation{}
			if err := decode(ctx, v, delegation); err != nil {
				return err
			}
			if match(delegation) {
				delegations = append(delegations, delegation)
			}
		}
		return nil
	})
	return delegations, err
}

// SaveDelegation upserts a delegation keyed by its id.
func (s *Store) SaveDelegation(ctx context.Context, delegation *types.Delegation) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveDelegation")
	defer span.End()
	enc, err := encode(ctx, delegation)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(delegationsBucket).Put([]byte(delegation.ID), enc)
	})
}

// VoteTally retrieval by proposal id. Returns nil when the proposal has not
// been tallied.
func (s *Store) VoteTally(ctx context.Context, proposalID string) (*types.VoteTally, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.VoteTally")
	defer span.End()
	var tally *types.VoteTally
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(voteTalliesBucket).Get([]byte(proposalID))
		if enc == nil {
			return nil
		}
		tally = &types.VoteTally{}
		return decode(ctx, enc, tally)
	})
	return tally, err
}

// SaveVoteTally upserts the tallied outcome of a proposal.
func (s *Store) SaveVoteTally(ctx context.Context, tally *types.VoteTally) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveVoteTally")
	defer span.End()
	enc, err := encode(ctx, tally)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(voteTalliesBucket).Put([]byte(tally.ProposalID), enc)
	})
}

// ProposalComments retrieves the discussion entries of a proposal in
// chronological order.
func (s *Store) ProposalComments(ctx context.Context, proposalID string) ([]*types.ProposalComment, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.ProposalComments")
	defer span.End()
	comments := make([]*types.ProposalComment, 0)
	prefix := []byte(proposalID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(commentsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			comment := &types.ProposalComment{}
			if err := decode(ctx, v, comment); err != nil {
				return err
			}
			comments = append(comments, comment)
		}
		return nil
	})
	return comments, err
}

// SaveProposalComment appends a discussion entry to a proposal.
func (s *Store) SaveProposalComment(ctx context.Context, comment *types.ProposalComment) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveProposalComment")
	defer span.End()
	enc, err := encode(ctx, comment)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(commentsBucket).Put(commentKey(comment), enc)
	})
}

func proposalMatchesFilter(proposal *types.Proposal, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.Status:
			if string(proposal.Status) != v.(string) {
				return false, nil
			}
		case filters.Kind:
			if string(proposal.Kind) != v.(string) {
				return false, nil
			}
		case filters.NodeID:
			if proposal.Proposer != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for proposals", k)
		}
	}
	return true, nil
}
