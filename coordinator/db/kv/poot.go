package kv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/bytesutil"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

func challengeNodeIndexKey(challenge *types.OwnershipChallenge) []byte {
	key := []byte(challenge.NodeID)
	key = append(key, bytesutil.Uint64ToBytesBigEndian(uint64(challenge.IssuedAt.UnixNano()))...)
	return append(key, []byte(challenge.ID)...)
}

func stakeValidationKey(validation *types.StakeValidation) []byte {
	key := []byte(validation.NodeID)
	key = append(key, bytesutil.Uint64ToBytesBigEndian(uint64(validation.CheckedAt.UnixNano()))...)
	return append(key, []byte(validation.ID)...)
}

func fraudEventKey(event *types.FraudEvent) []byte {
	key := []byte(event.NodeID)
	key = append(key, bytesutil.Uint64ToBytesBigEndian(uint64(event.RecordedAt.UnixNano()))...)
	return append(key, []byte(event.ID)...)
}

// OwnershipChallenge retrieval by id. Returns nil when no such challenge
// exists, which a caller treats the same as an expired one.
func (s *Store) OwnershipChallenge(ctx context.Context, id string) (*types.OwnershipChallenge, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.OwnershipChallenge")
	defer span.End()
	var challenge *types.OwnershipChallenge
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(ownershipChallengesBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		challenge = &types.OwnershipChallenge{}
		return decode(ctx, enc, challenge)
	})
	return challenge, err
}

// ChallengesIssuedSince counts the challenges issued to a node at or after
// the given instant. The issue time is part of the index key, so the count
// never decodes a challenge document.
func (s *Store) ChallengesIssuedSince(ctx context.Context, nodeID string, since time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.ChallengesIssuedSince")
	defer span.End()
	count := 0
	prefix := []byte(nodeID)
	cutoff := uint64(since.UnixNano())
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(challengeNodeIndexBucket).Cursor()
		start := append([]byte(nodeID), bytesutil.Uint64ToBytesBigEndian(cutoff)...)
		for k, _ := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// SaveOwnershipChallenge persists an issued challenge along with its per node
// index entry.
func (s *Store) SaveOwnershipChallenge(ctx context.Context, challenge *types.OwnershipChallenge) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveOwnershipChallenge")
	defer span.End()
	enc, err := encode(ctx, challenge)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(ownershipChallengesBucket).Put([]byte(challenge.ID), enc); err != nil {
			return err
		}
		return tx.Bucket(challengeNodeIndexBucket).Put(challengeNodeIndexKey(challenge), nil)
	})
}

// DeleteExpiredChallenges removes every challenge whose answer window has
// closed at now, index entries included. Returns how many were dropped.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DeleteExpiredChallenges")
	defer span.End()
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(ownershipChallengesBucket)
		idx := tx.Bucket(challengeNodeIndexBucket)
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			challenge := &types.OwnershipChallenge{}
			if err := decode(ctx, v, challenge); err != nil {
				return err
			}
			if !challenge.ExpiredAt(now) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			if err := idx.Delete(challengeNodeIndexKey(challenge)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// OwnershipProof retrieval by id. Returns nil when no such proof exists.
func (s *Store) OwnershipProof(ctx context.Context, id string) (*types.OwnershipProof, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.OwnershipProof")
	defer span.End()
	var proof *types.OwnershipProof
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(ownershipProofsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		proof = &types.OwnershipProof{}
		return decode(ctx, enc, proof)
	})
	return proof, err
}

// OwnershipProofs retrieves the submitted proofs matching the filter criteria.
func (s *Store) OwnershipProofs(ctx context.Context, f *filters.QueryFilter) ([]*types.OwnershipProof, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.OwnershipProofs")
	defer span.End()
	proofs := make([]*types.OwnershipProof, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ownershipProofsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			proof := &types.OwnershipProof{}
			if err := decode(ctx, v, proof); err != nil {
				return err
			}
			matches, err := ownershipProofMatchesFilter(proof, f)
			if err != nil {
				return err
			}
			if matches {
				proofs = append(proofs, proof)
			}
		}
		return nil
	})
	return proofs, err
}

// SaveOwnershipProof upserts a submitted proof keyed by its id.
func (s *Store) SaveOwnershipProof(ctx context.Context, proof *types.OwnershipProof) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveOwnershipProof")
	defer span.End()
	enc, err := encode(ctx, proof)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ownershipProofsBucket).Put([]byte(proof.ID), enc)
	})
}

// StakeValidations retrieves a node's on chain stake checks in the order they
// were performed.
func (s *Store) StakeValidations(ctx context.Context, nodeID string) ([]*types.StakeValidation, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.StakeValidations")
	defer span.End()
	validations := make([]*types.StakeValidation, 0)
	prefix := []byte(nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(stakeValidationsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			validation := &types.StakeValidation{}
			if err := decode(ctx, v, validation); err != nil {
				return err
			}
			validations = append(validations, validation)
		}
		return nil
	})
	return validations, err
}

// SaveStakeValidation appends an on chain stake check to a node's history.
func (s *Store) SaveStakeValidation(ctx context.Context, validation *types.StakeValidation) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveStakeValidation")
	defer span.End()
	enc, err := encode(ctx, validation)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stakeValidationsBucket).Put(stakeValidationKey(validation), enc)
	})
}

// FraudEvents retrieves the fraud signals raised against a node in the order
// they were recorded.
func (s *Store) FraudEvents(ctx context.Context, nodeID string) ([]*types.FraudEvent, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.FraudEvents")
	defer span.End()
	events := make([]*types.FraudEvent, 0)
	prefix := []byte(nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(fraudEventsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			event := &types.FraudEvent{}
			if err := decode(ctx, v, event); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	return events, err
}

// SaveFraudEvent appends a fraud signal to a node's record.
func (s *Store) SaveFraudEvent(ctx context.Context, event *types.FraudEvent) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveFraudEvent")
	defer span.End()
	enc, err := encode(ctx, event)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fraudEventsBucket).Put(fraudEventKey(event), enc)
	})
}

// PruneFraudEventsBefore removes fraud signals recorded before the cutoff,
// so stale events stop weighing on a node's score. Returns how many were
// dropped.
func (s *Store) PruneFraudEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PruneFraudEventsBefore")
	defer span.End()
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(fraudEventsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			event := &types.FraudEvent{}
			if err := decode(ctx, v, event); err != nil {
				return err
			}
			if !event.RecordedAt.Before(cutoff) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ValidationStats retrieval by node id. Returns nil when the node has never
// been validated.
func (s *Store) ValidationStats(ctx context.Context, nodeID string) (*types.ValidationStats, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.ValidationStats")
	defer span.End()
	var stats *types.ValidationStats
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(validationStatsBucket).Get([]byte(nodeID))
		if enc == nil {
			return nil
		}
		stats = &types.ValidationStats{}
		return decode(ctx, enc, stats)
	})
	return stats, err
}

// SaveValidationStats upserts a node's aggregated validation history.
func (s *Store) SaveValidationStats(ctx context.Context, stats *types.ValidationStats) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveValidationStats")
	defer span.End()
	enc, err := encode(ctx, stats)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(validationStatsBucket).Put([]byte(stats.NodeID), enc)
	})
}

func ownershipProofMatchesFilter(proof *types.OwnershipProof, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.NodeID:
			if proof.NodeID != v.(string) {
				return false, nil
			}
		case filters.Status:
			if string(proof.Status) != v.(string) {
				return false, nil
			}
		case filters.Kind:
			if string(proof.ProofKind) != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for ownership proofs", k)
		}
	}
	return true, nil
}
