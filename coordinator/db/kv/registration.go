package kv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

func regChallengeIndexKey(registrationID, challengeID string) []byte {
	return append([]byte(registrationID), []byte(challengeID)...)
}

// Registration retrieval by id. Returns nil when no such registration exists.
func (s *Store) Registration(ctx context.Context, id string) (*types.Registration, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Registration")
	defer span.End()
	var reg *types.Registration
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(registrationsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		reg = &types.Registration{}
		return decode(ctx, enc, reg)
	})
	return reg, err
}

// Registrations retrieves the admission requests matching the filter criteria.
func (s *Store) Registrations(ctx context.Context, f *filters.QueryFilter) ([]*types.Registration, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Registrations")
	defer span.End()
	regs := make([]*types.Registration, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(registrationsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			reg := &types.Registration{}
			if err := decode(ctx, v, reg); err != nil {
				return err
			}
			matches, err := registrationMatchesFilter(reg, f)
			if err != nil {
				return err
			}
			if matches {
				regs = append(regs, reg)
			}
		}
		return nil
	})
	return regs, err
}

// SaveRegistration upserts an admission request keyed by its id.
func (s *Store) SaveRegistration(ctx context.Context, reg *types.Registration) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveRegistration")
	defer span.End()
	enc, err := encode(ctx, reg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(registrationsBucket).Put([]byte(reg.ID), enc)
	})
}

// RegistrationChallenge retrieval by id. Returns nil when no such challenge
// exists.
func (s *Store) RegistrationChallenge(ctx context.Context, id string) (*types.RegistrationChallenge, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.RegistrationChallenge")
	defer span.End()
	var challenge *types.RegistrationChallenge
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(registrationChallengesBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		challenge = &types.RegistrationChallenge{}
		return decode(ctx, enc, challenge)
	})
	return challenge, err
}

// RegistrationChallenges retrieves every admission challenge issued for a
// registration via the per registration index.
func (s *Store) RegistrationChallenges(ctx context.Context, registrationID string) ([]*types.RegistrationChallenge, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.RegistrationChallenges")
	defer span.End()
	challenges := make([]*types.RegistrationChallenge, 0)
	prefix := []byte(registrationID)
	err := s.db.View(func(tx *bolt.Tx) error {
		chalBkt := tx.Bucket(registrationChallengesBucket)
		c := tx.Bucket(regChallengeIndexBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			enc := chalBkt.Get(k[len(prefix):])
			if enc == nil {
				continue
			}
			challenge := &types.RegistrationChallenge{}
			if err := decode(ctx, enc, challenge); err != nil {
				return err
			}
			challenges = append(challenges, challenge)
		}
		return nil
	})
	return challenges, err
}

// SaveRegistrationChallenge upserts an admission challenge and its per
// registration index entry.
func (s *Store) SaveRegistrationChallenge(ctx context.Context, challenge *types.RegistrationChallenge) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveRegistrationChallenge")
	defer span.End()
	enc, err := encode(ctx, challenge)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(registrationChallengesBucket).Put([]byte(challenge.ID), enc); err != nil {
			return err
		}
		return tx.Bucket(regChallengeIndexBucket).Put(regChallengeIndexKey(challenge.RegistrationID, challenge.ID), nil)
	})
}

// PruneRegistrationChallengesBefore deletes admission challenges issued
// before the cutoff along with their index entries, returning how many were
// removed. By the time the cutoff passes a challenge, its admission flow is
// over either way.
func (s *Store) PruneRegistrationChallengesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PruneRegistrationChallengesBefore")
	defer span.End()
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		idxBkt := tx.Bucket(regChallengeIndexBucket)
		c := tx.Bucket(registrationChallengesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			challenge := &types.RegistrationChallenge{}
			if err := decode(ctx, v, challenge); err != nil {
				return err
			}
			if !challenge.IssuedAt.Before(cutoff) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			if err := idxBkt.Delete(regChallengeIndexKey(challenge.RegistrationID, challenge.ID)); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func registrationMatchesFilter(reg *types.Registration, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.NodeID:
			if reg.NodeID != v.(string) {
				return false, nil
			}
		case filters.Status:
			if string(reg.Status) != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for registrations", k)
		}
	}
	return true, nil
}
