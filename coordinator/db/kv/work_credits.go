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

// Work proofs are keyed by slot first so retention sweeps and slot range
// scans walk a contiguous key range. The node id and task kind suffix keeps
// the key unique per node, slot and kind.
func workProofKey(nodeID string, slot uint64, kind types.TaskKind) []byte {
	return append(bytesutil.Uint64ToBytesBigEndian(slot), []byte(nodeID+":"+string(kind))...)
}

func workTallyKey(entityID string, epoch uint64) []byte {
	return append(bytesutil.Uint64ToBytesBigEndian(epoch), []byte(entityID)...)
}

func tallyCacheKey(entityID string, epoch uint64) string {
	return fmt.Sprintf("%s:%d", entityID, epoch)
}

// HasWorkProof checks if a proof exists for the node, slot and task kind.
func (s *Store) HasWorkProof(ctx context.Context, nodeID string, slot uint64, kind types.TaskKind) bool {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.HasWorkProof")
	defer span.End()
	exists := false
	if err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(workProofsBucket).Get(workProofKey(nodeID, slot, kind)) != nil
		return nil
	}); err != nil {
		panic(err)
	}
	return exists
}

// SaveWorkProof persists a claimed unit of work. A proof that collides with
// an already accepted one for the same node, slot and task kind is rejected
// with types.ErrDuplicate.
func (s *Store) SaveWorkProof(ctx context.Context, proof *types.WorkProof) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveWorkProof")
	defer span.End()
	enc, err := encode(ctx, proof)
	if err != nil {
		return err
	}
	key := workProofKey(proof.NodeID, proof.Slot, proof.TaskKind)
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workProofsBucket)
		if bkt.Get(key) != nil {
			return errors.Wrapf(types.ErrDuplicate, "proof %s already accepted", proof.Key())
		}
		return bkt.Put(key, enc)
	})
}

// WorkProofs retrieves the proofs matching the filter criteria. A start or
// end slot filter bounds the scanned key range instead of walking the whole
// bucket.
func (s *Store) WorkProofs(ctx context.Context, f *filters.QueryFilter) ([]*types.WorkProof, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.WorkProofs")
	defer span.End()
	proofs := make([]*types.WorkProof, 0)
	start, end := slotRangeFromFilter(f)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(workProofsBucket).Cursor()
		for k, v := c.Seek(bytesutil.Uint64ToBytesBigEndian(start)); k != nil; k, v = c.Next() {
			if bytesutil.BytesToUint64BigEndian(k[:8]) > end {
				break
			}
			proof := &types.WorkProof{}
			if err := decode(ctx, v, proof); err != nil {
				return err
			}
			matches, err := workProofMatchesFilter(proof, f)
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

// PruneWorkProofsBefore removes all proofs claimed for slots lower than the
// given slot. Returns the number of pruned records.
func (s *Store) PruneWorkProofsBefore(ctx context.Context, slot uint64) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PruneWorkProofsBefore")
	defer span.End()
	pruned := 0
	cutoff := bytesutil.Uint64ToBytesBigEndian(slot)
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(workProofsBucket).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], cutoff) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// WorkTally retrieves the credit standing of an entity for an epoch. Hot
// rows are served from the tally cache.
func (s *Store) WorkTally(ctx context.Context, entityID string, epoch uint64) (*types.WorkTally, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.WorkTally")
	defer span.End()
	if cached, ok := s.tallyCache.Get(tallyCacheKey(entityID, epoch)); ok {
		return cached.(*types.WorkTally), nil
	}
	var tally *types.WorkTally
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(workTalliesBucket).Get(workTallyKey(entityID, epoch))
		if enc == nil {
			return nil
		}
		tally = &types.WorkTally{}
		return decode(ctx, enc, tally)
	})
	if err == nil && tally != nil {
		s.tallyCache.Set(tallyCacheKey(entityID, epoch), tally, 1)
	}
	return tally, err
}

// WorkTalliesByEpoch retrieves every entity standing recorded for an epoch.
func (s *Store) WorkTalliesByEpoch(ctx context.Context, epoch uint64) ([]*types.WorkTally, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.WorkTalliesByEpoch")
	defer span.End()
	tallies := make([]*types.WorkTally, 0)
	prefix := bytesutil.Uint64ToBytesBigEndian(epoch)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(workTalliesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			tally := &types.WorkTally{}
			if err := decode(ctx, v, tally); err != nil {
				return err
			}
			tallies = append(tallies, tally)
		}
		return nil
	})
	return tallies, err
}

// SaveWorkTally upserts the credit standing of one entity for an epoch.
func (s *Store) SaveWorkTally(ctx context.Context, tally *types.WorkTally) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveWorkTally")
	defer span.End()
	enc, err := encode(ctx, tally)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(workTalliesBucket).Put(workTallyKey(tally.EntityID, tally.Epoch), enc)
	})
	if err == nil {
		s.tallyCache.Set(tallyCacheKey(tally.EntityID, tally.Epoch), tally, 1)
	}
	return err
}

// SaveWorkTallies persists a batch of standings in one transaction, as
// produced by a ranking pass.
func (s *Store) SaveWorkTallies(ctx context.Context, tallies []*types.WorkTally) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveWorkTallies")
	defer span.End()
	encoded := make([][]byte, len(tallies))
	for i, tally := range tallies {
		enc, err := encode(ctx, tally)
		if err != nil {
			return err
		}
		encoded[i] = enc
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workTalliesBucket)
		for i, tally := range tallies {
			if err := bkt.Put(workTallyKey(tally.EntityID, tally.Epoch), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		for _, tally := range tallies {
			s.tallyCache.Set(tallyCacheKey(tally.EntityID, tally.Epoch), tally, 1)
		}
	}
	return err
}

// PruneWorkTalliesBefore removes standings recorded for epochs lower than
// the given epoch. Returns the number of pruned records.
func (s *Store) PruneWorkTalliesBefore(ctx context.Context, epoch uint64) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PruneWorkTalliesBefore")
	defer span.End()
	pruned := 0
	cutoff := bytesutil.Uint64ToBytesBigEndian(epoch)
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(workTalliesBucket).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], cutoff) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err == nil && pruned > 0 {
		// Cached rows for pruned epochs would otherwise outlive their records.
		s.tallyCache.Clear()
	}
	return pruned, err
}

func slotRangeFromFilter(f *filters.QueryFilter) (uint64, uint64) {
	start, end := uint64(0), ^uint64(0)
	if f == nil {
		return start, end
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.StartSlot:
			start = v.(uint64)
		case filters.EndSlot:
			end = v.(uint64)
		}
	}
	return start, end
}

func workProofMatchesFilter(proof *types.WorkProof, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.StartSlot, filters.EndSlot:
			// Already bounded by the scanned key range.
		case filters.NodeID:
			if proof.NodeID != v.(string) {
				return false, nil
			}
		case filters.PoolID:
			if proof.PoolID != v.(string) {
				return false, nil
			}
		case filters.Kind:
			if string(proof.TaskKind) != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for work proofs", k)
		}
	}
	return true, nil
}
