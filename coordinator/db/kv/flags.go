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

func flagNodeIndexKey(nodeID, flagID string) []byte {
	return append([]byte(nodeID), []byte(flagID)...)
}

func flagEventKey(event *types.FlagEvent) []byte {
	key := []byte(event.FlagID)
	key = append(key, bytesutil.Uint64ToBytesBigEndian(uint64(event.CreatedAt.UnixNano()))...)
	return append(key, []byte(event.ID)...)
}

// Flag retrieval by id. Returns nil when no such flag exists.
func (s *Store) Flag(ctx context.Context, id string) (*types.Flag, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Flag")
	defer span.End()
	var flag *types.Flag
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(flagsBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		flag = &types.Flag{}
		return decode(ctx, enc, flag)
	})
	return flag, err
}

// Flags retrieves the flags matching the filter criteria.
func (s *Store) Flags(ctx context.Context, f *filters.QueryFilter) ([]*types.Flag, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Flags")
	defer span.End()
	flags := make([]*types.Flag, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(flagsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			flag := &types.Flag{}
			if err := decode(ctx, v, flag); err != nil {
				return err
			}
			matches, err := flagMatchesFilter(flag, f)
			if err != nil {
				return err
			}
			if matches {
				flags = append(flags, flag)
			}
		}
		return nil
	})
	return flags, err
}

// FlagsByNode retrieves every flag attached to a node via the per node index.
func (s *Store) FlagsByNode(ctx context.Context, nodeID string) ([]*types.Flag, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.FlagsByNode")
	defer span.End()
	flags := make([]*types.Flag, 0)
	prefix := []byte(nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		flagBkt := tx.Bucket(flagsBucket)
		c := tx.Bucket(flagNodeIndexBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			enc := flagBkt.Get(k[len(prefix):])
			if enc == nil {
				continue
			}
			flag := &types.Flag{}
			if err := decode(ctx, enc, flag); err != nil {
				return err
			}
			flags = append(flags, flag)
		}
		return nil
	})
	return flags, err
}

// CountOpenFlags counts the node's flags still demanding attention. Only the
// index is read, the flag documents themselves stay untouched.
func (s *Store) CountOpenFlags(ctx context.Context, nodeID string) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.CountOpenFlags")
	defer span.End()
	count := 0
	prefix := []byte(nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(flagNodeIndexBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			switch types.FlagStatus(v) {
			case types.FlagActive, types.FlagAcknowledged, types.FlagEscalated:
				count++
			}
		}
		return nil
	})
	return count, err
}

// SaveFlag upserts a flag and keeps the per node index value in step with the
// flag's status.
func (s *Store) SaveFlag(ctx context.Context, flag *types.Flag) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveFlag")
	defer span.End()
	enc, err := encode(ctx, flag)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(flagsBucket).Put([]byte(flag.ID), enc); err != nil {
			return err
		}
		return tx.Bucket(flagNodeIndexBucket).Put(flagNodeIndexKey(flag.NodeID, flag.ID), []byte(flag.Status))
	})
}

// PruneTerminalFlagsBefore deletes resolved and expired flags last touched
// before cutoff, along with their index entries and audit trails. Returns
// how many flags were deleted.
func (s *Store) PruneTerminalFlagsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.PruneTerminalFlagsBefore")
	defer span.End()
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		indexBkt := tx.Bucket(flagNodeIndexBucket)
		eventsBkt := tx.Bucket(flagEventsBucket)
		c := tx.Bucket(flagsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			flag := &types.Flag{}
			if err := decode(ctx, v, flag); err != nil {
				return err
			}
			if flag.Open() || !flag.UpdatedAt.Before(cutoff) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			if err := indexBkt.Delete(flagNodeIndexKey(flag.NodeID, flag.ID)); err != nil {
				return err
			}
			prefix := []byte(flag.ID)
			ec := eventsBkt.Cursor()
			for ek, _ := ec.Seek(prefix); ek != nil && bytes.HasPrefix(ek, prefix); ek, _ = ec.Next() {
				if err := ec.Delete(); err != nil {
					return err
				}
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// FlagEvents retrieves a flag's lifecycle transitions in chronological order.
func (s *Store) FlagEvents(ctx context.Context, flagID string) ([]*types.FlagEvent, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.FlagEvents")
	defer span.End()
	events := make([]*types.FlagEvent, 0)
	prefix := []byte(flagID)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(flagEventsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			event := &types.FlagEvent{}
			if err := decode(ctx, v, event); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	return events, err
}

// SaveFlagEvent appends a lifecycle transition to a flag's audit trail.
func (s *Store) SaveFlagEvent(ctx context.Context, event *types.FlagEvent) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveFlagEvent")
	defer span.End()
	enc, err := encode(ctx, event)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(flagEventsBucket).Put(flagEventKey(event), enc)
	})
}

// FlagRule retrieval by id. Returns nil when no such rule exists.
func (s *Store) FlagRule(ctx context.Context, id string) (*types.FlagRule, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.FlagRule")
	defer span.End()
	var rule *types.FlagRule
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(flagRulesBucket).Get([]byte(id))
		if enc == nil {
			return nil
		}
		rule = &types.FlagRule{}
		return decode(ctx, enc, rule)
	})
	return rule, err
}

// FlagRules retrieves every configured rule.
func (s *Store) FlagRules(ctx context.Context) ([]*types.FlagRule, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.FlagRules")
	defer span.End()
	rules := make([]*types.FlagRule, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(flagRulesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rule := &types.FlagRule{}
			if err := decode(ctx, v, rule); err != nil {
				return err
			}
			rules = append(rules, rule)
		}
		return nil
	})
	return rules, err
}

// SaveFlagRule upserts a rule keyed by its id.
func (s *Store) SaveFlagRule(ctx context.Context, rule *types.FlagRule) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveFlagRule")
	defer span.End()
	enc, err := encode(ctx, rule)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(flagRulesBucket).Put([]byte(rule.ID), enc)
	})
}

// DeleteFlagRule removes a rule from the store.
func (s *Store) DeleteFlagRule(ctx context.Context, id string) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DeleteFlagRule")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(flagRulesBucket).Delete([]byte(id))
	})
}

// FlagSummary retrieval by node id. Returns nil when the node has no cached
// rollup.
func (s *Store) FlagSummary(ctx context.Context, nodeID string) (*types.FlagSummary, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.FlagSummary")
	defer span.End()
	var summary *types.FlagSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(flagSummariesBucket).Get([]byte(nodeID))
		if enc == nil {
			return nil
		}
		summary = &types.FlagSummary{}
		return decode(ctx, enc, summary)
	})
	return summary, err
}

// FlagSummaries retrieves the cached rollup of every flagged node.
func (s *Store) FlagSummaries(ctx context.Context) ([]*types.FlagSummary, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.FlagSummaries")
	defer span.End()
	summaries := make([]*types.FlagSummary, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(flagSummariesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			summary := &types.FlagSummary{}
			if err := decode(ctx, v, summary); err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	return summaries, err
}

// SaveFlagSummary upserts a node's cached rollup.
func (s *Store) SaveFlagSummary(ctx context.Context, summary *types.FlagSummary) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SaveFlagSummary")
	defer span.End()
	enc, err := encode(ctx, summary)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(flagSummariesBucket).Put([]byte(summary.NodeID), enc)
	})
}

func flagMatchesFilter(flag *types.Flag, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.NodeID:
			if flag.NodeID != v.(string) {
				return false, nil
			}
		case filters.Status:
			if string(flag.Status) != v.(string) {
				return false, nil
			}
		case filters.Severity:
			if string(flag.Severity) != v.(string) {
				return false, nil
			}
		case filters.Source:
			if string(flag.Source) != v.(string) {
				return false, nil
			}
		case filters.Kind:
			if flag.Kind != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for flags", k)
		}
	}
	return true, nil
}
