package kv

import (
	"context"
	"fmt"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// Peer retrieval by node id. Returns nil when the node is unknown.
func (s *Store) Peer(ctx context.Context, nodeID string) (*types.Peer, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Peer")
	defer span.End()
	var peer *types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(peersBucket).Get([]byte(nodeID))
		if enc == nil {
			return nil
		}
		peer = &types.Peer{}
		return decode(ctx, enc, peer)
	})
	return peer, err
}

// Peers retrieves the directory entries matching the filter criteria.
func (s *Store) Peers(ctx context.Context, f *filters.QueryFilter) ([]*types.Peer, error) {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.Peers")
	defer span.End()
	peers := make([]*types.Peer, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(peersBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			peer := &types.Peer{}
			if err := decode(ctx, v, peer); err != nil {
				return err
			}
			matches, err := peerMatchesFilter(peer, f)
			if err != nil {
				return err
			}
			if matches {
				peers = append(peers, peer)
			}
		}
		return nil
	})
	return peers, err
}

// HasPeer checks if a directory entry exists for the node id.
func (s *Store) HasPeer(ctx context.Context, nodeID string) bool {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.HasPeer")
	defer span.End()
	exists := false
	if err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(peersBucket).Get([]byte(nodeID)) != nil
		return nil
	}); err != nil {
		panic(err)
	}
	return exists
}

// SavePeer upserts a directory entry keyed by its node id.
func (s *Store) SavePeer(ctx context.Context, peer *types.Peer) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.SavePeer")
	defer span.End()
	enc, err := encode(ctx, peer)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(peer.NodeID), enc)
	})
}

// DeletePeer removes a directory entry by node id.
func (s *Store) DeletePeer(ctx context.Context, nodeID string) error {
	ctx, span := trace.StartSpan(ctx, "coordinatorDB.DeletePeer")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Delete([]byte(nodeID))
	})
}

func peerMatchesFilter(peer *types.Peer, f *filters.QueryFilter) (bool, error) {
	if f == nil {
		return true, nil
	}
	for k, v := range f.Filters() {
		switch k {
		case filters.NodeID:
			if peer.NodeID != v.(string) {
				return false, nil
			}
		case filters.Kind:
			if string(peer.Role) != v.(string) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter criterion %v not supported for peers", k)
		}
	}
	return true, nil
}
