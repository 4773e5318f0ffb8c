// Package hashutil includes all hash-function related helpers for mirage.
package hashutil

import (
	"encoding/json"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Hash defines a function that returns the sha256 checksum of the data passed in.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashBlake2b returns the first 32 bytes of the blake2b-512 checksum of the
// data passed in. Identity digests use this variant so that they are
// distinguishable from content checksums.
func HashBlake2b(data []byte) [32]byte {
	var hash [32]byte
	h := blake2b.Sum512(data)
	copy(hash[:], h[:32])
	return hash
}

// HashJSON returns the sha256 checksum of the JSON encoding of v. The
// encoding/json package writes map keys in sorted order, which keeps the
// digest stable across runs for map-backed documents.
func HashJSON(v interface{}) ([32]byte, error) {
	var hash [32]byte
	raw, err := json.Marshal(v)
	if err != nil {
		return hash, errors.Wrap(err, "could not marshal value")
	}
	return Hash(raw), nil
}

// CustomSHA256Hasher returns a hash function that uses an enclosed hasher.
// This is not safe for concurrent use as the same hasher is being called
// throughout.
func CustomSHA256Hasher() func([]byte) [32]byte {
	hasher := sha256.New()
	var h [32]byte

	return func(data []byte) [32]byte {
		hasher.Reset()
		hasher.Write(data)
		hasher.Sum(h[:0])

		return h
	}
}
