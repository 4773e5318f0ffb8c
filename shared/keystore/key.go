// Package keystore defines an on-disk format for storing the ed25519 identity
// keys of a node, encrypted with a user supplied passphrase.
package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/miragelabs/mirage/shared/params"
	"github.com/pborman/uuid"
)

// Key holds an identity keypair together with a random unique id.
type Key struct {
	ID uuid.UUID // Version 4 "random" for unique id not derived from key data
	// ed25519 signing keypair of the node
	SecretKey ed25519.PrivateKey
	PublicKey ed25519.PublicKey
}

type plainKeyJSON struct {
	ID        string `json:"id"`
	PublicKey string `json:"publickey"`
	SecretKey string `json:"secretkey"`
}

// MarshalJSON marshals a key struct to JSON.
func (k *Key) MarshalJSON() (j []byte, err error) {
	jStruct := plainKeyJSON{
		hex.EncodeToString(k.ID),
		hex.EncodeToString(k.PublicKey),
		hex.EncodeToString(k.SecretKey),
	}
	j, err = json.Marshal(jStruct)
	return j, err
}

// UnmarshalJSON unmarshals a blob of JSON bytes into a key struct.
func (k *Key) UnmarshalJSON(j []byte) (err error) {
	keyJSON := new(plainKeyJSON)
	if err := json.Unmarshal(j, &keyJSON); err != nil {
		return err
	}

	id, err := hex.DecodeString(keyJSON.ID)
	if err != nil {
		return err
	}
	k.ID = uuid.UUID(id)

	pub, err := hex.DecodeString(keyJSON.PublicKey)
	if err != nil {
		return err
	}
	k.PublicKey = ed25519.PublicKey(pub)

	sec, err := hex.DecodeString(keyJSON.SecretKey)
	if err != nil {
		return err
	}
	k.SecretKey = ed25519.PrivateKey(sec)

	return nil
}

// NewKey generates a fresh random keypair.
func NewKey(rand io.Reader) (*Key, error) {
	pub, sec, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("key generation: could not read from random source: %v", err)
	}
	return newKeyFromPair(pub, sec), nil
}

// NewKeyFromSeed derives a keypair from the given 32 byte seed.
func NewKeyFromSeed(seed []byte) *Key {
	sec := ed25519.NewKeyFromSeed(seed)
	pub := sec.Public().(ed25519.PublicKey)
	return newKeyFromPair(pub, sec)
}

func newKeyFromPair(pub ed25519.PublicKey, sec ed25519.PrivateKey) *Key {
	id := uuid.NewRandom()
	return &Key{
		ID:        id,
		PublicKey: pub,
		SecretKey: sec,
	}
}

func writeKeyFile(file string, content []byte) error {
	// Create the keystore directory with appropriate permissions
	// in case it is not present yet.
	if err := os.MkdirAll(filepath.Dir(file), params.MirageIoConfig().ReadWriteExecutePermissions); err != nil {
		return err
	}
	// Atomic write: create a temporary hidden file first
	// then move it into place. TempFile assigns mode 0600.
	f, err := ioutil.TempFile(filepath.Dir(file), "."+filepath.Base(file)+".tmp")
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Remove(f.Name()); err != nil {
			return err
		}
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), file)
}
