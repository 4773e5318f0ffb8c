package keystore

import (
	"bytes"
	"crypto/rand"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptKey(t *testing.T) {
	key, err := NewKey(rand.Reader)
	if err != nil {
		t.Fatalf("could not generate key: %v", err)
	}
	password := "test password"

	keyJSON, err := EncryptKey(key, password, LightScryptN, LightScryptP)
	if err != nil {
		t.Fatalf("could not encrypt key: %v", err)
	}

	decrypted, err := DecryptKey(keyJSON, password)
	if err != nil {
		t.Fatalf("could not decrypt key: %v", err)
	}
	if !bytes.Equal(decrypted.SecretKey, key.SecretKey) {
		t.Errorf("decrypted secret key does not match original")
	}
	if !bytes.Equal(decrypted.PublicKey, key.PublicKey) {
		t.Errorf("decrypted public key does not match original")
	}
	if !bytes.Equal([]byte(decrypted.ID), []byte(key.ID)) {
		t.Errorf("decrypted key id does not match original")
	}
}

func TestDecryptKey_BadPassword(t *testing.T) {
	key, err := NewKey(rand.Reader)
	if err != nil {
		t.Fatalf("could not generate key: %v", err)
	}

	keyJSON, err := EncryptKey(key, "correct horse", LightScryptN, LightScryptP)
	if err != nil {
		t.Fatalf("could not encrypt key: %v", err)
	}

	if _, err := DecryptKey(keyJSON, "battery staple"); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt with wrong password, got: %v", err)
	}
}

func TestStoreAndGetKey(t *testing.T) {
	tmpdir, err := ioutil.TempDir("", "keystore-store")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := os.RemoveAll(tmpdir); err != nil {
			t.Log(err)
		}
	}()

	ks := Store{tmpdir, LightScryptN, LightScryptP}
	key, err := NewKey(rand.Reader)
	if err != nil {
		t.Fatalf("could not generate key: %v", err)
	}
	password := "test password"
	filename := ks.JoinPath("identity.json")

	if err := ks.StoreKey(filename, key, password); err != nil {
		t.Fatalf("could not store key: %v", err)
	}

	retrieved, err := ks.GetKey(filename, password)
	if err != nil {
		t.Fatalf("could not get key: %v", err)
	}
	if !bytes.Equal(retrieved.SecretKey, key.SecretKey) {
		t.Errorf("retrieved secret key does not match stored key")
	}
}

func TestJoinPath(t *testing.T) {
	ks := NewKeystore("/tmp/keystore")
	if got := ks.JoinPath("identity.json"); got != filepath.Join("/tmp/keystore", "identity.json") {
		t.Errorf("JoinPath produced %s", got)
	}
	abs := filepath.Join(os.TempDir(), "identity.json")
	if got := ks.JoinPath(abs); got != abs {
		t.Errorf("JoinPath modified an absolute path: %s", got)
	}
}
