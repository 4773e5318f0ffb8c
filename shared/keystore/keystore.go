package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"

	"github.com/miragelabs/mirage/shared/hashutil"
	"github.com/pborman/uuid"
	"golang.org/x/crypto/scrypt"
)

const (
	// StandardScryptN is the N parameter of Scrypt encryption algorithm, using 256MB
	// memory and taking approximately 1s CPU time on a modern processor.
	StandardScryptN = 1 << 18
	// StandardScryptP is the P parameter of Scrypt encryption algorithm, using 256MB
	// memory and taking approximately 1s CPU time on a modern processor.
	StandardScryptP = 1

	// LightScryptN is the N parameter of Scrypt encryption algorithm, using 4MB
	// memory and taking approximately 100ms CPU time on a modern processor.
	LightScryptN = 1 << 12
	// LightScryptP is the P parameter of Scrypt encryption algorithm, using 4MB
	// memory and taking approximately 100ms CPU time on a modern processor.
	LightScryptP = 6

	scryptR     = 8
	scryptDKLen = 32

	// version of the on-disk key format.
	version = 1
)

// ErrDecrypt is returned when the passphrase cannot open the key file.
var ErrDecrypt = errors.New("could not decrypt key with given passphrase")

// Store defines a keystore with a directory path and scrypt values.
type Store struct {
	keysDirPath string
	scryptN     int
	scryptP     int
}

// NewKeystore instantiates a new keystore with standard scrypt parameters.
func NewKeystore(directory string) Store {
	return Store{directory, StandardScryptN, StandardScryptP}
}

// GetKey from file using the filename path and a password.
func (ks Store) GetKey(filename, password string) (*Key, error) {
	// Load the key from the keystore and decrypt its contents.
	keyJSON, err := ioutil.ReadFile(filename) // #nosec G304
	if err != nil {
		return nil, err
	}
	return DecryptKey(keyJSON, password)
}

// StoreKey in filepath and encrypt it with a password.
func (ks Store) StoreKey(filename string, key *Key, auth string) error {
	keyJSON, err := EncryptKey(key, auth, ks.scryptN, ks.scryptP)
	if err != nil {
		return err
	}
	return writeKeyFile(filename, keyJSON)
}

// JoinPath joins the filename with the keystore directory path.
func (ks Store) JoinPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(ks.keysDirPath, filename)
}

type encryptedKeyJSON struct {
	PublicKey string     `json:"publickey"`
	Crypto    cryptoJSON `json:"crypto"`
	ID        string     `json:"id"`
	Version   int        `json:"version"`
}

type cryptoJSON struct {
	Cipher       string                 `json:"cipher"`
	CipherText   string                 `json:"ciphertext"`
	CipherParams cipherparamsJSON       `json:"cipherparams"`
	KDF          string                 `json:"kdf"`
	KDFParams    map[string]interface{} `json:"kdfparams"`
	MAC          string                 `json:"mac"`
}

type cipherparamsJSON struct {
	IV string `json:"iv"`
}

// EncryptKey encrypts a key using the specified scrypt parameters into a JSON
// blob that can be decrypted later on.
func EncryptKey(key *Key, auth string, scryptN, scryptP int) ([]byte, error) {
	authArray := []byte(auth)
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		panic("reading from crypto/rand failed: " + err.Error())
	}
	derivedKey, err := scrypt.Key(authArray, salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, err
	}
	encryptKey := derivedKey[:16]
	keyBytes := []byte(key.SecretKey)

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		panic("reading from crypto/rand failed: " + err.Error())
	}
	cipherText, err := aesCTRXOR(encryptKey, keyBytes, iv)
	if err != nil {
		return nil, err
	}
	mac := hashutil.Hash(append(derivedKey[16:32], cipherText...))

	scryptParamsJSON := make(map[string]interface{}, 5)
	scryptParamsJSON["n"] = scryptN
	scryptParamsJSON["r"] = scryptR
	scryptParamsJSON["p"] = scryptP
	scryptParamsJSON["dklen"] = scryptDKLen
	scryptParamsJSON["salt"] = hex.EncodeToString(salt)

	cipherParamsJSON := cipherparamsJSON{
		IV: hex.EncodeToString(iv),
	}

	cryptoStruct := cryptoJSON{
		Cipher:       "aes-128-ctr",
		CipherText:   hex.EncodeToString(cipherText),
		CipherParams: cipherParamsJSON,
		KDF:          "scrypt",
		KDFParams:    scryptParamsJSON,
		MAC:          hex.EncodeToString(mac[:]),
	}
	encryptedJSON := encryptedKeyJSON{
		PublicKey: hex.EncodeToString(key.PublicKey),
		Crypto:    cryptoStruct,
		ID:        key.ID.String(),
		Version:   version,
	}
	return json.Marshal(encryptedJSON)
}

// DecryptKey decrypts a key from a JSON blob, returning the private key itself.
func DecryptKey(keyJSON []byte, auth string) (*Key, error) {
	k := new(encryptedKeyJSON)
	if err := json.Unmarshal(keyJSON, k); err != nil {
		return nil, err
	}

	if k.Version != version {
		return nil, fmt.Errorf("unsupported key file version %d", k.Version)
	}
	keyBytes, err := decryptKey(k, auth)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decrypted key has invalid length %d", len(keyBytes))
	}
	secretKey := ed25519.PrivateKey(keyBytes)

	return &Key{
		ID:        uuid.Parse(k.ID),
		PublicKey: secretKey.Public().(ed25519.PublicKey),
		SecretKey: secretKey,
	}, nil
}

func decryptKey(keyProtected *encryptedKeyJSON, auth string) ([]byte, error) {
	if keyProtected.Crypto.Cipher != "aes-128-ctr" {
		return nil, fmt.Errorf("cipher not supported: %v", keyProtected.Crypto.Cipher)
	}

	mac, err := hex.DecodeString(keyProtected.Crypto.MAC)
	if err != nil {
		return nil, err
	}

	iv, err := hex.DecodeString(keyProtected.Crypto.CipherParams.IV)
	if err != nil {
		return nil, err
	}

	cipherText, err := hex.DecodeString(keyProtected.Crypto.CipherText)
	if err != nil {
		return nil, err
	}

	derivedKey, err := getKDFKey(keyProtected.Crypto, auth)
	if err != nil {
		return nil, err
	}

	calculatedMAC := hashutil.Hash(append(derivedKey[16:32], cipherText...))
	if !bytes.Equal(calculatedMAC[:], mac) {
		return nil, ErrDecrypt
	}

	plainText, err := aesCTRXOR(derivedKey[:16], cipherText, iv)
	if err != nil {
		return nil, err
	}
	return plainText, nil
}

func getKDFKey(cryptoJSON cryptoJSON, auth string) ([]byte, error) {
	authArray := []byte(auth)
	if cryptoJSON.KDF != "scrypt" {
		return nil, fmt.Errorf("unsupported KDF: %s", cryptoJSON.KDF)
	}
	salt, err := hex.DecodeString(cryptoJSON.KDFParams["salt"].(string))
	if err != nil {
		return nil, err
	}
	dkLen := ensureInt(cryptoJSON.KDFParams["dklen"])
	n := ensureInt(cryptoJSON.KDFParams["n"])
	r := ensureInt(cryptoJSON.KDFParams["r"])
	p := ensureInt(cryptoJSON.KDFParams["p"])
	return scrypt.Key(authArray, salt, n, r, p, dkLen)
}

// Because json.Unmarshal gives float64 for all numbers.
func ensureInt(x interface{}) int {
	res, ok := x.(int)
	if !ok {
		res = int(x.(float64))
	}
	return res
}

func aesCTRXOR(key, inText, iv []byte) ([]byte, error) {
	// AES-128 is selected due to size of encryptKey.
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	stream := cipher.NewCTR(aesBlock, iv)
	outText := make([]byte, len(inText))
	stream.XORKeyStream(outText, inText)
	return outText, nil
}
