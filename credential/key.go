package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/ironsession/internal/crypto"
	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/storage"
)

const (
	keyMaterialSize = 32
	kdfRecordID     = "kdf"
	kdfScheme       = "argon2id"
)

// ErrKeyFilePermissions is returned when a key file is readable by group or others.
var ErrKeyFilePermissions = errors.New("key file permissions too open")

// Key is the record sealing key. The bytes live in a memguard Enclave and
// are only decrypted for the duration of a seal or open.
type Key struct {
	enclave *memguard.Enclave
}

// NewKey expands material into a store key. material is wiped.
func NewKey(material []byte) (*Key, error) {
	defer util.WipeBytes(material)
	if len(material) < keyMaterialSize {
		return nil, fmt.Errorf("key material must be at least %d bytes, got %d", keyMaterialSize, len(material))
	}
	return newKey(material, nil)
}

func newKey(material, salt []byte) (*Key, error) {
	k, err := icrypto.DeriveStoreKey(material, salt, namespace)
	if err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	return &Key{enclave: memguard.NewEnclave(k)}, nil
}

// LoadOrCreateKeyFile reads raw key material from path, creating the file
// with fresh random bytes and mode 0600 when it does not exist.
func LoadOrCreateKeyFile(path string) (*Key, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		material, err := util.RandomBytes(keyMaterialSize)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
		if err := os.WriteFile(path, material, 0o600); err != nil {
			util.WipeBytes(material)
			return nil, fmt.Errorf("writing key file: %w", err)
		}
		return NewKey(material)
	case err != nil:
		return nil, fmt.Errorf("stat key file: %w", err)
	}

	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("%s: %w (%o)", path, ErrKeyFilePermissions, info.Mode().Perm())
	}
	material, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return NewKey(material)
}

type kdfRecord struct {
	Salt   []byte              `json:"salt"`
	Params util.Argon2idParams `json:"params"`
}

// KeyFromPassphrase derives the store key from a passphrase with argon2id.
// The salt and parameters are kept in repo alongside the records so the same
// passphrase opens the store on the next run. params is only used the first
// time; afterwards the stored parameters win.
func KeyFromPassphrase(repo storage.Repository, passphrase string, params util.Argon2idParams) (*Key, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}

	rec, err := loadKDFRecord(repo)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound) {
		salt, err := util.RandomBytes(16)
		if err != nil {
			return nil, err
		}
		rec = &kdfRecord{Salt: salt, Params: params}
		if err := storeKDFRecord(repo, rec); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	material, err := util.DeriveArgon2idKey(passphrase, rec.Salt, rec.Params)
	if err != nil {
		return nil, fmt.Errorf("deriving passphrase key: %w", err)
	}
	defer util.WipeBytes(material)
	return newKey(material, rec.Salt)
}

func loadKDFRecord(repo storage.Repository) (*kdfRecord, error) {
	env, err := repo.Get(namespace, recordType, kdfRecordID)
	if err != nil {
		return nil, err
	}
	if env.Scheme != kdfScheme {
		return nil, fmt.Errorf("unexpected kdf record scheme %q", env.Scheme)
	}
	var rec kdfRecord
	if err := json.Unmarshal(env.Ciphertext, &rec); err != nil {
		return nil, fmt.Errorf("decoding kdf record: %w", err)
	}
	return &rec, nil
}

// The KDF record is stored unsealed; salt and cost parameters are not secret.
func storeKDFRecord(repo storage.Repository, rec *kdfRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	env := &storage.Envelope{Ver: 1, Scheme: kdfScheme, Ciphertext: data}
	if err := repo.PutCAS(namespace, recordType, kdfRecordID, 0, env); err != nil {
		return fmt.Errorf("storing kdf record: %w", err)
	}
	return nil
}

// Destroy wipes the key. A destroyed Key fails every seal and open.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.enclave = nil
}

func (k *Key) open() (*memguard.LockedBuffer, error) {
	if k == nil || k.enclave == nil {
		return nil, fmt.Errorf("store key destroyed")
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening store key: %w", err)
	}
	return buf, nil
}
