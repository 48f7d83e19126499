// Package secrets implements the per-user secret vault. Values are
// encrypted individually under a dedicated sealing key before they reach
// the persistent store, so plaintext never rests on disk. Reads are only
// made available to an invocation bound to the owning user, through
// SnapshotForUser.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/enclave_layer/internal/platform"
	"github.com/R3E-Network/enclave_layer/internal/storage"
	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

var (
	ErrEmptyUser = errors.New("secrets: empty user id")
	ErrEmptyName = errors.New("secrets: empty secret name")
	ErrNotFound  = errors.New("secrets: secret not found")
)

// Namespace is where the vault mirrors its records in the KV.
const Namespace = "secrets"

// recordVersion tags persisted secret records for future migration.
const recordVersion = 0x01

// record is the persisted form of a secret. The value is the per-secret
// AES-GCM sealed ciphertext; the KV layer seals the whole record again.
type record struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Value  []byte `json:"value"`
}

// Vault is the in-memory user → (name → ciphertext) map mirrored into the
// KV. A single mutex serializes all operations.
type Vault struct {
	mu    sync.Mutex
	store *storage.Store
	plat  platform.Platform
	key   []byte
	users map[string]map[string][]byte
	log   *logger.Logger
}

// New creates a vault and derives its sealing key.
func New(plat platform.Platform, store *storage.Store, log *logger.Logger) (*Vault, error) {
	if log == nil {
		log = logger.NewDefault("secrets")
	}
	key, err := plat.SealKey("secrets")
	if err != nil {
		return nil, fmt.Errorf("derive secrets key: %w", err)
	}
	return &Vault{
		store: store,
		plat:  plat,
		key:   key,
		users: make(map[string]map[string][]byte),
		log:   log,
	}, nil
}

// Load rehydrates the vault by iterating the secrets namespace. Corrupt
// records are logged and skipped; a partial store never aborts startup.
func (v *Vault) Load() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, err := v.store.List(Namespace)
	if err != nil {
		return fmt.Errorf("list secrets namespace: %w", err)
	}

	loaded := 0
	for _, key := range keys {
		data, found, err := v.store.Get(Namespace, key)
		if err != nil || !found {
			v.log.WithField("key", key).WithError(err).Warn("skipping unreadable secret record")
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			v.log.WithField("key", key).WithError(err).Warn("skipping undecodable secret record")
			continue
		}
		names, ok := v.users[rec.UserID]
		if !ok {
			names = make(map[string][]byte)
			v.users[rec.UserID] = names
		}
		names[rec.Name] = rec.Value
		loaded++
	}
	v.log.WithField("count", loaded).Info("secret vault loaded")
	return nil
}

// Put encrypts and stores a secret, overwriting any previous value.
func (v *Vault) Put(userID, name, value string) error {
	if userID == "" {
		return ErrEmptyUser
	}
	if name == "" {
		return ErrEmptyName
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	sealedValue, err := v.plat.SealWith(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	data, err := encodeRecord(record{UserID: userID, Name: name, Value: sealedValue})
	if err != nil {
		return err
	}
	if err := v.store.Put(Namespace, storageKey(userID, name), data); err != nil {
		return fmt.Errorf("persist secret: %w", err)
	}

	names, ok := v.users[userID]
	if !ok {
		names = make(map[string][]byte)
		v.users[userID] = names
	}
	if old, ok := names[name]; ok {
		zeroize(old)
	}
	names[name] = sealedValue
	return nil
}

// Get decrypts and returns a secret. Absence is ErrNotFound, distinct from
// decryption failure.
func (v *Vault) Get(userID, name string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUser
	}
	if name == "" {
		return "", ErrEmptyName
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	sealedValue, ok := v.users[userID][name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	plaintext, err := v.plat.OpenWith(v.key, sealedValue)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	value := string(plaintext)
	zeroize(plaintext)
	return value, nil
}

// Delete zeroizes and removes a secret. Returns false when absent. An empty
// user node is removed with its last secret.
func (v *Vault) Delete(userID, name string) (bool, error) {
	if userID == "" {
		return false, ErrEmptyUser
	}
	if name == "" {
		return false, ErrEmptyName
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	names, ok := v.users[userID]
	if !ok {
		return false, nil
	}
	sealedValue, ok := names[name]
	if !ok {
		return false, nil
	}

	if _, err := v.store.Delete(Namespace, storageKey(userID, name)); err != nil {
		return false, fmt.Errorf("remove persisted secret: %w", err)
	}

	zeroize(sealedValue)
	delete(names, name)
	if len(names) == 0 {
		delete(v.users, userID)
	}
	return true, nil
}

// List returns the secret names of a user, sorted. Values are never listed.
func (v *Vault) List(userID string) ([]string, error) {
	if userID == "" {
		return nil, ErrEmptyUser
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	names := make([]string, 0, len(v.users[userID]))
	for name := range v.users[userID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// SnapshotForUser decrypts every secret of the given user into a JSON
// object {name: value}. The snapshot is handed only to the executor for an
// invocation owned by the same user; constructing it for any other caller
// is a security bug, so the sole call site is the dispatch path.
func (v *Vault) SnapshotForUser(userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUser
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	snapshot := make(map[string]string, len(v.users[userID]))
	for name, sealedValue := range v.users[userID] {
		plaintext, err := v.plat.OpenWith(v.key, sealedValue)
		if err != nil {
			return "", fmt.Errorf("decrypt secret %s: %w", name, err)
		}
		snapshot[name] = string(plaintext)
		zeroize(plaintext)
	}
	out, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(out), nil
}

func storageKey(userID, name string) string {
	// The separator keeps (user, name) pairs unambiguous: neither side may
	// contain it after sanitization anyway, but the length prefix makes the
	// mapping injective regardless.
	return fmt.Sprintf("secret:%d:%s:%s", len(userID), userID, name)
}

func encodeRecord(rec record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal secret record: %w", err)
	}
	return append([]byte{recordVersion}, body...), nil
}

func decodeRecord(data []byte) (record, error) {
	var rec record
	if len(data) < 2 {
		return rec, errors.New("secrets: record too short")
	}
	if data[0] != recordVersion {
		return rec, fmt.Errorf("secrets: unsupported record version %d", data[0])
	}
	if err := json.Unmarshal(data[1:], &rec); err != nil {
		return rec, fmt.Errorf("unmarshal secret record: %w", err)
	}
	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.Name) == "" {
		return rec, errors.New("secrets: record missing user or name")
	}
	return rec, nil
}

// zeroize overwrites sensitive bytes before they are released.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
