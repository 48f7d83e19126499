// Package storage implements the namespaced persistent key-value store on
// top of the sealed blob store. Namespaces are created implicitly on first
// write; operations within a namespace are serialized by a per-namespace
// lock, and each namespace supports at most one open transaction.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/R3E-Network/enclave_layer/internal/storage/sealed"
	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

var (
	ErrEmptyNamespace = errors.New("storage: empty namespace")
	ErrEmptyKey       = errors.New("storage: empty key")
	ErrTxInProgress   = errors.New("storage: transaction already open for namespace")
	ErrUnknownTx      = errors.New("storage: unknown transaction")
)

// Store is the namespaced KV. All public operations are safe for
// concurrent use.
type Store struct {
	mu         sync.Mutex
	blobs      *sealed.Store
	namespaces map[string]*namespace
	txIndex    map[string]*transaction
	log        *logger.Logger
}

type namespace struct {
	mu   sync.Mutex
	name string
	dir  string
	tx   *transaction
}

type transaction struct {
	id        string
	ns        *namespace
	changes   map[string][]byte
	deletions map[string]struct{}
}

// New creates a Store over the given sealed blob store.
func New(blobs *sealed.Store, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("storage")
	}
	return &Store{
		blobs:      blobs,
		namespaces: make(map[string]*namespace),
		txIndex:    make(map[string]*transaction),
		log:        log,
	}
}

// Put seals and stores value under (ns, key).
func (s *Store) Put(ns, key string, value []byte) error {
	n, err := s.namespace(ns)
	if err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return s.blobs.Put(n.dir, sanitizeKey(key), value)
}

// Get returns the value under (ns, key). The boolean reports presence;
// while a transaction is open its staging area is consulted first.
func (s *Store) Get(ns, key string) ([]byte, bool, error) {
	n, err := s.namespace(ns)
	if err != nil {
		return nil, false, err
	}
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tx != nil {
		if _, deleted := n.tx.deletions[key]; deleted {
			return nil, false, nil
		}
		if staged, ok := n.tx.changes[key]; ok {
			out := make([]byte, len(staged))
			copy(out, staged)
			return out, true, nil
		}
	}
	return s.blobs.Get(n.dir, sanitizeKey(key))
}

// Delete removes (ns, key). Returns false when the key was absent.
func (s *Store) Delete(ns, key string) (bool, error) {
	n, err := s.namespace(ns)
	if err != nil {
		return false, err
	}
	if key == "" {
		return false, ErrEmptyKey
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return s.blobs.Delete(n.dir, sanitizeKey(key))
}

// Exists reports whether (ns, key) holds a value, honoring any open
// transaction's staging area.
func (s *Store) Exists(ns, key string) (bool, error) {
	n, err := s.namespace(ns)
	if err != nil {
		return false, err
	}
	if key == "" {
		return false, ErrEmptyKey
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tx != nil {
		if _, deleted := n.tx.deletions[key]; deleted {
			return false, nil
		}
		if _, ok := n.tx.changes[key]; ok {
			return true, nil
		}
	}
	return s.blobs.Exists(n.dir, sanitizeKey(key))
}

// List returns the keys of a namespace sorted lexicographically, with
// transaction-staged keys merged in and staged deletions removed.
//
// Listing reports sanitized key forms; keys that needed no sanitization
// round-trip unchanged.
func (s *Store) List(ns string) ([]string, error) {
	n, err := s.namespace(ns)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	names, err := s.blobs.List(n.dir)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]struct{}, len(names))
	for _, name := range names {
		merged[name] = struct{}{}
	}
	if n.tx != nil {
		for key := range n.tx.changes {
			merged[sanitizeKey(key)] = struct{}{}
		}
		for key := range n.tx.deletions {
			delete(merged, sanitizeKey(key))
		}
	}

	out := make([]string, 0, len(merged))
	for name := range merged {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Begin opens a transaction on a namespace and returns its id. A second
// Begin before Commit or Rollback fails with ErrTxInProgress.
func (s *Store) Begin(ns string) (string, error) {
	n, err := s.namespace(ns)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tx != nil {
		return "", fmt.Errorf("%w: %s", ErrTxInProgress, ns)
	}
	tx := &transaction{
		id:        uuid.NewString(),
		ns:        n,
		changes:   make(map[string][]byte),
		deletions: make(map[string]struct{}),
	}
	n.tx = tx

	s.mu.Lock()
	s.txIndex[tx.id] = tx
	s.mu.Unlock()
	return tx.id, nil
}

// PutTx stages a write. The newer operation supersedes any staged deletion
// of the same key.
func (s *Store) PutTx(txID, key string, value []byte) error {
	tx, err := s.tx(txID)
	if err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	tx.ns.mu.Lock()
	defer tx.ns.mu.Unlock()

	staged := make([]byte, len(value))
	copy(staged, value)
	tx.changes[key] = staged
	delete(tx.deletions, key)
	return nil
}

// DelTx stages a deletion, superseding any staged change for the key.
func (s *Store) DelTx(txID, key string) error {
	tx, err := s.tx(txID)
	if err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	tx.ns.mu.Lock()
	defer tx.ns.mu.Unlock()

	tx.deletions[key] = struct{}{}
	delete(tx.changes, key)
	return nil
}

// Commit applies all staged operations. The first failed write stops the
// commit and drops the transaction; operations applied before the failure
// remain visible, and the error reports how many were applied.
func (s *Store) Commit(txID string) error {
	tx, err := s.tx(txID)
	if err != nil {
		return err
	}
	n := tx.ns
	n.mu.Lock()
	defer n.mu.Unlock()

	defer s.drop(tx)

	keys := make([]string, 0, len(tx.changes))
	for key := range tx.changes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	applied := 0
	for _, key := range keys {
		if err := s.blobs.Put(n.dir, sanitizeKey(key), tx.changes[key]); err != nil {
			return fmt.Errorf("commit aborted after %d applied operations: %w", applied, err)
		}
		applied++
	}
	for key := range tx.deletions {
		if _, err := s.blobs.Delete(n.dir, sanitizeKey(key)); err != nil {
			return fmt.Errorf("commit aborted after %d applied operations: %w", applied, err)
		}
		applied++
	}
	return nil
}

// Rollback discards the transaction's staging area.
func (s *Store) Rollback(txID string) error {
	tx, err := s.tx(txID)
	if err != nil {
		return err
	}
	tx.ns.mu.Lock()
	defer tx.ns.mu.Unlock()
	s.drop(tx)
	return nil
}

func (s *Store) namespace(ns string) (*namespace, error) {
	if ns == "" {
		return nil, ErrEmptyNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.namespaces[ns]
	if !ok {
		n = &namespace{name: ns, dir: sanitizeKey(ns)}
		s.namespaces[ns] = n
	}
	return n, nil
}

func (s *Store) tx(txID string) (*transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txIndex[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTx, txID)
	}
	return tx, nil
}

// drop removes the transaction from both indexes. Callers hold the
// namespace lock.
func (s *Store) drop(tx *transaction) {
	tx.ns.tx = nil
	s.mu.Lock()
	delete(s.txIndex, tx.id)
	s.mu.Unlock()
}

// unsafeForPath are the characters replaced during key sanitization.
const unsafeForPath = `/\:*?"<>|`

// sanitizeKey maps an arbitrary key to a filesystem-safe form. Replaced
// characters lose information, so a short hash of the original key is
// appended to keep the mapping injective within a namespace.
func sanitizeKey(key string) string {
	if !strings.ContainsAny(key, unsafeForPath) {
		return key
	}
	sanitized := strings.Map(func(r rune) rune {
		if strings.ContainsRune(unsafeForPath, r) {
			return '_'
		}
		return r
	}, key)
	sum := sha256.Sum256([]byte(key))
	return sanitized + "-" + hex.EncodeToString(sum[:4])
}
