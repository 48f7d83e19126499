// Package sealed implements the encrypted, integrity-checked blob store the
// persistent KV builds on. Every blob is sealed with AES-GCM under a key
// derived from the enclave sealing material; the on-disk layout is the
// fixed framing iv(12B) ‖ tag(16B) ‖ ciphertext. A JSON metadata sidecar is
// written next to each blob; the sidecar is advisory, the GCM tag is
// authoritative.
package sealed

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/R3E-Network/enclave_layer/internal/platform"
	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

var (
	// ErrCorruption reports a blob whose authentication tag no longer
	// matches, or one too short to carry the sealed framing.
	ErrCorruption = errors.New("sealed: blob corrupted")
)

// metadataDir is the per-directory sidecar location.
const metadataDir = ".metadata"

// Metadata is the advisory sidecar record written with every blob.
type Metadata struct {
	Path      string `json:"path"`
	Size      int    `json:"size"`
	Timestamp int64  `json:"timestamp_ms"`
	Hash      string `json:"hash"`
}

// Store seals and persists blobs through the untrusted HostFS.
type Store struct {
	plat platform.Platform
	fs   HostFS
	key  []byte
	log  *logger.Logger
}

// NewStore derives the blob sealing key and returns a ready store.
func NewStore(plat platform.Platform, fs HostFS, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("sealed")
	}
	key, err := plat.SealKey("blob")
	if err != nil {
		return nil, fmt.Errorf("derive blob key: %w", err)
	}
	return &Store{plat: plat, fs: fs, key: key, log: log}, nil
}

// Put seals plaintext and writes the blob plus its metadata sidecar at
// dir/name. Overwrites recompute the integrity tag.
func (s *Store) Put(dir, name string, plaintext []byte) error {
	sealedBlob, err := s.plat.SealWith(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("seal blob: %w", err)
	}

	blobPath := path.Join(dir, name)
	if err := s.fs.WriteFile(blobPath, sealedBlob); err != nil {
		return fmt.Errorf("write blob %s: %w", blobPath, err)
	}

	hash := s.plat.SHA256(plaintext)
	meta := Metadata{
		Path:      blobPath,
		Size:      len(plaintext),
		Timestamp: s.plat.Timestamp(),
		Hash:      hex.EncodeToString(hash[:]),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := s.fs.WriteFile(s.metadataPath(dir, name), metaBytes); err != nil {
		// The blob itself is durable and self-authenticating; a failed
		// sidecar write is logged, not fatal.
		s.log.WithField("path", blobPath).WithError(err).Warn("metadata sidecar write failed")
	}
	return nil
}

// Get reads and unseals the blob at dir/name. The boolean reports
// existence; authentication failures surface as ErrCorruption.
func (s *Store) Get(dir, name string) ([]byte, bool, error) {
	blobPath := path.Join(dir, name)
	sealedBlob, found, err := s.fs.ReadFile(blobPath)
	if err != nil {
		return nil, false, fmt.Errorf("read blob %s: %w", blobPath, err)
	}
	if !found {
		return nil, false, nil
	}
	if len(sealedBlob) < platform.IVSize+platform.TagSize {
		return nil, true, fmt.Errorf("%w: %s: short blob (%d bytes)", ErrCorruption, blobPath, len(sealedBlob))
	}
	plaintext, err := s.plat.OpenWith(s.key, sealedBlob)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %s: %v", ErrCorruption, blobPath, err)
	}
	return plaintext, true, nil
}

// Exists reports whether a blob is present without unsealing it.
func (s *Store) Exists(dir, name string) (bool, error) {
	_, found, err := s.fs.ReadFile(path.Join(dir, name))
	return found, err
}

// Delete removes the blob and its sidecar. Returns false when the blob was
// absent.
func (s *Store) Delete(dir, name string) (bool, error) {
	blobPath := path.Join(dir, name)
	_, found, err := s.fs.ReadFile(blobPath)
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", blobPath, err)
	}
	if !found {
		return false, nil
	}
	if err := s.fs.Remove(blobPath); err != nil {
		return false, fmt.Errorf("remove blob %s: %w", blobPath, err)
	}
	if err := s.fs.Remove(s.metadataPath(dir, name)); err != nil {
		s.log.WithField("path", blobPath).WithError(err).Warn("metadata sidecar remove failed")
	}
	return true, nil
}

// List returns the blob names under dir, sorted.
func (s *Store) List(dir string) ([]string, error) {
	return s.fs.List(dir)
}

// Metadata reads the advisory sidecar for dir/name.
func (s *Store) Metadata(dir, name string) (*Metadata, bool, error) {
	data, found, err := s.fs.ReadFile(s.metadataPath(dir, name))
	if err != nil || !found {
		return nil, found, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, true, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, true, nil
}

func (s *Store) metadataPath(dir, name string) string {
	return path.Join(dir, metadataDir, name+".metadata")
}
