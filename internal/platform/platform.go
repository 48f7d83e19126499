// Package platform wraps the enclave platform's deterministic capabilities:
// sealing-key derivation, attestation quotes, hardware entropy and the
// crypto primitives the rest of the runtime builds on.
//
// In simulation mode the capabilities are backed by the Go standard crypto
// stack with a fixed root sealing secret, so sealed data survives restarts
// of the same (simulated) enclave identity. The simulation is the only
// implementation in this package; no hardware-backed implementation of the
// interface is included.
package platform

import (
	"context"
	"errors"
)

// Errors returned by platform operations. Any platform failure is fatal for
// the enclosing operation; callers surface it unchanged.
var (
	ErrPlatform     = errors.New("platform: primitive failure")
	ErrSealedFormat = errors.New("platform: malformed sealed blob")
)

// AES-GCM framing used by every sealed representation in the runtime:
// iv (12 bytes) followed by tag (16 bytes) followed by ciphertext.
const (
	IVSize  = 12
	TagSize = 16
	KeySize = 16 // AES-128, the width of an SGX sealing key
)

// Platform is the enclave hardware boundary. Implementations must be safe
// for concurrent use; the sealing key material is derived once and cached.
type Platform interface {
	// SealKey derives a 16-byte AES-GCM key bound to the enclave signer
	// identity and version. Deterministic across restarts of the same
	// signed enclave for a given purpose string.
	SealKey(purpose string) ([]byte, error)

	// Random returns n bytes of hardware-backed entropy.
	Random(n int) ([]byte, error)

	// SHA256 hashes data inside the enclave.
	SHA256(data []byte) [32]byte

	// Encrypt performs AES-GCM encryption under key with a fresh random
	// 96-bit IV, returning the IV, ciphertext and authentication tag.
	Encrypt(key, plaintext []byte) (iv, ciphertext, tag []byte, err error)

	// Decrypt reverses Encrypt. Authentication failure is an error; there
	// is no silent corruption.
	Decrypt(key, iv, ciphertext, tag []byte) ([]byte, error)

	// SealWith packs Encrypt output into the canonical iv‖tag‖ciphertext
	// framing under the given key.
	SealWith(key, plaintext []byte) ([]byte, error)

	// OpenWith unpacks and decrypts a blob produced by SealWith.
	OpenWith(key, sealed []byte) ([]byte, error)

	// Seal encrypts data under SealKey("seal"); Unseal reverses it.
	Seal(data []byte) ([]byte, error)
	Unseal(sealed []byte) ([]byte, error)

	// Sign signs message with the enclave identity key; Verify checks a
	// signature against the same key.
	Sign(message []byte) ([]byte, error)
	Verify(message, signature []byte) (bool, error)

	// Quote produces an attestation quote binding reportData to the
	// enclave measurement. The bit layout belongs to the platform.
	Quote(ctx context.Context, reportData []byte) ([]byte, error)

	// MREnclave and MRSigner report the enclave measurements.
	MREnclave() string
	MRSigner() string

	// Timestamp returns trusted milliseconds since epoch.
	Timestamp() int64

	// EpcUsage reports used and total enclave page cache bytes.
	EpcUsage() (used, total uint64)
}

// PackSealed assembles iv‖tag‖ciphertext.
func PackSealed(iv, ciphertext, tag []byte) []byte {
	out := make([]byte, 0, len(iv)+len(tag)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out
}

// UnpackSealed splits a sealed blob into iv, tag and ciphertext. Blobs
// shorter than the fixed header are malformed.
func UnpackSealed(sealed []byte) (iv, tag, ciphertext []byte, err error) {
	if len(sealed) < IVSize+TagSize {
		return nil, nil, nil, ErrSealedFormat
	}
	return sealed[:IVSize], sealed[IVSize : IVSize+TagSize], sealed[IVSize+TagSize:], nil
}
