package platform

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Simulation implements Platform without SGX hardware. Key material is
// derived from a root secret bound to the simulated signer identity, so a
// Simulation constructed with the same identity re-derives the same sealing
// keys after a restart.
type Simulation struct {
	mu        sync.Mutex
	root      []byte
	mrenclave string
	mrsigner  string
	identity  *ecdsa.PrivateKey
	keys      map[string][]byte // purpose -> derived sealing key

	epcTotal uint64
}

// SimulationConfig configures the simulated enclave identity.
type SimulationConfig struct {
	// RootSecret stands in for the CPU fuse material. Derived keys are a
	// pure function of RootSecret and MRSigner.
	RootSecret []byte

	// MREnclave and MRSigner override the generated measurements.
	MREnclave string
	MRSigner  string

	// EpcTotal reported by EpcUsage (default 96 MiB, the classic EPC size).
	EpcTotal uint64
}

// NewSimulation creates a simulated platform. With an empty RootSecret a
// random one is generated, which makes sealed data unrecoverable across
// restarts; tests that exercise restart behavior must pass a fixed secret.
func NewSimulation(cfg SimulationConfig) (*Simulation, error) {
	root := cfg.RootSecret
	if len(root) == 0 {
		root = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, root); err != nil {
			return nil, fmt.Errorf("%w: root secret: %v", ErrPlatform, err)
		}
	}

	mrenclave := cfg.MREnclave
	mrsigner := cfg.MRSigner
	if mrenclave == "" || mrsigner == "" {
		h := sha256.Sum256(append([]byte("simulated-measurement"), root...))
		if mrenclave == "" {
			mrenclave = hex.EncodeToString(h[:])
		}
		if mrsigner == "" {
			s := sha256.Sum256(h[:])
			mrsigner = hex.EncodeToString(s[:])
		}
	}

	epc := cfg.EpcTotal
	if epc == 0 {
		epc = 96 << 20
	}

	sim := &Simulation{
		root:      root,
		mrenclave: mrenclave,
		mrsigner:  mrsigner,
		keys:      make(map[string][]byte),
		epcTotal:  epc,
	}

	// Identity key is derived deterministically so signatures remain
	// verifiable across restarts of the same simulated enclave.
	seed, err := sim.derive("identity-key", 32)
	if err != nil {
		return nil, err
	}
	identity, err := ecdsa.GenerateKey(elliptic.P256(), hkdf.Expand(sha256.New, seed, []byte("ecdsa")))
	if err != nil {
		return nil, fmt.Errorf("%w: identity key: %v", ErrPlatform, err)
	}
	sim.identity = identity

	return sim, nil
}

func (s *Simulation) derive(purpose string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, s.root, []byte(s.mrsigner), []byte("seal:"+purpose))
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive %q: %v", ErrPlatform, purpose, err)
	}
	return key, nil
}

// SealKey derives and caches the AES-128 sealing key for a purpose.
func (s *Simulation) SealKey(purpose string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[purpose]; ok {
		return key, nil
	}
	key, err := s.derive(purpose, KeySize)
	if err != nil {
		return nil, err
	}
	s.keys[purpose] = key
	return key, nil
}

func (s *Simulation) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("%w: rng: %v", ErrPlatform, err)
	}
	return buf, nil
}

func (s *Simulation) SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func (s *Simulation) Encrypt(key, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: iv: %v", ErrPlatform, err)
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	// cipher.AEAD appends the tag to the ciphertext.
	ciphertext = sealed[:len(sealed)-TagSize]
	tag = sealed[len(sealed)-TagSize:]
	return iv, ciphertext, tag, nil
}

func (s *Simulation) Decrypt(key, iv, ciphertext, tag []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatform, err)
	}
	return plaintext, nil
}

func (s *Simulation) SealWith(key, plaintext []byte) ([]byte, error) {
	iv, ciphertext, tag, err := s.Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return PackSealed(iv, ciphertext, tag), nil
}

func (s *Simulation) OpenWith(key, sealed []byte) ([]byte, error) {
	iv, tag, ciphertext, err := UnpackSealed(sealed)
	if err != nil {
		return nil, err
	}
	return s.Decrypt(key, iv, ciphertext, tag)
}

func (s *Simulation) Seal(data []byte) ([]byte, error) {
	key, err := s.SealKey("seal")
	if err != nil {
		return nil, err
	}
	return s.SealWith(key, data)
}

func (s *Simulation) Unseal(sealed []byte) ([]byte, error) {
	key, err := s.SealKey("seal")
	if err != nil {
		return nil, err
	}
	return s.OpenWith(key, sealed)
}

func (s *Simulation) Sign(message []byte) ([]byte, error) {
	hash := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, s.identity, hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrPlatform, err)
	}
	return sig, nil
}

func (s *Simulation) Verify(message, signature []byte) (bool, error) {
	hash := sha256.Sum256(message)
	return ecdsa.VerifyASN1(&s.identity.PublicKey, hash[:], signature), nil
}

// Quote produces a simulated attestation quote: the measurements and a
// SHA-256 digest of the caller's report data, signed by the enclave
// identity key. Real hardware
// would return a QE-signed quote with the same binding.
func (s *Simulation) Quote(ctx context.Context, reportData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatform, err)
	}
	body := make([]byte, 0, 64+len(reportData))
	mre, _ := hex.DecodeString(s.mrenclave)
	mrs, _ := hex.DecodeString(s.mrsigner)
	body = append(body, mre...)
	body = append(body, mrs...)
	report := s.SHA256(reportData)
	body = append(body, report[:]...)
	sig, err := s.Sign(body)
	if err != nil {
		return nil, err
	}
	return append(body, sig...), nil
}

func (s *Simulation) MREnclave() string { return s.mrenclave }
func (s *Simulation) MRSigner() string  { return s.mrsigner }

func (s *Simulation) Timestamp() int64 {
	return time.Now().UnixMilli()
}

// EpcUsage approximates enclave page cache pressure with the Go heap in
// simulation mode.
func (s *Simulation) EpcUsage() (used, total uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	used = m.HeapInuse
	if used > s.epcTotal {
		used = s.epcTotal
	}
	return used, s.epcTotal
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher: %v", ErrPlatform, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm: %v", ErrPlatform, err)
	}
	return aead, nil
}
