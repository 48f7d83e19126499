// Package attest produces execution proofs: cryptographic evidence that a
// given invocation ran inside this enclave and produced a given result.
// A proof binds the hashes of the invocation and its output to the enclave
// measurements, signed by the enclave identity key, with the platform quote
// attached for remote verification.
package attest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/enclave_layer/internal/platform"
	"github.com/R3E-Network/enclave_layer/pkg/logger"
)

// ExecutionProof is the verifiable record of one invocation.
type ExecutionProof struct {
	ProofID    string    `json:"proof_id"`
	MREnclave  string    `json:"mrenclave"`
	MRSigner   string    `json:"mrsigner"`
	InputHash  string    `json:"input_hash"`
	OutputHash string    `json:"output_hash"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  []byte    `json:"signature"`
	Quote      []byte    `json:"quote,omitempty"`
}

// Prover generates and verifies execution proofs using the platform
// identity key.
type Prover struct {
	plat platform.Platform
	log  *logger.Logger
}

// NewProver creates a prover.
func NewProver(plat platform.Platform, log *logger.Logger) *Prover {
	if log == nil {
		log = logger.NewDefault("attest")
	}
	return &Prover{plat: plat, log: log}
}

// ExecutionProofInput carries the fields bound by a proof.
type ExecutionProofInput struct {
	Code       string `json:"code"`
	InputJSON  string `json:"input"`
	FunctionID string `json:"function_id"`
	UserID     string `json:"user_id"`
}

// Prove binds the invocation and its result into a signed proof. The
// platform quote covers the proof's own digest, so a verifier can tie the
// result to a genuine enclave with a known measurement.
func (p *Prover) Prove(ctx context.Context, in ExecutionProofInput, resultJSON string) (*ExecutionProof, error) {
	inputData, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal proof input: %w", err)
	}
	inputHash := p.plat.SHA256(inputData)
	outputHash := p.plat.SHA256([]byte(resultJSON))

	proof := &ExecutionProof{
		ProofID:    uuid.NewString(),
		MREnclave:  p.plat.MREnclave(),
		MRSigner:   p.plat.MRSigner(),
		InputHash:  hex.EncodeToString(inputHash[:]),
		OutputHash: hex.EncodeToString(outputHash[:]),
		Timestamp:  time.UnixMilli(p.plat.Timestamp()).UTC(),
	}

	digest := proof.digest()
	sig, err := p.plat.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign proof: %w", err)
	}
	proof.Signature = sig

	quote, err := p.plat.Quote(ctx, digest)
	if err != nil {
		// The signed proof stands on its own; a quote failure is logged,
		// not fatal.
		p.log.WithError(err).Warn("attestation quote unavailable for proof")
	} else {
		proof.Quote = quote
	}
	return proof, nil
}

// Verify checks a proof's signature against the enclave identity key.
func (p *Prover) Verify(proof *ExecutionProof) (bool, error) {
	if proof == nil {
		return false, fmt.Errorf("attest: nil proof")
	}
	return p.plat.Verify(proof.digest(), proof.Signature)
}

// digest serializes the signed portion of a proof.
func (proof *ExecutionProof) digest() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		proof.ProofID, proof.MREnclave, proof.MRSigner,
		proof.InputHash, proof.OutputHash, proof.Timestamp.UnixMilli()))
}
