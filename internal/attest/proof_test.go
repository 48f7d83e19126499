package attest

import (
	"context"
	"testing"

	"github.com/R3E-Network/enclave_layer/internal/platform"
)

func newTestProver(t *testing.T) *Prover {
	t.Helper()
	plat, err := platform.NewSimulation(platform.SimulationConfig{RootSecret: []byte("attest-test-root-secret-00000000")})
	if err != nil {
		t.Fatalf("NewSimulation: %v", err)
	}
	return NewProver(plat, nil)
}

func TestProveAndVerify(t *testing.T) {
	prover := newTestProver(t)

	proof, err := prover.Prove(context.Background(), ExecutionProofInput{
		Code:       "function main(){return {}}",
		InputJSON:  `{"a":1}`,
		FunctionID: "fn-1",
		UserID:     "alice",
	}, `{"ok":true}`)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}

	if proof.ProofID == "" || proof.MREnclave == "" || proof.InputHash == "" || proof.OutputHash == "" {
		t.Fatalf("incomplete proof: %+v", proof)
	}
	if len(proof.Quote) == 0 {
		t.Fatal("expected attached quote")
	}

	ok, err := prover.Verify(proof)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected valid proof")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	prover := newTestProver(t)

	proof, err := prover.Prove(context.Background(), ExecutionProofInput{
		Code: "function main(){return 1}", FunctionID: "fn", UserID: "u",
	}, `1`)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}

	proof.OutputHash = "0000000000000000000000000000000000000000000000000000000000000000"
	ok, err := prover.Verify(proof)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("tampered proof verified")
	}
}

func TestDistinctResultsDistinctHashes(t *testing.T) {
	prover := newTestProver(t)
	in := ExecutionProofInput{Code: "c", FunctionID: "f", UserID: "u"}

	a, _ := prover.Prove(context.Background(), in, `{"v":1}`)
	b, _ := prover.Prove(context.Background(), in, `{"v":2}`)
	if a.OutputHash == b.OutputHash {
		t.Fatal("different outputs share a hash")
	}
	if a.InputHash != b.InputHash {
		t.Fatal("same input should share a hash")
	}
}
