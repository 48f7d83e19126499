package platform

import (
	"bytes"
	"context"
	"testing"
)

func newTestSim(t *testing.T) *Simulation {
	t.Helper()
	sim, err := NewSimulation(SimulationConfig{RootSecret: []byte("test-root-secret-0123456789abcdef")})
	if err != nil {
		t.Fatalf("NewSimulation: %v", err)
	}
	return sim
}

func TestSealKeyDeterministic(t *testing.T) {
	a := newTestSim(t)
	b := newTestSim(t)

	ka, err := a.SealKey("blob")
	if err != nil {
		t.Fatalf("SealKey: %v", err)
	}
	kb, err := b.SealKey("blob")
	if err != nil {
		t.Fatalf("SealKey: %v", err)
	}
	if !bytes.Equal(ka, kb) {
		t.Fatal("expected identical keys for identical enclave identity")
	}
	if len(ka) != KeySize {
		t.Fatalf("expected %d-byte key, got %d", KeySize, len(ka))
	}

	other, err := a.SealKey("secrets")
	if err != nil {
		t.Fatalf("SealKey: %v", err)
	}
	if bytes.Equal(ka, other) {
		t.Fatal("expected distinct keys per purpose")
	}
}

func TestSealUnsealRoundTrip(t *testing.T) {
	sim := newTestSim(t)

	plaintext := []byte("confidential payload")
	sealed, err := sim.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed blob contains plaintext")
	}

	out, err := sim.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("round trip mismatch: %q", out)
	}
}

func TestUnsealRejectsTampering(t *testing.T) {
	sim := newTestSim(t)

	sealed, err := sim.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := sim.Unseal(sealed); err == nil {
		t.Fatal("expected authentication failure for tampered blob")
	}

	if _, err := sim.Unseal([]byte("short")); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}

func TestSignVerify(t *testing.T) {
	sim := newTestSim(t)

	msg := []byte("attested result")
	sig, err := sim.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ok, err := sim.Verify(msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected valid signature")
	}

	ok, _ = sim.Verify([]byte("other message"), sig)
	if ok {
		t.Fatal("expected verification failure for altered message")
	}
}

func TestQuoteBindsReportData(t *testing.T) {
	sim := newTestSim(t)

	q1, err := sim.Quote(context.Background(), []byte("report-a"))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	q2, err := sim.Quote(context.Background(), []byte("report-b"))
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if bytes.Equal(q1, q2) {
		t.Fatal("quotes for different report data must differ")
	}
	if len(sim.MREnclave()) == 0 || len(sim.MRSigner()) == 0 {
		t.Fatal("expected non-empty measurements")
	}
}

func TestRandomLength(t *testing.T) {
	sim := newTestSim(t)

	buf, err := sim.Random(33)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	if len(buf) != 33 {
		t.Fatalf("expected 33 bytes, got %d", len(buf))
	}
}
