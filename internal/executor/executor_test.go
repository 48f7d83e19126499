package executor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/enclave_layer/internal/gas"
	"github.com/R3E-Network/enclave_layer/internal/platform"
	"github.com/R3E-Network/enclave_layer/internal/secrets"
	"github.com/R3E-Network/enclave_layer/internal/storage"
	"github.com/R3E-Network/enclave_layer/internal/storage/sealed"
)

func newTestExecutor(t *testing.T) (*Executor, *secrets.Vault, *storage.Store) {
	t.Helper()
	plat, err := platform.NewSimulation(platform.SimulationConfig{RootSecret: []byte("executor-test-root-secret-000000")})
	if err != nil {
		t.Fatalf("NewSimulation: %v", err)
	}
	fs := sealed.NewMemFS()
	blobs, err := sealed.NewStore(plat, fs, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	store := storage.New(blobs, nil)
	vault, err := secrets.New(plat, store, nil)
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	exec := New(plat, store, vault, gas.NewAccountant(nil), nil)
	return exec, vault, store
}

func run(t *testing.T, exec *Executor, inv Invocation) *Result {
	t.Helper()
	result, err := exec.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return result
}

func TestExecuteSimpleScript(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code:       `function main(input) { return { sum: input.a + input.b }; }`,
		InputJSON:  `{"a":10,"b":20}`,
		FunctionID: "fn-sum",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	if !result.OK {
		t.Fatalf("expected OK, got %+v", result)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(result.Value), &out); err != nil {
		t.Fatalf("result not JSON: %v (%q)", err, result.Value)
	}
	if out["sum"] != float64(30) {
		t.Fatalf("sum = %v, want 30", out["sum"])
	}
	if result.GasUsed == 0 {
		t.Fatal("expected startup gas to be charged")
	}
}

func TestMainReceivesIdentity(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code:       `function main(input, secrets, functionId, userId) { return { fn: functionId, user: userId }; }`,
		FunctionID: "fn-id",
		UserID:     "carol",
		GasLimit:   100_000,
	})
	var out map[string]string
	_ = json.Unmarshal([]byte(result.Value), &out)
	if out["fn"] != "fn-id" || out["user"] != "carol" {
		t.Fatalf("identity args wrong: %v", out)
	}
}

func TestSecretsSnapshotIsolation(t *testing.T) {
	exec, vault, _ := newTestExecutor(t)

	if err := vault.Put("alice", "db", "pw1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := vault.Put("bob", "db", "pw2"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result := run(t, exec, Invocation{
		Code:       `function main(input, secrets) { return secrets; }`,
		FunctionID: "fn-sec",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	var out map[string]string
	_ = json.Unmarshal([]byte(result.Value), &out)
	if out["db"] != "pw1" {
		t.Fatalf("expected alice's secret, got %v", out)
	}
	if len(out) != 1 {
		t.Fatalf("snapshot leaked: %v", out)
	}
	if strings.Contains(result.Value, "pw2") {
		t.Fatal("bob's secret visible to alice's invocation")
	}
}

func TestUserErrorBecomesEnvelope(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code:       `function main() { throw new Error("boom"); }`,
		FunctionID: "fn-err",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	if !result.OK {
		t.Fatalf("user error should still complete: %+v", result)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(result.Value), &out); err != nil {
		t.Fatalf("envelope not JSON: %v", err)
	}
	if !strings.Contains(out["error"], "boom") {
		t.Fatalf("envelope = %v", out)
	}
}

func TestTopLevelErrorBecomesEnvelope(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code:       `throw new Error("prelude failure");`,
		FunctionID: "fn-top",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	if !result.OK {
		t.Fatalf("expected envelope completion, got %+v", result)
	}
	if !strings.Contains(result.Value, "prelude failure") {
		t.Fatalf("envelope = %q", result.Value)
	}
}

func TestInvalidScriptIsEvaluatorFailure(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	_, err := exec.Execute(context.Background(), Invocation{
		Code:       `function main( {`,
		FunctionID: "fn-bad",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	if err == nil {
		t.Fatal("expected compile failure")
	}
}

func TestGasCeilingTerminatesLoop(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	limit := uint64(5000)
	result := run(t, exec, Invocation{
		Code:       `function main() { while (true) { crypto.hash("x"); } }`,
		FunctionID: "fn-loop",
		UserID:     "alice",
		GasLimit:   limit,
	})
	if !result.GasExceeded {
		t.Fatalf("expected gas exceeded, got %+v", result)
	}
	if result.GasUsed > limit {
		t.Fatalf("gas_used %d exceeds limit %d", result.GasUsed, limit)
	}
	if result.GasUsed != limit {
		t.Fatalf("expected saturated gauge, got %d", result.GasUsed)
	}
}

func TestGasCannotBeCaught(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code: `function main() {
			while (true) {
				try { crypto.hash("x"); } catch (e) { /* swallow */ }
			}
		}`,
		FunctionID: "fn-catch",
		UserID:     "alice",
		GasLimit:   5000,
	})
	if !result.GasExceeded {
		t.Fatalf("gas interrupt was swallowed: %+v", result)
	}
}

func TestTimeCapBackstop(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	exec.SetTimeCap(50 * time.Millisecond)

	result := run(t, exec, Invocation{
		Code:       `function main() { while (true) {} }`,
		FunctionID: "fn-spin",
		UserID:     "alice",
		GasLimit:   1_000_000,
	})
	if result.OK {
		t.Fatal("unmetered spin loop should hit the time cap")
	}
	if result.GasExceeded {
		t.Fatal("time cap should not masquerade as gas exhaustion")
	}
}

func TestStorageCapability(t *testing.T) {
	exec, _, store := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code: `function main() {
			storage.set("greeting", "hello");
			const v = storage.get("greeting");
			const missing = storage.get("absent");
			return { v: v, missing: missing };
		}`,
		FunctionID: "fn-store",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	var out map[string]any
	_ = json.Unmarshal([]byte(result.Value), &out)
	if out["v"] != "hello" {
		t.Fatalf("storage round trip failed: %v", out)
	}
	if out["missing"] != nil {
		t.Fatalf("absent key should read null: %v", out)
	}

	// The write landed in the invocation's own namespace.
	keys, _ := store.List(stateNamespace("alice", "fn-store"))
	if len(keys) != 1 {
		t.Fatalf("expected one key in invocation namespace, got %v", keys)
	}
}

func TestSecretsCapabilityWrites(t *testing.T) {
	exec, vault, _ := newTestExecutor(t)

	_ = run(t, exec, Invocation{
		Code:       `function main() { secrets.set("token", "t-123"); return {}; }`,
		FunctionID: "fn-w",
		UserID:     "alice",
		GasLimit:   100_000,
	})

	got, err := vault.Get("alice", "token")
	if err != nil || got != "t-123" {
		t.Fatalf("secret write lost: %q err=%v", got, err)
	}
}

func TestCryptoCapability(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code: `function main() {
			const sealedHex = crypto.encrypt("payload");
			const opened = crypto.decrypt(sealedHex);
			const sig = crypto.sign("msg");
			return {
				opened: opened,
				verified: crypto.verify("msg", sig),
				tampered: crypto.verify("other", sig),
				digest: crypto.hash("abc"),
				rnd: crypto.randomBytes(8).length
			};
		}`,
		FunctionID: "fn-crypto",
		UserID:     "alice",
		GasLimit:   1_000_000,
	})
	var out map[string]any
	if err := json.Unmarshal([]byte(result.Value), &out); err != nil {
		t.Fatalf("result not JSON: %v (%+v)", err, result)
	}
	if out["opened"] != "payload" {
		t.Fatalf("seal round trip: %v", out)
	}
	if out["verified"] != true || out["tampered"] != false {
		t.Fatalf("sign/verify: %v", out)
	}
	if out["digest"] != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("sha256(abc) = %v", out["digest"])
	}
	if out["rnd"] != float64(16) { // 8 bytes hex-encoded
		t.Fatalf("randomBytes length: %v", out["rnd"])
	}
}

func TestConsoleCapturesLogs(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code:       `function main() { console.log("hello", 42); console.error("bad"); return {}; }`,
		FunctionID: "fn-log",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	if len(result.Logs) != 2 || result.Logs[0] != "hello 42" || result.Logs[1] != "bad" {
		t.Fatalf("logs = %v", result.Logs)
	}
}

func TestEnclaveCapability(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code: `function main() {
			const facts = enclave.sealed();
			return {
				mrenclave: facts.mrenclave.length > 0,
				ts: enclave.getTimestamp() > 0,
				quote: enclave.attestation("report").length > 0,
				epc: enclave.getEpcUsage().total > 0
			};
		}`,
		FunctionID: "fn-encl",
		UserID:     "alice",
		GasLimit:   1_000_000,
	})
	var out map[string]bool
	_ = json.Unmarshal([]byte(result.Value), &out)
	for _, field := range []string{"mrenclave", "ts", "quote", "epc"} {
		if !out[field] {
			t.Fatalf("enclave capability %s failed: %v", field, out)
		}
	}
}

func TestNoCrossInvocationState(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	_ = run(t, exec, Invocation{
		Code:       `globalThis.leak = "tainted"; function main() { return {}; }`,
		FunctionID: "fn-a",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	result := run(t, exec, Invocation{
		Code:       `function main() { return { leaked: typeof globalThis.leak }; }`,
		FunctionID: "fn-b",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	var out map[string]string
	_ = json.Unmarshal([]byte(result.Value), &out)
	if out["leaked"] != "undefined" {
		t.Fatalf("state leaked across invocations: %v", out)
	}
}

func TestNoAmbientAccess(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	result := run(t, exec, Invocation{
		Code: `function main() {
			return {
				require: typeof require,
				process: typeof process,
				fetch: typeof fetch
			};
		}`,
		FunctionID: "fn-amb",
		UserID:     "alice",
		GasLimit:   100_000,
	})
	var out map[string]string
	_ = json.Unmarshal([]byte(result.Value), &out)
	for capName, typ := range out {
		if typ != "undefined" {
			t.Fatalf("ambient %s is reachable (%s)", capName, typ)
		}
	}
}
