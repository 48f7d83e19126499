package secrets

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/R3E-Network/enclave_layer/internal/platform"
	"github.com/R3E-Network/enclave_layer/internal/storage"
	"github.com/R3E-Network/enclave_layer/internal/storage/sealed"
)

func newTestVault(t *testing.T) (*Vault, *storage.Store, platform.Platform) {
	t.Helper()
	plat, err := platform.NewSimulation(platform.SimulationConfig{RootSecret: []byte("vault-test-root-secret-0123456789")})
	if err != nil {
		t.Fatalf("NewSimulation: %v", err)
	}
	fs := sealed.NewMemFS()
	blobs, err := sealed.NewStore(plat, fs, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	store := storage.New(blobs, nil)
	vault, err := New(plat, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return vault, store, plat
}

func TestPutGetDelete(t *testing.T) {
	vault, _, _ := newTestVault(t)

	if err := vault.Put("alice", "db", "pw1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := vault.Get("alice", "db")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "pw1" {
		t.Fatalf("Get = %q, want pw1", got)
	}

	// Overwrite.
	_ = vault.Put("alice", "db", "pw2")
	got, _ = vault.Get("alice", "db")
	if got != "pw2" {
		t.Fatalf("Get after overwrite = %q", got)
	}

	removed, err := vault.Delete("alice", "db")
	if err != nil || !removed {
		t.Fatalf("Delete: removed=%v err=%v", removed, err)
	}
	if _, err := vault.Get("alice", "db"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	removed, _ = vault.Delete("alice", "db")
	if removed {
		t.Fatal("second delete should report absence")
	}
}

func TestEmptyArgsRejected(t *testing.T) {
	vault, _, _ := newTestVault(t)

	if err := vault.Put("", "n", "v"); !errors.Is(err, ErrEmptyUser) {
		t.Fatalf("expected ErrEmptyUser, got %v", err)
	}
	if err := vault.Put("u", "", "v"); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestListNamesOnly(t *testing.T) {
	vault, _, _ := newTestVault(t)

	_ = vault.Put("alice", "b", "2")
	_ = vault.Put("alice", "a", "1")
	_ = vault.Put("bob", "x", "9")

	names, err := vault.List("alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("List = %v", names)
	}
}

func TestSnapshotIsolatedPerUser(t *testing.T) {
	vault, _, _ := newTestVault(t)

	_ = vault.Put("alice", "db", "pw1")
	_ = vault.Put("bob", "db", "pw2")

	snap, err := vault.SnapshotForUser("alice")
	if err != nil {
		t.Fatalf("SnapshotForUser: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(snap), &decoded); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if decoded["db"] != "pw1" {
		t.Fatalf("snapshot = %v, want alice's value", decoded)
	}
	if len(decoded) != 1 {
		t.Fatalf("snapshot leaked entries: %v", decoded)
	}
}

func TestNoPlaintextAtRest(t *testing.T) {
	vault, store, _ := newTestVault(t)

	_ = vault.Put("alice", "api", "super-secret-value")

	keys, _ := store.List(Namespace)
	for _, key := range keys {
		data, _, _ := store.Get(Namespace, key)
		var rec struct {
			Value []byte `json:"value"`
		}
		_ = json.Unmarshal(data[1:], &rec)
		if string(rec.Value) == "super-secret-value" {
			t.Fatal("plaintext secret in persisted record")
		}
	}
}

func TestRehydration(t *testing.T) {
	vault, store, plat := newTestVault(t)

	_ = vault.Put("alice", "db", "pw1")
	_ = vault.Put("alice", "api", "key")
	_ = vault.Put("bob", "db", "pw2")

	// A second vault over the same store and platform sees the same data.
	revived, err := New(plat, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := revived.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := revived.Get("alice", "db")
	if err != nil || got != "pw1" {
		t.Fatalf("rehydrated Get = %q err=%v", got, err)
	}
	names, _ := revived.List("bob")
	if len(names) != 1 || names[0] != "db" {
		t.Fatalf("rehydrated List = %v", names)
	}
}

func TestLoadSkipsCorruptRecords(t *testing.T) {
	vault, store, plat := newTestVault(t)

	_ = vault.Put("alice", "ok", "fine")
	// A record that is valid at the KV layer but not a secret record.
	_ = store.Put(Namespace, "secret:bogus", []byte{recordVersion, '{', 'x'})

	revived, _ := New(plat, store, nil)
	if err := revived.Load(); err != nil {
		t.Fatalf("Load should skip bad records, got %v", err)
	}
	if got, err := revived.Get("alice", "ok"); err != nil || got != "fine" {
		t.Fatalf("good record lost: %q err=%v", got, err)
	}
}
