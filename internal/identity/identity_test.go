package identity

import (
	"path/filepath"
	"strings"
	"testing"

	"clawlink/internal/domain"
)

func newTestManager(t *testing.T, passphrase string) *Manager {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "identity.db"), passphrase)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, testLogger())
}

func TestEnsureKeypairIsStable(t *testing.T) {
	m := newTestManager(t, "")

	id1, err := m.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	if len(id1) != 64 {
		t.Fatalf("device id %q is not a hex sha-256 digest", id1)
	}

	id2, err := m.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("device id changed between calls: %q vs %q", id1, id2)
	}
}

func TestKeypairSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	store, err := NewStore(path, "hunter2")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	m := NewManager(store, testLogger())
	id1, err := m.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	store.Close()

	store2, err := NewStore(path, "hunter2")
	if err != nil {
		t.Fatalf("NewStore reopen: %v", err)
	}
	defer store2.Close()
	m2 := NewManager(store2, testLogger())
	id2, err := m2.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID after reopen: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("device id not stable across reopen: %q vs %q", id1, id2)
	}
}

func TestWrongPassphraseFailsAsKeyStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	store, err := NewStore(path, "correct")
	if err != nil {
		t.Fatal(err)
	}
	if err := NewManager(store, testLogger()).EnsureKeypair(); err != nil {
		t.Fatalf("EnsureKeypair: %v", err)
	}
	store.Close()

	store2, err := NewStore(path, "wrong")
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	err = NewManager(store2, testLogger()).EnsureKeypair()
	if err == nil {
		t.Fatal("expected error with wrong passphrase")
	}
	var de *domain.DomainError
	if !asDomainError(err, &de) || de.Err != domain.ErrKeyStorage {
		t.Fatalf("expected ErrKeyStorage, got %v", err)
	}
}

func TestSignAndVerify(t *testing.T) {
	m := newTestManager(t, "")

	deviceID, err := m.DeviceID()
	if err != nil {
		t.Fatal(err)
	}

	claim := SignClaim{
		DeviceID:   deviceID,
		ClientID:   "clawlink",
		ClientMode: "node",
		Role:       "node",
		Scopes:     []string{"agent", "health"},
		SignedAt:   1756200000000,
		Token:      "tok-1",
		Nonce:      "nonce-abc",
	}

	proof, err := m.Sign(claim)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	canonical := CanonicalPayload(claim)
	if !Verify(proof.PublicKey, canonical, proof.Signature) {
		t.Fatal("signature did not verify")
	}

	// Any single-byte mutation of the canonical payload must fail verification.
	for i := 0; i < len(canonical); i++ {
		mutated := []byte(canonical)
		mutated[i] ^= 0x01
		if Verify(proof.PublicKey, string(mutated), proof.Signature) {
			t.Fatalf("mutation at byte %d still verified", i)
		}
	}
}

func TestCanonicalPayloadShape(t *testing.T) {
	claim := SignClaim{
		DeviceID:   "dev",
		ClientID:   "clawlink",
		ClientMode: "node",
		Role:       "node",
		Scopes:     []string{"agent", "health"},
		SignedAt:   42,
		Token:      "tok",
		Nonce:      "n",
	}
	got := CanonicalPayload(claim)
	want := "dev|clawlink|node|node|agent,health|42|tok|n"
	if got != want {
		t.Fatalf("canonical payload = %q, want %q", got, want)
	}
	if strings.Count(got, "|") != 7 {
		t.Fatalf("expected 7 delimiters, got %d", strings.Count(got, "|"))
	}
}

func TestTokenStorageIsHostScoped(t *testing.T) {
	m := newTestManager(t, "")

	if err := m.StoreToken("gw-a.local", "token-a"); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreToken("gw-b.local", "token-b"); err != nil {
		t.Fatal(err)
	}

	tok, err := m.LoadToken("gw-a.local")
	if err != nil || tok != "token-a" {
		t.Fatalf("LoadToken(gw-a) = %q, %v", tok, err)
	}

	if err := m.ClearToken("gw-a.local"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.LoadToken("gw-a.local"); err != domain.ErrTokenNotFound {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}

	// The other host is untouched.
	tok, err = m.LoadToken("gw-b.local")
	if err != nil || tok != "token-b" {
		t.Fatalf("LoadToken(gw-b) = %q, %v", tok, err)
	}
}

func TestStoreTokenOverwrites(t *testing.T) {
	m := newTestManager(t, "")

	if err := m.StoreToken("gw.local", "old"); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreToken("gw.local", "rotated"); err != nil {
		t.Fatal(err)
	}
	tok, err := m.LoadToken("gw.local")
	if err != nil || tok != "rotated" {
		t.Fatalf("LoadToken = %q, %v", tok, err)
	}
}

func TestWipeGeneratesFreshIdentity(t *testing.T) {
	m := newTestManager(t, "")

	id1, err := m.DeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.StoreToken("gw.local", "tok"); err != nil {
		t.Fatal(err)
	}

	if err := m.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}

	if _, err := m.LoadToken("gw.local"); err != domain.ErrTokenNotFound {
		t.Fatalf("token survived wipe: %v", err)
	}

	id2, err := m.DeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatal("device id unchanged after wipe")
	}
}
