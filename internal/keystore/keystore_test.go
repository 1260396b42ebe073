package keystore

import (
	"testing"
	"time"

	"github.com/barqly/vault-core/internal/config"
	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/platform"
	"github.com/barqly/vault-core/internal/secret"
	"github.com/barqly/vault-core/internal/vaulterr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	paths := platform.New(dir)
	cfg := &config.Config{ScryptLogN: 10, ScryptR: 8, ScryptP: 1}
	return New(paths, cfg, nil, log.Discard())
}

func mustPassphrase(t *testing.T, s string) *secret.Passphrase {
	t.Helper()
	p, err := secret.NewPassphrase(s, 12)
	if err != nil {
		t.Fatalf("NewPassphrase: %v", err)
	}
	return p
}

func TestGenerateListUnlockRoundTrip(t *testing.T) {
	store := newTestStore(t)
	pass := mustPassphrase(t, "correct horse battery staple")

	keyID, recipient, err := store.Generate("laptop", pass)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if keyID == "" || recipient == "" {
		t.Fatal("expected non-empty key id and recipient")
	}

	keys, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0].Label != "laptop" || keys[0].PublicRecipient != recipient {
		t.Fatalf("unexpected list result: %+v", keys)
	}

	identity, err := store.Unlock("laptop", pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer identity.Close()
	if identity.Len() == 0 {
		t.Fatal("expected non-empty identity line")
	}
}

func TestGenerateRejectsDuplicateLabel(t *testing.T) {
	store := newTestStore(t)
	pass := mustPassphrase(t, "correct horse battery staple")

	if _, _, err := store.Generate("laptop", pass); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	_, _, err := store.Generate("laptop", pass)
	if !vaulterr.Is(err, vaulterr.KindInvalidKeyLabel) {
		t.Fatalf("expected InvalidKeyLabel on duplicate label, got %v", err)
	}
}

func TestVerifyPassphraseWrongReturnsFalseNotError(t *testing.T) {
	store := newTestStore(t)
	pass := mustPassphrase(t, "correct horse battery staple")
	wrong := mustPassphrase(t, "totally different passphrase")

	if _, _, err := store.Generate("laptop", pass); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ok, err := store.VerifyPassphrase("laptop", wrong)
	if err != nil {
		t.Fatalf("VerifyPassphrase returned error: %v", err)
	}
	if ok {
		t.Fatal("expected verification to fail for wrong passphrase")
	}

	ok, err = store.VerifyPassphrase("laptop", pass)
	if err != nil || !ok {
		t.Fatalf("expected correct passphrase to verify, ok=%v err=%v", ok, err)
	}
}

func TestUnlockEnforcesCooldownAfterRepeatedFailures(t *testing.T) {
	store := newTestStore(t)
	pass := mustPassphrase(t, "correct horse battery staple")
	wrong := mustPassphrase(t, "totally different passphrase")

	if _, _, err := store.Generate("laptop", pass); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for i := 0; i < maxAttempts; i++ {
		_, err := store.Unlock("laptop", wrong)
		if !vaulterr.Is(err, vaulterr.KindWrongPassphrase) {
			t.Fatalf("attempt %d: expected WrongPassphrase, got %v", i, err)
		}
	}

	_, err := store.Unlock("laptop", pass)
	if !vaulterr.Is(err, vaulterr.KindUnauthorizedAccess) {
		t.Fatalf("expected cool-down lockout (UnauthorizedAccess), got %v", err)
	}
}

func TestDeleteRemovesKeyAndMeta(t *testing.T) {
	store := newTestStore(t)
	pass := mustPassphrase(t, "correct horse battery staple")

	if _, _, err := store.Generate("laptop", pass); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := store.Delete("laptop"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	keys, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys after delete, got %+v", keys)
	}

	if _, err := store.Unlock("laptop", pass); !vaulterr.Is(err, vaulterr.KindKeyNotFound) {
		t.Fatalf("expected KeyNotFound after delete, got %v", err)
	}
}

func TestCooldownTrackerExpiresAfterDelay(t *testing.T) {
	c := newCooldownTracker()
	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	for i := 0; i < maxAttempts; i++ {
		c.recordFailure("x")
	}
	blocked, wait := c.blocked("x")
	if !blocked || wait <= 0 {
		t.Fatalf("expected blocked with positive wait, got blocked=%v wait=%v", blocked, wait)
	}

	fakeNow = fakeNow.Add(wait + time.Millisecond)
	blocked, _ = c.blocked("x")
	if blocked {
		t.Fatal("expected cool-down to have expired")
	}
}

func TestCooldownRecordSuccessClearsFailures(t *testing.T) {
	c := newCooldownTracker()
	for i := 0; i < maxAttempts-1; i++ {
		c.recordFailure("x")
	}
	c.recordSuccess("x")
	blocked, _ := c.blocked("x")
	if blocked {
		t.Fatal("expected success to clear failure history")
	}
}
