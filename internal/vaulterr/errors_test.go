package vaulterr

import (
	"errors"
	"testing"
)

func TestWrapPreservesKind(t *testing.T) {
	cause := errors.New("scrypt: invalid salt length")
	err := Wrap(KindInvalidKey, "failed to unlock key", "check the passphrase and try again", true, cause)

	if !Is(err, KindInvalidKey) {
		t.Fatalf("expected Kind %s, got %s", KindInvalidKey, err.Kind)
	}
	if !errors.Is(err, cause) {
		t.Fatal("Unwrap chain broken: errors.Is did not find the cause")
	}
}

func TestWithContextPreservesKind(t *testing.T) {
	base := New(KindWrongPassphrase, "authentication failed", "try again", true)
	wrapped := WithContext(base, "unlocking software key")

	if !Is(wrapped, KindWrongPassphrase) {
		t.Fatal("WithContext must not change the error Kind")
	}
}

func TestFatalKinds(t *testing.T) {
	fatal := New(KindArchiveCorrupted, "bad archive", "", false)
	if !fatal.Fatal() {
		t.Fatal("ArchiveCorrupted must be fatal")
	}
	recoverable := New(KindWrongPassphrase, "bad passphrase", "", true)
	if recoverable.Fatal() {
		t.Fatal("WrongPassphrase must not be fatal")
	}
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	base := New(KindFileNotFound, "file missing", "", false)
	detailed := base.WithDetails("/tmp/descriptor.txt")

	if base.Details != "" {
		t.Fatal("WithDetails must not mutate the receiver")
	}
	if detailed.Details != "/tmp/descriptor.txt" {
		t.Fatal("WithDetails did not attach details")
	}
}
