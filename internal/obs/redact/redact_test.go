package redact

import "testing"

func TestRedactTrackedSecret(t *testing.T) {
	r := NewRegistry()
	r.Track("correct horse battery staple")

	got := r.Redact("unlock failed for passphrase correct horse battery staple")
	if got != "unlock failed for passphrase [REDACTED]" {
		t.Fatalf("secret leaked through Redact: %q", got)
	}
}

func TestRedactForgottenSecretNoLongerScrubbed(t *testing.T) {
	r := NewRegistry()
	r.Track("temporary-pin-654321")
	r.Forget("temporary-pin-654321")

	got := r.Redact("pin was temporary-pin-654321")
	if got != "pin was temporary-pin-654321" {
		t.Fatal("forgotten secret should no longer be redacted (sanity check on Track/Forget lifecycle)")
	}
}

func TestRedactSerialToLast4(t *testing.T) {
	got := NewRegistry().Redact("device serial 15903715 detected")
	if got != "device serial …3715 detected" {
		t.Fatalf("serial not redacted to last 4 digits: %q", got)
	}
}
