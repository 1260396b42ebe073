package ageio

import (
	"bytes"
	"context"
	"testing"

	"filippo.io/age"

	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/vaulterr"
)

func TestLibraryRoundTrip(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("xpub6CUGR...")
	var ciphertext bytes.Buffer
	if err := Encrypt(context.Background(), log.Discard(), Binaries{}, bytes.NewReader(plaintext), &ciphertext, []string{id.Recipient().String()}, false); err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	var out bytes.Buffer
	if err := Decrypt(context.Background(), log.Discard(), Binaries{}, bytes.NewReader(ciphertext.Bytes()), &out, []string{id.String()}, nil); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if out.String() != string(plaintext) {
		t.Fatalf("round-trip mismatch: got %q", out.String())
	}
}

func TestMultiRecipientUnion(t *testing.T) {
	id1, _ := age.GenerateX25519Identity()
	id2, _ := age.GenerateX25519Identity()

	plaintext := []byte("shared secret")
	var ciphertext bytes.Buffer
	recipients := []string{id1.Recipient().String(), id2.Recipient().String()}
	if err := Encrypt(context.Background(), log.Discard(), Binaries{}, bytes.NewReader(plaintext), &ciphertext, recipients, false); err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	for _, id := range []*age.X25519Identity{id1, id2} {
		var out bytes.Buffer
		if err := Decrypt(context.Background(), log.Discard(), Binaries{}, bytes.NewReader(ciphertext.Bytes()), &out, []string{id.String()}, nil); err != nil {
			t.Fatalf("decrypt with one of the union recipients failed: %v", err)
		}
		if out.String() != string(plaintext) {
			t.Fatalf("union decrypt mismatch for identity %s", id.String())
		}
	}
}

func TestDecryptWrongIdentityFails(t *testing.T) {
	id, _ := age.GenerateX25519Identity()
	other, _ := age.GenerateX25519Identity()

	var ciphertext bytes.Buffer
	if err := Encrypt(context.Background(), log.Discard(), Binaries{}, bytes.NewReader([]byte("data")), &ciphertext, []string{id.Recipient().String()}, false); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := Decrypt(context.Background(), log.Discard(), Binaries{}, bytes.NewReader(ciphertext.Bytes()), &out, []string{other.String()}, nil)
	if !vaulterr.Is(err, vaulterr.KindWrongPassphrase) && !vaulterr.Is(err, vaulterr.KindDecryptionFailed) {
		t.Fatalf("expected a decryption failure kind, got %v", err)
	}
}

func TestIsPluginRecipientAndIdentity(t *testing.T) {
	if !IsPluginRecipient("age1yubikey1qabc") {
		t.Fatal("plugin recipient prefix not recognised")
	}
	if IsPluginRecipient("age1qsomeplainrecipient") {
		t.Fatal("plain X25519 recipient misclassified as plugin")
	}
	if !IsPluginIdentity("AGE-PLUGIN-YUBIKEY-1QSTUB") {
		t.Fatal("plugin identity prefix not recognised")
	}
}
