package vault

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/barqly/vault-core/internal/vaulterr"
)

func spoolRoundTrip(t *testing.T, payload []byte) []byte {
	t.Helper()
	spool, err := newEncryptedSpool(filepath.Join(t.TempDir(), "test.spool"))
	if err != nil {
		t.Fatalf("newEncryptedSpool: %v", err)
	}
	defer spool.Close()

	w, err := spool.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close writer: %v", err)
	}

	r, err := spool.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return got
}

func TestSpoolRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte{0xAB}, spoolChunkSize),     // exactly one chunk
		bytes.Repeat([]byte{0xCD}, spoolChunkSize+123), // chunk plus partial
		bytes.Repeat([]byte{0xEF}, 3*spoolChunkSize),
	}
	for i, payload := range payloads {
		got := spoolRoundTrip(t, payload)
		if !bytes.Equal(got, payload) {
			t.Fatalf("payload %d: round trip mismatch (%d bytes in, %d out)", i, len(payload), len(got))
		}
	}
}

func TestSpoolFileNeverHoldsPlaintext(t *testing.T) {
	dir := t.TempDir()
	spool, err := newEncryptedSpool(filepath.Join(dir, "test.spool"))
	if err != nil {
		t.Fatalf("newEncryptedSpool: %v", err)
	}
	defer spool.Close()

	marker := []byte("MARKER-plaintext-that-must-not-appear-on-disk")
	w, err := spool.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := w.Write(marker); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "test.spool"))
	if err != nil {
		t.Fatalf("read spool file: %v", err)
	}
	if bytes.Contains(raw, marker) {
		t.Fatal("spool file contains plaintext")
	}
}

func TestSpoolDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.spool")
	spool, err := newEncryptedSpool(path)
	if err != nil {
		t.Fatalf("newEncryptedSpool: %v", err)
	}
	defer spool.Close()

	w, err := spool.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := w.Write([]byte("integrity protected content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)/2] ^= 0x01
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}

	r, err := spool.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()
	_, err = io.ReadAll(r)
	if !vaulterr.Is(err, vaulterr.KindTamperedData) {
		t.Fatalf("expected TamperedData on flipped bit, got %v", err)
	}
}

func TestSpoolCloseRemovesFileAndKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.spool")
	spool, err := newEncryptedSpool(path)
	if err != nil {
		t.Fatalf("newEncryptedSpool: %v", err)
	}

	w, err := spool.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	if _, err := w.Write([]byte("data")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	spool.Close()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("spool file should be removed on Close")
	}
	if !spool.key.Closed() {
		t.Fatal("spool key should be zeroed on Close")
	}
}
