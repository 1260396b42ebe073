package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/barqly/vault-core/internal/config"
	"github.com/barqly/vault-core/internal/keystore"
	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/platform"
	"github.com/barqly/vault-core/internal/progress"
	"github.com/barqly/vault-core/internal/registry"
	"github.com/barqly/vault-core/internal/secret"
	"github.com/barqly/vault-core/internal/vaulterr"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, *keystore.Store) {
	t.Helper()
	paths := platform.New(t.TempDir())
	cfg := &config.Config{AgeBin: "age", ScryptLogN: 14, ScryptR: 8, ScryptP: 1, DeterministicManifest: true}
	reg := registry.New(paths, log.Discard())
	keys := keystore.New(paths, cfg, nil, log.Discard())
	eng := New(paths, cfg, reg, keys, nil, progress.NewBus(), log.Discard())
	return eng, reg, keys
}

func addPassphraseKey(t *testing.T, reg *registry.Registry, keys *keystore.Store, label string, pass *secret.Passphrase) string {
	t.Helper()
	keyID, recipient, err := keys.Generate(label, pass)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := reg.Add(registry.Entry{
		KeyID:           keyID,
		Kind:            registry.KindPassphrase,
		Label:           label,
		PublicRecipient: recipient,
		Status:          registry.StatusActive,
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return keyID
}

func writeInputFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	eng, reg, keys := newTestEngine(t)
	pass, err := secret.NewPassphrase("correct horse battery staple", 0)
	if err != nil {
		t.Fatalf("NewPassphrase: %v", err)
	}
	keyID := addPassphraseKey(t, reg, keys, "primary", pass)

	srcDir := t.TempDir()
	writeInputFile(t, srcDir, "notes.txt", "hello vault")

	outDir := t.TempDir()
	vaultPath := filepath.Join(outDir, "archive.age")

	summary, err := eng.Encrypt(context.Background(), EncryptOptions{
		OpID:            "op-encrypt-1",
		InputPaths:      []string{filepath.Join(srcDir, "notes.txt")},
		RecipientKeyIDs: []string{keyID},
		OutputPath:      vaultPath,
	})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if summary.FileCount != 1 {
		t.Fatalf("expected 1 file in manifest, got %d", summary.FileCount)
	}
	if _, err := os.Stat(summary.ManifestPath); err != nil {
		t.Fatalf("expected sidecar manifest beside ciphertext: %v", err)
	}
	if summary.ManifestPath != filepath.Join(outDir, "archive.manifest.json") {
		t.Fatalf("unexpected sidecar manifest path: %s", summary.ManifestPath)
	}

	entry, err := reg.Get(keyID)
	if err != nil {
		t.Fatalf("Get after encrypt: %v", err)
	}
	if summary.VaultID == "" || len(entry.VaultIDs) != 1 || entry.VaultIDs[0] != summary.VaultID {
		t.Fatalf("expected key associated with vault %q, got %+v", summary.VaultID, entry.VaultIDs)
	}
	if entry.LastUsedAt.IsZero() {
		t.Fatal("expected last-used bumped after encrypt")
	}

	extractDir := filepath.Join(outDir, "extracted")
	dsum, err := eng.Decrypt(context.Background(), DecryptOptions{
		OpID:      "op-decrypt-1",
		VaultPath: vaultPath,
		OutputDir: extractDir,
		Unlock:    UnlockMethod{Kind: UnlockPassphrase, KeyID: keyID, Passphrase: pass},
	})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(dsum.Mismatches) != 0 {
		t.Fatalf("expected no mismatches, got %+v", dsum.Mismatches)
	}

	got, err := os.ReadFile(filepath.Join(extractDir, "notes.txt"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if !bytes.Equal(got, []byte("hello vault")) {
		t.Fatalf("extracted content mismatch: %q", got)
	}
}

func TestEncryptActivatesPreActivationKey(t *testing.T) {
	eng, reg, keys := newTestEngine(t)
	pass, _ := secret.NewPassphrase("correct horse battery staple", 0)

	keyID, recipient, err := keys.Generate("fresh", pass)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := reg.Add(registry.Entry{
		KeyID:           keyID,
		Kind:            registry.KindPassphrase,
		Label:           "fresh",
		PublicRecipient: recipient,
		Status:          registry.StatusPreActivation,
		CreatedAt:       time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	srcDir := t.TempDir()
	writeInputFile(t, srcDir, "a.txt", "content")
	outDir := t.TempDir()

	if _, err := eng.Encrypt(context.Background(), EncryptOptions{
		OpID:            "op-activate-1",
		InputPaths:      []string{filepath.Join(srcDir, "a.txt")},
		RecipientKeyIDs: []string{keyID},
		OutputPath:      filepath.Join(outDir, "archive.age"),
	}); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	entry, err := reg.Get(keyID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != registry.StatusActive {
		t.Fatalf("expected key promoted to Active on first vault use, got %s", entry.Status)
	}
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	eng, reg, keys := newTestEngine(t)
	pass, _ := secret.NewPassphrase("correct horse battery staple", 0)
	keyID := addPassphraseKey(t, reg, keys, "primary", pass)

	srcDir := t.TempDir()
	writeInputFile(t, srcDir, "a.txt", "secret content")
	outDir := t.TempDir()
	vaultPath := filepath.Join(outDir, "archive.age")

	if _, err := eng.Encrypt(context.Background(), EncryptOptions{
		OpID:            "op-encrypt-2",
		InputPaths:      []string{filepath.Join(srcDir, "a.txt")},
		RecipientKeyIDs: []string{keyID},
		OutputPath:      vaultPath,
	}); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	wrong, _ := secret.NewPassphrase("totally different passphrase", 0)
	_, err := eng.Decrypt(context.Background(), DecryptOptions{
		OpID:      "op-decrypt-2",
		VaultPath: vaultPath,
		OutputDir: filepath.Join(outDir, "extracted"),
		Unlock:    UnlockMethod{Kind: UnlockPassphrase, KeyID: keyID, Passphrase: wrong},
	})
	if !vaulterr.Is(err, vaulterr.KindWrongPassphrase) {
		t.Fatalf("expected WrongPassphrase, got %v", err)
	}
}

func TestDecryptRefusesNonEmptyOutputDir(t *testing.T) {
	eng, reg, keys := newTestEngine(t)
	pass, _ := secret.NewPassphrase("correct horse battery staple", 0)
	keyID := addPassphraseKey(t, reg, keys, "primary", pass)

	srcDir := t.TempDir()
	writeInputFile(t, srcDir, "a.txt", "content")
	outDir := t.TempDir()
	vaultPath := filepath.Join(outDir, "archive.age")

	if _, err := eng.Encrypt(context.Background(), EncryptOptions{
		OpID:            "op-encrypt-4",
		InputPaths:      []string{filepath.Join(srcDir, "a.txt")},
		RecipientKeyIDs: []string{keyID},
		OutputPath:      vaultPath,
	}); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	extractDir := t.TempDir()
	writeInputFile(t, extractDir, "existing.txt", "occupied")

	_, err := eng.Decrypt(context.Background(), DecryptOptions{
		OpID:      "op-decrypt-4",
		VaultPath: vaultPath,
		OutputDir: extractDir,
		Unlock:    UnlockMethod{Kind: UnlockPassphrase, KeyID: keyID, Passphrase: pass},
	})
	if !vaulterr.Is(err, vaulterr.KindInvalidPath) {
		t.Fatalf("expected InvalidPath for non-empty output dir, got %v", err)
	}
}

func TestResolveEncryptRecipientsEnforcesComposition(t *testing.T) {
	eng, reg, keys := newTestEngine(t)
	pass, _ := secret.NewPassphrase("correct horse battery staple", 0)
	id1 := addPassphraseKey(t, reg, keys, "k1", pass)
	id2 := addPassphraseKey(t, reg, keys, "k2", pass)

	if _, _, err := eng.resolveEncryptRecipients([]string{id1, id2}); !vaulterr.Is(err, vaulterr.KindInvalidInput) {
		t.Fatalf("expected InvalidInput for two passphrase keys, got %v", err)
	}
	if _, _, err := eng.resolveEncryptRecipients(nil); !vaulterr.Is(err, vaulterr.KindMissingParameter) {
		t.Fatalf("expected MissingParameter for zero recipients, got %v", err)
	}
}

func TestEncryptHonorsCancellation(t *testing.T) {
	eng, reg, keys := newTestEngine(t)
	pass, _ := secret.NewPassphrase("correct horse battery staple", 0)
	keyID := addPassphraseKey(t, reg, keys, "primary", pass)

	srcDir := t.TempDir()
	writeInputFile(t, srcDir, "a.txt", "content")
	outDir := t.TempDir()

	cancel := progress.NewCancelToken()
	cancel.Cancel()

	outPath := filepath.Join(outDir, "archive.age")
	_, err := eng.Encrypt(context.Background(), EncryptOptions{
		OpID:            "op-encrypt-3",
		InputPaths:      []string{filepath.Join(srcDir, "a.txt")},
		RecipientKeyIDs: []string{keyID},
		OutputPath:      outPath,
		Cancel:          cancel,
	})
	if !vaulterr.Is(err, vaulterr.KindConcurrentOperation) {
		t.Fatalf("expected ConcurrentOperation (cancelled), got %v", err)
	}
	if _, serr := os.Stat(outPath); !os.IsNotExist(serr) {
		t.Fatal("cancelled encrypt must leave no file at the output path")
	}
	if _, serr := os.Stat(outPath + ".incomplete"); !os.IsNotExist(serr) {
		t.Fatal("cancelled encrypt must leave no partial output file")
	}

	staging, err := eng.paths.StagingDir()
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("cancelled encrypt must clean its staging directory, found %d entries", len(entries))
	}
}

func TestStageInputsSingleFolderDropsWrapper(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "project")
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0700); err != nil {
		t.Fatal(err)
	}
	writeInputFile(t, src, "top.txt", "top")
	writeInputFile(t, filepath.Join(src, "sub"), "nested.txt", "nested")

	stageRoot := t.TempDir()
	stageDir, err := stageInputs(stageRoot, []string{src}, false)
	if err != nil {
		t.Fatalf("stageInputs: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stageDir, "top.txt")); err != nil {
		t.Fatalf("expected top.txt staged directly under root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stageDir, "project")); err == nil {
		t.Fatal("did not expect a wrapping 'project' directory in the staging root")
	}
}

func TestStageInputsDereferencesFileSymlinks(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "project")
	if err := os.MkdirAll(src, 0700); err != nil {
		t.Fatal(err)
	}
	writeInputFile(t, src, "real.txt", "resolved content")
	if err := os.Symlink(filepath.Join(src, "real.txt"), filepath.Join(src, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	stageRoot := t.TempDir()
	stageDir, err := stageInputs(stageRoot, []string{src}, false)
	if err != nil {
		t.Fatalf("stageInputs: %v", err)
	}

	staged := filepath.Join(stageDir, "link.txt")
	fi, err := os.Lstat(staged)
	if err != nil {
		t.Fatalf("expected link.txt staged: %v", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		t.Fatal("staged copy must be a regular file, not a symlink")
	}
	got, err := os.ReadFile(staged)
	if err != nil || string(got) != "resolved content" {
		t.Fatalf("staged symlink content mismatch: %v %q", err, got)
	}
}

func TestStageInputsRefusesSymlinkedDirByDefault(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "project")
	other := filepath.Join(root, "other")
	for _, d := range []string{src, other} {
		if err := os.MkdirAll(d, 0700); err != nil {
			t.Fatal(err)
		}
	}
	writeInputFile(t, other, "outside.txt", "outside")
	if err := os.Symlink(other, filepath.Join(src, "linked-dir")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := stageInputs(t.TempDir(), []string{src}, false); !vaulterr.Is(err, vaulterr.KindInvalidInput) {
		t.Fatalf("expected InvalidInput for a symlinked directory without follow_symlinks, got %v", err)
	}

	stageDir, err := stageInputs(t.TempDir(), []string{src}, true)
	if err != nil {
		t.Fatalf("stageInputs with follow_symlinks: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(stageDir, "linked-dir", "outside.txt"))
	if err != nil || string(got) != "outside" {
		t.Fatalf("followed directory content mismatch: %v %q", err, got)
	}
}

func TestStageInputsMultipleItemsKeepOwnNames(t *testing.T) {
	root := t.TempDir()
	fileA := writeInputFile(t, root, "a.txt", "a")
	dirB := filepath.Join(root, "b")
	if err := os.MkdirAll(dirB, 0700); err != nil {
		t.Fatal(err)
	}
	writeInputFile(t, dirB, "inner.txt", "inner")

	stageRoot := t.TempDir()
	stageDir, err := stageInputs(stageRoot, []string{fileA, dirB}, false)
	if err != nil {
		t.Fatalf("stageInputs: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stageDir, "a.txt")); err != nil {
		t.Fatalf("expected a.txt: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stageDir, "b", "inner.txt")); err != nil {
		t.Fatalf("expected b/inner.txt: %v", err)
	}
}
