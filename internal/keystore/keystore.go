// Package keystore implements the software key store: generation,
// passphrase-encrypted persistence, unlock, listing, deletion, and
// passphrase verification for X25519 software keys. Persistence derives a
// key-encryption key from the user passphrase via age's scrypt passphrase
// mode and writes atomically (temp file, fsync, rename), so the on-disk
// container stays an age-compatible identity file.
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"

	"github.com/barqly/vault-core/internal/config"
	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/obs/redact"
	"github.com/barqly/vault-core/internal/platform"
	"github.com/barqly/vault-core/internal/secret"
	"github.com/barqly/vault-core/internal/util"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// KeyInfo is the non-secret summary returned by List.
type KeyInfo struct {
	KeyID           string    `json:"key_id"`
	Label           string    `json:"label"`
	PublicRecipient string    `json:"public_recipient"`
	CreatedAt       time.Time `json:"created_at"`
}

// keyMeta is the sidecar <label>.meta.json document.
type keyMeta struct {
	KeyID           string    `json:"key_id"`
	Label           string    `json:"label"`
	PublicRecipient string    `json:"public_recipient"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store manages encrypted software key files under keys_dir().
type Store struct {
	paths    *platform.Paths
	cfg      *config.Config
	redactor *redact.Registry
	logger   log.Logger
	cooldown *cooldownTracker
}

// New creates a Store rooted at the given platform paths. redactor is the
// process's secret-scrubbing registry; every passphrase and
// identity line this store reveals is registered with it so no log,
// error, or progress message can echo the plaintext. A nil redactor is
// tolerated for fixtures that assert on raw values.
func New(paths *platform.Paths, cfg *config.Config, redactor *redact.Registry, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Discard()
	}
	return &Store{paths: paths, cfg: cfg, redactor: redactor, logger: logger, cooldown: newCooldownTracker()}
}

func keyFilePath(keysDir, label string) string { return filepath.Join(keysDir, label+".key.enc") }
func metaFilePath(keysDir, label string) string { return filepath.Join(keysDir, label+".meta.json") }

// Generate produces a fresh X25519 keypair, passphrase-encrypts the
// private half, and persists it atomically.
func (s *Store) Generate(label string, passphrase *secret.Passphrase) (string, string, error) {
	if err := platform.ValidateLabel(label); err != nil {
		return "", "", err
	}

	keysDir, err := s.paths.KeysDir()
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(keyFilePath(keysDir, label)); err == nil {
		return "", "", vaulterr.New(vaulterr.KindInvalidKeyLabel, "a key with this label already exists", "choose a different label", true)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", vaulterr.Wrap(vaulterr.KindInternalError, "generate keypair", "", false, err)
	}
	s.redactor.Track(passphrase.Reveal())
	s.redactor.Track(identity.String())

	ciphertext, err := encryptIdentity(identity.String(), passphrase.Reveal(), s.cfg.ScryptLogN)
	if err != nil {
		return "", "", err
	}

	keyID := uuid.NewString()
	meta := keyMeta{
		KeyID:           keyID,
		Label:           label,
		PublicRecipient: identity.Recipient().String(),
		CreatedAt:       time.Now().UTC(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", "", vaulterr.Wrap(vaulterr.KindInternalError, "marshal key metadata", "", false, err)
	}

	if err := atomicWrite(keyFilePath(keysDir, label), ciphertext, 0600); err != nil {
		return "", "", err
	}
	if err := atomicWrite(metaFilePath(keysDir, label), metaBytes, 0600); err != nil {
		return "", "", err
	}

	s.logger.Info("software key generated", log.String("label", label), log.String("key_id", keyID))
	return keyID, meta.PublicRecipient, nil
}

// List enumerates encrypted key files by reading only their non-secret
// sidecar metadata; nothing is decrypted.
func (s *Store) List() ([]KeyInfo, error) {
	keysDir, err := s.paths.KeysDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(keysDir)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindFilesystemError, "read keys directory", "", false, err)
	}

	var out []KeyInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(keysDir, e.Name()))
		if err != nil {
			continue
		}
		var m keyMeta
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, KeyInfo{KeyID: m.KeyID, Label: m.Label, PublicRecipient: m.PublicRecipient, CreatedAt: m.CreatedAt})
	}
	return out, nil
}

// Unlock loads and decrypts the identity for label, enforcing the
// wrong-passphrase cool-down.
func (s *Store) Unlock(label string, passphrase *secret.Passphrase) (*secret.String, error) {
	// The attempt's passphrase is registered before anything can fail, so
	// a wrong guess never reaches a log or error message in the clear.
	s.redactor.Track(passphrase.Reveal())

	if blocked, wait := s.cooldown.blocked(label); blocked {
		return nil, vaulterr.New(vaulterr.KindUnauthorizedAccess, fmt.Sprintf("too many wrong passphrase attempts, retry in %s", wait), "wait before retrying", true)
	}

	keysDir, err := s.paths.KeysDir()
	if err != nil {
		return nil, err
	}
	ciphertext, err := os.ReadFile(keyFilePath(keysDir, label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vaulterr.New(vaulterr.KindKeyNotFound, "key not found", "", true).WithDetails(label)
		}
		return nil, vaulterr.Wrap(vaulterr.KindFilesystemError, "read key file", "", false, err)
	}

	line, err := decryptIdentity(ciphertext, passphrase.Reveal())
	if err != nil {
		s.cooldown.recordFailure(label)
		return nil, vaulterr.New(vaulterr.KindWrongPassphrase, "incorrect passphrase", "check the passphrase and try again", true)
	}
	s.redactor.Track(line)
	s.cooldown.recordSuccess(label)
	return secret.NewString(line), nil
}

// ForgetIdentity withdraws a previously-unlocked identity line from the
// redaction registry, for the caller that has just zeroised its owning
// buffer.
func (s *Store) ForgetIdentity(line string) {
	s.redactor.Forget(line)
}

// VerifyPassphrase reports whether passphrase unlocks label without
// returning the identity.
func (s *Store) VerifyPassphrase(label string, passphrase *secret.Passphrase) (bool, error) {
	id, err := s.Unlock(label, passphrase)
	if err != nil {
		if vaulterr.Is(err, vaulterr.KindWrongPassphrase) {
			return false, nil
		}
		return false, err
	}
	id.Close()
	return true, nil
}

// Delete best-effort overwrites the key file with random bytes before
// removing it.
func (s *Store) Delete(label string) error {
	keysDir, err := s.paths.KeysDir()
	if err != nil {
		return err
	}
	keyPath := keyFilePath(keysDir, label)
	if info, statErr := os.Stat(keyPath); statErr == nil {
		randomOverwrite(keyPath, info.Size())
	}
	_ = os.Remove(keyPath)
	_ = os.Remove(metaFilePath(keysDir, label))
	s.cooldown.forget(label)
	return nil
}

func randomOverwrite(path string, size int64) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	junk, err := util.RandomBytes(int(size))
	if err != nil {
		return
	}
	_, _ = f.WriteAt(junk, 0)
	_ = f.Sync()
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	var tmp *os.File
	err := platform.RetryTransient(func() error {
		var cerr error
		tmp, cerr = os.CreateTemp(dir, ".tmp-*")
		return cerr
	})
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "create temp file", "", false, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "write temp file", "", false, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "chmod temp file", "", false, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "fsync temp file", "", false, err)
	}
	if err := tmp.Close(); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "close temp file", "", false, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "rename into place", "", false, err)
	}
	return nil
}
