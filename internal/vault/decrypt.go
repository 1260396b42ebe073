package vault

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/barqly/vault-core/internal/ageio"
	"github.com/barqly/vault-core/internal/archive"
	"github.com/barqly/vault-core/internal/progress"
	"github.com/barqly/vault-core/internal/secret"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// DecryptOptions configures one decrypt operation.
type DecryptOptions struct {
	OpID      string
	VaultPath string
	OutputDir string
	Unlock    UnlockMethod
	Cancel    *progress.CancelToken
}

// DecryptSummary is the result of a successful decrypt.
type DecryptSummary struct {
	OutputDir  string
	Manifest   *archive.Manifest
	Mismatches []archive.Mismatch
}

// pinResponder answers PIN prompts surfaced by a PTY-driven
// age-plugin-yubikey subprocess and forwards touch requirements as
// progress updates (ageio.PromptResponder).
type pinResponder struct {
	pin     *secret.Pin
	onTouch func()
}

func (r *pinResponder) PIN() (string, error) {
	if r.pin == nil {
		return "", vaulterr.New(vaulterr.KindMissingParameter, "a PIN is required to unlock this YubiKey", "enter the device PIN", true)
	}
	return r.pin.Reveal(), nil
}

func (r *pinResponder) TouchRequired() {
	if r.onTouch != nil {
		r.onTouch()
	}
}

// Decrypt runs the full read → unlock → decrypt → extract → verify
// pipeline. Progress is published in five phases:
// validate (0–0.1), verify unlock (0.1–0.2), decrypt body (0.2–0.7),
// extract (0.7–0.9), verify manifest (0.9–1.0).
func (e *Engine) Decrypt(ctx context.Context, opts DecryptOptions) (*DecryptSummary, error) {
	cancel := opts.Cancel
	if cancel == nil {
		cancel = progress.NewCancelToken()
	}

	e.publish(opts.OpID, 0, "validating vault file", "")
	vaultFile, err := os.Open(opts.VaultPath)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindFileNotFound, "open vault file", "", false, err).WithDetails(opts.VaultPath)
	}
	defer vaultFile.Close()
	if err := validateOutputDir(opts.OutputDir); err != nil {
		return nil, err
	}
	if cancel.Cancelled() {
		return nil, cancelledErr()
	}

	e.publish(opts.OpID, 0.1, "unlocking", "")
	identityLine, closeIdentity, err := e.resolveIdentity(ctx, opts.Unlock)
	if err != nil {
		return nil, err
	}
	defer closeIdentity()

	e.publish(opts.OpID, 0.2, "decrypting", "")
	stagingRoot, err := e.paths.StagingDir()
	if err != nil {
		return nil, err
	}

	// The recovered archive is spooled through an ephemeral-key AEAD file
	// so plaintext never rests in the staging directory.
	spool, err := newEncryptedSpool(filepath.Join(stagingRoot, opts.OpID+".spool"))
	if err != nil {
		return nil, err
	}
	defer spool.Close()

	spoolOut, err := spool.Writer()
	if err != nil {
		return nil, err
	}

	responder := &pinResponder{
		pin: opts.Unlock.PIN,
		onTouch: func() {
			e.publish(opts.OpID, 0.2, "touch your YubiKey to continue", "")
		},
	}
	decErr := ageio.Decrypt(ctx, e.logger, e.bins, vaultFile, spoolOut, []string{identityLine}, responder)
	closeErr := spoolOut.Close()
	if decErr != nil {
		return nil, decErr
	}
	if closeErr != nil {
		return nil, closeErr
	}
	if cancel.Cancelled() {
		return nil, cancelledErr()
	}

	e.publish(opts.OpID, 0.7, "extracting", "")
	archiveIn, err := spool.Reader()
	if err != nil {
		return nil, err
	}
	defer archiveIn.Close()

	// The destination was empty or absent (validated above), so on any
	// fatal failure past this point the partially-extracted tree is ours
	// to remove.
	manifest, err := archive.Extract(archiveIn, opts.OutputDir, archive.ExtractOptions{Cancel: cancel.Poll()})
	if err != nil {
		os.RemoveAll(opts.OutputDir)
		return nil, err
	}
	if manifest == nil {
		os.RemoveAll(opts.OutputDir)
		return nil, vaulterr.New(vaulterr.KindManifestInvalid, "vault is missing its embedded manifest", "", false)
	}

	e.publish(opts.OpID, 0.9, "verifying manifest", "")
	mismatches, err := archive.Verify(manifest, opts.OutputDir)
	if err != nil {
		os.RemoveAll(opts.OutputDir)
		return nil, vaulterr.Wrap(vaulterr.KindIntegrityCheckFailed, "verify extracted files", "", false, err)
	}
	if len(mismatches) > 0 {
		os.RemoveAll(opts.OutputDir)
		return nil, vaulterr.New(vaulterr.KindIntegrityCheckFailed, "extracted files do not match the manifest", "the vault may be corrupted or tampered", false)
	}

	e.bumpLastUsed(opts.Unlock)
	e.publish(opts.OpID, 1.0, "done", "")
	return &DecryptSummary{OutputDir: opts.OutputDir, Manifest: manifest, Mismatches: mismatches}, nil
}

// validateOutputDir runs before any key material is touched: the
// destination must be absent or an empty directory.
func validateOutputDir(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindFilesystemError, "stat output directory", "", false, err)
	}
	if !info.IsDir() {
		return vaulterr.New(vaulterr.KindInvalidPath, "output path exists and is not a directory", "choose a directory path", true)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindFilesystemError, "read output directory", "", false, err)
	}
	if len(entries) > 0 {
		return vaulterr.New(vaulterr.KindInvalidPath, "output directory is not empty", "choose an empty directory", true)
	}
	return nil
}

// resolveIdentity turns an UnlockMethod into the age identity line
// ageio.Decrypt needs, plus a cleanup closure the caller must defer.
func (e *Engine) resolveIdentity(ctx context.Context, unlock UnlockMethod) (identityLine string, closeFn func(), err error) {
	entry, err := e.reg.Get(unlock.KeyID)
	if err != nil {
		return "", func() {}, err
	}
	if !entry.Status.CanEncryptOrDecrypt() {
		return "", func() {}, vaulterr.New(vaulterr.KindInvalidKey, "key is not active", "activate the key or choose another", true).WithDetails(entry.KeyID)
	}

	switch unlock.Kind {
	case UnlockPassphrase:
		id, uerr := e.keys.Unlock(entry.Label, unlock.Passphrase)
		if uerr != nil {
			return "", func() {}, uerr
		}
		line := id.Reveal()
		return line, func() {
			id.Close()
			e.keys.ForgetIdentity(line)
		}, nil
	case UnlockYubiKey:
		if entry.YubiKey == nil {
			return "", func() {}, vaulterr.New(vaulterr.KindInvalidKey, "key has no YubiKey association", "", false).WithDetails(entry.KeyID)
		}
		tag, ierr := e.devices.Identity(ctx, entry.YubiKey.Serial, entry.YubiKey.Slot)
		if ierr != nil {
			return "", func() {}, ierr
		}
		return tag, func() {}, nil
	default:
		return "", func() {}, vaulterr.New(vaulterr.KindInvalidInput, "unrecognized unlock method", "", true)
	}
}

func (e *Engine) bumpLastUsed(unlock UnlockMethod) {
	if unlock.KeyID == "" {
		return
	}
	_ = e.reg.TouchLastUsed(unlock.KeyID, time.Now().UTC())
}
