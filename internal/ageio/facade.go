// Package ageio is the age encryption façade. It wraps filippo.io/age
// directly when every recipient/identity is software (X25519 or scrypt
// passphrase), and falls back to the external age binary when any
// plugin-yubikey recipient/identity is in play, since filippo.io/age has
// no in-process knowledge of hardware plugins: decryption drives it under
// a PTY, encryption runs it with plain pipes.
package ageio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/ptydrv"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// PluginRecipientPrefix is the registered age-plugin-yubikey recipient
// prefix.
const PluginRecipientPrefix = "age1yubikey1"

// PluginIdentityPrefix is the registered age-plugin-yubikey identity-stub
// prefix.
const PluginIdentityPrefix = "AGE-PLUGIN-YUBIKEY-"

// Binaries resolves the external tool paths the façade invokes.
type Binaries struct {
	AgeBin string
}

// IsPluginRecipient reports whether s is a plugin-yubikey recipient
// string rather than a bare X25519 recipient.
func IsPluginRecipient(s string) bool {
	return strings.HasPrefix(s, PluginRecipientPrefix)
}

// IsPluginIdentity reports whether s is a plugin-yubikey identity stub.
func IsPluginIdentity(s string) bool {
	return strings.HasPrefix(strings.ToUpper(s), PluginIdentityPrefix)
}

// ParseRecipient validates and parses an X25519 recipient string. Plugin
// recipients are rejected here (filippo.io/age cannot parse them);
// encryptSubprocess skips this check for them and hands them to the age
// binary unvalidated.
func ParseRecipient(s string) (age.Recipient, error) {
	r, err := age.ParseX25519Recipient(s)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindInvalidInput, "invalid recipient", "check the recipient string", true, err).WithDetails(s)
	}
	return r, nil
}

// Encrypt encrypts plaintext to the given recipients: library mode when
// every recipient is a plain X25519 string, subprocess mode when any
// recipient is plugin-based. Subprocess encryption runs the age binary
// with plain pipes (stdin/stdout), not under a PTY, and buffers the whole
// ciphertext in memory before writing it to dst. recipients is the ordered
// list of recipient strings gathered from the registry resolution step.
func Encrypt(ctx context.Context, logger log.Logger, bins Binaries, plaintext io.Reader, dst io.Writer, recipients []string, armored bool) error {
	if logger == nil {
		logger = log.Discard()
	}
	if len(recipients) == 0 {
		return vaulterr.New(vaulterr.KindMissingParameter, "at least one recipient is required", "select a key to encrypt to", true)
	}

	hasPlugin := false
	for _, r := range recipients {
		if IsPluginRecipient(r) {
			hasPlugin = true
			break
		}
	}

	if !hasPlugin {
		return encryptLibrary(plaintext, dst, recipients, armored)
	}
	return encryptSubprocess(ctx, logger, bins, plaintext, dst, recipients, armored)
}

// Decrypt decrypts ciphertext with the given identities. identities is the
// ordered list of identity strings: X25519/scrypt identity lines are
// secret and handled entirely in-process; a plugin-yubikey identity stub
// (non-secret — it only names a serial+slot, the key stays on the device)
// triggers subprocess PTY mode via age-plugin-yubikey.
func Decrypt(ctx context.Context, logger log.Logger, bins Binaries, ciphertext io.Reader, dst io.Writer, identities []string, respond PromptResponder) error {
	if logger == nil {
		logger = log.Discard()
	}
	if len(identities) == 0 {
		return vaulterr.New(vaulterr.KindMissingParameter, "at least one identity is required", "select an unlock method", true)
	}

	hasPlugin := false
	for _, id := range identities {
		if IsPluginIdentity(id) {
			hasPlugin = true
			break
		}
	}

	if !hasPlugin {
		return decryptLibrary(ciphertext, dst, identities)
	}
	return decryptSubprocess(ctx, logger, bins, ciphertext, dst, identities, respond)
}

func encryptLibrary(plaintext io.Reader, dst io.Writer, recipients []string, armored bool) error {
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		rec, err := ParseRecipient(r)
		if err != nil {
			return err
		}
		parsed = append(parsed, rec)
	}

	out := dst
	var armorWriter io.WriteCloser
	if armored {
		armorWriter = armor.NewWriter(dst)
		out = armorWriter
	}

	w, err := age.Encrypt(out, parsed...)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindEncryptionFailed, "initialise age encryption", "", false, err)
	}
	if _, err := io.Copy(w, plaintext); err != nil {
		return vaulterr.Wrap(vaulterr.KindEncryptionFailed, "write plaintext", "", false, err)
	}
	if err := w.Close(); err != nil {
		return vaulterr.Wrap(vaulterr.KindEncryptionFailed, "finalise ciphertext", "", false, err)
	}
	if armorWriter != nil {
		if err := armorWriter.Close(); err != nil {
			return vaulterr.Wrap(vaulterr.KindEncryptionFailed, "finalise armor", "", false, err)
		}
	}
	return nil
}

func decryptLibrary(ciphertext io.Reader, dst io.Writer, identityLines []string) error {
	identities := make([]age.Identity, 0, len(identityLines))
	for _, line := range identityLines {
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return vaulterr.Wrap(vaulterr.KindInvalidKey, "invalid identity", "", false, err)
		}
		identities = append(identities, id)
	}

	const armorMagic = "-----BEGIN AGE ENCRYPTED FILE-----"
	peek := bufio.NewReader(ciphertext)
	var src io.Reader = peek
	if head, _ := peek.Peek(len(armorMagic)); string(head) == armorMagic {
		src = armor.NewReader(peek)
	}

	r, err := age.Decrypt(src, identities...)
	if err != nil {
		if isAuthFailure(err) {
			return vaulterr.New(vaulterr.KindWrongPassphrase, "authentication failed", "check the passphrase and try again", true)
		}
		return vaulterr.Wrap(vaulterr.KindDecryptionFailed, "decrypt", "", false, err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		return vaulterr.Wrap(vaulterr.KindDecryptionFailed, "read plaintext", "", false, err)
	}
	return nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "incorrect passphrase") ||
		strings.Contains(err.Error(), "no identity matched") ||
		strings.Contains(err.Error(), "failed to decrypt")
}

// PromptResponder answers PIN prompts surfaced by a plugin-driven
// subprocess and is notified of touch requirements; it is supplied by the
// caller (vault engine) so UI concerns stay out of this package.
type PromptResponder interface {
	// PIN returns the PIN to send in response to a PIN prompt.
	PIN() (string, error)
	// TouchRequired is called once per touch prompt; it never writes to
	// the subprocess, only surfaces a progress event.
	TouchRequired()
}

func encryptSubprocess(ctx context.Context, logger log.Logger, bins Binaries, plaintext io.Reader, dst io.Writer, recipients []string, armored bool) error {
	for _, r := range recipients {
		if !IsPluginRecipient(r) {
			if _, err := ParseRecipient(r); err != nil {
				return err
			}
		}
	}

	args := []string{"--encrypt"}
	if armored {
		args = append(args, "--armor")
	}
	for _, r := range recipients {
		args = append(args, "--recipient", r)
	}

	cmd := exec.CommandContext(ctx, bins.AgeBin, args...)
	cmd.Stdin = plaintext
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if os.IsNotExist(err) {
			return vaulterr.Wrap(vaulterr.KindAgeBinaryMissing, "age binary not found", "install age or set BARQLY_AGE_BIN", true, err)
		}
		return vaulterr.Wrap(vaulterr.KindEncryptionFailed, "age encrypt subprocess failed", "", false, err).WithDetails(stderr.String())
	}
	if _, err := dst.Write(stdout.Bytes()); err != nil {
		return vaulterr.Wrap(vaulterr.KindEncryptionFailed, "write ciphertext", "", false, err)
	}
	return nil
}

// decryptSubprocess spawns `age --decrypt -i <identity-stub-file>` under a
// PTY. The identity stub is not secret (it only names serial+slot; the
// private key never leaves the hardware token), so writing it to a
// restrictively-permissioned temp file is safe. age internally re-invokes
// age-plugin-yubikey, whose PIN/touch prompts surface through the PTY we
// control here.
func decryptSubprocess(ctx context.Context, logger log.Logger, bins Binaries, ciphertext io.Reader, dst io.Writer, identityLines []string, respond PromptResponder) error {
	stubDir, err := os.MkdirTemp("", "barqly-identity-*")
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "create identity staging directory", "", false, err)
	}
	defer os.RemoveAll(stubDir)

	stubPath := filepath.Join(stubDir, "identity")
	var buf bytes.Buffer
	for _, line := range identityLines {
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	if err := os.WriteFile(stubPath, buf.Bytes(), 0600); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "write identity stub", "", false, err)
	}

	ctBytes, err := io.ReadAll(ciphertext)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindDecryptionFailed, "read ciphertext", "", false, err)
	}
	ctPath := filepath.Join(stubDir, "vault.age")
	if err := os.WriteFile(ctPath, ctBytes, 0600); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "stage ciphertext", "", false, err)
	}
	outPath := filepath.Join(stubDir, "plaintext.out")

	args := []string{"--decrypt", "-i", stubPath, "-o", outPath, ctPath}
	sess, err := ptydrv.Spawn(ctx, logger, bins.AgeBin, args, "", false)
	if err != nil {
		return err
	}

	for {
		p, err := sess.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			sess.Kill()
			return err
		}
		switch p.Kind {
		case ptydrv.PromptPin:
			pin, perr := respond.PIN()
			if perr != nil {
				sess.Kill()
				return perr
			}
			if werr := sess.Respond(pin); werr != nil {
				return werr
			}
		case ptydrv.PromptTouch:
			respond.TouchRequired()
		case ptydrv.PromptLine:
			// Identity/recipient echo lines from the plugin; no action
			// needed during decrypt.
		}
	}

	if err := sess.Wait(); err != nil {
		return vaulterr.Wrap(vaulterr.KindDecryptionFailed, "age decrypt subprocess failed", "check the PIN and device connection", true, err)
	}

	out, err := os.Open(outPath)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindDecryptionFailed, "read decrypted output", "", false, err)
	}
	defer out.Close()
	if _, err := io.Copy(dst, out); err != nil {
		return vaulterr.Wrap(vaulterr.KindDecryptionFailed, "stream decrypted output", "", false, err)
	}
	return nil
}
