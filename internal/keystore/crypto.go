package keystore

import (
	"bytes"
	"io"

	"filippo.io/age"

	"github.com/barqly/vault-core/internal/vaulterr"
)

// encryptIdentity AEAD-encrypts identityLine under age's own scrypt
// passphrase-encryption mode. The resulting stream already carries age's
// "age-encryption.org/v1" header, a scrypt stanza (work factor + salt),
// and the ciphertext body — a complete magic/version/salt/ciphertext
// container — so no additional wrapper framing is added on top of it.
func encryptIdentity(identityLine, passphrase string, logN int) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindInternalError, "construct scrypt recipient", "", false, err)
	}
	recipient.SetWorkFactor(logN)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "initialise key encryption", "", false, err)
	}
	if _, err := io.WriteString(w, identityLine); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "write identity", "", false, err)
	}
	if err := w.Close(); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "finalise key encryption", "", false, err)
	}
	return buf.Bytes(), nil
}

// decryptIdentity reverses encryptIdentity. A failure here is always
// attributable to an incorrect passphrase or a corrupted file; the caller
// maps it to WrongPassphrase rather than surfacing the raw AEAD error.
func decryptIdentity(ciphertext []byte, passphrase string) (string, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return "", err
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return "", err
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
