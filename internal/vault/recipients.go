package vault

import (
	"github.com/barqly/vault-core/internal/registry"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// A vault may carry at most 1 passphrase key and at most 3 YubiKey
// identities, so at most 4 recipients total.
const (
	MaxRecipients        = 4
	MaxPassphraseKeys    = 1
	MaxYubiKeyIdentities = 3
)

// canAttachToVault reports whether status may be newly attached to a
// vault at encrypt time; only PreActivation and Active keys qualify.
func canAttachToVault(s registry.Status) bool {
	return s == registry.StatusActive || s == registry.StatusPreActivation
}

// resolveEncryptRecipients looks up each key ID in the registry, enforces
// the recipient-composition rules, and returns the
// ordered recipient strings plus the resolved entries (so the caller can
// bump last-used/associate after a successful encrypt).
func (e *Engine) resolveEncryptRecipients(keyIDs []string) ([]string, []registry.Entry, error) {
	if len(keyIDs) == 0 {
		return nil, nil, vaulterr.New(vaulterr.KindMissingParameter, "at least one recipient key is required", "select a key to encrypt to", true)
	}
	if len(keyIDs) > MaxRecipients {
		return nil, nil, vaulterr.New(vaulterr.KindInvalidInput, "at most 4 recipients are allowed per vault", "remove a recipient key", true)
	}

	recipients := make([]string, 0, len(keyIDs))
	entries := make([]registry.Entry, 0, len(keyIDs))
	passphraseCount, yubikeyCount := 0, 0

	for _, id := range keyIDs {
		entry, err := e.reg.Get(id)
		if err != nil {
			return nil, nil, err
		}
		if !canAttachToVault(entry.Status) {
			return nil, nil, vaulterr.New(vaulterr.KindInvalidKey, "key is not in a state that can be attached to a vault", "activate or replace the key", true).WithDetails(entry.KeyID)
		}
		switch entry.Kind {
		case registry.KindPassphrase:
			passphraseCount++
			if passphraseCount > MaxPassphraseKeys {
				return nil, nil, vaulterr.New(vaulterr.KindInvalidInput, "at most one passphrase key is allowed per vault", "remove the extra passphrase key", true)
			}
		case registry.KindYubiKey:
			yubikeyCount++
			if yubikeyCount > MaxYubiKeyIdentities {
				return nil, nil, vaulterr.New(vaulterr.KindInvalidInput, "at most three YubiKey identities are allowed per vault", "remove a YubiKey identity", true)
			}
		}
		if entry.PublicRecipient == "" {
			return nil, nil, vaulterr.New(vaulterr.KindInvalidKey, "key has no public recipient on record", "", false).WithDetails(entry.KeyID)
		}
		recipients = append(recipients, entry.PublicRecipient)
		entries = append(entries, entry)
	}
	return recipients, entries, nil
}
