// Package registry is the single source of truth mapping key IDs to key
// metadata and lifecycle state. The write path serialises to JSON, writes
// to a sibling `.incomplete` path, fsyncs, then renames into place, so a
// crash never leaves a torn document. Writes are serialised with an
// in-process mutex; one core process owns an app_dir, so no cross-process
// lock is layered on top.
package registry

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/platform"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// CurrentSchemaVersion is the registry document's schema tag.
const CurrentSchemaVersion = 2

// KeyKind is the closed tag space for an entry's credential type.
type KeyKind string

const (
	KindPassphrase KeyKind = "Passphrase"
	KindYubiKey    KeyKind = "YubiKey"
)

// Status is the key lifecycle enum shared across software keys and
// YubiKey identities.
type Status string

const (
	StatusPreActivation Status = "PreActivation"
	StatusActive        Status = "Active"
	StatusSuspended     Status = "Suspended"
	StatusDeactivated   Status = "Deactivated"
	StatusCompromised   Status = "Compromised"
	StatusDestroyed     Status = "Destroyed"
)

// validTransitions encodes the key lifecycle state machine.
var validTransitions = map[Status]map[Status]bool{
	StatusPreActivation: {StatusActive: true, StatusCompromised: true, StatusDestroyed: true},
	StatusActive:        {StatusSuspended: true, StatusDeactivated: true, StatusCompromised: true},
	StatusSuspended:     {StatusActive: true, StatusDeactivated: true, StatusCompromised: true},
	StatusDeactivated:   {StatusDestroyed: true, StatusCompromised: true},
	StatusCompromised:   {StatusDestroyed: true},
	StatusDestroyed:     {},
}

// CanEncryptOrDecrypt reports whether a key in this status may be used to
// unlock a vault. Only Active keys qualify: a PreActivation key cannot
// decrypt until the vault engine promotes it to Active on its first
// attachment to a vault, and Suspended keys keep their vault associations
// but cannot encrypt or decrypt.
func (s Status) CanEncryptOrDecrypt() bool {
	return s == StatusActive
}

// StatusEvent is one entry in a RegistryEntry's status history.
type StatusEvent struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
}

// PassphraseMeta carries the type-specific fields for a Passphrase entry.
type PassphraseMeta struct {
	EncryptedKeyFile string `json:"encrypted_key_file"`
}

// YubiKeyMeta carries the type-specific fields for a YubiKey entry.
type YubiKeyMeta struct {
	Serial string `json:"serial"`
	Slot   int    `json:"slot"`
}

// Entry is one registered key: per-key metadata, lifecycle, and vault
// associations.
type Entry struct {
	KeyID           string          `json:"key_id"`
	Kind            KeyKind         `json:"kind"`
	Label           string          `json:"label"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUsedAt      time.Time       `json:"last_used_at,omitempty"`
	Status          Status          `json:"status"`
	StatusHistory   []StatusEvent   `json:"status_history"`
	VaultIDs        []string        `json:"vault_ids"`
	PublicRecipient string          `json:"public_recipient"`
	Passphrase      *PassphraseMeta `json:"passphrase,omitempty"`
	YubiKey         *YubiKeyMeta    `json:"yubikey,omitempty"`
}

type document struct {
	SchemaVersion int     `json:"schema_version"`
	Entries       []Entry `json:"entries"`
}

// Registry is the process-local handle onto registry.json. All mutating
// operations hold an in-process mutex and then atomically rewrite the
// whole document; the registry is small (bounded by the number of keys a
// user has ever created), so whole-document rewrite is simpler and safer
// than an incremental log.
type Registry struct {
	mu     sync.Mutex
	paths  *platform.Paths
	logger log.Logger
}

// New opens (without yet reading) a Registry rooted at paths.
func New(paths *platform.Paths, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Discard()
	}
	return &Registry{paths: paths, logger: logger}
}

func (r *Registry) path() (string, error) { return r.paths.RegistryPath() }

func (r *Registry) load() (*document, error) {
	p, err := r.path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return &document{SchemaVersion: CurrentSchemaVersion}, nil
	}
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindFilesystemError, "read registry", "", false, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindManifestInvalid, "parse registry", "", false, err)
	}
	migrated, err := migrate(&doc)
	if err != nil {
		return nil, err
	}
	return migrated, nil
}

// migrate forward-migrates older schema documents and refuses anything
// newer than this binary understands; downgrades are never silent.
func migrate(doc *document) (*document, error) {
	if doc.SchemaVersion == 0 {
		// Treat an absent/zero tag as schema 1 (pre-history-tracking) and
		// fill in the fields schema 2 added.
		doc.SchemaVersion = 1
	}
	if doc.SchemaVersion > CurrentSchemaVersion {
		return nil, vaulterr.New(vaulterr.KindManifestInvalid, "registry schema is newer than this build supports", "upgrade the application", true)
	}
	if doc.SchemaVersion == 1 {
		for i := range doc.Entries {
			if doc.Entries[i].StatusHistory == nil {
				doc.Entries[i].StatusHistory = []StatusEvent{}
			}
			if doc.Entries[i].VaultIDs == nil {
				doc.Entries[i].VaultIDs = []string{}
			}
		}
		doc.SchemaVersion = 2
	}
	return doc, nil
}

func (r *Registry) save(doc *document) error {
	p, err := r.path()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInternalError, "marshal registry", "", false, err)
	}

	tmpPath := p + ".incomplete"
	var f *os.File
	err = platform.RetryTransient(func() error {
		var oerr error
		f, oerr = os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		return oerr
	})
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "open registry temp file", "", false, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "write registry temp file", "", false, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "fsync registry temp file", "", false, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "close registry temp file", "", false, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "rename registry into place", "", false, err)
	}
	return nil
}

// List returns every entry.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// Get returns a single entry by key ID.
func (r *Registry) Get(keyID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range doc.Entries {
		if e.KeyID == keyID {
			return e, nil
		}
	}
	return Entry{}, vaulterr.New(vaulterr.KindKeyNotFound, "key not found", "", true).WithDetails(keyID)
}

// Add inserts a new entry, stamping its initial status-history event.
func (r *Registry) Add(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return err
	}
	for _, existing := range doc.Entries {
		if existing.KeyID == e.KeyID {
			return vaulterr.New(vaulterr.KindInvalidInput, "key id already registered", "", false).WithDetails(e.KeyID)
		}
	}
	if e.StatusHistory == nil {
		e.StatusHistory = []StatusEvent{}
	}
	if e.VaultIDs == nil {
		e.VaultIDs = []string{}
	}
	e.StatusHistory = append(e.StatusHistory, StatusEvent{Status: e.Status, Timestamp: e.CreatedAt, Reason: "created", Actor: "system"})
	doc.Entries = append(doc.Entries, e)
	if err := r.save(doc); err != nil {
		return err
	}
	r.logger.Info("registry entry added", log.String("key_id", e.KeyID), log.String("kind", string(e.Kind)))
	return nil
}

// UpdateStatus transitions an entry's lifecycle status, enforcing the
// state machine and appending to the status history.
func (r *Registry) UpdateStatus(keyID string, newStatus Status, reason, actor string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return err
	}
	idx, err := findIndex(doc, keyID)
	if err != nil {
		return err
	}
	cur := doc.Entries[idx].Status
	if cur != newStatus && !validTransitions[cur][newStatus] {
		return vaulterr.New(vaulterr.KindInvalidInput, "illegal lifecycle transition", "", false).WithDetails(string(cur) + " -> " + string(newStatus))
	}
	doc.Entries[idx].Status = newStatus
	doc.Entries[idx].StatusHistory = append(doc.Entries[idx].StatusHistory, StatusEvent{Status: newStatus, Timestamp: now, Reason: reason, Actor: actor})
	return r.save(doc)
}

// Associate records a vault association on a key entry.
func (r *Registry) Associate(keyID, vaultID string) error {
	return r.mutateVaultIDs(keyID, func(ids []string) []string {
		for _, id := range ids {
			if id == vaultID {
				return ids
			}
		}
		return append(ids, vaultID)
	})
}

// Disassociate removes a vault association.
func (r *Registry) Disassociate(keyID, vaultID string) error {
	return r.mutateVaultIDs(keyID, func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if id != vaultID {
				out = append(out, id)
			}
		}
		return out
	})
}

func (r *Registry) mutateVaultIDs(keyID string, mutate func([]string) []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return err
	}
	idx, err := findIndex(doc, keyID)
	if err != nil {
		return err
	}
	doc.Entries[idx].VaultIDs = mutate(doc.Entries[idx].VaultIDs)
	return r.save(doc)
}

// SetPublicRecipient records the recipient string an entry was created
// without: the YubiKey initialisation workflow persists a PreActivation
// entry before the identity is generated so a failed run can resume, and
// the recipient is not yet known at Add time.
func (r *Registry) SetPublicRecipient(keyID, recipient string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return err
	}
	idx, err := findIndex(doc, keyID)
	if err != nil {
		return err
	}
	doc.Entries[idx].PublicRecipient = recipient
	return r.save(doc)
}

// TouchLastUsed bumps an entry's last-used timestamp.
func (r *Registry) TouchLastUsed(keyID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return err
	}
	idx, err := findIndex(doc, keyID)
	if err != nil {
		return err
	}
	doc.Entries[idx].LastUsedAt = now
	return r.save(doc)
}

// Remove deletes an entry outright.
func (r *Registry) Remove(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return err
	}
	idx, err := findIndex(doc, keyID)
	if err != nil {
		return err
	}
	doc.Entries = append(doc.Entries[:idx], doc.Entries[idx+1:]...)
	return r.save(doc)
}

// SweepExpiredDeactivations destroys entries whose Deactivated grace
// window has elapsed. The window is measured from the entry's
// most recent transition into Deactivated. Returns the key IDs destroyed.
func (r *Registry) SweepExpiredDeactivations(graceDays int, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return nil, err
	}

	cutoff := now.AddDate(0, 0, -graceDays)
	var destroyed []string
	for i := range doc.Entries {
		e := &doc.Entries[i]
		if e.Status != StatusDeactivated {
			continue
		}
		deactivatedAt := e.CreatedAt
		for _, ev := range e.StatusHistory {
			if ev.Status == StatusDeactivated {
				deactivatedAt = ev.Timestamp
			}
		}
		if deactivatedAt.After(cutoff) {
			continue
		}
		e.Status = StatusDestroyed
		e.StatusHistory = append(e.StatusHistory, StatusEvent{Status: StatusDestroyed, Timestamp: now, Reason: "deactivation grace window elapsed", Actor: "system"})
		destroyed = append(destroyed, e.KeyID)
	}
	if len(destroyed) == 0 {
		return nil, nil
	}
	if err := r.save(doc); err != nil {
		return nil, err
	}
	r.logger.Info("destroyed keys past deactivation grace window", log.Int("count", len(destroyed)))
	return destroyed, nil
}

func findIndex(doc *document, keyID string) (int, error) {
	for i, e := range doc.Entries {
		if e.KeyID == keyID {
			return i, nil
		}
	}
	return -1, vaulterr.New(vaulterr.KindKeyNotFound, "key not found", "", true).WithDetails(keyID)
}
