// Package vault implements the vault engine: the orchestrator that drives
// select → validate → stage → archive → manifest →
// encrypt-to-many-recipients → persist, and its inverse read → unlock →
// decrypt → extract → verify-manifest. It owns no persistent state of its
// own — it composes internal/archive, internal/ageio, internal/registry,
// internal/keystore, internal/yubikey, and internal/progress.
package vault

import (
	"github.com/barqly/vault-core/internal/ageio"
	"github.com/barqly/vault-core/internal/config"
	"github.com/barqly/vault-core/internal/keystore"
	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/platform"
	"github.com/barqly/vault-core/internal/progress"
	"github.com/barqly/vault-core/internal/registry"
	"github.com/barqly/vault-core/internal/secret"
	"github.com/barqly/vault-core/internal/yubikey"
)

// Engine orchestrates the encrypt/decrypt pipeline.
type Engine struct {
	paths   *platform.Paths
	cfg     *config.Config
	reg     *registry.Registry
	keys    *keystore.Store
	devices *yubikey.Service
	bus     *progress.Bus
	logger  log.Logger
	bins    ageio.Binaries
}

// New assembles an Engine from its already-constructed collaborators. All
// of paths/cfg/reg/keys/devices/bus are required; logger defaults to
// log.Discard() when nil.
func New(paths *platform.Paths, cfg *config.Config, reg *registry.Registry, keys *keystore.Store, devices *yubikey.Service, bus *progress.Bus, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Discard()
	}
	return &Engine{
		paths:   paths,
		cfg:     cfg,
		reg:     reg,
		keys:    keys,
		devices: devices,
		bus:     bus,
		logger:  logger,
		bins:    ageio.Binaries{AgeBin: cfg.AgeBin},
	}
}

// UnlockKind tags which credential an UnlockMethod carries.
type UnlockKind string

const (
	UnlockPassphrase UnlockKind = "passphrase"
	UnlockYubiKey    UnlockKind = "yubikey"
)

// UnlockMethod selects how to unlock a vault for decryption.
type UnlockMethod struct {
	Kind UnlockKind

	// Passphrase fields.
	KeyID      string
	Passphrase *secret.Passphrase

	// YubiKey fields. Serial and slot are not carried here: they live on
	// the registry entry KeyID already names, so resolveIdentity looks
	// them up rather than trusting a caller-supplied duplicate.
	PIN *secret.Pin
}
