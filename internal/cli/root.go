// Package cli implements the command-line entrypoint exposing the engine's
// operations as Cobra subcommands, covering the full key/device/vault
// surface.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/barqly/vault-core/internal/config"
	"github.com/barqly/vault-core/internal/keystore"
	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/obs/redact"
	"github.com/barqly/vault-core/internal/operation"
	"github.com/barqly/vault-core/internal/platform"
	"github.com/barqly/vault-core/internal/progress"
	"github.com/barqly/vault-core/internal/registry"
	"github.com/barqly/vault-core/internal/vault"
	"github.com/barqly/vault-core/internal/yubikey"
)

// Version is set by main.go.
var Version = "dev"

// rootCmd silences Cobra's own error and usage printing for itself and
// every subcommand: a failing RunE's error is routed through printError
// instead, so nothing reaches the terminal without passing the redaction
// registry first.
var rootCmd = &cobra.Command{
	Use:           "barqly-vault-core",
	Short:         "Encrypted vault engine: keys, YubiKey devices, and vault archives",
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// app bundles the collaborators every subcommand needs. It is built once
// in Execute and referenced by every RunE, mirroring how config.Load is
// meant to run once at process start (internal/config's own doc comment).
type app struct {
	cfg      *config.Config
	paths    *platform.Paths
	reg      *registry.Registry
	keys     *keystore.Store
	devices  *yubikey.Service
	bus      *progress.Bus
	ops      *operation.Registry
	engine   *vault.Engine
	logger   log.Logger
	redactor *redact.Registry
}

var current *app

func newApp() (*app, error) {
	redactor := redact.NewRegistry()
	logger := log.New(os.Stderr, log.LevelWarn, redactor)

	cfg, err := config.Load(logger)
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("BARQLY_LOG_LEVEL"); v != "" {
		if lvl, ok := log.ParseLevel(v); ok {
			logger = log.New(os.Stderr, lvl, redactor)
		}
	}

	paths := platform.New(cfg.AppDir)
	reg := registry.New(paths, logger)
	if _, err := reg.SweepExpiredDeactivations(cfg.DeactivationGraceDays, time.Now().UTC()); err != nil {
		logger.Warn("sweep expired deactivations", log.Err(err))
	}
	keys := keystore.New(paths, cfg, redactor, logger)
	devices := yubikey.New(yubikey.Binaries{YkmanBin: cfg.YkmanBin, AgePluginYubikeyBin: cfg.AgePluginYubikeyBin}, reg, redactor, logger)
	bus := progress.NewBus()
	ops := operation.New(operation.DefaultCapacity)
	engine := vault.New(paths, cfg, reg, keys, devices, bus, logger)

	return &app{cfg: cfg, paths: paths, reg: reg, keys: keys, devices: devices, bus: bus, ops: ops, engine: engine, logger: logger, redactor: redactor}, nil
}

func newOpID() string { return uuid.NewString() }

// activeOp tracks the single in-flight long-running operation this
// one-shot CLI process ever runs at a time, so the signal handler knows
// what to cancel. A library consumer embedding the engine directly would
// track this per request instead; the CLI only ever runs one.
var (
	activeOpMu sync.Mutex
	activeOp   string
)

func setActiveOp(id string) {
	activeOpMu.Lock()
	activeOp = id
	activeOpMu.Unlock()
}

func clearActiveOp(id string) {
	activeOpMu.Lock()
	if activeOp == id {
		activeOp = ""
	}
	activeOpMu.Unlock()
}

func activeOpIDs() []string {
	activeOpMu.Lock()
	defer activeOpMu.Unlock()
	if activeOp == "" {
		return nil
	}
	return []string{activeOp}
}

// Execute builds the application and runs the requested subcommand. It
// installs a SIGINT/SIGTERM handler that cancels whatever operation is
// currently registered.
func Execute(version string) int {
	Version = version
	rootCmd.Version = version

	a, err := newApp()
	if err != nil {
		// No redactor exists yet; printError's nil path still shortens
		// serial numbers.
		printError(nil, err)
		return 1
	}
	current = a

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		for _, id := range activeOpIDs() {
			_ = a.ops.Cancel(id)
		}
		fmt.Fprintln(os.Stderr, "\nCancelling...")
	}()

	if err := rootCmd.Execute(); err != nil {
		printError(a.redactor, err)
		return 1
	}
	return 0
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
