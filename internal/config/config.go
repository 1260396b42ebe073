// Package config resolves the vault engine's runtime configuration from
// environment variables and built-in defaults. There is no config file
// format and no package-level singleton — a *Config is resolved once at
// process start and carried explicitly alongside the logger and redaction
// registry.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/barqly/vault-core/internal/obs/log"
)

// These defaults are deliberately conservative; env overrides exist for
// operators who need to raise them, never to weaken the scrypt floor
// (enforced by Load below, which ignores a BARQLY_SCRYPT_LOGN override
// under DefaultScryptLogN).
const (
	DefaultScryptLogN            = 17 // N = 2^17
	DefaultScryptR               = 8
	DefaultScryptP               = 1
	DefaultDeactivationGraceDays = 30
	DefaultLogLevel              = log.LevelInfo
)

// Config holds every tunable the engine reads at startup.
type Config struct {
	AppDir              string
	LogLevel            log.Level
	AgeBin              string
	AgePluginYubikeyBin string
	YkmanBin            string

	ScryptLogN int
	ScryptR    int
	ScryptP    int

	DeactivationGraceDays int

	// DeterministicManifest zeroes the manifest's outer created_at so two
	// encryptions of the same file set produce byte-identical manifests.
	// Entry order is always sorted, and each entry's modified_time is kept
	// either way.
	DeterministicManifest bool

	// FollowSymlinks controls whether staging descends into symlinked
	// directories. Off by default, so a symlinked directory in the input
	// is refused. Symlinked files are copied as their resolved content
	// either way, wherever they point.
	FollowSymlinks bool
}

// Load resolves configuration from the environment, falling back to
// defaults for anything unset or malformed. Malformed numeric overrides
// are logged and ignored rather than treated as fatal, since a typo in an
// operator's shell profile should not prevent the engine from starting.
func Load(logger log.Logger) (*Config, error) {
	if logger == nil {
		logger = log.Discard()
	}

	appDir, err := defaultAppDir()
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("BARQLY_APP_DIR"); v != "" {
		appDir = v
	}

	cfg := &Config{
		AppDir:                appDir,
		LogLevel:              DefaultLogLevel,
		AgeBin:                resolveBinary(logger, "age"),
		AgePluginYubikeyBin:   resolveBinary(logger, "age-plugin-yubikey"),
		YkmanBin:              resolveBinary(logger, "ykman"),
		ScryptLogN:            DefaultScryptLogN,
		ScryptR:               DefaultScryptR,
		ScryptP:               DefaultScryptP,
		DeactivationGraceDays: DefaultDeactivationGraceDays,
		DeterministicManifest: true,
		FollowSymlinks:        false,
	}

	if v := os.Getenv("BARQLY_LOG_LEVEL"); v != "" {
		if lvl, ok := log.ParseLevel(v); ok {
			cfg.LogLevel = lvl
		} else {
			logger.Warn("unrecognized BARQLY_LOG_LEVEL, using default", log.String("value", v))
		}
	}
	if v := os.Getenv("BARQLY_AGE_BIN"); v != "" {
		cfg.AgeBin = v
	}
	if v := os.Getenv("BARQLY_AGE_PLUGIN_YUBIKEY_BIN"); v != "" {
		cfg.AgePluginYubikeyBin = v
	}
	if v := os.Getenv("BARQLY_YKMAN_BIN"); v != "" {
		cfg.YkmanBin = v
	}
	if v := os.Getenv("BARQLY_DEACTIVATION_GRACE_DAYS"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil && n >= 0 {
			cfg.DeactivationGraceDays = n
		} else {
			logger.Warn("invalid BARQLY_DEACTIVATION_GRACE_DAYS, using default", log.String("value", v))
		}
	}
	if v := os.Getenv("BARQLY_FOLLOW_SYMLINKS"); v != "" {
		if b, perr := strconv.ParseBool(v); perr == nil {
			cfg.FollowSymlinks = b
		} else {
			logger.Warn("invalid BARQLY_FOLLOW_SYMLINKS, using default", log.String("value", v))
		}
	}
	if v := os.Getenv("BARQLY_SCRYPT_LOGN"); v != "" {
		// The override can only raise the work factor; 2^17 is a floor,
		// never relaxed from the environment.
		if n, perr := strconv.Atoi(v); perr == nil && n >= DefaultScryptLogN {
			cfg.ScryptLogN = n
		} else {
			logger.Warn("BARQLY_SCRYPT_LOGN below minimum or malformed, using default", log.String("value", v))
		}
	}

	return cfg, nil
}

// resolveBinary prefers a bundled copy of name beside the running
// executable over whatever the platform PATH would find. The
// PATH fallback is logged so an operator can tell which tool actually ran.
func resolveBinary(logger log.Logger, name string) string {
	bundledName := name
	if runtime.GOOS == "windows" {
		bundledName += ".exe"
	}
	exe, err := os.Executable()
	if err == nil {
		bundled := filepath.Join(filepath.Dir(exe), bundledName)
		if info, serr := os.Stat(bundled); serr == nil && !info.IsDir() {
			return bundled
		}
	}
	logger.Debug("bundled binary not found, falling back to PATH", log.String("binary", name))
	return name
}

// defaultAppDir places the application state in a per-user directory
// under the OS config root.
func defaultAppDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		base = home
	}
	return base + string(os.PathSeparator) + "barqly-vault", nil
}
