// Package platform resolves the application's on-disk directory layout and
// enforces restrictive permissions (0700 directories, 0600 key files, no
// symlinks mid-path), centralised in one layer instead of repeated at each
// caller.
package platform

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/barqly/vault-core/internal/vaulterr"
)

const (
	dirPerm  = 0700
	filePerm = 0600
)

// Paths resolves the fixed set of application directories rooted at a base
// app directory (normally config.Config.AppDir).
type Paths struct {
	appDir string
}

// New creates a Paths rooted at appDir. It does not create any directory;
// call the individual accessors, which create their directory lazily.
func New(appDir string) *Paths {
	return &Paths{appDir: appDir}
}

// AppDir returns the application's root directory, creating it if absent.
func (p *Paths) AppDir() (string, error) { return ensureDir(p.appDir) }

// KeysDir returns <app_dir>/keys.
func (p *Paths) KeysDir() (string, error) { return ensureDir(filepath.Join(p.appDir, "keys")) }

// LogsDir returns <app_dir>/logs.
func (p *Paths) LogsDir() (string, error) { return ensureDir(filepath.Join(p.appDir, "logs")) }

// StagingDir returns <app_dir>/staging.
func (p *Paths) StagingDir() (string, error) { return ensureDir(filepath.Join(p.appDir, "staging")) }

// VaultsDir returns the user-facing output directory for encrypted vaults.
// Unlike the other directories this is not nested under app_dir — it
// defaults to the user's home directory unless overridden by the caller of
// encrypt_files (output_path is always caller-supplied; this accessor only
// covers the default when none is given).
func (p *Paths) VaultsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.KindFilesystemError, "resolve home directory", "", false, err)
	}
	return ensureDir(filepath.Join(home, "BarqlyVaults"))
}

// RegistryPath returns <app_dir>/registry.json. The file itself is created
// by the registry package; this only guarantees the parent directory
// exists with correct permissions.
func (p *Paths) RegistryPath() (string, error) {
	dir, err := p.AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "registry.json"), nil
}

func ensureDir(path string) (string, error) {
	if err := validateNoSymlinkInPath(path); err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return "", vaulterr.Wrap(vaulterr.KindPermissionDenied, "create directory", "check filesystem permissions", false, err)
	}
	if err := os.Chmod(path, dirPerm); err != nil {
		return "", vaulterr.Wrap(vaulterr.KindPermissionDenied, "set directory permissions", "", false, err)
	}
	return path, nil
}

// validateNoSymlinkInPath refuses any path whose existing prefix components
// resolve through a symlink. Components that do not yet exist are allowed,
// since ensureDir is about to create them.
func validateNoSymlinkInPath(path string) error {
	clean := filepath.Clean(path)
	parts := strings.Split(clean, string(filepath.Separator))
	cur := string(filepath.Separator)
	if filepath.IsAbs(clean) {
		parts = parts[1:]
	}
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return vaulterr.New(vaulterr.KindInvalidPath, "path contains a symlink component", "remove the symlink and retry", false).WithDetails(cur)
		}
	}
	return nil
}

// WriteKeyFile writes data to path with owner-only permissions, creating
// parent directories as needed. Used for .key.enc and .meta.json files.
func WriteKeyFile(path string, data []byte) error {
	if _, err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "write key file", "check disk space and permissions", false, err)
	}
	return os.Chmod(path, filePerm)
}
