package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/barqly/vault-core/internal/vaulterr"
)

// DefaultMaxExtractBytes and DefaultMaxExtractEntries bound how much an
// extraction may write.
const (
	DefaultMaxExtractBytes   = 4 << 30 // 4 GiB
	DefaultMaxExtractEntries = 100000
)

// ExtractOptions configures extraction limits and cancellation.
type ExtractOptions struct {
	MaxBytes   int64
	MaxEntries int
	Cancel     CancelFunc
}

func (o ExtractOptions) withDefaults() ExtractOptions {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxExtractBytes
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxExtractEntries
	}
	return o
}

// Extract reads a tar stream produced by Build and writes its regular
// files under destDir, which must be empty or not exist. Every entry path
// is re-validated (no absolute paths, no `..` components) regardless of
// what Build would have written, since src may be adversarial. The
// embedded manifest entry is parsed and returned rather
// than written to destDir.
func Extract(src io.Reader, destDir string, opts ExtractOptions) (*Manifest, error) {
	opts = opts.withDefaults()

	if err := ensureEmptyDestination(destDir); err != nil {
		return nil, err
	}

	tr := tar.NewReader(src)
	seen := make(map[string]bool)
	var manifest *Manifest
	var totalBytes int64
	var entryCount int

	for {
		if opts.Cancel != nil && opts.Cancel() {
			return nil, vaulterr.New(vaulterr.KindConcurrentOperation, "extraction cancelled", "", false)
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.KindArchiveCorrupted, "read archive entry", "the archive is malformed or truncated", false, err)
		}

		entryCount++
		if entryCount > opts.MaxEntries {
			return nil, vaulterr.New(vaulterr.KindTooManyFiles, "archive exceeds the maximum entry count", "", false)
		}

		rel, err := sanitizeEntryPath(hdr.Name)
		if err != nil {
			return nil, err
		}

		if hdr.Name == ManifestEntryName {
			body, rerr := io.ReadAll(tr)
			if rerr != nil {
				return nil, vaulterr.Wrap(vaulterr.KindArchiveCorrupted, "read manifest entry", "", false, rerr)
			}
			manifest, err = UnmarshalManifest(body)
			if err != nil {
				return nil, vaulterr.Wrap(vaulterr.KindManifestInvalid, "parse embedded manifest", "", false, err)
			}
			continue
		}

		if seen[rel] {
			return nil, vaulterr.New(vaulterr.KindArchiveCorrupted, "duplicate path in archive", "", false).WithDetails(rel)
		}
		seen[rel] = true

		destPath := filepath.Join(destDir, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0700); err != nil {
				return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "create directory", "", false, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
				return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "create parent directory", "", false, err)
			}
			perm := os.FileMode(0600)
			if hdr.Mode&0100 != 0 {
				perm = 0700
			}
			n, err := writeExtractedFile(destPath, tr, perm)
			if err != nil {
				return nil, err
			}
			totalBytes += n
			if totalBytes > opts.MaxBytes {
				return nil, vaulterr.New(vaulterr.KindFileTooLarge, "extracted archive exceeds the maximum byte cap", "", false)
			}
		default:
			return nil, vaulterr.New(vaulterr.KindArchiveCorrupted, "unsupported archive entry type", "", false).WithDetails(rel)
		}
	}

	return manifest, nil
}

func writeExtractedFile(destPath string, r io.Reader, perm os.FileMode) (int64, error) {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, vaulterr.Wrap(vaulterr.KindStorageFailed, "create extracted file", "", false, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, vaulterr.Wrap(vaulterr.KindStorageFailed, "write extracted file", "", false, err)
	}
	return n, nil
}

// sanitizeEntryPath rejects absolute paths and any path whose cleaned form
// escapes the extraction root.
func sanitizeEntryPath(name string) (string, error) {
	if name == "" {
		return "", vaulterr.New(vaulterr.KindArchiveCorrupted, "empty archive entry name", "", false)
	}
	clean := filepath.ToSlash(filepath.Clean(name))
	clean = strings.TrimSuffix(clean, "/")
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return "", vaulterr.New(vaulterr.KindArchiveCorrupted, "archive entry path escapes destination", "", false).WithDetails(name)
	}
	return clean, nil
}

func ensureEmptyDestination(destDir string) error {
	info, err := os.Stat(destDir)
	if os.IsNotExist(err) {
		return os.MkdirAll(destDir, 0700)
	}
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindFilesystemError, "stat destination directory", "", false, err)
	}
	if !info.IsDir() {
		return vaulterr.New(vaulterr.KindInvalidPath, "destination exists and is not a directory", "", true)
	}
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindFilesystemError, "read destination directory", "", false, err)
	}
	if len(entries) > 0 {
		return vaulterr.New(vaulterr.KindInvalidPath, "destination directory is not empty", "choose an empty directory", true)
	}
	return nil
}
