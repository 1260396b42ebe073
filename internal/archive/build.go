package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/barqly/vault-core/internal/util"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// nowFunc is overridable in tests; production code always uses time.Now.
var nowFunc = time.Now

// ManifestEntryName is the reserved archive path for the embedded manifest.
// It is rejected as a staged input filename to avoid collision.
const ManifestEntryName = ".manifest.json"

// ProgressFunc reports bytes processed out of an estimated total.
type ProgressFunc func(processedBytes, totalBytes int64)

// CancelFunc is polled between files and periodically mid-file; returning
// true aborts the build.
type CancelFunc func() bool

// BuildOptions configures archive construction.
type BuildOptions struct {
	// IncludeEmptyDirs adds directory entries for directories that contain
	// no regular files, so extraction recreates the full tree shape.
	IncludeEmptyDirs bool
	// FollowSymlinks is carried for callers but not consulted by Build: a
	// symlinked directory in the staged input is always refused. Symlinked
	// files are always dereferenced to their resolved content (the hash is
	// over the resolved bytes); directory symlinks are expanded by the
	// vault staging step when its own follow-symlinks flag is set.
	FollowSymlinks bool
	// Deterministic zeroes the manifest's CreatedAt so repeat builds of
	// the same tree are byte-identical.
	Deterministic bool
	Progress      ProgressFunc
	Cancel        CancelFunc
}

type stagedEntry struct {
	relPath string
	absPath string
	isDir   bool
	mode    fs.FileMode
	modTime int64
}

// Build walks stagingDir, writes a tar stream of its regular files (plus,
// optionally, empty directories) to dest in sorted-path order, and returns
// the manifest describing what was written. Each file's SHA-256 is
// computed from the same read used to copy its bytes into the archive —
// no second pass over file content.
//
// The manifest is written as the final tar entry rather than the first:
// its own size is only known once every file has been hashed, and this
// engine does not buffer the whole archive in memory to reserve a leading
// slot. The embedded copy remains authoritative regardless of position.
func Build(dest io.Writer, stagingDir string, opts BuildOptions) (*Manifest, error) {
	entries, err := collectEntries(stagingDir, opts)
	if err != nil {
		return nil, err
	}

	var totalSize int64
	for _, e := range entries {
		if !e.isDir {
			info, statErr := os.Stat(e.absPath)
			if statErr != nil {
				return nil, vaulterr.Wrap(vaulterr.KindFileNotFound, "stat staged file", "", false, statErr).WithDetails(e.relPath)
			}
			totalSize += info.Size()
		}
	}

	tw := tar.NewWriter(dest)
	manifest := &Manifest{SchemaVersion: ManifestSchemaVersion}
	if !opts.Deterministic {
		manifest.CreatedAt = nowFunc()
	}

	var processed int64
	for _, e := range entries {
		if opts.Cancel != nil && opts.Cancel() {
			return nil, vaulterr.New(vaulterr.KindConcurrentOperation, "archive build cancelled", "", false)
		}

		if e.isDir {
			hdr := &tar.Header{
				Name:     e.relPath + "/",
				Typeflag: tar.TypeDir,
				Mode:     0700,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, vaulterr.Wrap(vaulterr.KindArchiveCorrupted, "write directory entry", "", false, err)
			}
			continue
		}

		sum, size, err := writeFileEntry(tw, e, opts, &processed, totalSize)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, FileEntry{
			RelativePath: e.relPath,
			Size:         size,
			SHA256Hex:    sum,
			ModifiedTime: time.Unix(0, e.modTime).UTC(),
		})
	}
	manifest.TotalSize = totalSize

	body, err := manifest.Marshal()
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindManifestInvalid, "marshal manifest", "", false, err)
	}
	mhdr := &tar.Header{
		Name:     ManifestEntryName,
		Size:     int64(len(body)),
		Mode:     0600,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(mhdr); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindArchiveCorrupted, "write manifest entry", "", false, err)
	}
	if _, err := tw.Write(body); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindArchiveCorrupted, "write manifest body", "", false, err)
	}

	if err := tw.Close(); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindArchiveCorrupted, "close archive", "", false, err)
	}
	return manifest, nil
}

func writeFileEntry(tw *tar.Writer, e stagedEntry, opts BuildOptions, processed *int64, totalSize int64) (sum string, size int64, err error) {
	f, err := os.Open(e.absPath)
	if err != nil {
		return "", 0, vaulterr.Wrap(vaulterr.KindFileNotFound, "open staged file", "", false, err).WithDetails(e.relPath)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, vaulterr.Wrap(vaulterr.KindFileNotFound, "stat staged file", "", false, err).WithDetails(e.relPath)
	}

	hdr := &tar.Header{
		Name:     e.relPath,
		Size:     info.Size(),
		Mode:     int64(execMaskedMode(info.Mode())),
		Typeflag: tar.TypeReg,
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return "", 0, vaulterr.Wrap(vaulterr.KindArchiveCorrupted, "write file header", "", false, err).WithDetails(e.relPath)
	}

	h := sha256.New()
	mw := io.MultiWriter(tw, h)

	buf := util.GetMiBBuffer()
	defer util.PutMiBBuffer(buf)
	var written int64
	const progressChunk = 4 << 20 // poll cancel every 4 MiB streamed
	var sinceLastPoll int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, werr := mw.Write(buf[:n]); werr != nil {
				return "", 0, vaulterr.Wrap(vaulterr.KindArchiveCorrupted, "write file body", "", false, werr).WithDetails(e.relPath)
			}
			written += int64(n)
			sinceLastPoll += int64(n)
			*processed += int64(n)
			if sinceLastPoll >= progressChunk {
				sinceLastPoll = 0
				if opts.Cancel != nil && opts.Cancel() {
					return "", 0, vaulterr.New(vaulterr.KindConcurrentOperation, "archive build cancelled", "", false)
				}
			}
			if opts.Progress != nil {
				opts.Progress(*processed, totalSize)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, vaulterr.Wrap(vaulterr.KindFileNotFound, "read staged file", "", false, readErr).WithDetails(e.relPath)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), written, nil
}

// collectEntries walks stagingDir and returns a deterministic, sorted list
// of regular files (and, if requested, empty directories), refusing any
// path that would escape stagingDir or collide with a duplicate relative
// path.
func collectEntries(stagingDir string, opts BuildOptions) ([]stagedEntry, error) {
	absRoot, err := filepath.Abs(stagingDir)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindInvalidPath, "resolve staging root", "", false, err)
	}
	// Canonicalise the root itself so the escape check below compares
	// like with like (temp directories often live behind a symlink).
	if canonical, cerr := filepath.EvalSymlinks(absRoot); cerr == nil {
		absRoot = canonical
	}

	seen := make(map[string]bool)
	var entries []stagedEntry
	dirHasFile := make(map[string]bool)

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == absRoot {
			return nil
		}

		info, statErr := os.Lstat(path)
		if statErr != nil {
			return statErr
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) || strings.Contains(rel, "..") {
			return vaulterr.New(vaulterr.KindPathTraversal, "staged entry escapes staging root", "", false).WithDetails(rel)
		}
		if rel == ManifestEntryName {
			return vaulterr.New(vaulterr.KindArchiveCorrupted, "reserved manifest filename used by a staged entry", "", false).WithDetails(rel)
		}

		if d.IsDir() {
			return nil
		}

		// Symlinks are dereferenced to content: the entry is stored as a
		// regular file and hashed over the resolved bytes. A
		// target outside the staging root is still refused, and symlinked
		// directories never reach this walk from the vault pipeline (the
		// staging step expands them when follow_symlinks is enabled).
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, rerr := filepath.EvalSymlinks(path)
			if rerr != nil {
				return vaulterr.Wrap(vaulterr.KindInvalidPath, "resolve symlink target", "remove the dangling symlink", true, rerr).WithDetails(rel)
			}
			if !strings.HasPrefix(resolved, absRoot) {
				return vaulterr.New(vaulterr.KindPathTraversal, "symlink target escapes staging root", "", false).WithDetails(rel)
			}
			ri, serr := os.Stat(path)
			if serr != nil {
				return serr
			}
			if ri.IsDir() {
				return vaulterr.New(vaulterr.KindInvalidPath, "symlinked directory in staged input", "enable follow_symlinks so staging can expand it", true).WithDetails(rel)
			}
		}

		if seen[rel] {
			return vaulterr.New(vaulterr.KindArchiveCorrupted, "duplicate relative path in staged input", "", false).WithDetails(rel)
		}
		seen[rel] = true
		dirHasFile[filepath.Dir(rel)] = true

		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		entries = append(entries, stagedEntry{relPath: rel, absPath: path, mode: fi.Mode(), modTime: fi.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.IncludeEmptyDirs {
		err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil || path == absRoot || !d.IsDir() {
				return walkErr
			}
			rel, relErr := filepath.Rel(absRoot, path)
			if relErr != nil {
				return relErr
			}
			rel = filepath.ToSlash(rel)
			if !dirHasFile[rel] {
				entries = append(entries, stagedEntry{relPath: rel, isDir: true})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })
	return entries, nil
}

func execMaskedMode(mode fs.FileMode) fs.FileMode {
	perm := mode.Perm()
	if perm&0100 != 0 {
		return 0700
	}
	return 0600
}

