package vault

import (
	"io"
	"os"
	"path/filepath"

	"github.com/barqly/vault-core/internal/vaulterr"
)

// DefaultMaxTotalBytes and DefaultMaxFileCount cap what may be staged,
// mirroring the archive package's extraction caps.
const (
	DefaultMaxTotalBytes = 4 << 30 // 4 GiB
	DefaultMaxFileCount  = 100000
)

// stageInputs copies the caller-supplied input paths into a fresh staging
// directory under stagingRoot:
//
//  1. a single file stages as that one file at the staging root;
//  2. a single directory stages as the contents of that directory
//     (the directory name itself is not repeated as a wrapping layer);
//  3. two or more items stage as siblings, each keeping its own base name.
//
// It returns the staging directory to hand to archive.Build.
func stageInputs(stagingRoot string, inputPaths []string, followSymlinks bool) (string, error) {
	if len(inputPaths) == 0 {
		return "", vaulterr.New(vaulterr.KindMissingParameter, "at least one input path is required", "select a file or folder to encrypt", true)
	}

	stageDir, err := os.MkdirTemp(stagingRoot, "stage-*")
	if err != nil {
		return "", vaulterr.Wrap(vaulterr.KindStorageFailed, "create staging directory", "", false, err)
	}

	if len(inputPaths) == 1 {
		info, err := os.Stat(inputPaths[0])
		if err != nil {
			return "", vaulterr.Wrap(vaulterr.KindFileNotFound, "stat input path", "", false, err).WithDetails(inputPaths[0])
		}
		if info.IsDir() {
			if err := copyTree(inputPaths[0], stageDir, followSymlinks); err != nil {
				return "", err
			}
			return stageDir, nil
		}
		dest := filepath.Join(stageDir, filepath.Base(inputPaths[0]))
		if err := copyFile(inputPaths[0], dest, info.Mode()); err != nil {
			return "", err
		}
		return stageDir, nil
	}

	seen := make(map[string]bool, len(inputPaths))
	for _, p := range inputPaths {
		base := filepath.Base(p)
		if seen[base] {
			return "", vaulterr.New(vaulterr.KindInvalidInput, "two inputs share the same name", "rename one of the inputs", true).WithDetails(base)
		}
		seen[base] = true

		info, err := os.Stat(p)
		if err != nil {
			return "", vaulterr.Wrap(vaulterr.KindFileNotFound, "stat input path", "", false, err).WithDetails(p)
		}
		dest := filepath.Join(stageDir, base)
		if info.IsDir() {
			if err := os.MkdirAll(dest, 0700); err != nil {
				return "", vaulterr.Wrap(vaulterr.KindStorageFailed, "create staged directory", "", false, err)
			}
			if err := copyTree(p, dest, followSymlinks); err != nil {
				return "", err
			}
			continue
		}
		if err := copyFile(p, dest, info.Mode()); err != nil {
			return "", err
		}
	}
	return stageDir, nil
}

// copyTree copies the contents of src into an already-created dest
// directory. Symlinked files are dereferenced to their resolved content
// (the staged copy is a regular file);
// symlinked directories are descended into only when followSymlinks is
// set, since expanding them silently can pull in arbitrarily large trees
// from outside the selected inputs.
func copyTree(src, dest string, followSymlinks bool) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return vaulterr.Wrap(vaulterr.KindFileNotFound, "walk input tree", "", false, err).WithDetails(path)
		}
		rel, rerr := filepath.Rel(src, path)
		if rerr != nil {
			return vaulterr.Wrap(vaulterr.KindInternalError, "compute relative path", "", false, rerr)
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)

		if info.Mode()&os.ModeSymlink != 0 {
			resolved, rerr := filepath.EvalSymlinks(path)
			if rerr != nil {
				return vaulterr.Wrap(vaulterr.KindFileNotFound, "resolve symlink", "remove the dangling symlink", true, rerr).WithDetails(rel)
			}
			ri, serr := os.Stat(resolved)
			if serr != nil {
				return vaulterr.Wrap(vaulterr.KindFileNotFound, "stat symlink target", "", false, serr).WithDetails(rel)
			}
			if ri.IsDir() {
				if !followSymlinks {
					return vaulterr.New(vaulterr.KindInvalidInput, "symlinked directories are not followed by default", "enable follow_symlinks or replace the symlink with its target", true).WithDetails(rel)
				}
				if err := os.MkdirAll(target, 0700); err != nil {
					return vaulterr.Wrap(vaulterr.KindStorageFailed, "create staged directory", "", false, err)
				}
				return copyTree(resolved, target, followSymlinks)
			}
			return copyFile(resolved, target, ri.Mode())
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0700)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "create staged parent directory", "", false, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindFileNotFound, "open input file", "", false, err).WithDetails(src)
	}
	defer in.Close()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0600
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "create staged file", "", false, err).WithDetails(dest)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "copy staged file", "", false, err).WithDetails(src)
	}
	return nil
}

// validateInputs enforces the total-size and file-count caps before
// staging begins, so an oversized request fails fast instead of after
// copying gigabytes into a staging directory.
func validateInputs(inputPaths []string) error {
	var total int64
	var count int
	for _, p := range inputPaths {
		err := filepath.Walk(p, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return vaulterr.Wrap(vaulterr.KindFileNotFound, "stat input path", "", false, err).WithDetails(path)
			}
			if info.IsDir() {
				return nil
			}
			count++
			if count > DefaultMaxFileCount {
				return vaulterr.New(vaulterr.KindTooManyFiles, "input exceeds the maximum file count", "reduce the number of files", true)
			}
			total += info.Size()
			if total > DefaultMaxTotalBytes {
				return vaulterr.New(vaulterr.KindFileTooLarge, "input exceeds the maximum total size", "reduce the total input size", true)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
