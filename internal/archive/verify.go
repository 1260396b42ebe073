package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Verify recomputes hashes for every file m describes under extractedDir
// and reports mismatches. It is idempotent:
// running it twice against the same tree yields the same result.
func Verify(m *Manifest, extractedDir string) ([]Mismatch, error) {
	want := make(map[string]FileEntry, len(m.Files))
	for _, f := range m.Files {
		want[f.RelativePath] = f
	}

	present := make(map[string]bool)
	var mismatches []Mismatch

	err := filepath.WalkDir(extractedDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(extractedDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		present[rel] = true

		entry, ok := want[rel]
		if !ok {
			mismatches = append(mismatches, Mismatch{Kind: MismatchExtra, Path: rel})
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() != entry.Size {
			mismatches = append(mismatches, Mismatch{Kind: MismatchBadSize, Path: rel})
			return nil
		}

		sum, err := sha256File(path)
		if err != nil {
			return err
		}
		if sum != entry.SHA256Hex {
			mismatches = append(mismatches, Mismatch{Kind: MismatchBadHash, Path: rel})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var missing []string
	for rel := range want {
		if !present[rel] {
			missing = append(missing, rel)
		}
	}
	sort.Strings(missing)
	for _, rel := range missing {
		mismatches = append(mismatches, Mismatch{Kind: MismatchMissing, Path: rel})
	}

	return mismatches, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
