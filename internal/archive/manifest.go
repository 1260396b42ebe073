// Package archive implements the deterministic tar-style archive builder
// and extractor, plus the integrity manifest that travels alongside it.
// Builds are streaming: each file is read once, its digest computed while
// copying rather than from a second read.
package archive

import (
	"encoding/json"
	"fmt"
	"time"
)

// ManifestSchemaVersion is bumped whenever the FileEntry shape changes.
const ManifestSchemaVersion = 1

// FileEntry describes one archived file.
type FileEntry struct {
	RelativePath string    `json:"relative_path"`
	Size         int64     `json:"size"`
	SHA256Hex    string    `json:"sha256"`
	ModifiedTime time.Time `json:"modified_time"`
}

// Manifest is the integrity + structure record for an encrypted vault.
type Manifest struct {
	SchemaVersion int         `json:"schema_version"`
	CreatedAt     time.Time   `json:"created_at"`
	TotalSize     int64       `json:"total_size"`
	Files         []FileEntry `json:"files"`
}

// Marshal serialises the manifest as UTF-8 JSON. Files are expected to
// already be in sorted lexicographic order (Build guarantees this), so two
// manifests over the same logical input are byte-identical modulo
// CreatedAt.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Normalized returns a copy of m with CreatedAt zeroed, for determinism
// comparisons.
func (m *Manifest) Normalized() *Manifest {
	clone := *m
	clone.CreatedAt = time.Time{}
	return &clone
}

// UnmarshalManifest parses a manifest document.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, nil
}

// MismatchKind classifies a manifest verification discrepancy.
type MismatchKind string

const (
	MismatchMissing MismatchKind = "missing"
	MismatchExtra   MismatchKind = "extra"
	MismatchBadHash MismatchKind = "bad-hash"
	MismatchBadSize MismatchKind = "bad-size"
)

// Mismatch is one discrepancy found during manifest verification.
type Mismatch struct {
	Kind MismatchKind `json:"kind"`
	Path string       `json:"relative_path"`
}
