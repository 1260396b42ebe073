package vault

import (
	"path/filepath"

	"github.com/barqly/vault-core/internal/archive"
)

// VerifyManifest recomputes hashes for every file an already-extracted
// vault's manifest describes, without touching any key material. It is a
// standalone, idempotent operation usable outside of a full decrypt flow.
func (e *Engine) VerifyManifest(manifest *archive.Manifest, extractedDir string) ([]archive.Mismatch, error) {
	return archive.Verify(manifest, filepath.Clean(extractedDir))
}
