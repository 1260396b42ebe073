package vault

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/barqly/vault-core/internal/ageio"
	"github.com/barqly/vault-core/internal/archive"
	"github.com/barqly/vault-core/internal/obs/log"
	"github.com/barqly/vault-core/internal/progress"
	"github.com/barqly/vault-core/internal/registry"
	"github.com/barqly/vault-core/internal/util"
	"github.com/barqly/vault-core/internal/vaulterr"
)

// EncryptOptions configures one encrypt operation.
type EncryptOptions struct {
	// OpID correlates progress updates and is the key under which the
	// caller's operation.Registry tracks this run.
	OpID string
	// InputPaths is one or more files/directories to archive.
	InputPaths []string
	// RecipientKeyIDs names the registry entries to encrypt to; at most
	// 4, at most 1 passphrase, at most 3 YubiKey.
	RecipientKeyIDs []string
	// OutputPath is the destination .age vault file.
	OutputPath string
	// Armored requests ASCII-armored output instead of binary.
	Armored bool
	// Cancel is polled between phases and periodically mid-phase.
	Cancel *progress.CancelToken
}

// VaultSummary is the result of a successful encrypt.
type VaultSummary struct {
	VaultID      string
	OutputPath   string
	ManifestPath string
	TotalSize    int64
	FileCount    int
	RecipientIDs []string
	Manifest     *archive.Manifest
}

// SidecarManifestPath returns the `<vault-base>.manifest.json` path for a
// vault output path.
func SidecarManifestPath(vaultPath string) string {
	base := strings.TrimSuffix(vaultPath, filepath.Ext(vaultPath))
	return base + ".manifest.json"
}

// Encrypt runs the full validate → stage → archive → encrypt → persist
// pipeline. Progress is published to e.bus in five phases:
// validate (0–0.05), stage (0.05–0.2), archive+hash (0.2–0.7), encrypt
// (0.7–0.95), finalize (0.95–1.0).
func (e *Engine) Encrypt(ctx context.Context, opts EncryptOptions) (*VaultSummary, error) {
	cancel := opts.Cancel
	if cancel == nil {
		cancel = progress.NewCancelToken()
	}

	e.publish(opts.OpID, 0, "validating input", "")
	if err := validateInputs(opts.InputPaths); err != nil {
		return nil, err
	}
	if cancel.Cancelled() {
		return nil, cancelledErr()
	}

	recipients, entries, err := e.resolveEncryptRecipients(opts.RecipientKeyIDs)
	if err != nil {
		return nil, err
	}

	e.publish(opts.OpID, 0.05, "staging files", "")
	stagingRoot, err := e.paths.StagingDir()
	if err != nil {
		return nil, err
	}
	stageDir, err := stageInputs(stagingRoot, opts.InputPaths, e.cfg.FollowSymlinks)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stageDir)
	if cancel.Cancelled() {
		return nil, cancelledErr()
	}

	e.publish(opts.OpID, 0.2, "building archive", "")
	archivePath := filepath.Join(stagingRoot, opts.OpID+".tar")
	archiveFile, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "create staged archive file", "", false, err)
	}
	defer os.Remove(archivePath)

	hashStart := time.Now()
	manifest, err := archive.Build(archiveFile, stageDir, archive.BuildOptions{
		IncludeEmptyDirs: true,
		FollowSymlinks:   e.cfg.FollowSymlinks,
		Deterministic:    e.cfg.DeterministicManifest,
		Progress: func(processed, total int64) {
			e.bus.Publish(opts.OpID, progress.Update{
				Progress:               phaseFraction(0.2, 0.7, processed, total),
				Message:                "hashing archive contents",
				EstimatedTimeRemaining: util.EstimateRemaining(processed, total, hashStart),
			})
		},
		Cancel: cancel.Poll(),
	})
	closeErr := archiveFile.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "close staged archive file", "", false, closeErr)
	}

	e.publish(opts.OpID, 0.7, "encrypting", "")
	archiveForRead, err := os.Open(archivePath)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "reopen staged archive", "", false, err)
	}
	defer archiveForRead.Close()

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0700); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "create output directory", "", false, err)
	}

	// Write to a sibling .incomplete path and rename into place only once
	// the ciphertext is fully written, so a crash or cancellation
	// mid-encrypt never leaves a plausible-looking vault at the target
	// path.
	incompletePath := opts.OutputPath + ".incomplete"
	outFile, err := os.OpenFile(incompletePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "create vault output file", "check the output path and permissions", true, err)
	}

	encErr := ageio.Encrypt(ctx, e.logger, e.bins, newCancelReader(archiveForRead, cancel), outFile, recipients, opts.Armored)
	if encErr == nil {
		encErr = syncFile(outFile)
	}
	closeErr = outFile.Close()
	if encErr != nil {
		os.Remove(incompletePath)
		return nil, encErr
	}
	if closeErr != nil {
		os.Remove(incompletePath)
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "close vault output file", "", false, closeErr)
	}
	if cancel.Cancelled() {
		os.Remove(incompletePath)
		return nil, cancelledErr()
	}
	if err := os.Rename(incompletePath, opts.OutputPath); err != nil {
		os.Remove(incompletePath)
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "finalise vault output file", "", false, err)
	}

	e.publish(opts.OpID, 0.95, "finalizing", "")
	manifestPath := SidecarManifestPath(opts.OutputPath)
	sidecar, err := manifest.Marshal()
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindManifestInvalid, "marshal sidecar manifest", "", false, err)
	}
	if err := os.WriteFile(manifestPath, sidecar, 0600); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindStorageFailed, "write sidecar manifest", "", false, err)
	}

	vaultID := uuid.NewString()
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.Status == registry.StatusPreActivation {
			if err := e.reg.UpdateStatus(entry.KeyID, registry.StatusActive, "attached to first vault", "system", now); err != nil {
				e.logger.Warn("activate key after first vault use", log.String("key_id", entry.KeyID), log.Err(err))
			}
		}
		if err := e.reg.Associate(entry.KeyID, vaultID); err != nil {
			e.logger.Warn("associate key with vault", log.String("key_id", entry.KeyID), log.Err(err))
		}
		_ = e.reg.TouchLastUsed(entry.KeyID, now)
	}

	e.publish(opts.OpID, 1.0, "done", "")
	return &VaultSummary{
		VaultID:      vaultID,
		OutputPath:   opts.OutputPath,
		ManifestPath: manifestPath,
		TotalSize:    manifest.TotalSize,
		FileCount:    len(manifest.Files),
		RecipientIDs: opts.RecipientKeyIDs,
		Manifest:     manifest,
	}, nil
}

func syncFile(f *os.File) error {
	if err := f.Sync(); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorageFailed, "fsync vault output file", "", false, err)
	}
	return nil
}

// cancelReader aborts a streaming read once its token fires, checked every
// 4 MiB, so a cancelled encrypt stops
// promptly even while age is consuming the archive.
type cancelReader struct {
	r             io.Reader
	cancel        *progress.CancelToken
	sinceLastPoll int64
}

func newCancelReader(r io.Reader, cancel *progress.CancelToken) *cancelReader {
	return &cancelReader{r: r, cancel: cancel}
}

func (c *cancelReader) Read(p []byte) (int, error) {
	const pollChunk = 4 << 20
	if c.sinceLastPoll >= pollChunk {
		c.sinceLastPoll = 0
		if c.cancel.Cancelled() {
			return 0, cancelledErr()
		}
	}
	n, err := c.r.Read(p)
	c.sinceLastPoll += int64(n)
	return n, err
}

// publish is a small convenience wrapper so phase code does not repeat the
// Update struct literal at every call site.
func (e *Engine) publish(opID string, fraction float64, message, details string) {
	e.bus.Publish(opID, progress.Update{Progress: fraction, Message: message, Details: details})
}

// phaseFraction maps a processed/total ratio onto the [lo, hi] slice of
// overall progress a phase owns.
func phaseFraction(lo, hi float64, processed, total int64) float64 {
	if total <= 0 {
		return lo
	}
	ratio := float64(processed) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	return lo + ratio*(hi-lo)
}

func cancelledErr() error {
	return vaulterr.New(vaulterr.KindConcurrentOperation, "operation cancelled", "", false)
}
