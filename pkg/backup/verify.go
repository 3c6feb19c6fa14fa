package backup

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/pkg/archive"
	"github.com/breadbackup/bread-backup/pkg/metadata"
	"github.com/breadbackup/bread-backup/pkg/storage"
)

type VerifyResult struct {
	Path     string
	Manifest *metadata.Manifest
	// FileChecksum is false when the .sha256 file disagrees, true when it matches or is absent
	FileChecksum bool
	Content      bool
}

func (r VerifyResult) Valid() bool {
	return r.Manifest != nil && r.FileChecksum && r.Content
}

// Verify checks the whole-file checksum when one was recorded, reads the manifest and
// compares every extracted member with its manifest checksum. A corrupt container is an error,
// a checksum mismatch is only a failed result.
func (b *Backuper) Verify(ctx context.Context, ref string) (VerifyResult, error) {
	var result VerifyResult
	err := b.withMetrics("verify", func() error {
		var err error
		result, err = b.verify(ctx, ref)
		if err == nil && !result.Valid() {
			err = errors.Wrapf(ErrChecksumMismatch, "%s", result.Path)
		}
		return err
	})
	if errors.Is(err, ErrChecksumMismatch) {
		return result, nil
	}
	return result, err
}

func (b *Backuper) verify(ctx context.Context, ref string) (VerifyResult, error) {
	result := VerifyResult{FileChecksum: true}
	backup, err := b.dst.Resolve(ref)
	if err != nil {
		return result, err
	}
	result.Path = backup.Path
	logger := log.With().Str("backup", backup.Name).Logger()

	expected, err := storage.ReadChecksum(backup.Path)
	switch {
	case err == nil:
		actual, err := metadata.ComputeChecksum(backup.Path)
		if err != nil {
			return result, err
		}
		if actual != expected {
			logger.Error().Str("expected", expected).Str("actual", actual).Msg("backup file checksum mismatch")
			result.FileChecksum = false
		}
	case errors.Is(err, storage.ErrNotFound):
		logger.Debug().Msg("no checksum file, skipping whole file check")
	default:
		return result, err
	}

	manifest, err := metadata.ReadFromArchive(ctx, backup.Path)
	if err != nil {
		return result, err
	}
	result.Manifest = manifest

	workDir, err := os.MkdirTemp("", "bread-verify-")
	if err != nil {
		return result, fmt.Errorf("can't create working directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn().Err(err).Msgf("can't remove %s", workDir)
		}
	}()
	if _, err := archive.Extract(ctx, backup.Path, workDir, nil); err != nil {
		if errors.Is(err, context.Canceled) {
			return result, err
		}
		return result, &metadata.CorruptArchiveError{Path: backup.Path, Err: err}
	}
	result.Content = manifest.VerifyChecksums(workDir)
	return result, nil
}
