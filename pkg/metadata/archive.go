package metadata

import (
	"context"

	"github.com/pkg/errors"

	"github.com/breadbackup/bread-backup/pkg/archive"
)

// ReadFromArchive loads the manifest embedded in a backup container without extracting
// anything else.
func ReadFromArchive(ctx context.Context, archivePath string) (*Manifest, error) {
	body, err := archive.ReadFile(ctx, archivePath, ManifestName)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return nil, ErrManifestNotFound
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// a missing container unwraps to fs.ErrNotExist through CorruptArchiveError
		return nil, &CorruptArchiveError{Path: archivePath, Err: err}
	}
	return Decode(body, archivePath+":"+ManifestName)
}
