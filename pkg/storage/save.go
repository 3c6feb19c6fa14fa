package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Save moves a fully written archive into the destination under name and writes its
// checksum file. The destination never sees a partially written backup: a cross-device move
// copies to a hidden `.partial` file first and renames it when complete.
func (l *Local) Save(ctx context.Context, src, name, checksum string) (string, error) {
	if !ValidateBackupFilename(name) {
		return "", fmt.Errorf("invalid backup filename %q, must end with %s", name, Extension)
	}
	if err := l.EnsureDestination(); err != nil {
		return "", err
	}
	dst := l.path(name)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(src, dst); err != nil {
		if !errors.Is(err, unix.EXDEV) {
			return "", fmt.Errorf("can't move %s to %s: %w", src, dst, err)
		}
		log.Debug().Str("src", src).Str("dst", dst).Msg("cross-device move, copying")
		if err := copyIntoPlace(ctx, src, dst); err != nil {
			return "", err
		}
		if err := os.Remove(src); err != nil {
			log.Warn().Err(err).Msgf("can't remove %s", src)
		}
	}
	if checksum != "" {
		if err := WriteChecksum(dst, checksum); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

func copyIntoPlace(ctx context.Context, src, dst string) error {
	partial := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".partial")
	err := copy.Copy(src, partial, copy.Options{
		PreserveTimes: true,
		Sync:          true,
		Skip: func(os.FileInfo, string, string) (bool, error) {
			return false, ctx.Err()
		},
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if removeErr := os.Remove(partial); removeErr != nil && !os.IsNotExist(removeErr) {
			log.Warn().Err(removeErr).Msgf("can't remove %s", partial)
		}
		return fmt.Errorf("can't copy %s to %s: %w", src, dst, err)
	}
	if err := os.Rename(partial, dst); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("can't rename %s to %s: %w", partial, dst, err)
	}
	return nil
}

// WriteChecksum writes `<hex>  <name>` in sha256sum format next to the backup.
func WriteChecksum(path, checksum string) error {
	body := fmt.Sprintf("%s  %s\n", checksum, filepath.Base(path))
	if err := os.WriteFile(checksumPath(path), []byte(body), 0o640); err != nil {
		return fmt.Errorf("can't write checksum for %s: %w", path, err)
	}
	return nil
}

// ReadChecksum returns the recorded whole-file checksum of a backup, or ErrNotFound.
func ReadChecksum(path string) (string, error) {
	body, err := os.ReadFile(checksumPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapf(ErrNotFound, "%s", checksumPath(path))
		}
		return "", err
	}
	fields := strings.Fields(string(body))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file %s", checksumPath(path))
	}
	return fields[0], nil
}
