package permissions

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// CaptureStats counts the outcome of a tree capture.
type CaptureStats struct {
	Captured int
	Failed   int
}

// CaptureTree records every file and directory below root, root itself excluded. Keys are
// relative to relativeTo, or to root when relativeTo is empty. Symlinks are never followed
// and unreadable entries are skipped.
func CaptureTree(root, relativeTo string) (map[string]FileMetadata, CaptureStats) {
	if relativeTo == "" {
		relativeTo = root
	}
	logger := log.With().Str("logger", "permissions").Logger()
	result := make(map[string]FileMetadata)
	var stats CaptureStats
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn().Str("path", path).Err(err).Msg("can't read entry, skipped")
			stats.Failed++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		md, captureErr := Capture(path)
		if captureErr != nil {
			logger.Warn().Str("path", path).Err(captureErr).Msg("can't capture metadata, skipped")
			stats.Failed++
			return nil
		}
		rel, relErr := filepath.Rel(relativeTo, path)
		if relErr != nil {
			logger.Warn().Str("path", path).Err(relErr).Msg("can't compute relative path, skipped")
			stats.Failed++
			return nil
		}
		md.Path = filepath.ToSlash(rel)
		result[md.Path] = md
		stats.Captured++
		return nil
	})
	if walkErr != nil {
		logger.Warn().Str("root", root).Err(walkErr).Msg("can't walk tree")
		stats.Failed++
	}
	return result, stats
}

// RestoreTreeStats counts the outcome of a tree restore.
type RestoreTreeStats struct {
	Restored int
	Missing  int
	Partial  int
}

// RestoreTree applies every record below base in lexical path order. Entries missing on disk
// are warned about and skipped. Ownership denied to an unprivileged process is only logged
// at debug level since it is the normal outcome for non-root restores.
func RestoreTree(base string, entries map[string]FileMetadata) RestoreTreeStats {
	logger := log.With().Str("logger", "permissions").Logger()
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	// parents sort before children; directory times are reapplied last
	sort.Strings(paths)
	var stats RestoreTreeStats
	var dirs []string
	for _, rel := range paths {
		md := entries[rel]
		full := filepath.Join(base, filepath.FromSlash(rel))
		if _, err := os.Lstat(full); err != nil {
			logger.Warn().Str("path", full).Msg("file does not exist, skipping permission restore")
			stats.Missing++
			continue
		}
		if md.Mode.IsDir() {
			dirs = append(dirs, rel)
			continue
		}
		stats.apply(full, md)
	}
	// children first so writes below a directory don't bump its mtime afterwards
	for i := len(dirs) - 1; i >= 0; i-- {
		stats.apply(filepath.Join(base, filepath.FromSlash(dirs[i])), entries[dirs[i]])
	}
	return stats
}

func (s *RestoreTreeStats) apply(path string, md FileMetadata) {
	result := Restore(path, md)
	if !result.Partial() {
		s.Restored++
		return
	}
	onlyOwner := result.Mode == nil && result.Times == nil && result.OwnerDenied()
	if onlyOwner && !IsRoot() {
		log.Debug().Str("path", path).Err(result.Owner).Msg("ownership not restored")
		s.Restored++
		return
	}
	log.Warn().Str("path", path).Err(result.Err()).Msg("metadata partially restored")
	s.Partial++
}
