package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/yargevad/filepathx"

	"github.com/breadbackup/bread-backup/pkg/archive"
	"github.com/breadbackup/bread-backup/pkg/permissions"
)

type RestoreOptions struct {
	// Target receives the tree, e.g. the user's home directory.
	Target string
	DryRun bool
}

type RestoreSummary struct {
	ArchivePath string
	// FilesRestored counts regular files; symlinks and directories are not included.
	FilesRestored int
	// MetadataRestored counts sidecar entries, the directories holding files included.
	MetadataRestored int
	MetadataMissing  int
	MetadataPartial  int
}

// FindArchive locates the staged tree archive of a component. Compressed variants written by
// older tools are accepted too.
func FindArchive(componentDir string) (string, error) {
	matches, err := filepathx.Glob(filepath.Join(componentDir, "*-config.tar*"))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			return m, nil
		}
	}
	return "", nil
}

// Restore extracts the component staged in componentDir into opts.Target and reapplies the
// recorded metadata of every entry that exists afterwards. A component without an archive
// restores nothing.
func Restore(ctx context.Context, componentDir string, opts RestoreOptions) (RestoreSummary, error) {
	logger := log.With().Str("logger", "pipeline").Str("component", filepath.Base(componentDir)).Logger()
	var summary RestoreSummary
	if _, err := os.Stat(componentDir); err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Msg("component not present in backup, skipped")
			return summary, nil
		}
		return summary, err
	}
	archivePath, err := FindArchive(componentDir)
	if err != nil {
		return summary, fmt.Errorf("can't search %s: %w", componentDir, err)
	}
	if archivePath == "" {
		logger.Warn().Msg("no config archive found")
		return summary, nil
	}
	summary.ArchivePath = archivePath

	sidecar, err := permissions.LoadSidecar(filepath.Join(componentDir, permissions.SidecarName))
	if err != nil {
		if !os.IsNotExist(err) {
			return summary, err
		}
		logger.Warn().Msg("no permissions file found, metadata won't be restored")
		sidecar = map[string]permissions.FileMetadata{}
	}

	if opts.DryRun {
		entries, err := archive.List(ctx, archivePath)
		if err != nil {
			return summary, err
		}
		sample := make([]string, 0, SampleSize)
		for _, e := range entries {
			if e.IsDir || e.Linkname != "" {
				continue
			}
			if len(sample) < SampleSize {
				sample = append(sample, e.Name)
			}
			summary.FilesRestored++
		}
		fmt.Printf("%d files would be restored to %s\n", summary.FilesRestored, opts.Target)
		printSample(sample, summary.FilesRestored)
		return summary, nil
	}

	written, err := archive.Extract(ctx, archivePath, opts.Target, nil)
	summary.FilesRestored = written
	if err != nil {
		return summary, err
	}
	stats := permissions.RestoreTree(opts.Target, sidecar)
	summary.MetadataRestored = stats.Restored
	summary.MetadataMissing = stats.Missing
	summary.MetadataPartial = stats.Partial
	logger.Info().
		Int("files", summary.FilesRestored).
		Int("metadata", summary.MetadataRestored).
		Int("missing", summary.MetadataMissing).
		Int("partial", summary.MetadataPartial).
		Str("target", opts.Target).
		Msg("restored")
	return summary, nil
}
