// Package pipeline stages a filesystem subtree into a backup component and restores it.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/internal/progressbar"
	"github.com/breadbackup/bread-backup/pkg/archive"
	"github.com/breadbackup/bread-backup/pkg/exclude"
	"github.com/breadbackup/bread-backup/pkg/metadata"
	"github.com/breadbackup/bread-backup/pkg/permissions"
	"github.com/breadbackup/bread-backup/pkg/utils"
)

// SampleSize caps the paths listed by a dry run.
const SampleSize = 10

const stagingDirName = ".staging"

type CollectOptions struct {
	// Source is the tree to collect, e.g. /home/alice/.config. Paths are matched and stored
	// relative to its parent, so the tree's own name is part of every path.
	Source string
	// Owner names the component archive, <Owner>-config.tar.
	Owner string
	// Component is the directory below the backup root, e.g. user-config.
	Component    string
	Matcher      *exclude.Matcher
	DryRun       bool
	ShowProgress bool
}

// ArchiveName is the member holding the staged tree inside the component directory.
func ArchiveName(owner string) string {
	if owner == "" {
		owner = "user"
	}
	return owner + "-config.tar"
}

type candidate struct {
	path string
	rel  string
	size int64
}

// Collect walks opts.Source and stages the files that survive the exclude rules below
// <backupRoot>/<Component>: the files packed into one tar plus a permissions sidecar.
// A missing source is an empty component.
func Collect(ctx context.Context, backupRoot string, opts CollectOptions) (metadata.FilesSummary, error) {
	logger := log.With().Str("logger", "pipeline").Str("component", opts.Component).Logger()
	var summary metadata.FilesSummary
	walkRoot, err := resolveSource(opts.Source)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("source", opts.Source).Msg("source directory not found, nothing to collect")
			return summary, nil
		}
		return summary, fmt.Errorf("can't stat %s: %w", opts.Source, err)
	}
	matcher := opts.Matcher
	if matcher == nil {
		matcher = exclude.Compile(nil)
	}

	files, skipped, err := scan(ctx, walkRoot, filepath.Base(opts.Source), matcher, logger)
	if err != nil {
		return summary, err
	}
	summary.SkippedFiles = skipped
	for _, f := range files {
		summary.TotalSizeBytes += f.size
	}
	logger.Info().
		Int("files", len(files)).
		Int("skipped", skipped).
		Str("size", utils.FormatBytes(uint64(summary.TotalSizeBytes))).
		Msg("scan done")

	if opts.DryRun {
		summary.TotalFiles = len(files)
		fmt.Printf("%s: %d files (%s) would be collected, %d skipped\n", opts.Component, len(files), utils.FormatBytes(uint64(summary.TotalSizeBytes)), skipped)
		sample := make([]string, 0, SampleSize)
		for i := 0; i < len(files) && i < SampleSize; i++ {
			sample = append(sample, files[i].rel)
		}
		printSample(sample, len(files))
		return summary, nil
	}

	componentDir := filepath.Join(backupRoot, opts.Component)
	staging := filepath.Join(componentDir, stagingDirName)
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return summary, fmt.Errorf("can't create %s: %w", staging, err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			logger.Warn().Err(err).Msgf("can't remove %s", staging)
		}
	}()

	sidecar := make(map[string]permissions.FileMetadata, len(files))
	bar := progressbar.StartNewBar(opts.ShowProgress, len(files), "copy ")
	var stagedBytes int64
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			bar.Finish()
			return summary, err
		}
		md, err := permissions.Capture(f.path)
		if err != nil {
			logger.Warn().Str("path", f.path).Err(err).Msg("can't capture metadata, skipped")
			summary.SkippedFiles++
			bar.Increment()
			continue
		}
		if err := stageFile(f.path, filepath.Join(staging, filepath.FromSlash(f.rel))); err != nil {
			logger.Warn().Str("path", f.path).Err(err).Msg("can't copy, skipped")
			summary.SkippedFiles++
			bar.Increment()
			continue
		}
		md.Path = f.rel
		sidecar[f.rel] = md
		stagedBytes += f.size
		bar.Increment()
	}
	bar.Finish()
	summary.TotalFiles = len(sidecar)
	summary.TotalSizeBytes = stagedBytes
	captureParents(walkRoot, filepath.Base(opts.Source), sidecar, logger)

	sidecarPath := filepath.Join(componentDir, permissions.SidecarName)
	if err := permissions.SaveSidecar(sidecarPath, sidecar); err != nil {
		return summary, err
	}
	archivePath := filepath.Join(componentDir, ArchiveName(opts.Owner))
	if _, err := archive.Create(ctx, staging, archivePath, archive.CreateOptions{Format: archive.FormatTar}); err != nil {
		_ = os.Remove(archivePath)
		return summary, fmt.Errorf("can't pack %s: %w", opts.Component, err)
	}
	summary.ArchivePath = filepath.ToSlash(filepath.Join(opts.Component, ArchiveName(opts.Owner)))
	summary.PermissionsFile = filepath.ToSlash(filepath.Join(opts.Component, permissions.SidecarName))
	logger.Info().
		Int("files", summary.TotalFiles).
		Int("skipped", summary.SkippedFiles).
		Str("archive", summary.ArchivePath).
		Msg("collected")
	return summary, nil
}

// captureParents adds the directories holding staged files to the sidecar, the source
// directory itself included, so ownership and modes of the tree come back on restore.
func captureParents(walkRoot, topName string, sidecar map[string]permissions.FileMetadata, logger zerolog.Logger) {
	parents := map[string]struct{}{}
	for rel := range sidecar {
		for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, ok := parents[dir]; ok {
				break
			}
			parents[dir] = struct{}{}
		}
	}
	for dir := range parents {
		src := walkRoot
		if dir != topName {
			src = filepath.Join(walkRoot, filepath.FromSlash(strings.TrimPrefix(dir, topName+"/")))
		}
		md, err := permissions.Capture(src)
		if err != nil {
			logger.Warn().Str("path", src).Err(err).Msg("can't capture directory metadata")
			continue
		}
		md.Path = dir
		sidecar[dir] = md
	}
}

// resolveSource returns the directory to walk; a symlinked source is followed once.
func resolveSource(source string) (string, error) {
	info, err := os.Lstat(source)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(source)
		if err != nil {
			return "", err
		}
		info, err = os.Stat(resolved)
		if err != nil {
			return "", err
		}
		source = resolved
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", source)
	}
	return source, nil
}

// scan lists surviving files below walkRoot. Excluded directories are pruned before
// descending; excluded, unreadable and special files count as skipped.
func scan(ctx context.Context, walkRoot, topName string, matcher *exclude.Matcher, logger zerolog.Logger) ([]candidate, int, error) {
	var files []candidate
	skipped := 0
	err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == walkRoot {
				return err
			}
			logger.Warn().Str("path", path).Err(err).Msg("can't access, skipped")
			skipped++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == walkRoot {
			return nil
		}
		rel, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(filepath.Join(topName, rel))
		if d.IsDir() {
			if matcher.ShouldExclude(rel) {
				logger.Debug().Str("path", rel).Msg("directory excluded")
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.ShouldExclude(rel) {
			skipped++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("can't stat, skipped")
			skipped++
			return nil
		}
		if !info.Mode().IsRegular() && info.Mode()&os.ModeSymlink == 0 {
			logger.Debug().Str("path", rel).Str("mode", info.Mode().String()).Msg("special file skipped")
			skipped++
			return nil
		}
		files = append(files, candidate{path: path, rel: rel, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, skipped, fmt.Errorf("can't walk %s: %w", walkRoot, err)
	}
	return files, skipped, nil
}

// stageFile copies one file or symlink, keeping permission bits and times. Symlinks are
// recreated, never dereferenced.
func stageFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := copy.Copy(src, dst, copy.Options{
		OnSymlink: func(string) copy.SymlinkAction {
			return copy.Shallow
		},
		PreserveTimes: true,
	})
	if err != nil {
		_ = os.Remove(dst)
	}
	return err
}

func printSample(paths []string, total int) {
	for _, p := range paths {
		fmt.Printf("  - %s\n", p)
	}
	if total > len(paths) {
		fmt.Printf("  ... and %d more\n", total-len(paths))
	}
}
