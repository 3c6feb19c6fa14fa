package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/pkg/archive"
	"github.com/breadbackup/bread-backup/pkg/exclude"
	"github.com/breadbackup/bread-backup/pkg/metadata"
	"github.com/breadbackup/bread-backup/pkg/pacman"
	"github.com/breadbackup/bread-backup/pkg/pidlock"
	"github.com/breadbackup/bread-backup/pkg/pipeline"
	"github.com/breadbackup/bread-backup/pkg/storage"
	"github.com/breadbackup/bread-backup/pkg/utils"
)

const (
	PackagesDir   = "packages"
	UserConfigDir = "user-config"
)

type CreateOptions struct {
	SkipPackages bool
	SkipConfig   bool
	Incremental  bool
	DryRun       bool
	// ExcludeFile overrides general->exclude_file
	ExcludeFile  string
	ShowProgress bool
}

// BuildMatcher combines the built-in defaults, the exclude file and user_config->exclude_patterns
// in that order, so later sources can re-include with `!`. The ~/.config defaults are replaced
// by the broader home directory list when another directory is collected.
func (b *Backuper) BuildMatcher(excludeFile string) (*exclude.Matcher, error) {
	var patterns []string
	if b.cfg.UserConfig.UseDefaultExcludes {
		if b.cfg.UserConfig.Directory == ".config" {
			patterns = append(patterns, exclude.ConfigDefaultPatterns...)
		} else {
			patterns = append(patterns, exclude.DefaultPatterns...)
		}
	}
	if excludeFile == "" {
		excludeFile = b.cfg.General.ExcludeFile
	}
	if excludeFile != "" {
		filePatterns, err := exclude.ReadPatternFile(excludeFile)
		if err != nil {
			return nil, fmt.Errorf("can't read exclude file: %w", err)
		}
		if filePatterns == nil {
			log.Warn().Str("exclude_file", excludeFile).Msg("exclude file not found, ignored")
		}
		patterns = append(patterns, filePatterns...)
	}
	patterns = append(patterns, b.cfg.UserConfig.ExcludePatterns...)
	matcher := exclude.Compile(patterns)
	for _, warning := range matcher.Warnings() {
		log.Warn().Str("logger", "exclude").Msg(warning)
	}
	return matcher, nil
}

// CreateBackup collects the enabled components, packs them with the manifest first and moves
// the finished archive into the destination. It returns the path of the saved backup, empty
// for a dry run.
func (b *Backuper) CreateBackup(ctx context.Context, opts CreateOptions) (string, error) {
	var backupPath string
	err := b.withMetrics("backup", func() error {
		var err error
		backupPath, err = b.createBackup(ctx, opts)
		return err
	})
	return backupPath, err
}

func (b *Backuper) createBackup(ctx context.Context, opts CreateOptions) (string, error) {
	startBackup := time.Now()
	withPackages := b.cfg.Packages.Enabled && !opts.SkipPackages
	withConfig := b.cfg.UserConfig.Enabled && !opts.SkipConfig
	if !withPackages && !withConfig {
		return "", ErrNothingSelected
	}
	if !opts.DryRun {
		if err := pidlock.CheckAndCreatePidFile("backup", "backup"); err != nil {
			return "", err
		}
		defer pidlock.RemovePidFile("backup")
	}

	var packageManager pacman.Manager
	if withPackages {
		var err error
		if packageManager, err = b.packageManager(""); err != nil {
			return "", err
		}
		if err := packageManager.Available(); err != nil {
			return "", errors.Wrap(err, "pacman not found, is this an Arch Linux system?")
		}
	}
	matcher, err := b.BuildMatcher(opts.ExcludeFile)
	if err != nil {
		return "", err
	}

	backupType := metadata.BackupTypeFull
	if opts.Incremental {
		log.Warn().Msg("incremental backups are not implemented yet, all files are collected")
		backupType = metadata.BackupTypeIncremental
	}
	manifest, err := metadata.New(backupType, b.cfg.General.Compression, matcher.Patterns(), nil, b.Version)
	if err != nil {
		return "", err
	}
	logger := log.With().Str("backup_id", manifest.BackupID).Logger()
	if opts.DryRun {
		return "", b.dryRun(ctx, packageManager, withConfig, matcher, logger)
	}

	workDir, err := os.MkdirTemp("", "bread-backup-")
	if err != nil {
		return "", fmt.Errorf("can't create working directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn().Err(err).Msgf("can't remove %s", workDir)
		}
	}()
	stagingRoot := filepath.Join(workDir, "backup")
	if err := os.Mkdir(stagingRoot, 0o700); err != nil {
		return "", err
	}
	logger.Debug().Str("work_dir", workDir).Msg("working directory created")

	if withPackages {
		summary, err := pacman.Collect(ctx, packageManager, filepath.Join(stagingRoot, PackagesDir))
		if err != nil {
			return "", errors.Wrap(err, "package collection failed")
		}
		manifest.AddComponent(metadata.ComponentPackages, summary)
		b.metrics.LastBackupPackages.Set(float64(summary.TotalCount))
	}
	if withConfig {
		summary, err := pipeline.Collect(ctx, stagingRoot, pipeline.CollectOptions{
			Source:       b.cfg.UserConfig.SourceRoot(),
			Owner:        b.configOwner(),
			Component:    UserConfigDir,
			Matcher:      matcher,
			ShowProgress: opts.ShowProgress,
		})
		if err != nil {
			return "", errors.Wrap(err, "config collection failed")
		}
		manifest.AddComponent(metadata.ComponentUserConfig, summary)
		b.metrics.LastBackupFiles.Set(float64(summary.TotalFiles))
		b.metrics.LastBackupSkippedFiles.Set(float64(summary.SkippedFiles))
	}
	checksums, err := metadata.ComputeTreeChecksums(stagingRoot, metadata.ManifestName)
	if err != nil {
		return "", err
	}
	for path, sum := range checksums {
		manifest.AddChecksum(path, sum)
	}
	if err := manifest.Save(stagingRoot); err != nil {
		return "", err
	}

	created, _ := manifest.Time()
	if created.IsZero() {
		created = b.now()
	}
	fileName := storage.GenerateBackupFilename(manifest.Hostname, created)
	archivePath := filepath.Join(workDir, fileName)
	logger.Info().Str("compression", b.cfg.General.Compression).Msg("creating archive")
	sum, err := archive.Create(ctx, stagingRoot, archivePath, archive.CreateOptions{
		Format:       b.cfg.General.Compression,
		Level:        b.cfg.General.CompressionLevel,
		First:        []string{metadata.ManifestName},
		ShowProgress: opts.ShowProgress,
	})
	if err != nil {
		return "", err
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return "", err
	}

	if err := b.dst.EnsureDestination(); err != nil {
		return "", err
	}
	if err := b.dst.CheckDiskSpace(uint64(info.Size())); err != nil {
		return "", err
	}
	if _, err := b.dst.Get(fileName); err == nil {
		logger.Warn().Str("backup", fileName).Msg("backup with the same name exists and will be replaced")
	}
	backupPath, err := b.dst.Save(ctx, archivePath, fileName, sum)
	if err != nil {
		return "", err
	}
	b.metrics.LastBackupSize.Set(float64(info.Size()))

	if deleted, err := b.dst.CleanupOldBackups(b.cfg.General.BackupsToKeep); err != nil {
		logger.Warn().Err(err).Msg("retention cleanup failed")
	} else if len(deleted) > 0 {
		logger.Info().Int("deleted", len(deleted)).Msg("old backups removed")
	}
	logger.Info().
		Str("backup", backupPath).
		Str("size", utils.FormatBytes(uint64(info.Size()))).
		Str("checksum", sum).
		Str("duration", utils.HumanizeDuration(time.Since(startBackup))).
		Msg("done")
	return backupPath, nil
}

// dryRun reports what a backup would contain without taking the lock or writing anything.
// packageManager is nil when packages are not selected.
func (b *Backuper) dryRun(ctx context.Context, packageManager pacman.Manager, withConfig bool, matcher *exclude.Matcher, logger zerolog.Logger) error {
	if packageManager != nil {
		if _, err := pacman.DryRun(ctx, packageManager, os.Stdout); err != nil {
			return errors.Wrap(err, "package collection failed")
		}
	}
	if withConfig {
		_, err := pipeline.Collect(ctx, "", pipeline.CollectOptions{
			Source:    b.cfg.UserConfig.SourceRoot(),
			Owner:     b.configOwner(),
			Component: UserConfigDir,
			Matcher:   matcher,
			DryRun:    true,
		})
		if err != nil {
			return errors.Wrap(err, "config collection failed")
		}
	}
	logger.Info().Msg("dry run, nothing written")
	return nil
}

func (b *Backuper) configOwner() string {
	if b.cfg.UserConfig.Username != "" {
		return b.cfg.UserConfig.Username
	}
	return currentUsername()
}
