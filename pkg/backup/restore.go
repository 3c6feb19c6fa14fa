package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/pkg/archive"
	"github.com/breadbackup/bread-backup/pkg/metadata"
	"github.com/breadbackup/bread-backup/pkg/pacman"
	"github.com/breadbackup/bread-backup/pkg/permissions"
	"github.com/breadbackup/bread-backup/pkg/pidlock"
	"github.com/breadbackup/bread-backup/pkg/pipeline"
	"github.com/breadbackup/bread-backup/pkg/resumable"
	"github.com/breadbackup/bread-backup/pkg/utils"
)

type RestoreOptions struct {
	PackagesOnly bool
	ConfigOnly   bool
	DryRun       bool
	// TargetHome receives the configuration tree, user_config->home_dir when empty
	TargetHome   string
	AURHelper    string
	ShowProgress bool
}

type RestoreReport struct {
	Manifest *metadata.Manifest
	Packages *pacman.RestoreStats
	Config   *pipeline.RestoreSummary
}

// Restore unpacks a backup into a scratch directory, checks it against its manifest and
// restores the selected components.
func (b *Backuper) Restore(ctx context.Context, ref string, opts RestoreOptions) (*RestoreReport, error) {
	var report *RestoreReport
	err := b.withMetrics("restore", func() error {
		var err error
		report, err = b.restore(ctx, ref, opts)
		return err
	})
	return report, err
}

func (b *Backuper) restore(ctx context.Context, ref string, opts RestoreOptions) (*RestoreReport, error) {
	startRestore := time.Now()
	if opts.PackagesOnly && opts.ConfigOnly {
		return nil, fmt.Errorf("--packages-only and --config-only are mutually exclusive")
	}
	withPackages := !opts.ConfigOnly
	withConfig := !opts.PackagesOnly
	if withPackages && !opts.DryRun && !permissions.IsRoot() {
		return nil, ErrRootRequired
	}
	backup, err := b.dst.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := pidlock.CheckAndCreatePidFile("restore", "restore"); err != nil {
		return nil, err
	}
	defer pidlock.RemovePidFile("restore")

	manifest, err := metadata.ReadFromArchive(ctx, backup.Path)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("backup_id", manifest.BackupID).Logger()
	if isNewerVersion(manifest.ToolVersion, b.Version) {
		logger.Warn().Msgf("backup was written by bread-backup %s, newer than %s", manifest.ToolVersion, b.Version)
	}
	report := &RestoreReport{Manifest: manifest}

	workDir, err := os.MkdirTemp("", "bread-restore-")
	if err != nil {
		return report, fmt.Errorf("can't create working directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn().Err(err).Msgf("can't remove %s", workDir)
		}
	}()
	logger.Info().Str("backup", backup.Path).Msg("extracting backup")
	if _, err := archive.Extract(ctx, backup.Path, workDir, nil); err != nil {
		if errors.Is(err, context.Canceled) {
			return report, err
		}
		return report, &metadata.CorruptArchiveError{Path: backup.Path, Err: err}
	}
	if !manifest.VerifyChecksums(workDir) {
		return report, errors.Wrapf(ErrChecksumMismatch, "%s", backup.Path)
	}

	if withPackages {
		packagesDir := filepath.Join(workDir, PackagesDir)
		if _, err := os.Stat(packagesDir); err != nil {
			logger.Warn().Msg("no packages found in backup")
		} else {
			stats, err := b.restorePackages(ctx, manifest, packagesDir, opts)
			report.Packages = &stats
			if err != nil {
				return report, errors.Wrap(err, "package restore failed")
			}
		}
	}
	if withConfig {
		target := opts.TargetHome
		if target == "" {
			target = b.cfg.UserConfig.HomeDir
		}
		if target == "" {
			return report, fmt.Errorf("restore target home directory is unknown")
		}
		summary, err := pipeline.Restore(ctx, filepath.Join(workDir, UserConfigDir), pipeline.RestoreOptions{
			Target: target,
			DryRun: opts.DryRun,
		})
		report.Config = &summary
		if err != nil {
			return report, errors.Wrap(err, "config restore failed")
		}
	}
	logger.Info().
		Str("backup", backup.Name).
		Bool("dry_run", opts.DryRun).
		Str("duration", utils.HumanizeDuration(time.Since(startRestore))).
		Msg("done")
	return report, nil
}

func (b *Backuper) restorePackages(ctx context.Context, manifest *metadata.Manifest, dir string, opts RestoreOptions) (pacman.RestoreStats, error) {
	m, err := b.packageManager(opts.AURHelper)
	if err != nil {
		return pacman.RestoreStats{}, err
	}
	var state *resumable.State
	if b.cfg.General.UseResumableState && !opts.DryRun {
		state = resumable.NewState(b.cfg.General.StateDir, manifest.BackupID, "restore", map[string]interface{}{
			"aur_helper": opts.AURHelper,
		})
	}
	stats, err := pacman.Restore(ctx, m, dir, pacman.RestoreOptions{
		DryRun:       opts.DryRun,
		ShowProgress: opts.ShowProgress,
		State:        state,
	})
	if err != nil || stats.Failed > 0 {
		state.Close()
		return stats, err
	}
	state.Drop()
	return stats, nil
}
