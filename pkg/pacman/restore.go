package pacman

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/internal/progressbar"
	"github.com/breadbackup/bread-backup/pkg/common"
	"github.com/breadbackup/bread-backup/pkg/resumable"
)

// dryRunSample caps how many names a dry run prints per list.
const dryRunSample = 10

type RestoreOptions struct {
	DryRun       bool
	ShowProgress bool
	// State, when set, skips steps finished by an earlier interrupted run.
	State *resumable.State
}

type RestoreStats struct {
	OfficialInstalled int
	AURInstalled      int
	Failed            int
	FailedPackages    []string
	AURSkipped        bool
}

// Restore installs the official explicit packages, then each AUR package through the helper.
// A missing helper skips the AUR step with a warning. Individual AUR failures are counted.
func Restore(ctx context.Context, m Manager, dir string, opts RestoreOptions) (RestoreStats, error) {
	logger := log.With().Str("logger", "pacman").Logger()
	var stats RestoreStats
	if _, err := os.Stat(dir); err != nil {
		return stats, fmt.Errorf("packages directory not found: %w", err)
	}
	official, err := LoadList(filepath.Join(dir, OfficialExplicitFile))
	if err != nil {
		return stats, fmt.Errorf("can't read %s: %w", OfficialExplicitFile, err)
	}
	aur, err := LoadList(filepath.Join(dir, AURFile))
	if err != nil {
		return stats, fmt.Errorf("can't read %s: %w", AURFile, err)
	}
	// hand-edited lists may repeat names
	official = common.AddSliceToSliceIfNotExists([]string{}, official)
	aur = common.AddSliceToSliceIfNotExists([]string{}, aur)
	if len(official) == 0 && len(aur) == 0 {
		logger.Warn().Msg("no packages to restore")
		return stats, nil
	}
	if !opts.DryRun {
		if err := m.Available(); err != nil {
			return stats, err
		}
		if err := m.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			logger.Warn().Err(err).Msg("can't update package database")
		}
	}

	if len(official) > 0 {
		logger.Info().Msgf("installing %d official packages", len(official))
		switch {
		case opts.DryRun:
			printSample("would install", official)
			stats.OfficialInstalled = len(official)
		case opts.State.IsAlreadyProcessedBool("official"):
			stats.OfficialInstalled = len(official)
		default:
			if err := m.InstallOfficial(ctx, official); err != nil {
				return stats, errors.Wrap(err, "can't install official packages")
			}
			opts.State.AppendToState("official", int64(len(official)))
			stats.OfficialInstalled = len(official)
		}
	}

	if len(aur) == 0 {
		return stats, nil
	}
	if err := m.HelperAvailable(); err != nil {
		logger.Warn().Err(err).Msg("AUR helper not found, skipping AUR packages; install it, then restore again with --packages-only")
		stats.AURSkipped = true
		return stats, nil
	}
	logger.Info().Msgf("installing %d AUR packages", len(aur))
	if opts.DryRun {
		printSample("would install", aur)
		stats.AURInstalled = len(aur)
		return stats, nil
	}
	bar := progressbar.StartNewBar(opts.ShowProgress, len(aur), "aur ")
	defer bar.Finish()
	for _, name := range aur {
		key := "aur/" + name
		if opts.State.IsAlreadyProcessedBool(key) {
			stats.AURInstalled++
			bar.Increment()
			continue
		}
		if err := m.InstallAUR(ctx, name); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			logger.Warn().Str("package", name).Err(err).Msg("can't install AUR package")
			stats.Failed++
			stats.FailedPackages = append(stats.FailedPackages, name)
		} else {
			opts.State.AppendToState(key, 1)
			stats.AURInstalled++
		}
		bar.Increment()
	}
	if stats.Failed > 0 {
		logger.Warn().Strs("packages", stats.FailedPackages).Msgf("%d AUR packages failed", stats.Failed)
	}
	return stats, nil
}

func printSample(prefix string, names []string) {
	for i, name := range names {
		if i == dryRunSample {
			fmt.Printf("  ... and %d more\n", len(names)-dryRunSample)
			break
		}
		fmt.Printf("  %s %s\n", prefix, name)
	}
}
