package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"github.com/breadbackup/bread-backup/pkg/backup"
	"github.com/breadbackup/bread-backup/pkg/config"
	"github.com/breadbackup/bread-backup/pkg/log_helper"
	"github.com/breadbackup/bread-backup/pkg/storage"
)

var (
	version   = "unknown"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	log.Logger = log_helper.SetupLogger(os.Stdout)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cliapp := cli.NewApp()
	cliapp.Name = "bread-backup"
	cliapp.Usage = "Backup and restore installed packages and user configuration of an Arch Linux system"
	cliapp.UsageText = "bread-backup <command> [options]"
	cliapp.Description = "Run package restore as 'root'"
	cliapp.Version = version

	cliapp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  config.DefaultConfigPath,
			Usage:  "Config `FILE` name.",
			EnvVar: "BREAD_BACKUP_CONFIG",
		},
		cli.StringSliceFlag{
			Name:  "environment-override, env",
			Usage: "override any environment variable via CLI parameter",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "Enable debug logging",
		},
	}
	cliapp.Before = func(c *cli.Context) error {
		if c.GlobalBool("verbose") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		return nil
	}
	cliapp.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Printf("Error. Unknown command: '%s'\n\n", command)
		cli.ShowAppHelpAndExit(c, 1)
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Println("Version:\t", c.App.Version)
		fmt.Println("Git Commit:\t", gitCommit)
		fmt.Println("Build Date:\t", buildDate)
	}

	cliapp.Commands = []cli.Command{
		{
			Name:        "backup",
			Aliases:     []string{"create"},
			Usage:       "Create new backup",
			UsageText:   "bread-backup backup [--skip-packages] [--skip-config] [--incremental] [--dry-run] [--exclude-file=<file>]",
			Description: "Collect package lists and the user configuration tree into a single compressed archive",
			Action: func(c *cli.Context) error {
				b, cfg := getBackuper(c)
				path, err := b.CreateBackup(ctx, backup.CreateOptions{
					SkipPackages: c.Bool("skip-packages"),
					SkipConfig:   c.Bool("skip-config"),
					Incremental:  c.Bool("incremental"),
					DryRun:       c.Bool("dry-run"),
					ExcludeFile:  c.String("exclude-file"),
					ShowProgress: !cfg.General.DisableProgressBar,
				})
				if err != nil {
					return err
				}
				if path != "" {
					fmt.Println(path)
				}
				return nil
			},
			Flags: append(cliapp.Flags,
				cli.BoolFlag{
					Name:  "skip-packages",
					Usage: "Don't collect package lists",
				},
				cli.BoolFlag{
					Name:  "skip-config",
					Usage: "Don't collect the user configuration tree",
				},
				cli.BoolFlag{
					Name:  "incremental, i",
					Usage: "Mark backup as incremental, all files are still collected",
				},
				cli.BoolFlag{
					Name:  "dry-run",
					Usage: "Only show what would be collected",
				},
				cli.StringFlag{
					Name:  "exclude-file",
					Usage: "Read exclude patterns from `FILE`, overrides general->exclude_file",
				},
			),
		},
		{
			Name:      "restore",
			Usage:     "Restore packages and configuration from backup",
			UsageText: "bread-backup restore [--packages-only] [--config-only] [--dry-run] [--target-home=<dir>] [--aur-helper=<helper>] [-y] <backup_file|latest|penult>",
			Action: func(c *cli.Context) error {
				ref := backupRef(c)
				dryRun := c.Bool("dry-run")
				if !dryRun && !c.Bool("yes") && !confirm(fmt.Sprintf("Restore %s? Existing files will be overwritten", ref)) {
					log.Info().Msg("restore aborted")
					return nil
				}
				b, cfg := getBackuper(c)
				report, err := b.Restore(ctx, ref, backup.RestoreOptions{
					PackagesOnly: c.Bool("packages-only"),
					ConfigOnly:   c.Bool("config-only"),
					DryRun:       dryRun,
					TargetHome:   c.String("target-home"),
					AURHelper:    c.String("aur-helper"),
					ShowProgress: !cfg.General.DisableProgressBar,
				})
				printRestoreReport(report)
				return err
			},
			Flags: append(cliapp.Flags,
				cli.BoolFlag{
					Name:  "packages-only",
					Usage: "Restore packages only",
				},
				cli.BoolFlag{
					Name:  "config-only",
					Usage: "Restore the configuration tree only",
				},
				cli.BoolFlag{
					Name:  "dry-run",
					Usage: "Only show what would be restored",
				},
				cli.StringFlag{
					Name:  "target-home",
					Usage: "Restore configuration into `DIR` instead of user_config->home_dir",
				},
				cli.StringFlag{
					Name:  "aur-helper",
					Usage: "AUR helper command, overrides packages->aur_helper",
				},
				cli.BoolFlag{
					Name:  "yes, y",
					Usage: "Don't ask for confirmation",
				},
			),
		},
		{
			Name:      "verify",
			Usage:     "Verify backup checksums",
			UsageText: "bread-backup verify <backup_file|latest|penult>",
			Action: func(c *cli.Context) error {
				result, err := newBackuper(c).Verify(ctx, backupRef(c))
				if err != nil {
					return err
				}
				if !result.Valid() {
					return cli.NewExitError(fmt.Sprintf("%s: verification failed", result.Path), 1)
				}
				fmt.Printf("%s: OK\n", result.Path)
				return nil
			},
			Flags: cliapp.Flags,
		},
		{
			Name:      "info",
			Usage:     "Print backup manifest",
			UsageText: "bread-backup info [--format=text|json] <backup_file|latest|penult>",
			Action: func(c *cli.Context) error {
				return newBackuper(c).Info(ctx, os.Stdout, backupRef(c), c.String("format"))
			},
			Flags: append(cliapp.Flags,
				cli.StringFlag{
					Name:  "format, f",
					Value: "text",
					Usage: "Output format (text|json)",
				},
			),
		},
		{
			Name:      "list",
			Usage:     "List backups in destination",
			UsageText: "bread-backup list [--sort=date|size|name] [--format=table|json|csv|latest|penult]",
			Action: func(c *cli.Context) error {
				return newBackuper(c).PrintBackups(ctx, os.Stdout, c.String("sort"), c.String("format"))
			},
			Flags: append(cliapp.Flags,
				cli.StringFlag{
					Name:  "sort, s",
					Value: storage.SortByDate,
					Usage: "Sort order (date|size|name)",
				},
				cli.StringFlag{
					Name:  "format, f",
					Value: "table",
					Usage: "Output format (table|json|csv|latest|penult)",
				},
			),
		},
		{
			Name:      "delete",
			Usage:     "Delete specific backup",
			UsageText: "bread-backup delete <backup_file|latest|penult>",
			Action: func(c *cli.Context) error {
				if c.Args().First() == "" {
					fmt.Println("Backup name must be defined")
					cli.ShowCommandHelpAndExit(c, c.Command.Name, 1)
				}
				return newBackuper(c).Delete(c.Args().First())
			},
			Flags: cliapp.Flags,
		},
		{
			Name:      "clean",
			Usage:     "Remove old backups and leftovers of interrupted saves",
			UsageText: "bread-backup clean [--keep=<n>]",
			Action: func(c *cli.Context) error {
				deleted, err := newBackuper(c).Clean(c.Int("keep"))
				for _, d := range deleted {
					fmt.Printf("deleted %s\n", d.Name)
				}
				return err
			},
			Flags: append(cliapp.Flags,
				cli.IntFlag{
					Name:  "keep, k",
					Value: -1,
					Usage: "How many newest backups to keep, general->backups_to_keep when not set",
				},
			),
		},
		{
			Name:  "print-config",
			Usage: "Print current config merged with environment variables",
			Action: func(c *cli.Context) error {
				return config.PrintConfig(c)
			},
			Flags: cliapp.Flags,
		},
		{
			Name:  "default-config",
			Usage: "Print default config",
			Action: func(*cli.Context) error {
				return config.PrintConfig(nil)
			},
			Flags: cliapp.Flags,
		},
	}

	if err := cliapp.Run(os.Args); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "cancelled")
			os.Exit(130)
		}
		log.Fatal().Err(err).Send()
	}
}

func getBackuper(c *cli.Context) (*backup.Backuper, *config.Config) {
	cfg := config.GetConfigFromCli(c)
	// general->log_level is applied while loading, --verbose wins
	if c.Bool("verbose") || c.GlobalBool("verbose") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	b := backup.NewBackuper(cfg)
	b.Version = version
	return b, cfg
}

func newBackuper(c *cli.Context) *backup.Backuper {
	b, _ := getBackuper(c)
	return b
}

// backupRef defaults to the newest backup.
func backupRef(c *cli.Context) string {
	if ref := c.Args().First(); ref != "" {
		return ref
	}
	return "latest"
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func printRestoreReport(report *backup.RestoreReport) {
	if report == nil {
		return
	}
	if p := report.Packages; p != nil {
		fmt.Printf("packages: %d official, %d AUR installed, %d failed\n", p.OfficialInstalled, p.AURInstalled, p.Failed)
		if len(p.FailedPackages) > 0 {
			fmt.Printf("failed packages: %s\n", strings.Join(p.FailedPackages, " "))
		}
		if p.AURSkipped {
			fmt.Println("AUR packages skipped, no AUR helper available")
		}
	}
	if s := report.Config; s != nil {
		fmt.Printf("configuration: %d files restored, metadata %d restored, %d partial, %d missing\n",
			s.FilesRestored, s.MetadataRestored, s.MetadataPartial, s.MetadataMissing)
	}
}
