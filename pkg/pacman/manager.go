// Package pacman lists and installs packages through pacman and an AUR helper.
package pacman

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/pkg/common"
	"github.com/breadbackup/bread-backup/pkg/config"
	"github.com/breadbackup/bread-backup/pkg/utils"
)

// ErrToolUnavailable is returned when pacman or the AUR helper binary can't be found.
var ErrToolUnavailable = errors.New("tool unavailable")

// Package is one installed package as reported by `pacman -Q`.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Manager is what the package component needs from the system package manager.
type Manager interface {
	Available() error
	ListAll(ctx context.Context) ([]Package, error)
	ListExplicit(ctx context.Context) ([]string, error)
	ListForeign(ctx context.Context) ([]string, error)
	Sync(ctx context.Context) error
	InstallOfficial(ctx context.Context, names []string) error
	HelperAvailable() error
	InstallAUR(ctx context.Context, name string) error
}

// ExecManager shells out to the configured commands.
type ExecManager struct {
	pacman        []string
	helper        []string
	timeout       time.Duration
	retries       int
	retriesPause  time.Duration
	retriesJitter int8
}

// NewExecManager splits the configured commands, so `sudo -n pacman` or `paru --sudoloop`
// work as values. aurHelper overrides the configured helper when not empty.
func NewExecManager(cfg *config.Config, aurHelper string) (*ExecManager, error) {
	pacmanArgs, err := splitCommand(cfg.Packages.PacmanCommand)
	if err != nil {
		return nil, fmt.Errorf("packages->pacman_command: %w", err)
	}
	if aurHelper == "" {
		aurHelper = cfg.Packages.AURHelper
	}
	var helperArgs []string
	if strings.TrimSpace(aurHelper) != "" {
		if helperArgs, err = splitCommand(aurHelper); err != nil {
			return nil, fmt.Errorf("packages->aur_helper: %w", err)
		}
	}
	return &ExecManager{
		pacman:        pacmanArgs,
		helper:        helperArgs,
		timeout:       cfg.Packages.TimeoutDuration,
		retries:       cfg.General.RetriesOnFailure,
		retriesPause:  cfg.General.RetriesDuration,
		retriesJitter: cfg.General.RetriesJitter,
	}, nil
}

func splitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse shell command %s error: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}

func lookPath(args []string) error {
	if len(args) == 0 {
		return errors.Wrap(ErrToolUnavailable, "no command configured")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return errors.Wrapf(ErrToolUnavailable, "%s: %v", args[0], err)
	}
	return nil
}

func (m *ExecManager) Available() error {
	return lookPath(m.pacman)
}

func (m *ExecManager) HelperAvailable() error {
	return lookPath(m.helper)
}

func (m *ExecManager) query(ctx context.Context, flag string) (string, error) {
	args := append(append([]string{}, m.pacman[1:]...), flag)
	return utils.ExecCmdStdout(ctx, m.timeout, m.pacman[0], args...)
}

func (m *ExecManager) ListAll(ctx context.Context) ([]Package, error) {
	out, err := m.query(ctx, "-Q")
	if err != nil {
		return nil, err
	}
	return parsePackages(out), nil
}

func (m *ExecManager) ListExplicit(ctx context.Context) ([]string, error) {
	out, err := m.query(ctx, "-Qe")
	if err != nil {
		return nil, err
	}
	return parseNames(out), nil
}

// ListForeign returns packages not found in the sync databases. pacman exits non-zero when
// there are none, which is reported as an empty list.
func (m *ExecManager) ListForeign(ctx context.Context) ([]string, error) {
	out, err := m.query(ctx, "-Qm")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug().Err(err).Msg("pacman -Qm failed, assuming no foreign packages")
		return []string{}, nil
	}
	return parseNames(out), nil
}

func (m *ExecManager) retry(ctx context.Context, args []string) error {
	retry := retrier.New(retrier.ConstantBackoff(m.retries, common.AddRandomJitter(m.retriesPause, m.retriesJitter)), nil)
	return retry.RunCtx(ctx, func(ctx context.Context) error {
		return utils.ExecCmd(ctx, m.timeout, args[0], args[1:]...)
	})
}

func (m *ExecManager) Sync(ctx context.Context) error {
	return utils.ExecCmd(ctx, m.timeout, m.pacman[0], append(append([]string{}, m.pacman[1:]...), "-Sy")...)
}

func (m *ExecManager) InstallOfficial(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := append(append([]string{}, m.pacman...), "-S", "--needed", "--noconfirm")
	return m.retry(ctx, append(args, names...))
}

func (m *ExecManager) InstallAUR(ctx context.Context, name string) error {
	if err := m.HelperAvailable(); err != nil {
		return err
	}
	args := append(append([]string{}, m.helper...), "-S", "--needed", "--noconfirm", name)
	return m.retry(ctx, args)
}

func parsePackages(out string) []Package {
	packages := make([]Package, 0)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		packages = append(packages, Package{Name: fields[0], Version: strings.Join(fields[1:], " ")})
	}
	return packages
}

func parseNames(out string) []string {
	names := make([]string, 0)
	for _, line := range strings.Split(out, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names
}
