package backup

import (
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/mod/semver"

	"github.com/breadbackup/bread-backup/pkg/config"
	"github.com/breadbackup/bread-backup/pkg/metrics"
	"github.com/breadbackup/bread-backup/pkg/pacman"
	"github.com/breadbackup/bread-backup/pkg/storage"
)

type Backuper struct {
	cfg     *config.Config
	dst     *storage.Local
	metrics *metrics.RunMetrics
	// packages is created on first use unless injected with WithPackageManager
	packages pacman.Manager
	Version  string
	now      func() time.Time
}

func NewBackuper(cfg *config.Config) *Backuper {
	return &Backuper{
		cfg:     cfg,
		dst:     storage.NewLocal(cfg.General.Destination),
		metrics: metrics.NewRunMetrics(),
		now:     time.Now,
	}
}

// WithPackageManager replaces the pacman backed package manager.
func (b *Backuper) WithPackageManager(m pacman.Manager) *Backuper {
	b.packages = m
	return b
}

func (b *Backuper) packageManager(aurHelper string) (pacman.Manager, error) {
	if b.packages != nil {
		return b.packages, nil
	}
	m, err := pacman.NewExecManager(b.cfg, aurHelper)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (b *Backuper) Storage() *storage.Local {
	return b.dst
}

// withMetrics measures command and refreshes the textfile, whatever the outcome.
func (b *Backuper) withMetrics(command string, f func() error) error {
	err := b.metrics.ExecuteWithMetrics(command, f)
	if backups, listErr := b.dst.List(storage.SortByDate); listErr == nil {
		b.metrics.NumberBackupsLocal.Set(float64(len(backups)))
	}
	b.metrics.NumberBackupsLocalExpected.Set(float64(b.cfg.General.BackupsToKeep))
	if writeErr := b.metrics.WriteTextfile(b.cfg.General.MetricsTextfile); writeErr != nil {
		log.Warn().Err(writeErr).Msg("can't write metrics")
	}
	return err
}

// isNewerVersion reports whether written is a newer release than running. Unparsable
// versions never compare as newer.
func isNewerVersion(written, running string) bool {
	canonical := func(v string) string {
		v = strings.TrimSpace(v)
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		return v
	}
	w, r := canonical(written), canonical(running)
	if !semver.IsValid(w) || !semver.IsValid(r) {
		return false
	}
	return semver.Compare(w, r) > 0
}

// currentUsername is used when no username is configured.
func currentUsername() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return sudoUser
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "user"
}
