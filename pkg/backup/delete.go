package backup

import (
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/pkg/storage"
)

// Delete removes one backup and its checksum file.
func (b *Backuper) Delete(ref string) error {
	return b.withMetrics("delete", func() error {
		backup, err := b.dst.Resolve(ref)
		if err != nil {
			return err
		}
		return storage.NewLocal(filepath.Dir(backup.Path)).Delete(backup.Name)
	})
}

// Clean applies retention, keep < 0 meaning general->backups_to_keep, and removes leftovers
// of interrupted saves.
func (b *Backuper) Clean(keep int) ([]storage.Backup, error) {
	var deleted []storage.Backup
	err := b.withMetrics("clean", func() error {
		if keep < 0 {
			keep = b.cfg.General.BackupsToKeep
		}
		partials, err := b.dst.RemovePartials()
		if err != nil {
			return err
		}
		for _, p := range partials {
			log.Info().Str("file", p).Msg("partial backup removed")
		}
		deleted, err = b.dst.CleanupOldBackups(keep)
		return err
	})
	return deleted, err
}
