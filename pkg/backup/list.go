package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/pkg/common"
	"github.com/breadbackup/bread-backup/pkg/metadata"
	"github.com/breadbackup/bread-backup/pkg/storage"
	"github.com/breadbackup/bread-backup/pkg/utils"
)

// BackupRow is one line of `list`.
type BackupRow struct {
	Filename   string `json:"filename" csv:"filename"`
	Path       string `json:"path" csv:"path"`
	Size       int64  `json:"size" csv:"size"`
	SizeHuman  string `json:"size_human" csv:"size_human"`
	Date       string `json:"date" csv:"date"`
	BackupType string `json:"backup_type" csv:"backup_type"`
}

// GetBackups describes every backup in the destination. The type is read from each manifest
// and is `unknown` when the manifest can't be read.
func (b *Backuper) GetBackups(ctx context.Context, sortBy string) ([]BackupRow, error) {
	backups, err := b.dst.List(sortBy)
	if err != nil {
		return nil, err
	}
	rows := make([]BackupRow, 0, len(backups))
	for _, backup := range backups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		backupType := "unknown"
		if manifest, err := metadata.ReadFromArchive(ctx, backup.Path); err == nil {
			backupType = manifest.BackupType
		} else {
			log.Debug().Str("backup", backup.Name).Err(err).Msg("can't read manifest")
		}
		rows = append(rows, BackupRow{
			Filename:   backup.Name,
			Path:       backup.Path,
			Size:       backup.Size,
			SizeHuman:  utils.FormatBytes(uint64(backup.Size)),
			Date:       backup.Date.Format(time.RFC3339),
			BackupType: backupType,
		})
	}
	return rows, nil
}

// PrintBackups writes the backup list as a table, json or csv; `latest` and `penult` print
// a single file name.
func (b *Backuper) PrintBackups(ctx context.Context, w io.Writer, sortBy, format string) error {
	switch format {
	case "latest", "last", "l", "penult", "prev", "previous", "p":
		backups, err := b.dst.List(storage.SortByDate)
		if err != nil {
			return err
		}
		idx := 0
		if format[0] == 'p' {
			idx = 1
		}
		if len(backups) <= idx {
			if idx == 0 {
				return fmt.Errorf("no backups found")
			}
			return fmt.Errorf("no previous backup is found")
		}
		_, err = fmt.Fprintln(w, backups[idx].Name)
		return err
	}
	rows, err := b.GetBackups(ctx, sortBy)
	if err != nil {
		return err
	}
	switch format {
	case "json":
		body, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(body))
		return err
	case "csv":
		return gocsv.Marshal(rows, w)
	case "table", "all", "":
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', tabwriter.DiscardEmptyColumns)
		for _, row := range rows {
			date, _ := time.Parse(time.RFC3339, row.Date)
			if bytes, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.Filename, row.SizeHuman, date.Local().Format(common.TimeFormat), row.BackupType); err != nil {
				log.Error().Msgf("fmt.Fprintf write %d bytes return error: %v", bytes, err)
			}
		}
		if err := tw.Flush(); err != nil {
			log.Error().Msgf("can't flush tabular writer error: %v", err)
		}
		if len(rows) == 0 {
			fmt.Fprintf(w, "no backups found in %s\n", b.dst.Destination)
		}
		fmt.Fprintf(w, "free space: %s\n", utils.FormatBytes(b.dst.AvailableSpace()))
		return nil
	}
	return fmt.Errorf("'%s' undefined", format)
}
