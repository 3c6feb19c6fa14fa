package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/pkg/metadata"
	"github.com/breadbackup/bread-backup/pkg/utils"
)

// Info prints the manifest of a backup as text or json.
func (b *Backuper) Info(ctx context.Context, w io.Writer, ref, format string) error {
	backup, err := b.dst.Resolve(ref)
	if err != nil {
		return err
	}
	manifest, err := metadata.ReadFromArchive(ctx, backup.Path)
	if err != nil {
		return err
	}
	switch format {
	case "json":
		body, err := json.MarshalIndent(struct {
			File string `json:"file"`
			Size int64  `json:"size"`
			*metadata.Manifest
		}{backup.Name, backup.Size, manifest}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(body))
		return err
	case "text", "":
	default:
		return fmt.Errorf("'%s' undefined", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() {
		if err := tw.Flush(); err != nil {
			log.Error().Msgf("can't flush tabular writer error: %v", err)
		}
	}()
	parent := "-"
	if manifest.ParentBackupID != nil {
		parent = *manifest.ParentBackupID
	}
	rows := [][2]string{
		{"File", backup.Name},
		{"Size", utils.FormatBytes(uint64(backup.Size))},
		{"Backup ID", manifest.BackupID},
		{"Type", manifest.BackupType},
		{"Parent", parent},
		{"Created", manifest.Timestamp},
		{"Hostname", manifest.Hostname},
		{"Kernel", manifest.KernelVersion},
		{"Tool version", manifest.ToolVersion},
		{"Compression", manifest.Compression},
		{"Checksums", fmt.Sprintf("%d files", len(manifest.Checksums))},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	for _, name := range manifest.Components.Names() {
		fmt.Fprintf(tw, "Component %s:\t%s\n", name, describeComponent(manifest.Components[name]))
	}
	if len(manifest.ExcludePatterns) > 0 {
		fmt.Fprintf(tw, "Exclude patterns:\t%s\n", strings.Join(manifest.ExcludePatterns, " "))
	}
	return nil
}

func describeComponent(c metadata.Component) string {
	switch v := c.(type) {
	case metadata.PackagesSummary:
		return fmt.Sprintf("%d packages, %d explicit, %d AUR, %d official", v.TotalCount, v.ExplicitCount, v.AURCount, v.OfficialCount)
	case metadata.FilesSummary:
		return fmt.Sprintf("%d files, %s, %d skipped", v.TotalFiles, utils.FormatBytes(uint64(v.TotalSizeBytes)), v.SkippedFiles)
	case metadata.RawComponent:
		return string(v)
	}
	return fmt.Sprintf("%v", c)
}
