package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/breadbackup/bread-backup/pkg/utils"
)

// Extension marks backup files in the destination.
const Extension = ".bread"

// FilenameTimeFormat has second resolution, so two runs within one second share a name.
const FilenameTimeFormat = "2006-01-02-150405"

// GenerateBackupFilename returns backup-<hostname>-<YYYY-MM-DD-HHMMSS>.bread.
func GenerateBackupFilename(hostname string, t time.Time) string {
	hostname = utils.CleanHostnameRE.ReplaceAllString(strings.TrimSpace(hostname), "-")
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("backup-%s-%s%s", hostname, t.Format(FilenameTimeFormat), Extension)
}

func ValidateBackupFilename(name string) bool {
	return strings.HasSuffix(name, Extension) && len(name) > len(Extension) && !strings.ContainsRune(name, '/')
}
