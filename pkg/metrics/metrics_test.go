package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textfile(t *testing.T, m *RunMetrics) string {
	path := filepath.Join(t.TempDir(), "textfile", "bread_backup.prom")
	require.NoError(t, m.WriteTextfile(path))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(body)
}

func TestExecuteWithMetrics(t *testing.T) {
	m := NewRunMetrics()
	assert.Contains(t, textfile(t, m), "bread_backup_last_backup_status 2\n")

	require.NoError(t, m.ExecuteWithMetrics("backup", func() error { return nil }))
	err := m.ExecuteWithMetrics("restore", func() error { return fmt.Errorf("boom") })
	require.EqualError(t, err, "boom")
	// unknown commands are only logged
	require.NoError(t, m.ExecuteWithMetrics("list", func() error { return nil }))

	text := textfile(t, m)
	assert.Contains(t, text, "bread_backup_last_backup_status 1\n")
	assert.Contains(t, text, "bread_backup_last_restore_status 0\n")
	assert.Contains(t, text, "bread_backup_last_verify_status 2\n")
	assert.NotContains(t, text, "bread_backup_last_backup_start 0\n")
	assert.NotContains(t, text, "list")
}

func TestWriteTextfile(t *testing.T) {
	m := NewRunMetrics()
	m.LastBackupSize.Set(4096)
	m.NumberBackupsLocal.Set(3)
	text := textfile(t, m)
	assert.True(t, strings.Contains(text, "bread_backup_last_backup_size_bytes 4096\n"), text)
	assert.True(t, strings.Contains(text, "bread_backup_number_backups_local 3\n"), text)
	assert.Contains(t, text, "# HELP bread_backup_last_backup_files")

	require.NoError(t, m.WriteTextfile(""))
}
