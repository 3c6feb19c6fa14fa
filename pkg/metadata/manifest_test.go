package metadata

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breadbackup/bread-backup/pkg/archive"
)

func TestNewManifest(t *testing.T) {
	m, err := New(BackupTypeFull, "zstd", []string{"*.log"}, nil, "1.2.3")
	require.NoError(t, err)
	_, err = uuid.Parse(m.BackupID)
	require.NoError(t, err)
	hostname, _ := os.Hostname()
	assert.Equal(t, hostname, m.Hostname)
	assert.NotEmpty(t, m.KernelVersion)
	assert.Equal(t, "1.2.3", m.ToolVersion)
	assert.Nil(t, m.ParentBackupID)
	assert.Empty(t, m.Components)
	assert.Empty(t, m.Checksums)
	_, err = m.Time()
	require.NoError(t, err)

	other, err := New(BackupTypeFull, "zstd", nil, nil, "1.2.3")
	require.NoError(t, err)
	assert.NotEqual(t, m.BackupID, other.BackupID)

	_, err = New("differential", "zstd", nil, nil, "1.2.3")
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(m *Manifest)
	}{
		{
			name:  "empty components and checksums",
			setup: func(m *Manifest) {},
		},
		{
			name: "typed components",
			setup: func(m *Manifest) {
				m.AddComponent(ComponentPackages, PackagesSummary{TotalCount: 900, ExplicitCount: 120, AURCount: 7, OfficialCount: 893})
				m.AddComponent(ComponentUserConfig, FilesSummary{TotalFiles: 7, TotalSizeBytes: 2048, SkippedFiles: 3, ArchivePath: "user-config/alice-config.tar"})
				m.AddChecksum("packages/pacman-all.txt", "abc")
			},
		},
		{
			name: "unknown component is preserved",
			setup: func(m *Manifest) {
				m.AddComponent("dotfiles", RawComponent(`{"repo":"git@example.org:dots.git","commits":[1,2]}`))
				parent := "0b7e5b38-4b1f-4bd4-9a2c-0c7d3f7a1c11"
				m.ParentBackupID = &parent
				m.BackupType = BackupTypeIncremental
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := New(BackupTypeFull, "gzip", []string{}, nil, "0.1.0")
			require.NoError(t, err)
			tc.setup(m)
			dir := t.TempDir()
			require.NoError(t, m.Save(dir))
			loaded, err := Load(filepath.Join(dir, ManifestName))
			require.NoError(t, err)
			require.Equal(t, m, loaded)
		})
	}
}

func TestLoadCompatibility(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestName)
	legacy := `{
  "backup_id": "5f0c3f0e-2f59-4d7a-8d0e-2b8f7f1b1a10",
  "backup_type": "full",
  "parent_backup_id": null,
  "timestamp": "2024-11-02T10:11:12.123456",
  "hostname": "arch",
  "kernel_version": "6.11.5-arch1-1",
  "bread_version": "0.1.0",
  "compression": "zstd",
  "components": {"user_config": {"total_files": 2, "total_size_bytes": 10, "skipped_files": 0, "archive_path": "/tmp/x/user-config/alice-config.tar"}},
  "exclude_patterns": ["**/.cache/*"],
  "checksums": {},
  "some_future_field": {"nested": true}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))
	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", m.ToolVersion)
	files, ok := m.Components.Files(ComponentUserConfig)
	require.True(t, ok)
	assert.Equal(t, 2, files.TotalFiles)
	ts, err := m.Time()
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())
}

func TestLoadDecodeError(t *testing.T) {
	dir := t.TempDir()
	testCases := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"wrong type", `{"backup_id": 12}`},
		{"missing id", `{"hostname": "arch"}`},
		{"malformed component", `{"backup_id": "x", "components": {"packages": {"total_count": "many"}}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name)
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o644))
			_, err := Load(path)
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestComponentsJSON(t *testing.T) {
	c := Components{
		ComponentPackages: PackagesSummary{TotalCount: 1, OfficialCount: 1},
		"extra":           RawComponent(`[1,2,3]`),
	}
	body, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"packages":{"total_count":1,"explicit_count":0,"aur_count":0,"official_count":1},"extra":[1,2,3]}`, string(body))
	assert.Equal(t, []string{"extra", "packages"}, c.Names())
	_, ok := c.Files(ComponentPackages)
	assert.False(t, ok)
}

func TestReadFromArchive(t *testing.T) {
	ctx := context.Background()
	staging := t.TempDir()
	m, err := New(BackupTypeFull, "zstd", nil, nil, "0.1.0")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "packages"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "packages", "pacman-all.txt"), []byte("zsh 5.9-5\n"), 0o644))
	require.NoError(t, m.Save(staging))
	dst := filepath.Join(t.TempDir(), "backup-host-2024-01-01-000000.bread")
	_, err = archive.Create(ctx, staging, dst, archive.CreateOptions{Format: archive.FormatZstd, First: []string{ManifestName}})
	require.NoError(t, err)

	loaded, err := ReadFromArchive(ctx, dst)
	require.NoError(t, err)
	require.Equal(t, m.BackupID, loaded.BackupID)

	t.Run("manifest missing", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(staging, ManifestName)))
		noManifest := filepath.Join(t.TempDir(), "x.bread")
		_, err := archive.Create(ctx, staging, noManifest, archive.CreateOptions{Format: archive.FormatGzip})
		require.NoError(t, err)
		_, err = ReadFromArchive(ctx, noManifest)
		require.ErrorIs(t, err, ErrManifestNotFound)
	})

	t.Run("corrupt container", func(t *testing.T) {
		corrupt := filepath.Join(t.TempDir(), "corrupt.bread")
		// gzip magic followed by an invalid header
		require.NoError(t, os.WriteFile(corrupt, []byte{0x1f, 0x8b, 0x00, 0x13, 0x37, 0x00, 0x01}, 0o644))
		_, err = ReadFromArchive(ctx, corrupt)
		var corruptErr *CorruptArchiveError
		require.ErrorAs(t, err, &corruptErr)
	})

	t.Run("container missing", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "gone.bread")
		_, err := ReadFromArchive(ctx, missing)
		var corruptErr *CorruptArchiveError
		require.ErrorAs(t, err, &corruptErr)
		require.Equal(t, missing, corruptErr.Path)
		require.ErrorIs(t, err, fs.ErrNotExist)
	})
}
