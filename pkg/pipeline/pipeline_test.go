package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/breadbackup/bread-backup/pkg/archive"
	"github.com/breadbackup/bread-backup/pkg/exclude"
	"github.com/breadbackup/bread-backup/pkg/permissions"
)

// makeHome builds <home>/.config with 10 files, 3 of them *.log.
func makeHome(t *testing.T) (string, map[string]os.FileMode) {
	home := t.TempDir()
	modes := map[string]os.FileMode{
		".config/fish/config.fish":       0o644,
		".config/fish/functions/ll.fish": 0o644,
		".config/git/config":             0o600,
		".config/nvim/init.lua":          0o640,
		".config/nvim/lua/plugins.lua":   0o644,
		".config/scripts/backup.sh":      0o755,
		".config/user-dirs.dirs":         0o600,
		".config/app/app.log":            0o644,
		".config/app/debug.log":          0o644,
		".config/fish/fish.log":          0o600,
	}
	mtime := time.Date(2023, 5, 6, 7, 8, 9, 0, time.Local)
	for rel, mode := range modes {
		full := filepath.Join(home, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("content of "+rel), 0o644))
		require.NoError(t, os.Chmod(full, mode))
		require.NoError(t, os.Chtimes(full, mtime, mtime))
	}
	return home, modes
}

func collect(t *testing.T, source string, patterns []string, dryRun bool) (string, int, error) {
	backupRoot := t.TempDir()
	summary, err := Collect(context.Background(), backupRoot, CollectOptions{
		Source:    source,
		Owner:     "alice",
		Component: "user-config",
		Matcher:   exclude.Compile(patterns),
		DryRun:    dryRun,
	})
	if err != nil {
		return backupRoot, 0, err
	}
	return backupRoot, summary.TotalFiles, nil
}

func TestCollectAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	home, modes := makeHome(t)
	backupRoot := t.TempDir()
	summary, err := Collect(ctx, backupRoot, CollectOptions{
		Source:    filepath.Join(home, ".config"),
		Owner:     "alice",
		Component: "user-config",
		Matcher:   exclude.Compile([]string{"*.log"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, summary.TotalFiles)
	assert.Equal(t, 3, summary.SkippedFiles)
	assert.Equal(t, "user-config/alice-config.tar", summary.ArchivePath)
	assert.Equal(t, "user-config/file-permissions.json", summary.PermissionsFile)
	assert.Positive(t, summary.TotalSizeBytes)

	componentDir := filepath.Join(backupRoot, "user-config")
	sidecar, err := permissions.LoadSidecar(filepath.Join(componentDir, permissions.SidecarName))
	require.NoError(t, err)
	// 7 files plus the 7 directories holding them
	require.Len(t, sidecar, 14)
	for rel := range sidecar {
		assert.NotEqual(t, ".log", filepath.Ext(rel), rel)
	}
	_, err = os.Stat(filepath.Join(componentDir, stagingDirName))
	require.True(t, os.IsNotExist(err), "staging must be removed")

	target := t.TempDir()
	restored, err := Restore(ctx, componentDir, RestoreOptions{Target: target})
	require.NoError(t, err)
	assert.Equal(t, 7, restored.FilesRestored)
	assert.Equal(t, 14, restored.MetadataRestored)
	assert.Zero(t, restored.MetadataMissing)

	var found []string
	require.NoError(t, filepath.Walk(target, func(path string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.Mode().IsRegular() {
			rel, _ := filepath.Rel(target, path)
			found = append(found, filepath.ToSlash(rel))
		}
		return nil
	}))
	require.Len(t, found, 7)
	for _, rel := range found {
		expected, ok := modes[rel]
		require.True(t, ok, rel)
		info, err := os.Stat(filepath.Join(target, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, expected, info.Mode().Perm(), rel)
		assert.Equal(t, sidecar[rel].Mtime, float64(info.ModTime().UnixNano())/1e9, rel)
	}
}

func TestCollectRestoresDirectoryMetadata(t *testing.T) {
	ctx := context.Background()
	home, _ := makeHome(t)
	cfg := filepath.Join(home, ".config")
	require.NoError(t, os.Chmod(filepath.Join(cfg, "fish"), 0o700))
	require.NoError(t, os.Chmod(filepath.Join(cfg, "nvim", "lua"), 0o750))
	require.NoError(t, os.Chmod(filepath.Join(cfg, "git"), 0o755))
	require.NoError(t, os.Chmod(cfg, 0o711))
	const uid, gid = 1000, 1000
	if permissions.IsRoot() {
		require.NoError(t, filepath.Walk(cfg, func(path string, _ os.FileInfo, err error) error {
			require.NoError(t, err)
			return os.Lchown(path, uid, gid)
		}))
	}

	backupRoot := t.TempDir()
	_, err := Collect(ctx, backupRoot, CollectOptions{
		Source:    cfg,
		Owner:     "alice",
		Component: "user-config",
		Matcher:   exclude.Compile([]string{"*.log"}),
	})
	require.NoError(t, err)
	componentDir := filepath.Join(backupRoot, "user-config")
	sidecar, err := permissions.LoadSidecar(filepath.Join(componentDir, permissions.SidecarName))
	require.NoError(t, err)
	for _, dir := range []string{".config", ".config/fish", ".config/fish/functions", ".config/nvim/lua"} {
		require.Contains(t, sidecar, dir)
		assert.True(t, sidecar[dir].Mode.IsDir(), dir)
		assert.Equal(t, dir, sidecar[dir].Path)
	}
	// app holds only excluded logs
	assert.NotContains(t, sidecar, ".config/app")

	target := t.TempDir()
	_, err = Restore(ctx, componentDir, RestoreOptions{Target: target})
	require.NoError(t, err)
	expected := map[string]os.FileMode{
		".config":          0o711,
		".config/fish":     0o700,
		".config/nvim/lua": 0o750,
		".config/git":      0o755,
	}
	for rel, mode := range expected {
		full := filepath.Join(target, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		require.NoError(t, err)
		assert.Equal(t, mode, info.Mode().Perm(), rel)
		if permissions.IsRoot() {
			var st unix.Stat_t
			require.NoError(t, unix.Stat(full, &st))
			assert.Equal(t, uint32(uid), st.Uid, rel)
			assert.Equal(t, uint32(gid), st.Gid, rel)
		}
	}
}

func TestCollectExcludesRelativeToParent(t *testing.T) {
	home, _ := makeHome(t)
	source := filepath.Join(home, ".config")
	testCases := []struct {
		patterns []string
		expected int
	}{
		{nil, 10},
		{[]string{"/.config/app/"}, 8},
		{[]string{"/app/"}, 10},
		{[]string{"**/fish/*"}, 7},
		{[]string{"**/fish/*", "!**/fish/config.fish"}, 8},
		{[]string{"nvim"}, 8},
		{[]string{".config"}, 10},
		{[]string{".config/"}, 0},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprint(tc.patterns), func(t *testing.T) {
			_, total, err := collect(t, source, tc.patterns, true)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, total)
		})
	}
}

func TestCollectDryRunWritesNothing(t *testing.T) {
	home, _ := makeHome(t)
	backupRoot, total, err := collect(t, filepath.Join(home, ".config"), []string{"*.log"}, true)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	entries, err := os.ReadDir(backupRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCollectMissingSource(t *testing.T) {
	backupRoot, total, err := collect(t, filepath.Join(t.TempDir(), "absent"), nil, false)
	require.NoError(t, err)
	assert.Zero(t, total)
	entries, err := os.ReadDir(backupRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCollectSourceIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, _, err := collect(t, file, nil, false)
	require.Error(t, err)
}

func TestCollectKeepsSymlinks(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	cfg := filepath.Join(home, ".config")
	require.NoError(t, os.MkdirAll(filepath.Join(cfg, "kitty", "themes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg, "kitty", "kitty.conf"), []byte("font_size 11"), 0o644))
	require.NoError(t, os.Symlink("../kitty.conf", filepath.Join(cfg, "kitty", "themes", "current.conf")))
	require.NoError(t, os.Symlink("/nonexistent/target", filepath.Join(cfg, "dangling")))

	backupRoot := t.TempDir()
	summary, err := Collect(ctx, backupRoot, CollectOptions{Source: cfg, Owner: "alice", Component: "user-config"})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalFiles)

	componentDir := filepath.Join(backupRoot, "user-config")
	sidecar, err := permissions.LoadSidecar(filepath.Join(componentDir, permissions.SidecarName))
	require.NoError(t, err)
	link := sidecar[".config/kitty/themes/current.conf"]
	require.True(t, link.IsSymlink)
	require.NotNil(t, link.SymlinkTarget)
	assert.Equal(t, "../kitty.conf", *link.SymlinkTarget)

	target := t.TempDir()
	_, err = Restore(ctx, componentDir, RestoreOptions{Target: target})
	require.NoError(t, err)
	dest, err := os.Readlink(filepath.Join(target, ".config", "kitty", "themes", "current.conf"))
	require.NoError(t, err)
	assert.Equal(t, "../kitty.conf", dest)
	dest, err = os.Readlink(filepath.Join(target, ".config", "dangling"))
	require.NoError(t, err)
	assert.Equal(t, "/nonexistent/target", dest)
}

func TestCollectFollowsSymlinkedSource(t *testing.T) {
	realDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(realDir, "settings.ini"), []byte("x"), 0o644))
	home := t.TempDir()
	require.NoError(t, os.Symlink(realDir, filepath.Join(home, ".config")))
	backupRoot, total, err := collect(t, filepath.Join(home, ".config"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	entries, err := archive.List(context.Background(), filepath.Join(backupRoot, "user-config", "alice-config.tar"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, ".config/settings.ini")
}

func TestCollectCancelled(t *testing.T) {
	home, _ := makeHome(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Collect(ctx, t.TempDir(), CollectOptions{Source: filepath.Join(home, ".config"), Component: "user-config"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRestoreDryRunAndMissing(t *testing.T) {
	ctx := context.Background()
	home, _ := makeHome(t)
	backupRoot := t.TempDir()
	_, err := Collect(ctx, backupRoot, CollectOptions{Source: filepath.Join(home, ".config"), Owner: "alice", Component: "user-config"})
	require.NoError(t, err)
	componentDir := filepath.Join(backupRoot, "user-config")

	target := filepath.Join(t.TempDir(), "home")
	summary, err := Restore(ctx, componentDir, RestoreOptions{Target: target, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 10, summary.FilesRestored)
	_, err = os.Stat(target)
	require.True(t, os.IsNotExist(err))

	summary, err = Restore(ctx, filepath.Join(backupRoot, "packages"), RestoreOptions{Target: target})
	require.NoError(t, err)
	assert.Zero(t, summary.FilesRestored)

	empty := t.TempDir()
	summary, err = Restore(ctx, empty, RestoreOptions{Target: target})
	require.NoError(t, err)
	assert.Empty(t, summary.ArchivePath)
}

func TestRestoreWithoutSidecar(t *testing.T) {
	ctx := context.Background()
	home, _ := makeHome(t)
	backupRoot := t.TempDir()
	_, err := Collect(ctx, backupRoot, CollectOptions{Source: filepath.Join(home, ".config"), Owner: "alice", Component: "user-config"})
	require.NoError(t, err)
	componentDir := filepath.Join(backupRoot, "user-config")
	require.NoError(t, os.Remove(filepath.Join(componentDir, permissions.SidecarName)))
	summary, err := Restore(ctx, componentDir, RestoreOptions{Target: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 10, summary.FilesRestored)
	assert.Zero(t, summary.MetadataRestored)
}

func TestFindArchive(t *testing.T) {
	dir := t.TempDir()
	path, err := FindArchive(dir)
	require.NoError(t, err)
	assert.Empty(t, path)
	for _, name := range []string{"bob-config.tar.zst", "alice-config.tar", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	path, err = FindArchive(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alice-config.tar"), path)
}
