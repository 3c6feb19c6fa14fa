package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeStaging(t *testing.T) string {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "user-config"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packages"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "packages", "pacman-all.txt"), []byte("bash 5.2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "user-config", "secret"), []byte("token"), 0o600))
	require.NoError(t, os.Chmod(filepath.Join(root, "user-config", "secret"), 0o600))
	require.NoError(t, os.Symlink("secret", filepath.Join(root, "user-config", "link")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte(`{"backup_id":"x"}`), 0o644))
	return root
}

func TestCreateListExtract(t *testing.T) {
	ctx := context.Background()
	for _, format := range []string{FormatTar, FormatGzip, FormatZstd, FormatXz, FormatLz4} {
		t.Run(format, func(t *testing.T) {
			root := makeStaging(t)
			dst := filepath.Join(t.TempDir(), "backup.bread")
			sum, err := Create(ctx, root, dst, CreateOptions{Format: format, First: []string{"manifest.json"}})
			require.NoError(t, err)

			body, err := os.ReadFile(dst)
			require.NoError(t, err)
			expected := sha256.Sum256(body)
			require.Equal(t, hex.EncodeToString(expected[:]), sum)

			detected, err := DetectFormat(dst)
			require.NoError(t, err)
			require.Equal(t, format, detected)

			entries, err := List(ctx, dst)
			require.NoError(t, err)
			require.NotEmpty(t, entries)
			require.Equal(t, "manifest.json", entries[0].Name)
			names := map[string]Entry{}
			for _, e := range entries {
				names[e.Name] = e
			}
			require.Contains(t, names, "packages/pacman-all.txt")
			require.Equal(t, "secret", names["user-config/link"].Linkname)

			content, err := ReadFile(ctx, dst, "packages/pacman-all.txt")
			require.NoError(t, err)
			require.Equal(t, "bash 5.2\n", string(content))

			_, err = ReadFile(ctx, dst, "absent.txt")
			require.ErrorIs(t, err, ErrNotFound)

			out := t.TempDir()
			written, err := Extract(ctx, dst, out, nil)
			require.NoError(t, err)
			require.Equal(t, 3, written)
			info, err := os.Stat(filepath.Join(out, "user-config", "secret"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
			target, err := os.Readlink(filepath.Join(out, "user-config", "link"))
			require.NoError(t, err)
			assert.Equal(t, "secret", target)
		})
	}
}

func TestExtractFilter(t *testing.T) {
	ctx := context.Background()
	root := makeStaging(t)
	dst := filepath.Join(t.TempDir(), "backup.bread")
	_, err := Create(ctx, root, dst, CreateOptions{Format: FormatZstd})
	require.NoError(t, err)

	out := t.TempDir()
	written, err := Extract(ctx, dst, out, func(name string) bool {
		return name == "packages" || filepath.Dir(name) == "packages"
	})
	require.NoError(t, err)
	require.Equal(t, 1, written)
	_, err = os.Stat(filepath.Join(out, "manifest.json"))
	require.True(t, os.IsNotExist(err))
}

func TestCreateUnknownFormat(t *testing.T) {
	_, err := Create(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "x"), CreateOptions{Format: "rar"})
	require.Error(t, err)
	require.False(t, ValidFormat("rar"))
	require.True(t, ValidFormat(FormatZstd))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	root := makeStaging(t)
	_, err := Create(ctx, root, filepath.Join(t.TempDir(), "backup.bread"), CreateOptions{Format: FormatGzip})
	require.Error(t, err)
}

func TestDetectFormatPlainAndGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))
	format, err := DetectFormat(path)
	require.NoError(t, err)
	require.Equal(t, FormatTar, format)

	_, err = List(context.Background(), path)
	require.Error(t, err)
}

type tarMember struct {
	name     string
	typeflag byte
	linkname string
	body     string
}

func writeTar(t *testing.T, members ...tarMember) string {
	dst := filepath.Join(t.TempDir(), "crafted.tar")
	f, err := os.Create(dst)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	for _, m := range members {
		header := &tar.Header{Name: m.name, Typeflag: m.typeflag, Linkname: m.linkname, Mode: 0o644, Size: int64(len(m.body))}
		if m.typeflag == tar.TypeDir {
			header.Mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(header))
		if m.body != "" {
			_, err := tw.Write([]byte(m.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())
	return dst
}

func TestExtractSymlinkEscapes(t *testing.T) {
	ctx := context.Background()

	t.Run("member below a link from the archive", func(t *testing.T) {
		outside := t.TempDir()
		src := writeTar(t,
			tarMember{name: "link", typeflag: tar.TypeSymlink, linkname: outside},
			tarMember{name: "link/pwned", typeflag: tar.TypeReg, body: "x"},
		)
		written, err := Extract(ctx, src, t.TempDir(), nil)
		require.Error(t, err)
		require.Equal(t, 0, written)
		_, err = os.Lstat(filepath.Join(outside, "pwned"))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("directory member through a relative link", func(t *testing.T) {
		parent := t.TempDir()
		dst := filepath.Join(parent, "dst")
		src := writeTar(t,
			tarMember{name: "up", typeflag: tar.TypeSymlink, linkname: ".."},
			tarMember{name: "up/planted", typeflag: tar.TypeDir},
		)
		_, err := Extract(ctx, src, dst, nil)
		require.Error(t, err)
		_, err = os.Lstat(filepath.Join(parent, "planted"))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("regular member replaces a link", func(t *testing.T) {
		victim := filepath.Join(t.TempDir(), "victim")
		require.NoError(t, os.WriteFile(victim, []byte("keep"), 0o644))
		src := writeTar(t,
			tarMember{name: "f", typeflag: tar.TypeSymlink, linkname: victim},
			tarMember{name: "f", typeflag: tar.TypeReg, body: "new"},
		)
		dst := t.TempDir()
		written, err := Extract(ctx, src, dst, nil)
		require.NoError(t, err)
		require.Equal(t, 1, written)
		body, err := os.ReadFile(victim)
		require.NoError(t, err)
		assert.Equal(t, "keep", string(body))
		info, err := os.Lstat(filepath.Join(dst, "f"))
		require.NoError(t, err)
		assert.True(t, info.Mode().IsRegular())
	})

	t.Run("existing link inside destination is followed", func(t *testing.T) {
		dst := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dst, "dotfiles", "nvim"), 0o755))
		require.NoError(t, os.Symlink(filepath.Join(dst, "dotfiles", "nvim"), filepath.Join(dst, "nvim")))
		src := writeTar(t,
			tarMember{name: "nvim/init.lua", typeflag: tar.TypeReg, body: "set nu"},
			tarMember{name: "abs", typeflag: tar.TypeSymlink, linkname: "/etc"},
		)
		written, err := Extract(ctx, src, dst, nil)
		require.NoError(t, err)
		require.Equal(t, 1, written)
		body, err := os.ReadFile(filepath.Join(dst, "dotfiles", "nvim", "init.lua"))
		require.NoError(t, err)
		assert.Equal(t, "set nu", string(body))
		target, err := os.Readlink(filepath.Join(dst, "abs"))
		require.NoError(t, err)
		assert.Equal(t, "/etc", target)
	})
}
