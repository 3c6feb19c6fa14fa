// Package archive reads and writes the tar containers backups are shipped in.
package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/djherbis/buffer"
	"github.com/djherbis/nio/v3"
	"github.com/mholt/archiver/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/breadbackup/bread-backup/internal/progressbar"
)

// BufferSize is the in-memory ring between the tar writer and the file sink.
const BufferSize = 512 * 1024

// ErrNotFound is returned by ReadFile when the member does not exist.
var ErrNotFound = errors.New("member not found in archive")

// CreateOptions controls Create.
type CreateOptions struct {
	Format       string
	Level        int
	First        []string
	ShowProgress bool
}

// Entry describes one archive member.
type Entry struct {
	Name     string
	Size     int64
	Mode     os.FileMode
	Linkname string
	IsDir    bool
}

type readerWrapperForContext func(p []byte) (n int, err error)

func (readerWrapper readerWrapperForContext) Read(p []byte) (n int, err error) {
	return readerWrapper(p)
}

func contextReader(ctx context.Context, r io.Reader) io.Reader {
	return readerWrapperForContext(func(p []byte) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
			return r.Read(p)
		}
	})
}

// Create packs every entry below root into dst and returns the SHA-256 of the written
// container. Members named in opts.First are emitted before the rest, in the given order.
// Symlinks are stored as links.
func Create(ctx context.Context, root, dst string, opts CreateOptions) (string, error) {
	z, err := getArchiveWriter(opts.Format, opts.Level)
	if err != nil {
		return "", err
	}
	files, totalBytes, err := collectFiles(root, opts.First)
	if err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("can't create %s: %w", dst, err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = out.Close()
		}
	}()

	bar := progressbar.StartNewByteBar(opts.ShowProgress, totalBytes)
	defer bar.Finish()
	for i := range files {
		if files[i].Mode().IsRegular() {
			localPath := filepath.Join(root, filepath.FromSlash(files[i].NameInArchive))
			size := files[i].Size()
			files[i].Open = func() (io.ReadCloser, error) {
				bar.Add64(size)
				return os.Open(localPath)
			}
		}
	}

	pipeBuffer := buffer.New(BufferSize)
	body, w := nio.Pipe(pipeBuffer)
	g, ctx := errgroup.WithContext(ctx)
	hasher := sha256.New()

	var writerErr, readerErr error
	g.Go(func() error {
		defer func() {
			if writerErr != nil {
				if err := w.CloseWithError(writerErr); err != nil {
					log.Error().Msgf("can't close after error %v pipe writer error: %v", writerErr, err)
				}
			} else {
				if err := w.Close(); err != nil {
					log.Error().Msgf("can't close pipe writer: %v", err)
				}
			}
		}()
		writerErr = z.Archive(ctx, w, files)
		return writerErr
	})
	g.Go(func() error {
		defer func() {
			if readerErr != nil {
				if err := body.CloseWithError(readerErr); err != nil {
					log.Error().Msgf("can't close after error %v pipe reader error: %v", readerErr, err)
				}
			} else {
				if err := body.Close(); err != nil {
					log.Error().Msgf("can't close pipe reader: %v", err)
				}
			}
		}()
		_, readerErr = io.Copy(io.MultiWriter(out, hasher), contextReader(ctx, body))
		return readerErr
	})
	if err := g.Wait(); err != nil {
		return "", errors.Wrapf(err, "can't write %s", dst)
	}
	closed = true
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("can't close %s: %w", dst, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func collectFiles(root string, first []string) ([]archiver.File, int64, error) {
	priority := make(map[string]int, len(first))
	for i, name := range first {
		priority[name] = i
	}
	var files []archiver.File
	var totalBytes int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		file := archiver.File{
			FileInfo:      info,
			NameInArchive: filepath.ToSlash(rel),
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if file.LinkTarget, err = os.Readlink(p); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			totalBytes += info.Size()
		case info.IsDir():
		default:
			log.Warn().Str("path", p).Msg("special file is not archived")
			return nil
		}
		files = append(files, file)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("can't walk %s: %w", root, err)
	}
	sort.SliceStable(files, func(i, j int) bool {
		pi, iok := priority[files[i].NameInArchive]
		pj, jok := priority[files[j].NameInArchive]
		switch {
		case iok && jok:
			return pi < pj
		case iok:
			return true
		default:
			return false
		}
	})
	return files, totalBytes, nil
}

func open(ctx context.Context, src string) (*os.File, *archiver.CompressedArchive, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	format, err := DetectFormat(src)
	if err != nil {
		return nil, nil, err
	}
	z, err := getArchiveReader(format)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, nil, err
	}
	return f, z, nil
}

func closeFile(f *os.File) {
	if err := f.Close(); err != nil {
		log.Warn().Msgf("can't close %s: %v", f.Name(), err)
	}
}

// List returns the members of src in archive order.
func List(ctx context.Context, src string) ([]Entry, error) {
	f, z, err := open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer closeFile(f)
	var entries []Entry
	err = z.Extract(ctx, f, nil, func(ctx context.Context, file archiver.File) error {
		entry := Entry{
			Name:  strings.TrimPrefix(file.NameInArchive, "./"),
			Size:  file.Size(),
			Mode:  file.Mode(),
			IsDir: file.IsDir(),
		}
		if header, ok := file.Header.(*tar.Header); ok {
			entry.Linkname = header.Linkname
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "can't list %s", src)
	}
	return entries, nil
}

// ReadFile returns the content of one member, ErrNotFound when absent.
func ReadFile(ctx context.Context, src, name string) ([]byte, error) {
	f, z, err := open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer closeFile(f)
	var content []byte
	found := false
	stop := errors.New("stop")
	err = z.Extract(ctx, f, nil, func(ctx context.Context, file archiver.File) error {
		if strings.TrimPrefix(file.NameInArchive, "./") != name || file.IsDir() {
			return nil
		}
		r, err := file.Open()
		if err != nil {
			return err
		}
		defer func() {
			_ = r.Close()
		}()
		if content, err = io.ReadAll(r); err != nil {
			return err
		}
		found = true
		return stop
	})
	if found {
		return content, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "can't read %s", src)
	}
	return nil, ErrNotFound
}

// Extract unpacks src below dst. When filter is set, only members it accepts are written.
// Members escaping dst are rejected. It returns the number of regular files written.
func Extract(ctx context.Context, src, dst string, filter func(name string) bool) (int, error) {
	f, z, err := open(ctx, src)
	if err != nil {
		return 0, err
	}
	defer closeFile(f)
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return 0, err
	}
	written := 0
	type dirMode struct {
		path string
		mode os.FileMode
	}
	var dirs []dirMode
	links := map[string]struct{}{}
	err = z.Extract(ctx, f, nil, func(ctx context.Context, file archiver.File) error {
		header, ok := file.Header.(*tar.Header)
		if !ok {
			return fmt.Errorf("expected header to be *tar.Header but was %T", file.Header)
		}
		name := path.Clean(strings.TrimPrefix(header.Name, "./"))
		if filter != nil && !filter(name) {
			return nil
		}
		if name == "." {
			return nil
		}
		if name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return fmt.Errorf("archive member %q escapes destination", header.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(name))
		within := path.Dir(name)
		if header.Typeflag == tar.TypeDir {
			within = name
		}
		if err := guardSymlinks(dst, within, links); err != nil {
			return errors.Wrapf(err, "archive member %q", header.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			dirs = append(dirs, dirMode{path: target, mode: os.FileMode(header.Mode).Perm()})
			return nil
		case tar.TypeSymlink:
			if _, err := os.Lstat(target); err == nil {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			links[name] = struct{}{}
			return os.Symlink(header.Linkname, target)
		case tar.TypeReg:
			// a regular member replaces a link instead of writing through it
			if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			r, err := file.Open()
			if err != nil {
				return fmt.Errorf("can't open %s", file.NameInArchive)
			}
			defer func() {
				_ = r.Close()
			}()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, contextReader(ctx, r)); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			if err := os.Chmod(target, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
			written++
			return os.Chtimes(target, header.ModTime, header.ModTime)
		default:
			log.Warn().Str("member", header.Name).Msgf("unsupported tar entry type %c, skipped", header.Typeflag)
			return nil
		}
	})
	if err != nil {
		return written, errors.Wrapf(err, "can't extract %s", src)
	}
	// applied last so read-only directories don't block their own content
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			log.Warn().Str("path", dirs[i].path).Err(err).Msg("can't apply directory mode")
		}
	}
	return written, nil
}

// guardSymlinks walks the components of rel below dst and fails on a symlink that was
// written by the current extraction or that resolves outside dst. Links already present
// on disk that stay inside dst are followed.
func guardSymlinks(dst, rel string, links map[string]struct{}) error {
	if rel == "." || rel == "" {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(rel, "/") {
		cur = path.Join(cur, part)
		p := filepath.Join(dst, filepath.FromSlash(cur))
		fi, err := os.Lstat(p)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if _, ok := links[cur]; ok {
			return fmt.Errorf("%s is a symlink from the same archive", cur)
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("can't resolve symlink %s: %w", cur, err)
		}
		root, err := filepath.EvalSymlinks(dst)
		if err != nil {
			return err
		}
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return fmt.Errorf("%s points outside %s", cur, dst)
		}
	}
	return nil
}
