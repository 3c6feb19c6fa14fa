package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archiver/v4"
)

const (
	FormatTar  = "tar"
	FormatGzip = "gzip"
	FormatZstd = "zstd"
	FormatXz   = "xz"
	FormatLz4  = "lz4"
)

// Formats lists the compression algorithms a backup may be written with.
var Formats = []string{FormatGzip, FormatZstd, FormatXz, FormatLz4}

var magics = []struct {
	format string
	magic  []byte
}{
	{FormatGzip, []byte{0x1f, 0x8b}},
	{FormatZstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{FormatXz, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}},
	{FormatLz4, []byte{0x04, 0x22, 0x4d, 0x18}},
}

func getArchiveWriter(format string, level int) (*archiver.CompressedArchive, error) {
	switch format {
	case FormatTar:
		return &archiver.CompressedArchive{Archival: archiver.Tar{}}, nil
	case FormatLz4:
		return &archiver.CompressedArchive{Compression: archiver.Lz4{CompressionLevel: level}, Archival: archiver.Tar{}}, nil
	case FormatGzip:
		return &archiver.CompressedArchive{Compression: archiver.Gz{CompressionLevel: level, Multithreaded: true}, Archival: archiver.Tar{}}, nil
	case FormatXz:
		return &archiver.CompressedArchive{Compression: archiver.Xz{}, Archival: archiver.Tar{}}, nil
	case FormatZstd:
		var opts []zstd.EOption
		if level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		return &archiver.CompressedArchive{Compression: archiver.Zstd{EncoderOptions: opts}, Archival: archiver.Tar{}}, nil
	}
	return nil, fmt.Errorf("wrong compression: %s, supported: 'gzip', 'zstd', 'xz', 'lz4', 'tar'", format)
}

func getArchiveReader(format string) (*archiver.CompressedArchive, error) {
	switch format {
	case FormatTar:
		return &archiver.CompressedArchive{Archival: archiver.Tar{}}, nil
	case FormatLz4:
		return &archiver.CompressedArchive{Compression: archiver.Lz4{}, Archival: archiver.Tar{}}, nil
	case FormatGzip:
		return &archiver.CompressedArchive{Compression: archiver.Gz{Multithreaded: true}, Archival: archiver.Tar{}}, nil
	case FormatXz:
		return &archiver.CompressedArchive{Compression: archiver.Xz{}, Archival: archiver.Tar{}}, nil
	case FormatZstd:
		return &archiver.CompressedArchive{Compression: archiver.Zstd{}, Archival: archiver.Tar{}}, nil
	}
	return nil, fmt.Errorf("wrong compression: %s, supported: 'gzip', 'zstd', 'xz', 'lz4', 'tar'", format)
}

// ValidFormat reports whether format can be written.
func ValidFormat(format string) bool {
	_, err := getArchiveWriter(format, 0)
	return err == nil
}

// DetectFormat sniffs the compression of a container from its leading bytes. Anything
// without a known magic number is read as plain tar.
func DetectFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	head := make([]byte, 6)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("can't read header of %s: %w", path, err)
	}
	head = head[:n]
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.format, nil
		}
	}
	return FormatTar, nil
}
