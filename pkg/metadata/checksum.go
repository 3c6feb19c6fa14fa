package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// ComputeChecksum returns the hex SHA-256 of a file, streamed.
func ComputeChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warn().Msgf("can't close %s: %v", path, err)
		}
	}()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("can't read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeTreeChecksums hashes every regular file below root, keyed by slash-separated
// relative path. Paths listed in skip are left out.
func ComputeTreeChecksums(root string, skip ...string) (map[string]string, error) {
	skipped := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		skipped[s] = struct{}{}
	}
	sums := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := skipped[rel]; ok {
			return nil
		}
		sum, err := ComputeChecksum(path)
		if err != nil {
			return err
		}
		sums[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("can't checksum %s: %w", root, err)
	}
	return sums, nil
}

// VerifyChecksums checks every recorded file under rootDir. It stops at the first missing
// or mismatching file and returns false.
func (m *Manifest) VerifyChecksums(rootDir string) bool {
	paths := make([]string, 0, len(m.Checksums))
	for p := range m.Checksums {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, rel := range paths {
		expected := m.Checksums[rel]
		full := filepath.Join(rootDir, filepath.FromSlash(rel))
		if _, err := os.Stat(full); err != nil {
			log.Warn().Str("path", rel).Msg("file missing from backup")
			return false
		}
		actual, err := ComputeChecksum(full)
		if err != nil {
			log.Warn().Str("path", rel).Err(err).Msg("can't compute checksum")
			return false
		}
		if actual != expected {
			log.Warn().Str("path", rel).Str("expected", expected).Str("actual", actual).Msg("checksum mismatch")
			return false
		}
	}
	return true
}
