package pacman

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/breadbackup/bread-backup/pkg/metadata"
)

const (
	AllFile              = "pacman-all.txt"
	ExplicitFile         = "pacman-explicit.txt"
	AURFile              = "aur-packages.txt"
	OfficialExplicitFile = "pacman-official-explicit.txt"
	VersionsFile         = "package-versions.json"
)

// PackageDetail is one row of VersionsFile.
type PackageDetail struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	IsExplicit bool   `json:"is_explicit"`
	IsAUR      bool   `json:"is_aur"`
}

type versionsDocument struct {
	Packages []PackageDetail `json:"packages"`
	Total    int             `json:"total"`
}

// sampleSize caps the package names printed by a dry run.
const sampleSize = 10

type inventory struct {
	all      []Package
	explicit []string
	foreign  []string
}

func (inv inventory) summary() metadata.PackagesSummary {
	return metadata.PackagesSummary{
		TotalCount:    len(inv.all),
		ExplicitCount: len(inv.explicit),
		AURCount:      len(inv.foreign),
		OfficialCount: len(inv.all) - len(inv.foreign),
	}
}

func query(ctx context.Context, m Manager) (inventory, error) {
	var inv inventory
	if err := m.Available(); err != nil {
		return inv, err
	}
	var err error
	if inv.all, err = m.ListAll(ctx); err != nil {
		return inv, errors.Wrap(err, "can't list installed packages")
	}
	if inv.explicit, err = m.ListExplicit(ctx); err != nil {
		return inv, errors.Wrap(err, "can't list explicitly installed packages")
	}
	if inv.foreign, err = m.ListForeign(ctx); err != nil {
		return inv, errors.Wrap(err, "can't list foreign packages")
	}
	return inv, nil
}

// Collect writes the package lists into dir and summarizes them.
func Collect(ctx context.Context, m Manager, dir string) (metadata.PackagesSummary, error) {
	logger := log.With().Str("logger", "pacman").Logger()
	var summary metadata.PackagesSummary
	inv, err := query(ctx, m)
	if err != nil {
		return summary, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return summary, fmt.Errorf("can't create %s: %w", dir, err)
	}

	explicitSet := toSet(inv.explicit)
	foreignSet := toSet(inv.foreign)
	allLines := make([]string, 0, len(inv.all))
	details := make([]PackageDetail, 0, len(inv.all))
	for _, p := range inv.all {
		allLines = append(allLines, p.Name+" "+p.Version)
		details = append(details, PackageDetail{
			Name:       p.Name,
			Version:    p.Version,
			IsExplicit: explicitSet[p.Name],
			IsAUR:      foreignSet[p.Name],
		})
	}
	officialExplicit := make([]string, 0, len(inv.explicit))
	for _, name := range inv.explicit {
		if !foreignSet[name] {
			officialExplicit = append(officialExplicit, name)
		}
	}

	for name, lines := range map[string][]string{
		AllFile:              allLines,
		ExplicitFile:         inv.explicit,
		AURFile:              inv.foreign,
		OfficialExplicitFile: officialExplicit,
	} {
		if err := writeList(filepath.Join(dir, name), lines); err != nil {
			return summary, err
		}
	}
	body, err := json.MarshalIndent(versionsDocument{Packages: details, Total: len(details)}, "", "  ")
	if err != nil {
		return summary, fmt.Errorf("can't marshal %s: %w", VersionsFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, VersionsFile), body, 0o644); err != nil {
		return summary, fmt.Errorf("can't write %s: %w", VersionsFile, err)
	}

	summary = inv.summary()
	logger.Info().
		Int("total", summary.TotalCount).
		Int("explicit", summary.ExplicitCount).
		Int("aur", summary.AURCount).
		Msg("packages collected")
	return summary, nil
}

// DryRun queries the package manager like Collect, writes nothing and prints the counts
// with a sample of the explicitly installed packages to w.
func DryRun(ctx context.Context, m Manager, w io.Writer) (metadata.PackagesSummary, error) {
	inv, err := query(ctx, m)
	if err != nil {
		return metadata.PackagesSummary{}, err
	}
	summary := inv.summary()
	fmt.Fprintf(w, "packages: %d installed, %d explicit, %d AUR would be recorded\n",
		summary.TotalCount, summary.ExplicitCount, summary.AURCount)
	for i := 0; i < len(inv.explicit) && i < sampleSize; i++ {
		fmt.Fprintf(w, "  - %s\n", inv.explicit[i])
	}
	if len(inv.explicit) > sampleSize {
		fmt.Fprintf(w, "  ... and %d more\n", len(inv.explicit)-sampleSize)
	}
	return summary, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func writeList(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("can't write %s: %w", path, err)
	}
	return nil
}

// LoadList reads package names from a list file. Versions after the name, blank lines and
// `#` comments are ignored. A missing file is an empty list.
func LoadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warn().Msgf("can't close %s: %v", path, err)
		}
	}()
	names := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, strings.Fields(line)[0])
	}
	return names, scanner.Err()
}

// LoadDetails reads VersionsFile.
func LoadDetails(dir string) ([]PackageDetail, error) {
	body, err := os.ReadFile(filepath.Join(dir, VersionsFile))
	if err != nil {
		return nil, err
	}
	var doc versionsDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("can't parse %s: %w", VersionsFile, err)
	}
	return doc.Packages, nil
}
