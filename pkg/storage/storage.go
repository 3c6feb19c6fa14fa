// Package storage keeps finished backups in a local destination directory.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ricochet2200/go-disk-usage/du"
	"github.com/rs/zerolog/log"
	"github.com/yargevad/filepathx"

	"github.com/breadbackup/bread-backup/pkg/utils"
)

var (
	// ErrNotFound is returned when a backup file doesn't exist in the destination
	ErrNotFound = errors.New("backup not found")
	// ErrInsufficientSpace is wrapped by InsufficientSpaceError
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

type InsufficientSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("%s: %s required, %s available on %s", ErrInsufficientSpace, utils.FormatBytes(e.Required), utils.FormatBytes(e.Available), e.Path)
}

func (e *InsufficientSpaceError) Unwrap() error {
	return ErrInsufficientSpace
}

const (
	SortByDate = "date"
	SortBySize = "size"
	SortByName = "name"
)

// Backup describes one backup file in the destination.
type Backup struct {
	Name string
	Path string
	Size int64
	Date time.Time
}

// Local is a destination directory on a mounted filesystem.
type Local struct {
	Destination string
}

func NewLocal(destination string) *Local {
	return &Local{Destination: destination}
}

func (l *Local) EnsureDestination() error {
	if err := os.MkdirAll(l.Destination, 0o750); err != nil {
		return fmt.Errorf("can't create destination %s: %w", l.Destination, err)
	}
	return nil
}

// AvailableSpace reports bytes available to unprivileged users on the filesystem holding the
// destination, or its nearest existing parent.
func (l *Local) AvailableSpace() uint64 {
	path := l.Destination
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			return 0
		}
		path = parent
	}
	return du.NewDiskUsage(path).Available()
}

func (l *Local) CheckDiskSpace(required uint64) error {
	available := l.AvailableSpace()
	if available < required {
		return &InsufficientSpaceError{Path: l.Destination, Required: required, Available: available}
	}
	return nil
}

func (l *Local) path(name string) string {
	return filepath.Join(l.Destination, filepath.Base(name))
}

func checksumPath(path string) string {
	return path + ".sha256"
}

// List returns backups in the destination, newest first for SortByDate, largest first for
// SortBySize. A missing destination has no backups.
func (l *Local) List(sortBy string) ([]Backup, error) {
	matches, err := filepathx.Glob(filepath.Join(l.Destination, "*"+Extension))
	if err != nil {
		return nil, fmt.Errorf("can't list %s: %w", l.Destination, err)
	}
	backups := make([]Backup, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		backups = append(backups, Backup{
			Name: info.Name(),
			Path: match,
			Size: info.Size(),
			Date: info.ModTime(),
		})
	}
	switch sortBy {
	case SortBySize:
		sort.SliceStable(backups, func(i, j int) bool { return backups[i].Size > backups[j].Size })
	case SortByName:
		sort.SliceStable(backups, func(i, j int) bool { return backups[i].Name < backups[j].Name })
	case SortByDate, "":
		sort.SliceStable(backups, func(i, j int) bool { return backups[i].Date.After(backups[j].Date) })
	default:
		return nil, fmt.Errorf("unknown sort order %q, supported: %s, %s, %s", sortBy, SortByDate, SortBySize, SortByName)
	}
	return backups, nil
}

// Get stats one backup by file name.
func (l *Local) Get(name string) (Backup, error) {
	path := l.path(name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Backup{}, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return Backup{}, err
	}
	return Backup{Name: info.Name(), Path: path, Size: info.Size(), Date: info.ModTime()}, nil
}

// Resolve accepts a path to a backup file, a file name inside the destination, or one of
// the selectors `latest` and `penult`.
func (l *Local) Resolve(ref string) (Backup, error) {
	switch ref {
	case "latest", "last", "penult", "prev", "previous":
		backups, err := l.List(SortByDate)
		if err != nil {
			return Backup{}, err
		}
		idx := 0
		if ref != "latest" && ref != "last" {
			idx = 1
		}
		if len(backups) <= idx {
			return Backup{}, errors.Wrapf(ErrNotFound, "no %s backup in %s", ref, l.Destination)
		}
		return backups[idx], nil
	}
	if strings.ContainsRune(ref, os.PathSeparator) {
		info, err := os.Stat(ref)
		if err != nil {
			if os.IsNotExist(err) {
				return Backup{}, errors.Wrapf(ErrNotFound, "%s", ref)
			}
			return Backup{}, err
		}
		return Backup{Name: info.Name(), Path: ref, Size: info.Size(), Date: info.ModTime()}, nil
	}
	return l.Get(ref)
}

// Delete removes a backup and its checksum file.
func (l *Local) Delete(name string) error {
	path := l.path(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "%s", path)
		}
		return err
	}
	if err := os.Remove(checksumPath(path)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msgf("can't remove %s", checksumPath(path))
	}
	log.Info().Str("backup", name).Msg("deleted")
	return nil
}

// GetBackupsToDelete returns everything but the keep newest backups.
func GetBackupsToDelete(backups []Backup, keep int) []Backup {
	if len(backups) > keep {
		sort.SliceStable(backups, func(i, j int) bool {
			return backups[i].Date.After(backups[j].Date)
		})
		return backups[keep:]
	}
	return []Backup{}
}

// CleanupOldBackups keeps the keep newest backups. keep == 0 disables retention.
func (l *Local) CleanupOldBackups(keep int) ([]Backup, error) {
	if keep <= 0 {
		return []Backup{}, nil
	}
	backups, err := l.List(SortByDate)
	if err != nil {
		return nil, err
	}
	deleted := make([]Backup, 0)
	for _, b := range GetBackupsToDelete(backups, keep) {
		if err := l.Delete(b.Name); err != nil {
			log.Warn().Err(err).Msgf("can't delete old backup %s", b.Name)
			continue
		}
		deleted = append(deleted, b)
	}
	return deleted, nil
}

// RemovePartials deletes leftovers of interrupted cross-device saves.
func (l *Local) RemovePartials() ([]string, error) {
	matches, err := filepathx.Glob(filepath.Join(l.Destination, ".*"+Extension+".partial"))
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(matches))
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			log.Warn().Err(err).Msgf("can't remove %s", m)
			continue
		}
		removed = append(removed, m)
	}
	return removed, nil
}
