// Package permissions captures and reapplies ownership, mode bits, timestamps and symlink
// targets of filesystem entries.
package permissions

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mode is a raw st_mode value, type bits included. It serializes as an octal string like "0o100644".
type Mode uint32

// Perm returns the bits chmod understands.
func (m Mode) Perm() uint32 {
	return uint32(m) & 0o7777
}

// IsDir reports whether the type bits describe a directory.
func (m Mode) IsDir() bool {
	return uint32(m)&unix.S_IFMT == unix.S_IFDIR
}

// IsRegular reports whether the type bits describe a regular file.
func (m Mode) IsRegular() bool {
	return uint32(m)&unix.S_IFMT == unix.S_IFREG
}

func (m Mode) String() string {
	return "0o" + strconv.FormatUint(uint64(m), 8)
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint32
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("mode must be an octal string or an integer, got %s", string(data))
		}
		*m = Mode(n)
		return nil
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode accepts "0o755", "0755" and "755".
func ParseMode(s string) (Mode, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0o"), "0O")
	if digits == "" {
		return 0, fmt.Errorf("empty mode string %q", s)
	}
	n, err := strconv.ParseUint(digits, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("can't parse mode %q: %w", s, err)
	}
	return Mode(n), nil
}

// FileMetadata describes one filesystem entry as seen by lstat.
type FileMetadata struct {
	Path          string  `json:"path"`
	Mode          Mode    `json:"mode"`
	UID           int     `json:"uid"`
	GID           int     `json:"gid"`
	Atime         float64 `json:"atime"`
	Mtime         float64 `json:"mtime"`
	Size          int64   `json:"size"`
	IsSymlink     bool    `json:"is_symlink"`
	SymlinkTarget *string `json:"symlink_target"`
}

// Capture reads metadata without following symlinks. A symlink whose target can't be read
// is recorded as a plain node.
func Capture(path string) (FileMetadata, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return FileMetadata{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	atime, mtime := statTimes(&st)
	md := FileMetadata{
		Path:  path,
		Mode:  Mode(st.Mode),
		UID:   int(st.Uid),
		GID:   int(st.Gid),
		Atime: timespecToSeconds(atime),
		Mtime: timespecToSeconds(mtime),
		Size:  st.Size,
	}
	if uint32(st.Mode)&unix.S_IFMT == unix.S_IFLNK {
		if target, err := os.Readlink(path); err == nil {
			md.IsSymlink = true
			md.SymlinkTarget = &target
		}
	}
	return md, nil
}

// RestoreResult carries the outcome of each independent restore step, nil meaning success.
type RestoreResult struct {
	Owner error
	Mode  error
	Times error
}

// Err joins the failed steps, nil when everything was applied.
func (r RestoreResult) Err() error {
	var parts []string
	if r.Owner != nil {
		parts = append(parts, "owner: "+r.Owner.Error())
	}
	if r.Mode != nil {
		parts = append(parts, "mode: "+r.Mode.Error())
	}
	if r.Times != nil {
		parts = append(parts, "times: "+r.Times.Error())
	}
	if len(parts) == 0 {
		return nil
	}
	return errors.New(strings.Join(parts, "; "))
}

// Partial reports whether at least one step failed.
func (r RestoreResult) Partial() bool {
	return r.Owner != nil || r.Mode != nil || r.Times != nil
}

// OwnerDenied reports whether ownership failed only for lack of privileges, which is
// expected when not running as root.
func (r RestoreResult) OwnerDenied() bool {
	return errors.Is(r.Owner, unix.EPERM) || errors.Is(r.Owner, unix.EACCES)
}

// Restore reapplies ownership, mode and timestamps. Each step runs regardless of the others.
func Restore(path string, md FileMetadata) RestoreResult {
	var result RestoreResult
	if err := unix.Lchown(path, md.UID, md.GID); err != nil {
		result.Owner = &os.PathError{Op: "lchown", Path: path, Err: err}
	}
	if !md.IsSymlink {
		if err := unix.Chmod(path, md.Mode.Perm()); err != nil {
			result.Mode = &os.PathError{Op: "chmod", Path: path, Err: err}
		}
	}
	times := []unix.Timespec{secondsToTimespec(md.Atime), secondsToTimespec(md.Mtime)}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		result.Times = &os.PathError{Op: "utimensat", Path: path, Err: err}
	}
	return result
}

// IsRoot reports whether the process runs with effective uid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

func timespecToSeconds(ts unix.Timespec) float64 {
	sec, nsec := ts.Unix()
	return float64(sec) + float64(nsec)/1e9
}

func secondsToTimespec(seconds float64) unix.Timespec {
	whole, frac := math.Modf(seconds)
	nsec := int64(math.Round(frac * 1e9))
	return unix.NsecToTimespec(int64(whole)*1e9 + nsec)
}
