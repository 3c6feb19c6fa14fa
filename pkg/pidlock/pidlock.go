// Package pidlock keeps two bread-backup runs from working on the same scope at once.
package pidlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrAlreadyRunning is wrapped by CheckAndCreatePidFile when the lock is held by a live process.
var ErrAlreadyRunning = errors.New("already running")

// Dir holds the pid files.
var Dir = os.TempDir()

func pidPath(scope string) string {
	return filepath.Join(Dir, fmt.Sprintf("bread-backup.%s.pid", scope))
}

type holder struct {
	pid     int
	command string
	started string
}

func readHolder(path string) (*holder, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), "|", 3)
	if len(parts) < 3 {
		log.Warn().Msgf("invalid pid file format in %s, will be overwritten", path)
		return nil, false
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		log.Warn().Msgf("invalid pid %q in %s, will be overwritten", parts[0], path)
		return nil, false
	}
	return &holder{pid: pid, command: parts[1], started: parts[2]}, true
}

// alive returns the command line of pid when the process still exists.
func alive(pid int) (string, bool) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return "", false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil && !errors.Is(err, syscall.EPERM) {
		return "", false
	}
	procInfo, err := process.NewProcess(int32(pid))
	if err != nil {
		log.Warn().Err(err).Int("pid", pid).Msg("can't get process info")
		return "", false
	}
	cmdLine, err := procInfo.Cmdline()
	if err != nil {
		log.Warn().Err(err).Int("pid", pid).Msg("can't get cmdLine")
		return "", false
	}
	return cmdLine, true
}

// CheckAndCreatePidFile takes the lock for scope on behalf of command. A stale or malformed
// pid file is overwritten.
func CheckAndCreatePidFile(scope string, command string) error {
	if scope == "" {
		return fmt.Errorf("lock scope is required")
	}
	path := pidPath(scope)
	if h, ok := readHolder(path); ok && h.pid != os.Getpid() {
		if cmdLine, running := alive(h.pid); running {
			return errors.Wrapf(ErrAlreadyRunning,
				"another bread-backup `%s` command started %s (pid=%d, pidPath=%s, cmdLine=%s)",
				h.command, h.started, h.pid, path, cmdLine,
			)
		}
	}
	pid := fmt.Sprintf("%d|%s|%s", os.Getpid(), command, time.Now().Format(time.RFC3339))
	return os.WriteFile(path, []byte(pid), 0o644)
}

func RemovePidFile(scope string) {
	_ = os.Remove(pidPath(scope))
}
