package pidlock

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func useTempDir(t *testing.T) {
	old := Dir
	Dir = t.TempDir()
	t.Cleanup(func() { Dir = old })
}

func TestCheckAndCreatePidFile(t *testing.T) {
	t.Run("CreatesValidPidFile", func(t *testing.T) {
		useTempDir(t)
		require.NoError(t, CheckAndCreatePidFile("backup", "backup"))
		data, err := os.ReadFile(pidPath("backup"))
		require.NoError(t, err)
		parts := strings.Split(string(data), "|")
		require.Len(t, parts, 3)
		pid, err := strconv.Atoi(parts[0])
		require.NoError(t, err)
		require.Equal(t, os.Getpid(), pid)
		require.Equal(t, "backup", parts[1])
		_, err = time.Parse(time.RFC3339, parts[2])
		require.NoError(t, err)
		RemovePidFile("backup")
		_, err = os.Stat(pidPath("backup"))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("SameProcessMayRelock", func(t *testing.T) {
		useTempDir(t)
		require.NoError(t, CheckAndCreatePidFile("restore", "restore"))
		require.NoError(t, CheckAndCreatePidFile("restore", "restore"))
	})

	t.Run("DetectsRunningProcess", func(t *testing.T) {
		useTempDir(t)
		cmd := exec.Command("sleep", "30")
		if err := cmd.Start(); err != nil {
			t.Skipf("can't start helper process: %v", err)
		}
		defer func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()
		content := fmt.Sprintf("%d|backup|%s", cmd.Process.Pid, time.Now().Format(time.RFC3339))
		require.NoError(t, os.WriteFile(pidPath("backup"), []byte(content), 0o644))
		err := CheckAndCreatePidFile("backup", "backup")
		require.ErrorIs(t, err, ErrAlreadyRunning)
		require.Contains(t, err.Error(), "already running")
	})

	t.Run("OverwritesStalePidFile", func(t *testing.T) {
		useTempDir(t)
		cmd := exec.Command("true")
		if err := cmd.Run(); err != nil {
			t.Skipf("can't run helper process: %v", err)
		}
		content := fmt.Sprintf("%d|backup|%s", cmd.ProcessState.Pid(), time.Now().Format(time.RFC3339))
		require.NoError(t, os.WriteFile(pidPath("backup"), []byte(content), 0o644))
		require.NoError(t, CheckAndCreatePidFile("backup", "backup"))
	})

	t.Run("OverwritesInvalidPidFile", func(t *testing.T) {
		useTempDir(t)
		require.NoError(t, os.WriteFile(pidPath("list"), []byte("garbage"), 0o644))
		require.NoError(t, CheckAndCreatePidFile("list", "list"))
		data, err := os.ReadFile(pidPath("list"))
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(data), strconv.Itoa(os.Getpid())+"|"))
	})

	t.Run("EmptyScope", func(t *testing.T) {
		require.Error(t, CheckAndCreatePidFile("", "backup"))
	})
}
