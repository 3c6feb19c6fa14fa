package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func neutralPriority(t *testing.T) {
	t.Setenv("IO_NICE_PRIORITY", "")
	t.Setenv("CPU_NICE_PRIORITY", "0")
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	neutralPriority(t)
	t.Setenv("USER_CONFIG_HOME_DIR", "/home/alice")
	t.Setenv("USER_CONFIG_USERNAME", "alice")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	require.Equal(t, DefaultDestination, cfg.General.Destination)
	require.Equal(t, "zstd", cfg.General.Compression)
	require.Equal(t, 5*time.Second, cfg.General.RetriesDuration)
	require.Equal(t, 30*time.Minute, cfg.Packages.TimeoutDuration)
	require.Equal(t, "yay", cfg.Packages.AURHelper)
	require.Equal(t, "/home/alice/.config", cfg.UserConfig.SourceRoot())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	neutralPriority(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	body := `
general:
  destination: /mnt/backups/
  compression: gzip
  compression_level: 6
  backups_to_keep: 5
  retries_pause: 1s
packages:
  aur_helper: paru
  command_timeout: 10m
user_config:
  username: bob
  home_dir: /home/bob
  directory: /.config/
  exclude_patterns:
    - "*.sqlite"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("BACKUPS_TO_KEEP", "2")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/mnt/backups", cfg.General.Destination)
	require.Equal(t, "gzip", cfg.General.Compression)
	require.Equal(t, 6, cfg.General.CompressionLevel)
	require.Equal(t, 2, cfg.General.BackupsToKeep)
	require.Equal(t, time.Second, cfg.General.RetriesDuration)
	require.Equal(t, "paru", cfg.Packages.AURHelper)
	require.Equal(t, 10*time.Minute, cfg.Packages.TimeoutDuration)
	require.Equal(t, ".config", cfg.UserConfig.Directory)
	require.Equal(t, []string{"*.sqlite"}, cfg.UserConfig.ExcludePatterns)
	require.True(t, cfg.UserConfig.UseDefaultExcludes)
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"unknown compression", func(cfg *Config) { cfg.General.Compression = "rar" }},
		{"plain tar is not a backup compression", func(cfg *Config) { cfg.General.Compression = "tar" }},
		{"level out of range", func(cfg *Config) { cfg.General.CompressionLevel = 40 }},
		{"empty destination", func(cfg *Config) { cfg.General.Destination = "" }},
		{"negative keep", func(cfg *Config) { cfg.General.BackupsToKeep = -1 }},
		{"bad retries pause", func(cfg *Config) { cfg.General.RetriesPause = "soon" }},
		{"bad command timeout", func(cfg *Config) { cfg.Packages.CommandTimeout = "forever" }},
		{"empty pacman command", func(cfg *Config) { cfg.Packages.PacmanCommand = " " }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			require.Error(t, ValidateConfig(cfg))
		})
	}
	require.NoError(t, ValidateConfig(DefaultConfig()))
}
