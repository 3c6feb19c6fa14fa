package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"github.com/breadbackup/bread-backup/pkg/archive"
	"github.com/breadbackup/bread-backup/pkg/log_helper"
)

const (
	DefaultConfigPath  = "/etc/bread-backup/config.yml"
	DefaultDestination = "/var/backups/bread-backup"
)

// Config - config file format
type Config struct {
	General    GeneralConfig    `yaml:"general" envconfig:"_"`
	Packages   PackagesConfig   `yaml:"packages" envconfig:"_"`
	UserConfig UserConfigConfig `yaml:"user_config" envconfig:"_"`
}

// GeneralConfig - general setting section
type GeneralConfig struct {
	LogLevel           string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Destination        string        `yaml:"destination" envconfig:"BACKUP_DESTINATION"`
	Compression        string        `yaml:"compression" envconfig:"COMPRESSION"`
	CompressionLevel   int           `yaml:"compression_level" envconfig:"COMPRESSION_LEVEL"`
	ExcludeFile        string        `yaml:"exclude_file" envconfig:"EXCLUDE_FILE"`
	BackupsToKeep      int           `yaml:"backups_to_keep" envconfig:"BACKUPS_TO_KEEP"`
	DisableProgressBar bool          `yaml:"disable_progress_bar" envconfig:"DISABLE_PROGRESS_BAR"`
	UseResumableState  bool          `yaml:"use_resumable_state" envconfig:"USE_RESUMABLE_STATE"`
	StateDir           string        `yaml:"state_dir" envconfig:"STATE_DIR"`
	MetricsTextfile    string        `yaml:"metrics_textfile" envconfig:"METRICS_TEXTFILE"`
	RetriesOnFailure   int           `yaml:"retries_on_failure" envconfig:"RETRIES_ON_FAILURE"`
	RetriesPause       string        `yaml:"retries_pause" envconfig:"RETRIES_PAUSE"`
	RetriesJitter      int8          `yaml:"retries_jitter" envconfig:"RETRIES_JITTER"`
	CPUNicePriority    int           `yaml:"cpu_nice_priority" envconfig:"CPU_NICE_PRIORITY"`
	IONicePriority     string        `yaml:"io_nice_priority" envconfig:"IO_NICE_PRIORITY"`
	RetriesDuration    time.Duration `yaml:"-"`
}

// PackagesConfig - pacman and AUR helper settings
type PackagesConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"PACKAGES_ENABLED"`
	PacmanCommand   string        `yaml:"pacman_command" envconfig:"PACMAN_COMMAND"`
	AURHelper       string        `yaml:"aur_helper" envconfig:"AUR_HELPER"`
	CommandTimeout  string        `yaml:"command_timeout" envconfig:"PACKAGES_COMMAND_TIMEOUT"`
	TimeoutDuration time.Duration `yaml:"-"`
}

// UserConfigConfig - which user's configuration tree is collected
type UserConfigConfig struct {
	Enabled            bool     `yaml:"enabled" envconfig:"USER_CONFIG_ENABLED"`
	Username           string   `yaml:"username" envconfig:"USER_CONFIG_USERNAME"`
	HomeDir            string   `yaml:"home_dir" envconfig:"USER_CONFIG_HOME_DIR"`
	Directory          string   `yaml:"directory" envconfig:"USER_CONFIG_DIRECTORY"`
	ExcludePatterns    []string `yaml:"exclude_patterns" envconfig:"USER_CONFIG_EXCLUDE_PATTERNS"`
	UseDefaultExcludes bool     `yaml:"use_default_excludes" envconfig:"USER_CONFIG_USE_DEFAULT_EXCLUDES"`
}

// SourceRoot is the directory collected for the user configuration component.
func (c UserConfigConfig) SourceRoot() string {
	return filepath.Join(c.HomeDir, c.Directory)
}

// LoadConfig reads the YAML file, missing file is not an error, then applies environment overrides.
func LoadConfig(configLocation string) (*Config, error) {
	cfg := DefaultConfig()
	configYaml, err := os.ReadFile(configLocation)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("can't open config file: %w", err)
	}
	if err := yaml.Unmarshal(configYaml, &cfg); err != nil {
		return nil, fmt.Errorf("can't parse config file: %w", err)
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	cfg.General.Destination = strings.TrimRight(strings.TrimSpace(cfg.General.Destination), "/")
	cfg.UserConfig.Directory = strings.Trim(cfg.UserConfig.Directory, "/ \t\r\n")
	if err := cfg.resolveUser(); err != nil {
		return cfg, err
	}

	log_helper.SetLogLevelFromString(cfg.General.LogLevel)

	if err = ValidateConfig(cfg); err != nil {
		return cfg, err
	}
	if err = cfg.SetPriority(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// resolveUser fills username and home directory. Under sudo the invoking user is preferred.
func (cfg *Config) resolveUser() error {
	if cfg.UserConfig.Username != "" && cfg.UserConfig.HomeDir != "" {
		return nil
	}
	var u *user.User
	var err error
	switch {
	case cfg.UserConfig.Username != "":
		u, err = user.Lookup(cfg.UserConfig.Username)
	case os.Getenv("SUDO_USER") != "":
		u, err = user.Lookup(os.Getenv("SUDO_USER"))
	default:
		u, err = user.Current()
	}
	if err != nil {
		return fmt.Errorf("can't resolve user for user_config: %w", err)
	}
	if cfg.UserConfig.Username == "" {
		cfg.UserConfig.Username = u.Username
	}
	if cfg.UserConfig.HomeDir == "" {
		cfg.UserConfig.HomeDir = u.HomeDir
	}
	return nil
}

func ValidateConfig(cfg *Config) error {
	if !archive.ValidFormat(cfg.General.Compression) || cfg.General.Compression == archive.FormatTar {
		return fmt.Errorf("'%s' is unknown compression, supported: %s", cfg.General.Compression, strings.Join(archive.Formats, ", "))
	}
	if cfg.General.CompressionLevel < 0 || cfg.General.CompressionLevel > 22 {
		return fmt.Errorf("compression_level %d out of range 0..22", cfg.General.CompressionLevel)
	}
	if cfg.General.Destination == "" {
		return fmt.Errorf("general->destination can't be empty")
	}
	if cfg.General.BackupsToKeep < 0 {
		return fmt.Errorf("general->backups_to_keep can't be negative")
	}
	if cfg.General.RetriesOnFailure < 0 {
		return fmt.Errorf("general->retries_on_failure can't be negative")
	}
	duration, err := time.ParseDuration(cfg.General.RetriesPause)
	if err != nil {
		return fmt.Errorf("invalid general->retries_pause: %w", err)
	}
	cfg.General.RetriesDuration = duration
	timeout, err := time.ParseDuration(cfg.Packages.CommandTimeout)
	if err != nil {
		return fmt.Errorf("invalid packages->command_timeout: %w", err)
	}
	cfg.Packages.TimeoutDuration = timeout
	if cfg.Packages.Enabled && strings.TrimSpace(cfg.Packages.PacmanCommand) == "" {
		return fmt.Errorf("packages->pacman_command can't be empty")
	}
	if cfg.UserConfig.Enabled && cfg.UserConfig.Directory == "" {
		return fmt.Errorf("user_config->directory can't be empty")
	}
	if !log_helper.ValidLogLevel(cfg.General.LogLevel) {
		log.Warn().Msgf("general->log_level=%s is not supported, will use info", cfg.General.LogLevel)
	}
	return nil
}

// PrintConfig - print current config as YAML, defaults when ctx is nil
func PrintConfig(ctx *cli.Context) error {
	var cfg *Config
	if ctx == nil {
		cfg = DefaultConfig()
	} else {
		cfg = GetConfigFromCli(ctx)
	}
	yml, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("can't marshal config: %w", err)
	}
	fmt.Print(string(yml))
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:          "info",
			Destination:       DefaultDestination,
			Compression:       archive.FormatZstd,
			CompressionLevel:  0,
			BackupsToKeep:     0,
			UseResumableState: true,
			StateDir:          "/var/lib/bread-backup",
			RetriesOnFailure:  3,
			RetriesPause:      "5s",
			RetriesDuration:   5 * time.Second,
			RetriesJitter:     0,
			CPUNicePriority:   15,
			IONicePriority:    "idle",
		},
		Packages: PackagesConfig{
			Enabled:         true,
			PacmanCommand:   "pacman",
			AURHelper:       "yay",
			CommandTimeout:  "30m",
			TimeoutDuration: 30 * time.Minute,
		},
		UserConfig: UserConfigConfig{
			Enabled:            true,
			Directory:          ".config",
			UseDefaultExcludes: true,
		},
	}
}

// GetConfigFromCli loads the config for a command, applying `--env` overrides for the duration of the load.
func GetConfigFromCli(ctx *cli.Context) *Config {
	oldEnvValues := OverrideEnvVars(ctx)
	configPath := GetConfigPath(ctx)
	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatal().Stack().Err(err).Send()
	}
	RestoreEnvVars(oldEnvValues)
	return cfg
}

func GetConfigPath(ctx *cli.Context) string {
	if ctx.String("config") != DefaultConfigPath && ctx.String("config") != "" {
		return ctx.String("config")
	}
	if ctx.GlobalString("config") != DefaultConfigPath && ctx.GlobalString("config") != "" {
		return ctx.GlobalString("config")
	}
	if os.Getenv("BREAD_BACKUP_CONFIG") != "" {
		return os.Getenv("BREAD_BACKUP_CONFIG")
	}
	return DefaultConfigPath
}

type oldEnvValues struct {
	OldValue   string
	WasPresent bool
}

// OverrideEnvVars applies `--env KEY=VALUE` pairs and returns what they replaced.
func OverrideEnvVars(ctx *cli.Context) map[string]oldEnvValues {
	env := ctx.GlobalStringSlice("env")
	env = append(env, ctx.StringSlice("env")...)
	oldValues := map[string]oldEnvValues{}
	logLevel := "info"
	if os.Getenv("LOG_LEVEL") != "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	log_helper.SetLogLevelFromString(logLevel)
	for _, v := range env {
		envVariable := strings.SplitN(v, "=", 2)
		if len(envVariable) < 2 {
			envVariable = append(envVariable, "true")
		}
		if envVariable[0] == "LOG_LEVEL" {
			log_helper.SetLogLevelFromString(envVariable[1])
		}
		log.Info().Msgf("override %s=%s", envVariable[0], envVariable[1])
		if _, seen := oldValues[envVariable[0]]; !seen {
			oldValue, wasPresent := os.LookupEnv(envVariable[0])
			oldValues[envVariable[0]] = oldEnvValues{
				OldValue:   oldValue,
				WasPresent: wasPresent,
			}
		}
		if err := os.Setenv(envVariable[0], envVariable[1]); err != nil {
			log.Warn().Msgf("can't override %s=%s, error: %v", envVariable[0], envVariable[1], err)
		}
	}
	return oldValues
}

func RestoreEnvVars(envVars map[string]oldEnvValues) {
	for name, oldEnv := range envVars {
		if oldEnv.WasPresent {
			if err := os.Setenv(name, oldEnv.OldValue); err != nil {
				log.Warn().Msgf("RestoreEnvVars can't restore %s=%s, error: %v", name, oldEnv.OldValue, err)
			}
		} else {
			if err := os.Unsetenv(name); err != nil {
				log.Warn().Msgf("RestoreEnvVars can't delete %s, error: %v", name, err)
			}
		}
	}
}
