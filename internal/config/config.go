package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Publish   PublishConfig   `toml:"publish"`
	Logging   LoggingConfig   `toml:"logging"`
	Schedules []ScheduleEntry `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	CacheDir       string `toml:"cache_dir"`
	DatabasePath   string `toml:"database_path"`
	WorkDir        string `toml:"work_dir"`
	Workers        int    `toml:"workers"`
	CodemodTimeout string `toml:"codemod_timeout"`
}

// PublishConfig holds publishing defaults
type PublishConfig struct {
	Committer string `toml:"committer"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	File  string `toml:"file"`
	Level string `toml:"level"`
}

// ScheduleEntry is a recurring batch maintenance action
type ScheduleEntry struct {
	Batch  string `toml:"batch"`
	Cron   string `toml:"cron"`
	Action string `toml:"action"`
	Recipe string `toml:"recipe"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			CacheDir:       filepath.Join(home, ".cache", "forgesweep"),
			DatabasePath:   filepath.Join(home, ".forgesweep", "forgesweep.db"),
			WorkDir:        filepath.Join(home, ".forgesweep", "work"),
			Workers:        3,
			CodemodTimeout: "30m",
		},
		Publish: PublishConfig{
			Committer: "",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.CacheDir = ExpandPath(cfg.General.CacheDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "forgesweep", "config.toml")
}
