package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Save strategies.
const (
	StrategyAuto   = "auto"
	StrategyManual = "manual"
)

// Config holds application configuration.
type Config struct {
	// MaxItems bounds how many session items may be open at once.
	MaxItems int `json:"max_items"`

	// AutoSaveDebounceMs is the quiet period after the last edit before an autosave fires.
	AutoSaveDebounceMs int `json:"autosave_debounce_ms"`

	// PermissionPollMs is how often visible capabilities are re-queried for liveness.
	PermissionPollMs int `json:"permission_poll_ms"`

	// SaveStrategy is "auto" or "manual". Manual disables the autosave scheduler.
	SaveStrategy string `json:"save_strategy,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (fewer "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// LogFile overrides the log location. Relative paths are resolved against the base directory.
	LogFile string `json:"log_file,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of type names to disable entirely.
	// Known types: "capability", "session", "item".
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxItems:           3,
		AutoSaveDebounceMs: 3000,
		PermissionPollMs:   5000,
		SaveStrategy:       StrategyAuto,
		LogLevel:           "info",
	}
}

// AutoSaveDebounce returns the debounce window as a duration.
func (c *Config) AutoSaveDebounce() time.Duration {
	return time.Duration(c.AutoSaveDebounceMs) * time.Millisecond
}

// PermissionPollInterval returns the liveness poll interval as a duration.
func (c *Config) PermissionPollInterval() time.Duration {
	return time.Duration(c.PermissionPollMs) * time.Millisecond
}

// AutoSaveEnabled reports whether the autosave scheduler should run.
func (c *Config) AutoSaveEnabled() bool {
	return c.SaveStrategy != StrategyManual
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.tabkeep.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both the global base directory and the nearest repo .tabkeep directory.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	// Walk upward from startDir to find repo config
	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .tabkeep/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".tabkeep", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root, not found
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File doesn't exist, return zero config
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile applies defaults under the file's values.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.MaxItems = firstNonZero(overlay.MaxItems, base.MaxItems)
	result.AutoSaveDebounceMs = firstNonZero(overlay.AutoSaveDebounceMs, base.AutoSaveDebounceMs)
	result.PermissionPollMs = firstNonZero(overlay.PermissionPollMs, base.PermissionPollMs)
	result.DBMaxOpenConns = firstNonZero(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = firstNonZero(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	result.SaveStrategy = firstNonEmpty(overlay.SaveStrategy, base.SaveStrategy)
	result.LogFile = firstNonEmpty(overlay.LogFile, base.LogFile)
	result.LogLevel = firstNonEmpty(overlay.LogLevel, base.LogLevel)

	// Arrays: merge and deduplicate
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	if c.MaxItems < 1 {
		return errors.New("max_items must be at least 1")
	}
	if c.AutoSaveDebounceMs < 0 {
		return errors.New("autosave_debounce_ms must not be negative")
	}
	if c.PermissionPollMs < 0 {
		return errors.New("permission_poll_ms must not be negative")
	}
	switch c.SaveStrategy {
	case "", StrategyAuto, StrategyManual:
	default:
		return errors.New("save_strategy must be one of: auto, manual")
	}
	return nil
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
