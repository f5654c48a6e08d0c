package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for tgsync.
type Config struct {
	General  GeneralConfig   `json:"general" yaml:"general"`
	Store    StoreConfig     `json:"store" yaml:"store"`
	Sync     SyncConfig      `json:"sync" yaml:"sync"`
	Media    MediaConfig     `json:"media" yaml:"media"`
	Telegram TelegramConfig  `json:"telegram" yaml:"telegram"`
	Accounts []AccountConfig `json:"accounts" yaml:"accounts"`
	Metrics  MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel               string `json:"logLevel" yaml:"logLevel" env:"TGSYNC_LOG_LEVEL"`
	LogFile                string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"TGSYNC_LOG_FILE"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

// StoreConfig points at the Message Store HTTP API.
type StoreConfig struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl" env:"TGSYNC_STORE_URL"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	MaxRetries     int    `json:"maxRetries" yaml:"maxRetries"`
}

type SyncConfig struct {
	TickIntervalSeconds   int `json:"tickIntervalSeconds" yaml:"tickIntervalSeconds" env:"TGSYNC_TICK_INTERVAL"`
	DialogLimit           int `json:"dialogLimit" yaml:"dialogLimit"`
	HistoryLimit          int `json:"historyLimit" yaml:"historyLimit"`
	SeenCacheSize         int `json:"seenCacheSize" yaml:"seenCacheSize"`
	BackoffEpsilonMs      int `json:"backoffEpsilonMs" yaml:"backoffEpsilonMs"`
	MergeToleranceSeconds int `json:"mergeToleranceSeconds" yaml:"mergeToleranceSeconds"`
	MaxAlbumSize          int `json:"maxAlbumSize" yaml:"maxAlbumSize"`
}

// MediaConfig controls where media files live. Store media references are
// relative to Root; Dir is resolved under Root when relative.
type MediaConfig struct {
	Root    string `json:"root" yaml:"root"`
	Dir     string `json:"dir" yaml:"dir" env:"TGSYNC_MEDIA_DIR"`
	TempDir string `json:"tempDir,omitempty" yaml:"tempDir,omitempty"`
}

type TelegramConfig struct {
	APIEndpoint string `json:"apiEndpoint" yaml:"apiEndpoint"`
	SessionDir  string `json:"sessionDir" yaml:"sessionDir"`
}

// AccountConfig binds one account identifier to a pre-authorized session credential.
type AccountConfig struct {
	ID      string `json:"id" yaml:"id"`
	Token   string `json:"token" yaml:"token"`
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (a AccountConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen" env:"TGSYNC_METRICS_LISTEN"`
	Path    string `json:"path" yaml:"path"`
}

// TickInterval returns the pause between two ticks of one account.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Sync.TickIntervalSeconds) * time.Second
}

// ShutdownTimeout returns how long in-flight work may continue after a stop signal.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.General.ShutdownTimeoutSeconds) * time.Second
}

// StoreTimeout bounds a single Store request.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutSeconds) * time.Second
}

// MediaDir returns the absolute-or-root-relative inbound download directory.
func (c *Config) MediaDir() string {
	if filepath.IsAbs(c.Media.Dir) {
		return c.Media.Dir
	}
	return filepath.Join(c.Media.Root, c.Media.Dir)
}

// EnabledAccounts returns the accounts that should get a worker.
func (c *Config) EnabledAccounts() []AccountConfig {
	var out []AccountConfig
	for _, a := range c.Accounts {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// Account looks up an account by id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// DefaultConfigDir returns the default config directory (~/.tgsync).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tgsync"
	}
	return filepath.Join(home, ".tgsync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot apply environment overrides: %w", err)
	}

	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Media.Root = expandPath(cfg.Media.Root)
	cfg.Media.Dir = expandPath(cfg.Media.Dir)
	cfg.Media.TempDir = expandPath(cfg.Media.TempDir)
	cfg.Telegram.SessionDir = expandPath(cfg.Telegram.SessionDir)
	cfg.Store.BaseURL = strings.TrimRight(cfg.Store.BaseURL, "/")

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Tokens live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "general.shutdownTimeoutSeconds must be >= 1")
	}

	if cfg.Store.BaseURL == "" {
		errs = append(errs, "store.baseUrl is required")
	} else if !strings.HasPrefix(cfg.Store.BaseURL, "http://") && !strings.HasPrefix(cfg.Store.BaseURL, "https://") {
		errs = append(errs, "store.baseUrl must be an http(s) URL")
	}
	if cfg.Store.TimeoutSeconds < 1 {
		errs = append(errs, "store.timeoutSeconds must be >= 1")
	}
	if cfg.Store.MaxRetries < 0 || cfg.Store.MaxRetries > 10 {
		errs = append(errs, "store.maxRetries must be between 0 and 10")
	}

	if cfg.Sync.TickIntervalSeconds < 1 {
		errs = append(errs, "sync.tickIntervalSeconds must be >= 1")
	}
	if cfg.Sync.DialogLimit < 1 {
		errs = append(errs, "sync.dialogLimit must be >= 1")
	}
	if cfg.Sync.HistoryLimit < 1 {
		errs = append(errs, "sync.historyLimit must be >= 1")
	}
	if cfg.Sync.SeenCacheSize < 1 {
		errs = append(errs, "sync.seenCacheSize must be >= 1")
	}
	if cfg.Sync.BackoffEpsilonMs < 0 {
		errs = append(errs, "sync.backoffEpsilonMs must be >= 0")
	}
	if cfg.Sync.MergeToleranceSeconds < 0 {
		errs = append(errs, "sync.mergeToleranceSeconds must be >= 0")
	}
	if cfg.Sync.MaxAlbumSize < 2 || cfg.Sync.MaxAlbumSize > 10 {
		errs = append(errs, "sync.maxAlbumSize must be between 2 and 10")
	}

	if cfg.Media.Dir == "" {
		errs = append(errs, "media.dir is required")
	}
	if cfg.Telegram.SessionDir == "" {
		errs = append(errs, "telegram.sessionDir is required")
	}

	seen := make(map[string]bool)
	enabled := 0
	for i, acc := range cfg.Accounts {
		if acc.ID == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d].id is required", i))
			continue
		}
		if seen[acc.ID] {
			errs = append(errs, fmt.Sprintf("accounts[%d]: duplicate account id %s", i, acc.ID))
		}
		seen[acc.ID] = true
		if acc.IsEnabled() {
			enabled++
			if acc.Token == "" {
				errs = append(errs, fmt.Sprintf("accounts.%s: token is required", acc.ID))
			}
		}
	}
	if enabled == 0 {
		errs = append(errs, "at least one enabled account is required")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, p[2:])
	}
	return p
}
