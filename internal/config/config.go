// Package config loads the gateway configuration file and applies
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Upstream endpoint defaults. All CodeWhisperer traffic is pinned to
// us-east-1.
const (
	DefaultCodeWhispererURL = "https://q.us-east-1.amazonaws.com/generateAssistantResponse"
	DefaultProfilesURL      = "https://q.us-east-1.amazonaws.com/ListAvailableProfiles"
	DefaultRefreshURL       = "https://oidc.us-east-1.amazonaws.com/token"
)

// Config is the gateway configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	API      APIConfig       `yaml:"api"`
	Storage  StorageConfig   `yaml:"storage"`
	Admin    AdminConfig     `yaml:"admin"`
	Accounts []StaticAccount `yaml:"accounts,omitempty"`

	// ModelMapping maps inbound Anthropic model names to CodeWhisperer
	// model IDs. Unmapped names pass through unchanged.
	ModelMapping map[string]string `yaml:"model_mapping,omitempty"`

	// RefreshSchedule is an optional cron expression for background token
	// refresh. Empty disables the refresher.
	RefreshSchedule string `yaml:"refresh_schedule,omitempty"`
}

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// APIConfig holds the upstream endpoint URLs.
type APIConfig struct {
	CodeWhispererURL string `yaml:"codewhisperer_url"`
	ProfilesURL      string `yaml:"profiles_url"`
	RefreshURL       string `yaml:"refresh_url"`
}

// StorageConfig selects the account store driver.
type StorageConfig struct {
	// Driver is "file" or "sqlite".
	Driver string `yaml:"driver"`
	// DataDir roots the file driver (accounts.json, tokens/).
	DataDir string `yaml:"data_dir"`
	// SQLitePath is the database file for the sqlite driver; defaults to
	// <data_dir>/kirogate.db.
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// AdminConfig holds the admin UI basic-auth credentials. The
// ADMIN_USERNAME and ADMIN_PASSWORD environment variables override the
// file values.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StaticAccount is a config-declared account used as a fallback when the
// store has no match for an API key. Tokens live in TokenFile rather than
// the store.
type StaticAccount struct {
	Name       string `yaml:"name"`
	APIKey     string `yaml:"api_key"`
	TokenFile  string `yaml:"token_file"`
	ProfileArn string `yaml:"profile_arn,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		API: APIConfig{
			CodeWhispererURL: DefaultCodeWhispererURL,
			ProfilesURL:      DefaultProfilesURL,
			RefreshURL:       DefaultRefreshURL,
		},
		Storage: StorageConfig{Driver: "file", DataDir: "data"},
		Admin:   AdminConfig{Username: "admin", Password: "admin123"},
		ModelMapping: map[string]string{
			"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
			"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
		},
	}
}

// Load reads the configuration at path, creating a default file when none
// exists. Environment variables referenced as ${NAME} in string values are
// expanded before validation.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnvOverrides()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("save default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandEnvVars()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) expandEnvVars() {
	c.Storage.DataDir = os.ExpandEnv(c.Storage.DataDir)
	c.Storage.SQLitePath = os.ExpandEnv(c.Storage.SQLitePath)
	c.Admin.Username = os.ExpandEnv(c.Admin.Username)
	c.Admin.Password = os.ExpandEnv(c.Admin.Password)
	for i := range c.Accounts {
		c.Accounts[i].APIKey = os.ExpandEnv(c.Accounts[i].APIKey)
		c.Accounts[i].TokenFile = os.ExpandEnv(c.Accounts[i].TokenFile)
		c.Accounts[i].ProfileArn = os.ExpandEnv(c.Accounts[i].ProfileArn)
	}
}

// applyEnvOverrides applies the environment variables that take precedence
// over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		c.Admin.Username = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
}

// Validate checks the configuration for problems that would prevent
// startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir is required")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for _, account := range c.Accounts {
		if account.Name == "" {
			return fmt.Errorf("static account with empty name")
		}
		if seen[account.Name] {
			return fmt.Errorf("duplicate static account %q", account.Name)
		}
		seen[account.Name] = true
		if account.APIKey == "" {
			return fmt.Errorf("static account %q has no api_key", account.Name)
		}
		if account.TokenFile == "" {
			return fmt.Errorf("static account %q has no token_file", account.Name)
		}
	}
	return nil
}

// ListenAddr joins host and port for http.Server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ResolveSQLitePath resolves the sqlite database file path.
func (c *Config) ResolveSQLitePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.Storage.DataDir, "kirogate.db")
}

// MapModel maps an inbound model name to the upstream model ID. Names
// without a mapping pass through unchanged.
func (c *Config) MapModel(model string) string {
	if mapped, ok := c.ModelMapping[model]; ok {
		return mapped
	}
	return model
}

// FindStaticAccount returns the static account holding apiKey, or nil.
func (c *Config) FindStaticAccount(apiKey string) *StaticAccount {
	for i := range c.Accounts {
		if c.Accounts[i].APIKey == apiKey {
			return &c.Accounts[i]
		}
	}
	return nil
}

// StaticAccountByName returns the static account with the given name, or
// nil.
func (c *Config) StaticAccountByName(name string) *StaticAccount {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i]
		}
	}
	return nil
}

// TrimmedModelMapping returns the mapping with blank keys and values
// removed; used when echoing the mapping over the admin API.
func (c *Config) TrimmedModelMapping() map[string]string {
	out := make(map[string]string, len(c.ModelMapping))
	for k, v := range c.ModelMapping {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
