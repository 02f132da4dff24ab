package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds all mailbroker configuration.
type Config struct {
	Gmail      GmailConfig      `toml:"gmail"`
	Callback   CallbackConfig   `toml:"callback"`
	Sync       SyncConfig       `toml:"sync"`
	Automation AutomationConfig `toml:"automation"`
	API        APIConfig        `toml:"api"`
	Log        LogConfig        `toml:"log"`
}

// GmailConfig holds the OAuth client. ClientID and ClientSecret take precedence
// over CredentialsFile.
type GmailConfig struct {
	ClientID        string `toml:"client_id" env:"GMAIL_CLIENT_ID"`
	ClientSecret    string `toml:"client_secret" env:"GMAIL_CLIENT_SECRET"`
	CredentialsFile string `toml:"credentials_file" env:"MAILBROKER_CREDENTIALS_FILE"`
}

// CallbackConfig is the fixed redirect target registered with the provider.
type CallbackConfig struct {
	Host          string `toml:"host" env:"MAILBROKER_CALLBACK_HOST"`
	Port          int    `toml:"port" env:"MAILBROKER_CALLBACK_PORT"`
	TeardownGrace string `toml:"teardown_grace" env:"MAILBROKER_CALLBACK_TEARDOWN_GRACE"`
}

type SyncConfig struct {
	PageSize     int    `toml:"page_size" env:"MAILBROKER_SYNC_PAGE_SIZE"`
	AccountDelay string `toml:"account_delay" env:"MAILBROKER_SYNC_ACCOUNT_DELAY"`
	Concurrency  int    `toml:"concurrency" env:"MAILBROKER_SYNC_CONCURRENCY"`
}

// AutomationConfig tunes the scripted-browser login.
type AutomationConfig struct {
	ChromePath          string `toml:"chrome_path" env:"MAILBROKER_CHROME_PATH"`
	Headless            bool   `toml:"headless" env:"MAILBROKER_HEADLESS"`
	AccountDelay        string `toml:"account_delay" env:"MAILBROKER_AUTOMATION_ACCOUNT_DELAY"`
	VerificationTimeout string `toml:"verification_timeout" env:"MAILBROKER_VERIFICATION_TIMEOUT"`
	ScreenshotDir       string `toml:"screenshot_dir" env:"MAILBROKER_SCREENSHOT_DIR"`
}

type APIConfig struct {
	Addr string `toml:"addr" env:"MAILBROKER_API_ADDR"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"MAILBROKER_LOG_LEVEL"`
	Format string `toml:"format" env:"MAILBROKER_LOG_FORMAT"`
}

func defaults() Config {
	return Config{
		Gmail: GmailConfig{
			CredentialsFile: filepath.Join(ConfigDir(), "credentials.json"),
		},
		Callback: CallbackConfig{
			Host:          "localhost",
			Port:          3001,
			TeardownGrace: "3s",
		},
		Sync: SyncConfig{
			PageSize:     50,
			AccountDelay: "1s",
			Concurrency:  8,
		},
		Automation: AutomationConfig{
			AccountDelay:        "5s",
			VerificationTimeout: "2m",
		},
		API: APIConfig{
			Addr: "localhost:3100",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from path and applies environment overrides. A missing
// file, or an empty path, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Callback.Port <= 0 || c.Callback.Port > 65535 {
		return fmt.Errorf("invalid callback port %d", c.Callback.Port)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("invalid sync page_size %d", c.Sync.PageSize)
	}
	for name, v := range map[string]string{
		"callback.teardown_grace":         c.Callback.TeardownGrace,
		"sync.account_delay":              c.Sync.AccountDelay,
		"automation.account_delay":        c.Automation.AccountDelay,
		"automation.verification_timeout": c.Automation.VerificationTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	return nil
}

// RedirectURL is the callback address registered with the identity provider.
func (c CallbackConfig) RedirectURL() string {
	return fmt.Sprintf("http://%s:%d/callback", c.Host, c.Port)
}

// Addr is the listen address of the callback bridge.
func (c CallbackConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c CallbackConfig) Grace() time.Duration { return mustDuration(c.TeardownGrace) }

func (c SyncConfig) Delay() time.Duration { return mustDuration(c.AccountDelay) }

func (c AutomationConfig) Delay() time.Duration { return mustDuration(c.AccountDelay) }

func (c AutomationConfig) Verification() time.Duration { return mustDuration(c.VerificationTimeout) }

// SnapshotDir is where failure screenshots are written.
func (c AutomationConfig) SnapshotDir() string {
	if c.ScreenshotDir != "" {
		return c.ScreenshotDir
	}
	return os.TempDir()
}

// mustDuration parses a duration already checked by validate.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ConfigDir returns the mailbroker config directory path.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailbroker")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mailbroker")
}

// DataDir returns the mailbroker data directory path.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mailbroker")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "mailbroker")
}
