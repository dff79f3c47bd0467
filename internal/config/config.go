// Package config provides configuration management for the Flow gateway.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including server port, token
// store location, upstream endpoints, challenge solving and proxy settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the address the management server binds to.
	Host string `yaml:"host" json:"host"`

	// Port is the network port on which the management server listens.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the directory where token records are stored when the
	// file-backed store is selected.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile routes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the total size of the logs directory.
	// <= 0 disables the cleanup.
	LogsMaxTotalSizeMB int64 `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	// Supports socks5, http and https schemes.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients of the
	// management API.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// Flow configures the upstream Google Flow endpoints.
	Flow FlowConfig `yaml:"flow" json:"flow"`

	// Captcha configures challenge-token acquisition.
	Captcha CaptchaConfig `yaml:"captcha" json:"captcha"`

	// ErrorBanThreshold is the consecutive-error count that auto-disables a
	// token when the store carries no admin override.
	ErrorBanThreshold int `yaml:"error-ban-threshold" json:"error-ban-threshold"`
}

// FlowConfig holds the upstream endpoint settings.
type FlowConfig struct {
	// LabsBaseURL is the labs API root used for session exchange and
	// project management.
	LabsBaseURL string `yaml:"labs-base-url" json:"labs-base-url"`

	// APIBaseURL is the generation API root.
	APIBaseURL string `yaml:"api-base-url" json:"api-base-url"`

	// ToolBaseURL is the Flow tool root; session refresh and resident
	// browser tabs navigate under it.
	ToolBaseURL string `yaml:"tool-base-url" json:"tool-base-url"`

	// TimeoutSeconds bounds each upstream HTTP request. <= 0 uses the
	// default of 120 seconds.
	TimeoutSeconds int `yaml:"timeout-seconds" json:"timeout-seconds"`
}

// CaptchaConfig selects and configures the challenge backend.
type CaptchaConfig struct {
	// Method picks the backend: "resident", "ephemeral", or one of the
	// third-party vendors ("yescaptcha", "capmonster", "ezcaptcha",
	// "capsolver").
	Method string `yaml:"method" json:"method"`

	// SiteKey is the reCAPTCHA enterprise site key of the Flow frontend.
	SiteKey string `yaml:"site-key" json:"site-key"`

	// Headless controls whether the managed Chrome runs headless.
	Headless bool `yaml:"headless" json:"headless"`

	// UserDataDir is the persistent Chrome profile directory.
	UserDataDir string `yaml:"user-data-dir" json:"user-data-dir"`

	// ClientKeys holds the per-vendor solver API keys.
	ClientKeys map[string]string `yaml:"client-keys" json:"client-keys"`

	// VendorBaseURLs overrides the per-vendor solver endpoints.
	VendorBaseURLs map[string]string `yaml:"vendor-base-urls" json:"vendor-base-urls"`
}

const (
	defaultLabsBaseURL = "https://labs.google/fx/api"
	defaultAPIBaseURL  = "https://aisandbox-pa.googleapis.com/v1"
	defaultToolBaseURL = "https://labs.google/fx/tools/flow"
	defaultSiteKey     = "6LdsFiUsAAAAAIjVDZcuLhaHiDn5nnHVXVRQGeMV"
)

// LoadConfig reads the YAML configuration file at path and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file
// when optional is true, returning a defaulted empty configuration instead.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			cfg = &Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = "tokens"
	}
	if strings.TrimSpace(c.Flow.LabsBaseURL) == "" {
		c.Flow.LabsBaseURL = defaultLabsBaseURL
	}
	if strings.TrimSpace(c.Flow.APIBaseURL) == "" {
		c.Flow.APIBaseURL = defaultAPIBaseURL
	}
	if strings.TrimSpace(c.Flow.ToolBaseURL) == "" {
		c.Flow.ToolBaseURL = defaultToolBaseURL
	}
	if c.Flow.TimeoutSeconds <= 0 {
		c.Flow.TimeoutSeconds = 120
	}
	if strings.TrimSpace(c.Captcha.Method) == "" {
		c.Captcha.Method = "resident"
	}
	if strings.TrimSpace(c.Captcha.SiteKey) == "" {
		c.Captcha.SiteKey = defaultSiteKey
	}
	if strings.TrimSpace(c.Captcha.UserDataDir) == "" {
		c.Captcha.UserDataDir = "browser_data"
	}
	if c.ErrorBanThreshold <= 0 {
		c.ErrorBanThreshold = 5
	}
}
