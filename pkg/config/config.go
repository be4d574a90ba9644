// Package config provides configuration structures and loading logic for the
// token mutator.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-token/pkg/domain"
	"github.com/polisai/polis-token/pkg/patterns"
)

// Default listener addresses.
const (
	DefaultAdminAddress = ":19091"
	DefaultProxyAddress = ":8081"
	DefaultAPIAddress   = ":8082"
)

// Config holds the global configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Token     domain.Settings `yaml:"token"`
	Scope     ScopeConfig     `yaml:"scope"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Settings  SettingsConfig  `yaml:"settings"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listener addresses. An empty API address disables
// the intercept API.
type ServerConfig struct {
	AdminAddress string `yaml:"admin_address"`
	ProxyAddress string `yaml:"proxy_address"`
	APIAddress   string `yaml:"api_address"`
}

// ScopeConfig selects the tools whose requests are mutated.
type ScopeConfig struct {
	Tools []string `yaml:"tools"`
}

// FetchConfig controls the form fetch.
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"user_agent"`
	CookieJar      bool          `yaml:"cookie_jar"`
	ForwardCookies bool          `yaml:"forward_cookies"`
	Retries        int           `yaml:"retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// ProxyConfig controls the intercepting forward proxy.
type ProxyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Tool       string `yaml:"tool"`
	MITM       bool   `yaml:"mitm"`
	CACertFile string `yaml:"ca_cert_file"`
	CAKeyFile  string `yaml:"ca_key_file"`
}

// SettingsConfig locates persisted token settings. An empty file keeps them in memory.
type SettingsConfig struct {
	File string `yaml:"file"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress: DefaultAdminAddress,
			ProxyAddress: DefaultProxyAddress,
			APIAddress:   DefaultAPIAddress,
		},
		Scope: ScopeConfig{Tools: []string{string(domain.ToolScanner)}},
		Fetch: FetchConfig{CookieJar: true},
		Proxy: ProxyConfig{Enabled: true, Tool: string(domain.ToolScanner)},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// envRef matches the braced ${VAR} form only. Bare $name, $1 and $$ are
// left alone because token patterns use them.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Parse expands ${VAR} references in data and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	expanded := envRef.ReplaceAllStringFunc(string(data), func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
	return yaml.Unmarshal([]byte(expanded), cfg)
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_TOKEN_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("POLIS_TOKEN_PROXY_ADDR"); val != "" {
		cfg.Server.ProxyAddress = val
	}
	if val, ok := os.LookupEnv("POLIS_TOKEN_API_ADDR"); ok {
		cfg.Server.APIAddress = val
	}

	if val := os.Getenv("POLIS_TOKEN_INSERTION_PATTERN"); val != "" {
		cfg.Token.InsertionPattern = val
	}
	if val := os.Getenv("POLIS_TOKEN_EXTRACTION_PATTERN"); val != "" {
		cfg.Token.ExtractionPattern = val
	}
	if val := os.Getenv("POLIS_TOKEN_FORM_URL"); val != "" {
		cfg.Token.FormURL = val
	}

	if val := os.Getenv("POLIS_TOKEN_TOOLS"); val != "" {
		var tools []string
		for _, tool := range strings.Split(val, ",") {
			if tool = strings.TrimSpace(tool); tool != "" {
				tools = append(tools, tool)
			}
		}
		cfg.Scope.Tools = tools
	}

	if val := os.Getenv("POLIS_TOKEN_FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Fetch.Timeout = d
		}
	}
	if val := os.Getenv("POLIS_TOKEN_USER_AGENT"); val != "" {
		cfg.Fetch.UserAgent = val
	}
	if val := os.Getenv("POLIS_TOKEN_FORWARD_COOKIES"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Fetch.ForwardCookies = b
		}
	}

	if val := os.Getenv("POLIS_TOKEN_FETCH_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Fetch.Retries = n
		}
	}

	if val := os.Getenv("POLIS_TOKEN_PROXY_MITM"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Proxy.MITM = b
		}
	}

	if val := os.Getenv("POLIS_TOKEN_SETTINGS_FILE"); val != "" {
		cfg.Settings.File = val
	}

	if val := os.Getenv("POLIS_TOKEN_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_TOKEN_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("POLIS_TOKEN_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_TOKEN_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := patterns.Validate(c.Token); err != nil {
		return fmt.Errorf("token configuration: %w", err)
	}

	if err := c.Scope.Validate(); err != nil {
		return fmt.Errorf("scope configuration: %w", err)
	}

	if err := c.Fetch.Validate(); err != nil {
		return fmt.Errorf("fetch configuration: %w", err)
	}

	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = DefaultAdminAddress
	}
	if strings.TrimSpace(c.ProxyAddress) == "" {
		c.ProxyAddress = DefaultProxyAddress
	}

	seen := map[string]string{}
	for name, addr := range map[string]string{
		"admin_address": c.AdminAddress,
		"proxy_address": c.ProxyAddress,
		"api_address":   c.APIAddress,
	} {
		if addr == "" || ephemeral(addr) {
			continue
		}
		if other, ok := seen[addr]; ok {
			return fmt.Errorf("%w: %s and %s both listen on %q", domain.ErrConfigInvalid, name, other, addr)
		}
		seen[addr] = name
	}
	return nil
}

// ephemeral reports whether addr asks the kernel for a free port.
func ephemeral(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port == "0"
}

// ParsedTools returns the configured tools. Validate must have succeeded.
func (c *ScopeConfig) ParsedTools() []domain.Tool {
	tools := make([]domain.Tool, 0, len(c.Tools))
	for _, raw := range c.Tools {
		if tool, err := domain.ParseTool(raw); err == nil {
			tools = append(tools, tool)
		}
	}
	return tools
}

// Validate performs validation of scope configuration.
func (c *ScopeConfig) Validate() error {
	if len(c.Tools) == 0 {
		c.Tools = []string{string(domain.ToolScanner)}
	}
	for _, raw := range c.Tools {
		if _, err := domain.ParseTool(raw); err != nil {
			return err
		}
	}
	return nil
}

// Validate performs validation of fetch configuration.
func (c *FetchConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", domain.ErrConfigInvalid, c.Timeout)
	}
	if c.Retries < 0 || c.RetryBackoff < 0 {
		return fmt.Errorf("%w: retries and retry_backoff must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate performs validation of proxy configuration.
func (c *ProxyConfig) Validate() error {
	if strings.TrimSpace(c.Tool) == "" {
		c.Tool = string(domain.ToolScanner)
	}
	if _, err := domain.ParseTool(c.Tool); err != nil {
		return err
	}
	if (c.CACertFile == "") != (c.CAKeyFile == "") {
		return fmt.Errorf("%w: ca_cert_file and ca_key_file must be set together", domain.ErrConfigInvalid)
	}
	return nil
}

// ParsedTool returns the tool attributed to proxied requests.
func (c *ProxyConfig) ParsedTool() domain.Tool {
	tool, err := domain.ParseTool(c.Tool)
	if err != nil {
		return domain.ToolScanner
	}
	return tool
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	if strings.TrimSpace(c.Format) == "" {
		c.Format = "json"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}
