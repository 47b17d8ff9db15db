// Package config handles SuvFin configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // containers ship without zoneinfo

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/suvfin/config.yaml, /etc/suvfin/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "suvfin", "config.yaml"))
	}

	paths = append(paths, "/etc/suvfin/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all SuvFin configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	Timezone  string          `yaml:"timezone"`
	DataDir   string          `yaml:"data_dir"`
	Redis     RedisConfig     `yaml:"redis"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	LLM       LLMConfig       `yaml:"llm"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Billing   BillingConfig   `yaml:"billing"`
	License   LicenseConfig   `yaml:"license"`
	Queue     QueueConfig     `yaml:"queue"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`

	// TrustedProxies lists the CIDRs (or bare IPs) of reverse proxies
	// whose X-Forwarded-For / X-Real-IP headers are believed. Requests
	// from any other peer are keyed on their socket address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustedPrefixes parses TrustedProxies. Bare addresses become
// single-host prefixes.
func (l ListenConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(l.TrustedProxies))
	for _, s := range l.TrustedProxies {
		s = strings.TrimSpace(s)
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("listen.trusted_proxies: %q is not an IP or CIDR", s)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// RedisConfig points at the shared key-value store used for rate
// limits, conversation history, response cache and token telemetry.
type RedisConfig struct {
	URL             string `yaml:"url"`
	DialTimeoutSec  int    `yaml:"dial_timeout_sec"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
}

// AnthropicConfig defines the model provider settings.
type AnthropicConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`       // full tier
	LightModel string `yaml:"light_model"` // light tier
	MaxTokens  int    `yaml:"max_tokens"`
	// TimeoutSec bounds a single model call, including response body.
	TimeoutSec int `yaml:"timeout_sec"`
}

// LLMConfig holds the cost-control knobs of the orchestration loop.
type LLMConfig struct {
	MaxConversationMessages int     `yaml:"max_conversation_messages"`
	ConversationTTLSec      int     `yaml:"conversation_ttl_sec"`
	CacheTTLSec             int     `yaml:"cache_ttl_sec"`
	MaxMessagesPerUserHour  int     `yaml:"max_messages_per_user_hour"`
	MaxMessagesPerUserDay   int     `yaml:"max_messages_per_user_day"`
	CostAlertDailyUSD       float64 `yaml:"cost_alert_daily_usd"`
	InputUSDPerMillion      float64 `yaml:"input_usd_per_million"`
	OutputUSDPerMillion     float64 `yaml:"output_usd_per_million"`
	MaxToolIterations       int     `yaml:"max_tool_iterations"`
	MaxImageToolIterations  int     `yaml:"max_image_tool_iterations"`
	MaxParallelTools        int     `yaml:"max_parallel_tools"`
}

// WhatsAppConfig defines the WhatsApp Cloud API settings.
type WhatsAppConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIVersion     string  `yaml:"api_version"`
	AccessToken    string  `yaml:"access_token"`
	PhoneNumberID  string  `yaml:"phone_number_id"`
	VerifyToken    string  `yaml:"verify_token"`
	AppSecret      string  `yaml:"app_secret"`
	SendRatePerSec float64 `yaml:"send_rate_per_sec"`
}

// BillingConfig defines the AbacatePay settings and plan prices in cents.
type BillingConfig struct {
	APIKey        string         `yaml:"api_key"`
	BaseURL       string         `yaml:"base_url"`
	WebhookSecret string         `yaml:"webhook_secret"`
	AppURL        string         `yaml:"app_url"`
	Prices        map[string]int `yaml:"prices"` // plan name -> monthly price in cents
}

// LicenseConfig controls the trial.
type LicenseConfig struct {
	TrialDays             int `yaml:"trial_days"`
	TrialTransactionLimit int `yaml:"trial_transaction_limit"`
	BasicTransactionLimit int `yaml:"basic_transaction_limit"`
}

// QueueConfig sizes the inbound message queue.
type QueueConfig struct {
	Workers          int `yaml:"workers"`
	Depth            int `yaml:"depth"`
	HandleTimeoutSec int `yaml:"handle_timeout_sec"`
}

// MQTTConfig defines the optional MQTT publisher. Publishing is
// enabled only when Broker is set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// AdminConfig guards the /admin endpoints. Empty Token leaves them open.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document the same way Load does.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Sao_Paulo"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.DialTimeoutSec == 0 {
		c.Redis.DialTimeoutSec = 5
	}
	if c.Redis.ReadTimeoutSec == 0 {
		c.Redis.ReadTimeoutSec = 3
	}
	if c.Redis.WriteTimeoutSec == 0 {
		c.Redis.WriteTimeoutSec = 3
	}

	if c.Anthropic.BaseURL == "" {
		c.Anthropic.BaseURL = "https://api.anthropic.com"
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.LightModel == "" {
		c.Anthropic.LightModel = "claude-3-5-haiku-20241022"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 2048
	}
	if c.Anthropic.TimeoutSec == 0 {
		c.Anthropic.TimeoutSec = 120
	}

	l := &c.LLM
	if l.MaxConversationMessages == 0 {
		l.MaxConversationMessages = 6
	}
	if l.ConversationTTLSec == 0 {
		l.ConversationTTLSec = 3600
	}
	if l.CacheTTLSec == 0 {
		l.CacheTTLSec = 300
	}
	if l.MaxMessagesPerUserHour == 0 {
		l.MaxMessagesPerUserHour = 30
	}
	if l.MaxMessagesPerUserDay == 0 {
		l.MaxMessagesPerUserDay = 200
	}
	if l.CostAlertDailyUSD == 0 {
		l.CostAlertDailyUSD = 5
	}
	if l.InputUSDPerMillion == 0 {
		l.InputUSDPerMillion = 3
	}
	if l.OutputUSDPerMillion == 0 {
		l.OutputUSDPerMillion = 15
	}
	if l.MaxToolIterations == 0 {
		l.MaxToolIterations = 5
	}
	if l.MaxImageToolIterations == 0 {
		l.MaxImageToolIterations = 3
	}
	if l.MaxParallelTools == 0 {
		l.MaxParallelTools = 4
	}

	if c.WhatsApp.BaseURL == "" {
		c.WhatsApp.BaseURL = "https://graph.facebook.com"
	}
	if c.WhatsApp.APIVersion == "" {
		c.WhatsApp.APIVersion = "v21.0"
	}
	if c.WhatsApp.SendRatePerSec == 0 {
		c.WhatsApp.SendRatePerSec = 20
	}

	if c.Billing.BaseURL == "" {
		c.Billing.BaseURL = "https://api.abacatepay.com/v1"
	}
	if c.Billing.AppURL == "" {
		c.Billing.AppURL = "http://localhost:8000"
	}
	if c.Billing.Prices == nil {
		c.Billing.Prices = map[string]int{}
	}
	for plan, cents := range map[string]int{"BASICO": 990, "PRO": 1990, "PREMIUM": 3490} {
		if c.Billing.Prices[plan] == 0 {
			c.Billing.Prices[plan] = cents
		}
	}

	if c.License.TrialDays == 0 {
		c.License.TrialDays = 7
	}
	if c.License.TrialTransactionLimit == 0 {
		c.License.TrialTransactionLimit = 50
	}
	if c.License.BasicTransactionLimit == 0 {
		c.License.BasicTransactionLimit = 100
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Depth == 0 {
		c.Queue.Depth = 256
	}
	if c.Queue.HandleTimeoutSec == 0 {
		c.Queue.HandleTimeoutSec = 300
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "suvfin"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate reports configuration values that cannot work. Missing
// credentials are not errors here; the serve command checks those.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := c.Listen.TrustedPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.LLM.MaxConversationMessages < 0 {
		errs = append(errs, errors.New("llm.max_conversation_messages must not be negative"))
	}
	if c.LLM.MaxToolIterations < 1 || c.LLM.MaxImageToolIterations < 1 {
		errs = append(errs, errors.New("llm tool iteration caps must be at least 1"))
	}
	if c.Queue.Workers < 1 || c.Queue.Depth < 1 {
		errs = append(errs, errors.New("queue.workers and queue.depth must be positive"))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// Seconds converts a config integer to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
