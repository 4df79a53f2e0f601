package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned by LoadFile when the overlay file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Config contains all runtime settings for the voice call service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	BaseAPIURL       string
	PublicKey        string
	Token            string
	ProvisionTimeout time.Duration

	ICEServers        []string
	JoinTimeout       time.Duration
	RecordDir         string
	RequireMicrophone bool
}

// Defaults returns the settings used when neither a file nor the
// environment provides a value.
func Defaults() Config {
	return Config{
		BindAddr:         ":8080",
		ShutdownTimeout:  15 * time.Second,
		MetricsNamespace: "voicecall",
		LogLevel:         "info",
		LogFormat:        "text",
		ProvisionTimeout: 20 * time.Second,
		JoinTimeout:      15 * time.Second,
	}
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	return fromEnv(Defaults())
}

// LoadFile overlays the YAML file at path on the defaults, then applies
// environment overrides. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Load()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	base, err := mergeFile(Defaults(), file)
	if err != nil {
		return Config{}, err
	}
	return fromEnv(base)
}

// fileConfig mirrors Config with durations as strings so files can say "15s".
type fileConfig struct {
	BindAddr          string   `yaml:"bind_addr"`
	ShutdownTimeout   string   `yaml:"shutdown_timeout"`
	MetricsNamespace  string   `yaml:"metrics_namespace"`
	AllowAnyOrigin    *bool    `yaml:"allow_any_origin"`
	LogLevel          string   `yaml:"log_level"`
	LogFormat         string   `yaml:"log_format"`
	BaseAPIURL        string   `yaml:"base_api_url"`
	PublicKey         string   `yaml:"public_key"`
	Token             string   `yaml:"token"`
	ProvisionTimeout  string   `yaml:"provision_timeout"`
	ICEServers        []string `yaml:"ice_servers"`
	JoinTimeout       string   `yaml:"join_timeout"`
	RecordDir         string   `yaml:"record_dir"`
	RequireMicrophone *bool    `yaml:"require_microphone"`
}

func mergeFile(base Config, file fileConfig) (Config, error) {
	setString(&base.BindAddr, file.BindAddr)
	setString(&base.MetricsNamespace, file.MetricsNamespace)
	setString(&base.LogLevel, file.LogLevel)
	setString(&base.LogFormat, file.LogFormat)
	setString(&base.BaseAPIURL, file.BaseAPIURL)
	setString(&base.PublicKey, file.PublicKey)
	setString(&base.Token, file.Token)
	setString(&base.RecordDir, file.RecordDir)
	if file.AllowAnyOrigin != nil {
		base.AllowAnyOrigin = *file.AllowAnyOrigin
	}
	if file.RequireMicrophone != nil {
		base.RequireMicrophone = *file.RequireMicrophone
	}
	if servers := cleanList(file.ICEServers); len(servers) > 0 {
		base.ICEServers = servers
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_timeout", file.ShutdownTimeout, &base.ShutdownTimeout},
		{"provision_timeout", file.ProvisionTimeout, &base.ProvisionTimeout},
		{"join_timeout", file.JoinTimeout, &base.JoinTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return base, nil
}

func fromEnv(cfg Config) (Config, error) {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.BaseAPIURL = envOrDefault("VOICECALL_BASE_API_URL", cfg.BaseAPIURL)
	cfg.PublicKey = envOrDefault("VOICECALL_PUBLIC_KEY", cfg.PublicKey)
	cfg.Token = envOrDefault("VOICECALL_TOKEN", cfg.Token)
	cfg.RecordDir = envOrDefault("RTC_RECORD_DIR", cfg.RecordDir)
	if servers := cleanList(strings.Split(stringsTrimSpace("RTC_ICE_SERVERS"), ",")); len(servers) > 0 {
		cfg.ICEServers = servers
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProvisionTimeout, err = durationFromEnv("VOICECALL_PROVISION_TIMEOUT", cfg.ProvisionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JoinTimeout, err = durationFromEnv("RTC_JOIN_TIMEOUT", cfg.JoinTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RequireMicrophone, err = boolFromEnv("RTC_REQUIRE_MICROPHONE", cfg.RequireMicrophone)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("APP_BIND_ADDR must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.ProvisionTimeout < time.Second {
		return fmt.Errorf("VOICECALL_PROVISION_TIMEOUT must be at least 1s")
	}
	if c.JoinTimeout < time.Second {
		return fmt.Errorf("RTC_JOIN_TIMEOUT must be at least 1s")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	for _, s := range c.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("RTC_ICE_SERVERS entry %q must be a stun: or turn: URL", s)
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func cleanList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
