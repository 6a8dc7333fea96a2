package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses a duration for TOML and other text decoders.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for signreqd.
type Config struct {
	ListenAddress string         `yaml:"listen" toml:"listen"`
	Env           string         `yaml:"env" toml:"env"`
	DatabaseURL   string         `yaml:"database_url" toml:"database_url"`
	DatabasePath  string         `yaml:"database_path" toml:"database_path"`
	Mirror        MirrorConfig   `yaml:"mirror" toml:"mirror"`
	Refresh       RefreshConfig  `yaml:"refresh" toml:"refresh"`
	Cleanup       CleanupConfig  `yaml:"cleanup" toml:"cleanup"`
	Breaker       BreakerConfig  `yaml:"breaker" toml:"breaker"`
	Resolver      ResolverConfig `yaml:"resolver" toml:"resolver"`
	Admin         AdminConfig    `yaml:"admin" toml:"admin"`
	Log           LogConfig      `yaml:"log" toml:"log"`
}

// MirrorConfig points each network at its mirror node REST API.
type MirrorConfig struct {
	Endpoints     map[string]string `yaml:"endpoints" toml:"endpoints"`
	Timeout       Duration          `yaml:"timeout" toml:"timeout"`
	RatePerSecond float64           `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int               `yaml:"burst" toml:"burst"`
}

// RefreshConfig tunes the refresh scheduler.
type RefreshConfig struct {
	Interval       Duration `yaml:"interval" toml:"interval"`
	StaleThreshold Duration `yaml:"stale_threshold" toml:"stale_threshold"`
	ClaimTimeout   Duration `yaml:"claim_timeout" toml:"claim_timeout"`
	BatchSize      int      `yaml:"batch_size" toml:"batch_size"`
}

// CleanupConfig tunes the cleanup scheduler.
type CleanupConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
}

// BreakerConfig tunes the per-network circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	CoolDown         Duration `yaml:"cool_down" toml:"cool_down"`
}

// ResolverConfig tunes requirement resolution.
type ResolverConfig struct {
	StaleLimit  Duration `yaml:"stale_limit" toml:"stale_limit"`
	MissRefresh bool     `yaml:"miss_refresh" toml:"miss_refresh"`
}

// AdminConfig controls access to the admin API.
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer" toml:"jwt_issuer"`
	// AllowedOrigins lists host patterns permitted to open the events
	// websocket from a browser. Empty means same origin only.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LogConfig controls the log sink.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// Networks returns the configured network names in sorted order.
func (c Config) Networks() []string {
	out := make([]string, 0, len(c.Mirror.Endpoints))
	for network := range c.Mirror.Endpoints {
		out = append(out, network)
	}
	sort.Strings(out)
	return out
}

// Load reads a YAML or TOML file selected by extension. Defaults are applied
// but the result is not validated.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// FromEnv loads the optional file named by SIGNREQD_CONFIG, then applies
// SIGNREQD_* environment overrides and validates the result.
func FromEnv() (*Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("SIGNREQD_CONFIG")); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.ListenAddress = getEnvDefault("SIGNREQD_LISTEN", cfg.ListenAddress)
	cfg.Env = getEnvDefault("SIGNREQD_ENV", cfg.Env)
	cfg.DatabaseURL = getEnvDefault("SIGNREQD_DB_URL", cfg.DatabaseURL)
	cfg.DatabasePath = getEnvDefault("SIGNREQD_DB_PATH", cfg.DatabasePath)
	cfg.Admin.JWTSecret = getEnvDefault("SIGNREQD_ADMIN_JWT_SECRET", cfg.Admin.JWTSecret)
	cfg.Admin.JWTIssuer = getEnvDefault("SIGNREQD_ADMIN_JWT_ISSUER", cfg.Admin.JWTIssuer)
	cfg.Log.Level = getEnvDefault("SIGNREQD_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnvDefault("SIGNREQD_LOG_FILE", cfg.Log.File)

	if raw := strings.TrimSpace(os.Getenv("SIGNREQD_ADMIN_ALLOWED_ORIGINS")); raw != "" {
		cfg.Admin.AllowedOrigins = nil
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Admin.AllowedOrigins = append(cfg.Admin.AllowedOrigins, origin)
			}
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNREQD_MIRROR_URLS")); raw != "" {
		endpoints, err := parseEndpoints(raw)
		if err != nil {
			return fmt.Errorf("invalid SIGNREQD_MIRROR_URLS: %w", err)
		}
		cfg.Mirror.Endpoints = endpoints
	}

	durations := []struct {
		key    string
		unit   time.Duration
		target *Duration
	}{
		{"SIGNREQD_MIRROR_TIMEOUT_SECONDS", time.Second, &cfg.Mirror.Timeout},
		{"SIGNREQD_STALE_THRESHOLD_SECONDS", time.Second, &cfg.Refresh.StaleThreshold},
		{"SIGNREQD_CLAIM_TIMEOUT_MS", time.Millisecond, &cfg.Refresh.ClaimTimeout},
		{"SIGNREQD_REFRESH_INTERVAL_SECONDS", time.Second, &cfg.Refresh.Interval},
		{"SIGNREQD_CLEANUP_INTERVAL_SECONDS", time.Second, &cfg.Cleanup.Interval},
		{"SIGNREQD_BREAKER_COOLDOWN_SECONDS", time.Second, &cfg.Breaker.CoolDown},
		{"SIGNREQD_RESOLVER_STALE_LIMIT_SECONDS", time.Second, &cfg.Resolver.StaleLimit},
	}
	for _, d := range durations {
		value, ok, err := parsePositiveIntEnv(d.key)
		if err != nil {
			return err
		}
		if ok {
			d.target.Duration = time.Duration(value) * d.unit
		}
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"SIGNREQD_REFRESH_BATCH_SIZE", &cfg.Refresh.BatchSize},
		{"SIGNREQD_BREAKER_THRESHOLD", &cfg.Breaker.FailureThreshold},
		{"SIGNREQD_MIRROR_BURST", &cfg.Mirror.Burst},
	}
	for _, i := range ints {
		value, ok, err := parsePositiveIntEnv(i.key)
		if err != nil {
			return err
		}
		if ok {
			*i.target = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNREQD_MIRROR_RATE_PER_SECOND")); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate < 0 {
			return fmt.Errorf("invalid SIGNREQD_MIRROR_RATE_PER_SECOND %q", raw)
		}
		cfg.Mirror.RatePerSecond = rate
	}
	if raw := strings.TrimSpace(os.Getenv("SIGNREQD_MISS_REFRESH")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid SIGNREQD_MISS_REFRESH %q", raw)
		}
		cfg.Resolver.MissRefresh = enabled
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabaseURL == "" && cfg.DatabasePath == "" {
		cfg.DatabasePath = "signreqd.sqlite"
	}
	if cfg.Mirror.Timeout.Duration == 0 {
		cfg.Mirror.Timeout.Duration = 10 * time.Second
	}
	if cfg.Mirror.RatePerSecond == 0 {
		cfg.Mirror.RatePerSecond = 20
	}
	if cfg.Refresh.Interval.Duration == 0 {
		cfg.Refresh.Interval.Duration = 30 * time.Second
	}
	if cfg.Refresh.StaleThreshold.Duration == 0 {
		cfg.Refresh.StaleThreshold.Duration = 10 * time.Second
	}
	if cfg.Refresh.ClaimTimeout.Duration == 0 {
		cfg.Refresh.ClaimTimeout.Duration = time.Minute
	}
	if cfg.Refresh.BatchSize <= 0 {
		cfg.Refresh.BatchSize = 100
	}
	if cfg.Cleanup.Interval.Duration == 0 {
		cfg.Cleanup.Interval.Duration = 5 * time.Minute
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.CoolDown.Duration == 0 {
		cfg.Breaker.CoolDown.Duration = time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
}

func validate(cfg Config) error {
	if len(cfg.Mirror.Endpoints) == 0 {
		return fmt.Errorf("SIGNREQD_MIRROR_URLS is required")
	}
	for network, endpoint := range cfg.Mirror.Endpoints {
		if err := checkEndpoint(endpoint); err != nil {
			return fmt.Errorf("mirror endpoint for %s: %w", network, err)
		}
	}
	if cfg.Refresh.ClaimTimeout.Duration <= cfg.Refresh.StaleThreshold.Duration {
		return fmt.Errorf("claim timeout %s must exceed stale threshold %s",
			cfg.Refresh.ClaimTimeout.Duration, cfg.Refresh.StaleThreshold.Duration)
	}
	if cfg.Admin.JWTSecret != "" && len(cfg.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin jwt secret must be at least 32 bytes")
	}
	return nil
}

func parseEndpoints(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		network, endpoint, ok := strings.Cut(entry, "=")
		network = strings.ToLower(strings.TrimSpace(network))
		endpoint = strings.TrimSpace(endpoint)
		if !ok || network == "" || endpoint == "" {
			return nil, fmt.Errorf("entry %q must be network=url", entry)
		}
		if _, dup := out[network]; dup {
			return nil, fmt.Errorf("network %q listed twice", network)
		}
		out[network] = endpoint
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no endpoints")
	}
	return out, nil
}

func checkEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host required")
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parsePositiveIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, false, fmt.Errorf("invalid %s %q", key, raw)
	}
	return value, true, nil
}
