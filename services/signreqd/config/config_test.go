package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "SIGNREQD_") {
			t.Setenv(key, "")
		}
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIGNREQD_MIRROR_URLS", "testnet=https://testnet.mirrornode.hedera.com, MainNet=https://mainnet.mirrornode.hedera.com")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.ListenAddress != ":7090" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.DatabasePath != "signreqd.sqlite" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if got := cfg.Networks(); len(got) != 2 || got[0] != "mainnet" || got[1] != "testnet" {
		t.Fatalf("unexpected networks %v", got)
	}
	if cfg.Refresh.Interval.Duration != 30*time.Second || cfg.Refresh.StaleThreshold.Duration != 10*time.Second {
		t.Fatalf("unexpected refresh defaults %+v", cfg.Refresh)
	}
	if cfg.Refresh.ClaimTimeout.Duration != time.Minute || cfg.Refresh.BatchSize != 100 {
		t.Fatalf("unexpected claim defaults %+v", cfg.Refresh)
	}
	if cfg.Cleanup.Interval.Duration != 5*time.Minute {
		t.Fatalf("unexpected cleanup interval %s", cfg.Cleanup.Interval.Duration)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.CoolDown.Duration != time.Minute {
		t.Fatalf("unexpected breaker defaults %+v", cfg.Breaker)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIGNREQD_MIRROR_URLS", "testnet=http://localhost:5551")
	t.Setenv("SIGNREQD_STALE_THRESHOLD_SECONDS", "20")
	t.Setenv("SIGNREQD_CLAIM_TIMEOUT_MS", "90000")
	t.Setenv("SIGNREQD_REFRESH_BATCH_SIZE", "25")
	t.Setenv("SIGNREQD_BREAKER_THRESHOLD", "3")
	t.Setenv("SIGNREQD_MIRROR_RATE_PER_SECOND", "2.5")
	t.Setenv("SIGNREQD_MISS_REFRESH", "true")
	t.Setenv("SIGNREQD_DB_URL", "postgres://signreqd@localhost/signreqd")
	t.Setenv("SIGNREQD_ADMIN_ALLOWED_ORIGINS", "console.example.org, *.ops.example.org,")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Refresh.StaleThreshold.Duration != 20*time.Second {
		t.Fatalf("unexpected stale threshold %s", cfg.Refresh.StaleThreshold.Duration)
	}
	if cfg.Refresh.ClaimTimeout.Duration != 90*time.Second {
		t.Fatalf("unexpected claim timeout %s", cfg.Refresh.ClaimTimeout.Duration)
	}
	if cfg.Refresh.BatchSize != 25 || cfg.Breaker.FailureThreshold != 3 {
		t.Fatalf("unexpected overrides %+v %+v", cfg.Refresh, cfg.Breaker)
	}
	if cfg.Mirror.RatePerSecond != 2.5 || !cfg.Resolver.MissRefresh {
		t.Fatalf("unexpected mirror/resolver settings %+v %+v", cfg.Mirror, cfg.Resolver)
	}
	if cfg.DatabasePath != "" {
		t.Fatalf("database path should stay empty when a URL is set, got %q", cfg.DatabasePath)
	}
	if got := cfg.Admin.AllowedOrigins; len(got) != 2 || got[0] != "console.example.org" || got[1] != "*.ops.example.org" {
		t.Fatalf("unexpected allowed origins %v", got)
	}
}

func TestFromEnvValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing mirrors", map[string]string{}, "SIGNREQD_MIRROR_URLS is required"},
		{"malformed mirrors", map[string]string{"SIGNREQD_MIRROR_URLS": "testnet"}, "network=url"},
		{"bad scheme", map[string]string{"SIGNREQD_MIRROR_URLS": "testnet=ftp://mirror"}, "unsupported scheme"},
		{"bad batch", map[string]string{"SIGNREQD_MIRROR_URLS": "testnet=http://m", "SIGNREQD_REFRESH_BATCH_SIZE": "-1"}, "SIGNREQD_REFRESH_BATCH_SIZE"},
		{"claim below stale", map[string]string{"SIGNREQD_MIRROR_URLS": "testnet=http://m", "SIGNREQD_CLAIM_TIMEOUT_MS": "5000"}, "must exceed stale threshold"},
		{"short secret", map[string]string{"SIGNREQD_MIRROR_URLS": "testnet=http://m", "SIGNREQD_ADMIN_JWT_SECRET": "short"}, "at least 32 bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("unexpected error: got %q, want substring %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "signreqd.yaml")
	body := `listen: ":9000"
mirror:
  endpoints:
    testnet: https://testnet.mirrornode.hedera.com
  timeout: 3s
refresh:
  interval: 45s
  stale_threshold: 15s
breaker:
  cool_down: 2m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SIGNREQD_CONFIG", path)
	t.Setenv("SIGNREQD_REFRESH_INTERVAL_SECONDS", "60")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Mirror.Timeout.Duration != 3*time.Second {
		t.Fatalf("unexpected mirror timeout %s", cfg.Mirror.Timeout.Duration)
	}
	if cfg.Refresh.Interval.Duration != time.Minute {
		t.Fatalf("environment should win, got %s", cfg.Refresh.Interval.Duration)
	}
	if cfg.Refresh.StaleThreshold.Duration != 15*time.Second || cfg.Breaker.CoolDown.Duration != 2*time.Minute {
		t.Fatalf("unexpected file values %+v %+v", cfg.Refresh, cfg.Breaker)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signreqd.toml")
	body := `listen = ":9100"
database_path = "/var/data/signreqd.sqlite"

[mirror]
timeout = "4s"
rate_per_second = 5.0

[mirror.endpoints]
previewnet = "https://previewnet.mirrornode.hedera.com"

[cleanup]
interval = "10m"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9100" || cfg.DatabasePath != "/var/data/signreqd.sqlite" {
		t.Fatalf("unexpected top-level values %+v", cfg)
	}
	if cfg.Mirror.Endpoints["previewnet"] == "" || cfg.Mirror.Timeout.Duration != 4*time.Second {
		t.Fatalf("unexpected mirror config %+v", cfg.Mirror)
	}
	if cfg.Cleanup.Interval.Duration != 10*time.Minute {
		t.Fatalf("unexpected cleanup interval %s", cfg.Cleanup.Interval.Duration)
	}
	if cfg.Refresh.BatchSize != 100 {
		t.Fatalf("defaults should apply, got batch size %d", cfg.Refresh.BatchSize)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	if _, err := Load("signreqd.json"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
