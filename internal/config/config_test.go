package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BrandonDucar/dream-net-sub003/internal/config"
	"github.com/BrandonDucar/dream-net-sub003/internal/governor"
	"github.com/BrandonDucar/dream-net-sub003/internal/hashing"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromStarbridgeHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "sb")
	writeConfig(t, home, "bind_addr: 0.0.0.0:9000\nhash_algo: blake3\n")
	t.Setenv("STARBRIDGE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %s, got %s", home, cfg.HomeDir)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("expected bind addr from file, got %q", cfg.BindAddr)
	}
	if cfg.Algo() != hashing.BLAKE3 {
		t.Fatalf("expected BLAKE3, got %s", cfg.Algo())
	}
	if cfg.DBPath != filepath.Join(home, "starbridge.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home to be created: %v", err)
	}
	if cfg.Rail.RollupCron != "5 0 * * *" || cfg.Rail.WatchdogCron != "*/15 * * * *" {
		t.Fatalf("unexpected rail defaults: %+v", cfg.Rail)
	}
	if len(cfg.Bus.UnsignedTopics) != 1 || cfg.Bus.UnsignedTopics[0] != "System" {
		t.Fatalf("unexpected unsigned topics: %v", cfg.Bus.UnsignedTopics)
	}
	if cfg.Bus.HeartbeatSeconds != 15 {
		t.Fatalf("expected 15s heartbeat, got %d", cfg.Bus.HeartbeatSeconds)
	}
	if cfg.Governor.Provider != governor.DefaultComputeProvider {
		t.Fatalf("unexpected provider %q", cfg.Governor.Provider)
	}
	if cfg.HMACSecret != "" {
		t.Fatal("expected signing disabled by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "hmac_secret: from-file\nwatchdog:\n  root: /srv/file\n")
	t.Setenv("STARBRIDGE_BIND_ADDR", "127.0.0.1:1")
	t.Setenv("STARBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("STARBRIDGE_DB_PATH", "/tmp/x.db")
	t.Setenv("HMAC_SECRET", "fallback")
	t.Setenv("STARBRIDGE_HMAC_SECRET", "primary")
	t.Setenv("HASH_ALGO", "sha3-512")
	t.Setenv("WATCHDOG_ROOT", "/srv/env")
	t.Setenv("ALERT_WEBHOOK_URL", "https://hooks.example.com/a")
	t.Setenv("STARBRIDGE_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("STARBRIDGE_REDIS_URL", "redis://127.0.0.1:6379/0")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	checks := map[string][2]string{
		"bind":    {cfg.BindAddr, "127.0.0.1:1"},
		"level":   {cfg.LogLevel, "debug"},
		"db":      {cfg.DBPath, "/tmp/x.db"},
		"secret":  {cfg.HMACSecret, "primary"},
		"root":    {cfg.Watchdog.Root, "/srv/env"},
		"webhook": {cfg.Watchdog.WebhookURL, "https://hooks.example.com/a"},
		"nats":    {cfg.Bus.NATSURL, "nats://127.0.0.1:4222"},
		"redis":   {cfg.Governor.RedisURL, "redis://127.0.0.1:6379/0"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Fatalf("%s: expected %q, got %q", name, c[1], c[0])
		}
	}
	if cfg.Algo() != hashing.SHA3512 {
		t.Fatalf("expected SHA3-512, got %s", cfg.Algo())
	}
}

func TestLoad_HMACSecretFallback(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STARBRIDGE_HMAC_SECRET", "")
	t.Setenv("HMAC_SECRET", "legacy")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HMACSecret != "legacy" {
		t.Fatalf("expected fallback secret, got %q", cfg.HMACSecret)
	}
}

func TestLoad_GovernorSections(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
governor:
  provider: cloudrun
  conduits:
    - id: deploy-api
      port_id: port-1
      cluster_id: cluster-a
      tool_id: deploy
      max_calls_per_minute: 60
  budgets:
    - provider: cloudrun
      limit: 250
    - provider: cloudrun-keepalive
      limit: 5
      period: daily
  costs:
    deploy_fixed: 0.25
    instance_hour: 0
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Governor.Conduits) != 1 {
		t.Fatalf("expected 1 conduit, got %d", len(cfg.Governor.Conduits))
	}
	c := cfg.Governor.Conduits[0]
	if c.ID != "deploy-api" || c.PortID != "port-1" || c.ClusterID != "cluster-a" || c.ToolID != "deploy" || c.MaxCallsPerMinute != 60 {
		t.Fatalf("unexpected conduit %+v", c)
	}
	if len(cfg.Governor.Budgets) != 2 || cfg.Governor.Budgets[1].Period != governor.PeriodDaily {
		t.Fatalf("unexpected budgets %+v", cfg.Governor.Budgets)
	}
	if cfg.Governor.Costs.DeployFixed != 0.25 {
		t.Fatalf("unexpected costs %+v", cfg.Governor.Costs)
	}
	if cfg.Governor.Costs.BuildFixed != governor.DefaultCostModel.BuildFixed {
		t.Fatalf("unset price should keep default, got %+v", cfg.Governor.Costs)
	}
	if cfg.Governor.Costs.InstanceHour != 0 {
		t.Fatalf("explicit zero price should be kept, got %+v", cfg.Governor.Costs)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "bind_addr: [\n", "parse config.yaml"},
		{"bad algo", "hash_algo: md5\n", "hash_algo"},
		{"duplicate budget", "governor:\n  budgets:\n    - provider: a\n      limit: 1\n    - provider: a\n      limit: 2\n", "duplicate provider"},
		{"negative budget", "governor:\n  budgets:\n    - provider: a\n      limit: -1\n", "must not be negative"},
		{"bad period", "governor:\n  budgets:\n    - provider: a\n      limit: 1\n      period: weekly\n", "unknown period"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tt.body)
			_, err := config.LoadFrom(home)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}

	b.HMACSecret = "changed"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("secrets must not affect the fingerprint")
	}

	b.Governor.Conduits = []governor.ConduitConfig{{ID: "x", PortID: "p", ClusterID: "c", ToolID: "t", MaxCallsPerMinute: 1}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("conduit changes must change the fingerprint")
	}
}
