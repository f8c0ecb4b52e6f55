// Package config loads the fabric configuration from <home>/config.yaml with
// environment overrides, and watches the file for runtime reloads.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BrandonDucar/dream-net-sub003/internal/governor"
	"github.com/BrandonDucar/dream-net-sub003/internal/hashing"
	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
)

// BusConfig configures StarBridge.
type BusConfig struct {
	// NATSURL mirrors every persisted event to NATS when set.
	NATSURL        string   `yaml:"nats_url"`
	UnsignedTopics []string `yaml:"unsigned_topics"`
	StreamBuffer   int      `yaml:"stream_buffer"`
	// HeartbeatSeconds is the SSE keep-alive comment interval.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

// RailConfig holds the cron expressions of the built-in jobs. An empty
// expression disables the job.
type RailConfig struct {
	RollupCron    string   `yaml:"rollup_cron"`
	WatchdogCron  string   `yaml:"watchdog_cron"`
	RetentionCron string   `yaml:"retention_cron"`
	Paused        []string `yaml:"paused"`
}

// WatchdogConfig configures the integrity watchdog.
type WatchdogConfig struct {
	Root          string   `yaml:"root"`
	WebhookURL    string   `yaml:"webhook_url"`
	Exclude       []string `yaml:"exclude"`
	KeepSnapshots int      `yaml:"keep_snapshots"`
	Concurrency   int      `yaml:"concurrency"`
}

// GovernorConfig configures conduits and budgets. These sections are
// reloaded at runtime when config.yaml changes.
type GovernorConfig struct {
	// RedisURL switches conduit usage to a shared Redis store.
	RedisURL string                   `yaml:"redis_url"`
	Provider string                   `yaml:"provider"`
	Conduits []governor.ConduitConfig `yaml:"conduits"`
	Budgets  []governor.BudgetConfig  `yaml:"budgets"`
	Costs    governor.CostModel       `yaml:"costs"`
}

// RateLimitConfig configures the per-client ingress limiter.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// NotifyConfig forwards selected fabric events to Telegram chats. An empty
// token disables notifications.
type NotifyConfig struct {
	TelegramToken   string  `yaml:"telegram_token"`
	TelegramChatIDs []int64 `yaml:"telegram_chat_ids"`
	// TelegramEndpoint overrides the Bot API URL template.
	TelegramEndpoint string `yaml:"telegram_endpoint"`
	// Types lists the event types to forward. Empty uses the channel defaults.
	Types []string `yaml:"types"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DBPath    string `yaml:"db_path"`

	// HMACSecret signs external ingress. Empty disables verification.
	HMACSecret string `yaml:"hmac_secret"`
	HashAlgo   string `yaml:"hash_algo"`

	// AllowOrigins lists CORS origins for browser clients. Empty allows none.
	AllowOrigins []string `yaml:"allow_origins"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Retention policy (days). 0 keeps forever.
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`
	RetentionAlertDays    int `yaml:"retention_alert_days"`

	Bus       BusConfig       `yaml:"bus"`
	Rail      RailConfig      `yaml:"rail"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Governor  GovernorConfig  `yaml:"governor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Notify    NotifyConfig    `yaml:"notify"`
	OTel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Secrets are
// excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|algo=%s|origins=%v|nats=%t|redis=%t|root=%s|rail=%s,%s,%s|conduits=%v|budgets=%v|costs=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.HashAlgo, c.AllowOrigins, c.Bus.NATSURL != "", c.Governor.RedisURL != "",
		c.Watchdog.Root, c.Rail.RollupCron, c.Rail.WatchdogCron, c.Rail.RetentionCron,
		c.Governor.Conduits, c.Governor.Budgets, c.Governor.Costs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:8787",
		LogLevel:              "info",
		LogFormat:             "auto",
		HashAlgo:              string(hashing.Default),
		DrainTimeoutSeconds:   5,
		RetentionAuditLogDays: 365,
		RetentionAlertDays:    90,
		Bus: BusConfig{
			UnsignedTopics:   []string{"System"},
			StreamBuffer:     100,
			HeartbeatSeconds: 15,
		},
		Rail: RailConfig{
			RollupCron:    "5 0 * * *",
			WatchdogCron:  "*/15 * * * *",
			RetentionCron: "30 3 * * *",
		},
		Watchdog: WatchdogConfig{
			Root:          ".",
			KeepSnapshots: 10,
		},
		Governor: GovernorConfig{
			Provider: governor.DefaultComputeProvider,
			// Fields absent from config.yaml keep these prices.
			Costs: governor.DefaultCostModel,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		OTel: otel.Config{
			Exporter:    "none",
			ServiceName: "starbridge",
			SampleRate:  1,
		},
	}
}

// HomeDir returns STARBRIDGE_HOME or ~/.starbridge.
func HomeDir() string {
	if override := os.Getenv("STARBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".starbridge")
}

// Load reads the config for HomeDir(), creating the directory if needed.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml. A missing file yields defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create starbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8787"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "starbridge.db")
	}
	if cfg.HashAlgo == "" {
		cfg.HashAlgo = string(hashing.Default)
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Bus.StreamBuffer <= 0 {
		cfg.Bus.StreamBuffer = 100
	}
	if cfg.Bus.HeartbeatSeconds <= 0 {
		cfg.Bus.HeartbeatSeconds = 15
	}
	if strings.TrimSpace(cfg.Watchdog.Root) == "" {
		cfg.Watchdog.Root = "."
	}
	if cfg.Watchdog.KeepSnapshots <= 0 {
		cfg.Watchdog.KeepSnapshots = 10
	}
	if cfg.Governor.Provider == "" {
		cfg.Governor.Provider = governor.DefaultComputeProvider
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RequestsPerSecond * 2)
	}
}

func validate(cfg Config) error {
	if _, err := hashing.ParseAlgo(cfg.HashAlgo); err != nil {
		return fmt.Errorf("hash_algo: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Governor.Budgets))
	for _, b := range cfg.Governor.Budgets {
		if b.Provider == "" {
			return fmt.Errorf("governor.budgets: provider is required")
		}
		if seen[b.Provider] {
			return fmt.Errorf("governor.budgets: duplicate provider %q", b.Provider)
		}
		if b.Limit < 0 {
			return fmt.Errorf("governor.budgets: %s limit must not be negative", b.Provider)
		}
		switch b.Period {
		case "", governor.PeriodTotal, governor.PeriodDaily:
		default:
			return fmt.Errorf("governor.budgets: %s has unknown period %q", b.Provider, b.Period)
		}
		seen[b.Provider] = true
	}
	if cfg.Notify.TelegramToken != "" && len(cfg.Notify.TelegramChatIDs) == 0 {
		return fmt.Errorf("notify: telegram_chat_ids is required with telegram_token")
	}
	return nil
}

// Algo returns the configured hash algorithm. Load has already validated it.
func (c Config) Algo() hashing.Algo {
	a, err := hashing.ParseAlgo(c.HashAlgo)
	if err != nil {
		return hashing.Default
	}
	return a
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STARBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STARBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STARBRIDGE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("STARBRIDGE_HMAC_SECRET"); raw != "" {
		cfg.HMACSecret = raw
	} else if raw := os.Getenv("HMAC_SECRET"); raw != "" {
		cfg.HMACSecret = raw
	}
	if raw := os.Getenv("HASH_ALGO"); raw != "" {
		cfg.HashAlgo = raw
	}
	if raw := os.Getenv("WATCHDOG_ROOT"); raw != "" {
		cfg.Watchdog.Root = raw
	}
	if raw := os.Getenv("ALERT_WEBHOOK_URL"); raw != "" {
		cfg.Watchdog.WebhookURL = raw
	}
	if raw := os.Getenv("STARBRIDGE_NATS_URL"); raw != "" {
		cfg.Bus.NATSURL = raw
	}
	if raw := os.Getenv("STARBRIDGE_TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.TelegramToken = raw
	}
	if raw := os.Getenv("STARBRIDGE_REDIS_URL"); raw != "" {
		cfg.Governor.RedisURL = raw
	}
	if raw := os.Getenv("STARBRIDGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STARBRIDGE_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != "none"
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}
