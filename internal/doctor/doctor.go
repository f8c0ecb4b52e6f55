// Package doctor runs offline diagnostics against a fabric configuration.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/BrandonDucar/dream-net-sub003/internal/config"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkSigning,
		checkDatabase,
		checkPermissions,
		checkWatchdogRoot,
		checkNATS,
		checkRedis,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml; running on defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkSigning(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Signing", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.HMACSecret == "" {
		return CheckResult{
			Name:    "Signing",
			Status:  StatusWarn,
			Message: "hmac_secret is empty; external events are accepted unsigned",
			Detail:  "Set STARBRIDGE_HMAC_SECRET or hmac_secret in config.yaml",
		}
	}
	if len(cfg.HMACSecret) < 16 {
		return CheckResult{Name: "Signing", Status: StatusWarn, Message: "hmac_secret is shorter than 16 bytes"}
	}
	return CheckResult{Name: "Signing", Status: StatusPass, Message: "HMAC ingress verification enabled"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	n, err := store.TotalEventCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema read failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d events", version, n),
		Detail:  fmt.Sprintf("path=%s checksum=%s", cfg.DBPath, checksum),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkWatchdogRoot(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Watchdog", Status: StatusSkip, Message: "Config missing"}
	}
	root, err := filepath.Abs(cfg.Watchdog.Root)
	if err != nil {
		return CheckResult{Name: "Watchdog", Status: StatusFail, Message: fmt.Sprintf("Invalid root: %v", err)}
	}
	info, err := os.Stat(root)
	if err != nil {
		return CheckResult{Name: "Watchdog", Status: StatusFail, Message: fmt.Sprintf("Root unreadable: %v", err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Watchdog", Status: StatusFail, Message: fmt.Sprintf("Root %s is not a directory", root)}
	}
	msg := fmt.Sprintf("Watching %s", root)
	if cfg.Watchdog.WebhookURL == "" {
		return CheckResult{Name: "Watchdog", Status: StatusPass, Message: msg, Detail: "no alert webhook configured"}
	}
	return CheckResult{Name: "Watchdog", Status: StatusPass, Message: msg}
}

func checkNATS(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Bus.NATSURL == "" {
		return CheckResult{Name: "NATS", Status: StatusSkip, Message: "No NATS mirror configured"}
	}
	nc, err := nats.Connect(cfg.Bus.NATSURL, nats.Timeout(3*time.Second), nats.Name("starbridge-doctor"))
	if err != nil {
		return CheckResult{Name: "NATS", Status: StatusFail, Message: fmt.Sprintf("Connect failed: %v", err)}
	}
	defer nc.Close()
	return CheckResult{Name: "NATS", Status: StatusPass, Message: fmt.Sprintf("Connected to %s", nc.ConnectedUrlRedacted())}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Governor.RedisURL == "" {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Conduit usage is in-memory"}
	}
	opts, err := redis.ParseURL(cfg.Governor.RedisURL)
	if err != nil {
		return CheckResult{Name: "Redis", Status: StatusFail, Message: fmt.Sprintf("Invalid URL: %v", err)}
	}
	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return CheckResult{Name: "Redis", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Redis", Status: StatusPass, Message: fmt.Sprintf("Ping ok (%dms)", time.Since(start).Milliseconds())}
}

func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Cannot bind %s: %v", cfg.BindAddr, err),
			Detail:  "Another starbridge may already be serving on this address",
		}
	}
	ln.Close()
	return CheckResult{Name: "Network", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
