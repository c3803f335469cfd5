// Package doctor provides preflight health checks for a Warden
// installation. Used by `warden doctor` before first serve.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dativo-io/warden/internal/audit"
	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/delivery"
	"github.com/dativo-io/warden/internal/egress"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which checks run.
type Options struct {
	SkipIngest bool // Skip ingest connectivity check (for CI/offline)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	cfg, err := config.Load()
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check WARDEN_DATA_DIR and config file",
		})
	} else {
		report.Checks = append(report.Checks, checkDataDir(cfg))
		report.Checks = append(report.Checks, checkSigningKey(cfg))
		report.Checks = append(report.Checks, checkAuditDB(ctx, cfg))
		report.Checks = append(report.Checks, checkDLQ(ctx, cfg))
		report.Checks = append(report.Checks, checkProfiles(cfg))
		if !opts.SkipIngest {
			report.Checks = append(report.Checks, checkIngest(ctx, cfg))
		}
	}

	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
		case "fail":
			report.Summary.Fail++
		}
	}

	report.Status = "pass"
	if report.Summary.Warn > 0 {
		report.Status = "warn"
	}
	if report.Summary.Fail > 0 {
		report.Status = "fail"
	}
	return report
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable — %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkSigningKey(cfg *config.Config) CheckResult {
	if cfg.UsingDefaultSigningKey() {
		return CheckResult{
			Name: "signing_key", Category: "config", Status: "warn",
			Message: "Using generated default",
			Fix:     "Set WARDEN_SIGNING_KEY for production",
		}
	}
	return CheckResult{
		Name: "signing_key", Category: "config", Status: "pass", Message: "Configured",
	}
}

func checkAuditDB(ctx context.Context, cfg *config.Config) CheckResult {
	store, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return CheckResult{
			Name: "audit_db", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	defer store.Close()

	countCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	events, err := store.List(countCtx, "", "", time.Time{}, time.Time{}, 1)
	if err != nil {
		return CheckResult{
			Name: "audit_db", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("query failed: %v", err),
		}
	}
	msg := cfg.AuditDBPath()
	if len(events) == 0 {
		msg += " (empty)"
	}
	return CheckResult{Name: "audit_db", Category: "storage", Status: "pass", Message: msg}
}

func checkDLQ(ctx context.Context, cfg *config.Config) CheckResult {
	dlq, err := delivery.OpenDLQ(cfg.DLQDBPath())
	if err != nil {
		return CheckResult{
			Name: "dlq_db", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	defer dlq.Close()

	countCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pending, err := dlq.CountPending(countCtx)
	if err != nil {
		return CheckResult{
			Name: "dlq_db", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("query failed: %v", err),
		}
	}
	if pending > 0 {
		return CheckResult{
			Name: "dlq_db", Category: "storage", Status: "warn",
			Message: fmt.Sprintf("%d pending dead letter(s)", pending),
			Fix:     "Review with 'warden dlq list' and requeue or discard",
		}
	}
	return CheckResult{Name: "dlq_db", Category: "storage", Status: "pass", Message: cfg.DLQDBPath()}
}

func checkProfiles(cfg *config.Config) CheckResult {
	profiles, err := egress.LoadProfileDir(cfg.ProfileDir)
	if err != nil {
		return CheckResult{
			Name: "filter_profiles", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", err),
			Fix:     "Fix the profile YAML; validate with 'warden validate -f <file>'",
		}
	}
	if len(profiles) == 0 {
		return CheckResult{
			Name: "filter_profiles", Category: "config", Status: "warn",
			Message: fmt.Sprintf("no profiles in %s — all egress will be denied", cfg.ProfileDir),
			Fix:     "Add per-app profiles or register them via POST /api/v1/egress/profiles",
		}
	}
	return CheckResult{
		Name: "filter_profiles", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%d profile(s) in %s", len(profiles), cfg.ProfileDir),
	}
}

func checkIngest(ctx context.Context, cfg *config.Config) CheckResult {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.IngestBaseURL, nil)
	if err != nil {
		return CheckResult{
			Name: "ingest_reachable", Category: "delivery", Status: "fail",
			Message: fmt.Sprintf("Invalid URL: %v", err),
			Fix:     "Check WARDEN_INGEST_BASE_URL",
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name: "ingest_reachable", Category: "delivery", Status: "fail",
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Check network connectivity and WARDEN_INGEST_BASE_URL",
		}
	}
	resp.Body.Close()

	if latency > time.Second {
		return CheckResult{
			Name: "ingest_reachable", Category: "delivery", Status: "warn",
			Message: fmt.Sprintf("%s — %.1fs (> 1s threshold)", cfg.IngestBaseURL, latency.Seconds()),
			Fix:     "Slow downstream will inflate delivery retries",
		}
	}
	return CheckResult{
		Name: "ingest_reachable", Category: "delivery", Status: "pass",
		Message: fmt.Sprintf("%s — %dms", cfg.IngestBaseURL, latency.Milliseconds()),
	}
}
