// Package doctor provides health checks for mentor configuration and runtime.
// Used by `mentor doctor` and before `mentor serve` starts accepting traffic.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dativo-io/mentor/internal/config"
	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/pii"
	"github.com/dativo-io/mentor/internal/policy"
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

// Options controls which check categories to run.
type Options struct {
	SkipUpstream bool // Skip provider connectivity checks (for CI/offline)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	cfg, err := config.Load()
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check MENTOR_* env vars and mentor.config.yaml",
		})
	} else {
		report.Checks = append(report.Checks, checkConfig(ctx, cfg)...)
		report.Checks = append(report.Checks, checkProviders(ctx, cfg, opts)...)
		report.Checks = append(report.Checks, checkSystem(ctx, cfg)...)
	}
	report.tally()
	return report
}

func (r *Report) tally() {
	r.Summary = Summary{}
	for _, c := range r.Checks {
		switch c.Status {
		case "pass":
			r.Summary.Pass++
		case "warn":
			r.Summary.Warn++
		case "fail":
			r.Summary.Fail++
		}
	}

	r.Status = "pass"
	if r.Summary.Warn > 0 {
		r.Status = "warn"
	}
	if r.Summary.Fail > 0 {
		r.Status = "fail"
	}
}

func checkConfig(ctx context.Context, cfg *config.Config) []CheckResult {
	var results []CheckResult
	results = append(results, checkDataDir(cfg))
	results = append(results, checkPolicy(ctx, cfg))
	results = append(results, checkPIIPatterns(cfg))
	results = append(results, checkSigningKey(cfg))
	results = append(results, checkTraceDB(ctx, cfg))
	return results
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

func checkPolicy(ctx context.Context, cfg *config.Config) CheckResult {
	path := cfg.PolicyPath()
	pol, err := policy.LoadPolicy(ctx, path)
	if err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", cfg.PolicyFile, err),
			Fix:     "Run 'mentor policy validate " + cfg.PolicyFile + "' for details",
		}
	}
	if _, err := policy.NewEngine(ctx, pol); err != nil {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("governance rules failed to compile: %v", err),
		}
	}
	if path == "" {
		return CheckResult{
			Name: "policy_valid", Category: "config", Status: "warn",
			Message: fmt.Sprintf("%s not found, using embedded default (%s)", cfg.PolicyFile, pol.VersionTag),
			Fix:     "Run 'mentor init' to write " + config.DefaultPolicyFile + " and customise it",
		}
	}
	return CheckResult{
		Name: "policy_valid", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (%s)", path, pol.VersionTag),
	}
}

func checkPIIPatterns(cfg *config.Config) CheckResult {
	if cfg.PIIPatternFile == "" {
		return CheckResult{
			Name: "pii_patterns", Category: "config", Status: "pass",
			Message: "embedded recognizers only",
		}
	}
	rf, err := pii.LoadRecognizerFile(cfg.PIIPatternFile)
	if err == nil {
		_, err = pii.NewSanitizer(pii.WithPatternFile(cfg.PIIPatternFile))
	}
	if err != nil {
		return CheckResult{
			Name: "pii_patterns", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", cfg.PIIPatternFile, err),
			Fix:     "Fix the recognizer file or unset MENTOR_PII_PATTERN_FILE",
		}
	}
	if rf == nil {
		return CheckResult{
			Name: "pii_patterns", Category: "config", Status: "warn",
			Message: fmt.Sprintf("%s not found, using embedded recognizers", cfg.PIIPatternFile),
			Fix:     "Create the file or unset MENTOR_PII_PATTERN_FILE",
		}
	}
	return CheckResult{
		Name: "pii_patterns", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (%d operator recognizers)", cfg.PIIPatternFile, len(rf.Recognizers)),
	}
}

func checkSigningKey(cfg *config.Config) CheckResult {
	if cfg.UsingDefaultSigningKey() {
		return CheckResult{
			Name: "signing_key", Category: "config", Status: "warn",
			Message: "Using generated default", Fix: "Set MENTOR_SIGNING_KEY for production",
		}
	}
	return CheckResult{
		Name: "signing_key", Category: "config", Status: "pass", Message: "Configured",
	}
}

func checkTraceDB(ctx context.Context, cfg *config.Config) CheckResult {
	store, err := evidence.NewStore(cfg.TraceDBPath(), cfg.SigningKey)
	if err != nil {
		return CheckResult{
			Name: "trace_db", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return CheckResult{
			Name: "trace_db", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	return CheckResult{
		Name: "trace_db", Category: "config", Status: "pass",
		Message: cfg.TraceDBPath(),
	}
}

func checkProviders(ctx context.Context, cfg *config.Config, opts Options) []CheckResult {
	var configured []string
	if cfg.OpenAIAPIKey != "" || cfg.OpenAIBaseURL != "" {
		configured = append(configured, "openai")
	}
	if cfg.AnthropicAPIKey != "" {
		configured = append(configured, "anthropic")
	}
	if cfg.OllamaBaseURL != "" {
		configured = append(configured, "ollama")
	}
	if len(configured) == 0 {
		return []CheckResult{{
			Name: "llm_providers", Category: "providers", Status: "warn",
			Message: "No provider configured; every response will be the strategy's fallback text",
			Fix:     "Set MENTOR_OPENAI_API_KEY, MENTOR_ANTHROPIC_API_KEY or MENTOR_OLLAMA_BASE_URL",
		}}
	}
	results := []CheckResult{{
		Name: "llm_providers", Category: "providers", Status: "pass",
		Message: strings.Join(configured, ", "),
	}}
	if opts.SkipUpstream {
		return results
	}
	if cfg.OllamaBaseURL != "" {
		results = append(results, checkUpstream(ctx, "ollama", strings.TrimRight(cfg.OllamaBaseURL, "/")+"/api/tags")...)
	}
	if cfg.OpenAIBaseURL != "" {
		results = append(results, checkUpstream(ctx, "openai", strings.TrimRight(cfg.OpenAIBaseURL, "/")+"/v1/models")...)
	}
	return results
}

func checkUpstream(ctx context.Context, name, url string) []CheckResult {
	var results []CheckResult

	client := &http.Client{Timeout: 5 * time.Second}
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if reqErr != nil {
		return []CheckResult{{
			Name: "provider_upstream_" + name, Category: "providers", Status: "fail",
			Message: fmt.Sprintf("Invalid URL: %v", reqErr),
		}}
	}
	start := time.Now()
	resp, err := client.Do(req) //nolint:gosec // URL from operator config, not user input
	latency := time.Since(start)

	if err != nil {
		return []CheckResult{{
			Name: "provider_upstream_" + name, Category: "providers", Status: "fail",
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Check network connectivity and the provider base URL",
		}}
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return []CheckResult{{
			Name: "provider_upstream_" + name, Category: "providers", Status: "fail",
			Message: fmt.Sprintf("GET %s — %d", url, resp.StatusCode),
		}}
	}

	results = append(results, CheckResult{
		Name: "provider_upstream_" + name, Category: "providers", Status: "pass",
		Message: fmt.Sprintf("%s — %dms", url, latency.Milliseconds()),
	})

	if latency > time.Second {
		results = append(results, CheckResult{
			Name: "provider_upstream_latency_" + name, Category: "providers", Status: "warn",
			Message: fmt.Sprintf("%.1fs (> 1s threshold)", latency.Seconds()),
			Fix:     "Slow providers push interactions towards the generation timeout",
		})
	}
	return results
}

func checkSystem(ctx context.Context, cfg *config.Config) []CheckResult {
	var results []CheckResult

	store, err := evidence.NewStore(cfg.TraceDBPath(), cfg.SigningKey)
	if err != nil {
		return results
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	active, err := store.ListSessions(ctx, evidence.SessionFilter{Status: evidence.StatusActive})
	if err != nil {
		return results
	}
	fi, _ := os.Stat(cfg.TraceDBPath())
	sizeStr := "unknown"
	if fi != nil {
		sizeStr = fmt.Sprintf("%.1f MB", float64(fi.Size())/(1024*1024))
	}
	results = append(results, CheckResult{
		Name: "trace_stats", Category: "system", Status: "pass",
		Message: fmt.Sprintf("%d active sessions, %s", len(active), sizeStr),
	})
	return results
}
