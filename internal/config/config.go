// Package config holds OPERATOR-LEVEL configuration for a mentor installation.
//
// This is infrastructure config set by whoever deploys mentor: data
// directory, trace signing key, provider credentials, model routing, worker
// pool sizing, HTTP port and rate limits. It is set via env vars (MENTOR_*)
// or a config file (mentor.config.yaml).
//
// Pedagogical rules (assistance thresholds, risk analysis thresholds,
// episode parameters) are NOT operator config. They live in the policy file
// (mentor.policy.yaml) loaded by internal/policy.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/mentor/internal/cryptoutil"
	"github.com/dativo-io/mentor/internal/llm"
)

// Viper keys. Each maps to an env var with the MENTOR_ prefix
// (e.g. "signing_key" → MENTOR_SIGNING_KEY) and to a YAML field
// in mentor.config.yaml (e.g. signing_key: "...").
const (
	KeyDataDir             = "data_dir"
	KeySigningKey          = "signing_key"
	KeyPolicyFile          = "policy_file"
	KeyPIIPatternFile      = "pii_pattern_file"
	KeyOpenAIAPIKey        = "openai_api_key"
	KeyOpenAIBaseURL       = "openai_base_url"
	KeyAnthropicAPIKey     = "anthropic_api_key"
	KeyOllamaBaseURL       = "ollama_base_url"
	KeyModelLight          = "model_light"
	KeyModelLightFallback  = "model_light_fallback"
	KeyModelDeep           = "model_deep"
	KeyModelDeepFallback   = "model_deep_fallback"
	KeyGenerationTimeout   = "generation_timeout"
	KeyRiskWorkers         = "risk_workers"
	KeyRiskQueueSize       = "risk_queue_size"
	KeyRiskSweepCron       = "risk_sweep_cron"
	KeyHTTPPort            = "http_port"
	KeyRateLimitRPM        = "rate_limit_rpm"
	KeyRateLimitSessionRPM = "rate_limit_session_rpm"
)

// Defaults that do NOT involve crypto material. The signing key intentionally
// has no baked-in default: when unset we derive a deterministic per-machine
// fallback and warn loudly.
const (
	DefaultPolicyFile          = "mentor.policy.yaml"
	DefaultModelLight          = "gpt-4o-mini"
	DefaultModelLightFallback  = "llama3.1:8b"
	DefaultModelDeep           = "gpt-4o"
	DefaultModelDeepFallback   = "claude-3-5-sonnet-latest"
	DefaultGenerationTimeout   = 30 * time.Second
	DefaultRiskWorkers         = 2
	DefaultRiskQueueSize       = 256
	DefaultRiskSweepCron       = "*/15 * * * *"
	DefaultHTTPPort            = 8080
	DefaultRateLimitRPM        = 600
	DefaultRateLimitSessionRPM = 30
)

// Config holds resolved operator-level configuration for a mentor process.
type Config struct {
	DataDir    string // Base directory for all state (~/.mentor)
	SigningKey string // HMAC-SHA256 key for trace signing (≥32 bytes)
	PolicyFile string // Pedagogical policy path; embedded default when absent

	// PIIPatternFile layers operator recognizers over the embedded PII
	// patterns. Empty or missing means embedded patterns only.
	PIIPatternFile string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	OllamaBaseURL   string

	ModelLight         string
	ModelLightFallback string
	ModelDeep          string
	ModelDeepFallback  string
	GenerationTimeout  time.Duration

	RiskWorkers   int
	RiskQueueSize int
	RiskSweepCron string // empty disables the periodic sweep

	HTTPPort            int
	RateLimitRPM        int // global requests per minute; 0 disables
	RateLimitSessionRPM int // per-session requests per minute; 0 disables

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the trace signing key was derived (not set explicitly).
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// TraceDBPath returns the full path to the trace SQLite database.
func (c *Config) TraceDBPath() string {
	return filepath.Join(c.DataDir, "traces.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// PolicyPath returns PolicyFile when it exists on disk, or "" so callers
// fall back to the embedded default policy.
func (c *Config) PolicyPath() string {
	if c.PolicyFile == "" {
		return ""
	}
	if _, err := os.Stat(c.PolicyFile); err != nil {
		return ""
	}
	return c.PolicyFile
}

// ProviderSettings returns the credentials used to build LLM providers.
func (c *Config) ProviderSettings() llm.ProviderSettings {
	return llm.ProviderSettings{
		OpenAIAPIKey:    c.OpenAIAPIKey,
		OpenAIBaseURL:   c.OpenAIBaseURL,
		AnthropicAPIKey: c.AnthropicAPIKey,
		OllamaBaseURL:   c.OllamaBaseURL,
	}
}

// Routing returns the model routing table for the light and deep hints.
func (c *Config) Routing() *llm.RoutingConfig {
	return &llm.RoutingConfig{
		Light: &llm.TierConfig{Primary: c.ModelLight, Fallback: c.ModelLightFallback},
		Deep:  &llm.TierConfig{Primary: c.ModelDeep, Fallback: c.ModelDeepFallback},
	}
}

// HasProvider reports whether at least one LLM provider is configured.
func (c *Config) HasProvider() bool {
	return c.OpenAIAPIKey != "" || c.OpenAIBaseURL != "" || c.AnthropicAPIKey != "" || c.OllamaBaseURL != ""
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
// Suppressed when MENTOR_QUICKSTART=1 or true (e.g. classroom demos).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default MENTOR_SIGNING_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("MENTOR_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	SetDefaults(viper.GetViper())
}

// SetDefaults registers the env prefix and every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetEnvPrefix("MENTOR")
	v.AutomaticEnv()
	v.SetDefault(KeyPolicyFile, DefaultPolicyFile)
	v.SetDefault(KeyModelLight, DefaultModelLight)
	v.SetDefault(KeyModelLightFallback, DefaultModelLightFallback)
	v.SetDefault(KeyModelDeep, DefaultModelDeep)
	v.SetDefault(KeyModelDeepFallback, DefaultModelDeepFallback)
	v.SetDefault(KeyGenerationTimeout, DefaultGenerationTimeout)
	v.SetDefault(KeyRiskWorkers, DefaultRiskWorkers)
	v.SetDefault(KeyRiskQueueSize, DefaultRiskQueueSize)
	v.SetDefault(KeyRiskSweepCron, DefaultRiskSweepCron)
	v.SetDefault(KeyHTTPPort, DefaultHTTPPort)
	v.SetDefault(KeyRateLimitRPM, DefaultRateLimitRPM)
	v.SetDefault(KeyRateLimitSessionRPM, DefaultRateLimitSessionRPM)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:             resolveDataDir(),
		SigningKey:          viper.GetString(KeySigningKey),
		PolicyFile:          viper.GetString(KeyPolicyFile),
		PIIPatternFile:      viper.GetString(KeyPIIPatternFile),
		OpenAIAPIKey:        firstNonEmpty(viper.GetString(KeyOpenAIAPIKey), os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:       viper.GetString(KeyOpenAIBaseURL),
		AnthropicAPIKey:     firstNonEmpty(viper.GetString(KeyAnthropicAPIKey), os.Getenv("ANTHROPIC_API_KEY")),
		OllamaBaseURL:       viper.GetString(KeyOllamaBaseURL),
		ModelLight:          viper.GetString(KeyModelLight),
		ModelLightFallback:  viper.GetString(KeyModelLightFallback),
		ModelDeep:           viper.GetString(KeyModelDeep),
		ModelDeepFallback:   viper.GetString(KeyModelDeepFallback),
		GenerationTimeout:   viper.GetDuration(KeyGenerationTimeout),
		RiskWorkers:         viper.GetInt(KeyRiskWorkers),
		RiskQueueSize:       viper.GetInt(KeyRiskQueueSize),
		RiskSweepCron:       viper.GetString(KeyRiskSweepCron),
		HTTPPort:            viper.GetInt(KeyHTTPPort),
		RateLimitRPM:        viper.GetInt(KeyRateLimitRPM),
		RateLimitSessionRPM: viper.GetInt(KeyRateLimitSessionRPM),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "trace-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mentor"
	}
	return filepath.Join(home, ".mentor")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. It is NOT cryptographically strong; it
// only lets `mentor serve` start out of the box with a per-machine key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("mentor:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("generation_timeout must be positive")
	}
	if c.RiskWorkers < 1 {
		return fmt.Errorf("risk_workers must be at least 1")
	}
	if c.RiskQueueSize < 1 {
		return fmt.Errorf("risk_queue_size must be at least 1")
	}
	if c.RiskSweepCron != "" {
		if _, err := cron.ParseStandard(c.RiskSweepCron); err != nil {
			return fmt.Errorf("risk_sweep_cron %q: %w", c.RiskSweepCron, err)
		}
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be within 1-65535")
	}
	if c.RateLimitRPM < 0 || c.RateLimitSessionRPM < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.ModelLight == "" || c.ModelDeep == "" {
		return fmt.Errorf("model_light and model_deep are required")
	}
	return nil
}

func validateSigningKey(key string) error {
	if _, err := cryptoutil.SigningKey(key); err != nil {
		return fmt.Errorf("signing_key: %w; set MENTOR_SIGNING_KEY", err)
	}
	return nil
}
