package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Policy is a pedagogical governance policy (mentor.policy.yaml).
type Policy struct {
	Version      string             `yaml:"version" json:"version"`
	Name         string             `yaml:"name,omitempty" json:"name,omitempty"`
	Governance   GovernanceConfig   `yaml:"governance" json:"governance"`
	RiskAnalysis RiskAnalysisConfig `yaml:"risk_analysis" json:"risk_analysis"`
	Traces       TraceConfig        `yaml:"traces" json:"traces"`

	// Computed fields (not serialized from YAML)
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// GovernanceConfig drives the semaphore stage.
type GovernanceConfig struct {
	// Recent assistance average above which responses turn amber.
	MaxAssistanceLevel float64 `yaml:"max_assistance_level" json:"max_assistance_level"`
	// Recent assistance average above which the session locks red.
	HardAssistanceThreshold float64 `yaml:"hard_assistance_threshold" json:"hard_assistance_threshold"`
	BlockDelegation         bool    `yaml:"block_delegation" json:"block_delegation"`
	RequireJustification    bool    `yaml:"require_justification" json:"require_justification"`
	AbortOnLock             bool    `yaml:"abort_on_lock" json:"abort_on_lock"`
	// Number of recent AI responses averaged.
	HistoryWindow     int `yaml:"history_window" json:"history_window"`
	MinHistoryForLock int `yaml:"min_history_for_lock" json:"min_history_for_lock"`
	// Per risk dimension, the lowest open-risk severity that forces amber.
	RiskThresholds map[string]string `yaml:"risk_thresholds" json:"risk_thresholds"`
}

// RiskAnalysisConfig holds the thresholds of the background risk scorer.
type RiskAnalysisConfig struct {
	DelegationCount         int     `yaml:"delegation_count" json:"delegation_count"`
	DependencyAverage       float64 `yaml:"dependency_average" json:"dependency_average"`
	DependencyWindow        int     `yaml:"dependency_window" json:"dependency_window"`
	DependencyMinSamples    int     `yaml:"dependency_min_samples" json:"dependency_min_samples"`
	UnjustifiedRatio        float64 `yaml:"unjustified_ratio" json:"unjustified_ratio"`
	UnjustifiedMinDecisions int     `yaml:"unjustified_min_decisions" json:"unjustified_min_decisions"`
	UnmodifiedAcceptances   int     `yaml:"unmodified_acceptances" json:"unmodified_acceptances"`
	ProlongedStateMinutes   int     `yaml:"prolonged_state_minutes" json:"prolonged_state_minutes"`
	// Learner messages carrying redacted personal data.
	PIIExposureCount int `yaml:"pii_exposure_count" json:"pii_exposure_count"`
	// Delegating requests sent straight after a refused response.
	IntegrityRetryCount int `yaml:"integrity_retry_count" json:"integrity_retry_count"`
	// Share of the last DegradationWindow responses served by a fallback
	// after a provider failure.
	DegradationWindow int     `yaml:"degradation_window" json:"degradation_window"`
	DegradationRatio  float64 `yaml:"degradation_ratio" json:"degradation_ratio"`
}

// TraceConfig holds trace-sequence parameters.
type TraceConfig struct {
	// Half-life, in AI responses, of the dependency score decay.
	DependencyHalfLife float64 `yaml:"dependency_half_life" json:"dependency_half_life"`
	EpisodeIdleMinutes int     `yaml:"episode_idle_minutes" json:"episode_idle_minutes"`
}

// ComputeHash generates the SHA-256 hash of the policy source and sets
// VersionTag to "{version}:sha256:{first8chars}".
func (p *Policy) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Version, p.Hash[:8])
}

var severityRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

var riskDimensions = map[string]bool{
	"cognitive": true, "ethical": true, "epistemic": true, "technical": true, "governance": true,
}

// Validate checks value ranges the schema cannot express. The engine calls
// it before every evaluation and fails closed when it reports an error.
func (p *Policy) Validate() error {
	g := p.Governance
	if g.MaxAssistanceLevel < 0 || g.MaxAssistanceLevel > 1 {
		return fmt.Errorf("governance.max_assistance_level must be within [0,1]")
	}
	if g.HardAssistanceThreshold < 0 || g.HardAssistanceThreshold > 1 {
		return fmt.Errorf("governance.hard_assistance_threshold must be within [0,1]")
	}
	if g.HardAssistanceThreshold < g.MaxAssistanceLevel {
		return fmt.Errorf("governance.hard_assistance_threshold must not be below max_assistance_level")
	}
	if g.HistoryWindow < 1 {
		return fmt.Errorf("governance.history_window must be positive")
	}
	for dim, sev := range g.RiskThresholds {
		if !riskDimensions[dim] {
			return fmt.Errorf("governance.risk_thresholds: unknown dimension %q", dim)
		}
		if _, ok := severityRank[sev]; !ok {
			return fmt.Errorf("governance.risk_thresholds.%s: unknown severity %q", dim, sev)
		}
	}
	if p.Traces.DependencyHalfLife <= 0 {
		return fmt.Errorf("traces.dependency_half_life must be positive")
	}
	r := p.RiskAnalysis
	if r.DependencyAverage < 0 || r.DependencyAverage > 1 || r.UnjustifiedRatio < 0 || r.UnjustifiedRatio > 1 ||
		r.DegradationRatio < 0 || r.DegradationRatio > 1 {
		return fmt.Errorf("risk_analysis ratios must be within [0,1]")
	}
	return nil
}
