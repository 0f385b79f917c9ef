package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/policy")

//go:embed default.policy.yaml
var defaultPolicyYAML []byte

// DefaultPolicyYAML returns the embedded default policy source.
func DefaultPolicyYAML() []byte { return defaultPolicyYAML }

// LoadPolicy loads and validates a policy file. An empty path loads the
// embedded default.
func LoadPolicy(ctx context.Context, path string) (*Policy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	content := defaultPolicyYAML
	if path != "" {
		var err error
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading policy file %s: %w", path, err)
		}
	}

	pol, err := ParsePolicy(content)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("policy.version_tag", pol.VersionTag))
	return pol, nil
}

// ParsePolicy validates raw YAML against the schema, decodes it, fills
// defaults and checks value ranges.
func ParsePolicy(content []byte) (*Policy, error) {
	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var pol Policy
	if err := yaml.Unmarshal(content, &pol); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	pol.ComputeHash(content)
	applyDefaults(&pol)

	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("policy validation: %w", err)
	}
	return &pol, nil
}

// applyDefaults fills optional fields left unset by the file.
func applyDefaults(p *Policy) {
	g := &p.Governance
	if g.HistoryWindow == 0 {
		g.HistoryWindow = 10
	}
	if g.MinHistoryForLock == 0 {
		g.MinHistoryForLock = 3
	}
	if g.RiskThresholds == nil {
		g.RiskThresholds = map[string]string{
			"cognitive":  "high",
			"ethical":    "medium",
			"epistemic":  "high",
			"technical":  "critical",
			"governance": "high",
		}
	}

	r := &p.RiskAnalysis
	if r.DelegationCount == 0 {
		r.DelegationCount = 3
	}
	if r.DependencyAverage == 0 {
		r.DependencyAverage = 0.3
	}
	if r.DependencyWindow == 0 {
		r.DependencyWindow = 10
	}
	if r.DependencyMinSamples == 0 {
		r.DependencyMinSamples = 3
	}
	if r.UnjustifiedRatio == 0 {
		r.UnjustifiedRatio = 0.5
	}
	if r.UnjustifiedMinDecisions == 0 {
		r.UnjustifiedMinDecisions = 3
	}
	if r.UnmodifiedAcceptances == 0 {
		r.UnmodifiedAcceptances = 3
	}
	if r.ProlongedStateMinutes == 0 {
		r.ProlongedStateMinutes = 20
	}
	if r.PIIExposureCount == 0 {
		r.PIIExposureCount = 2
	}
	if r.IntegrityRetryCount == 0 {
		r.IntegrityRetryCount = 2
	}
	if r.DegradationWindow == 0 {
		r.DegradationWindow = 5
	}
	if r.DegradationRatio == 0 {
		r.DegradationRatio = 0.6
	}

	t := &p.Traces
	if t.DependencyHalfLife == 0 {
		t.DependencyHalfLife = 5
	}
	if t.EpisodeIdleMinutes == 0 {
		t.EpisodeIdleMinutes = 30
	}
}
