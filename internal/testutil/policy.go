package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// BasePolicyYAML is a complete policy that mirrors the embedded default.
const BasePolicyYAML = `version: "1.0.0"
name: test-policy
governance:
  max_assistance_level: 0.6
  hard_assistance_threshold: 0.8
  block_delegation: true
  require_justification: false
  abort_on_lock: false
  history_window: 10
  min_history_for_lock: 3
  risk_thresholds:
    cognitive: high
    ethical: medium
    epistemic: high
    technical: critical
    governance: high
risk_analysis:
  delegation_count: 3
  dependency_average: 0.3
  dependency_window: 10
  dependency_min_samples: 3
  unjustified_ratio: 0.5
  unjustified_min_decisions: 3
  unmodified_acceptances: 3
  prolonged_state_minutes: 20
  pii_exposure_count: 2
  integrity_retry_count: 2
  degradation_window: 5
  degradation_ratio: 0.6
traces:
  dependency_half_life: 5
  episode_idle_minutes: 30
`

// WriteTestPolicyFile writes content (BasePolicyYAML when empty) to
// dir/mentor.policy.yaml and returns the path.
func WriteTestPolicyFile(t *testing.T, dir, content string) string {
	t.Helper()
	if content == "" {
		content = BasePolicyYAML
	}
	path := filepath.Join(dir, "mentor.policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
