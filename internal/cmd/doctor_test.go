package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoctorCmd_ShowsConfigChecks(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MENTOR_DATA_DIR", dir)
	t.Setenv("MENTOR_OPENAI_API_KEY", "")
	t.Setenv("MENTOR_ANTHROPIC_API_KEY", "")
	t.Setenv("MENTOR_OLLAMA_BASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	out, err := runCLI(t, "doctor", "--skip-upstream")

	assert.Contains(t, out, "data_dir_writable")
	assert.Contains(t, out, dir)
	assert.Contains(t, out, "policy_valid")
	assert.Contains(t, out, "trace_db")
	assert.Contains(t, out, "warnings")
	// Missing providers and default keys only warn.
	assert.NoError(t, err)
}

func TestDoctorCmd_PassesWithEnvKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MENTOR_DATA_DIR", dir)
	t.Setenv("OPENAI_API_KEY", "sk-test-key-for-doctor")

	out, err := runCLI(t, "doctor", "--skip-upstream")
	require.NoError(t, err)
	assert.Contains(t, out, "llm_providers")
	assert.Contains(t, out, "passed")
}

func TestDoctorCmd_JSONFormat(t *testing.T) {
	t.Setenv("MENTOR_DATA_DIR", t.TempDir())

	out, _ := runCLI(t, "doctor", "--json", "--skip-upstream")

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Contains(t, report, "status")
	assert.Contains(t, report, "checks")
	assert.Contains(t, report, "summary")
}
