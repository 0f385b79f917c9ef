package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/orchestrator"
	"github.com/dativo-io/mentor/internal/testutil"
)

func TestAskCmd_EndToEnd(t *testing.T) {
	upstream := testutil.NewOpenAICompatibleServer("")
	t.Cleanup(upstream.Close)

	t.Setenv("MENTOR_DATA_DIR", t.TempDir())
	t.Setenv("MENTOR_OPENAI_BASE_URL", upstream.URL)
	t.Setenv("MENTOR_OPENAI_API_KEY", "sk-test")
	t.Setenv("MENTOR_ANTHROPIC_API_KEY", "")
	t.Setenv("MENTOR_OLLAMA_BASE_URL", "")

	sess := createCLISession(t)

	out, err := runCLI(t, "ask", sess.ID, "¿Qué es una variable en programación?", "--context", "exercise=intro", "--json")
	require.NoError(t, err)

	var res orchestrator.InteractionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, sess.ID, res.SessionID)
	assert.False(t, res.Fallback)
	assert.Contains(t, res.ResponseText, "primera iteración")
	assert.NotEmpty(t, res.TraceID)
	assert.NotEmpty(t, res.InboundTraceID)
	assert.EqualValues(t, 1, upstream.Requests())

	out, err = runCLI(t, "traces", "list", sess.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "showing 2")

	out, err = runCLI(t, "traces", "verify", res.TraceID)
	require.NoError(t, err)
	assert.Contains(t, out, "VALID")

	out, err = runCLI(t, "sequences", "list", sess.ID, "--json")
	require.NoError(t, err)
	var seqs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &seqs))
	require.Len(t, seqs, 1)

	out, err = runCLI(t, "sequences", "reconcile", seqs[0]["id"].(string))
	require.NoError(t, err)
	assert.Contains(t, out, "reconciled")
}

func TestAskCmd_RejectsShortPrompt(t *testing.T) {
	t.Setenv("MENTOR_DATA_DIR", t.TempDir())
	sess := createCLISession(t)

	_, err := runCLI(t, "ask", sess.ID, "hola")
	require.Error(t, err)

	out, err := runCLI(t, "traces", "list", sess.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "No traces found.")
}

func TestAskCmd_OperatorPIIPatterns(t *testing.T) {
	dir := t.TempDir()
	patterns := filepath.Join(dir, "pii.yaml")
	require.NoError(t, os.WriteFile(patterns, []byte(`recognizers:
  - name: student_number
    supported_entity: NATIONAL_ID
    sensitivity: 3
    patterns:
      - name: legajo
        regex: '\bLEG-\d{5}\b'
        score: 0.9
`), 0o600))
	t.Setenv("MENTOR_DATA_DIR", dir)
	t.Setenv("MENTOR_PII_PATTERN_FILE", patterns)
	t.Setenv("MENTOR_OPENAI_API_KEY", "")
	t.Setenv("MENTOR_OPENAI_BASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("MENTOR_ANTHROPIC_API_KEY", "")
	t.Setenv("MENTOR_OLLAMA_BASE_URL", "")

	sess := createCLISession(t)
	_, err := runCLI(t, "ask", sess.ID, "mi legajo es LEG-12345, ¿qué es una variable?", "--json")
	require.NoError(t, err)

	out, err := runCLI(t, "traces", "list", sess.ID, "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, "LEG-12345")

	var traces []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &traces))
	require.NotEmpty(t, traces)
	found := false
	for _, tr := range traces {
		if tr["kind"] == string(evidence.KindUserMessage) {
			assert.Contains(t, tr["content"], "[NATIONAL_ID]")
			found = true
		}
	}
	assert.True(t, found, "inbound trace recorded")
}

func TestAskCmd_InvalidPIIPatternFile(t *testing.T) {
	dir := t.TempDir()
	patterns := filepath.Join(dir, "pii.yaml")
	require.NoError(t, os.WriteFile(patterns, []byte("recognizers:\n  - name: broken\n    supported_entity: EMAIL_ADDRESS\n    patterns:\n      - name: x\n        regex: '(['\n        score: 0.9\n"), 0o600))
	t.Setenv("MENTOR_DATA_DIR", dir)
	t.Setenv("MENTOR_PII_PATTERN_FILE", patterns)

	sess := createCLISession(t)
	_, err := runCLI(t, "ask", sess.ID, "¿qué es una variable en programación?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pii patterns")
}
