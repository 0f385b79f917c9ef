package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/orchestrator"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hola mundo", truncate("hola\n  mundo", 20))
	assert.Equal(t, "¿qué es…", truncate("¿qué es una variable?", 8))
}

func TestRenderTraceList(t *testing.T) {
	var buf bytes.Buffer
	renderTraceList(&buf, []evidence.CognitiveTrace{{
		ID:                  "trc_1",
		Kind:                evidence.KindAIResponse,
		Level:               evidence.LevelModelMediated,
		AssistanceIntensity: 0.4,
		Content:             "Una variable guarda un valor",
		CreatedAt:           time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "showing 1")
	assert.Contains(t, out, "trc_1")
	assert.Contains(t, out, "0.40")
	assert.Contains(t, out, "2026-03-01 10:00:00")
}

func TestRenderVerifyResult(t *testing.T) {
	var buf bytes.Buffer
	renderVerifyResult(&buf, "trc_1", true)
	assert.Contains(t, buf.String(), "VALID")
	buf.Reset()
	renderVerifyResult(&buf, "trc_1", false)
	assert.Contains(t, buf.String(), "INVALID")
}

func TestRenderRisks(t *testing.T) {
	var buf bytes.Buffer
	renderRisks(&buf, nil)
	assert.Contains(t, buf.String(), "No risks found.")

	buf.Reset()
	renderRisks(&buf, []evidence.Risk{{ID: "rsk_1", Severity: "high", Dimension: "cognitive",
		Type: "ai-dependency", Description: "sustained reliance", Resolved: true}})
	assert.Contains(t, buf.String(), "cognitive/ai-dependency")
	assert.Contains(t, buf.String(), "resolved")
}

func TestRenderInteraction(t *testing.T) {
	var buf bytes.Buffer
	renderInteraction(&buf, &orchestrator.InteractionResult{
		ResponseText: "¿Qué pasos seguirías?",
		Semaphore:    "red",
		Blocked:      true,
		BlockReason:  "session is under governance lock",
		AgentUsed:    "tutor-ask-guiding-questions",
		TraceID:      "trc_9",
	})
	out := buf.String()
	assert.Contains(t, out, "¿Qué pasos seguirías?")
	assert.Contains(t, out, "red")
	assert.Contains(t, out, "governance lock")
	assert.Contains(t, out, "trc_9")
}
