package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/generation"
	"github.com/dativo-io/mentor/internal/intake"
	"github.com/dativo-io/mentor/internal/llm"
	"github.com/dativo-io/mentor/internal/policy"
	"github.com/dativo-io/mentor/internal/risk"
	"github.com/dativo-io/mentor/internal/strategy"
	"github.com/dativo-io/mentor/internal/testutil"
)

type fixture struct {
	orch     *Orchestrator
	store    *evidence.Store
	recorder *evidence.Recorder
	policy   *policy.Policy
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	policyYAML string
	provider   llm.Provider
	dispatcher RiskDispatcher
}

func withPolicy(yaml string) fixtureOption {
	return func(c *fixtureConfig) { c.policyYAML = yaml }
}

func withProvider(p llm.Provider) fixtureOption {
	return func(c *fixtureConfig) { c.provider = p }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{policyYAML: testutil.BasePolicyYAML}
	for _, opt := range opts {
		opt(&cfg)
	}

	pol, err := policy.ParsePolicy([]byte(cfg.policyYAML))
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)

	store := testutil.NewTestEvidenceStore(t)
	rec := evidence.NewRecorder(store, pol.Traces.DependencyHalfLife,
		time.Duration(pol.Traces.EpisodeIdleMinutes)*time.Minute)

	var router generation.ModelRouter
	if cfg.provider != nil {
		router = &testutil.StaticRouter{Provider: cfg.provider}
	}
	orch, err := New(Config{
		Engine:     engine,
		Recorder:   rec,
		Adapter:    generation.NewAdapter(router, generation.WithTimeout(2*time.Second)),
		Dispatcher: cfg.dispatcher,
	})
	require.NoError(t, err)
	return &fixture{orch: orch, store: store, recorder: rec, policy: pol}
}

func relaxedPolicy() string {
	p := strings.Replace(testutil.BasePolicyYAML, "max_assistance_level: 0.6", "max_assistance_level: 1.0", 1)
	p = strings.Replace(p, "hard_assistance_threshold: 0.8", "hard_assistance_threshold: 1.0", 1)
	return strings.Replace(p, "    cognitive: high", "    cognitive: critical", 1)
}

func TestNew_RequiresEngineAndRecorder(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	pol, err := policy.ParsePolicy(policy.DefaultPolicyYAML())
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	_, err = New(Config{Engine: engine})
	assert.Error(t, err)
}

func TestProcessInteraction_DelegationIsRedirected(t *testing.T) {
	provider := &testutil.MockProvider{ProviderName: "openai",
		Content: "¿Qué pasos seguirías para ordenar la lista?\n```python\nlista.sort()\n```"}
	f := newFixture(t, withProvider(provider))
	sess := testutil.NewTestSession(t, f.store)

	res, err := f.orch.ProcessInteraction(context.Background(), sess.ID,
		"dame el código completo para ordenar una lista", nil)
	require.NoError(t, err)

	assert.Equal(t, "red", res.Semaphore)
	assert.True(t, res.Blocked)
	assert.NotEmpty(t, res.BlockReason)
	assert.Equal(t, strategy.TutorAskGuidingQuestions.String(), res.AgentUsed)
	assert.Equal(t, "implementation", res.CognitiveStateDetected)
	assert.NotContains(t, res.ResponseText, "```")
	assert.InDelta(t, 0.2, res.AssistanceIntensity, 1e-9)
	assert.False(t, res.Fallback)

	out, err := f.store.GetTrace(context.Background(), res.TraceID)
	require.NoError(t, err)
	assert.Equal(t, res.InboundTraceID, out.ParentID)
	eth, ok := evidence.PayloadAs[evidence.Ethical](out.Dimensions.Ethical)
	require.True(t, ok)
	assert.Equal(t, "red", eth.Semaphore)
	assert.Equal(t, "delegation", eth.Intent)
	so, ok := evidence.PayloadAs[evidence.SemanticOutbound](out.Dimensions.Semantic)
	require.True(t, ok)
	assert.True(t, so.CodeRedacted)

	in, err := f.store.GetTrace(context.Background(), res.InboundTraceID)
	require.NoError(t, err)
	ri, ok := evidence.PayloadAs[evidence.ReasoningInbound](in.Dimensions.Reasoning)
	require.True(t, ok)
	assert.True(t, ri.TotalDelegation)
}

func TestProcessInteraction_ConceptQuestionIsExplained(t *testing.T) {
	provider := &testutil.MockProvider{ProviderName: "openai",
		Content: "Una variable es un nombre que guarda un valor para usarlo después."}
	f := newFixture(t, withProvider(provider))
	sess := testutil.NewTestSession(t, f.store)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := f.recorder.RecordInteraction(ctx, sess.ID,
			evidence.TraceInput{Content: "pregunta anterior", CognitiveState: "exploration"},
			evidence.TraceInput{Content: "respuesta anterior", AssistanceIntensity: 0.3}, nil)
		require.NoError(t, err)
	}

	res, err := f.orch.ProcessInteraction(ctx, sess.ID, "¿qué es una variable?", map[string]any{"topic": "variables"})
	require.NoError(t, err)

	assert.Equal(t, "exploration", res.CognitiveStateDetected)
	assert.Equal(t, "green", res.Semaphore)
	assert.False(t, res.Blocked)
	assert.Equal(t, strategy.TutorExplainConcept.String(), res.AgentUsed)
	assert.InDelta(t, 0.4, res.AssistanceIntensity, 1e-9)
	assert.Equal(t, provider.Content, res.ResponseText)
	assert.Contains(t, provider.LastRequest().Messages[0].Content, "No escribas código")

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.TraceCount)
}

func TestProcessInteraction_ShortPromptRejectedWithoutTraces(t *testing.T) {
	f := newFixture(t)
	sess := testutil.NewTestSession(t, f.store)

	_, err := f.orch.ProcessInteraction(context.Background(), sess.ID, "hola?", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, intake.ErrRejected)

	traces, err := f.store.ListTraces(context.Background(), sess.ID, evidence.TraceFilter{})
	require.NoError(t, err)
	assert.Empty(t, traces)
	got, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TraceCount)
}

func TestProcessInteraction_SessionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.ProcessInteraction(ctx, "4f1c9a57-3b2e-4c1d-9a8b-7e6f5d4c3b2a", "¿qué es una variable?", nil)
	assert.ErrorIs(t, err, evidence.ErrSessionNotFound)

	sess := testutil.NewTestSession(t, f.store)
	_, err = f.store.SetSessionStatus(ctx, sess.ID, evidence.StatusPaused)
	require.NoError(t, err)
	_, err = f.orch.ProcessInteraction(ctx, sess.ID, "¿qué es una variable?", nil)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestProcessInteraction_NoProviderFallsBack(t *testing.T) {
	f := newFixture(t)
	sess := testutil.NewTestSession(t, f.store)

	res, err := f.orch.ProcessInteraction(context.Background(), sess.ID, "¿qué es una variable?", nil)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, 0.0, res.AssistanceIntensity)
	assert.NotEmpty(t, res.ResponseText)

	out, err := f.store.GetTrace(context.Background(), res.TraceID)
	require.NoError(t, err)
	ia, ok := evidence.PayloadAs[evidence.Interactional](out.Dimensions.Interactional)
	require.True(t, ok)
	assert.True(t, ia.Fallback)
	assert.Equal(t, generation.ReasonNoProvider, ia.FallbackReason)
}

func TestProcessInteraction_NoPIIPersisted(t *testing.T) {
	provider := &testutil.MockProvider{ProviderName: "openai", Content: "Una variable guarda un valor."}
	f := newFixture(t, withProvider(provider))
	sess := testutil.NewTestSession(t, f.store)
	ctx := context.Background()

	res, err := f.orch.ProcessInteraction(ctx, sess.ID,
		"soy ana.perez@example.com, ¿qué es una variable?",
		map[string]any{
			"topic":            "variables",
			"contact":          "llamame al +54 11 4444 5555",
			"beto@example.com": true,
		})
	require.NoError(t, err)

	traces, err := f.store.ListTraces(ctx, sess.ID, evidence.TraceFilter{})
	require.NoError(t, err)
	require.Len(t, traces, 2)
	for _, tr := range traces {
		raw, err := json.Marshal(tr)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "ana.perez@example.com")
		assert.NotContains(t, string(raw), "4444 5555")
		assert.NotContains(t, string(raw), "beto@example.com")
	}

	in, err := f.store.GetTrace(ctx, res.InboundTraceID)
	require.NoError(t, err)
	assert.Contains(t, in.Content, "[EMAIL]")
	si, ok := evidence.PayloadAs[evidence.SemanticInbound](in.Dimensions.Semantic)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"email", "phone"}, si.PIIRedacted)
	assert.Equal(t, []string{"[EMAIL]", "contact", "topic"}, si.ContextKeys)
	assert.NotContains(t, provider.LastRequest().Messages[1].Content, "ana.perez@example.com")
}

func TestProcessInteraction_RepeatedPIIBecomesEthicalRisk(t *testing.T) {
	provider := &testutil.MockProvider{ProviderName: "openai", Content: "¿Qué te gustaría repasar?"}
	f := newFixture(t, withProvider(provider))
	sess := testutil.NewTestSession(t, f.store)
	ctx := context.Background()

	for _, prompt := range []string{
		"soy ana.perez@example.com, ¿qué es una variable?",
		"mi dni es 30123456, ¿qué es un ciclo for?",
	} {
		_, err := f.orch.ProcessInteraction(ctx, sess.ID, prompt, nil)
		require.NoError(t, err)
	}

	analysis, err := risk.NewScorer(f.store, f.policy.RiskAnalysis).AnalyzeSession(ctx, sess.ID)
	require.NoError(t, err)
	var found *risk.Finding
	for i := range analysis.Findings {
		if analysis.Findings[i].Type == evidence.RiskPIIExposure {
			found = &analysis.Findings[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, evidence.DimensionEthical, found.Dimension)
	assert.Len(t, found.TraceIDs, 2)
	assert.Contains(t, found.Description, "email")
	assert.Contains(t, found.Description, "national_id")
}

func TestProcessInteraction_CallerCancellationDoesNotAbort(t *testing.T) {
	provider := &testutil.SlowProvider{ProviderName: "openai", Delay: 100 * time.Millisecond,
		Content: "Una variable guarda un valor."}
	f := newFixture(t, withProvider(provider))
	sess := testutil.NewTestSession(t, f.store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := f.orch.ProcessInteraction(ctx, sess.ID, "¿qué es una variable?", nil)
	require.NoError(t, err)
	assert.False(t, res.Fallback)

	_, err = f.store.GetTrace(context.Background(), res.TraceID)
	require.NoError(t, err)
}

func TestProcessInteraction_SustainedDependencyLocksSession(t *testing.T) {
	provider := &testutil.MockProvider{ProviderName: "openai", Content: "¿Qué parte no entiendes?"}
	f := newFixture(t, withProvider(provider))
	sess := testutil.NewTestSession(t, f.store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.recorder.RecordInteraction(ctx, sess.ID,
			evidence.TraceInput{Content: "previa", CognitiveState: "implementation"},
			evidence.TraceInput{Content: "código", AssistanceIntensity: 0.9}, nil)
		require.NoError(t, err)
	}

	res, err := f.orch.ProcessInteraction(ctx, sess.ID, "¿qué es una variable?", nil)
	require.NoError(t, err)
	assert.Equal(t, "red", res.Semaphore)
	assert.True(t, res.Blocked)

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, got.Locked())
	assert.Equal(t, evidence.StatusActive, got.Status)

	// Red stays while the lock is in force, even though the average dropped.
	res, err = f.orch.ProcessInteraction(ctx, sess.ID, "¿qué es una variable?", nil)
	require.NoError(t, err)
	assert.Equal(t, "red", res.Semaphore)
	assert.Equal(t, "session is under governance lock", res.BlockReason)

	// Only an explicit unlock clears it; the average is now amber territory.
	_, err = f.store.UnlockSession(ctx, sess.ID)
	require.NoError(t, err)
	res, err = f.orch.ProcessInteraction(ctx, sess.ID, "¿qué es una variable?", nil)
	require.NoError(t, err)
	assert.Equal(t, "amber", res.Semaphore)
	assert.False(t, res.Blocked)
}

func TestProcessInteraction_HighDependencyProducesOneRisk(t *testing.T) {
	provider := &testutil.MockProvider{ProviderName: "openai",
		Content: "Así se declara:\n```python\nedad = 20\n```"}
	f := newFixture(t, withPolicy(relaxedPolicy()), withProvider(provider))
	scorer := risk.NewScorer(f.store, f.policy.RiskAnalysis)
	dispatcher := risk.NewDispatcher(scorer, 2, 16)
	f.orch.dispatcher = dispatcher
	sess := testutil.NewTestSession(t, f.store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := f.orch.ProcessInteraction(ctx, sess.ID, "¿qué es una variable?", nil)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.AssistanceIntensity, 0.8)
		_, err = f.orch.RecordEvent(ctx, sess.ID, evidence.KindCodeModification, "cambié el nombre de la variable", nil)
		require.NoError(t, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, dispatcher.Wait(waitCtx))
	require.NoError(t, dispatcher.Shutdown(waitCtx))

	risks, err := f.store.ListRisks(ctx, sess.ID, true)
	require.NoError(t, err)
	require.Len(t, risks, 1)
	assert.Equal(t, evidence.DimensionCognitive, risks[0].Dimension)
	assert.Equal(t, evidence.RiskAIDependency, risks[0].Type)
	assert.Equal(t, evidence.SeverityHigh, risks[0].Severity)
	assert.False(t, risks[0].Resolved)
}

func TestRecordEvent_Validation(t *testing.T) {
	f := newFixture(t)
	sess := testutil.NewTestSession(t, f.store)
	ctx := context.Background()

	_, err := f.orch.RecordEvent(ctx, "nope", evidence.KindSelfCorrection, "x", nil)
	assert.ErrorIs(t, err, intake.ErrRejected)

	_, err = f.orch.RecordEvent(ctx, sess.ID, evidence.KindAIResponse, "x", nil)
	assert.ErrorIs(t, err, intake.ErrRejected)

	tr, err := f.orch.RecordEvent(ctx, sess.ID, evidence.KindSelfCorrection, "escribí a ana@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, evidence.LevelRaw, tr.Level)
	assert.NotContains(t, tr.Content, "ana@example.com")
}
