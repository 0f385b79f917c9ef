// Package orchestrator runs one learner interaction through the pipeline:
// validation, sanitization, classification, governance, routing,
// generation and trace recording, then hands the session to background risk
// analysis.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/mentor/internal/cognition"
	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/generation"
	"github.com/dativo-io/mentor/internal/intake"
	mentorotel "github.com/dativo-io/mentor/internal/otel"
	"github.com/dativo-io/mentor/internal/pii"
	"github.com/dativo-io/mentor/internal/policy"
	"github.com/dativo-io/mentor/internal/strategy"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/orchestrator")

// ErrSessionNotActive is returned when an interaction targets a session that
// is paused, completed or aborted.
var ErrSessionNotActive = errors.New("session is not active")

const procedureSource = "orchestrator"

// RiskDispatcher accepts sessions for background risk analysis.
type RiskDispatcher interface {
	Dispatch(sessionID string) error
}

// Config holds the orchestrator's dependencies. Engine and Recorder are
// required; the rest default to the embedded tables.
type Config struct {
	Validator  *intake.Validator
	Sanitizer  *pii.Sanitizer
	Classifier *cognition.Classifier
	Engine     *policy.Engine
	Adapter    *generation.Adapter
	Recorder   *evidence.Recorder
	Dispatcher RiskDispatcher // optional; nil disables background analysis
}

// Orchestrator is immutable after construction and safe for concurrent use.
type Orchestrator struct {
	validator  *intake.Validator
	sanitizer  *pii.Sanitizer
	classifier *cognition.Classifier
	engine     *policy.Engine
	adapter    *generation.Adapter
	recorder   *evidence.Recorder
	store      *evidence.Store
	dispatcher RiskDispatcher

	historyWindow int
	abortOnLock   bool
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil || cfg.Engine.Policy() == nil {
		return nil, fmt.Errorf("orchestrator: policy engine is required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("orchestrator: trace recorder is required")
	}
	o := &Orchestrator{
		validator:  cfg.Validator,
		sanitizer:  cfg.Sanitizer,
		classifier: cfg.Classifier,
		engine:     cfg.Engine,
		adapter:    cfg.Adapter,
		recorder:   cfg.Recorder,
		store:      cfg.Recorder.Store(),
		dispatcher: cfg.Dispatcher,
	}
	if o.validator == nil {
		o.validator = intake.NewValidator()
	}
	if o.sanitizer == nil {
		o.sanitizer = pii.MustNewSanitizer()
	}
	if o.classifier == nil {
		o.classifier = cognition.MustNewClassifier()
	}
	if o.adapter == nil {
		o.adapter = generation.NewAdapter(nil)
	}

	gov := cfg.Engine.Policy().Governance
	o.historyWindow = gov.HistoryWindow
	if o.historyWindow < 1 {
		o.historyWindow = 10
	}
	o.abortOnLock = gov.AbortOnLock
	return o, nil
}

// InteractionResult is what the caller receives for one interaction.
type InteractionResult struct {
	InteractionID          string   `json:"interaction_id"`
	SessionID              string   `json:"session_id"`
	ResponseText           string   `json:"response_text"`
	AgentUsed              string   `json:"agent_used"`
	CognitiveStateDetected string   `json:"cognitive_state_detected"`
	AssistanceIntensity    float64  `json:"assistance_intensity"`
	Semaphore              string   `json:"semaphore"`
	Blocked                bool     `json:"blocked"`
	BlockReason            string   `json:"block_reason,omitempty"`
	Fallback               bool     `json:"fallback"`
	TraceID                string   `json:"trace_id"`
	InboundTraceID         string   `json:"inbound_trace_id"`
	RiskIDs                []string `json:"risk_ids"`
	SessionStatus          string   `json:"session_status"`
}

// ProcessInteraction runs one learner prompt through the pipeline. Invalid
// input is rejected with an error wrapping intake.ErrRejected before any
// state is touched. Once generation starts, caller cancellation no longer
// aborts the interaction: the response is produced and recorded regardless.
func (o *Orchestrator) ProcessInteraction(ctx context.Context, sessionID, prompt string, contextMap map[string]any) (*InteractionResult, error) {
	start := time.Now()
	interactionID := "int_" + uuid.NewString()

	ctx, span := tracer.Start(ctx, "orchestrator.process_interaction",
		trace.WithAttributes(
			attribute.String("interaction_id", interactionID),
			mentorotel.MentorSessionID.String(sessionID),
		))
	defer span.End()

	// Step 1: Validate input
	if err := o.validator.Validate(ctx, sessionID, prompt, contextMap); err != nil {
		span.RecordError(err)
		log.Info().
			Func(mentorotel.LogTraceFields(ctx)).
			Str("session_id", sessionID).
			Err(err).
			Msg("interaction_rejected")
		return nil, err
	}

	// Step 2: Load the session
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if sess.Status != evidence.StatusActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrSessionNotActive)
	}
	mode, err := strategy.ParseMode(sess.Mode)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	span.SetAttributes(mentorotel.MentorSessionMode.String(string(mode)))

	log.Info().
		Func(mentorotel.LogTraceFields(ctx)).
		Str("interaction_id", interactionID).
		Str("session_id", sessionID).
		Str("mode", string(mode)).
		Msg("interaction_started")

	// Step 3: Sanitize prompt and context
	cleanPrompt, promptKinds := o.sanitizer.Sanitize(ctx, prompt)
	cleanContext, contextKinds := o.sanitizer.SanitizeContext(ctx, contextMap)
	piiKinds := mergeKinds(promptKinds, contextKinds)

	// Step 4: Load history
	hist, err := o.loadHistory(ctx, sess)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Step 5: Classify
	class := o.classifier.Classify(ctx, cleanPrompt, hist.states)

	// Step 6: Govern
	verdict := o.engine.Evaluate(ctx, policy.Input{
		CognitiveState:    string(class.State),
		IntentLabel:       class.Intent,
		TotalDelegation:   class.TotalDelegation,
		AssistanceAverage: hist.average,
		Samples:           len(hist.intensities),
		SessionLocked:     sess.Locked(),
		OpenRisks:         hist.openRisks,
	})

	// Step 7: Route
	strat := strategy.SelectStrategy(mode, verdict)

	// Step 8: Generate. The provider call and the writes that follow must
	// survive the caller going away.
	detached := context.WithoutCancel(ctx)
	out := o.adapter.Generate(detached, strat, cleanPrompt, cleanContext, verdict)

	// Step 9: Record the interaction
	inbound, outbound := o.buildTraces(interactionID, cleanPrompt, cleanContext, piiKinds, hist, class, verdict, out)
	var lock *evidence.LockRequest
	if verdict.Lock && !sess.Locked() {
		lock = &evidence.LockRequest{Reason: verdict.BlockReason, Abort: o.abortOnLock}
	}
	rec, err := o.recorder.RecordInteraction(detached, sessionID, inbound, outbound, lock)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).
			Func(mentorotel.LogTraceFields(ctx)).
			Str("interaction_id", interactionID).
			Str("session_id", sessionID).
			Msg("interaction_record_failed")
		return nil, fmt.Errorf("recording interaction: %w", err)
	}
	if lock != nil {
		log.Warn().
			Func(mentorotel.LogTraceFields(ctx)).
			Str("session_id", sessionID).
			Str("reason", lock.Reason).
			Bool("aborted", lock.Abort).
			Msg("governance_lock_applied")
	}

	// Step 10: Hand off to background risk analysis
	o.dispatchAnalysis(ctx, sessionID)

	riskIDs := o.openRiskIDs(detached, sessionID)
	recordInteractionMetrics(detached, mode, verdict, out)

	span.SetAttributes(
		mentorotel.MentorCognitiveState.String(string(class.State)),
		mentorotel.MentorSemaphore.String(verdict.Semaphore.String()),
		mentorotel.MentorStrategy.String(strat.String()),
		mentorotel.MentorAssistance.Float64(out.Intensity),
		attribute.String("trace.id", rec.Outbound.ID),
	)
	log.Info().
		Func(mentorotel.LogTraceFields(ctx)).
		Str("interaction_id", interactionID).
		Str("session_id", sessionID).
		Str("trace_id", rec.Outbound.ID).
		Str("cognitive_state", string(class.State)).
		Str("semaphore", verdict.Semaphore.String()).
		Str("strategy", strat.String()).
		Float64("assistance_intensity", out.Intensity).
		Bool("fallback", out.Fallback).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("interaction_completed")

	return &InteractionResult{
		InteractionID:          interactionID,
		SessionID:              sessionID,
		ResponseText:           out.Text,
		AgentUsed:              strat.String(),
		CognitiveStateDetected: string(class.State),
		AssistanceIntensity:    out.Intensity,
		Semaphore:              verdict.Semaphore.String(),
		Blocked:                verdict.Blocked,
		BlockReason:            verdict.BlockReason,
		Fallback:               out.Fallback,
		TraceID:                rec.Outbound.ID,
		InboundTraceID:         rec.Inbound.ID,
		RiskIDs:                riskIDs,
		SessionStatus:          string(rec.Session.Status),
	}, nil
}

type history struct {
	states      []cognition.State
	intensities []float64
	average     float64
	openRisks   []policy.OpenRisk
}

func (o *Orchestrator) loadHistory(ctx context.Context, sess *evidence.Session) (*history, error) {
	states, err := o.store.RecentStates(ctx, sess.ID, o.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("loading state history: %w", err)
	}
	intensities, err := o.store.RecentIntensities(ctx, sess.ID, o.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("loading assistance history: %w", err)
	}
	risks, err := o.store.OpenRisks(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("loading open risks: %w", err)
	}

	h := &history{intensities: intensities}
	for _, s := range states {
		h.states = append(h.states, cognition.State(s))
	}
	if len(intensities) > 0 {
		var sum float64
		for _, x := range intensities {
			sum += x
		}
		h.average = sum / float64(len(intensities))
	}
	for _, r := range risks {
		h.openRisks = append(h.openRisks, policy.OpenRisk{Dimension: r.Dimension, Type: r.Type, Severity: r.Severity})
	}
	return h, nil
}

func (o *Orchestrator) buildTraces(
	interactionID, prompt string,
	contextMap map[string]any,
	piiKinds []string,
	hist *history,
	class cognition.Result,
	v policy.Verdict,
	out generation.Output,
) (inbound, outbound evidence.TraceInput) {
	historyStates := make([]string, 0, len(hist.states))
	for _, s := range hist.states {
		historyStates = append(historyStates, string(s))
	}

	inbound = evidence.TraceInput{
		Content:                prompt,
		Context:                contextMap,
		CognitiveState:         string(class.State),
		Intent:                 v.Intent.String(),
		DecisionJustification:  stringValue(contextMap, "justification"),
		AlternativesConsidered: stringList(contextMap, "alternatives"),
		Dimensions: evidence.Dimensions{
			Semantic: evidence.NewBlock(evidence.SchemaSemanticInbound, &evidence.SemanticInbound{
				Runes:       utf8.RuneCountInString(prompt),
				PIIRedacted: piiKinds,
				ContextKeys: sortedKeys(contextMap),
			}),
			Reasoning: evidence.NewBlock(evidence.SchemaReasoningInbound, &evidence.ReasoningInbound{
				CognitiveState:  string(class.State),
				Intent:          class.Intent,
				TotalDelegation: class.TotalDelegation,
				MatchedRules:    class.MatchedRules,
				HistoryStates:   historyStates,
			}),
			Procedural: evidence.NewBlock(evidence.SchemaProcedural, &evidence.Procedural{
				InteractionID: interactionID,
				Source:        procedureSource,
				Step:          "inbound",
			}),
		},
	}
	if generation.LooksLikeCode(prompt) {
		inbound.Dimensions.Algorithmic = evidence.NewBlock(evidence.SchemaAlgorithmic, &evidence.Algorithmic{
			CodeFences:    generation.CountCodeFences(prompt),
			LooksLikeCode: true,
		})
	}

	reasons := v.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	outbound = evidence.TraceInput{
		Content:             out.Text,
		Context:             map[string]any{"interaction_id": interactionID},
		AssistanceIntensity: out.Intensity,
		Strategy:            out.Strategy.String(),
		Dimensions: evidence.Dimensions{
			Semantic: evidence.NewBlock(evidence.SchemaSemanticOutbound, &evidence.SemanticOutbound{
				Runes:        utf8.RuneCountInString(out.Text),
				PureQuestion: generation.IsPureQuestion(out.Text),
				CodeRedacted: out.CodeRedacted,
				HasCodeFence: generation.HasCodeFence(out.Text),
			}),
			Reasoning: evidence.NewBlock(evidence.SchemaReasoningOutbound, &evidence.ReasoningOutbound{
				Strategy:  out.Strategy.String(),
				Contract:  out.Strategy.Contract().String(),
				Family:    out.Strategy.Family().String(),
				ModelHint: string(out.ModelHint),
			}),
			Interactional: evidence.NewBlock(evidence.SchemaInteractional, &evidence.Interactional{
				Strategy:       out.Strategy.String(),
				Provider:       out.Provider,
				Model:          out.Model,
				ModelHint:      string(out.ModelHint),
				Fallback:       out.Fallback,
				FallbackReason: out.FallbackReason,
				InputTokens:    out.InputTokens,
				OutputTokens:   out.OutputTokens,
				LatencyMS:      out.Latency.Milliseconds(),
			}),
			Ethical: evidence.NewBlock(evidence.SchemaEthical, &evidence.Ethical{
				Semaphore:             v.Semaphore.String(),
				Intent:                v.Intent.String(),
				Contract:              v.Contract.String(),
				Blocked:               v.Blocked,
				BlockReason:           v.BlockReason,
				Reasons:               reasons,
				JustificationRequired: v.JustificationRequired,
				Lock:                  v.Lock,
				FailClosed:            v.FailClosed,
				PolicyVersion:         v.PolicyVersion,
			}),
			Procedural: evidence.NewBlock(evidence.SchemaProcedural, &evidence.Procedural{
				InteractionID: interactionID,
				Source:        procedureSource,
				Step:          "outbound",
			}),
		},
	}
	if generation.HasCodeFence(out.Text) {
		outbound.Dimensions.Algorithmic = evidence.NewBlock(evidence.SchemaAlgorithmic, &evidence.Algorithmic{
			CodeFences:    generation.CountCodeFences(out.Text),
			LooksLikeCode: true,
		})
	}
	return inbound, outbound
}

func (o *Orchestrator) dispatchAnalysis(ctx context.Context, sessionID string) {
	if o.dispatcher == nil {
		return
	}
	if err := o.dispatcher.Dispatch(sessionID); err != nil {
		log.Warn().Err(err).
			Func(mentorotel.LogTraceFields(ctx)).
			Str("session_id", sessionID).
			Msg("risk_dispatch_failed")
	}
}

func (o *Orchestrator) openRiskIDs(ctx context.Context, sessionID string) []string {
	risks, err := o.store.OpenRisks(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("open_risks_unavailable")
		return []string{}
	}
	ids := make([]string, 0, len(risks))
	for _, r := range risks {
		ids = append(ids, r.ID)
	}
	return ids
}

// RecordEvent appends an externally reported learning event
// (self-correction, code-modification, ...) after sanitizing its content,
// then schedules risk analysis.
func (o *Orchestrator) RecordEvent(ctx context.Context, sessionID string, kind evidence.TraceKind, content string, contextMap map[string]any) (*evidence.CognitiveTrace, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.record_event",
		trace.WithAttributes(mentorotel.MentorSessionID.String(sessionID), attribute.String("trace.kind", string(kind))))
	defer span.End()

	if !intake.ValidSessionID(sessionID) {
		return nil, &intake.RejectionError{Field: "session_id", Reason: "must be a canonical UUIDv4"}
	}
	if !kind.EventKind() {
		return nil, &intake.RejectionError{Field: "kind", Reason: fmt.Sprintf("%q is not an event kind", kind)}
	}
	if utf8.RuneCountInString(content) > intake.MaxPromptChars {
		return nil, &intake.RejectionError{Field: "content", Reason: fmt.Sprintf("must be at most %d characters", intake.MaxPromptChars)}
	}

	cleanContent, contentKinds := o.sanitizer.Sanitize(ctx, content)
	cleanContext, contextKinds := o.sanitizer.SanitizeContext(ctx, contextMap)

	t, err := o.recorder.RecordEvent(context.WithoutCancel(ctx), sessionID, evidence.TraceInput{
		Kind:    kind,
		Content: cleanContent,
		Context: cleanContext,
		Dimensions: evidence.Dimensions{
			Semantic: evidence.NewBlock(evidence.SchemaSemanticInbound, &evidence.SemanticInbound{
				Runes:       utf8.RuneCountInString(cleanContent),
				PIIRedacted: mergeKinds(contentKinds, contextKinds),
				ContextKeys: sortedKeys(cleanContext),
			}),
			Procedural: evidence.NewBlock(evidence.SchemaProcedural, &evidence.Procedural{
				Source: "event",
				Step:   string(kind),
			}),
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	o.dispatchAnalysis(ctx, sessionID)
	return t, nil
}

func mergeKinds(lists ...[]pii.Kind) []string {
	out := []string{}
	seen := map[pii.Kind]bool{}
	for _, l := range lists {
		for _, k := range l {
			if !seen[k] {
				seen[k] = true
				out = append(out, string(k))
			}
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringValue(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func stringList(m map[string]any, key string) []string {
	var out []string
	switch v := m[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
