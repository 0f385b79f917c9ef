// Package risk detects learning-process risks from a session's trace
// history and runs that analysis in the background.
package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/mentor/internal/cognition"
	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/generation"
	mentorotel "github.com/dativo-io/mentor/internal/otel"
	"github.com/dativo-io/mentor/internal/policy"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/risk")

// epsilon absorbs float summation error in threshold comparisons.
const epsilon = 1e-9

// Finding is one detected pattern, before persistence.
type Finding struct {
	Dimension   string   `json:"dimension"`
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	TraceIDs    []string `json:"trace_ids"`
}

// Analysis is the outcome of one AnalyzeSession run.
type Analysis struct {
	SessionID string    `json:"session_id"`
	Findings  []Finding `json:"findings"`
	// Created holds the risks inserted by this run; findings whose type
	// already had an unresolved risk are not repeated here.
	Created []evidence.Risk `json:"created"`
}

// Scorer runs the pattern families over a session's traces.
type Scorer struct {
	store *evidence.Store
	cfg   policy.RiskAnalysisConfig
}

// NewScorer creates a Scorer with thresholds from the policy.
func NewScorer(store *evidence.Store, cfg policy.RiskAnalysisConfig) *Scorer {
	return &Scorer{store: store, cfg: cfg}
}

// AnalyzeSession evaluates the full history of a session and persists new
// findings. Running it twice over the same history creates nothing new.
func (s *Scorer) AnalyzeSession(ctx context.Context, sessionID string) (*Analysis, error) {
	ctx, span := tracer.Start(ctx, "risk.analyze_session",
		trace.WithAttributes(mentorotel.MentorSessionID.String(sessionID)))
	defer span.End()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	traces, err := s.store.ListTraces(ctx, sessionID, evidence.TraceFilter{})
	if err != nil {
		return nil, fmt.Errorf("loading traces: %w", err)
	}

	analysis := &Analysis{SessionID: sessionID, Findings: s.Evaluate(sess, traces)}
	for _, f := range analysis.Findings {
		r := &evidence.Risk{
			SessionID:   sessionID,
			Dimension:   f.Dimension,
			Type:        f.Type,
			Severity:    f.Severity,
			Description: f.Description,
			TraceIDs:    f.TraceIDs,
		}
		created, err := s.store.CreateRisk(ctx, r)
		if err != nil {
			span.RecordError(err)
			return analysis, fmt.Errorf("persisting %s risk: %w", f.Type, err)
		}
		if !created {
			continue
		}
		analysis.Created = append(analysis.Created, *r)
		recordRiskCreated(ctx, r)
		log.Info().
			Func(mentorotel.LogTraceFields(ctx)).
			Str("session_id", sessionID).
			Str("risk_id", r.ID).
			Str("dimension", r.Dimension).
			Str("type", r.Type).
			Str("severity", r.Severity).
			Msg("risk_created")
	}

	span.SetAttributes(
		attribute.Int("risk.findings", len(analysis.Findings)),
		attribute.Int("risk.created", len(analysis.Created)),
	)
	return analysis, nil
}

// Evaluate runs every pattern family over traces (in append order) and
// returns the findings. It does not touch storage.
func (s *Scorer) Evaluate(sess *evidence.Session, traces []evidence.CognitiveTrace) []Finding {
	var out []Finding
	for _, family := range []func([]evidence.CognitiveTrace) *Finding{
		s.delegation,
		s.dependency,
		s.unjustifiedDecisions,
		s.uncriticalAcceptance,
		s.prolongedState,
		s.piiExposure,
		s.integrityRetries,
		s.generationDegradation,
	} {
		if f := family(traces); f != nil {
			out = append(out, *f)
		}
	}
	if sess != nil && sess.Locked() {
		out = append(out, Finding{
			Dimension:   evidence.DimensionGovernance,
			Type:        evidence.RiskPolicyViolation,
			Severity:    evidence.SeverityHigh,
			Description: "session is under governance lock: " + sess.Lock.Reason,
		})
	}
	return out
}

func reasoningInbound(t *evidence.CognitiveTrace) *evidence.ReasoningInbound {
	ri, _ := evidence.PayloadAs[evidence.ReasoningInbound](t.Dimensions.Reasoning)
	return ri
}

func (s *Scorer) delegation(traces []evidence.CognitiveTrace) *Finding {
	var ids []string
	for i := range traces {
		t := &traces[i]
		if t.Kind != evidence.KindUserMessage {
			continue
		}
		if ri := reasoningInbound(t); ri != nil && ri.TotalDelegation {
			ids = append(ids, t.ID)
		}
	}
	n := len(ids)
	if n == 0 || n < s.cfg.DelegationCount {
		return nil
	}
	var sev string
	switch {
	case n >= 8:
		sev = evidence.SeverityCritical
	case n >= 5:
		sev = evidence.SeverityHigh
	case n >= 3:
		sev = evidence.SeverityMedium
	default:
		sev = evidence.SeverityLow
	}
	return &Finding{
		Dimension:   evidence.DimensionCognitive,
		Type:        evidence.RiskCognitiveDelegation,
		Severity:    sev,
		Description: fmt.Sprintf("%d requests delegated the whole task to the assistant", n),
		TraceIDs:    ids,
	}
}

func (s *Scorer) dependency(traces []evidence.CognitiveTrace) *Finding {
	var responses []*evidence.CognitiveTrace
	for i := range traces {
		if traces[i].Kind == evidence.KindAIResponse {
			responses = append(responses, &traces[i])
		}
	}
	window := s.cfg.DependencyWindow
	if window > 0 && len(responses) > window {
		responses = responses[len(responses)-window:]
	}
	if len(responses) == 0 || len(responses) < s.cfg.DependencyMinSamples {
		return nil
	}
	var sum float64
	ids := make([]string, 0, len(responses))
	for _, t := range responses {
		sum += t.AssistanceIntensity
		ids = append(ids, t.ID)
	}
	mean := sum / float64(len(responses))
	if mean+epsilon < s.cfg.DependencyAverage {
		return nil
	}
	sev := evidence.SeverityMedium
	if mean+epsilon >= 0.8 {
		sev = evidence.SeverityHigh
	}
	return &Finding{
		Dimension:   evidence.DimensionCognitive,
		Type:        evidence.RiskAIDependency,
		Severity:    sev,
		Description: fmt.Sprintf("mean assistance intensity %.2f over the last %d responses", mean, len(responses)),
		TraceIDs:    ids,
	}
}

var decisionStates = map[string]bool{
	string(cognition.StatePlanning):       true,
	string(cognition.StateImplementation): true,
	string(cognition.StateValidation):     true,
}

func justified(t *evidence.CognitiveTrace) bool {
	if strings.TrimSpace(t.DecisionJustification) != "" {
		return true
	}
	j, ok := t.Context["justification"].(string)
	return ok && strings.TrimSpace(j) != ""
}

func (s *Scorer) unjustifiedDecisions(traces []evidence.CognitiveTrace) *Finding {
	var decisions int
	var ids []string
	for i := range traces {
		t := &traces[i]
		if t.Kind != evidence.KindUserMessage || !decisionStates[t.CognitiveState] {
			continue
		}
		decisions++
		if !justified(t) {
			ids = append(ids, t.ID)
		}
	}
	if decisions == 0 || decisions < s.cfg.UnjustifiedMinDecisions || len(ids) == 0 {
		return nil
	}
	ratio := float64(len(ids)) / float64(decisions)
	if ratio+epsilon < s.cfg.UnjustifiedRatio {
		return nil
	}
	sev := evidence.SeverityMedium
	if ratio+epsilon >= 0.8 {
		sev = evidence.SeverityHigh
	}
	return &Finding{
		Dimension:   evidence.DimensionEpistemic,
		Type:        evidence.RiskLackOfJustification,
		Severity:    sev,
		Description: fmt.Sprintf("%d of %d decisions were made without justification", len(ids), decisions),
		TraceIDs:    ids,
	}
}

func codeBearing(t *evidence.CognitiveTrace) bool {
	if so, ok := evidence.PayloadAs[evidence.SemanticOutbound](t.Dimensions.Semantic); ok && so.HasCodeFence && !so.CodeRedacted {
		return true
	}
	if alg, ok := evidence.PayloadAs[evidence.Algorithmic](t.Dimensions.Algorithmic); ok && alg.CodeFences > 0 {
		return true
	}
	return false
}

func (s *Scorer) uncriticalAcceptance(traces []evidence.CognitiveTrace) *Finding {
	var ids []string
	pending := ""
	for i := range traces {
		t := &traces[i]
		switch t.Kind {
		case evidence.KindAIResponse:
			if codeBearing(t) {
				pending = t.ID
			}
		case evidence.KindCodeModification, evidence.KindSelfCorrection:
			pending = ""
		case evidence.KindUserMessage:
			if pending != "" {
				ids = append(ids, pending)
				pending = ""
			}
		}
	}
	n := len(ids)
	if n == 0 || n < s.cfg.UnmodifiedAcceptances {
		return nil
	}
	sev := evidence.SeverityMedium
	if n >= 6 {
		sev = evidence.SeverityHigh
	}
	return &Finding{
		Dimension:   evidence.DimensionEpistemic,
		Type:        evidence.RiskUncriticalAcceptance,
		Severity:    sev,
		Description: fmt.Sprintf("%d code-bearing responses were accepted without modification", n),
		TraceIDs:    ids,
	}
}

func (s *Scorer) prolongedState(traces []evidence.CognitiveTrace) *Finding {
	if s.cfg.ProlongedStateMinutes <= 0 {
		return nil
	}
	threshold := time.Duration(s.cfg.ProlongedStateMinutes) * time.Minute

	var best []*evidence.CognitiveTrace
	var bestSpan time.Duration
	var run []*evidence.CognitiveTrace
	flush := func() {
		if len(run) < 2 {
			return
		}
		span := run[len(run)-1].CreatedAt.Sub(run[0].CreatedAt)
		if span > bestSpan {
			bestSpan, best = span, run
		}
	}
	for i := range traces {
		t := &traces[i]
		if t.Kind != evidence.KindUserMessage || t.CognitiveState == "" {
			continue
		}
		if len(run) > 0 && run[0].CognitiveState != t.CognitiveState {
			flush()
			run = nil
		}
		run = append(run, t)
	}
	flush()

	if bestSpan < threshold {
		return nil
	}
	var sev string
	switch ratio := float64(bestSpan) / float64(threshold); {
	case ratio >= 3:
		sev = evidence.SeverityHigh
	case ratio >= 2:
		sev = evidence.SeverityMedium
	default:
		sev = evidence.SeverityLow
	}
	ids := make([]string, 0, len(best))
	for _, t := range best {
		ids = append(ids, t.ID)
	}
	return &Finding{
		Dimension:   evidence.DimensionCognitive,
		Type:        evidence.RiskProlongedState,
		Severity:    sev,
		Description: fmt.Sprintf("learner stayed in %s for %s", best[0].CognitiveState, bestSpan.Round(time.Minute)),
		TraceIDs:    ids,
	}
}

func (s *Scorer) piiExposure(traces []evidence.CognitiveTrace) *Finding {
	var ids []string
	kinds := map[string]bool{}
	for i := range traces {
		t := &traces[i]
		if t.Kind != evidence.KindUserMessage {
			continue
		}
		si, ok := evidence.PayloadAs[evidence.SemanticInbound](t.Dimensions.Semantic)
		if !ok || len(si.PIIRedacted) == 0 {
			continue
		}
		ids = append(ids, t.ID)
		for _, k := range si.PIIRedacted {
			kinds[k] = true
		}
	}
	n := len(ids)
	if n == 0 || n < s.cfg.PIIExposureCount {
		return nil
	}
	sev := evidence.SeverityLow
	if n >= 2*s.cfg.PIIExposureCount {
		sev = evidence.SeverityMedium
	}
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return &Finding{
		Dimension:   evidence.DimensionEthical,
		Type:        evidence.RiskPIIExposure,
		Severity:    sev,
		Description: fmt.Sprintf("%d messages carried personal data (%s), redacted before storage", n, strings.Join(names, ", ")),
		TraceIDs:    ids,
	}
}

func refused(t *evidence.CognitiveTrace) bool {
	eth, ok := evidence.PayloadAs[evidence.Ethical](t.Dimensions.Ethical)
	return ok && (eth.Blocked || eth.Semaphore == policy.Red.String())
}

// integrityRetries counts delegating requests sent right after a response
// that refused to do the work.
func (s *Scorer) integrityRetries(traces []evidence.CognitiveTrace) *Finding {
	var ids []string
	afterRefusal := false
	for i := range traces {
		t := &traces[i]
		switch t.Kind {
		case evidence.KindAIResponse:
			afterRefusal = refused(t)
		case evidence.KindUserMessage:
			if ri := reasoningInbound(t); afterRefusal && ri != nil && ri.TotalDelegation {
				ids = append(ids, t.ID)
			}
		}
	}
	n := len(ids)
	if n == 0 || n < s.cfg.IntegrityRetryCount {
		return nil
	}
	sev := evidence.SeverityMedium
	if n >= 2*s.cfg.IntegrityRetryCount {
		sev = evidence.SeverityHigh
	}
	return &Finding{
		Dimension:   evidence.DimensionEthical,
		Type:        evidence.RiskAcademicIntegrity,
		Severity:    sev,
		Description: fmt.Sprintf("%d requests asked again for the full solution after the assistant declined", n),
		TraceIDs:    ids,
	}
}

// generationDegradation measures fallbacks caused by provider failures.
// Running without any provider configured is not degradation.
func (s *Scorer) generationDegradation(traces []evidence.CognitiveTrace) *Finding {
	var responses []*evidence.CognitiveTrace
	for i := range traces {
		if traces[i].Kind == evidence.KindAIResponse {
			responses = append(responses, &traces[i])
		}
	}
	window := s.cfg.DegradationWindow
	if window <= 0 || len(responses) < window {
		return nil
	}
	responses = responses[len(responses)-window:]

	var ids []string
	reasons := map[string]int{}
	for _, t := range responses {
		ia, ok := evidence.PayloadAs[evidence.Interactional](t.Dimensions.Interactional)
		if !ok || !ia.Fallback || ia.FallbackReason == generation.ReasonNoProvider {
			continue
		}
		ids = append(ids, t.ID)
		reasons[ia.FallbackReason]++
	}
	if len(ids) == 0 {
		return nil
	}
	ratio := float64(len(ids)) / float64(window)
	if ratio+epsilon < s.cfg.DegradationRatio {
		return nil
	}
	sev := evidence.SeverityMedium
	if len(ids) == window {
		sev = evidence.SeverityHigh
	}
	names := make([]string, 0, len(reasons))
	for r, c := range reasons {
		names = append(names, fmt.Sprintf("%s=%d", r, c))
	}
	sort.Strings(names)
	return &Finding{
		Dimension:   evidence.DimensionTechnical,
		Type:        evidence.RiskGenerationDegradation,
		Severity:    sev,
		Description: fmt.Sprintf("%d of the last %d responses fell back after provider failures (%s)", len(ids), window, strings.Join(names, ", ")),
		TraceIDs:    ids,
	}
}
