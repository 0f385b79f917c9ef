// Package policy is the pedagogical governance engine: it turns a classified
// learner message plus session history into a semaphore verdict and the
// scaffolding contract the response must follow.
package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// regoPolicy maps a Rego file to the query evaluated against it.
type regoPolicy struct {
	file  string
	query string
}

var semaphorePolicy = regoPolicy{
	file:  "rego/semaphore.rego",
	query: "data.mentor.governance.semaphore",
}

// FailClosedReason is the block reason of a verdict produced without a
// usable policy.
const FailClosedReason = "governance policy unavailable; most restrictive contract applied"

// OpenRisk is an unresolved risk that the semaphore stage takes into account.
type OpenRisk struct {
	Dimension string `json:"dimension"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
}

// Input is everything the engine needs for one evaluation. All of it is
// derived from persisted state and the current classification.
type Input struct {
	CognitiveState    string
	IntentLabel       string
	TotalDelegation   bool
	AssistanceAverage float64
	Samples           int
	SessionLocked     bool
	OpenRisks         []OpenRisk
}

// Verdict is the governance decision for one interaction.
type Verdict struct {
	Semaphore             Semaphore `json:"-"`
	Intent                Intent    `json:"-"`
	Contract              Contract  `json:"-"`
	Blocked               bool      `json:"blocked"`
	BlockReason           string    `json:"block_reason,omitempty"`
	Reasons               []string  `json:"reasons"`
	JustificationRequired bool      `json:"justification_required"`
	Lock                  bool      `json:"lock"`
	FailClosed            bool      `json:"fail_closed"`
	PolicyVersion         string    `json:"policy_version"`
}

// FailClosed is the verdict used whenever the policy cannot be evaluated.
func FailClosed(intent Intent, policyVersion string) Verdict {
	return Verdict{
		Semaphore:             Red,
		Intent:                intent,
		Contract:              RedirectToTheory,
		Blocked:               true,
		BlockReason:           FailClosedReason,
		Reasons:               []string{FailClosedReason},
		JustificationRequired: true,
		FailClosed:            true,
		PolicyVersion:         policyVersion,
	}
}

// Engine evaluates the governance policy using embedded OPA. It is
// immutable after construction and safe for concurrent use.
type Engine struct {
	policy   *Policy
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine prepares the Rego semaphore policy with pol loaded as
// data.policy.
func NewEngine(ctx context.Context, pol *Policy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	if pol == nil {
		return nil, fmt.Errorf("policy is nil")
	}
	policyData, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	prepared, err := prepareRegoQueries(ctx, []regoPolicy{semaphorePolicy}, map[string]interface{}{
		"policy": policyData,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))
	return &Engine{policy: pol, prepared: prepared}, nil
}

// Policy returns the policy the engine was built from.
func (e *Engine) Policy() *Policy {
	if e == nil {
		return nil
	}
	return e.policy
}

func prepareRegoQueries(ctx context.Context, policies []regoPolicy, opaData map[string]interface{}) (map[string]rego.PreparedEvalQuery, error) {
	prepared := make(map[string]rego.PreparedEvalQuery, len(policies))

	for _, rp := range policies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(inmem.NewFromObject(opaData)),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = pq
	}
	return prepared, nil
}

// Evaluate runs the intent, semaphore and scaffolding-selection stages. It
// never returns an error: anything that prevents a sound decision yields the
// fail-closed verdict.
func (e *Engine) Evaluate(ctx context.Context, in Input) Verdict {
	intent := ParseIntent(in.IntentLabel)
	if in.TotalDelegation {
		intent = IntentDelegation
	}

	if e == nil || e.policy == nil {
		log.Error().Msg("governance_fail_closed: no policy engine")
		return FailClosed(intent, "")
	}

	ctx, span := tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("policy.version", e.policy.VersionTag),
			mentorotel.MentorIntent.String(intent.String()),
		))
	defer span.End()

	if err := e.policy.Validate(); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("policy_version", e.policy.VersionTag).Msg("governance_fail_closed")
		return FailClosed(intent, e.policy.VersionTag)
	}

	sets, err := e.evaluateSemaphore(ctx, in, intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("policy_version", e.policy.VersionTag).Msg("governance_fail_closed")
		return FailClosed(intent, e.policy.VersionTag)
	}

	v := Verdict{
		Semaphore:     Green,
		Intent:        intent,
		Reasons:       []string{},
		PolicyVersion: e.policy.VersionTag,
		Lock:          len(sets["lock"]) > 0,
	}
	switch {
	case v.Lock || len(sets["red"]) > 0:
		v.Semaphore = Red
		v.Reasons = append(append(v.Reasons, sets["lock"]...), sets["red"]...)
		v.Blocked = true
		v.BlockReason = v.Reasons[0]
	case len(sets["amber"]) > 0:
		v.Semaphore = Amber
		v.Reasons = append(v.Reasons, sets["amber"]...)
	}
	v.Contract = SelectContract(v.Semaphore, intent)
	v.JustificationRequired = v.Semaphore == Amber || e.policy.Governance.RequireJustification

	span.SetAttributes(
		mentorotel.MentorSemaphore.String(v.Semaphore.String()),
		mentorotel.MentorContract.String(v.Contract.String()),
		attribute.Bool("policy.lock", v.Lock),
	)
	return v
}

func (e *Engine) evaluateSemaphore(ctx context.Context, in Input, intent Intent) (map[string][]string, error) {
	pq, ok := e.prepared[semaphorePolicy.file]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", semaphorePolicy.file)
	}

	risks := make([]interface{}, 0, len(in.OpenRisks))
	for _, r := range in.OpenRisks {
		risks = append(risks, map[string]interface{}{
			"dimension": r.Dimension,
			"type":      r.Type,
			"severity":  r.Severity,
		})
	}
	input := map[string]interface{}{
		"intent":             intent.String(),
		"cognitive_state":    in.CognitiveState,
		"total_delegation":   in.TotalDelegation,
		"assistance_average": in.AssistanceAverage,
		"samples":            in.Samples,
		"session_locked":     in.SessionLocked,
		"open_risks":         risks,
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", semaphorePolicy.file, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("evaluating %s: undefined result", semaphorePolicy.file)
	}
	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("evaluating %s: unexpected result type %T", semaphorePolicy.file, results[0].Expressions[0].Value)
	}

	sets := make(map[string][]string, 3)
	for _, key := range []string{"lock", "red", "amber"} {
		sets[key] = stringSet(doc[key])
	}
	return sets, nil
}

// stringSet extracts the messages of a Rego set. OPA returns sets as
// []interface{} or, occasionally, map[string]interface{}. Sorted so verdict
// reasons are deterministic.
func stringSet(v interface{}) []string {
	var out []string
	switch t := v.(type) {
	case []interface{}:
		for _, msg := range t {
			if s, ok := msg.(string); ok {
				out = append(out, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range t {
			if s, ok := msg.(string); ok {
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// policyToData converts a Policy to map[string]interface{} for OPA via a
// JSON round trip.
func policyToData(pol *Policy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}
	return data, nil
}
