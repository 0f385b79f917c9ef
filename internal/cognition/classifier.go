// Package cognition infers the learner's cognitive state and intent from a
// single sanitized message plus a short history of earlier states.
package cognition

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	mentorotel "github.com/dativo-io/mentor/internal/otel"
)

var tracer = mentorotel.Tracer("github.com/dativo-io/mentor/internal/cognition")

// State is a cognitive-state label.
type State string

const (
	StateExploration    State = "exploration"
	StatePlanning       State = "planning"
	StateImplementation State = "implementation"
	StateDebugging      State = "debugging"
	StateValidation     State = "validation"
	StateReflection     State = "reflection"
	StateConfusion      State = "confusion"
	StateStuck          State = "stuck"
	StateUnclassified   State = "unclassified"
)

var knownStates = map[State]bool{
	StateExploration: true, StatePlanning: true, StateImplementation: true,
	StateDebugging: true, StateValidation: true, StateReflection: true,
	StateConfusion: true, StateStuck: true, StateUnclassified: true,
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool { return knownStates[s] }

// Intent labels produced by the classifier. They line up with the
// governance intent taxonomy.
const (
	IntentExploration   = "exploration"
	IntentDebugging     = "debugging"
	IntentDelegation    = "delegation"
	IntentClarification = "clarification"
	IntentValidation    = "validation"
)

// stuckRun is how many consecutive debugging messages (current included)
// escalate to StateStuck.
const stuckRun = 3

// Result is the classifier output for one message.
type Result struct {
	State           State    `json:"state"`
	Intent          string   `json:"intent"`
	TotalDelegation bool     `json:"total_delegation"`
	MatchedRules    []string `json:"matched_rules"`
}

type compiledRule struct {
	state   State
	intent  string
	phrases []string
}

type compiledGroup struct {
	name    string
	phrases []string
}

// Classifier is a deterministic, rule-based cognitive-state classifier.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	delegation []compiledGroup
	rules      []compiledRule
}

// NewClassifier compiles a vocabulary. A nil vocabulary uses the embedded one.
func NewClassifier(vf *VocabularyFile) (*Classifier, error) {
	if vf == nil {
		var err error
		vf, err = DefaultVocabulary()
		if err != nil {
			return nil, err
		}
	}
	c := &Classifier{}
	for _, g := range vf.Delegation {
		c.delegation = append(c.delegation, compiledGroup{name: g.Name, phrases: foldAll(g.Phrases)})
	}
	for _, r := range vf.States {
		c.rules = append(c.rules, compiledRule{
			state:   State(r.State),
			intent:  r.Intent,
			phrases: foldAll(r.Phrases),
		})
	}
	return c, nil
}

// MustNewClassifier is NewClassifier with the embedded vocabulary, panicking on error.
func MustNewClassifier() *Classifier {
	c, err := NewClassifier(nil)
	if err != nil {
		panic(fmt.Sprintf("cognition.NewClassifier: %v", err))
	}
	return c
}

// Classify labels text. history holds earlier states of the session, oldest
// first. Total-delegation phrases short-circuit every other rule.
func (c *Classifier) Classify(ctx context.Context, text string, history []State) Result {
	_, span := tracer.Start(ctx, "cognition.classify")
	defer span.End()

	res := c.classify(text, history)
	span.SetAttributes(
		mentorotel.MentorCognitiveState.String(string(res.State)),
		mentorotel.MentorIntent.String(res.Intent),
		attribute.Bool("mentor.total_delegation", res.TotalDelegation),
	)
	return res
}

func (c *Classifier) classify(text string, history []State) Result {
	folded := fold(text)

	for _, g := range c.delegation {
		if hits := countHits(folded, g.phrases); hits > 0 {
			return Result{
				State:           StateImplementation,
				Intent:          IntentDelegation,
				TotalDelegation: true,
				MatchedRules:    []string{"delegation:" + g.name},
			}
		}
	}

	best := -1
	bestHits := 0
	var matched []string
	for i, r := range c.rules {
		hits := countHits(folded, r.phrases)
		if hits == 0 {
			continue
		}
		matched = append(matched, "state:"+string(r.state))
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}

	if best < 0 {
		return Result{State: StateUnclassified, Intent: IntentExploration, MatchedRules: []string{}}
	}

	res := Result{State: c.rules[best].state, Intent: c.rules[best].intent, MatchedRules: matched}
	if res.State == StateDebugging && trailingRun(history, StateDebugging, StateStuck) >= stuckRun-1 {
		res.State = StateStuck
		res.MatchedRules = append(res.MatchedRules, "history:repeated_debugging")
	}
	return res
}

// trailingRun counts how many of the most recent history entries are one of states.
func trailingRun(history []State, states ...State) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		hit := false
		for _, s := range states {
			if history[i] == s {
				hit = true
				break
			}
		}
		if !hit {
			break
		}
		n++
	}
	return n
}

func countHits(folded string, phrases []string) int {
	hits := 0
	for _, p := range phrases {
		if strings.Contains(folded, p) {
			hits++
		}
	}
	return hits
}

func foldAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if f := fold(p); strings.TrimSpace(f) != "" {
			out = append(out, f)
		}
	}
	return out
}
