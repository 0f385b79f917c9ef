// Package strategy maps a session mode and a governance verdict to one of
// a closed set of response strategies.
package strategy

import (
	"fmt"

	"github.com/dativo-io/mentor/internal/policy"
)

// Mode is the pedagogical mode a session was created with.
type Mode string

const (
	ModeGuidedTutor       Mode = "guided-tutor"
	ModeRoleSimulation    Mode = "role-simulation"
	ModeProcessEvaluation Mode = "process-evaluation"
	ModeFreePractice      Mode = "free-practice"
)

// Modes lists every valid mode.
var Modes = []Mode{ModeGuidedTutor, ModeRoleSimulation, ModeProcessEvaluation, ModeFreePractice}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown session mode %q", s)
}

// Family groups strategies that share a persona.
type Family int

const (
	FamilyTutor Family = iota
	FamilySimulator
	FamilyEvaluator
	FamilyPractice
	familyCount
)

var familyNames = [familyCount]string{
	FamilyTutor:     "tutor",
	FamilySimulator: "simulator",
	FamilyEvaluator: "evaluator",
	FamilyPractice:  "practice",
}

func (f Family) String() string {
	if f < 0 || f >= familyCount {
		return fmt.Sprintf("family(%d)", int(f))
	}
	return familyNames[f]
}

// FamilyFor maps a mode to its family. Unknown modes get the tutor.
func FamilyFor(m Mode) Family {
	switch m {
	case ModeRoleSimulation:
		return FamilySimulator
	case ModeProcessEvaluation:
		return FamilyEvaluator
	case ModeFreePractice:
		return FamilyPractice
	default:
		return FamilyTutor
	}
}

// Strategy is a concrete response strategy: a family persona bound to a
// scaffolding contract.
type Strategy int

const (
	TutorAskGuidingQuestions Strategy = iota
	TutorExplainConcept
	TutorGraduatedHint
	TutorRequestJustification
	TutorRedirectToTheory
	SimulatorAskGuidingQuestions
	SimulatorExplainConcept
	SimulatorGraduatedHint
	SimulatorRequestJustification
	SimulatorRedirectToTheory
	EvaluatorAskGuidingQuestions
	EvaluatorExplainConcept
	EvaluatorGraduatedHint
	EvaluatorRequestJustification
	EvaluatorRedirectToTheory
	PracticeAskGuidingQuestions
	PracticeExplainConcept
	PracticeGraduatedHint
	PracticeRequestJustification
	PracticeRedirectToTheory
	strategyCount
)

// Count is the number of strategies.
const Count = int(strategyCount)

// strategyTable is the routing table, one cell per family and contract.
var strategyTable = [familyCount][policy.ContractCount]Strategy{
	FamilyTutor: {
		policy.AskGuidingQuestions:  TutorAskGuidingQuestions,
		policy.ExplainConceptNoCode: TutorExplainConcept,
		policy.GiveGraduatedHint:    TutorGraduatedHint,
		policy.RequestJustification: TutorRequestJustification,
		policy.RedirectToTheory:     TutorRedirectToTheory,
	},
	FamilySimulator: {
		policy.AskGuidingQuestions:  SimulatorAskGuidingQuestions,
		policy.ExplainConceptNoCode: SimulatorExplainConcept,
		policy.GiveGraduatedHint:    SimulatorGraduatedHint,
		policy.RequestJustification: SimulatorRequestJustification,
		policy.RedirectToTheory:     SimulatorRedirectToTheory,
	},
	FamilyEvaluator: {
		policy.AskGuidingQuestions:  EvaluatorAskGuidingQuestions,
		policy.ExplainConceptNoCode: EvaluatorExplainConcept,
		policy.GiveGraduatedHint:    EvaluatorGraduatedHint,
		policy.RequestJustification: EvaluatorRequestJustification,
		policy.RedirectToTheory:     EvaluatorRedirectToTheory,
	},
	FamilyPractice: {
		policy.AskGuidingQuestions:  PracticeAskGuidingQuestions,
		policy.ExplainConceptNoCode: PracticeExplainConcept,
		policy.GiveGraduatedHint:    PracticeGraduatedHint,
		policy.RequestJustification: PracticeRequestJustification,
		policy.RedirectToTheory:     PracticeRedirectToTheory,
	},
}

// Valid reports whether s is one of the defined strategies.
func (s Strategy) Valid() bool {
	return s >= 0 && s < strategyCount
}

// Family returns the strategy's family.
func (s Strategy) Family() Family {
	if !s.Valid() {
		return FamilyTutor
	}
	return Family(int(s) / int(policy.ContractCount))
}

// Contract returns the scaffolding contract the strategy implements.
func (s Strategy) Contract() policy.Contract {
	if !s.Valid() {
		return policy.RedirectToTheory
	}
	return policy.Contract(int(s) % int(policy.ContractCount))
}

// String renders "family.contract", e.g. "tutor.ask-guiding-questions".
func (s Strategy) String() string {
	if !s.Valid() {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return s.Family().String() + "." + s.Contract().String()
}

// Generative reports whether the strategy may produce explanatory content.
func (s Strategy) Generative() bool {
	return s.Valid() && s.Contract().Generative()
}

// BaseIntensity is the assistance intensity a typical response under this
// strategy carries before the response text is inspected.
func (s Strategy) BaseIntensity() float64 {
	switch s.Contract() {
	case policy.ExplainConceptNoCode:
		return 0.4
	case policy.GiveGraduatedHint:
		return 0.5
	case policy.RedirectToTheory:
		return 0.3
	default:
		return 0.2
	}
}

// ParseStrategy is the inverse of String.
func ParseStrategy(name string) (Strategy, error) {
	for s := Strategy(0); s < strategyCount; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

// Lookup returns the strategy for a family and contract.
func Lookup(f Family, c policy.Contract) Strategy {
	if f < 0 || f >= familyCount {
		f = FamilyTutor
	}
	if c < 0 || c >= policy.ContractCount {
		c = policy.RedirectToTheory
	}
	return strategyTable[f][c]
}

// SelectStrategy is the routing stage: mode selects the family, the
// verdict's contract selects the strategy within it. A red verdict never
// yields a generative strategy.
func SelectStrategy(mode Mode, v policy.Verdict) Strategy {
	c := v.Contract
	if v.Semaphore == policy.Red && c.Generative() {
		c = policy.RedirectToTheory
	}
	return Lookup(FamilyFor(mode), c)
}
