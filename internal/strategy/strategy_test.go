package strategy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/mentor/internal/policy"
)

func TestStrategyTableIsExhaustive(t *testing.T) {
	seen := map[Strategy]bool{}
	for f := Family(0); f < familyCount; f++ {
		for c := policy.Contract(0); c < policy.ContractCount; c++ {
			s := Lookup(f, c)
			require.True(t, s.Valid())
			assert.Equal(t, f, s.Family())
			assert.Equal(t, c, s.Contract())
			assert.False(t, seen[s], "duplicate strategy %s", s)
			seen[s] = true
		}
	}
	assert.Len(t, seen, Count)
	assert.Equal(t, 20, Count)
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "tutor.ask-guiding-questions", TutorAskGuidingQuestions.String())
	assert.Equal(t, "practice.redirect-to-theory", PracticeRedirectToTheory.String())
	assert.Equal(t, "evaluator.give-graduated-hint", EvaluatorGraduatedHint.String())
	assert.Equal(t, "strategy(99)", Strategy(99).String())

	for s := Strategy(0); s < strategyCount; s++ {
		back, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}
	_, err := ParseStrategy("tutor.write-the-code")
	assert.Error(t, err)
}

func TestGenerativeAndIntensity(t *testing.T) {
	tests := []struct {
		s          Strategy
		generative bool
		base       float64
	}{
		{TutorAskGuidingQuestions, false, 0.2},
		{TutorExplainConcept, true, 0.4},
		{SimulatorGraduatedHint, true, 0.5},
		{EvaluatorRequestJustification, false, 0.2},
		{PracticeRedirectToTheory, false, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.s.String(), func(t *testing.T) {
			assert.Equal(t, tt.generative, tt.s.Generative())
			assert.InDelta(t, tt.base, tt.s.BaseIntensity(), 1e-9)
		})
	}
}

func TestFamilyFor(t *testing.T) {
	assert.Equal(t, FamilyTutor, FamilyFor(ModeGuidedTutor))
	assert.Equal(t, FamilySimulator, FamilyFor(ModeRoleSimulation))
	assert.Equal(t, FamilyEvaluator, FamilyFor(ModeProcessEvaluation))
	assert.Equal(t, FamilyPractice, FamilyFor(ModeFreePractice))
	assert.Equal(t, FamilyTutor, FamilyFor(Mode("unknown")))

	m, err := ParseMode("role-simulation")
	require.NoError(t, err)
	assert.Equal(t, ModeRoleSimulation, m)
	_, err = ParseMode("exam")
	assert.Error(t, err)
}

func TestSelectStrategy(t *testing.T) {
	t.Run("delegation in guided tutor", func(t *testing.T) {
		v := policy.Verdict{Semaphore: policy.Red, Intent: policy.IntentDelegation, Contract: policy.AskGuidingQuestions, Blocked: true}
		s := SelectStrategy(ModeGuidedTutor, v)
		assert.Equal(t, TutorAskGuidingQuestions, s)
		assert.False(t, s.Generative())
	})

	t.Run("green exploration in practice", func(t *testing.T) {
		v := policy.Verdict{Semaphore: policy.Green, Contract: policy.ExplainConceptNoCode}
		assert.Equal(t, PracticeExplainConcept, SelectStrategy(ModeFreePractice, v))
	})

	t.Run("red never generative", func(t *testing.T) {
		for _, m := range Modes {
			for c := policy.Contract(0); c < policy.ContractCount; c++ {
				v := policy.Verdict{Semaphore: policy.Red, Contract: c}
				assert.False(t, SelectStrategy(m, v).Generative(), "%s %s", m, c)
			}
			for i := policy.IntentExploration; i <= policy.IntentValidation; i++ {
				v := policy.Verdict{Semaphore: policy.Red, Contract: policy.SelectContract(policy.Red, i)}
				assert.False(t, SelectStrategy(m, v).Generative())
			}
		}
	})

	t.Run("fail closed verdict", func(t *testing.T) {
		v := policy.FailClosed(policy.IntentExploration, "")
		assert.Equal(t, EvaluatorRedirectToTheory, SelectStrategy(ModeProcessEvaluation, v))
	})
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	for s := Strategy(0); s < strategyCount; s++ {
		assert.NotEmpty(t, c.Persona(s), s.String())
		assert.NotEmpty(t, c.Constraint(s), s.String())
		fb := c.Fallback(s)
		assert.NotEmpty(t, fb, s.String())
		assert.NotContains(t, fb, "```")
	}
	assert.True(t, strings.HasPrefix(c.Fallback(SimulatorAskGuidingQuestions), "Antes de seguir"))
	assert.NotEqual(t, c.Fallback(SimulatorAskGuidingQuestions), c.Fallback(TutorAskGuidingQuestions))
	assert.Equal(t, c.Fallback(TutorRedirectToTheory), c.Fallback(Strategy(-1)))
}

func TestParseCatalogErrors(t *testing.T) {
	_, err := ParseCatalog([]byte("families: ["))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("families: {}\ncontracts: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no persona")

	data := strings.Replace(string(defaultCatalogYAML), "  practice:\n", "  lecturer:\n    persona: x\n  practice:\n", 1)
	_, err = ParseCatalog([]byte(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown family")
}
