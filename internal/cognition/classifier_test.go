package cognition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := MustNewClassifier()
	ctx := context.Background()

	tests := []struct {
		name           string
		text           string
		history        []State
		wantState      State
		wantIntent     string
		wantDelegation bool
	}{
		{
			name:           "total delegation in spanish",
			text:           "dame el código completo para ordenar una lista",
			wantState:      StateImplementation,
			wantIntent:     IntentDelegation,
			wantDelegation: true,
		},
		{
			name:           "delegation wins over other vocabulary",
			text:           "tengo un error, give me the code please",
			wantState:      StateImplementation,
			wantIntent:     IntentDelegation,
			wantDelegation: true,
		},
		{
			name:       "concept question",
			text:       "¿qué es una variable?",
			wantState:  StateExploration,
			wantIntent: IntentExploration,
		},
		{
			name:       "accents are optional",
			text:       "QUE ES una variable",
			wantState:  StateExploration,
			wantIntent: IntentExploration,
		},
		{
			name:       "debugging",
			text:       "me sale un error y el programa no funciona",
			wantState:  StateDebugging,
			wantIntent: IntentDebugging,
		},
		{
			name:       "repeated debugging escalates to stuck",
			text:       "sigue el error en la línea 4",
			history:    []State{StateExploration, StateDebugging, StateDebugging},
			wantState:  StateStuck,
			wantIntent: IntentDebugging,
		},
		{
			name:       "interrupted debugging run does not escalate",
			text:       "sigue el error en la línea 4",
			history:    []State{StateDebugging, StateExploration, StateDebugging},
			wantState:  StateDebugging,
			wantIntent: IntentDebugging,
		},
		{
			name:       "confusion beats exploration on tie",
			text:       "no entiendo qué es un puntero",
			wantState:  StateConfusion,
			wantIntent: IntentClarification,
		},
		{
			name:       "validation",
			text:       "is this correct? I sorted the list with two loops",
			wantState:  StateValidation,
			wantIntent: IntentValidation,
		},
		{
			name:       "planning",
			text:       "¿por dónde empiezo con este ejercicio de recursión?",
			wantState:  StatePlanning,
			wantIntent: IntentExploration,
		},
		{
			name:       "explicit stuck vocabulary",
			text:       "estoy atascado hace rato con esto",
			wantState:  StateStuck,
			wantIntent: IntentDebugging,
		},
		{
			name:       "no match",
			text:       "hola, buen día a todos",
			wantState:  StateUnclassified,
			wantIntent: IntentExploration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(ctx, tt.text, tt.history)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantIntent, got.Intent)
			assert.Equal(t, tt.wantDelegation, got.TotalDelegation)
		})
	}
}

func TestClassify_PhrasesMatchWholeWords(t *testing.T) {
	c := MustNewClassifier()
	// "errores" must not count as "error".
	got := c.Classify(context.Background(), "hablemos de los errores comunes", nil)
	assert.NotEqual(t, StateDebugging, got.State)
}

func TestClassify_MatchedRulesRecorded(t *testing.T) {
	c := MustNewClassifier()
	got := c.Classify(context.Background(), "dame el código completo para ordenar una lista", nil)
	require.Len(t, got.MatchedRules, 1)
	assert.Equal(t, "delegation:full_solution_es", got.MatchedRules[0])
}

func TestFold(t *testing.T) {
	assert.Equal(t, " que es una variable ", fold("¿Qué es una VARIABLE?"))
	assert.Equal(t, " i m stuck ", fold("I'm stuck!!"))
	assert.Equal(t, " ", fold("¿?"))
}

func TestParseVocabulary_RejectsUnknownState(t *testing.T) {
	_, err := ParseVocabulary([]byte("states:\n  - state: daydreaming\n    intent: exploration\n    phrases: [zzz]\n"))
	assert.ErrorContains(t, err, "unknown state")

	_, err = ParseVocabulary([]byte("states:\n  - state: planning\n    phrases: [x]\n"))
	assert.ErrorContains(t, err, "no intent")
}

func TestNewClassifier_CustomVocabulary(t *testing.T) {
	vf, err := ParseVocabulary([]byte(`
delegation:
  - name: custom
    phrases: [resolvelo ya]
states:
  - state: reflection
    intent: exploration
    phrases: [retro]
`))
	require.NoError(t, err)
	c, err := NewClassifier(vf)
	require.NoError(t, err)

	assert.True(t, c.Classify(context.Background(), "resolvelo ya por favor", nil).TotalDelegation)
	assert.Equal(t, StateReflection, c.Classify(context.Background(), "hagamos una retro", nil).State)
}
