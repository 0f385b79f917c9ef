package policy

import "fmt"

// Intent is the governance intent taxonomy.
type Intent int

const (
	IntentExploration Intent = iota
	IntentDebugging
	IntentDelegation
	IntentClarification
	IntentValidation
	intentCount
)

var intentNames = [intentCount]string{
	IntentExploration:   "exploration",
	IntentDebugging:     "debugging",
	IntentDelegation:    "delegation",
	IntentClarification: "clarification",
	IntentValidation:    "validation",
}

func (i Intent) String() string {
	if i < 0 || i >= intentCount {
		return fmt.Sprintf("intent(%d)", int(i))
	}
	return intentNames[i]
}

// ParseIntent maps a classifier label to an Intent. Unknown labels fall
// back to exploration, the least permissive reading of an unlabelled
// message that still lets the learner progress.
func ParseIntent(label string) Intent {
	for i, name := range intentNames {
		if name == label {
			return Intent(i)
		}
	}
	return IntentExploration
}

// Semaphore is the traffic-light governance state.
type Semaphore int

const (
	Green Semaphore = iota
	Amber
	Red
	semaphoreCount
)

var semaphoreNames = [semaphoreCount]string{Green: "green", Amber: "amber", Red: "red"}

func (s Semaphore) String() string {
	if s < 0 || s >= semaphoreCount {
		return fmt.Sprintf("semaphore(%d)", int(s))
	}
	return semaphoreNames[s]
}

// ParseSemaphore is the inverse of String.
func ParseSemaphore(s string) (Semaphore, error) {
	for i, name := range semaphoreNames {
		if name == s {
			return Semaphore(i), nil
		}
	}
	return Red, fmt.Errorf("unknown semaphore %q", s)
}

// Contract is a scaffolding contract: the kind of help a response may give.
type Contract int

const (
	AskGuidingQuestions Contract = iota
	ExplainConceptNoCode
	GiveGraduatedHint
	RequestJustification
	RedirectToTheory
	ContractCount
)

var contractNames = [ContractCount]string{
	AskGuidingQuestions:  "ask-guiding-questions",
	ExplainConceptNoCode: "explain-concept-no-code",
	GiveGraduatedHint:    "give-graduated-hint",
	RequestJustification: "request-justification",
	RedirectToTheory:     "redirect-to-theory",
}

func (c Contract) String() string {
	if c < 0 || c >= ContractCount {
		return fmt.Sprintf("contract(%d)", int(c))
	}
	return contractNames[c]
}

// ParseContract is the inverse of String.
func ParseContract(s string) (Contract, error) {
	for i, name := range contractNames {
		if name == s {
			return Contract(i), nil
		}
	}
	return RedirectToTheory, fmt.Errorf("unknown contract %q", s)
}

// Generative reports whether a contract lets the model produce explanatory
// content. Question-only and redirect contracts do not.
func (c Contract) Generative() bool {
	return c == ExplainConceptNoCode || c == GiveGraduatedHint
}

// contractTable is the scaffolding lookup, one cell per semaphore and intent.
var contractTable = [semaphoreCount][intentCount]Contract{
	Green: {
		IntentExploration:   ExplainConceptNoCode,
		IntentDebugging:     GiveGraduatedHint,
		IntentDelegation:    AskGuidingQuestions,
		IntentClarification: ExplainConceptNoCode,
		IntentValidation:    RequestJustification,
	},
	Amber: {
		IntentExploration:   AskGuidingQuestions,
		IntentDebugging:     GiveGraduatedHint,
		IntentDelegation:    AskGuidingQuestions,
		IntentClarification: ExplainConceptNoCode,
		IntentValidation:    RequestJustification,
	},
	Red: {
		IntentExploration:   RedirectToTheory,
		IntentDebugging:     AskGuidingQuestions,
		IntentDelegation:    AskGuidingQuestions,
		IntentClarification: RedirectToTheory,
		IntentValidation:    AskGuidingQuestions,
	},
}

// SelectContract is the scaffolding-selection stage.
func SelectContract(s Semaphore, i Intent) Contract {
	if s < 0 || s >= semaphoreCount || i < 0 || i >= intentCount {
		return RedirectToTheory
	}
	return contractTable[s][i]
}
