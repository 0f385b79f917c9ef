package generation

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/dativo-io/mentor/internal/policy"
	"github.com/dativo-io/mentor/internal/strategy"
)

//go:embed instruction.tmpl
var instructionTemplate string

var instructionTmpl = template.Must(template.New("instruction").Parse(instructionTemplate))

type instructionData struct {
	Persona               string
	Constraint            string
	JustificationRequired bool
	Blocked               bool
	BlockReason           string
	Topic                 string
}

// BuildInstruction renders the system instruction for s under verdict v.
func BuildInstruction(catalog *strategy.Catalog, s strategy.Strategy, v policy.Verdict, contextMap map[string]any) (string, error) {
	data := instructionData{
		Persona:               catalog.Persona(s),
		Constraint:            catalog.Constraint(s),
		JustificationRequired: v.JustificationRequired,
		Blocked:               v.Blocked,
		BlockReason:           v.BlockReason,
	}
	if topic, ok := contextMap["topic"].(string); ok {
		data.Topic = strings.TrimSpace(topic)
	}

	var b strings.Builder
	if err := instructionTmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering instruction for %s: %w", s, err)
	}
	return b.String(), nil
}
